package hwrelay

import (
	"time"
)

// Bus identifies the host interface the adapter sits on.
type Bus int

const (
	BusUSB Bus = iota
	BusSDIO
)

func (b Bus) String() string {
	switch b {
	case BusSDIO:
		return "sdio"
	default:
		return "usb"
	}
}

// RelayOption is implemented by the relay to accept configuration options.
type RelayOption interface {
	SetFamily(name string) error
	SetPollInterval(time.Duration) error
	SetPoolSize(frames int) error
	SetHeadroom(bytes int) error
	SetBus(Bus) error
	SetLogger(Logger) error
	SetErrorHandler(handler func(error)) error
}

// An Option is a configuration function, which configures the relay.
type Option func(RelayOption) error

// OptFamily sets the control channel family name.
func OptFamily(name string) Option {
	return func(opt RelayOption) error {
		return opt.SetFamily(name)
	}
}

// OptPollInterval sets the interval of the interrupt polling task.
func OptPollInterval(d time.Duration) Option {
	return func(opt RelayOption) error {
		return opt.SetPollInterval(d)
	}
}

// OptPoolSize bounds the number of frames in flight.
func OptPoolSize(n int) Option {
	return func(opt RelayOption) error {
		return opt.SetPoolSize(n)
	}
}

// OptHeadroom sets the header reserve guaranteed on outbound frames.
func OptHeadroom(n int) Option {
	return func(opt RelayOption) error {
		return opt.SetHeadroom(n)
	}
}

// OptBus records the host interface type.
func OptBus(b Bus) Option {
	return func(opt RelayOption) error {
		return opt.SetBus(b)
	}
}

// OptLogger overrides the logger.
func OptLogger(l Logger) Option {
	return func(opt RelayOption) error {
		return opt.SetLogger(l)
	}
}

// OptErrorHandler sets error handler
func OptErrorHandler(handler func(error)) Option {
	return func(opt RelayOption) error {
		return opt.SetErrorHandler(handler)
	}
}
