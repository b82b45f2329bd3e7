package hci

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hwrelay"
)

// SetFamily sets the control channel family name.
func (r *Relay) SetFamily(name string) error {
	if name == "" {
		return errors.New("empty family name")
	}
	r.family = name
	return nil
}

// SetPollInterval sets the interrupt polling interval for SDIO adapters.
func (r *Relay) SetPollInterval(d time.Duration) error {
	if d <= 0 {
		return errors.Errorf("invalid poll interval %v", d)
	}
	r.pollInterval = d
	return nil
}

// SetPoolSize sets the number of frame buffers. It only has an effect
// before the pool is built by NewRelay.
func (r *Relay) SetPoolSize(frames int) error {
	if frames <= 0 {
		return errors.Errorf("invalid pool size %d", frames)
	}
	if r.pool != nil {
		return errors.New("pool already allocated")
	}
	r.poolSize = frames
	return nil
}

// SetHeadroom sets the reserve guaranteed in front of outbound payloads.
func (r *Relay) SetHeadroom(n int) error {
	if n < FrameDescSize || n > ControlAlign {
		return errors.Errorf("headroom %d outside [%d, %d]", n, FrameDescSize, ControlAlign)
	}
	r.headroom = n
	return nil
}

// SetBus records the host interface of the adapter.
func (r *Relay) SetBus(b hwrelay.Bus) error {
	r.bus = b
	return nil
}

// SetLogger overrides the package logger.
func (r *Relay) SetLogger(l hwrelay.Logger) error {
	if l == nil {
		return errors.New("nil logger")
	}
	r.log = l
	return nil
}

// SetErrorHandler ...
func (r *Relay) SetErrorHandler(handler func(error)) error {
	r.errorHandler = handler
	return nil
}
