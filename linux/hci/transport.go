package hci

import "github.com/rigado/hwrelay"

// HardwareTransport moves descriptor framed packets to and from the adapter.
// SendRawFrame owns the frame only for the duration of the call; it is
// expected to prepend the adapter descriptor into the frame's headroom.
type HardwareTransport interface {
	SendRawFrame(f *Frame) error

	// SetReceiver registers the callback for every frame read from the
	// adapter, descriptor included. A nil callback detaches the receiver.
	SetReceiver(fn func(b []byte) error)
}

// InterruptChecker is implemented by transports that need their interrupt
// status polled, as SDIO adapters do.
type InterruptChecker interface {
	CheckInterruptStatus() error
}

// Driver is what a relay exposes to the host HCI stack.
type Driver interface {
	Open() error
	Close() error
	Flush() error
	Send(f *Frame) error
	Bus() hwrelay.Bus
}

// Stack is the host HCI stack the relay registers with. Recv owns the frame
// only for the duration of the call.
type Stack interface {
	Register(d Driver) error
	Unregister() error
	Recv(f *Frame) error
}
