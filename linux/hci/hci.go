package hci

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hwrelay"
	"github.com/rigado/hwrelay/linux/hci/ctrl"
)

// State of the adapter as seen by the relay.
type State int

const (
	StateNotReady State = iota
	StateReady
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	default:
		return "not ready"
	}
}

// Stats counts relayed traffic.
type Stats struct {
	CmdTx  uint64
	ACLTx  uint64
	SCOTx  uint64
	ByteRx uint64

	EvtRx    uint64
	ACLRx    uint64
	SCORx    uint64
	VendorRx uint64

	// Dropped counts inbound frames consumed without delivery: frames
	// before the card is ready and management messages.
	Dropped uint64
	ErrTx   uint64
}

// Relay forwards HCI packets between a host HCI stack and a Redpine style
// adapter. Inbound frames arrive from the hardware transport, outbound frames
// from the stack or from the control channel.
type Relay struct {
	// protects state, running, stats and the poll task
	mu      sync.Mutex
	live    bool
	state   State
	running bool
	stats   Stats

	pollStop   chan bool
	pollExited chan struct{}

	// serializes transmission so frames reach the adapter in submit order
	txMu sync.Mutex

	// serializes Attach and Detach
	muAttach      sync.Mutex
	attached      bool
	stackAttached bool
	ctrlAttached  bool
	recvAttached  bool

	hw    HardwareTransport
	stack Stack
	ctrl  ctrl.Channel
	pool  *Pool

	family       string
	pollInterval time.Duration
	poolSize     int
	headroom     int
	bus          hwrelay.Bus

	log          hwrelay.Logger
	errorHandler func(error)
}

// NewRelay returns a relay between hw and stack. ch may be nil when no control
// channel is wanted.
func NewRelay(hw HardwareTransport, stack Stack, ch ctrl.Channel, opts ...hwrelay.Option) (*Relay, error) {
	r := &Relay{
		hw:    hw,
		stack: stack,
		ctrl:  ch,

		family:       ctrl.DefaultFamily,
		pollInterval: DefaultPollInterval,
		poolSize:     DefaultPoolSize,
		headroom:     DefaultHeadroom,
		bus:          hwrelay.BusUSB,
		log:          hwrelay.PkgLogger("hci"),
	}
	if err := r.Option(opts...); err != nil {
		return nil, errors.Wrap(err, "can't set options")
	}

	var err error
	if r.pool, err = NewPool(poolBufSize, r.poolSize); err != nil {
		return nil, err
	}
	return r, nil
}

// Option sets the options specified.
func (r *Relay) Option(opts ...hwrelay.Option) error {
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return err
		}
	}
	return nil
}

// Attach registers the relay with the HCI stack and the control channel and
// starts receiving from the hardware. Partial registrations are undone when
// a step fails.
func (r *Relay) Attach() error {
	r.muAttach.Lock()
	defer r.muAttach.Unlock()

	if r.attached {
		r.log.Debug("already attached")
		return nil
	}
	if r.hw == nil || r.stack == nil {
		return errors.New("relay needs a hardware transport and an hci stack")
	}

	if err := r.stack.Register(r); err != nil {
		r.unwind()
		return errors.Wrap(err, "can't register with hci stack")
	}
	r.stackAttached = true

	if r.ctrl != nil {
		if err := r.ctrl.Register(r.family, r.OnControlMessage); err != nil {
			r.unwind()
			return errors.Wrapf(err, "can't register control family %s", r.family)
		}
		r.ctrlAttached = true
	}

	// live before the receiver, the transport may deliver card ready at once
	r.mu.Lock()
	r.live = true
	r.mu.Unlock()

	r.hw.SetReceiver(r.OnInboundHardwareFrame)
	r.recvAttached = true

	r.attached = true
	r.log.Infof("attached on %v bus, waiting for card ready", r.bus)
	return nil
}

// Detach undoes Attach. It stops the poll task and waits for it to exit.
// Detaching a relay that never attached, or attached only partially, is
// safe.
func (r *Relay) Detach() error {
	r.muAttach.Lock()
	defer r.muAttach.Unlock()

	err := r.unwind()
	if r.attached {
		r.log.Info("detached")
	}
	r.attached = false
	return err
}

// unwind releases every registration made so far, in reverse order, and
// returns the first error.
func (r *Relay) unwind() error {
	r.mu.Lock()
	r.live = false
	r.state = StateNotReady
	r.running = false
	stop, exited := r.pollStop, r.pollExited
	r.pollStop, r.pollExited = nil, nil
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		<-exited
	}

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if r.recvAttached {
		r.hw.SetReceiver(nil)
		r.recvAttached = false
	}
	if r.ctrlAttached {
		keep(errors.Wrap(r.ctrl.Unregister(), "can't unregister control family"))
		r.ctrlAttached = false
	}
	if r.stackAttached {
		keep(errors.Wrap(r.stack.Unregister(), "can't unregister from hci stack"))
		r.stackAttached = false
	}
	return first
}

// Open marks the device running. Opening a running device is logged only.
func (r *Relay) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		r.log.Warn("device already running")
		return nil
	}
	r.running = true
	r.log.Info("device open")
	return nil
}

// Close clears the running flag. Closing a stopped device is logged only.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		r.log.Warn("device not running")
		return nil
	}
	r.running = false
	r.log.Info("device closed")
	return nil
}

// Flush has nothing to discard; the adapter owns queued frames.
func (r *Relay) Flush() error {
	r.muAttach.Lock()
	defer r.muAttach.Unlock()

	if !r.attached {
		return ErrNotReady
	}
	r.log.Debug("flush")
	return nil
}

// Send implements Driver.
func (r *Relay) Send(f *Frame) error {
	return r.SubmitOutbound(f)
}

func (r *Relay) Bus() hwrelay.Bus {
	return r.bus
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// SubmitOutbound sends a frame to the adapter. The relay takes ownership of
// f and releases it on every path. Frames without enough headroom for the
// adapter descriptor are copied into a pool frame.
func (r *Relay) SubmitOutbound(f *Frame) error {
	if f == nil {
		return ErrEmptyPacket
	}
	defer func() { f.Release() }()

	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	if r.state != StateReady || !r.running {
		r.mu.Unlock()
		return ErrNotReady
	}
	if f.Len() == 0 {
		r.mu.Unlock()
		r.log.Error("zero length packet")
		return ErrEmptyPacket
	}
	switch f.Type {
	case PktTypeCommand:
		r.stats.CmdTx++
	case PktTypeACLData:
		r.stats.ACLTx++
	case PktTypeSCOData:
		r.stats.SCOTx++
	default:
		r.mu.Unlock()
		return errors.Wrapf(ErrUnsupportedType, "0x%02x", f.Type)
	}
	r.mu.Unlock()

	if f.Headroom() < r.headroom {
		nf, err := r.pool.Get(r.headroom, f.Len())
		if err != nil {
			r.log.Errorf("can't reallocate %d byte frame: %v", f.Len(), err)
			return err
		}
		nf.put(f.Bytes())
		nf.Type = f.Type
		f.Release()
		f = nf
	}

	r.log.Debugf("tx type 0x%02x: % X", f.Type, f.Bytes())
	if err := r.hw.SendRawFrame(f); err != nil {
		r.mu.Lock()
		r.stats.ErrTx++
		r.mu.Unlock()
		err = errors.Wrap(err, "can't send frame")
		r.dispatchError(err)
		return err
	}
	return nil
}

// OnInboundHardwareFrame handles one frame read from the adapter, descriptor
// included. Before the card reports ready every frame other than the ready
// indication is dropped.
func (r *Relay) OnInboundHardwareFrame(b []byte) error {
	if len(b) < FrameDescSize {
		return errors.Wrapf(ErrShortFrame, "%d bytes", len(b))
	}
	d := descriptor(b)
	n, q, typ := d.length(), d.queue(), d.typ()
	if n > len(b)-FrameDescSize {
		return errors.Wrapf(ErrShortFrame, "length %d exceeds %d byte frame", n, len(b))
	}

	r.mu.Lock()
	switch {
	case !r.live:
		r.mu.Unlock()
		return ErrNotReady

	case r.state == StateNotReady && typ == CardReadyInd:
		r.cardReady()
		r.mu.Unlock()
		return nil

	case r.state == StateNotReady:
		r.stats.Dropped++
		r.mu.Unlock()
		r.log.Debugf("device not ready, dropping frame on queue %d", q)
		return nil

	case typ == CardReadyInd:
		r.stats.Dropped++
		r.mu.Unlock()
		r.log.Debug("duplicate card ready indication")
		return nil

	case q == QueueBTMgmt && isConsumedMgmt(typ):
		r.stats.Dropped++
		r.mu.Unlock()
		r.log.Debugf("mgmt message 0x%02x", typ)
		return nil
	}
	r.mu.Unlock()

	f, err := r.pool.Get(0, n)
	if err != nil {
		r.log.Errorf("can't allocate %d byte rx frame: %v", n, err)
		return err
	}
	defer f.Release()

	f.put(b[FrameDescSize : FrameDescSize+n])
	f.Type = typ

	r.mu.Lock()
	r.stats.ByteRx += uint64(n)
	switch typ {
	case PktTypeEvent:
		r.stats.EvtRx++
	case PktTypeACLData:
		r.stats.ACLRx++
	case PktTypeSCOData:
		r.stats.SCORx++
	default:
		r.stats.VendorRx++
	}
	r.mu.Unlock()

	if err := r.stack.Recv(f); err != nil {
		err = errors.Wrap(err, "hci stack rejected frame")
		r.dispatchError(err)
		return err
	}
	return nil
}

// cardReady moves to StateReady and starts the poll task when the transport
// needs one. Called with r.mu held.
func (r *Relay) cardReady() {
	r.state = StateReady
	r.log.Info("card ready")

	ic, ok := r.hw.(InterruptChecker)
	if !ok || r.bus != hwrelay.BusSDIO || r.pollStop != nil {
		return
	}
	r.pollStop = make(chan bool)
	r.pollExited = make(chan struct{})
	go r.poll(ic, r.pollStop, r.pollExited)
}

func (r *Relay) poll(ic InterruptChecker, stop chan bool, exited chan struct{}) {
	defer close(exited)

	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	for {
		if err := ic.CheckInterruptStatus(); err != nil {
			r.log.Debugf("interrupt status: %v", err)
		}
		select {
		case <-stop:
			r.log.Debug("poll task done")
			return
		case <-t.C:
		}
	}
}

// OnControlMessage turns a control message into an outbound frame. The
// message payload starts with the packet type and payload length, both 16
// bit little endian.
func (r *Relay) OnControlMessage(msg ctrl.Message) error {
	if len(msg.Attrs) == 0 {
		return ErrNoAttributes
	}
	data, ok := msg.Attrs[ctrl.AttrMsg]
	if !ok {
		return ErrNoAttributes
	}
	if len(data) == 0 {
		return ErrNoData
	}
	if len(data) < ctrl.PacketHeaderSize {
		return errors.Wrapf(ErrNoData, "%d byte payload", len(data))
	}

	pktType := binary.LittleEndian.Uint16(data[0:])
	n := int(binary.LittleEndian.Uint16(data[2:]))
	data = data[ctrl.PacketHeaderSize:]
	if n > len(data) {
		return errors.Wrapf(ErrNoData, "length %d exceeds %d byte payload", n, len(data))
	}
	r.log.Debugf("control message seq %d from %d: type 0x%x, len %d", msg.Seq, msg.PortID, pktType, n)

	if pktType > 0xff {
		return errors.Wrapf(ErrUnsupportedType, "0x%x", pktType)
	}

	f, err := r.pool.Get(r.headroom+ControlAlign, n)
	if err != nil {
		return err
	}
	f.align(ControlAlign)
	f.put(data[:n])
	f.Type = uint8(pktType)

	return r.SubmitOutbound(f)
}

func (r *Relay) dispatchError(err error) {
	if r.errorHandler != nil {
		r.errorHandler(err)
	}
}

func isConsumedMgmt(typ uint8) bool {
	switch typ {
	case ResultConfirm, BTBer, BTCw:
		return true
	}
	return false
}

// descriptor is the 16 byte adapter frame descriptor.
type descriptor []byte

func (d descriptor) length() int  { return int(binary.LittleEndian.Uint16(d[0:2]) & descLenMask) }
func (d descriptor) queue() uint8 { return (d[1] >> descQueueShift) & descQueueMask }
func (d descriptor) typ() uint8   { return d[descTypeOffset] }

// PutDescriptor writes a descriptor for an n byte payload of type typ on
// queue q into b.
func PutDescriptor(b []byte, n int, q uint8, typ uint8) error {
	if len(b) < FrameDescSize {
		return errors.Wrapf(ErrShortFrame, "%d byte descriptor", len(b))
	}
	if n > MaxFramePayload {
		return errors.Errorf("payload of %d bytes exceeds %d", n, MaxFramePayload)
	}
	for i := range b[:FrameDescSize] {
		b[i] = 0
	}
	binary.LittleEndian.PutUint16(b[0:], uint16(n)|uint16(q&descQueueMask)<<(8+descQueueShift))
	b[descTypeOffset] = typ
	return nil
}
