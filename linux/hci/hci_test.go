package hci

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rigado/hwrelay"
	"github.com/rigado/hwrelay/linux/hci/ctrl"
)

type captured struct {
	typ      uint8
	data     []byte
	headroom int
}

type fakeHW struct {
	mu     sync.Mutex
	frames []captured
	recv   func([]byte) error
	fail   error
}

func (h *fakeHW) SendRawFrame(f *Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		return h.fail
	}
	h.frames = append(h.frames, captured{f.Type, append([]byte(nil), f.Bytes()...), f.Headroom()})
	return nil
}

func (h *fakeHW) SetReceiver(fn func([]byte) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recv = fn
}

func (h *fakeHW) sentFrames() []captured {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]captured(nil), h.frames...)
}

func (h *fakeHW) receiver() func([]byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recv
}

// eagerHW hands a buffered frame to the receiver as soon as it is set.
type eagerHW struct {
	fakeHW
	pending []byte
	rxErr   error
}

func (h *eagerHW) SetReceiver(fn func([]byte) error) {
	h.fakeHW.SetReceiver(fn)
	if fn != nil && h.pending != nil {
		h.rxErr = fn(h.pending)
		h.pending = nil
	}
}

type pollingHW struct {
	fakeHW
	checks int32
}

func (h *pollingHW) CheckInterruptStatus() error {
	atomic.AddInt32(&h.checks, 1)
	return nil
}

type fakeStack struct {
	mu           sync.Mutex
	driver       Driver
	registered   int
	unregistered int
	failRegister error
	frames       []captured
	onRecv       func(*Frame) error
}

func (s *fakeStack) Register(d Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRegister != nil {
		return s.failRegister
	}
	s.driver = d
	s.registered++
	return nil
}

func (s *fakeStack) Unregister() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driver = nil
	s.unregistered++
	return nil
}

func (s *fakeStack) Recv(f *Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, captured{f.Type, append([]byte(nil), f.Bytes()...), f.Headroom()})
	fn := s.onRecv
	s.mu.Unlock()

	if fn != nil {
		return fn(f)
	}
	return nil
}

func (s *fakeStack) received() []captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]captured(nil), s.frames...)
}

// frame builds an adapter frame with descriptor.
func frame(t *testing.T, q uint8, typ uint8, payload []byte) []byte {
	b := make([]byte, FrameDescSize+len(payload))
	if err := PutDescriptor(b, len(payload), q, typ); err != nil {
		t.Fatal(err)
	}
	copy(b[FrameDescSize:], payload)
	return b
}

func cardReady(t *testing.T) []byte {
	return frame(t, QueueBTMgmt, CardReadyInd, nil)
}

func newRelay(t *testing.T, hw HardwareTransport, opts ...hwrelay.Option) (*Relay, *fakeStack, *ctrl.Local) {
	st := &fakeStack{}
	ch := ctrl.NewLocal()
	r, err := NewRelay(hw, st, ch, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return r, st, ch
}

// readyRelay returns an attached, open and ready relay.
func readyRelay(t *testing.T, hw HardwareTransport, opts ...hwrelay.Option) (*Relay, *fakeStack, *ctrl.Local) {
	r, st, ch := newRelay(t, hw, opts...)
	if err := r.Attach(); err != nil {
		t.Fatal(err)
	}
	if err := r.Open(); err != nil {
		t.Fatal(err)
	}
	if err := r.OnInboundHardwareFrame(cardReady(t)); err != nil {
		t.Fatal(err)
	}
	return r, st, ch
}

func TestEndToEnd(t *testing.T) {
	hw := &fakeHW{}
	r, st, ch := newRelay(t, hw)

	if err := r.Attach(); err != nil {
		t.Fatal(err)
	}
	if st.registered != 1 || ch.Family() != ctrl.DefaultFamily || hw.receiver() == nil {
		t.Fatal("attach didn't register everywhere")
	}
	if err := st.driver.Open(); err != nil {
		t.Fatal(err)
	}

	if err := hw.receiver()(cardReady(t)); err != nil {
		t.Fatal(err)
	}
	if s := r.State(); s != StateReady {
		t.Fatalf("state %v after card ready", s)
	}

	acl := []byte{0x40, 0x00, 0x05, 0x00, 0x01, 0x00, 0x04, 0x00, 0x0a}
	if err := r.SubmitOutbound(NewFrame(PktTypeACLData, acl)); err != nil {
		t.Fatal(err)
	}

	frames := hw.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("%d frames sent", len(frames))
	}
	if frames[0].typ != PktTypeACLData || !bytes.Equal(frames[0].data, acl) {
		t.Fatalf("sent %+v", frames[0])
	}
	if frames[0].headroom < DefaultHeadroom {
		t.Fatalf("frame sent with %d bytes of headroom", frames[0].headroom)
	}
	if s := r.Stats(); s.ACLTx != 1 || s.CmdTx != 0 || s.SCOTx != 0 {
		t.Fatalf("stats %+v", s)
	}

	if err := r.Detach(); err != nil {
		t.Fatal(err)
	}
	if st.unregistered != 1 || ch.Family() != "" || hw.receiver() != nil {
		t.Fatal("detach didn't unregister everywhere")
	}
	err := r.SubmitOutbound(NewFrame(PktTypeACLData, acl))
	if errors.Cause(err) != ErrNotReady {
		t.Fatalf("submit after detach: %v", err)
	}
}

func TestCardReadyOnce(t *testing.T) {
	hw := &pollingHW{}
	r, st, _ := newRelay(t, hw, hwrelay.OptBus(hwrelay.BusSDIO))
	if err := r.Attach(); err != nil {
		t.Fatal(err)
	}
	defer r.Detach()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.OnInboundHardwareFrame(cardReady(t)); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if r.State() != StateReady {
		t.Fatal("not ready")
	}
	if s := r.Stats(); s.Dropped != 1 {
		t.Fatalf("second indication not consumed: %+v", s)
	}
	if n := len(st.received()); n != 0 {
		t.Fatalf("%d frames reached the stack", n)
	}
}

func TestSubmitEmpty(t *testing.T) {
	hw := &fakeHW{}
	r, _, _ := readyRelay(t, hw)
	defer r.Detach()

	for _, typ := range []uint8{PktTypeCommand, PktTypeACLData, PktTypeSCOData} {
		if err := r.SubmitOutbound(NewFrame(typ, nil)); errors.Cause(err) != ErrEmptyPacket {
			t.Fatalf("empty type 0x%02x: %v", typ, err)
		}
	}
	if err := r.SubmitOutbound(nil); err != ErrEmptyPacket {
		t.Fatalf("nil frame: %v", err)
	}
	if s := r.Stats(); s != (Stats{}) {
		t.Fatalf("counters moved: %+v", s)
	}
	if len(hw.sentFrames()) != 0 {
		t.Fatal("empty frame reached the hardware")
	}
}

func TestSubmitUnsupported(t *testing.T) {
	hw := &fakeHW{}
	r, _, _ := readyRelay(t, hw)
	defer r.Detach()

	for _, typ := range []uint8{0x00, PktTypeEvent, 0x05, PktTypeVendor} {
		err := r.SubmitOutbound(NewFrame(typ, []byte{1, 2, 3}))
		if errors.Cause(err) != ErrUnsupportedType {
			t.Fatalf("type 0x%02x: %v", typ, err)
		}
	}
	if s := r.Stats(); s != (Stats{}) {
		t.Fatalf("counters moved: %+v", s)
	}
}

func TestSubmitNotReady(t *testing.T) {
	hw := &fakeHW{}
	r, _, _ := newRelay(t, hw)
	cmd := []byte{0x03, 0x0c, 0x00}

	if err := r.Attach(); err != nil {
		t.Fatal(err)
	}
	defer r.Detach()
	r.Open()

	if err := r.SubmitOutbound(NewFrame(PktTypeCommand, cmd)); errors.Cause(err) != ErrNotReady {
		t.Fatalf("submit before card ready: %v", err)
	}

	r.OnInboundHardwareFrame(cardReady(t))
	r.Close()
	if err := r.SubmitOutbound(NewFrame(PktTypeCommand, cmd)); errors.Cause(err) != ErrNotReady {
		t.Fatalf("submit while closed: %v", err)
	}

	r.Open()
	if err := r.SubmitOutbound(NewFrame(PktTypeCommand, cmd)); err != nil {
		t.Fatalf("submit while open: %v", err)
	}
	if s := r.Stats(); s.CmdTx != 1 {
		t.Fatalf("stats %+v", s)
	}
}

func TestSubmitOrder(t *testing.T) {
	hw := &fakeHW{}
	r, _, _ := readyRelay(t, hw)
	defer r.Detach()

	for i := 0; i < 10; i++ {
		if err := r.SubmitOutbound(NewFrame(PktTypeCommand, []byte{byte(i)})); err != nil {
			t.Fatal(err)
		}
	}
	for i, f := range hw.sentFrames() {
		if f.data[0] != byte(i) {
			t.Fatalf("frame %d carries %d", i, f.data[0])
		}
	}
}

func TestSubmitHardwareError(t *testing.T) {
	hw := &fakeHW{fail: errors.New("bus fault")}
	var handled error
	r, _, _ := readyRelay(t, hw, hwrelay.OptErrorHandler(func(err error) { handled = err }))
	defer r.Detach()

	if err := r.SubmitOutbound(NewFrame(PktTypeSCOData, []byte{1})); err == nil {
		t.Fatal("hardware error swallowed")
	}
	if handled == nil {
		t.Fatal("error handler not called")
	}
	if s := r.Stats(); s.SCOTx != 1 || s.ErrTx != 1 {
		t.Fatalf("stats %+v", s)
	}
}

func TestInbound(t *testing.T) {
	hw := &fakeHW{}
	r, st, _ := readyRelay(t, hw)
	defer r.Detach()

	evt := []byte{0x0e, 0x04, 0x01, 0x03, 0x0c, 0x00}
	if err := r.OnInboundHardwareFrame(frame(t, QueueBTData, PktTypeEvent, evt)); err != nil {
		t.Fatal(err)
	}

	// consumed management messages
	for _, typ := range []uint8{ResultConfirm, BTBer, BTCw} {
		if err := r.OnInboundHardwareFrame(frame(t, QueueBTMgmt, typ, []byte{1})); err != nil {
			t.Fatal(err)
		}
	}

	got := st.received()
	if len(got) != 1 {
		t.Fatalf("%d frames delivered", len(got))
	}
	if got[0].typ != PktTypeEvent || !bytes.Equal(got[0].data, evt) {
		t.Fatalf("delivered %+v", got[0])
	}
	s := r.Stats()
	if s.ByteRx != uint64(len(evt)) || s.EvtRx != 1 || s.Dropped != 3 {
		t.Fatalf("stats %+v", s)
	}
}

func TestInboundBeforeReady(t *testing.T) {
	hw := &fakeHW{}
	r, st, _ := newRelay(t, hw)

	b := frame(t, QueueBTData, PktTypeEvent, []byte{0x0e, 0x00})
	if err := r.OnInboundHardwareFrame(b); errors.Cause(err) != ErrNotReady {
		t.Fatalf("frame before attach: %v", err)
	}

	if err := r.Attach(); err != nil {
		t.Fatal(err)
	}
	defer r.Detach()

	for _, q := range []uint8{QueueBTData, QueueBTMgmt} {
		if err := r.OnInboundHardwareFrame(frame(t, q, PktTypeEvent, []byte{1})); err != nil {
			t.Fatalf("queue %d: %v", q, err)
		}
	}
	if n := len(st.received()); n != 0 || r.Stats().Dropped != 2 {
		t.Fatalf("%d frames delivered before card ready", n)
	}
}

func TestInboundMalformed(t *testing.T) {
	hw := &fakeHW{}
	r, _, _ := readyRelay(t, hw)
	defer r.Detach()

	if err := r.OnInboundHardwareFrame(make([]byte, FrameDescSize-1)); errors.Cause(err) != ErrShortFrame {
		t.Fatalf("short descriptor: %v", err)
	}

	b := frame(t, QueueBTData, PktTypeEvent, []byte{1, 2, 3})
	if err := r.OnInboundHardwareFrame(b[:len(b)-1]); errors.Cause(err) != ErrShortFrame {
		t.Fatalf("truncated payload: %v", err)
	}
}

func TestInboundNoMemory(t *testing.T) {
	hw := &fakeHW{}
	r, st, _ := readyRelay(t, hw, hwrelay.OptPoolSize(1))
	defer r.Detach()

	b := frame(t, QueueBTData, PktTypeEvent, []byte{0x0e, 0x00})
	var nested error
	st.onRecv = func(*Frame) error {
		// the only buffer is held by the frame being delivered
		nested = r.OnInboundHardwareFrame(b)
		return nil
	}
	if err := r.OnInboundHardwareFrame(b); err != nil {
		t.Fatal(err)
	}
	if errors.Cause(nested) != ErrNoMemory {
		t.Fatalf("nested delivery: %v", nested)
	}

	st.onRecv = nil
	if err := r.OnInboundHardwareFrame(b); err != nil {
		t.Fatalf("buffer not returned: %v", err)
	}
}

func TestControlMessage(t *testing.T) {
	hw := &fakeHW{}
	_, _, ch := readyRelay(t, hw)

	cmd := []byte{0x03, 0x0c, 0x00}
	if err := ch.Deliver(ctrl.NewPacketMessage(uint16(PktTypeCommand), cmd)); err != nil {
		t.Fatal(err)
	}
	frames := hw.sentFrames()
	if len(frames) != 1 || frames[0].typ != PktTypeCommand || !bytes.Equal(frames[0].data, cmd) {
		t.Fatalf("sent %+v", frames)
	}
	if h := frames[0].headroom; h < DefaultHeadroom || h%ControlAlign != 0 {
		t.Fatalf("control frame headroom %d", h)
	}
}

func TestControlMessageMalformed(t *testing.T) {
	hw := &fakeHW{}
	r, _, _ := readyRelay(t, hw)
	defer r.Detach()

	tests := []struct {
		name string
		msg  ctrl.Message
		err  error
	}{
		{"no attributes", ctrl.Message{}, ErrNoAttributes},
		{"other attribute", ctrl.Message{Attrs: map[uint16][]byte{7: {1}}}, ErrNoAttributes},
		{"empty", ctrl.Message{Attrs: map[uint16][]byte{ctrl.AttrMsg: {}}}, ErrNoData},
		{"short header", ctrl.Message{Attrs: map[uint16][]byte{ctrl.AttrMsg: {1, 0}}}, ErrNoData},
		{"overrun", ctrl.Message{Attrs: map[uint16][]byte{ctrl.AttrMsg: {1, 0, 9, 0, 1}}}, ErrNoData},
		{"wide type", ctrl.NewPacketMessage(0x0102, []byte{1}), ErrUnsupportedType},
		{"event type", ctrl.NewPacketMessage(uint16(PktTypeEvent), []byte{1}), ErrUnsupportedType},
	}
	for _, tt := range tests {
		if err := r.OnControlMessage(tt.msg); errors.Cause(err) != tt.err {
			t.Errorf("%s: %v, want %v", tt.name, err, tt.err)
		}
	}
	if len(hw.sentFrames()) != 0 {
		t.Fatal("malformed message reached the hardware")
	}
}

func TestCardReadyDuringAttach(t *testing.T) {
	hw := &eagerHW{pending: cardReady(t)}
	r, _, _ := newRelay(t, hw)

	if err := r.Attach(); err != nil {
		t.Fatal(err)
	}
	defer r.Detach()

	if hw.rxErr != nil {
		t.Fatalf("card ready rejected: %v", hw.rxErr)
	}
	if r.State() != StateReady {
		t.Fatalf("state %v after attach", r.State())
	}
}

func TestAttachUnwind(t *testing.T) {
	hw := &fakeHW{}
	r, st, ch := newRelay(t, hw)

	// family taken, control registration fails after the stack registered
	if err := ch.Register(ctrl.DefaultFamily, func(ctrl.Message) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := r.Attach(); err == nil {
		t.Fatal("attach succeeded")
	}
	if st.registered != 1 || st.unregistered != 1 || hw.receiver() != nil {
		t.Fatalf("partial attach left behind: %+v", st)
	}

	st2 := &fakeStack{failRegister: errors.New("no slot")}
	ch2 := ctrl.NewLocal()
	r2, err := NewRelay(hw, st2, ch2)
	if err != nil {
		t.Fatal(err)
	}
	if err := r2.Attach(); err == nil {
		t.Fatal("attach succeeded")
	}
	if ch2.Family() != "" || st2.unregistered != 0 {
		t.Fatal("failed attach touched later registrations")
	}
	if err := r2.Detach(); err != nil {
		t.Fatalf("detach after failed attach: %v", err)
	}
}

func TestDetachNeverAttached(t *testing.T) {
	r, st, _ := newRelay(t, &fakeHW{})
	if err := r.Detach(); err != nil {
		t.Fatal(err)
	}
	if err := r.Detach(); err != nil {
		t.Fatal(err)
	}
	if st.unregistered != 0 {
		t.Fatal("unregistered without registering")
	}
	if err := r.Flush(); errors.Cause(err) != ErrNotReady {
		t.Fatalf("flush while detached: %v", err)
	}
}

func TestOpenClose(t *testing.T) {
	r, _, _ := newRelay(t, &fakeHW{})
	for i := 0; i < 2; i++ {
		if err := r.Open(); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := r.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPollTask(t *testing.T) {
	hw := &pollingHW{}
	r, _, _ := readyRelay(t, hw, hwrelay.OptBus(hwrelay.BusSDIO), hwrelay.OptPollInterval(time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&hw.checks) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("poll task not running")
		}
		time.Sleep(time.Millisecond)
	}

	if err := r.Detach(); err != nil {
		t.Fatal(err)
	}
	n := atomic.LoadInt32(&hw.checks)
	time.Sleep(20 * time.Millisecond)
	if m := atomic.LoadInt32(&hw.checks); m != n {
		t.Fatalf("poll task still running after detach: %d -> %d checks", n, m)
	}
}

func TestNoPollTaskOnUSB(t *testing.T) {
	hw := &pollingHW{}
	r, _, _ := readyRelay(t, hw, hwrelay.OptPollInterval(time.Millisecond))
	defer r.Detach()

	time.Sleep(10 * time.Millisecond)
	if n := atomic.LoadInt32(&hw.checks); n != 0 {
		t.Fatalf("%d interrupt checks on usb", n)
	}
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  hwrelay.Option
	}{
		{"family", hwrelay.OptFamily("")},
		{"poll", hwrelay.OptPollInterval(0)},
		{"pool", hwrelay.OptPoolSize(0)},
		{"headroom low", hwrelay.OptHeadroom(FrameDescSize - 1)},
		{"headroom high", hwrelay.OptHeadroom(ControlAlign + 1)},
		{"logger", hwrelay.OptLogger(nil)},
	}
	for _, tt := range tests {
		if _, err := NewRelay(&fakeHW{}, &fakeStack{}, nil, tt.opt); err == nil {
			t.Errorf("%s: bad option accepted", tt.name)
		}
	}

	r, err := NewRelay(&fakeHW{}, &fakeStack{}, nil, hwrelay.OptFamily("test"), hwrelay.OptHeadroom(32))
	if err != nil {
		t.Fatal(err)
	}
	if r.family != "test" || r.headroom != 32 {
		t.Fatalf("options not applied: %q %d", r.family, r.headroom)
	}
}

func TestCollector(t *testing.T) {
	hw := &fakeHW{}
	r, _, _ := readyRelay(t, hw)
	defer r.Detach()
	r.SubmitOutbound(NewFrame(PktTypeCommand, []byte{1}))

	c := NewCollector()
	c.Add("hci0", r)
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	values := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				if l.GetName() == "type" {
					key += "/" + l.GetValue()
				}
			}
			switch {
			case m.GetCounter() != nil:
				values[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[key] = m.GetGauge().GetValue()
			}
		}
	}
	if values["hwrelay_hci_tx_frames_total/command"] != 1 {
		t.Fatalf("command counter %v", values["hwrelay_hci_tx_frames_total/command"])
	}
	if values["hwrelay_hci_ready"] != 1 {
		t.Fatal("ready gauge not set")
	}
}
