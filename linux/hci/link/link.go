// Package link carries descriptor framed adapter traffic over a byte stream,
// either a serial port or a TCP connection to a bus bridge.
package link

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/rigado/hwrelay"
	"github.com/rigado/hwrelay/linux/hci"
)

const (
	readSize = 2048
	// frames kept while no receiver is set
	backlogSize = 64
)

// Link implements hci.HardwareTransport on a stream.
type Link struct {
	rw  io.ReadWriteCloser
	wmu sync.Mutex

	// held across delivery, so backlog and live frames stay in order
	mu      sync.Mutex
	recv    func([]byte) error
	backlog [][]byte

	asm *assembler
	log hwrelay.Logger

	done   chan int
	exited chan struct{}
	cmu    sync.Mutex
}

// New starts a link on rw. The link owns rw and closes it on Close.
func New(rw io.ReadWriteCloser) *Link {
	l := &Link{
		rw:     rw,
		log:    hwrelay.PkgLogger("link"),
		done:   make(chan int),
		exited: make(chan struct{}),
	}
	l.asm = newAssembler(l.deliver)
	go l.rxLoop()
	return l
}

// DefaultSerialOptions returns 8N1 at 921600 baud with hardware flow
// control.
func DefaultSerialOptions() serial.OpenOptions {
	return serial.OpenOptions{
		BaudRate:          921600,
		DataBits:          8,
		StopBits:          1,
		ParityMode:        serial.PARITY_NONE,
		RTSCTSFlowControl: true,
	}
}

// NewSerial opens a serial port.
func NewSerial(opts serial.OpenOptions) (*Link, error) {
	// force these
	opts.MinimumReadSize = 0
	opts.InterCharacterTimeout = 100

	sp, err := serial.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", opts.PortName)
	}
	return New(sp), nil
}

// NewSocket connects to a bridge at addr. Connecting and each write time out
// after timeout.
func NewSocket(addr string, timeout time.Duration) (*Link, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "can't connect to %s", addr)
	}
	return New(newDeadlineConn(c, timeout)), nil
}

// SetReceiver implements hci.HardwareTransport. Frames read before the first
// receiver was set are handed to it before SetReceiver returns.
func (l *Link) SetReceiver(fn func([]byte) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recv = fn
	if fn == nil {
		return
	}

	backlog := l.backlog
	l.backlog = nil
	for _, b := range backlog {
		l.hand(fn, b)
	}
}

// SendRawFrame prepends the adapter descriptor and writes the frame.
func (l *Link) SendRawFrame(f *hci.Frame) error {
	if !l.isOpen() {
		return io.EOF
	}

	n, typ := f.Len(), f.Type
	d, err := f.Push(hci.FrameDescSize)
	if err != nil {
		return errors.Wrap(err, "no room for descriptor")
	}
	if err := hci.PutDescriptor(d, n, hci.QueueBTData, typ); err != nil {
		return err
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := l.rw.Write(f.Bytes()); err != nil {
		return errors.Wrap(err, "can't write link")
	}
	return nil
}

func (l *Link) deliver(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.recv == nil {
		if len(l.backlog) == backlogSize {
			l.log.Warnf("no receiver, dropping oldest of %d frames", backlogSize)
			l.backlog = l.backlog[1:]
		}
		l.backlog = append(l.backlog, b)
		return
	}
	l.hand(l.recv, b)
}

func (l *Link) hand(fn func([]byte) error, b []byte) {
	if err := fn(b); err != nil {
		l.log.Debugf("frame rejected: %v", err)
	}
}

func (l *Link) rxLoop() {
	defer close(l.exited)

	b := make([]byte, readSize)
	for {
		select {
		case <-l.done:
			return
		default:
		}

		n, err := l.rw.Read(b)
		if n > 0 {
			l.asm.Assemble(b[:n])
		}
		switch {
		case err == nil:
		case isTimeout(err):
		case err == io.EOF, !l.isOpen():
			l.log.Info("link closed")
			return
		default:
			l.log.Errorf("can't read link: %v", err)
			return
		}
	}
}

func (l *Link) Close() error {
	l.cmu.Lock()
	defer l.cmu.Unlock()

	select {
	case <-l.done:
		return nil
	default:
		close(l.done)
		err := l.rw.Close()
		<-l.exited
		return errors.Wrap(err, "can't close link")
	}
}

func (l *Link) isOpen() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}
