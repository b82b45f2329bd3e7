// +build linux

// Package vhci registers a relay as a controller of the host Bluetooth stack
// through the virtual HCI driver.
package vhci

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/hwrelay"
	"github.com/rigado/hwrelay/linux/hci"
	"golang.org/x/sys/unix"
)

const (
	DefaultPath = "/dev/vhci"

	readTimeout    = 200 // ms
	createTimeout  = 2000
	maxPacketSize  = 4096
	unixPollErrors = int16(unix.POLLHUP | unix.POLLNVAL | unix.POLLERR)
	unixPollDataIn = int16(unix.POLLIN)

	// create request and reply: vendor packet type, opcode, le16 index
	opCreatePrimary = 0x00
)

// Stack implements hci.Stack on a /dev/vhci file descriptor. Frames the host
// stack writes to the controller are handed to the registered driver; frames
// passed to Recv are injected as if they came from a controller.
type Stack struct {
	path string
	log  hwrelay.Logger

	cmu    sync.Mutex
	fd     int
	index  int
	driver hci.Driver
	done   chan int
	exited chan struct{}

	wmu sync.Mutex
}

// New returns a Stack on the vhci device at path, or DefaultPath.
func New(path string) *Stack {
	if path == "" {
		path = DefaultPath
	}
	return &Stack{path: path, fd: -1, index: -1, log: hwrelay.PkgLogger("vhci")}
}

// Index returns the hci device index assigned by the kernel, or -1.
func (s *Stack) Index() int {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return s.index
}

// Register creates a primary controller and starts feeding its host to
// controller traffic to d.
func (s *Stack) Register(d hci.Driver) error {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	if s.driver != nil {
		return errors.New("vhci controller already registered")
	}

	fd, err := unix.Open(s.path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "can't open %s", s.path)
	}

	idx, err := create(fd)
	if err != nil {
		unix.Close(fd)
		return err
	}

	if err := d.Open(); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "can't open driver")
	}

	s.fd, s.index, s.driver = fd, idx, d
	s.done = make(chan int)
	s.exited = make(chan struct{})
	go s.readLoop(fd, d, s.done, s.exited)

	s.log.Infof("hci%d created on %v bus", idx, d.Bus())
	return nil
}

func create(fd int) (int, error) {
	if _, err := unix.Write(fd, []byte{hci.PktTypeVendor, opCreatePrimary}); err != nil {
		return -1, errors.Wrap(err, "can't request vhci controller")
	}

	pfds := []unix.PollFd{{Fd: int32(fd), Events: unixPollDataIn}}
	if _, err := unix.Poll(pfds, createTimeout); err != nil {
		return -1, errors.Wrap(err, "can't poll vhci")
	}
	if pfds[0].Revents&unixPollDataIn == 0 {
		return -1, errors.New("no vhci create reply")
	}

	b := make([]byte, maxPacketSize)
	n, err := unix.Read(fd, b)
	if err != nil {
		return -1, errors.Wrap(err, "can't read vhci create reply")
	}
	return parseCreateReply(b[:n])
}

func parseCreateReply(b []byte) (int, error) {
	if len(b) < 4 || b[0] != hci.PktTypeVendor || b[1] != opCreatePrimary {
		return -1, errors.Errorf("unexpected vhci create reply % X", b)
	}
	return int(binary.LittleEndian.Uint16(b[2:4])), nil
}

func (s *Stack) readLoop(fd int, d hci.Driver, done chan int, exited chan struct{}) {
	defer close(exited)

	b := make([]byte, maxPacketSize)
	for {
		select {
		case <-done:
			return
		default:
		}

		pfds := []unix.PollFd{{Fd: int32(fd), Events: unixPollDataIn}}
		unix.Poll(pfds, readTimeout)
		evts := pfds[0].Revents

		switch {
		case evts&unixPollErrors != 0:
			s.log.Errorf("vhci error: poll events 0x%04x", evts)
			return
		case evts&unixPollDataIn == 0:
			continue
		}

		n, err := unix.Read(fd, b)
		if err != nil {
			s.log.Errorf("can't read vhci: %v", err)
			return
		}
		f, err := parsePacket(b[:n])
		if err != nil {
			s.log.Warnf("dropping host packet: %v", err)
			continue
		}
		if err := d.Send(f); err != nil {
			s.log.Debugf("host packet type 0x%02x not sent: %v", f.Type, err)
		}
	}
}

// parsePacket splits the packet type indicator off a host packet. The frame
// owns a copy of the payload.
func parsePacket(b []byte) (*hci.Frame, error) {
	if len(b) < 2 {
		return nil, errors.Wrapf(hci.ErrShortFrame, "%d byte packet", len(b))
	}
	return hci.NewFrame(b[0], append([]byte(nil), b[1:]...)), nil
}

// Recv writes a controller packet to the host stack.
func (s *Stack) Recv(f *hci.Frame) error {
	s.cmu.Lock()
	fd := s.fd
	s.cmu.Unlock()
	if fd < 0 {
		return io.EOF
	}

	b := make([]byte, 1+f.Len())
	b[0] = f.Type
	copy(b[1:], f.Bytes())

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := unix.Write(fd, b)
	return errors.Wrap(err, "can't write vhci")
}

// Unregister stops the read loop and destroys the controller.
func (s *Stack) Unregister() error {
	s.cmu.Lock()
	defer s.cmu.Unlock()

	if s.driver == nil {
		return nil
	}
	close(s.done)
	<-s.exited

	if err := s.driver.Close(); err != nil {
		s.log.Warnf("can't close driver: %v", err)
	}

	s.wmu.Lock()
	err := unix.Close(s.fd)
	s.wmu.Unlock()

	s.log.Infof("hci%d removed", s.index)
	s.fd, s.index, s.driver = -1, -1, nil
	return errors.Wrap(err, "can't close vhci")
}
