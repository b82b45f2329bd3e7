// +build linux

// Package mgmt talks to the kernel Bluetooth management interface.
package mgmt

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hwrelay"
	"golang.org/x/sys/unix"
)

// Management opcodes and events.
const (
	OpReadIndexList uint16 = 0x0003
	OpSetPowered    uint16 = 0x0005

	EvtCmdComplete uint16 = 0x0001
	EvtCmdStatus   uint16 = 0x0002

	IndexNone uint16 = 0xffff

	hdrLen         = 6
	defaultTimeout = 3 * time.Second
)

// Socket is a Bluetooth management channel.
type Socket struct {
	fd      int
	buf     []byte
	rmu     sync.Mutex
	wmu     sync.Mutex
	timeout time.Duration
	log     hwrelay.Logger
}

// Response is a management event.
type Response struct {
	ID     uint16
	Index  uint16
	Length uint16
	Data   []byte
}

func cmd(id, index uint16, length uint16) []byte {
	b := make([]byte, hdrLen)
	binary.LittleEndian.PutUint16(b[0:], id)
	binary.LittleEndian.PutUint16(b[2:], index)
	binary.LittleEndian.PutUint16(b[4:], length)
	return b
}

// NewSocket opens the management channel.
func NewSocket() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.BTPROTO_HCI)
	if err != nil {
		return nil, errors.Wrap(err, "can't create socket")
	}

	sa := unix.SockaddrHCI{Dev: IndexNone, Channel: unix.HCI_CHANNEL_CONTROL}
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "can't bind socket to hci control channel")
	}

	return &Socket{
		fd:      fd,
		buf:     make([]byte, 4096),
		timeout: defaultTimeout,
		log:     hwrelay.PkgLogger("mgmt"),
	}, nil
}

func (s *Socket) WriteCmd(id, index uint16, b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	c := append(cmd(id, index, uint16(len(b))), b...)
	s.log.Debugf("mgmt < % X", c)
	n, err := unix.Write(s.fd, c)
	if err != nil {
		return errors.Wrap(err, "can't write mgmt command")
	}
	if n != len(c) {
		return errors.Errorf("wrote %d of %d bytes", n, len(c))
	}
	return nil
}

// ReadRsp returns the next management event, waiting at most the socket
// timeout.
func (s *Socket) ReadRsp() (Response, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	pfds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	if _, err := unix.Poll(pfds, int(s.timeout/time.Millisecond)); err != nil {
		return Response{}, errors.Wrap(err, "can't poll mgmt socket")
	}
	if pfds[0].Revents&unix.POLLIN == 0 {
		return Response{}, errors.New("mgmt read timeout")
	}

	n, err := unix.Read(s.fd, s.buf)
	if err != nil {
		return Response{}, errors.Wrap(err, "can't read mgmt socket")
	}
	s.log.Debugf("mgmt > % X", s.buf[:n])
	return parseResponse(s.buf[:n])
}

func parseResponse(b []byte) (Response, error) {
	if len(b) < hdrLen {
		return Response{}, errors.Errorf("short mgmt event: %d bytes", len(b))
	}
	r := Response{
		ID:     binary.LittleEndian.Uint16(b[0:2]),
		Index:  binary.LittleEndian.Uint16(b[2:4]),
		Length: binary.LittleEndian.Uint16(b[4:6]),
	}
	if int(r.Length) > len(b)-hdrLen {
		return Response{}, errors.Errorf("mgmt event length %d exceeds %d bytes", r.Length, len(b)-hdrLen)
	}
	r.Data = append([]byte(nil), b[hdrLen:hdrLen+int(r.Length)]...)
	return r, nil
}

// result returns the status and parameters if r completes opcode.
func (r Response) result(opcode uint16) (status uint8, params []byte, ok bool) {
	if (r.ID != EvtCmdComplete && r.ID != EvtCmdStatus) || len(r.Data) < 3 {
		return 0, nil, false
	}
	if binary.LittleEndian.Uint16(r.Data[0:2]) != opcode {
		return 0, nil, false
	}
	return r.Data[2], r.Data[3:], true
}

// Do sends a command and waits for its completion, skipping unrelated
// events.
func (s *Socket) Do(id, index uint16, b []byte) ([]byte, error) {
	if err := s.WriteCmd(id, index, b); err != nil {
		return nil, err
	}
	for {
		rsp, err := s.ReadRsp()
		if err != nil {
			return nil, err
		}
		status, params, ok := rsp.result(id)
		if !ok {
			continue
		}
		if status != 0 {
			return nil, errors.Errorf("mgmt command 0x%04x failed: status 0x%02x", id, status)
		}
		return params, nil
	}
}

// Indexes returns the controller indexes known to the kernel.
func (s *Socket) Indexes() ([]uint16, error) {
	params, err := s.Do(OpReadIndexList, IndexNone, nil)
	if err != nil {
		return nil, err
	}
	return parseIndexList(params)
}

func parseIndexList(b []byte) ([]uint16, error) {
	if len(b) < 2 {
		return nil, errors.New("short index list")
	}
	n := int(binary.LittleEndian.Uint16(b))
	if len(b) < 2+2*n {
		return nil, errors.Errorf("index list of %d entries in %d bytes", n, len(b))
	}
	idx := make([]uint16, n)
	for i := range idx {
		idx[i] = binary.LittleEndian.Uint16(b[2+2*i:])
	}
	return idx, nil
}

// SetPowered powers controller index on or off.
func (s *Socket) SetPowered(index uint16, on bool) error {
	v := byte(0)
	if on {
		v = 1
	}
	_, err := s.Do(OpSetPowered, index, []byte{v})
	if err == nil {
		s.log.Infof("hci%d powered %v", index, on)
	}
	return err
}

func (s *Socket) Close() error {
	return errors.Wrap(unix.Close(s.fd), "can't close mgmt socket")
}
