// +build linux

package ctrl

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hwrelay"
	"golang.org/x/sys/unix"
)

const (
	maxMessageSize = 8192
	pollTimeout    = 100 // ms
	unixPollErrors = int16(unix.POLLHUP | unix.POLLNVAL | unix.POLLERR)
	unixPollDataIn = int16(unix.POLLIN)
)

// Address returns the abstract socket address a family is served on.
func Address(family string) string {
	return "@" + family
}

// Unixgram serves a family on an abstract unix datagram socket. Every message
// is answered with an ack carrying the handler's result.
type Unixgram struct {
	mu     sync.Mutex
	fd     int
	family string
	h      Handler
	done   chan bool
	exited chan struct{}

	log hwrelay.Logger
}

func NewUnixgram() *Unixgram {
	return &Unixgram{fd: -1, log: hwrelay.PkgLogger("ctrl")}
}

func (u *Unixgram) Register(family string, h Handler) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.h != nil {
		return errors.Wrap(ErrRegistered, u.family)
	}
	if h == nil {
		return errors.New("nil handler")
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(err, "can't create socket")
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: Address(family)}); err != nil {
		unix.Close(fd)
		return errors.Wrapf(err, "can't bind %s", Address(family))
	}

	u.fd, u.family, u.h = fd, family, h
	u.done = make(chan bool)
	u.exited = make(chan struct{})
	go u.readLoop(fd, h, u.done, u.exited)

	u.log.Infof("serving family %s", family)
	return nil
}

// Unregister stops the read loop and closes the socket. It returns once the
// loop has exited.
func (u *Unixgram) Unregister() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.h == nil {
		return ErrNotRegistered
	}
	close(u.done)
	<-u.exited

	err := unix.Close(u.fd)
	u.log.Infof("family %s closed", u.family)
	u.fd, u.family, u.h = -1, "", nil
	return errors.Wrap(err, "can't close socket")
}

func (u *Unixgram) readLoop(fd int, h Handler, done chan bool, exited chan struct{}) {
	defer close(exited)

	b := make([]byte, maxMessageSize)
	for {
		select {
		case <-done:
			return
		default:
		}

		pfds := []unix.PollFd{{Fd: int32(fd), Events: unixPollDataIn}}
		if _, err := unix.Poll(pfds, pollTimeout); err != nil && err != unix.EINTR {
			u.log.Errorf("poll: %v", err)
			return
		}
		evts := pfds[0].Revents

		switch {
		case evts&unixPollErrors != 0:
			u.log.Errorf("socket error: poll events 0x%04x", evts)
			return
		case evts&unixPollDataIn == 0:
			continue
		}

		n, from, err := unix.Recvfrom(fd, b, 0)
		if err != nil {
			u.log.Warnf("recv: %v", err)
			continue
		}

		msg, err := Decode(b[:n])
		if err != nil {
			u.log.Warnf("dropping message: %v", err)
			continue
		}

		var herr error
		if msg.Command != CmdSend {
			herr = errors.Errorf("unsupported command %d", msg.Command)
		} else {
			herr = h(msg)
		}
		if herr != nil {
			u.log.Debugf("seq %d from %d: %v", msg.Seq, msg.PortID, herr)
		}

		if sa, ok := from.(*unix.SockaddrUnix); !ok || sa.Name == "" {
			// unbound sender, nowhere to reply
			continue
		}
		ack, err := Encode(NewAck(msg, herr))
		if err != nil {
			u.log.Errorf("can't encode ack: %v", err)
			continue
		}
		if err := unix.Sendto(fd, ack, 0, from); err != nil {
			u.log.Debugf("can't send ack: %v", err)
		}
	}
}

// Client sends packets to a family served by Unixgram.
type Client struct {
	mu      sync.Mutex
	fd      int
	seq     uint32
	timeout time.Duration
}

// Dial connects to family. Replies are awaited for at most timeout.
func Dial(family string, timeout time.Duration) (*Client, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "can't create socket")
	}
	// autobind, so the relay can answer
	if err := unix.Bind(fd, &unix.SockaddrUnix{}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "can't bind socket")
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: Address(family)}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "can't connect to %s", Address(family))
	}
	return &Client{fd: fd, timeout: timeout}, nil
}

// Send delivers one HCI packet and waits for the relay's verdict.
func (c *Client) Send(pktType uint16, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	msg := NewPacketMessage(pktType, payload)
	msg.Seq = c.seq
	msg.PortID = uint32(os.Getpid())

	b, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := unix.Write(c.fd, b); err != nil {
		return errors.Wrap(err, "can't send message")
	}

	rb := make([]byte, maxMessageSize)
	deadline := time.Now().Add(c.timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return ErrTimeout
		}
		pfds := []unix.PollFd{{Fd: int32(c.fd), Events: unixPollDataIn}}
		if _, err := unix.Poll(pfds, int(left/time.Millisecond)+1); err != nil && err != unix.EINTR {
			return errors.Wrap(err, "can't poll socket")
		}
		if pfds[0].Revents&unixPollDataIn == 0 {
			continue
		}

		n, err := unix.Read(c.fd, rb)
		if err != nil {
			return errors.Wrap(err, "can't read reply")
		}
		ack, err := Decode(rb[:n])
		if err != nil {
			return err
		}
		if ack.Seq != msg.Seq {
			// stale reply to an earlier timed out send
			continue
		}
		return AckError(ack)
	}
}

func (c *Client) Close() error {
	return errors.Wrap(unix.Close(c.fd), "can't close socket")
}
