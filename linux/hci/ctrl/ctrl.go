// Package ctrl carries user space control messages to a relay. Messages are
// generic netlink messages: a netlink header, a genetlink header and a list
// of attributes.
package ctrl

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	DefaultFamily = "RSI-BTgenl"
	Version       = 1
)

// Commands.
const (
	CmdSend uint8 = 1
	CmdAck  uint8 = 2
)

// Attributes.
const (
	AttrMsg    uint16 = 1
	AttrStatus uint16 = 2
	AttrError  uint16 = 3
)

// PacketHeaderSize is the size of the packet header at the start of an
// AttrMsg payload: packet type and length, both 16 bit little endian.
const PacketHeaderSize = 4

var (
	ErrRegistered    = errors.New("family already registered")
	ErrNotRegistered = errors.New("family not registered")
	ErrTimeout       = errors.New("no reply from relay")
)

// Message is a decoded control message. Seq and PortID identify the sender
// and are echoed in replies.
type Message struct {
	Command uint8
	Seq     uint32
	PortID  uint32
	Attrs   map[uint16][]byte
}

// Handler processes one control message. The returned error is reported
// back to the sender.
type Handler func(msg Message) error

// Channel delivers control messages for a named family to one handler.
type Channel interface {
	Register(family string, h Handler) error
	Unregister() error
}

// NewPacketMessage builds a CmdSend message carrying an HCI packet.
func NewPacketMessage(pktType uint16, payload []byte) Message {
	b := make([]byte, PacketHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(b[0:], pktType)
	binary.LittleEndian.PutUint16(b[2:], uint16(len(payload)))
	copy(b[PacketHeaderSize:], payload)

	return Message{
		Command: CmdSend,
		Attrs:   map[uint16][]byte{AttrMsg: b},
	}
}

// NewAck builds the reply to msg carrying the handler's error, if any.
func NewAck(msg Message, herr error) Message {
	status := make([]byte, 4)
	a := Message{
		Command: CmdAck,
		Seq:     msg.Seq,
		PortID:  msg.PortID,
		Attrs:   map[uint16][]byte{AttrStatus: status},
	}
	if herr != nil {
		binary.LittleEndian.PutUint32(status, 1)
		a.Attrs[AttrError] = []byte(herr.Error())
	}
	return a
}

// AckError returns the error carried by an ack, or nil.
func AckError(a Message) error {
	if a.Command != CmdAck {
		return errors.Errorf("unexpected command %d in reply", a.Command)
	}
	status := a.Attrs[AttrStatus]
	if len(status) < 4 {
		return errors.New("reply without status")
	}
	if binary.LittleEndian.Uint32(status) == 0 {
		return nil
	}
	if msg, ok := a.Attrs[AttrError]; ok {
		return errors.New(string(msg))
	}
	return errors.New("relay rejected message")
}
