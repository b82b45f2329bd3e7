package ctrl

import (
	"sort"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/pkg/errors"
)

const (
	nlHeaderLen = 16

	// first dynamically assigned generic netlink family id
	msgType netlink.HeaderType = 0x10
)

// Encode marshals msg into a netlink message.
func Encode(msg Message) ([]byte, error) {
	keys := make([]int, 0, len(msg.Attrs))
	for k := range msg.Attrs {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)

	ae := netlink.NewAttributeEncoder()
	for _, k := range keys {
		ae.Bytes(uint16(k), msg.Attrs[uint16(k)])
	}
	attrs, err := ae.Encode()
	if err != nil {
		return nil, errors.Wrap(err, "can't encode attributes")
	}

	gm := genetlink.Message{
		Header: genetlink.Header{Command: msg.Command, Version: Version},
		Data:   attrs,
	}
	gb, err := gm.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "can't marshal genetlink message")
	}

	nm := netlink.Message{
		Header: netlink.Header{
			Length:   uint32(nlHeaderLen + len(gb)),
			Type:     msgType,
			Flags:    netlink.Request,
			Sequence: msg.Seq,
			PID:      msg.PortID,
		},
		Data: gb,
	}
	b, err := nm.MarshalBinary()
	return b, errors.Wrap(err, "can't marshal netlink message")
}

// Decode parses a netlink message produced by Encode.
func Decode(b []byte) (Message, error) {
	var msg Message

	var nm netlink.Message
	if err := nm.UnmarshalBinary(b); err != nil {
		return msg, errors.Wrap(err, "can't unmarshal netlink message")
	}
	if nm.Header.Type != msgType {
		return msg, errors.Errorf("unexpected message type 0x%x", uint16(nm.Header.Type))
	}

	var gm genetlink.Message
	if err := gm.UnmarshalBinary(nm.Data); err != nil {
		return msg, errors.Wrap(err, "can't unmarshal genetlink message")
	}
	if gm.Header.Version != Version {
		return msg, errors.Errorf("unsupported version %d", gm.Header.Version)
	}

	msg.Command = gm.Header.Command
	msg.Seq = nm.Header.Sequence
	msg.PortID = nm.Header.PID
	msg.Attrs = map[uint16][]byte{}

	ad, err := netlink.NewAttributeDecoder(gm.Data)
	if err != nil {
		return msg, errors.Wrap(err, "can't decode attributes")
	}
	for ad.Next() {
		msg.Attrs[ad.Type()] = ad.Bytes()
	}
	return msg, errors.Wrap(ad.Err(), "can't decode attributes")
}
