// +build linux

package ctrl

import (
	"encoding/binary"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestUnixgram(t *testing.T) {
	family := fmt.Sprintf("hwrelay-test-%d", os.Getpid())

	got := make(chan Message, 1)
	u := NewUnixgram()
	err := u.Register(family, func(m Message) error {
		typ := binary.LittleEndian.Uint16(m.Attrs[AttrMsg])
		if typ == 0x7f {
			return errors.New("unsupported packet type")
		}
		got <- m
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer u.Unregister()

	c, err := Dial(family, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Send(0x01, []byte{0x03, 0x0c, 0x00}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-got:
		if m.PortID != uint32(os.Getpid()) || m.Seq != 1 {
			t.Fatalf("sender not identified: %+v", m)
		}
	default:
		t.Fatal("handler not called before ack")
	}

	if err := c.Send(0x7f, []byte{1}); err == nil || err.Error() != "unsupported packet type" {
		t.Fatalf("rejected send returned %v", err)
	}
}

func TestUnixgramRegisterTwice(t *testing.T) {
	family := fmt.Sprintf("hwrelay-test-twice-%d", os.Getpid())
	h := func(Message) error { return nil }

	u := NewUnixgram()
	if err := u.Register(family, h); err != nil {
		t.Fatal(err)
	}
	if err := u.Register(family, h); errors.Cause(err) != ErrRegistered {
		t.Fatalf("second register: %v", err)
	}

	// the address is taken while the first server is up
	other := NewUnixgram()
	if err := other.Register(family, h); err == nil {
		other.Unregister()
		t.Fatal("two servers bound the same family")
	}

	if err := u.Unregister(); err != nil {
		t.Fatal(err)
	}
	if err := other.Register(family, h); err != nil {
		t.Fatalf("register after unregister: %v", err)
	}
	other.Unregister()
}
