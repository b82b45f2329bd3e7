package link

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rigado/hwrelay"
	"github.com/rigado/hwrelay/linux/hci"
)

func rsiFrame(t *testing.T, q uint8, typ uint8, payload []byte) []byte {
	b := make([]byte, hci.FrameDescSize+len(payload))
	if err := hci.PutDescriptor(b, len(payload), q, typ); err != nil {
		t.Fatal(err)
	}
	copy(b[hci.FrameDescSize:], payload)
	return b
}

func TestAssembler(t *testing.T) {
	var got [][]byte
	a := newAssembler(func(b []byte) { got = append(got, b) })

	f1 := rsiFrame(t, hci.QueueBTData, hci.PktTypeEvent, []byte{0x0e, 0x01, 0x00})
	f2 := rsiFrame(t, hci.QueueBTMgmt, hci.CardReadyInd, nil)
	f3 := rsiFrame(t, hci.QueueBTData, hci.PktTypeACLData, bytes.Repeat([]byte{0xaa}, 300))

	stream := append(append(append([]byte(nil), f1...), f2...), f3...)

	// odd sized chunks across frame boundaries
	for i := 0; i < len(stream); i += 7 {
		end := i + 7
		if end > len(stream) {
			end = len(stream)
		}
		a.Assemble(stream[i:end])
	}

	if len(got) != 3 {
		t.Fatalf("%d frames assembled", len(got))
	}
	for i, want := range [][]byte{f1, f2, f3} {
		if !bytes.Equal(got[i], want) {
			t.Fatalf("frame %d: % X", i, got[i])
		}
	}
}

func TestAssemblerOneChunk(t *testing.T) {
	var got [][]byte
	a := newAssembler(func(b []byte) { got = append(got, b) })

	f := rsiFrame(t, hci.QueueBTData, hci.PktTypeEvent, []byte{1, 2})
	a.Assemble(append(append([]byte(nil), f...), f...))
	if len(got) != 2 {
		t.Fatalf("%d frames assembled", len(got))
	}
	if len(a.b) != 0 {
		t.Fatalf("%d bytes left over", len(a.b))
	}
}

func TestAssemblerTimeout(t *testing.T) {
	now := time.Now()
	var got [][]byte
	a := newAssembler(func(b []byte) { got = append(got, b) })
	a.now = func() time.Time { return now }

	f := rsiFrame(t, hci.QueueBTData, hci.PktTypeEvent, []byte{1, 2, 3})
	a.Assemble(f[:5])

	now = now.Add(frameTimeout + time.Millisecond)
	a.Assemble(f)
	if len(got) != 1 || !bytes.Equal(got[0], f) {
		t.Fatalf("stale partial frame not dropped: %d frames", len(got))
	}
}

func TestLink(t *testing.T) {
	local, remote := net.Pipe()
	l := New(local)
	defer l.Close()

	rx := make(chan []byte, 1)
	l.SetReceiver(func(b []byte) error {
		rx <- b
		return nil
	})

	in := rsiFrame(t, hci.QueueBTData, hci.PktTypeEvent, []byte{0x0e, 0x00})
	go remote.Write(in)
	select {
	case b := <-rx:
		if !bytes.Equal(b, in) {
			t.Fatalf("received % X", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
	}

	// payload behind room for the descriptor
	cmd := []byte{0x03, 0x0c, 0x00}
	nf := hci.NewFrame(hci.PktTypeCommand, append(make([]byte, hci.DefaultHeadroom), cmd...))
	if err := nf.Pull(hci.DefaultHeadroom); err != nil {
		t.Fatal(err)
	}

	out := make(chan []byte, 1)
	go func() {
		b := make([]byte, 64)
		n, _ := io.ReadAtLeast(remote, b, hci.FrameDescSize+len(cmd))
		out <- b[:n]
	}()

	if err := l.SendRawFrame(nf); err != nil {
		t.Fatal(err)
	}
	b := <-out
	if want := rsiFrame(t, hci.QueueBTData, hci.PktTypeCommand, cmd); !bytes.Equal(b, want) {
		t.Fatalf("sent % X, want % X", b, want)
	}
}

func TestSendNoHeadroom(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	l := New(local)
	defer l.Close()

	if err := l.SendRawFrame(hci.NewFrame(hci.PktTypeCommand, []byte{1})); err == nil {
		t.Fatal("frame without headroom sent")
	}
}

func TestLinkBacklog(t *testing.T) {
	local, remote := net.Pipe()
	l := New(local)
	defer l.Close()

	ready := rsiFrame(t, hci.QueueBTMgmt, hci.CardReadyInd, nil)
	if _, err := remote.Write(ready); err != nil {
		t.Fatal(err)
	}

	// wait for the frame to be read with no receiver set
	for i := 0; ; i++ {
		l.mu.Lock()
		n := len(l.backlog)
		l.mu.Unlock()
		if n == 1 {
			break
		}
		if i == 200 {
			t.Fatal("frame never read")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var got [][]byte
	l.SetReceiver(func(b []byte) error {
		got = append(got, b)
		return nil
	})
	if len(got) != 1 || !bytes.Equal(got[0], ready) {
		t.Fatalf("early frame not delivered: %d frames", len(got))
	}
}

func TestLinkBacklogBounded(t *testing.T) {
	l := &Link{log: hwrelay.PkgLogger("link")}
	for i := 0; i < backlogSize+3; i++ {
		l.deliver([]byte{byte(i)})
	}
	if len(l.backlog) != backlogSize || l.backlog[0][0] != 3 {
		t.Fatalf("backlog %d frames, oldest %d", len(l.backlog), l.backlog[0][0])
	}
}

func TestDeadlineConn(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	c := newDeadlineConn(local, 20*time.Millisecond)
	defer c.Close()

	// nothing to read: an expected timeout
	if _, err := c.Read(make([]byte, 8)); !isTimeout(err) {
		t.Fatalf("read: %v", err)
	}

	// nobody reading: the write gives up after the link timeout
	start := time.Now()
	_, err := c.Write([]byte{1, 2, 3})
	if !isTimeout(err) {
		t.Fatalf("write: %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("write blocked for %v", d)
	}
}
