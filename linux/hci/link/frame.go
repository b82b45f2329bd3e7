package link

import (
	"encoding/binary"
	"time"

	"github.com/rigado/hwrelay/linux/hci"
)

const frameTimeout = 500 * time.Millisecond

// assembler rebuilds descriptor framed packets from a byte stream. A partial
// frame older than frameTimeout is discarded, which resynchronizes the
// stream after garbage.
type assembler struct {
	b       []byte
	timeout time.Time
	out     func([]byte)
	now     func() time.Time
}

func newAssembler(out func([]byte)) *assembler {
	return &assembler{
		b:   make([]byte, 0, 256),
		out: out,
		now: time.Now,
	}
}

func (a *assembler) Assemble(b []byte) {
	if len(b) == 0 {
		return
	}
	if len(a.b) != 0 && a.now().After(a.timeout) {
		a.reset()
	}
	if len(a.b) == 0 {
		a.timeout = a.now().Add(frameTimeout)
	}
	a.b = append(a.b, b...)

	for {
		n, ok := a.frameLength()
		if !ok || len(a.b) < n {
			return
		}

		out := make([]byte, n)
		copy(out, a.b[:n])

		rem := a.b[n:]
		a.reset()
		a.b = append(a.b, rem...)
		if len(a.b) != 0 {
			a.timeout = a.now().Add(frameTimeout)
		}

		a.out(out)
	}
}

func (a *assembler) frameLength() (int, bool) {
	if len(a.b) < 2 {
		return 0, false
	}
	n := int(binary.LittleEndian.Uint16(a.b[0:2]) & hci.MaxFramePayload)
	return hci.FrameDescSize + n, true
}

func (a *assembler) reset() {
	a.b = make([]byte, 0, 256)
	a.timeout = time.Time{}
}
