package hci

import "github.com/pkg/errors"

// Frame is a packet buffer with reserved space in front of the payload, so
// lower layers can prepend their headers without copying.
type Frame struct {
	// Type is the HCI packet type of the payload.
	Type uint8

	buf  []byte
	off  int
	end  int
	pool *Pool
}

// NewFrame wraps b in a frame without headroom. The frame does not belong to
// a pool.
func NewFrame(typ uint8, b []byte) *Frame {
	return &Frame{Type: typ, buf: b, end: len(b)}
}

func (f *Frame) Bytes() []byte { return f.buf[f.off:f.end] }
func (f *Frame) Len() int       { return f.end - f.off }
func (f *Frame) Headroom() int  { return f.off }

// Push grows the frame by n bytes into its headroom and returns the new
// front of the frame.
func (f *Frame) Push(n int) ([]byte, error) {
	if n < 0 || n > f.off {
		return nil, errors.Errorf("push %d bytes with %d bytes of headroom", n, f.off)
	}
	f.off -= n
	return f.buf[f.off : f.off+n], nil
}

// Pull drops n bytes from the front of the frame.
func (f *Frame) Pull(n int) error {
	if n < 0 || n > f.Len() {
		return errors.Errorf("pull %d bytes from %d byte frame", n, f.Len())
	}
	f.off += n
	return nil
}

// align moves the start of an empty frame down to a multiple of n bytes from
// the start of its buffer.
func (f *Frame) align(n int) {
	if f.Len() != 0 {
		return
	}
	f.off -= f.off % n
	f.end = f.off
}

// put appends b to the frame.
func (f *Frame) put(b []byte) {
	f.end += copy(f.buf[f.end:cap(f.buf)], b)
	f.buf = f.buf[:f.end]
}

// Release hands the buffer back to its pool. The frame must not be used
// afterwards. Releasing twice is harmless.
func (f *Frame) Release() {
	if f.pool != nil && f.buf != nil {
		f.pool.put(f.buf)
	}
	f.buf = nil
	f.off, f.end = 0, 0
}

// Pool is a fixed set of preallocated frame buffers. Get never blocks.
type Pool struct {
	size int
	cnt  int
	ch   chan []byte
}

// NewPool returns a pool of cnt buffers of sz bytes.
func NewPool(sz int, cnt int) (*Pool, error) {
	if sz <= 0 || cnt <= 0 {
		return nil, errors.Errorf("invalid pool geometry %d x %d", cnt, sz)
	}
	ch := make(chan []byte, cnt)
	for len(ch) < cnt {
		ch <- make([]byte, sz)
	}
	return &Pool{size: sz, cnt: cnt, ch: ch}, nil
}

// Get returns an empty frame with headroom bytes reserved and room for n
// payload bytes. It fails with ErrNoMemory if the pool is exhausted or the
// request does not fit a buffer.
func (p *Pool) Get(headroom, n int) (*Frame, error) {
	if headroom < 0 || n < 0 || headroom+n > p.size {
		return nil, errors.Wrapf(ErrNoMemory, "%d+%d bytes exceeds buffer size %d", headroom, n, p.size)
	}
	select {
	case b := <-p.ch:
		return &Frame{buf: b[:headroom], off: headroom, end: headroom, pool: p}, nil
	default:
		return nil, ErrNoMemory
	}
}

// Available returns the number of free buffers.
func (p *Pool) Available() int { return len(p.ch) }

func (p *Pool) put(b []byte) {
	select {
	case p.ch <- b[:cap(b)]:
	default:
		// not ours, or released twice through a copy
	}
}
