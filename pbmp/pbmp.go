// Package pbmp implements fixed width port bitmaps.
//
// A Bitmap holds one bit per port in an array of 32-bit words. Bit p lives in
// word p/32 at position p%32. The width is chosen when the bitmap is created
// and is a multiple of 32 up to MaxPorts. Bitmaps are values: assigning one
// copies it.
package pbmp

import (
	"fmt"
	"math/bits"
	"strings"
)

const (
	WordWidth = 32
	MaxWords  = 8
	MaxPorts  = MaxWords * WordWidth
)

// Common widths.
const (
	Width32  = 32
	Width64  = 64
	Width96  = 96
	Width160 = 160
	Width256 = 256
)

// Bitmap is a set of port numbers in [0, Ports()).
type Bitmap struct {
	nw    int
	words [MaxWords]uint32
}

// New returns an empty bitmap able to hold ports [0, ports). ports is rounded
// up to a multiple of 32 and must be in 1..MaxPorts.
func New(ports int) Bitmap {
	if ports <= 0 || ports > MaxPorts {
		panic(fmt.Sprintf("pbmp: invalid width %d", ports))
	}
	return Bitmap{nw: (ports + WordWidth - 1) / WordWidth}
}

// Of returns a bitmap of the given width with the listed ports set.
func Of(ports int, members ...int) Bitmap {
	b := New(ports)
	for _, p := range members {
		b.Add(p)
	}
	return b
}

// Ports returns the capacity of the bitmap.
func (b *Bitmap) Ports() int { return b.nw * WordWidth }

// Words returns the number of 32-bit words backing the bitmap.
func (b *Bitmap) Words() int { return b.nw }

// FmtLen is the buffer size reserved for a formatted bitmap,
// terminator included. Format never returns more than FmtLen()-1 bytes.
func (b *Bitmap) FmtLen() int { return b.nw*8 + 3 }

// Word returns word w.
func (b *Bitmap) Word(w int) uint32 { return b.words[w] }

// SetWord replaces word w.
func (b *Bitmap) SetWord(w int, v uint32) { b.words[w] = v }

func (b *Bitmap) valid(p int) bool { return p >= 0 && p < b.nw*WordWidth }

func wordOf(p int) int   { return p / WordWidth }
func bitOf(p int) uint32 { return 1 << uint(p%WordWidth) }

func (b *Bitmap) ws() []uint32 { return b.words[:b.nw] }

// Clear removes every port.
func (b *Bitmap) Clear() {
	switch b.nw {
	case 1:
		b.words[0] = 0
	case 2:
		b.words[0], b.words[1] = 0, 0
	default:
		for w := range b.ws() {
			b.words[w] = 0
		}
	}
}

// IsMember reports whether port p is set.
func (b *Bitmap) IsMember(p int) bool {
	if !b.valid(p) {
		return false
	}
	return b.words[wordOf(p)]&bitOf(p) != 0
}

// Add sets port p. Ports outside the bitmap are ignored.
func (b *Bitmap) Add(p int) {
	if b.valid(p) {
		b.words[wordOf(p)] |= bitOf(p)
	}
}

// Remove clears port p.
func (b *Bitmap) Remove(p int) {
	if b.valid(p) {
		b.words[wordOf(p)] &^= bitOf(p)
	}
}

// Flip toggles port p.
func (b *Bitmap) Flip(p int) {
	if b.valid(p) {
		b.words[wordOf(p)] ^= bitOf(p)
	}
}

// Set clears the bitmap and then adds port p.
func (b *Bitmap) Set(p int) {
	b.Clear()
	b.Add(p)
}

// IsNull reports whether no port is set.
func (b *Bitmap) IsNull() bool {
	switch b.nw {
	case 1:
		return b.words[0] == 0
	case 2:
		return b.words[0] == 0 && b.words[1] == 0
	}
	for _, v := range b.ws() {
		if v != 0 {
			return false
		}
	}
	return true
}

// NotNull is !IsNull.
func (b *Bitmap) NotNull() bool { return !b.IsNull() }

// Equal reports whether both bitmaps hold the same ports. Bitmaps of
// different widths are never equal.
func (b *Bitmap) Equal(o Bitmap) bool {
	if b.nw != o.nw {
		return false
	}
	switch b.nw {
	case 1:
		return b.words[0] == o.words[0]
	case 2:
		return b.words[0] == o.words[0] && b.words[1] == o.words[1]
	}
	for w, v := range b.ws() {
		if v != o.words[w] {
			return false
		}
	}
	return true
}

// Count returns the number of ports set.
func (b *Bitmap) Count() int {
	switch b.nw {
	case 1:
		return bits.OnesCount32(b.words[0])
	case 2:
		return bits.OnesCount32(b.words[0]) + bits.OnesCount32(b.words[1])
	}
	n := 0
	for _, v := range b.ws() {
		n += bits.OnesCount32(v)
	}
	return n
}

type wordOp func(a, b uint32) uint32

// apply runs op word by word over the receiver's width. Both operands are
// expected to share a width.
func (b *Bitmap) apply(o *Bitmap, op wordOp) {
	switch b.nw {
	case 1:
		b.words[0] = op(b.words[0], o.words[0])
	case 2:
		b.words[0] = op(b.words[0], o.words[0])
		b.words[1] = op(b.words[1], o.words[1])
	default:
		for w := range b.ws() {
			b.words[w] = op(b.words[w], o.words[w])
		}
	}
}

// And keeps only the ports also set in o.
func (b *Bitmap) And(o Bitmap) { b.apply(&o, func(x, y uint32) uint32 { return x & y }) }

// Or adds the ports set in o.
func (b *Bitmap) Or(o Bitmap) { b.apply(&o, func(x, y uint32) uint32 { return x | y }) }

// Xor toggles the ports set in o.
func (b *Bitmap) Xor(o Bitmap) { b.apply(&o, func(x, y uint32) uint32 { return x ^ y }) }

// AndNot removes the ports set in o.
func (b *Bitmap) AndNot(o Bitmap) { b.apply(&o, func(x, y uint32) uint32 { return x &^ y }) }

// Negate replaces the receiver with the complement of o. Every word of the
// receiver's width is complemented, including bits past the last port.
func (b *Bitmap) Negate(o Bitmap) { b.apply(&o, func(_, y uint32) uint32 { return ^y }) }

// Format renders the bitmap as "0x" followed by eight hex digits per word,
// most significant word first.
func (b *Bitmap) Format() string {
	var sb strings.Builder
	sb.Grow(b.FmtLen())
	sb.WriteString("0x")
	for w := b.nw - 1; w >= 0; w-- {
		fmt.Fprintf(&sb, "%08x", b.words[w])
	}
	return sb.String()
}

func (b Bitmap) String() string { return b.Format() }

// List returns the set ports in ascending order.
func (b *Bitmap) List() []int {
	out := make([]int, 0, b.Count())
	it := b.Iter()
	for p, ok := it.Next(); ok; p, ok = it.Next() {
		out = append(out, p)
	}
	return out
}

// Iter returns an iterator over a snapshot of the bitmap.
func (b *Bitmap) Iter() *Iterator {
	return &Iterator{bm: *b}
}

// Iterator yields set ports in ascending order. It walks its own copy of the
// bitmap, so later changes to the source are not observed.
type Iterator struct {
	bm   Bitmap
	word int
	rem  uint32
	init bool
}

// Next returns the next set port, or false once the bitmap is exhausted.
func (it *Iterator) Next() (int, bool) {
	if !it.init {
		it.init = true
		it.word = 0
		if it.bm.nw > 0 {
			it.rem = it.bm.words[0]
		}
	}
	for it.word < it.bm.nw {
		if it.rem != 0 {
			bit := bits.TrailingZeros32(it.rem)
			it.rem &= it.rem - 1
			return it.word*WordWidth + bit, true
		}
		it.word++
		if it.word < it.bm.nw {
			it.rem = it.bm.words[it.word]
		}
	}
	return 0, false
}

// Reset restarts the iteration from port 0.
func (it *Iterator) Reset() {
	it.init = false
}
