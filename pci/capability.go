package pci

import "fmt"

// Reason tells why a capability walk stopped.
type Reason int

const (
	ReasonFound Reason = iota
	// ReasonExhausted: the chain ended at a zero pointer.
	ReasonExhausted
	// ReasonReadFailure: a header read returned all ones, which usually means
	// the device is gone or the bus faulted.
	ReasonReadFailure
	// ReasonLoop: the chain pointed outside the capability area or did not
	// terminate within the hop budget.
	ReasonLoop
)

func (r Reason) String() string {
	switch r {
	case ReasonFound:
		return "found"
	case ReasonExhausted:
		return "exhausted"
	case ReasonReadFailure:
		return "read failure"
	case ReasonLoop:
		return "loop"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// WalkResult is the outcome of a capability walk. Offset is 0 unless Reason
// is ReasonFound.
type WalkResult struct {
	Offset uint16
	Reason Reason
	Hops   int
}

// Found reports whether the capability was located.
func (r WalkResult) Found() bool { return r.Reason == ReasonFound }

// ExtHeader is a PCIe extended capability header.
type ExtHeader uint32

func (h ExtHeader) ID() uint16     { return uint16(h & 0xffff) }
func (h ExtHeader) Version() uint8 { return uint8((h >> 16) & 0xf) }
func (h ExtHeader) Next() uint16   { return uint16((h >> 20) & 0xffc) }

// Walker follows capability chains in configuration space.
type Walker struct {
	hal *HAL
}

// NewWalker returns a Walker over hal.
func NewWalker(hal *HAL) *Walker {
	return &Walker{hal: hal}
}

// WalkLegacy scans the legacy capability list for id.
func (w *Walker) WalkLegacy(dev Device, id uint8) WalkResult {
	var r WalkResult

	pos := w.hal.read16(dev, CapabilityList) & capPtrMask
	for pos != 0 {
		if r.Hops == legacyTTL || pos < headerEnd {
			w.hal.debugf("legacy capability walk for 0x%02x stopped at 0x%02x after %d hops", id, pos, r.Hops)
			return WalkResult{Reason: ReasonLoop, Hops: r.Hops}
		}
		r.Hops++

		hdr := w.hal.read16(dev, pos)
		if hdr == readFail16 {
			w.hal.debugf("legacy capability read at 0x%02x failed", pos)
			return WalkResult{Reason: ReasonReadFailure, Hops: r.Hops}
		}
		if uint8(hdr&0xff) == id {
			return WalkResult{Offset: pos, Reason: ReasonFound, Hops: r.Hops}
		}
		pos = (hdr >> 8) & capPtrMask
	}

	r.Reason = ReasonExhausted
	return r
}

// FindLegacyCapability returns the offset of capability id, or 0 when it is
// not present. Offset 0 is never a valid capability location.
func (w *Walker) FindLegacyCapability(dev Device, id uint8) uint16 {
	return w.WalkLegacy(dev, id).Offset
}

// WalkExtended scans the extended capability list starting at 0x100 for id.
func (w *Walker) WalkExtended(dev Device, id uint16) WalkResult {
	var r WalkResult

	pos := ExtCapStart
	for pos != 0 {
		if r.Hops == extTTL || pos < ExtCapStart || pos >= ExtCapEnd {
			w.hal.debugf("extended capability walk for 0x%04x stopped at 0x%03x after %d hops", id, pos, r.Hops)
			return WalkResult{Reason: ReasonLoop, Hops: r.Hops}
		}
		r.Hops++

		v := w.hal.read32(dev, pos)
		if v == readFail32 {
			// Assume a PCI read error; the capability is treated as absent.
			w.hal.debugf("extended capability read at 0x%03x failed", pos)
			return WalkResult{Reason: ReasonReadFailure, Hops: r.Hops}
		}
		if v == 0 {
			break
		}

		hdr := ExtHeader(v)
		if hdr.ID() == id {
			return WalkResult{Offset: pos, Reason: ReasonFound, Hops: r.Hops}
		}
		pos = hdr.Next()
	}

	r.Reason = ReasonExhausted
	return r
}

// FindExtendedCapability returns the offset of extended capability id, or 0.
func (w *Walker) FindExtendedCapability(dev Device, id uint16) uint16 {
	return w.WalkExtended(dev, id).Offset
}
