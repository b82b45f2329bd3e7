package pci

// Configuration space registers and capability IDs.
const (
	CapabilityList uint16 = 0x34
	capPtrMask     uint16 = 0xfc
	headerEnd      uint16 = 0x40

	CapIDExp uint8 = 0x10

	ExtCapStart uint16 = 0x100
	ExtCapEnd   uint16 = 0x1000

	ExtCapIDVndr uint16 = 0x0b
)

// PCI Express capability register offsets, relative to the capability.
const (
	ExpDevCap uint16 = 0x04
	ExpDevCtl uint16 = 0x08
)

// Device control fields.
const (
	devCtlRelaxedOrder uint16 = 1 << 4

	devCtlPayloadShift = 5
	devCtlReadReqShift = 12
	devCtlFieldMask    = 0x7

	devCapPayloadMask = 0x7
)

// Vendor-specific extended capability layout.
const vsecRegister1 uint16 = 0x08

// iProc VSEC register values that place the CMIC registers behind BAR 2.
const (
	iprocVsecCmicBar2A uint32 = 0x100
	iprocVsecCmicBar2B uint32 = 0x101
)

const (
	// legacyTTL bounds the legacy capability walk.
	legacyTTL = 48
	// extTTL bounds the extended walk to the number of headers that fit in
	// extended configuration space.
	extTTL = int(ExtCapEnd-ExtCapStart) / 8

	readFail16 uint16 = 0xffff
	readFail32 uint32 = 0xffffffff
)

// MinPayload is the payload size encoded by exponent 0.
const MinPayload = 128

// PayloadBytes converts an encoded payload exponent to bytes.
func PayloadBytes(exp int) int { return MinPayload << uint(exp) }

// PayloadExponent returns the smallest exponent whose payload holds n bytes.
// The result is not clamped to the 3 bit field.
func PayloadExponent(n int) int {
	e := 0
	for e < 24 && PayloadBytes(e) < n {
		e++
	}
	return e
}
