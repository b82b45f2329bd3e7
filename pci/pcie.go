package pci

// Negotiator answers PCIe questions about a device and programs its device
// control register.
type Negotiator struct {
	*Walker
	hal *HAL
}

// NewNegotiator returns a Negotiator using hal for all register access.
func NewNegotiator(hal *HAL) *Negotiator {
	return &Negotiator{Walker: NewWalker(hal), hal: hal}
}

// PCIeCapability returns the offset of the PCI Express capability, or 0 if
// the device is not PCIe.
func (n *Negotiator) PCIeCapability(dev Device) uint16 {
	return n.FindLegacyCapability(dev, CapIDExp)
}

// IsPCIe reports whether dev carries a PCI Express capability.
func (n *Negotiator) IsPCIe(dev Device) bool {
	return n.PCIeCapability(dev) != 0
}

// IsIproc reports whether dev exposes a vendor-specific extended capability,
// which is taken to mean an iProc based device. cmicBar is the BAR holding
// the switch CMIC registers: 2 for the two known VSEC register values and 0
// for any other VSEC, which is still reported as iProc.
func (n *Negotiator) IsIproc(dev Device) (iproc bool, cmicBar int) {
	if !n.IsPCIe(dev) {
		return false, 0
	}

	r := n.WalkExtended(dev, ExtCapIDVndr)
	if !r.Found() {
		if r.Reason == ReasonReadFailure {
			n.hal.debugf("vsec lookup aborted: %v", r.Reason)
		}
		return false, 0
	}

	// VSEC layout:
	//   0x00 extended capability header
	//   0x04 vendor-specific header
	//   0x08 vendor-specific register 1 ... 0x24 register 8
	v := n.hal.read32(dev, r.Offset+vsecRegister1)
	n.hal.debugf("found vsec at 0x%03x: 0x%x", r.Offset, v)

	if v == iprocVsecCmicBar2A || v == iprocVsecCmicBar2B {
		cmicBar = 2
	}
	return true, cmicBar
}

// Payload is the outcome of SetMaxPayload.
type Payload struct {
	// PCIe is false for legacy PCI devices; nothing was written.
	PCIe bool
	// Skipped is set when a control register read returned all ones and the
	// device was left untouched.
	Skipped bool
	// Exponent is the encoded payload size written to the device.
	Exponent int
	// DeviceCapped and ParentCapped report which limit lowered the request.
	DeviceCapped bool
	ParentCapped bool
}

// Bytes returns the payload size in bytes.
func (p Payload) Bytes() int { return PayloadBytes(p.Exponent) }

// SetMaxPayload programs the max payload size and max read request size of
// dev. With maxPayload 0 the current payload setting is kept. The requested
// size is lowered to the device capability and then to the current setting
// of the parent device, since a function must not exceed its upstream port.
// Relaxed ordering is always cleared.
//
// Legacy PCI devices are left alone. If the device control register, or the
// parent's, reads as all ones the device is not written.
func (n *Negotiator) SetMaxPayload(dev Device, maxPayload int) Payload {
	var p Payload

	base := n.PCIeCapability(dev)
	if base == 0 {
		return p
	}
	p.PCIe = true

	devctl := n.hal.read16(dev, base+ExpDevCtl)
	if devctl == readFail16 {
		n.hal.warnf("device control read failed, max payload left unchanged")
		p.Skipped = true
		return p
	}

	maxVal := int(devctl>>devCtlPayloadShift) & devCtlFieldMask

	if maxPayload != 0 {
		maxVal = PayloadExponent(maxPayload)
		n.hal.debugf("set max payload size %d (val %d)", maxPayload, maxVal)

		devcap := n.hal.read32(dev, base+ExpDevCap)
		maxCap := int(devcap & devCapPayloadMask)
		if maxVal > maxCap {
			maxVal = maxCap
			p.DeviceCapped = true
			n.hal.debugf("payload size %d exceeds device capability", maxPayload)
		}

		if parent := n.hal.parent(dev); parent != nil {
			parentVal, ok := n.currentPayload(parent)
			switch {
			case !ok:
				n.hal.warnf("parent device control read failed, max payload left unchanged")
				p.Skipped = true
				return p
			case maxVal > parentVal:
				maxVal = parentVal
				p.ParentCapped = true
				n.hal.debugf("payload size %d exceeds current parent device setting", maxPayload)
			}
		}

		devctl &^= devCtlFieldMask << devCtlPayloadShift
		devctl |= uint16(maxVal) << devCtlPayloadShift

		devctl &^= devCtlFieldMask << devCtlReadReqShift
		devctl |= uint16(maxVal) << devCtlReadReqShift
	}

	devctl &^= devCtlRelaxedOrder
	n.hal.write16(dev, base+ExpDevCtl, devctl)
	p.Exponent = maxVal

	if maxVal > 0 {
		n.hal.warnf("selected payload size %d may not be supported by all PCIe bridges by default", PayloadBytes(maxVal))
	}
	return p
}

// currentPayload returns the payload exponent currently programmed in dev.
// A parent without a PCIe capability imposes no limit.
func (n *Negotiator) currentPayload(dev Device) (int, bool) {
	base := n.PCIeCapability(dev)
	if base == 0 {
		return devCtlFieldMask, true
	}
	devctl := n.hal.read16(dev, base+ExpDevCtl)
	if devctl == readFail16 {
		return 0, false
	}
	return int(devctl>>devCtlPayloadShift) & devCtlFieldMask, true
}
