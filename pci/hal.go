// Package pci discovers PCI capabilities and negotiates PCIe payload sizes
// through an injected configuration space accessor.
package pci

import (
	"github.com/rigado/hwrelay"
)

// Device is an opaque handle understood by the ConfigSpace implementation.
type Device interface{}

// ConfigSpace is the hardware abstraction used for all configuration space
// access. Reads that fail are expected to return all ones, the same as a
// master abort on real hardware.
type ConfigSpace interface {
	Read16(dev Device, reg uint16) uint16
	Write16(dev Device, reg uint16, v uint16)
	Read32(dev Device, reg uint16) uint32
	Write32(dev Device, reg uint16, v uint32)
}

// ParentLookup is implemented by config spaces that know the PCI topology.
// Parent returns nil when dev sits directly on a root bus.
type ParentLookup interface {
	Parent(dev Device) Device
}

// HAL wraps a ConfigSpace. A nil HAL, or one without a ConfigSpace, reads as
// zero and drops writes.
type HAL struct {
	cs  ConfigSpace
	log hwrelay.Logger
}

// NewHAL returns a HAL over cs. If log is nil the package logger is used.
func NewHAL(cs ConfigSpace, log hwrelay.Logger) *HAL {
	if log == nil {
		log = hwrelay.PkgLogger("pci")
	}
	return &HAL{cs: cs, log: log}
}

func (h *HAL) ok() bool { return h != nil && h.cs != nil }

func (h *HAL) read16(dev Device, reg uint16) uint16 {
	if !h.ok() {
		return 0
	}
	return h.cs.Read16(dev, reg)
}

func (h *HAL) write16(dev Device, reg uint16, v uint16) {
	if !h.ok() {
		return
	}
	h.cs.Write16(dev, reg, v)
}

func (h *HAL) read32(dev Device, reg uint16) uint32 {
	if !h.ok() {
		return 0
	}
	return h.cs.Read32(dev, reg)
}

func (h *HAL) parent(dev Device) Device {
	if !h.ok() {
		return nil
	}
	pl, ok := h.cs.(ParentLookup)
	if !ok {
		return nil
	}
	return pl.Parent(dev)
}

func (h *HAL) debugf(format string, args ...interface{}) {
	if h != nil && h.log != nil {
		h.log.Debugf(format, args...)
	}
}

func (h *HAL) warnf(format string, args ...interface{}) {
	if h != nil && h.log != nil {
		h.log.Warnf(format, args...)
	}
}
