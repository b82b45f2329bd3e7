// +build linux

// Package sysfs implements pci.ConfigSpace over the Linux sysfs config file
// of each PCI function.
package sysfs

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/hwrelay"
	"github.com/rigado/hwrelay/pci"
	"golang.org/x/sys/unix"
)

// DefaultRoot is where the kernel publishes PCI functions.
const DefaultRoot = "/sys/bus/pci/devices"

var bdfRe = regexp.MustCompile(`^[0-9a-f]{4}:[0-9a-f]{2}:[0-9a-f]{2}\.[0-7]$`)

// Device is an open PCI function.
type Device struct {
	BDF  string
	path string
	fd   int
	mu   sync.Mutex
}

// Space opens devices under a sysfs root and serves their configuration
// space. It implements pci.ConfigSpace and pci.ParentLookup.
type Space struct {
	root string
	log  hwrelay.Logger

	mu   sync.Mutex
	devs map[string]*Device
}

// New returns a Space rooted at root, or DefaultRoot if root is empty.
func New(root string) *Space {
	if root == "" {
		root = DefaultRoot
	}
	return &Space{
		root: root,
		log:  hwrelay.PkgLogger("pci/sysfs"),
		devs: map[string]*Device{},
	}
}

// Open returns the device with the given bus/device/function address, e.g.
// "0000:03:00.0". Devices are cached; Close releases all of them.
func (s *Space) Open(bdf string) (*Device, error) {
	if !bdfRe.MatchString(bdf) {
		return nil, errors.Errorf("bad pci address %q", bdf)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.devs[bdf]; ok {
		return d, nil
	}

	link := filepath.Join(s.root, bdf)
	path, err := filepath.EvalSymlinks(link)
	if err != nil {
		return nil, errors.Wrapf(err, "can't resolve %s", link)
	}

	fd, err := unix.Open(filepath.Join(path, "config"), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		// reading is still useful without write access
		fd, err = unix.Open(filepath.Join(path, "config"), unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "can't open config space of %s", bdf)
		}
		s.log.Warnf("%s: config space opened read-only", bdf)
	}

	d := &Device{BDF: bdf, path: path, fd: fd}
	s.devs[bdf] = d
	return d, nil
}

// Close closes every device opened through s.
func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for bdf, d := range s.devs {
		if err := unix.Close(d.fd); err != nil && first == nil {
			first = errors.Wrapf(err, "can't close %s", bdf)
		}
		delete(s.devs, bdf)
	}
	return first
}

func (s *Space) dev(dev pci.Device) *Device {
	d, ok := dev.(*Device)
	if !ok || d == nil {
		return nil
	}
	return d
}

func (s *Space) read(dev pci.Device, reg uint16, b []byte) bool {
	d := s.dev(dev)
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := unix.Pread(d.fd, b, int64(reg))
	if err != nil || n != len(b) {
		s.log.Debugf("%s: read %d bytes at 0x%03x: %d, %v", d.BDF, len(b), reg, n, err)
		return false
	}
	return true
}

func (s *Space) write(dev pci.Device, reg uint16, b []byte) {
	d := s.dev(dev)
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if n, err := unix.Pwrite(d.fd, b, int64(reg)); err != nil || n != len(b) {
		s.log.Errorf("%s: write %d bytes at 0x%03x: %d, %v", d.BDF, len(b), reg, n, err)
	}
}

// Read16 returns all ones if the register can't be read.
func (s *Space) Read16(dev pci.Device, reg uint16) uint16 {
	b := make([]byte, 2)
	if !s.read(dev, reg, b) {
		return 0xffff
	}
	return binary.LittleEndian.Uint16(b)
}

func (s *Space) Write16(dev pci.Device, reg uint16, v uint16) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	s.write(dev, reg, b)
}

// Read32 returns all ones if the register can't be read.
func (s *Space) Read32(dev pci.Device, reg uint16) uint32 {
	b := make([]byte, 4)
	if !s.read(dev, reg, b) {
		return 0xffffffff
	}
	return binary.LittleEndian.Uint32(b)
}

func (s *Space) Write32(dev pci.Device, reg uint16, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	s.write(dev, reg, b)
}

// Parent returns the upstream bridge of dev. In sysfs the bridge is the
// directory that contains the function's directory; root ports sit under a
// pciDDDD:BB host bridge directory and have no parent.
func (s *Space) Parent(dev pci.Device) pci.Device {
	d := s.dev(dev)
	if d == nil {
		return nil
	}

	up := filepath.Base(filepath.Dir(d.path))
	if !bdfRe.MatchString(up) {
		return nil
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(d.path), "config")); err != nil {
		return nil
	}

	p, err := s.Open(up)
	if err != nil {
		s.log.Warnf("%s: can't open parent %s: %v", d.BDF, up, err)
		return nil
	}
	return p
}
