// +build linux

package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/hwrelay/config"
	"github.com/rigado/hwrelay/linux/hci"
	"github.com/rigado/hwrelay/linux/hci/ctrl"
	"github.com/rigado/hwrelay/pbmp"
	"github.com/rigado/hwrelay/pci"
	"github.com/rigado/hwrelay/pci/sysfs"
	"github.com/urfave/cli"
)

const ctrlTimeout = 2 * time.Second

var pktTypes = map[string]uint8{
	"cmd":    hci.PktTypeCommand,
	"acl":    hci.PktTypeACLData,
	"sco":    hci.PktTypeSCOData,
	"evt":    hci.PktTypeEvent,
	"vendor": hci.PktTypeVendor,
}

func parsePktType(s string) (uint16, error) {
	if t, ok := pktTypes[strings.ToLower(s)]; ok {
		return uint16(t), nil
	}
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, errors.Errorf("unknown packet type %q", s)
	}
	return uint16(v), nil
}

func sendCommand(c *cli.Context) (err error) {
	if c.NArg() != 1 {
		return cli.NewExitError("send takes one hex payload", 2)
	}
	typ, err := parsePktType(c.String("type"))
	if err != nil {
		return
	}
	payload, err := hex.DecodeString(strings.Replace(c.Args().First(), ":", "", -1))
	if err != nil {
		return errors.Wrap(err, "bad payload")
	}

	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return
	}

	cl, err := ctrl.Dial(cfg.Family, c.Duration("timeout"))
	if err != nil {
		return
	}
	defer cl.Close()

	if err = cl.Send(typ, payload); err != nil {
		return errors.Wrap(err, "relay rejected packet")
	}
	fmt.Printf("sent %d bytes\n", len(payload))
	return
}

func pcieCommand(c *cli.Context) (err error) {
	if c.NArg() != 1 {
		return cli.NewExitError("pcie takes one pci address", 2)
	}
	bdf := c.Args().First()

	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return
	}

	space := sysfs.New(cfg.SysfsRoot)
	defer space.Close()
	dev, err := space.Open(bdf)
	if err != nil {
		return
	}
	neg := pci.NewNegotiator(pci.NewHAL(space, nil))

	off := neg.PCIeCapability(dev)
	if off == 0 {
		fmt.Printf("%s: legacy pci\n", bdf)
		return
	}
	fmt.Printf("%s: pcie capability at 0x%02x\n", bdf, off)
	if iproc, bar := neg.IsIproc(dev); iproc {
		fmt.Printf("%s: iproc, cmic in bar %d\n", bdf, bar)
	}

	if c.Bool("dry-run") {
		return
	}
	p := neg.SetMaxPayload(dev, c.Int("max-payload"))
	if p.Skipped {
		return errors.Errorf("%s: device control unreadable, nothing written", bdf)
	}
	fmt.Printf("%s: max payload %d bytes", bdf, p.Bytes())
	switch {
	case p.ParentCapped:
		fmt.Print(" (limited by upstream port)")
	case p.DeviceCapped:
		fmt.Print(" (limited by device)")
	}
	fmt.Println()
	return
}

// parsePorts reads a list such as "0,3,8-11".
func parsePorts(s string) (ports []int, err error) {
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		lo, hi := f, f
		if i := strings.IndexByte(f, '-'); i > 0 {
			lo, hi = f[:i], f[i+1:]
		}
		a, err := strconv.Atoi(lo)
		if err != nil || a < 0 {
			return nil, errors.Errorf("bad port %q", lo)
		}
		b, err := strconv.Atoi(hi)
		if err != nil || b < a {
			return nil, errors.Errorf("bad port range %q", f)
		}
		for p := a; p <= b; p++ {
			ports = append(ports, p)
		}
	}
	return
}

func pbmpCommand(c *cli.Context) (err error) {
	width := c.Int("ports")
	if width <= 0 || width > pbmp.MaxPorts {
		return cli.NewExitError(fmt.Sprintf("ports must be 1..%d", pbmp.MaxPorts), 2)
	}
	ports, err := parsePorts(strings.Join(c.Args(), ","))
	if err != nil {
		return
	}

	b := pbmp.New(width)
	for _, p := range ports {
		if p < 0 || p >= b.Ports() {
			return errors.Errorf("port %d outside a %d port bitmap", p, b.Ports())
		}
		b.Add(p)
	}
	fmt.Printf("%s (%d ports)\n", b.Format(), b.Count())
	return
}
