package pbmp

import (
	"fmt"
	"strings"
)

// Mode is a port ability bitmask.
type Mode uint32

const (
	AbilityAll  Mode = 0xffffffff
	AbilityNone Mode = 0
)

// Speed abilities.
const (
	Speed10MB Mode = 1 << iota
	SpeedExtended
	Speed27GB
	Speed50GB
	Speed53GB
	Speed100MB
	Speed1000MB
	Speed2500MB
	Speed3000MB
	Speed5000MB
	Speed6000MB
	Speed10GB
	Speed11GB
	Speed12GB
	Speed12P5GB
	Speed13GB
	Speed15GB
	Speed16GB
	Speed20GB
	Speed21GB
	Speed23GB
	Speed24GB
	Speed25GB
	Speed30GB
	Speed40GB
	Speed42GB
	Speed100GB
	Speed120GB
	Speed127GB
	Speed106GB
	Speed48GB
	Speed32GB
)

// Pause abilities.
const (
	PauseTX Mode = 1 << iota
	PauseRX
	PauseAsymm

	Pause = PauseTX | PauseRX
)

// Interface abilities.
const (
	IntfTBI Mode = 1 << iota
	IntfMII
	IntfGMII
	IntfRGMII
	IntfSGMII
	IntfXGMII
	IntfQSGMII
	IntfCGMII
)

// Medium abilities.
const (
	MediumCopper Mode = 1 << iota
	MediumFiber
)

// Loopback abilities.
const (
	LoopbackNone Mode = 1 << iota
	LoopbackMAC
	LoopbackPHY
	LoopbackLine
)

// Flag abilities.
const (
	FlagAutoneg Mode = 1 << iota
	FlagCombo
)

// FEC abilities.
const (
	FEC Mode = 1 << iota
	FECRequest
)

// speedTable is ordered fastest first; SpeedMax returns the first hit.
var speedTable = []struct {
	m    Mode
	mbps int
	name string
}{
	{Speed127GB, 127000, "127G"},
	{Speed120GB, 120000, "120G"},
	{Speed106GB, 106000, "106G"},
	{Speed100GB, 100000, "100G"},
	{Speed53GB, 53000, "53G"},
	{Speed50GB, 50000, "50G"},
	{Speed48GB, 48000, "48G"},
	{Speed42GB, 42000, "42G"},
	{Speed40GB, 40000, "40G"},
	{Speed32GB, 32000, "32G"},
	{Speed30GB, 30000, "30G"},
	{Speed27GB, 27000, "27G"},
	{Speed25GB, 25000, "25G"},
	{Speed24GB, 24000, "24G"},
	{Speed23GB, 23000, "23G"},
	{Speed21GB, 21000, "21G"},
	{Speed20GB, 20000, "20G"},
	{Speed16GB, 16000, "16G"},
	{Speed15GB, 15000, "15G"},
	{Speed13GB, 13000, "13G"},
	{Speed12P5GB, 12500, "12.5G"},
	{Speed12GB, 12000, "12G"},
	{Speed11GB, 11000, "11G"},
	{Speed10GB, 10000, "10G"},
	{Speed6000MB, 6000, "6G"},
	{Speed5000MB, 5000, "5G"},
	{Speed3000MB, 3000, "3G"},
	{Speed2500MB, 2500, "2.5G"},
	{Speed1000MB, 1000, "1G"},
	{Speed100MB, 100, "100M"},
	{Speed10MB, 10, "10M"},
}

// SpeedAll is every defined speed bit except SpeedExtended.
var SpeedAll = func() Mode {
	var m Mode
	for _, s := range speedTable {
		m |= s.m
	}
	return m
}()

// SpeedMax returns the highest speed in m, in Mb/s, or 0.
func SpeedMax(m Mode) int {
	for _, s := range speedTable {
		if m&s.m != 0 {
			return s.mbps
		}
	}
	return 0
}

// SpeedString lists the speeds in m, fastest first.
func SpeedString(m Mode) string {
	var ss []string
	for _, s := range speedTable {
		if m&s.m != 0 {
			ss = append(ss, s.name)
		}
	}
	return strings.Join(ss, ",")
}

// Ability describes what a port can do.
type Ability struct {
	SpeedHalfDuplex Mode
	SpeedFullDuplex Mode
	Pause           Mode
	Interface       Mode
	Medium          Mode
	Loopback        Mode
	Flags           Mode
	EEE             Mode
	FCMap           Mode
	Encap           uint32
	FEC             Mode
}

// Common returns the abilities shared by a and o, e.g. local and link partner.
func (a Ability) Common(o Ability) Ability {
	return Ability{
		SpeedHalfDuplex: a.SpeedHalfDuplex & o.SpeedHalfDuplex,
		SpeedFullDuplex: a.SpeedFullDuplex & o.SpeedFullDuplex,
		Pause:           a.Pause & o.Pause,
		Interface:       a.Interface & o.Interface,
		Medium:          a.Medium & o.Medium,
		Loopback:        a.Loopback & o.Loopback,
		Flags:           a.Flags & o.Flags,
		EEE:             a.EEE & o.EEE,
		FCMap:           a.FCMap & o.FCMap,
		Encap:           a.Encap & o.Encap,
		FEC:             a.FEC & o.FEC,
	}
}

func (a Ability) String() string {
	return fmt.Sprintf("fd[%s] hd[%s] pause 0x%x intf 0x%x medium 0x%x lb 0x%x flags 0x%x fec 0x%x",
		SpeedString(a.SpeedFullDuplex), SpeedString(a.SpeedHalfDuplex),
		uint32(a.Pause), uint32(a.Interface), uint32(a.Medium), uint32(a.Loopback),
		uint32(a.Flags), uint32(a.FEC))
}

// Abilities maps ports to their abilities and answers set queries with
// bitmaps.
type Abilities struct {
	width int
	ports map[int]Ability
}

// NewAbilities returns an empty table for a bitmap width.
func NewAbilities(width int) *Abilities {
	return &Abilities{width: width, ports: map[int]Ability{}}
}

// Set records the ability of port p.
func (t *Abilities) Set(p int, a Ability) { t.ports[p] = a }

// Get returns the ability of port p.
func (t *Abilities) Get(p int) (Ability, bool) {
	a, ok := t.ports[p]
	return a, ok
}

// WithSpeed returns the ports whose full duplex abilities include any of m.
func (t *Abilities) WithSpeed(m Mode) Bitmap {
	b := New(t.width)
	for p, a := range t.ports {
		if a.SpeedFullDuplex&m != 0 {
			b.Add(p)
		}
	}
	return b
}
