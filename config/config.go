// Package config loads the relay daemon configuration file.
package config

import (
	"io/ioutil"
	"os"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rigado/hwrelay"
	"github.com/rigado/hwrelay/linux/hci"
	"github.com/rigado/hwrelay/linux/hci/ctrl"
)

// Duration is a time.Duration written as a string such as "20ms".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return errors.Errorf("duration must be a string, got %s", b)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "bad duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// Link selects the hardware transport. Exactly one of Serial and TCP is set.
type Link struct {
	Serial      string   `json:"serial,omitempty"`
	Baud        uint     `json:"baud,omitempty"`
	FlowControl bool     `json:"flow_control"`
	TCP         string   `json:"tcp,omitempty"`
	Timeout     Duration `json:"timeout,omitempty"`
}

// PCIDevice is a function whose max payload size is negotiated at start.
type PCIDevice struct {
	BDF        string `json:"bdf"`
	MaxPayload int    `json:"max_payload"`
}

type Config struct {
	Family       string   `json:"family"`
	Bus          string   `json:"bus"`
	PollInterval Duration `json:"poll_interval"`
	PoolSize     int      `json:"pool_size"`
	Headroom     int      `json:"headroom"`
	LogLevel     string   `json:"log_level"`

	Link    Link   `json:"link"`
	VHCI    string `json:"vhci"`
	PowerOn bool   `json:"power_on"`
	Metrics string `json:"metrics,omitempty"`

	SysfsRoot string      `json:"sysfs_root,omitempty"`
	PCI       []PCIDevice `json:"pci,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Family:       ctrl.DefaultFamily,
		Bus:          hwrelay.BusUSB.String(),
		PollInterval: Duration(hci.DefaultPollInterval),
		PoolSize:     hci.DefaultPoolSize,
		Headroom:     hci.DefaultHeadroom,
		LogLevel:     "info",
		Link: Link{
			Serial:      "/dev/ttyUSB0",
			Baud:        921600,
			FlowControl: true,
			Timeout:     Duration(time.Second),
		},
		VHCI:    "/dev/vhci",
		PowerOn: true,
	}
}

// Validate checks settings that the relay would only reject later.
func (c Config) Validate() error {
	if _, err := c.BusType(); err != nil {
		return err
	}
	if (c.Link.Serial == "") == (c.Link.TCP == "") {
		return errors.New("link needs exactly one of serial and tcp")
	}
	for _, d := range c.PCI {
		if d.BDF == "" {
			return errors.New("pci device without bdf")
		}
		if d.MaxPayload < 0 {
			return errors.Errorf("%s: negative max payload", d.BDF)
		}
	}
	return nil
}

// BusType parses Bus.
func (c Config) BusType() (hwrelay.Bus, error) {
	switch c.Bus {
	case "", "usb":
		return hwrelay.BusUSB, nil
	case "sdio":
		return hwrelay.BusSDIO, nil
	default:
		return hwrelay.BusUSB, errors.Errorf("unknown bus %q", c.Bus)
	}
}

// Options returns the relay options the configuration implies.
func (c Config) Options() ([]hwrelay.Option, error) {
	bus, err := c.BusType()
	if err != nil {
		return nil, err
	}
	opts := []hwrelay.Option{hwrelay.OptBus(bus)}
	if c.Family != "" {
		opts = append(opts, hwrelay.OptFamily(c.Family))
	}
	if c.PollInterval != 0 {
		opts = append(opts, hwrelay.OptPollInterval(time.Duration(c.PollInterval)))
	}
	if c.PoolSize != 0 {
		opts = append(opts, hwrelay.OptPoolSize(c.PoolSize))
	}
	if c.Headroom != 0 {
		opts = append(opts, hwrelay.OptHeadroom(c.Headroom))
	}
	return opts, nil
}

// File is a configuration file on disk.
type File struct {
	filename string
	lock     sync.RWMutex
}

func New(filename string) *File {
	return &File{filename: filename}
}

// Load reads the file over the defaults. A missing file yields the
// defaults.
func (f *File) Load() (Config, error) {
	f.lock.RLock()
	defer f.lock.RUnlock()

	c := Default()
	_, err := os.Stat(f.filename)
	if os.IsNotExist(err) {
		return c, nil
	}

	in, err := ioutil.ReadFile(f.filename)
	if err != nil {
		return c, errors.Wrapf(err, "can't read %s", f.filename)
	}
	if err := jsoniter.Unmarshal(in, &c); err != nil {
		return c, errors.Wrapf(err, "can't parse %s", f.filename)
	}
	// a tcp link replaces the default serial port
	if c.Link.TCP != "" && jsoniter.Get(in, "link", "serial").ValueType() == jsoniter.InvalidValue {
		c.Link.Serial = ""
	}
	return c, c.Validate()
}

// Store writes c to the file.
func (f *File) Store(c Config) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	out, err := jsoniter.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(f.filename, out, 0644)
}

// Load reads filename, see File.Load.
func Load(filename string) (Config, error) {
	return New(filename).Load()
}
