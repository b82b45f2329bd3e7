// +build linux

// Command rsihcid relays Bluetooth HCI traffic between an RSI adapter and the
// host Bluetooth stack.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

const defaultConfig = "/etc/rsihcid.json"

func main() {
	app := cli.NewApp()
	app.Name = "rsihcid"
	app.Usage = "relay HCI traffic between an RSI adapter and the host stack"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  defaultConfig,
			Usage:  "configuration file",
			EnvVar: "RSIHCID_CONFIG",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "override the configured log level",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:  "run",
			Usage: "Attach the relay and serve until interrupted.",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "serial",
					Usage: "serial port of the adapter",
				},
				cli.StringFlag{
					Name:  "tcp",
					Usage: "address of a TCP bus bridge, replaces the serial port",
				},
				cli.StringFlag{
					Name:  "bus",
					Usage: "adapter bus, usb or sdio",
				},
				cli.StringFlag{
					Name:  "metrics",
					Usage: "serve prometheus metrics on this address",
				},
				cli.BoolFlag{
					Name:  "no-power",
					Usage: "leave the controller powered off",
				},
			},
			Action: runCommand,
		},
		cli.Command{
			Name:      "send",
			Usage:     "Inject a packet through the control channel of a running relay.",
			ArgsUsage: "HEX-PAYLOAD",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "type, t",
					Value: "cmd",
					Usage: "packet type: cmd, acl, sco, evt, vendor or a number",
				},
				cli.DurationFlag{
					Name:  "timeout",
					Value: ctrlTimeout,
					Usage: "how long to wait for the relay to acknowledge",
				},
			},
			Action: sendCommand,
		},
		cli.Command{
			Name:      "pcie",
			Usage:     "Inspect a PCI function and optionally set its max payload size.",
			ArgsUsage: "BDF",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "max-payload, m",
					Usage: "payload size in bytes, 0 keeps the current setting",
				},
				cli.BoolFlag{
					Name:  "dry-run, n",
					Usage: "only report capabilities",
				},
			},
			Action: pcieCommand,
		},
		cli.Command{
			Name:      "pbmp",
			Usage:     "Format a port list as a port bitmap.",
			ArgsUsage: "PORTS",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "ports, p",
					Value: 64,
					Usage: "bitmap width in ports",
				},
			},
			Action: pbmpCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
