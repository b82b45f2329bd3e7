// +build linux

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rigado/hwrelay"
	"github.com/rigado/hwrelay/config"
	"github.com/rigado/hwrelay/linux/hci"
	"github.com/rigado/hwrelay/linux/hci/ctrl"
	"github.com/rigado/hwrelay/linux/hci/link"
	"github.com/rigado/hwrelay/linux/hci/mgmt"
	"github.com/rigado/hwrelay/linux/hci/vhci"
	"github.com/rigado/hwrelay/pci"
	"github.com/rigado/hwrelay/pci/sysfs"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
)

const (
	readyWait    = 10 * time.Second
	shutdownWait = 2 * time.Second
)

func loadConfig(c *cli.Context) (cfg config.Config, err error) {
	cfg, err = config.Load(c.GlobalString("config"))
	if err != nil {
		return
	}

	if s := c.String("serial"); s != "" {
		cfg.Link.Serial, cfg.Link.TCP = s, ""
	}
	if s := c.String("tcp"); s != "" {
		cfg.Link.Serial, cfg.Link.TCP = "", s
	}
	if s := c.String("bus"); s != "" {
		cfg.Bus = s
	}
	if s := c.String("metrics"); s != "" {
		cfg.Metrics = s
	}
	if c.Bool("no-power") {
		cfg.PowerOn = false
	}
	if s := c.GlobalString("log-level"); s != "" {
		cfg.LogLevel = s
	}

	err = cfg.Validate()
	return
}

func negotiatePayloads(cfg config.Config, log hwrelay.Logger) error {
	if len(cfg.PCI) == 0 {
		return nil
	}

	space := sysfs.New(cfg.SysfsRoot)
	defer space.Close()
	neg := pci.NewNegotiator(pci.NewHAL(space, nil))

	for _, d := range cfg.PCI {
		dev, err := space.Open(d.BDF)
		if err != nil {
			return err
		}
		p := neg.SetMaxPayload(dev, d.MaxPayload)
		switch {
		case !p.PCIe:
			log.Infof("%s: legacy pci, payload untouched", d.BDF)
		case p.Skipped:
			log.Warnf("%s: config space unreadable, payload untouched", d.BDF)
		default:
			log.Infof("%s: max payload %d bytes", d.BDF, p.Bytes())
		}
	}
	return nil
}

func openLink(cfg config.Config) (*link.Link, error) {
	if cfg.Link.TCP != "" {
		return link.NewSocket(cfg.Link.TCP, time.Duration(cfg.Link.Timeout))
	}
	opts := link.DefaultSerialOptions()
	opts.PortName = cfg.Link.Serial
	if cfg.Link.Baud != 0 {
		opts.BaudRate = cfg.Link.Baud
	}
	opts.RTSCTSFlowControl = cfg.Link.FlowControl
	return link.NewSerial(opts)
}

// powerOn waits until the adapter reports card ready and then powers the
// new controller on.
func powerOn(ctx context.Context, r *hci.Relay, stack *vhci.Stack, log hwrelay.Logger) error {
	deadline := time.NewTimer(readyWait)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for r.State() != hci.StateReady {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			log.Warnf("adapter not ready after %v, controller left powered off", readyWait)
			return nil
		case <-tick.C:
		}
	}

	idx := stack.Index()
	if idx < 0 {
		return errors.New("vhci controller has no index")
	}
	s, err := mgmt.NewSocket()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.SetPowered(uint16(idx), true); err != nil {
		return errors.Wrapf(err, "can't power on hci%d", idx)
	}
	log.Infof("hci%d powered on", idx)
	return nil
}

func serveMetrics(ctx context.Context, addr string, r *hci.Relay) error {
	col := hci.NewCollector()
	col.Add("hci0", r)

	reg := prometheus.NewRegistry()
	reg.MustRegister(col, prometheus.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return errors.Wrapf(err, "can't serve metrics on %s", addr)
	}
	return nil
}

func runCommand(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return
	}
	if err = hwrelay.SetLogLevel(cfg.LogLevel); err != nil {
		return
	}
	log := hwrelay.PkgLogger("rsihcid")

	if err = negotiatePayloads(cfg, log); err != nil {
		return
	}

	opts, err := cfg.Options()
	if err != nil {
		return
	}

	lnk, err := openLink(cfg)
	if err != nil {
		return
	}
	defer lnk.Close()

	stack := vhci.New(cfg.VHCI)
	r, err := hci.NewRelay(lnk, stack, ctrl.NewUnixgram(), opts...)
	if err != nil {
		return
	}
	if err = r.Attach(); err != nil {
		return
	}
	defer func() {
		if derr := r.Detach(); derr != nil {
			log.Errorf("detach: %v", derr)
		}
		st := r.Stats()
		log.Infof("relayed %d commands, %d events, dropped %d", st.CmdTx, st.EvtRx, st.Dropped)
	}()
	log.Infof("attached hci%d, control family %s", stack.Index(), cfg.Family)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.PowerOn {
		g.Go(func() error { return powerOn(ctx, r, stack, log) })
	}
	if cfg.Metrics != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics, r) })
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	})

	err = g.Wait()
	return
}
