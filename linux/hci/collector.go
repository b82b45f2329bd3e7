package hci

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	txDesc = prometheus.NewDesc(
		"hwrelay_hci_tx_frames_total",
		"Frames submitted to the adapter, by packet type",
		[]string{"adapter", "type"}, nil,
	)
	rxDesc = prometheus.NewDesc(
		"hwrelay_hci_rx_frames_total",
		"Frames delivered to the hci stack, by packet type",
		[]string{"adapter", "type"}, nil,
	)
	rxBytesDesc = prometheus.NewDesc(
		"hwrelay_hci_rx_bytes_total",
		"Payload bytes delivered to the hci stack",
		[]string{"adapter"}, nil,
	)
	droppedDesc = prometheus.NewDesc(
		"hwrelay_hci_rx_dropped_total",
		"Inbound frames consumed by the relay",
		[]string{"adapter"}, nil,
	)
	txErrDesc = prometheus.NewDesc(
		"hwrelay_hci_tx_errors_total",
		"Frames the hardware transport failed to send",
		[]string{"adapter"}, nil,
	)
	readyDesc = prometheus.NewDesc(
		"hwrelay_hci_ready",
		"1 once the adapter reported card ready",
		[]string{"adapter"}, nil,
	)
)

// Collector exports the counters of a set of relays.
type Collector struct {
	mu     sync.Mutex
	relays map[string]*Relay
}

func NewCollector() *Collector {
	return &Collector{relays: map[string]*Relay{}}
}

// Add exports r under the adapter label name.
func (c *Collector) Add(name string, r *Relay) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relays[name] = r
}

func (c *Collector) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.relays, name)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- txDesc
	ch <- rxDesc
	ch <- rxBytesDesc
	ch <- droppedDesc
	ch <- txErrDesc
	ch <- readyDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	names := make([]string, 0, len(c.relays))
	for n := range c.relays {
		names = append(names, n)
	}
	relays := make(map[string]*Relay, len(c.relays))
	for n, r := range c.relays {
		relays[n] = r
	}
	c.mu.Unlock()
	sort.Strings(names)

	for _, n := range names {
		r := relays[n]
		s := r.Stats()

		counter := func(d *prometheus.Desc, v uint64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append([]string{n}, labels...)...)
		}
		counter(txDesc, s.CmdTx, "command")
		counter(txDesc, s.ACLTx, "acl")
		counter(txDesc, s.SCOTx, "sco")
		counter(rxDesc, s.EvtRx, "event")
		counter(rxDesc, s.ACLRx, "acl")
		counter(rxDesc, s.SCORx, "sco")
		counter(rxDesc, s.VendorRx, "vendor")
		counter(rxBytesDesc, s.ByteRx)
		counter(droppedDesc, s.Dropped)
		counter(txErrDesc, s.ErrTx)

		ready := 0.0
		if r.State() == StateReady {
			ready = 1
		}
		ch <- prometheus.MustNewConstMetric(readyDesc, prometheus.GaugeValue, ready, n)
	}
}
