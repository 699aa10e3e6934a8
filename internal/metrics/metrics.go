// Package metrics exposes Prometheus collectors for the VRRP daemon
// (SPEC_FULL.md section 4.8). It deliberately stops at counters/gauges
// over instance and group state; the RFC 2787 / RFC 6527 SNMP MIB is
// out of scope per spec.md's Non-goals.
package metrics

import (
	"strconv"
	"sync"

	"github.com/quorumha/vrrpd/internal/instance"
	"github.com/quorumha/vrrpd/internal/syncgroup"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stateDesc = prometheus.NewDesc(
		"vrrpd_instance_state",
		"Current realized FSM state (0=INIT,1=BACKUP,2=MASTER,3=FAULT).",
		[]string{"instance", "vrid"}, nil,
	)
	priorityDesc = prometheus.NewDesc(
		"vrrpd_instance_priority",
		"Current effective priority, after track-subsystem adjustment.",
		[]string{"instance", "vrid"}, nil,
	)
	transitionsDesc = prometheus.NewDesc(
		"vrrpd_instance_transitions_total",
		"Total number of FSM state transitions.",
		[]string{"instance", "vrid"}, nil,
	)
	advertRxDesc = prometheus.NewDesc(
		"vrrpd_advertisements_received_total",
		"Total VRRP advertisements received.",
		[]string{"instance", "vrid"}, nil,
	)
	advertTxDesc = prometheus.NewDesc(
		"vrrpd_advertisements_sent_total",
		"Total VRRP advertisements sent.",
		[]string{"instance", "vrid"}, nil,
	)
	priorityZeroRxDesc = prometheus.NewDesc(
		"vrrpd_priority_zero_received_total",
		"Total priority-0 advertisements received (master resignation).",
		[]string{"instance", "vrid"}, nil,
	)
	priorityZeroTxDesc = prometheus.NewDesc(
		"vrrpd_priority_zero_sent_total",
		"Total priority-0 advertisements sent (our own resignation).",
		[]string{"instance", "vrid"}, nil,
	)
	protocolErrorsDesc = prometheus.NewDesc(
		"vrrpd_protocol_errors_total",
		"Total advertisements dropped for a protocol reason (VRID mismatch, TTL/hop-limit, checksum, decode).",
		[]string{"instance", "vrid"}, nil,
	)
	groupStateDesc = prometheus.NewDesc(
		"vrrpd_group_state",
		"Current realized sync-group state (0=INIT,1=BACKUP,2=MASTER,3=FAULT).",
		[]string{"group"}, nil,
	)
)

// Collector is a prometheus.Collector that reads instance and group
// state directly at scrape time, rather than mirroring it into a
// separate set of metric objects updated from the scheduler loop. This
// keeps the scheduler free of any Prometheus-specific bookkeeping.
type Collector struct {
	mu        sync.RWMutex
	instances []*instance.VirtualRouter
	groups    []*syncgroup.Group
}

// NewCollector returns an empty Collector; instances and groups are
// attached with SetSources once the registry has resolved them.
func NewCollector() *Collector {
	return &Collector{}
}

// SetSources replaces the set of instances and groups scraped on the
// next Collect call. Called once after registry.Build, and again after
// any config reload.
func (c *Collector) SetSources(instances []*instance.VirtualRouter, groups []*syncgroup.Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances = instances
	c.groups = groups
}

// ObserveInstance is the scheduler's per-step hook. Collect reads
// instance state live at scrape time, so it records nothing.
func (c *Collector) ObserveInstance(*instance.VirtualRouter) {}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- stateDesc
	ch <- priorityDesc
	ch <- transitionsDesc
	ch <- advertRxDesc
	ch <- advertTxDesc
	ch <- priorityZeroRxDesc
	ch <- priorityZeroTxDesc
	ch <- protocolErrorsDesc
	ch <- groupStateDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, vr := range c.instances {
		name := vr.Name()
		vrid := strconv.Itoa(int(vr.VRID()))
		stats := vr.Stats()

		ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, float64(vr.State()), name, vrid)
		ch <- prometheus.MustNewConstMetric(priorityDesc, prometheus.GaugeValue, float64(vr.Priority()), name, vrid)
		ch <- prometheus.MustNewConstMetric(transitionsDesc, prometheus.CounterValue, float64(stats.Transitions), name, vrid)
		ch <- prometheus.MustNewConstMetric(advertRxDesc, prometheus.CounterValue, float64(stats.AdvertRx), name, vrid)
		ch <- prometheus.MustNewConstMetric(advertTxDesc, prometheus.CounterValue, float64(stats.AdvertTx), name, vrid)
		ch <- prometheus.MustNewConstMetric(priorityZeroRxDesc, prometheus.CounterValue, float64(stats.PriorityZeroRx), name, vrid)
		ch <- prometheus.MustNewConstMetric(priorityZeroTxDesc, prometheus.CounterValue, float64(stats.PriorityZeroTx), name, vrid)
		ch <- prometheus.MustNewConstMetric(protocolErrorsDesc, prometheus.CounterValue, float64(stats.ProtocolErrors), name, vrid)
	}

	for _, g := range c.groups {
		ch <- prometheus.MustNewConstMetric(groupStateDesc, prometheus.GaugeValue, float64(g.State()), g.Name)
	}
}

var _ prometheus.Collector = (*Collector)(nil)
