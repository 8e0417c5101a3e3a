// Package metrics exposes the grid as a Prometheus collector, the same
// shape as the teacher's TCPInfoCollector (pkg/exporter/exporter.go): a
// mutex-protected registry of watched objects, scraped on demand by
// Collect rather than pushed as events arrive.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ukatc/fpu-driver-sub001/fpustate"
)

// GridCollector adapts an *fpustate.Array to prometheus.Collector, reporting
// per-state FPU counts and grid-wide pending/timeout/overflow counters.
type GridCollector struct {
	mu    sync.Mutex
	grids map[string]*fpustate.Array // label value (e.g. instrument id) -> grid

	stateCountDesc *prometheus.Desc
	pendingDesc    *prometheus.Desc
	timeoutDesc    *prometheus.Desc
	overflowDesc   *prometheus.Desc
	queuedDesc     *prometheus.Desc
}

// NewGridCollector builds a collector with the given const labels applied to
// every series (matching exporter.NewTCPInfoCollector's constLabels
// parameter).
func NewGridCollector(prefix string, constLabels prometheus.Labels) *GridCollector {
	return &GridCollector{
		grids: make(map[string]*fpustate.Array),
		stateCountDesc: prometheus.NewDesc(prefix+"_fpu_state_count",
			"number of FPUs currently in a given state", []string{"grid", "state"}, constLabels),
		pendingDesc: prometheus.NewDesc(prefix+"_pending_commands",
			"number of commands awaiting a response", []string{"grid"}, constLabels),
		timeoutDesc: prometheus.NewDesc(prefix+"_command_timeouts_total",
			"cumulative count of command timeouts", []string{"grid"}, constLabels),
		overflowDesc: prometheus.NewDesc(prefix+"_can_overflow_total",
			"cumulative count of CAN overflow warnings", []string{"grid"}, constLabels),
		queuedDesc: prometheus.NewDesc(prefix+"_queued_timeouts",
			"number of entries pending in the timeout list", []string{"grid"}, constLabels),
	}
}

// Add registers a grid under label for scraping.
func (c *GridCollector) Add(label string, grid *fpustate.Array) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grids[label] = grid
}

// Remove stops scraping the grid registered under label.
func (c *GridCollector) Remove(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.grids, label)
}

// Describe implements prometheus.Collector.
func (c *GridCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.stateCountDesc
	descs <- c.pendingDesc
	descs <- c.timeoutDesc
	descs <- c.overflowDesc
	descs <- c.queuedDesc
}

// Collect implements prometheus.Collector.
func (c *GridCollector) Collect(out chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for label, grid := range c.grids {
		g := grid.GetGridState()
		for s, n := range g.Counts {
			out <- prometheus.MustNewConstMetric(c.stateCountDesc, prometheus.GaugeValue,
				float64(n), label, fpustate.State(s).String())
		}
		out <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(g.CountPending), label)
		out <- prometheus.MustNewConstMetric(c.timeoutDesc, prometheus.CounterValue, float64(g.CountTimeout), label)
		out <- prometheus.MustNewConstMetric(c.overflowDesc, prometheus.CounterValue, float64(g.CountCANOverflow), label)
		out <- prometheus.MustNewConstMetric(c.queuedDesc, prometheus.GaugeValue, float64(g.NumQueued), label)
	}
}
