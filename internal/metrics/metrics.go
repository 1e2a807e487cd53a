package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/pbxcore/internal/dialplan"
)

// CallStats exposes the admission counters of the call gate.
type CallStats interface {
	Active() int
	Total() uint64
	Refused() uint64
}

// ContextLister exposes the contexts of the live dialplan.
type ContextLister interface {
	Contexts() []*dialplan.Context
}

// HintLister exposes the tracked hints.
type HintLister interface {
	List() []dialplan.HintInfo
}

// Collector is a prometheus.Collector that gathers pbxcore metrics at scrape time.
type Collector struct {
	calls     CallStats
	contexts  ContextLister
	hints     HintLister
	startTime time.Time

	activeCallsDesc  *prometheus.Desc
	callsTotalDesc   *prometheus.Desc
	callsRefusedDesc *prometheus.Desc
	contextsDesc     *prometheus.Desc
	hintsDesc        *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(calls CallStats, contexts ContextLister, hints HintLister, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		contexts:  contexts,
		hints:     hints,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"pbxcore_active_calls",
			"Number of channels currently running the dialplan",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"pbxcore_calls_total",
			"Total number of calls admitted to the dialplan",
			nil, nil,
		),
		callsRefusedDesc: prometheus.NewDesc(
			"pbxcore_calls_refused_total",
			"Total number of calls refused by the admission gate",
			nil, nil,
		),
		contextsDesc: prometheus.NewDesc(
			"pbxcore_contexts",
			"Number of contexts in the live dialplan",
			nil, nil,
		),
		hintsDesc: prometheus.NewDesc(
			"pbxcore_hints",
			"Number of tracked hints by extension state",
			[]string{"state"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"pbxcore_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.callsTotalDesc
	ch <- c.callsRefusedDesc
	ch <- c.contextsDesc
	ch <- c.hintsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue, float64(c.calls.Active()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.callsTotalDesc, prometheus.CounterValue, float64(c.calls.Total()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.callsRefusedDesc, prometheus.CounterValue, float64(c.calls.Refused()),
		)
	}

	if c.contexts != nil {
		ch <- prometheus.MustNewConstMetric(
			c.contextsDesc, prometheus.GaugeValue, float64(len(c.contexts.Contexts())),
		)
	}

	// One series per state seen; an empty dialplan yields none.
	if c.hints != nil {
		byState := make(map[string]int)
		for _, h := range c.hints.List() {
			byState[h.State.String()]++
		}
		for state, n := range byState {
			ch <- prometheus.MustNewConstMetric(
				c.hintsDesc, prometheus.GaugeValue, float64(n), state,
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds(),
	)
}
