package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ApplyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netauth_apply_total",
		Help: "Policy reconciliations by result (applied, partial, failed, rejected)",
	}, []string{"result"})

	RuleInstallFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netauth_rule_install_failures_total",
		Help: "Filter entries that failed to install during reconciliation",
	})

	ForwardRefsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netauth_forward_refs_purged_total",
		Help: "FORWARD references to identity chains removed before re-hooking",
	})

	PurgeCeilingHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netauth_purge_ceiling_hits_total",
		Help: "Reconciliations that reached the purge attempt ceiling with references left",
	})

	CatchAllRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netauth_catchall_removed_total",
		Help: "Tunnel catch-all ACCEPT rules removed from FORWARD by hygiene",
	})

	CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netauth_command_duration_seconds",
		Help:    "Duration of external packet filter commands",
		Buckets: prometheus.DefBuckets,
	}, []string{"command", "result"})

	registerOnce sync.Once
)

// Register adds the controller collectors to reg (prometheus.DefaultRegisterer when nil).
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			ApplyTotal,
			RuleInstallFailures,
			ForwardRefsPurged,
			PurgeCeilingHits,
			CatchAllRemoved,
			CommandDuration,
		)
	})
}

// RegisterFilterGauge exposes the current filter entry count, sampled on scrape.
func RegisterFilterGauge(reg prometheus.Registerer, count func() float64) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "netauth_filter_entries",
		Help: "Total entries in the host filter table",
	}, count))
}
