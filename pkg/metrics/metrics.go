// Package metrics exposes Prometheus instruments for restrictions, the
// gate and the reconciler. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gate check outcomes, used as the "result" label.
const (
	ResultAllowed = "allowed"
	ResultBlocked = "blocked"
	ResultError   = "error"
)

type Metrics struct {
	Registry *prometheus.Registry

	RestrictionsAdded   prometheus.Counter
	RestrictionsRemoved prometheus.Counter
	RestrictionsPruned  prometheus.Counter
	RestrictionsActive  prometheus.Gauge
	GateChecks          *prometheus.CounterVec
	IntegrityWarnings   prometheus.Counter
	SweepFailures       prometheus.Counter
	Commands            *prometheus.CounterVec
	BridgeConnections   prometheus.Gauge
	BridgeAuthFailures  prometheus.Counter
}

// New registers all instruments on a private registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RestrictionsAdded: f.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_restrictions_added_total",
			Help: "Restrictions created or replaced by operators.",
		}),
		RestrictionsRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_restrictions_removed_total",
			Help: "Restrictions lifted by operators.",
		}),
		RestrictionsPruned: f.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_restrictions_pruned_total",
			Help: "Expired restrictions deleted by the reconciler.",
		}),
		RestrictionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeep_restrictions_active",
			Help: "Rows left in the store after the last sweep.",
		}),
		GateChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeep_gate_checks_total",
			Help: "Access gate checks by result.",
		}, []string{"result"}),
		IntegrityWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_integrity_warnings_total",
			Help: "Stored restrictions whose expiry could not be decoded.",
		}),
		SweepFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_sweep_failures_total",
			Help: "Reconciler ticks or row deletions that failed.",
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeep_commands_total",
			Help: "Bridge commands handled, by command name.",
		}, []string{"command"}),
		BridgeConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeep_bridge_connections_active",
			Help: "Authenticated command bridge connections.",
		}),
		BridgeAuthFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_bridge_auth_failures_total",
			Help: "Bridge connections rejected during authentication.",
		}),
	}
}

func (m *Metrics) IncAdded() {
	if m == nil {
		return
	}
	m.RestrictionsAdded.Inc()
}

func (m *Metrics) IncRemoved() {
	if m == nil {
		return
	}
	m.RestrictionsRemoved.Inc()
}

func (m *Metrics) AddPruned(n int) {
	if m == nil {
		return
	}
	m.RestrictionsPruned.Add(float64(n))
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.RestrictionsActive.Set(float64(n))
}

func (m *Metrics) IncGateCheck(result string) {
	if m == nil {
		return
	}
	m.GateChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) IncIntegrityWarning() {
	if m == nil {
		return
	}
	m.IntegrityWarnings.Inc()
}

func (m *Metrics) IncSweepFailure() {
	if m == nil {
		return
	}
	m.SweepFailures.Inc()
}

func (m *Metrics) IncCommand(name string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(name).Inc()
}

func (m *Metrics) AddBridgeConnections(delta int) {
	if m == nil {
		return
	}
	m.BridgeConnections.Add(float64(delta))
}

func (m *Metrics) IncBridgeAuthFailure() {
	if m == nil {
		return
	}
	m.BridgeAuthFailures.Inc()
}
