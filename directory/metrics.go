package directory

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "lightor"
	metricsSubsystem = "directory"
)

// Metrics holds the directory store's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	loads           *prometheus.CounterVec
	churnRejections *prometheus.CounterVec
	churnRemoved    prometheus.Counter
	usableRelays    prometheus.Gauge
	validUntil      prometheus.Gauge
	version         prometheus.Gauge
}

// NewMetrics creates the directory collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "loads_total",
				Help:      "Number of directory load attempts by result",
			},
			[]string{"result"},
		),
		churnRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "churn_rejections_total",
				Help:      "Number of ignored churn files by reason",
			},
			[]string{"reason"},
		),
		churnRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "churn_removed_relays_total",
				Help:      "Number of relays removed by applied churn files",
			},
		),
		usableRelays: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "usable_relays",
				Help:      "Relays in the current snapshot",
			},
		),
		validUntil: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "valid_until_seconds",
				Help:      "Unix time at which the current snapshot expires",
			},
		),
		version: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "snapshot_version",
				Help:      "Version of the current snapshot",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.loads, m.churnRejections, m.churnRemoved, m.usableRelays, m.validUntil, m.version)
	}
	return m
}

func (m *Metrics) observeLoad(snap *Snapshot, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.loads.WithLabelValues(string(Classify(err))).Inc()
		return
	}
	m.loads.WithLabelValues("ok").Inc()
	m.usableRelays.Set(float64(snap.Len()))
	m.validUntil.Set(float64(snap.ValidUntil.Unix()))
	m.version.Set(float64(snap.Version))

	switch {
	case snap.Churn.Err != nil:
		m.churnRejections.WithLabelValues(churnReason(snap.Churn.Err)).Inc()
	case len(snap.Churn.Removed) > 0:
		m.churnRemoved.Add(float64(len(snap.Churn.Removed)))
	}
}

func churnReason(err error) string {
	switch {
	case errors.Is(err, ErrChurnBoundsExceeded):
		return "bounds_exceeded"
	case errors.Is(err, ErrChurnTargetMismatch):
		return "target_mismatch"
	case errors.Is(err, ErrChurnMalformed):
		return "malformed"
	}
	return "other"
}
