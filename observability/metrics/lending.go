package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LendingMetrics struct {
	actions          *prometheus.CounterVec
	actionFailures   *prometheus.CounterVec
	liquidations     prometheus.Counter
	bouncedEffects   prometheus.Counter
	retriesReplayed  prometheus.Counter
	retriesOutstanding prometheus.Gauge
	reserveUtilization *prometheus.GaugeVec
	oracleRejections *prometheus.CounterVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_actions_total",
				Help: "Count of completed market actions by kind.",
			}, []string{"action"}),
			actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_action_failures_total",
				Help: "Count of rejected market actions by kind and reason.",
			}, []string{"action", "reason"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_liquidations_total",
				Help: "Count of completed liquidations.",
			}),
			bouncedEffects: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_bounced_effects_total",
				Help: "Count of outbound token effects parked in the recovery log.",
			}),
			retriesReplayed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_retries_replayed_total",
				Help: "Count of recovery-log entries replayed via rerun.",
			}),
			retriesOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lending_retries_outstanding",
				Help: "Recovery-log entries currently awaiting a rerun.",
			}),
			reserveUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lending_reserve_utilization_ray",
				Help: "Reserve utilization ratio scaled to Ray, by asset.",
			}, []string{"asset"}),
			oracleRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_oracle_rejections_total",
				Help: "Count of rejected oracle price batches by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			lendingRegistry.actions,
			lendingRegistry.actionFailures,
			lendingRegistry.liquidations,
			lendingRegistry.bouncedEffects,
			lendingRegistry.retriesReplayed,
			lendingRegistry.retriesOutstanding,
			lendingRegistry.reserveUtilization,
			lendingRegistry.oracleRejections,
		)
	})
	return lendingRegistry
}

func (m *LendingMetrics) RecordAction(action string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action).Inc()
}

func (m *LendingMetrics) RecordActionFailure(action, reason string) {
	if m == nil {
		return
	}
	m.actionFailures.WithLabelValues(action, reason).Inc()
}

func (m *LendingMetrics) RecordLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

func (m *LendingMetrics) RecordBouncedEffect() {
	if m == nil {
		return
	}
	m.bouncedEffects.Inc()
}

func (m *LendingMetrics) RecordRetryReplayed() {
	if m == nil {
		return
	}
	m.retriesReplayed.Inc()
}

func (m *LendingMetrics) SetRetriesOutstanding(n int) {
	if m == nil {
		return
	}
	m.retriesOutstanding.Set(float64(n))
}

func (m *LendingMetrics) SetReserveUtilization(asset string, utilizationRay float64) {
	if m == nil {
		return
	}
	m.reserveUtilization.WithLabelValues(asset).Set(utilizationRay)
}

func (m *LendingMetrics) RecordOracleRejection(reason string) {
	if m == nil {
		return
	}
	m.oracleRejections.WithLabelValues(reason).Inc()
}
