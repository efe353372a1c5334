// Package metrics 汇总风控引擎的 Prometheus 指标，在 init 中注册到默认 Registry，
// 由 app 的 HTTP 服务在 /metrics 暴露。
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	sizingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_sizing_decisions_total",
			Help: "Sizing decisions by mode and status",
		},
		[]string{"mode", "status"},
	)

	sizingClamps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_sizing_clamps_total",
			Help: "Size reductions applied by policy or budget caps",
		},
		[]string{"reason", "severity"},
	)

	leverageChosen = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "risk_leverage_chosen",
			Help:    "Leverage assigned to new positions",
			Buckets: []float64{1, 2, 3, 5, 10},
		},
	)

	forcedCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_forced_closes_total",
			Help: "Positions force-closed by the governor",
		},
		[]string{"reason"},
	)

	governorSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_governor_skips_total",
			Help: "Positions skipped during a governor pass",
		},
		[]string{"stage"},
	)

	trailingUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "risk_trailing_updates_total",
			Help: "Trailing stop ratchets applied",
		},
	)

	exitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_exit_decisions_total",
			Help: "Exit manager decisions by action",
		},
		[]string{"action"},
	)

	activeManagers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_exit_active_managers",
			Help: "Exit managers currently attached",
		},
	)

	exposureRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_exposure_ratio",
			Help: "Aggregate notional exposure divided by wallet balance",
		},
	)

	walletBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_wallet_balance_usd",
			Help: "Last observed wallet balance",
		},
	)

	tunerAdjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_tuner_adjustments_total",
			Help: "Exit policy parameters changed by the tuner",
		},
		[]string{"field"},
	)

	monitorEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_monitor_events_total",
			Help: "Audit events recorded by type and severity",
		},
		[]string{"type", "severity"},
	)

	exchangeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_exchange_calls_total",
			Help: "Exchange gateway calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	exchangeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "risk_exchange_call_seconds",
			Help:    "Exchange gateway call latency including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(sizingDecisions, sizingClamps, leverageChosen)
	prometheus.MustRegister(forcedCloses, governorSkips, trailingUpdates)
	prometheus.MustRegister(exitDecisions, activeManagers)
	prometheus.MustRegister(exposureRatio, walletBalance)
	prometheus.MustRegister(tunerAdjustments, monitorEvents)
	prometheus.MustRegister(exchangeCalls, exchangeLatency)
}

func IncSizingDecision(mode, status string) { sizingDecisions.WithLabelValues(mode, status).Inc() }
func IncSizingClamp(reason, severity string) { sizingClamps.WithLabelValues(reason, severity).Inc() }
func ObserveLeverage(v float64)              { leverageChosen.Observe(v) }
func IncForcedClose(reason string)           { forcedCloses.WithLabelValues(reason).Inc() }
func IncGovernorSkip(stage string)           { governorSkips.WithLabelValues(stage).Inc() }
func IncTrailingUpdate()                     { trailingUpdates.Inc() }
func IncExitDecision(action string)          { exitDecisions.WithLabelValues(action).Inc() }
func SetActiveManagers(n int)                { activeManagers.Set(float64(n)) }
func SetExposureRatio(v float64)             { exposureRatio.Set(v) }
func SetWalletBalance(v float64)             { walletBalance.Set(v) }
func IncTunerAdjustment(field string)        { tunerAdjustments.WithLabelValues(field).Inc() }
func IncMonitorEvent(typ, severity string)   { monitorEvents.WithLabelValues(typ, severity).Inc() }

// ObserveExchangeCall 记录一次交易所调用的结果与总耗时。
func ObserveExchangeCall(operation, outcome string, seconds float64) {
	exchangeCalls.WithLabelValues(operation, outcome).Inc()
	exchangeLatency.WithLabelValues(operation).Observe(seconds)
}
