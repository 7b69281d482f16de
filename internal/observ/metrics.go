package observ

import "github.com/prometheus/client_golang/prometheus"

// Prometheus collectors updated across the supervisor. Served by the
// transport at /metrics in text exposition format.
var (
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepilot_trades_total",
			Help: "Trades routed, by venue, execution method and result",
		},
		[]string{"venue", "method", "result"},
	)

	FallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepilot_fallbacks_total",
			Help: "Hybrid-mode fallbacks from the API path to the session path",
		},
		[]string{"venue"},
	)

	ComponentHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradepilot_component_health",
			Help: "Component health: 1 healthy, 0.5 degraded, 0 unhealthy",
		},
		[]string{"component"},
	)

	ProbeResponseMs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradepilot_probe_response_ms",
			Help: "Latest probe response time per component",
		},
		[]string{"component"},
	)

	HealAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradepilot_heal_attempts_total",
			Help: "Healing attempts, by component and result",
		},
		[]string{"component", "result"},
	)

	StaleOrdersCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradepilot_stale_orders_cancelled_total",
			Help: "Pending positions cancelled after exceeding the staleness threshold",
		},
	)

	LedgerBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradepilot_ledger_balance_usd",
			Help: "Current ledger balance",
		},
		[]string{"ledger"},
	)

	ComparisonDivergence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradepilot_comparison_divergence_pct",
			Help: "Absolute sim-vs-real ROI divergence",
		},
	)

	OptimalRiskFraction = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradepilot_optimal_risk_fraction",
			Help: "Current learned risk fraction",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TradesTotal,
		FallbacksTotal,
		ComponentHealth,
		ProbeResponseMs,
		HealAttemptsTotal,
		StaleOrdersCancelled,
		LedgerBalance,
		ComparisonDivergence,
		OptimalRiskFraction,
	)
}

// HealthToFloat converts a health status string to its gauge value.
func HealthToFloat(status string) float64 {
	switch status {
	case "healthy":
		return 1.0
	case "degraded":
		return 0.5
	default:
		return 0.0
	}
}
