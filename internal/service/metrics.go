package service

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	OrderSubmissions     *prometheus.CounterVec
	OrderCancellations   *prometheus.CounterVec
	TradeStarts          *prometheus.CounterVec
	TradeStartLatency    *prometheus.HistogramVec
	TradeTransitions     *prometheus.CounterVec
	GatewayCallDuration  *prometheus.HistogramVec
	ReconciliationEvents prometheus.Counter
	SweepProcessed       *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrderSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2p_order_submissions_total",
				Help: "Total ad submission attempts.",
			},
			[]string{"status"},
		),
		OrderCancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2p_order_cancellations_total",
				Help: "Total ad cancellation attempts.",
			},
			[]string{"status"},
		),
		TradeStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2p_trade_starts_total",
				Help: "Total trade start attempts.",
			},
			[]string{"status"},
		),
		TradeStartLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "p2p_trade_start_latency_seconds",
				Help:    "Trade start latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		TradeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2p_trade_transitions_total",
				Help: "Trade lifecycle transitions by action.",
			},
			[]string{"action", "status"},
		),
		GatewayCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "p2p_gateway_call_duration_seconds",
				Help:    "Settlement gateway call latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op", "status"},
		),
		ReconciliationEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "p2p_reconciliation_events_total",
				Help: "Escrow operations parked for manual reconciliation.",
			},
		),
		SweepProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "p2p_sweep_processed_total",
				Help: "Entities processed by background sweeps.",
			},
			[]string{"job"},
		),
	}

	registry.MustRegister(
		m.OrderSubmissions,
		m.OrderCancellations,
		m.TradeStarts,
		m.TradeStartLatency,
		m.TradeTransitions,
		m.GatewayCallDuration,
		m.ReconciliationEvents,
		m.SweepProcessed,
	)
	return m
}
