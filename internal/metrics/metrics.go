package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpguard_stream_delivered_total",
		Help: "Market updates delivered to a consumer queue",
	})
	StreamDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpguard_stream_dropped_total",
		Help: "Queued market updates dropped because a consumer fell behind",
	}, []string{"market"})
	StreamUnrouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpguard_stream_unrouted_total",
		Help: "Market updates received for a market with no consumer",
	})
	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpguard_stream_reconnects_total",
		Help: "Upstream resubscription attempts",
	})
	StreamState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpguard_stream_state",
		Help: "Upstream connection state (0 disconnected, 1 connecting, 2 connected, 3 degraded, 4 failed)",
	})

	SignalSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpguard_signal_skipped_total",
		Help: "Market updates ignored by a signal engine",
	}, []string{"reason"})
	EngineUpdateSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpguard_engine_update_seconds",
		Help:    "Time spent turning one update into a signal set",
		Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
	})
	CompositeScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpguard_composite_score",
		Help: "Last recorded composite opportunity score",
	}, []string{"market"})

	RiskDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpguard_risk_decisions_total",
		Help: "Risk guard decisions by entry point and action",
	}, []string{"mode", "action"})
	RiskUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpguard_risk_margin_utilization",
		Help: "Current used margin over equity",
	})
	RiskEmergencies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpguard_risk_emergency_total",
		Help: "Emergency deleverage events raised",
	})
	RiskEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpguard_risk_events_dropped_total",
		Help: "Emergency events dropped because the event buffer was full",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpguard_events_published_total",
		Help: "Emergency events published per sink",
	}, []string{"sink"})
	EventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpguard_events_failed_total",
		Help: "Emergency event publish failures per sink",
	}, []string{"sink"})

	RecorderWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpguard_recorder_writes_total",
		Help: "Ranking snapshots written to storage by result",
	}, []string{"result"})
)
