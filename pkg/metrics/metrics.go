package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EventsIngested counts inbound events by outcome (applied, duplicate,
// malformed, out_of_window, backpressure).
var EventsIngested = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "locates_events_ingested_total",
		Help: "Total inbound events by ingestion outcome",
	},
	[]string{"outcome"},
)

// RecomputeLatency records latency distribution for availability recomputes.
var RecomputeLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "locates_availability_recompute_seconds",
		Help:    "Latency in seconds to recompute an availability record",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
	},
)

// AvailabilityClamped counts recomputes that clamped a negative figure to zero.
var AvailabilityClamped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "locates_availability_clamped_total",
		Help: "Recomputes whose raw figure was negative and clamped to zero",
	},
)

// Workflow decision metrics
var (
	LocateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locates_locate_decisions_total",
			Help: "Locate workflow terminal decisions by outcome",
		},
		[]string{"outcome"},
	)

	ShortSellDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locates_short_sell_decisions_total",
			Help: "Short-sell workflow terminal decisions by outcome",
		},
		[]string{"outcome"},
	)

	DecisionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "locates_decision_latency_seconds",
			Help:    "End-to-end workflow decision latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"workflow"},
	)
)

// CacheStaleness tracks the age in seconds of the most recently read record per shard.
var CacheStaleness = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "locates_cache_staleness_seconds",
		Help: "Age of the availability record served by the local cache shard",
	},
	[]string{"shard"},
)

func init() {
	prometheus.MustRegister(EventsIngested, RecomputeLatency, AvailabilityClamped)
	prometheus.MustRegister(LocateDecisions, ShortSellDecisions, DecisionLatency)
	prometheus.MustRegister(CacheStaleness)
}
