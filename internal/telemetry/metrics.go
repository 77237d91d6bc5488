package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScorerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harrier",
		Subsystem: "scorer",
		Name:      "requests_total",
		Help:      "Scorer calls by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	ScorerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "harrier",
		Subsystem: "scorer",
		Name:      "request_duration_seconds",
		Help:      "Scorer call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	CasesOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harrier",
		Subsystem: "cases",
		Name:      "opened_total",
		Help:      "Cases opened by the submission pipeline.",
	})

	CaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harrier",
		Subsystem: "cases",
		Name:      "transitions_total",
		Help:      "Reviewer case updates by target status.",
	}, []string{"status"})

	RealtimeFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harrier",
		Subsystem: "realtime",
		Name:      "frames_total",
		Help:      "Push frames received and relayed, by outcome.",
	}, []string{"outcome"})

	RealtimeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "harrier",
		Subsystem: "realtime",
		Name:      "dashboard_connections",
		Help:      "Open dashboard websocket connections.",
	})

	QueryLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harrier",
		Subsystem: "query",
		Name:      "lookups_total",
		Help:      "Query cache lookups by operation and result.",
	}, []string{"operation", "result"})

	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "harrier",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
