package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// chatRequestsTotal counts chat calls by provider and outcome.
	chatRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmind",
			Subsystem: "llm",
			Name:      "chat_requests_total",
			Help:      "Total number of chat completion calls",
		},
		[]string{"provider", "outcome"},
	)

	// chatRetriesTotal counts retry attempts by provider.
	chatRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmind",
			Subsystem: "llm",
			Name:      "chat_retries_total",
			Help:      "Total number of chat retry attempts",
		},
		[]string{"provider"},
	)

	// chatDuration tracks successful chat call latency, repairs included.
	chatDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docmind",
			Subsystem: "llm",
			Name:      "chat_duration_seconds",
			Help:      "Duration of successful chat completion calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// streamErrorsTotal counts streaming failures by provider.
	streamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmind",
			Subsystem: "llm",
			Name:      "stream_errors_total",
			Help:      "Total number of streaming chat failures",
		},
		[]string{"provider"},
	)
)
