package vectorstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upsertChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docmind",
		Subsystem: "vectorstore",
		Name:      "upsert_chunks_total",
		Help:      "Chunks upserted, labeled by outcome.",
	}, []string{"outcome"})

	upsertSplitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docmind",
		Subsystem: "vectorstore",
		Name:      "upsert_splits_total",
		Help:      "Batch splits performed while isolating upsert failures.",
	})

	upsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "docmind",
		Subsystem: "vectorstore",
		Name:      "upsert_duration_seconds",
		Help:      "End-to-end upsert latency.",
		Buckets:   prometheus.DefBuckets,
	})

	queriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docmind",
		Subsystem: "vectorstore",
		Name:      "queries_total",
		Help:      "Similarity queries served.",
	})
)
