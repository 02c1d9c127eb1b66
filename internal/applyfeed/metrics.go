package applyfeed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "applyfeed_ingest_total",
		Help: "Webhook ingests by result.",
	}, []string{"result"})

	classificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "applyfeed_classifications_total",
		Help: "Classifications by the path that produced the status.",
	}, []string{"source", "status"})

	extractionAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "applyfeed_ai_extraction_attempts_total",
		Help: "AI extraction attempts by outcome.",
	}, []string{"outcome"})

	storeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "applyfeed_store_operation_seconds",
		Help:    "Record store load and save latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)
