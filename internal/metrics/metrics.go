package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Parse and repair outcomes
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeyload_outcomes_total",
			Help: "Terminal outcomes per source by kind (event, repaired, dead_letter, skip)",
		},
		[]string{"source", "kind"},
	)

	UncataloguedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeyload_uncatalogued_events_total",
			Help: "Committed events whose type is checked against the fallback contract",
		},
		[]string{"source"},
	)

	RepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeyload_repairs_total",
			Help: "Successful repairs by strategy",
		},
		[]string{"strategy"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeyload_dead_letters_total",
			Help: "Records dead-lettered by source and reason",
		},
		[]string{"source", "reason"},
	)

	QuarantinedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeyload_quarantined_events_total",
			Help: "Events committed with defaulted fields",
		},
		[]string{"source"},
	)

	// Flush and sink metrics
	FlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeyload_flushes_total",
			Help: "Batch flushes by result (success, transient_error, fatal_error)",
		},
		[]string{"source", "result"},
	)

	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "honeyload_flush_duration_seconds",
			Help:    "Duration of batch flushes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "honeyload_batch_size",
			Help:    "Number of events and dead letters per flushed batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	CommittedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeyload_committed_events_total",
			Help: "Events confirmed committed by the sink",
		},
		[]string{"source"},
	)

	PendingEvents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "honeyload_pending_events",
			Help: "Events and dead letters sealed in batches awaiting flush",
		},
		[]string{"source"},
	)

	CheckpointOffset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "honeyload_checkpoint_offset_bytes",
			Help: "Last committed read position",
		},
		[]string{"source"},
	)

	// BreakerState is 0 closed, 1 open, 2 half-open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "honeyload_breaker_state",
			Help: "Circuit breaker state per source (0 closed, 1 open, 2 half-open)",
		},
		[]string{"source"},
	)

	PipelineHalted = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "honeyload_pipeline_halted",
			Help: "1 when a source pipeline has halted, by reason",
		},
		[]string{"source", "reason"},
	)

	// Dead-letter reprocessing
	ReprocessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeyload_reprocessed_total",
			Help: "Dead letters reprocessed by result (repaired, still_failed, skipped)",
		},
		[]string{"result"},
	)

	// Post-commit consumers
	EnrichmentDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeyload_enrichment_dropped_total",
			Help: "Committed batches dropped from the enrichment path because its queue was full",
		},
		[]string{"consumer"},
	)

	EnrichmentErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeyload_enrichment_errors_total",
			Help: "Errors returned by post-commit consumers",
		},
		[]string{"consumer"},
	)

	EnrichmentEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "honeyload_enrichment_events_total",
			Help: "Events delivered to post-commit consumers",
		},
		[]string{"consumer"},
	)

	DeadLetterMirrorErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "honeyload_dead_letter_mirror_errors_total",
			Help: "Dead letters that could not be mirrored to the message bus",
		},
	)
)
