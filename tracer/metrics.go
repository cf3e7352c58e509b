package tracer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Per-value counts are accumulated per thread and published on Finish so
// the recording fast path stays free of shared atomics.
var (
	valuesTraced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dynslice",
		Subsystem: "tracer",
		Name:      "values_traced_total",
		Help:      "Values recorded into trace sequences.",
	})
	valuesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dynslice",
		Subsystem: "tracer",
		Name:      "values_dropped_total",
		Help:      "Values dropped because the recording guard was engaged.",
	})
	recordingFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dynslice",
		Subsystem: "tracer",
		Name:      "recording_failures_total",
		Help:      "Threads whose tracing was disabled by a write failure.",
	})
	sequencesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dynslice",
		Subsystem: "tracer",
		Name:      "sequences_finished_total",
		Help:      "Sequences finalized, by storage strategy.",
	}, []string{"strategy"})
	sequenceSpills = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dynslice",
		Subsystem: "tracer",
		Name:      "sequence_spills_total",
		Help:      "Switching sequences that outgrew their in-memory buffer.",
	})
	sequencesDeflated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dynslice",
		Subsystem: "tracer",
		Name:      "sequences_deflated_total",
		Help:      "Switching sequences stored deflate-compressed.",
	})
)
