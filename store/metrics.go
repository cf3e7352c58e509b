package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bytesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dynslice",
		Subsystem: "store",
		Name:      "bytes_appended_total",
		Help:      "Bytes written into channel blocks.",
	})
	blocksAllocated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dynslice",
		Subsystem: "store",
		Name:      "blocks_allocated_total",
		Help:      "Blocks allocated by growing the store file.",
	})
	blocksReused = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dynslice",
		Subsystem: "store",
		Name:      "blocks_reused_total",
		Help:      "Blocks taken from the free list of removed channels.",
	})
)
