package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store-level counters, exported on /metrics by the app wiring.
var (
	threadsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_store_threads_created_total",
		Help: "Threads created.",
	})
	messagesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_store_messages_written_total",
		Help: "Message records written (appends, not streaming updates).",
	})
	branchOverrides = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_store_branch_overrides_total",
		Help: "Branch override writes.",
	})
	cascadeDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_store_cascade_deletes_total",
		Help: "Whole-thread cascade deletes.",
	})
	storageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_store_errors_total",
		Help: "Storage failures surfaced to callers.",
	})
)
