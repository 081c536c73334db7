package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client-side counters, labeled by nothing: one read client process serves
// one task attempt.
var (
	connectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "rss_read_client",
		Name:      "connect_attempts_total",
		Help:      "Connection attempts to server replication groups.",
	})
	connectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "rss_read_client",
		Name:      "connect_failures_total",
		Help:      "Failed connection attempts to server replication groups.",
	})
	recordsRead = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "rss_read_client",
		Name:      "records_read_total",
		Help:      "Records returned to callers across all groups.",
	})
)
