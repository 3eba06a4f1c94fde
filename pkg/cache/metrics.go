package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookupsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stash_lookups_total",
		Help: "Total number of cache key lookups.",
	}, []string{"cache", "status" /* hit | miss */})
	evictionsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stash_evicted_entries_total",
		Help: "Total number of entries evicted by a policy.",
	}, []string{"cache", "policy" /* max_count | max_lifetime */})
	loadsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stash_loads_total",
		Help: "Total number of persisted store loads.",
	}, []string{"cache", "status" /* ok | missing | error */})
	savesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stash_saves_total",
		Help: "Total number of persisted store writes.",
	}, []string{"cache", "status" /* ok | error */})
	droppedEventsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stash_dropped_events_total",
		Help: "Total number of events dropped because a subscriber was full.",
	}, []string{"cache"})
)
