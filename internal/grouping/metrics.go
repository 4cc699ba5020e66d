package grouping

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	groupingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "errtally_grouping_duration_seconds",
		Help:    "Time spent attaching a notice to its problem, including lock wait.",
		Buckets: prometheus.DefBuckets,
	})

	problemsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "errtally_problems_created_total",
		Help: "Problems created by first occurrences of a fingerprint.",
	})

	problemsReopened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "errtally_problems_reopened_total",
		Help: "Resolved problems reopened by a new notice.",
	})
)
