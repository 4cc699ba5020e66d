package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var noticesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "errtally_notices_ingested_total",
	Help: "Notice submissions by outcome.",
}, []string{"result"})
