package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	issuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_codes_issued_total",
		Help: "Payment codes issued, by result.",
	}, []string{"result"})

	reconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_reconcile_total",
		Help: "Reconciliation attempts by flow and outcome.",
	}, []string{"flow", "outcome"})

	sweepTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_sweep_records_total",
		Help: "Records handled by the expiry sweeper, by pass and result.",
	}, []string{"pass", "result"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payrecon_sweep_duration_seconds",
		Help:    "Duration of one full sweep.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)
