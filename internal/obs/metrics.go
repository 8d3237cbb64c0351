// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/dicom-gateway/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InstancesAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "instances_admitted_total",
		Help: "Total number of instances admitted to the catalog",
	})
	InstancesDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "instances_duplicate_total",
		Help: "Total number of duplicate instance receipts treated as idempotent",
	})
	InstancesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "instances_rejected_total",
		Help: "Total number of instances rejected due to hash collision",
	})
	JobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forward_jobs_claimed_total",
		Help: "Total number of forward jobs claimed by workers",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forward_jobs_completed_total",
		Help: "Total number of forward jobs completed successfully",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forward_jobs_retried_total",
		Help: "Total number of forward jobs scheduled for retry",
	})
	JobsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forward_jobs_dead_letter_total",
		Help: "Total number of forward jobs moved to dead-letter",
	})
	JobsCanceled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forward_jobs_canceled_total",
		Help: "Total number of forward jobs canceled by an operator",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "forward_job_duration_seconds",
		Help:    "Histogram of forward job processing durations",
		Buckets: prometheus.DefBuckets,
	})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "destination_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, labeled by destination",
	}, []string{"destination"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "destination_circuit_breaker_trips_total",
		Help: "Count of times a destination's circuit breaker transitioned to Open",
	}, []string{"destination"})
	LeasesRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leases_recovered_total",
		Help: "Total number of in-progress jobs recovered from an expired lease",
	})
	ScratchSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scratch_files_swept_total",
		Help: "Total number of orphaned scratch files removed by the supervisor",
	})
	AssociationsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "associations_accepted_total",
		Help: "Total number of inbound DICOM associations accepted",
	})
	AssociationsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "associations_rejected_total",
		Help: "Total number of inbound DICOM associations rejected",
	})
)

func init() {
	prometheus.MustRegister(
		InstancesAdmitted, InstancesDuplicate, InstancesRejected,
		JobsClaimed, JobsCompleted, JobsRetried, JobsDeadLetter, JobsCanceled,
		JobProcessingDuration, CircuitBreakerState, CircuitBreakerTrips,
		LeasesRecovered, ScratchSwept, AssociationsAccepted, AssociationsRejected,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; StartHTTPServer also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
