// Copyright 2025 James Ross

// Package forwarder implements the DICOM SCU side of the gateway: it
// claims ForwardJobs, opens an association to the job's destination, and
// relays the stored object byte-for-byte over a single C-STORE exchange.
// Each destination carries its own circuit breaker so a failing peer
// cannot starve workers assigned to healthy ones.
package forwarder

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/dicom-gateway/internal/breaker"
	"github.com/flyingrobots/dicom-gateway/internal/catalog"
	"github.com/flyingrobots/dicom-gateway/internal/classify"
	"github.com/flyingrobots/dicom-gateway/internal/config"
	"github.com/flyingrobots/dicom-gateway/internal/jobqueue"
	"github.com/flyingrobots/dicom-gateway/internal/obs"
	"github.com/flyingrobots/dicom-gateway/internal/objectstore"
)

// Forwarder runs a pool of claim-process-finalize workers, one goroutine
// per configured worker slot, grounded on the teacher's worker pool shape.
type Forwarder struct {
	cfg     *config.Config
	q       *jobqueue.Queue
	cat     *catalog.Catalog
	store   *objectstore.Store
	log     *zap.Logger
	wakeups <-chan struct{}

	mu       sync.Mutex
	breakers map[string]*breaker.CircuitBreaker
}

// New constructs a Forwarder. wakeups may be nil; when present it is
// treated purely as a hint to poll sooner, never load-bearing.
func New(cfg *config.Config, q *jobqueue.Queue, cat *catalog.Catalog, store *objectstore.Store, log *zap.Logger, wakeups <-chan struct{}) *Forwarder {
	return &Forwarder{
		cfg:      cfg,
		q:        q,
		cat:      cat,
		store:    store,
		log:      log,
		wakeups:  wakeups,
		breakers: make(map[string]*breaker.CircuitBreaker),
	}
}

// Run blocks until ctx is canceled, running cfg.Forwarder.Count claim
// workers concurrently.
func (f *Forwarder) Run(ctx context.Context) error {
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())

	var wg sync.WaitGroup
	for i := 0; i < f.cfg.Forwarder.Count; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", base, i)
		go func() {
			defer wg.Done()
			f.runOne(ctx, workerID)
		}()
	}

	go f.reportBreakerStates(ctx)

	wg.Wait()
	return nil
}

func (f *Forwarder) runOne(ctx context.Context, workerID string) {
	ticker := time.NewTicker(f.cfg.Forwarder.PollInterval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		jobs, err := f.q.Claim(ctx, workerID, f.cfg.Forwarder.ClaimBatch)
		if err != nil {
			f.log.Warn("claim failed", zap.String("worker_id", workerID), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.cfg.Forwarder.PollInterval):
			}
			continue
		}

		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-f.wakeups:
			}
			continue
		}

		obs.JobsClaimed.Add(float64(len(jobs)))
		for _, job := range jobs {
			f.process(ctx, workerID, job)
		}
	}
}

func (f *Forwarder) breakerFor(destinationID string) *breaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[destinationID]
	if !ok {
		cb = breaker.New(f.cfg.CircuitBreaker.Window, f.cfg.CircuitBreaker.CooldownPeriod,
			f.cfg.CircuitBreaker.FailureThreshold, f.cfg.CircuitBreaker.MinSamples)
		f.breakers[destinationID] = cb
	}
	return cb
}

func (f *Forwarder) process(ctx context.Context, workerID string, job catalog.ForwardJob) {
	start := time.Now()
	defer func() {
		obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	cb := f.breakerFor(job.DestinationID)
	if !cb.Allow() {
		f.fail(ctx, workerID, job, classify.NetworkTransient, classify.Retryable, "circuit breaker open for destination")
		return
	}

	dest, err := f.cat.GetDestination(ctx, job.DestinationID)
	if err != nil {
		f.fail(ctx, workerID, job, classify.CatalogUnavailable, classify.Retryable, err.Error())
		return
	}
	inst, err := f.cat.QueryInstance(ctx, job.SOPInstanceUID)
	if err != nil {
		// Same class of failure as the GetDestination read above: a
		// Catalog/DB hiccup, not a reason to give up on the object.
		f.fail(ctx, workerID, job, classify.CatalogUnavailable, classify.Retryable, err.Error())
		return
	}

	stopHeartbeat := f.startHeartbeat(ctx, job.ID, workerID)
	status, sendErr := f.sendObject(ctx, dest, inst)
	stopHeartbeat()

	if sendErr != nil {
		kind := classify.ClassifyIOError(sendErr)
		disposition := classify.DispositionFromErrorKind(kind)
		f.recordBreakerResult(cb, job.DestinationID, false, string(kind))
		f.fail(ctx, workerID, job, kind, disposition, sendErr.Error())
		return
	}

	kind, disposition := classify.ClassifyPeerStatus(status)
	ok := disposition == classify.Success || disposition == classify.SuccessWithWarning
	f.recordBreakerResult(cb, job.DestinationID, ok, string(kind))

	switch disposition {
	case classify.Success, classify.SuccessWithWarning:
		if err := f.q.Complete(ctx, job.ID, workerID); err != nil {
			f.log.Warn("complete failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		obs.JobsCompleted.Inc()
	default:
		f.fail(ctx, workerID, job, kind, disposition, fmt.Sprintf("peer returned status 0x%04X", status))
	}
}

func (f *Forwarder) recordBreakerResult(cb *breaker.CircuitBreaker, destinationID string, ok bool, reason string) {
	prev := cb.State()
	cb.Record(ok, reason)
	if curr := cb.State(); prev != curr && curr == breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues(destinationID).Inc()
		f.log.Warn("circuit breaker tripped open",
			zap.String("destination_id", destinationID),
			zap.String("reason", cb.LastTripReason()))
	}
}

func (f *Forwarder) fail(ctx context.Context, workerID string, job catalog.ForwardJob, kind classify.ErrorKind, disposition classify.Disposition, detail string) {
	if err := f.q.Fail(ctx, job.ID, workerID, job.AttemptCount, kind, detail, disposition); err != nil {
		f.log.Warn("fail failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if disposition == classify.Permanent {
		obs.JobsDeadLetter.Inc()
	} else {
		obs.JobsRetried.Inc()
	}
}

// startHeartbeat extends a claimed job's lease periodically while a
// transfer is in flight, returning a function that stops the extension.
func (f *Forwarder) startHeartbeat(ctx context.Context, jobID, workerID string) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(f.cfg.Forwarder.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.q.Heartbeat(ctx, jobID, workerID); err != nil {
					f.log.Warn("heartbeat failed", zap.String("job_id", jobID), zap.Error(err))
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}

func (f *Forwarder) reportBreakerStates(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			for destID, cb := range f.breakers {
				obs.CircuitBreakerState.WithLabelValues(destID).Set(float64(cb.State()))
			}
			f.mu.Unlock()
		}
	}
}
