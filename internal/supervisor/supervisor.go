// Copyright 2025 James Ross

// Package supervisor runs the gateway's background maintenance loops:
// recovering leases abandoned by a dead or stalled Forwarder worker, and
// sweeping orphaned scratch files left behind by an interrupted Object
// Store publish. Neither loop is load-bearing for correctness on its own
// — a lost lease or an orphan file is eventually found regardless of
// sweep timing — but without them the system degrades slowly instead of
// recovering.
package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/dicom-gateway/internal/config"
	"github.com/flyingrobots/dicom-gateway/internal/jobqueue"
	"github.com/flyingrobots/dicom-gateway/internal/obs"
	"github.com/flyingrobots/dicom-gateway/internal/objectstore"
)

// Supervisor owns the periodic lease-recovery and scratch-sweep loops.
type Supervisor struct {
	cfg   *config.Config
	q     *jobqueue.Queue
	store *objectstore.Store
	log   *zap.Logger
}

// New constructs a Supervisor over an already-opened Job Queue and Object
// Store.
func New(cfg *config.Config, q *jobqueue.Queue, store *objectstore.Store, log *zap.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, q: q, store: store, log: log}
}

// Run blocks until ctx is canceled, running the lease-recovery sweep on
// cfg.Supervisor.SweepInterval and the scratch sweep on a fixed, coarser
// cadence since scratch-file cleanup is far less urgent than reclaiming a
// stuck job.
func (s *Supervisor) Run(ctx context.Context) {
	leaseTicker := time.NewTicker(s.cfg.Supervisor.SweepInterval)
	defer leaseTicker.Stop()
	scratchTicker := time.NewTicker(s.cfg.ObjectStore.ScratchHorizon / 4)
	defer scratchTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-leaseTicker.C:
			s.recoverLeasesOnce(ctx)
		case <-scratchTicker.C:
			s.sweepScratchOnce(ctx)
		}
	}
}

func (s *Supervisor) recoverLeasesOnce(ctx context.Context) {
	n, err := s.q.RecoverExpiredLeases(ctx)
	if err != nil {
		s.log.Warn("lease recovery sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		obs.LeasesRecovered.Add(float64(n))
		s.log.Warn("recovered jobs with expired leases", zap.Int64("count", n))
	}
}

func (s *Supervisor) sweepScratchOnce(ctx context.Context) {
	n, err := s.store.SweepOrphans(ctx, s.cfg.ObjectStore.ScratchHorizon)
	if err != nil {
		s.log.Warn("scratch sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		obs.ScratchSwept.Add(float64(n))
		s.log.Info("swept orphaned scratch files", zap.Int("count", n))
	}
}
