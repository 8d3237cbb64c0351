// Copyright 2025 James Ross

// Package admin implements the operator-facing verbs used by the gateway's
// CLI and any future console: inspecting queue depth, listing and acting on
// dead-lettered jobs, and replaying a study's forwarding jobs against one or
// more destinations.
package admin

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/flyingrobots/dicom-gateway/internal/catalog"
	"github.com/flyingrobots/dicom-gateway/internal/jobqueue"
)

// Admin wraps the Job Queue and Catalog with the read/act surface an
// operator needs, independent of how it's invoked (CLI flag, future TUI).
type Admin struct {
	q   *jobqueue.Queue
	cat *catalog.Catalog
	log *zap.Logger
}

// New constructs an Admin over an already-opened Queue and Catalog.
func New(q *jobqueue.Queue, cat *catalog.Catalog, log *zap.Logger) *Admin {
	return &Admin{q: q, cat: cat, log: log}
}

// Stats reports how many ForwardJob rows are in each status.
func (a *Admin) Stats(ctx context.Context) (jobqueue.StatusCounts, error) {
	counts, err := a.q.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("admin stats: %w", err)
	}
	return counts, nil
}

// ListDeadLetter returns up to limit dead-letter jobs for operator review.
func (a *Admin) ListDeadLetter(ctx context.Context, limit int) ([]catalog.ForwardJob, error) {
	jobs, err := a.q.ListDeadLetter(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("admin list dead-letter: %w", err)
	}
	return jobs, nil
}

// Retry moves the given dead-letter jobs back to pending.
func (a *Admin) Retry(ctx context.Context, jobIDs []string) (int64, error) {
	n, err := a.q.Retry(ctx, jobIDs)
	if err != nil {
		return 0, fmt.Errorf("admin retry: %w", err)
	}
	a.log.Info("operator retried dead-letter jobs", zap.Int64("count", n), zap.Strings("job_ids", jobIDs))
	return n, nil
}

// RetryAllDeadLetter moves every dead-letter job back to pending.
func (a *Admin) RetryAllDeadLetter(ctx context.Context) (int64, error) {
	n, err := a.q.RetryAllDeadLetter(ctx)
	if err != nil {
		return 0, fmt.Errorf("admin retry all: %w", err)
	}
	a.log.Info("operator retried all dead-letter jobs", zap.Int64("count", n))
	return n, nil
}

// Cancel transitions the given jobs to canceled, unless already terminal.
func (a *Admin) Cancel(ctx context.Context, jobIDs []string) (int64, error) {
	n, err := a.q.Cancel(ctx, jobIDs)
	if err != nil {
		return 0, fmt.Errorf("admin cancel: %w", err)
	}
	a.log.Info("operator canceled jobs", zap.Int64("count", n), zap.Strings("job_ids", jobIDs))
	return n, nil
}

// Replay creates fresh forwarding jobs for every instance in a study
// against the given destinations, or all enabled destinations if none are
// given. Used after a destination outage or a retention/config change that
// makes an already-delivered study eligible for re-delivery.
func (a *Admin) Replay(ctx context.Context, studyInstanceUID string, destinationIDs []string) (int64, error) {
	n, err := a.q.Replay(ctx, studyInstanceUID, destinationIDs)
	if err != nil {
		return 0, fmt.Errorf("admin replay: %w", err)
	}
	a.log.Info("operator replayed study", zap.String("study_instance_uid", studyInstanceUID),
		zap.Int64("jobs_created", n), zap.Strings("destination_ids", destinationIDs))
	return n, nil
}
