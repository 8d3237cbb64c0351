// Copyright 2025 James Ross

// Package jobqueue implements durable, at-least-once delivery of
// ForwardJob work items: claim with skip-locked semantics, bounded
// retries with exponential backoff, and a terminal dead-letter state.
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/flyingrobots/dicom-gateway/internal/catalog"
	"github.com/flyingrobots/dicom-gateway/internal/classify"
	"github.com/flyingrobots/dicom-gateway/internal/config"
)

// Queue claims and finalizes ForwardJob rows against the Catalog's
// forward_jobs table.
type Queue struct {
	db  *sqlx.DB
	cfg *config.Config
	log *zap.Logger
}

// New wraps an already-opened, already-migrated database handle.
func New(db *sqlx.DB, cfg *config.Config, log *zap.Logger) *Queue {
	return &Queue{db: db, cfg: cfg, log: log}
}

// Claim selects up to limit eligible rows across all destinations — in
// {pending, retry-scheduled}, next_eligible_at <= now, and under each
// row's destination concurrency limit — and atomically marks them
// in-progress under workerID's lease, in one transaction using
// SELECT ... FOR UPDATE SKIP LOCKED.
func (q *Queue) Claim(ctx context.Context, workerID string, limit int) ([]catalog.ForwardJob, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	// The per-destination concurrency cap must be evaluated once for the
	// whole candidate set, not row-by-row: a correlated subquery counting
	// in-progress rows per candidate sees the same pre-claim snapshot for
	// every row in this batch, so it cannot see this batch's own earlier
	// selections and a single claim can overshoot the limit. Instead, rank
	// eligible rows per destination and bound the rank by the destination's
	// remaining capacity (limit minus rows already in-progress), so at most
	// `concurrency_limit - active_count` rows are ever selected for a given
	// destination in one claim.
	var jobs []catalog.ForwardJob
	err = tx.SelectContext(ctx, &jobs, `
		WITH active_counts AS (
			SELECT destination_id, count(*) AS active_count
			FROM forward_jobs
			WHERE status = 'in-progress'
			GROUP BY destination_id
		),
		ranked AS (
			SELECT j.id,
				row_number() OVER (
					PARTITION BY j.destination_id
					ORDER BY j.priority DESC, j.next_eligible_at ASC, j.id ASC
				) AS rn
			FROM forward_jobs j
			WHERE j.status IN ('pending', 'retry-scheduled')
				AND j.next_eligible_at <= now()
		)
		SELECT j.id, j.sop_instance_uid, j.destination_id, j.status, j.attempt_count,
			j.priority, j.next_eligible_at, j.last_error_kind, j.last_error_detail,
			j.worker_lease_holder, j.lease_expires_at, j.created_at, j.finished_at
		FROM forward_jobs j
		JOIN destinations d ON d.id = j.destination_id
		JOIN ranked r ON r.id = j.id
		LEFT JOIN active_counts ac ON ac.destination_id = j.destination_id
		WHERE r.rn <= (d.concurrency_limit - COALESCE(ac.active_count, 0))
		ORDER BY j.priority DESC, j.next_eligible_at ASC, j.id ASC
		LIMIT $1
		FOR UPDATE OF j SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable jobs: %w", err)
	}
	if len(jobs) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit empty claim: %w", err)
		}
		return nil, nil
	}

	ids := make([]string, len(jobs))
	for i := range jobs {
		ids[i] = jobs[i].ID
	}
	leaseExpiry := time.Now().Add(q.cfg.Forwarder.LeaseDuration)
	res, err := tx.ExecContext(ctx, `
		UPDATE forward_jobs
		SET status = 'in-progress', worker_lease_holder = $1, lease_expires_at = $2,
			attempt_count = attempt_count + 1
		WHERE id = ANY($3)
	`, workerID, leaseExpiry, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("mark jobs in-progress: %w", err)
	}
	if n, _ := res.RowsAffected(); int(n) != len(ids) {
		q.log.Warn("claim affected fewer rows than selected", zap.Int("selected", len(ids)), zap.Int64("affected", n))
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	for i := range jobs {
		jobs[i].Status = catalog.JobInProgress
		jobs[i].AttemptCount++
		jobs[i].WorkerLeaseHolder = &workerID
	}
	return jobs, nil
}

// Heartbeat extends a claimed job's lease, allowing long-running transfers
// to survive past the original lease duration without being reclaimed by
// the Supervisor.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string) error {
	leaseExpiry := time.Now().Add(q.cfg.Forwarder.LeaseDuration)
	res, err := q.db.ExecContext(ctx, `
		UPDATE forward_jobs SET lease_expires_at = $1
		WHERE id = $2 AND worker_lease_holder = $3 AND status = 'in-progress'
	`, leaseExpiry, jobID, workerID)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %s no longer held by %s", ErrLeaseLost, jobID, workerID)
	}
	return nil
}

// ErrLeaseLost is returned by Heartbeat and Complete/Fail when the job is
// no longer held by the calling worker — another worker reclaimed it
// after the Supervisor recovered an expired lease.
var ErrLeaseLost = fmt.Errorf("jobqueue: lease no longer held")

// Complete marks a job completed successfully.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE forward_jobs
		SET status = 'completed', finished_at = now(), worker_lease_holder = NULL, lease_expires_at = NULL
		WHERE id = $1 AND worker_lease_holder = $2 AND status = 'in-progress'
	`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %s", ErrLeaseLost, jobID)
	}
	return nil
}

// Fail resolves a claimed job per its classified disposition: retryable
// failures are rescheduled with backoff, permanent failures and jobs at
// max-attempts go to dead-letter.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, attempt int, kind classify.ErrorKind, detail string, disposition classify.Disposition) error {
	detail = truncateDetail(detail)
	kindStr := string(kind)

	if disposition == classify.Permanent || attempt >= q.cfg.Forwarder.MaxAttempts {
		res, err := q.db.ExecContext(ctx, `
			UPDATE forward_jobs
			SET status = 'dead-letter', finished_at = now(), worker_lease_holder = NULL,
				lease_expires_at = NULL, last_error_kind = $1, last_error_detail = $2
			WHERE id = $3 AND worker_lease_holder = $4 AND status = 'in-progress'
		`, kindStr, detail, jobID, workerID)
		if err != nil {
			return fmt.Errorf("dead-letter job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: job %s", ErrLeaseLost, jobID)
		}
		return nil
	}

	nextEligible := time.Now().Add(backoff(attempt, q.cfg.Forwarder.Backoff))
	res, err := q.db.ExecContext(ctx, `
		UPDATE forward_jobs
		SET status = 'retry-scheduled', next_eligible_at = $1, worker_lease_holder = NULL,
			lease_expires_at = NULL, last_error_kind = $2, last_error_detail = $3
		WHERE id = $4 AND worker_lease_holder = $5 AND status = 'in-progress'
	`, nextEligible, kindStr, detail, jobID, workerID)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %s", ErrLeaseLost, jobID)
	}
	return nil
}

func truncateDetail(detail string) string {
	const maxLen = 1024
	if len(detail) <= maxLen {
		return detail
	}
	return detail[:maxLen]
}
