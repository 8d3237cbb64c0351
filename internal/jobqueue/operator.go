// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Retry transitions the given dead-letter jobs back to pending, resetting
// next_eligible_at to now without resetting the attempt count.
func (q *Queue) Retry(ctx context.Context, jobIDs []string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE forward_jobs
		SET status = 'pending', next_eligible_at = now(), last_error_kind = NULL, last_error_detail = NULL
		WHERE id = ANY($1) AND status = 'dead-letter'
	`, pq.Array(jobIDs))
	if err != nil {
		return 0, fmt.Errorf("retry jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RetryAllDeadLetter transitions every dead-letter job back to pending.
func (q *Queue) RetryAllDeadLetter(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE forward_jobs
		SET status = 'pending', next_eligible_at = now(), last_error_kind = NULL, last_error_detail = NULL
		WHERE status = 'dead-letter'
	`)
	if err != nil {
		return 0, fmt.Errorf("retry all dead-letter jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Cancel transitions the given jobs to canceled if they are not already in
// a terminal state.
func (q *Queue) Cancel(ctx context.Context, jobIDs []string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE forward_jobs
		SET status = 'canceled', finished_at = now(), worker_lease_holder = NULL, lease_expires_at = NULL
		WHERE id = ANY($1) AND status NOT IN ('completed', 'dead-letter', 'canceled')
	`, pq.Array(jobIDs))
	if err != nil {
		return 0, fmt.Errorf("cancel jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Replay creates fresh ForwardJob rows — new ids, zero attempt count — for
// every existing Instance in the given study against the given
// destinations (or all enabled destinations if destinationIDs is empty).
// These are new rows, not edits of historical jobs.
func (q *Queue) Replay(ctx context.Context, studyInstanceUID string, destinationIDs []string) (int64, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin replay transaction: %w", err)
	}
	defer tx.Rollback()

	var instanceUIDs []string
	if err := tx.SelectContext(ctx, &instanceUIDs, `
		SELECT sop_instance_uid FROM instances WHERE study_instance_uid = $1
	`, studyInstanceUID); err != nil {
		return 0, fmt.Errorf("select instances for study %s: %w", studyInstanceUID, err)
	}

	var destIDs []string
	if len(destinationIDs) > 0 {
		destIDs = destinationIDs
	} else {
		if err := tx.SelectContext(ctx, &destIDs, `
			SELECT id FROM destinations WHERE enabled = true ORDER BY id
		`); err != nil {
			return 0, fmt.Errorf("select enabled destinations: %w", err)
		}
	}

	created := int64(0)
	now := time.Now().UTC()
	for _, instanceUID := range instanceUIDs {
		for _, destID := range destIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO forward_jobs (id, sop_instance_uid, destination_id, status, next_eligible_at, created_at)
				VALUES ($1, $2, $3, 'pending', $4, $4)
			`, uuid.NewString(), instanceUID, destID, now); err != nil {
				return 0, fmt.Errorf("insert replay job for instance %s destination %s: %w", instanceUID, destID, err)
			}
			created++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit replay: %w", err)
	}
	return created, nil
}
