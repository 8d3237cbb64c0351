// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"fmt"

	"github.com/flyingrobots/dicom-gateway/internal/catalog"
)

// StatusCounts is the number of ForwardJob rows in each status, keyed by
// catalog.JobStatus.
type StatusCounts map[catalog.JobStatus]int64

// Stats returns a count of ForwardJob rows grouped by status, across all
// destinations.
func (q *Queue) Stats(ctx context.Context) (StatusCounts, error) {
	rows, err := q.db.QueryxContext(ctx, `
		SELECT status, count(*) FROM forward_jobs GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("query job status counts: %w", err)
	}
	defer rows.Close()

	counts := make(StatusCounts)
	for rows.Next() {
		var status catalog.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job status counts: %w", err)
	}
	return counts, nil
}

// ListDeadLetter returns up to limit dead-letter jobs, most recently
// finished first, for operator review before Retry or Cancel. A limit
// outside 1..1000 is replaced by 100.
func (q *Queue) ListDeadLetter(ctx context.Context, limit int) ([]catalog.ForwardJob, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var jobs []catalog.ForwardJob
	err := q.db.SelectContext(ctx, &jobs, `
		SELECT id, sop_instance_uid, destination_id, status, attempt_count,
			priority, next_eligible_at, last_error_kind, last_error_detail,
			worker_lease_holder, lease_expires_at, created_at, finished_at
		FROM forward_jobs
		WHERE status = 'dead-letter'
		ORDER BY finished_at DESC NULLS LAST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead-letter jobs: %w", err)
	}
	return jobs, nil
}
