// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"fmt"
)

// RecoverExpiredLeases transitions every in-progress job whose lease has
// expired back to pending, making it claimable again. A worker that died
// or stalled mid-transfer without heartbeating loses its claim this way;
// the job itself carries no memory of the abandoned attempt beyond its
// attempt_count, which is not rolled back.
func (q *Queue) RecoverExpiredLeases(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE forward_jobs
		SET status = 'pending', worker_lease_holder = NULL, lease_expires_at = NULL
		WHERE status = 'in-progress' AND lease_expires_at < now()
	`)
	if err != nil {
		return 0, fmt.Errorf("recover expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover expired leases rows affected: %w", err)
	}
	return n, nil
}
