// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/dicom-gateway/internal/catalog"
)

func TestStatsGroupsByStatus(t *testing.T) {
	q, mock := newMockQueue(t)
	mock.ExpectQuery(`SELECT status, count\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 3).
			AddRow("dead-letter", 1))

	counts, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), counts[catalog.JobPending])
	require.Equal(t, int64(1), counts[catalog.JobDeadLetter])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDeadLetterReturnsJobs(t *testing.T) {
	q, mock := newMockQueue(t)
	mock.ExpectQuery(`SELECT id, sop_instance_uid`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sop_instance_uid", "destination_id", "status", "attempt_count", "priority",
			"next_eligible_at", "last_error_kind", "last_error_detail", "worker_lease_holder",
			"lease_expires_at", "created_at", "finished_at",
		}).AddRow(
			"job-1", "1.2.3.S.1.1", "dest-1", catalog.JobDeadLetter, 5, 0,
			time.Now(), nil, nil, nil, nil, time.Now(), nil,
		))

	jobs, err := q.ListDeadLetter(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "job-1", jobs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
