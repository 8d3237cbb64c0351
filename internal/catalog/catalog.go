// Copyright 2025 James Ross
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrHashMismatch is returned by Admit when an instance with the same UID
// already exists but its content hash does not match the new attempt.
var ErrHashMismatch = errors.New("catalog: instance exists with differing content hash")

// Catalog owns all reads and writes against the relational schema.
type Catalog struct {
	db  *sqlx.DB
	log *zap.Logger
}

// New wraps an already-opened, already-migrated database handle.
func New(db *sqlx.DB, log *zap.Logger) *Catalog {
	return &Catalog{db: db, log: log}
}

// AdmitInput carries everything Admit needs to insert an Instance and
// upsert its Study/Series aggregates.
type AdmitInput struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
	Modality          string
	PatientID         string
	AccessionNumber   string
	ByteLength        int64
	ContentHash       string
	StoragePath       string
}

// AdmitResult reports the outcome of an Admit call.
type AdmitResult struct {
	Instance       Instance
	AlreadyExisted bool
	JobsCreated    int
}

// Admit inserts the Instance row and upserts Study/Series aggregate
// counters inside one transaction, then creates one ForwardJob per
// enabled Destination whose forwarding rule matches. If an Instance with
// the same SOP Instance UID already exists, Admit is a no-op: it returns
// the existing row and creates no additional jobs.
//
// Row locks are acquired in (destination, study, series) order across all
// Admit calls to prevent deadlocks between concurrent receivers.
func (c *Catalog) Admit(ctx context.Context, in AdmitInput) (AdmitResult, error) {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("begin admit transaction: %w", err)
	}
	defer tx.Rollback()

	existing, found, err := c.lockExistingInstance(ctx, tx, in.SOPInstanceUID)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("check existing instance: %w", err)
	}
	if found {
		if existing.ContentHash != in.ContentHash {
			return AdmitResult{}, fmt.Errorf("%w: sop_instance_uid=%s", ErrHashMismatch, in.SOPInstanceUID)
		}
		if err := tx.Commit(); err != nil {
			return AdmitResult{}, fmt.Errorf("commit admit no-op: %w", err)
		}
		return AdmitResult{Instance: existing, AlreadyExisted: true}, nil
	}

	destinations, err := c.lockEnabledDestinations(ctx, tx)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("lock destinations: %w", err)
	}

	now := time.Now().UTC()
	if err := c.upsertStudy(ctx, tx, in, now); err != nil {
		return AdmitResult{}, fmt.Errorf("upsert study: %w", err)
	}
	if err := c.upsertSeries(ctx, tx, in); err != nil {
		return AdmitResult{}, fmt.Errorf("upsert series: %w", err)
	}

	instance := Instance{
		SOPInstanceUID:    in.SOPInstanceUID,
		StudyInstanceUID:  in.StudyInstanceUID,
		SeriesInstanceUID: in.SeriesInstanceUID,
		SOPClassUID:       in.SOPClassUID,
		TransferSyntaxUID: in.TransferSyntaxUID,
		ByteLength:        in.ByteLength,
		ContentHash:       in.ContentHash,
		StoragePath:       in.StoragePath,
		ReceivedAt:        now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instances (sop_instance_uid, study_instance_uid, series_instance_uid,
			sop_class_uid, transfer_syntax_uid, byte_length, content_hash, storage_path, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, instance.SOPInstanceUID, instance.StudyInstanceUID, instance.SeriesInstanceUID,
		instance.SOPClassUID, instance.TransferSyntaxUID, instance.ByteLength,
		instance.ContentHash, instance.StoragePath, instance.ReceivedAt); err != nil {
		if IsUniqueViolation(err) {
			// A concurrent Admit inserted the same instance after the
			// existence check above; answer as in the found case.
			tx.Rollback()
			existing, qerr := c.QueryInstance(ctx, in.SOPInstanceUID)
			if qerr != nil {
				return AdmitResult{}, fmt.Errorf("re-read instance after unique violation: %w", qerr)
			}
			if existing.ContentHash != in.ContentHash {
				return AdmitResult{}, fmt.Errorf("%w: sop_instance_uid=%s", ErrHashMismatch, in.SOPInstanceUID)
			}
			return AdmitResult{Instance: existing, AlreadyExisted: true}, nil
		}
		return AdmitResult{}, fmt.Errorf("insert instance: %w", err)
	}

	jobsCreated := 0
	for _, dest := range destinations {
		rule, err := ParseForwardingRule(dest.ForwardingRule)
		if err != nil {
			c.log.Warn("destination has unparseable forwarding rule, skipping",
				zap.String("destination_id", dest.ID), zap.Error(err))
			continue
		}
		if !rule.Matches(in.Modality, in.SOPClassUID) {
			continue
		}
		if err := c.insertForwardJob(ctx, tx, in.SOPInstanceUID, dest.ID, dest.Priority); err != nil {
			return AdmitResult{}, fmt.Errorf("insert forward job for destination %s: %w", dest.ID, err)
		}
		jobsCreated++
	}

	if jobsCreated > 0 {
		// The channel name mirrors internal/jobqueue.NotifyChannel;
		// duplicated as a literal rather than imported to keep the Catalog
		// independent of the Job Queue layer built on top of it.
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify('forward_job_inserted', '')`); err != nil {
			return AdmitResult{}, fmt.Errorf("notify forward job inserted: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return AdmitResult{}, fmt.Errorf("commit admit: %w", err)
	}
	return AdmitResult{Instance: instance, JobsCreated: jobsCreated}, nil
}

func (c *Catalog) lockExistingInstance(ctx context.Context, tx *sqlx.Tx, sopInstanceUID string) (Instance, bool, error) {
	var inst Instance
	err := tx.GetContext(ctx, &inst, `
		SELECT sop_instance_uid, study_instance_uid, series_instance_uid, sop_class_uid,
			transfer_syntax_uid, byte_length, content_hash, storage_path, received_at
		FROM instances WHERE sop_instance_uid = $1 FOR UPDATE
	`, sopInstanceUID)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, false, nil
	}
	if err != nil {
		return Instance{}, false, err
	}
	return inst, true, nil
}

func (c *Catalog) lockEnabledDestinations(ctx context.Context, tx *sqlx.Tx) ([]Destination, error) {
	var dests []Destination
	err := tx.SelectContext(ctx, &dests, `
		SELECT id, name, called_ae_title, host, port, tls_policy, enabled,
			forwarding_rule, concurrency_limit, priority
		FROM destinations WHERE enabled = true ORDER BY id FOR UPDATE
	`)
	return dests, err
}

func (c *Catalog) upsertStudy(ctx context.Context, tx *sqlx.Tx, in AdmitInput, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO studies (study_instance_uid, patient_id, accession_number,
			first_received_at, last_received_at, instance_count, byte_count)
		VALUES ($1, $2, $3, $4, $4, 1, $5)
		ON CONFLICT (study_instance_uid) DO UPDATE SET
			last_received_at = $4,
			instance_count = studies.instance_count + 1,
			byte_count = studies.byte_count + $5
	`, in.StudyInstanceUID, in.PatientID, in.AccessionNumber, now, in.ByteLength)
	return err
}

func (c *Catalog) upsertSeries(ctx context.Context, tx *sqlx.Tx, in AdmitInput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO series (series_instance_uid, study_instance_uid, modality, instance_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (series_instance_uid) DO UPDATE SET
			instance_count = series.instance_count + 1
	`, in.SeriesInstanceUID, in.StudyInstanceUID, in.Modality)
	return err
}

func (c *Catalog) insertForwardJob(ctx context.Context, tx *sqlx.Tx, sopInstanceUID, destinationID string, priority int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO forward_jobs (id, sop_instance_uid, destination_id, status, priority, next_eligible_at)
		VALUES ($1, $2, $3, 'pending', $4, now())
	`, uuid.NewString(), sopInstanceUID, destinationID, priority)
	return err
}

// QueryInstance fetches an Instance by its SOP Instance UID.
func (c *Catalog) QueryInstance(ctx context.Context, sopInstanceUID string) (Instance, error) {
	var inst Instance
	err := c.db.GetContext(ctx, &inst, `
		SELECT sop_instance_uid, study_instance_uid, series_instance_uid, sop_class_uid,
			transfer_syntax_uid, byte_length, content_hash, storage_path, received_at
		FROM instances WHERE sop_instance_uid = $1
	`, sopInstanceUID)
	if err != nil {
		return Instance{}, fmt.Errorf("query instance %s: %w", sopInstanceUID, err)
	}
	return inst, nil
}

// QueryDestinationsForInstance returns the destinations that currently have
// a ForwardJob for the given instance, regardless of job status.
func (c *Catalog) QueryDestinationsForInstance(ctx context.Context, sopInstanceUID string) ([]Destination, error) {
	var dests []Destination
	err := c.db.SelectContext(ctx, &dests, `
		SELECT DISTINCT d.id, d.name, d.called_ae_title, d.host, d.port, d.tls_policy,
			d.enabled, d.forwarding_rule, d.concurrency_limit, d.priority
		FROM destinations d
		JOIN forward_jobs j ON j.destination_id = d.id
		WHERE j.sop_instance_uid = $1
	`, sopInstanceUID)
	if err != nil {
		return nil, fmt.Errorf("query destinations for instance %s: %w", sopInstanceUID, err)
	}
	return dests, nil
}

// GetDestination fetches one Destination by ID, for Forwarder workers
// resolving a claimed ForwardJob's target.
func (c *Catalog) GetDestination(ctx context.Context, id string) (Destination, error) {
	var dest Destination
	err := c.db.GetContext(ctx, &dest, `
		SELECT id, name, called_ae_title, host, port, tls_policy, enabled,
			forwarding_rule, concurrency_limit, priority
		FROM destinations WHERE id = $1
	`, id)
	if err != nil {
		return Destination{}, fmt.Errorf("get destination %s: %w", id, err)
	}
	return dest, nil
}

// RecordIngestEvent appends one audit row for a receive attempt.
func (c *Catalog) RecordIngestEvent(ctx context.Context, ev IngestEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO ingest_events (id, association_id, peer_ae, sop_instance_uid, result, byte_count, occurred_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.AssociationID, ev.PeerAE, ev.SOPInstanceUID, ev.Result, ev.ByteCount, ev.OccurredAt, ev.DurationMS)
	if err != nil {
		return fmt.Errorf("record ingest event: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, used by callers that need to distinguish a benign race from a
// real failure around the instance insert.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
