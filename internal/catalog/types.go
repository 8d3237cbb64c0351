// Copyright 2025 James Ross
package catalog

import "time"

// Instance is a single received DICOM object. Instances are created
// exactly once on first successful receipt and never mutated afterward.
type Instance struct {
	SOPInstanceUID    string    `db:"sop_instance_uid"`
	StudyInstanceUID  string    `db:"study_instance_uid"`
	SeriesInstanceUID string    `db:"series_instance_uid"`
	SOPClassUID       string    `db:"sop_class_uid"`
	TransferSyntaxUID string    `db:"transfer_syntax_uid"`
	ByteLength        int64     `db:"byte_length"`
	ContentHash       string    `db:"content_hash"`
	StoragePath       string    `db:"storage_path"`
	ReceivedAt        time.Time `db:"received_at"`
}

// Study aggregates counters across an entire Study Instance UID.
type Study struct {
	StudyInstanceUID string    `db:"study_instance_uid"`
	PatientID        string    `db:"patient_id"`
	AccessionNumber  string    `db:"accession_number"`
	FirstReceivedAt  time.Time `db:"first_received_at"`
	LastReceivedAt   time.Time `db:"last_received_at"`
	InstanceCount    int64     `db:"instance_count"`
	ByteCount        int64     `db:"byte_count"`
}

// Series aggregates counters across one Series Instance UID.
type Series struct {
	SeriesInstanceUID string `db:"series_instance_uid"`
	StudyInstanceUID  string `db:"study_instance_uid"`
	Modality          string `db:"modality"`
	InstanceCount     int64  `db:"instance_count"`
}

// Destination is a configured forwarding target. The Catalog observes
// destinations as read-mostly; CRUD on them is outside the core's scope.
type Destination struct {
	ID               string `db:"id"`
	Name             string `db:"name"`
	CalledAETitle    string `db:"called_ae_title"`
	Host             string `db:"host"`
	Port             int    `db:"port"`
	TLSPolicy        string `db:"tls_policy"`
	Enabled          bool   `db:"enabled"`
	ForwardingRule   []byte `db:"forwarding_rule"`
	ConcurrencyLimit int    `db:"concurrency_limit"`
	Priority         int    `db:"priority"`
}

// JobStatus is one state in the ForwardJob state machine.
type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobInProgress     JobStatus = "in-progress"
	JobRetryScheduled JobStatus = "retry-scheduled"
	JobCompleted      JobStatus = "completed"
	JobDeadLetter     JobStatus = "dead-letter"
	JobCanceled       JobStatus = "canceled"
)

// ForwardJob is one (instance, destination) forwarding attempt lineage.
type ForwardJob struct {
	ID                string     `db:"id"`
	SOPInstanceUID    string     `db:"sop_instance_uid"`
	DestinationID      string     `db:"destination_id"`
	Status             JobStatus  `db:"status"`
	AttemptCount       int        `db:"attempt_count"`
	Priority           int        `db:"priority"`
	NextEligibleAt     time.Time  `db:"next_eligible_at"`
	LastErrorKind      *string    `db:"last_error_kind"`
	LastErrorDetail    *string    `db:"last_error_detail"`
	WorkerLeaseHolder  *string    `db:"worker_lease_holder"`
	LeaseExpiresAt     *time.Time `db:"lease_expires_at"`
	CreatedAt          time.Time  `db:"created_at"`
	FinishedAt         *time.Time `db:"finished_at"`
}

// IngestEvent is one append-only audit record of a receive attempt,
// successful or not.
type IngestEvent struct {
	ID              string    `db:"id"`
	AssociationID   string    `db:"association_id"`
	PeerAE          string    `db:"peer_ae"`
	SOPInstanceUID  *string   `db:"sop_instance_uid"`
	Result          string    `db:"result"`
	ByteCount       int64     `db:"byte_count"`
	OccurredAt      time.Time `db:"occurred_at"`
	DurationMS      int64     `db:"duration_ms"`
}
