// Copyright 2025 James Ross

// Package classify resolves raw transport, storage, and protocol failures
// into the closed set of error kinds the rest of the gateway reasons about.
// Workers never propagate a raw error across the job-state boundary; they
// always resolve a claimed job to one of the dispositions this package
// returns, within the claim's deadline.
//
// This package has no dependency beyond the standard library: it is pure
// classification logic over error values and status codes, with no I/O,
// parsing, or protocol surface that an ecosystem library would improve.
package classify

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/flyingrobots/dicom-gateway/internal/dicom"
)

// ErrorKind is the closed taxonomy of error categories the core
// distinguishes and surfaces in job and ingest records.
type ErrorKind string

const (
	Validation            ErrorKind = "validation"
	StorageIO              ErrorKind = "storage-io"
	CatalogConflict        ErrorKind = "catalog-conflict"
	CatalogUnavailable     ErrorKind = "catalog-unavailable"
	PeerRejectAssociation  ErrorKind = "peer-reject-association"
	PeerRejectContext      ErrorKind = "peer-reject-context"
	PeerStatusFailure      ErrorKind = "peer-status-failure"
	PeerStatusWarning      ErrorKind = "peer-status-warning"
	NetworkTransient       ErrorKind = "network-transient"
	LeaseLost              ErrorKind = "lease-lost"
	Canceled               ErrorKind = "canceled"
)

// ErrPeerRejectedAssociation and ErrPeerRejectedContext are sentinels the
// Forwarder wraps its association-layer errors in, so ClassifyIOError can
// route them to the right ErrorKind without the classify package knowing
// anything about DICOM association mechanics.
var (
	ErrPeerRejectedAssociation = errors.New("forwarder: peer rejected association")
	ErrPeerRejectedContext     = errors.New("forwarder: peer rejected the only proposed presentation context")
)

// Disposition is the outcome a classified error resolves to, feeding
// directly into the Job Queue's state transitions.
type Disposition string

const (
	Retryable          Disposition = "retryable"
	Permanent          Disposition = "permanent"
	Success            Disposition = "success"
	SuccessWithWarning Disposition = "success-with-warning"
)

// ClassifyPeerStatus maps a DIMSE status code returned by a peer to an
// error kind and disposition. Success and warning codes are not errors;
// they are included here because the Forwarder needs the same
// classification point for all three outcomes of a C-STORE exchange.
func ClassifyPeerStatus(statusCode uint16) (ErrorKind, Disposition) {
	switch dicom.ClassifyStatus(statusCode) {
	case dicom.StatusSuccess:
		return "", Success
	case dicom.StatusWarning:
		return PeerStatusWarning, SuccessWithWarning
	case dicom.StatusPending:
		return "", Success
	default:
		return PeerStatusFailure, classifyFailureStatus(statusCode)
	}
}

// classifyFailureStatus distinguishes failure codes that indicate a
// transient, peer-side resource problem (retryable) from those that
// indicate the object itself was rejected (permanent).
func classifyFailureStatus(statusCode uint16) Disposition {
	switch statusCode {
	case dicom.StatusCodeOutOfResources:
		return Retryable
	default:
		return Permanent
	}
}

// ClassifyIOError maps a Go error value from the network or filesystem
// layer to an error kind. It inspects the error chain with errors.As/Is so
// wrapped errors from lower layers still classify correctly.
func ClassifyIOError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkTransient
	}
	if errors.Is(err, ErrPeerRejectedAssociation) {
		return PeerRejectAssociation
	}
	if errors.Is(err, ErrPeerRejectedContext) {
		return PeerRejectContext
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NetworkTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NetworkTransient
	}

	if errors.Is(err, dicom.ErrBadMagic) {
		return Validation
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return StorageIO
	}

	return StorageIO
}

// DispositionFromErrorKind maps an error kind, on its own, to the
// disposition it carries when no status-code-specific nuance applies
// (i.e. everything except peer status codes, which go through
// ClassifyPeerStatus instead).
func DispositionFromErrorKind(kind ErrorKind) Disposition {
	switch kind {
	case Validation, CatalogConflict, PeerRejectAssociation, PeerRejectContext:
		return Permanent
	case Canceled:
		return Permanent
	case StorageIO, CatalogUnavailable, NetworkTransient, LeaseLost, PeerStatusFailure:
		return Retryable
	default:
		return Retryable
	}
}
