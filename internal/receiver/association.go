// Copyright 2025 James Ross
package receiver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/dicom-gateway/internal/catalog"
	"github.com/flyingrobots/dicom-gateway/internal/config"
	"github.com/flyingrobots/dicom-gateway/internal/dicom"
	"github.com/flyingrobots/dicom-gateway/internal/obs"
	"github.com/flyingrobots/dicom-gateway/internal/objectstore"
)

// associationHandler owns the lifecycle of one inbound association:
// negotiate contexts, then process each C-STORE request the peer sends
// until release or abort. Other objects in the same association still
// succeed if one object fails.
type associationHandler struct {
	cfg   *config.Config
	store *objectstore.Store
	cat   *catalog.Catalog
	log   *zap.Logger
	conn  net.Conn

	callingAE string
	accepted  map[byte]dicom.AcceptedContext
	// acceptedByAbstractSyntax maps a negotiated context's abstract syntax
	// (SOP Class UID) to its accepted transfer syntax. A C-STORE-RQ's
	// Affected SOP Class UID must equal the abstract syntax of the
	// presentation context it was sent over, so this is how
	// handleStoreRequest recovers which transfer syntax applies to a given
	// object without the wire format carrying a per-PDV context ID.
	acceptedByAbstractSyntax map[string]dicom.AcceptedContext
}

func (h *associationHandler) run(ctx context.Context) {
	defer h.conn.Close()
	associationID := fmt.Sprintf("%s->%s", h.conn.RemoteAddr(), h.conn.LocalAddr())
	log := h.log.With(zap.String("association_id", associationID))

	if h.cfg.Receiver.AssociationDeadline > 0 {
		h.conn.SetDeadline(deadlineFor(h.cfg.Receiver.AssociationDeadline))
	}

	pdu, err := dicom.ReadPDU(h.conn)
	if err != nil {
		log.Debug("failed to read association request", zap.Error(err))
		return
	}
	if pdu.Type != dicom.PDUAssociateRQ {
		log.Warn("expected associate-rq, got different pdu type", zap.Int("pdu_type", int(pdu.Type)))
		return
	}
	req, err := dicom.DecodeAssociateRequest(pdu.Payload)
	if err != nil {
		log.Warn("malformed associate-rq", zap.Error(err))
		return
	}
	h.callingAE = req.CallingAE
	log = log.With(zap.String("peer_ae", req.CallingAE))

	accepted := dicom.NegotiateContexts(req.Contexts, h.cfg.Receiver.SupportedSOPClasses, h.cfg.Receiver.SupportedSyntaxes)
	h.accepted = make(map[byte]dicom.AcceptedContext, len(accepted))
	h.acceptedByAbstractSyntax = make(map[string]dicom.AcceptedContext, len(accepted))
	anyAccepted := false
	for i, c := range accepted {
		h.accepted[c.ID] = c
		if c.Result == dicom.ContextAccepted {
			anyAccepted = true
			// accepted is produced 1:1 with req.Contexts (NegotiateContexts
			// preserves proposal order), so req.Contexts[i] is the proposal
			// this entry answers.
			h.acceptedByAbstractSyntax[req.Contexts[i].AbstractSyntax] = c
		}
	}

	if !anyAccepted {
		rj := dicom.EncodeAssociateReject(dicom.AssociateReject{Result: 1, Source: 1, Reason: 1})
		dicom.WritePDU(h.conn, dicom.PDU{Type: dicom.PDUAssociateRJ, Payload: rj})
		obs.AssociationsRejected.Inc()
		log.Info("rejected association, no acceptable presentation context")
		return
	}

	ac := dicom.EncodeAssociateAccept(dicom.AssociateAccept{Contexts: accepted})
	if err := dicom.WritePDU(h.conn, dicom.PDU{Type: dicom.PDUAssociateAC, Payload: ac}); err != nil {
		log.Warn("failed to write associate-ac", zap.Error(err))
		return
	}
	obs.AssociationsAccepted.Inc()
	log.Info("association accepted", zap.Int("contexts", len(accepted)))

	for {
		pdu, err := dicom.ReadPDU(h.conn)
		if err != nil {
			log.Debug("association closed", zap.Error(err))
			return
		}
		switch pdu.Type {
		case dicom.PDUReleaseRQ:
			dicom.WritePDU(h.conn, dicom.PDU{Type: dicom.PDUReleaseRP})
			log.Info("association released")
			return
		case dicom.PDUAbort:
			log.Info("association aborted by peer")
			return
		case dicom.PDUDataTF:
			h.handleStoreRequest(ctx, log, pdu.Payload, associationID)
		default:
			log.Warn("unexpected pdu type in established association", zap.Int("pdu_type", int(pdu.Type)))
			return
		}
	}
}

// handleStoreRequest processes one C-STORE command PDU followed by its
// object bytes, publishing to the Object Store and admitting to the
// Catalog. Once the command decodes and its object PDU is read, it returns
// a C-STORE-RSP to the peer regardless of outcome; a malformed command or
// an unreadable object PDU is logged and gets no response. The
// association itself stays open for further objects.
func (h *associationHandler) handleStoreRequest(ctx context.Context, log *zap.Logger, commandPayload []byte, associationID string) {
	start := time.Now()
	storeReq, err := dicom.DecodeStoreRequest(commandPayload)
	if err != nil {
		log.Warn("malformed c-store-rq", zap.Error(err))
		return
	}

	objectPDU, err := dicom.ReadPDU(h.conn)
	if err != nil {
		log.Warn("failed to read object data pdu", zap.Error(err))
		return
	}
	payload := objectPDU.Payload

	// A C-STORE-RQ's Affected SOP Class UID must equal the abstract syntax
	// of the presentation context it was sent over, so this recovers the
	// negotiated transfer syntax without a per-PDV context ID on the wire.
	transferSyntaxUID := dicom.TransferSyntaxExplicitVRLittleEndian
	if ac, ok := h.acceptedByAbstractSyntax[storeReq.AffectedSOPClassUID]; ok && ac.TransferSyntax != "" {
		transferSyntaxUID = ac.TransferSyntax
	} else {
		log.Warn("no negotiated context found for affected sop class, assuming explicit vr little endian",
			zap.String("sop_class_uid", storeReq.AffectedSOPClassUID))
	}

	status, sopInstanceUID, byteCount := h.admitObject(ctx, log, associationID, payload, transferSyntaxUID)

	resp := dicom.EncodeStoreResponse(dicom.StoreResponse{
		MessageIDBeingRespondedTo: storeReq.MessageID,
		AffectedSOPInstance:       storeReq.AffectedSOPInstance,
		Status:                    status,
	})
	if err := dicom.WritePDU(h.conn, dicom.PDU{Type: dicom.PDUDataTF, Payload: resp}); err != nil {
		log.Warn("failed to write c-store-rsp", zap.Error(err))
	}

	result := "success"
	if !dicom.IsSuccess(status) {
		result = "failure"
	}
	ev := catalog.IngestEvent{
		AssociationID: associationID,
		PeerAE:        h.callingAE,
		Result:        result,
		ByteCount:     byteCount,
		DurationMS:    time.Since(start).Milliseconds(),
	}
	if sopInstanceUID != "" {
		ev.SOPInstanceUID = &sopInstanceUID
	}
	if err := h.cat.RecordIngestEvent(ctx, ev); err != nil {
		log.Warn("failed to record ingest event", zap.Error(err))
	}
}

// admitObject publishes payload (the full preamble+DICM+dataset bytes) to
// the Object Store and admits it to the Catalog, returning the DIMSE
// status to report to the peer, the admitted SOP Instance UID (if any),
// and the byte count received.
func (h *associationHandler) admitObject(ctx context.Context, log *zap.Logger, associationID string, payload []byte, transferSyntaxUID string) (status uint16, sopInstanceUID string, byteCount int64) {
	byteCount = int64(len(payload))

	body := payload
	if _, err := dicom.ReadHeader(bytes.NewReader(payload)); err == nil {
		body = payload[dicom.HeaderLength:]
	}

	explicitVR := transferSyntaxUID != dicom.TransferSyntaxImplicitVRLittleEndian
	tags, err := dicom.ExtractTags(bytes.NewReader(body), explicitVR, []dicom.Tag{
		dicom.TagSOPClassUID, dicom.TagSOPInstanceUID, dicom.TagStudyInstanceUID,
		dicom.TagSeriesInstanceUID, dicom.TagModality, dicom.TagPatientID, dicom.TagAccessionNumber,
	})
	if err != nil || tags[dicom.TagSOPInstanceUID] == "" {
		log.Warn("failed to extract required identifiers from object", zap.Error(err))
		obs.InstancesRejected.Inc()
		return dicom.StatusCodeCannotUnderstand, "", byteCount
	}

	study, series, instance := tags[dicom.TagStudyInstanceUID], tags[dicom.TagSeriesInstanceUID], tags[dicom.TagSOPInstanceUID]
	putRes, err := h.store.Put(ctx, associationID, study, series, instance, bytes.NewReader(payload))
	if err != nil {
		if errors.Is(err, objectstore.ErrHashMismatch) {
			log.Info("rejecting duplicate instance with hash mismatch", zap.String("sop_instance_uid", instance))
			obs.InstancesRejected.Inc()
			return dicom.StatusCodeDataSetDoesNotMatchSOPClassFailure, instance, byteCount
		}
		log.Error("failed to publish object", zap.Error(err))
		obs.InstancesRejected.Inc()
		return dicom.StatusCodeOutOfResources, instance, byteCount
	}

	admitRes, err := h.cat.Admit(ctx, catalog.AdmitInput{
		StudyInstanceUID:  study,
		SeriesInstanceUID: series,
		SOPInstanceUID:    instance,
		SOPClassUID:       tags[dicom.TagSOPClassUID],
		TransferSyntaxUID: transferSyntaxUID,
		Modality:          tags[dicom.TagModality],
		PatientID:         tags[dicom.TagPatientID],
		AccessionNumber:   tags[dicom.TagAccessionNumber],
		ByteLength:        putRes.Length,
		ContentHash:       putRes.Hash,
		StoragePath:       putRes.Path,
	})
	if err != nil {
		if errors.Is(err, catalog.ErrHashMismatch) {
			log.Info("rejecting collision on catalog admit", zap.String("sop_instance_uid", instance))
			obs.InstancesRejected.Inc()
			return dicom.StatusCodeDataSetDoesNotMatchSOPClassFailure, instance, byteCount
		}
		log.Error("failed to admit instance to catalog", zap.Error(err))
		return dicom.StatusCodeOutOfResources, instance, byteCount
	}

	if admitRes.AlreadyExisted {
		obs.InstancesDuplicate.Inc()
	} else {
		obs.InstancesAdmitted.Inc()
	}
	return dicom.StatusCodeSuccess, instance, byteCount
}
