// Copyright 2025 James Ross
package forwarder

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/flyingrobots/dicom-gateway/internal/catalog"
	"github.com/flyingrobots/dicom-gateway/internal/classify"
	"github.com/flyingrobots/dicom-gateway/internal/dicom"
)

// sendObject opens one association to dest, relays inst's stored bytes
// through a single C-STORE exchange, and releases the association. It
// returns the DIMSE status the peer reported; a non-nil error means the
// transport or association itself failed before a status was obtained.
func (f *Forwarder) sendObject(ctx context.Context, dest catalog.Destination, inst catalog.Instance) (uint16, error) {
	addr := fmt.Sprintf("%s:%d", dest.Host, dest.Port)
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else if f.cfg.Forwarder.AssociationIdle > 0 {
		conn.SetDeadline(time.Now().Add(f.cfg.Forwarder.AssociationIdle))
	}

	return f.storeOverConn(conn, dest.CalledAETitle, inst)
}

// storeOverConn runs the association-negotiate, C-STORE, release sequence
// over an already-connected transport. Split out from sendObject so it can
// be exercised directly over an in-memory pipe in tests, without a dialer.
func (f *Forwarder) storeOverConn(conn net.Conn, calledAE string, inst catalog.Instance) (uint16, error) {
	req := dicom.AssociateRequest{
		CallingAE: f.cfg.Receiver.AETitle,
		CalledAE:  calledAE,
		Contexts: []dicom.PresentationContext{
			{ID: 1, AbstractSyntax: inst.SOPClassUID, TransferSyntaxes: []string{inst.TransferSyntaxUID}},
		},
	}
	if err := dicom.WritePDU(conn, dicom.PDU{Type: dicom.PDUAssociateRQ, Payload: dicom.EncodeAssociateRequest(req)}); err != nil {
		return 0, fmt.Errorf("write associate-rq: %w", err)
	}

	pdu, err := dicom.ReadPDU(conn)
	if err != nil {
		return 0, fmt.Errorf("read association response: %w", err)
	}
	switch pdu.Type {
	case dicom.PDUAssociateRJ:
		rej, decErr := dicom.DecodeAssociateReject(pdu.Payload)
		if decErr != nil {
			return 0, fmt.Errorf("malformed associate-rj: %w", decErr)
		}
		return 0, fmt.Errorf("%w: result=%d source=%d reason=%d", classify.ErrPeerRejectedAssociation, rej.Result, rej.Source, rej.Reason)
	case dicom.PDUAssociateAC:
		// fall through to negotiated-context check below
	default:
		return 0, fmt.Errorf("unexpected pdu type %d in association response", pdu.Type)
	}

	ac, err := dicom.DecodeAssociateAccept(pdu.Payload)
	if err != nil {
		return 0, fmt.Errorf("malformed associate-ac: %w", err)
	}
	if len(ac.Contexts) == 0 || ac.Contexts[0].Result != dicom.ContextAccepted {
		return 0, fmt.Errorf("%w: destination rejected the only proposed context", classify.ErrPeerRejectedContext)
	}

	status, err := f.exchangeStore(conn, inst)
	if err != nil {
		return 0, err
	}

	if err := dicom.WritePDU(conn, dicom.PDU{Type: dicom.PDUReleaseRQ}); err != nil {
		return status, fmt.Errorf("write release-rq: %w", err)
	}
	if rp, err := dicom.ReadPDU(conn); err != nil || rp.Type != dicom.PDUReleaseRP {
		return status, fmt.Errorf("did not receive release-rp: %w", err)
	}
	return status, nil
}

func (f *Forwarder) exchangeStore(conn net.Conn, inst catalog.Instance) (uint16, error) {
	rc, err := f.store.Get(context.Background(), inst.StudyInstanceUID, inst.SeriesInstanceUID, inst.SOPInstanceUID)
	if err != nil {
		return 0, fmt.Errorf("read stored object: %w", err)
	}
	defer rc.Close()
	object, err := io.ReadAll(rc)
	if err != nil {
		return 0, fmt.Errorf("read stored object: %w", err)
	}

	storeReq := dicom.EncodeStoreRequest(dicom.StoreRequest{
		MessageID:           1,
		AffectedSOPClassUID: inst.SOPClassUID,
		AffectedSOPInstance: inst.SOPInstanceUID,
		Priority:            dicom.PriorityMedium,
	})
	if err := dicom.WritePDU(conn, dicom.PDU{Type: dicom.PDUDataTF, Payload: storeReq}); err != nil {
		return 0, fmt.Errorf("write c-store-rq: %w", err)
	}
	if err := dicom.WritePDU(conn, dicom.PDU{Type: dicom.PDUDataTF, Payload: object}); err != nil {
		return 0, fmt.Errorf("write object data: %w", err)
	}

	rspPDU, err := dicom.ReadPDU(conn)
	if err != nil {
		return 0, fmt.Errorf("read c-store-rsp: %w", err)
	}
	rsp, err := dicom.DecodeStoreResponse(rspPDU.Payload)
	if err != nil {
		return 0, fmt.Errorf("malformed c-store-rsp: %w", err)
	}
	return rsp.Status, nil
}
