// Copyright 2025 James Ross
package receiver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/dicom-gateway/internal/catalog"
	"github.com/flyingrobots/dicom-gateway/internal/config"
	"github.com/flyingrobots/dicom-gateway/internal/dicom"
	"github.com/flyingrobots/dicom-gateway/internal/objectstore"
)

func testConfig() *config.Config {
	return &config.Config{
		Receiver: config.Receiver{
			AETitle:             "DICOMGW",
			MaxAssociations:     4,
			AssociationDeadline: 5 * time.Second,
			SupportedSOPClasses: []string{"1.2.840.10008.5.1.4.1.1.2"},
			SupportedSyntaxes:   []string{dicom.TransferSyntaxExplicitVRLittleEndian},
		},
	}
}

func newMockCatalog(t *testing.T) (*catalog.Catalog, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return catalog.New(sqlx.NewDb(db, "postgres"), zap.NewNop()), mock
}

func explicitElementTag(group, element uint16, vr string, value string) []byte {
	if len(value)%2 != 0 {
		value += " "
	}
	var buf bytes.Buffer
	header := make([]byte, 4)
	binary.LittleEndian.PutUint16(header[0:2], group)
	binary.LittleEndian.PutUint16(header[2:4], element)
	buf.Write(header)
	buf.WriteString(vr)
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, uint16(len(value)))
	buf.Write(lenBuf)
	buf.WriteString(value)
	return buf.Bytes()
}

func buildObjectBytes(studyUID, seriesUID, sopUID, sopClass, modality string) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, dicom.PreambleLength))
	buf.WriteString(dicom.Magic)
	buf.Write(explicitElementTag(0x0008, 0x0016, "UI", sopClass))
	buf.Write(explicitElementTag(0x0008, 0x0018, "UI", sopUID))
	buf.Write(explicitElementTag(0x0008, 0x0060, "CS", modality))
	buf.Write(explicitElementTag(0x0020, 0x000D, "UI", studyUID))
	buf.Write(explicitElementTag(0x0020, 0x000E, "UI", seriesUID))
	return buf.Bytes()
}

// implicitElementTag encodes one element the way Implicit VR Little Endian
// does: tag, then a 4-byte length with no VR code in between.
func implicitElementTag(group, element uint16, value string) []byte {
	if len(value)%2 != 0 {
		value += " "
	}
	var buf bytes.Buffer
	header := make([]byte, 4)
	binary.LittleEndian.PutUint16(header[0:2], group)
	binary.LittleEndian.PutUint16(header[2:4], element)
	buf.Write(header)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(value)))
	buf.Write(lenBuf)
	buf.WriteString(value)
	return buf.Bytes()
}

func buildObjectBytesImplicit(studyUID, seriesUID, sopUID, sopClass, modality string) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, dicom.PreambleLength))
	buf.WriteString(dicom.Magic)
	buf.Write(implicitElementTag(0x0008, 0x0016, sopClass))
	buf.Write(implicitElementTag(0x0008, 0x0018, sopUID))
	buf.Write(implicitElementTag(0x0008, 0x0060, modality))
	buf.Write(implicitElementTag(0x0020, 0x000D, studyUID))
	buf.Write(implicitElementTag(0x0020, 0x000E, seriesUID))
	return buf.Bytes()
}

// TestAssociationHandlerStoresSingleObject drives a full association over an
// in-memory pipe: associate, one C-STORE exchange, release. It exercises
// negotiation, object store publish, and catalog admission together.
func TestAssociationHandlerStoresSingleObject(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	cat, mock := newMockCatalog(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM instances WHERE sop_instance_uid = \$1 FOR UPDATE`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT .* FROM destinations WHERE enabled = true`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "called_ae_title", "host", "port", "tls_policy",
			"enabled", "forwarding_rule", "concurrency_limit", "priority",
		}))
	mock.ExpectExec(`INSERT INTO studies`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO series`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO instances`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO ingest_events`).WillReturnResult(sqlmock.NewResult(0, 1))

	store := objectstore.New(t.TempDir(), zap.NewNop())
	h := &associationHandler{
		cfg:   testConfig(),
		store: store,
		cat:   cat,
		log:   zap.NewNop(),
		conn:  serverConn,
	}
	done := make(chan struct{})
	go func() {
		h.run(context.Background())
		close(done)
	}()

	req := dicom.AssociateRequest{
		CallingAE: "MODALITY1",
		CalledAE:  "DICOMGW",
		Contexts: []dicom.PresentationContext{
			{ID: 1, AbstractSyntax: "1.2.840.10008.5.1.4.1.1.2", TransferSyntaxes: []string{dicom.TransferSyntaxExplicitVRLittleEndian}},
		},
	}
	require.NoError(t, dicom.WritePDU(clientConn, dicom.PDU{Type: dicom.PDUAssociateRQ, Payload: dicom.EncodeAssociateRequest(req)}))

	acPDU, err := dicom.ReadPDU(clientConn)
	require.NoError(t, err)
	require.Equal(t, dicom.PDUAssociateAC, acPDU.Type)
	ac, err := dicom.DecodeAssociateAccept(acPDU.Payload)
	require.NoError(t, err)
	require.Len(t, ac.Contexts, 1)
	require.Equal(t, dicom.ContextAccepted, ac.Contexts[0].Result)

	object := buildObjectBytes("1.2.3.S", "1.2.3.S.1", "1.2.3.S.1.1", "1.2.840.10008.5.1.4.1.1.2", "CT")
	storeReq := dicom.EncodeStoreRequest(dicom.StoreRequest{
		MessageID:           1,
		AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.1.2",
		AffectedSOPInstance: "1.2.3.S.1.1",
		Priority:            dicom.PriorityMedium,
	})
	require.NoError(t, dicom.WritePDU(clientConn, dicom.PDU{Type: dicom.PDUDataTF, Payload: storeReq}))
	require.NoError(t, dicom.WritePDU(clientConn, dicom.PDU{Type: dicom.PDUDataTF, Payload: object}))

	rspPDU, err := dicom.ReadPDU(clientConn)
	require.NoError(t, err)
	rsp, err := dicom.DecodeStoreResponse(rspPDU.Payload)
	require.NoError(t, err)
	require.True(t, dicom.IsSuccess(rsp.Status))
	require.Equal(t, "1.2.3.S.1.1", rsp.AffectedSOPInstance)

	require.NoError(t, dicom.WritePDU(clientConn, dicom.PDU{Type: dicom.PDUReleaseRQ}))
	rpPDU, err := dicom.ReadPDU(clientConn)
	require.NoError(t, err)
	require.Equal(t, dicom.PDUReleaseRP, rpPDU.Type)

	<-done
	require.NoError(t, mock.ExpectationsWereMet())

	rc, err := store.Get(context.Background(), "1.2.3.S", "1.2.3.S.1", "1.2.3.S.1.1")
	require.NoError(t, err)
	rc.Close()
}

// TestAssociationHandlerStoresImplicitVRObject drives a full association
// that negotiates Implicit VR Little Endian (DICOM's mandatory default
// transfer syntax) and verifies the dataset is parsed with the negotiated
// syntax rather than assumed to be Explicit VR.
func TestAssociationHandlerStoresImplicitVRObject(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	cat, mock := newMockCatalog(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM instances WHERE sop_instance_uid = \$1 FOR UPDATE`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT .* FROM destinations WHERE enabled = true`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "called_ae_title", "host", "port", "tls_policy",
			"enabled", "forwarding_rule", "concurrency_limit", "priority",
		}))
	mock.ExpectExec(`INSERT INTO studies`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO series`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO instances`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO ingest_events`).WillReturnResult(sqlmock.NewResult(0, 1))

	cfg := testConfig()
	cfg.Receiver.SupportedSyntaxes = []string{dicom.TransferSyntaxImplicitVRLittleEndian, dicom.TransferSyntaxExplicitVRLittleEndian}

	store := objectstore.New(t.TempDir(), zap.NewNop())
	h := &associationHandler{
		cfg:   cfg,
		store: store,
		cat:   cat,
		log:   zap.NewNop(),
		conn:  serverConn,
	}
	done := make(chan struct{})
	go func() {
		h.run(context.Background())
		close(done)
	}()

	req := dicom.AssociateRequest{
		CallingAE: "MODALITY1",
		CalledAE:  "DICOMGW",
		Contexts: []dicom.PresentationContext{
			{ID: 1, AbstractSyntax: "1.2.840.10008.5.1.4.1.1.2", TransferSyntaxes: []string{dicom.TransferSyntaxImplicitVRLittleEndian, dicom.TransferSyntaxExplicitVRLittleEndian}},
		},
	}
	require.NoError(t, dicom.WritePDU(clientConn, dicom.PDU{Type: dicom.PDUAssociateRQ, Payload: dicom.EncodeAssociateRequest(req)}))

	acPDU, err := dicom.ReadPDU(clientConn)
	require.NoError(t, err)
	require.Equal(t, dicom.PDUAssociateAC, acPDU.Type)
	ac, err := dicom.DecodeAssociateAccept(acPDU.Payload)
	require.NoError(t, err)
	require.Len(t, ac.Contexts, 1)
	require.Equal(t, dicom.ContextAccepted, ac.Contexts[0].Result)
	require.Equal(t, dicom.TransferSyntaxImplicitVRLittleEndian, ac.Contexts[0].TransferSyntax)

	object := buildObjectBytesImplicit("1.2.3.I", "1.2.3.I.1", "1.2.3.I.1.1", "1.2.840.10008.5.1.4.1.1.2", "CT")
	storeReq := dicom.EncodeStoreRequest(dicom.StoreRequest{
		MessageID:           1,
		AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.1.2",
		AffectedSOPInstance: "1.2.3.I.1.1",
		Priority:            dicom.PriorityMedium,
	})
	require.NoError(t, dicom.WritePDU(clientConn, dicom.PDU{Type: dicom.PDUDataTF, Payload: storeReq}))
	require.NoError(t, dicom.WritePDU(clientConn, dicom.PDU{Type: dicom.PDUDataTF, Payload: object}))

	rspPDU, err := dicom.ReadPDU(clientConn)
	require.NoError(t, err)
	rsp, err := dicom.DecodeStoreResponse(rspPDU.Payload)
	require.NoError(t, err)
	require.True(t, dicom.IsSuccess(rsp.Status))
	require.Equal(t, "1.2.3.I.1.1", rsp.AffectedSOPInstance)

	require.NoError(t, dicom.WritePDU(clientConn, dicom.PDU{Type: dicom.PDUReleaseRQ}))
	rpPDU, err := dicom.ReadPDU(clientConn)
	require.NoError(t, err)
	require.Equal(t, dicom.PDUReleaseRP, rpPDU.Type)

	<-done
	require.NoError(t, mock.ExpectationsWereMet())

	rc, err := store.Get(context.Background(), "1.2.3.I", "1.2.3.I.1", "1.2.3.I.1.1")
	require.NoError(t, err)
	rc.Close()
}

// TestAssociationHandlerRejectsUnsupportedAbstractSyntax verifies that an
// association proposing only an unsupported SOP class is rejected outright.
func TestAssociationHandlerRejectsUnsupportedAbstractSyntax(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	cat, _ := newMockCatalog(t)
	store := objectstore.New(t.TempDir(), zap.NewNop())
	h := &associationHandler{
		cfg:   testConfig(),
		store: store,
		cat:   cat,
		log:   zap.NewNop(),
		conn:  serverConn,
	}
	done := make(chan struct{})
	go func() {
		h.run(context.Background())
		close(done)
	}()

	req := dicom.AssociateRequest{
		CallingAE: "MODALITY1",
		CalledAE:  "DICOMGW",
		Contexts: []dicom.PresentationContext{
			{ID: 1, AbstractSyntax: "1.2.840.10008.5.1.4.1.1.999", TransferSyntaxes: []string{dicom.TransferSyntaxExplicitVRLittleEndian}},
		},
	}
	require.NoError(t, dicom.WritePDU(clientConn, dicom.PDU{Type: dicom.PDUAssociateRQ, Payload: dicom.EncodeAssociateRequest(req)}))

	rjPDU, err := dicom.ReadPDU(clientConn)
	require.NoError(t, err)
	require.Equal(t, dicom.PDUAssociateRJ, rjPDU.Type)

	<-done
}
