// Copyright 2025 James Ross
package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Priority is the DIMSE priority field carried on a C-STORE request.
type Priority byte

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 1
	PriorityHigh   Priority = 2
)

// StoreRequest is the C-STORE-RQ command, sent ahead of the data set PDVs.
// The data set itself is never decoded; it is streamed byte-for-byte via
// ReadPDUInto/WritePDU so the gateway never interprets or mutates it.
type StoreRequest struct {
	MessageID            uint16
	AffectedSOPClassUID  string
	AffectedSOPInstance  string
	Priority             Priority
}

// StoreResponse is the C-STORE-RSP command returned by the receiving peer.
type StoreResponse struct {
	MessageIDBeingRespondedTo uint16
	AffectedSOPInstance       string
	Status                    uint16
}

// EncodeStoreRequest serializes a StoreRequest command payload.
func EncodeStoreRequest(req StoreRequest) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, req.MessageID)
	putString(&buf, req.AffectedSOPClassUID)
	putString(&buf, req.AffectedSOPInstance)
	buf.WriteByte(byte(req.Priority))
	return buf.Bytes()
}

// DecodeStoreRequest parses a C-STORE-RQ command payload.
func DecodeStoreRequest(payload []byte) (StoreRequest, error) {
	r := bytes.NewReader(payload)
	var req StoreRequest
	if err := binary.Read(r, binary.BigEndian, &req.MessageID); err != nil {
		return StoreRequest{}, fmt.Errorf("read message id: %w", err)
	}
	sopClass, err := getString(r)
	if err != nil {
		return StoreRequest{}, fmt.Errorf("read sop class uid: %w", err)
	}
	sopInstance, err := getString(r)
	if err != nil {
		return StoreRequest{}, fmt.Errorf("read sop instance uid: %w", err)
	}
	priority, err := r.ReadByte()
	if err != nil {
		return StoreRequest{}, fmt.Errorf("read priority: %w", err)
	}
	req.AffectedSOPClassUID = sopClass
	req.AffectedSOPInstance = sopInstance
	req.Priority = Priority(priority)
	return req, nil
}

// EncodeStoreResponse serializes a StoreResponse command payload.
func EncodeStoreResponse(resp StoreResponse) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, resp.MessageIDBeingRespondedTo)
	putString(&buf, resp.AffectedSOPInstance)
	binary.Write(&buf, binary.BigEndian, resp.Status)
	return buf.Bytes()
}

// DecodeStoreResponse parses a C-STORE-RSP command payload.
func DecodeStoreResponse(payload []byte) (StoreResponse, error) {
	r := bytes.NewReader(payload)
	var resp StoreResponse
	if err := binary.Read(r, binary.BigEndian, &resp.MessageIDBeingRespondedTo); err != nil {
		return StoreResponse{}, fmt.Errorf("read message id: %w", err)
	}
	sopInstance, err := getString(r)
	if err != nil {
		return StoreResponse{}, fmt.Errorf("read sop instance uid: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &resp.Status); err != nil {
		return StoreResponse{}, fmt.Errorf("read status: %w", err)
	}
	resp.AffectedSOPInstance = sopInstance
	return resp, nil
}
