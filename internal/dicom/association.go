// Copyright 2025 James Ross
package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// AETitleLength is the fixed, space-padded width of an AE title field.
const AETitleLength = 16

// PresentationContextResult mirrors PS3.8 Table 9-18's result/reason field,
// trimmed to the outcomes this gateway produces.
type PresentationContextResult byte

const (
	ContextAccepted                    PresentationContextResult = 0
	ContextUserRejection                PresentationContextResult = 1
	ContextNoReasonGiven                 PresentationContextResult = 2
	ContextAbstractSyntaxNotSupported    PresentationContextResult = 3
	ContextTransferSyntaxesNotSupported  PresentationContextResult = 4
)

// PresentationContext is one proposed (abstract syntax, transfer syntax[])
// pairing in an association request.
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AcceptedContext is one negotiated context in an association accept.
type AcceptedContext struct {
	ID             byte
	Result         PresentationContextResult
	TransferSyntax string
}

// AssociateRequest is the payload of an A-ASSOCIATE-RQ PDU.
type AssociateRequest struct {
	CallingAE string
	CalledAE  string
	Contexts  []PresentationContext
}

// AssociateAccept is the payload of an A-ASSOCIATE-AC PDU.
type AssociateAccept struct {
	Contexts []AcceptedContext
}

// AssociateReject is the payload of an A-ASSOCIATE-RJ PDU.
type AssociateReject struct {
	Result byte
	Source byte
	Reason byte
}

func padAE(ae string) []byte {
	b := make([]byte, AETitleLength)
	for i := range b {
		b[i] = ' '
	}
	copy(b, ae)
	return b
}

func trimAE(b []byte) string {
	return strings.TrimRight(string(b), " ")
}

func putString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
}

func getString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeAssociateRequest serializes an AssociateRequest to an A-ASSOCIATE-RQ
// PDU payload.
func EncodeAssociateRequest(req AssociateRequest) []byte {
	var buf bytes.Buffer
	buf.Write(padAE(req.CallingAE))
	buf.Write(padAE(req.CalledAE))
	buf.WriteByte(byte(len(req.Contexts)))
	for _, pc := range req.Contexts {
		buf.WriteByte(pc.ID)
		putString(&buf, pc.AbstractSyntax)
		buf.WriteByte(byte(len(pc.TransferSyntaxes)))
		for _, ts := range pc.TransferSyntaxes {
			putString(&buf, ts)
		}
	}
	return buf.Bytes()
}

// DecodeAssociateRequest parses an A-ASSOCIATE-RQ PDU payload.
func DecodeAssociateRequest(payload []byte) (AssociateRequest, error) {
	r := bytes.NewReader(payload)
	callingAE := make([]byte, AETitleLength)
	calledAE := make([]byte, AETitleLength)
	if _, err := r.Read(callingAE); err != nil {
		return AssociateRequest{}, fmt.Errorf("read calling ae: %w", err)
	}
	if _, err := r.Read(calledAE); err != nil {
		return AssociateRequest{}, fmt.Errorf("read called ae: %w", err)
	}
	numCtx, err := r.ReadByte()
	if err != nil {
		return AssociateRequest{}, fmt.Errorf("read context count: %w", err)
	}
	req := AssociateRequest{CallingAE: trimAE(callingAE), CalledAE: trimAE(calledAE)}
	for i := 0; i < int(numCtx); i++ {
		id, err := r.ReadByte()
		if err != nil {
			return AssociateRequest{}, fmt.Errorf("read context id: %w", err)
		}
		abstract, err := getString(r)
		if err != nil {
			return AssociateRequest{}, fmt.Errorf("read abstract syntax: %w", err)
		}
		numTS, err := r.ReadByte()
		if err != nil {
			return AssociateRequest{}, fmt.Errorf("read transfer syntax count: %w", err)
		}
		var syntaxes []string
		for j := 0; j < int(numTS); j++ {
			ts, err := getString(r)
			if err != nil {
				return AssociateRequest{}, fmt.Errorf("read transfer syntax: %w", err)
			}
			syntaxes = append(syntaxes, ts)
		}
		req.Contexts = append(req.Contexts, PresentationContext{ID: id, AbstractSyntax: abstract, TransferSyntaxes: syntaxes})
	}
	return req, nil
}

// EncodeAssociateAccept serializes an AssociateAccept to an A-ASSOCIATE-AC
// PDU payload.
func EncodeAssociateAccept(acc AssociateAccept) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(acc.Contexts)))
	for _, c := range acc.Contexts {
		buf.WriteByte(c.ID)
		buf.WriteByte(byte(c.Result))
		putString(&buf, c.TransferSyntax)
	}
	return buf.Bytes()
}

// DecodeAssociateAccept parses an A-ASSOCIATE-AC PDU payload.
func DecodeAssociateAccept(payload []byte) (AssociateAccept, error) {
	r := bytes.NewReader(payload)
	numCtx, err := r.ReadByte()
	if err != nil {
		return AssociateAccept{}, fmt.Errorf("read context count: %w", err)
	}
	var acc AssociateAccept
	for i := 0; i < int(numCtx); i++ {
		id, err := r.ReadByte()
		if err != nil {
			return AssociateAccept{}, fmt.Errorf("read context id: %w", err)
		}
		result, err := r.ReadByte()
		if err != nil {
			return AssociateAccept{}, fmt.Errorf("read result: %w", err)
		}
		ts, err := getString(r)
		if err != nil {
			return AssociateAccept{}, fmt.Errorf("read transfer syntax: %w", err)
		}
		acc.Contexts = append(acc.Contexts, AcceptedContext{ID: id, Result: PresentationContextResult(result), TransferSyntax: ts})
	}
	return acc, nil
}

// EncodeAssociateReject serializes an AssociateReject to an A-ASSOCIATE-RJ
// PDU payload.
func EncodeAssociateReject(rej AssociateReject) []byte {
	return []byte{rej.Result, rej.Source, rej.Reason}
}

// DecodeAssociateReject parses an A-ASSOCIATE-RJ PDU payload.
func DecodeAssociateReject(payload []byte) (AssociateReject, error) {
	if len(payload) < 3 {
		return AssociateReject{}, fmt.Errorf("associate-rj payload too short")
	}
	return AssociateReject{Result: payload[0], Source: payload[1], Reason: payload[2]}, nil
}

// NegotiateContexts matches each proposed context against the configured
// supported SOP classes and transfer syntaxes, preferring the peer's
// ordering of transfer syntaxes (the gateway preserves whatever syntax the
// peer selects, per spec.md §6).
func NegotiateContexts(proposed []PresentationContext, supportedSOPClasses, supportedSyntaxes []string) []AcceptedContext {
	sopSet := make(map[string]bool, len(supportedSOPClasses))
	for _, s := range supportedSOPClasses {
		sopSet[s] = true
	}
	synSet := make(map[string]bool, len(supportedSyntaxes))
	for _, s := range supportedSyntaxes {
		synSet[s] = true
	}

	accepted := make([]AcceptedContext, 0, len(proposed))
	for _, pc := range proposed {
		if !sopSet[pc.AbstractSyntax] {
			accepted = append(accepted, AcceptedContext{ID: pc.ID, Result: ContextAbstractSyntaxNotSupported})
			continue
		}
		var chosen string
		for _, ts := range pc.TransferSyntaxes {
			if synSet[ts] {
				chosen = ts
				break
			}
		}
		if chosen == "" {
			accepted = append(accepted, AcceptedContext{ID: pc.ID, Result: ContextTransferSyntaxesNotSupported})
			continue
		}
		accepted = append(accepted, AcceptedContext{ID: pc.ID, Result: ContextAccepted, TransferSyntax: chosen})
	}
	return accepted
}
