// Copyright 2025 James Ross
package dicom

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PDUType identifies the upper-layer PDU, matching the one-byte type field
// of PS3.8 Table 9-1 (simplified to the types this gateway emits).
type PDUType byte

const (
	PDUAssociateRQ PDUType = 0x01
	PDUAssociateAC PDUType = 0x02
	PDUAssociateRJ PDUType = 0x03
	PDUDataTF      PDUType = 0x04
	PDUReleaseRQ   PDUType = 0x05
	PDUReleaseRP   PDUType = 0x06
	PDUAbort       PDUType = 0x07
)

// MaxPDULength bounds a single PDU's payload to guard against a malformed
// or hostile peer claiming an unbounded length.
const MaxPDULength = 256 << 20 // 256 MiB; large studies still fit in one PDV

// PDU is one upper-layer protocol data unit: a one-byte type, a reserved
// byte, a four-byte big-endian length, and that many bytes of payload.
type PDU struct {
	Type    PDUType
	Payload []byte
}

// WritePDU writes the PDU header and payload to w.
func WritePDU(w io.Writer, p PDU) error {
	header := make([]byte, 6)
	header[0] = byte(p.Type)
	header[1] = 0
	binary.BigEndian.PutUint32(header[2:], uint32(len(p.Payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write pdu header: %w", err)
	}
	if len(p.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(p.Payload); err != nil {
		return fmt.Errorf("write pdu payload: %w", err)
	}
	return nil
}

// ReadPDU reads one PDU header and payload from r.
func ReadPDU(r io.Reader) (PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return PDU{}, fmt.Errorf("read pdu header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[2:])
	if length > MaxPDULength {
		return PDU{}, fmt.Errorf("pdu length %d exceeds max %d", length, MaxPDULength)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return PDU{}, fmt.Errorf("read pdu payload: %w", err)
		}
	}
	return PDU{Type: PDUType(header[0]), Payload: payload}, nil
}

// ReadPDUInto reads one PDU's payload directly into w without buffering it
// in memory, for the C-STORE data PDV where the payload is the object
// itself. It returns the PDU type and the number of payload bytes copied.
func ReadPDUInto(r io.Reader, w io.Writer) (PDUType, int64, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, fmt.Errorf("read pdu header: %w", err)
	}
	length := int64(binary.BigEndian.Uint32(header[2:]))
	if length > MaxPDULength {
		return 0, 0, fmt.Errorf("pdu length %d exceeds max %d", length, MaxPDULength)
	}
	n, err := io.CopyN(w, r, length)
	if err != nil {
		return 0, n, fmt.Errorf("copy pdu payload: %w", err)
	}
	return PDUType(header[0]), n, nil
}
