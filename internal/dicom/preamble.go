// Copyright 2025 James Ross

// Package dicom implements the minimal slice of the DICOM upper-layer
// protocol (PS3.8 association negotiation, PS3.10 file preamble) that the
// gateway needs to accept and relay storage objects without touching their
// bytes. It does not implement query/retrieve, worklist, or any DIMSE
// service other than C-ECHO and C-STORE.
package dicom

import (
	"bytes"
	"fmt"
	"io"
)

// PreambleLength is the fixed size of the DICOM file preamble (PS3.10 §7.1).
const PreambleLength = 128

// Magic is the literal four-byte marker that follows the preamble.
const Magic = "DICM"

// HeaderLength is the size of the preamble plus the magic.
const HeaderLength = PreambleLength + len(Magic)

// ReadHeader reads and validates the 128-byte preamble and "DICM" magic
// from r, returning the preamble bytes unchanged. The preamble is opaque:
// its content is never interpreted, only its length and the magic that
// follows it.
func ReadHeader(r io.Reader) (preamble []byte, err error) {
	buf := make([]byte, HeaderLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read dicom header: %w", err)
	}
	magic := buf[PreambleLength:]
	if !bytes.Equal(magic, []byte(Magic)) {
		return nil, fmt.Errorf("%w: got %q", ErrBadMagic, magic)
	}
	return buf[:PreambleLength], nil
}

// ErrBadMagic is returned when the four bytes following the preamble are
// not the literal "DICM".
var ErrBadMagic = fmt.Errorf("dicom: missing DICM magic")
