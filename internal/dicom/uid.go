// Copyright 2025 James Ross
package dicom

// Well-known transfer syntax UIDs the gateway negotiates.
const (
	TransferSyntaxImplicitVRLittleEndian = "1.2.840.10008.1.2"
	TransferSyntaxExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// VerificationSOPClass is the C-ECHO SOP class used for association health
// checks independent of any storage transfer.
const VerificationSOPClass = "1.2.840.10008.1.1"
