package models

// RawTarget is a stimulation target in the device's millimeter convention
type RawTarget struct {
	X, Y, Z float64

	// Label is the human-readable name of the target
	Label string
}

// Subject identifies one participant and the anatomical volume staged for it
type Subject struct {
	ID string

	// SourceDir holds the DICOM series or NIfTI file provided for the subject
	SourceDir string

	// AnatomicalPath is the canonical T1w volume once conversion has run
	AnatomicalPath string
}
