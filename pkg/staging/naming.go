package staging

import (
	"strings"
)

// TmpMarker tags intermediate files for removal after a subject completes.
// It only counts in the description slot, see IsIntermediate.
const TmpMarker = "tmp"

const mirroredSuffix = "-invertedX"

// Artifacts names every file the pipeline writes for one subject and target.
// Names are deterministic so re-runs find earlier outputs.
type Artifacts struct {
	SubjectID string
	Label     string
}

// NewArtifacts creates the naming scheme for a target; spaces in the label
// become dashes
func NewArtifacts(subjectID, label string) Artifacts {
	return Artifacts{SubjectID: subjectID, Label: SanitizeLabel(label)}
}

// SanitizeLabel makes a target label usable inside file names
func SanitizeLabel(label string) string {
	return strings.ReplaceAll(strings.TrimSpace(label), " ", "-")
}

// intermediatePrefix is the name prefix shared by every intermediate file of a subject
func intermediatePrefix(subjectID string) string {
	return subjectID + "_desc-" + TmpMarker + "_"
}

// IsIntermediate reports whether name is an intermediate file of subjectID.
// The marker must sit in the description slot, so a subject ID or label that
// happens to contain "tmp" never marks a final output.
func IsIntermediate(subjectID, name string) bool {
	return strings.HasPrefix(name, intermediatePrefix(subjectID))
}

func (a Artifacts) variant(mirrored bool) string {
	if mirrored {
		return a.Label + mirroredSuffix
	}
	return a.Label
}

// NativeMask is the native-space sphere mask
func (a Artifacts) NativeMask(mirrored bool) string {
	return a.SubjectID + "_desc-native_" + a.variant(mirrored) + ".nii.gz"
}

// StandardizedMask is the template-space sphere mask
func (a Artifacts) StandardizedMask(mirrored bool) string {
	return a.SubjectID + "_desc-MNI_" + a.variant(mirrored) + ".nii.gz"
}

// WarpedMask is the intermediate warped native mask
func (a Artifacts) WarpedMask(mirrored bool) string {
	return intermediatePrefix(a.SubjectID) + a.variant(mirrored) + ".nii.gz"
}

// Registered is the anatomical volume warped into template space
func (a Artifacts) Registered() string {
	return a.SubjectID + "_desc-MNI_T1w.nii.gz"
}

// TransformPrefix is the prefix of the registration engine's raw outputs
func (a Artifacts) TransformPrefix() string {
	return intermediatePrefix(a.SubjectID) + "xfm"
}

// SavedTransformPrefix is the prefix of the kept transform copies
func (a Artifacts) SavedTransformPrefix() string {
	return a.SubjectID + "_transform_"
}
