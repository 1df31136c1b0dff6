// Package registration maps subject-space masks into the standardized
// template space through an external deformable registration engine.
package registration

import (
	"context"
	"fmt"
)

// Interpolation selects how an image is resampled through a transform
type Interpolation string

const (
	Linear          Interpolation = "Linear"
	NearestNeighbor Interpolation = "NearestNeighbor"
	GenericLabel    Interpolation = "GenericLabel"
)

// ParseInterpolation validates an interpolation name from configuration
func ParseInterpolation(name string) (Interpolation, error) {
	switch Interpolation(name) {
	case Linear, NearestNeighbor, GenericLabel:
		return Interpolation(name), nil
	}
	return "", fmt.Errorf("unknown interpolation %q", name)
}

// Transform is an opaque forward (moving to fixed) mapping. Paths are listed in
// the order the engine applies them and are never inspected by the pipeline.
type Transform struct {
	Fixed  string
	Moving string
	Paths  []string
}

// Registrar is the narrow interface to the registration engine
type Registrar interface {
	// Register computes a deformable moving to fixed transform. Output files
	// are written with the given path prefix.
	Register(ctx context.Context, fixed, moving, prefix string) (Transform, error)

	// Apply resamples moving into the fixed image grid through t and writes output
	Apply(ctx context.Context, fixed, moving, output string, t Transform, interp Interpolation) error
}
