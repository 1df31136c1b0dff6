package models

import "fmt"

// Skip describes why a subject left the pipeline early. Skips are expected
// outcomes (a target outside the head, for instance) and never errors.
type Skip struct {
	// Stage names the check that failed, e.g. "native bounds"
	Stage string

	// Coordinate is the offending coordinate before truncation
	Coordinate [3]float64

	// Shape is the extent the coordinate was checked against
	Shape Shape

	// Reason is a human-readable explanation
	Reason string
}

func (s Skip) String() string {
	return fmt.Sprintf("%s: %s (coordinate %.2f, %.2f, %.2f; shape %v)",
		s.Stage, s.Reason, s.Coordinate[0], s.Coordinate[1], s.Coordinate[2], s.Shape)
}

// Outcome is either a value or a Skip. Fatal conditions travel as errors
// alongside it. The zero Outcome holds neither, so Value reports false for it.
type Outcome[T any] struct {
	value T
	ok    bool
	skip  *Skip
}

// OK wraps a successful value
func OK[T any](value T) Outcome[T] {
	return Outcome[T]{value: value, ok: true}
}

// Skipped wraps a skip
func Skipped[T any](skip Skip) Outcome[T] {
	return Outcome[T]{skip: &skip}
}

// Value returns the wrapped value and true, or the zero value and false when skipped
func (o Outcome[T]) Value() (T, bool) {
	if !o.ok {
		var zero T
		return zero, false
	}
	return o.value, true
}

// Skip returns the skip and true when the outcome was skipped
func (o Outcome[T]) Skip() (Skip, bool) {
	if o.skip == nil {
		return Skip{}, false
	}
	return *o.skip, true
}

// IsSkipped reports whether the outcome carries a skip
func (o Outcome[T]) IsSkipped() bool {
	return o.skip != nil
}
