// Package sequence describes pulse-sequence acquisition protocols: the
// timing and flip-angle parameters of a scan, and the prediction of the
// complex signal a tissue model produces under that protocol. Protocols
// are immutable once constructed and safe for concurrent use.
package sequence

import "despot1/pkg/model"

// Sequence is one acquisition protocol. Size is the number of
// acquisitions; Signal predicts the complex signal vector (length Size)
// for a tissue model and a full model parameter vector. TR and Flip are
// read accessors used by closed-form fitting algorithms.
//
// Further protocol families (steady-state free precession, finite-pulse
// variants, inversion-prepared sequences) plug in behind this interface;
// the fitting machinery never depends on a concrete type.
type Sequence interface {
	// Name returns the protocol family identifier
	Name() string

	// Size returns the number of acquisitions
	Size() int

	// TR returns the repetition time in seconds
	TR() float64

	// Flip returns the ordered flip angles in radians. The returned
	// slice is the protocol's own storage and must not be modified.
	Flip() []float64

	// Signal predicts the complex signal for the given model and full
	// model parameter vector, one entry per acquisition
	Signal(m model.Model, p []float64) []complex128
}
