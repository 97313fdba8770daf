// Package model defines tissue models: the number, names, and physical
// meaning of the free parameters that pulse-sequence signal equations
// consume. Models are immutable after construction and safe for
// concurrent use.
package model

// Model declares the parameter semantics of a tissue representation and
// carries the signal equations for each supported pulse-sequence family.
// Variants (single- or multi-compartment) differ only in parameter count
// and in how compartments are weighted inside the equations; code that
// consumes a Model through this interface works with any variant.
type Model interface {
	// Name returns a short identifier for logging and config files
	Name() string

	// NParameters returns the length of the free-parameter vector
	NParameters() int

	// Names returns the display name of each parameter, in vector order
	Names() []string

	// Defaults returns a physically sensible starting parameter vector
	Defaults() []float64

	// Valid reports whether a parameter vector is physically meaningful
	Valid(p []float64) bool

	// SPGR computes the complex steady-state spoiled gradient echo
	// signal for parameter vector p at the given flip angles (radians)
	// and repetition time (seconds), one entry per flip angle
	SPGR(p []float64, flip []float64, tr float64) []complex128
}
