package sequence

import (
	"errors"
	"fmt"
	"math"

	"despot1/pkg/model"
)

// SPGR is a spoiled (incoherent) gradient echo protocol: a set of
// acquisitions sharing one repetition time and differing only in nominal
// flip angle
type SPGR struct {
	flip []float64
	tr   float64
}

// NewSPGR builds an SPGR protocol from flip angles in degrees and a
// repetition time in seconds. Construction is the only place protocol
// input is validated; a successfully built protocol can never fail later.
func NewSPGR(flipDeg []float64, tr float64) (*SPGR, error) {
	if len(flipDeg) == 0 {
		return nil, errors.New("at least one flip angle is required")
	}
	if tr <= 0 {
		return nil, fmt.Errorf("repetition time must be positive, got %g", tr)
	}
	flip := make([]float64, len(flipDeg))
	for i, d := range flipDeg {
		flip[i] = d * math.Pi / 180
	}
	return &SPGR{flip: flip, tr: tr}, nil
}

// Name returns the protocol family identifier
func (s *SPGR) Name() string {
	return "SPGR"
}

// Size returns the number of acquisitions
func (s *SPGR) Size() int {
	return len(s.flip)
}

// TR returns the repetition time in seconds
func (s *SPGR) TR() float64 {
	return s.tr
}

// Flip returns the ordered flip angles in radians
func (s *SPGR) Flip() []float64 {
	return s.flip
}

// Signal predicts the complex signal by delegating to the model's
// spoiled gradient echo equation
func (s *SPGR) Signal(m model.Model, p []float64) []complex128 {
	return m.SPGR(p, s.flip, s.tr)
}
