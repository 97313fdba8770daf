package model

import "math"

// SingleComponent models tissue as one compartment with a single pair of
// relaxation times. Its parameter vector is:
//
//	p[0] PD  proton density (arbitrary signal units)
//	p[1] T1  longitudinal relaxation time (seconds)
//	p[2] T2  transverse relaxation time (seconds)
//	p[3] f0  off-resonance frequency (Hz)
//	p[4] B1  relative flip-angle scaling
//
// T2 and f0 take no part in the spoiled gradient echo equation; they are
// carried so that sequence families which need them share one layout.
type SingleComponent struct{}

// NewSingleComponent creates the single-compartment tissue model
func NewSingleComponent() *SingleComponent {
	return &SingleComponent{}
}

// Name returns the model identifier
func (m *SingleComponent) Name() string {
	return "1c"
}

// NParameters returns the parameter vector length
func (m *SingleComponent) NParameters() int {
	return 5
}

// Names returns the parameter display names in vector order
func (m *SingleComponent) Names() []string {
	return []string{"PD", "T1", "T2", "f0", "B1"}
}

// Defaults returns the canonical starting point: unit proton density,
// T1 of one second, T2 of 100 ms, on-resonance, unit B1
func (m *SingleComponent) Defaults() []float64 {
	return []float64{1.0, 1.0, 0.1, 0.0, 1.0}
}

// Valid reports whether p is physically meaningful: finite everywhere,
// non-negative proton density, positive relaxation times
func (m *SingleComponent) Valid(p []float64) bool {
	if len(p) != m.NParameters() {
		return false
	}
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return p[0] >= 0 && p[1] > 0 && p[2] > 0
}

// SPGR computes the spoiled gradient echo signal
//
//	s = PD * sin(B1*a) * (1 - E1) / (1 - E1*cos(B1*a)),  E1 = exp(-TR/T1)
//
// for each nominal flip angle a. The signal is real for this model; it is
// returned as complex values with zero imaginary part so every sequence
// family shares one signature.
func (m *SingleComponent) SPGR(p []float64, flip []float64, tr float64) []complex128 {
	pd, t1, b1 := p[0], p[1], p[4]
	e1 := math.Exp(-tr / t1)
	s := make([]complex128, len(flip))
	for i, a := range flip {
		sa, ca := math.Sincos(a * b1)
		s[i] = complex(pd*sa*(1-e1)/(1-e1*ca), 0)
	}
	return s
}
