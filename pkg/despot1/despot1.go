// Package despot1 implements DESPOT1 T1 relaxometry: estimating proton
// density and longitudinal relaxation time from spoiled gradient echo
// signals measured at multiple flip angles, following the variable
// flip-angle method of Deoni et al.
package despot1

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"despot1/pkg/model"
	"despot1/pkg/sequence"
)

// Strategy selects how the fit is solved, trading speed for robustness
type Strategy int

const (
	// LLS is the closed-form linearized solve. Fastest, biased at low
	// signal-to-noise.
	LLS Strategy = iota

	// WLLS repeats the linear solve with per-acquisition weights
	// recomputed from the current T1 estimate each pass
	WLLS

	// NLLS minimizes the sum of squared signal differences directly
	// with a derivative-free simplex minimizer. Slowest, most robust
	// to nonlinear sequence effects.
	NLLS
)

// String returns the strategy name
func (s Strategy) String() string {
	switch s {
	case LLS:
		return "LLS"
	case WLLS:
		return "WLLS"
	case NLLS:
		return "NLLS"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy maps the single-letter selector used by flags and config
// files (or a full lowercase name) to a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "l", "lls":
		return LLS, nil
	case "w", "wlls":
		return WLLS, nil
	case "n", "nlls":
		return NLLS, nil
	}
	return LLS, fmt.Errorf("unknown fitting strategy %q (want l, w or n)", s)
}

// DefaultIterations is used when no iteration count is configured. It is
// the weighted pass count for WLLS and the evaluation-budget multiplier
// for NLLS.
const DefaultIterations = 4

// D1 fits proton density and T1 to one spoiled gradient echo protocol.
// Configuration (strategy, iteration cap) is fixed at construction; Fit
// itself is a pure function of its arguments and safe to call
// concurrently from many goroutines.
type D1 struct {
	strategy   Strategy
	iterations int
	model      model.Model
}

// New creates a DESPOT1 fit with the given strategy. An iteration count
// of zero or less selects DefaultIterations. The fit uses the
// single-compartment tissue model; substituting a different tissue model
// means substituting a different fitting algorithm, the engine is
// agnostic to both.
func New(strategy Strategy, iterations int) *D1 {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &D1{
		strategy:   strategy,
		iterations: iterations,
		model:      model.NewSingleComponent(),
	}
}

// Strategy returns the configured fitting strategy
func (d *D1) Strategy() Strategy {
	return d.strategy
}

// Iterations returns the configured iteration count
func (d *D1) Iterations() int {
	return d.iterations
}

// NInputs returns the number of data channels the fit consumes
func (d *D1) NInputs() int {
	return 1
}

// NConsts returns the number of scalar constants the fit consumes
func (d *D1) NConsts() int {
	return 1
}

// NOutputs returns the number of fitted parameters
func (d *D1) NOutputs() int {
	return 2
}

// DefaultConsts returns the constant values assumed when no constant
// channel is supplied: a uniform B1 of 1
func (d *D1) DefaultConsts() []float64 {
	return []float64{1.0}
}

// Fit estimates (PD, T1) from one voxel's measurements. data holds one
// signal value per acquisition of seq, consts holds the B1 scaling for
// this voxel. It returns the fitted parameters and the per-acquisition
// residual (measured minus predicted signal magnitude), which is
// recomputed from the fitted parameters whatever strategy produced them.
//
// Numerical degeneracy (a singular design, a non-physical decay term, a
// stalled minimizer) yields raw pass-through values, possibly NaN or
// infinite; it never panics, so one bad voxel cannot abort a run.
func (d *D1) Fit(seq sequence.Sequence, data []float64, consts []float64) (outputs, resids []float64) {
	b1 := consts[0]
	var pd, t1 float64
	switch d.strategy {
	case WLLS:
		pd, t1 = d.wlls(seq, data, b1)
	case NLLS:
		pd, t1 = d.nlls(seq, data, b1)
	default:
		pd, t1 = d.lls(seq, data, b1)
	}
	return []float64{pd, t1}, d.residuals(seq, data, pd, t1, b1)
}

// design builds the linearized system: for each acquisition,
// y = S/sin(B1*a) against the columns [S/tan(B1*a), 1]. The effective
// flip angles are returned for weight computation.
func design(seq sequence.Sequence, data []float64, b1 float64) (x *mat.Dense, y *mat.VecDense, flip []float64) {
	n := len(data)
	flip = make([]float64, n)
	x = mat.NewDense(n, 2, nil)
	y = mat.NewVecDense(n, nil)
	for i, a := range seq.Flip() {
		af := a * b1
		flip[i] = af
		sin, cos := math.Sincos(af)
		x.Set(i, 0, data[i]*cos/sin)
		x.Set(i, 1, 1)
		y.SetVec(i, data[i]/sin)
	}
	return x, y, flip
}

// fromSlope recovers the physical parameters from the linear solution:
// the slope is exp(-TR/T1) and the intercept is PD*(1-slope)
func fromSlope(tr, slope, intercept float64) (pd, t1 float64) {
	t1 = -tr / math.Log(slope)
	pd = intercept / (1 - slope)
	return pd, t1
}

// lls solves the linearized system by QR least squares
func (d *D1) lls(seq sequence.Sequence, data []float64, b1 float64) (pd, t1 float64) {
	x, y, _ := design(seq, data, b1)
	var qr mat.QR
	qr.Factorize(x)
	var b mat.VecDense
	if err := qr.SolveVecTo(&b, false, y); err != nil {
		return math.NaN(), math.NaN()
	}
	return fromSlope(seq.TR(), b.AtVec(0), b.AtVec(1))
}

// wlls bootstraps from the unweighted solve, then repeats the solve with
// per-acquisition weights w = (sin(a)/(1 - E1*cos(a)))^2 recomputed from
// the previous pass's T1 estimate. The weighted solution of the final
// pass is the result; there is no trailing unweighted refinement.
func (d *D1) wlls(seq sequence.Sequence, data []float64, b1 float64) (pd, t1 float64) {
	x, y, flip := design(seq, data, b1)
	tr := seq.TR()

	var qr mat.QR
	qr.Factorize(x)
	var b mat.VecDense
	if err := qr.SolveVecTo(&b, false, y); err != nil {
		return math.NaN(), math.NaN()
	}
	pd, t1 = fromSlope(tr, b.AtVec(0), b.AtVec(1))

	w := make([]float64, len(data))
	for it := 0; it < d.iterations; it++ {
		if math.IsNaN(t1) || math.IsInf(t1, 0) || t1 <= 0 {
			// A degenerate estimate cannot weight the next pass;
			// fall back to unit weights so the solve stays finite.
			for i := range w {
				w[i] = 1
			}
		} else {
			e1 := math.Exp(-tr / t1)
			for i, af := range flip {
				sin, cos := math.Sincos(af)
				r := sin / (1 - e1*cos)
				w[i] = r * r
			}
		}

		wd := mat.NewDiagDense(len(w), w)
		var xtw mat.Dense
		xtw.Mul(x.T(), wd)
		var xtwx mat.Dense
		xtwx.Mul(&xtw, x)
		var xtwy mat.VecDense
		xtwy.MulVec(&xtw, y)
		if err := b.SolveVec(&xtwx, &xtwy); err != nil {
			break
		}
		pd, t1 = fromSlope(tr, b.AtVec(0), b.AtVec(1))
	}
	return pd, t1
}

// nlls minimizes the sum of squared differences between predicted and
// measured signal magnitudes over (PD, T1) with a Nelder-Mead simplex,
// starting from the model's default parameters rather than the linear
// estimate. The evaluation budget is iterations*(acquisitions+1),
// mirroring the configuration surface of a Levenberg-Marquardt maxfev.
func (d *D1) nlls(seq sequence.Sequence, data []float64, b1 float64) (pd, t1 float64) {
	problem := optimize.Problem{
		Func: func(v []float64) float64 {
			p := [5]float64{v[0], v[1], 0, 0, b1}
			s := seq.Signal(d.model, p[:])
			var sum float64
			for i, c := range s {
				diff := cmplx.Abs(c) - data[i]
				sum += diff * diff
			}
			return sum
		},
	}
	defaults := d.model.Defaults()
	start := []float64{defaults[0], defaults[1]}
	settings := &optimize.Settings{
		FuncEvaluations: d.iterations * (seq.Size() + 1),
	}
	// Minimizer failures stay inside the voxel: the best point reached
	// (or the start) is the result.
	res, _ := optimize.Minimize(problem, start, settings, &optimize.NelderMead{})
	if res == nil || len(res.X) != 2 {
		return start[0], start[1]
	}
	return res.X[0], res.X[1]
}

// residuals recomputes the theoretical signal from the fitted parameters
// and returns measured minus predicted magnitude per acquisition
func (d *D1) residuals(seq sequence.Sequence, data []float64, pd, t1, b1 float64) []float64 {
	p := [5]float64{pd, t1, 0, 0, b1}
	s := seq.Signal(d.model, p[:])
	resids := make([]float64, len(data))
	for i := range resids {
		resids[i] = data[i] - cmplx.Abs(s[i])
	}
	return resids
}
