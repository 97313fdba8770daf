// Package engine provides the generic voxelwise algorithm-application
// machinery: it gathers per-voxel measurement vectors from bound image
// channels, invokes a fitting algorithm independently for every voxel,
// and scatters the fitted parameter maps and residuals back into image
// space, in parallel over disjoint regions of the volume.
package engine

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"despot1/internal/models"
	"despot1/pkg/sequence"
)

// Algorithm is the per-voxel fitting contract the engine drives. The
// declared sizes are fixed for the lifetime of a run; the engine uses
// them to validate bindings and allocate outputs before any voxel is
// processed. Fit must be a pure function of its arguments, safe for
// concurrent calls, and must not retain the data or consts slices.
type Algorithm interface {
	// NInputs returns the number of vector data channels consumed
	NInputs() int

	// NConsts returns the number of scalar constant channels consumed
	NConsts() int

	// NOutputs returns the number of fitted parameter maps produced
	NOutputs() int

	// DefaultConsts returns the value assumed for each constant channel
	// that was never bound; length NConsts
	DefaultConsts() []float64

	// Fit processes one voxel: data is the concatenation of the bound
	// data channels' sample vectors, consts holds one scalar per
	// constant channel. It returns the fitted parameters (length
	// NOutputs) and the per-acquisition residuals.
	Fit(seq sequence.Sequence, data []float64, consts []float64) (outputs, resids []float64)
}

// State tracks an engine run through its lifecycle
type State int

const (
	// Configured accepts channel and algorithm bindings
	Configured State = iota

	// Sized has locked the bindings and allocated all outputs
	Sized

	// Running is processing voxels
	Running

	// Complete has finished every region; outputs are readable
	Complete

	// Failed hit a structural error before any voxel work began
	Failed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Configured:
		return "configured"
	case Sized:
		return "sized"
	case Running:
		return "running"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Engine applies a fitting algorithm to every voxel of a volume.
//
// A run moves strictly through Configured -> Sized (Setup) -> Running
// (Run) -> Complete, or to Failed when Setup detects a structural
// problem. Binding calls are only valid while Configured; output
// accessors only once Complete. An Engine drives one run and is not
// safe for concurrent configuration; Run itself spawns the workers.
type Engine struct {
	seq     sequence.Sequence
	algo    Algorithm
	data    []*models.VectorVolume
	consts  []*models.Volume
	mask    *models.Volume
	threads int
	log     zerolog.Logger

	state   State
	grid    models.Grid
	outputs []*models.Volume
	resid   *models.VectorVolume
}

// New creates an engine in the Configured state with logging disabled
func New() *Engine {
	return &Engine{log: zerolog.Nop()}
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	return e.state
}

// bindable guards every binding call
func (e *Engine) bindable(what string) error {
	if e.state != Configured {
		return fmt.Errorf("cannot bind %s: engine is %s, bindings are only valid before setup", what, e.state)
	}
	return nil
}

// SetSequence binds the acquisition protocol
func (e *Engine) SetSequence(s sequence.Sequence) error {
	if err := e.bindable("sequence"); err != nil {
		return err
	}
	e.seq = s
	return nil
}

// SetAlgorithm binds the fitting algorithm
func (e *Engine) SetAlgorithm(a Algorithm) error {
	if err := e.bindable("algorithm"); err != nil {
		return err
	}
	e.algo = a
	return nil
}

// SetDataInput binds the i-th vector data channel
func (e *Engine) SetDataInput(i int, v *models.VectorVolume) error {
	if err := e.bindable("data channel"); err != nil {
		return err
	}
	if i < 0 {
		return fmt.Errorf("data channel index must be non-negative, got %d", i)
	}
	if v == nil {
		return fmt.Errorf("data channel %d is nil", i)
	}
	for len(e.data) <= i {
		e.data = append(e.data, nil)
	}
	e.data[i] = v
	return nil
}

// SetConstInput binds the i-th scalar constant channel. Channels never
// bound fall back to the algorithm's default value.
func (e *Engine) SetConstInput(i int, v *models.Volume) error {
	if err := e.bindable("constant channel"); err != nil {
		return err
	}
	if i < 0 {
		return fmt.Errorf("constant channel index must be non-negative, got %d", i)
	}
	if v == nil {
		return fmt.Errorf("constant channel %d is nil", i)
	}
	for len(e.consts) <= i {
		e.consts = append(e.consts, nil)
	}
	e.consts[i] = v
	return nil
}

// SetMask binds the processing mask: a voxel is fitted iff the mask is
// absent or non-zero at that voxel. Skipped voxels keep zero outputs.
func (e *Engine) SetMask(v *models.Volume) error {
	if err := e.bindable("mask"); err != nil {
		return err
	}
	e.mask = v
	return nil
}

// SetThreads sets the worker count; zero or less selects the number of
// CPUs at run time
func (e *Engine) SetThreads(n int) error {
	if err := e.bindable("thread count"); err != nil {
		return err
	}
	e.threads = n
	return nil
}

// SetLogger attaches a logger for progress reporting. The default
// discards everything; the per-voxel path never logs.
func (e *Engine) SetLogger(log zerolog.Logger) error {
	if err := e.bindable("logger"); err != nil {
		return err
	}
	e.log = log
	return nil
}

// fail records a structural error and moves the engine to Failed
func (e *Engine) fail(err error) error {
	e.state = Failed
	return err
}

// Setup validates every binding and allocates the output images on the
// primary data channel's grid. It must be called exactly once, after all
// bindings and before Run; any failure here leaves no partial output.
func (e *Engine) Setup() error {
	if e.state != Configured {
		return fmt.Errorf("setup is only valid once, on a configured engine (engine is %s)", e.state)
	}
	if e.seq == nil {
		return e.fail(fmt.Errorf("no sequence protocol bound"))
	}
	if e.algo == nil {
		return e.fail(fmt.Errorf("no fitting algorithm bound"))
	}
	if got, want := len(e.data), e.algo.NInputs(); got != want {
		return e.fail(fmt.Errorf("fitting algorithm wants %d data channels, %d bound", want, got))
	}
	for i, ch := range e.data {
		if ch == nil {
			return e.fail(fmt.Errorf("data channel %d was never bound", i))
		}
	}
	if len(e.consts) > e.algo.NConsts() {
		return e.fail(fmt.Errorf("constant channel %d bound but algorithm declares only %d constants",
			len(e.consts)-1, e.algo.NConsts()))
	}
	if got, want := len(e.algo.DefaultConsts()), e.algo.NConsts(); got != want {
		return e.fail(fmt.Errorf("algorithm declares %d constants but supplies %d defaults", want, got))
	}

	e.grid = e.data[0].Grid
	for i, ch := range e.data {
		if !ch.Grid.Equal(e.grid) {
			return e.fail(fmt.Errorf("grid mismatch: data channel %d is %s, primary input is %s",
				i, ch.Grid, e.grid))
		}
		if ch.N != e.seq.Size() {
			return e.fail(fmt.Errorf("data channel %d has %d samples per voxel, protocol has %d acquisitions",
				i, ch.N, e.seq.Size()))
		}
	}
	for i, ch := range e.consts {
		if ch != nil && !ch.Grid.Equal(e.grid) {
			return e.fail(fmt.Errorf("grid mismatch: constant channel %d is %s, primary input is %s",
				i, ch.Grid, e.grid))
		}
	}
	if e.mask != nil && !e.mask.Grid.Equal(e.grid) {
		return e.fail(fmt.Errorf("grid mismatch: mask is %s, primary input is %s", e.mask.Grid, e.grid))
	}

	e.outputs = make([]*models.Volume, e.algo.NOutputs())
	for i := range e.outputs {
		e.outputs[i] = models.NewVolume(e.grid)
	}
	e.resid = models.NewVectorVolume(e.grid, e.seq.Size()*e.algo.NInputs())
	e.state = Sized
	return nil
}

// Run partitions the volume into disjoint z-slab regions, one worker
// goroutine per region, and fits every unmasked voxel. Workers share
// only immutable configuration and write only their own region of each
// output, so the results are identical for any worker count. There is
// no cancellation inside the voxel loop; the algorithm's iteration caps
// bound the per-voxel work.
func (e *Engine) Run() error {
	if e.state != Sized {
		return fmt.Errorf("run requires a sized engine (engine is %s)", e.state)
	}
	e.state = Running

	workers := e.threads
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	nz := e.grid.Nz
	slab := (nz + workers - 1) / workers

	e.log.Debug().
		Str("grid", e.grid.String()).
		Int("workers", workers).
		Int("acquisitions", e.seq.Size()).
		Msg("starting voxelwise fit")

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		z0 := w * slab
		z1 := z0 + slab
		if z1 > nz {
			z1 = nz
		}
		if z0 >= z1 {
			continue
		}
		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			e.processSlab(z0, z1)
		}(z0, z1)
	}
	wg.Wait()

	e.state = Complete
	e.log.Debug().Msg("voxelwise fit complete")
	return nil
}

// processSlab fits every voxel with z in [z0, z1) in natural scan order,
// x fastest. Masked-out voxels are skipped and keep their zero outputs.
func (e *Engine) processSlab(z0, z1 int) {
	defaults := e.algo.DefaultConsts()
	consts := make([]float64, e.algo.NConsts())
	total := 0
	for _, ch := range e.data {
		total += ch.N
	}
	data := make([]float64, total)

	for z := z0; z < z1; z++ {
		for y := 0; y < e.grid.Ny; y++ {
			for x := 0; x < e.grid.Nx; x++ {
				if e.mask != nil && e.mask.At(x, y, z) == 0 {
					continue
				}
				for ci := range consts {
					if ci < len(e.consts) && e.consts[ci] != nil {
						consts[ci] = e.consts[ci].At(x, y, z)
					} else {
						consts[ci] = defaults[ci]
					}
				}
				off := 0
				for _, ch := range e.data {
					copy(data[off:off+ch.N], ch.VoxelAt(x, y, z))
					off += ch.N
				}
				outputs, resids := e.algo.Fit(e.seq, data, consts)
				for oi, ov := range outputs {
					e.outputs[oi].Set(x, y, z, ov)
				}
				e.resid.SetVoxel(x, y, z, resids)
			}
		}
	}
}

// Output returns the i-th fitted parameter map; valid only once the run
// is Complete
func (e *Engine) Output(i int) (*models.Volume, error) {
	if e.state != Complete {
		return nil, fmt.Errorf("outputs are not readable until the run completes (engine is %s)", e.state)
	}
	if i < 0 || i >= len(e.outputs) {
		return nil, fmt.Errorf("output index %d out of range, algorithm produces %d outputs", i, len(e.outputs))
	}
	return e.outputs[i], nil
}

// ResidOutput returns the per-acquisition residual image; valid only
// once the run is Complete
func (e *Engine) ResidOutput() (*models.VectorVolume, error) {
	if e.state != Complete {
		return nil, fmt.Errorf("outputs are not readable until the run completes (engine is %s)", e.state)
	}
	return e.resid, nil
}
