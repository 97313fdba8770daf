package models

import (
	"fmt"
	"math"
)

// gridTol is the absolute tolerance used when comparing voxel spacing and
// origin coordinates between two grids. Dimensions always compare exactly.
const gridTol = 1e-6

// Grid describes the spatial geometry shared by every image in a run
type Grid struct {
	// Nx, Ny, Nz are the volume dimensions in voxels
	Nx, Ny, Nz int

	// Sx, Sy, Sz are the physical voxel spacings in mm
	Sx, Sy, Sz float64

	// Ox, Oy, Oz are the physical coordinates of the first voxel in mm
	Ox, Oy, Oz float64
}

// NewGrid creates a grid with the given dimensions, unit spacing and a
// zero origin
func NewGrid(nx, ny, nz int) Grid {
	return Grid{Nx: nx, Ny: ny, Nz: nz, Sx: 1, Sy: 1, Sz: 1}
}

// NVoxels returns the total number of voxels in the grid
func (g Grid) NVoxels() int {
	return g.Nx * g.Ny * g.Nz
}

// Equal reports whether two grids describe the same sampling: identical
// dimensions and spacing/origin equal within a small absolute tolerance
func (g Grid) Equal(o Grid) bool {
	if g.Nx != o.Nx || g.Ny != o.Ny || g.Nz != o.Nz {
		return false
	}
	near := func(a, b float64) bool { return math.Abs(a-b) <= gridTol }
	return near(g.Sx, o.Sx) && near(g.Sy, o.Sy) && near(g.Sz, o.Sz) &&
		near(g.Ox, o.Ox) && near(g.Oy, o.Oy) && near(g.Oz, o.Oz)
}

// String formats the grid for error messages and logs
func (g Grid) String() string {
	return fmt.Sprintf("%dx%dx%d @ (%.3g, %.3g, %.3g)mm", g.Nx, g.Ny, g.Nz, g.Sx, g.Sy, g.Sz)
}

// Volume is a scalar 3D image
type Volume struct {
	// Data is the voxel data as a 1D array in row-major order
	// (x fastest, then y, then z)
	Data []float64

	// Grid is the spatial geometry of the volume
	Grid Grid
}

// NewVolume allocates a zero-filled volume on the given grid
func NewVolume(g Grid) *Volume {
	return &Volume{
		Data: make([]float64, g.NVoxels()),
		Grid: g,
	}
}

// Idx converts voxel coordinates to the flat index into Data
func (v *Volume) Idx(x, y, z int) int {
	return z*v.Grid.Nx*v.Grid.Ny + y*v.Grid.Nx + x
}

// At returns the value at the given voxel coordinates
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Idx(x, y, z)]
}

// Set stores a value at the given voxel coordinates
func (v *Volume) Set(x, y, z int, val float64) {
	v.Data[v.Idx(x, y, z)] = val
}

// VectorVolume is a vector-valued 3D image holding N samples per voxel,
// used for acquisition series and per-acquisition residuals
type VectorVolume struct {
	// Data holds the voxel vectors contiguously: the samples of voxel i
	// occupy Data[i*N : (i+1)*N]
	Data []float64

	// N is the number of samples per voxel
	N int

	// Grid is the spatial geometry of the volume
	Grid Grid
}

// NewVectorVolume allocates a zero-filled vector volume with n samples
// per voxel on the given grid
func NewVectorVolume(g Grid, n int) *VectorVolume {
	return &VectorVolume{
		Data: make([]float64, g.NVoxels()*n),
		N:    n,
		Grid: g,
	}
}

// Idx converts voxel coordinates to the flat voxel index (not sample index)
func (v *VectorVolume) Idx(x, y, z int) int {
	return z*v.Grid.Nx*v.Grid.Ny + y*v.Grid.Nx + x
}

// VoxelAt returns the sample vector of the given voxel as a slice sharing
// the underlying storage; callers must not hold it across writes from
// other goroutines to the same voxel
func (v *VectorVolume) VoxelAt(x, y, z int) []float64 {
	i := v.Idx(x, y, z) * v.N
	return v.Data[i : i+v.N]
}

// SetVoxel copies a sample vector into the given voxel location.
// The source must have exactly N entries.
func (v *VectorVolume) SetVoxel(x, y, z int, samples []float64) {
	i := v.Idx(x, y, z) * v.N
	copy(v.Data[i:i+v.N], samples)
}

// RMS reduces each voxel's sample vector to its root mean square,
// producing a scalar volume on the same grid. It is used to collapse
// per-acquisition residuals into a single goodness-of-fit map.
func (v *VectorVolume) RMS() *Volume {
	out := NewVolume(v.Grid)
	for i := range out.Data {
		var sum float64
		for _, s := range v.Data[i*v.N : (i+1)*v.N] {
			sum += s * s
		}
		out.Data[i] = math.Sqrt(sum / float64(v.N))
	}
	return out
}
