// Package reshape converts between a stack of co-registered scalar
// volumes and a single vector-valued volume, bridging time-series
// acquisitions and the engine's per-voxel channel model.
package reshape

import (
	"errors"
	"fmt"

	"despot1/internal/models"
)

// SeriesToVector stacks N scalar volumes into one vector volume with N
// samples per voxel, sample k taken from vols[k]. Every volume must
// share the first volume's grid.
func SeriesToVector(vols []*models.Volume) (*models.VectorVolume, error) {
	if len(vols) == 0 {
		return nil, errors.New("cannot stack an empty volume series")
	}
	grid := vols[0].Grid
	for i, v := range vols {
		if v == nil {
			return nil, fmt.Errorf("volume %d in series is nil", i)
		}
		if !v.Grid.Equal(grid) {
			return nil, fmt.Errorf("grid mismatch: volume %d is %s, volume 0 is %s", i, v.Grid, grid)
		}
	}

	n := len(vols)
	vv := models.NewVectorVolume(grid, n)
	for k, v := range vols {
		for i, val := range v.Data {
			vv.Data[i*n+k] = val
		}
	}
	return vv, nil
}

// VectorToSeries splits a vector volume into N scalar volumes on the
// same grid, volume k holding sample k of every voxel
func VectorToSeries(vv *models.VectorVolume) []*models.Volume {
	vols := make([]*models.Volume, vv.N)
	for k := range vols {
		vols[k] = models.NewVolume(vv.Grid)
	}
	for i := 0; i < vv.Grid.NVoxels(); i++ {
		for k := 0; k < vv.N; k++ {
			vols[k].Data[i] = vv.Data[i*vv.N+k]
		}
	}
	return vols
}
