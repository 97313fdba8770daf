package cli

import (
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"despot1/internal/models"
)

// mapSummary holds within-mask statistics of one fitted parameter map
type mapSummary struct {
	// n is the number of voxels that entered the summary
	n int

	// mean, stddev, median, min and max describe the value distribution
	mean   float64
	stddev float64
	median float64
	min    float64
	max    float64

	// p98 is the 98th percentile, used as a display window for previews
	p98 float64
}

// summarize collects statistics of a parameter map over the mask (the
// whole volume when mask is nil). Non-finite values from degenerate
// voxels are excluded so a handful of failed fits cannot swamp the
// summary.
func summarize(vol, mask *models.Volume) mapSummary {
	vals := make([]float64, 0, len(vol.Data))
	for i, v := range vol.Data {
		if mask != nil && mask.Data[i] == 0 {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		vals = append(vals, v)
	}

	s := mapSummary{n: len(vals)}
	if s.n == 0 {
		return s
	}
	sort.Float64s(vals)
	s.min = vals[0]
	s.max = vals[len(vals)-1]
	s.mean = stat.Mean(vals, nil)
	s.stddev = math.Sqrt(stat.Variance(vals, nil))
	s.median = stat.Quantile(0.5, stat.Empirical, vals, nil)
	s.p98 = stat.Quantile(0.98, stat.Empirical, vals, nil)
	return s
}

// logSummary reports one parameter map's statistics
func logSummary(log zerolog.Logger, name string, s mapSummary) {
	log.Info().
		Str("map", name).
		Int("voxels", s.n).
		Float64("mean", s.mean).
		Float64("stddev", s.stddev).
		Float64("median", s.median).
		Float64("min", s.min).
		Float64("max", s.max).
		Msg("fit summary")
}
