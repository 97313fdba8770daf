// Package visualization renders quick-look previews of fitted parameter
// maps: single slices of a volume as grayscale images, windowed to a
// display range. It exists for sanity checks without a medical image
// viewer, not for quantitative display.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"despot1/internal/models"
)

// Viewer extracts displayable slices from a parameter map
type Viewer struct {
	// vol is the parameter map being previewed
	vol *models.Volume

	// window is the display maximum; values at or above it render
	// white, values at or below zero render black
	window float64
}

// NewViewer creates a viewer for a parameter map. A window of zero or
// less selects the volume's own maximum finite value; degenerate fit
// voxels can hold infinities, which must not become the window.
func NewViewer(vol *models.Volume, window float64) *Viewer {
	if window <= 0 {
		for _, v := range vol.Data {
			if v > window && !math.IsInf(v, 1) {
				window = v
			}
		}
		if window <= 0 {
			window = 1
		}
	}
	return &Viewer{vol: vol, window: window}
}

// gray maps a parameter value into the 16-bit display range. NaN values
// from degenerate fit voxels render black.
func (v *Viewer) gray(val float64) uint16 {
	scaled := val / v.window
	if math.IsNaN(scaled) || scaled <= 0 {
		return 0
	}
	if scaled >= 1 {
		return 65535
	}
	return uint16(scaled * 65535)
}

// MiddleSlice returns the central slice position along the given axis
func (v *Viewer) MiddleSlice(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.vol.Grid.Nx / 2, nil
	case "y", "Y":
		return v.vol.Grid.Ny / 2, nil
	case "z", "Z":
		return v.vol.Grid.Nz / 2, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts a 2D slice from the map along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	g := v.vol.Grid
	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= g.Nx {
			return nil, fmt.Errorf("position %d exceeds width %d", position, g.Nx)
		}

		img = image.NewGray16(image.Rect(0, 0, g.Nz, g.Ny))
		for y := 0; y < g.Ny; y++ {
			for z := 0; z < g.Nz; z++ {
				img.SetGray16(z, y, color.Gray16{Y: v.gray(v.vol.At(position, y, z))})
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= g.Ny {
			return nil, fmt.Errorf("position %d exceeds height %d", position, g.Ny)
		}

		img = image.NewGray16(image.Rect(0, 0, g.Nx, g.Nz))
		for z := 0; z < g.Nz; z++ {
			for x := 0; x < g.Nx; x++ {
				img.SetGray16(x, z, color.Gray16{Y: v.gray(v.vol.At(x, position, z))})
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= g.Nz {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, g.Nz)
		}

		img = image.NewGray16(image.Rect(0, 0, g.Nx, g.Ny))
		for y := 0; y < g.Ny; y++ {
			for x := 0; x < g.Nx; x++ {
				img.SetGray16(x, y, color.Gray16{Y: v.gray(v.vol.At(x, y, position))})
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Grid.Nx
	case "y", "Y":
		maxPos = v.vol.Grid.Ny
	case "z", "Z":
		maxPos = v.vol.Grid.Nz
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
