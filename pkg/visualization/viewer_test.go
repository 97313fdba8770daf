package visualization

import (
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"testing"

	"despot1/internal/models"
)

// createTestVolume builds a volume with a distinct value at every voxel
// so slices can be identified after extraction
func createTestVolume(nx, ny, nz int, value func(x, y, z int) float64) *models.Volume {
	vol := models.NewVolume(models.NewGrid(nx, ny, nz))
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				vol.Set(x, y, z, value(x, y, z))
			}
		}
	}
	return vol
}

// TestNewViewer verifies window selection, including the automatic
// volume-maximum window
func TestNewViewer(t *testing.T) {
	vol := createTestVolume(4, 4, 2, func(x, y, z int) float64 {
		return float64(x + y + z)
	})

	t.Run("ExplicitWindow", func(t *testing.T) {
		viewer := NewViewer(vol, 10)
		if viewer.window != 10 {
			t.Errorf("Expected window 10, got %f", viewer.window)
		}
	})

	t.Run("AutoWindow", func(t *testing.T) {
		viewer := NewViewer(vol, 0)
		// Maximum of x+y+z over a 4x4x2 grid
		if viewer.window != 7 {
			t.Errorf("Expected auto window 7, got %f", viewer.window)
		}
	})

	t.Run("AutoWindowIgnoresInf", func(t *testing.T) {
		bad := createTestVolume(2, 2, 1, func(x, y, z int) float64 {
			return float64(x + y)
		})
		bad.Set(0, 0, 0, math.Inf(1))
		viewer := NewViewer(bad, 0)
		if math.IsInf(viewer.window, 1) {
			t.Error("Auto window must not select an infinite value")
		}
		if viewer.window != 2 {
			t.Errorf("Expected auto window 2, got %f", viewer.window)
		}
	})

	t.Run("AllZeroVolume", func(t *testing.T) {
		zero := models.NewVolume(models.NewGrid(2, 2, 2))
		viewer := NewViewer(zero, 0)
		if viewer.window != 1 {
			t.Errorf("Expected fallback window 1, got %f", viewer.window)
		}
	})
}

// TestGrayMapping verifies the value-to-intensity windowing
func TestGrayMapping(t *testing.T) {
	vol := models.NewVolume(models.NewGrid(1, 1, 1))
	viewer := NewViewer(vol, 2.0)

	testCases := []struct {
		name     string
		value    float64
		expected uint16
	}{
		{"Negative", -1.0, 0},
		{"Zero", 0.0, 0},
		{"Half", 1.0, 32767},
		{"AtWindow", 2.0, 65535},
		{"AboveWindow", 5.0, 65535},
		{"NaN", math.NaN(), 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := viewer.gray(tc.value)
			if got != tc.expected {
				t.Errorf("gray(%f): expected %d, got %d", tc.value, tc.expected, got)
			}
		})
	}
}

// TestMiddleSlice verifies the default slice position per axis
func TestMiddleSlice(t *testing.T) {
	vol := createTestVolume(10, 8, 6, func(x, y, z int) float64 { return 0 })
	viewer := NewViewer(vol, 1)

	testCases := []struct {
		axis     string
		expected int
	}{
		{"x", 5},
		{"y", 4},
		{"z", 3},
		{"Z", 3},
	}

	for _, tc := range testCases {
		pos, err := viewer.MiddleSlice(tc.axis)
		if err != nil {
			t.Fatalf("MiddleSlice(%s) failed: %v", tc.axis, err)
		}
		if pos != tc.expected {
			t.Errorf("MiddleSlice(%s): expected %d, got %d", tc.axis, tc.expected, pos)
		}
	}

	if _, err := viewer.MiddleSlice("w"); err == nil {
		t.Error("Expected error for invalid axis")
	}
}

// TestExtractSlice verifies slice dimensions and content along each axis
func TestExtractSlice(t *testing.T) {
	nx, ny, nz := 6, 5, 4
	// Value encodes the coordinates uniquely
	vol := createTestVolume(nx, ny, nz, func(x, y, z int) float64 {
		return float64(x) + 10*float64(y) + 100*float64(z)
	})
	viewer := NewViewer(vol, 0)

	t.Run("AxisZ", func(t *testing.T) {
		img, err := viewer.ExtractSlice("z", 2)
		if err != nil {
			t.Fatalf("Failed to extract z slice: %v", err)
		}
		bounds := img.Bounds()
		if bounds.Dx() != nx || bounds.Dy() != ny {
			t.Errorf("Expected %dx%d slice, got %dx%d", nx, ny, bounds.Dx(), bounds.Dy())
		}
	})

	t.Run("AxisY", func(t *testing.T) {
		img, err := viewer.ExtractSlice("y", 1)
		if err != nil {
			t.Fatalf("Failed to extract y slice: %v", err)
		}
		bounds := img.Bounds()
		if bounds.Dx() != nx || bounds.Dy() != nz {
			t.Errorf("Expected %dx%d slice, got %dx%d", nx, nz, bounds.Dx(), bounds.Dy())
		}
	})

	t.Run("AxisX", func(t *testing.T) {
		img, err := viewer.ExtractSlice("x", 3)
		if err != nil {
			t.Fatalf("Failed to extract x slice: %v", err)
		}
		bounds := img.Bounds()
		if bounds.Dx() != nz || bounds.Dy() != ny {
			t.Errorf("Expected %dx%d slice, got %dx%d", nz, ny, bounds.Dx(), bounds.Dy())
		}
	})

	t.Run("BrightestCorner", func(t *testing.T) {
		// The z slice's brightest pixel sits at the maximal x and y
		img, err := viewer.ExtractSlice("z", nz-1)
		if err != nil {
			t.Fatalf("Failed to extract slice: %v", err)
		}
		gray, ok := img.(*image.Gray16)
		if !ok {
			t.Fatalf("Expected *image.Gray16, got %T", img)
		}
		corner := gray.Gray16At(nx-1, ny-1).Y
		if corner != 65535 {
			t.Errorf("Expected brightest pixel 65535 at the far corner, got %d", corner)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		if _, err := viewer.ExtractSlice("w", 0); err == nil {
			t.Error("Expected error for invalid axis")
		}
		if _, err := viewer.ExtractSlice("z", -1); err == nil {
			t.Error("Expected error for negative position")
		}
		if _, err := viewer.ExtractSlice("z", nz); err == nil {
			t.Error("Expected error for out-of-range position")
		}
		if _, err := viewer.ExtractSlice("x", nx); err == nil {
			t.Error("Expected error for out-of-range x position")
		}
		if _, err := viewer.ExtractSlice("y", ny); err == nil {
			t.Error("Expected error for out-of-range y position")
		}
	})
}

// TestSaveSlice verifies that an extracted slice is written as a
// readable JPEG file
func TestSaveSlice(t *testing.T) {
	vol := createTestVolume(8, 8, 2, func(x, y, z int) float64 {
		return float64(x * y)
	})
	viewer := NewViewer(vol, 0)

	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}

	path := filepath.Join(t.TempDir(), "slice.jpg")
	if err := viewer.SaveSlice(img, path); err != nil {
		t.Fatalf("Failed to save slice: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Saved file missing: %v", err)
	}
	defer f.Close()

	decoded, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("Saved file is not a valid JPEG: %v", err)
	}
	bounds := decoded.Bounds()
	if bounds.Dx() != 8 || bounds.Dy() != 8 {
		t.Errorf("Expected 8x8 JPEG, got %dx%d", bounds.Dx(), bounds.Dy())
	}
}

// TestSaveSliceSequence verifies that every slice along an axis is
// written
func TestSaveSliceSequence(t *testing.T) {
	nz := 3
	vol := createTestVolume(4, 4, nz, func(x, y, z int) float64 {
		return float64(z)
	})
	viewer := NewViewer(vol, 0)

	outDir := filepath.Join(t.TempDir(), "slices")
	if err := viewer.SaveSliceSequence("z", outDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	for pos := 0; pos < nz; pos++ {
		path := filepath.Join(outDir, fmt.Sprintf("slice_z_%03d.jpg", pos))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected slice file %s: %v", path, err)
		}
	}

	if err := viewer.SaveSliceSequence("bad", outDir); err == nil {
		t.Error("Expected error for invalid axis")
	}
}
