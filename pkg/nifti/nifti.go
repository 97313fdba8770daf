// Package nifti reads and writes single-file NIfTI-1 images (.nii,
// .nii.gz): scalar 3D volumes and 4D series. Reading understands the
// common integer and float datatypes with slope/intercept scaling;
// writing always produces float32 data. This is deliberately the small
// corner of the format a fitting tool needs, not a general converter.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"despot1/internal/models"
)

// NIfTI-1 datatype codes supported on read
const (
	typeUint8   = 2
	typeInt16   = 4
	typeInt32   = 8
	typeFloat32 = 16
	typeFloat64 = 64
)

const (
	headerSize = 348
	voxOffset  = 352

	// spatial units mm, temporal units seconds
	unitsMMSec = 2 | 8
)

// header is the fixed 348-byte NIfTI-1 header, field for field
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

func isGzip(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

// readHeader parses the header from raw bytes, detecting byte order from
// the sizeof_hdr field
func readHeader(raw []byte) (*header, binary.ByteOrder, error) {
	var h header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, nil, fmt.Errorf("failed to parse NIfTI header: %w", err)
	}
	if h.SizeofHdr != headerSize {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
			return nil, nil, fmt.Errorf("failed to parse NIfTI header: %w", err)
		}
		if h.SizeofHdr != headerSize {
			return nil, nil, fmt.Errorf("not a NIfTI-1 file: header size %d", h.SizeofHdr)
		}
	}
	magic := string(h.Magic[:3])
	switch magic {
	case "n+1":
		// single-file image, data follows in the same stream
	case "ni1":
		return nil, nil, fmt.Errorf("two-file NIfTI (.hdr/.img pairs) is not supported")
	default:
		return nil, nil, fmt.Errorf("not a NIfTI-1 file: bad magic %q", magic)
	}
	return &h, order, nil
}

// gridFromHeader recovers the spatial grid from dim, pixdim and whichever
// of the qform/sform offsets is active
func gridFromHeader(h *header) models.Grid {
	g := models.Grid{
		Nx: int(h.Dim[1]), Ny: int(h.Dim[2]), Nz: int(h.Dim[3]),
		Sx: float64(h.Pixdim[1]), Sy: float64(h.Pixdim[2]), Sz: float64(h.Pixdim[3]),
	}
	switch {
	case h.QformCode > 0:
		g.Ox, g.Oy, g.Oz = float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)
	case h.SformCode > 0:
		g.Ox, g.Oy, g.Oz = float64(h.SrowX[3]), float64(h.SrowY[3]), float64(h.SrowZ[3])
	}
	return g
}

// readRaw decodes n voxel values of the header's datatype and applies
// slope/intercept scaling
func readRaw(r io.Reader, order binary.ByteOrder, h *header, n int) ([]float64, error) {
	out := make([]float64, n)
	switch h.Datatype {
	case typeUint8:
		buf := make([]uint8, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case typeInt16:
		buf := make([]int16, n)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case typeInt32:
		buf := make([]int32, n)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case typeFloat32:
		buf := make([]float32, n)
		if err := binary.Read(r, order, buf); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case typeFloat64:
		if err := binary.Read(r, order, out); err != nil {
			return nil, fmt.Errorf("failed to read voxel data: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype %d", h.Datatype)
	}

	// scl_slope of zero means no scaling is defined
	if h.SclSlope != 0 && (h.SclSlope != 1 || h.SclInter != 0) {
		slope, inter := float64(h.SclSlope), float64(h.SclInter)
		for i := range out {
			out[i] = out[i]*slope + inter
		}
	}
	return out, nil
}

// readFile opens a (possibly gzipped) file, parses its header and
// returns the header, byte order and a reader positioned at the voxel
// data. The caller runs inside fn; the file is closed afterwards.
func readFile(path string, fn func(h *header, order binary.ByteOrder, r io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if isGzip(path) {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream in %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return fmt.Errorf("failed to read NIfTI header from %s: %w", path, err)
	}
	h, order, err := readHeader(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		return fmt.Errorf("%s: voxel data offset %g overlaps the header", path, h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return fmt.Errorf("failed to seek to voxel data in %s: %w", path, err)
	}
	return fn(h, order, r)
}

func checkDims(h *header) error {
	for i := int16(1); i <= h.Dim[0] && i < 8; i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("invalid dimension %d: %d", i, h.Dim[i])
		}
	}
	return nil
}

// ReadVolume reads a scalar 3D volume. A 4D file with a single timepoint
// is accepted as 3D.
func ReadVolume(path string) (*models.Volume, error) {
	var vol *models.Volume
	err := readFile(path, func(h *header, order binary.ByteOrder, r io.Reader) error {
		if err := checkDims(h); err != nil {
			return fmt.Errorf("%s: %v", path, err)
		}
		nd := h.Dim[0]
		if nd != 3 && !(nd == 4 && h.Dim[4] == 1) {
			return fmt.Errorf("%s: expected a 3D volume, file has %d dimensions", path, nd)
		}
		grid := gridFromHeader(h)
		data, err := readRaw(r, order, h, grid.NVoxels())
		if err != nil {
			return fmt.Errorf("%s: %v", path, err)
		}
		vol = &models.Volume{Data: data, Grid: grid}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vol, nil
}

// ReadSeries reads a 4D series as a vector volume with one sample per
// timepoint. A 3D file is accepted as a series of length one. The file
// stores whole volumes timepoint by timepoint; samples are regrouped
// voxel-major here.
func ReadSeries(path string) (*models.VectorVolume, error) {
	var vv *models.VectorVolume
	err := readFile(path, func(h *header, order binary.ByteOrder, r io.Reader) error {
		if err := checkDims(h); err != nil {
			return fmt.Errorf("%s: %v", path, err)
		}
		nd := h.Dim[0]
		if nd != 3 && nd != 4 {
			return fmt.Errorf("%s: expected a 3D or 4D image, file has %d dimensions", path, nd)
		}
		nt := 1
		if nd == 4 {
			nt = int(h.Dim[4])
		}
		grid := gridFromHeader(h)
		nvox := grid.NVoxels()
		raw, err := readRaw(r, order, h, nvox*nt)
		if err != nil {
			return fmt.Errorf("%s: %v", path, err)
		}
		vv = models.NewVectorVolume(grid, nt)
		for t := 0; t < nt; t++ {
			for i := 0; i < nvox; i++ {
				vv.Data[i*nt+t] = raw[t*nvox+i]
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vv, nil
}

// newHeader builds a float32 output header for the given grid, 3D when
// nt is one and 4D otherwise
func newHeader(g models.Grid, nt int) header {
	var h header
	h.SizeofHdr = headerSize
	h.Regular = 'r'
	h.Dim = [8]int16{3, int16(g.Nx), int16(g.Ny), int16(g.Nz), 1, 1, 1, 1}
	if nt > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(nt)
	}
	h.Datatype = typeFloat32
	h.Bitpix = 32
	h.Pixdim = [8]float32{1, float32(g.Sx), float32(g.Sy), float32(g.Sz), 1, 1, 1, 1}
	h.VoxOffset = voxOffset
	h.SclSlope = 1
	h.XyztUnits = unitsMMSec
	copy(h.Descrip[:], "despot1")
	h.SformCode = 1
	h.SrowX = [4]float32{float32(g.Sx), 0, 0, float32(g.Ox)}
	h.SrowY = [4]float32{0, float32(g.Sy), 0, float32(g.Oy)}
	h.SrowZ = [4]float32{0, 0, float32(g.Sz), float32(g.Oz)}
	h.QoffsetX, h.QoffsetY, h.QoffsetZ = float32(g.Ox), float32(g.Oy), float32(g.Oz)
	h.Magic = [4]byte{'n', '+', '1', 0}
	return h
}

// writeFile creates a (possibly gzipped) file and hands fn the writer
func writeFile(path string, fn func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if isGzip(path) {
		gz := gzip.NewWriter(f)
		if err := fn(gz); err != nil {
			f.Close()
			return err
		}
		if err := gz.Close(); err != nil {
			f.Close()
			return fmt.Errorf("failed to finish gzip stream for %s: %w", path, err)
		}
	} else if err := fn(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// writeImage writes header, extender and float32 voxel data
func writeImage(w io.Writer, h header, data []float32) error {
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write NIfTI header: %w", err)
	}
	// four-byte extender: no header extensions follow
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("failed to write NIfTI extender: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return nil
}

// WriteVolume writes a scalar 3D volume as float32
func WriteVolume(path string, vol *models.Volume) error {
	data := make([]float32, len(vol.Data))
	for i, v := range vol.Data {
		data[i] = float32(v)
	}
	return writeFile(path, func(w io.Writer) error {
		return writeImage(w, newHeader(vol.Grid, 1), data)
	})
}

// WriteSeries writes a vector volume as a float32 4D series, regrouping
// the voxel-major samples into whole volumes per timepoint
func WriteSeries(path string, vv *models.VectorVolume) error {
	nvox := vv.Grid.NVoxels()
	data := make([]float32, nvox*vv.N)
	for i := 0; i < nvox; i++ {
		for t := 0; t < vv.N; t++ {
			data[t*nvox+i] = float32(vv.Data[i*vv.N+t])
		}
	}
	return writeFile(path, func(w io.Writer) error {
		return writeImage(w, newHeader(vv.Grid, vv.N), data)
	})
}
