package scan

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"ctcubes/internal/models"
	"ctcubes/pkg/logging"
)

// dicomSlice is one parsed slice of a series before assembly into a volume.
type dicomSlice struct {
	path       string
	position   [3]float64 // ImagePositionPatient: x, y, z in mm
	rowSpacing float64    // PixelSpacing row value: distance between rows (y)
	colSpacing float64    // PixelSpacing column value: distance between columns (x)
	rows       int
	cols       int
	samples    []float64 // Hounsfield Units after rescale
}

// LoadDICOMDir assembles a CT volume from a directory of DICOM slice files.
// Slices are sorted by their z position, spacing is derived from PixelSpacing
// and the inter-slice gap, and stored pixel values are converted to
// Hounsfield Units via RescaleSlope and RescaleIntercept.
func LoadDICOMDir(dir string) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read series directory %s: %w", dir, err)
	}

	var slices []dicomSlice
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".dcm") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		s, err := parseDICOMSlice(path)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %v", path, err)
		}
		slices = append(slices, s)
	}
	if len(slices) < 2 {
		return nil, fmt.Errorf("series %s has %d slices, need at least 2 to derive z spacing", dir, len(slices))
	}

	sort.Slice(slices, func(i, j int) bool {
		return slices[i].position[2] < slices[j].position[2]
	})

	first := slices[0]
	for _, s := range slices[1:] {
		if s.rows != first.rows || s.cols != first.cols {
			return nil, fmt.Errorf("series %s mixes slice shapes: %dx%d and %dx%d",
				dir, first.cols, first.rows, s.cols, s.rows)
		}
	}

	gap := slices[1].position[2] - slices[0].position[2]
	for i := 2; i < len(slices); i++ {
		g := slices[i].position[2] - slices[i-1].position[2]
		if math.Abs(g-gap) > 0.01 {
			logging.Warningf("%s: uneven slice gaps (%.4f vs %.4f); using the first gap", dir, gap, g)
			break
		}
	}
	if gap <= 0 {
		return nil, fmt.Errorf("series %s has coincident slice positions", dir)
	}

	v := models.NewVolume(first.cols, first.rows, len(slices),
		models.Spacing{X: first.colSpacing, Y: first.rowSpacing, Z: gap},
		models.WorldPoint{X: first.position[0], Y: first.position[1], Z: first.position[2]})

	sliceLen := first.cols * first.rows
	for z, s := range slices {
		if len(s.samples) != sliceLen {
			return nil, fmt.Errorf("slice %s has %d samples, expected %d", s.path, len(s.samples), sliceLen)
		}
		copy(v.Data[z*sliceLen:(z+1)*sliceLen], s.samples)
	}
	return v, nil
}

// parseDICOMSlice reads one slice file and returns its geometry and HU samples.
func parseDICOMSlice(path string) (dicomSlice, error) {
	var s dicomSlice
	s.path = path

	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return s, err
	}

	if s.rows, err = intTag(&ds, tag.Rows); err != nil {
		return s, err
	}
	if s.cols, err = intTag(&ds, tag.Columns); err != nil {
		return s, err
	}

	pos, err := floatsTag(&ds, tag.ImagePositionPatient, 3)
	if err != nil {
		return s, err
	}
	copy(s.position[:], pos)

	// PixelSpacing lists the row spacing (between rows, y) first and the
	// column spacing (between columns, x) second.
	px, err := floatsTag(&ds, tag.PixelSpacing, 2)
	if err != nil {
		return s, err
	}
	s.rowSpacing, s.colSpacing = px[0], px[1]

	slope, intercept := 1.0, 0.0
	if v, err := floatsTag(&ds, tag.RescaleSlope, 1); err == nil {
		slope = v[0]
	}
	if v, err := floatsTag(&ds, tag.RescaleIntercept, 1); err == nil {
		intercept = v[0]
	}

	signed := false
	if v, err := intTag(&ds, tag.PixelRepresentation); err == nil && v == 1 {
		signed = true
	}

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return s, fmt.Errorf("no pixel data: %v", err)
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) != 1 {
		return s, fmt.Errorf("expected a single frame, got %d", len(info.Frames))
	}
	fr := info.Frames[0]
	if fr.Encapsulated {
		return s, fmt.Errorf("encapsulated transfer syntaxes are not supported")
	}

	s.samples, err = nativeSamples(fr, signed, slope, intercept)
	if err != nil {
		return s, err
	}
	if len(s.samples) != s.rows*s.cols {
		return s, fmt.Errorf("pixel data has %d samples, expected %dx%d", len(s.samples), s.cols, s.rows)
	}
	return s, nil
}

// nativeSamples converts a native frame's stored values to Hounsfield Units.
// CT data is almost always 16-bit; signed stored values arrive either as a
// signed native frame or as unsigned words that need reinterpreting when
// PixelRepresentation is 1.
func nativeSamples(fr *frame.Frame, signed bool, slope, intercept float64) ([]float64, error) {
	rescale := func(stored float64) float64 { return slope*stored + intercept }

	switch nf := fr.NativeData.(type) {
	case *frame.NativeFrame[uint16]:
		out := make([]float64, len(nf.RawData))
		for i, raw := range nf.RawData {
			if signed {
				out[i] = rescale(float64(int16(raw)))
			} else {
				out[i] = rescale(float64(raw))
			}
		}
		return out, nil
	case *frame.NativeFrame[int16]:
		out := make([]float64, len(nf.RawData))
		for i, raw := range nf.RawData {
			out[i] = rescale(float64(raw))
		}
		return out, nil
	case *frame.NativeFrame[uint8]:
		out := make([]float64, len(nf.RawData))
		for i, raw := range nf.RawData {
			if signed {
				out[i] = rescale(float64(int8(raw)))
			} else {
				out[i] = rescale(float64(raw))
			}
		}
		return out, nil
	case *frame.NativeFrame[uint32]:
		out := make([]float64, len(nf.RawData))
		for i, raw := range nf.RawData {
			if signed {
				out[i] = rescale(float64(int32(raw)))
			} else {
				out[i] = rescale(float64(raw))
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported native pixel layout %T", fr.NativeData)
	}
}

// intTag returns the first integer value of a tag.
func intTag(ds *dicom.Dataset, t tag.Tag) (int, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, fmt.Errorf("missing tag %v", t)
	}
	vals, ok := el.Value.GetValue().([]int)
	if !ok || len(vals) == 0 {
		return 0, fmt.Errorf("tag %v is not an integer", t)
	}
	return vals[0], nil
}

// floatsTag parses a decimal-string tag into exactly n floats.
func floatsTag(ds *dicom.Dataset, t tag.Tag, n int) ([]float64, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, fmt.Errorf("missing tag %v", t)
	}
	strs, ok := el.Value.GetValue().([]string)
	if !ok || len(strs) != n {
		return nil, fmt.Errorf("tag %v: expected %d decimal strings", t, n)
	}
	out := make([]float64, n)
	for i, s := range strs {
		if out[i], err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return nil, fmt.Errorf("tag %v: bad decimal %q", t, s)
		}
	}
	return out, nil
}
