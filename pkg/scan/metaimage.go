// Package scan locates and loads CT volumes and their annotations. It
// understands MetaImage (.mhd/.mha) files and DICOM series directories and
// hands every volume over in the same in-memory form.
package scan

import (
	"bufio"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ctcubes/internal/models"
	"ctcubes/pkg/logging"
)

// metaHeader holds the fields of a MetaImage header this loader cares about.
// DimSize, ElementSpacing and Offset are in x, y, z order as written.
type metaHeader struct {
	nDims      int
	dimSize    [3]int
	spacing    [3]float64
	offset     [3]float64
	transform  [9]float64
	elemType   string
	dataFile   string
	channels   int
	bigEndian  bool
	compressed bool
}

// LoadMetaImage reads a MetaImage volume from a .mhd or .mha file. The voxel
// payload may live in a companion raw file (resolved relative to the header)
// or follow the header in the same file ("LOCAL"), optionally zlib
// compressed. Samples are converted to float64; CT MetaImage payloads
// already carry Hounsfield Units, so no intensity rescale is applied.
func LoadMetaImage(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	hdr, err := parseMetaHeader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header of %s: %v", path, err)
	}

	if !identityTransform(hdr.transform) {
		logging.Warningf("%s: non-identity transform matrix; treating volume as axis-aligned", filepath.Base(path))
	}

	// The header's last line is ElementDataFile; for LOCAL payloads the
	// voxel data starts immediately after it.
	var payload io.Reader
	if strings.EqualFold(hdr.dataFile, "LOCAL") {
		payload = r
	} else if strings.EqualFold(hdr.dataFile, "LIST") {
		return nil, fmt.Errorf("%s: per-slice data file lists are not supported", path)
	} else {
		raw, err := os.Open(filepath.Join(filepath.Dir(path), hdr.dataFile))
		if err != nil {
			return nil, fmt.Errorf("failed to open voxel data for %s: %w", path, err)
		}
		defer raw.Close()
		payload = bufio.NewReader(raw)
	}

	if hdr.compressed {
		zr, err := zlib.NewReader(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed voxel data of %s: %v", path, err)
		}
		defer zr.Close()
		payload = zr
	}

	data, err := io.ReadAll(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to read voxel data of %s: %v", path, err)
	}

	n := hdr.dimSize[0] * hdr.dimSize[1] * hdr.dimSize[2]
	order := binary.ByteOrder(binary.LittleEndian)
	if hdr.bigEndian {
		order = binary.BigEndian
	}
	samples, err := decodeElements(data, hdr.elemType, order, n)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	return &models.Volume{
		Data:    samples,
		Width:   hdr.dimSize[0],
		Height:  hdr.dimSize[1],
		Depth:   hdr.dimSize[2],
		Spacing: models.Spacing{X: hdr.spacing[0], Y: hdr.spacing[1], Z: hdr.spacing[2]},
		Origin:  models.WorldPoint{X: hdr.offset[0], Y: hdr.offset[1], Z: hdr.offset[2]},
	}, nil
}

// parseMetaHeader reads "Key = Value" lines up to and including
// ElementDataFile, which the format requires to be the final header line.
func parseMetaHeader(r *bufio.Reader) (*metaHeader, error) {
	hdr := &metaHeader{
		nDims:     3,
		spacing:   [3]float64{1, 1, 1},
		transform: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		channels:  1,
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("header ended before ElementDataFile")
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", strings.TrimSpace(line))
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "NDims":
			if hdr.nDims, err = strconv.Atoi(value); err != nil {
				return nil, fmt.Errorf("bad NDims %q", value)
			}
			if hdr.nDims != 3 {
				return nil, fmt.Errorf("only 3-dimensional volumes are supported, got NDims %d", hdr.nDims)
			}
		case "DimSize":
			ints, err := parseInts(value, 3)
			if err != nil {
				return nil, fmt.Errorf("bad DimSize %q: %v", value, err)
			}
			copy(hdr.dimSize[:], ints)
		case "ElementSpacing":
			floats, err := parseFloats(value, 3)
			if err != nil {
				return nil, fmt.Errorf("bad ElementSpacing %q: %v", value, err)
			}
			copy(hdr.spacing[:], floats)
		case "Offset", "Position":
			floats, err := parseFloats(value, 3)
			if err != nil {
				return nil, fmt.Errorf("bad Offset %q: %v", value, err)
			}
			copy(hdr.offset[:], floats)
		case "TransformMatrix":
			floats, err := parseFloats(value, 9)
			if err != nil {
				return nil, fmt.Errorf("bad TransformMatrix %q: %v", value, err)
			}
			copy(hdr.transform[:], floats)
		case "ElementType":
			hdr.elemType = value
		case "ElementNumberOfChannels":
			if hdr.channels, err = strconv.Atoi(value); err != nil || hdr.channels != 1 {
				return nil, fmt.Errorf("only single-channel volumes are supported, got %q", value)
			}
		case "ElementByteOrderMSB", "BinaryDataByteOrderMSB":
			hdr.bigEndian = strings.EqualFold(value, "True")
		case "CompressedData":
			hdr.compressed = strings.EqualFold(value, "True")
		case "ElementDataFile":
			hdr.dataFile = value
			if hdr.dimSize[0] <= 0 || hdr.dimSize[1] <= 0 || hdr.dimSize[2] <= 0 {
				return nil, fmt.Errorf("missing or non-positive DimSize")
			}
			if hdr.elemType == "" {
				return nil, fmt.Errorf("missing ElementType")
			}
			return hdr, nil
		}
	}
}

// decodeElements converts the raw payload bytes into float64 samples
// according to the MetaImage element type.
func decodeElements(data []byte, elemType string, order binary.ByteOrder, n int) ([]float64, error) {
	sizes := map[string]int{
		"MET_CHAR": 1, "MET_UCHAR": 1,
		"MET_SHORT": 2, "MET_USHORT": 2,
		"MET_INT": 4, "MET_UINT": 4,
		"MET_FLOAT": 4, "MET_DOUBLE": 8,
	}
	elemSize, ok := sizes[elemType]
	if !ok {
		return nil, fmt.Errorf("unsupported ElementType %s", elemType)
	}
	if len(data) != n*elemSize {
		return nil, fmt.Errorf("voxel payload is %d bytes, expected %d for %d %s samples",
			len(data), n*elemSize, n, elemType)
	}

	samples := make([]float64, n)
	switch elemType {
	case "MET_CHAR":
		for i := range samples {
			samples[i] = float64(int8(data[i]))
		}
	case "MET_UCHAR":
		for i := range samples {
			samples[i] = float64(data[i])
		}
	case "MET_SHORT":
		for i := range samples {
			samples[i] = float64(int16(order.Uint16(data[i*2:])))
		}
	case "MET_USHORT":
		for i := range samples {
			samples[i] = float64(order.Uint16(data[i*2:]))
		}
	case "MET_INT":
		for i := range samples {
			samples[i] = float64(int32(order.Uint32(data[i*4:])))
		}
	case "MET_UINT":
		for i := range samples {
			samples[i] = float64(order.Uint32(data[i*4:]))
		}
	case "MET_FLOAT":
		for i := range samples {
			samples[i] = float64(math.Float32frombits(order.Uint32(data[i*4:])))
		}
	case "MET_DOUBLE":
		for i := range samples {
			samples[i] = math.Float64frombits(order.Uint64(data[i*8:]))
		}
	}
	return samples, nil
}

// identityTransform reports whether the 3x3 direction matrix is the identity
// within a small tolerance.
func identityTransform(m [9]float64) bool {
	identity := [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	for i := range m {
		if math.Abs(m[i]-identity[i]) > 1e-6 {
			return false
		}
	}
	return true
}
