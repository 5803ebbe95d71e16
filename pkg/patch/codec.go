package patch

import (
	"encoding/binary"
	"fmt"
	"math"

	"ctcubes/internal/models"
)

// Patch files start with a 12-byte header (magic, format version, edge
// length) followed by size³ float32 samples in little-endian z-major order.
// Normalized intensities lose nothing meaningful at single precision and the
// files halve in size.
const (
	patchMagic   = "CTPB"
	codecVersion = 1
	headerLen    = 12
)

// Encode serializes a patch into the binary patch format.
func Encode(p *models.Patch) []byte {
	buf := make([]byte, headerLen+4*len(p.Data))
	copy(buf[0:4], patchMagic)
	binary.LittleEndian.PutUint32(buf[4:8], codecVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Size))

	off := headerLen
	for _, s := range p.Data {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(float32(s)))
		off += 4
	}
	return buf
}

// Decode parses the binary patch format produced by Encode.
func Decode(data []byte) (*models.Patch, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("patch data truncated: %d bytes", len(data))
	}
	if string(data[0:4]) != patchMagic {
		return nil, fmt.Errorf("bad patch magic %q", string(data[0:4]))
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != codecVersion {
		return nil, fmt.Errorf("unsupported patch format version %d", v)
	}

	size := int(binary.LittleEndian.Uint32(data[8:12]))
	n := size * size * size
	if size <= 0 || len(data) != headerLen+4*n {
		return nil, fmt.Errorf("patch payload mismatch: edge %d with %d bytes", size, len(data))
	}

	p := models.NewPatch(size)
	off := headerLen
	for i := 0; i < n; i++ {
		p.Data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4])))
		off += 4
	}
	return p, nil
}
