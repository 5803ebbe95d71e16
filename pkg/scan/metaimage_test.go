package scan

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"ctcubes/internal/models"
)

// shortPayload encodes int16 samples in the given byte order.
func shortPayload(t *testing.T, vals []int16, order binary.ByteOrder) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := binary.Write(&buf, order, vals); err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	return buf.Bytes()
}

func testShorts(n int) []int16 {
	vals := make([]int16, n)
	for i := range vals {
		vals[i] = int16(i*7 - 1000)
	}
	return vals
}

func TestLoadMetaImageLocal(t *testing.T) {
	dir := t.TempDir()
	vals := testShorts(4 * 3 * 2)

	header := "ObjectType = Image\n" +
		"NDims = 3\n" +
		"DimSize = 4 3 2\n" +
		"ElementType = MET_SHORT\n" +
		"ElementSpacing = 0.7 0.7 2.5\n" +
		"Offset = -200 -195.5 -378\n" +
		"ElementDataFile = LOCAL\n"
	path := filepath.Join(dir, "case0.mhd")
	content := append([]byte(header), shortPayload(t, vals, binary.LittleEndian)...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	v, err := LoadMetaImage(path)
	if err != nil {
		t.Fatalf("LoadMetaImage failed: %v", err)
	}

	if v.Width != 4 || v.Height != 3 || v.Depth != 2 {
		t.Errorf("expected shape 4x3x2, got %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	wantSpacing := models.Spacing{X: 0.7, Y: 0.7, Z: 2.5}
	if v.Spacing != wantSpacing {
		t.Errorf("expected spacing %+v, got %+v", wantSpacing, v.Spacing)
	}
	wantOrigin := models.WorldPoint{X: -200, Y: -195.5, Z: -378}
	if v.Origin != wantOrigin {
		t.Errorf("expected origin %+v, got %+v", wantOrigin, v.Origin)
	}
	for i, want := range vals {
		if got := v.Data[i]; got != float64(want) {
			t.Fatalf("voxel %d: expected %d, got %g", i, want, got)
		}
	}
}

func TestLoadMetaImageCompanionRaw(t *testing.T) {
	dir := t.TempDir()
	vals := []float32{-1000, -500, 0, 40, 400, 1000, -1000, 0}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, vals); err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "case1.raw"), buf.Bytes(), 0644); err != nil {
		t.Fatalf("failed to write raw file: %v", err)
	}

	header := "ObjectType = Image\n" +
		"NDims = 3\n" +
		"DimSize = 2 2 2\n" +
		"ElementType = MET_FLOAT\n" +
		"ElementSpacing = 1 1 1\n" +
		"Offset = 0 0 0\n" +
		"ElementDataFile = case1.raw\n"
	path := filepath.Join(dir, "case1.mhd")
	if err := os.WriteFile(path, []byte(header), 0644); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}

	v, err := LoadMetaImage(path)
	if err != nil {
		t.Fatalf("LoadMetaImage failed: %v", err)
	}
	for i, want := range vals {
		if got := v.Data[i]; math.Abs(got-float64(want)) > 1e-6 {
			t.Errorf("voxel %d: expected %g, got %g", i, want, got)
		}
	}
}

func TestLoadMetaImageCompressed(t *testing.T) {
	dir := t.TempDir()
	vals := testShorts(3 * 3 * 3)

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(shortPayload(t, vals, binary.LittleEndian)); err != nil {
		t.Fatalf("failed to compress payload: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close compressor: %v", err)
	}

	header := "ObjectType = Image\n" +
		"NDims = 3\n" +
		"DimSize = 3 3 3\n" +
		"ElementType = MET_SHORT\n" +
		"ElementSpacing = 0.5 0.5 0.5\n" +
		"Offset = 10 20 30\n" +
		"CompressedData = True\n" +
		"ElementDataFile = LOCAL\n"
	path := filepath.Join(dir, "case2.mhd")
	content := append([]byte(header), compressed.Bytes()...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	v, err := LoadMetaImage(path)
	if err != nil {
		t.Fatalf("LoadMetaImage failed: %v", err)
	}
	if v.NumVoxels() != 27 {
		t.Fatalf("expected 27 voxels, got %d", v.NumVoxels())
	}
	for i, want := range vals {
		if got := v.Data[i]; got != float64(want) {
			t.Fatalf("voxel %d: expected %d, got %g", i, want, got)
		}
	}
}

func TestLoadMetaImageBigEndian(t *testing.T) {
	dir := t.TempDir()
	vals := testShorts(2 * 2 * 2)

	header := "ObjectType = Image\n" +
		"NDims = 3\n" +
		"DimSize = 2 2 2\n" +
		"ElementType = MET_SHORT\n" +
		"ElementSpacing = 1 1 1\n" +
		"Offset = 0 0 0\n" +
		"ElementByteOrderMSB = True\n" +
		"ElementDataFile = LOCAL\n"
	path := filepath.Join(dir, "case3.mhd")
	content := append([]byte(header), shortPayload(t, vals, binary.BigEndian)...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	v, err := LoadMetaImage(path)
	if err != nil {
		t.Fatalf("LoadMetaImage failed: %v", err)
	}
	for i, want := range vals {
		if got := v.Data[i]; got != float64(want) {
			t.Fatalf("voxel %d: expected %d, got %g", i, want, got)
		}
	}
}

func TestLoadMetaImageErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		header  string
		payload []byte
	}{
		{
			name: "missing DimSize",
			header: "ObjectType = Image\n" +
				"NDims = 3\n" +
				"ElementType = MET_SHORT\n" +
				"ElementDataFile = LOCAL\n",
		},
		{
			name: "unsupported element type",
			header: "NDims = 3\n" +
				"DimSize = 2 2 2\n" +
				"ElementType = MET_COMPLEX\n" +
				"ElementDataFile = LOCAL\n",
		},
		{
			name: "slice list data",
			header: "NDims = 3\n" +
				"DimSize = 2 2 2\n" +
				"ElementType = MET_SHORT\n" +
				"ElementDataFile = LIST\n",
		},
		{
			name: "truncated payload",
			header: "NDims = 3\n" +
				"DimSize = 2 2 2\n" +
				"ElementType = MET_SHORT\n" +
				"ElementDataFile = LOCAL\n",
			payload: []byte{0x01, 0x02, 0x03},
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, fmt.Sprintf("bad%d.mhd", i))
			content := append([]byte(tt.header), tt.payload...)
			if err := os.WriteFile(path, content, 0644); err != nil {
				t.Fatalf("failed to write fixture: %v", err)
			}
			if _, err := LoadMetaImage(path); err == nil {
				t.Error("expected an error, got nil")
			}
		})
	}
}

func TestParseHelpers(t *testing.T) {
	if _, err := parseInts("1 2", 3); err == nil {
		t.Error("expected error for wrong count")
	}
	if _, err := parseFloats("1 x 3", 3); err == nil {
		t.Error("expected error for non-numeric field")
	}
	got, err := parseFloats("0.7  0.7\t2.5", 3)
	if err != nil {
		t.Fatalf("parseFloats failed: %v", err)
	}
	want := []float64{0.7, 0.7, 2.5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("field %d: expected %g, got %g", i, want[i], got[i])
		}
	}
}
