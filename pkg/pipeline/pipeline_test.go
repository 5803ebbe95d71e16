package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ctcubes/internal/models"
	"ctcubes/pkg/index"
	"ctcubes/pkg/normalize"
	"ctcubes/pkg/patch"
	"ctcubes/pkg/store"
)

func writeMHD(t *testing.T, path string, v *models.Volume) {
	t.Helper()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "ObjectType = Image\nNDims = 3\nDimSize = %d %d %d\n", v.Width, v.Height, v.Depth)
	fmt.Fprintf(&buf, "ElementSpacing = %g %g %g\n", v.Spacing.X, v.Spacing.Y, v.Spacing.Z)
	fmt.Fprintf(&buf, "Offset = %g %g %g\n", v.Origin.X, v.Origin.Y, v.Origin.Z)
	buf.WriteString("ElementType = MET_SHORT\nElementDataFile = LOCAL\n")
	for _, sample := range v.Data {
		if err := binary.Write(&buf, binary.LittleEndian, int16(sample)); err != nil {
			t.Fatalf("failed to encode voxel data: %v", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// airVolume returns a volume filled with air (-1000 HU).
func airVolume(width, height, depth int, spacing models.Spacing, origin models.WorldPoint) *models.Volume {
	v := models.NewVolume(width, height, depth, spacing, origin)
	for i := range v.Data {
		v.Data[i] = -1000
	}
	return v
}

func defaultParams(scanRoot, annotations string, s store.Store) *Params {
	return &Params{
		ScanRoot:        scanRoot,
		AnnotationsFile: annotations,
		TargetSpacing:   models.Isotropic(1.0),
		Window:          normalize.Window{Low: -1000, High: 400},
		PatchSize:       8,
		BackgroundHU:    -1000,
		NumWorkers:      2,
		Store:           s,
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	scans := t.TempDir()

	// vol-a: 24 cube at 1 mm, a dense 400 HU block filling indices [8,16)
	// on every axis. The annotation at world (12,12,12) centers an 8 cube
	// exactly on the block.
	volA := airVolume(24, 24, 24, models.Isotropic(1), models.WorldPoint{})
	for z := 8; z < 16; z++ {
		for y := 8; y < 16; y++ {
			for x := 8; x < 16; x++ {
				volA.SetAt(z, y, x, 400)
			}
		}
	}
	writeMHD(t, filepath.Join(scans, "vol-a.mhd"), volA)

	// vol-b: 16 cube of water (0 HU) at 2 mm spacing, so resampling doubles
	// it to 32 voxels per side. The annotated patch stays clear of the
	// resampling edge band.
	volB := models.NewVolume(16, 16, 16, models.Isotropic(2), models.WorldPoint{X: -10, Y: -10, Z: -10})
	writeMHD(t, filepath.Join(scans, "vol-b.mhd"), volB)

	annotations := filepath.Join(t.TempDir(), "annotations.csv")
	content := "seriesuid,coordX,coordY,coordZ,diameter_mm\n" +
		"vol-a,12,12,12,8.0\n" +
		"vol-b,6,6,6,5.0\n" +
		"ghost,1,2,3,4.0\n" +
		"ghost,5,6,7,8.0\n"
	if err := os.WriteFile(annotations, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write annotations: %v", err)
	}

	catalog, err := index.NewCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	defer catalog.Close()

	mem := store.NewMemory()
	params := defaultParams(scans, annotations, mem)
	params.Catalog = catalog
	params.SavePreviews = true

	p, err := New(params)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	summary, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.ScansTotal != 2 || summary.ScansProcessed != 2 || summary.ScansFailed != 0 {
		t.Errorf("unexpected scan counts: %+v", summary)
	}
	if summary.PatchesWritten != 2 {
		t.Errorf("expected 2 patches, got %d", summary.PatchesWritten)
	}
	if summary.AnnotationsSkipped != 2 {
		t.Errorf("expected 2 skipped annotations for the ghost volume, got %d", summary.AnnotationsSkipped)
	}
	foundUnresolved := false
	for _, failure := range summary.Failures {
		if errors.Is(failure, ErrUnresolvedReference) {
			foundUnresolved = true
		}
	}
	if !foundUnresolved {
		t.Errorf("expected an unresolved reference failure, got %v", summary.Failures)
	}

	// The index artifact lists both patches in volume order.
	_, rc, err := mem.Get(ctx, "runs/"+p.RunID()+"/index.csv")
	if err != nil {
		t.Fatalf("index artifact missing: %v", err)
	}
	records, err := index.ReadCSV(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("failed to read index artifact: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 index records, got %d", len(records))
	}
	if records[0].PatchID != "vol-a_0000" || records[1].PatchID != "vol-b_0000" {
		t.Errorf("unexpected index order: %s, %s", records[0].PatchID, records[1].PatchID)
	}
	if records[0].Center != (models.WorldPoint{X: 12, Y: 12, Z: 12}) || records[0].Diameter != 8.0 {
		t.Errorf("index record does not carry the annotation values: %+v", records[0])
	}

	// vol-a's patch covers the dense block exactly, so every sample clamps
	// to 1 after windowing.
	cubeA := readPatch(t, mem, "runs/"+p.RunID()+"/patches/vol-a_0000.ctp")
	if cubeA.Size != 8 {
		t.Fatalf("expected an 8 cube, got %d", cubeA.Size)
	}
	for i, sample := range cubeA.Data {
		if sample != 1 {
			t.Fatalf("vol-a sample %d: expected 1.0, got %g", i, sample)
		}
	}

	// vol-b is uniform water, which the -1000..400 window maps to 5/7.
	cubeB := readPatch(t, mem, "runs/"+p.RunID()+"/patches/vol-b_0000.ctp")
	want := 1000.0 / 1400.0
	for i, sample := range cubeB.Data {
		if math.Abs(sample-want) > 1e-6 {
			t.Fatalf("vol-b sample %d: expected %g, got %g", i, want, sample)
		}
	}

	// Previews were written alongside the cubes.
	previews, err := mem.List(ctx, "runs/"+p.RunID()+"/previews/")
	if err != nil {
		t.Fatalf("List previews failed: %v", err)
	}
	if len(previews) != 2 {
		t.Errorf("expected 2 previews, got %d", len(previews))
	}

	// The catalog carries the same entries plus stats and counters.
	entries, err := catalog.PatchesForRun(ctx, p.RunID())
	if err != nil {
		t.Fatalf("PatchesForRun failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 catalog entries, got %d", len(entries))
	}
	statsB := entries[1].Stats
	if math.Abs(statsB.Mean-want) > 1e-9 || statsB.Std > 1e-9 {
		t.Errorf("unexpected vol-b stats: %+v", statsB)
	}
	if entries[0].StoreKey != "runs/"+p.RunID()+"/patches/vol-a_0000.ctp" {
		t.Errorf("unexpected store key %s", entries[0].StoreKey)
	}

	run, err := catalog.GetRun(ctx, p.RunID())
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.PatchesWritten != 2 || run.ScansTotal != 2 || run.AnnotationsSkipped != 2 {
		t.Errorf("catalog run counters mismatch: %+v", run)
	}
	if run.FinishedAt.IsZero() {
		t.Error("catalog run was never finished")
	}
}

func readPatch(t *testing.T, s store.Store, key string) *models.Patch {
	t.Helper()
	_, rc, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("patch artifact %s missing: %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("failed to read %s: %v", key, err)
	}
	cube, err := patch.Decode(data)
	if err != nil {
		t.Fatalf("failed to decode %s: %v", key, err)
	}
	return cube
}

func TestPipelineIsolatesFailingScan(t *testing.T) {
	scans := t.TempDir()

	good := airVolume(12, 12, 12, models.Isotropic(1), models.WorldPoint{})
	writeMHD(t, filepath.Join(scans, "vol-good.mhd"), good)
	if err := os.WriteFile(filepath.Join(scans, "vol-bad.mhd"), []byte("not a header"), 0644); err != nil {
		t.Fatalf("failed to write corrupt scan: %v", err)
	}

	annotations := filepath.Join(t.TempDir(), "annotations.csv")
	content := "seriesuid,coordX,coordY,coordZ,diameter_mm\n" +
		"vol-good,6,6,6,3.0\n" +
		"vol-bad,6,6,6,3.0\n"
	if err := os.WriteFile(annotations, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write annotations: %v", err)
	}

	mem := store.NewMemory()
	p, err := New(defaultParams(scans, annotations, mem))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.ScansTotal != 2 || summary.ScansProcessed != 1 || summary.ScansFailed != 1 {
		t.Errorf("unexpected scan counts: %+v", summary)
	}
	if summary.PatchesWritten != 1 {
		t.Errorf("expected 1 patch, got %d", summary.PatchesWritten)
	}
	foundBad := false
	for _, failure := range summary.Failures {
		if strings.Contains(failure.Error(), "vol-bad") {
			foundBad = true
		}
	}
	if !foundBad {
		t.Errorf("expected a failure mentioning vol-bad, got %v", summary.Failures)
	}

	records, err := index.ReadCSV(mustGet(t, mem, "runs/"+p.RunID()+"/index.csv"))
	if err != nil {
		t.Fatalf("failed to read index artifact: %v", err)
	}
	if len(records) != 1 || records[0].VolumeID != "vol-good" {
		t.Errorf("expected the index to list only vol-good, got %+v", records)
	}
}

func mustGet(t *testing.T, s store.Store, key string) io.Reader {
	t.Helper()
	_, rc, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("artifact %s missing: %v", key, err)
	}
	t.Cleanup(func() { rc.Close() })
	return rc
}

func TestPipelineRejectsInvalidWindow(t *testing.T) {
	params := defaultParams("scans", "annotations.csv", store.NewMemory())
	params.Window = normalize.Window{Low: 400, High: -1000}
	if _, err := New(params); !errors.Is(err, normalize.ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
}

func TestPipelineRejectsBadParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero patch size", func(p *Params) { p.PatchSize = 0 }},
		{"negative spacing", func(p *Params) { p.TargetSpacing = models.Spacing{X: -1, Y: 1, Z: 1} }},
		{"missing store", func(p *Params) { p.Store = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := defaultParams("scans", "annotations.csv", store.NewMemory())
			tt.mutate(params)
			if _, err := New(params); err == nil {
				t.Error("expected an error, got nil")
			}
		})
	}
}

func TestPipelineCanceledContext(t *testing.T) {
	scans := t.TempDir()
	writeMHD(t, filepath.Join(scans, "vol-a.mhd"), airVolume(8, 8, 8, models.Isotropic(1), models.WorldPoint{}))

	annotations := filepath.Join(t.TempDir(), "annotations.csv")
	if err := os.WriteFile(annotations, []byte("vol-a,4,4,4,2\n"), 0644); err != nil {
		t.Fatalf("failed to write annotations: %v", err)
	}

	p, err := New(defaultParams(scans, annotations, store.NewMemory()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
