// Package pipeline drives the conversion of CT scans and their nodule
// annotations into fixed-size, intensity-normalized voxel cubes ready for
// model training.
//
// The run proceeds in stages:
// 1. Reading the annotation file and grouping rows by volume ID
// 2. Discovering scans below the scan root
// 3. Matching annotation groups to discovered scans
// 4. Processing matched scans in parallel (resample, normalize, extract)
// 5. Writing the patch index artifact and catalog entries
//
// A failing scan never aborts the run; its error is logged, counted and
// collected while the remaining scans continue.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"ctcubes/internal/models"
	"ctcubes/pkg/index"
	"ctcubes/pkg/logging"
	"ctcubes/pkg/normalize"
	"ctcubes/pkg/patch"
	"ctcubes/pkg/preview"
	"ctcubes/pkg/resample"
	"ctcubes/pkg/scan"
	"ctcubes/pkg/store"
)

// ErrUnresolvedReference marks annotations whose volume ID matches none of
// the discovered scans. The affected group is skipped; the run continues.
var ErrUnresolvedReference = errors.New("annotation references unknown volume")

// Params holds the pipeline configuration.
type Params struct {
	// ScanRoot is the directory searched for MetaImage files and DICOM
	// series directories.
	ScanRoot string

	// AnnotationsFile is the CSV of nodule centers and diameters in world
	// millimeters.
	AnnotationsFile string

	// TargetSpacing is the voxel spacing every scan is resampled to before
	// extraction, in mm per voxel.
	TargetSpacing models.Spacing

	// Window is the Hounsfield window mapped onto [0, 1].
	Window normalize.Window

	// PatchSize is the edge length of the extracted cubes in voxels.
	PatchSize int

	// BackgroundHU fills resampled regions outside the original scan,
	// typically -1000 (air).
	BackgroundHU float64

	// NumWorkers bounds the scans processed concurrently. Zero or negative
	// means one worker per CPU core.
	NumWorkers int

	// Store receives the patch cubes and the index artifact.
	Store store.Store

	// Catalog optionally records patches and run counters in SQLite.
	Catalog *index.Catalog

	// SavePreviews writes a PNG of each patch's axial center slice next to
	// the cubes.
	SavePreviews bool
}

// Summary reports what a run did.
type Summary struct {
	RunID              string
	ScansTotal         int
	ScansProcessed     int
	ScansFailed        int
	PatchesWritten     int
	AnnotationsSkipped int
	Elapsed            time.Duration

	// Failures collects the per-scan and per-group errors of an
	// isolate-and-continue run. Unresolved annotation groups match
	// ErrUnresolvedReference with errors.Is.
	Failures []error
}

// Pipeline extracts nodule patches from every annotated scan under a root.
type Pipeline struct {
	params *Params
	runID  string
}

type task struct {
	ref  scan.Ref
	anns []models.Annotation
}

type scanResult struct {
	volumeID string
	entries  []index.Entry
	err      error
}

// New validates the parameters and creates a pipeline with a fresh run ID.
// An inverted intensity window is rejected here so a misconfigured run never
// starts.
func New(params *Params) (*Pipeline, error) {
	if err := params.Window.Validate(); err != nil {
		return nil, fmt.Errorf("intensity window: %w", err)
	}
	if params.PatchSize <= 0 {
		return nil, fmt.Errorf("patch size must be positive, got %d", params.PatchSize)
	}
	if !params.TargetSpacing.Positive() {
		return nil, fmt.Errorf("target spacing (%g, %g, %g) must be positive",
			params.TargetSpacing.X, params.TargetSpacing.Y, params.TargetSpacing.Z)
	}
	if params.Store == nil {
		return nil, fmt.Errorf("an artifact store is required")
	}
	if params.NumWorkers <= 0 {
		params.NumWorkers = runtime.NumCPU()
	}
	return &Pipeline{params: params, runID: uuid.New().String()[:8]}, nil
}

// RunID returns the identifier artifacts of this run are keyed under.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Run executes the full pipeline and returns its summary. The returned error
// is non-nil only for failures that prevent the run as a whole (unreadable
// annotations, no scan root, artifact index write); per-scan errors land in
// Summary.Failures instead.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	summary := &Summary{RunID: p.runID}

	fmt.Println("Step 1: Reading annotations...")
	anns, err := scan.ReadAnnotations(p.params.AnnotationsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read annotations: %v", err)
	}
	groups := scan.GroupAnnotations(anns)
	fmt.Printf("Found %d annotations across %d volumes\n", len(anns), len(groups))

	fmt.Println("Step 2: Discovering scans...")
	refs, err := scan.Discover(p.params.ScanRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to discover scans: %v", err)
	}
	fmt.Printf("Found %d scans under %s\n", len(refs), p.params.ScanRoot)

	fmt.Println("Step 3: Matching annotations to scans...")
	tasks := p.matchTasks(refs, groups, summary)
	summary.ScansTotal = len(tasks)

	if p.params.Catalog != nil {
		if err := p.params.Catalog.BeginRun(ctx, p.runID, started); err != nil {
			return nil, fmt.Errorf("failed to begin catalog run: %v", err)
		}
	}

	fmt.Printf("Step 4: Extracting patches from %d scans with %d workers...\n",
		len(tasks), p.params.NumWorkers)
	entries := p.processInParallel(ctx, tasks, summary)

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	fmt.Println("Step 5: Writing the patch index...")
	if err := p.writeIndex(ctx, entries, summary, started); err != nil {
		return summary, err
	}

	summary.Elapsed = time.Since(started)
	return summary, nil
}

// matchTasks pairs each discovered scan with its annotation group. Groups
// without a scan are counted as skipped and recorded as failures.
func (p *Pipeline) matchTasks(refs []scan.Ref, groups map[string][]models.Annotation, summary *Summary) []task {
	byID := make(map[string]scan.Ref, len(refs))
	for _, ref := range refs {
		byID[ref.ID] = ref
	}

	var tasks []task
	for _, ref := range refs {
		if group, ok := groups[ref.ID]; ok {
			tasks = append(tasks, task{ref: ref, anns: group})
		}
	}

	var unresolved []string
	for id := range groups {
		if _, ok := byID[id]; !ok {
			unresolved = append(unresolved, id)
		}
	}
	sort.Strings(unresolved)
	for _, id := range unresolved {
		n := len(groups[id])
		err := fmt.Errorf("%w: %s (%d annotations)", ErrUnresolvedReference, id, n)
		logging.Errorf("skipping group: %v", err)
		summary.AnnotationsSkipped += n
		summary.Failures = append(summary.Failures, err)
	}
	return tasks
}

// processInParallel fans the tasks out over a bounded worker pool and
// collects the produced index entries.
func (p *Pipeline) processInParallel(ctx context.Context, tasks []task, summary *Summary) []index.Entry {
	taskChan := make(chan task, len(tasks))
	resultChan := make(chan scanResult, len(tasks))

	var wg sync.WaitGroup
	for w := 0; w < p.params.NumWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range taskChan {
				resultChan <- p.processScan(ctx, t.ref, t.anns)
			}
		}()
	}

	for _, t := range tasks {
		taskChan <- t
	}
	close(taskChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var entries []index.Entry
	completed := 0
	for res := range resultChan {
		completed++
		if res.err != nil {
			logging.Errorf("scan %s failed: %v", res.volumeID, res.err)
			fmt.Printf("Warning: scan %s failed: %v\n", res.volumeID, res.err)
			summary.ScansFailed++
			summary.Failures = append(summary.Failures, fmt.Errorf("scan %s: %v", res.volumeID, res.err))
			continue
		}
		summary.ScansProcessed++
		summary.PatchesWritten += len(res.entries)
		entries = append(entries, res.entries...)
		fmt.Printf("  Progress: %d/%d scans, %d patches\n", completed, len(tasks), summary.PatchesWritten)
	}
	return entries
}

// processScan runs one scan through the load, resample, normalize and
// extract stages and writes its patches to the store.
func (p *Pipeline) processScan(ctx context.Context, ref scan.Ref, anns []models.Annotation) scanResult {
	res := scanResult{volumeID: ref.ID}
	if err := ctx.Err(); err != nil {
		res.err = err
		return res
	}

	v, err := ref.Load()
	if err != nil {
		res.err = fmt.Errorf("failed to load: %v", err)
		return res
	}
	logging.Debugf("%s: loaded %dx%dx%d at (%g, %g, %g) mm",
		ref.ID, v.Width, v.Height, v.Depth, v.Spacing.X, v.Spacing.Y, v.Spacing.Z)

	v, err = resample.Resample(v, p.params.TargetSpacing, p.params.BackgroundHU)
	if err != nil {
		res.err = fmt.Errorf("failed to resample: %v", err)
		return res
	}

	if err := p.params.Window.Apply(v); err != nil {
		res.err = fmt.Errorf("failed to normalize: %v", err)
		return res
	}

	for seq, ann := range anns {
		if err := ctx.Err(); err != nil {
			res.err = err
			return res
		}
		center := v.VoxelAt(ann.Point)
		cube, err := patch.Extract(v, center, p.params.PatchSize)
		if err != nil {
			res.err = fmt.Errorf("failed to extract annotation %d: %v", seq, err)
			return res
		}

		id := models.PatchID(ref.ID, seq)
		key := p.artifactKey("patches/" + id + ".ctp")
		_, err = p.params.Store.Put(ctx, key, bytes.NewReader(patch.Encode(cube)), store.PutOptions{
			ContentType: "application/octet-stream",
			Metadata: map[string]string{
				"volume":      ref.ID,
				"seq":         strconv.Itoa(seq),
				"diameter_mm": strconv.FormatFloat(ann.Diameter, 'g', -1, 64),
			},
		})
		if err != nil {
			res.err = fmt.Errorf("failed to store patch %s: %v", id, err)
			return res
		}

		if p.params.SavePreviews {
			if err := p.writePreview(ctx, id, cube); err != nil {
				res.err = fmt.Errorf("failed to store preview for %s: %v", id, err)
				return res
			}
		}

		res.entries = append(res.entries, index.Entry{
			PatchRecord: models.PatchRecord{
				PatchID:  id,
				VolumeID: ref.ID,
				Seq:      seq,
				Diameter: ann.Diameter,
				Center:   ann.Point,
			},
			Stats:    computeStats(cube),
			StoreKey: key,
		})
	}
	return res
}

func (p *Pipeline) writePreview(ctx context.Context, patchID string, cube *models.Patch) error {
	img, err := preview.NewRenderer(cube).CenterSlice("z")
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := preview.WritePNG(&buf, img); err != nil {
		return err
	}
	_, err = p.params.Store.Put(ctx, p.artifactKey("previews/"+patchID+".png"), &buf,
		store.PutOptions{ContentType: "image/png"})
	return err
}

// writeIndex sorts the entries by volume ID and sequence, writes the CSV
// artifact and fills the catalog.
func (p *Pipeline) writeIndex(ctx context.Context, entries []index.Entry, summary *Summary, started time.Time) error {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].VolumeID != entries[j].VolumeID {
			return entries[i].VolumeID < entries[j].VolumeID
		}
		return entries[i].Seq < entries[j].Seq
	})

	records := make([]models.PatchRecord, len(entries))
	for i, e := range entries {
		records[i] = e.PatchRecord
	}

	var buf bytes.Buffer
	if err := index.WriteCSV(&buf, records); err != nil {
		return fmt.Errorf("failed to build patch index: %v", err)
	}
	if _, err := p.params.Store.Put(ctx, p.artifactKey("index.csv"), &buf,
		store.PutOptions{ContentType: "text/csv"}); err != nil {
		return fmt.Errorf("failed to store patch index: %v", err)
	}

	if p.params.Catalog != nil {
		if err := p.params.Catalog.AddPatches(ctx, p.runID, entries); err != nil {
			return fmt.Errorf("failed to catalog patches: %v", err)
		}
		err := p.params.Catalog.FinishRun(ctx, index.Run{
			ID:                 p.runID,
			StartedAt:          started,
			FinishedAt:         time.Now(),
			ScansTotal:         summary.ScansTotal,
			ScansFailed:        summary.ScansFailed,
			PatchesWritten:     summary.PatchesWritten,
			AnnotationsSkipped: summary.AnnotationsSkipped,
		})
		if err != nil {
			return fmt.Errorf("failed to finish catalog run: %v", err)
		}
	}
	return nil
}

func (p *Pipeline) artifactKey(rest string) string {
	return "runs/" + p.runID + "/" + rest
}
