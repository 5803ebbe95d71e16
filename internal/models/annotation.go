package models

import (
	"fmt"
)

// Annotation is a physician-supplied nodule finding: a world-coordinate
// center point and a diameter, tied to the scan it was marked on.
// Annotations are produced externally and read-only to the pipeline.
type Annotation struct {
	// Volume identifies the source scan this annotation belongs to.
	Volume string

	// Point is the nodule center in world coordinates (mm).
	Point WorldPoint

	// Diameter is the nodule diameter in mm.
	Diameter float64
}

// Patch is a fixed-shape cube of intensity samples cut from a volume,
// with the same z-major axis order as Volume. One patch is produced per
// (volume, annotation) pair and is immutable once written.
type Patch struct {
	// Data holds Size*Size*Size samples in z-major order.
	Data []float64

	// Size is the edge length of the cube in voxels.
	Size int
}

// NewPatch allocates a zero-filled cube with the given edge length.
func NewPatch(size int) *Patch {
	return &Patch{
		Data: make([]float64, size*size*size),
		Size: size,
	}
}

// Index returns the flat array offset of patch voxel (z, y, x).
func (p *Patch) Index(z, y, x int) int {
	return z*p.Size*p.Size + y*p.Size + x
}

// At returns the sample at patch voxel (z, y, x).
func (p *Patch) At(z, y, x int) float64 {
	return p.Data[p.Index(z, y, x)]
}

// PatchID builds the canonical identifier for the patch produced from the
// seq-th annotation (zero-based, in annotation-file order) of a volume.
// The zero-padded sequence keeps lexicographic and numeric order identical.
func PatchID(volumeID string, seq int) string {
	return fmt.Sprintf("%s_%04d", volumeID, seq)
}

// PatchRecord links a persisted patch to its source volume and the
// originating annotation. Records are created once per patch, written to the
// index artifacts, and never mutated afterward.
type PatchRecord struct {
	// PatchID is the unique patch identifier, see PatchID.
	PatchID string

	// VolumeID identifies the source scan.
	VolumeID string

	// Seq is the zero-based annotation sequence number within the volume.
	Seq int

	// Diameter is the annotated nodule diameter in mm.
	Diameter float64

	// Center is the annotated nodule center in world coordinates (mm).
	Center WorldPoint
}

// PatchStats summarizes the intensity distribution of a single patch.
type PatchStats struct {
	Mean float64
	Std  float64
	Min  float64
	Max  float64
}
