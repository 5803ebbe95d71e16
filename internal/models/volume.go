package models

import (
	"math"
)

// Spacing is the physical size of one voxel in millimeters along each axis.
type Spacing struct {
	X, Y, Z float64
}

// Isotropic returns a spacing of s millimeters along all three axes.
func Isotropic(s float64) Spacing {
	return Spacing{X: s, Y: s, Z: s}
}

// Positive reports whether every component is strictly positive.
// Volumes with non-positive spacing have no valid physical interpretation.
func (s Spacing) Positive() bool {
	return s.X > 0 && s.Y > 0 && s.Z > 0
}

// WorldPoint is a physical-space coordinate in millimeters, independent of
// any particular volume's sampling grid. Components are ordered x, y, z.
type WorldPoint struct {
	X, Y, Z float64
}

// VoxelIndex addresses a single sample within a volume's array. Components
// are ordered z, y, x to match the array axis order. The reversal relative
// to WorldPoint is intentional: keeping the two orderings in distinct types
// makes axis-order mistakes a compile error instead of a silent bug, and the
// conversion between them happens in exactly one place, Volume.VoxelAt.
type VoxelIndex struct {
	Z, Y, X int
}

// Volume represents a 3D scalar volume with its sampling geometry.
// Array shape, spacing, and origin together define the affine map between
// voxel indices and physical coordinates.
type Volume struct {
	// Data is the voxel data as a 1D array in z-major order:
	// index = z*Width*Height + y*Width + x.
	Data []float64

	// Width is the number of voxels along the x axis.
	Width int

	// Height is the number of voxels along the y axis.
	Height int

	// Depth is the number of voxels along the z axis.
	Depth int

	// Spacing is the physical size of each voxel in mm.
	Spacing Spacing

	// Origin is the physical coordinate of voxel (0,0,0) in mm.
	Origin WorldPoint
}

// NewVolume allocates a zero-filled volume with the given dimensions and geometry.
func NewVolume(width, height, depth int, spacing Spacing, origin WorldPoint) *Volume {
	return &Volume{
		Data:    make([]float64, width*height*depth),
		Width:   width,
		Height:  height,
		Depth:   depth,
		Spacing: spacing,
		Origin:  origin,
	}
}

// Index returns the flat array offset of voxel (z, y, x).
func (v *Volume) Index(z, y, x int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the sample at voxel (z, y, x). The caller is responsible for
// bounds; use Contains to test an index first.
func (v *Volume) At(z, y, x int) float64 {
	return v.Data[v.Index(z, y, x)]
}

// SetAt stores a sample at voxel (z, y, x).
func (v *Volume) SetAt(z, y, x int, value float64) {
	v.Data[v.Index(z, y, x)] = value
}

// Contains reports whether the voxel index lies inside the volume bounds.
func (v *Volume) Contains(idx VoxelIndex) bool {
	return idx.Z >= 0 && idx.Z < v.Depth &&
		idx.Y >= 0 && idx.Y < v.Height &&
		idx.X >= 0 && idx.X < v.Width
}

// NumVoxels returns the total number of samples in the volume.
func (v *Volume) NumVoxels() int {
	return v.Width * v.Height * v.Depth
}

// VoxelAt maps a physical-space point to the nearest voxel index within this
// volume: index = round((point - origin) / spacing) per axis, with ties
// rounding away from zero (math.Round). This is the single place where the
// world x,y,z ordering meets the array z,y,x ordering.
//
// The result is not bounds-checked: points outside the volume map to indices
// outside [0, shape) and remain legal input for cube extraction, which pads.
func (v *Volume) VoxelAt(p WorldPoint) VoxelIndex {
	return VoxelIndex{
		Z: int(math.Round((p.Z - v.Origin.Z) / v.Spacing.Z)),
		Y: int(math.Round((p.Y - v.Origin.Y) / v.Spacing.Y)),
		X: int(math.Round((p.X - v.Origin.X) / v.Spacing.X)),
	}
}

// WorldAt returns the physical coordinate of the center of voxel idx.
func (v *Volume) WorldAt(idx VoxelIndex) WorldPoint {
	return WorldPoint{
		X: v.Origin.X + float64(idx.X)*v.Spacing.X,
		Y: v.Origin.Y + float64(idx.Y)*v.Spacing.Y,
		Z: v.Origin.Z + float64(idx.Z)*v.Spacing.Z,
	}
}

// PhysicalExtent returns the physical size of the volume in mm along the
// x, y, and z axes respectively.
func (v *Volume) PhysicalExtent() (x, y, z float64) {
	return float64(v.Width) * v.Spacing.X,
		float64(v.Height) * v.Spacing.Y,
		float64(v.Depth) * v.Spacing.Z
}
