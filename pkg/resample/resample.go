// Package resample converts anisotropic CT volumes into isotropic ones by
// linear interpolation over the physical coordinate mapping implied by the
// volume's spacing and origin.
package resample

import (
	"errors"
	"fmt"
	"math"

	"ctcubes/internal/models"
)

// ErrInvalidGeometry reports a volume or target spacing with a non-positive
// component. Such geometry has no physical interpretation and the affected
// scan cannot be processed.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Resample returns a copy of the volume sampled at the target spacing.
//
// The output covers the same physical extent as the input: the voxel count
// per axis is round(oldSpacing*oldCount/target) with ties rounding away from
// zero, never below one. The output's spacing is exactly the target and its
// origin is unchanged; resampling changes voxel density, not placement.
//
// Values are computed by trilinear interpolation. Grid samples that fall
// outside the original volume, which happens at the far edge when the voxel
// count rounds up, read as the background intensity (air for CT).
func Resample(v *models.Volume, target models.Spacing, background float64) (*models.Volume, error) {
	if !v.Spacing.Positive() {
		return nil, fmt.Errorf("%w: volume spacing (%g, %g, %g) must be positive",
			ErrInvalidGeometry, v.Spacing.X, v.Spacing.Y, v.Spacing.Z)
	}
	if !target.Positive() {
		return nil, fmt.Errorf("%w: target spacing (%g, %g, %g) must be positive",
			ErrInvalidGeometry, target.X, target.Y, target.Z)
	}

	newW := axisSize(v.Spacing.X, v.Width, target.X)
	newH := axisSize(v.Spacing.Y, v.Height, target.Y)
	newD := axisSize(v.Spacing.Z, v.Depth, target.Z)

	out := models.NewVolume(newW, newH, newD, target, v.Origin)

	// Output voxel i sits at physical origin + i*target, which lands at
	// continuous input index i*target/spacing.
	rx := target.X / v.Spacing.X
	ry := target.Y / v.Spacing.Y
	rz := target.Z / v.Spacing.Z

	for z := 0; z < newD; z++ {
		sz := float64(z) * rz
		for y := 0; y < newH; y++ {
			sy := float64(y) * ry
			rowBase := out.Index(z, y, 0)
			for x := 0; x < newW; x++ {
				out.Data[rowBase+x] = trilinear(v, sz, sy, float64(x)*rx, background)
			}
		}
	}

	return out, nil
}

// axisSize computes the output voxel count covering the axis's physical
// extent at the target spacing.
func axisSize(spacing float64, count int, target float64) int {
	n := int(math.Round(spacing * float64(count) / target))
	if n < 1 {
		n = 1
	}
	return n
}

// trilinear samples the volume at a fractional z-major coordinate by
// interpolating the eight surrounding grid points. Grid points outside the
// volume contribute the background value, so edge samples blend toward
// background rather than clamping to the border voxel.
func trilinear(v *models.Volume, z, y, x, background float64) float64 {
	z0 := int(math.Floor(z))
	y0 := int(math.Floor(y))
	x0 := int(math.Floor(x))
	fz := z - float64(z0)
	fy := y - float64(y0)
	fx := x - float64(x0)

	c000 := sampleOr(v, z0, y0, x0, background)
	c001 := sampleOr(v, z0, y0, x0+1, background)
	c010 := sampleOr(v, z0, y0+1, x0, background)
	c011 := sampleOr(v, z0, y0+1, x0+1, background)
	c100 := sampleOr(v, z0+1, y0, x0, background)
	c101 := sampleOr(v, z0+1, y0, x0+1, background)
	c110 := sampleOr(v, z0+1, y0+1, x0, background)
	c111 := sampleOr(v, z0+1, y0+1, x0+1, background)

	// Collapse along x, then y, then z
	c00 := c000 + (c001-c000)*fx
	c01 := c010 + (c011-c010)*fx
	c10 := c100 + (c101-c100)*fx
	c11 := c110 + (c111-c110)*fx

	c0 := c00 + (c01-c00)*fy
	c1 := c10 + (c11-c10)*fy

	return c0 + (c1-c0)*fz
}

// sampleOr returns the sample at (z, y, x) or background when the index is
// outside the volume.
func sampleOr(v *models.Volume, z, y, x int, background float64) float64 {
	if z < 0 || z >= v.Depth || y < 0 || y >= v.Height || x < 0 || x >= v.Width {
		return background
	}
	return v.Data[v.Index(z, y, x)]
}
