// Package patch cuts fixed-size cubes out of normalized volumes and
// serializes them for storage.
package patch

import (
	"fmt"

	"ctcubes/internal/models"
)

// Extract returns the size³ cube of samples around the given voxel center.
//
// With r = size/2 (integer floor), the requested range per axis is
// [center-r, center-r+size). For even sizes the low side gets the extra
// voxel: size=64 centered at c covers [c-32, c+32). Any part of the range
// outside the volume is filled with 0.0, the background of the normalized
// intensity domain; the in-bounds part is copied verbatim. A center far
// enough outside the volume that the ranges never intersect yields an
// all-background patch, not an error.
func Extract(v *models.Volume, center models.VoxelIndex, size int) (*models.Patch, error) {
	if size <= 0 {
		return nil, fmt.Errorf("patch size must be positive, got %d", size)
	}

	r := size / 2
	z0 := center.Z - r
	y0 := center.Y - r
	x0 := center.X - r

	// NewPatch zero-fills, which is exactly the background fill.
	p := models.NewPatch(size)

	// Clip the x range once per row and copy contiguous runs.
	xlo := x0
	if xlo < 0 {
		xlo = 0
	}
	xhi := x0 + size
	if xhi > v.Width {
		xhi = v.Width
	}
	if xlo >= xhi {
		return p, nil
	}

	for dz := 0; dz < size; dz++ {
		z := z0 + dz
		if z < 0 || z >= v.Depth {
			continue
		}
		for dy := 0; dy < size; dy++ {
			y := y0 + dy
			if y < 0 || y >= v.Height {
				continue
			}
			src := v.Index(z, y, 0)
			dst := p.Index(dz, dy, 0)
			copy(p.Data[dst+(xlo-x0):dst+(xhi-x0)], v.Data[src+xlo:src+xhi])
		}
	}

	return p, nil
}
