package pipeline

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"ctcubes/internal/models"
)

// computeStats summarizes a patch's normalized intensities. The numbers go
// into the catalog so degenerate patches (all air, all clamp) can be found
// without reading cubes back.
func computeStats(p *models.Patch) models.PatchStats {
	return models.PatchStats{
		Mean: stat.Mean(p.Data, nil),
		Std:  stat.StdDev(p.Data, nil),
		Min:  floats.Min(p.Data),
		Max:  floats.Max(p.Data),
	}
}
