// Package normalize rescales raw CT intensities (Hounsfield Units) into the
// bounded [0,1] range used by downstream model inputs.
package normalize

import (
	"errors"
	"fmt"

	"ctcubes/internal/models"
)

// ErrInvalidRange reports a window whose lower bound is not strictly below
// its upper bound. A bad window is a configuration error and fatal to the
// whole run, not to a single scan.
var ErrInvalidRange = errors.New("invalid range")

// Window is an intensity clipping window in Hounsfield Units. Samples at or
// below Low map to 0.0, samples at or above High map to 1.0, and everything
// between maps linearly.
type Window struct {
	Low  float64
	High float64
}

// Validate checks the window precondition Low < High.
func (w Window) Validate() error {
	if w.Low >= w.High {
		return fmt.Errorf("%w: window low %g must be below high %g", ErrInvalidRange, w.Low, w.High)
	}
	return nil
}

// Normalize maps one raw intensity into [0,1] under the window. The window
// must be valid; Apply validates once for a whole volume.
func (w Window) Normalize(x float64) float64 {
	if x <= w.Low {
		return 0.0
	}
	if x >= w.High {
		return 1.0
	}
	return (x - w.Low) / (w.High - w.Low)
}

// Apply normalizes every sample of the volume in place. The mapping is a
// pointwise function of each sample, so it commutes with cropping and
// padding as long as pad values are expressed in the normalized domain.
func (w Window) Apply(v *models.Volume) error {
	if err := w.Validate(); err != nil {
		return err
	}
	scale := 1.0 / (w.High - w.Low)
	for i, x := range v.Data {
		switch {
		case x <= w.Low:
			v.Data[i] = 0.0
		case x >= w.High:
			v.Data[i] = 1.0
		default:
			v.Data[i] = (x - w.Low) * scale
		}
	}
	return nil
}
