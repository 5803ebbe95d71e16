// Package preview renders 2D grayscale previews of extracted patches for
// quick visual inspection.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"ctcubes/internal/models"
)

// Renderer turns one normalized patch into grayscale slice images.
type Renderer struct {
	patch *models.Patch
}

// NewRenderer creates a renderer for the given patch.
func NewRenderer(p *models.Patch) *Renderer {
	return &Renderer{patch: p}
}

// Slice extracts a 2D slice through the patch along the specified axis.
// Intensities are expected in [0, 1] and map linearly onto 16-bit gray.
func (r *Renderer) Slice(axis string, position int) (image.Image, error) {
	size := r.patch.Size
	if position < 0 || position >= size {
		return nil, fmt.Errorf("position %d outside patch of size %d", position, size)
	}

	img := image.NewGray16(image.Rect(0, 0, size, size))

	switch axis {
	case "x", "X":
		for y := 0; y < size; y++ {
			for z := 0; z < size; z++ {
				img.SetGray16(z, y, gray16(r.patch.At(z, y, position)))
			}
		}
	case "y", "Y":
		for z := 0; z < size; z++ {
			for x := 0; x < size; x++ {
				img.SetGray16(x, z, gray16(r.patch.At(z, position, x)))
			}
		}
	case "z", "Z":
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				img.SetGray16(x, y, gray16(r.patch.At(position, y, x)))
			}
		}
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// CenterSlice extracts the slice through the middle of the patch, where the
// annotated nodule sits.
func (r *Renderer) CenterSlice(axis string) (image.Image, error) {
	return r.Slice(axis, r.patch.Size/2)
}

// WritePNG encodes an extracted slice as a PNG image.
func WritePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

func gray16(v float64) color.Gray16 {
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, v*65535)))}
}
