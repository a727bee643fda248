package dataset

import (
	"image"
	"image/color"
	"math/rand"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Augmentation holds the stochastic per-image transformations applied to the
// train split only. The validation split must never be augmented: it only
// receives the deterministic resize and pixel scaling.
type Augmentation struct {
	// RotateDeg is the maximum absolute rotation, in degrees. The angle is
	// sampled uniformly from [-RotateDeg, RotateDeg].
	RotateDeg float64

	// ShiftFrac is the maximum width/height shift, as a fraction of the
	// image dimensions.
	ShiftFrac float64

	// ShearFrac is the maximum horizontal shear factor.
	ShearFrac float64

	// ZoomFrac is the maximum zoom in/out, as a fraction: the scale is
	// sampled from [1-ZoomFrac, 1+ZoomFrac].
	ZoomFrac float64

	// HorizontalFlip enables random horizontal flipping (50% chance).
	HorizontalFlip bool
}

// DefaultAugmentation mirrors the augmentation ranges used to train the
// original landmark model.
var DefaultAugmentation = Augmentation{
	RotateDeg:      20,
	ShiftFrac:      0.2,
	ShearFrac:      0.2,
	ZoomFrac:       0.2,
	HorizontalFlip: true,
}

var fillColor = color.NRGBA{R: 0, G: 0, B: 0, A: 255}

// Apply transforms img with one random sample of each enabled
// transformation. The output dimensions may differ from the input; callers
// are expected to pass the result through ResizeWithPadding.
func (a Augmentation) Apply(rng *rand.Rand, img image.Image) image.Image {
	if a.HorizontalFlip && rng.Intn(2) == 1 {
		img = imaging.FlipH(img)
	}
	if a.RotateDeg > 0 {
		angle := (rng.Float64()*2 - 1) * a.RotateDeg
		img = imaging.Rotate(img, angle, fillColor)
	}
	if a.ShearFrac > 0 {
		img = shearH(img, (rng.Float64()*2-1)*a.ShearFrac)
	}
	if a.ZoomFrac > 0 {
		img = zoom(img, 1+(rng.Float64()*2-1)*a.ZoomFrac)
	}
	if a.ShiftFrac > 0 {
		size := img.Bounds().Size()
		dx := int((rng.Float64()*2 - 1) * a.ShiftFrac * float64(size.X))
		dy := int((rng.Float64()*2 - 1) * a.ShiftFrac * float64(size.Y))
		img = shift(img, dx, dy)
	}
	return img
}

// shearH applies a horizontal shear of the given factor around the image
// center, keeping the canvas size.
func shearH(img image.Image, factor float64) image.Image {
	bounds := img.Bounds()
	height := float64(bounds.Dy())
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	// x' = x + factor*y, re-centered so the middle row stays in place.
	m := f64.Aff3{
		1, factor, -factor * height / 2,
		0, 1, 0,
	}
	xdraw.BiLinear.Transform(dst, m, img, bounds, xdraw.Src, nil)
	return dst
}

// zoom scales the image by factor. Zooming in crops back to the original
// canvas center; zooming out pastes the smaller image centered on a black
// canvas, so the output size always equals the input size.
func zoom(img image.Image, factor float64) image.Image {
	if factor == 1 {
		return img
	}
	size := img.Bounds().Size()
	w := max(int(float64(size.X)*factor), 1)
	h := max(int(float64(size.Y)*factor), 1)
	scaled := imaging.Resize(img, w, h, imaging.Lanczos)
	if factor > 1 {
		return imaging.CropCenter(scaled, size.X, size.Y)
	}
	canvas := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
	return imaging.PasteCenter(canvas, scaled)
}

// shift translates the image by (dx, dy) pixels over a black canvas of the
// same size.
func shift(img image.Image, dx, dy int) image.Image {
	size := img.Bounds().Size()
	canvas := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
	return imaging.Paste(canvas, img, image.Pt(dx, dy))
}

// ResizeWithPadding resizes img to fit (width, height) preserving the aspect
// ratio, and pads the remainder with black, centered.
func ResizeWithPadding(img image.Image, width, height int) image.Image {
	size := img.Bounds().Size()
	wRatio := float64(width) / float64(size.X)
	hRatio := float64(height) / float64(size.Y)

	adjustedWidth, adjustedHeight := width, height
	if wRatio < hRatio {
		adjustedHeight = int(wRatio * float64(size.Y))
	} else if hRatio < wRatio {
		adjustedWidth = int(hRatio * float64(size.X))
	}
	img = imaging.Resize(img, adjustedWidth, adjustedHeight, imaging.Lanczos)
	if adjustedWidth != width || adjustedHeight != height {
		canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
		img = imaging.PasteCenter(canvas, img)
	}
	return img
}
