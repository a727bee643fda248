package dataset

import (
	"image"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResizeWithPadding(t *testing.T) {
	for _, test := range []struct {
		name string
		w, h int
	}{
		{"landscape", 640, 480},
		{"portrait", 480, 640},
		{"square", 300, 300},
		{"already target", ModelImageSize, ModelImageSize},
		{"upscale", 100, 50},
	} {
		t.Run(test.name, func(t *testing.T) {
			src := image.NewNRGBA(image.Rect(0, 0, test.w, test.h))
			dst := ResizeWithPadding(src, ModelImageSize, ModelImageSize)
			assert.Equal(t, ModelImageSize, dst.Bounds().Dx())
			assert.Equal(t, ModelImageSize, dst.Bounds().Dy())
		})
	}
}

func TestAugmentationKeepsUsableDimensions(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	src := image.NewNRGBA(image.Rect(0, 0, 320, 240))
	for i := 0; i < 20; i++ {
		out := DefaultAugmentation.Apply(rng, src)
		// Rotation may grow the canvas; everything else preserves it. Either
		// way the result must remain non-degenerate so ResizeWithPadding can
		// bring it back to the model input size.
		assert.Greater(t, out.Bounds().Dx(), 0)
		assert.Greater(t, out.Bounds().Dy(), 0)
		final := ResizeWithPadding(out, ModelImageSize, ModelImageSize)
		assert.Equal(t, ModelImageSize, final.Bounds().Dx())
	}
}

func TestZeroAugmentationIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	out := Augmentation{}.Apply(rng, src)
	assert.Same(t, src, out)
}
