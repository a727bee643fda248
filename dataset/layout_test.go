package dataset

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monumentar/landmarks"
)

func testRegistry(t *testing.T) *landmarks.Registry {
	t.Helper()
	r, err := landmarks.NewRegistry([]landmarks.Landmark{
		{Name: "notre_dame_basilica"},
		{Name: "mount_royal_cross"},
	})
	require.NoError(t, err)
	return r
}

// writeTestImage writes a solid-color image of the given size to filePath,
// encoded according to the file extension.
func writeTestImage(t *testing.T, filePath string, width, height int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	f, err := os.Create(filePath)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()
	switch path.Ext(filePath) {
	case ".png":
		require.NoError(t, png.Encode(f, img))
	default:
		require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 85}))
	}
}

func TestLayoutEnsure(t *testing.T) {
	root := t.TempDir()
	layout := NewLayout(root, testRegistry(t))
	require.NoError(t, layout.Ensure())

	for _, split := range Splits {
		for _, label := range layout.Registry().Labels() {
			info, err := os.Stat(layout.Dir(split, label))
			require.NoError(t, err, "missing %s/%s", split, label)
			assert.True(t, info.IsDir())
			assert.Equal(t, 0, layout.Count(split, label), "fresh tree must count 0 for %s/%s", split, label)
		}
	}
}

func TestLayoutEnsureIsIdempotent(t *testing.T) {
	root := t.TempDir()
	layout := NewLayout(root, testRegistry(t))
	require.NoError(t, layout.Ensure())

	imgPath := path.Join(layout.Dir(Train, "mount_royal_cross"), "mount_royal_cross_test_001.jpg")
	writeTestImage(t, imgPath, 32, 32)

	require.NoError(t, layout.Ensure())
	assert.FileExists(t, imgPath, "Ensure must never delete data")
	assert.Equal(t, 1, layout.Count(Train, "mount_royal_cross"))
}

func TestLayoutImagesFiltersExtensions(t *testing.T) {
	root := t.TempDir()
	layout := NewLayout(root, testRegistry(t))
	require.NoError(t, layout.Ensure())

	dir := layout.Dir(Train, "notre_dame_basilica")
	writeTestImage(t, path.Join(dir, "a.jpg"), 8, 8)
	writeTestImage(t, path.Join(dir, "b.JPEG"), 8, 8)
	writeTestImage(t, path.Join(dir, "c.png"), 8, 8)
	require.NoError(t, os.WriteFile(path.Join(dir, "notes.txt"), []byte("not an image"), 0666))
	require.NoError(t, os.WriteFile(path.Join(dir, ".DS_Store"), nil, 0666))

	listed := layout.ListImages(Train, "notre_dame_basilica")
	require.Len(t, listed, 3)
	assert.Equal(t, path.Join(dir, "a.jpg"), listed[0])
	assert.Equal(t, 3, layout.Count(Train, "notre_dame_basilica"))
}

func TestLayoutImagesIsRestartable(t *testing.T) {
	root := t.TempDir()
	layout := NewLayout(root, testRegistry(t))
	require.NoError(t, layout.Ensure())
	dir := layout.Dir(Validation, "mount_royal_cross")
	writeTestImage(t, path.Join(dir, "x.jpg"), 8, 8)

	seq := layout.Images(Validation, "mount_royal_cross")
	first, second := 0, 0
	for range seq {
		first++
	}
	// The second pass observes files added since the first.
	writeTestImage(t, path.Join(dir, "y.jpg"), 8, 8)
	for range seq {
		second++
	}
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestLayoutMissingDirectoryYieldsNothing(t *testing.T) {
	layout := NewLayout(t.TempDir(), testRegistry(t))
	// No Ensure: directories are absent.
	assert.Equal(t, 0, layout.Count(Train, "notre_dame_basilica"))
	assert.Empty(t, layout.ListImages(Train, "notre_dame_basilica"))
}
