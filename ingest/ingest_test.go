package ingest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monumentar/landmarks"
	"github.com/monumentar/landmarks/dataset"
)

func testLayout(t *testing.T) *dataset.Layout {
	t.Helper()
	registry, err := landmarks.NewRegistry([]landmarks.Landmark{
		{Name: "notre_dame_basilica", SearchTerms: []string{"Notre-Dame Basilica Montreal"}},
		{Name: "mount_royal_cross", SearchTerms: []string{"Mount Royal Cross"}},
	})
	require.NoError(t, err)
	layout := dataset.NewLayout(t.TempDir(), registry)
	require.NoError(t, layout.Ensure())
	return layout
}

func encodeJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// imageServer serves a fixed image payload and records the received headers.
func imageServer(t *testing.T, payload []byte) (*httptest.Server, *http.Header) {
	t.Helper()
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		_, _ = w.Write(payload)
	}))
	t.Cleanup(server.Close)
	return server, &gotHeader
}

func TestIngestorStores(t *testing.T) {
	layout := testLayout(t)
	server, header := imageServer(t, encodeJPEG(t, 640, 480))
	ingestor := NewIngestor(layout).WithClient(server.Client())

	dest := Destination{Split: dataset.Train, Label: "mount_royal_cross", Source: "flickr", ID: "12345"}
	result := ingestor.Fetch(context.Background(), server.URL, dest)
	require.NoError(t, result.Err)
	require.Equal(t, Stored, result.Outcome)
	require.NotNil(t, result.Record)

	assert.Equal(t, "mount_royal_cross_flickr_12345.jpg", path.Base(result.Record.Path))
	assert.Equal(t, 640, result.Record.Width)
	assert.Equal(t, 480, result.Record.Height)
	assert.Contains(t, (*header).Get("User-Agent"), "Mozilla/5.0")
	assert.Equal(t, 1, layout.Count(dataset.Train, "mount_royal_cross"))

	// Re-fetching the same source/ID overwrites instead of duplicating.
	result = ingestor.Fetch(context.Background(), server.URL, dest)
	require.Equal(t, Stored, result.Outcome)
	assert.Equal(t, 1, layout.Count(dataset.Train, "mount_royal_cross"))
}

func TestIngestorDownscalesLargeImages(t *testing.T) {
	layout := testLayout(t)
	server, _ := imageServer(t, encodeJPEG(t, 1600, 1200))
	ingestor := NewIngestor(layout).WithClient(server.Client())

	result := ingestor.Fetch(context.Background(), server.URL,
		Destination{Split: dataset.Train, Label: "mount_royal_cross", Source: "flickr", ID: "big"})
	require.Equal(t, Stored, result.Outcome)
	assert.Equal(t, 800, result.Record.Width)
	assert.Equal(t, 600, result.Record.Height)

	// Verify the stored bytes, not just the record.
	data, err := os.ReadFile(result.Record.Path)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 800, img.Bounds().Dx())
}

func TestIngestorRejectsUndersized(t *testing.T) {
	layout := testLayout(t)
	server, _ := imageServer(t, encodeJPEG(t, 300, 200))
	ingestor := NewIngestor(layout).WithClient(server.Client())

	result := ingestor.Fetch(context.Background(), server.URL,
		Destination{Split: dataset.Train, Label: "mount_royal_cross", Source: "flickr", ID: "small"})
	assert.Equal(t, RejectedUndersized, result.Outcome)
	assert.Nil(t, result.Record)
	assert.Error(t, result.Err)
	assert.Equal(t, 0, layout.Count(dataset.Train, "mount_royal_cross"))
}

func TestIngestorRejectsUndersizedAfterDownscale(t *testing.T) {
	// A 1600x300 panorama passes a naive pre-downscale check (short side
	// 300), but fitting into 800x800 halves it to 800x150.
	layout := testLayout(t)
	server, _ := imageServer(t, encodeJPEG(t, 1600, 300))
	ingestor := NewIngestor(layout).WithClient(server.Client())

	result := ingestor.Fetch(context.Background(), server.URL,
		Destination{Split: dataset.Train, Label: "mount_royal_cross", Source: "flickr", ID: "panorama"})
	assert.Equal(t, RejectedUndersized, result.Outcome)
	assert.Nil(t, result.Record)
	assert.Equal(t, 0, layout.Count(dataset.Train, "mount_royal_cross"))
}

func TestIngestorFailureOutcomes(t *testing.T) {
	layout := testLayout(t)
	dest := Destination{Split: dataset.Train, Label: "mount_royal_cross", Source: "flickr", ID: "x"}

	t.Run("http error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		}))
		defer server.Close()
		result := NewIngestor(layout).WithClient(server.Client()).Fetch(context.Background(), server.URL, dest)
		assert.Equal(t, FailedNetwork, result.Outcome)
	})

	t.Run("unreachable host", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close() // Immediately: connection refused.
		result := NewIngestor(layout).Fetch(context.Background(), server.URL, dest)
		assert.Equal(t, FailedNetwork, result.Outcome)
	})

	t.Run("not an image", func(t *testing.T) {
		server, _ := imageServer(t, []byte("<html>not an image</html>"))
		result := NewIngestor(layout).WithClient(server.Client()).Fetch(context.Background(), server.URL, dest)
		assert.Equal(t, FailedDecode, result.Outcome)
	})

	// No partial files in any failure mode.
	entries, err := os.ReadDir(layout.Dir(dataset.Train, "mount_royal_cross"))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), ".ingest-"), "leftover temp file %q", entry.Name())
	}
	assert.Equal(t, 0, layout.Count(dataset.Train, "mount_royal_cross"))
}
