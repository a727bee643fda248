// Package ingest acquires training images: it downloads candidate photos,
// normalizes them (RGB, bounded resolution, JPEG) and files them into the
// dataset layout under deterministic names. The Flickr search client and the
// batch collector that drives whole-registry sweeps live here too.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/monumentar/landmarks/dataset"
)

const (
	// maxDimension bounds the stored image resolution. Larger images are
	// downscaled to fit; smaller ones are never upscaled.
	maxDimension = 800

	// minDimension rejects images too small to be useful model inputs.
	minDimension = dataset.ModelImageSize

	jpegQuality = 85

	// Some image hosts refuse requests without a browser-looking agent.
	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

	fetchTimeout = 10 * time.Second
)

// Outcome classifies the result of one Fetch. Failures are per-item and never
// abort a batch.
type Outcome int

const (
	Stored Outcome = iota
	RejectedUndersized
	FailedNetwork
	FailedDecode
	FailedWrite
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case RejectedUndersized:
		return "rejected_undersized"
	case FailedNetwork:
		return "failed_network"
	case FailedDecode:
		return "failed_decode"
	case FailedWrite:
		return "failed_write"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Destination names where a fetched image is filed. Source and ID become part
// of the filename, so re-fetching the same photo overwrites the same file
// instead of accumulating duplicates.
type Destination struct {
	Split  dataset.Split
	Label  string
	Source string
	ID     string
}

// ImageRecord describes a stored, normalized image.
type ImageRecord struct {
	Split    dataset.Split
	Label    string
	Path     string
	Width    int
	Height   int
	ByteSize int
}

// Result of one Fetch: the outcome, the stored record when Outcome is Stored,
// and the underlying error for the failure outcomes.
type Result struct {
	Outcome Outcome
	Record  *ImageRecord
	Err     error
}

// Ingestor downloads images and persists them into a dataset layout.
type Ingestor struct {
	layout *dataset.Layout
	client *http.Client
}

// NewIngestor creates an Ingestor storing into layout, with a 10 second
// request timeout.
func NewIngestor(layout *dataset.Layout) *Ingestor {
	return &Ingestor{
		layout: layout,
		client: &http.Client{Timeout: fetchTimeout},
	}
}

// WithClient replaces the HTTP client, typically with a test server client.
// It returns i to allow chaining.
func (i *Ingestor) WithClient(client *http.Client) *Ingestor {
	i.client = client
	return i
}

// TargetPath returns the filename Fetch would store dest under.
func (i *Ingestor) TargetPath(dest Destination) string {
	name := fmt.Sprintf("%s_%s_%s.jpg", dest.Label, dest.Source, dest.ID)
	return path.Join(i.layout.Dir(dest.Split, dest.Label), name)
}

// Fetch downloads one image from url and files it under dest. The image is
// decoded, downscaled to at most 800 pixels on the longest side (never
// upscaled), rejected when its shortest side is below 224, and re-encoded as
// JPEG quality 85. The write is atomic: a failed fetch leaves no partial
// file behind.
func (i *Ingestor) Fetch(ctx context.Context, url string, dest Destination) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Outcome: FailedNetwork, Err: errors.Wrapf(err, "invalid url %q", url)}
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := i.client.Do(req)
	if err != nil {
		return Result{Outcome: FailedNetwork, Err: errors.Wrapf(err, "failed downloading %q", url)}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Result{Outcome: FailedNetwork, Err: errors.Errorf("downloading %q: status %s", url, resp.Status)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Outcome: FailedNetwork, Err: errors.Wrapf(err, "reading body of %q", url)}
	}

	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: FailedDecode, Err: errors.Wrapf(err, "failed decoding image from %q", url)}
	}
	// Fit only downscales; imaging also normalizes to NRGBA, dropping any
	// palette or grayscale encoding.
	normalized := imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	// The resolution check runs on the downscaled size: an extreme aspect
	// ratio can push the short side below the minimum only after fitting.
	size := normalized.Bounds().Size()
	if min(size.X, size.Y) < minDimension {
		return Result{
			Outcome: RejectedUndersized,
			Err:     errors.Errorf("image from %q is %dx%d after downscaling, shortest side must be at least %d", url, size.X, size.Y, minDimension),
		}
	}

	var encoded bytes.Buffer
	if err = jpeg.Encode(&encoded, normalized, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return Result{Outcome: FailedWrite, Err: errors.Wrapf(err, "failed encoding image from %q", url)}
	}
	filePath := i.TargetPath(dest)
	if err = writeFileAtomic(filePath, encoded.Bytes()); err != nil {
		return Result{Outcome: FailedWrite, Err: err}
	}

	finalSize := normalized.Bounds().Size()
	return Result{
		Outcome: Stored,
		Record: &ImageRecord{
			Split:    dest.Split,
			Label:    dest.Label,
			Path:     filePath,
			Width:    finalSize.X,
			Height:   finalSize.Y,
			ByteSize: encoded.Len(),
		},
	}
}

// writeFileAtomic writes data to a temporary file in the target directory and
// renames it into place.
func writeFileAtomic(filePath string, data []byte) error {
	dir := path.Dir(filePath)
	tmp, err := os.CreateTemp(dir, ".ingest-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file in %q", dir)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "failed writing %q", tmpName)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "failed closing %q", tmpName)
	}
	if err = os.Rename(tmpName, filePath); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "failed moving %q to %q", tmpName, filePath)
	}
	return nil
}
