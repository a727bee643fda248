package dataset

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"os"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
)

// ModelImageSize is the fixed width and height of the model input, and the
// minimum resolution accepted at ingestion time.
const ModelImageSize = 224

// EpochDataset implements train.Dataset over the images of one split of a
// Layout. Each Yield returns a batch of images as a `[batch, 224, 224, 3]`
// tensor with values scaled to 0..1, and sparse class labels shaped
// `[batch, 1]` in registry order.
//
// The file listing is re-read from disk on every Reset, so externally added
// or removed images are observed between epochs.
type EpochDataset struct {
	name      string
	layout    *Layout
	split     Split
	batchSize int
	augment   *Augmentation
	shuffle   bool
	infinite  bool
	dtype     dtypes.DType
	toTensor  *timage.ToTensorConfig
	rng       *rand.Rand

	// mu protects samples and next.
	mu      sync.Mutex
	samples []sample
	next    int
}

type sample struct {
	path  string
	class int32
}

var _ train.Dataset = (*EpochDataset)(nil)

// NewEpochDataset creates a dataset over the given split. By default it is
// finite (one epoch per Reset), unshuffled and unaugmented; use the With*
// methods to configure, then the first Yield (or an explicit Reset) scans the
// directory tree.
func NewEpochDataset(name string, layout *Layout, split Split, batchSize int) *EpochDataset {
	ds := &EpochDataset{
		name:      name,
		layout:    layout,
		split:     split,
		batchSize: batchSize,
		dtype:     dtypes.Float32,
		rng:       rand.New(rand.NewSource(42)),
	}
	ds.toTensor = timage.ToTensor(ds.dtype) // Values scaled to 0..1, 3 channels.
	return ds
}

// WithAugmentation enables per-image augmentation. Only the train split
// should be augmented. It returns ds to allow chaining.
func (ds *EpochDataset) WithAugmentation(a Augmentation) *EpochDataset {
	ds.augment = &a
	return ds
}

// WithShuffle reshuffles the sample order on every Reset using rng.
func (ds *EpochDataset) WithShuffle(rng *rand.Rand) *EpochDataset {
	ds.shuffle = true
	ds.rng = rng
	return ds
}

// Infinite makes the dataset loop forever instead of returning io.EOF at the
// end of an epoch. Used with train.Loop.RunSteps; keep finite for
// train.Loop.RunEpochs and for evaluation.
func (ds *EpochDataset) Infinite(infinite bool) *EpochDataset {
	ds.infinite = infinite
	return ds
}

// Name implements train.Dataset.
func (ds *EpochDataset) Name() string { return ds.name }

// NumExamples re-scans the split and returns the number of images.
func (ds *EpochDataset) NumExamples() int {
	total := 0
	for _, label := range ds.layout.Registry().Labels() {
		total += ds.layout.Count(ds.split, label)
	}
	return total
}

// scan rebuilds the sample list from the layout. Caller must hold ds.mu.
func (ds *EpochDataset) scanLocked() {
	ds.samples = ds.samples[:0]
	for classIdx, label := range ds.layout.Registry().Labels() {
		for path := range ds.layout.Images(ds.split, label) {
			ds.samples = append(ds.samples, sample{path: path, class: int32(classIdx)})
		}
	}
	if ds.shuffle {
		ds.rng.Shuffle(len(ds.samples), func(i, j int) {
			ds.samples[i], ds.samples[j] = ds.samples[j], ds.samples[i]
		})
	}
	ds.next = 0
}

// Reset implements train.Dataset: it restarts the epoch, re-reading the
// directory tree and reshuffling if configured.
func (ds *EpochDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.scanLocked()
}

// yieldSamples selects the next batch of samples, handling epoch wrap-around
// for infinite datasets.
func (ds *EpochDataset) yieldSamples() ([]sample, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.samples == nil {
		ds.scanLocked()
	}
	if len(ds.samples) == 0 {
		return nil, io.EOF
	}
	batch := make([]sample, 0, ds.batchSize)
	for len(batch) < ds.batchSize {
		if ds.next >= len(ds.samples) {
			if !ds.infinite {
				break
			}
			ds.scanLocked()
			// The split may have been drained since the last scan.
			if len(ds.samples) == 0 {
				break
			}
		}
		batch = append(batch, ds.samples[ds.next])
		ds.next++
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// Yield implements train.Dataset. The final batch of an epoch may be smaller
// than the configured batch size.
func (ds *EpochDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = ds
	batch, err := ds.yieldSamples()
	if err != nil {
		return nil, nil, nil, err
	}
	images := make([]image.Image, len(batch))
	classes := make([][]int32, len(batch))
	for ii, s := range batch {
		img, err := loadImage(s.path)
		if err != nil {
			return nil, nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
		}
		if ds.augment != nil {
			img = ds.augment.Apply(ds.rng, img)
		}
		images[ii] = ResizeWithPadding(img, ModelImageSize, ModelImageSize)
		classes[ii] = []int32{s.class}
	}
	inputs = []*tensors.Tensor{ds.toTensor.Batch(images)}
	labels = []*tensors.Tensor{tensors.FromValue(classes)}
	return
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", path)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	return img, nil
}
