// Package model builds the classifier graphs: the transfer-learning variant
// on top of a frozen InceptionV3 base, and a small standalone CNN used when
// there is no training data to learn from.
//
// Both variants output logits over the registry's classes, in registry order,
// with the background class last. Inputs are image batches shaped
// `[batch, 224, 224, 3]` with values scaled 0.0 to 1.0.
package model

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/examples/inceptionv3"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"

	"github.com/monumentar/landmarks"
)

// Variant selects which classifier graph to build.
type Variant string

const (
	// Transfer is the production variant: frozen InceptionV3 features with a
	// small trained head.
	Transfer Variant = "transfer"

	// Minimal is a small CNN trained from scratch. It is the demo fallback
	// used when the dataset is empty, and useful for fast tests.
	Minimal Variant = "minimal"
)

// ParseVariant converts a string (e.g. a flag value) to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case Transfer, Minimal:
		return Variant(s), nil
	}
	return "", errors.Errorf("unknown model variant %q: valid values are %q and %q", s, Transfer, Minimal)
}

// Config holds the head hyperparameters of the transfer variant.
type Config struct {
	// HeadHiddenUnits is the width of the hidden dense layer between the
	// InceptionV3 features and the readout.
	HeadHiddenUnits int

	// HeadDropout is applied to the pooled features, HeadOutputDropout to
	// the hidden layer activations.
	HeadDropout       float64
	HeadOutputDropout float64

	// PreTrainedDir is where the InceptionV3 weights were unpacked. Empty
	// means random initialization (slow to converge, only useful for tests).
	PreTrainedDir string

	// FineTune unfreezes the InceptionV3 base.
	FineTune bool
}

// DefaultConfig matches the head the original landmark model was trained
// with.
var DefaultConfig = Config{
	HeadHiddenUnits:   128,
	HeadDropout:       0.3,
	HeadOutputDropout: 0.2,
}

// DownloadPreTrainedWeights fetches and unpacks the InceptionV3 weights
// (without the classification top) under baseDir, if not there yet. The same
// directory is then passed as Config.PreTrainedDir.
func DownloadPreTrainedWeights(baseDir string) error {
	if err := inceptionv3.DownloadAndUnpackWeightsNoTop(baseDir); err != nil {
		return errors.WithMessage(err, "failed to download InceptionV3 weights")
	}
	return nil
}

// GraphFn returns the train.ModelFn for the given variant.
func GraphFn(variant Variant, registry *landmarks.Registry, config Config) (train.ModelFn, error) {
	switch variant {
	case Transfer:
		return TransferGraph(registry, config), nil
	case Minimal:
		return MinimalGraph(registry), nil
	}
	return nil, errors.Errorf("unknown model variant %q", variant)
}

// TransferGraph returns the model function of the transfer variant: frozen
// (unless Config.FineTune) InceptionV3 up to the mean-pooled features,
// followed by dropout, a hidden dense layer and the class readout.
func TransferGraph(registry *landmarks.Registry, config Config) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		ctx = ctx.In("model")
		images := checkImagesInput(inputs)
		images = inceptionv3.PreprocessImage(images, 1.0, timage.ChannelsLast)
		features := inceptionv3.BuildGraph(ctx, images).
			PreTrained(config.PreTrainedDir).
			SetPooling(inceptionv3.MeanPooling).
			Trainable(config.FineTune).
			ClassificationTop(false).
			Done()
		logits := headGraph(ctx.In("head"), features, registry.NumClasses(), config)
		return []*Node{logits}
	}
}

// headGraph is the trained classification head shared semantics of the
// transfer variant: Dropout -> Dense+Relu -> Dropout -> readout logits.
func headGraph(ctx *context.Context, features *Node, numClasses int, config Config) *Node {
	x := layers.DropoutStatic(ctx.In("dropout_features"), features, config.HeadDropout)
	x = layers.DenseWithBias(ctx.In("hidden"), x, config.HeadHiddenUnits)
	x = activations.Relu(x)
	x = layers.DropoutStatic(ctx.In("dropout_hidden"), x, config.HeadOutputDropout)
	return layers.DenseWithBias(ctx.In("readout"), x, numClasses)
}

// minimalChannels are the convolution widths of the Minimal variant.
var minimalChannels = []int{32, 64, 64}

// MinimalGraph returns the model function of the small standalone CNN:
// three convolution+pool blocks, global mean pooling and a dense readout.
func MinimalGraph(registry *landmarks.Registry) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		ctx = ctx.In("model")
		x := checkImagesInput(inputs)
		for convIdx, channels := range minimalChannels {
			ctx := ctx.Inf("%03d_conv", convIdx)
			x = layers.Convolution(ctx, x).Channels(channels).KernelSize(3).PadSame().Done()
			x = activations.Relu(x)
			x = MaxPool(x).Window(2).Done()
		}
		// Global average pooling over the spatial axes.
		x = ReduceMean(x, 1, 2)
		x = layers.DenseWithBias(ctx.In("hidden"), x, 64)
		x = activations.Relu(x)
		logits := layers.DenseWithBias(ctx.In("readout"), x, registry.NumClasses())
		return []*Node{logits}
	}
}

func checkImagesInput(inputs []*Node) *Node {
	if len(inputs) == 0 {
		exceptions.Panicf("model expects an image batch input, got none")
	}
	images := inputs[0]
	images.AssertRank(4) // [batch, height, width, channels]
	return images
}
