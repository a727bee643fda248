// Package trainer orchestrates training: it gates on dataset readiness,
// runs the epoch loop with early stopping, plateau learning-rate decay and
// best-weights checkpointing, and hands the trained model over for export.
package trainer

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/monumentar/landmarks/dataset"
	"github.com/monumentar/landmarks/model"
)

// State of the orchestrator, observable while a Run progresses.
type State string

const (
	Idle         State = "idle"
	DataCheck    State = "data-check"
	Training     State = "training"
	DemoFallback State = "demo-fallback"
	Converged    State = "converged"
	Exported     State = "exported"
)

// Config holds the training hyperparameters and schedule policies.
type Config struct {
	// DataDir holds downloaded model weights and checkpoint staging.
	DataDir string

	// Variant and Model select and configure the classifier graph.
	Variant model.Variant
	Model   model.Config

	Epochs        int
	BatchSize     int
	EvalBatchSize int
	LearningRate  float64

	// Patience is the number of epochs without validation-loss improvement
	// before training stops early, restoring the best weights.
	Patience int

	// PlateauWindow epochs without improvement multiply the learning rate
	// by PlateauFactor.
	PlateauWindow int
	PlateauFactor float64

	// Augmentation is applied to the train split only.
	Augmentation dataset.Augmentation

	// Readiness gates full training vs. the demo fallback.
	Readiness dataset.ReadinessPolicy

	Seed int64
}

// DefaultConfig mirrors the schedule the original landmark model was trained
// with.
var DefaultConfig = Config{
	Variant:       model.Transfer,
	Model:         model.DefaultConfig,
	Epochs:        50,
	BatchSize:     32,
	EvalBatchSize: 64,
	LearningRate:  1e-3,
	Patience:      10,
	PlateauWindow: 5,
	PlateauFactor: 0.2,
	Augmentation:  dataset.DefaultAugmentation,
	Readiness:     dataset.DefaultReadinessPolicy,
	Seed:          42,
}

// TrainedModel is the orchestrator's product: the context holding the trained
// variables, plus what the exporter needs to describe them.
type TrainedModel struct {
	// Context holds the trained model variables. When validation data was
	// available, these are the best weights seen, not the last.
	Context *context.Context

	// Variant that was trained.
	Variant model.Variant

	// Labels in model output order.
	Labels []string

	// BestValidationLoss is NaN when there was no validation data.
	BestValidationLoss float64

	// Epochs actually run, which may be less than Config.Epochs when early
	// stopping triggered. Zero for the demo fallback.
	Epochs int
}

// Orchestrator drives the full training pipeline over one dataset layout.
type Orchestrator struct {
	config Config
	layout *dataset.Layout
	state  State
}

// New creates an Orchestrator in the Idle state.
func New(layout *dataset.Layout, config Config) *Orchestrator {
	return &Orchestrator{config: config, layout: layout, state: Idle}
}

// State returns the current pipeline state.
func (o *Orchestrator) State() State { return o.state }

// MarkExported records that the trained model was successfully exported.
func (o *Orchestrator) MarkExported() { o.state = Exported }

// Run executes the pipeline: dataset readiness check, then either the full
// training loop or, when the train split is completely empty, the demo
// fallback that produces an untrained minimal model so the downstream
// pipeline can still be exercised end to end.
func (o *Orchestrator) Run(backend backends.Backend) (*TrainedModel, error) {
	o.state = DataCheck
	snapshot := dataset.TakeSnapshot(o.layout)
	readiness := snapshot.Validate(o.config.Readiness)
	for _, warning := range readiness.Warnings {
		klog.Warning(warning)
	}
	if readiness.TrainEmpty {
		klog.Warning("train split is empty, falling back to an untrained demo model")
		o.state = DemoFallback
		return o.buildDemoModel(backend)
	}

	o.state = Training
	trained, err := o.fit(backend, snapshot)
	if err != nil {
		o.state = Idle
		return nil, err
	}
	o.state = Converged
	return trained, nil
}

// buildDemoModel initializes the minimal variant without any training. A
// single forward pass materializes the variables.
func (o *Orchestrator) buildDemoModel(backend backends.Backend) (*TrainedModel, error) {
	registry := o.layout.Registry()
	ctx := context.New()
	modelFn := model.MinimalGraph(registry)
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		return modelFn(ctx, nil, []*graph.Node{images})[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to build demo model")
	}
	demoBatch := tensors.FromShape(shapes.Make(dtypes.Float32, 1, dataset.ModelImageSize, dataset.ModelImageSize, 3))
	if _, err = exec.Exec1(demoBatch); err != nil {
		return nil, errors.WithMessage(err, "failed to initialize demo model")
	}
	return &TrainedModel{
		Context:            ctx,
		Variant:            model.Minimal,
		Labels:             registry.Labels(),
		BestValidationLoss: math.NaN(),
	}, nil
}

// fit runs the epoch loop with the validation-driven policies.
func (o *Orchestrator) fit(backend backends.Backend, snapshot *dataset.Snapshot) (*TrainedModel, error) {
	config := o.config
	registry := o.layout.Registry()
	if config.DataDir == "" {
		config.DataDir = "."
	}

	if config.Variant == model.Transfer && config.Model.PreTrainedDir == "" {
		config.Model.PreTrainedDir = path.Join(config.DataDir, "inceptionv3")
		if err := model.DownloadPreTrainedWeights(config.Model.PreTrainedDir); err != nil {
			return nil, err
		}
	}
	modelFn, err := model.GraphFn(config.Variant, registry, config.Model)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(config.Seed))
	trainDS := dataset.NewEpochDataset("train", o.layout, dataset.Train, config.BatchSize).
		WithAugmentation(config.Augmentation).
		WithShuffle(rng)
	trainEvalDS := dataset.NewEpochDataset("train-eval", o.layout, dataset.Train, config.EvalBatchSize)
	validationDS := dataset.NewEpochDataset("validation", o.layout, dataset.Validation, config.EvalBatchSize)
	hasValidation := snapshot.SplitTotal(dataset.Validation) > 0

	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, config.LearningRate)
	trainer := train.NewTrainer(backend, ctx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.Adam().LearningRate(config.LearningRate).Done(),
		[]metrics.Interface{metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)},
		[]metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")})
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	if err = os.MkdirAll(config.DataDir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create data directory %q", config.DataDir)
	}
	checkpointDir, err := os.MkdirTemp(config.DataDir, "checkpoints-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create checkpoint directory")
	}
	defer func() { _ = os.RemoveAll(checkpointDir) }()
	checkpoint, err := checkpoints.Build(ctx).Dir(checkpointDir).Keep(1).Done()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to set up checkpointing")
	}

	stopper := newEarlyStopping(config.Patience)
	plateau := newPlateauScheduler(config.PlateauWindow)
	best := newBestTracker()

	epochsRun := 0
	for epoch := 0; epoch < config.Epochs; epoch++ {
		if _, err = loop.RunEpochs(trainDS, 1); err != nil {
			return nil, errors.WithMessagef(err, "training epoch %d", epoch)
		}
		epochsRun++
		if !hasValidation {
			// No validation data: no stopping, decay or best-weights
			// signal, run all configured epochs.
			continue
		}
		valLoss, err := evalLoss(trainer, validationDS)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating after epoch %d", epoch)
		}
		klog.Infof("epoch %d: validation loss %.4f", epoch, valLoss)
		if best.Improved(valLoss) {
			if err = checkpoint.Save(); err != nil {
				return nil, errors.WithMessage(err, "failed to checkpoint best weights")
			}
		}
		if plateau.Observe(valLoss) {
			newLR, err := decayLearningRate(ctx, config.PlateauFactor)
			if err != nil {
				return nil, err
			}
			klog.Infof("epoch %d: validation loss plateaued, learning rate decayed to %g", epoch, newLR)
		}
		if stopper.Observe(valLoss) {
			klog.Infof("epoch %d: no improvement for %d epochs, stopping early", epoch, config.Patience)
			break
		}
	}

	fmt.Println()
	if err = commandline.ReportEval(trainer, trainEvalDS, validationDS); err != nil {
		klog.Warningf("final evaluation failed: %v", err)
	}

	trained := &TrainedModel{
		Context:            ctx,
		Variant:            config.Variant,
		Labels:             registry.Labels(),
		BestValidationLoss: math.NaN(),
		Epochs:             epochsRun,
	}
	if hasValidation && !math.IsInf(best.Best(), 1) {
		// Restore the best weights seen, not the last.
		restored := context.New()
		if _, err = checkpoints.Build(restored).Dir(checkpointDir).Done(); err != nil {
			return nil, errors.WithMessage(err, "failed to restore best weights")
		}
		trained.Context = restored
		trained.BestValidationLoss = best.Best()
	}
	return trained, nil
}

// evalLoss runs trainer.Eval on ds and extracts the loss metric.
func evalLoss(trainer *train.Trainer, ds train.Dataset) (float64, error) {
	values, err := trainer.Eval(ds)
	if err != nil {
		return 0, err
	}
	for idx, metric := range trainer.EvalMetrics() {
		if metric.ShortName() != "#loss" {
			continue
		}
		switch loss := values[idx].Value().(type) {
		case float32:
			return float64(loss), nil
		case float64:
			return loss, nil
		}
	}
	return 0, errors.New("no loss metric in evaluation results")
}
