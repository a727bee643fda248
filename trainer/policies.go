package trainer

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
)

// The three validation-loss observers below are independent: each keeps its
// own notion of "best seen so far", as each reacts on a different schedule.

// earlyStopping stops training after patience epochs without improvement.
type earlyStopping struct {
	patience int
	best     float64
	bad      int
}

func newEarlyStopping(patience int) *earlyStopping {
	return &earlyStopping{patience: patience, best: math.Inf(1)}
}

// Observe records one epoch's validation loss and reports whether training
// should stop.
func (e *earlyStopping) Observe(loss float64) (stop bool) {
	if loss < e.best {
		e.best = loss
		e.bad = 0
		return false
	}
	e.bad++
	return e.bad >= e.patience
}

// plateauScheduler signals a learning-rate decay after window epochs without
// improvement. After each decay the wait counter restarts.
type plateauScheduler struct {
	window int
	best   float64
	bad    int
}

func newPlateauScheduler(window int) *plateauScheduler {
	return &plateauScheduler{window: window, best: math.Inf(1)}
}

// Observe records one epoch's validation loss and reports whether the
// learning rate should be decayed now.
func (p *plateauScheduler) Observe(loss float64) (decay bool) {
	if loss < p.best {
		p.best = loss
		p.bad = 0
		return false
	}
	p.bad++
	if p.bad >= p.window {
		p.bad = 0
		return true
	}
	return false
}

// bestTracker tracks the best loss seen, deciding when the current weights
// are worth checkpointing.
type bestTracker struct {
	best float64
}

func newBestTracker() *bestTracker {
	return &bestTracker{best: math.Inf(1)}
}

// Improved reports whether loss is the new best, recording it if so.
func (b *bestTracker) Improved(loss float64) bool {
	if loss < b.best {
		b.best = loss
		return true
	}
	return false
}

// Best returns the best loss seen, +Inf before any observation.
func (b *bestTracker) Best() float64 { return b.best }

// decayLearningRate multiplies the optimizer's learning-rate variable by
// factor and returns the new rate. The variable only exists after the first
// training step created it.
func decayLearningRate(ctx *context.Context, factor float64) (float64, error) {
	v := ctx.InspectVariable(context.ScopeSeparator+optimizers.Scope, optimizers.ParamLearningRate)
	if v == nil {
		return 0, errors.Errorf("learning rate variable %q not found, has training started?", optimizers.ParamLearningRate)
	}
	value, err := v.Value()
	if err != nil {
		return 0, errors.WithMessage(err, "failed reading learning rate")
	}
	var current float64
	switch lr := value.Value().(type) {
	case float32:
		current = float64(lr)
	case float64:
		current = lr
	default:
		return 0, errors.Errorf("learning rate variable has unexpected dtype %s", value.DType())
	}
	updated := current * factor
	var newValue any = updated
	if value.DType() == dtypes.Float32 {
		newValue = float32(updated)
	}
	if err = v.SetValue(tensors.FromValue(newValue)); err != nil {
		return 0, errors.WithMessage(err, "failed updating learning rate")
	}
	return updated, nil
}
