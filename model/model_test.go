package model

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/monumentar/landmarks"
)

func TestParseVariant(t *testing.T) {
	for _, valid := range []string{"transfer", "minimal"} {
		variant, err := ParseVariant(valid)
		require.NoError(t, err)
		assert.Equal(t, valid, string(variant))
	}
	_, err := ParseVariant("resnet")
	assert.Error(t, err)
}

func TestGraphFn(t *testing.T) {
	registry := landmarks.Montreal()
	fn, err := GraphFn(Minimal, registry, DefaultConfig)
	require.NoError(t, err)
	assert.NotNil(t, fn)

	fn, err = GraphFn(Transfer, registry, DefaultConfig)
	require.NoError(t, err)
	assert.NotNil(t, fn)

	_, err = GraphFn(Variant("bogus"), registry, DefaultConfig)
	assert.Error(t, err)
}

// The minimal variant must produce one logit per registered class, background
// included, for each image of the batch.
func TestMinimalGraphOutputShape(t *testing.T) {
	registry := landmarks.Montreal()
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	modelFn := MinimalGraph(registry)

	const batchSize = 2
	images := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, 64, 64, 3))
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return modelFn(ctx, nil, []*Node{images})[0]
	})
	outputs := exec.MustExec(images)
	require.Len(t, outputs, 1)
	logits := outputs[0]
	assert.Equal(t, []int{batchSize, registry.NumClasses()}, logits.Shape().Dimensions)
	assert.Equal(t, 6, registry.NumClasses())
}
