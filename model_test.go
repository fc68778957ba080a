package painterly

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/painterly-ml/painterly/stylenet"
	"github.com/painterly-ml/painterly/vgg16"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// randomImageTensor creates a `[batch, 3, size, size]` float32 tensor with values
// uniform in [0, 255).
func randomImageTensor(rng *rand.Rand, batch, size int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, batch, 3, size, size))
	t.MustMutableFlatData(func(flatAny any) {
		flat := flatAny.([]float32)
		for ii := range flat {
			flat[ii] = rng.Float32() * 255
		}
	})
	return t
}

// setupRandomFeatureWeights creates small random weights for the feature extractor,
// in place of the pre-trained ones, which tests cannot download.
func setupRandomFeatureWeights(ctx *context.Context, rng *rand.Rand) {
	ctx = ctx.In(vgg16.Scope).Checked(false)
	inputChannels := 3
	for blockIdx, blockConvs := range []int{2, 2, 3, 3} {
		channels := vgg16.StageChannels[blockIdx]
		for convIdx := range blockConvs {
			layerCtx := ctx.In(fmt.Sprintf("block%d_conv%d", blockIdx+1, convIdx+1))
			kernel := tensors.FromShape(shapes.Make(dtypes.Float32, 3, 3, inputChannels, channels))
			kernel.MustMutableFlatData(func(flatAny any) {
				flat := flatAny.([]float32)
				for ii := range flat {
					flat[ii] = float32(rng.NormFloat64()) * 0.05
				}
			})
			layerCtx.VariableWithValue("weights", kernel).SetTrainable(false)
			biases := tensors.FromShape(shapes.Make(dtypes.Float32, channels))
			layerCtx.VariableWithValue("biases", biases).SetTrainable(false)
			inputChannels = channels
		}
	}
}

func setupTestContext(t *testing.T, rng *rand.Rand, imageSize int) *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParam(stylenet.ParamFilters, 4)
	setupRandomFeatureWeights(ctx, rng)
	SetStyleImage(ctx, randomImageTensor(rng, 1, imageSize))
	require.NotNil(t, ctx.GetVariableByScopeAndName("/"+StyleScope, "image"))
	require.NoError(t, PrecomputeStyleGrams(graphtest.BuildTestBackend(), ctx))
	return ctx
}

func TestPrecomputeStyleGrams(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 0))
	ctx := setupTestContext(t, rng, 16)

	// One frozen [channels, channels] Gram matrix per feature stage.
	for i := range vgg16.NumStages {
		gramVar := ctx.GetVariableByScopeAndName("/"+StyleScope, StyleGramName(i))
		require.NotNil(t, gramVar, "missing style Gram variable for stage %d", i)
		require.False(t, gramVar.Trainable)
		channels := vgg16.StageChannels[i]
		require.NoError(t, gramVar.MustValue().Shape().CheckDims(channels, channels))
	}

	// Without a style image there is nothing to precompute.
	require.Error(t, PrecomputeStyleGrams(graphtest.BuildTestBackend(), CreateDefaultContext()))
}

func TestTrainStepUpdatesTransformer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(42, 0))
	const imageSize = 16
	ctx := setupTestContext(t, rng, imageSize)

	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }
	trainer := train.NewTrainer(backend, ctx, TrainingModelGraph, customLoss,
		optimizers.Adam().FromContext(ctx).Done(), nil, nil)
	batch := randomImageTensor(rng, 2, imageSize)

	metrics, err := trainer.TrainStep(nil, []*tensors.Tensor{batch}, nil)
	require.NoError(t, err)
	loss := shapes.ConvertTo[float64](metrics[0].Value())
	require.False(t, math.IsNaN(loss) || math.IsInf(loss, 0), "loss=%g", loss)
	require.Greater(t, loss, 0.0)

	// The first step created the transformer variables; snapshot one and check
	// that another step moves it.
	weightsVar := ctx.GetVariableByScopeAndName("/"+StylenetScope+"/conv1", "weights")
	require.NotNil(t, weightsVar)
	var before []float32
	require.NoError(t, tensors.ConstFlatData[float32](weightsVar.MustValue(), func(flat []float32) {
		before = slices.Clone(flat)
	}))

	_, err = trainer.TrainStep(nil, []*tensors.Tensor{batch}, nil)
	require.NoError(t, err)
	numChanged := 0
	require.NoError(t, tensors.ConstFlatData[float32](weightsVar.MustValue(), func(flat []float32) {
		for ii, v := range flat {
			if v != before[ii] {
				numChanged++
			}
		}
	}))
	require.Greater(t, numChanged, 0, "no transformer weights changed after a training step")
}

func TestStylizerPreservesShapeAndRange(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(7, 0))
	const imageSize = 16
	ctx := setupTestContext(t, rng, imageSize)

	// One training step creates (and initializes) the transformer variables the
	// stylizer then reuses.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }
	trainer := train.NewTrainer(backend, ctx, TrainingModelGraph, customLoss,
		optimizers.Adam().FromContext(ctx).Done(), nil, nil)
	_, err := trainer.TrainStep(nil, []*tensors.Tensor{randomImageTensor(rng, 2, imageSize)}, nil)
	require.NoError(t, err)

	stylizer := NewStylizer(backend, ctx)
	output := stylizer.Stylize(randomImageTensor(rng, 2, imageSize))
	require.NoError(t, output.Shape().CheckDims(2, 3, imageSize, imageSize))
	require.NoError(t, tensors.ConstFlatData[float32](output, func(flat []float32) {
		for _, v := range flat {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		}
	}))
}
