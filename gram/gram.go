// Package gram implements the losses used to train the style transfer network: the
// Gram-matrix style loss, the feature reconstruction (content) loss, and the
// shift-consistency loss, all computed on the feature stages of a frozen
// perceptual network.
package gram

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// StageWeights weigh the style loss of each feature stage: deeper stages, which
// capture larger-scale style structure, count more.
var StageWeights = [4]float64{1, 2, 4, 8}

// MaxShift is the largest circular shift (in pixels, per axis) applied by
// RandomShift for the consistency loss.
const MaxShift = 3

// Matrix computes the Gram matrix of a `[batch, channels, height, width]` feature
// tensor: the `[channels, channels]` matrix of channel covariances (not centered),
// normalized by `channels·height·width·batch`.
//
// The result is symmetric, and invariant to any permutation of the batch axis (the
// batch is reduced together with the spatial axes).
func Matrix(features *Node) *Node {
	dims := features.Shape().Dimensions
	b, c, h, w := dims[0], dims[1], dims[2], dims[3]
	m := Reshape(TransposeAllDims(features, 0, 2, 3, 1), b*h*w, c)
	return DivScalar(MatMul(Transpose(m, 0, 1), m), float64(c*h*w*b))
}

// StyleLoss is the weighted sum over feature stages of the mean squared difference
// between the Gram matrices of the model output and of the style image. Each stage
// is weighted by StageWeights normalized by the stage's channel count. The style
// stages are treated as constants, no gradient flows into them.
func StyleLoss(modelStages, styleStages []*Node) *Node {
	styleGrams := make([]*Node, len(styleStages))
	for i, stage := range styleStages {
		styleGrams[i] = Matrix(stage)
	}
	return StyleLossFromGrams(modelStages, styleGrams)
}

// StyleLossFromGrams is StyleLoss taking the style image's Gram matrices directly.
// The style image never changes during a training run, so its Gram matrices can be
// computed once up front instead of inside every training step.
func StyleLossFromGrams(modelStages, styleGrams []*Node) *Node {
	var loss *Node
	for i, stage := range modelStages {
		gramModel := Matrix(stage)
		gramStyle := StopGradient(styleGrams[i])
		channels := gramModel.Shape().Dimensions[0]
		term := ReduceAllMean(Square(Sub(gramModel, gramStyle)))
		term = MulScalar(term, StageWeights[i]/float64(channels))
		if loss == nil {
			loss = term
		} else {
			loss = Add(loss, term)
		}
	}
	return loss
}

// ContentLoss is the mean squared difference between the second feature stage of the
// model output and of the content image. The content features are constants.
func ContentLoss(modelStages, contentStages []*Node) *Node {
	content := StopGradient(contentStages[1])
	return losses.MeanSquaredError([]*Node{content}, []*Node{modelStages[1]})
}

// Roll circularly shifts x along the given axis by shift pixels, where shift is an
// Int32 scalar node whose value may be negative. Roll(Roll(x, s, axis), -s, axis)
// restores x exactly.
func Roll(x *Node, shift *Node, axis int) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	dim := Const(g, int32(dims[axis]))
	doubled := Concatenate([]*Node{x, x}, axis)
	starts := make([]*Node, x.Rank())
	for i := range starts {
		starts[i] = Const(g, int32(0))
	}
	// Start position in [0, dim) whatever the sign of shift.
	starts[axis] = Mod(Sub(dim, Mod(shift, dim)), dim)
	return DynamicSlice(doubled, starts, dims)
}

// Roll2D circularly shifts the two spatial axes of a `[batch, channels, height,
// width]` tensor by (dy, dx).
func Roll2D(x, dy, dx *Node) *Node {
	return Roll(Roll(x, dy, 2), dx, 3)
}

// RandomShift draws a random Int32 scalar uniformly from
// {-MaxShift, ..., -1, 1, ..., MaxShift} -- zero is excluded so the consistency loss
// always compares genuinely shifted passes.
func RandomShift(ctx *context.Context, g *Graph) *Node {
	r := ctx.RandomIntN(g, int32(2*MaxShift), shapes.Make(dtypes.Int32))
	return Where(GreaterOrEqual(r, Const(g, int32(MaxShift))),
		AddScalar(r, -(MaxShift-1)), AddScalar(r, -MaxShift))
}

// ConsistencyLoss penalizes the transformer for not commuting with small circular
// translations: the stylized image of a randomly rolled input, un-rolled, should
// match the stylized image of the original input. The comparison trims a border of
// trim pixels, where the circular wrap-around makes the two passes legitimately
// disagree.
//
// modelFn must build the transformer graph reusing the same variables that produced
// stylized from input.
func ConsistencyLoss(ctx *context.Context, input, stylized *Node,
	modelFn func(ctx *context.Context, image *Node) *Node, trim int) *Node {
	g := input.Graph()
	dy := RandomShift(ctx, g)
	dx := RandomShift(ctx, g)
	shifted := modelFn(ctx, Roll2D(input, dy, dx))
	unshifted := Roll2D(shifted, Neg(dy), Neg(dx))
	return losses.MeanSquaredError(
		[]*Node{interior(stylized, trim)},
		[]*Node{interior(unshifted, trim)})
}

func interior(x *Node, trim int) *Node {
	if trim <= 0 {
		return x
	}
	dims := x.Shape().Dimensions
	return Slice(x, AxisRange(), AxisRange(),
		AxisRange(trim, dims[2]-trim), AxisRange(trim, dims[3]-trim))
}
