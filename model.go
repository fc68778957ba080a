package painterly

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/painterly-ml/painterly/coco"
	"github.com/painterly-ml/painterly/gram"
	"github.com/painterly-ml/painterly/stylenet"
	"github.com/painterly-ml/painterly/vgg16"
	"github.com/pkg/errors"
)

// StyleScope is the context scope holding the (frozen) style image variable.
const StyleScope = "style"

// StylenetScope is the context scope holding the transformer network variables --
// the only trainable variables of the model.
const StylenetScope = "stylenet"

// SetStyleImage stores the style image tensor, shaped `[1, 3, height, width]` with
// values in [0, 255], as a frozen variable so it gets checkpointed with the model.
func SetStyleImage(ctx *context.Context, image *tensors.Tensor) {
	ctx.In(StyleScope).Checked(false).VariableWithValue("image", image).SetTrainable(false)
}

// LoadStyleImage reads the style image from filePath, resized and cropped to
// size x size, and stores it with SetStyleImage.
func LoadStyleImage(ctx *context.Context, filePath string, size int) error {
	image, err := coco.LoadImageTensor(filePath, size)
	if err != nil {
		return err
	}
	SetStyleImage(ctx, image)
	return nil
}

// StyleGramName is the name of the frozen variable holding the style image's Gram
// matrix for one feature stage.
func StyleGramName(stage int) string { return fmt.Sprintf("gram%d", stage) }

// PrecomputeStyleGrams runs the frozen extractor on the style image once and stores
// the resulting Gram matrices as frozen variables under StyleScope, where
// TrainingModelGraph reads them. The style targets never change during a run, so
// this replaces a per-step extractor pass over the style image.
//
// vgg16.Load and SetStyleImage must have happened before (or a checkpoint restored
// both).
func PrecomputeStyleGrams(backend backends.Backend, ctx *context.Context) error {
	styleVar := ctx.InspectVariable("/"+StyleScope, "image")
	if styleVar == nil {
		return errors.New("style image not set: call SetStyleImage or LoadStyleImage first")
	}
	styleImage, err := styleVar.Value()
	if err != nil {
		return errors.Wrap(err, "failed to read the style image variable")
	}
	grams, err := context.ExecOnceN(backend, ctx,
		func(ctx *context.Context, image *Node) []*Node {
			stages := vgg16.FeaturesGraph(ctx, image)
			grams := make([]*Node, len(stages))
			for i, stage := range stages {
				grams[i] = gram.Matrix(stage)
			}
			return grams
		}, styleImage)
	if err != nil {
		return errors.Wrap(err, "failed to compute the style image Gram matrices")
	}
	gramCtx := ctx.In(StyleScope).Checked(false)
	for i, gramTensor := range grams {
		gramCtx.VariableWithValue(StyleGramName(i), gramTensor).SetTrainable(false)
	}
	return nil
}

// TrainingModelGraph builds the full training graph: the transformer network forward
// passes, the VGG16 feature extraction, and the three losses. It implements
// train.ModelFn.
//
// It returns `[stylized, totalLoss, styleLoss, contentLoss, consistencyLoss]`: the
// trainer's loss function takes the total loss from position 1, and the individual
// terms feed the training metrics.
func TrainingModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	images := inputs[0]

	noiseStddev := context.GetParamOr(ctx, ParamNoiseStddev, 4.0)
	trim := context.GetParamOr(ctx, ParamConsistencyTrim, 4)
	styleWeight := context.GetParamOr(ctx, ParamStyleWeight, 3e5)
	contentWeight := context.GetParamOr(ctx, ParamContentWeight, 3.0)
	consistencyWeight := context.GetParamOr(ctx, ParamConsistencyWeight, 100.0)

	// Fresh noise is drawn for every forward pass, also within one step.
	addNoise := func(image *Node) *Node {
		if noiseStddev <= 0 {
			return image
		}
		return Add(image, MulScalar(ctx.RandomNormal(g, image.Shape()), noiseStddev))
	}
	netCtx := ctx.In(StylenetScope).Checked(false)
	modelFn := func(_ *context.Context, image *Node) *Node {
		return stylenet.Forward(netCtx, addNoise(image))
	}

	stylized := modelFn(ctx, images)
	stylizedStages := vgg16.FeaturesGraph(ctx, stylized)
	contentStages := vgg16.FeaturesGraph(ctx, addNoise(images))

	styleGrams := make([]*Node, vgg16.NumStages)
	for i := range styleGrams {
		gramVar := ctx.InspectVariable("/"+StyleScope, StyleGramName(i))
		if gramVar == nil {
			exceptions.Panicf("style Gram matrices not set: call PrecomputeStyleGrams before training")
		}
		styleGrams[i] = gramVar.ValueGraph(g)
	}

	styleLoss := gram.StyleLossFromGrams(stylizedStages, styleGrams)
	contentLoss := gram.ContentLoss(stylizedStages, contentStages)
	consistencyLoss := gram.ConsistencyLoss(ctx, images, stylized, modelFn, trim)

	loss := MulScalar(styleLoss, styleWeight)
	loss = Add(loss, MulScalar(contentLoss, contentWeight))
	loss = Add(loss, MulScalar(consistencyLoss, consistencyWeight))
	return []*Node{stylized, loss, styleLoss, contentLoss, consistencyLoss}
}
