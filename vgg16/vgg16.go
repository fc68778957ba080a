// Package vgg16 implements the convolutional trunk of the VGG16 classifier with
// pre-trained (and frozen) ImageNet weights, used as a perceptual feature extractor.
//
// Only the first four stages are used -- the last relu of each of the convolutional
// blocks 1 to 4 -- since those are the activations the style and content losses are
// computed on. The weights are the Keras "notop" checkpoint; see DownloadAndUnpackWeights.
package vgg16

import (
	"fmt"
	"path"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Scope is the context scope under which all VGG16 variables are created.
const Scope = "vgg16"

// NumStages is the number of feature stages returned by FeaturesGraph.
const NumStages = 4

// StageChannels is the number of channels of each returned feature stage.
var StageChannels = [NumStages]int{64, 128, 256, 512}

// blocks describes the convolutional trunk: convolutions per block and their width.
// Block 5 of the original network is never reached and not even loaded.
var blocks = []struct {
	convs, channels int
}{
	{2, 64}, {2, 128}, {3, 256}, {3, 512},
}

// Keras "caffe-style" preprocessing: images are converted to BGR and the ImageNet
// channel means are subtracted, without scaling.
var imagenetMeanBGR = []float32{103.939, 116.779, 123.68}

// Load reads the unpacked pre-trained weights from baseDir into ctx, under Scope, and
// marks them all as non-trainable. It must be called once before the first call to
// FeaturesGraph with this context. DownloadAndUnpackWeights must have run before.
func Load(ctx *context.Context, baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	ctx = ctx.In(Scope).Checked(false)
	for blockIdx, block := range blocks {
		for convIdx := range block.convs {
			layerName := fmt.Sprintf("block%d_conv%d", blockIdx+1, convIdx+1)
			layerCtx := ctx.In(layerName)
			for varName, h5Name := range map[string]string{"weights": "kernel:0", "biases": "bias:0"} {
				tensorPath := path.Join(baseDir, UnpackedWeightsName,
					layerName, layerName, h5Name)
				value, err := tensors.Load(tensorPath)
				if err != nil {
					return errors.Wrapf(err, "vgg16.Load: failed to read weights from %q", tensorPath)
				}
				layerCtx.VariableWithValue(varName, value).SetTrainable(false)
			}
		}
	}
	return nil
}

// FeaturesGraph extracts the four feature stages from image, a `[batch, 3, height,
// width]` float32 tensor with RGB values in [0, 255]. Normalization for the
// pre-trained weights happens internally.
//
// The returned stages are `[batch, StageChannels[i], height/2^i, width/2^i]`.
// The VGG16 weights are frozen, but gradients flow through the features into image.
func FeaturesGraph(ctx *context.Context, image *Node) []*Node {
	ctx = ctx.In(Scope).Reuse()
	g := image.Graph()

	// The weights are Keras HWIO kernels, so the trunk runs channels-last: convert
	// from NCHW, RGB to BGR, and subtract the ImageNet channel means.
	x := TransposeAllDims(image, 0, 2, 3, 1)
	x = Reverse(x, -1)
	x = Sub(x, Reshape(Const(g, imagenetMeanBGR), 1, 1, 1, 3))

	stages := make([]*Node, 0, NumStages)
	for blockIdx, block := range blocks {
		if blockIdx > 0 {
			x = MaxPool(x).Window(2).NoPadding().Done()
		}
		for convIdx := range block.convs {
			layerName := fmt.Sprintf("block%d_conv%d", blockIdx+1, convIdx+1)
			x = layers.Convolution(ctx.In(layerName), x).
				Channels(block.channels).KernelSize(3).
				PadSame().
				CurrentScope().
				Done()
			x = activations.Relu(x)
		}
		stages = append(stages, TransposeAllDims(x, 0, 3, 1, 2))
	}
	return stages
}
