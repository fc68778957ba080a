// Package stylenet implements the feed-forward image transformation network used for
// fast style transfer: a small hourglass-shaped fully convolutional network built from
// depthwise-separable residual blocks.
//
// Images are always `[batch, 3, height, width]` (channels-first) float32, with pixel
// values in the range 0.0 to 255.0 -- both at the input and the output. The first and
// last convolutions have their initialization pre-scaled so that the untrained network
// maps any input to approximately mid-gray (127.5), which makes the early phase of
// training stable without a separate input normalization layer.
package stylenet

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

const (
	// ParamFilters is the hyperparameter with the number of channels used throughout
	// the network ("W" in the first convolution 3->W).
	ParamFilters = "stylenet_filters"

	// ParamMultiplier is the hyperparameter with the channel multiplier used by the
	// hourglass blocks at the lower resolution.
	ParamMultiplier = "stylenet_multiplier"

	// PixelMidRange is the middle of the pixel range, the value an untrained network
	// outputs everywhere.
	PixelMidRange = 127.5

	// NormEpsilon is added to the variance in InstanceNorm before the square root.
	NormEpsilon = 1e-5
)

// ReflectPad pads the two spatial axes of a `[batch, channels, height, width]` tensor
// by n pixels on each side, mirroring the image without repeating the edge pixel
// (so the padded row at distance k is the interior row at distance k).
func ReflectPad(x *Node, n int) *Node {
	if n <= 0 {
		return x
	}
	for _, axis := range []int{2, 3} {
		dim := x.Shape().Dimensions[axis]
		before := Reverse(SliceAxis(x, axis, AxisRange(1, n+1)), axis)
		after := Reverse(SliceAxis(x, axis, AxisRange(dim-1-n, dim-1)), axis)
		x = Concatenate([]*Node{before, x, after}, axis)
	}
	return x
}

// InstanceNorm normalizes each channel of each image independently over the spatial
// axes, and applies a learned per-channel scale and offset.
//
// It creates the variables "scale" (initialized to 1) and "offset" (initialized to 0)
// in the current scope, both shaped `[1, channels, 1, 1]`.
func InstanceNorm(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	channels := x.Shape().Dimensions[1]
	varShape := shapes.Make(x.DType(), 1, channels, 1, 1)

	mean := ReduceAndKeep(x, ReduceMean, 2, 3)
	normalized := Sub(x, mean)
	variance := ReduceAndKeep(Square(normalized), ReduceMean, 2, 3)
	normalized = Div(normalized, Sqrt(AddScalar(variance, NormEpsilon)))

	scale := ctx.WithInitializer(onesInitializer).VariableWithShape("scale", varShape)
	offset := ctx.WithInitializer(zerosInitializer).VariableWithShape("offset", varShape)
	return Add(Mul(normalized, scale.ValueGraph(g)), offset.ValueGraph(g))
}

// SeparableBlock is a residual block that preserves the input shape: reflect-padding,
// a depthwise 3x3 convolution with the given dilation, instance norm, relu, a
// pointwise (1x1) convolution, instance norm, and the block input added back.
func SeparableBlock(ctx *context.Context, x *Node, dilation int) *Node {
	residual := x
	channels := x.Shape().Dimensions[1]
	x = ReflectPad(x, dilation)
	x = depthwiseConv3x3(ctx.In("depthwise"), x, dilation)
	x = InstanceNorm(ctx.In("norm0"), x)
	x = activations.Relu(x)
	x = layers.Convolution(ctx.In("pointwise"), x).
		Channels(channels).KernelSize(1).
		ChannelsAxis(timage.ChannelsFirst).
		CurrentScope().
		Done()
	x = InstanceNorm(ctx.In("norm1"), x)
	return Add(x, residual)
}

// depthwiseConv3x3 convolves each channel with its own 3x3 kernel (no channel mixing,
// no bias). The input is expected to be already padded, so the output spatial size is
// the pre-padding one.
func depthwiseConv3x3(ctx *context.Context, x *Node, dilation int) *Node {
	g := x.Graph()
	channels := x.Shape().Dimensions[1]
	kernelVar := ctx.VariableWithShape("weights",
		shapes.Make(x.DType(), channels, 1, 3, 3))
	return Convolve(x, kernelVar.ValueGraph(g)).
		ChannelsAxis(timage.ChannelsFirst).
		ChannelGroupCount(channels).
		DilationPerAxis(dilation, dilation).
		NoPadding().
		Done()
}

// HourglassBlock is a residual block that processes the image at half resolution with
// an increased channel count: a strided convolution down to ⌊channels·multiplier⌋,
// three separable blocks with dilations 1, 2 and 1, a pointwise projection back to the
// input channel count, a transposed convolution back to full resolution, and the block
// input added back.
//
// The spatial dimensions must be even, so that downsampling followed by upsampling
// restores them exactly.
func HourglassBlock(ctx *context.Context, x *Node, multiplier float64) *Node {
	residual := x
	channels := x.Shape().Dimensions[1]
	innerChannels := int(float64(channels) * multiplier)

	x = layers.Convolution(ctx.In("down"), x).
		Channels(innerChannels).KernelSize(3).Strides(2).
		ChannelsAxis(timage.ChannelsFirst).
		PadSame().
		CurrentScope().
		Done()
	x = InstanceNorm(ctx.In("down_norm"), x)
	x = activations.Relu(x)

	for ii, dilation := range []int{1, 2, 1} {
		x = SeparableBlock(ctx.Inf("separable%d", ii), x, dilation)
	}

	x = layers.Convolution(ctx.In("project"), x).
		Channels(channels).KernelSize(1).
		ChannelsAxis(timage.ChannelsFirst).
		CurrentScope().
		Done()
	x = InstanceNorm(ctx.In("project_norm"), x)
	x = activations.Relu(x)

	x = upsampleConv2x(ctx.In("up"), x)
	x = InstanceNorm(ctx.In("up_norm"), x)
	return Add(x, residual)
}

// upsampleConv2x is a transposed convolution with a 2x2 kernel and stride 2,
// implemented as a regular convolution over the input dilated by 2. It exactly doubles
// the spatial dimensions.
func upsampleConv2x(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	channels := x.Shape().Dimensions[1]
	kernelVar := ctx.VariableWithShape("weights",
		shapes.Make(x.DType(), channels, channels, 2, 2))
	x = Convolve(x, kernelVar.ValueGraph(g)).
		ChannelsAxis(timage.ChannelsFirst).
		InputDilationPerAxis(2, 2).
		PaddingPerDim([][2]int{{1, 1}, {1, 1}}).
		Done()
	biasVar := ctx.VariableWithShape("biases", shapes.Make(x.DType(), channels))
	return Add(x, Reshape(biasVar.ValueGraph(g), 1, channels, 1, 1))
}

// Forward builds the transformer network graph on image, a `[batch, 3, height, width]`
// float32 tensor with values in [0, 255]. The output has the same shape and range.
// Height and width must be even.
func Forward(ctx *context.Context, image *Node) *Node {
	numFilters := context.GetParamOr(ctx, ParamFilters, 32)
	multiplier := context.GetParamOr(ctx, ParamMultiplier, 2.0)

	// 9x9 convolution from pixels to features. The kernel initialization is
	// pre-scaled by 1/127.5 so [0, 255] inputs produce unit-scale activations.
	x := ReflectPad(image, 4)
	x = layers.Convolution(ctx.In("conv1").WithInitializer(scaledHeInitializer(ctx, 1.0/PixelMidRange)), x).
		Channels(numFilters).KernelSize(9).
		ChannelsAxis(timage.ChannelsFirst).
		NoPadding().
		CurrentScope().
		Done()
	x = InstanceNorm(ctx.In("norm1"), x)
	x = activations.Relu(x)

	x = HourglassBlock(ctx.In("hourglass0"), x, multiplier)
	x = HourglassBlock(ctx.In("hourglass1"), x, multiplier)

	x = SeparableBlock(ctx.In("separable"), x, 1)
	x = activations.Relu(x)

	// 3x3 convolution back to pixels: small kernels plus a bias of 127.5, so the
	// untrained network outputs mid-gray.
	x = ReflectPad(x, 1)
	x = layers.Convolution(ctx.In("conv2").WithInitializer(outputInitializer(ctx)), x).
		Channels(3).KernelSize(3).
		ChannelsAxis(timage.ChannelsFirst).
		NoPadding().
		CurrentScope().
		Done()
	return x
}

func zerosInitializer(g *Graph, shape shapes.Shape) *Node {
	return Zeros(g, shape)
}

func onesInitializer(g *Graph, shape shapes.Shape) *Node {
	return Ones(g, shape)
}

// scaledHeInitializer is the usual He initializer with the standard deviation
// multiplied by scale. Biases (rank <= 1) are initialized to zero.
func scaledHeInitializer(ctx *context.Context, scale float64) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if shape.Rank() <= 1 {
			return Zeros(g, shape)
		}
		fanIn := shape.Dimensions[1]
		for _, dim := range shape.Dimensions[2:] {
			fanIn *= dim
		}
		stddev := math.Sqrt(2.0/math.Max(1.0, float64(fanIn))) * scale
		return MulScalar(ctx.RandomNormal(g, shape), stddev)
	}
}

// outputInitializer initializes the final convolution: down-scaled kernels and the
// bias set to mid-gray.
func outputInitializer(ctx *context.Context) context.VariableInitializer {
	weights := scaledHeInitializer(ctx, 0.125)
	return func(g *Graph, shape shapes.Shape) *Node {
		if shape.Rank() <= 1 {
			return AddScalar(Zeros(g, shape), PixelMidRange)
		}
		return weights(g, shape)
	}
}
