// Package export serializes a trained transformer network to the ONNX format, so the
// result of training can run under any ONNX runtime.
//
// The exporter does not trace the computation graph: it walks the known architecture
// of the network and re-emits it as ONNX nodes (opset 13), reading the trained weights
// from the variables in a context. Convolution kernels are stored as
// `[outputChannels, inputChannels, kH, kW]`, which is also ONNX's Conv layout, so they
// are serialized as-is; only the transposed convolutions need their kernels rearranged.
package export

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/painterly-ml/painterly/stylenet"
	"github.com/pkg/errors"
)

const (
	irVersion    = 7
	opsetVersion = 13
	producerName = "painterly"
)

// ONNX serializes the transformer network whose variables live under the given
// absolute context scope (e.g. "/stylenet") as an ONNX model with a single input
// named "input" and a single output named "output", both fixed to
// `[1, 3, height, width]` float32.
func ONNX(ctx *context.Context, scope string, height, width int) ([]byte, error) {
	b := &graphBuilder{ctx: ctx, scope: scope}

	x := "input"
	x = b.pad(x, "pad1", 4)
	x = b.conv(x, "conv1", "conv1", 1, 1, [4]int{})
	x = b.instanceNorm(x, "norm1")
	x = b.relu(x, "relu1")
	x = b.hourglass(x, "hourglass0")
	x = b.hourglass(x, "hourglass1")
	x = b.separable(x, "separable", 1)
	x = b.relu(x, "relu2")
	x = b.pad(x, "pad2", 1)
	b.conv(x, "conv2", "output", 1, 1, [4]int{})
	if b.err != nil {
		return nil, b.err
	}

	var g []byte
	for _, node := range b.nodes {
		g = appendBytesField(g, fieldGraphNode, node)
	}
	g = appendStringField(g, fieldGraphName, strings.TrimPrefix(scope, context.ScopeSeparator))
	for _, initializer := range b.initializers {
		g = appendBytesField(g, fieldGraphInitializer, initializer)
	}
	g = appendBytesField(g, fieldGraphInput, tensorValueInfo("input", []int{1, 3, height, width}))
	g = appendBytesField(g, fieldGraphOutput, tensorValueInfo("output", []int{1, 3, height, width}))

	var opset []byte
	opset = appendUintField(opset, fieldOpsetVersion, opsetVersion)

	var m []byte
	m = appendUintField(m, fieldModelIrVersion, irVersion)
	m = appendStringField(m, fieldModelProducer, producerName)
	m = appendBytesField(m, fieldModelGraph, g)
	m = appendBytesField(m, fieldModelOpsetImport, opset)
	return m, nil
}

// ONNXToFile is like ONNX but writes the serialized model to filePath.
func ONNXToFile(ctx *context.Context, scope string, height, width int, filePath string) error {
	model, err := ONNX(ctx, scope, height, width)
	if err != nil {
		return err
	}
	if err = os.WriteFile(filePath, model, 0644); err != nil {
		return errors.Wrapf(err, "failed to write ONNX model to %q", filePath)
	}
	return nil
}

// graphBuilder accumulates serialized NodeProtos and TensorProto initializers while
// walking the network. The first error stops the walk; later calls are no-ops.
type graphBuilder struct {
	ctx          *context.Context
	scope        string
	nodes        [][]byte
	initializers [][]byte
	err          error
}

// variableData returns a copy of the flat float32 data and the dimensions of a
// network variable, looked up by its scope relative to the network root.
func (b *graphBuilder) variableData(scope, name string) ([]float32, []int) {
	if b.err != nil {
		return nil, nil
	}
	scopePath := b.scope + context.ScopeSeparator + scope
	v := b.ctx.GetVariableByScopeAndName(scopePath, name)
	if v == nil {
		b.err = errors.Errorf("variable %q not found in scope %q", name, scopePath)
		return nil, nil
	}
	value, err := v.Value()
	if err != nil {
		b.err = errors.WithMessagef(err, "failed to read variable %s/%s", scopePath, name)
		return nil, nil
	}
	var data []float32
	err = tensors.ConstFlatData[float32](value, func(flat []float32) {
		data = slices.Clone(flat)
	})
	if err != nil {
		b.err = errors.WithMessagef(err, "failed to read variable %s/%s", scopePath, name)
		return nil, nil
	}
	return data, slices.Clone(value.Shape().Dimensions)
}

// weight appends a float32 initializer named scope+"/"+name and returns the name.
func (b *graphBuilder) weight(scope, name string, dims []int, data []float32) string {
	tensorName := scope + "/" + name
	b.initializers = append(b.initializers, floatTensorProto(tensorName, dims, data))
	return tensorName
}

func (b *graphBuilder) node(opType, name string, inputs []string, attrs ...[]byte) string {
	if b.err != nil {
		return name
	}
	b.nodes = append(b.nodes, nodeProto(opType, name, inputs, attrs...))
	return name
}

// pad emits a reflect-mode Pad of the two spatial axes by n pixels each side.
func (b *graphBuilder) pad(x, name string, n int) string {
	if b.err != nil {
		return x
	}
	padsName := name + "/pads"
	b.initializers = append(b.initializers,
		int64TensorProto(padsName, []int64{0, 0, int64(n), int64(n), 0, 0, int64(n), int64(n)}))
	return b.node("Pad", name, []string{x, padsName}, attrString("mode", "reflect"))
}

// conv emits a Conv node reading the "weights" and "biases" variables at scope. The
// node (and its output) is named name, usually the same as scope.
func (b *graphBuilder) conv(x, scope, name string, stride, dilation int, pads [4]int) string {
	weightsData, weightsDims := b.variableData(scope, "weights")
	biasData, biasDims := b.variableData(scope, "biases")
	if b.err != nil {
		return x
	}
	wName := b.weight(scope, "weights", weightsDims, weightsData)
	bName := b.weight(scope, "biases", biasDims, biasData)
	return b.node("Conv", name, []string{x, wName, bName},
		attrInts("dilations", []int{dilation, dilation}),
		attrInt("group", 1),
		attrInts("kernel_shape", weightsDims[2:]),
		attrInts("pads", pads[:]),
		attrInts("strides", []int{stride, stride}))
}

// depthwise emits a grouped Conv where each channel convolves with its own 3x3
// kernel, no bias. The input is expected to be already padded.
func (b *graphBuilder) depthwise(x, scope string, dilation int) string {
	data, dims := b.variableData(scope, "weights")
	if b.err != nil {
		return x
	}
	wName := b.weight(scope, "weights", dims, data)
	return b.node("Conv", scope, []string{x, wName},
		attrInts("dilations", []int{dilation, dilation}),
		attrInt("group", dims[0]),
		attrInts("kernel_shape", dims[2:]),
		attrInts("pads", []int{0, 0, 0, 0}),
		attrInts("strides", []int{1, 1}))
}

// instanceNorm emits an InstanceNormalization node. The `[1, channels, 1, 1]` scale
// and offset variables are serialized with shape `[channels]`, as ONNX expects.
func (b *graphBuilder) instanceNorm(x, scope string) string {
	scaleData, scaleDims := b.variableData(scope, "scale")
	offsetData, _ := b.variableData(scope, "offset")
	if b.err != nil {
		return x
	}
	channels := scaleDims[1]
	sName := b.weight(scope, "scale", []int{channels}, scaleData)
	oName := b.weight(scope, "offset", []int{channels}, offsetData)
	return b.node("InstanceNormalization", scope, []string{x, sName, oName},
		attrFloat("epsilon", stylenet.NormEpsilon))
}

func (b *graphBuilder) relu(x, name string) string {
	return b.node("Relu", name, []string{x})
}

func (b *graphBuilder) add(x, y, name string) string {
	return b.node("Add", name, []string{x, y})
}

// convTranspose emits the 2x up-sampling as an ONNX ConvTranspose with stride 2.
// The stored kernel is `[out, in, kH, kW]` and convolves the input dilated by the
// stride; ConvTranspose expects `[in, out, kH, kW]` with the spatial taps flipped.
func (b *graphBuilder) convTranspose(x, scope string) string {
	data, dims := b.variableData(scope, "weights")
	biasData, biasDims := b.variableData(scope, "biases")
	if b.err != nil {
		return x
	}
	out, in, kh, kw := dims[0], dims[1], dims[2], dims[3]
	flipped := make([]float32, len(data))
	for o := range out {
		for i := range in {
			for h := range kh {
				for w := range kw {
					flipped[((i*out+o)*kh+(kh-1-h))*kw+(kw-1-w)] = data[((o*in+i)*kh+h)*kw+w]
				}
			}
		}
	}
	wName := b.weight(scope, "weights", []int{in, out, kh, kw}, flipped)
	bName := b.weight(scope, "biases", biasDims, biasData)
	return b.node("ConvTranspose", scope, []string{x, wName, bName},
		attrInt("group", 1),
		attrInts("kernel_shape", []int{kh, kw}),
		attrInts("pads", []int{0, 0, 0, 0}),
		attrInts("strides", []int{2, 2}))
}

func (b *graphBuilder) separable(x, scope string, dilation int) string {
	residual := x
	x = b.pad(x, scope+"/pad", dilation)
	x = b.depthwise(x, scope+"/depthwise", dilation)
	x = b.instanceNorm(x, scope+"/norm0")
	x = b.relu(x, scope+"/relu0")
	x = b.conv(x, scope+"/pointwise", scope+"/pointwise", 1, 1, [4]int{})
	x = b.instanceNorm(x, scope+"/norm1")
	return b.add(x, residual, scope+"/add")
}

func (b *graphBuilder) hourglass(x, scope string) string {
	residual := x
	// The strided down-convolution uses SAME padding, one pixel on every side of
	// both spatial axes; the output is still halved for even input dimensions.
	x = b.conv(x, scope+"/down", scope+"/down", 2, 1, [4]int{1, 1, 1, 1})
	x = b.instanceNorm(x, scope+"/down_norm")
	x = b.relu(x, scope+"/down_relu")
	for ii, dilation := range []int{1, 2, 1} {
		x = b.separable(x, fmt.Sprintf("%s/separable%d", scope, ii), dilation)
	}
	x = b.conv(x, scope+"/project", scope+"/project", 1, 1, [4]int{})
	x = b.instanceNorm(x, scope+"/project_norm")
	x = b.relu(x, scope+"/project_relu")
	x = b.convTranspose(x, scope+"/up")
	x = b.instanceNorm(x, scope+"/up_norm")
	return b.add(x, residual, scope+"/add")
}
