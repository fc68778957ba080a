package export

import (
	"encoding/binary"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers and enum values of the subset of the ONNX protobuf schema
// (onnx/onnx.proto) the exporter emits. The messages are simple enough that they are
// encoded directly with protowire, without generated bindings.
const (
	// ModelProto
	fieldModelIrVersion    = 1
	fieldModelProducer     = 2
	fieldModelGraph        = 7
	fieldModelOpsetImport  = 8
	fieldOpsetDomain       = 1
	fieldOpsetVersion      = 2

	// GraphProto
	fieldGraphNode        = 1
	fieldGraphName        = 2
	fieldGraphInitializer = 5
	fieldGraphInput       = 11
	fieldGraphOutput      = 12

	// NodeProto
	fieldNodeInput     = 1
	fieldNodeOutput    = 2
	fieldNodeName      = 3
	fieldNodeOpType    = 4
	fieldNodeAttribute = 5

	// AttributeProto
	fieldAttrName   = 1
	fieldAttrFloat  = 2
	fieldAttrInt    = 3
	fieldAttrString = 4
	fieldAttrInts   = 8
	fieldAttrType   = 20
	attrTypeFloat   = 1
	attrTypeInt     = 2
	attrTypeString  = 3
	attrTypeInts    = 7

	// TensorProto
	fieldTensorDims     = 1
	fieldTensorDataType = 2
	fieldTensorName     = 8
	fieldTensorRawData  = 9
	tensorDataTypeFloat = 1
	tensorDataTypeInt64 = 7

	// ValueInfoProto / TypeProto / TensorShapeProto
	fieldValueInfoName      = 1
	fieldValueInfoType      = 2
	fieldTypeTensorType     = 1
	fieldTensorTypeElemType = 1
	fieldTensorTypeShape    = 2
	fieldShapeDim           = 1
	fieldDimValue           = 1
)

func appendUintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, payload []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	return appendBytesField(b, num, []byte(s))
}

// packedInts encodes values as a packed repeated varint field payload.
func packedInts(values []int) []byte {
	var b []byte
	for _, v := range values {
		b = protowire.AppendVarint(b, uint64(v))
	}
	return b
}

func attrInt(name string, v int) []byte {
	var b []byte
	b = appendStringField(b, fieldAttrName, name)
	b = appendUintField(b, fieldAttrInt, uint64(v))
	b = appendUintField(b, fieldAttrType, attrTypeInt)
	return b
}

func attrInts(name string, values []int) []byte {
	var b []byte
	b = appendStringField(b, fieldAttrName, name)
	b = appendBytesField(b, fieldAttrInts, packedInts(values))
	b = appendUintField(b, fieldAttrType, attrTypeInts)
	return b
}

func attrFloat(name string, v float32) []byte {
	var b []byte
	b = appendStringField(b, fieldAttrName, name)
	b = protowire.AppendTag(b, fieldAttrFloat, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(v))
	b = appendUintField(b, fieldAttrType, attrTypeFloat)
	return b
}

func attrString(name, s string) []byte {
	var b []byte
	b = appendStringField(b, fieldAttrName, name)
	b = appendStringField(b, fieldAttrString, s)
	b = appendUintField(b, fieldAttrType, attrTypeString)
	return b
}

// floatTensorProto encodes a TensorProto with float32 raw data.
func floatTensorProto(name string, dims []int, data []float32) []byte {
	var b []byte
	for _, dim := range dims {
		b = appendUintField(b, fieldTensorDims, uint64(dim))
	}
	b = appendUintField(b, fieldTensorDataType, tensorDataTypeFloat)
	b = appendStringField(b, fieldTensorName, name)
	raw := make([]byte, 4*len(data))
	for ii, v := range data {
		binary.LittleEndian.PutUint32(raw[4*ii:], math.Float32bits(v))
	}
	return appendBytesField(b, fieldTensorRawData, raw)
}

// int64TensorProto encodes a 1-D TensorProto with int64 raw data.
func int64TensorProto(name string, data []int64) []byte {
	var b []byte
	b = appendUintField(b, fieldTensorDims, uint64(len(data)))
	b = appendUintField(b, fieldTensorDataType, tensorDataTypeInt64)
	b = appendStringField(b, fieldTensorName, name)
	raw := make([]byte, 8*len(data))
	for ii, v := range data {
		binary.LittleEndian.PutUint64(raw[8*ii:], uint64(v))
	}
	return appendBytesField(b, fieldTensorRawData, raw)
}

// tensorValueInfo encodes a ValueInfoProto for a float32 tensor with fixed dimensions.
func tensorValueInfo(name string, dims []int) []byte {
	var shape []byte
	for _, dim := range dims {
		var d []byte
		d = appendUintField(d, fieldDimValue, uint64(dim))
		shape = appendBytesField(shape, fieldShapeDim, d)
	}
	var tensorType []byte
	tensorType = appendUintField(tensorType, fieldTensorTypeElemType, tensorDataTypeFloat)
	tensorType = appendBytesField(tensorType, fieldTensorTypeShape, shape)
	var typeProto []byte
	typeProto = appendBytesField(typeProto, fieldTypeTensorType, tensorType)
	var b []byte
	b = appendStringField(b, fieldValueInfoName, name)
	return appendBytesField(b, fieldValueInfoType, typeProto)
}

// nodeProto encodes a NodeProto. The node name doubles as its (single) output name.
func nodeProto(opType, name string, inputs []string, attrs ...[]byte) []byte {
	var b []byte
	for _, input := range inputs {
		b = appendStringField(b, fieldNodeInput, input)
	}
	b = appendStringField(b, fieldNodeOutput, name)
	b = appendStringField(b, fieldNodeName, name)
	b = appendStringField(b, fieldNodeOpType, opType)
	for _, attr := range attrs {
		b = appendBytesField(b, fieldNodeAttribute, attr)
	}
	return b
}
