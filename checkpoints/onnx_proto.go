package checkpoints

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// The ONNX messages below cover the subset of onnx.proto this package reads
// and writes. They are encoded directly with protowire; field numbers follow
// onnx.proto3.

// ONNX tensor element types
const (
	TensorProto_DataType_FLOAT int32 = 1
)

// ONNX attribute types
const (
	AttributeProto_FLOAT int32 = 1
	AttributeProto_INT   int32 = 2
	AttributeProto_INTS  int32 = 7
)

type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	ModelVersion    int64
	Graph           *GraphProto
	OpsetImport     []*OperatorSetIdProto
}

type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

type GraphProto struct {
	Name        string
	Node        []*NodeProto
	Initializer []*TensorProto
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
}

type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
}

type AttributeProto struct {
	Name string
	Type int32
	F    float32
	I    int64
	Ints []int64
}

type TensorProto struct {
	Dims      []int64
	DataType  int32
	FloatData []float32
	Name      string
	RawData   []byte
}

// ValueInfoProto is flattened: only tensor types are supported. A dim of -1
// is written as a symbolic "N" dimension.
type ValueInfoProto struct {
	Name     string
	ElemType int32
	Shape    []int64
}

// Floats returns the tensor contents regardless of which field holds them.
func (t *TensorProto) Floats() ([]float32, error) {
	if t.DataType != TensorProto_DataType_FLOAT {
		return nil, errors.Errorf("tensor %s has data type %d, only FLOAT is supported", t.Name, t.DataType)
	}
	if len(t.RawData) > 0 {
		if len(t.RawData)%4 != 0 {
			return nil, errors.Errorf("tensor %s raw data length %d is not a multiple of 4", t.Name, len(t.RawData))
		}
		out := make([]float32, len(t.RawData)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[i*4:]))
		}
		return out, nil
	}
	return t.FloatData, nil
}

// Attr looks up a node attribute by name.
func (n *NodeProto) Attr(name string) (*AttributeProto, bool) {
	for _, a := range n.Attribute {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// Marshal encodes the model in protobuf wire format.
func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.IrVersion))
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendVarintField(b, 5, uint64(m.ModelVersion))
	if m.Graph != nil {
		b = appendMessageField(b, 7, m.Graph.marshal())
	}
	for _, op := range m.OpsetImport {
		var ob []byte
		ob = appendStringField(ob, 1, op.Domain)
		ob = appendVarintField(ob, 2, uint64(op.Version))
		b = appendMessageField(b, 8, ob)
	}
	return b
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Node {
		b = appendMessageField(b, 1, n.marshal())
	}
	b = appendStringField(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessageField(b, 5, t.marshal())
	}
	for _, v := range g.Input {
		b = appendMessageField(b, 11, v.marshal())
	}
	for _, v := range g.Output {
		b = appendMessageField(b, 12, v.marshal())
	}
	return b
}

func (n *NodeProto) marshal() []byte {
	var b []byte
	for _, s := range n.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	for _, s := range n.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendMessageField(b, 5, a.marshal())
	}
	return b
}

func (a *AttributeProto) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, a.Name)
	switch a.Type {
	case AttributeProto_FLOAT:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeProto_INT:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case AttributeProto_INTS:
		for _, v := range a.Ints {
			b = protowire.AppendTag(b, 8, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(v))
		}
	}
	b = appendVarintField(b, 20, uint64(a.Type))
	return b
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	if len(t.Dims) > 0 {
		var packed []byte
		for _, d := range t.Dims {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = appendMessageField(b, 1, packed)
	}
	b = appendVarintField(b, 2, uint64(t.DataType))
	b = appendStringField(b, 8, t.Name)
	raw := t.RawData
	if raw == nil && len(t.FloatData) > 0 {
		raw = make([]byte, 4*len(t.FloatData))
		for i, v := range t.FloatData {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
	}
	if len(raw) > 0 {
		b = appendMessageField(b, 9, raw)
	}
	return b
}

func (v *ValueInfoProto) marshal() []byte {
	var shape []byte
	for _, d := range v.Shape {
		var db []byte
		if d < 0 {
			db = appendStringField(db, 2, "N")
		} else {
			db = appendVarintField(db, 1, uint64(d))
		}
		shape = appendMessageField(shape, 1, db)
	}
	var tensorType []byte
	tensorType = appendVarintField(tensorType, 1, uint64(v.ElemType))
	tensorType = appendMessageField(tensorType, 2, shape)
	var typeProto []byte
	typeProto = appendMessageField(typeProto, 1, tensorType)

	var b []byte
	b = appendStringField(b, 1, v.Name)
	b = appendMessageField(b, 2, typeProto)
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// UnmarshalModel decodes a serialized ONNX ModelProto. Fields outside the
// supported subset are skipped.
func UnmarshalModel(data []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v uint64, buf []byte) error {
		switch num {
		case 1:
			m.IrVersion = int64(v)
		case 2:
			m.ProducerName = string(buf)
		case 3:
			m.ProducerVersion = string(buf)
		case 5:
			m.ModelVersion = int64(v)
		case 7:
			g, err := unmarshalGraph(buf)
			if err != nil {
				return err
			}
			m.Graph = g
		case 8:
			op := &OperatorSetIdProto{}
			if err := walkFields(buf, func(num protowire.Number, _ protowire.Type, v uint64, buf []byte) error {
				switch num {
				case 1:
					op.Domain = string(buf)
				case 2:
					op.Version = int64(v)
				}
				return nil
			}); err != nil {
				return err
			}
			m.OpsetImport = append(m.OpsetImport, op)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode ONNX model")
	}
	if m.Graph == nil {
		return nil, errors.Errorf("ONNX model has no graph")
	}
	return m, nil
}

func unmarshalGraph(data []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v uint64, buf []byte) error {
		switch num {
		case 1:
			n, err := unmarshalNode(buf)
			if err != nil {
				return err
			}
			g.Node = append(g.Node, n)
		case 2:
			g.Name = string(buf)
		case 5:
			t, err := unmarshalTensor(buf)
			if err != nil {
				return err
			}
			g.Initializer = append(g.Initializer, t)
		case 11, 12:
			vi, err := unmarshalValueInfo(buf)
			if err != nil {
				return err
			}
			if num == 11 {
				g.Input = append(g.Input, vi)
			} else {
				g.Output = append(g.Output, vi)
			}
		}
		return nil
	})
	return g, err
}

func unmarshalNode(data []byte) (*NodeProto, error) {
	n := &NodeProto{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v uint64, buf []byte) error {
		switch num {
		case 1:
			n.Input = append(n.Input, string(buf))
		case 2:
			n.Output = append(n.Output, string(buf))
		case 3:
			n.Name = string(buf)
		case 4:
			n.OpType = string(buf)
		case 5:
			a, err := unmarshalAttribute(buf)
			if err != nil {
				return err
			}
			n.Attribute = append(n.Attribute, a)
		}
		return nil
	})
	return n, err
}

func unmarshalAttribute(data []byte) (*AttributeProto, error) {
	a := &AttributeProto{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v uint64, buf []byte) error {
		switch num {
		case 1:
			a.Name = string(buf)
		case 2:
			a.F = math.Float32frombits(uint32(v))
		case 3:
			a.I = int64(v)
		case 8:
			if typ == protowire.BytesType {
				vals, err := unpackVarints(buf)
				if err != nil {
					return err
				}
				a.Ints = append(a.Ints, vals...)
			} else {
				a.Ints = append(a.Ints, int64(v))
			}
		case 20:
			a.Type = int32(v)
		}
		return nil
	})
	return a, err
}

func unmarshalTensor(data []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v uint64, buf []byte) error {
		switch num {
		case 1:
			if typ == protowire.BytesType {
				vals, err := unpackVarints(buf)
				if err != nil {
					return err
				}
				t.Dims = append(t.Dims, vals...)
			} else {
				t.Dims = append(t.Dims, int64(v))
			}
		case 2:
			t.DataType = int32(v)
		case 4:
			if typ == protowire.BytesType {
				if len(buf)%4 != 0 {
					return errors.Errorf("packed float_data length %d", len(buf))
				}
				for i := 0; i < len(buf); i += 4 {
					t.FloatData = append(t.FloatData, math.Float32frombits(binary.LittleEndian.Uint32(buf[i:])))
				}
			} else {
				t.FloatData = append(t.FloatData, math.Float32frombits(uint32(v)))
			}
		case 8:
			t.Name = string(buf)
		case 9:
			t.RawData = append([]byte(nil), buf...)
		}
		return nil
	})
	return t, err
}

func unmarshalValueInfo(data []byte) (*ValueInfoProto, error) {
	vi := &ValueInfoProto{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v uint64, buf []byte) error {
		switch num {
		case 1:
			vi.Name = string(buf)
		case 2:
			// TypeProto.tensor_type
			return walkFields(buf, func(num protowire.Number, _ protowire.Type, _ uint64, buf []byte) error {
				if num != 1 {
					return nil
				}
				return walkFields(buf, func(num protowire.Number, _ protowire.Type, v uint64, buf []byte) error {
					switch num {
					case 1:
						vi.ElemType = int32(v)
					case 2:
						return walkFields(buf, func(num protowire.Number, _ protowire.Type, _ uint64, buf []byte) error {
							if num != 1 {
								return nil
							}
							dim := int64(-1)
							err := walkFields(buf, func(num protowire.Number, _ protowire.Type, v uint64, _ []byte) error {
								if num == 1 {
									dim = int64(v)
								}
								return nil
							})
							vi.Shape = append(vi.Shape, dim)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	return vi, err
}

// walkFields calls fn for every field in a serialized message. Varint and
// fixed fields arrive in v, length-delimited fields in buf.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, buf []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var v uint64
		var buf []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var f uint32
			f, n = protowire.ConsumeFixed32(data)
			v = uint64(f)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			buf, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if err := fn(num, typ, v, buf); err != nil {
			return err
		}
	}
	return nil
}

func unpackVarints(buf []byte) ([]int64, error) {
	var out []int64
	for len(buf) > 0 {
		v, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int64(v))
		buf = buf[n:]
	}
	return out, nil
}
