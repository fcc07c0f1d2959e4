package mcapx

import (
	"encoding/binary"
	"fmt"
	"math"
)

type PointFieldType uint8

const (
	PointFieldInt8 PointFieldType = iota + 1
	PointFieldUint8
	PointFieldInt16
	PointFieldUint16
	PointFieldInt32
	PointFieldUint32
	PointFieldFloat32
	PointFieldFloat64
)

var pointFieldSizes = [...]int{
	PointFieldInt8:    1,
	PointFieldUint8:   1,
	PointFieldInt16:   2,
	PointFieldUint16:  2,
	PointFieldInt32:   4,
	PointFieldUint32:  4,
	PointFieldFloat32: 4,
	PointFieldFloat64: 8,
}

// Size returns the width of one element in bytes, or 0 for an unknown type.
func (t PointFieldType) Size() int {
	if int(t) >= len(pointFieldSizes) {
		return 0
	}
	return pointFieldSizes[t]
}

func (t PointFieldType) Valid() bool {
	return t.Size() != 0
}

// Float reports whether the type is a floating point type.
func (t PointFieldType) Float() bool {
	return t == PointFieldFloat32 || t == PointFieldFloat64
}

// Signed reports whether the type is a signed integer type.
func (t PointFieldType) Signed() bool {
	return t == PointFieldInt8 || t == PointFieldInt16 || t == PointFieldInt32
}

func (t PointFieldType) String() string {
	switch t {
	case PointFieldInt8:
		return "int8"
	case PointFieldUint8:
		return "uint8"
	case PointFieldInt16:
		return "int16"
	case PointFieldUint16:
		return "uint16"
	case PointFieldInt32:
		return "int32"
	case PointFieldUint32:
		return "uint32"
	case PointFieldFloat32:
		return "float32"
	case PointFieldFloat64:
		return "float64"
	default:
		return fmt.Sprintf("datatype(%d)", uint8(t))
	}
}

// FieldDescriptor locates one named field inside a point record.
type FieldDescriptor struct {
	Name     string
	Offset   uint32
	Datatype PointFieldType
	Count    uint32
}

// Elements returns the number of elements of the field. A zero count is treated
// as a scalar.
func (field FieldDescriptor) Elements() uint32 {
	if field.Count == 0 {
		return 1
	}
	return field.Count
}

func (field FieldDescriptor) end() uint64 {
	return uint64(field.Offset) + uint64(field.Datatype.Size())*uint64(field.Elements())
}

// PointCloud is an organized or unorganized cloud of Width x Height points. Each
// point occupies PointStep bytes and each row RowStep bytes, padding included.
type PointCloud struct {
	Stamp     Stamp
	FrameID   string
	Height    uint32
	Width     uint32
	Fields    []FieldDescriptor
	BigEndian bool
	PointStep uint32
	RowStep   uint32
	Data      []byte
	Dense     bool
}

func (pc *PointCloud) Len() int {
	return int(pc.Width) * int(pc.Height)
}

func (pc *PointCloud) Field(name string) (FieldDescriptor, bool) {
	for _, field := range pc.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return FieldDescriptor{}, false
}

func (pc *PointCloud) Order() binary.ByteOrder {
	return byteOrder(pc.BigEndian)
}

// Raw returns the bytes of element elem of field for point i.
func (pc *PointCloud) Raw(i int, field FieldDescriptor, elem int) ([]byte, error) {
	if i < 0 || i >= pc.Len() || elem < 0 || uint32(elem) >= field.Elements() {
		return nil, fmt.Errorf("point %d element %d out of range", i, elem)
	}

	size := field.Datatype.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: field %q has unknown datatype %d", ErrMalformedMessage, field.Name, field.Datatype)
	}

	row := uint64(i) / uint64(pc.Width)
	col := uint64(i) % uint64(pc.Width)
	off := row*uint64(pc.RowStep) + col*uint64(pc.PointStep) + uint64(field.Offset) + uint64(elem*size)
	if off+uint64(size) > uint64(len(pc.Data)) {
		return nil, fmt.Errorf("%w: point %d field %q beyond data", ErrMalformedMessage, i, field.Name)
	}
	return pc.Data[off : off+uint64(size)], nil
}

// Value reads element elem of field for point i, converted to float64.
func (pc *PointCloud) Value(i int, field FieldDescriptor, elem int) (float64, error) {
	b, err := pc.Raw(i, field, elem)
	if err != nil {
		return 0, err
	}

	order := pc.Order()
	switch field.Datatype {
	case PointFieldInt8:
		return float64(int8(b[0])), nil
	case PointFieldUint8:
		return float64(b[0]), nil
	case PointFieldInt16:
		return float64(int16(order.Uint16(b))), nil
	case PointFieldUint16:
		return float64(order.Uint16(b)), nil
	case PointFieldInt32:
		return float64(int32(order.Uint32(b))), nil
	case PointFieldUint32:
		return float64(order.Uint32(b)), nil
	case PointFieldFloat32:
		return float64(math.Float32frombits(order.Uint32(b))), nil
	default:
		return math.Float64frombits(order.Uint64(b)), nil
	}
}

func (pc *PointCloud) validate() error {
	var extent uint64
	for _, field := range pc.Fields {
		if !field.Datatype.Valid() {
			return fmt.Errorf("%w: field %q has unknown datatype %d", ErrMalformedMessage, field.Name, field.Datatype)
		}
		if end := field.end(); end > extent {
			extent = end
		}
	}

	if uint64(pc.PointStep) < extent {
		return fmt.Errorf("%w: point step %d smaller than field extent %d", ErrMalformedMessage, pc.PointStep, extent)
	}
	if need := uint64(pc.Width) * uint64(pc.PointStep); uint64(pc.RowStep) < need {
		return fmt.Errorf("%w: row step %d smaller than width %d x point step %d", ErrMalformedMessage, pc.RowStep, pc.Width, pc.PointStep)
	}
	if need := uint64(pc.RowStep) * uint64(pc.Height); uint64(len(pc.Data)) != need {
		return fmt.Errorf("%w: %d data bytes, row step %d x height %d needs %d", ErrMalformedMessage, len(pc.Data), pc.RowStep, pc.Height, need)
	}
	return nil
}

func decodePointCloud(c *cursor) (*PointCloud, error) {
	var pc PointCloud
	pc.Stamp, pc.FrameID = c.header()
	pc.Height = c.uint32()
	pc.Width = c.uint32()

	// name length, offset, datatype and count take at least 13 bytes
	n := c.sequenceLen(13)
	if n > 0 {
		pc.Fields = make([]FieldDescriptor, n)
	}
	for i := 0; i < n && c.ok; i++ {
		pc.Fields[i] = FieldDescriptor{
			Name:     c.string(),
			Offset:   c.uint32(),
			Datatype: PointFieldType(c.uint8()),
			Count:    c.uint32(),
		}
	}

	pc.BigEndian = c.bool()
	pc.PointStep = c.uint32()
	pc.RowStep = c.uint32()
	pc.Data = c.bytes32()
	pc.Dense = c.bool()
	if !c.ok {
		return nil, fmt.Errorf("%w: truncated point cloud", ErrMalformedMessage)
	}

	if err := pc.validate(); err != nil {
		return nil, err
	}
	return &pc, nil
}
