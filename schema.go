package mcapx

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	errInvalidFormat     = errors.New("invalid message definition")
	errUnresolvedMsgType = errors.New("failed to resolve a complex message type")
	errInvalidConstType  = errors.New("invalid const type")
)

type MessageFieldType uint8

const (
	MessageFieldTypeBool MessageFieldType = iota + 1
	MessageFieldTypeInt8
	MessageFieldTypeUint8
	MessageFieldTypeInt16
	MessageFieldTypeUint16
	MessageFieldTypeInt32
	MessageFieldTypeUint32
	MessageFieldTypeInt64
	MessageFieldTypeUint64
	MessageFieldTypeFloat32
	MessageFieldTypeFloat64
	MessageFieldTypeString
	MessageFieldTypeComplex
)

var (
	messageFieldTypeMap = map[string]MessageFieldType{
		"bool":    MessageFieldTypeBool,
		"byte":    MessageFieldTypeUint8,
		"char":    MessageFieldTypeUint8,
		"int8":    MessageFieldTypeInt8,
		"uint8":   MessageFieldTypeUint8,
		"int16":   MessageFieldTypeInt16,
		"uint16":  MessageFieldTypeUint16,
		"int32":   MessageFieldTypeInt32,
		"uint32":  MessageFieldTypeUint32,
		"int64":   MessageFieldTypeInt64,
		"uint64":  MessageFieldTypeUint64,
		"float32": MessageFieldTypeFloat32,
		"float64": MessageFieldTypeFloat64,
		"string":  MessageFieldTypeString,
		"wstring": MessageFieldTypeString,
	}
)

// MessageDefinition is a parsed ros2msg definition, see
// https://docs.ros.org/en/rolling/Concepts/Basic/About-Interfaces.html
type MessageDefinition struct {
	Type      string
	Fields    []*MessageFieldDefinition
	Constants []*MessageFieldDefinition
}

type MessageFieldDefinition struct {
	Type     MessageFieldType
	TypeName string
	Name     string
	IsArray  bool
	// ArraySize is only used when the field is a fixed-size array. If it's a
	// sequence, ArraySize is -1 and UpperBound holds the optional <=N bound.
	ArraySize  int
	UpperBound int
	// Value is only set for constants
	Value interface{}
	// MsgType is only set when type is complex
	MsgType *MessageDefinition
}

// FieldNames returns the top-level field names in declaration order.
func (def *MessageDefinition) FieldNames() []string {
	names := make([]string, len(def.Fields))
	for i, field := range def.Fields {
		names[i] = field.Name
	}
	return names
}

// decodeConstValue decodes raw to concrete type. Raw is expected to be in ASCII.
func decodeConstValue(fieldType MessageFieldType, raw string) (interface{}, error) {
	switch fieldType {
	case MessageFieldTypeBool:
		return strconv.ParseBool(raw)
	case MessageFieldTypeInt8:
		v, err := strconv.ParseInt(raw, 0, 8)
		return int8(v), err
	case MessageFieldTypeUint8:
		v, err := strconv.ParseUint(raw, 0, 8)
		return uint8(v), err
	case MessageFieldTypeInt16:
		v, err := strconv.ParseInt(raw, 0, 16)
		return int16(v), err
	case MessageFieldTypeUint16:
		v, err := strconv.ParseUint(raw, 0, 16)
		return uint16(v), err
	case MessageFieldTypeInt32:
		v, err := strconv.ParseInt(raw, 0, 32)
		return int32(v), err
	case MessageFieldTypeUint32:
		v, err := strconv.ParseUint(raw, 0, 32)
		return uint32(v), err
	case MessageFieldTypeInt64:
		return strconv.ParseInt(raw, 0, 64)
	case MessageFieldTypeUint64:
		return strconv.ParseUint(raw, 0, 64)
	case MessageFieldTypeFloat32:
		v, err := strconv.ParseFloat(raw, 32)
		return float32(v), err
	case MessageFieldTypeFloat64:
		return strconv.ParseFloat(raw, 64)
	case MessageFieldTypeString:
		return strings.Trim(raw, `"'`), nil
	default:
		return nil, errInvalidConstType
	}
}

// ParseMessageDefinition parses a definition and its dependent "MSG:" sections.
// Complex field types that have no section are left unresolved and reported
// with errUnresolvedMsgType after the rest of the definition is parsed.
func ParseMessageDefinition(typeName string, b []byte) (*MessageDefinition, error) {
	def := &MessageDefinition{Type: typeName}
	return def, def.unmarshall(b)
}

func (def *MessageDefinition) unmarshall(b []byte) error {
	unresolvedFields := make(map[*MessageFieldDefinition]string)
	complexMsgs := []*MessageDefinition{def}

	for _, line := range bytes.Split(b, []byte("\n")) {
		// find comments
		if idx := bytes.IndexByte(line, '#'); idx != -1 {
			line = line[:idx]
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '=' {
			continue
		}

		// start of a dependent definition
		if bytes.HasPrefix(line, []byte("MSG:")) {
			msgType := string(bytes.TrimSpace(line[len("MSG:"):]))
			complexMsgs = append(complexMsgs, &MessageDefinition{Type: msgType})
			continue
		}

		fieldDef, err := parseFieldLine(string(line))
		if err != nil {
			return err
		}

		complexMsg := complexMsgs[len(complexMsgs)-1]
		if fieldDef.Value != nil {
			complexMsg.Constants = append(complexMsg.Constants, fieldDef)
			continue
		}

		if fieldDef.Type == MessageFieldTypeComplex {
			unresolvedFields[fieldDef] = fieldDef.TypeName
		}
		complexMsg.Fields = append(complexMsg.Fields, fieldDef)
	}

	var err error
	for field, msgType := range unresolvedFields {
		msgDef := findComplexMsg(complexMsgs, msgType)
		if msgDef == nil {
			err = fmt.Errorf("%w: %s", errUnresolvedMsgType, msgType)
			continue
		}

		field.MsgType = msgDef
	}

	return err
}

func parseFieldLine(line string) (*MessageFieldDefinition, error) {
	idx := strings.IndexAny(line, " \t")
	if idx == -1 {
		return nil, fmt.Errorf("%w: %q", errInvalidFormat, line)
	}
	fieldType := line[:idx]
	rest := strings.TrimSpace(line[idx+1:])

	fieldDef := &MessageFieldDefinition{ArraySize: -1}

	if idx := strings.IndexByte(fieldType, '['); idx != -1 {
		end := strings.IndexByte(fieldType[idx:], ']')
		if end == -1 {
			return nil, fmt.Errorf("%w: %q", errInvalidFormat, line)
		}

		size := fieldType[idx+1 : idx+end]
		switch {
		case size == "":
		case strings.HasPrefix(size, "<="):
			bound, err := strconv.Atoi(size[2:])
			if err != nil {
				return nil, fmt.Errorf("%w: %q", errInvalidFormat, line)
			}
			fieldDef.UpperBound = bound
		default:
			arraySize, err := strconv.Atoi(size)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", errInvalidFormat, line)
			}
			fieldDef.ArraySize = arraySize
		}

		fieldType = fieldType[:idx]
		fieldDef.IsArray = true
	}

	// bounded strings, string<=N
	if idx := strings.Index(fieldType, "<="); idx != -1 {
		fieldType = fieldType[:idx]
	}

	msgFieldType, ok := messageFieldTypeMap[fieldType]
	if !ok {
		msgFieldType = MessageFieldTypeComplex
	}
	fieldDef.Type = msgFieldType
	fieldDef.TypeName = fieldType

	// constants use NAME=value, fields may carry a default after the name
	if idx := strings.IndexByte(rest, '='); idx != -1 {
		value, err := decodeConstValue(msgFieldType, strings.TrimSpace(rest[idx+1:]))
		if err != nil {
			return nil, fmt.Errorf("%w: constant %q: %v", errInvalidFormat, line, err)
		}
		fieldDef.Name = strings.TrimSpace(rest[:idx])
		fieldDef.Value = value
		return fieldDef, nil
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %q", errInvalidFormat, line)
	}
	fieldDef.Name = fields[0]
	return fieldDef, nil
}

// findComplexMsg finds msgType among the parsed sections. Both sides may carry a
// package prefix and the "msg/" namespace is optional.
func findComplexMsg(complexMsgs []*MessageDefinition, msgType string) *MessageDefinition {
	msgType = normalizeTypeName(msgType)
	for _, cur := range complexMsgs[1:] {
		name := normalizeTypeName(cur.Type)
		if name == msgType || strings.HasSuffix(name, "/"+msgType) {
			return cur
		}
	}
	return nil
}

func normalizeTypeName(name string) string {
	return strings.Replace(name, "/msg/", "/", 1)
}

var expectedLayouts = map[SchemaKind][]string{
	KindImage:           {"header", "height", "width", "encoding", "is_bigendian", "step", "data"},
	KindCompressedImage: {"header", "format", "data"},
	KindPointCloud:      {"header", "height", "width", "fields", "is_bigendian", "point_step", "row_step", "data", "is_dense"},
}

// checkLayout verifies that the definition declares the fields the decoder reads,
// in the same order.
func checkLayout(kind SchemaKind, text []byte) error {
	def, err := ParseMessageDefinition("", text)
	if err != nil && !errors.Is(err, errUnresolvedMsgType) {
		return err
	}

	expected := expectedLayouts[kind]
	names := def.FieldNames()
	if len(names) != len(expected) {
		return fmt.Errorf("expected fields %v, got %v", expected, names)
	}
	for i := range names {
		if names[i] != expected[i] {
			return fmt.Errorf("expected fields %v, got %v", expected, names)
		}
	}
	return nil
}
