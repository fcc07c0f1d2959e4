package mcapx

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// addData appends v to a little-endian CDR buffer, aligning primitives to their
// size relative to the encapsulation header.
func addData(b []byte, v interface{}) []byte {
	align := func(n int) {
		for (len(b)-cdrHeaderLen)%n != 0 {
			b = append(b, 0)
		}
	}

	switch v := v.(type) {
	case bool:
		if v {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	case uint8:
		b = append(b, v)
	case int32:
		align(4)
		b = binary.LittleEndian.AppendUint32(b, uint32(v))
	case uint32:
		align(4)
		b = binary.LittleEndian.AppendUint32(b, v)
	case string:
		b = addData(b, uint32(len(v)+1))
		b = append(b, v...)
		b = append(b, 0)
	case []byte:
		b = addData(b, uint32(len(v)))
		b = append(b, v...)
	}
	return b
}

func cdrPayload(values ...interface{}) []byte {
	b := []byte{0x00, 0x01, 0x00, 0x00}
	for _, v := range values {
		b = addData(b, v)
	}
	return b
}

func descriptor(schemaName string) *ChannelDescriptor {
	return &ChannelDescriptor{ID: 1, Topic: "/test", SchemaName: schemaName, MessageEncoding: "cdr"}
}

func TestDecodeCompressedImage(t *testing.T) {
	payload := cdrPayload(int32(7), uint32(11), "camera", "jpeg", []byte{0xff, 0xd8, 0xff})

	msg, err := DecodeMessage(descriptor("sensor_msgs/msg/CompressedImage"), payload)
	must(t, err)

	expected := &CompressedImage{
		Stamp:   Stamp{Sec: 7, Nanosec: 11},
		FrameID: "camera",
		Format:  "jpeg",
		Data:    []byte{0xff, 0xd8, 0xff},
	}
	if diff := cmp.Diff(expected, msg); diff != "" {
		t.Fatal(diff)
	}
	if expected.IsVideo() {
		t.Fatal("jpeg is not video")
	}
}

func TestDecodeImage(t *testing.T) {
	pixels := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

	testCases := []struct {
		Name     string
		Payload  []byte
		Expected *Image
		Fail     bool
	}{
		{
			Name:    "Mono8 With Row Padding",
			Payload: cdrPayload(int32(1), uint32(2), "cam", uint32(2), uint32(5), "mono8", uint8(0), uint32(6), pixels),
			Expected: &Image{
				Stamp: Stamp{Sec: 1, Nanosec: 2}, FrameID: "cam",
				Height: 2, Width: 5, Encoding: "mono8", Step: 6, Data: pixels,
			},
		},
		{
			Name:    "Data Shorter Than Step Times Height",
			Payload: cdrPayload(int32(1), uint32(2), "cam", uint32(3), uint32(5), "mono8", uint8(0), uint32(6), pixels),
			Fail:    true,
		},
		{
			Name:    "Truncated",
			Payload: cdrPayload(int32(1), uint32(2), "cam", uint32(2)),
			Fail:    true,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			msg, err := DecodeMessage(descriptor("sensor_msgs/msg/Image"), testCase.Payload)
			if testCase.Fail {
				if !errors.Is(err, ErrMalformedMessage) {
					t.Fatalf("expected ErrMalformedMessage, got %v", err)
				}
				return
			}
			must(t, err)

			if diff := cmp.Diff(testCase.Expected, msg); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestDecodeEncapsulation(t *testing.T) {
	body := cdrPayload(int32(1), uint32(2), "cam", "png", []byte{1})[cdrHeaderLen:]

	testCases := []struct {
		Name   string
		Header []byte
		Fail   bool
	}{
		{Name: "Little Endian", Header: []byte{0x00, 0x01, 0x00, 0x00}},
		{Name: "Parameter List", Header: []byte{0x00, 0x03, 0x00, 0x00}, Fail: true},
		{Name: "Unknown", Header: []byte{0x01, 0x01, 0x00, 0x00}, Fail: true},
		{Name: "Short", Header: []byte{0x00}, Fail: true},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			payload := append(append([]byte(nil), testCase.Header...), body...)
			if len(testCase.Header) < cdrHeaderLen {
				payload = testCase.Header
			}

			_, err := DecodeMessage(descriptor("sensor_msgs/msg/CompressedImage"), payload)
			if testCase.Fail && !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("expected ErrMalformedMessage, got %v", err)
			} else if !testCase.Fail && err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestDecodeCompressedTransport(t *testing.T) {
	img := &CompressedImage{Stamp: Stamp{Sec: 3}, FrameID: "f", Format: "h264", Data: []byte{0, 0, 0, 1, 0x67}}
	compressed := zstdEncoder.EncodeAll(MarshalCDR(img), nil)

	testCases := []struct {
		Name     string
		Encoding string
		Metadata map[string]string
	}{
		{Name: "Encoding Suffix", Encoding: "cdr+zstd"},
		{Name: "Metadata", Encoding: "cdr", Metadata: map[string]string{"compression": "zstd"}},
		{Name: "Sniffed On Raw Channel", Encoding: "cdr"},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			desc := descriptor("sensor_msgs/msg/CompressedImage")
			desc.MessageEncoding = testCase.Encoding
			desc.Encoding = channelEncoding(testCase.Encoding, testCase.Metadata)

			msg, err := DecodeMessage(desc, compressed)
			must(t, err)
			if diff := cmp.Diff(img, msg); diff != "" {
				t.Fatal(diff)
			}
			if !msg.(*CompressedImage).IsVideo() {
				t.Fatal("expected a video fragment")
			}
		})
	}
}

type pointXYZ struct {
	X, Y, Z   float32
	Intensity uint16
	Ring      uint8
	Time      float64
	Offset    int16
}

func pointCloudFields() []FieldDescriptor {
	return []FieldDescriptor{
		{Name: "x", Offset: 0, Datatype: PointFieldFloat32, Count: 1},
		{Name: "y", Offset: 4, Datatype: PointFieldFloat32, Count: 1},
		{Name: "z", Offset: 8, Datatype: PointFieldFloat32, Count: 1},
		{Name: "intensity", Offset: 12, Datatype: PointFieldUint16, Count: 1},
		{Name: "ring", Offset: 14, Datatype: PointFieldUint8, Count: 0},
		{Name: "time", Offset: 16, Datatype: PointFieldFloat64, Count: 1},
		{Name: "offset", Offset: 24, Datatype: PointFieldInt16, Count: 1},
	}
}

// buildPointCloud lays points out with 6 bytes of padding per point and 5 bytes
// per row.
func buildPointCloud(points [][]pointXYZ, bigEndian bool) *PointCloud {
	const pointStep = 32
	width := len(points[0])
	rowStep := width*pointStep + 5
	order := byteOrder(bigEndian)

	data := make([]byte, rowStep*len(points))
	for r, row := range points {
		for c, p := range row {
			b := data[r*rowStep+c*pointStep:]
			order.PutUint32(b[0:], math.Float32bits(p.X))
			order.PutUint32(b[4:], math.Float32bits(p.Y))
			order.PutUint32(b[8:], math.Float32bits(p.Z))
			order.PutUint16(b[12:], p.Intensity)
			b[14] = p.Ring
			order.PutUint64(b[16:], math.Float64bits(p.Time))
			order.PutUint16(b[24:], uint16(p.Offset))
		}
	}

	return &PointCloud{
		Stamp:     Stamp{Sec: 1700000000, Nanosec: 5},
		FrameID:   "lidar",
		Height:    uint32(len(points)),
		Width:     uint32(width),
		Fields:    pointCloudFields(),
		BigEndian: bigEndian,
		PointStep: pointStep,
		RowStep:   uint32(rowStep),
		Data:      data,
		Dense:     true,
	}
}

func TestPointCloudRoundTrip(t *testing.T) {
	points := [][]pointXYZ{
		{
			{X: 1.5, Y: -2.25, Z: 3, Intensity: 100, Ring: 1, Time: 0.001, Offset: -7},
			{X: -0.5, Y: 0, Z: 1e6, Intensity: 65535, Ring: 2, Time: 0.002, Offset: 300},
			{X: 42, Y: 43, Z: 44, Intensity: 0, Ring: 255, Time: 1e-9, Offset: math.MinInt16},
		},
		{
			{X: 7, Y: 8, Z: 9, Intensity: 1, Ring: 3, Time: 12.5, Offset: math.MaxInt16},
			{X: float32(math.Inf(1)), Y: 0.125, Z: -9, Intensity: 2, Ring: 4, Time: -1, Offset: 0},
			{X: 0, Y: 0, Z: 0, Intensity: 3, Ring: 5, Time: 0, Offset: 1},
		},
	}

	for _, bigEndian := range []bool{false, true} {
		pc := buildPointCloud(points, bigEndian)

		msg, err := DecodeMessage(descriptor("sensor_msgs/msg/PointCloud2"), MarshalCDR(pc))
		must(t, err)
		if diff := cmp.Diff(pc, msg); diff != "" {
			t.Fatalf("big endian %v: %s", bigEndian, diff)
		}

		decoded := msg.(*PointCloud)
		if decoded.Len() != 6 {
			t.Fatalf("expected 6 points, got %d", decoded.Len())
		}

		for i := 0; i < decoded.Len(); i++ {
			p := points[i/3][i%3]
			expected := map[string]float64{
				"x":         float64(p.X),
				"y":         float64(p.Y),
				"z":         float64(p.Z),
				"intensity": float64(p.Intensity),
				"ring":      float64(p.Ring),
				"time":      p.Time,
				"offset":    float64(p.Offset),
			}

			for name, want := range expected {
				field, ok := decoded.Field(name)
				if !ok {
					t.Fatalf("missing field %s", name)
				}
				got, err := decoded.Value(i, field, 0)
				must(t, err)
				if got != want {
					t.Fatalf("big endian %v point %d field %s: expected %v, got %v", bigEndian, i, name, want, got)
				}
			}
		}
	}
}

func TestPointCloudMalformed(t *testing.T) {
	valid := func() *PointCloud {
		return buildPointCloud([][]pointXYZ{{{X: 1}, {X: 2}}}, false)
	}

	testCases := []struct {
		Name   string
		Modify func(pc *PointCloud)
	}{
		{Name: "Unknown Datatype", Modify: func(pc *PointCloud) { pc.Fields[1].Datatype = 9 }},
		{Name: "Field Past Point Step", Modify: func(pc *PointCloud) { pc.Fields[5].Count = 3 }},
		{Name: "Row Step Too Small", Modify: func(pc *PointCloud) { pc.RowStep = pc.PointStep }},
		{Name: "Data Length Mismatch", Modify: func(pc *PointCloud) { pc.Data = pc.Data[:len(pc.Data)-1] }},
		{Name: "Missing Rows", Modify: func(pc *PointCloud) { pc.Height = 2 }},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			pc := valid()
			testCase.Modify(pc)

			_, err := DecodeMessage(descriptor("sensor_msgs/msg/PointCloud2"), MarshalCDR(pc))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}

	t.Run("Truncated Payload", func(t *testing.T) {
		payload := MarshalCDR(valid())
		_, err := DecodeMessage(descriptor("sensor_msgs/msg/PointCloud2"), payload[:len(payload)-10])
		if !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("expected ErrMalformedMessage, got %v", err)
		}
	})

	t.Run("Huge Field Count", func(t *testing.T) {
		payload := cdrPayload(int32(0), uint32(0), "f", uint32(1), uint32(1), uint32(math.MaxUint32))
		_, err := DecodeMessage(descriptor("sensor_msgs/msg/PointCloud2"), payload)
		if !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("expected ErrMalformedMessage, got %v", err)
		}
	})
}

const imageDefinition = `# This message contains an uncompressed image
std_msgs/Header header # Header timestamp should be acquisition time of image
uint32 height                # image height, that is, number of rows
uint32 width                 # image width, that is, number of columns
string encoding       # Encoding of pixels
uint8 is_bigendian    # is this data bigendian?
uint32 step           # Full row length in bytes
uint8[] data          # actual matrix data, size is (step * rows)

================================================================================
MSG: std_msgs/Header
builtin_interfaces/Time stamp
string frame_id

================================================================================
MSG: builtin_interfaces/Time
int32 sec
uint32 nanosec
`

func TestSupportedChannel(t *testing.T) {
	testCases := []struct {
		Name       string
		SchemaName string
		Encoding   string
		Data       string
		Expected   SchemaKind
		Fail       bool
	}{
		{Name: "Image With Definition", SchemaName: "sensor_msgs/msg/Image", Encoding: "ros2msg", Data: imageDefinition, Expected: KindImage},
		{Name: "Image Without Definition", SchemaName: "sensor_msgs/msg/Image", Encoding: "ros2msg", Expected: KindImage},
		{Name: "ROS1 Style Name", SchemaName: "sensor_msgs/CompressedImage", Encoding: "ros2msg", Expected: KindCompressedImage},
		{Name: "Layout Mismatch", SchemaName: "sensor_msgs/msg/Image", Encoding: "ros2msg", Data: "std_msgs/Header header\nuint32 width\n", Fail: true},
		{Name: "Time Is Not Media", SchemaName: "builtin_interfaces/msg/Time", Encoding: "ros2msg", Fail: true},
		{Name: "Unknown Schema", SchemaName: "nav_msgs/msg/Odometry", Encoding: "ros2msg", Fail: true},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			desc := descriptor(testCase.SchemaName)
			desc.SchemaEncoding = testCase.Encoding
			desc.SchemaData = []byte(testCase.Data)

			kind, err := SupportedChannel(desc)
			if testCase.Fail {
				if !errors.Is(err, ErrUnsupportedSchema) {
					t.Fatalf("expected ErrUnsupportedSchema, got %v", err)
				}
				return
			}
			must(t, err)
			if kind != testCase.Expected {
				t.Fatalf("expected %s, got %s", testCase.Expected, kind)
			}
		})
	}
}

func TestParseMessageDefinition(t *testing.T) {
	raw := []byte(`
# Following is a list of singular types
bool flag# Comment can be next to the variable name
int8     small # Space should not matter in between the type and name
  uint8 byte_value 7 # Initial space and defaults shouldn't matter either
string<=16 bounded_name
float64[9] covariance
int32[<=5] bounded_sequence
Person[] people

uint8 INT8    = 1
string GREETING = "hello"

  MSG: custom_msgs/msg/Person # Message type should be parseable with a comment and a leading space
uint8 age
`)

	def, err := ParseMessageDefinition("custom_msgs/msg/Sample", raw)
	must(t, err)

	expectedNames := []string{"flag", "small", "byte_value", "bounded_name", "covariance", "bounded_sequence", "people"}
	if diff := cmp.Diff(expectedNames, def.FieldNames()); diff != "" {
		t.Fatal(diff)
	}

	covariance := def.Fields[4]
	if !covariance.IsArray || covariance.ArraySize != 9 || covariance.Type != MessageFieldTypeFloat64 {
		t.Fatalf("unexpected covariance field %+v", covariance)
	}
	bounded := def.Fields[5]
	if !bounded.IsArray || bounded.ArraySize != -1 || bounded.UpperBound != 5 {
		t.Fatalf("unexpected bounded field %+v", bounded)
	}
	if def.Fields[3].Type != MessageFieldTypeString {
		t.Fatalf("expected a string, got %+v", def.Fields[3])
	}

	people := def.Fields[6]
	if people.MsgType == nil || people.MsgType.FieldNames()[0] != "age" {
		t.Fatalf("expected people to resolve to Person, got %+v", people.MsgType)
	}

	expectedConstants := map[string]interface{}{"INT8": uint8(1), "GREETING": "hello"}
	actualConstants := make(map[string]interface{})
	for _, constant := range def.Constants {
		actualConstants[constant.Name] = constant.Value
	}
	if diff := cmp.Diff(expectedConstants, actualConstants); diff != "" {
		t.Fatal(diff)
	}
}

func TestParseMessageDefinitionUnresolved(t *testing.T) {
	_, err := ParseMessageDefinition("", []byte("geometry_msgs/Point position\n"))
	if !errors.Is(err, errUnresolvedMsgType) {
		t.Fatalf("expected errUnresolvedMsgType, got %v", err)
	}
}
