package pcd

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	mcapx "github.com/lherman-cs/go-mcapx"
)

type point struct {
	X, Y, Z   float32
	Ring      int16
	Intensity uint8
}

func buildCloud(points []point, bigEndian bool) *mcapx.PointCloud {
	var order binary.ByteOrder = binary.LittleEndian
	if bigEndian {
		order = binary.BigEndian
	}

	const pointStep = 16
	data := make([]byte, len(points)*pointStep)
	for i, p := range points {
		b := data[i*pointStep:]
		order.PutUint32(b[0:], math.Float32bits(p.X))
		order.PutUint32(b[4:], math.Float32bits(p.Y))
		order.PutUint32(b[8:], math.Float32bits(p.Z))
		order.PutUint16(b[12:], uint16(p.Ring))
		b[14] = p.Intensity
		b[15] = 0xee
	}

	return &mcapx.PointCloud{
		Height: 1,
		Width:  uint32(len(points)),
		Fields: []mcapx.FieldDescriptor{
			{Name: "x", Offset: 0, Datatype: mcapx.PointFieldFloat32, Count: 1},
			{Name: "y", Offset: 4, Datatype: mcapx.PointFieldFloat32, Count: 1},
			{Name: "z", Offset: 8, Datatype: mcapx.PointFieldFloat32, Count: 1},
			{Name: "ring", Offset: 12, Datatype: mcapx.PointFieldInt16, Count: 1},
			{Name: "intensity", Offset: 14, Datatype: mcapx.PointFieldUint8},
		},
		BigEndian: bigEndian,
		PointStep: pointStep,
		RowStep:   uint32(len(points) * pointStep),
		Data:      data,
		Dense:     true,
	}
}

var testPoints = []point{
	{X: 1.5, Y: -2, Z: 0.25, Ring: -3, Intensity: 200},
	{X: 0, Y: 10, Z: 3.125, Ring: 7, Intensity: 1},
}

const testHeader = `# .PCD v0.7 - Point Cloud Data file format
VERSION 0.7
FIELDS x y z ring intensity
SIZE 4 4 4 2 1
TYPE F F F I U
COUNT 1 1 1 1 1
WIDTH 2
HEIGHT 1
VIEWPOINT 0 0 0 1 0 0 0
POINTS 2
`

func TestWriteASCII(t *testing.T) {
	testCases := []struct {
		Name      string
		BigEndian bool
	}{
		{Name: "Little Endian Cloud"},
		{Name: "Big Endian Cloud", BigEndian: true},
	}

	expected := testHeader + "DATA ascii\n" +
		"1.5 -2 0.25 -3 200\n" +
		"0 10 3.125 7 1\n"

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Write(&buf, buildCloud(testPoints, testCase.BigEndian), ASCII); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(expected, buf.String()); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestWriteBinary(t *testing.T) {
	little := buildCloud(testPoints, false)

	var expected []byte
	for i := range testPoints {
		// Padding byte 15 is dropped.
		expected = append(expected, little.Data[i*16:i*16+15]...)
	}

	for _, bigEndian := range []bool{false, true} {
		var buf bytes.Buffer
		if err := Write(&buf, buildCloud(testPoints, bigEndian), Binary); err != nil {
			t.Fatal(err)
		}

		header, body, ok := strings.Cut(buf.String(), "DATA binary\n")
		if !ok {
			t.Fatalf("missing data line in %q", buf.String())
		}
		if diff := cmp.Diff(testHeader, header); diff != "" {
			t.Fatal(diff)
		}
		if diff := cmp.Diff(expected, []byte(body)); diff != "" {
			t.Fatalf("big endian %v: %s", bigEndian, diff)
		}
	}
}

func TestWriteTruncatedCloud(t *testing.T) {
	pc := buildCloud(testPoints, false)
	pc.Data = pc.Data[:20]

	var buf bytes.Buffer
	if err := Write(&buf, pc, ASCII); err == nil {
		t.Fatal("expected an error for a cloud shorter than its points")
	}
}

func TestParseFormat(t *testing.T) {
	testCases := []struct {
		Name     string
		Input    string
		Expected Format
		Err      bool
	}{
		{Name: "Default", Input: "", Expected: ASCII},
		{Name: "Binary", Input: "BINARY", Expected: Binary},
		{Name: "Compressed", Input: "binary_compressed", Err: true},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			actual, err := ParseFormat(testCase.Input)
			if testCase.Err != (err != nil) {
				t.Fatalf("unexpected error %v", err)
			}
			if actual != testCase.Expected {
				t.Fatalf("expected %v, got %v", testCase.Expected, actual)
			}
		})
	}
}
