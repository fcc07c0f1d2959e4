// Package pcd writes point clouds in the Point Cloud Library PCD v0.7 format.
package pcd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	mcapx "github.com/lherman-cs/go-mcapx"
)

type Format uint8

const (
	ASCII Format = iota
	Binary
)

var errUnknownFormat = errors.New("pcd: unknown data format")

func (f Format) String() string {
	switch f {
	case ASCII:
		return "ascii"
	case Binary:
		return "binary"
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

// ParseFormat accepts "ascii" or "binary".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "ascii", "":
		return ASCII, nil
	case "binary":
		return Binary, nil
	}
	return 0, fmt.Errorf("%w: %q", errUnknownFormat, s)
}

// Write encodes every field of every point in pc. Binary data is little endian
// regardless of the byte order of the source cloud.
func Write(w io.Writer, pc *mcapx.PointCloud, format Format) error {
	if format != ASCII && format != Binary {
		return fmt.Errorf("%w: %d", errUnknownFormat, format)
	}

	bw := bufio.NewWriter(w)
	writeHeader(bw, pc, format)

	var err error
	if format == ASCII {
		err = writeASCII(bw, pc)
	} else {
		err = writeBinary(bw, pc)
	}
	if err != nil {
		return err
	}
	return bw.Flush()
}

func writeHeader(w *bufio.Writer, pc *mcapx.PointCloud, format Format) {
	names := make([]string, len(pc.Fields))
	sizes := make([]string, len(pc.Fields))
	types := make([]string, len(pc.Fields))
	counts := make([]string, len(pc.Fields))
	for i, field := range pc.Fields {
		names[i] = fieldName(field.Name, i)
		sizes[i] = strconv.Itoa(field.Datatype.Size())
		types[i] = fieldType(field.Datatype)
		counts[i] = strconv.FormatUint(uint64(field.Elements()), 10)
	}

	fmt.Fprintln(w, "# .PCD v0.7 - Point Cloud Data file format")
	fmt.Fprintln(w, "VERSION 0.7")
	fmt.Fprintln(w, "FIELDS", strings.Join(names, " "))
	fmt.Fprintln(w, "SIZE", strings.Join(sizes, " "))
	fmt.Fprintln(w, "TYPE", strings.Join(types, " "))
	fmt.Fprintln(w, "COUNT", strings.Join(counts, " "))
	fmt.Fprintln(w, "WIDTH", pc.Width)
	fmt.Fprintln(w, "HEIGHT", pc.Height)
	fmt.Fprintln(w, "VIEWPOINT 0 0 0 1 0 0 0")
	fmt.Fprintln(w, "POINTS", pc.Len())
	fmt.Fprintln(w, "DATA", format)
}

func fieldName(name string, i int) string {
	name = strings.Join(strings.Fields(name), "_")
	if name == "" {
		return "_" + strconv.Itoa(i)
	}
	return name
}

func fieldType(t mcapx.PointFieldType) string {
	switch {
	case t.Float():
		return "F"
	case t.Signed():
		return "I"
	}
	return "U"
}

func writeASCII(w *bufio.Writer, pc *mcapx.PointCloud) error {
	var line []byte
	for i := 0; i < pc.Len(); i++ {
		line = line[:0]
		for _, field := range pc.Fields {
			for elem := 0; elem < int(field.Elements()); elem++ {
				v, err := pc.Value(i, field, elem)
				if err != nil {
					return err
				}
				if len(line) > 0 {
					line = append(line, ' ')
				}
				line = appendValue(line, field.Datatype, v)
			}
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	return nil
}

func appendValue(b []byte, t mcapx.PointFieldType, v float64) []byte {
	switch {
	case t == mcapx.PointFieldFloat32:
		return strconv.AppendFloat(b, v, 'g', -1, 32)
	case t == mcapx.PointFieldFloat64:
		return strconv.AppendFloat(b, v, 'g', -1, 64)
	case t.Signed():
		return strconv.AppendInt(b, int64(v), 10)
	}
	return strconv.AppendUint(b, uint64(v), 10)
}

func writeBinary(w *bufio.Writer, pc *mcapx.PointCloud) error {
	var elem [8]byte
	for i := 0; i < pc.Len(); i++ {
		for _, field := range pc.Fields {
			for e := 0; e < int(field.Elements()); e++ {
				raw, err := pc.Raw(i, field, e)
				if err != nil {
					return err
				}
				out := elem[:len(raw)]
				copy(out, raw)
				if pc.BigEndian {
					reverse(out)
				}
				if _, err := w.Write(out); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
