package mcapx

import (
	"encoding/binary"
	"fmt"
)

const cdrHeaderLen = 4

// CDR encapsulation kinds, second byte of the encapsulation header.
const (
	cdrBE   = 0x00
	cdrLE   = 0x01
	plCDRBE = 0x02
	plCDRLE = 0x03
)

func newCDRCursor(payload []byte) (*cursor, error) {
	if len(payload) < cdrHeaderLen {
		return nil, fmt.Errorf("%w: %d byte payload has no encapsulation header", ErrMalformedMessage, len(payload))
	}

	var order binary.ByteOrder
	switch {
	case payload[0] != 0:
		return nil, fmt.Errorf("%w: unknown encapsulation %02x %02x", ErrMalformedMessage, payload[0], payload[1])
	case payload[1] == cdrBE:
		order = binary.BigEndian
	case payload[1] == cdrLE:
		order = binary.LittleEndian
	case payload[1] == plCDRBE || payload[1] == plCDRLE:
		return nil, fmt.Errorf("%w: parameter list encapsulation is not supported", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: unknown encapsulation %02x %02x", ErrMalformedMessage, payload[0], payload[1])
	}

	return &cursor{
		raw:    payload,
		off:    cdrHeaderLen,
		origin: cdrHeaderLen,
		align:  true,
		cdr:    true,
		order:  order,
		ok:     true,
	}, nil
}

// sequenceLen reads a sequence count and rejects counts that cannot fit in what
// is left of the payload given minSize bytes per element.
func (c *cursor) sequenceLen(minSize int) int {
	n := c.uint32()
	if !c.ok {
		return 0
	}
	if uint64(n)*uint64(minSize) > uint64(c.remaining()) {
		c.ok = false
		return 0
	}
	return int(n)
}

func (c *cursor) header() (Stamp, string) {
	var stamp Stamp
	stamp.Sec = c.int32()
	stamp.Nanosec = c.uint32()
	return stamp, c.string()
}

type cdrEncoder struct {
	buf   []byte
	order binary.AppendByteOrder
}

func newCDREncoder(bigEndian bool) *cdrEncoder {
	if bigEndian {
		return &cdrEncoder{buf: []byte{0, cdrBE, 0, 0}, order: binary.BigEndian}
	}
	return &cdrEncoder{buf: []byte{0, cdrLE, 0, 0}, order: binary.LittleEndian}
}

func (e *cdrEncoder) pad(alignment int) {
	for (len(e.buf)-cdrHeaderLen)%alignment != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (e *cdrEncoder) uint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *cdrEncoder) bool(v bool) {
	if v {
		e.uint8(1)
	} else {
		e.uint8(0)
	}
}

func (e *cdrEncoder) uint32(v uint32) {
	e.pad(4)
	e.buf = e.order.AppendUint32(e.buf, v)
}

func (e *cdrEncoder) string(s string) {
	e.uint32(uint32(len(s) + 1))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

func (e *cdrEncoder) bytes(b []byte) {
	e.uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *cdrEncoder) header(stamp Stamp, frameID string) {
	e.uint32(uint32(stamp.Sec))
	e.uint32(stamp.Nanosec)
	e.string(frameID)
}

// MarshalCDR serializes msg with its declared field order. Point clouds keep the
// byte order of their point data in the encapsulation header; the other kinds are
// written little-endian.
func MarshalCDR(msg Message) []byte {
	switch msg := msg.(type) {
	case *Image:
		e := newCDREncoder(false)
		e.header(msg.Stamp, msg.FrameID)
		e.uint32(msg.Height)
		e.uint32(msg.Width)
		e.string(msg.Encoding)
		e.bool(msg.BigEndian)
		e.uint32(msg.Step)
		e.bytes(msg.Data)
		return e.buf
	case *CompressedImage:
		e := newCDREncoder(false)
		e.header(msg.Stamp, msg.FrameID)
		e.string(msg.Format)
		e.bytes(msg.Data)
		return e.buf
	case *PointCloud:
		e := newCDREncoder(msg.BigEndian)
		e.header(msg.Stamp, msg.FrameID)
		e.uint32(msg.Height)
		e.uint32(msg.Width)
		e.uint32(uint32(len(msg.Fields)))
		for _, field := range msg.Fields {
			e.string(field.Name)
			e.uint32(field.Offset)
			e.uint8(uint8(field.Datatype))
			e.uint32(field.Count)
		}
		e.bool(msg.BigEndian)
		e.uint32(msg.PointStep)
		e.uint32(msg.RowStep)
		e.bytes(msg.Data)
		e.bool(msg.Dense)
		return e.buf
	}
	return nil
}
