package mcapx

import (
	"bytes"
	"encoding/binary"
	"math"
)

// cursor reads length-prefixed and fixed-size fields off a byte slice. Record
// content is read unaligned and little-endian; CDR payloads align primitives to
// their own size relative to origin. The first short read clears ok and every later
// read returns zero values, so callers check ok once after a group of reads.
type cursor struct {
	raw    []byte
	off    int
	origin int
	align  bool
	cdr    bool
	order  binary.ByteOrder
	ok     bool
}

func newRecordCursor(raw []byte) *cursor {
	return &cursor{raw: raw, order: endian, ok: true}
}

func (c *cursor) next(n, alignment int) []byte {
	if !c.ok {
		return nil
	}

	if c.align && alignment > 1 {
		if rem := (c.off - c.origin) % alignment; rem != 0 {
			c.off += alignment - rem
		}
	}

	if n < 0 || c.off > len(c.raw) || len(c.raw)-c.off < n {
		c.ok = false
		return nil
	}

	b := c.raw[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) uint8() uint8 {
	b := c.next(1, 1)
	if !c.ok {
		return 0
	}
	return b[0]
}

func (c *cursor) bool() bool {
	return c.uint8() != 0
}

func (c *cursor) uint16() uint16 {
	b := c.next(2, 2)
	if !c.ok {
		return 0
	}
	return c.order.Uint16(b)
}

func (c *cursor) uint32() uint32 {
	b := c.next(4, 4)
	if !c.ok {
		return 0
	}
	return c.order.Uint32(b)
}

func (c *cursor) int32() int32 {
	return int32(c.uint32())
}

func (c *cursor) uint64() uint64 {
	b := c.next(8, 8)
	if !c.ok {
		return 0
	}
	return c.order.Uint64(b)
}

func (c *cursor) float64() float64 {
	return math.Float64frombits(c.uint64())
}

// bytes32 reads a uint32 length prefix followed by that many bytes. The result
// aliases raw.
func (c *cursor) bytes32() []byte {
	n := c.uint32()
	if !c.ok {
		return nil
	}
	if uint64(n) > uint64(len(c.raw)) {
		c.ok = false
		return nil
	}
	return c.next(int(n), 1)
}

func (c *cursor) bytes64() []byte {
	n := c.uint64()
	if !c.ok {
		return nil
	}
	if n > uint64(len(c.raw)) {
		c.ok = false
		return nil
	}
	return c.next(int(n), 1)
}

// string reads a length-prefixed string. CDR strings carry a NUL terminator that
// is counted in the prefix; it is dropped here.
func (c *cursor) string() string {
	b := c.bytes32()
	if c.cdr {
		if i := bytes.IndexByte(b, 0); i != -1 {
			b = b[:i]
		}
	}
	return string(b)
}

func (c *cursor) rest() []byte {
	if !c.ok {
		return nil
	}
	b := c.raw[c.off:]
	c.off = len(c.raw)
	return b
}

func (c *cursor) remaining() int {
	if !c.ok || c.off > len(c.raw) {
		return 0
	}
	return len(c.raw) - c.off
}

func (c *cursor) stringMap() map[string]string {
	sub := newRecordCursor(c.bytes32())
	if !c.ok {
		return nil
	}

	m := make(map[string]string)
	for sub.remaining() > 0 {
		k := sub.string()
		v := sub.string()
		if !sub.ok {
			c.ok = false
			return nil
		}
		m[k] = v
	}
	return m
}

func (c *cursor) uint16Uint64Map() map[uint16]uint64 {
	sub := newRecordCursor(c.bytes32())
	if !c.ok {
		return nil
	}

	m := make(map[uint16]uint64)
	for sub.remaining() > 0 {
		k := sub.uint16()
		v := sub.uint64()
		if !sub.ok {
			c.ok = false
			return nil
		}
		m[k] = v
	}
	return m
}

func appendUint16(b []byte, v uint16) []byte {
	return endian.AppendUint16(b, v)
}

func appendUint32(b []byte, v uint32) []byte {
	return endian.AppendUint32(b, v)
}

func appendUint64(b []byte, v uint64) []byte {
	return endian.AppendUint64(b, v)
}

func appendString(b []byte, s string) []byte {
	b = appendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func appendBytes32(b []byte, v []byte) []byte {
	b = appendUint32(b, uint32(len(v)))
	return append(b, v...)
}
