package h264

// NAL unit types from ITU-T H.264 table 7-1 that affect access unit framing.
const (
	NALSlice       uint8 = 1
	NALSliceIDR    uint8 = 5
	NALSEI         uint8 = 6
	NALSPS         uint8 = 7
	NALPPS         uint8 = 8
	NALAUD         uint8 = 9
	NALEndSequence uint8 = 10
	NALEndStream   uint8 = 11
)

var startCode = []byte{0, 0, 0, 1}

// NALType returns the nal_unit_type of a NAL unit without its start code.
func NALType(nal []byte) uint8 {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1f
}

func isVCL(t uint8) bool {
	return t >= NALSlice && t <= NALSliceIDR
}

func isEnd(t uint8) bool {
	return t == NALEndSequence || t == NALEndStream
}

// opensAccessUnit reports whether nal can only appear as the first unit of a
// new access unit once the current one already carries a picture.
func opensAccessUnit(nal []byte) bool {
	t := NALType(nal)
	switch {
	case t == NALAUD, t == NALSPS, t == NALPPS, t == NALSEI:
		return true
	case t >= 14 && t <= 18:
		return true
	case isVCL(t):
		return firstMBZero(nal)
	}
	return false
}

// firstMBZero reads first_mb_in_slice, the leading ue(v) of the slice header.
// A value of 0 starts a new primary coded picture.
func firstMBZero(nal []byte) bool {
	if len(nal) < 2 {
		return false
	}
	// ue(v) == 0 is encoded as a single set bit. Emulation prevention bytes
	// cannot precede it.
	return nal[1]&0x80 != 0
}

// nextStartCode returns the index of the next 3-byte start code prefix at or
// after from, and its length including a leading zero byte when present.
func nextStartCode(b []byte, from int) (int, int) {
	for i := from; i+2 < len(b); i++ {
		if b[i+2] > 1 {
			i += 2
			continue
		}
		if b[i] != 0 || b[i+1] != 0 || b[i+2] != 1 {
			continue
		}
		if i > from && b[i-1] == 0 {
			return i - 1, 4
		}
		return i, 3
	}
	return -1, 0
}

// SplitNALs splits an Annex-B byte stream into NAL units. Bytes before the
// first start code and trailing zero bytes are dropped.
func SplitNALs(b []byte) [][]byte {
	var nals [][]byte

	pos, n := nextStartCode(b, 0)
	for pos >= 0 {
		begin := pos + n
		next, nextLen := nextStartCode(b, begin)
		end := next
		if next < 0 {
			end = len(b)
		}
		if nal := trimTrailingZeros(b[begin:end]); len(nal) > 0 {
			nals = append(nals, nal)
		}
		pos, n = next, nextLen
	}
	return nals
}

func trimTrailingZeros(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

// AccessUnit is the ordered list of NAL units, without start codes, that code
// one picture.
type AccessUnit [][]byte

// Bytes renders the access unit as Annex-B with 4-byte start codes.
func (au AccessUnit) Bytes() []byte {
	size := 0
	for _, nal := range au {
		size += len(startCode) + len(nal)
	}

	b := make([]byte, 0, size)
	for _, nal := range au {
		b = append(b, startCode...)
		b = append(b, nal...)
	}
	return b
}

// Keyframe reports whether the access unit carries an IDR slice.
func (au AccessUnit) Keyframe() bool {
	for _, nal := range au {
		if NALType(nal) == NALSliceIDR {
			return true
		}
	}
	return false
}

func (au AccessUnit) hasPicture() bool {
	for _, nal := range au {
		if isVCL(NALType(nal)) {
			return true
		}
	}
	return false
}
