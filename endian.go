package mcapx

import (
	"encoding/binary"
)

// MCAP framing is always little-endian. Message payloads and point data declare
// their own order.
var endian = binary.LittleEndian

func byteOrder(bigEndian bool) binary.ByteOrder {
	if bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
