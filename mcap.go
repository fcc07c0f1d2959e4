package mcapx

import (
	"errors"
	"fmt"
	"sort"
)

// Magic opens and closes every MCAP file.
var Magic = []byte{0x89, 'M', 'C', 'A', 'P', 0x30, '\r', '\n'}

const (
	recordPrefixLen = 1 + 8
	footerLen       = recordPrefixLen + 8 + 8 + 4
)

var (
	errInvalidMagic  = errors.New("invalid magic")
	errInvalidRecord = errors.New("invalid record")
)

type Op uint8

const (
	// OpInvalid marks a zero opcode. It never appears in a valid file.
	OpInvalid         Op = 0x00
	OpHeader          Op = 0x01
	OpFooter          Op = 0x02
	OpSchema          Op = 0x03
	OpChannel         Op = 0x04
	OpMessage         Op = 0x05
	OpChunk           Op = 0x06
	OpMessageIndex    Op = 0x07
	OpChunkIndex      Op = 0x08
	OpAttachment      Op = 0x09
	OpAttachmentIndex Op = 0x0A
	OpStatistics      Op = 0x0B
	OpMetadata        Op = 0x0C
	OpMetadataIndex   Op = 0x0D
	OpSummaryOffset   Op = 0x0E
	OpDataEnd         Op = 0x0F
)

var opNames = map[Op]string{
	OpHeader:          "header",
	OpFooter:          "footer",
	OpSchema:          "schema",
	OpChannel:         "channel",
	OpMessage:         "message",
	OpChunk:           "chunk",
	OpMessageIndex:    "message_index",
	OpChunkIndex:      "chunk_index",
	OpAttachment:      "attachment",
	OpAttachmentIndex: "attachment_index",
	OpStatistics:      "statistics",
	OpMetadata:        "metadata",
	OpMetadataIndex:   "metadata_index",
	OpSummaryOffset:   "summary_offset",
	OpDataEnd:         "data_end",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(0x%02x)", uint8(op))
}

type Compression string

const (
	CompressionNone Compression = ""
	CompressionLZ4  Compression = "lz4"
	CompressionZSTD Compression = "zstd"
)

type RecordHeader struct {
	Profile string
	Library string
}

func (record *RecordHeader) unmarshall(b []byte) error {
	c := newRecordCursor(b)
	record.Profile = c.string()
	record.Library = c.string()
	if !c.ok {
		return fmt.Errorf("%w: header", errInvalidRecord)
	}
	return nil
}

func (record *RecordHeader) marshall(b []byte) []byte {
	b = appendString(b, record.Profile)
	return appendString(b, record.Library)
}

type RecordFooter struct {
	SummaryStart       uint64
	SummaryOffsetStart uint64
	SummaryCRC         uint32
}

func (record *RecordFooter) String() string {
	return fmt.Sprintf(`
summary_start        : %d
summary_offset_start : %d
summary_crc          : %d
`, record.SummaryStart, record.SummaryOffsetStart, record.SummaryCRC)
}

func (record *RecordFooter) unmarshall(b []byte) error {
	c := newRecordCursor(b)
	record.SummaryStart = c.uint64()
	record.SummaryOffsetStart = c.uint64()
	record.SummaryCRC = c.uint32()
	if !c.ok {
		return fmt.Errorf("%w: footer", errInvalidRecord)
	}
	return nil
}

func (record *RecordFooter) marshall(b []byte) []byte {
	b = appendUint64(b, record.SummaryStart)
	b = appendUint64(b, record.SummaryOffsetStart)
	return appendUint32(b, record.SummaryCRC)
}

type RecordSchema struct {
	ID       uint16
	Name     string
	Encoding string
	Data     []byte
}

func (record *RecordSchema) unmarshall(b []byte) error {
	c := newRecordCursor(b)
	record.ID = c.uint16()
	record.Name = c.string()
	record.Encoding = c.string()
	data := c.bytes32()
	if !c.ok {
		return fmt.Errorf("%w: schema", errInvalidRecord)
	}
	record.Data = append([]byte(nil), data...)
	return nil
}

func (record *RecordSchema) marshall(b []byte) []byte {
	b = appendUint16(b, record.ID)
	b = appendString(b, record.Name)
	b = appendString(b, record.Encoding)
	return appendBytes32(b, record.Data)
}

type RecordChannel struct {
	ID              uint16
	SchemaID        uint16
	Topic           string
	MessageEncoding string
	Metadata        map[string]string
}

func (record *RecordChannel) String() string {
	return fmt.Sprintf(`
id               : %d
schema_id        : %d
topic            : %s
message_encoding : %s
`, record.ID, record.SchemaID, record.Topic, record.MessageEncoding)
}

func (record *RecordChannel) unmarshall(b []byte) error {
	c := newRecordCursor(b)
	record.ID = c.uint16()
	record.SchemaID = c.uint16()
	record.Topic = c.string()
	record.MessageEncoding = c.string()
	record.Metadata = c.stringMap()
	if !c.ok {
		return fmt.Errorf("%w: channel", errInvalidRecord)
	}
	return nil
}

func (record *RecordChannel) marshall(b []byte) []byte {
	b = appendUint16(b, record.ID)
	b = appendUint16(b, record.SchemaID)
	b = appendString(b, record.Topic)
	b = appendString(b, record.MessageEncoding)

	var entries []byte
	for _, k := range sortedKeys(record.Metadata) {
		entries = appendString(entries, k)
		entries = appendString(entries, record.Metadata[k])
	}
	return appendBytes32(b, entries)
}

// RawRecord is one message as stored in the log: the payload bytes are not
// interpreted. Data aliases the decoder's chunk buffer and is valid until the
// next chunk is loaded; copy it to retain it longer.
type RawRecord struct {
	ChannelID   uint16
	Sequence    uint32
	LogTime     uint64
	PublishTime uint64
	Data        []byte
}

func (record *RawRecord) String() string {
	return fmt.Sprintf(`
channel_id   : %d
sequence     : %d
log_time     : %d
publish_time : %d
data_len     : %d bytes
`, record.ChannelID, record.Sequence, record.LogTime, record.PublishTime, len(record.Data))
}

func (record *RawRecord) unmarshall(b []byte) error {
	c := newRecordCursor(b)
	record.ChannelID = c.uint16()
	record.Sequence = c.uint32()
	record.LogTime = c.uint64()
	record.PublishTime = c.uint64()
	record.Data = c.rest()
	if !c.ok {
		return fmt.Errorf("%w: message", errInvalidRecord)
	}
	return nil
}

func (record *RawRecord) marshall(b []byte) []byte {
	b = appendUint16(b, record.ChannelID)
	b = appendUint32(b, record.Sequence)
	b = appendUint64(b, record.LogTime)
	b = appendUint64(b, record.PublishTime)
	return append(b, record.Data...)
}

type RecordChunk struct {
	Start            uint64
	End              uint64
	UncompressedSize uint64
	UncompressedCRC  uint32
	Compression      Compression
	Records          []byte
}

func (record *RecordChunk) String() string {
	return fmt.Sprintf(`
start             : %d
end               : %d
uncompressed_size : %d bytes
compression       : %q
size              : %d bytes
`, record.Start, record.End, record.UncompressedSize, record.Compression, len(record.Records))
}

func (record *RecordChunk) unmarshall(b []byte) error {
	c := newRecordCursor(b)
	record.Start = c.uint64()
	record.End = c.uint64()
	record.UncompressedSize = c.uint64()
	record.UncompressedCRC = c.uint32()
	record.Compression = Compression(c.string())
	record.Records = c.bytes64()
	if !c.ok {
		return fmt.Errorf("%w: chunk", errInvalidRecord)
	}
	return nil
}

func (record *RecordChunk) marshall(b []byte) []byte {
	b = appendUint64(b, record.Start)
	b = appendUint64(b, record.End)
	b = appendUint64(b, record.UncompressedSize)
	b = appendUint32(b, record.UncompressedCRC)
	b = appendString(b, string(record.Compression))
	b = appendUint64(b, uint64(len(record.Records)))
	return append(b, record.Records...)
}

type MessageIndexEntry struct {
	LogTime uint64
	Offset  uint64
}

type RecordMessageIndex struct {
	ChannelID uint16
	Entries   []MessageIndexEntry
}

func (record *RecordMessageIndex) unmarshall(b []byte) error {
	c := newRecordCursor(b)
	record.ChannelID = c.uint16()
	sub := newRecordCursor(c.bytes32())
	for c.ok && sub.remaining() > 0 {
		entry := MessageIndexEntry{LogTime: sub.uint64(), Offset: sub.uint64()}
		if !sub.ok {
			c.ok = false
			break
		}
		record.Entries = append(record.Entries, entry)
	}
	if !c.ok {
		return fmt.Errorf("%w: message index", errInvalidRecord)
	}
	return nil
}

func (record *RecordMessageIndex) marshall(b []byte) []byte {
	b = appendUint16(b, record.ChannelID)
	b = appendUint32(b, uint32(len(record.Entries)*16))
	for _, entry := range record.Entries {
		b = appendUint64(b, entry.LogTime)
		b = appendUint64(b, entry.Offset)
	}
	return b
}

type RecordChunkIndex struct {
	Start               uint64
	End                 uint64
	ChunkStartOffset    uint64
	ChunkLength         uint64
	MessageIndexOffsets map[uint16]uint64
	MessageIndexLength  uint64
	Compression         Compression
	CompressedSize      uint64
	UncompressedSize    uint64
}

func (record *RecordChunkIndex) String() string {
	return fmt.Sprintf(`
start              : %d
end                : %d
chunk_start_offset : %d
chunk_length       : %d bytes
channels           : %d
compression        : %q
`, record.Start, record.End, record.ChunkStartOffset, record.ChunkLength, len(record.MessageIndexOffsets), record.Compression)
}

func (record *RecordChunkIndex) unmarshall(b []byte) error {
	c := newRecordCursor(b)
	record.Start = c.uint64()
	record.End = c.uint64()
	record.ChunkStartOffset = c.uint64()
	record.ChunkLength = c.uint64()
	record.MessageIndexOffsets = c.uint16Uint64Map()
	record.MessageIndexLength = c.uint64()
	record.Compression = Compression(c.string())
	record.CompressedSize = c.uint64()
	record.UncompressedSize = c.uint64()
	if !c.ok {
		return fmt.Errorf("%w: chunk index", errInvalidRecord)
	}
	return nil
}

func (record *RecordChunkIndex) marshall(b []byte) []byte {
	b = appendUint64(b, record.Start)
	b = appendUint64(b, record.End)
	b = appendUint64(b, record.ChunkStartOffset)
	b = appendUint64(b, record.ChunkLength)
	b = appendUint16Uint64Map(b, record.MessageIndexOffsets)
	b = appendUint64(b, record.MessageIndexLength)
	b = appendString(b, string(record.Compression))
	b = appendUint64(b, record.CompressedSize)
	return appendUint64(b, record.UncompressedSize)
}

type RecordStatistics struct {
	MessageCount         uint64
	SchemaCount          uint16
	ChannelCount         uint32
	AttachmentCount      uint32
	MetadataCount        uint32
	ChunkCount           uint32
	MessageStartTime     uint64
	MessageEndTime       uint64
	ChannelMessageCounts map[uint16]uint64
}

func (record *RecordStatistics) unmarshall(b []byte) error {
	c := newRecordCursor(b)
	record.MessageCount = c.uint64()
	record.SchemaCount = c.uint16()
	record.ChannelCount = c.uint32()
	record.AttachmentCount = c.uint32()
	record.MetadataCount = c.uint32()
	record.ChunkCount = c.uint32()
	record.MessageStartTime = c.uint64()
	record.MessageEndTime = c.uint64()
	record.ChannelMessageCounts = c.uint16Uint64Map()
	if !c.ok {
		return fmt.Errorf("%w: statistics", errInvalidRecord)
	}
	return nil
}

func (record *RecordStatistics) marshall(b []byte) []byte {
	b = appendUint64(b, record.MessageCount)
	b = appendUint16(b, record.SchemaCount)
	b = appendUint32(b, record.ChannelCount)
	b = appendUint32(b, record.AttachmentCount)
	b = appendUint32(b, record.MetadataCount)
	b = appendUint32(b, record.ChunkCount)
	b = appendUint64(b, record.MessageStartTime)
	b = appendUint64(b, record.MessageEndTime)
	return appendUint16Uint64Map(b, record.ChannelMessageCounts)
}

type RecordDataEnd struct {
	DataSectionCRC uint32
}

func (record *RecordDataEnd) unmarshall(b []byte) error {
	c := newRecordCursor(b)
	record.DataSectionCRC = c.uint32()
	if !c.ok {
		return fmt.Errorf("%w: data end", errInvalidRecord)
	}
	return nil
}

func (record *RecordDataEnd) marshall(b []byte) []byte {
	return appendUint32(b, record.DataSectionCRC)
}

func appendUint16Uint64Map(b []byte, m map[uint16]uint64) []byte {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)

	b = appendUint32(b, uint32(len(m)*10))
	for _, k := range keys {
		b = appendUint16(b, uint16(k))
		b = appendUint64(b, m[uint16(k)])
	}
	return b
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// appendRecord frames content produced by marshall with its opcode and length.
func appendRecord(b []byte, op Op, marshall func([]byte) []byte) []byte {
	b = append(b, byte(op))
	lenAt := len(b)
	b = appendUint64(b, 0)
	b = marshall(b)
	endian.PutUint64(b[lenAt:], uint64(len(b)-lenAt-8))
	return b
}
