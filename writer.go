package mcapx

import (
	"bytes"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"sort"
)

const defaultChunkSize = 1 << 20

var (
	errWriterClosed      = errors.New("writer is closed")
	errUnknownChannelRef = errors.New("message refers to an unwritten channel")
)

type WriterOptions struct {
	// Compression applies to every chunk.
	Compression Compression
	// ChunkSize is the uncompressed size at which a chunk is closed. Zero means
	// 1 MiB.
	ChunkSize int
	// SkipSummary writes an empty footer, leaving readers to scan linearly.
	SkipSummary bool
	// SkipSummaryChannels leaves schemas and channels out of the summary. Readers
	// then take them from the chunks.
	SkipSummaryChannels bool
	Profile             string
	Library             string
}

// Writer produces chunked MCAP files with message indexes and a summary section.
// Schemas and channels are repeated in every chunk that uses them so each chunk
// can be read on its own.
type Writer struct {
	w      io.Writer
	opts   WriterOptions
	offset uint64
	crc    hash.Hash32
	closed bool

	schemas  map[uint16]*RecordSchema
	channels map[uint16]*RecordChannel

	chunk         []byte
	chunkStart    uint64
	chunkEnd      uint64
	chunkSchemas  map[uint16]struct{}
	chunkChannels map[uint16]struct{}
	messageIndex  map[uint16]*RecordMessageIndex

	chunkIndexes []*RecordChunkIndex
	stats        RecordStatistics
}

func NewWriter(w io.Writer, opts WriterOptions) (*Writer, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	switch opts.Compression {
	case CompressionNone, CompressionLZ4, CompressionZSTD:
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedCompression, opts.Compression)
	}

	writer := &Writer{
		w:        w,
		opts:     opts,
		crc:      crc32.NewIEEE(),
		schemas:  make(map[uint16]*RecordSchema),
		channels: make(map[uint16]*RecordChannel),
		stats: RecordStatistics{
			ChannelMessageCounts: make(map[uint16]uint64),
		},
	}
	writer.resetChunk()

	if err := writer.write(Magic); err != nil {
		return nil, err
	}
	header := RecordHeader{Profile: opts.Profile, Library: opts.Library}
	if err := writer.write(appendRecord(nil, OpHeader, header.marshall)); err != nil {
		return nil, err
	}
	return writer, nil
}

func (writer *Writer) WriteSchema(schema *RecordSchema) error {
	if writer.closed {
		return errWriterClosed
	}
	if cur, ok := writer.schemas[schema.ID]; ok {
		if cur.Name == schema.Name && cur.Encoding == schema.Encoding && bytes.Equal(cur.Data, schema.Data) {
			return nil
		}
		return fmt.Errorf("%w: schema %d", ErrSchemaConflict, schema.ID)
	}

	writer.schemas[schema.ID] = schema
	writer.stats.SchemaCount++
	return nil
}

func (writer *Writer) WriteChannel(channel *RecordChannel) error {
	if writer.closed {
		return errWriterClosed
	}
	if channel.SchemaID != 0 {
		if _, ok := writer.schemas[channel.SchemaID]; !ok {
			return fmt.Errorf("%w: channel %d refers to schema %d", errUnknownSchema, channel.ID, channel.SchemaID)
		}
	}
	if cur, ok := writer.channels[channel.ID]; ok {
		if cur.Topic == channel.Topic && cur.SchemaID == channel.SchemaID && cur.MessageEncoding == channel.MessageEncoding {
			return nil
		}
		return fmt.Errorf("%w: channel %d", ErrChannelConflict, channel.ID)
	}

	writer.channels[channel.ID] = channel
	writer.stats.ChannelCount++
	return nil
}

func (writer *Writer) WriteMessage(record *RawRecord) error {
	if writer.closed {
		return errWriterClosed
	}
	channel, ok := writer.channels[record.ChannelID]
	if !ok {
		return fmt.Errorf("%w: %d", errUnknownChannelRef, record.ChannelID)
	}

	if _, ok := writer.chunkChannels[channel.ID]; !ok {
		if _, ok := writer.chunkSchemas[channel.SchemaID]; !ok && channel.SchemaID != 0 {
			writer.chunk = appendRecord(writer.chunk, OpSchema, writer.schemas[channel.SchemaID].marshall)
			writer.chunkSchemas[channel.SchemaID] = struct{}{}
		}
		writer.chunk = appendRecord(writer.chunk, OpChannel, channel.marshall)
		writer.chunkChannels[channel.ID] = struct{}{}
	}

	if len(writer.messageIndex) == 0 || record.LogTime < writer.chunkStart {
		writer.chunkStart = record.LogTime
	}
	if record.LogTime > writer.chunkEnd {
		writer.chunkEnd = record.LogTime
	}

	idx, ok := writer.messageIndex[channel.ID]
	if !ok {
		idx = &RecordMessageIndex{ChannelID: channel.ID}
		writer.messageIndex[channel.ID] = idx
	}
	idx.Entries = append(idx.Entries, MessageIndexEntry{LogTime: record.LogTime, Offset: uint64(len(writer.chunk))})
	writer.chunk = appendRecord(writer.chunk, OpMessage, record.marshall)

	if writer.stats.MessageCount == 0 || record.LogTime < writer.stats.MessageStartTime {
		writer.stats.MessageStartTime = record.LogTime
	}
	if record.LogTime > writer.stats.MessageEndTime {
		writer.stats.MessageEndTime = record.LogTime
	}
	writer.stats.MessageCount++
	writer.stats.ChannelMessageCounts[channel.ID]++

	if len(writer.chunk) >= writer.opts.ChunkSize {
		return writer.flushChunk()
	}
	return nil
}

// Flush closes the current chunk, if any.
func (writer *Writer) Flush() error {
	if writer.closed {
		return errWriterClosed
	}
	return writer.flushChunk()
}

// Close writes the last chunk, the summary section and the footer. It does not
// close the underlying writer.
func (writer *Writer) Close() error {
	if writer.closed {
		return nil
	}
	if err := writer.flushChunk(); err != nil {
		return err
	}
	writer.closed = true

	dataEnd := RecordDataEnd{DataSectionCRC: writer.crc.Sum32()}
	if err := writer.write(appendRecord(nil, OpDataEnd, dataEnd.marshall)); err != nil {
		return err
	}

	var footer RecordFooter
	var summary []byte
	if !writer.opts.SkipSummary {
		footer.SummaryStart = writer.offset
		summary = writer.summary()
	}

	tail := appendRecord(nil, OpFooter, footer.marshall)
	if !writer.opts.SkipSummary {
		crc := crc32.NewIEEE()
		crc.Write(summary)
		crc.Write(tail[:footerLen-4])
		endian.PutUint32(tail[footerLen-4:], crc.Sum32())
	}

	if err := writer.write(summary); err != nil {
		return err
	}
	if err := writer.write(tail); err != nil {
		return err
	}
	return writer.write(Magic)
}

func (writer *Writer) summary() []byte {
	var b []byte
	if !writer.opts.SkipSummaryChannels {
		b = writer.summaryChannels(b)
	}

	b = appendRecord(b, OpStatistics, writer.stats.marshall)
	for _, idx := range writer.chunkIndexes {
		b = appendRecord(b, OpChunkIndex, idx.marshall)
	}
	return b
}

func (writer *Writer) summaryChannels(b []byte) []byte {
	schemaIDs := make([]int, 0, len(writer.schemas))
	for id := range writer.schemas {
		schemaIDs = append(schemaIDs, int(id))
	}
	sort.Ints(schemaIDs)
	for _, id := range schemaIDs {
		b = appendRecord(b, OpSchema, writer.schemas[uint16(id)].marshall)
	}

	channelIDs := make([]int, 0, len(writer.channels))
	for id := range writer.channels {
		channelIDs = append(channelIDs, int(id))
	}
	sort.Ints(channelIDs)
	for _, id := range channelIDs {
		b = appendRecord(b, OpChannel, writer.channels[uint16(id)].marshall)
	}
	return b
}

func (writer *Writer) flushChunk() error {
	if len(writer.messageIndex) == 0 {
		writer.resetChunk()
		return nil
	}

	compressed, err := compressRecords(writer.opts.Compression, writer.chunk)
	if err != nil {
		return err
	}

	chunk := RecordChunk{
		Start:            writer.chunkStart,
		End:              writer.chunkEnd,
		UncompressedSize: uint64(len(writer.chunk)),
		UncompressedCRC:  crc32.ChecksumIEEE(writer.chunk),
		Compression:      writer.opts.Compression,
		Records:          compressed,
	}
	raw := appendRecord(nil, OpChunk, chunk.marshall)

	idx := &RecordChunkIndex{
		Start:               chunk.Start,
		End:                 chunk.End,
		ChunkStartOffset:    writer.offset,
		ChunkLength:         uint64(len(raw)),
		MessageIndexOffsets: make(map[uint16]uint64),
		Compression:         chunk.Compression,
		CompressedSize:      uint64(len(compressed)),
		UncompressedSize:    chunk.UncompressedSize,
	}
	if err := writer.write(raw); err != nil {
		return err
	}

	indexStart := writer.offset
	ids := make([]int, 0, len(writer.messageIndex))
	for id := range writer.messageIndex {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		idx.MessageIndexOffsets[uint16(id)] = writer.offset
		if err := writer.write(appendRecord(nil, OpMessageIndex, writer.messageIndex[uint16(id)].marshall)); err != nil {
			return err
		}
	}
	idx.MessageIndexLength = writer.offset - indexStart

	writer.chunkIndexes = append(writer.chunkIndexes, idx)
	writer.stats.ChunkCount++
	writer.resetChunk()
	return nil
}

func (writer *Writer) resetChunk() {
	writer.chunk = writer.chunk[:0]
	writer.chunkStart = 0
	writer.chunkEnd = 0
	writer.chunkSchemas = make(map[uint16]struct{})
	writer.chunkChannels = make(map[uint16]struct{})
	writer.messageIndex = make(map[uint16]*RecordMessageIndex)
}

func (writer *Writer) write(b []byte) error {
	n, err := writer.w.Write(b)
	writer.offset += uint64(n)
	if !writer.closed {
		writer.crc.Write(b[:n])
	}
	return err
}
