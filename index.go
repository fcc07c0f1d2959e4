package mcapx

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"sync"
)

const initialChunkSize = 1 << 20

var (
	errNoSummary    = errors.New("no summary section")
	errNoChunkIndex = errors.New("summary has no chunk index")
)

var (
	chunkPool = sync.Pool{
		New: func() interface{} {
			b := make([]byte, initialChunkSize)
			return &b
		},
	}
)

func getChunkBuf(n uint64) *[]byte {
	buf := chunkPool.Get().(*[]byte)
	if uint64(cap(*buf)) < n {
		*buf = make([]byte, n)
	}
	*buf = (*buf)[:n]
	return buf
}

// readSummary loads schemas, channels, chunk indexes and statistics from the
// summary section and checks that every chunk index points at a chunk inside the
// data section.
func (decoder *Decoder) readSummary() error {
	tailLen := int64(footerLen + len(Magic))
	if decoder.size < int64(len(Magic))+tailLen {
		return errNoSummary
	}

	footerPos := decoder.size - tailLen
	tail := make([]byte, tailLen)
	if err := decoder.readAt(tail, footerPos); err != nil {
		return err
	}
	if !bytes.Equal(tail[footerLen:], Magic) {
		return fmt.Errorf("trailing %w", errInvalidMagic)
	}
	if Op(tail[0]) != OpFooter || endian.Uint64(tail[1:]) != footerLen-recordPrefixLen {
		return fmt.Errorf("%w: footer", errInvalidRecord)
	}

	var footer RecordFooter
	if err := footer.unmarshall(tail[recordPrefixLen:footerLen]); err != nil {
		return err
	}
	if footer.SummaryStart == 0 {
		return errNoSummary
	}

	summaryEnd := uint64(footerPos)
	if footer.SummaryOffsetStart != 0 {
		summaryEnd = footer.SummaryOffsetStart
	}
	if footer.SummaryStart < uint64(len(Magic)) || footer.SummaryStart > summaryEnd || summaryEnd > uint64(footerPos) {
		return fmt.Errorf("%w: summary section [%d, %d) outside file", ErrStructuralCorruption, footer.SummaryStart, summaryEnd)
	}

	// the crc runs from the summary start through the footer's summary offset field
	crcEnd := footerPos + footerLen - 4
	summary := make([]byte, crcEnd-int64(footer.SummaryStart))
	if err := decoder.readAt(summary, int64(footer.SummaryStart)); err != nil {
		return err
	}
	if footer.SummaryCRC != 0 {
		if crc := crc32.ChecksumIEEE(summary); crc != footer.SummaryCRC {
			return fmt.Errorf("summary %w: expected %08x, got %08x", errCRCMismatch, footer.SummaryCRC, crc)
		}
	}

	records, err := splitRecords(summary[:summaryEnd-footer.SummaryStart])
	if err != nil {
		return err
	}

	var plan []*RecordChunkIndex
	for _, record := range records {
		switch record.op {
		case OpSchema, OpChannel:
			if err := decoder.apply(record.op, record.content); err != nil {
				return err
			}
		case OpChunkIndex:
			idx := &RecordChunkIndex{}
			if err := idx.unmarshall(record.content); err != nil {
				return err
			}
			plan = append(plan, idx)
		case OpStatistics:
			stats := &RecordStatistics{}
			if err := stats.unmarshall(record.content); err != nil {
				return err
			}
			decoder.stats = stats
		}
	}
	if len(plan) == 0 {
		return errNoChunkIndex
	}

	sort.Slice(plan, func(i, j int) bool {
		return plan[i].ChunkStartOffset < plan[j].ChunkStartOffset
	})

	dataEnd := footer.SummaryStart
	op := make([]byte, 1)
	for _, idx := range plan {
		if idx.ChunkStartOffset < uint64(len(Magic)) || idx.ChunkLength < recordPrefixLen ||
			idx.ChunkLength > dataEnd || idx.ChunkStartOffset > dataEnd-idx.ChunkLength {
			return fmt.Errorf("%w: chunk index [%d, +%d) outside data section", ErrStructuralCorruption, idx.ChunkStartOffset, idx.ChunkLength)
		}

		if err := decoder.readAt(op, int64(idx.ChunkStartOffset)); err != nil {
			return err
		}
		if Op(op[0]) != OpChunk {
			return fmt.Errorf("%w: chunk index at %d points at %s", ErrStructuralCorruption, idx.ChunkStartOffset, Op(op[0]))
		}
	}

	decoder.plan = plan
	return nil
}

// nextChunk loads the next planned chunk that may hold wanted records.
func (decoder *Decoder) nextChunk() error {
	for len(decoder.plan) > 0 {
		idx := decoder.plan[0]
		decoder.plan = decoder.plan[1:]
		decoder.pos = int64(idx.ChunkStartOffset + idx.ChunkLength)

		if !decoder.overlaps(idx.Start, idx.End) || !decoder.chunkWanted(idx) {
			continue
		}

		buf := getChunkBuf(idx.ChunkLength)
		if err := decoder.readAt(*buf, int64(idx.ChunkStartOffset)); err != nil {
			chunkPool.Put(buf)
			return &ChunkReadError{
				Offset:   idx.ChunkStartOffset,
				Channels: sortedChannels(idx.MessageIndexOffsets),
				Err:      err,
			}
		}

		decoder.loadIndexedChunk(idx, *buf)
		chunkPool.Put(buf)
		return nil
	}

	decoder.pos = decoder.size
	return io.EOF
}

func (decoder *Decoder) loadIndexedChunk(idx *RecordChunkIndex, raw []byte) {
	channels := sortedChannels(idx.MessageIndexOffsets)
	length := endian.Uint64(raw[1:])
	if Op(raw[0]) != OpChunk || length != idx.ChunkLength-recordPrefixLen {
		decoder.corruptChunk(idx.ChunkStartOffset, channels, fmt.Errorf("%w: %s record of %d bytes", errInvalidRecord, Op(raw[0]), length))
		return
	}

	var chunk RecordChunk
	if err := chunk.unmarshall(raw[recordPrefixLen:]); err != nil {
		decoder.corruptChunk(idx.ChunkStartOffset, channels, err)
		return
	}
	decoder.loadChunk(idx.ChunkStartOffset, channels, &chunk)
}

// covered reports whether the summary registered every channel the chunk
// indexes refer to. A chunk index without message index offsets leaves its
// channels unknown.
func (decoder *Decoder) covered() bool {
	if len(decoder.registry.Channels()) == 0 {
		return false
	}
	for _, idx := range decoder.plan {
		if len(idx.MessageIndexOffsets) == 0 {
			return false
		}
		for id := range idx.MessageIndexOffsets {
			if _, ok := decoder.registry.Lookup(id); !ok {
				return false
			}
		}
	}
	return true
}

func (decoder *Decoder) chunkWanted(idx *RecordChunkIndex) bool {
	if (decoder.channels == nil && decoder.topics == nil) || len(idx.MessageIndexOffsets) == 0 {
		return true
	}

	for id := range idx.MessageIndexOffsets {
		desc, ok := decoder.registry.Lookup(id)
		if !ok || decoder.wanted(desc) {
			return true
		}
	}
	return false
}
