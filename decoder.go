package mcapx

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
)

var (
	ErrStructuralCorruption = errors.New("structural corruption")
	// ErrCorruptChunk is the diagnostic kind of a skipped chunk.
	ErrCorruptChunk   = fmt.Errorf("%w: corrupt chunk", ErrStructuralCorruption)
	ErrUnknownChannel = errors.New("message on unregistered channel")
)

// ChunkReadError reports a source fault while loading one chunk. The decoder has
// already moved past the chunk, so Next may be called again.
type ChunkReadError struct {
	Offset   uint64
	Channels []uint16
	Err      error
}

func (err *ChunkReadError) Error() string {
	return fmt.Sprintf("reading chunk at offset %d: %v", err.Offset, err.Err)
}

func (err *ChunkReadError) Unwrap() error {
	return err.Err
}

type DecoderOption func(*Decoder)

// WithChannels restricts output to the given channel ids. Combined with
// WithTopics, a record is kept when either matches.
func WithChannels(ids ...uint16) DecoderOption {
	return func(decoder *Decoder) {
		if decoder.channels == nil {
			decoder.channels = make(map[uint16]struct{})
		}
		for _, id := range ids {
			decoder.channels[id] = struct{}{}
		}
	}
}

func WithTopics(topics ...string) DecoderOption {
	return func(decoder *Decoder) {
		if decoder.topics == nil {
			decoder.topics = make(map[string]struct{})
		}
		for _, topic := range topics {
			decoder.topics[topic] = struct{}{}
		}
	}
}

// WithTimeRange keeps records whose log time lies in [start, end]. An end of 0
// leaves the range open.
func WithTimeRange(start, end uint64) DecoderOption {
	return func(decoder *Decoder) {
		decoder.start = start
		decoder.end = end
	}
}

func WithDiagnostics(sink DiagnosticSink) DecoderOption {
	return func(decoder *Decoder) {
		if sink != nil {
			decoder.diag = sink
		}
	}
}

// WithoutIndex ignores the summary section and scans the data section.
func WithoutIndex() DecoderOption {
	return func(decoder *Decoder) {
		decoder.linearOnly = true
	}
}

type Decoder struct {
	src      io.ReaderAt
	size     int64
	registry *Registry
	diag     DiagnosticSink
	header   RecordHeader

	channels   map[uint16]struct{}
	topics     map[string]struct{}
	start      uint64
	end        uint64
	linearOnly bool

	indexed bool
	stats   *RecordStatistics
	plan    []*RecordChunkIndex

	pending []*RawRecord
	unknown map[uint16]struct{}
	pos     int64
	err     error
}

// NewDecoder checks the leading magic and header, then tries to load the summary
// section. When the summary is missing or inconsistent the decoder scans the data
// section linearly instead. The registry is frozen only when the summary
// registers every channel its chunk indexes refer to; otherwise channels found
// inside chunks are still registered.
func NewDecoder(src io.ReaderAt, size int64, opts ...DecoderOption) (*Decoder, error) {
	decoder := Decoder{
		src:      src,
		size:     size,
		registry: NewRegistry(),
		diag:     discardSink{},
		unknown:  make(map[uint16]struct{}),
	}
	for _, opt := range opts {
		opt(&decoder)
	}

	if err := decoder.checkMagic(); err != nil {
		return nil, err
	}

	if !decoder.linearOnly {
		if err := decoder.readSummary(); err != nil {
			decoder.emit(slog.LevelWarn, ErrStructuralCorruption, nil, fmt.Sprintf("summary unusable, scanning linearly: %v", err))
			decoder.registry.reset()
			decoder.plan = nil
			decoder.stats = nil
		} else {
			decoder.indexed = true
			if decoder.covered() {
				decoder.registry.Freeze()
			}
		}
	}

	return &decoder, nil
}

func (decoder *Decoder) Indexed() bool {
	return decoder.indexed
}

func (decoder *Decoder) Registry() *Registry {
	return decoder.registry
}

// Statistics returns the summary statistics, or nil when the decoder is linear.
func (decoder *Decoder) Statistics() *RecordStatistics {
	return decoder.stats
}

func (decoder *Decoder) Header() RecordHeader {
	return decoder.header
}

// Position is the file offset up to which records have been loaded.
func (decoder *Decoder) Position() int64 {
	return decoder.pos
}

func (decoder *Decoder) Size() int64 {
	return decoder.size
}

// Next returns the next message record in log order within each chunk. When it
// reaches the end, Next returns io.EOF.
func (decoder *Decoder) Next() (*RawRecord, error) {
	for {
		if len(decoder.pending) > 0 {
			record := decoder.pending[0]
			decoder.pending[0] = nil
			decoder.pending = decoder.pending[1:]
			return record, nil
		}

		if decoder.err != nil {
			return nil, decoder.err
		}

		var err error
		if decoder.indexed {
			err = decoder.nextChunk()
		} else {
			err = decoder.scan()
		}

		var chunkErr *ChunkReadError
		if errors.As(err, &chunkErr) {
			return nil, err
		}
		if err != nil {
			decoder.err = err
		}
	}
}

func (decoder *Decoder) checkMagic() error {
	prefix := make([]byte, len(Magic)+recordPrefixLen)
	if err := decoder.readAt(prefix, 0); err != nil {
		return fmt.Errorf("%w: reading magic: %w", ErrStructuralCorruption, err)
	}
	if !bytes.Equal(prefix[:len(Magic)], Magic) {
		return fmt.Errorf("%w: %w", ErrStructuralCorruption, errInvalidMagic)
	}
	decoder.pos = int64(len(Magic))

	op := Op(prefix[len(Magic)])
	length := endian.Uint64(prefix[len(Magic)+1:])
	if op != OpHeader || length > uint64(decoder.size) {
		return nil
	}

	content := make([]byte, length)
	if err := decoder.readAt(content, decoder.pos+recordPrefixLen); err != nil {
		return fmt.Errorf("%w: reading header: %w", ErrStructuralCorruption, err)
	}
	if err := decoder.header.unmarshall(content); err != nil {
		return fmt.Errorf("%w: %w", ErrStructuralCorruption, err)
	}
	decoder.pos += recordPrefixLen + int64(length)
	return nil
}

// scan reads the next top-level record of the data section.
func (decoder *Decoder) scan() error {
	remaining := decoder.size - decoder.pos
	if remaining <= 0 {
		return io.EOF
	}
	if remaining < recordPrefixLen {
		decoder.emit(slog.LevelWarn, ErrStructuralCorruption, nil, fmt.Sprintf("truncated record at offset %d", decoder.pos))
		return io.EOF
	}

	prefix := make([]byte, recordPrefixLen)
	if err := decoder.readAt(prefix, decoder.pos); err != nil {
		return err
	}
	op := Op(prefix[0])
	length := endian.Uint64(prefix[1:])
	if op == OpInvalid || length > uint64(remaining-recordPrefixLen) {
		decoder.emit(slog.LevelWarn, ErrStructuralCorruption, nil,
			fmt.Sprintf("truncated %s record at offset %d: %d bytes declared, %d available", op, decoder.pos, length, remaining-recordPrefixLen))
		return io.EOF
	}

	offset := decoder.pos
	decoder.pos += recordPrefixLen + int64(length)

	switch op {
	case OpDataEnd, OpFooter:
		decoder.pos = decoder.size
		return io.EOF
	case OpSchema, OpChannel, OpMessage, OpChunk:
	default:
		// not needed for extraction
		return nil
	}

	content := make([]byte, length)
	if err := decoder.readAt(content, offset+recordPrefixLen); err != nil {
		return err
	}

	if op == OpChunk {
		var chunk RecordChunk
		if err := chunk.unmarshall(content); err != nil {
			decoder.corruptChunk(uint64(offset), nil, err)
			return nil
		}
		// chunks outside the time range are still loaded for their channels
		decoder.loadChunk(uint64(offset), nil, &chunk)
		return nil
	}

	if err := decoder.apply(op, content); err != nil {
		decoder.emit(slog.LevelWarn, diagnosticKind(err), nil, fmt.Sprintf("skipping %s record at offset %d: %v", op, offset, err))
	}
	return nil
}

type innerRecord struct {
	op      Op
	content []byte
}

// splitRecords frames every record of a chunk. Any framing error rejects the
// whole chunk.
func splitRecords(b []byte) ([]innerRecord, error) {
	var records []innerRecord
	for off := 0; off < len(b); {
		if len(b)-off < recordPrefixLen {
			return nil, fmt.Errorf("%w: %d trailing bytes", errInvalidRecord, len(b)-off)
		}

		op := Op(b[off])
		length := endian.Uint64(b[off+1:])
		off += recordPrefixLen
		if op == OpInvalid || length > uint64(len(b)-off) {
			return nil, fmt.Errorf("%w: %s record declares %d bytes, %d left", errInvalidRecord, op, length, len(b)-off)
		}

		records = append(records, innerRecord{op: op, content: b[off : off+int(length)]})
		off += int(length)
	}
	return records, nil
}

// loadChunk decompresses and validates a chunk completely, then applies its
// records. A chunk that fails validation contributes nothing. channels are the
// ids the chunk index lists, if any.
func (decoder *Decoder) loadChunk(offset uint64, channels []uint16, chunk *RecordChunk) {
	records, err := decompressChunk(chunk)
	if err != nil {
		decoder.corruptChunk(offset, channels, err)
		return
	}

	inner, err := splitRecords(records)
	if err != nil {
		decoder.corruptChunk(offset, channels, err)
		return
	}

	for _, record := range inner {
		switch record.op {
		case OpSchema, OpChannel, OpMessage:
		default:
			continue
		}

		if err := decoder.apply(record.op, record.content); err != nil {
			decoder.emit(slog.LevelWarn, diagnosticKind(err), nil, fmt.Sprintf("chunk at offset %d: %v", offset, err))
		}
	}
}

func (decoder *Decoder) corruptChunk(offset uint64, channels []uint16, err error) {
	decoder.diag.Emit(Diagnostic{
		Level:    slog.LevelWarn,
		Kind:     ErrCorruptChunk,
		Message:  fmt.Sprintf("skipping corrupt chunk at offset %d: %v", offset, err),
		Channels: channels,
	})
}

// apply registers schemas and channels and queues wanted messages.
func (decoder *Decoder) apply(op Op, content []byte) error {
	switch op {
	case OpSchema:
		var schema RecordSchema
		if err := schema.unmarshall(content); err != nil {
			return err
		}
		return decoder.registry.RegisterSchema(&schema)
	case OpChannel:
		var channel RecordChannel
		if err := channel.unmarshall(content); err != nil {
			return err
		}
		_, err := decoder.registry.RegisterChannel(&channel)
		return err
	case OpMessage:
		var record RawRecord
		if err := record.unmarshall(content); err != nil {
			return err
		}
		return decoder.queue(&record)
	}
	return nil
}

func (decoder *Decoder) queue(record *RawRecord) error {
	desc, ok := decoder.registry.Lookup(record.ChannelID)
	if !ok {
		if _, seen := decoder.unknown[record.ChannelID]; !seen {
			decoder.unknown[record.ChannelID] = struct{}{}
			return fmt.Errorf("%w: %d", ErrUnknownChannel, record.ChannelID)
		}
		return nil
	}

	if !decoder.wanted(desc) || !decoder.inRange(record.LogTime) {
		return nil
	}
	decoder.pending = append(decoder.pending, record)
	return nil
}

func (decoder *Decoder) wanted(desc *ChannelDescriptor) bool {
	if decoder.channels == nil && decoder.topics == nil {
		return true
	}
	if _, ok := decoder.channels[desc.ID]; ok {
		return true
	}
	_, ok := decoder.topics[desc.Topic]
	return ok
}

func (decoder *Decoder) inRange(logTime uint64) bool {
	return logTime >= decoder.start && (decoder.end == 0 || logTime <= decoder.end)
}

func (decoder *Decoder) overlaps(start, end uint64) bool {
	return end >= decoder.start && (decoder.end == 0 || start <= decoder.end)
}

func (decoder *Decoder) readAt(p []byte, off int64) error {
	n, err := decoder.src.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (decoder *Decoder) emit(level slog.Level, kind error, desc *ChannelDescriptor, msg string) {
	d := Diagnostic{Level: level, Kind: kind, Channel: desc, Message: msg}
	if desc != nil {
		d.Topic = desc.Topic
	}
	decoder.diag.Emit(d)
}

func diagnosticKind(err error) error {
	for _, kind := range []error{ErrUnknownChannel, ErrChannelConflict, ErrSchemaConflict, ErrRegistryFrozen} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrStructuralCorruption
}

func sortedChannels(offsets map[uint16]uint64) []uint16 {
	ids := make([]uint16, 0, len(offsets))
	for id := range offsets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	return ids
}
