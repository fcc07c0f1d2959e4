// Package extract runs the demultiplex and decode pipeline of an MCAP log and
// hands every decoded artifact to a Writer.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	mcapx "github.com/lherman-cs/go-mcapx"
	"github.com/lherman-cs/go-mcapx/h264"
	"github.com/lherman-cs/go-mcapx/source"
)

// ErrExtractionFailed marks a topic that produced nothing, or a run whose
// source became unavailable.
var ErrExtractionFailed = errors.New("extraction failed")

const defaultQueueSize = 64

// Progress is passed to Options.Progress by the demultiplexer.
type Progress struct {
	Position int64
	Size     int64
	Records  uint64
}

type Options struct {
	// Topics limits extraction to the named topics. Empty selects every
	// supported topic.
	Topics []string
	// Start and End bound log time in nanoseconds, inclusive. An End of 0
	// leaves the window open.
	Start, End uint64
	// WithoutIndex forces a linear scan even when a summary is present.
	WithoutIndex bool
	// NewVideoDecoder creates the decoder for each H.264 topic. Defaults to
	// h264.NewGstDecoder.
	NewVideoDecoder h264.NewDecoderFunc
	Diagnostics     mcapx.DiagnosticSink
	Progress        func(Progress)
	// QueueSize bounds the records buffered per topic.
	QueueSize int
}

func (opts *Options) defaults() {
	if opts.NewVideoDecoder == nil {
		opts.NewVideoDecoder = h264.NewGstDecoder
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
}

type run struct {
	ctx  context.Context
	w    Writer
	opts Options
	diag mcapx.DiagnosticSink

	wg      sync.WaitGroup
	workers map[string]*worker
	streams map[uint16]*stream
	// skipped holds channels that are never handed to a worker.
	skipped map[uint16]*TopicReport
	// stopped holds the source fault that ended a channel's feed.
	stopped map[uint16]error
	// dropped counts records of stopped channels that had a stream.
	dropped map[uint16]uint64
}

// Run extracts src. Each selected topic is decoded by its own goroutine while
// one goroutine reads the log. Cancelling ctx stops reading, flushes buffered
// video frames and returns the partial report with ctx.Err joined in. The
// returned error joins every per-topic failure.
func Run(ctx context.Context, src source.Source, w Writer, opts Options) (*Report, error) {
	opts.defaults()

	collector := &mcapx.Collector{}
	r := &run{
		ctx:     ctx,
		w:       w,
		opts:    opts,
		diag:    mcapx.Tee(collector, opts.Diagnostics),
		workers: make(map[string]*worker),
		streams: make(map[uint16]*stream),
		skipped: make(map[uint16]*TopicReport),
		stopped: make(map[uint16]error),
		dropped: make(map[uint16]uint64),
	}
	r.opts.Diagnostics = r.diag

	report := &Report{
		RunID:   uuid.New().String(),
		Started: time.Now(),
	}

	decoderOpts := []mcapx.DecoderOption{
		mcapx.WithDiagnostics(r.diag),
		mcapx.WithTimeRange(opts.Start, opts.End),
	}
	if len(opts.Topics) > 0 {
		decoderOpts = append(decoderOpts, mcapx.WithTopics(opts.Topics...))
	}
	if opts.WithoutIndex {
		decoderOpts = append(decoderOpts, mcapx.WithoutIndex())
	}

	dec, err := mcapx.NewDecoder(src, src.Size(), decoderOpts...)
	if err != nil {
		report.Finished = time.Now()
		return report, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	report.Indexed = dec.Indexed()

	slog.Debug("extract: started",
		"run_id", report.RunID,
		"size", src.Size(),
		"indexed", dec.Indexed(),
	)

	demuxErr := r.demux(dec)
	r.close()
	r.wg.Wait()

	corrupt := make(map[uint16]uint64)
	for _, d := range collector.Diagnostics() {
		if errors.Is(d.Kind, mcapx.ErrCorruptChunk) {
			report.CorruptChunks++
			for _, id := range d.Channels {
				corrupt[id]++
			}
		}
		report.Diagnostics = append(report.Diagnostics, d.String())
	}

	errs := r.collect(report, corrupt)
	if demuxErr != nil {
		errs = append([]error{demuxErr}, errs...)
	}
	if ctx.Err() != nil {
		report.Cancelled = true
		errs = append(errs, ctx.Err())
	}
	report.Finished = time.Now()

	slog.Debug("extract: finished",
		"run_id", report.RunID,
		"written", report.Written(),
		"corrupt_chunks", report.CorruptChunks,
		"elapsed", report.Finished.Sub(report.Started),
	)
	return report, errors.Join(errs...)
}

// demux reads records and routes them to per-topic workers until the log
// ends, ctx is done, or the decoder fails.
func (r *run) demux(dec *mcapx.Decoder) error {
	registry := dec.Registry()
	var records uint64

	for {
		if r.ctx.Err() != nil {
			return nil
		}

		record, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		var chunkErr *mcapx.ChunkReadError
		if errors.As(err, &chunkErr) {
			for _, id := range chunkErr.Channels {
				r.stop(registry, id, chunkErr)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
		}

		if s := r.route(registry, record.ChannelID); s != nil {
			wk := r.workers[s.desc.Topic]
			select {
			case wk.queue <- item{s: s, record: record}:
			case <-r.ctx.Done():
				return nil
			}
		}

		records++
		if r.opts.Progress != nil {
			r.opts.Progress(Progress{Position: dec.Position(), Size: dec.Size(), Records: records})
		}
	}
}

// route returns the stream of channel id, starting its topic's worker at first
// sight. Channels that cannot be extracted get one diagnostic and a nil stream.
func (r *run) route(registry *mcapx.Registry, id uint16) *stream {
	if _, ok := r.stopped[id]; ok {
		r.drop(registry, id)
		return nil
	}
	if s, ok := r.streams[id]; ok {
		return s
	}
	if skipped, ok := r.skipped[id]; ok {
		skipped.Records++
		skipped.Skipped++
		return nil
	}

	desc, ok := registry.Lookup(id)
	if !ok {
		return nil
	}

	kind, err := mcapx.SupportedChannel(desc)
	if err != nil {
		r.diag.Emit(mcapx.Diagnostic{
			Level:   slog.LevelWarn,
			Kind:    err,
			Channel: desc,
			Topic:   desc.Topic,
			Message: fmt.Sprintf("skipping channel %d: %v", desc.ID, err),
		})
		t := skippedReport(desc, kind)
		t.Status, t.Error = StatusUnsupported, err.Error()
		t.Records, t.Skipped = 1, 1
		r.skipped[id] = t
		return nil
	}

	s := newStream(desc, kind)
	r.streams[id] = s

	wk, ok := r.workers[desc.Topic]
	if !ok {
		wk = newWorker(desc.Topic, r.w, &r.opts)
		r.workers[desc.Topic] = wk
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			wk.run(r.ctx)
		}()
	}
	wk.streams = append(wk.streams, s)
	return s
}

// stop ends the feed of a channel whose chunk could not be read. Channels not
// registered yet are stopped too, since their records may follow.
func (r *run) stop(registry *mcapx.Registry, id uint16, cause error) {
	desc, known := registry.Lookup(id)
	if known && !r.selected(desc) {
		return
	}
	if _, ok := r.stopped[id]; ok {
		return
	}
	r.stopped[id] = cause

	_, streaming := r.streams[id]
	_, skipped := r.skipped[id]
	if known && !streaming && !skipped {
		kind, _ := mcapx.SupportedChannel(desc)
		r.skipped[id] = skippedReport(desc, kind)
	}
}

// drop counts a record of a stopped channel.
func (r *run) drop(registry *mcapx.Registry, id uint16) {
	if _, ok := r.streams[id]; ok {
		r.dropped[id]++
		return
	}
	t, ok := r.skipped[id]
	if !ok {
		desc, known := registry.Lookup(id)
		if !known || !r.selected(desc) {
			return
		}
		kind, _ := mcapx.SupportedChannel(desc)
		t = skippedReport(desc, kind)
		r.skipped[id] = t
	}
	t.Records++
	t.Skipped++
}

func skippedReport(desc *mcapx.ChannelDescriptor, kind mcapx.SchemaKind) *TopicReport {
	return &TopicReport{
		Topic:      desc.Topic,
		ChannelID:  desc.ID,
		SchemaName: desc.SchemaName,
		Kind:       kind.String(),
	}
}

func (r *run) close() {
	for _, wk := range r.workers {
		close(wk.queue)
	}
}

func (r *run) selected(desc *mcapx.ChannelDescriptor) bool {
	if len(r.opts.Topics) == 0 {
		return true
	}
	for _, topic := range r.opts.Topics {
		if topic == desc.Topic {
			return true
		}
	}
	return false
}

// collect fills report.Topics and returns the per-topic failures. corrupt
// counts the corrupt chunks attributed to each channel.
func (r *run) collect(report *Report, corrupt map[uint16]uint64) []error {
	var errs []error
	seen := make(map[string]bool)

	add := func(t TopicReport) {
		seen[t.Topic] = true
		t.Corrupt += corrupt[t.ChannelID]
		report.Topics = append(report.Topics, t)
	}

	for _, wk := range r.workers {
		if wk.err != nil {
			errs = append(errs, wk.err)
		} else if wk.written == 0 && r.ctx.Err() == nil {
			errs = append(errs, fmt.Errorf("%w: topic %s: no artifacts", ErrExtractionFailed, wk.topic))
		}

		for _, s := range wk.streams {
			t := s.report
			t.Records += r.dropped[t.ChannelID]
			t.Skipped += r.dropped[t.ChannelID]

			if cause, ok := r.stopped[t.ChannelID]; ok {
				err := fmt.Errorf("%w: topic %s: channel %d: %v", ErrExtractionFailed, t.Topic, t.ChannelID, cause)
				t.Status, t.Error = StatusFailed, err.Error()
				errs = append(errs, err)
			} else if wk.err != nil {
				t.Status, t.Error = StatusFailed, wk.err.Error()
			} else if wk.written == 0 && r.ctx.Err() == nil {
				t.Status = StatusFailed
				t.Error = fmt.Sprintf("%v: topic %s: no artifacts from %d records", ErrExtractionFailed, t.Topic, t.Records)
			}
			add(t)
		}
	}

	for id, t := range r.skipped {
		if cause, ok := r.stopped[id]; ok && t.Status != StatusUnsupported {
			err := fmt.Errorf("%w: topic %s: channel %d: %v", ErrExtractionFailed, t.Topic, id, cause)
			t.Status, t.Error = StatusFailed, err.Error()
			errs = append(errs, err)
		} else if len(r.opts.Topics) > 0 {
			err := fmt.Errorf("%w: topic %s: %s", ErrExtractionFailed, t.Topic, t.Error)
			errs = append(errs, err)
		}
		add(*t)
	}

	for _, topic := range r.opts.Topics {
		if seen[topic] {
			continue
		}
		err := fmt.Errorf("%w: topic %s: no records", ErrExtractionFailed, topic)
		add(TopicReport{Topic: topic, Status: StatusFailed, Error: err.Error()})
		errs = append(errs, err)
	}

	sortTopics(report.Topics)
	return errs
}
