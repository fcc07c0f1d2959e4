package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	mcapx "github.com/lherman-cs/go-mcapx"
	"github.com/lherman-cs/go-mcapx/h264"
)

// stream is the decode state of one channel. It is owned by the worker of the
// channel's topic once created.
type stream struct {
	desc   *mcapx.ChannelDescriptor
	kind   mcapx.SchemaKind
	report TopicReport

	recon       *h264.Reconstructor
	passthrough bool
	active      bool
}

func newStream(desc *mcapx.ChannelDescriptor, kind mcapx.SchemaKind) *stream {
	return &stream{
		desc: desc,
		kind: kind,
		report: TopicReport{
			Topic:      desc.Topic,
			ChannelID:  desc.ID,
			SchemaName: desc.SchemaName,
			Kind:       kind.String(),
			Status:     StatusOK,
		},
	}
}

type item struct {
	s      *stream
	record *mcapx.RawRecord
}

// worker decodes and writes the records of one topic in arrival order.
// Channels sharing the topic share its sequence numbers.
type worker struct {
	topic string
	queue chan item
	w     Writer
	diag  mcapx.DiagnosticSink

	newDecoder h264.NewDecoderFunc
	// streams is appended by the demultiplexer only.
	streams []*stream
	// active is appended by the worker only, in first-record order.
	active []*stream

	seq     uint64
	written uint64
	err     error
}

func newWorker(topic string, w Writer, opts *Options) *worker {
	return &worker{
		topic:      topic,
		queue:      make(chan item, opts.QueueSize),
		w:          w,
		diag:       opts.Diagnostics,
		newDecoder: opts.NewVideoDecoder,
	}
}

// run consumes the queue until it is closed or ctx is done, then flushes any
// buffered video frames. Records still queued at cancellation are not decoded.
func (wk *worker) run(ctx context.Context) {
	defer wk.flush()

	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-wk.queue:
			if !ok {
				return
			}
			if !it.s.active {
				it.s.active = true
				wk.active = append(wk.active, it.s)
			}
			it.s.report.Records++
			if wk.err != nil {
				it.s.report.Skipped++
				continue
			}
			wk.handle(it.s, it.record)
		}
	}
}

func (wk *worker) handle(s *stream, record *mcapx.RawRecord) {
	msg, err := mcapx.DecodeMessage(s.desc, record.Data)
	if err != nil {
		s.report.Malformed++
		wk.emit(s, slog.LevelWarn, err, fmt.Sprintf("skipping message %d: %v", record.Sequence, err))
		return
	}

	if img, ok := msg.(*mcapx.CompressedImage); ok && img.IsVideo() {
		wk.video(s, record, img)
		return
	}
	wk.write(s, Artifact{LogTime: record.LogTime, Message: msg})
}

func (wk *worker) video(s *stream, record *mcapx.RawRecord, img *mcapx.CompressedImage) {
	if s.recon == nil && !s.passthrough {
		dec, err := wk.newDecoder()
		if err != nil {
			s.passthrough = true
			wk.emit(s, slog.LevelWarn, err, fmt.Sprintf("writing h264 payloads verbatim: %v", err))
		} else {
			s.recon = h264.NewReconstructor(dec, func(err error) {
				wk.emit(s, slog.LevelWarn, err, err.Error())
			})
		}
	}

	if s.passthrough {
		wk.write(s, Artifact{LogTime: record.LogTime, Message: img})
		return
	}

	frames, err := s.recon.Write(img.Data)
	wk.writeFrames(s, record.LogTime, frames)
	if err != nil {
		wk.fail(s, err)
	}
}

func (wk *worker) flush() {
	for _, s := range wk.active {
		if s.recon == nil {
			continue
		}

		frames, err := s.recon.Flush()
		wk.writeFrames(s, 0, frames)
		if err != nil {
			wk.fail(s, err)
		}
		if err := s.recon.Close(); err != nil {
			wk.emit(s, slog.LevelWarn, err, fmt.Sprintf("closing video decoder: %v", err))
		}
		s.report.AccessUnits = s.recon.Pushed()
		s.recon = nil
	}
}

// writeFrames writes frames in the order the decoder emitted them.
func (wk *worker) writeFrames(s *stream, logTime uint64, frames []h264.Frame) {
	for i := range frames {
		wk.write(s, Artifact{LogTime: logTime, Frame: &frames[i]})
	}
}

func (wk *worker) write(s *stream, artifact Artifact) {
	if wk.err != nil {
		return
	}
	seq := wk.seq
	wk.seq++
	if err := wk.w.Write(wk.topic, seq, artifact); err != nil {
		wk.fail(s, fmt.Errorf("write %d: %w", seq, err))
		return
	}
	s.report.Written++
	wk.written++
}

// fail marks the topic failed. Later records of the topic are skipped.
func (wk *worker) fail(s *stream, err error) {
	if wk.err != nil {
		return
	}
	if !errors.Is(err, ErrExtractionFailed) {
		err = fmt.Errorf("%w: topic %s: %v", ErrExtractionFailed, wk.topic, err)
	}
	wk.err = err
	s.report.Status = StatusFailed
	s.report.Error = err.Error()
}

func (wk *worker) emit(s *stream, level slog.Level, kind error, msg string) {
	wk.diag.Emit(mcapx.Diagnostic{
		Level:   level,
		Kind:    kind,
		Channel: s.desc,
		Topic:   s.desc.Topic,
		Message: msg,
	})
}
