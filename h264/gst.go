//go:build gstreamer

package h264

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

const drainTimeout = 5 * time.Second

var gstInit sync.Once

type gstDecoder struct {
	pipeline *gst.Pipeline
	src      *app.Source
	sink     *app.Sink
}

// NewGstDecoder starts an appsrc ! h264parse ! avdec_h264 ! videoconvert !
// appsink pipeline producing RGB frames.
func NewGstDecoder() (Decoder, error) {
	gstInit.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("%w: create pipeline: %v", ErrDecoderUnavailable, err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("%w: create appsrc: %v", ErrDecoderUnavailable, err)
	}
	src.SetCaps(gst.NewCapsFromString("video/x-h264,stream-format=byte-stream,alignment=au"))

	parse, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("%w: create h264parse: %v", ErrDecoderUnavailable, err)
	}

	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return nil, fmt.Errorf("%w: create avdec_h264: %v", ErrDecoderUnavailable, err)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("%w: create videoconvert: %v", ErrDecoderUnavailable, err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("%w: create capsfilter: %v", ErrDecoderUnavailable, err)
	}
	if err := capsfilter.SetProperty("caps", gst.NewCapsFromString("video/x-raw,format=RGB")); err != nil {
		return nil, fmt.Errorf("%w: set caps: %v", ErrDecoderUnavailable, err)
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("%w: create appsink: %v", ErrDecoderUnavailable, err)
	}
	if err := sink.SetProperty("sync", false); err != nil {
		return nil, fmt.Errorf("%w: set sync: %v", ErrDecoderUnavailable, err)
	}

	if err := pipeline.AddMany(src.Element, parse, decoder, converter, capsfilter, sink.Element); err != nil {
		return nil, fmt.Errorf("%w: add elements: %v", ErrDecoderUnavailable, err)
	}
	if err := gst.ElementLinkMany(src.Element, parse, decoder, converter, capsfilter, sink.Element); err != nil {
		return nil, fmt.Errorf("%w: link elements: %v", ErrDecoderUnavailable, err)
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("%w: start pipeline: %v", ErrDecoderUnavailable, err)
	}

	return &gstDecoder{pipeline: pipeline, src: src, sink: sink}, nil
}

func (d *gstDecoder) Push(au AccessUnit) ([]Frame, error) {
	if ret := d.src.PushBuffer(gst.NewBufferFromBytes(au.Bytes())); ret != gst.FlowOK {
		return nil, fmt.Errorf("push buffer: %v", ret)
	}
	if err := d.busError(); err != nil {
		return d.drain(0), err
	}
	return d.drain(0), nil
}

func (d *gstDecoder) Flush() ([]Frame, error) {
	if ret := d.src.EndStream(); ret != gst.FlowOK {
		return nil, fmt.Errorf("end stream: %v", ret)
	}
	return d.drain(drainTimeout), d.busError()
}

func (d *gstDecoder) Close() error {
	return d.pipeline.SetState(gst.StateNull)
}

// drain pulls every sample that is ready. A positive timeout waits for samples
// until the sink reaches end of stream.
func (d *gstDecoder) drain(timeout time.Duration) []Frame {
	var frames []Frame
	for {
		sample := d.sink.TryPullSample(timeout)
		if sample == nil {
			return frames
		}

		frame, ok := sampleFrame(sample)
		if !ok {
			slog.Warn("h264: dropping undecodable sample")
			continue
		}
		frames = append(frames, frame)
	}
}

func (d *gstDecoder) busError() error {
	bus := d.pipeline.GetPipelineBus()
	for {
		msg := bus.Pop()
		if msg == nil {
			return nil
		}
		if msg.Type() == gst.MessageError {
			return msg.ParseError()
		}
	}
}

func sampleFrame(sample *gst.Sample) (Frame, bool) {
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return Frame{}, false
	}
	structure := caps.GetStructureAt(0)
	width, err := structure.GetValue("width")
	if err != nil {
		return Frame{}, false
	}
	height, err := structure.GetValue("height")
	if err != nil {
		return Frame{}, false
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return Frame{}, false
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	pix := make([]byte, len(data))
	copy(pix, data)
	buffer.Unmap()

	w, _ := width.(int)
	h, _ := height.(int)
	frame := Frame{
		Width:  w,
		Height: h,
		// GStreamer pads RGB rows to 4 bytes.
		Stride: (w*3 + 3) &^ 3,
		Pix:    pix,
	}
	return frame, frame.valid()
}
