package extract

import (
	mcapx "github.com/lherman-cs/go-mcapx"
	"github.com/lherman-cs/go-mcapx/h264"
)

// Artifact is one output item of a topic. Exactly one of Message and Frame is
// set. Message is a decoded *mcapx.Image, *mcapx.PointCloud or
// *mcapx.CompressedImage; compressed images reach the writer verbatim when
// they are not H.264 or no video decoder is available.
type Artifact struct {
	LogTime uint64
	Message mcapx.Message
	Frame   *h264.Frame
}

// Writer materializes artifacts. Write is called concurrently for different
// topics and sequentially within one topic, with seq counting up from 0.
type Writer interface {
	Write(topic string, seq uint64, artifact Artifact) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(topic string, seq uint64, artifact Artifact) error

func (fn WriterFunc) Write(topic string, seq uint64, artifact Artifact) error {
	return fn(topic, seq, artifact)
}
