// Package h264 reassembles H.264 Annex-B fragments carried by compressed image
// messages into access units and feeds them through a push-based decoder.
package h264

import (
	"errors"
	"image"
)

var (
	// ErrTruncatedStream reports bytes left over at flush time that never
	// formed a complete access unit.
	ErrTruncatedStream = errors.New("h264: truncated stream")
	// ErrDecode reports an access unit the decoder rejected.
	ErrDecode = errors.New("h264: decode failed")
	// ErrDecoderUnavailable is returned when no decoder backend is compiled in
	// or the backend cannot be started.
	ErrDecoderUnavailable = errors.New("h264: decoder unavailable")
)

// Decoder turns access units into frames. Decoders buffer internally, so Push
// may return nothing for the unit just pushed and frames of earlier units later.
// Flush drains whatever is still buffered and must be called once.
type Decoder interface {
	Push(au AccessUnit) ([]Frame, error)
	Flush() ([]Frame, error)
	Close() error
}

// NewDecoderFunc creates one independent decoder per video channel.
type NewDecoderFunc func() (Decoder, error)

// Frame is a decoded picture in packed 8-bit RGB.
type Frame struct {
	// Sequence is the emission order of the frame within its channel.
	Sequence uint64
	Width    int
	Height   int
	Stride   int
	Pix      []byte
}

// Image converts the frame to an RGBA image.
func (f *Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*f.Stride:]
		out := img.Pix[y*img.Stride:]
		for x := 0; x < f.Width; x++ {
			out[x*4] = row[x*3]
			out[x*4+1] = row[x*3+1]
			out[x*4+2] = row[x*3+2]
			out[x*4+3] = 0xff
		}
	}
	return img
}

func (f *Frame) valid() bool {
	return f.Width > 0 && f.Height > 0 && f.Stride >= f.Width*3 &&
		len(f.Pix) >= f.Stride*(f.Height-1)+f.Width*3
}
