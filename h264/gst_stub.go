//go:build !gstreamer

package h264

// NewGstDecoder reports ErrDecoderUnavailable. Build with the gstreamer tag to
// enable decoding.
func NewGstDecoder() (Decoder, error) {
	return nil, ErrDecoderUnavailable
}
