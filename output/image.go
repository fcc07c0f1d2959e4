package output

import (
	"errors"
	"fmt"
	"image"
	"strings"

	mcapx "github.com/lherman-cs/go-mcapx"
)

var errUnsupportedEncoding = errors.New("unsupported pixel encoding")

// ToImage converts a raw image message to an image.Image. Supported encodings
// are rgb8, bgr8, rgba8, bgra8, mono8, mono16 and nv12.
func ToImage(msg *mcapx.Image) (image.Image, error) {
	w, h := int(msg.Width), int(msg.Height)
	step := int(msg.Step)
	rect := image.Rect(0, 0, w, h)

	encoding := strings.ToLower(msg.Encoding)
	bpp, ok := bytesPerPixel[encoding]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnsupportedEncoding, msg.Encoding)
	}

	rows, rowLen := h, w*bpp
	if encoding == "nv12" {
		rows, rowLen = h+(h+1)/2, (w+1)/2*2
	}
	if step < rowLen || len(msg.Data) < step*rows {
		return nil, fmt.Errorf("%w: %dx%d %s image with step %d has %d bytes",
			mcapx.ErrMalformedMessage, w, h, msg.Encoding, step, len(msg.Data))
	}

	switch encoding {
	case "rgb8", "bgr8", "rgba8", "bgra8":
		img := image.NewRGBA(rect)
		swap := encoding[0] == 'b'
		for y := 0; y < h; y++ {
			row := msg.Data[y*step:]
			out := img.Pix[y*img.Stride:]
			for x := 0; x < w; x++ {
				px := row[x*bpp:]
				r, g, b := px[0], px[1], px[2]
				if swap {
					r, b = b, r
				}
				a := uint8(0xff)
				if bpp == 4 {
					a = px[3]
				}
				out[x*4], out[x*4+1], out[x*4+2], out[x*4+3] = r, g, b, a
			}
		}
		return img, nil

	case "mono8", "8uc1":
		img := image.NewGray(rect)
		for y := 0; y < h; y++ {
			copy(img.Pix[y*img.Stride:y*img.Stride+w], msg.Data[y*step:])
		}
		return img, nil

	case "mono16", "16uc1":
		img := image.NewGray16(rect)
		for y := 0; y < h; y++ {
			row := msg.Data[y*step:]
			out := img.Pix[y*img.Stride:]
			for x := 0; x < w; x++ {
				// Gray16 stores big endian samples.
				hi, lo := row[x*2+1], row[x*2]
				if msg.BigEndian {
					hi, lo = lo, hi
				}
				out[x*2], out[x*2+1] = hi, lo
			}
		}
		return img, nil

	default:
		return nv12(msg.Data, w, h, step), nil
	}
}

var bytesPerPixel = map[string]int{
	"rgb8":   3,
	"bgr8":   3,
	"rgba8":  4,
	"bgra8":  4,
	"mono8":  1,
	"8uc1":   1,
	"mono16": 2,
	"16uc1":  2,
	"nv12":   1,
}

// nv12 splits a luma plane followed by an interleaved half resolution CbCr
// plane into 4:2:0 YCbCr.
func nv12(data []byte, w, h, step int) *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	for y := 0; y < h; y++ {
		copy(img.Y[y*img.YStride:y*img.YStride+w], data[y*step:])
	}

	chroma := data[h*step:]
	for y := 0; y < (h+1)/2; y++ {
		row := chroma[y*step:]
		for x := 0; x < (w+1)/2; x++ {
			img.Cb[y*img.CStride+x] = row[x*2]
			img.Cr[y*img.CStride+x] = row[x*2+1]
		}
	}
	return img
}
