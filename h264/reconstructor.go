package h264

import (
	"errors"
	"fmt"
)

// Reconstructor collects Annex-B fragments of one channel, cuts them into
// access units and pushes every complete unit to its decoder. It is not safe
// for concurrent use; each channel owns its own reconstructor.
type Reconstructor struct {
	dec    Decoder
	report func(error)

	// pending starts at the start code of the NAL unit still being received.
	pending []byte
	au      AccessUnit
	picture bool

	pushed  uint64
	emitted uint64
}

// NewReconstructor wraps dec. Non-fatal problems such as a rejected access unit
// or a truncated tail are passed to report.
func NewReconstructor(dec Decoder, report func(error)) *Reconstructor {
	if report == nil {
		report = func(error) {}
	}
	return &Reconstructor{dec: dec, report: report}
}

// Write appends a payload fragment and returns the frames the decoder emitted
// while consuming the access units it completed.
func (r *Reconstructor) Write(fragment []byte) ([]Frame, error) {
	r.pending = append(r.pending, fragment...)

	pos, n := nextStartCode(r.pending, 0)
	if pos < 0 {
		// Bytes before the first start code belong to no NAL unit. Keep only
		// what could still be the beginning of a split start code.
		if keep := len(startCode) - 1; len(r.pending) > keep {
			r.pending = append(r.pending[:0], r.pending[len(r.pending)-keep:]...)
		}
		return nil, nil
	}

	var frames []Frame
	for {
		begin := pos + n
		next, nextLen := nextStartCode(r.pending, begin)
		end, resume := next, next
		if next < 0 {
			// End of sequence and end of stream units are a single header
			// byte, so they complete without a following start code.
			if begin >= len(r.pending) || !isEnd(NALType(r.pending[begin:])) {
				break
			}
			end, resume = begin+1, begin+1
		}

		if nal := trimTrailingZeros(r.pending[begin:end]); len(nal) > 0 {
			out, err := r.addNAL(nal)
			frames = append(frames, out...)
			if err != nil {
				r.pending = append(r.pending[:0], r.pending[resume:]...)
				return frames, err
			}
		}

		pos, n = resume, nextLen
		if next < 0 {
			break
		}
	}

	r.pending = append(r.pending[:0], r.pending[pos:]...)
	return frames, nil
}

// Flush discards any unterminated access unit, reporting ErrTruncatedStream,
// and drains the decoder. A stream that ends without an end of sequence or end
// of stream NAL loses its last access unit: a final slice with no following
// start code cannot be told apart from one cut short.
func (r *Reconstructor) Flush() ([]Frame, error) {
	discarded := len(r.au.Bytes())
	for _, nal := range SplitNALs(r.pending) {
		discarded += len(startCode) + len(nal)
	}
	if discarded > 0 {
		r.report(fmt.Errorf("%w: %d bytes after access unit %d discarded", ErrTruncatedStream, discarded, r.pushed))
	}
	r.pending = nil
	r.au = nil
	r.picture = false

	frames, err := r.dec.Flush()
	return r.number(frames), err
}

// Close releases the decoder.
func (r *Reconstructor) Close() error {
	return r.dec.Close()
}

// Pushed returns the number of access units handed to the decoder.
func (r *Reconstructor) Pushed() uint64 {
	return r.pushed
}

func (r *Reconstructor) addNAL(nal []byte) ([]Frame, error) {
	var frames []Frame
	var err error

	if r.picture && opensAccessUnit(nal) {
		frames, err = r.submit()
		if err != nil {
			return frames, err
		}
	}

	r.au = append(r.au, append([]byte(nil), nal...))
	t := NALType(nal)
	if isVCL(t) {
		r.picture = true
	}

	if isEnd(t) {
		out, err := r.submit()
		return append(frames, out...), err
	}
	return frames, nil
}

func (r *Reconstructor) submit() ([]Frame, error) {
	au, picture := r.au, r.picture
	r.au = nil
	r.picture = false
	if !picture {
		return nil, nil
	}

	r.pushed++
	frames, err := r.dec.Push(au)
	if err != nil {
		if errors.Is(err, ErrDecoderUnavailable) {
			return r.number(frames), err
		}
		r.report(fmt.Errorf("%w: access unit %d: %v", ErrDecode, r.pushed, err))
	}
	return r.number(frames), nil
}

func (r *Reconstructor) number(frames []Frame) []Frame {
	for i := range frames {
		frames[i].Sequence = r.emitted
		r.emitted++
	}
	return frames
}
