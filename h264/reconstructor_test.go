package h264

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	fuzz "github.com/google/gofuzz"
)

var (
	nalAUD      = []byte{0x09, 0xf0}
	nalSPS      = []byte{0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0xa0, 0x47, 0xfe, 0xc8}
	nalPPS      = []byte{0x68, 0xce, 0x3c, 0x80}
	nalIDR      = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff, 0xfe, 0xf6, 0xf0, 0xfe, 0x05, 0x36, 0x56}
	nalSlice    = []byte{0x41, 0x9a, 0x21, 0x6c, 0x42, 0xbf, 0xfe, 0x38, 0x40}
	nalSliceTop = []byte{0x41, 0x9a, 0x02, 0x01}
	nalSliceBot = []byte{0x41, 0x40, 0x77, 0x01}
	nalEOS      = []byte{0x0b}
)

// recorder records every pushed access unit and answers each push with one
// frame after Delay further pushes.
type recorder struct {
	Delay  int
	Fail   map[int]bool
	pushed []AccessUnit
	held   []Frame
	closed bool
}

func (r *recorder) Push(au AccessUnit) ([]Frame, error) {
	index := len(r.pushed)
	r.pushed = append(r.pushed, au)
	if r.Fail[index] {
		return nil, errors.New("bad slice")
	}

	r.held = append(r.held, Frame{Width: index})
	if len(r.held) <= r.Delay {
		return nil, nil
	}
	frame := r.held[0]
	r.held = r.held[1:]
	return []Frame{frame}, nil
}

func (r *recorder) Flush() ([]Frame, error) {
	frames := r.held
	r.held = nil
	return frames, nil
}

func (r *recorder) Close() error {
	r.closed = true
	return nil
}

// swapper emits every pair of pictures in reverse push order.
type swapper struct {
	held []Frame
	n    int
}

func (s *swapper) Push(AccessUnit) ([]Frame, error) {
	s.held = append(s.held, Frame{Width: s.n})
	s.n++
	if len(s.held) < 2 {
		return nil, nil
	}
	frames := []Frame{s.held[1], s.held[0]}
	s.held = nil
	return frames, nil
}

func (s *swapper) Flush() ([]Frame, error) {
	frames := s.held
	s.held = nil
	return frames, nil
}

func (s *swapper) Close() error { return nil }

func stream(aus ...AccessUnit) []byte {
	var b []byte
	for _, au := range aus {
		b = append(b, au.Bytes()...)
	}
	return b
}

func split(b []byte, cuts ...int) [][]byte {
	var fragments [][]byte
	last := 0
	for _, cut := range cuts {
		fragments = append(fragments, b[last:cut])
		last = cut
	}
	return append(fragments, b[last:])
}

func reconstruct(t *testing.T, dec Decoder, fragments [][]byte) ([]Frame, []error) {
	t.Helper()

	var reports []error
	r := NewReconstructor(dec, func(err error) { reports = append(reports, err) })

	var frames []Frame
	for _, fragment := range fragments {
		out, err := r.Write(fragment)
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, out...)
	}

	out, err := r.Flush()
	if err != nil {
		t.Fatal(err)
	}
	return append(frames, out...), reports
}

func TestSplitNALs(t *testing.T) {
	testCases := []struct {
		Name     string
		Stream   []byte
		Expected [][]byte
	}{
		{
			Name:     "Four Byte Start Codes",
			Stream:   stream(AccessUnit{nalAUD, nalSPS}),
			Expected: [][]byte{nalAUD, nalSPS},
		},
		{
			Name:     "Three Byte Start Codes",
			Stream:   append(append([]byte{0, 0, 1}, nalPPS...), append([]byte{0, 0, 1}, nalIDR...)...),
			Expected: [][]byte{nalPPS, nalIDR},
		},
		{
			Name:     "Leading Garbage And Trailing Zeros",
			Stream:   append([]byte{0xde, 0xad, 0, 0, 1}, append(append([]byte{}, nalSlice...), 0, 0)...),
			Expected: [][]byte{nalSlice},
		},
		{
			Name:   "No Start Code",
			Stream: nalSlice,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			actual := SplitNALs(testCase.Stream)
			if diff := cmp.Diff(testCase.Expected, actual); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestReconstructorFragments(t *testing.T) {
	first := AccessUnit{nalAUD, nalSPS, nalPPS, nalIDR}
	second := AccessUnit{nalAUD, nalSlice}
	terminated := AccessUnit{nalAUD, nalSlice, nalEOS}
	whole := stream(first, second, AccessUnit{nalEOS})
	firstLen := len(first.Bytes())

	testCases := []struct {
		Name      string
		Fragments [][]byte
	}{
		{
			Name:      "One Access Unit Per Fragment",
			Fragments: split(whole, firstLen, firstLen+len(second.Bytes())),
		},
		{
			Name:      "First Access Unit In Three Fragments",
			Fragments: split(whole, 9, 23, firstLen),
		},
		{
			Name:      "Split Inside Start Codes",
			Fragments: split(whole, 2, 7, firstLen+1, firstLen+3),
		},
		{
			Name:      "Byte By Byte",
			Fragments: split(whole, seq(1, len(whole))...),
		},
		{
			Name:      "Everything At Once",
			Fragments: [][]byte{whole},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			dec := &recorder{}
			frames, reports := reconstruct(t, dec, testCase.Fragments)

			if diff := cmp.Diff([]AccessUnit{first, terminated}, dec.pushed); diff != "" {
				t.Fatal(diff)
			}
			if len(reports) != 0 {
				t.Fatalf("unexpected reports %v", reports)
			}
			if len(frames) != 2 {
				t.Fatalf("expected 2 frames, got %d", len(frames))
			}
		})
	}
}

func TestReconstructorRandomFragments(t *testing.T) {
	aus := []AccessUnit{
		{nalAUD, nalSPS, nalPPS, nalIDR},
		{nalAUD, nalSlice},
		{nalSliceTop, nalSliceBot},
		{nalSlice},
		{nalSEI(), nalSlice, nalEOS},
	}
	whole := stream(aus...)

	reference := &recorder{}
	reconstruct(t, reference, [][]byte{whole})
	if len(reference.pushed) != len(aus) {
		t.Fatalf("expected %d access units, got %d", len(aus), len(reference.pushed))
	}

	f := fuzz.NewWithSeed(42).NilChance(0).NumElements(1, 12)
	for i := 0; i < 200; i++ {
		var raw []uint16
		f.Fuzz(&raw)

		cuts := make([]int, 0, len(raw))
		for _, cut := range raw {
			cuts = append(cuts, int(cut)%len(whole))
		}
		sortInts(cuts)

		dec := &recorder{}
		reconstruct(t, dec, split(whole, cuts...))
		if diff := cmp.Diff(reference.pushed, dec.pushed); diff != "" {
			t.Fatalf("cuts %v: %s", cuts, diff)
		}
	}
}

func TestReconstructorTruncatedTail(t *testing.T) {
	first := AccessUnit{nalAUD, nalSPS, nalPPS, nalIDR}

	testCases := []struct {
		Name      string
		Tail      AccessUnit
		Pushed    []AccessUnit
		Truncated bool
	}{
		{
			Name:      "Partial Slice",
			Tail:      AccessUnit{nalAUD, nalSlice[:4]},
			Pushed:    []AccessUnit{first},
			Truncated: true,
		},
		{
			Name:      "Whole Slice Without End Of Stream",
			Tail:      AccessUnit{nalAUD, nalSlice},
			Pushed:    []AccessUnit{first},
			Truncated: true,
		},
		{
			Name:   "End Of Stream",
			Tail:   AccessUnit{nalAUD, nalSlice, nalEOS},
			Pushed: []AccessUnit{first, {nalAUD, nalSlice, nalEOS}},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			dec := &recorder{}
			frames, reports := reconstruct(t, dec, [][]byte{first.Bytes(), testCase.Tail.Bytes()})

			if diff := cmp.Diff(testCase.Pushed, dec.pushed); diff != "" {
				t.Fatal(diff)
			}
			if len(frames) != len(testCase.Pushed) {
				t.Fatalf("expected %d frames, got %d", len(testCase.Pushed), len(frames))
			}

			truncated := len(reports) == 1 && errors.Is(reports[0], ErrTruncatedStream)
			if truncated != testCase.Truncated || (!testCase.Truncated && len(reports) != 0) {
				t.Fatalf("expected truncated %v, got %v", testCase.Truncated, reports)
			}
		})
	}
}

func TestReconstructorFrameOrder(t *testing.T) {
	aus := []AccessUnit{
		{nalAUD, nalSPS, nalPPS, nalIDR},
		{nalAUD, nalSlice},
		{nalAUD, nalSlice},
		{nalAUD, nalSlice, nalEOS},
	}

	testCases := []struct {
		Name    string
		Decoder Decoder
		// Pushes lists the push index of each emitted frame.
		Pushes []int
	}{
		{
			Name:    "One Frame Delay",
			Decoder: &recorder{Delay: 1},
			Pushes:  []int{0, 1, 2, 3},
		},
		{
			Name:    "Reordering Decoder",
			Decoder: &swapper{},
			Pushes:  []int{1, 0, 3, 2},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			frames, _ := reconstruct(t, testCase.Decoder, [][]byte{stream(aus...)})

			var pushes []int
			for i, frame := range frames {
				if frame.Sequence != uint64(i) {
					t.Fatalf("frame %d has sequence %d", i, frame.Sequence)
				}
				pushes = append(pushes, frame.Width)
			}
			if diff := cmp.Diff(testCase.Pushes, pushes); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestReconstructorDecodeError(t *testing.T) {
	aus := []AccessUnit{
		{nalAUD, nalSPS, nalPPS, nalIDR},
		{nalAUD, nalSlice},
		{nalAUD, nalSlice, nalEOS},
	}

	dec := &recorder{Fail: map[int]bool{1: true}}
	frames, reports := reconstruct(t, dec, [][]byte{stream(aus...)})

	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[1].Sequence != 1 {
		t.Fatalf("expected gapless sequence, got %d", frames[1].Sequence)
	}
	if len(reports) != 1 || !errors.Is(reports[0], ErrDecode) {
		t.Fatalf("expected one decode report, got %v", reports)
	}
}

func TestReconstructorDecoderUnavailable(t *testing.T) {
	_, err := NewGstDecoder()
	if err == nil {
		t.Skip("gstreamer backend compiled in")
	}
	if !errors.Is(err, ErrDecoderUnavailable) {
		t.Fatalf("expected ErrDecoderUnavailable, got %v", err)
	}
}

func TestFrameImage(t *testing.T) {
	frame := Frame{
		Width:  2,
		Height: 2,
		Stride: 8,
		Pix: []byte{
			1, 2, 3, 4, 5, 6, 0, 0,
			7, 8, 9, 10, 11, 12, 0, 0,
		},
	}

	img := frame.Image()
	expected := []byte{
		1, 2, 3, 0xff, 4, 5, 6, 0xff,
		7, 8, 9, 0xff, 10, 11, 12, 0xff,
	}
	if diff := cmp.Diff(expected, img.Pix); diff != "" {
		t.Fatal(diff)
	}
}

func nalSEI() []byte {
	return []byte{0x06, 0x05, 0x01, 0xaa, 0x80}
}

func seq(from, to int) []int {
	var out []int
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func sortInts(v []int) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1] > v[j]; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}
