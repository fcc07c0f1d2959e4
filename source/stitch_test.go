package source

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	fuzz "github.com/google/gofuzz"
)

func makeSlices(lengths []int) ([]Source, []byte) {
	var whole []byte
	slices := make([]Source, len(lengths))
	for i, length := range lengths {
		b := make([]byte, length)
		for j := range b {
			b[j] = byte(len(whole) + j*7 + i)
		}
		whole = append(whole, b...)
		slices[i] = bytes.NewReader(b)
	}
	return slices, whole
}

func TestStitcherRead(t *testing.T) {
	testCases := []struct {
		Name    string
		Lengths []int
		Off     int64
		Len     int
	}{
		{Name: "Single Slice Identity", Lengths: []int{10}, Off: 2, Len: 5},
		{Name: "Within First Slice", Lengths: []int{4, 4, 4}, Off: 0, Len: 4},
		{Name: "Straddle One Boundary", Lengths: []int{4, 4, 4}, Off: 3, Len: 2},
		{Name: "Straddle Two Boundaries", Lengths: []int{4, 4, 4}, Off: 3, Len: 6},
		{Name: "Whole Stream", Lengths: []int{4, 4, 4}, Off: 0, Len: 12},
		{Name: "Starts At Boundary", Lengths: []int{4, 4, 4}, Off: 8, Len: 4},
		{Name: "Zero Length Slice In The Middle", Lengths: []int{3, 0, 0, 5}, Off: 1, Len: 6},
		{Name: "Zero Length Read", Lengths: []int{3, 5}, Off: 3, Len: 0},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			slices, whole := makeSlices(testCase.Lengths)
			s, err := NewStitcher(slices...)
			if err != nil {
				t.Fatal(err)
			}

			p := make([]byte, testCase.Len)
			n, err := s.ReadAt(p, testCase.Off)
			if err != nil {
				t.Fatal(err)
			}
			if n != testCase.Len {
				t.Fatalf("expected %d bytes, got %d", testCase.Len, n)
			}

			expected := whole[testCase.Off : testCase.Off+int64(testCase.Len)]
			if diff := cmp.Diff(expected, p); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestStitcherReadMatchesConcatenation(t *testing.T) {
	f := fuzz.NewWithSeed(7).NilChance(0).NumElements(1, 8)

	for iter := 0; iter < 100; iter++ {
		var raw []uint8
		f.Fuzz(&raw)

		lengths := make([]int, len(raw))
		for i, l := range raw {
			lengths[i] = int(l % 64)
		}

		slices, whole := makeSlices(lengths)
		s, err := NewStitcher(slices...)
		if err != nil {
			t.Fatal(err)
		}
		if s.Size() != int64(len(whole)) {
			t.Fatalf("size %d, expected %d", s.Size(), len(whole))
		}
		if len(whole) == 0 {
			continue
		}

		check := func(off int64, length int) {
			p := make([]byte, length)
			n, err := s.ReadAt(p, off)
			if err != nil {
				t.Fatalf("lengths %v off %d len %d: %v", lengths, off, length, err)
			}
			if diff := cmp.Diff(whole[off:off+int64(n)], p[:n]); diff != "" {
				t.Fatalf("lengths %v off %d len %d: %s", lengths, off, length, diff)
			}
		}

		// every boundary straddle
		for _, slice := range s.Index() {
			if slice.Offset > 0 && slice.Offset < int64(len(whole)) {
				check(slice.Offset-1, 2)
			}
		}

		for k := 0; k < 20; k++ {
			var a, b uint16
			f.Fuzz(&a)
			f.Fuzz(&b)
			off := int64(a) % int64(len(whole))
			length := int(b) % (len(whole) - int(off) + 1)
			check(off, length)
		}
	}
}

func TestStitcherReadPastEnd(t *testing.T) {
	slices, whole := makeSlices([]int{3, 3})
	s, err := NewStitcher(slices...)
	if err != nil {
		t.Fatal(err)
	}

	p := make([]byte, 4)
	n, err := s.ReadAt(p, 4)
	if err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if diff := cmp.Diff(whole[4:], p[:n]); diff != "" {
		t.Fatal(diff)
	}

	if _, err := s.ReadAt(p, 6); err != io.EOF {
		t.Fatalf("expected io.EOF at end, got %v", err)
	}
}

type lyingSource struct {
	*bytes.Reader
	claimed int64
}

func (s lyingSource) Size() int64 {
	return s.claimed
}

func TestStitcherShortSlice(t *testing.T) {
	short := lyingSource{Reader: bytes.NewReader([]byte{1, 2}), claimed: 4}
	s, err := NewStitcher(short, bytes.NewReader([]byte{3, 4}))
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.ReadAt(make([]byte, 5), 0)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestNewStitcherNoSlices(t *testing.T) {
	if _, err := NewStitcher(); err == nil {
		t.Fatal("expected to fail")
	}
}

func TestOrderSlices(t *testing.T) {
	testCases := []struct {
		Name     string
		In       []string
		Expected []string
		Fail     bool
	}{
		{
			Name:     "Trailing Number",
			In:       []string{"run.mcap.10", "run.mcap.2", "run.mcap.0"},
			Expected: []string{"run.mcap.0", "run.mcap.2", "run.mcap.10"},
		},
		{
			Name:     "Number Before Extension",
			In:       []string{"bucket/run_3.mcap", "bucket/run_1.mcap", "bucket/run_2.mcap"},
			Expected: []string{"bucket/run_1.mcap", "bucket/run_2.mcap", "bucket/run_3.mcap"},
		},
		{
			Name:     "Single Name Without Suffix",
			In:       []string{"recording.mcap"},
			Expected: []string{"recording.mcap"},
		},
		{
			Name: "Missing Suffix",
			In:   []string{"a.mcap", "b.mcap"},
			Fail: true,
		},
		{
			Name: "Duplicate Suffix",
			In:   []string{"a_1.mcap", "b_1.mcap"},
			Fail: true,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.Name, func(t *testing.T) {
			actual, err := OrderSlices(testCase.In)
			if testCase.Fail {
				if err == nil {
					t.Fatal("expected to fail")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(testCase.Expected, actual); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}
