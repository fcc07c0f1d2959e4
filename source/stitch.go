package source

import (
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strconv"
)

// Slice locates one physical slice inside the virtual stream.
type Slice struct {
	ID     int
	Offset int64
	Length int64
}

// SliceIndex maps virtual offsets to slices. It is ordered by Offset.
type SliceIndex []Slice

// locate returns the index of the first slice ending after off, or len(idx).
// Zero-length slices are never returned for an in-range offset.
func (idx SliceIndex) locate(off int64) int {
	return sort.Search(len(idx), func(i int) bool {
		return idx[i].Offset+idx[i].Length > off
	})
}

// Stitcher presents ordered slices as a single Source. The index is built once at
// construction and never changes.
type Stitcher struct {
	slices []Source
	index  SliceIndex
	size   int64
}

// NewStitcher queries each slice's size exactly once. Slices must already be in
// stream order (see OrderSlices).
func NewStitcher(slices ...Source) (*Stitcher, error) {
	if len(slices) == 0 {
		return nil, errNoSlices
	}

	s := &Stitcher{
		slices: slices,
		index:  make(SliceIndex, len(slices)),
	}
	for i, slice := range slices {
		length := slice.Size()
		if length < 0 {
			return nil, fmt.Errorf("slice %d reports negative size %d", i, length)
		}

		s.index[i] = Slice{ID: i, Offset: s.size, Length: length}
		s.size += length
	}

	return s, nil
}

func (s *Stitcher) Size() int64 {
	return s.size
}

// Index returns a copy of the slice index.
func (s *Stitcher) Index() SliceIndex {
	idx := make(SliceIndex, len(s.index))
	copy(idx, s.index)
	return idx
}

func (s *Stitcher) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= s.size {
		return 0, io.EOF
	}

	var n int
	for i := s.index.locate(off); n < len(p) && i < len(s.index); i++ {
		slice := s.index[i]
		local := off + int64(n) - slice.Offset

		want := int64(len(p) - n)
		if rest := slice.Length - local; rest < want {
			want = rest
		}
		if want <= 0 {
			continue
		}

		m, err := s.slices[i].ReadAt(p[n:n+int(want)], local)
		n += m
		if err == io.EOF && int64(m) == want {
			err = nil
		}
		if err == io.EOF {
			return n, fmt.Errorf("%w: slice %d is shorter than its reported size", ErrSourceUnavailable, slice.ID)
		}
		if err != nil {
			return n, err
		}
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

var sliceSuffix = regexp.MustCompile(`(\d+)(\.[A-Za-z][A-Za-z0-9]*)?$`)

// OrderSlices sorts slice names by the ascending numeric suffix of their base name,
// e.g. "run.mcap.0", "run.mcap.1", ... or "run_0.mcap", "run_1.mcap". A single name
// needs no suffix.
func OrderSlices(names []string) ([]string, error) {
	if len(names) == 1 {
		return []string{names[0]}, nil
	}

	type numbered struct {
		name string
		num  uint64
	}

	items := make([]numbered, 0, len(names))
	for _, name := range names {
		m := sliceSuffix.FindStringSubmatch(path.Base(name))
		if m == nil {
			return nil, fmt.Errorf("slice %q has no numeric suffix", name)
		}

		num, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("slice %q: %w", name, err)
		}
		items = append(items, numbered{name: name, num: num})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].num < items[j].num
	})

	ordered := make([]string, len(items))
	for i, item := range items {
		if i > 0 && items[i-1].num == item.num {
			return nil, fmt.Errorf("slices %q and %q share suffix %d", items[i-1].name, item.name, item.num)
		}
		ordered[i] = item.name
	}

	return ordered, nil
}
