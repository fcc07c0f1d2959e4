// Package source provides byte-range access to recorded logs. A log may live in a
// local file or in an object store, and may be split into numbered slices which a
// Stitcher presents as one logical stream.
package source

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrSourceUnavailable marks an I/O or transport fault. Callers may retry.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrRetriesExhausted is joined with ErrSourceUnavailable once a Retry wrapper
	// gives up.
	ErrRetriesExhausted = errors.New("retries exhausted")

	errNegativeOffset = errors.New("negative offset")
	errNoSlices       = errors.New("no slices given")
)

// Source is a random-access, fixed-size byte range. ReadAt follows the io.ReaderAt
// contract and must be safe for concurrent use.
type Source interface {
	io.ReaderAt
	Size() int64
}

// File is a Source backed by a local file.
type File struct {
	f    *os.File
	name string
	size int64
}

// OpenFile opens name for ranged reads.
func OpenFile(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	return &File{f: f, name: name, size: info.Size()}, nil
}

func (file *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}

	n, err := file.f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, file.name, err)
	}
	return n, err
}

func (file *File) Size() int64 {
	return file.size
}

func (file *File) Name() string {
	return file.name
}

func (file *File) Close() error {
	return file.f.Close()
}
