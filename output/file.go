// Package output writes extracted artifacts as conventional media files.
package output

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	mcapx "github.com/lherman-cs/go-mcapx"
	"github.com/lherman-cs/go-mcapx/extract"
	"github.com/lherman-cs/go-mcapx/pcd"
)

type ImageFormat uint8

const (
	JPEG ImageFormat = iota
	PNG
)

const defaultJPEGQuality = 90

var (
	errUnknownImageFormat = errors.New("unknown image format")
	errUnknownArtifact    = errors.New("unknown artifact")
)

// ParseImageFormat accepts "jpeg", "jpg" or "png".
func ParseImageFormat(s string) (ImageFormat, error) {
	switch strings.ToLower(s) {
	case "jpeg", "jpg", "":
		return JPEG, nil
	case "png":
		return PNG, nil
	}
	return 0, fmt.Errorf("%w: %q", errUnknownImageFormat, s)
}

func (f ImageFormat) String() string {
	if f == PNG {
		return "png"
	}
	return "jpeg"
}

func (f ImageFormat) ext() string {
	if f == PNG {
		return ".png"
	}
	return ".jpg"
}

type Options struct {
	Root        string
	ImageFormat ImageFormat
	// JPEGQuality defaults to 90.
	JPEGQuality int
	PCDFormat   pcd.Format
	// RawPointClouds also stores the point data of each cloud as <seq>.bin.
	RawPointClouds bool
}

// FileWriter stores every artifact under Root/<topic>/<seq>.<ext>. Files are
// written to a temporary name and renamed into place, so a file that exists is
// complete.
type FileWriter struct {
	opts Options

	mu   sync.Mutex
	dirs map[string]string
}

var _ extract.Writer = (*FileWriter)(nil)

func NewFileWriter(opts Options) (*FileWriter, error) {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = defaultJPEGQuality
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, err
	}
	return &FileWriter{opts: opts, dirs: make(map[string]string)}, nil
}

func (w *FileWriter) Write(topic string, seq uint64, artifact extract.Artifact) error {
	dir, err := w.dir(topic)
	if err != nil {
		return err
	}
	base := filepath.Join(dir, fmt.Sprintf("%06d", seq))

	if artifact.Frame != nil {
		return w.writeImage(base, artifact.Frame.Image())
	}

	switch msg := artifact.Message.(type) {
	case *mcapx.Image:
		img, err := ToImage(msg)
		if errors.Is(err, errUnsupportedEncoding) {
			return writeFile(base+".bin", msg.Data)
		}
		if err != nil {
			return err
		}
		return w.writeImage(base, img)

	case *mcapx.CompressedImage:
		return writeFile(base+"."+formatExt(msg.Format), msg.Data)

	case *mcapx.PointCloud:
		err := writeAtomic(base+".pcd", func(f io.Writer) error {
			return pcd.Write(f, msg, w.opts.PCDFormat)
		})
		if err != nil || !w.opts.RawPointClouds {
			return err
		}
		return writeFile(base+".bin", msg.Data)
	}
	return fmt.Errorf("%w: %T", errUnknownArtifact, artifact.Message)
}

// Dir returns the directory of topic below Root.
func (w *FileWriter) Dir(topic string) string {
	return filepath.Join(w.opts.Root, topicPath(topic))
}

func (w *FileWriter) dir(topic string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if dir, ok := w.dirs[topic]; ok {
		return dir, nil
	}
	dir := w.Dir(topic)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	w.dirs[topic] = dir
	return dir, nil
}

func (w *FileWriter) writeImage(base string, img image.Image) error {
	return writeAtomic(base+w.opts.ImageFormat.ext(), func(f io.Writer) error {
		if w.opts.ImageFormat == PNG {
			return png.Encode(f, img)
		}
		return jpeg.Encode(f, img, &jpeg.Options{Quality: w.opts.JPEGQuality})
	})
}

// topicPath maps a topic name to a relative path that stays below the root.
func topicPath(topic string) string {
	var parts []string
	for _, part := range strings.Split(topic, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			part = "_"
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return "_"
	}
	return filepath.Join(parts...)
}

// formatExt picks a file extension for a compressed image format string such as
// "jpeg" or "rgb8; png compressed bgr8".
func formatExt(format string) string {
	format = strings.ToLower(format)
	switch {
	case strings.Contains(format, "jpeg"), strings.Contains(format, "jpg"):
		return "jpg"
	case strings.Contains(format, "png"):
		return "png"
	case strings.Contains(format, "h264"), strings.Contains(format, "h.264"):
		return "h264"
	case strings.Contains(format, "h265"), strings.Contains(format, "hevc"):
		return "h265"
	}
	return "bin"
}

func writeFile(name string, data []byte) error {
	return writeAtomic(name, func(f io.Writer) error {
		_, err := f.Write(data)
		return err
	})
}

func writeAtomic(name string, write func(io.Writer) error) error {
	f, err := os.CreateTemp(filepath.Dir(name), ".partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	bw := bufio.NewWriterSize(f, 1<<16)
	if err := write(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), name)
}
