package mcapx

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	// maxChunkSize bounds the uncompressed size a chunk may declare.
	maxChunkSize = 1 << 31
	// expansionHint caps the output preallocated per compressed byte. The
	// declared size is not covered by the chunk crc.
	expansionHint = 16
)

var (
	errUnsupportedCompression = errors.New("unsupported compression algorithm. Available algorithms: [none, lz4, zstd]")
	errSizeMismatch           = errors.New("decompressed size mismatch")
	errCRCMismatch            = errors.New("crc mismatch")
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	// both are safe for concurrent use through DecodeAll and EncodeAll
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(maxChunkSize))
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))

	lz4ReaderPool = sync.Pool{
		New: func() interface{} {
			return lz4.NewReader(nil)
		},
	}
)

// decompressChunk returns the chunk's uncompressed records. The result never
// aliases chunk.Records.
func decompressChunk(chunk *RecordChunk) ([]byte, error) {
	if chunk.UncompressedSize > maxChunkSize {
		return nil, fmt.Errorf("%w: chunk declares %d uncompressed bytes", errSizeMismatch, chunk.UncompressedSize)
	}

	var out []byte
	var err error
	switch chunk.Compression {
	case CompressionNone:
		out = append([]byte(nil), chunk.Records...)
	case CompressionLZ4:
		r := lz4ReaderPool.Get().(*lz4.Reader)
		r.Reset(bytes.NewReader(chunk.Records))
		buf := bytes.NewBuffer(make([]byte, 0, sizeHint(chunk)))
		// one byte past the declared size exposes an oversized stream
		_, err = buf.ReadFrom(io.LimitReader(r, int64(chunk.UncompressedSize)+1))
		lz4ReaderPool.Put(r)
		out = buf.Bytes()
	case CompressionZSTD:
		out, err = zstdDecoder.DecodeAll(chunk.Records, make([]byte, 0, sizeHint(chunk)))
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedCompression, chunk.Compression)
	}
	if err != nil {
		return nil, err
	}

	if uint64(len(out)) != chunk.UncompressedSize {
		return nil, fmt.Errorf("%w: expected %d, got %d", errSizeMismatch, chunk.UncompressedSize, len(out))
	}
	if chunk.UncompressedCRC != 0 {
		if crc := crc32.ChecksumIEEE(out); crc != chunk.UncompressedCRC {
			return nil, fmt.Errorf("%w: expected %08x, got %08x", errCRCMismatch, chunk.UncompressedCRC, crc)
		}
	}
	return out, nil
}

func sizeHint(chunk *RecordChunk) int {
	hint := uint64(len(chunk.Records)) * expansionHint
	if chunk.UncompressedSize < hint {
		hint = chunk.UncompressedSize
	}
	return int(hint)
}

func compressRecords(compression Compression, records []byte) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return records, nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(records); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZSTD:
		return zstdEncoder.EncodeAll(records, nil), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedCompression, compression)
	}
}

// unwrapPayload strips the transport compression of a message payload. Raw
// channels are still sniffed for a zstd frame since recorders compress payloads
// opportunistically.
func unwrapPayload(encoding ChannelEncoding, payload []byte) ([]byte, error) {
	if encoding != EncodingCompressedTransport && !bytes.HasPrefix(payload, zstdMagic) {
		return payload, nil
	}
	return zstdDecoder.DecodeAll(payload, nil)
}
