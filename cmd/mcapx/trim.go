package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"

	mcapx "github.com/lherman-cs/go-mcapx"
)

func runTrim(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("trim", flag.ExitOnError)
	var (
		configPath  = fs.String("config", "", "YAML job file")
		out         = fs.String("o", "", "output MCAP file")
		start       = fs.Uint64("start", 0, "first log time in nanoseconds")
		end         = fs.Uint64("end", 0, "last log time in nanoseconds (0: open)")
		compression = fs.String("compression", "zstd", "chunk compression: none, lz4 or zstd")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("trim needs -o")
	}

	var chunkCompression mcapx.Compression
	switch *compression {
	case "none", "":
		chunkCompression = mcapx.CompressionNone
	case "lz4":
		chunkCompression = mcapx.CompressionLZ4
	case "zstd":
		chunkCompression = mcapx.CompressionZSTD
	default:
		return errors.New("unknown compression " + *compression)
	}

	cfg, err := inputConfig(*configPath, fs.Args())
	if err != nil {
		return err
	}
	src, closeInput, err := openInput(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeInput()

	dec, err := mcapx.NewDecoder(src, src.Size(),
		mcapx.WithDiagnostics(mcapx.SlogSink{}),
		mcapx.WithTimeRange(*start, *end),
	)
	if err != nil {
		return err
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, 1<<20)
	w, err := mcapx.NewWriter(bw, mcapx.WriterOptions{Compression: chunkCompression, Library: "mcapx"})
	if err != nil {
		return err
	}

	copied, err := mcapx.Trim(ctx, dec, w, *start, *end)
	if err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	slog.Info("mcapx: trimmed",
		"out", *out,
		"messages", copied,
	)
	return f.Close()
}
