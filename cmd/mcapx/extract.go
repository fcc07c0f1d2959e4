package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"strings"

	mcapx "github.com/lherman-cs/go-mcapx"
	"github.com/lherman-cs/go-mcapx/extract"
	"github.com/lherman-cs/go-mcapx/h264"
	"github.com/lherman-cs/go-mcapx/internal/config"
	"github.com/lherman-cs/go-mcapx/output"
	"github.com/lherman-cs/go-mcapx/pcd"
)

func runExtract(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	var (
		configPath  = fs.String("config", "", "YAML job file")
		outDir      = fs.String("o", "", "output directory")
		topics      = fs.String("topics", "", "comma separated topics (default: all supported)")
		start       = fs.Uint64("start", 0, "first log time in nanoseconds")
		end         = fs.Uint64("end", 0, "last log time in nanoseconds (0: open)")
		imageFormat = fs.String("image-format", "", "jpeg or png")
		pcdFormat   = fs.String("pcd-format", "", "ascii or binary")
		rawClouds   = fs.Bool("raw-point-clouds", false, "also write point data as .bin")
		linear      = fs.Bool("linear", false, "ignore the summary section")
		report      = fs.Bool("report", false, "write report.cbor into the output directory")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := inputConfig(*configPath, fs.Args())
	if err != nil {
		return err
	}

	// Flags override the job file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "o":
			cfg.Output.Dir = *outDir
		case "topics":
			cfg.Topics = splitList(*topics)
		case "start":
			cfg.Window.Start = *start
		case "end":
			cfg.Window.End = *end
		case "image-format":
			cfg.Output.ImageFormat = *imageFormat
		case "pcd-format":
			cfg.Output.PCDFormat = *pcdFormat
		case "raw-point-clouds":
			cfg.Output.RawPointClouds = *rawClouds
		case "linear":
			cfg.LinearScan = *linear
		case "report":
			cfg.Output.Report = *report
		}
	})
	if err := config.Validate(cfg); err != nil {
		return err
	}

	src, closeInput, err := openInput(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeInput()

	imgFormat, _ := output.ParseImageFormat(cfg.Output.ImageFormat)
	cloudFormat, _ := pcd.ParseFormat(cfg.Output.PCDFormat)
	w, err := output.NewFileWriter(output.Options{
		Root:           cfg.Output.Dir,
		ImageFormat:    imgFormat,
		JPEGQuality:    cfg.Output.JPEGQuality,
		PCDFormat:      cloudFormat,
		RawPointClouds: cfg.Output.RawPointClouds,
	})
	if err != nil {
		return err
	}

	result, runErr := extract.Run(ctx, src, w, extract.Options{
		Topics:          cfg.Topics,
		Start:           cfg.Window.Start,
		End:             cfg.Window.End,
		WithoutIndex:    cfg.LinearScan,
		NewVideoDecoder: h264.NewGstDecoder,
		Diagnostics:     mcapx.SlogSink{Logger: slog.Default()},
		QueueSize:       cfg.QueueSize,
	})

	for _, topic := range result.Topics {
		slog.Info("mcapx: topic",
			"topic", topic.Topic,
			"status", topic.Status,
			"records", topic.Records,
			"written", topic.Written,
			"malformed", topic.Malformed,
			"skipped", topic.Skipped,
			"corrupt", topic.Corrupt,
		)
	}
	slog.Info("mcapx: extraction finished",
		"run_id", result.RunID,
		"indexed", result.Indexed,
		"written", result.Written(),
		"corrupt_chunks", result.CorruptChunks,
		"elapsed", result.Finished.Sub(result.Started),
	)

	if cfg.Output.Report {
		if err := (output.ReportWriter{Root: cfg.Output.Dir}).Write(result); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	return runErr
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
