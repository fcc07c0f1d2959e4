package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/k0kubun/pp"
	mcapx "github.com/lherman-cs/go-mcapx"
)

func runSummary(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "YAML job file")
		verbose    = fs.Bool("v", false, "dump full channel descriptors")
		linear     = fs.Bool("linear", false, "ignore the summary section and count messages")
	)
	if err := fs.Parse(args); err != nil {
		return err
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

	opts := []mcapx.DecoderOption{mcapx.WithDiagnostics(mcapx.SlogSink{})}
	if *linear || cfg.LinearScan {
		opts = append(opts, mcapx.WithoutIndex())
	}
	dec, err := mcapx.NewDecoder(src, src.Size(), opts...)
	if err != nil {
		return err
	}

	summaries, err := mcapx.Summarize(dec)
	if err != nil {
		return err
	}

	if *verbose {
		pp.Println(dec.Header())
		pp.Println(dec.Registry().Channels())
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOPIC\tSCHEMA\tENCODING\tKIND\tMESSAGES")
	for _, s := range summaries {
		count := fmt.Sprint(s.MessageCount)
		if !s.CountKnown {
			count = "?"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", s.ChannelID, s.Topic, s.SchemaName, s.Encoding, s.Kind, count)
	}
	return tw.Flush()
}
