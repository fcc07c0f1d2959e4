// Command mcapx extracts images, video frames and point clouds from MCAP logs.
//
// Usage:
//
//	mcapx extract [flags] <log or slices...>
//	mcapx summary [flags] <log or slices...>
//	mcapx trim -o out.mcap [flags] <log or slices...>
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{name: "extract", usage: "write every supported topic as media files", run: runExtract},
	{name: "summary", usage: "list topics, schemas and message counts", run: runSummary},
	{name: "trim", usage: "copy a time window into a new MCAP file", run: runTrim},
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(os.Getenv("LOG_LEVEL"))})))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, cmd := range commands {
		if cmd.name != os.Args[1] {
			continue
		}
		if err := cmd.run(ctx, os.Args[2:]); err != nil {
			slog.Error("mcapx: "+cmd.name+" failed", "error", err)
			stop()
			os.Exit(1)
		}
		return
	}

	usage()
	os.Exit(2)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mcapx <command> [flags] <log or slices...>")
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", cmd.name, cmd.usage)
	}
}

// logLevel parses LOG_LEVEL. Unknown values fall back to info.
func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
