package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lherman-cs/go-mcapx/internal/config"
	"github.com/lherman-cs/go-mcapx/source"
)

// openInput resolves the configured paths to one Source. Local directories and
// s3:// prefixes expand to their slices; several slices are stitched in the
// order of their numeric suffix. Every slice is wrapped with the retry policy.
func openInput(ctx context.Context, cfg *config.Config) (source.Source, func(), error) {
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	names, err := expandPaths(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if len(names) > 1 {
		if names, err = source.OrderSlices(names); err != nil {
			return nil, nil, err
		}
	}

	slices := make([]source.Source, 0, len(names))
	for _, name := range names {
		src, closer, err := openSlice(ctx, cfg, name)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		slices = append(slices, source.Retry(ctx, src, cfg.RetryPolicy()))
	}

	stitched, err := source.NewStitcher(slices...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	slog.Info("mcapx: opened input",
		"slices", len(names),
		"size", stitched.Size(),
	)
	return stitched, closeAll, nil
}

func expandPaths(ctx context.Context, cfg *config.Config) ([]string, error) {
	var names []string
	for _, path := range cfg.Input.Paths {
		if config.IsObjectPath(path) {
			bucket, key, err := config.ParseObjectPath(path)
			if err != nil {
				return nil, err
			}
			if !strings.HasSuffix(key, "/") {
				names = append(names, path)
				continue
			}

			client, err := source.NewObjectClient(cfg.ObjectStore())
			if err != nil {
				return nil, err
			}
			keys, err := source.ListObjects(ctx, client, bucket, key)
			if err != nil {
				return nil, err
			}
			if len(keys) == 0 {
				return nil, fmt.Errorf("no objects below %s", path)
			}
			for _, k := range keys {
				names = append(names, "s3://"+bucket+"/"+k)
			}
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			names = append(names, path)
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, entry := range entries {
			if !entry.IsDir() && strings.Contains(entry.Name(), ".mcap") {
				found = append(found, filepath.Join(path, entry.Name()))
			}
		}
		if len(found) == 0 {
			return nil, fmt.Errorf("no mcap slices in %s", path)
		}
		sort.Strings(found)
		names = append(names, found...)
	}

	if len(names) == 0 {
		return nil, errors.New("no input")
	}
	return names, nil
}

func openSlice(ctx context.Context, cfg *config.Config, name string) (source.Source, func() error, error) {
	if !config.IsObjectPath(name) {
		f, err := source.OpenFile(name)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}

	bucket, key, err := config.ParseObjectPath(name)
	if err != nil {
		return nil, nil, err
	}
	client, err := source.NewObjectClient(cfg.ObjectStore())
	if err != nil {
		return nil, nil, err
	}
	obj, err := source.OpenObject(ctx, client, bucket, key)
	if err != nil {
		return nil, nil, err
	}
	return obj, nil, nil
}

// inputConfig builds a job from the config file named by path, or from
// defaults, with args as input paths when given.
func inputConfig(path string, args []string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
		config.ApplyEnv(cfg)
	}

	if len(args) > 0 {
		cfg.Input.Paths = args
	}
	return cfg, nil
}
