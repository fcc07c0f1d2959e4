package config

import (
	"fmt"
	"strings"

	"github.com/lherman-cs/go-mcapx/output"
	"github.com/lherman-cs/go-mcapx/pcd"
)

// Validate checks cfg and fills the defaults of settings left at zero.
func Validate(cfg *Config) error {
	if len(cfg.Input.Paths) == 0 {
		return fmt.Errorf("input.paths is required")
	}

	remote := false
	for _, path := range cfg.Input.Paths {
		if path == "" {
			return fmt.Errorf("input.paths contains an empty path")
		}
		if IsObjectPath(path) {
			remote = true
			if _, _, err := ParseObjectPath(path); err != nil {
				return err
			}
		}
	}
	if remote && cfg.S3.Endpoint == "" {
		return fmt.Errorf("s3.endpoint is required for s3:// inputs")
	}

	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "output"
	}
	if _, err := output.ParseImageFormat(cfg.Output.ImageFormat); err != nil {
		return fmt.Errorf("output.image_format: %w", err)
	}
	if cfg.Output.JPEGQuality < 0 || cfg.Output.JPEGQuality > 100 {
		return fmt.Errorf("output.jpeg_quality must be within 0..100, got %d", cfg.Output.JPEGQuality)
	}
	if _, err := pcd.ParseFormat(cfg.Output.PCDFormat); err != nil {
		return fmt.Errorf("output.pcd_format: %w", err)
	}

	if cfg.Window.End != 0 && cfg.Window.End < cfg.Window.Start {
		return fmt.Errorf("window.end %d is before window.start %d", cfg.Window.End, cfg.Window.Start)
	}

	if cfg.Retry.Attempts < 0 || cfg.Retry.InitialDelayMS < 0 || cfg.Retry.MaxDelayMS < 0 {
		return fmt.Errorf("retry settings must not be negative")
	}
	if cfg.QueueSize < 0 {
		return fmt.Errorf("queue_size must not be negative")
	}

	seen := make(map[string]bool)
	for _, topic := range cfg.Topics {
		if topic == "" {
			return fmt.Errorf("topics contains an empty topic")
		}
		if seen[topic] {
			return fmt.Errorf("topic %s listed twice", topic)
		}
		seen[topic] = true
	}
	return nil
}

const objectScheme = "s3://"

// IsObjectPath reports whether path names an S3 object or prefix.
func IsObjectPath(path string) bool {
	return strings.HasPrefix(path, objectScheme)
}

// ParseObjectPath splits s3://bucket/key into bucket and key. A key ending in
// "/" is a prefix.
func ParseObjectPath(path string) (string, string, error) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(path, objectScheme), "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("object path %q must be s3://bucket/key", path)
	}
	return bucket, key, nil
}
