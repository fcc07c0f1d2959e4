package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lherman-cs/go-mcapx/source"
)

// Config is an extraction job.
type Config struct {
	Input  InputConfig  `yaml:"input"`
	Output OutputConfig `yaml:"output"`
	// Topics to extract; empty extracts every supported topic.
	Topics []string     `yaml:"topics"`
	Window WindowConfig `yaml:"window"`
	Retry  RetryConfig  `yaml:"retry"`
	S3     S3Config     `yaml:"s3"`
	// LinearScan ignores the summary section.
	LinearScan bool `yaml:"linear_scan"`
	QueueSize  int  `yaml:"queue_size"`
}

// InputConfig lists the log. Several paths are slices of one log and are
// ordered by their numeric suffix. A path of the form s3://bucket/key reads an
// object; s3://bucket/prefix/ reads every object below the prefix as slices.
type InputConfig struct {
	Paths []string `yaml:"paths"`
}

type OutputConfig struct {
	Dir            string `yaml:"dir"`
	ImageFormat    string `yaml:"image_format"` // jpeg, png
	JPEGQuality    int    `yaml:"jpeg_quality"`
	PCDFormat      string `yaml:"pcd_format"` // ascii, binary
	RawPointClouds bool   `yaml:"raw_point_clouds"`
	// Report writes report.cbor into Dir.
	Report bool `yaml:"report"`
}

// WindowConfig bounds log time in nanoseconds since the epoch. End 0 is open.
type WindowConfig struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

type RetryConfig struct {
	Attempts       int `yaml:"attempts"`
	InitialDelayMS int `yaml:"initial_delay_ms"`
	MaxDelayMS     int `yaml:"max_delay_ms"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// Default returns a job with every default filled in and no input.
func Default() *Config {
	retry := source.DefaultRetryConfig()
	return &Config{
		Output: OutputConfig{
			Dir:         "output",
			ImageFormat: "jpeg",
			JPEGQuality: 90,
			PCDFormat:   "ascii",
		},
		Retry: RetryConfig{
			Attempts:       retry.Attempts,
			InitialDelayMS: int(retry.InitialDelay / time.Millisecond),
			MaxDelayMS:     int(retry.MaxDelay / time.Millisecond),
		},
		S3: S3Config{Secure: true},
	}
}

// Load reads a YAML job file on top of Default, applies the environment and
// validates the result. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv fills S3 settings left empty from S3_ENDPOINT, S3_REGION,
// S3_ACCESS_KEY and S3_SECRET_KEY.
func ApplyEnv(cfg *Config) {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	fill(&cfg.S3.Endpoint, "S3_ENDPOINT")
	fill(&cfg.S3.Region, "S3_REGION")
	fill(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	fill(&cfg.S3.SecretKey, "S3_SECRET_KEY")
}

// RetryPolicy converts the retry settings for source.Retry.
func (cfg *Config) RetryPolicy() source.RetryConfig {
	return source.RetryConfig{
		Attempts:     cfg.Retry.Attempts,
		InitialDelay: time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
	}
}

// ObjectStore returns the S3 endpoint settings.
func (cfg *Config) ObjectStore() source.ObjectStore {
	return source.ObjectStore{
		Endpoint:  cfg.S3.Endpoint,
		Region:    cfg.S3.Region,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Secure:    cfg.S3.Secure,
	}
}
