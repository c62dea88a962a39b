package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/meigma/rangefs"
	"github.com/meigma/rangefs/cache"
)

// config is the mount configuration. Values come from the optional YAML
// file first; flags set on the command line override them.
type config struct {
	BaseURL     string            `yaml:"base_url"`
	Mountpoint  string            `yaml:"mountpoint"`
	Manifest    string            `yaml:"manifest"`
	BlockSize   int64             `yaml:"block_size"`
	CacheDir    string            `yaml:"cache_dir"`
	Headers     map[string]string `yaml:"headers"`
	MetricsAddr string            `yaml:"metrics_addr"`
	LogLevel    string            `yaml:"log_level"`
	AllowOther  bool              `yaml:"allow_other"`
	Debug       bool              `yaml:"debug"`
}

func defaultConfig() config {
	return config{
		Manifest:  rangefs.DefaultManifestName,
		BlockSize: cache.DefaultBlockSize,
		LogLevel:  "info",
	}
}

// loadConfigFile merges the YAML file at path into cfg.
func loadConfigFile(cfg *config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // user-provided config path
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// flagValues holds the raw flag values before they are merged.
type flagValues struct {
	configPath  string
	manifest    string
	blockSize   int64
	cacheDir    string
	headers     []string
	metricsAddr string
	logLevel    string
	allowOther  bool
	debug       bool
}

func (f *flagValues) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "YAML config file")
	flagSet.StringVar(&f.manifest, "manifest", rangefs.DefaultManifestName, "listing file name relative to the base URL")
	flagSet.Int64Var(&f.blockSize, "block-size", cache.DefaultBlockSize, "cache block size in bytes")
	flagSet.StringVar(&f.cacheDir, "cache-dir", "", "persist fetched blocks in this directory")
	flagSet.StringArrayVar(&f.headers, "header", nil, "extra request header as \"Key: Value\" (repeatable)")
	flagSet.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flagSet.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&f.allowOther, "allow-other", false, "allow other users to access the mount")
	flagSet.BoolVar(&f.debug, "debug", false, "log every FUSE request")
}

// buildConfig merges defaults, the config file, flags and positional
// arguments, in that order of precedence.
func buildConfig(flagSet *pflag.FlagSet, f *flagValues) (config, error) {
	cfg := defaultConfig()
	if f.configPath != "" {
		if err := loadConfigFile(&cfg, f.configPath); err != nil {
			return config{}, err
		}
	}

	if flagSet.Changed("manifest") {
		cfg.Manifest = f.manifest
	}
	if flagSet.Changed("block-size") {
		cfg.BlockSize = f.blockSize
	}
	if flagSet.Changed("cache-dir") {
		cfg.CacheDir = f.cacheDir
	}
	if flagSet.Changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if flagSet.Changed("allow-other") {
		cfg.AllowOther = f.allowOther
	}
	if flagSet.Changed("debug") {
		cfg.Debug = f.debug
	}
	for _, h := range f.headers {
		key, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(key) == "" {
			return config{}, fmt.Errorf("invalid --header %q: want \"Key: Value\"", h)
		}
		if cfg.Headers == nil {
			cfg.Headers = make(map[string]string)
		}
		cfg.Headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	args := flagSet.Args()
	if len(args) > 2 {
		return config{}, fmt.Errorf("unexpected argument: %s", args[2])
	}
	if len(args) > 0 {
		cfg.BaseURL = args[0]
	}
	if len(args) > 1 {
		cfg.Mountpoint = args[1]
	}

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) validate() error {
	switch {
	case c.BaseURL == "":
		return errors.New("base URL is required")
	case c.Mountpoint == "":
		return errors.New("mountpoint is required")
	case c.BlockSize <= 0:
		return fmt.Errorf("block size must be > 0, got %d", c.BlockSize)
	}
	_, err := c.level()
	return err
}

func (c *config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}
