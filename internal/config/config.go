// Package config loads the agent configuration, normalizes it into immutable
// source and sink specs and wires the agent from it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/engine"
	"github.com/MuchTitan/go-log-shipper/internal/filter"
	"github.com/MuchTitan/go-log-shipper/internal/util"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

const (
	StateMemory = "memory"
	StateSQLite = "sqlite"
	StateBolt   = "bolt"

	defaultCleanupDays = 3
	maxPathAttempts    = 10
)

// Config is the validated, normalized configuration.
type Config struct {
	System  SystemConfig
	Sources []internal.SourceSpec
	Sinks   []internal.SinkSpec
	Filters map[string]*filter.Grep // by source id, only sources with patterns
	BaseDir string
}

// SystemConfig holds system-wide configuration
type SystemConfig struct {
	LogLevel     string        `yaml:"log_level" toml:"log_level"`
	LogFile      string        `yaml:"log_file" toml:"log_file"`
	WatchMode    string        `yaml:"watch_mode" toml:"watch_mode"`
	PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	SpillDir     string        `yaml:"spill_dir" toml:"spill_dir"`
	MetricsAddr  string        `yaml:"metrics_addr" toml:"metrics_addr"`
	State        StateConfig   `yaml:"state" toml:"state"`
}

type StateConfig struct {
	Backend     string `yaml:"backend" toml:"backend"`
	Path        string `yaml:"path" toml:"path"`
	CleanupDays int    `yaml:"cleanup_days" toml:"cleanup_days"`
}

type fileConfig struct {
	System  SystemConfig            `yaml:"system" toml:"system"`
	Sources map[string]sourceConfig `yaml:"sources" toml:"sources"`
	Sinks   map[string]sinkConfig   `yaml:"sinks" toml:"sinks"`
}

type sourceConfig struct {
	Type       string   `yaml:"type" toml:"type"`
	Dir        string   `yaml:"dir" toml:"dir"`
	MaxBytes   *int     `yaml:"max_bytes" toml:"max_bytes"`
	DoneSuffix string   `yaml:"done_suffix" toml:"done_suffix"`
	Include    []string `yaml:"include" toml:"include"`
	Exclude    []string `yaml:"exclude" toml:"exclude"`
	Op         string   `yaml:"op" toml:"op"`
}

type batchConfig struct {
	MaxBytes       *int64 `yaml:"max_bytes" toml:"max_bytes"`
	MaxWaitSeconds *int64 `yaml:"max_wait_seconds" toml:"max_wait_seconds"`
}

type credentialsConfig struct {
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
	SessionToken    string `yaml:"session_token" toml:"session_token"`
}

type sinkConfig struct {
	Type        string       `yaml:"type" toml:"type"`
	Inputs      []string     `yaml:"inputs" toml:"inputs"`
	Format      string       `yaml:"format" toml:"format"`
	Compression string       `yaml:"compression" toml:"compression"`
	Batch       *batchConfig `yaml:"batch" toml:"batch"`

	// file and s3
	Dir    string `yaml:"dir" toml:"dir"`
	Prefix string `yaml:"prefix" toml:"prefix"`

	// s3
	Bucket       string             `yaml:"bucket" toml:"bucket"`
	Region       string             `yaml:"region" toml:"region"`
	Endpoint     string             `yaml:"endpoint" toml:"endpoint"`
	UsePathStyle bool               `yaml:"use_path_style_endpoint" toml:"use_path_style_endpoint"`
	Credentials  *credentialsConfig `yaml:"credentials" toml:"credentials"`

	// gelf
	Address string `yaml:"address" toml:"address"`
	Mode    string `yaml:"mode" toml:"mode"`
	Host    string `yaml:"host" toml:"host"`

	// splunk
	URL        string `yaml:"url" toml:"url"`
	Token      string `yaml:"token" toml:"token"`
	Index      string `yaml:"index" toml:"index"`
	SourceType string `yaml:"sourcetype" toml:"sourcetype"`
	VerifyTLS  *bool  `yaml:"verify_tls" toml:"verify_tls"`

	// stdout
	Colors bool `yaml:"colors" toml:"colors"`
}

func (c *SystemConfig) applyDefaults(baseDir string) {
	if c.WatchMode == "" {
		c.WatchMode = engine.WatchAuto
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.State.Backend == "" {
		c.State.Backend = StateMemory
	}
	if c.State.CleanupDays <= 0 {
		c.State.CleanupDays = defaultCleanupDays
	}
	if c.State.Backend != StateMemory {
		path := c.State.Path
		if path == "" {
			path = "logship-state." + c.State.Backend
		}
		c.State.Path = util.ResolvePath(path, baseDir)
	}
	if c.SpillDir != "" {
		c.SpillDir = util.ResolvePath(c.SpillDir, baseDir)
	}
	if c.LogFile != "" {
		c.LogFile = util.ResolvePath(c.LogFile, baseDir)
	}
}

func (c *SystemConfig) validate() error {
	switch c.WatchMode {
	case engine.WatchAuto, engine.WatchInotify, engine.WatchFsnotify, engine.WatchPoll:
	default:
		return invalid("system.watch_mode", "unknown watch mode %q", c.WatchMode)
	}
	switch c.State.Backend {
	case StateMemory, StateSQLite, StateBolt:
	default:
		return invalid("system.state.backend", "unknown backend %q", c.State.Backend)
	}
	return nil
}

// Load reads the config at path from fs. Files ending in .toml are parsed as
// TOML, everything else as YAML. Environment variables are expanded first.
func Load(fs afero.Fs, path string) (*Config, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Replace environment variables
	expanded := os.ExpandEnv(string(data))

	var raw fileConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return normalize(fs, raw, baseDir, time.Now())
}

func normalize(fs afero.Fs, raw fileConfig, baseDir string, now time.Time) (*Config, error) {
	cfg := &Config{
		System:  raw.System,
		Filters: make(map[string]*filter.Grep),
		BaseDir: baseDir,
	}
	cfg.System.applyDefaults(baseDir)
	if err := cfg.System.validate(); err != nil {
		return nil, err
	}

	dirs := make(map[string]string, len(raw.Sources))
	for _, id := range sortedKeys(raw.Sources) {
		src, grep, err := normalizeSource(id, raw.Sources[id], baseDir)
		if err != nil {
			return nil, err
		}
		// file state is keyed by path, so one dir can feed only one source
		dir := filepath.Clean(src.Dir)
		if other, dup := dirs[dir]; dup {
			return nil, invalid("sources."+id+".dir", "dir %s is already watched by source %s", dir, other)
		}
		dirs[dir] = id
		cfg.Sources = append(cfg.Sources, src)
		if !grep.Empty() {
			cfg.Filters[id] = grep
		}
	}

	for _, id := range sortedKeys(raw.Sinks) {
		sink, err := normalizeSink(fs, id, raw.Sinks[id], raw.Sources, baseDir, now)
		if err != nil {
			return nil, err
		}
		cfg.Sinks = append(cfg.Sinks, sink)
	}
	return cfg, nil
}

func normalizeSource(id string, raw sourceConfig, baseDir string) (internal.SourceSpec, *filter.Grep, error) {
	at := "sources." + id
	if raw.Type != internal.SourceTypeFile {
		return internal.SourceSpec{}, nil, invalid(at+".type", "unsupported source type %q", raw.Type)
	}
	if raw.Dir == "" {
		return internal.SourceSpec{}, nil, invalid(at+".dir", "dir is required")
	}

	spec := internal.SourceSpec{
		ID:         id,
		Type:       raw.Type,
		Dir:        util.ResolvePath(raw.Dir, baseDir),
		DoneSuffix: raw.DoneSuffix,
		Include:    raw.Include,
		Exclude:    raw.Exclude,
		Op:         raw.Op,
	}
	if raw.MaxBytes != nil {
		if *raw.MaxBytes <= 0 {
			return internal.SourceSpec{}, nil, invalid(at+".max_bytes", "must be positive")
		}
		spec.MaxBytes = *raw.MaxBytes
	}
	if spec.DoneSuffix == "" {
		spec.DoneSuffix = internal.DefaultDoneSuffix
	}
	if spec.Op == "" {
		spec.Op = filter.OpAnd
	}

	grep, err := filter.NewGrep(spec.Include, spec.Exclude, spec.Op)
	if err != nil {
		return internal.SourceSpec{}, nil, invalid(at, "%v", err)
	}
	return spec, grep, nil
}

func normalizeSink(fs afero.Fs, id string, raw sinkConfig, sources map[string]sourceConfig, baseDir string, now time.Time) (internal.SinkSpec, error) {
	at := "sinks." + id

	if len(raw.Inputs) == 0 {
		return internal.SinkSpec{}, invalid(at+".inputs", "at least one input is required")
	}
	for _, in := range raw.Inputs {
		if _, ok := sources[in]; !ok {
			return internal.SinkSpec{}, invalid(at+".inputs", "unknown source %q", in)
		}
	}

	spec := internal.SinkSpec{
		ID:          id,
		Type:        raw.Type,
		Inputs:      raw.Inputs,
		Format:      raw.Format,
		Compression: raw.Compression,
	}
	if spec.Format == "" {
		spec.Format = internal.FormatNDJSON
	}
	if spec.Format != internal.FormatNDJSON {
		return internal.SinkSpec{}, invalid(at+".format", "unsupported format %q", spec.Format)
	}
	if spec.Compression != "" && spec.Compression != internal.CompressionGzip {
		return internal.SinkSpec{}, invalid(at+".compression", "unsupported compression %q", spec.Compression)
	}

	if raw.Batch != nil {
		if raw.Batch.MaxBytes == nil || raw.Batch.MaxWaitSeconds == nil {
			return internal.SinkSpec{}, invalid(at+".batch", "max_bytes and max_wait_seconds must be set together")
		}
		if *raw.Batch.MaxBytes <= 0 || *raw.Batch.MaxWaitSeconds <= 0 {
			return internal.SinkSpec{}, invalid(at+".batch", "max_bytes and max_wait_seconds must be positive")
		}
		spec.Batch = &internal.BatchPolicy{
			MaxBytes: *raw.Batch.MaxBytes,
			MaxWait:  time.Duration(*raw.Batch.MaxWaitSeconds) * time.Second,
		}
	}

	switch raw.Type {
	case internal.SinkTypeFile:
		if raw.Dir == "" {
			return internal.SinkSpec{}, invalid(at+".dir", "dir is required")
		}
		dir := util.ResolvePath(raw.Dir, baseDir)
		path, err := uniquePath(fs, dir, raw.Prefix, util.FormatExtension(spec.Format, spec.Compression), now)
		if err != nil {
			return internal.SinkSpec{}, fmt.Errorf("%s: %w", at, err)
		}
		spec.File = &internal.FileOptions{Dir: dir, Prefix: raw.Prefix, Path: path}

	case internal.SinkTypeS3:
		if raw.Bucket == "" {
			return internal.SinkSpec{}, invalid(at+".bucket", "bucket is required")
		}
		opts := &internal.S3Options{
			Bucket:       raw.Bucket,
			Prefix:       raw.Prefix,
			Region:       raw.Region,
			Endpoint:     raw.Endpoint,
			UsePathStyle: raw.UsePathStyle,
		}
		if c := raw.Credentials; c != nil && c.AccessKeyID != "" {
			opts.Credentials = &internal.S3Credentials{
				AccessKeyID:     c.AccessKeyID,
				SecretAccessKey: c.SecretAccessKey,
				SessionToken:    c.SessionToken,
			}
		}
		spec.S3 = opts

	case internal.SinkTypeGELF:
		if raw.Address == "" {
			return internal.SinkSpec{}, invalid(at+".address", "address is required")
		}
		mode := raw.Mode
		if mode == "" {
			mode = "udp"
		}
		if mode != "udp" && mode != "tcp" {
			return internal.SinkSpec{}, invalid(at+".mode", "mode %q is not supported", mode)
		}
		host := raw.Host
		if host == "" {
			host, _ = os.Hostname()
		}
		spec.GELF = &internal.GELFOptions{Address: raw.Address, Mode: mode, Host: host}

	case internal.SinkTypeSplunk:
		if raw.URL == "" {
			return internal.SinkSpec{}, invalid(at+".url", "url is required")
		}
		if raw.Token == "" {
			return internal.SinkSpec{}, invalid(at+".token", "token is required")
		}
		verify := true
		if raw.VerifyTLS != nil {
			verify = *raw.VerifyTLS
		}
		spec.Splunk = &internal.SplunkOptions{
			URL:        raw.URL,
			Token:      raw.Token,
			Index:      raw.Index,
			SourceType: raw.SourceType,
			VerifyTLS:  verify,
		}

	case internal.SinkTypeStdout:
		spec.Stdout = &internal.StdoutOptions{Colors: raw.Colors}

	default:
		return internal.SinkSpec{}, invalid(at+".type", "unsupported sink type %q", raw.Type)
	}
	return spec, nil
}

// uniquePath picks dir/prefix-YYYYmmdd-HHMMSS-xxxxxx.ext that does not exist yet.
func uniquePath(fs afero.Fs, dir, prefix, ext string, now time.Time) (string, error) {
	for attempt := 0; attempt < maxPathAttempts; attempt++ {
		candidate := filepath.Join(dir, util.DatedName(prefix, ext, now))
		exists, err := afero.Exists(fs, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", errors.New("failed to generate a unique sink path")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func invalid(at, format string, args ...any) error {
	return fmt.Errorf("%w at %s: %s", ErrInvalid, at, fmt.Sprintf(format, args...))
}
