// Package config holds the drivesync client configuration: where the local
// tree lives, which remote it mirrors, and how transfers behave.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/drivesync/internal/backoff"
	"github.com/openmined/drivesync/internal/codec"
	"github.com/openmined/drivesync/internal/remote/graph"
	"github.com/openmined/drivesync/internal/remote/s3drive"
	"github.com/openmined/drivesync/internal/synchronizer"
	"github.com/openmined/drivesync/internal/upload"
	"github.com/openmined/drivesync/internal/utils"
	"github.com/spf13/viper"
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigPath  = filepath.Join(home, ".drivesync", "config.json")
	DefaultLogFilePath = filepath.Join(home, ".drivesync", "logs", "drivesync.log")
)

const (
	// GraphChunkMultiple is the granularity the HTTP drive API accepts for
	// upload session fragments.
	GraphChunkMultiple = 320 * 1024

	DefaultChunkSize      = "10MiB"
	DefaultRequestTimeout = 60 * time.Second
	DefaultLogLevel       = "info"

	sidecarName = "sidecar.db"
	resumeName  = "uploads"
)

type Backend int

const (
	BackendGraph Backend = iota
	BackendS3
	BackendMemory
)

func (b Backend) String() string {
	switch b {
	case BackendS3:
		return "s3"
	case BackendMemory:
		return "mem"
	default:
		return "graph"
	}
}

var ErrNoRemote = errors.New("remote is required")

type Config struct {
	LocalRoot string `json:"local_root" mapstructure:"local_root"`
	// Remote is an https:// drive API endpoint, s3://bucket/prefix or mem://
	Remote      string          `json:"remote" mapstructure:"remote"`
	DriveID     string          `json:"drive_id,omitempty" mapstructure:"drive_id"`
	AccessToken string          `json:"access_token,omitempty" mapstructure:"access_token"`
	S3          *s3drive.Config `json:"s3,omitempty" mapstructure:"s3"`

	ChunkSize             string `json:"chunk_size" mapstructure:"chunk_size"`
	SimpleUploadThreshold string `json:"simple_upload_threshold" mapstructure:"simple_upload_threshold"`

	Workers          int           `json:"workers" mapstructure:"workers"`
	TwoWay           bool          `json:"two_way" mapstructure:"two_way"`
	ConflictPolicy   string        `json:"conflict_policy" mapstructure:"conflict_policy"`
	PreserveUnsynced bool          `json:"preserve_unsynced" mapstructure:"preserve_unsynced"`
	MaxRetries       int           `json:"max_retries" mapstructure:"max_retries"`
	RequestTimeout   time.Duration `json:"request_timeout" mapstructure:"request_timeout"`

	SidecarPath string `json:"sidecar_path" mapstructure:"sidecar_path"`
	ResumeDir   string `json:"resume_dir" mapstructure:"resume_dir"`
	LogLevel    string `json:"log_level" mapstructure:"log_level"`

	Path string `json:"-" mapstructure:"-"`

	backend   Backend
	chunk     uint64
	threshold int64
	policy    synchronizer.ConflictPolicy
	level     slog.Level
}

// Validate normalises paths, applies defaults and parses the human-readable
// fields. It must succeed before any accessor is used.
func (c *Config) Validate() error {
	var err error

	if c.LocalRoot, err = utils.ResolvePath(c.LocalRoot); err != nil {
		return fmt.Errorf("local root: %w", err)
	}
	if utils.FileExists(c.LocalRoot) {
		return fmt.Errorf("local root %s is a file", c.LocalRoot)
	}
	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	if err := c.validateRemote(); err != nil {
		return err
	}
	if err := c.validateSizes(); err != nil {
		return err
	}

	if c.Workers <= 0 {
		c.Workers = synchronizer.DefaultWorkers
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = backoff.DefaultMaxAttempts
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}

	if c.policy, err = synchronizer.ParseConflictPolicy(c.ConflictPolicy); err != nil {
		return err
	}
	c.ConflictPolicy = c.policy.String()

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if err := c.level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	metaDir := filepath.Join(c.LocalRoot, synchronizer.MetaDir)
	if c.SidecarPath == "" {
		c.SidecarPath = filepath.Join(metaDir, sidecarName)
	}
	if c.ResumeDir == "" {
		c.ResumeDir = filepath.Join(metaDir, resumeName)
	}
	if c.SidecarPath, err = utils.ResolvePath(c.SidecarPath); err != nil {
		return fmt.Errorf("sidecar path: %w", err)
	}
	if c.ResumeDir, err = utils.ResolvePath(c.ResumeDir); err != nil {
		return fmt.Errorf("resume dir: %w", err)
	}
	return nil
}

func (c *Config) validateRemote() error {
	if c.Remote == "" {
		return ErrNoRemote
	}
	u, err := url.Parse(c.Remote)
	if err != nil {
		return fmt.Errorf("remote %q: %w", c.Remote, err)
	}

	switch u.Scheme {
	case "http", "https":
		c.backend = BackendGraph
		if u.Host == "" {
			return fmt.Errorf("remote %q: missing host", c.Remote)
		}
		if c.AccessToken == "" {
			return fmt.Errorf("remote %q: %w", c.Remote, graph.ErrNoToken)
		}
	case "s3":
		c.backend = BackendS3
		if c.S3 == nil {
			c.S3 = &s3drive.Config{}
		}
		if u.Host != "" {
			c.S3.Bucket = u.Host
		}
		if p := strings.Trim(u.Path, "/"); p != "" {
			c.S3.Prefix = p
		}
		if err := c.S3.Validate(); err != nil {
			return err
		}
	case "mem":
		c.backend = BackendMemory
	default:
		return fmt.Errorf("remote %q: scheme must be https, s3 or mem", c.Remote)
	}
	return nil
}

func (c *Config) validateSizes() error {
	if c.ChunkSize == "" {
		c.ChunkSize = DefaultChunkSize
	}
	chunk, err := humanize.ParseBytes(c.ChunkSize)
	if err != nil {
		return fmt.Errorf("chunk size: %w", err)
	}
	if chunk == 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	switch c.backend {
	case BackendGraph:
		if chunk%GraphChunkMultiple != 0 {
			return fmt.Errorf("chunk size %s must be a multiple of %s", c.ChunkSize, humanize.IBytes(GraphChunkMultiple))
		}
	case BackendS3:
		if chunk < s3drive.MinPartSize {
			return fmt.Errorf("chunk size %s is below the s3 minimum of %s", c.ChunkSize, humanize.IBytes(s3drive.MinPartSize))
		}
	}
	c.chunk = chunk

	threshold := uint64(upload.DefaultThreshold)
	if c.SimpleUploadThreshold != "" {
		if threshold, err = humanize.ParseBytes(c.SimpleUploadThreshold); err != nil {
			return fmt.Errorf("simple upload threshold: %w", err)
		}
	} else {
		c.SimpleUploadThreshold = humanize.IBytes(threshold)
	}
	c.threshold = int64(threshold)
	return nil
}

func (c *Config) Backend() Backend { return c.backend }

// ChunkBytes is the fragment size of resumable uploads.
func (c *Config) ChunkBytes() uint64 { return c.chunk }

// ThresholdBytes is the largest file sent with a single request.
func (c *Config) ThresholdBytes() int64 { return c.threshold }

func (c *Config) Policy() synchronizer.ConflictPolicy { return c.policy }

func (c *Config) Level() slog.Level { return c.level }

// Graph returns the HTTP drive client settings.
func (c *Config) Graph() *graph.Config {
	return &graph.Config{Endpoint: c.Remote, DriveID: c.DriveID, Token: c.AccessToken}
}

func (c *Config) Save() error {
	if c.Path == "" {
		return fmt.Errorf("config path not set")
	}
	if err := utils.EnsureParent(c.Path); err != nil {
		return err
	}

	data, err := codec.MarshalIndent(c)
	if err != nil {
		return err
	}
	// the file may hold an access token
	return os.WriteFile(c.Path, data, 0o600)
}

// LoadFromFile reads a config file written by Save or by hand. Durations may
// be written as "90s" and sizes as "8MiB". The result is not yet validated.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config read '%s': %w", path, err)
	}
	return FromViper(v, path)
}

// FromViper decodes the settings gathered by v, from a file, flags or the
// environment.
func FromViper(v *viper.Viper, path string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = path
	return &cfg, nil
}
