// Package config loads the client configuration from YAML.
package config

import (
	"os"
	"strings"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/fosrl/glean/internal/database"
	"github.com/fosrl/glean/internal/dispatcher"
	"github.com/fosrl/glean/internal/ping"
	"github.com/fosrl/glean/internal/storage"
	"github.com/fosrl/glean/internal/telemetry"
	"github.com/fosrl/glean/internal/upload"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = xerrors.New("config: invalid")

// DefaultServerEndpoint receives pings unless configured otherwise.
const DefaultServerEndpoint = "https://incoming.telemetry.mozilla.org"

// Storage backends.
const (
	BackendMemory = storage.BackendMemory
	BackendFile   = storage.BackendFile
	BackendRedis  = storage.BackendRedis
)

// Config is the full client configuration.
type Config struct {
	ApplicationID     string   `yaml:"application_id"`
	AppBuild          string   `yaml:"app_build"`
	AppDisplayVersion string   `yaml:"app_display_version"`
	Channel           string   `yaml:"channel"`
	BuildDate         string   `yaml:"build_date"`
	ServerEndpoint    string   `yaml:"server_endpoint"`
	UploadEnabled     *bool    `yaml:"upload_enabled"`
	LogPings          bool     `yaml:"log_pings"`
	DebugViewTag      string   `yaml:"debug_view_tag"`
	SourceTags        []string `yaml:"source_tags"`

	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Storage    StorageConfig    `yaml:"storage"`
	Upload     UploadConfig     `yaml:"upload"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// DispatcherConfig bounds the pre-init task buffer.
type DispatcherConfig struct {
	MaxPreInitQueueSize int `yaml:"max_pre_init_queue_size"`
}

// StorageConfig selects where metrics, events and pings are kept.
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Dir       string `yaml:"dir"`
	RedisURL  string `yaml:"redis_url"`
	Namespace string `yaml:"namespace"`
}

// UploadConfig controls delivery of pending pings.
type UploadConfig struct {
	Timeout                time.Duration   `yaml:"timeout"`
	MaxRecoverableFailures int             `yaml:"max_recoverable_failures"`
	MaxWaitAttempts        int             `yaml:"max_wait_attempts"`
	MaxPingBodySize        int             `yaml:"max_ping_body_size"`
	RateLimit              RateLimitConfig `yaml:"rate_limit"`
	MaxPendingPings        int             `yaml:"max_pending_pings"`
	MaxPendingPingsSize    int64           `yaml:"max_pending_pings_size"`
}

// Options returns the storage options of the backend.
func (s StorageConfig) Options() storage.Options {
	return storage.Options{
		Backend:   s.Backend,
		Dir:       s.Dir,
		RedisURL:  s.RedisURL,
		Namespace: s.Namespace,
	}
}

// RateLimitConfig is the upload budget per window.
type RateLimitConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxCount int           `yaml:"max_count"`
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, xerrors.Errorf("read config %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes YAML, fills defaults and validates the result.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, xerrors.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero value that has a default.
func (c *Config) ApplyDefaults() {
	if c.ServerEndpoint == "" {
		c.ServerEndpoint = DefaultServerEndpoint
	}
	if c.UploadEnabled == nil {
		enabled := true
		c.UploadEnabled = &enabled
	}
	if c.Dispatcher.MaxPreInitQueueSize <= 0 {
		c.Dispatcher.MaxPreInitQueueSize = dispatcher.DefaultMaxPreInitQueueSize
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Storage.Namespace == "" {
		c.Storage.Namespace = "glean"
	}

	u := &c.Upload
	if u.Timeout <= 0 {
		u.Timeout = upload.DefaultTimeout
	}
	if u.MaxRecoverableFailures <= 0 {
		u.MaxRecoverableFailures = upload.DefaultMaxRecoverableFailures
	}
	if u.MaxWaitAttempts <= 0 {
		u.MaxWaitAttempts = upload.DefaultMaxWaitAttempts
	}
	if u.MaxPingBodySize <= 0 {
		u.MaxPingBodySize = upload.DefaultMaxPingBodySize
	}
	if u.RateLimit.Interval <= 0 {
		u.RateLimit.Interval = upload.DefaultRateLimitInterval
	}
	if u.RateLimit.MaxCount <= 0 {
		u.RateLimit.MaxCount = upload.DefaultRateLimitMaxCount
	}
	if u.MaxPendingPings <= 0 {
		u.MaxPendingPings = database.DefaultMaxPendingPings
	}
	if u.MaxPendingPingsSize <= 0 {
		u.MaxPendingPingsSize = database.DefaultMaxPendingPingsSize
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "glean"
	}
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ApplicationID) == "" {
		return xerrors.Errorf("application_id is required: %w", ErrInvalid)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.Dir == "" {
			return xerrors.Errorf("storage.dir is required for the file backend: %w", ErrInvalid)
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return xerrors.Errorf("storage.redis_url is required for the redis backend: %w", ErrInvalid)
		}
	default:
		return xerrors.Errorf("unknown storage backend %q: %w", c.Storage.Backend, ErrInvalid)
	}
	if c.DebugViewTag != "" && !ping.ValidDebugViewTag(c.DebugViewTag) {
		return xerrors.Errorf("debug_view_tag %q: %w", c.DebugViewTag, ErrInvalid)
	}
	if len(c.SourceTags) > 0 && !ping.ValidSourceTags(c.SourceTags) {
		return xerrors.Errorf("source_tags %v: %w", c.SourceTags, ErrInvalid)
	}
	return nil
}

// IsUploadEnabled reports the configured upload state, true when unset.
func (c Config) IsUploadEnabled() bool {
	return c.UploadEnabled == nil || *c.UploadEnabled
}

// UploadPolicy returns the retry and size limits of the uploader.
func (c Config) UploadPolicy() upload.Policy {
	return upload.Policy{
		MaxWaitAttempts:        c.Upload.MaxWaitAttempts,
		MaxRecoverableFailures: c.Upload.MaxRecoverableFailures,
		MaxPingBodySize:        c.Upload.MaxPingBodySize,
	}
}
