// Package config derives the agent's configuration snapshot.
// Identity inputs (dyno, collector URL, dev mode, job-queue URLs) always come
// from the process environment; tunables may also come from a YAML file.
// Precedence: environment variables > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvDyno         = "DYNO"
	EnvURL          = "DYNOSCALE_URL"
	EnvDevMode      = "DYNOSCALE_DEV_MODE"
	EnvDataDirName  = "DYNOSCALE_DATA_DIR_NAME"
	EnvDataFileName = "DYNOSCALE_DATA_FILE_NAME"
	EnvLogLevel     = "DYNOSCALE_LOG_LEVEL"
)

// JobQueueURLVars lists, in lookup order, every environment variable that may
// hold a Redis connection URL for job-queue sampling.
var JobQueueURLVars = []string{
	"REDIS_TLS_URL",
	"REDIS_URL",
	"REDISTOGO_TLS_URL",
	"REDISTOGO_URL",
	"OPENREDIS_TLS_URL",
	"OPENREDIS_URL",
	"REDISGREEN_TLS_URL",
	"REDISGREEN_URL",
	"REDISCLOUD_TLS_URL",
	"REDISCLOUD_URL",
}

// DefaultDataFileName is the repository file created when no override is set.
const DefaultDataFileName = "dynoscale_repo.sqlite3"

// leaderSuffix marks the one dyno among its siblings that reports telemetry.
const leaderSuffix = ".1"

// Run mode names.
const (
	RunModeProduction  = "PRODUCTION"
	RunModeDevelopment = "DEVELOPMENT"
)

var (
	ErrMissingDyno  = errors.New("dyno identifier is not set")
	ErrNotLeader    = errors.New("dyno is not the leader instance")
	ErrMissingURL   = errors.New("collector URL is not set")
	ErrMalformedURL = errors.New("collector URL is malformed")
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "250ms", "30s", "5m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is an immutable snapshot of the agent configuration. Build a fresh
// one for every component construction; nothing is cached across calls.
type Config struct {
	Dyno         string   `yaml:"-"`
	URL          string   `yaml:"-"`
	DevMode      bool     `yaml:"-"`
	JobQueueURLs []string `yaml:"-"`

	Agent     AgentConfig     `yaml:"agent"`
	Publisher PublisherConfig `yaml:"publisher"`
	Storage   StorageConfig   `yaml:"storage"`
	JobQueue  JobQueueConfig  `yaml:"job_queue"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AgentConfig holds delivery queue settings.
type AgentConfig struct {
	QueueSize      int      `yaml:"queue_size"`
	EnqueueTimeout Duration `yaml:"enqueue_timeout"`
}

// PublisherConfig holds upload cadence settings.
type PublisherConfig struct {
	MaxRecordAge            Duration `yaml:"max_record_age"`
	DefaultPublishFrequency Duration `yaml:"default_publish_frequency"`
	RequestTimeout          Duration `yaml:"request_timeout"`
}

// StorageConfig locates the repository file.
type StorageConfig struct {
	Dir  string `yaml:"dir"`
	File string `yaml:"file"`
}

// JobQueueConfig toggles job-queue sampling.
type JobQueueConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration with no identity inputs.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			QueueSize:      1000,
			EnqueueTimeout: Duration{250 * time.Millisecond},
		},
		Publisher: PublisherConfig{
			MaxRecordAge:            Duration{300 * time.Second},
			DefaultPublishFrequency: Duration{30 * time.Second},
			RequestTimeout:          Duration{10 * time.Second},
		},
		Storage: StorageConfig{
			File: DefaultDataFileName,
		},
		JobQueue: JobQueueConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// FromEnv returns a snapshot built from defaults and the environment only.
func FromEnv() *Config {
	cfg := DefaultConfig()
	applyEnv(cfg)
	return cfg
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadLayered loads configuration with the full precedence chain:
// env vars > external YAML file > embedded bytes > defaults.
//
// An optional configPath argument controls external-file discovery:
//   - omitted        → auto-discover via Locate()
//   - explicit value  → use that path ("" means no external file)
func LoadLayered(embedded []byte, configPath ...string) (*Config, error) {
	cfg := DefaultConfig()

	if len(embedded) > 0 {
		if err := yaml.Unmarshal(embedded, cfg); err != nil {
			return nil, fmt.Errorf("parsing embedded config: %w", err)
		}
	}

	var filePath string
	if len(configPath) > 0 {
		filePath = configPath[0]
	} else {
		filePath = Locate()
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// WriteConfig serializes the tunables to a YAML file at the given path.
// Identity inputs are never written; they belong to the environment.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// applyEnv copies identity inputs and overrides from the environment.
func applyEnv(cfg *Config) {
	cfg.Dyno = os.Getenv(EnvDyno)
	cfg.URL = os.Getenv(EnvURL)
	cfg.DevMode = parseDevMode(os.Getenv(EnvDevMode))
	cfg.JobQueueURLs = jobQueueURLsFromEnv()

	if dir := os.Getenv(EnvDataDirName); dir != "" {
		cfg.Storage.Dir = dir
	}
	if file := os.Getenv(EnvDataFileName); file != "" {
		cfg.Storage.File = file
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Logging.Level = level
	}
}

// parseDevMode treats any non-empty value as enabled unless it is an explicit
// boolean false ("0", "false", ...).
func parseDevMode(v string) bool {
	if v == "" {
		return false
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return true
}

func jobQueueURLsFromEnv() []string {
	var urls []string
	seen := make(map[string]bool)
	for _, name := range JobQueueURLVars {
		v := os.Getenv(name)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		urls = append(urls, v)
	}
	return urls
}

// Validate reports why the snapshot cannot drive the pipeline, or nil.
func (c *Config) Validate() error {
	switch {
	case c.Dyno == "":
		return ErrMissingDyno
	case !strings.HasSuffix(c.Dyno, leaderSuffix):
		return fmt.Errorf("%w: %s", ErrNotLeader, c.Dyno)
	case c.URL == "":
		return ErrMissingURL
	case !IsValidURL(c.URL):
		return ErrMalformedURL
	}
	return nil
}

// IsValid is true iff the dyno is the leader instance and the collector URL
// is a syntactically valid absolute URL.
func (c *Config) IsValid() bool {
	return c.Validate() == nil
}

// IsJobQueueAvailable is true iff job-queue sampling is enabled, the Redis
// source is compiled in and at least one connection URL is configured.
func (c *Config) IsJobQueueAvailable() bool {
	return c.JobQueue.Enabled && jobQueueSupported && len(c.JobQueueURLs) > 0
}

// jobQueueSupported is the build-time capability flag for job-queue sampling.
const jobQueueSupported = true

// RunModeName returns DEVELOPMENT when dev mode is on, PRODUCTION otherwise.
func (c *Config) RunModeName() string {
	if c.DevMode {
		return RunModeDevelopment
	}
	return RunModeProduction
}

// StoragePath returns the repository file path. An empty directory resolves
// to the current working directory.
func (c *Config) StoragePath() string {
	dir := c.Storage.Dir
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			dir = wd
		}
	}
	file := c.Storage.File
	if file == "" {
		file = DefaultDataFileName
	}
	return filepath.Join(dir, file)
}

// String renders the identity inputs for logs with URL credentials redacted.
func (c *Config) String() string {
	return fmt.Sprintf("{dyno=%q url=%q dev_mode=%t job_queues=%d}",
		c.Dyno, RedactURL(c.URL), c.DevMode, len(c.JobQueueURLs))
}

// RedactURL masks the password of a URL for logging. Unparseable input is
// returned unchanged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
