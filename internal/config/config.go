// Package config loads and validates runtime.yaml: storage backend
// selection, the security gate, the correlation/detector tunables, and the
// raw per-module configuration sections the kernel hands each module at
// Initialize. Loading proceeds in stages: read, expand environment
// references, unmarshal, merge onto defaults, validate.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/arcane-ops/sentryrun/internal/kerrors"
)

// SystemConfig identifies the running instance.
type SystemConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Port        int    `yaml:"port,omitempty"`
}

// LoggingConfig configures log/slog output. Output "file" writes through a
// size-based rotating writer (see logging.go) when MaxFileSize is set; the
// corpus carries no rotation library, so rotation is hand-rolled rather
// than left unbounded.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Output      string `yaml:"output"`
	FilePath    string `yaml:"file_path,omitempty"`
	MaxFileSize int64  `yaml:"max_file_size,omitempty"`
	MaxFiles    int    `yaml:"max_files,omitempty"`
}

// StorageBackend is the closed set of supported storage engines.
type StorageBackend string

const (
	StorageMemory     StorageBackend = "memory"
	StorageFilesystem StorageBackend = "filesystem"
	StorageSQLite     StorageBackend = "sqlite"
)

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`
	Path    string         `yaml:"path"`
}

// SecurityConfig configures internal/security's Verifier.
type SecurityConfig struct {
	JWTSecretEnv  string   `yaml:"jwt_secret_env"`
	Issuer        string   `yaml:"issuer"`
	APIKeyEnv     string   `yaml:"api_key_env"`
	APIKeySaltEnv string   `yaml:"api_key_salt_env"`
	PublicPaths   []string `yaml:"public_paths"`
}

// CorrelationConfig mirrors internal/correlation.Config with YAML tags.
type CorrelationConfig struct {
	SimilarityThreshold float64  `yaml:"similarity_threshold"`
	StormThreshold      int      `yaml:"storm_threshold"`
	TimeWindow          Duration `yaml:"time_window"`
	MaxGroupSize        int      `yaml:"max_group_size"`
	MaxGroups           int      `yaml:"max_groups"`
	GroupTTL            Duration `yaml:"group_ttl"`
}

// DetectorConfig mirrors internal/detector.Config with YAML tags.
type DetectorConfig struct {
	Rules            []DetectorRule `yaml:"rules"`
	GlobalRateLimit  int            `yaml:"global_rate_limit"`
	GlobalRateWindow Duration       `yaml:"global_rate_window"`
}

// DetectorRule mirrors internal/detector.RuleConfig with YAML tags.
type DetectorRule struct {
	ID             string   `yaml:"id"`
	MetricPattern  string   `yaml:"metric_pattern"`
	ValuePattern   string   `yaml:"value_pattern"`
	Comparator     string   `yaml:"comparator"`
	Threshold      float64  `yaml:"threshold"`
	WindowDuration Duration `yaml:"window_duration"`
	MinSamples     int      `yaml:"min_samples"`
	Cooldown       Duration `yaml:"cooldown"`
	Severity       string   `yaml:"severity"`
	Title          string   `yaml:"title"`
	Description    string   `yaml:"description"`
}

// HTTPConfig configures the liveness/readiness/security-wrapped HTTP surface.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SlackConfig configures the best-effort Slack notifier, grounded on the
// teacher's pkg/config system.go Slack section.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// Config is the fully loaded, validated runtime configuration.
type Config struct {
	System      SystemConfig              `yaml:"system"`
	Storage     StorageConfig             `yaml:"storage"`
	Security    SecurityConfig            `yaml:"security"`
	Correlation CorrelationConfig         `yaml:"correlation"`
	Detector    DetectorConfig            `yaml:"detector"`
	HTTP        HTTPConfig                `yaml:"http"`
	Slack       SlackConfig               `yaml:"slack"`
	Logging     LoggingConfig             `yaml:"logging"`
	Modules     map[string]map[string]any `yaml:"modules"`
}

// Default returns a Config with every field set to a safe default.
func Default() Config {
	return Config{
		System: SystemConfig{Name: "sentryrund", Environment: "development"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{Backend: StorageMemory},
		Security: SecurityConfig{
			JWTSecretEnv:  "SENTRYRUN_JWT_SECRET",
			Issuer:        "sentryrun",
			APIKeyEnv:     "SENTRYRUN_API_KEY",
			APIKeySaltEnv: "SENTRYRUN_API_KEY_SALT",
			PublicPaths:   []string{"/healthz", "/readyz"},
		},
		Correlation: CorrelationConfig{
			SimilarityThreshold: 0.4,
			StormThreshold:      3,
			TimeWindow:          Duration(60 * time.Second),
			MaxGroupSize:        50,
			MaxGroups:           1000,
			GroupTTL:            Duration(30 * time.Minute),
		},
		Detector: DetectorConfig{
			GlobalRateLimit:  60,
			GlobalRateWindow: Duration(time.Minute),
		},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

// Load reads path, expands ${VAR}/$VAR environment references, strictly
// decodes it, merges the decoded non-zero fields over Default(), and
// validates the result. Strict decoding rejects unknown keys rather than
// silently ignoring them.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerrors.NewConfigError(fmt.Sprintf("load(%s)", path), err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var loaded Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&loaded); err != nil && !errors.Is(err, io.EOF) {
		return nil, kerrors.NewConfigError(fmt.Sprintf("parse(%s)", path), err)
	}

	cfg := Default()
	if err := mergo.Merge(&cfg, loaded, mergo.WithOverride); err != nil {
		return nil, kerrors.NewConfigError("merge onto defaults", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveEnv reads the named environment variable, returning ("", false)
// when it is unset or empty — callers decide whether that's fatal.
func resolveEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// JWTSecret resolves the configured JWT signing secret from its environment
// variable.
func (c *Config) JWTSecret() ([]byte, bool) {
	v, ok := resolveEnv(c.Security.JWTSecretEnv)
	return []byte(v), ok
}

// APIKey resolves the configured static API key from its environment
// variable.
func (c *Config) APIKey() (string, bool) { return resolveEnv(c.Security.APIKeyEnv) }

// APIKeySalt resolves the HMAC salt used to digest API keys.
func (c *Config) APIKeySalt() ([]byte, bool) {
	v, ok := resolveEnv(c.Security.APIKeySaltEnv)
	return []byte(v), ok
}

// StoragePath returns the configured storage path, defaulting relative to
// the config file's directory when unset and the backend needs one.
func (c *Config) StoragePath(configPath string) string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(filepath.Dir(configPath), "data")
}
