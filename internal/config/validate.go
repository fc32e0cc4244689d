package config

import (
	"fmt"

	"github.com/arcane-ops/sentryrun/internal/kerrors"
)

var validBackends = map[StorageBackend]bool{
	StorageMemory: true, StorageFilesystem: true, StorageSQLite: true,
}

var validEnvironments = map[string]bool{"development": true, "staging": true, "production": true}
var validLogFormats = map[string]bool{"": true, "text": true, "json": true}
var validLogOutputs = map[string]bool{"": true, "stdout": true, "stderr": true, "file": true}

// Validate runs fail-fast checks over cfg in the same dependency order the
// teacher's Validator uses: infrastructure first, then feature sections.
func Validate(cfg *Config) error {
	if err := validateSystem(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	if err := validateStorage(cfg); err != nil {
		return err
	}
	if err := validateSecurity(cfg); err != nil {
		return err
	}
	if err := validateCorrelation(cfg); err != nil {
		return err
	}
	if err := validateDetector(cfg); err != nil {
		return err
	}
	return nil
}

func validateSystem(cfg *Config) error {
	if cfg.System.Name == "" {
		return kerrors.NewConfigError("system.name", fmt.Errorf("must not be empty"))
	}
	if !validEnvironments[cfg.System.Environment] {
		return kerrors.NewConfigError("system.environment", fmt.Errorf("must be one of development, staging, production, got %q", cfg.System.Environment))
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !validLogFormats[cfg.Logging.Format] {
		return kerrors.NewConfigError("logging.format", fmt.Errorf("must be one of text, json, got %q", cfg.Logging.Format))
	}
	if !validLogOutputs[cfg.Logging.Output] {
		return kerrors.NewConfigError("logging.output", fmt.Errorf("must be one of stdout, stderr, file, got %q", cfg.Logging.Output))
	}
	if cfg.Logging.Output == "file" && cfg.Logging.FilePath == "" {
		return kerrors.NewConfigError("logging.file_path", fmt.Errorf("required when output is file"))
	}
	return nil
}

func validateStorage(cfg *Config) error {
	if !validBackends[cfg.Storage.Backend] {
		return kerrors.NewConfigError("storage.backend", fmt.Errorf("unknown backend %q", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend != StorageMemory && cfg.Storage.Path == "" {
		return kerrors.NewConfigError("storage.path", fmt.Errorf("required for backend %q", cfg.Storage.Backend))
	}
	return nil
}

func validateSecurity(cfg *Config) error {
	if cfg.Security.Issuer == "" {
		return kerrors.NewConfigError("security.issuer", fmt.Errorf("must not be empty"))
	}
	for _, p := range cfg.Security.PublicPaths {
		if p == "" {
			return kerrors.NewConfigError("security.public_paths", fmt.Errorf("contains an empty entry"))
		}
	}
	return nil
}

func validateCorrelation(cfg *Config) error {
	c := cfg.Correlation
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return kerrors.NewConfigError("correlation.similarity_threshold", fmt.Errorf("must be in (0, 1], got %v", c.SimilarityThreshold))
	}
	if c.StormThreshold < 1 {
		return kerrors.NewConfigError("correlation.storm_threshold", fmt.Errorf("must be >= 1"))
	}
	if c.TimeWindow <= 0 {
		return kerrors.NewConfigError("correlation.time_window", fmt.Errorf("must be positive"))
	}
	if c.MaxGroupSize < 1 {
		return kerrors.NewConfigError("correlation.max_group_size", fmt.Errorf("must be >= 1"))
	}
	if c.MaxGroups < 1 {
		return kerrors.NewConfigError("correlation.max_groups", fmt.Errorf("must be >= 1"))
	}
	if c.GroupTTL <= 0 {
		return kerrors.NewConfigError("correlation.group_ttl", fmt.Errorf("must be positive"))
	}
	return nil
}

func validateDetector(cfg *Config) error {
	seen := make(map[string]bool)
	for _, r := range cfg.Detector.Rules {
		if r.ID == "" {
			return kerrors.NewConfigError("detector.rules[].id", fmt.Errorf("must not be empty"))
		}
		if seen[r.ID] {
			return kerrors.NewConfigError("detector.rules[].id", fmt.Errorf("duplicate rule id %q", r.ID))
		}
		seen[r.ID] = true
		if r.MetricPattern == "" {
			return kerrors.NewConfigError(fmt.Sprintf("detector.rules[%s].metric_pattern", r.ID), fmt.Errorf("must not be empty"))
		}
		if r.ValuePattern == "" {
			return kerrors.NewConfigError(fmt.Sprintf("detector.rules[%s].value_pattern", r.ID), fmt.Errorf("must not be empty"))
		}
		if r.MinSamples < 1 {
			return kerrors.NewConfigError(fmt.Sprintf("detector.rules[%s].min_samples", r.ID), fmt.Errorf("must be >= 1"))
		}
		if r.WindowDuration <= 0 {
			return kerrors.NewConfigError(fmt.Sprintf("detector.rules[%s].window_duration", r.ID), fmt.Errorf("must be positive"))
		}
	}
	if cfg.Detector.GlobalRateLimit < 0 {
		return kerrors.NewConfigError("detector.global_rate_limit", fmt.Errorf("must be >= 0"))
	}
	return nil
}
