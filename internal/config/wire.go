package config

import (
	"github.com/arcane-ops/sentryrun/internal/correlation"
	"github.com/arcane-ops/sentryrun/internal/detector"
	"github.com/arcane-ops/sentryrun/internal/eventtypes"
)

// CorrelationModuleConfig converts the loaded YAML section into
// correlation.Config.
func (c *Config) CorrelationModuleConfig() correlation.Config {
	return correlation.Config{
		SimilarityThreshold: c.Correlation.SimilarityThreshold,
		StormThreshold:      c.Correlation.StormThreshold,
		TimeWindow:          c.Correlation.TimeWindow.Std(),
		MaxGroupSize:        c.Correlation.MaxGroupSize,
		MaxGroups:           c.Correlation.MaxGroups,
		GroupTTL:            c.Correlation.GroupTTL.Std(),
	}
}

// DetectorModuleConfig converts the loaded YAML section into
// detector.Config.
func (c *Config) DetectorModuleConfig() detector.Config {
	rules := make([]detector.RuleConfig, 0, len(c.Detector.Rules))
	for _, r := range c.Detector.Rules {
		rules = append(rules, detector.RuleConfig{
			ID:             r.ID,
			MetricPattern:  r.MetricPattern,
			ValuePattern:   r.ValuePattern,
			Comparator:     detector.Comparator(r.Comparator),
			Threshold:      r.Threshold,
			WindowDuration: r.WindowDuration.Std(),
			MinSamples:     r.MinSamples,
			Cooldown:       r.Cooldown.Std(),
			Severity:       eventtypes.Severity(r.Severity),
			Title:          r.Title,
			Description:    r.Description,
		})
	}
	return detector.Config{
		Rules:            rules,
		GlobalRateLimit:  c.Detector.GlobalRateLimit,
		GlobalRateWindow: c.Detector.GlobalRateWindow.Std(),
	}
}
