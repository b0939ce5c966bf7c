package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kdimtricp/proctorwatch/internal/models"
)

// Threshold keys understood by the monitoring loop.
const (
	KeyTimeoutSec  = "timeout_sec"
	KeyCooldownSec = "cooldown_sec"
	KeyIdleSec     = "idle_sec"
)

// TagRule configures one incident code.
type TagRule struct {
	// Level overrides the catalog level for analyzer alerts of this tag.
	Level string `yaml:"level,omitempty"`
	// EscalateAfter raises the level by one once this many incidents of the
	// tag were seen for the same candidate. Zero disables escalation.
	EscalateAfter int                `yaml:"escalate_after,omitempty"`
	Thresholds    map[string]float64 `yaml:"thresholds,omitempty"`
}

// Config is the on-disk rules file.
type Config struct {
	Tags        map[models.IncidentCode]TagRule `yaml:"tags"`
	LedgerLimit int                             `yaml:"ledger_limit,omitempty"`
}

// DefaultConfig carries the built-in timer thresholds.
func DefaultConfig() Config {
	return Config{
		Tags: map[models.IncidentCode]TagRule{
			models.IncidentScreenMissing: {
				Thresholds: map[string]float64{KeyTimeoutSec: 60, KeyCooldownSec: 15},
			},
			models.IncidentIdle: {
				Thresholds: map[string]float64{KeyIdleSec: 120, KeyCooldownSec: 30},
			},
		},
		LedgerLimit: 1000,
	}
}

// LoadFile reads a YAML rules file and merges it over the defaults. Tags
// present in the file replace individual threshold keys, not whole tags.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var file Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse rules: %w", err)
	}

	cfg := DefaultConfig()
	if file.LedgerLimit > 0 {
		cfg.LedgerLimit = file.LedgerLimit
	}
	for tag, rule := range file.Tags {
		if rule.Level != "" {
			if _, err := models.ParseSeverity(rule.Level); err != nil {
				return Config{}, fmt.Errorf("tag %s: %w", tag, err)
			}
		}
		if rule.EscalateAfter < 0 {
			return Config{}, fmt.Errorf("tag %s: escalate_after must not be negative", tag)
		}

		merged := cfg.Tags[tag]
		if rule.Level != "" {
			merged.Level = rule.Level
		}
		merged.EscalateAfter = rule.EscalateAfter
		if len(rule.Thresholds) > 0 {
			th := make(map[string]float64, len(merged.Thresholds)+len(rule.Thresholds))
			for k, v := range merged.Thresholds {
				th[k] = v
			}
			for k, v := range rule.Thresholds {
				if v < 0 {
					return Config{}, fmt.Errorf("tag %s: threshold %s must not be negative", tag, k)
				}
				th[k] = v
			}
			merged.Thresholds = th
		}
		cfg.Tags[tag] = merged
	}
	return cfg, nil
}
