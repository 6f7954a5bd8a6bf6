// Package config holds the process-wide settings for the enrichment
// pipeline: scoring weights, budgets, timers and listen addresses. They
// are read from disk once, at startup. Secrets (DB credentials, the reputation API key) are read
// directly from the environment and are never part of this struct, so
// they never round-trip through the settings file.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"ioctaxii/internal/support"
)

// Config is the full set of settings for one process.
type Config struct {
	// Weights has no default: the embedded settings document omits
	// "weights" entirely, so a virgin deployment unmarshals it to
	// {0, 0} and fails CONFIG in Validate until an operator sets
	// LOCAL_CONFIDENCE_WEIGHT/EXTERNAL_CONFIDENCE_WEIGHT or edits
	// data/settings.json.
	Weights struct {
		Local    float64 `json:"local"`
		External float64 `json:"external"`
	} `json:"weights"`

	LocalConfidenceBoost    int `json:"local_confidence_boost"`
	MinimumFinalConfidence  int `json:"minimum_final_confidence"`
	ReputationMinConfidence int `json:"reputation_min_confidence"`

	Reputation struct {
		DailyLimit int   `json:"daily_limit"`
		CacheTTL   Timer `json:"cache_ttl"`
	} `json:"reputation"`

	Geo struct {
		RequestDelayMS int   `json:"request_delay_ms"`
		CacheTTL       Timer `json:"cache_ttl"`
	} `json:"geo"`

	GeoLite struct {
		DataDir        string `json:"data_dir"`
		UpdateInterval Timer  `json:"update_interval"`
	} `json:"geolite"`

	Preprocessor struct {
		Interval    Timer `json:"interval"`
		BatchSize   int   `json:"batch_size"`
		AutoStart   bool  `json:"auto_start"`
		SnapshotTTL Timer `json:"snapshot_ttl"`
	} `json:"preprocessor"`

	ListenAddr string `json:"listen_addr"`
}

// Timer mirrors the teacher's days/hours/minutes/seconds JSON shape for
// human-editable durations in the settings file.
type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

// Duration converts the Timer to a time.Duration.
func (t Timer) Duration() time.Duration {
	return time.Duration(t.Days)*24*time.Hour +
		time.Duration(t.Hours)*time.Hour +
		time.Duration(t.Minutes)*time.Minute +
		time.Duration(t.Seconds)*time.Second
}

const settingsFilePath = "data/settings.json"

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue atomic.Value
)

func init() {
	configValue.Store(Config{})
}

// ReadSettings loads data/settings.json, creating it from the embedded
// default document on first run, applies environment overrides, and
// validates the result before publishing it.
func ReadSettings() error {
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("config: read settings file: %w", err)
		}
		log.Warn("settings file not found, creating with default configuration")
		if err := os.MkdirAll("data", 0o755); err != nil {
			return fmt.Errorf("config: create data dir: %w", err)
		}
		if err := os.WriteFile(settingsFilePath, defaultConfig, 0o644); err != nil {
			return fmt.Errorf("config: write default settings file: %w", err)
		}
		data = defaultConfig
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("config: unmarshal settings file: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return err
	}

	configValue.Store(cfg)
	log.Debug("settings loaded successfully")
	return nil
}

// applyEnvOverrides lets operators override a handful of frequently-tuned
// values without editing the settings file, matching the teacher's
// env-var-first convention in internal/support/os_helper.go.
func applyEnvOverrides(cfg *Config) {
	if v := support.GetEnvInt("REPUTATION_DAILY_LIMIT", 0); v > 0 {
		cfg.Reputation.DailyLimit = v
	}
	if v := os.Getenv("LOCAL_CONFIDENCE_WEIGHT"); v != "" {
		if f, err := parseFloat(v); err == nil {
			cfg.Weights.Local = f
		}
	}
	if v := os.Getenv("EXTERNAL_CONFIDENCE_WEIGHT"); v != "" {
		if f, err := parseFloat(v); err == nil {
			cfg.Weights.External = f
		}
	}
	if v := support.GetEnvInt("LOCAL_CONFIDENCE_BOOST", -1); v >= 0 {
		cfg.LocalConfidenceBoost = v
	}
	if v := support.GetEnvInt("MINIMUM_FINAL_CONFIDENCE", -1); v >= 0 {
		cfg.MinimumFinalConfidence = v
	}
	if v := support.GetEnvInt("GEO_REQUEST_DELAY_MS", 0); v > 0 {
		cfg.Geo.RequestDelayMS = v
	}
	if v := support.GetEnvInt("BATCH_SIZE", 0); v > 0 {
		cfg.Preprocessor.BatchSize = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}

// weightEpsilon matches original_source's correlation.py tolerance for
// the local+external weight-sum invariant.
const weightEpsilon = 0.001

// Validate enforces the startup-time invariants spec.md requires the
// system fail CONFIG on: the scoring weights must sum to 1.0 within
// epsilon, and the key timers/limits must be positive.
func Validate(cfg Config) error {
	sum := cfg.Weights.Local + cfg.Weights.External
	if math.Abs(sum-1.0) > weightEpsilon {
		return fmt.Errorf("config: CONFIG: local+external weights must sum to 1.0 (got %.4f)", sum)
	}
	if cfg.Reputation.DailyLimit <= 0 {
		return errors.New("config: CONFIG: reputation daily limit must be positive")
	}
	if cfg.Preprocessor.Interval.Duration() <= 0 {
		return errors.New("config: CONFIG: preprocessor interval must be positive")
	}
	if cfg.Preprocessor.BatchSize <= 0 {
		return errors.New("config: CONFIG: preprocessor batch size must be positive")
	}
	if cfg.Geo.RequestDelayMS < 0 {
		return errors.New("config: CONFIG: geo request delay cannot be negative")
	}
	return nil
}

// GetConfig returns the current live Config. Safe for concurrent use;
// callers never take a lock.
func GetConfig() Config {
	return configValue.Load().(Config)
}

// SetConfig atomically replaces the live Config, validating it first.
func SetConfig(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	configValue.Store(cfg)
	return nil
}

// PreprocessingTTL returns the configured snapshot_ttl, or the
// preprocess interval plus a fixed slack when it is unset. Nothing calls
// it: the preprocessor commits the snapshot with its own interval + 2m
// TTL, so snapshot_ttl in the settings file has no effect.
func PreprocessingTTL(cfg Config) time.Duration {
	if cfg.Preprocessor.SnapshotTTL.Duration() > 0 {
		return cfg.Preprocessor.SnapshotTTL.Duration()
	}
	return cfg.Preprocessor.Interval.Duration() + 2*time.Minute
}
