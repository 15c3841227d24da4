package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rehab-data/posture.report/internal/posture"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning parameters.
// The schema matches the /api/config endpoint so the same JSON can be used
// for both startup configuration and runtime inspection.
type TuningConfig struct {
	// Classifier params
	SquatThreshold        *float64 `json:"squat_threshold,omitempty"`
	DodgeDuration         *float64 `json:"dodge_duration,omitempty"`
	CooldownDuration      *float64 `json:"cooldown_duration,omitempty"`
	MaxDepthReference     *float64 `json:"max_depth_reference,omitempty"`
	SmoothingFactor       *float64 `json:"smoothing_factor,omitempty"`
	PerfectSquatThreshold *float64 `json:"perfect_squat_threshold,omitempty"`
	ValidFormThreshold    *float64 `json:"valid_form_threshold,omitempty"`

	// Tempo/stability curve params
	MinDescentTime         *float64 `json:"min_descent_time,omitempty"`
	MaxDescentTime         *float64 `json:"max_descent_time,omitempty"`
	StabilityVelocityLimit *float64 `json:"stability_velocity_limit,omitempty"`

	// Rep worker params
	RepGapSeconds     *int    `json:"rep_gap_seconds,omitempty"`
	RepWorkerInterval *string `json:"rep_worker_interval,omitempty"` // duration string like "5m"
	RepWorkerWindow   *string `json:"rep_worker_window,omitempty"`   // duration string like "10m"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field explicitly set
// to its default value. The values here must stay in sync with
// posture.DefaultConfig and the rep worker defaults.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		SquatThreshold:         ptrFloat64(0.3),
		DodgeDuration:          ptrFloat64(0.5),
		CooldownDuration:       ptrFloat64(0.2),
		MaxDepthReference:      ptrFloat64(0.6),
		SmoothingFactor:        ptrFloat64(0.25),
		PerfectSquatThreshold:  ptrFloat64(0.85),
		ValidFormThreshold:     ptrFloat64(0.6),
		MinDescentTime:         ptrFloat64(0.4),
		MaxDescentTime:         ptrFloat64(2.0),
		StabilityVelocityLimit: ptrFloat64(0.35),
		RepGapSeconds:          ptrInt(2),
		RepWorkerInterval:      ptrString("5m"),
		RepWorkerWindow:        ptrString("10m"),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. Range validation
// of classifier values is delegated to the classifier itself; this catches
// values that cannot even be expressed there.
func (c *TuningConfig) Validate() error {
	if c.SmoothingFactor != nil {
		if *c.SmoothingFactor <= 0 || *c.SmoothingFactor >= 1 {
			return fmt.Errorf("smoothing_factor must be between 0 and 1 exclusive, got %f", *c.SmoothingFactor)
		}
	}

	if c.RepGapSeconds != nil {
		if *c.RepGapSeconds < 1 {
			return fmt.Errorf("rep_gap_seconds must be at least 1, got %d", *c.RepGapSeconds)
		}
	}

	// Validate RepWorkerInterval can be parsed if set
	if c.RepWorkerInterval != nil && *c.RepWorkerInterval != "" {
		if _, err := time.ParseDuration(*c.RepWorkerInterval); err != nil {
			return fmt.Errorf("invalid rep_worker_interval '%s': %w", *c.RepWorkerInterval, err)
		}
	}

	// Validate RepWorkerWindow can be parsed if set
	if c.RepWorkerWindow != nil && *c.RepWorkerWindow != "" {
		if _, err := time.ParseDuration(*c.RepWorkerWindow); err != nil {
			return fmt.Errorf("invalid rep_worker_window '%s': %w", *c.RepWorkerWindow, err)
		}
	}

	// Let the classifier reject anything out of range before the service
	// starts rather than at first tick.
	if err := c.ClassifierConfig().Validate(); err != nil {
		return err
	}

	return nil
}

// ClassifierConfig assembles a posture.Config from the set fields. Unset
// fields fall back to the classifier defaults.
func (c *TuningConfig) ClassifierConfig() posture.Config {
	cfg := posture.DefaultConfig()
	if c.SquatThreshold != nil {
		cfg.SquatThreshold = *c.SquatThreshold
	}
	if c.DodgeDuration != nil {
		cfg.DodgeDuration = *c.DodgeDuration
	}
	if c.CooldownDuration != nil {
		cfg.CooldownDuration = *c.CooldownDuration
	}
	if c.MaxDepthReference != nil {
		cfg.MaxDepthReference = *c.MaxDepthReference
	}
	if c.SmoothingFactor != nil {
		cfg.SmoothingFactor = *c.SmoothingFactor
	}
	if c.PerfectSquatThreshold != nil {
		cfg.PerfectSquatThreshold = *c.PerfectSquatThreshold
	}
	if c.ValidFormThreshold != nil {
		cfg.ValidFormThreshold = *c.ValidFormThreshold
	}
	if c.MinDescentTime != nil {
		cfg.MinDescentTime = *c.MinDescentTime
	}
	if c.MaxDescentTime != nil {
		cfg.MaxDescentTime = *c.MaxDescentTime
	}
	if c.StabilityVelocityLimit != nil {
		cfg.StabilityVelocityLimit = *c.StabilityVelocityLimit
	}
	return cfg
}

// GetRepGapSeconds returns the rep_gap_seconds value or the default.
func (c *TuningConfig) GetRepGapSeconds() int {
	if c.RepGapSeconds == nil {
		return 2
	}
	return *c.RepGapSeconds
}

// GetRepWorkerInterval parses and returns the RepWorkerInterval as a time.Duration.
func (c *TuningConfig) GetRepWorkerInterval() time.Duration {
	if c.RepWorkerInterval == nil || *c.RepWorkerInterval == "" {
		return 5 * time.Minute // default
	}
	d, err := time.ParseDuration(*c.RepWorkerInterval)
	if err != nil {
		return 5 * time.Minute // default on parse error
	}
	return d
}

// GetRepWorkerWindow parses and returns the RepWorkerWindow as a time.Duration.
func (c *TuningConfig) GetRepWorkerWindow() time.Duration {
	if c.RepWorkerWindow == nil || *c.RepWorkerWindow == "" {
		return 10 * time.Minute // default
	}
	d, err := time.ParseDuration(*c.RepWorkerWindow)
	if err != nil {
		return 10 * time.Minute // default on parse error
	}
	return d
}
