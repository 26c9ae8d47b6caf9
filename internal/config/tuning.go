package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for fuel-monitoring
// tuning parameters. Every field is independently tunable; fields omitted
// from the JSON file keep their built-in defaults via the Get* accessors,
// so partial configs are safe.
type TuningConfig struct {
	// Drop / theft thresholds
	DropThresholdPct    *float64 `json:"drop_threshold_pct,omitempty"`
	StoppedTheftPct     *float64 `json:"stopped_theft_pct,omitempty"`
	ExtremeDropPct      *float64 `json:"extreme_drop_pct,omitempty"`
	VolatilityThreshold *float64 `json:"volatility_threshold,omitempty"`

	// Recovery window params
	RecoveryWindowMinutes *float64 `json:"recovery_window_minutes,omitempty"`
	RecoveryTolerancePct  *float64 `json:"recovery_tolerance_pct,omitempty"`
	StaleDropMaxAgeHours  *float64 `json:"stale_drop_max_age_hours,omitempty"`

	// Refuel params
	RefuelThresholdPct         *float64 `json:"refuel_threshold_pct,omitempty"`
	ConsolidationWindowMinutes *float64 `json:"consolidation_window_minutes,omitempty"`
	RefuelBufferMaxAgeMinutes  *float64 `json:"refuel_buffer_max_age_minutes,omitempty"`

	// Vehicle defaults
	DefaultTankGallons *float64 `json:"default_tank_gallons,omitempty"`
	CalibrationFactor  *float64 `json:"calibration_factor,omitempty"`
	HistoryLength      *int     `json:"history_length,omitempty"`

	// Estimator params
	SmoothingAlpha    *float64 `json:"smoothing_alpha,omitempty"`
	IdleRatePctPerMin *float64 `json:"idle_rate_pct_per_min,omitempty"`
	LoadFactor        *float64 `json:"load_factor,omitempty"`
	AltitudeFactor    *float64 `json:"altitude_factor,omitempty"`
	ProcessNoiseLevel *float64 `json:"process_noise_level,omitempty"`
	ProcessNoiseRate  *float64 `json:"process_noise_rate,omitempty"`
	MeasurementNoise  *float64 `json:"measurement_noise,omitempty"`
	EmergencyGapHours *float64 `json:"emergency_gap_hours,omitempty"`
	EmergencyDriftPct *float64 `json:"emergency_drift_pct,omitempty"`

	// Scheduling params
	TickInterval *string `json:"tick_interval,omitempty"` // duration string like "15s"
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
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
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/fuel/ etc.
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.SmoothingAlpha != nil {
		if *c.SmoothingAlpha <= 0 || *c.SmoothingAlpha > 1 {
			return fmt.Errorf("smoothing_alpha must be in (0, 1], got %f", *c.SmoothingAlpha)
		}
	}

	if c.DropThresholdPct != nil && *c.DropThresholdPct <= 0 {
		return fmt.Errorf("drop_threshold_pct must be positive, got %f", *c.DropThresholdPct)
	}

	if c.RefuelThresholdPct != nil && *c.RefuelThresholdPct <= 0 {
		return fmt.Errorf("refuel_threshold_pct must be positive, got %f", *c.RefuelThresholdPct)
	}

	if c.DefaultTankGallons != nil && *c.DefaultTankGallons <= 0 {
		return fmt.Errorf("default_tank_gallons must be positive, got %f", *c.DefaultTankGallons)
	}

	if c.HistoryLength != nil && *c.HistoryLength < 2 {
		return fmt.Errorf("history_length must be at least 2, got %d", *c.HistoryLength)
	}

	if c.TickInterval != nil && *c.TickInterval != "" {
		if _, err := time.ParseDuration(*c.TickInterval); err != nil {
			return fmt.Errorf("invalid tick_interval '%s': %w", *c.TickInterval, err)
		}
	}

	return nil
}

// GetDropThresholdPct returns the drop_threshold_pct value or the default.
func (c *TuningConfig) GetDropThresholdPct() float64 {
	if c.DropThresholdPct == nil {
		return 10.0
	}
	return *c.DropThresholdPct
}

// GetStoppedTheftPct returns the stopped_theft_pct value or the default.
func (c *TuningConfig) GetStoppedTheftPct() float64 {
	if c.StoppedTheftPct == nil {
		return 15.0
	}
	return *c.StoppedTheftPct
}

// GetExtremeDropPct returns the extreme_drop_pct value or the default.
func (c *TuningConfig) GetExtremeDropPct() float64 {
	if c.ExtremeDropPct == nil {
		return 30.0
	}
	return *c.ExtremeDropPct
}

// GetVolatilityThreshold returns the volatility_threshold value or the default.
func (c *TuningConfig) GetVolatilityThreshold() float64 {
	if c.VolatilityThreshold == nil {
		return 5.0
	}
	return *c.VolatilityThreshold
}

// GetRecoveryWindow returns the recovery window as a time.Duration.
func (c *TuningConfig) GetRecoveryWindow() time.Duration {
	minutes := 10.0
	if c.RecoveryWindowMinutes != nil {
		minutes = *c.RecoveryWindowMinutes
	}
	return time.Duration(minutes * float64(time.Minute))
}

// GetRecoveryTolerancePct returns the recovery_tolerance_pct value or the default.
func (c *TuningConfig) GetRecoveryTolerancePct() float64 {
	if c.RecoveryTolerancePct == nil {
		return 5.0
	}
	return *c.RecoveryTolerancePct
}

// GetStaleDropMaxAge returns the stale pending-drop max age as a time.Duration.
func (c *TuningConfig) GetStaleDropMaxAge() time.Duration {
	hours := 24.0
	if c.StaleDropMaxAgeHours != nil {
		hours = *c.StaleDropMaxAgeHours
	}
	return time.Duration(hours * float64(time.Hour))
}

// GetRefuelThresholdPct returns the refuel_threshold_pct value or the default.
func (c *TuningConfig) GetRefuelThresholdPct() float64 {
	if c.RefuelThresholdPct == nil {
		return 8.0
	}
	return *c.RefuelThresholdPct
}

// GetConsolidationWindow returns the refuel consolidation window as a time.Duration.
func (c *TuningConfig) GetConsolidationWindow() time.Duration {
	minutes := 10.0
	if c.ConsolidationWindowMinutes != nil {
		minutes = *c.ConsolidationWindowMinutes
	}
	return time.Duration(minutes * float64(time.Minute))
}

// GetRefuelBufferMaxAge returns the refuel buffer max age as a time.Duration.
func (c *TuningConfig) GetRefuelBufferMaxAge() time.Duration {
	minutes := 15.0
	if c.RefuelBufferMaxAgeMinutes != nil {
		minutes = *c.RefuelBufferMaxAgeMinutes
	}
	return time.Duration(minutes * float64(time.Minute))
}

// GetDefaultTankGallons returns the default_tank_gallons value or the default.
func (c *TuningConfig) GetDefaultTankGallons() float64 {
	if c.DefaultTankGallons == nil {
		return 100.0
	}
	return *c.DefaultTankGallons
}

// GetCalibrationFactor returns the calibration_factor value or the default.
func (c *TuningConfig) GetCalibrationFactor() float64 {
	if c.CalibrationFactor == nil {
		return 1.0
	}
	return *c.CalibrationFactor
}

// GetHistoryLength returns the history_length value or the default.
func (c *TuningConfig) GetHistoryLength() int {
	if c.HistoryLength == nil {
		return 20
	}
	return *c.HistoryLength
}

// GetSmoothingAlpha returns the smoothing_alpha value or the default.
func (c *TuningConfig) GetSmoothingAlpha() float64 {
	if c.SmoothingAlpha == nil {
		return 0.7
	}
	return *c.SmoothingAlpha
}

// GetIdleRatePctPerMin returns the idle_rate_pct_per_min value or the default.
func (c *TuningConfig) GetIdleRatePctPerMin() float64 {
	if c.IdleRatePctPerMin == nil {
		return 0.05
	}
	return *c.IdleRatePctPerMin
}

// GetLoadFactor returns the load_factor value or the default.
func (c *TuningConfig) GetLoadFactor() float64 {
	if c.LoadFactor == nil {
		return 0.01
	}
	return *c.LoadFactor
}

// GetAltitudeFactor returns the altitude_factor value or the default.
func (c *TuningConfig) GetAltitudeFactor() float64 {
	if c.AltitudeFactor == nil {
		return 0.002
	}
	return *c.AltitudeFactor
}

// GetProcessNoiseLevel returns the process_noise_level value or the default.
func (c *TuningConfig) GetProcessNoiseLevel() float64 {
	if c.ProcessNoiseLevel == nil {
		return 0.5
	}
	return *c.ProcessNoiseLevel
}

// GetProcessNoiseRate returns the process_noise_rate value or the default.
func (c *TuningConfig) GetProcessNoiseRate() float64 {
	if c.ProcessNoiseRate == nil {
		return 0.01
	}
	return *c.ProcessNoiseRate
}

// GetMeasurementNoise returns the measurement_noise value or the default.
func (c *TuningConfig) GetMeasurementNoise() float64 {
	if c.MeasurementNoise == nil {
		return 2.0
	}
	return *c.MeasurementNoise
}

// GetEmergencyGapHours returns the emergency_gap_hours value or the default.
func (c *TuningConfig) GetEmergencyGapHours() float64 {
	if c.EmergencyGapHours == nil {
		return 2.0
	}
	return *c.EmergencyGapHours
}

// GetEmergencyDriftPct returns the emergency_drift_pct value or the default.
func (c *TuningConfig) GetEmergencyDriftPct() float64 {
	if c.EmergencyDriftPct == nil {
		return 30.0
	}
	return *c.EmergencyDriftPct
}

// GetTickInterval parses and returns the TickInterval as a time.Duration.
func (c *TuningConfig) GetTickInterval() time.Duration {
	if c.TickInterval == nil || *c.TickInterval == "" {
		return 15 * time.Second // default
	}
	d, err := time.ParseDuration(*c.TickInterval)
	if err != nil {
		return 15 * time.Second // default on parse error
	}
	return d
}
