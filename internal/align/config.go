// Package align drives multi-map alignment: the star alignment, where maps
// are registered one by one onto a growing reference consensus, and the
// symmetric KD alignment, where all maps are grouped at once after an
// optional drift correction.
package align

import (
	"errors"
	"fmt"
	"os"

	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/registration"
	"github.com/524D/mzalign/internal/transform"
	"gopkg.in/yaml.v3"
)

// ErrConfig is returned for invalid configurations and inputs, before any
// processing is done.
var ErrConfig = errors.New("invalid alignment configuration")

// Config holds all alignment options.
type Config struct {
	RTTolerance              float64             `yaml:"rt_tolerance"`
	MzTolerance              float64             `yaml:"mz_tolerance"`
	MzUnit                   feature.MzUnit      `yaml:"mz_unit"`
	NumPartitions            int                 `yaml:"num_partitions"`
	ChargeMergePolicy        feature.MergePolicy `yaml:"charge_merge_policy"`
	AdductMergePolicy        feature.MergePolicy `yaml:"adduct_merge_policy"`
	WarpEnabled              bool                `yaml:"warp_enabled"`
	WarpRTTolerance          float64             `yaml:"warp_rt_tolerance"`
	WarpMzTolerance          float64             `yaml:"warp_mz_tolerance"`
	WarpMaxLogFoldChange     float64             `yaml:"warp_max_log_fold_change"` // negative disables the check
	MaxConflictsPerComponent int                 `yaml:"max_conflicts_per_component"`

	Reference         int               `yaml:"reference"` // -1 selects the map with most points
	Registration      registration.Kind `yaml:"registration"`
	Transform         transform.Method  `yaml:"transform"`
	TransformRegions  int               `yaml:"transform_regions"`
	LowessSpan        float64           `yaml:"lowess_span"`
	MinAnchorQuality  float64           `yaml:"min_anchor_quality"`
	NumUsedPoints     int               `yaml:"num_used_points"`
	MaxShift          float64           `yaml:"max_shift"`
	MaxScaling        float64           `yaml:"max_scaling"`
	ShiftBucketSize   float64           `yaml:"shift_bucket_size"`
	ScalingBucketSize float64           `yaml:"scaling_bucket_size"`
	MzPairMaxDistance float64           `yaml:"mz_pair_max_distance"`
	Workers           int               `yaml:"workers"` // 0 uses GOMAXPROCS
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	rp := registration.DefaultParams()
	return Config{
		RTTolerance:              30,
		MzTolerance:              10,
		MzUnit:                   feature.PPM,
		NumPartitions:            1,
		ChargeMergePolicy:        feature.CompatibleWithUnknown,
		AdductMergePolicy:        feature.Any,
		WarpEnabled:              true,
		WarpRTTolerance:          100,
		WarpMzTolerance:          5,
		WarpMaxLogFoldChange:     -1,
		MaxConflictsPerComponent: -1,
		Reference:                -1,
		Registration:             registration.PoseAffine,
		Transform:                transform.MethodLowess,
		TransformRegions:         1,
		LowessSpan:               2.0 / 3,
		MinAnchorQuality:         0,
		NumUsedPoints:            rp.NumUsedPoints,
		MaxShift:                 rp.MaxShift,
		MaxScaling:               rp.MaxScaling,
		ShiftBucketSize:          rp.ShiftBucketSize,
		ScalingBucketSize:        rp.ScalingBucketSize,
		MzPairMaxDistance:        rp.MzPairMaxDistance,
	}
}

// Validate checks the option ranges.
func (c *Config) Validate() error {
	switch {
	case c.RTTolerance <= 0:
		return fmt.Errorf("%w: rt_tolerance must be > 0, got %v", ErrConfig, c.RTTolerance)
	case c.MzTolerance <= 0:
		return fmt.Errorf("%w: mz_tolerance must be > 0, got %v", ErrConfig, c.MzTolerance)
	case c.NumPartitions < 1:
		return fmt.Errorf("%w: num_partitions must be >= 1, got %d", ErrConfig, c.NumPartitions)
	case c.WarpEnabled && c.WarpRTTolerance <= 0:
		return fmt.Errorf("%w: warp_rt_tolerance must be > 0, got %v", ErrConfig, c.WarpRTTolerance)
	case c.WarpEnabled && c.WarpMzTolerance <= 0:
		return fmt.Errorf("%w: warp_mz_tolerance must be > 0, got %v", ErrConfig, c.WarpMzTolerance)
	case c.MaxConflictsPerComponent < -1:
		return fmt.Errorf("%w: max_conflicts_per_component must be >= -1, got %d", ErrConfig, c.MaxConflictsPerComponent)
	case c.Reference < -1:
		return fmt.Errorf("%w: reference must be >= -1, got %d", ErrConfig, c.Reference)
	case c.TransformRegions < 1:
		return fmt.Errorf("%w: transform_regions must be >= 1, got %d", ErrConfig, c.TransformRegions)
	case c.LowessSpan <= 0 || c.LowessSpan > 1:
		return fmt.Errorf("%w: lowess_span must be in (0,1], got %v", ErrConfig, c.LowessSpan)
	case c.MinAnchorQuality < 0 || c.MinAnchorQuality > 1:
		return fmt.Errorf("%w: min_anchor_quality must be in [0,1], got %v", ErrConfig, c.MinAnchorQuality)
	case c.NumUsedPoints < -1 || c.NumUsedPoints == 0:
		return fmt.Errorf("%w: num_used_points must be -1 or > 0, got %d", ErrConfig, c.NumUsedPoints)
	case c.MaxShift <= 0 || c.MaxScaling < 1:
		return fmt.Errorf("%w: max_shift must be > 0 and max_scaling >= 1", ErrConfig)
	case c.ShiftBucketSize <= 0 || c.ScalingBucketSize <= 0:
		return fmt.Errorf("%w: bucket sizes must be > 0", ErrConfig)
	case c.MzPairMaxDistance <= 0:
		return fmt.Errorf("%w: mz_pair_max_distance must be > 0, got %v", ErrConfig, c.MzPairMaxDistance)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers must be >= 0, got %d", ErrConfig, c.Workers)
	}
	return nil
}

func (c *Config) tolerance() feature.Tolerance {
	return feature.Tolerance{RT: c.RTTolerance, Mz: c.MzTolerance, Unit: c.MzUnit}
}

func (c *Config) warpTolerance() feature.Tolerance {
	return feature.Tolerance{RT: c.WarpRTTolerance, Mz: c.WarpMzTolerance, Unit: c.MzUnit}
}

func (c *Config) registrationParams() registration.Params {
	return registration.Params{
		MzPairMaxDistance:      c.MzPairMaxDistance,
		RTPairDistanceFraction: registration.DefaultParams().RTPairDistanceFraction,
		NumUsedPoints:          c.NumUsedPoints,
		ScalingBucketSize:      c.ScalingBucketSize,
		ShiftBucketSize:        c.ShiftBucketSize,
		MaxShift:               c.MaxShift,
		MaxScaling:             c.MaxScaling,
		AnchorRTTol:            c.WarpRTTolerance,
		AnchorMzTol:            c.WarpMzTolerance,
		Unit:                   c.MzUnit,
		ChargePolicy:           c.ChargeMergePolicy,
	}
}

func (c *Config) fitOptions() transform.FitOptions {
	return transform.FitOptions{
		Method:     c.Transform,
		Regions:    c.TransformRegions,
		Span:       c.LowessSpan,
		MinQuality: c.MinAnchorQuality,
	}
}

// LoadConfig reads a YAML configuration file. Options missing from the file
// keep their default value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
