// Package config provides configuration loading and management for curveslicer.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"curveslicer/internal/errs"
	"curveslicer/internal/logging"
	"curveslicer/pkg/bbox"
	"curveslicer/pkg/output"
	"curveslicer/pkg/resample"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Slice geometry parameters
	Slice struct {
		// Width and Height are the slice dimensions in pixels
		Width  int `yaml:"width"`
		Height int `yaml:"height"`

		// Spacing is the arc length distance between consecutive slices
		Spacing float64 `yaml:"spacing"`

		// SplineDegree is the degree of the fitted centerline spline
		SplineDegree int `yaml:"splineDegree"`

		// Interpolation is "linear" or "nearest"
		Interpolation string `yaml:"interpolation"`

		// Adaptive places slices more densely where the curve bends
		Adaptive struct {
			Enabled bool `yaml:"enabled"`

			// Ratio weighs curvature against arc length
			Ratio float64 `yaml:"ratio"`
		} `yaml:"adaptive"`

		// ConnectStartAndEnd closes the curve by appending the first point
		ConnectStartAndEnd bool `yaml:"connectStartAndEnd"`
	} `yaml:"slice"`

	// BoundingBox controls the partitioning of slices into download boxes
	BoundingBox bbox.Params `yaml:"boundingBox"`

	// Volume source parameters
	Volume struct {
		// Source is the URL of the precomputed volume. When empty, the
		// image layer of the neuroglancer state is used.
		Source string `yaml:"source"`

		// Mip is the resolution level slices are cut from; -1 selects the finest
		Mip int `yaml:"mip"`

		// AnnotationMip is the resolution level the annotation points were
		// placed at; -1 means the same as Mip
		AnnotationMip int `yaml:"annotationMip"`

		// CacheMB is the size of the in-memory chunk cache
		CacheMB int `yaml:"cacheMB"`

		// FlushCache clears the chunk cache after every stage
		FlushCache bool `yaml:"flushCache"`

		// Parallelism bounds concurrent chunk fetches per download
		Parallelism int `yaml:"parallelism"`
	} `yaml:"volume"`

	// Neuroglancer layer selection. Empty names select the first layer of each type.
	Neuroglancer struct {
		AnnotationLayer string `yaml:"annotationLayer"`
		ImageLayer      string `yaml:"imageLayer"`
	} `yaml:"neuroglancer"`

	// Backprojection parameters
	Backproject struct {
		// MaxRAMGB bounds the chunk buffer; 0 means no limit
		MaxRAMGB float64 `yaml:"maxRAMGB"`

		// MinBoundingBox restricts the output to the boxes' bounding box
		MinBoundingBox bool `yaml:"minBoundingBox"`

		// Binary writes 1 for every non-zero voxel
		Binary bool `yaml:"binary"`

		// Compression is "zstd", "deflate" or "none"
		Compression string `yaml:"compression"`

		// Axis is the axis output frames are stacked along
		Axis string `yaml:"axis"`
	} `yaml:"backproject"`

	// Processing parameters
	Processing struct {
		// NumThreads is the number of concurrent box downloads
		NumThreads int `yaml:"numThreads"`

		// NumProcesses specifies how many CPU cores to use for resampling
		NumProcesses int `yaml:"numProcesses"`

		// QueueSize bounds the downloaded boxes waiting for processing
		QueueSize int `yaml:"queueSize"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Folder and Name locate the outputs
		Folder string `yaml:"folder"`
		Name   string `yaml:"name"`

		// SingleFile merges frames into one stack file
		SingleFile bool `yaml:"singleFile"`

		// KeepFrames keeps the frame directory after merging
		KeepFrames bool `yaml:"keepFrames"`

		logging.Config `yaml:",inline"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default slice parameters
	cfg.Slice.Width = 100
	cfg.Slice.Height = 100
	cfg.Slice.Spacing = 1.0
	cfg.Slice.SplineDegree = 3
	cfg.Slice.Interpolation = resample.Linear.String()
	cfg.Slice.Adaptive.Ratio = 1.0

	cfg.BoundingBox = bbox.DefaultParams()

	// Set default volume parameters
	cfg.Volume.Mip = -1
	cfg.Volume.AnnotationMip = -1
	cfg.Volume.CacheMB = 512
	cfg.Volume.Parallelism = 8

	// Set default backprojection parameters
	cfg.Backproject.MinBoundingBox = true
	cfg.Backproject.Compression = "zstd"
	cfg.Backproject.Axis = "z"

	// Set default processing parameters
	cfg.Processing.NumThreads = 1
	cfg.Processing.NumProcesses = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.QueueSize = 4

	// Set default output parameters
	cfg.Output.Folder = "."
	cfg.Output.Name = "curve"
	cfg.Output.SingleFile = true
	cfg.Output.MaxSize = 100
	cfg.Output.MaxAge = 28

	return cfg
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	switch {
	case c.Slice.Width < 1 || c.Slice.Height < 1:
		return errs.Invalidf("slice size must be positive, got %dx%d", c.Slice.Width, c.Slice.Height)
	case c.Slice.Spacing <= 0 || math.IsNaN(c.Slice.Spacing) || math.IsInf(c.Slice.Spacing, 0):
		return errs.Invalidf("slice spacing must be positive, got %v", c.Slice.Spacing)
	case c.Slice.SplineDegree < 2:
		return errs.Invalidf("spline degree must be at least 2, got %d", c.Slice.SplineDegree)
	case c.Slice.Adaptive.Enabled && c.Slice.Adaptive.Ratio < 0:
		return errs.Invalidf("adaptive ratio must be non-negative, got %v", c.Slice.Adaptive.Ratio)
	case c.BoundingBox.TargetSlicesPerBox < 1:
		return errs.Invalidf("targetSlicesPerBox must be at least 1, got %d", c.BoundingBox.TargetSlicesPerBox)
	case c.BoundingBox.MaxDepth < 0:
		return errs.Invalidf("maxDepth must be non-negative, got %d", c.BoundingBox.MaxDepth)
	case c.Volume.CacheMB < 0:
		return errs.Invalidf("cacheMB must be non-negative, got %d", c.Volume.CacheMB)
	case c.Backproject.MaxRAMGB < 0:
		return errs.Invalidf("maxRAMGB must be non-negative, got %v", c.Backproject.MaxRAMGB)
	case c.Processing.NumThreads < 1 || c.Processing.NumProcesses < 1:
		return errs.Invalidf("numThreads and numProcesses must be at least 1")
	case c.Processing.QueueSize < 0:
		return errs.Invalidf("queueSize must be non-negative, got %d", c.Processing.QueueSize)
	case c.Output.Name == "":
		return errs.Invalidf("output name must not be empty")
	}
	if _, err := resample.ParseMethod(c.Slice.Interpolation); err != nil {
		return errs.Invalidf("%v", err)
	}
	if _, err := output.ParseAxis(c.Backproject.Axis); err != nil {
		return err
	}
	switch c.Backproject.Compression {
	case "zstd", "deflate", "none":
	default:
		return errs.Invalidf("unsupported compression %q (must be zstd, deflate or none)", c.Backproject.Compression)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// OutputPath joins the output folder with a name derived from the output name.
func (c *Config) OutputPath(suffix string) string {
	return filepath.Join(c.Output.Folder, c.Output.Name+suffix)
}
