package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"curveslicer/internal/errs"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Volume.Mip != -1 {
		t.Errorf("expected default mip -1, got %d", cfg.Volume.Mip)
	}
	if !cfg.Backproject.MinBoundingBox || !cfg.Output.SingleFile {
		t.Errorf("expected minBoundingBox and singleFile to default to true")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Slice.Spacing != DefaultConfig().Slice.Spacing {
		t.Errorf("expected default spacing, got %v", cfg.Slice.Spacing)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Slice.Width = 64
	cfg.Slice.Spacing = 2.5
	cfg.BoundingBox.TargetSlicesPerBox = 16
	cfg.Neuroglancer.ImageLayer = "em"
	cfg.Output.Verbose = true
	cfg.Output.Logfile = "run.log"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Slice.Width != 64 || loaded.Slice.Spacing != 2.5 {
		t.Errorf("slice section not restored: %+v", loaded.Slice)
	}
	if loaded.BoundingBox.TargetSlicesPerBox != 16 {
		t.Errorf("expected targetSlicesPerBox 16, got %d", loaded.BoundingBox.TargetSlicesPerBox)
	}
	if loaded.Neuroglancer.ImageLayer != "em" {
		t.Errorf("expected image layer em, got %q", loaded.Neuroglancer.ImageLayer)
	}
	if !loaded.Output.Verbose || loaded.Output.Logfile != "run.log" {
		t.Errorf("logging settings not restored: %+v", loaded.Output.Config)
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("slice:\n  spacing: 4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Slice.Spacing != 4 {
		t.Errorf("expected spacing 4, got %v", cfg.Slice.Spacing)
	}
	if cfg.Slice.SplineDegree != 3 || cfg.Backproject.Compression != "zstd" {
		t.Errorf("defaults lost: degree %d, compression %q", cfg.Slice.SplineDegree, cfg.Backproject.Compression)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("slice: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero spacing", func(c *Config) { c.Slice.Spacing = 0 }},
		{"negative spacing", func(c *Config) { c.Slice.Spacing = -1 }},
		{"zero width", func(c *Config) { c.Slice.Width = 0 }},
		{"degree one", func(c *Config) { c.Slice.SplineDegree = 1 }},
		{"interpolation", func(c *Config) { c.Slice.Interpolation = "cubic" }},
		{"target", func(c *Config) { c.BoundingBox.TargetSlicesPerBox = 0 }},
		{"depth", func(c *Config) { c.BoundingBox.MaxDepth = -1 }},
		{"ram", func(c *Config) { c.Backproject.MaxRAMGB = -2 }},
		{"axis", func(c *Config) { c.Backproject.Axis = "w" }},
		{"compression", func(c *Config) { c.Backproject.Compression = "lzw" }},
		{"threads", func(c *Config) { c.Processing.NumThreads = 0 }},
		{"name", func(c *Config) { c.Output.Name = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if !errors.Is(err, errs.ErrInvalidParameter) {
				t.Errorf("expected ErrInvalidParameter, got %v", err)
			}
		})
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("CreateDefaultConfigFile failed: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written default config should validate: %v", err)
	}
}
