package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"ctcubes/pkg/normalize"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	def := DefaultConfig()
	if cfg.Processing.PatchSize != def.Processing.PatchSize {
		t.Errorf("PatchSize = %d, want default %d", cfg.Processing.PatchSize, def.Processing.PatchSize)
	}
	if cfg.Processing.WindowLowHU != -1000 || cfg.Processing.WindowHighHU != 400 {
		t.Errorf("window = [%g, %g], want [-1000, 400]",
			cfg.Processing.WindowLowHU, cfg.Processing.WindowHighHU)
	}
	if cfg.Processing.TargetSpacingMM != 1.0 {
		t.Errorf("TargetSpacingMM = %g, want 1.0", cfg.Processing.TargetSpacingMM)
	}
	if cfg.Output.StoreDriver != "fs" {
		t.Errorf("StoreDriver = %q, want fs", cfg.Output.StoreDriver)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Input.ScanRoot = "/data/luna/subset0"
	cfg.Processing.PatchSize = 48
	cfg.Processing.NumWorkers = 3
	cfg.Output.SavePreviews = true

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if loaded.Input.ScanRoot != "/data/luna/subset0" {
		t.Errorf("ScanRoot = %q", loaded.Input.ScanRoot)
	}
	if loaded.Processing.PatchSize != 48 {
		t.Errorf("PatchSize = %d, want 48", loaded.Processing.PatchSize)
	}
	if loaded.Processing.NumWorkers != 3 {
		t.Errorf("NumWorkers = %d, want 3", loaded.Processing.NumWorkers)
	}
	if !loaded.Output.SavePreviews {
		t.Error("SavePreviews not preserved")
	}
}

func TestLoadConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := "processing:\n  patchSize: 32\n"
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Processing.PatchSize != 32 {
		t.Errorf("PatchSize = %d, want 32 from file", cfg.Processing.PatchSize)
	}
	if cfg.Processing.WindowHighHU != 400 {
		t.Errorf("WindowHighHU = %g, want default 400", cfg.Processing.WindowHighHU)
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("processing: [not a mapping"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{"defaults", func(*Config) {}, true},
		{"inverted window", func(c *Config) {
			c.Processing.WindowLowHU = 400
			c.Processing.WindowHighHU = -1000
		}, false},
		{"equal window bounds", func(c *Config) {
			c.Processing.WindowLowHU = 100
			c.Processing.WindowHighHU = 100
		}, false},
		{"zero spacing", func(c *Config) { c.Processing.TargetSpacingMM = 0 }, false},
		{"negative patch size", func(c *Config) { c.Processing.PatchSize = -1 }, false},
		{"unknown store driver", func(c *Config) { c.Output.StoreDriver = "ftp" }, false},
		{"memory store driver", func(c *Config) { c.Output.StoreDriver = "memory" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantOK && err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
			if !tt.wantOK && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestValidateWindowError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processing.WindowLowHU = 500
	cfg.Processing.WindowHighHU = 400

	if err := cfg.Validate(); !errors.Is(err, normalize.ErrInvalidRange) {
		t.Errorf("Validate() error = %v, want ErrInvalidRange", err)
	}
}
