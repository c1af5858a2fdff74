package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	s := cfg.Stacking
	if s.AlphaThreshold != 250 || s.ErodeKernel != 3 || s.ErodeIterations != 1 || s.FocusBlurSize != 5 || s.InvalidScore != 1e9 {
		t.Fatalf("unexpected fusion defaults %+v", s)
	}
	if s.MaxIterations != 1000 || s.Epsilon != 1e-5 || s.MotionModel != "affine" || s.ReferenceIndex != -1 {
		t.Fatalf("unexpected registration defaults %+v", s)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stacking.OutputName != "fused.png" {
		t.Fatalf("expected defaults, got %+v", cfg.Stacking)
	}
}

func TestLoadJSONOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"stacking": {"motion_model": "homography", "min_images": 3}, "logging": {"level": "debug"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Stacking.MotionModel != "homography" || cfg.Stacking.MinImages != 3 || cfg.Logging.Level != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Stacking.AlphaThreshold != 250 {
		t.Fatalf("unset fields must keep defaults")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "stacking:\n  erode_iterations: 2\n  save_aligned: true\nserver:\n  http_addr: \":9999\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Stacking.ErodeIterations != 2 || !cfg.Stacking.SaveAligned || cfg.Server.HTTPAddr != ":9999" {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Stacking.MotionModel = "warp-drive"
	cfg.Stacking.ErodeKernel = 2
	cfg.Stacking.OutputName = "../escape.png"
	cfg.Paths.DatabaseDriver = "postgres"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"motion_model", "erode_kernel", "output_name", "database_driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"out.json", "out.yml"} {
		cfg := Default()
		cfg.Stacking.Estimator = "gocv"
		cfg.Watch.DebounceMillis = 250
		path := filepath.Join(dir, name)
		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save %s: %v", name, err)
		}
		back, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile %s: %v", name, err)
		}
		if back.Stacking.Estimator != "gocv" || back.Watch.DebounceMillis != 250 {
			t.Fatalf("%s: round trip lost values: %+v", name, back)
		}
	}
}
