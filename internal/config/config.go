package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	// EnvConfig overrides the configuration file location.
	EnvConfig         = "FOCUSSTACK_CONFIG"
	defaultConfigPath = "~/.config/focusstack/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Stacking   Stacking   `json:"stacking" yaml:"stacking"`
	Server     Server     `json:"server" yaml:"server"`
	Watch      Watch      `json:"watch" yaml:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs   int `json:"parallel_jobs" yaml:"parallel_jobs"`     // pipeline workers
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"` // goroutines inside one stack
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json, traditional
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput   string `json:"default_input" yaml:"default_input"`
	DefaultOutput  string `json:"default_output" yaml:"default_output"`
	DatabasePath   string `json:"database_path" yaml:"database_path"`
	DatabaseDriver string `json:"database_driver" yaml:"database_driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// Stacking controls registration and fusion.
type Stacking struct {
	MotionModel     string  `json:"motion_model" yaml:"motion_model"`       // translation, euclidean, affine, homography
	ReferenceIndex  int     `json:"reference_index" yaml:"reference_index"` // -1 selects the middle frame
	MaxIterations   int     `json:"max_iterations" yaml:"max_iterations"`
	Epsilon         float64 `json:"epsilon" yaml:"epsilon"`
	GaussFilterSize int     `json:"gauss_filter_size" yaml:"gauss_filter_size"`
	Estimator       string  `json:"estimator" yaml:"estimator"` // native, gocv

	AlphaThreshold  int     `json:"alpha_threshold" yaml:"alpha_threshold"`
	ErodeKernel     int     `json:"erode_kernel" yaml:"erode_kernel"`
	ErodeIterations int     `json:"erode_iterations" yaml:"erode_iterations"`
	FocusBlurSize   int     `json:"focus_blur_size" yaml:"focus_blur_size"`
	InvalidScore    float64 `json:"invalid_score" yaml:"invalid_score"`
	FocusMeasure    string  `json:"focus_measure" yaml:"focus_measure"` // native, gocv

	MinImages   int    `json:"min_images" yaml:"min_images"`
	OutputName  string `json:"output_name" yaml:"output_name"`
	SaveAligned bool   `json:"save_aligned" yaml:"save_aligned"`
	DebugMaps   bool   `json:"debug_maps" yaml:"debug_maps"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// Watch configures the directory watcher.
type Watch struct {
	DebounceMillis int `json:"debounce_ms" yaml:"debounce_ms"`
}

// Path returns the configuration file location, honouring FOCUSSTACK_CONFIG.
func Path() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the file at path over the defaults. A missing file yields
// the defaults; .yaml and .yml files are parsed as YAML, anything else as JSON.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs:   defaultParallel,
			MaxConcurrency: 4,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "traditional",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:   "UnregisteredImages",
			DefaultOutput:  "Results",
			DatabasePath:   filepath.Join(os.TempDir(), "focusstack.db"),
			DatabaseDriver: "sqlite",
		},
		Stacking: Stacking{
			MotionModel:     "affine",
			ReferenceIndex:  -1,
			MaxIterations:   1000,
			Epsilon:         1e-5,
			GaussFilterSize: 5,
			Estimator:       "native",
			AlphaThreshold:  250,
			ErodeKernel:     3,
			ErodeIterations: 1,
			FocusBlurSize:   5,
			InvalidScore:    1e9,
			FocusMeasure:    "native",
			MinImages:       2,
			OutputName:      "fused.png",
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
		Watch: Watch{
			DebounceMillis: 2000,
		},
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Processing.ParallelJobs >= 1, "processing.parallel_jobs must be >= 1, got %d", c.Processing.ParallelJobs)
	check(c.Processing.MaxConcurrency >= 1, "processing.max_concurrency must be >= 1, got %d", c.Processing.MaxConcurrency)

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "traditional":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of text, json, traditional", c.Logging.Format))
	}
	switch c.Paths.DatabaseDriver {
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("paths.database_driver %q is not sqlite or sqlite3", c.Paths.DatabaseDriver))
	}

	s := c.Stacking
	switch strings.ToLower(s.MotionModel) {
	case "translation", "shift", "euclidean", "rigid", "affine", "homography", "projective", "perspective":
	default:
		errs = append(errs, fmt.Errorf("stacking.motion_model %q is unknown", s.MotionModel))
	}
	check(s.ReferenceIndex >= -1, "stacking.reference_index must be >= -1, got %d", s.ReferenceIndex)
	check(s.MaxIterations >= 1, "stacking.max_iterations must be >= 1, got %d", s.MaxIterations)
	check(s.Epsilon >= 0, "stacking.epsilon must be >= 0, got %g", s.Epsilon)
	check(s.GaussFilterSize >= 0, "stacking.gauss_filter_size must be >= 0, got %d", s.GaussFilterSize)
	check(s.AlphaThreshold >= 0 && s.AlphaThreshold <= 255, "stacking.alpha_threshold must be in [0,255], got %d", s.AlphaThreshold)
	check(s.ErodeKernel >= 1 && s.ErodeKernel%2 == 1, "stacking.erode_kernel must be odd and >= 1, got %d", s.ErodeKernel)
	check(s.ErodeIterations >= 0, "stacking.erode_iterations must be >= 0, got %d", s.ErodeIterations)
	check(s.FocusBlurSize >= 1 && s.FocusBlurSize%2 == 1, "stacking.focus_blur_size must be odd and >= 1, got %d", s.FocusBlurSize)
	check(s.InvalidScore > 0, "stacking.invalid_score must be > 0, got %g", s.InvalidScore)
	check(s.MinImages >= 1, "stacking.min_images must be >= 1, got %d", s.MinImages)
	check(s.OutputName != "" && filepath.Base(s.OutputName) == s.OutputName, "stacking.output_name must be a plain file name, got %q", s.OutputName)
	check(c.Watch.DebounceMillis >= 0, "watch.debounce_ms must be >= 0, got %d", c.Watch.DebounceMillis)

	return errors.Join(errs...)
}

// Save writes the configuration as indented JSON, or YAML for .yaml/.yml paths.
func (c *Config) Save(path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	var data []byte
	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o644)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
