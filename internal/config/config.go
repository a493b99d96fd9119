package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the file is read.
const (
	EnvDevice    = "VISIONCAP_DEVICE"
	EnvModelsDir = "VISIONCAP_MODELS_DIR"
	EnvORTLib    = "VISIONCAP_ORT_LIB"
	EnvLogLevel  = "VISIONCAP_LOG_LEVEL"
)

// Config is the complete visioncap configuration
type Config struct {
	Camera    CameraConfig    `yaml:"camera"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Models    ModelsConfig    `yaml:"models"`
	Pipelines PipelinesConfig `yaml:"pipelines"`
	Filter    FilterConfig    `yaml:"filter"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Preview   PreviewConfig   `yaml:"preview"`
}

// CameraConfig selects and configures the capture device
type CameraConfig struct {
	Driver           string        `yaml:"driver"` // gocv, gstreamer
	Device           string        `yaml:"device"` // index or path
	Width            int           `yaml:"width"`
	Height           int           `yaml:"height"`
	MinFrameDuration time.Duration `yaml:"min_frame_duration"`
	MaxFrameDuration time.Duration `yaml:"max_frame_duration"`
	MaxReadFailures  int           `yaml:"max_read_failures"`
}

// RuntimeConfig configures ONNX Runtime
type RuntimeConfig struct {
	LibraryPath    string `yaml:"library_path"` // empty picks the platform default
	CoreML         bool   `yaml:"coreml"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
}

// ModelsConfig locates model files
type ModelsConfig struct {
	Dir string `yaml:"dir"`
	Ext string `yaml:"ext"`
}

// PipelinesConfig holds one entry per inference kind
type PipelinesConfig struct {
	Object   PipelineConfig `yaml:"object"`
	Face     PipelineConfig `yaml:"face"`
	Landmark PipelineConfig `yaml:"landmark"`
	Human    PipelineConfig `yaml:"human"`
}

// PipelineConfig configures a single pipeline and its engine
type PipelineConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Model     string `yaml:"model"`
	InputSize int    `yaml:"input_size"`
	// Target is the size frames are scaled to before inference; 0 keeps
	// the frame's native size.
	Target       int     `yaml:"target"`
	Confidence   float32 `yaml:"confidence"`
	IOUThreshold float32 `yaml:"iou_threshold"`
	TopK         int     `yaml:"top_k,omitempty"`
	Expand       float32 `yaml:"expand,omitempty"`
}

// FilterConfig configures result filtering before publication
type FilterConfig struct {
	ObjectConfidence float32 `yaml:"object_confidence"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
	File   string `yaml:"file"`
}

// ServerConfig configures the HTTP status endpoints
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// PreviewConfig configures the overlay window
type PreviewConfig struct {
	Enabled bool    `yaml:"enabled"`
	Scale   float64 `yaml:"scale"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Driver:           "gocv",
			Device:           "0",
			Width:            1280,
			Height:           720,
			MinFrameDuration: time.Second / 30,
			MaxFrameDuration: time.Second / 15,
			MaxReadFailures:  30,
		},
		Runtime: RuntimeConfig{},
		Models: ModelsConfig{
			Dir: "models",
			Ext: ".onnx",
		},
		Pipelines: PipelinesConfig{
			Object: PipelineConfig{
				Enabled:      true,
				Model:        "yolov8n",
				InputSize:    640,
				Target:       640,
				Confidence:   0.25,
				IOUThreshold: 0.45,
				TopK:         3,
			},
			Face: PipelineConfig{
				Enabled:      true,
				Model:        "scrfd_10g",
				InputSize:    640,
				Target:       640,
				Confidence:   0.5,
				IOUThreshold: 0.4,
			},
			Landmark: PipelineConfig{
				Enabled:   true,
				Model:     "2d106det",
				InputSize: 192,
				Expand:    1.5,
			},
			Human: PipelineConfig{
				Enabled:      true,
				Model:        "yolov8n",
				InputSize:    640,
				Target:       640,
				Confidence:   0.25,
				IOUThreshold: 0.45,
			},
		},
		Filter: FilterConfig{ObjectConfidence: 0.9},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Preview: PreviewConfig{
			Enabled: false,
			Scale:   0.5,
		},
	}
}

// Load reads a YAML file on top of Default and applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDevice); ok && v != "" {
		c.Camera.Device = v
	}
	if v, ok := lookup(EnvModelsDir); ok && v != "" {
		c.Models.Dir = v
	}
	if v, ok := lookup(EnvORTLib); ok && v != "" {
		c.Runtime.LibraryPath = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration for values the host cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Camera.Driver {
	case "gocv", "gstreamer":
	default:
		errs = append(errs, fmt.Errorf("camera.driver: unknown driver %q", c.Camera.Driver))
	}
	if c.Camera.Device == "" {
		errs = append(errs, errors.New("camera.device is required"))
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		errs = append(errs, errors.New("camera.width and camera.height must not be negative"))
	}
	if c.Camera.Driver == "gstreamer" && (c.Camera.Width == 0 || c.Camera.Height == 0) {
		errs = append(errs, errors.New("camera: gstreamer needs width and height"))
	}
	if c.Camera.MinFrameDuration < 0 || c.Camera.MaxFrameDuration < 0 {
		errs = append(errs, errors.New("camera frame durations must not be negative"))
	}
	if c.Camera.MaxFrameDuration > 0 && c.Camera.MinFrameDuration > c.Camera.MaxFrameDuration {
		errs = append(errs, errors.New("camera.min_frame_duration exceeds max_frame_duration"))
	}

	if c.Models.Dir == "" {
		errs = append(errs, errors.New("models.dir is required"))
	}

	for _, entry := range []struct {
		name string
		p    PipelineConfig
	}{
		{"object", c.Pipelines.Object},
		{"face", c.Pipelines.Face},
		{"landmark", c.Pipelines.Landmark},
		{"human", c.Pipelines.Human},
	} {
		name, p := entry.name, entry.p
		if !p.Enabled {
			continue
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("pipelines.%s.model is required", name))
		}
		if p.InputSize < 0 || p.Target < 0 {
			errs = append(errs, fmt.Errorf("pipelines.%s: sizes must not be negative", name))
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			errs = append(errs, fmt.Errorf("pipelines.%s.confidence must be in [0,1]", name))
		}
	}
	if c.Pipelines.Landmark.Enabled && !c.Pipelines.Face.Enabled {
		errs = append(errs, errors.New("pipelines.landmark needs pipelines.face"))
	}

	if c.Filter.ObjectConfidence < 0 || c.Filter.ObjectConfidence >= 1 {
		errs = append(errs, errors.New("filter.object_confidence must be in [0,1)"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required when the server is enabled"))
	}
	if c.Preview.Enabled && (c.Preview.Scale <= 0 || c.Preview.Scale > 1) {
		errs = append(errs, errors.New("preview.scale must be in (0,1]"))
	}

	return errors.Join(errs...)
}
