package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Model backends.
const (
	BackendWorker     = "worker"
	BackendCompreFace = "compreface"
)

// Store backends.
const (
	StoreFile     = "fs"
	StorePostgres = "postgres"
	StoreCOS      = "cos"
)

// Frame error policies.
const (
	PolicyAbort = "abort"
	PolicySkip  = "skip"
)

// Config is the complete facefind configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Models   ModelsConfig   `yaml:"models"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP bind settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ModelsConfig selects the Detector/Embedder implementation
type ModelsConfig struct {
	Backend       string           `yaml:"backend"`        // worker, compreface
	ModelPath     string           `yaml:"model_path"`     // detector weights handed to the worker
	WorkerCommand []string         `yaml:"worker_command"` // e.g. [python3, -u, python/worker.py]
	InputSize     int              `yaml:"input_size"`     // embedder input edge in pixels
	CompreFace    CompreFaceConfig `yaml:"compreface"`
}

// CompreFaceConfig contains the CompreFace detection service settings
type CompreFaceConfig struct {
	URL          string  `yaml:"url"`
	DetectionKey string  `yaml:"detection_key"`
	MinProb      float64 `yaml:"min_probability"`
}

// PipelineConfig contains the fixed sampling/matching policy
type PipelineConfig struct {
	SampleStep       int     `yaml:"sample_step"`
	MatchThreshold   float64 `yaml:"match_threshold"`
	BrightnessGain   float64 `yaml:"brightness_gain"`
	Engines          int     `yaml:"engines"`
	FrameErrorPolicy string  `yaml:"frame_error_policy"` // abort, skip
}

// StoreConfig selects where results and match frames are persisted
type StoreConfig struct {
	Backend     string    `yaml:"backend"` // fs, postgres, cos
	WorkDir     string    `yaml:"work_dir"`
	PostgresURL string    `yaml:"postgres_url"`
	COS         COSConfig `yaml:"cos"`
}

// COSConfig contains object storage credentials
type COSConfig struct {
	BucketURL string `yaml:"bucket_url"`
	SecretID  string `yaml:"secret_id"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8000},
		Models: ModelsConfig{
			Backend:       BackendWorker,
			ModelPath:     filepath.Join("public", "best.pt"),
			WorkerCommand: []string{"python3", "-u", "python/worker.py"},
			InputSize:     160,
			CompreFace:    CompreFaceConfig{URL: "http://localhost:8000", MinProb: 0.5},
		},
		Pipeline: PipelineConfig{
			SampleStep:       5,
			MatchThreshold:   0.8,
			BrightnessGain:   2.122,
			Engines:          1,
			FrameErrorPolicy: PolicyAbort,
		},
		Store: StoreConfig{
			Backend: StoreFile,
			WorkDir: filepath.Join(os.TempDir(), "face_recognition_uploads"),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path (optional), then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("MODEL_PATH"); v != "" {
		cfg.Models.ModelPath = v
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("FACEFIND_WORK_DIR"); v != "" {
		cfg.Store.WorkDir = v
	}

	// Same precedence as the connection flag handling in the root command
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.PostgresURL = v
	} else if host := os.Getenv("POSTGRES_HOST"); host != "" && cfg.Store.PostgresURL == "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		cfg.Store.PostgresURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return nil
}

// Validate ensures every setting is usable before any heavy process starts.
func (c *Config) Validate() error {
	if c.Pipeline.SampleStep < 1 {
		return fmt.Errorf("sample_step must be >= 1, got %d", c.Pipeline.SampleStep)
	}
	if c.Pipeline.MatchThreshold <= 0 {
		return fmt.Errorf("match_threshold must be > 0, got %f", c.Pipeline.MatchThreshold)
	}
	if c.Pipeline.BrightnessGain <= 0 {
		return fmt.Errorf("brightness_gain must be > 0, got %f", c.Pipeline.BrightnessGain)
	}
	if c.Pipeline.Engines < 1 {
		return fmt.Errorf("engines must be >= 1, got %d", c.Pipeline.Engines)
	}
	switch c.Pipeline.FrameErrorPolicy {
	case PolicyAbort, PolicySkip:
	default:
		return fmt.Errorf("unknown frame_error_policy %q (use abort or skip)", c.Pipeline.FrameErrorPolicy)
	}

	if c.Models.InputSize < 1 {
		return fmt.Errorf("models.input_size must be >= 1, got %d", c.Models.InputSize)
	}
	switch c.Models.Backend {
	case BackendWorker:
		if len(c.Models.WorkerCommand) == 0 {
			return fmt.Errorf("models.worker_command is required for the worker backend")
		}
	case BackendCompreFace:
		if c.Models.CompreFace.URL == "" || c.Models.CompreFace.DetectionKey == "" {
			return fmt.Errorf("models.compreface.url and detection_key are required")
		}
	default:
		return fmt.Errorf("unknown model backend %q", c.Models.Backend)
	}

	switch c.Store.Backend {
	case StoreFile:
	case StorePostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required for the postgres backend")
		}
	case StoreCOS:
		if c.Store.COS.BucketURL == "" {
			return fmt.Errorf("store.cos.bucket_url is required for the cos backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if strings.TrimSpace(c.Store.WorkDir) == "" {
		return fmt.Errorf("store.work_dir is required")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}
