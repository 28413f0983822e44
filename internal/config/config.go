package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort               = 8080
	defaultDataDir            = "history"
	defaultMaxConcurrentTasks = 15
	defaultStreamTimeout      = 5 * time.Minute
	defaultThumbnailMaxKB     = 50
	defaultReferenceMaxKB     = 200

	ProviderGemini      = "google_gemini"
	defaultModel        = "gemini-2.0-flash-preview-image-generation"
	defaultAspectRatio  = "3:4"
	defaultMaxRetries   = 3
	defaultRetryDelay   = 2 * time.Second
	defaultTextModel    = "gemini-2.0-flash"
	defaultTemperature  = 1.0
	maxTemperature      = 2.0
	defaultMaxTokens    = 8000
	envAPIKey           = "GEMINI_API_KEY"
	envPort             = "PAGESMITH_PORT"
	maxPort             = 65535
	maxAllowedRetries   = 10
	minStreamTimeoutSec = 1
)

// ImageProvider configures the backend that renders page images.
type ImageProvider struct {
	Type               string        `yaml:"type"`
	APIKey             string        `yaml:"api_key"`
	Model              string        `yaml:"model"`
	AspectRatio        string        `yaml:"aspect_ratio"`
	PromptTemplatePath string        `yaml:"prompt_template_path"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
}

// TextProvider configures the model that drafts page outlines. An empty
// api_key falls back to the image provider's key.
type TextProvider struct {
	Type               string        `yaml:"type"`
	APIKey             string        `yaml:"api_key"`
	Model              string        `yaml:"model"`
	Temperature        float32       `yaml:"temperature"`
	MaxOutputTokens    int32         `yaml:"max_output_tokens"`
	PromptTemplatePath string        `yaml:"prompt_template_path"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
}

// Config describes runtime configuration for the service.
type Config struct {
	Port               int           `yaml:"port"`
	DataDir            string        `yaml:"data_dir"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	StreamTimeout      time.Duration `yaml:"stream_timeout"`
	ThumbnailMaxKB     int           `yaml:"thumbnail_max_kb"`
	ReferenceMaxKB     int           `yaml:"reference_max_kb"`
	ImageProvider      ImageProvider `yaml:"image_provider"`
	TextProvider       TextProvider  `yaml:"text_provider"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:               defaultPort,
		DataDir:            defaultDataDir,
		MaxConcurrentTasks: defaultMaxConcurrentTasks,
		StreamTimeout:      defaultStreamTimeout,
		ThumbnailMaxKB:     defaultThumbnailMaxKB,
		ReferenceMaxKB:     defaultReferenceMaxKB,
		ImageProvider: ImageProvider{
			Type:        ProviderGemini,
			Model:       defaultModel,
			AspectRatio: defaultAspectRatio,
			MaxRetries:  defaultMaxRetries,
			RetryDelay:  defaultRetryDelay,
		},
		TextProvider: TextProvider{
			Type:            ProviderGemini,
			Model:           defaultTextModel,
			Temperature:     defaultTemperature,
			MaxOutputTokens: defaultMaxTokens,
			MaxRetries:      defaultMaxRetries,
			RetryDelay:      defaultRetryDelay,
		},
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error. Environment overrides are
// applied in both cases.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	switch {
	case err != nil && !os.IsNotExist(err):
		return cfg, fmt.Errorf("read config: %w", err)
	case err == nil && len(fileData) > 0:
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if key := strings.TrimSpace(getenv(envAPIKey)); key != "" {
		cfg.ImageProvider.APIKey = key
		cfg.TextProvider.APIKey = key
	}
	if raw := strings.TrimSpace(getenv(envPort)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envPort, raw, err)
		}
		cfg.Port = port
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.ThumbnailMaxKB <= 0 {
		cfg.ThumbnailMaxKB = defaultThumbnailMaxKB
	}
	if cfg.ReferenceMaxKB <= 0 {
		cfg.ReferenceMaxKB = defaultReferenceMaxKB
	}
	p := &cfg.ImageProvider
	p.Type = strings.ToLower(strings.TrimSpace(p.Type))
	if p.Type == "" {
		p.Type = ProviderGemini
	}
	if p.Model == "" {
		p.Model = defaultModel
	}
	if p.AspectRatio == "" {
		p.AspectRatio = defaultAspectRatio
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = defaultRetryDelay
	}

	tp := &cfg.TextProvider
	tp.Type = strings.ToLower(strings.TrimSpace(tp.Type))
	if tp.Type == "" {
		tp.Type = ProviderGemini
	}
	if tp.APIKey == "" {
		tp.APIKey = p.APIKey
	}
	if tp.Model == "" {
		tp.Model = defaultTextModel
	}
	if tp.MaxOutputTokens <= 0 {
		tp.MaxOutputTokens = defaultMaxTokens
	}
	if tp.RetryDelay <= 0 {
		tp.RetryDelay = defaultRetryDelay
	}
}

// Validate rejects values the service cannot run with.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > maxPort {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	// values < 1 are not allowed
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("invalid max_concurrent_tasks: %d (must be >= 1)", c.MaxConcurrentTasks)
	}
	if c.StreamTimeout < minStreamTimeoutSec*time.Second {
		return fmt.Errorf("invalid stream_timeout: %s (must be >= 1s)", c.StreamTimeout)
	}
	if c.ImageProvider.Type != ProviderGemini {
		return fmt.Errorf("unsupported image_provider.type: %q", c.ImageProvider.Type)
	}
	if c.ImageProvider.MaxRetries < 0 || c.ImageProvider.MaxRetries > maxAllowedRetries {
		return fmt.Errorf("invalid image_provider.max_retries: %d", c.ImageProvider.MaxRetries)
	}
	if c.TextProvider.Type != ProviderGemini {
		return fmt.Errorf("unsupported text_provider.type: %q", c.TextProvider.Type)
	}
	if c.TextProvider.Temperature < 0 || c.TextProvider.Temperature > maxTemperature {
		return fmt.Errorf("invalid text_provider.temperature: %v", c.TextProvider.Temperature)
	}
	if c.TextProvider.MaxRetries < 0 || c.TextProvider.MaxRetries > maxAllowedRetries {
		return fmt.Errorf("invalid text_provider.max_retries: %d", c.TextProvider.MaxRetries)
	}
	return nil
}
