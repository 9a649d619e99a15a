// Package config loads the model configuration from YAML with environment overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid reports a configuration value outside its allowed range.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes every environment override, e.g. AFFECT_LORA_RANK.
const EnvPrefix = "AFFECT_"

type contextKey string

const configKey contextKey = "config"

// Config holds all model configuration
type Config struct {
	// Embedding sizes at each stage
	FeatureDim    int `yaml:"feature_dim"`
	HiddenDim     int `yaml:"hidden_dim"`
	ProjectionDim int `yaml:"projection_dim"`

	// Adapter settings
	UseLoRA   bool    `yaml:"use_lora"`
	LoRARank  int     `yaml:"lora_rank"`
	LoRAAlpha float32 `yaml:"lora_alpha"`

	MemoryQueueSize int `yaml:"memory_queue_size"`

	// Head settings
	TemporalAttention  bool    `yaml:"temporal_attention"`
	RegressorHiddenDim int     `yaml:"regressor_hidden_dim"`
	RegressorDropout   float32 `yaml:"regressor_dropout"`

	Seed             int64  `yaml:"seed"`
	Device           string `yaml:"device"`
	FeatureCacheSize int64  `yaml:"feature_cache_size"`

	Backbone BackboneConfig `yaml:"backbone"`
}

// BackboneConfig selects and sizes the frozen image encoder.
type BackboneConfig struct {
	Kind    string `yaml:"kind"` // "vit" or "onnx"
	Weights string `yaml:"weights"`

	ImageSize int `yaml:"image_size"`
	PatchSize int `yaml:"patch_size"`
	Width     int `yaml:"width"`
	Layers    int `yaml:"layers"`
	Heads     int `yaml:"heads"`

	ONNXModel   string `yaml:"onnx_model"`
	ONNXLibrary string `yaml:"onnx_library"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		FeatureDim:         512,
		HiddenDim:          256,
		ProjectionDim:      128,
		UseLoRA:            true,
		LoRARank:           8,
		LoRAAlpha:          16,
		MemoryQueueSize:    4096,
		RegressorHiddenDim: 64,
		RegressorDropout:   0.2,
		Seed:               42,
		Device:             "cpu",
		FeatureCacheSize:   64 << 20,
		Backbone: BackboneConfig{
			Kind:      "vit",
			ImageSize: 224,
			PatchSize: 32,
			Width:     768,
			Layers:    12,
			Heads:     12,
		},
	}
}

// Load reads configuration from file or returns defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks sizes and enumerations.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"feature_dim", c.FeatureDim},
		{"hidden_dim", c.HiddenDim},
		{"projection_dim", c.ProjectionDim},
		{"memory_queue_size", c.MemoryQueueSize},
		{"regressor_hidden_dim", c.RegressorHiddenDim},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, p.name, p.value)
		}
	}
	if c.UseLoRA && c.LoRARank <= 0 {
		return fmt.Errorf("%w: lora_rank must be positive, got %d", ErrInvalid, c.LoRARank)
	}
	if c.RegressorDropout < 0 || c.RegressorDropout >= 1 {
		return fmt.Errorf("%w: regressor_dropout must be in [0, 1), got %g", ErrInvalid, c.RegressorDropout)
	}
	if c.TemporalAttention && c.ProjectionDim%4 != 0 {
		return fmt.Errorf("%w: projection_dim %d must be divisible by 4 attention heads", ErrInvalid, c.ProjectionDim)
	}
	switch c.Device {
	case "cpu", "gpu":
	default:
		return fmt.Errorf("%w: device must be cpu or gpu, got %q", ErrInvalid, c.Device)
	}
	switch c.Backbone.Kind {
	case "vit":
		b := c.Backbone
		if b.PatchSize <= 0 || b.ImageSize%b.PatchSize != 0 {
			return fmt.Errorf("%w: backbone image_size %d not divisible by patch_size %d", ErrInvalid, b.ImageSize, b.PatchSize)
		}
		if b.Heads <= 0 || b.Width%b.Heads != 0 {
			return fmt.Errorf("%w: backbone width %d not divisible by %d heads", ErrInvalid, b.Width, b.Heads)
		}
		if b.Layers <= 0 {
			return fmt.Errorf("%w: backbone needs at least one layer", ErrInvalid)
		}
	case "onnx":
		if c.Backbone.ONNXModel == "" {
			return fmt.Errorf("%w: backbone.onnx_model is required for kind onnx", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: backbone kind must be vit or onnx, got %q", ErrInvalid, c.Backbone.Kind)
	}
	return nil
}

// ApplyEnv overrides fields from AFFECT_* variables using lookup, which
// is normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for key, target := range c.envTargets() {
		raw, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		if err := setValue(target, strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalid, EnvPrefix, key, err)
		}
	}
	return nil
}

func (c *Config) envTargets() map[string]any {
	return map[string]any{
		"FEATURE_DIM":          &c.FeatureDim,
		"HIDDEN_DIM":           &c.HiddenDim,
		"PROJECTION_DIM":       &c.ProjectionDim,
		"USE_LORA":             &c.UseLoRA,
		"LORA_RANK":            &c.LoRARank,
		"LORA_ALPHA":           &c.LoRAAlpha,
		"MEMORY_QUEUE_SIZE":    &c.MemoryQueueSize,
		"TEMPORAL_ATTENTION":   &c.TemporalAttention,
		"REGRESSOR_HIDDEN_DIM": &c.RegressorHiddenDim,
		"REGRESSOR_DROPOUT":    &c.RegressorDropout,
		"SEED":                 &c.Seed,
		"DEVICE":               &c.Device,
		"FEATURE_CACHE_SIZE":   &c.FeatureCacheSize,
		"BACKBONE_KIND":        &c.Backbone.Kind,
		"BACKBONE_WEIGHTS":     &c.Backbone.Weights,
		"BACKBONE_IMAGE_SIZE":  &c.Backbone.ImageSize,
		"BACKBONE_PATCH_SIZE":  &c.Backbone.PatchSize,
		"BACKBONE_WIDTH":       &c.Backbone.Width,
		"BACKBONE_LAYERS":      &c.Backbone.Layers,
		"BACKBONE_HEADS":       &c.Backbone.Heads,
		"ONNX_MODEL":           &c.Backbone.ONNXModel,
		"ONNX_LIBRARY":         &c.Backbone.ONNXLibrary,
	}
}

func setValue(target any, raw string) error {
	switch p := target.(type) {
	case *string:
		*p = raw
	case *int:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*p = v
	case *int64:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*p = v
	case *float32:
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return err
		}
		*p = float32(v)
	case *bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*p = v
	default:
		return fmt.Errorf("unsupported field type %T", target)
	}
	return nil
}

func findConfigFile() string {
	candidates := []string{
		"./affect.yaml",
		"./affect.yml",
		filepath.Join(os.Getenv("HOME"), ".affect", "config.yaml"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// WithConfig stores config in context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// FromContext retrieves config from context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configKey).(*Config); ok {
		return cfg
	}
	return Default()
}
