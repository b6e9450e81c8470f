package nn

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/sensornn/pkg/frontend"
	"github.com/haivivi/sensornn/pkg/kernels"
)

// Arena strategies.
const (
	StrategyVirtual = "virtual"
	StrategyDirect  = "direct"
)

// Config describes the classifier and its memory layout.
type Config struct {
	// Classes is the number of output classes, background included.
	Classes int `yaml:"classes"`

	// ClassNames labels the classes. Missing entries get generated names.
	ClassNames []string `yaml:"class_names,omitempty"`

	// Features is the backbone output width per timestep.
	Features int `yaml:"features"`

	// Timesteps is the number of streaming steps per cycle.
	Timesteps int `yaml:"timesteps"`

	// Hidden is the recurrent state width.
	Hidden int `yaml:"hidden"`

	// InputBins is the number of spectrogram bins per timestep.
	InputBins int `yaml:"input_bins"`

	// Threshold is the minimum class probability for a detection.
	Threshold float32 `yaml:"threshold"`

	// MaxDetections bounds the detections per decision.
	MaxDetections int `yaml:"max_detections"`

	// SampleRate, FrameSize and HopSize describe the audio window.
	SampleRate int `yaml:"sample_rate"`
	FrameSize  int `yaml:"frame_size"`
	HopSize    int `yaml:"hop_size"`

	// Frontend selects the feature placeholder: "synthetic" or "energy".
	Frontend string `yaml:"frontend"`

	// Seed is the synthetic frontend seed.
	Seed uint32 `yaml:"seed"`

	// WeightSeed seeds generated model weights.
	WeightSeed uint64 `yaml:"weight_seed"`

	// DType is the weight storage type: "f32" or "f16".
	DType string `yaml:"dtype"`

	Arena ArenaConfig `yaml:"arena"`
}

// ArenaConfig selects and sizes the tensor memory.
type ArenaConfig struct {
	// Strategy is "virtual" (flash-backed paging) or "direct".
	Strategy string `yaml:"strategy"`

	// Virtual strategy.
	PageSize        int   `yaml:"page_size"`
	MaxTensors      int   `yaml:"max_tensors"`
	RegionOffset    int64 `yaml:"region_offset"`
	RegionSize      int64 `yaml:"region_size"`
	CacheSize       int   `yaml:"cache_size"`
	BackboneBudget  int64 `yaml:"backbone_budget"`
	StreamingBudget int64 `yaml:"streaming_budget"`

	// Direct strategy.
	DirectSize      int `yaml:"direct_size"`
	DirectBackbone  int `yaml:"direct_backbone"`
	DirectStreaming int `yaml:"direct_streaming"`
}

// DefaultConfig returns the configuration of the deployed sensor.
func DefaultConfig() Config {
	return Config{
		Classes:       35,
		Features:      32,
		Timesteps:     18,
		Hidden:        64,
		InputBins:     40,
		Threshold:     0.7,
		MaxDetections: 2,
		SampleRate:    48000,
		FrameSize:     1024,
		HopSize:       512,
		Frontend:      "synthetic",
		Seed:          frontend.DefaultSeed,
		WeightSeed:    1,
		DType:         "f32",
		Arena: ArenaConfig{
			Strategy:        StrategyVirtual,
			PageSize:        2048,
			MaxTensors:      32,
			RegionOffset:    0,
			RegionSize:      128 << 10,
			CacheSize:       24 << 10,
			BackboneBudget:  16 << 10,
			StreamingBudget: 96 << 10,
			DirectSize:      128 << 10,
			DirectBackbone:  32 << 10,
			DirectStreaming: 80 << 10,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. A missing file yields the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks dimensions, decision parameters and the arena layout.
func (c Config) Validate() error {
	for _, d := range []struct {
		name string
		v    int
	}{
		{"classes", c.Classes},
		{"features", c.Features},
		{"timesteps", c.Timesteps},
		{"hidden", c.Hidden},
		{"input_bins", c.InputBins},
		{"max_detections", c.MaxDetections},
		{"sample_rate", c.SampleRate},
		{"frame_size", c.FrameSize},
	} {
		if d.v <= 0 {
			return fmt.Errorf("nn: %s must be positive, got %d", d.name, d.v)
		}
	}
	if c.Classes > 256 {
		return fmt.Errorf("nn: %d classes exceed the 8-bit class id", c.Classes)
	}
	if !(c.Threshold > 0 && c.Threshold <= 1) {
		return fmt.Errorf("nn: threshold %v outside (0, 1]", c.Threshold)
	}
	if _, err := kernels.ParseDType(c.DType); err != nil {
		return err
	}
	if _, err := frontend.New(c.Frontend); err != nil {
		return err
	}

	a := c.Arena
	switch a.Strategy {
	case StrategyVirtual:
		if a.PageSize <= 0 || a.RegionOffset%int64(a.PageSize) != 0 || a.RegionSize%int64(a.PageSize) != 0 {
			return fmt.Errorf("nn: virtual region [%d +%d) not aligned to %d-byte pages", a.RegionOffset, a.RegionSize, a.PageSize)
		}
		if a.CacheSize <= 0 || a.MaxTensors <= 0 {
			return fmt.Errorf("nn: cache size %d and max tensors %d must be positive", a.CacheSize, a.MaxTensors)
		}
		if a.BackboneBudget+a.StreamingBudget > a.RegionSize {
			return fmt.Errorf("nn: partition budgets %d+%d exceed region %d", a.BackboneBudget, a.StreamingBudget, a.RegionSize)
		}
	case StrategyDirect:
		if a.DirectSize <= 0 || a.DirectBackbone <= 0 || a.DirectStreaming <= 0 {
			return fmt.Errorf("nn: direct sizes must be positive")
		}
	default:
		return fmt.Errorf("nn: unknown arena strategy %q", a.Strategy)
	}
	return nil
}

// FrameMillis returns the duration of one frame in whole milliseconds.
func (c Config) FrameMillis() uint32 {
	return uint32(c.FrameSize * 1000 / c.SampleRate)
}

// ClassName returns the label of class id.
func (c Config) ClassName(id int) string {
	if id < 0 || id >= c.Classes {
		return "Unknown"
	}
	if id < len(c.ClassNames) && c.ClassNames[id] != "" {
		return c.ClassNames[id]
	}
	if id == 0 {
		return "Background"
	}
	return fmt.Sprintf("Bird_Species_%d", id)
}

func (c Config) denseConfig() kernels.DenseConfig {
	dt, _ := kernels.ParseDType(c.DType)
	return kernels.DenseConfig{Timesteps: c.Timesteps, InputDim: c.InputBins, Features: c.Features, DType: dt}
}

func (c Config) gruConfig() kernels.GRUConfig {
	dt, _ := kernels.ParseDType(c.DType)
	return kernels.GRUConfig{Features: c.Features, Hidden: c.Hidden, Classes: c.Classes, DType: dt}
}
