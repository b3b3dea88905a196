package explain

import (
	"fmt"
	"os"

	"github.com/skyhookml/explain/graph"
	"github.com/skyhookml/explain/hooks"

	"gopkg.in/yaml.v3"
)

type DataConfig struct {
	// folder of .jpg/.jpeg/.png images
	Path string `yaml:"path"`
	// images are resized to Width x Height before inference
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	// per-channel normalization applied after scaling bytes to [0, 1]
	Mean [3]float32 `yaml:"mean"`
	Std  [3]float32 `yaml:"std"`

	SamplesPerBatch int `yaml:"samples_per_batch"`
	// number of images decoded concurrently
	Workers int `yaml:"workers"`
}

type ExplainConfig struct {
	// stage whose output is observed
	Stage string `yaml:"stage"`
	// saliency transform: eigen_cam, saliency_map (or activation_map)
	Method string `yaml:"method"`
	// pyramid level used when the stage yields several tensors
	FPNIndex int `yaml:"fpn_index"`
}

type OutputConfig struct {
	WorkDir string `yaml:"work_dir"`
	// blend factor of the heatmap over the source image
	Alpha float64 `yaml:"alpha"`
	// saliency level in [0, 255] above which pixels count towards a region
	RegionThreshold int `yaml:"region_threshold"`
}

type Config struct {
	Model   graph.ModelConfig `yaml:"model"`
	Data    DataConfig        `yaml:"data"`
	Explain ExplainConfig     `yaml:"explain"`
	Output  OutputConfig      `yaml:"output"`
}

func DefaultConfig() Config {
	return Config{
		Model: graph.DefaultModelConfig(),
		Data: DataConfig{
			Width:           64,
			Height:          64,
			Mean:            [3]float32{0.485, 0.456, 0.406},
			Std:             [3]float32{0.229, 0.224, 0.225},
			SamplesPerBatch: 8,
			Workers:         4,
		},
		Explain: ExplainConfig{
			Stage:  "backbone",
			Method: "eigen_cam",
		},
		Output: OutputConfig{
			WorkDir:         "./explain_out",
			Alpha:           0.5,
			RegionThreshold: 192,
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(fname string) (Config, error) {
	cfg := DefaultConfig()
	bytes, err := os.ReadFile(fname)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", fname, err)
	}
	return cfg, cfg.Validate()
}

func (cfg Config) Validate() error {
	if cfg.Data.Width <= 0 || cfg.Data.Height <= 0 {
		return fmt.Errorf("data: width and height must be positive")
	}
	if cfg.Data.SamplesPerBatch <= 0 {
		return fmt.Errorf("data: samples_per_batch must be positive")
	}
	if cfg.Explain.Stage == "" {
		return fmt.Errorf("explain: stage is required")
	}
	if cfg.Explain.Method == "feature_vector" {
		return fmt.Errorf("explain: method must be a saliency transform")
	}
	if _, ok := hooks.Transforms[cfg.Explain.Method]; !ok {
		return fmt.Errorf("explain: unknown method %q (have %v)", cfg.Explain.Method, hooks.TransformNames())
	}
	if cfg.Explain.FPNIndex < 0 {
		return fmt.Errorf("explain: fpn_index must not be negative")
	}
	if cfg.Output.RegionThreshold < 0 || cfg.Output.RegionThreshold > 255 {
		return fmt.Errorf("output: region_threshold must be in [0, 255]")
	}
	return nil
}
