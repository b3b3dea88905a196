package graph

import (
	"fmt"
	"math"
	"math/rand"
)

type LayerConfig struct {
	// conv, relu, avgpool, pyramid, classifier
	Type string `yaml:"type"`

	Out     int `yaml:"out,omitempty"`
	Kernel  int `yaml:"kernel,omitempty"`
	Size    int `yaml:"size,omitempty"`
	Levels  int `yaml:"levels,omitempty"`
	Classes int `yaml:"classes,omitempty"`
}

type StageConfig struct {
	Name   string        `yaml:"name"`
	Layers []LayerConfig `yaml:"layers"`
}

// ModelConfig describes a network. Parameters are initialized from Seed; loading
// trained weights is left to the caller, which can overwrite the exported
// Weights/Bias slices of the built layers.
type ModelConfig struct {
	Seed          int64         `yaml:"seed"`
	InputChannels int           `yaml:"input_channels"`
	Stages        []StageConfig `yaml:"stages"`
}

func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Seed:          1,
		InputChannels: 3,
		Stages: []StageConfig{
			{Name: "backbone", Layers: []LayerConfig{
				{Type: "conv", Out: 8, Kernel: 3},
				{Type: "relu"},
				{Type: "avgpool", Size: 2},
				{Type: "conv", Out: 16, Kernel: 3},
				{Type: "relu"},
			}},
			{Name: "neck", Layers: []LayerConfig{
				{Type: "pyramid", Levels: 3},
			}},
			{Name: "head", Layers: []LayerConfig{
				{Type: "classifier", Classes: 10},
			}},
		},
	}
}

func heInit(rd *rand.Rand, values []float32, fanIn int) {
	std := math.Sqrt(2 / float64(fanIn))
	for i := range values {
		values[i] = float32(rd.NormFloat64() * std)
	}
}

// Build constructs the network described by cfg.
func Build(cfg ModelConfig) (*Network, error) {
	rd := rand.New(rand.NewSource(cfg.Seed))
	channels := cfg.InputChannels
	// number of tensors currently flowing: 1 unless a pyramid was applied
	levels := 1
	var stages []*Stage
	for _, stageCfg := range cfg.Stages {
		var layers Sequential
		for i, layerCfg := range stageCfg.Layers {
			where := fmt.Sprintf("stage %s layer %d (%s)", stageCfg.Name, i, layerCfg.Type)
			switch layerCfg.Type {
			case "conv":
				if layerCfg.Out <= 0 || layerCfg.Kernel <= 0 {
					return nil, fmt.Errorf("%s: out and kernel must be positive", where)
				}
				conv := NewConv2D(channels, layerCfg.Out, layerCfg.Kernel)
				heInit(rd, conv.Weights, channels*layerCfg.Kernel*layerCfg.Kernel)
				layers = append(layers, conv)
				channels = layerCfg.Out
			case "relu":
				layers = append(layers, ReLU{})
			case "avgpool":
				if layerCfg.Size <= 0 {
					return nil, fmt.Errorf("%s: size must be positive", where)
				}
				layers = append(layers, AvgPool2D{Size: layerCfg.Size})
			case "pyramid":
				if layerCfg.Levels <= 0 {
					return nil, fmt.Errorf("%s: levels must be positive", where)
				}
				layers = append(layers, Pyramid{Levels: layerCfg.Levels})
				levels = layerCfg.Levels
			case "classifier":
				if layerCfg.Classes <= 0 {
					return nil, fmt.Errorf("%s: classes must be positive", where)
				}
				head := NewClassifier(channels*levels, layerCfg.Classes)
				heInit(rd, head.Weights, channels*levels)
				layers = append(layers, head)
				channels = layerCfg.Classes
				levels = 1
			default:
				return nil, fmt.Errorf("%s: unknown layer type", where)
			}
		}
		stages = append(stages, NewStage(stageCfg.Name, layers))
	}
	return NewNetwork(stages...)
}
