package embedder

import (
	"context"
	"fmt"

	"github.com/cyclopcam/frameselect/pkg/embedcfg"
	"github.com/cyclopcam/logs"
)

const (
	KindPatchStats = "patchstats"
	KindRemote     = "remote"
)

// BackendConfig selects and configures a Backend
type BackendConfig struct {
	Kind      string `json:"kind" validate:"oneof=patchstats remote"`
	URL       string `json:"url" validate:"required_if=Kind remote"` // Base URL of the inference service
	Model     string `json:"model"`                                  // Only used by remote. Defaults to embedcfg.DefaultModel
	InputSize int    `json:"inputSize" validate:"gte=0"`             // Zero means embedcfg.DefaultInputSize
}

func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Kind:      KindPatchStats,
		InputSize: embedcfg.DefaultInputSize,
	}
}

// OpenBackend constructs the backend described by cfg
func OpenBackend(ctx context.Context, log logs.Log, cfg BackendConfig) (Backend, error) {
	inputSize := cfg.InputSize
	if inputSize == 0 {
		inputSize = embedcfg.DefaultInputSize
	}
	switch cfg.Kind {
	case KindPatchStats:
		return NewPatchStats(inputSize)
	case KindRemote:
		model := cfg.Model
		if model == "" {
			model = embedcfg.DefaultModel
		}
		return NewRemote(ctx, log, cfg.URL, model, inputSize)
	}
	return nil, fmt.Errorf("Unknown embedding backend '%v'", cfg.Kind)
}

// MakeConfig returns the EmbeddingConfig that describes the output of backend, for the given
// normalization and transform.
func MakeConfig(backend Backend, normalize bool, transform embedcfg.TransformConfig) embedcfg.EmbeddingConfig {
	info := backend.Info()
	return embedcfg.EmbeddingConfig{
		Model:     info.Model,
		InputSize: info.InputSize,
		Normalize: normalize,
		Transform: transform,
	}
}
