package nn

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/haivivi/sensornn/pkg/blob"
	"github.com/haivivi/sensornn/pkg/kernels"
)

// Blob names of the two models in a weight source.
const (
	BackboneBlob  = "backbone.bin"
	StreamingBlob = "streaming.bin"
)

// ModelSizes returns the byte sizes of the two models cfg describes.
func ModelSizes(cfg Config) (backbone, streaming int) {
	return cfg.denseConfig().ModelSize(), cfg.gruConfig().ModelSize()
}

// GenerateModels returns the deterministic models Init uses when no bytes
// are supplied. The streaming model is seeded with WeightSeed+1.
func GenerateModels(cfg Config) (backbone, streaming []byte) {
	return kernels.GenerateDense(cfg.denseConfig(), cfg.WeightSeed),
		kernels.GenerateGRU(cfg.gruConfig(), cfg.WeightSeed+1)
}

// LoadModels reads BackboneBlob and StreamingBlob from src. A missing blob
// yields nil, which makes Init generate that model. A blob whose size does
// not match cfg is an error.
func LoadModels(ctx context.Context, src blob.Source, cfg Config) (backbone, streaming []byte, err error) {
	bbSize, stSize := ModelSizes(cfg)
	load := func(name string, size int) ([]byte, error) {
		data, err := blob.ReadAll(ctx, src, name)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("nn: load %s: %w", name, err)
		}
		if len(data) != size {
			return nil, fmt.Errorf("nn: %s is %d bytes, config needs %d", name, len(data), size)
		}
		return data, nil
	}
	if backbone, err = load(BackboneBlob, bbSize); err != nil {
		return nil, nil, err
	}
	if streaming, err = load(StreamingBlob, stSize); err != nil {
		return nil, nil, err
	}
	return backbone, streaming, nil
}
