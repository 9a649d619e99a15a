package backbone

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/affect/config"
	"github.com/rs/zerolog"
)

// FromConfig builds the encoder selected by cfg.Backbone. A vit backbone
// without a weights file is randomly initialized with cfg.FeatureDim outputs.
func FromConfig(logger zerolog.Logger, cfg *config.Config, rng *rand.Rand) (Encoder, error) {
	b := cfg.Backbone
	switch b.Kind {
	case "vit":
		if b.Weights == "" {
			logger.Warn().Msg("no backbone weights configured, using a randomly initialized encoder")
			v, err := NewVisionTransformer(ViTConfig{
				ImageSize: b.ImageSize,
				PatchSize: b.PatchSize,
				Width:     b.Width,
				Layers:    b.Layers,
				Heads:     b.Heads,
				OutputDim: cfg.FeatureDim,
			}, rng)
			if err != nil {
				return nil, err
			}
			return v, nil
		}
		v, err := LoadVisionTransformerFile(b.Weights, b.Heads)
		if err != nil {
			return nil, fmt.Errorf("load backbone %s: %w", b.Weights, err)
		}
		logger.Info().
			Str("weights", b.Weights).
			Int("layers", v.Config.Layers).
			Int("width", v.Config.Width).
			Int("feature_dim", v.FeatureDim()).
			Msg("backbone loaded")
		return v, nil
	case "onnx":
		e, err := NewONNXEncoder(logger, ONNXConfig{
			ModelPath:   b.ONNXModel,
			LibraryPath: b.ONNXLibrary,
			ImageSize:   b.ImageSize,
			FeatureDim:  cfg.FeatureDim,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown backbone kind %q", b.Kind)
	}
}
