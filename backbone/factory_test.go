package backbone

import (
	"math/rand"
	"testing"

	"github.com/openfluke/affect/config"
	"github.com/rs/zerolog"
)

func TestFromConfigRandomViT(t *testing.T) {
	cfg := config.Default()
	cfg.FeatureDim = 6
	cfg.Backbone = config.BackboneConfig{Kind: "vit", ImageSize: 8, PatchSize: 4, Width: 8, Layers: 1, Heads: 2}

	enc, err := FromConfig(zerolog.Nop(), cfg, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if enc.FeatureDim() != 6 {
		t.Errorf("Expected feature dim 6, got %d", enc.FeatureDim())
	}
	if _, ok := enc.(AttentionStack); !ok {
		t.Error("a vit backbone should expose its attention stack")
	}
}

func TestFromConfigUnknownKind(t *testing.T) {
	cfg := config.Default()
	cfg.Backbone.Kind = "resnet"
	if _, err := FromConfig(zerolog.Nop(), cfg, rand.New(rand.NewSource(1))); err == nil {
		t.Error("expected an error for an unknown backbone kind")
	}
}
