package model

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/affect/backbone"
	"github.com/openfluke/affect/nn"
	"github.com/rs/zerolog"
)

// Adapters is either AdaptersAbsent or AdaptersPresent.
type Adapters interface {
	isAdapters()
}

// AdaptersAbsent means injection was disabled or the backbone had no
// compatible attention stack.
type AdaptersAbsent struct{}

// AdaptersPresent holds the query and value adapters of the last block.
type AdaptersPresent struct {
	Query *nn.AdaptedLinear
	Value *nn.AdaptedLinear
}

func (AdaptersAbsent) isAdapters()  {}
func (AdaptersPresent) isAdapters() {}

// AdaptedAttentionBlock wraps a frozen fused attention. It returns the
// original output plus the adapters' query and value deltas projected
// through the original output-projection weight (without its bias).
// Attention weights pass through unchanged.
type AdaptedAttentionBlock struct {
	Original backbone.FusedAttention
	Query    *nn.AdaptedLinear
	Value    *nn.AdaptedLinear
}

func (a *AdaptedAttentionBlock) Forward(query, key, value *nn.Tensor[float32]) (*nn.Tensor[float32], *nn.Tensor[float32]) {
	out, weights := a.Original.Forward(query, key, value)

	delta := a.Query.Delta(query)
	nn.AddInPlace(delta, a.Value.Delta(value))
	nn.AddInPlace(out, nn.Linear(delta, a.Original.OutProjWeight(), nil))
	return out, weights
}

// InjectAdapters installs query and value adapters into the last attention
// block of enc. When enc has no compatible structure it logs a warning and
// returns AdaptersAbsent; the only error is an invalid adapter rank.
func InjectAdapters(logger zerolog.Logger, enc backbone.Encoder, rank int, alpha float32, rng *rand.Rand) (Adapters, error) {
	stack, ok := enc.(backbone.AttentionStack)
	if !ok || len(stack.Blocks()) == 0 {
		logger.Warn().
			Str("encoder", typeName(enc)).
			Msg("backbone exposes no attention blocks, LoRA skipped")
		return AdaptersAbsent{}, nil
	}

	blocks := stack.Blocks()
	last := blocks[len(blocks)-1]
	fused, ok := last.Attention().(backbone.FusedAttention)
	if !ok {
		logger.Warn().
			Int("block", len(blocks)-1).
			Str("attention", typeName(last.Attention())).
			Msg("last block has no fused q/k/v projection, LoRA skipped")
		return AdaptersAbsent{}, nil
	}

	d := fused.EmbedDim()
	w := fused.InProjWeight()
	var qBias, vBias *nn.Tensor[float32]
	if b := fused.InProjBias(); b != nil {
		qBias = nn.NewTensorFromSlice(b.Data[:d], d)
		vBias = nn.NewTensorFromSlice(b.Data[2*d:3*d], d)
	}

	query, err := nn.NewAdaptedLinear("lora_q", nn.NewFrozenLinear(w.SliceRows(0, d), qBias), rank, alpha, rng)
	if err != nil {
		return nil, err
	}
	value, err := nn.NewAdaptedLinear("lora_v", nn.NewFrozenLinear(w.SliceRows(2*d, 3*d), vBias), rank, alpha, rng)
	if err != nil {
		return nil, err
	}

	last.SetAttention(&AdaptedAttentionBlock{Original: fused, Query: query, Value: value})
	logger.Debug().
		Int("block", len(blocks)-1).
		Int("embed_dim", d).
		Int("rank", rank).
		Float32("alpha", alpha).
		Msg("LoRA injected into query and value projections")
	return AdaptersPresent{Query: query, Value: value}, nil
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
