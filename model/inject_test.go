package model

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/openfluke/affect/backbone"
	"github.com/openfluke/affect/nn"
	"github.com/rs/zerolog"
)

func newTinyViT(t *testing.T) *backbone.VisionTransformer {
	t.Helper()
	v, err := backbone.NewVisionTransformer(backbone.ViTConfig{
		ImageSize: 8,
		PatchSize: 4,
		Width:     8,
		Layers:    2,
		Heads:     2,
		OutputDim: 6,
	}, rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("NewVisionTransformer: %v", err)
	}
	return v
}

// flatEncoder is a backbone with no attention blocks to adapt.
type flatEncoder struct{ dim int }

func (f flatEncoder) FeatureDim() int { return f.dim }

func (f flatEncoder) EncodeImage(images *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	out := nn.NewTensor[float32](images.Shape[0], f.dim)
	per := images.Size() / max(1, images.Shape[0])
	for b := 0; b < images.Shape[0]; b++ {
		for i, v := range images.Data[b*per : (b+1)*per] {
			out.Data[b*f.dim+i%f.dim] += v
		}
	}
	return out, nil
}

// opaqueAttention hides the fused weights of the attention it wraps.
type opaqueAttention struct{ inner backbone.SelfAttention }

func (o opaqueAttention) Forward(q, k, v *nn.Tensor[float32]) (*nn.Tensor[float32], *nn.Tensor[float32]) {
	return o.inner.Forward(q, k, v)
}

func TestInjectAdaptersSlicesQueryAndValue(t *testing.T) {
	vit := newTinyViT(t)
	blocks := vit.Blocks()
	fused := blocks[len(blocks)-1].Attention().(backbone.FusedAttention)
	d := fused.EmbedDim()
	w := fused.InProjWeight().Clone()

	adapters, err := InjectAdapters(zerolog.Nop(), vit, 4, 16, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("InjectAdapters: %v", err)
	}
	present, ok := adapters.(AdaptersPresent)
	if !ok {
		t.Fatalf("expected AdaptersPresent, got %T", adapters)
	}

	if diff := nn.MaxAbsDiff(present.Query.Frozen.Weight.Data, w.Data[:d*d]); diff != 0 {
		t.Errorf("query weight differs from in_proj rows [0, d) by %g", diff)
	}
	if diff := nn.MaxAbsDiff(present.Value.Frozen.Weight.Data, w.Data[2*d*d:]); diff != 0 {
		t.Errorf("value weight differs from in_proj rows [2d, 3d) by %g", diff)
	}
	if present.Query.Frozen.Bias == nil || present.Query.Frozen.Bias.Size() != d {
		t.Errorf("query bias not sliced: %v", present.Query.Frozen.Bias)
	}
	if present.Query.Adapter.Scale != 4 {
		t.Errorf("scale = %g, want alpha/rank = 4", present.Query.Adapter.Scale)
	}

	last, ok := blocks[len(blocks)-1].Attention().(*AdaptedAttentionBlock)
	if !ok {
		t.Fatalf("last block holds %T, want *AdaptedAttentionBlock", blocks[len(blocks)-1].Attention())
	}
	if last.Original != fused {
		t.Error("adapted block does not wrap the original attention")
	}
	if _, ok := blocks[0].Attention().(*backbone.Attention); !ok {
		t.Errorf("first block was modified: %T", blocks[0].Attention())
	}
}

func TestInjectedEncoderMatchesOriginalAtInit(t *testing.T) {
	vit := newTinyViT(t)
	images := nn.RandomNormal(rand.New(rand.NewSource(2)), 1, 2, 3, 8, 8)
	before, err := vit.EncodeImage(images)
	if err != nil {
		t.Fatalf("EncodeImage: %v", err)
	}

	if _, err := InjectAdapters(zerolog.Nop(), vit, 2, 4, rand.New(rand.NewSource(3))); err != nil {
		t.Fatalf("InjectAdapters: %v", err)
	}
	after, err := vit.EncodeImage(images)
	if err != nil {
		t.Fatalf("EncodeImage: %v", err)
	}
	if diff := nn.MaxAbsDiff(before.Data, after.Data); diff > 1e-6 {
		t.Errorf("zero-initialized adapters changed features by %g", diff)
	}
}

func TestAdaptedAttentionAddsProjectedDelta(t *testing.T) {
	vit := newTinyViT(t)
	adapters, err := InjectAdapters(zerolog.Nop(), vit, 2, 2, rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatalf("InjectAdapters: %v", err)
	}
	present := adapters.(AdaptersPresent)
	rng := rand.New(rand.NewSource(5))
	for i := range present.Query.Adapter.B.Value.Data {
		present.Query.Adapter.B.Value.Data[i] = float32(rng.NormFloat64())
		present.Value.Adapter.B.Value.Data[i] = float32(rng.NormFloat64())
	}

	blocks := vit.Blocks()
	block := blocks[len(blocks)-1].Attention().(*AdaptedAttentionBlock)
	x := nn.RandomNormal(rng, 1, 1, 3, 8)

	out, weights := block.Forward(x, x, x)
	origOut, origWeights := block.Original.Forward(x, x, x)
	if diff := nn.MaxAbsDiff(weights.Data, origWeights.Data); diff != 0 {
		t.Errorf("attention weights changed by %g", diff)
	}

	delta := nn.Add(present.Query.Delta(x), present.Value.Delta(x))
	want := nn.Add(origOut, nn.Linear(delta, block.Original.OutProjWeight(), nil))
	if diff := nn.MaxAbsDiff(out.Data, want.Data); diff > 1e-5 {
		t.Errorf("adapted output off by %g", diff)
	}
	if nn.MaxAbsDiff(out.Data, origOut.Data) < 1e-6 {
		t.Error("non-zero adapters left the output unchanged")
	}
}

func TestInjectAdaptersSoftDegrades(t *testing.T) {
	tests := []struct {
		name    string
		encoder func(t *testing.T) backbone.Encoder
		warning string
	}{
		{
			name:    "no attention stack",
			encoder: func(*testing.T) backbone.Encoder { return flatEncoder{dim: 6} },
			warning: "exposes no attention blocks",
		},
		{
			name: "attention without fused projection",
			encoder: func(t *testing.T) backbone.Encoder {
				vit := newTinyViT(t)
				last := vit.Blocks()[len(vit.Blocks())-1]
				last.SetAttention(opaqueAttention{inner: last.Attention()})
				return vit
			},
			warning: "no fused q/k/v projection",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			adapters, err := InjectAdapters(zerolog.New(&buf), tt.encoder(t), 8, 16, rand.New(rand.NewSource(1)))
			if err != nil {
				t.Fatalf("InjectAdapters: %v", err)
			}
			if _, ok := adapters.(AdaptersAbsent); !ok {
				t.Errorf("expected AdaptersAbsent, got %T", adapters)
			}
			if !strings.Contains(buf.String(), tt.warning) || !strings.Contains(buf.String(), `"level":"warn"`) {
				t.Errorf("missing warning %q in %s", tt.warning, buf.String())
			}
		})
	}
}

func TestInjectAdaptersRejectsZeroRank(t *testing.T) {
	_, err := InjectAdapters(zerolog.Nop(), newTinyViT(t), 0, 16, rand.New(rand.NewSource(1)))
	if !errors.Is(err, nn.ErrShape) {
		t.Errorf("expected nn.ErrShape, got %v", err)
	}
}

func TestTrainingLeavesFrozenWeightsUntouched(t *testing.T) {
	vit := newTinyViT(t)
	fused := vit.Blocks()[1].Attention().(backbone.FusedAttention)
	inProj := fused.InProjWeight().Clone()

	adapters, err := InjectAdapters(zerolog.Nop(), vit, 2, 4, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("InjectAdapters: %v", err)
	}
	present := adapters.(AdaptersPresent)
	frozenQ := present.Query.Frozen.Weight.Clone()
	frozenV := present.Value.Frozen.Weight.Clone()

	groups := []nn.ParamGroup{
		{Name: "lora_q", Params: present.Query.Parameters()},
		{Name: "lora_v", Params: present.Value.Parameters()},
	}
	opt := nn.NewSGDOptimizerWithMomentum(0.9, 0, false)
	rng := rand.New(rand.NewSource(2))
	for step := 0; step < 3; step++ {
		for _, g := range groups {
			for _, p := range g.Params {
				for i := range p.Grad.Data {
					p.Grad.Data[i] = float32(rng.NormFloat64())
				}
			}
		}
		opt.Step(groups, 0.1)
	}

	if nn.MaxAbsDiff(present.Query.Frozen.Weight.Data, frozenQ.Data) != 0 {
		t.Error("frozen query weight changed")
	}
	if nn.MaxAbsDiff(present.Value.Frozen.Weight.Data, frozenV.Data) != 0 {
		t.Error("frozen value weight changed")
	}
	if nn.MaxAbsDiff(fused.InProjWeight().Data, inProj.Data) != 0 {
		t.Error("backbone in_proj weight changed")
	}
	if nn.MaxAbsDiff(present.Query.Adapter.B.Value.Data, make([]float32, present.Query.Adapter.B.Value.Size())) == 0 {
		t.Error("adapter B did not move")
	}
}
