package model

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/openfluke/affect/backbone"
	"github.com/openfluke/affect/config"
	"github.com/openfluke/affect/nn"
	"github.com/rs/zerolog"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.FeatureDim = 6
	cfg.HiddenDim = 8
	cfg.ProjectionDim = 4
	cfg.LoRARank = 2
	cfg.LoRAAlpha = 4
	cfg.MemoryQueueSize = 8
	cfg.RegressorHiddenDim = 5
	cfg.FeatureCacheSize = 1 << 20
	cfg.Backbone = config.BackboneConfig{Kind: "vit", ImageSize: 8, PatchSize: 4, Width: 8, Layers: 2, Heads: 2}
	return cfg
}

func newTestModel(t *testing.T, cfg *config.Config, enc backbone.Encoder) *TemporalEmotionModel {
	t.Helper()
	m, err := New(cfg, enc, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func groupNames(groups []nn.ParamGroup) string {
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	return strings.Join(names, ",")
}

func TestForwardClipShapes(t *testing.T) {
	m := newTestModel(t, testConfig(), newTinyViT(t))
	m.Eval()
	images := nn.RandomNormal(rand.New(rand.NewSource(1)), 1, 2, 3, 3, 8, 8)

	out, err := m.Forward(images, true)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if s := out.FrameEmbeddings.Shape; len(s) != 3 || s[0] != 2 || s[1] != 3 || s[2] != 4 {
		t.Errorf("frame embeddings %v, want [2 3 4]", s)
	}
	if s := out.ClipEmbedding.Shape; len(s) != 2 || s[0] != 2 || s[1] != 4 {
		t.Errorf("clip embedding %v, want [2 4]", s)
	}
	if s := out.Affect.Shape; len(s) != 3 || s[0] != 2 || s[1] != 3 || s[2] != 2 {
		t.Errorf("affect %v, want [2 3 2]", s)
	}
	assertUnitRows(t, "frames", out.FrameEmbeddings)
	assertUnitRows(t, "clip", out.ClipEmbedding)
}

func TestForwardWithoutRegression(t *testing.T) {
	m := newTestModel(t, testConfig(), newTinyViT(t))
	out, err := m.Forward(nn.RandomNormal(rand.New(rand.NewSource(2)), 1, 1, 2, 3, 8, 8), false)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.Affect != nil {
		t.Errorf("affect computed without being requested: %v", out.Affect.Shape)
	}
}

func TestForwardFlatBatchIsSingleFrameClips(t *testing.T) {
	m := newTestModel(t, testConfig(), newTinyViT(t))
	m.Eval()
	images := nn.RandomNormal(rand.New(rand.NewSource(3)), 1, 3, 3, 8, 8)

	flat, err := m.Forward(images, true)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if s := flat.FrameEmbeddings.Shape; len(s) != 2 || s[0] != 3 || s[1] != 4 {
		t.Errorf("frame embeddings %v, want [3 4]", s)
	}
	if s := flat.Affect.Shape; len(s) != 2 || s[0] != 3 || s[1] != 2 {
		t.Errorf("affect %v, want [3 2]", s)
	}

	clips, err := m.Forward(images.Reshape(3, 1, 3, 8, 8), false)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if diff := nn.MaxAbsDiff(flat.ClipEmbedding.Data, clips.ClipEmbedding.Data); diff > 1e-6 {
		t.Errorf("flat batch and length-1 clips differ by %g", diff)
	}
}

func TestEncodeFramesShapes(t *testing.T) {
	m := newTestModel(t, testConfig(), newTinyViT(t))
	rng := rand.New(rand.NewSource(4))

	f4, err := m.EncodeFrames(nn.RandomNormal(rng, 1, 2, 3, 8, 8))
	if err != nil {
		t.Fatalf("EncodeFrames: %v", err)
	}
	if f4.Dims() != 2 || f4.Shape[0] != 2 || f4.Shape[1] != 6 {
		t.Errorf("4-D features %v, want [2 6]", f4.Shape)
	}

	f5, err := m.EncodeFrames(nn.RandomNormal(rng, 1, 2, 3, 3, 8, 8))
	if err != nil {
		t.Fatalf("EncodeFrames: %v", err)
	}
	if f5.Dims() != 3 || f5.Shape[0] != 2 || f5.Shape[1] != 3 || f5.Shape[2] != 6 {
		t.Errorf("5-D features %v, want [2 3 6]", f5.Shape)
	}

	if _, err := m.EncodeFrames(nn.NewTensor[float32](3, 8, 8)); !errors.Is(err, ErrShape) {
		t.Errorf("3-D input: expected ErrShape, got %v", err)
	}
	if _, err := m.EncodeFrames(nn.NewTensor[float32](1, 3, 7, 7)); !errors.Is(err, backbone.ErrImageShape) {
		t.Errorf("wrong image size: expected ErrImageShape, got %v", err)
	}
}

func TestEvalForwardIsDeterministic(t *testing.T) {
	cfg := testConfig()
	cfg.TemporalAttention = true
	m := newTestModel(t, cfg, newTinyViT(t))
	m.Eval()
	images := nn.RandomNormal(rand.New(rand.NewSource(5)), 1, 1, 4, 3, 8, 8)

	a, err := m.Forward(images, true)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	b, _ := m.Forward(images, true)
	if nn.MaxAbsDiff(a.ClipEmbedding.Data, b.ClipEmbedding.Data) != 0 || nn.MaxAbsDiff(a.Affect.Data, b.Affect.Data) != 0 {
		t.Error("eval forward is not deterministic")
	}
	if m.Training() {
		t.Error("Eval left the model in training mode")
	}
}

func TestTrainableParametersByStage(t *testing.T) {
	m := newTestModel(t, testConfig(), newTinyViT(t))
	present, ok := m.Adapters().(AdaptersPresent)
	if !ok {
		t.Fatalf("expected adapters, got %T", m.Adapters())
	}

	pre, err := m.TrainableParameters(StagePretrain)
	if err != nil {
		t.Fatalf("pretrain: %v", err)
	}
	if got := groupNames(pre); got != "lora_q,lora_v,frame_projector,temporal_head" {
		t.Errorf("pretrain groups = %s", got)
	}
	if pre[0].Params[0] != present.Query.Adapter.A || pre[1].Params[1] != present.Value.Adapter.B {
		t.Error("adapter groups do not hold the adapter matrices")
	}

	fine, err := m.TrainableParameters(StageFinetune)
	if err != nil {
		t.Fatalf("finetune: %v", err)
	}
	if got := groupNames(fine); got != "temporal_head,regression_head" {
		t.Errorf("finetune groups = %s", got)
	}
	adapterParams := append(present.Query.Parameters(), present.Value.Parameters()...)
	for _, g := range fine {
		for _, p := range g.Params {
			for _, a := range adapterParams {
				if p == a {
					t.Errorf("finetune group %s contains adapter parameter %s", g.Name, p.Name)
				}
			}
		}
	}
}

func TestTrainableParametersUnknownStage(t *testing.T) {
	m := newTestModel(t, testConfig(), newTinyViT(t))
	_, err := m.TrainableParameters(Stage("bogus"))
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Errorf("error %q does not name the stage", err)
	}
}

func TestModelWithoutLoRACachesFeatures(t *testing.T) {
	cfg := testConfig()
	cfg.UseLoRA = false
	m := newTestModel(t, cfg, newTinyViT(t))

	if _, ok := m.Adapters().(AdaptersAbsent); !ok {
		t.Errorf("expected AdaptersAbsent, got %T", m.Adapters())
	}
	if _, ok := m.Encoder().(*backbone.CachedEncoder); !ok {
		t.Errorf("expected a cached encoder, got %T", m.Encoder())
	}
	pre, _ := m.TrainableParameters(StagePretrain)
	if got := groupNames(pre); got != "frame_projector,temporal_head" {
		t.Errorf("pretrain groups = %s", got)
	}
}

func TestModelWithAdaptersSkipsCache(t *testing.T) {
	m := newTestModel(t, testConfig(), newTinyViT(t))
	if _, ok := m.Encoder().(*backbone.CachedEncoder); ok {
		t.Error("adapted backbone must not be cached")
	}
}

func TestModelSoftDegradesWithoutAttention(t *testing.T) {
	var buf bytes.Buffer
	m, err := New(testConfig(), flatEncoder{dim: 6}, zerolog.New(&buf))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if _, ok := m.Adapters().(AdaptersAbsent); !ok {
		t.Errorf("expected AdaptersAbsent, got %T", m.Adapters())
	}
	if !strings.Contains(buf.String(), "LoRA skipped") {
		t.Errorf("no warning logged: %s", buf.String())
	}
	if _, err := m.Forward(nn.RandomNormal(rand.New(rand.NewSource(6)), 1, 1, 2, 3, 8, 8), true); err != nil {
		t.Errorf("Forward: %v", err)
	}
}

func TestInjectionHappensOncePerEncoder(t *testing.T) {
	vit := newTinyViT(t)
	first := newTestModel(t, testConfig(), vit)
	if _, ok := first.Adapters().(AdaptersPresent); !ok {
		t.Fatalf("first model: expected adapters, got %T", first.Adapters())
	}

	second := newTestModel(t, testConfig(), vit)
	if _, ok := second.Adapters().(AdaptersAbsent); !ok {
		t.Errorf("second model re-adapted an adapted block: %T", second.Adapters())
	}
	if _, ok := vit.Blocks()[1].Attention().(*AdaptedAttentionBlock); !ok {
		t.Errorf("last block holds %T", vit.Blocks()[1].Attention())
	}
}

func TestNewRejectsFeatureDimMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.FeatureDim = 7
	if _, err := New(cfg, newTinyViT(t), zerolog.Nop()); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape, got %v", err)
	}
}

func TestUpdateMemoryQueueFromClipEmbeddings(t *testing.T) {
	m := newTestModel(t, testConfig(), newTinyViT(t))
	m.Eval()
	out, err := m.Forward(nn.RandomNormal(rand.New(rand.NewSource(7)), 1, 3, 2, 3, 8, 8), false)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if err := m.UpdateMemoryQueue(out.ClipEmbedding); err != nil {
		t.Fatalf("UpdateMemoryQueue: %v", err)
	}
	if m.Queue.Ptr() != 3 {
		t.Errorf("ptr = %d, want 3", m.Queue.Ptr())
	}
	if diff := nn.MaxAbsDiff(m.Queue.Rows().Row(2), out.ClipEmbedding.Row(2)); diff != 0 {
		t.Errorf("slot 2 differs from the third clip by %g", diff)
	}
	if err := m.UpdateMemoryQueue(out.FrameEmbeddings); !errors.Is(err, ErrShape) {
		t.Errorf("3-D update: expected ErrShape, got %v", err)
	}
}

func TestBackwardReachesHeadsOnly(t *testing.T) {
	m := newTestModel(t, testConfig(), newTinyViT(t))
	m.Eval()
	rng := rand.New(rand.NewSource(8))

	out, err := m.Forward(nn.RandomNormal(rng, 1, 2, 3, 3, 8, 8), true)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	err = m.Backward(Gradients{
		ClipEmbedding: nn.RandomNormal(rng, 1, out.ClipEmbedding.Shape...),
		Affect:        nn.RandomNormal(rng, 1, out.Affect.Shape...),
	})
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}

	nonZero := func(p *nn.Parameter) bool {
		for _, v := range p.Grad.Data {
			if v != 0 {
				return true
			}
		}
		return false
	}
	if !nonZero(m.FrameProjector.Linear1.Weight) {
		t.Error("frame projector received no gradient")
	}
	if !nonZero(m.AffectRegressor.Linear2.Weight) {
		t.Error("affect regressor received no gradient")
	}
	if !nonZero(m.TemporalAggregator.Projection.Weight) {
		t.Error("temporal head received no gradient")
	}
	present := m.Adapters().(AdaptersPresent)
	for _, p := range append(present.Query.Parameters(), present.Value.Parameters()...) {
		if nonZero(p) {
			t.Errorf("adapter parameter %s received a gradient through the frozen backbone", p.Name)
		}
	}
}

func TestBackwardValidatesGradients(t *testing.T) {
	m := newTestModel(t, testConfig(), newTinyViT(t))
	if err := m.Backward(Gradients{}); !errors.Is(err, ErrShape) {
		t.Errorf("before Forward: expected ErrShape, got %v", err)
	}

	if _, err := m.Forward(nn.RandomNormal(rand.New(rand.NewSource(9)), 1, 1, 2, 3, 8, 8), false); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := m.Backward(Gradients{Affect: nn.NewTensor[float32](1, 2, 2)}); !errors.Is(err, ErrShape) {
		t.Errorf("affect without regression: expected ErrShape, got %v", err)
	}
	if err := m.Backward(Gradients{ClipEmbedding: nn.NewTensor[float32](1, 5)}); !errors.Is(err, ErrShape) {
		t.Errorf("wrong clip gradient: expected ErrShape, got %v", err)
	}
}

func TestModelIDsAreUnique(t *testing.T) {
	a := newTestModel(t, testConfig(), newTinyViT(t))
	b := newTestModel(t, testConfig(), newTinyViT(t))
	if a.ID() == b.ID() {
		t.Errorf("two models share id %s", a.ID())
	}
}
