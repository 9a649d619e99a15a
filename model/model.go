// Package model assembles the temporal affect model: a frozen image
// backbone with optional low-rank adapters, a frame projector, a temporal
// aggregator, an affect regressor and a memory queue of clip embeddings.
package model

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"github.com/openfluke/affect/backbone"
	"github.com/openfluke/affect/config"
	"github.com/openfluke/affect/nn"
	"github.com/rs/zerolog"
)

// Output is the result of one forward pass.
type Output struct {
	FrameEmbeddings *nn.Tensor[float32] // [B, L, projection_dim], or [B, projection_dim] for 4-D input
	ClipEmbedding   *nn.Tensor[float32] // [B, projection_dim]
	Affect          *nn.Tensor[float32] // same leading shape as FrameEmbeddings with 2 values; nil unless requested
}

// Gradients carries loss gradients for the outputs of the last Forward.
// Nil fields contribute nothing.
type Gradients struct {
	FrameEmbeddings *nn.Tensor[float32]
	ClipEmbedding   *nn.Tensor[float32]
	Affect          *nn.Tensor[float32]
}

// TemporalEmotionModel maps clips of frames to embeddings and affect.
type TemporalEmotionModel struct {
	FrameProjector     *FrameProjector
	TemporalAggregator *TemporalAggregator
	AffectRegressor    *AffectRegressor
	Queue              *MemoryQueue

	id       uuid.UUID
	cfg      *config.Config
	logger   zerolog.Logger
	encoder  backbone.Encoder
	adapters Adapters
	training bool

	frames        *nn.Tensor[float32]
	ranRegression bool
}

// New builds the model around encoder. When cfg.UseLoRA is set adapters
// are injected into the encoder's last attention block; an encoder without
// one logs a warning and the model runs without adapters. Without
// adapters the backbone never changes, so its features are cached when
// cfg.FeatureCacheSize is positive.
func New(cfg *config.Config, encoder backbone.Encoder, logger zerolog.Logger) (*TemporalEmotionModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if encoder.FeatureDim() != cfg.FeatureDim {
		return nil, fmt.Errorf("%w: encoder produces %d features, feature_dim is %d", ErrShape, encoder.FeatureDim(), cfg.FeatureDim)
	}

	m := &TemporalEmotionModel{
		id:       uuid.New(),
		cfg:      cfg,
		encoder:  encoder,
		adapters: AdaptersAbsent{},
		training: true,
	}
	m.logger = logger.With().Str("model_id", m.id.String()).Logger()
	rng := rand.New(rand.NewSource(cfg.Seed))

	if cfg.UseLoRA {
		adapters, err := InjectAdapters(m.logger, encoder, cfg.LoRARank, cfg.LoRAAlpha, rng)
		if err != nil {
			return nil, fmt.Errorf("inject adapters: %w", err)
		}
		m.adapters = adapters
	}
	if _, ok := m.adapters.(AdaptersAbsent); ok && cfg.FeatureCacheSize > 0 {
		cached, err := backbone.NewCachedEncoder(encoder, cfg.FeatureCacheSize)
		if err != nil {
			return nil, err
		}
		m.encoder = cached
	}

	m.FrameProjector = NewFrameProjector(cfg.FeatureDim, cfg.HiddenDim, cfg.ProjectionDim, rng)
	agg, err := NewTemporalAggregator(cfg.ProjectionDim, cfg.ProjectionDim, cfg.TemporalAttention, rng)
	if err != nil {
		return nil, err
	}
	m.TemporalAggregator = agg
	m.AffectRegressor = NewAffectRegressor(cfg.ProjectionDim, cfg.RegressorHiddenDim, cfg.RegressorDropout, rng)
	m.Queue, err = NewMemoryQueue(cfg.MemoryQueueSize, cfg.ProjectionDim, rng)
	if err != nil {
		return nil, err
	}

	_, lora := m.adapters.(AdaptersPresent)
	m.logger.Info().
		Bool("lora", lora).
		Bool("temporal_attention", cfg.TemporalAttention).
		Int("projection_dim", cfg.ProjectionDim).
		Int("memory_queue_size", cfg.MemoryQueueSize).
		Msg("model ready")
	return m, nil
}

func (m *TemporalEmotionModel) ID() uuid.UUID          { return m.id }
func (m *TemporalEmotionModel) Config() *config.Config { return m.cfg }
func (m *TemporalEmotionModel) Adapters() Adapters     { return m.adapters }
func (m *TemporalEmotionModel) Encoder() backbone.Encoder {
	return m.encoder
}

// Train enables dropout in the heads.
func (m *TemporalEmotionModel) Train() { m.setTraining(true) }

// Eval disables dropout, making Forward deterministic.
func (m *TemporalEmotionModel) Eval() { m.setTraining(false) }

func (m *TemporalEmotionModel) Training() bool { return m.training }

func (m *TemporalEmotionModel) setTraining(training bool) {
	m.training = training
	m.TemporalAggregator.SetTraining(training)
	m.AffectRegressor.SetTraining(training)
}

// EncodeFrames runs the frozen backbone on [B, C, H, W] giving [B, F], or
// on clips [B, L, C, H, W] giving [B, L, F].
func (m *TemporalEmotionModel) EncodeFrames(images *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	switch images.Dims() {
	case 4:
		return m.encode(images)
	case 5:
		b, l := images.Shape[0], images.Shape[1]
		flat := images.Reshape(b*l, images.Shape[2], images.Shape[3], images.Shape[4])
		features, err := m.encode(flat)
		if err != nil {
			return nil, err
		}
		return features.Reshape(b, l, features.LastDim()), nil
	default:
		return nil, fmt.Errorf("%w: expected [B,C,H,W] or [B,L,C,H,W], got %v", ErrShape, images.Shape)
	}
}

func (m *TemporalEmotionModel) encode(images *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	features, err := m.encoder.EncodeImage(images)
	if err != nil {
		return nil, fmt.Errorf("encode frames: %w", err)
	}
	if features.Dims() != 2 || features.Shape[0] != images.Shape[0] || features.Shape[1] != m.cfg.FeatureDim {
		return nil, fmt.Errorf("%w: encoder returned %v for %d frames", ErrShape, features.Shape, images.Shape[0])
	}
	return features, nil
}

// Forward encodes, projects and aggregates the frames. A 4-D batch is read
// as B clips of one frame each. Affect is computed per frame only when
// returnRegression is set.
func (m *TemporalEmotionModel) Forward(images *nn.Tensor[float32], returnRegression bool) (*Output, error) {
	features, err := m.EncodeFrames(images)
	if err != nil {
		return nil, err
	}
	if features.Shape[0] == 0 || (features.Dims() == 3 && features.Shape[1] == 0) {
		return nil, fmt.Errorf("%w: empty clip batch %v", ErrShape, images.Shape)
	}

	frames := m.FrameProjector.Forward(features)
	clips := frames
	if frames.Dims() == 2 {
		clips = frames.Reshape(frames.Shape[0], 1, frames.Shape[1])
	}

	out := &Output{
		FrameEmbeddings: frames,
		ClipEmbedding:   m.TemporalAggregator.Forward(clips),
	}
	if returnRegression {
		out.Affect = m.AffectRegressor.Forward(frames)
	}
	m.frames = frames
	m.ranRegression = returnRegression
	return out, nil
}

// Backward propagates grads for the last Forward into the head
// parameters. The backbone ran without gradient tracking, so nothing
// reaches the encoder or its adapters.
func (m *TemporalEmotionModel) Backward(grads Gradients) error {
	if m.frames == nil {
		return fmt.Errorf("%w: Backward called before Forward", ErrShape)
	}
	total := nn.NewTensor[float32](m.frames.Shape...)

	if g := grads.FrameEmbeddings; g != nil {
		if !g.SameShape(m.frames) {
			return fmt.Errorf("%w: frame gradient %v for embeddings %v", ErrShape, g.Shape, m.frames.Shape)
		}
		nn.AddInPlace(total, g)
	}
	if g := grads.ClipEmbedding; g != nil {
		if g.Dims() != 2 || g.Shape[0] != m.frames.Shape[0] || g.Shape[1] != m.cfg.ProjectionDim {
			return fmt.Errorf("%w: clip gradient %v", ErrShape, g.Shape)
		}
		gz := m.TemporalAggregator.Backward(g)
		nn.AddInPlace(total, gz.Reshape(m.frames.Shape...))
	}
	if g := grads.Affect; g != nil {
		if !m.ranRegression {
			return fmt.Errorf("%w: affect gradient without a regression forward", ErrShape)
		}
		if g.Size() != m.frames.Rows()*2 {
			return fmt.Errorf("%w: affect gradient %v", ErrShape, g.Shape)
		}
		shape := append([]int(nil), m.frames.Shape...)
		shape[len(shape)-1] = 2
		gz := m.AffectRegressor.Backward(g.Reshape(shape...))
		nn.AddInPlace(total, gz.Reshape(m.frames.Shape...))
	}

	m.FrameProjector.Backward(total)
	return nil
}

// TrainableParameters returns the parameter groups optimized in stage.
// Pretraining covers the adapters (when present), the frame projector and
// the temporal aggregator; finetuning covers the temporal aggregator and
// the affect regressor.
func (m *TemporalEmotionModel) TrainableParameters(stage Stage) ([]nn.ParamGroup, error) {
	switch stage {
	case StagePretrain:
		var groups []nn.ParamGroup
		if a, ok := m.adapters.(AdaptersPresent); ok {
			groups = append(groups,
				nn.ParamGroup{Name: "lora_q", Params: a.Query.Parameters()},
				nn.ParamGroup{Name: "lora_v", Params: a.Value.Parameters()},
			)
		}
		return append(groups,
			nn.ParamGroup{Name: "frame_projector", Params: m.FrameProjector.Parameters()},
			nn.ParamGroup{Name: "temporal_head", Params: m.TemporalAggregator.Parameters()},
		), nil
	case StageFinetune:
		return []nn.ParamGroup{
			{Name: "temporal_head", Params: m.TemporalAggregator.Parameters()},
			{Name: "regression_head", Params: m.AffectRegressor.Parameters()},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, string(stage))
	}
}

// UpdateMemoryQueue appends embeddings [N, projection_dim] to the queue.
func (m *TemporalEmotionModel) UpdateMemoryQueue(embeddings *nn.Tensor[float32]) error {
	if err := m.Queue.Update(embeddings); err != nil {
		return err
	}
	m.logger.Debug().
		Int("rows", embeddings.Shape[0]).
		Int("ptr", m.Queue.Ptr()).
		Msg("memory queue updated")
	return nil
}

// Close releases the feature cache, if one was created.
func (m *TemporalEmotionModel) Close() {
	if c, ok := m.encoder.(*backbone.CachedEncoder); ok {
		c.Close()
	}
}
