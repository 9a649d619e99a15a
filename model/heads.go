package model

import (
	"math/rand"

	"github.com/openfluke/affect/nn"
)

// FrameProjector maps backbone features into the shared embedding space:
// Dense → ReLU → LayerNorm → Dense → L2 normalize.
type FrameProjector struct {
	Linear1 *nn.Dense
	Act     *nn.Activation
	Norm    *nn.LayerNorm
	Linear2 *nn.Dense

	projected *nn.Tensor[float32]
}

func NewFrameProjector(inputDim, hiddenDim, outputDim int, rng *rand.Rand) *FrameProjector {
	return &FrameProjector{
		Linear1: nn.NewDense("frame_projector.net.0", inputDim, hiddenDim, rng),
		Act:     nn.NewActivation(nn.ActivationReLU),
		Norm:    nn.NewLayerNorm("frame_projector.net.2", hiddenDim),
		Linear2: nn.NewDense("frame_projector.net.3", hiddenDim, outputDim, rng),
	}
}

// Forward maps x: [..., inputDim] to unit vectors [..., outputDim].
func (p *FrameProjector) Forward(x *nn.Tensor[float32]) *nn.Tensor[float32] {
	h := p.Linear1.Forward(x)
	h = p.Act.Forward(h)
	h = p.Norm.Forward(h)
	p.projected = p.Linear2.Forward(h)
	return nn.L2Normalize(p.projected)
}

func (p *FrameProjector) Backward(gradOut *nn.Tensor[float32]) *nn.Tensor[float32] {
	g := nn.L2NormalizeBackward(gradOut, p.projected)
	g = p.Linear2.Backward(g)
	g = p.Norm.Backward(g)
	g = p.Act.Backward(g)
	return p.Linear1.Backward(g)
}

func (p *FrameProjector) Parameters() []*nn.Parameter {
	return nn.CollectParameters(p.Linear1, p.Norm, p.Linear2)
}

// TemporalAggregator pools frame embeddings [B, L, in] into one unit clip
// embedding [B, out]. With an Encoder the frames first attend to each
// other, which makes the result depend on frame order.
type TemporalAggregator struct {
	Encoder    *nn.TransformerEncoderLayer // nil for plain mean-pooling
	Projection *nn.Dense

	seqLen    int
	projected *nn.Tensor[float32]
}

// NewTemporalAggregator builds the aggregator; withAttention adds a
// 4-head self-attention layer with a 2·inputDim feed-forward and dropout 0.1.
func NewTemporalAggregator(inputDim, outputDim int, withAttention bool, rng *rand.Rand) (*TemporalAggregator, error) {
	a := &TemporalAggregator{
		Projection: nn.NewDense("temporal_head.projection", inputDim, outputDim, rng),
	}
	if withAttention {
		enc, err := nn.NewTransformerEncoderLayer("temporal_head.transformer", inputDim, 4, 2*inputDim, 0.1, rng)
		if err != nil {
			return nil, err
		}
		a.Encoder = enc
	}
	return a, nil
}

// Forward aggregates z: [B, L, in] with L ≥ 1.
func (a *TemporalAggregator) Forward(z *nn.Tensor[float32]) *nn.Tensor[float32] {
	if a.Encoder != nil {
		z = a.Encoder.Forward(z)
	}
	a.seqLen = z.Shape[1]
	pooled := nn.MeanOverTime(z)
	a.projected = a.Projection.Forward(pooled)
	return nn.L2Normalize(a.projected)
}

// Backward returns the gradient with respect to z: [B, L, in].
func (a *TemporalAggregator) Backward(gradOut *nn.Tensor[float32]) *nn.Tensor[float32] {
	g := nn.L2NormalizeBackward(gradOut, a.projected)
	g = a.Projection.Backward(g)
	g = nn.MeanOverTimeBackward(g, a.seqLen)
	if a.Encoder != nil {
		g = a.Encoder.Backward(g)
	}
	return g
}

func (a *TemporalAggregator) SetTraining(training bool) {
	if a.Encoder != nil {
		a.Encoder.SetTraining(training)
	}
}

func (a *TemporalAggregator) Parameters() []*nn.Parameter {
	if a.Encoder == nil {
		return a.Projection.Parameters()
	}
	return nn.CollectParameters(a.Encoder, a.Projection)
}

// AffectRegressor predicts an unbounded (valence, arousal) pair per frame:
// Dense → ReLU → Dropout → Dense(2).
type AffectRegressor struct {
	Linear1 *nn.Dense
	Act     *nn.Activation
	Dropout *nn.Dropout
	Linear2 *nn.Dense
}

func NewAffectRegressor(inputDim, hiddenDim int, dropout float32, rng *rand.Rand) *AffectRegressor {
	return &AffectRegressor{
		Linear1: nn.NewDense("regression_head.net.0", inputDim, hiddenDim, rng),
		Act:     nn.NewActivation(nn.ActivationReLU),
		Dropout: nn.NewDropout(dropout, rng),
		Linear2: nn.NewDense("regression_head.net.3", hiddenDim, 2, rng),
	}
}

// Forward maps z: [..., in] to [..., 2].
func (r *AffectRegressor) Forward(z *nn.Tensor[float32]) *nn.Tensor[float32] {
	h := r.Linear1.Forward(z)
	h = r.Act.Forward(h)
	h = r.Dropout.Forward(h)
	return r.Linear2.Forward(h)
}

func (r *AffectRegressor) Backward(gradOut *nn.Tensor[float32]) *nn.Tensor[float32] {
	g := r.Linear2.Backward(gradOut)
	g = r.Dropout.Backward(g)
	g = r.Act.Backward(g)
	return r.Linear1.Backward(g)
}

func (r *AffectRegressor) SetTraining(training bool) {
	r.Dropout.Training = training
}

func (r *AffectRegressor) Parameters() []*nn.Parameter {
	return nn.CollectParameters(r.Linear1, r.Linear2)
}
