// Package backbone provides frozen image encoders that turn a batch of
// frames [B, C, H, W] into feature vectors [B, feature_dim].
//
// Encoders that are transformer stacks also implement AttentionStack so
// callers can reach the attention of each residual block. Every weight
// in this package is plain tensor data and never a trainable parameter.
package backbone

import (
	"errors"

	"github.com/openfluke/affect/nn"
)

// ErrImageShape is returned when an image batch does not match what the encoder accepts.
var ErrImageShape = errors.New("image batch shape")

// Encoder is the image-encoding capability every backbone provides.
type Encoder interface {
	// EncodeImage maps images [B, C, H, W] to features [B, FeatureDim()].
	EncodeImage(images *nn.Tensor[float32]) (*nn.Tensor[float32], error)
	FeatureDim() int
}

// SelfAttention is the computation held by a residual block's attention slot.
type SelfAttention interface {
	// Forward returns the attention output [B, L, d] and the head-averaged
	// attention weights [B, L, L].
	Forward(query, key, value *nn.Tensor[float32]) (out, weights *nn.Tensor[float32])
}

// FusedAttention is attention with one fused query/key/value projection
// laid out as [q; k; v] along the output axis.
type FusedAttention interface {
	SelfAttention
	EmbedDim() int
	InProjWeight() *nn.Tensor[float32]  // [3d, d]
	InProjBias() *nn.Tensor[float32]    // [3d] or nil
	OutProjWeight() *nn.Tensor[float32] // [d, d]
}

// AttentionStack is implemented by encoders built from residual attention blocks.
type AttentionStack interface {
	Blocks() []*ResidualBlock
}
