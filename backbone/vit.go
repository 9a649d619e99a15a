package backbone

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/openfluke/affect/nn"
)

// ViTConfig sizes a VisionTransformer.
type ViTConfig struct {
	ImageSize int
	PatchSize int
	Width     int
	Layers    int
	Heads     int
	OutputDim int
}

// Grid returns the number of patches along one side of the image.
func (c ViTConfig) Grid() int {
	return c.ImageSize / c.PatchSize
}

// Validate checks that the sizes fit together.
func (c ViTConfig) Validate() error {
	switch {
	case c.PatchSize <= 0 || c.ImageSize <= 0 || c.ImageSize%c.PatchSize != 0:
		return fmt.Errorf("%w: image size %d not divisible by patch size %d", nn.ErrShape, c.ImageSize, c.PatchSize)
	case c.Heads <= 0 || c.Width%c.Heads != 0:
		return fmt.Errorf("%w: width %d not divisible by %d heads", nn.ErrShape, c.Width, c.Heads)
	case c.Layers <= 0 || c.OutputDim <= 0:
		return fmt.Errorf("%w: need at least one layer and a positive output dim", nn.ErrShape)
	}
	return nil
}

// VisionTransformer is a frozen CLIP-style image tower.
type VisionTransformer struct {
	Config ViTConfig

	patchWeight    *nn.Tensor[float32] // [width, 3*patch*patch]
	classEmbedding *nn.Tensor[float32] // [width]
	positional     *nn.Tensor[float32] // [grid*grid+1, width]
	lnPre          layerNorm
	blocks         []*ResidualBlock
	lnPost         layerNorm
	proj           *nn.Tensor[float32] // [width, output_dim]
}

// NewVisionTransformer builds a randomly initialized encoder, mostly for
// tests and for running without pretrained weights.
func NewVisionTransformer(cfg ViTConfig, rng *rand.Rand) (*VisionTransformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := cfg.Width
	patchIn := 3 * cfg.PatchSize * cfg.PatchSize
	scale := 1 / math.Sqrt(float64(w))
	attnStd := scale
	projStd := scale / math.Sqrt(2*float64(cfg.Layers))

	v := &VisionTransformer{
		Config:         cfg,
		patchWeight:    nn.RandomNormal(rng, 1/math.Sqrt(float64(patchIn)), w, patchIn),
		classEmbedding: nn.RandomNormal(rng, scale, w),
		positional:     nn.RandomNormal(rng, scale, cfg.Grid()*cfg.Grid()+1, w),
		lnPre:          identityNorm(w),
		lnPost:         identityNorm(w),
		proj:           nn.RandomNormal(rng, scale, w, cfg.OutputDim),
	}

	for i := 0; i < cfg.Layers; i++ {
		attn, err := NewAttention(cfg.Heads,
			nn.RandomNormal(rng, attnStd, 3*w, w), nn.NewTensor[float32](3*w),
			nn.RandomNormal(rng, projStd, w, w), nn.NewTensor[float32](w))
		if err != nil {
			return nil, err
		}
		v.blocks = append(v.blocks, &ResidualBlock{
			ln1:   identityNorm(w),
			attn:  attn,
			base:  attn,
			ln2:   identityNorm(w),
			cFc:   nn.NewFrozenLinear(nn.RandomNormal(rng, attnStd, 4*w, w), nn.NewTensor[float32](4*w)),
			cProj: nn.NewFrozenLinear(nn.RandomNormal(rng, projStd, w, 4*w), nn.NewTensor[float32](w)),
		})
	}
	return v, nil
}

func identityNorm(size int) layerNorm {
	weight := nn.NewTensor[float32](size)
	for i := range weight.Data {
		weight.Data[i] = 1
	}
	return layerNorm{Weight: weight, Bias: nn.NewTensor[float32](size)}
}

// Blocks exposes the residual attention blocks in order.
func (v *VisionTransformer) Blocks() []*ResidualBlock {
	return v.blocks
}

func (v *VisionTransformer) FeatureDim() int {
	return v.Config.OutputDim
}

// EncodeImage maps images [B, 3, S, S] to features [B, OutputDim] from the class token.
func (v *VisionTransformer) EncodeImage(images *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	s := v.Config.ImageSize
	if images.Dims() != 4 || images.Shape[1] != 3 || images.Shape[2] != s || images.Shape[3] != s {
		return nil, fmt.Errorf("%w: want [B, 3, %d, %d], got %v", ErrImageShape, s, s, images.Shape)
	}
	batch := images.Shape[0]
	w := v.Config.Width
	tokens := v.Config.Grid()*v.Config.Grid() + 1

	patches := v.patchify(images)
	embedded := nn.Linear(patches, v.patchWeight, nil) // [B, grid², width]

	x := nn.NewTensor[float32](batch, tokens, w)
	for b := 0; b < batch; b++ {
		for t := 0; t < tokens; t++ {
			dst := x.Data[(b*tokens+t)*w : (b*tokens+t+1)*w]
			pos := v.positional.Row(t)
			var src []float32
			if t == 0 {
				src = v.classEmbedding.Data
			} else {
				src = embedded.Data[(b*(tokens-1)+t-1)*w : (b*(tokens-1)+t)*w]
			}
			for i := range dst {
				dst[i] = src[i] + pos[i]
			}
		}
	}

	x = v.lnPre.Forward(x)
	for _, block := range v.blocks {
		x = block.Forward(x)
	}

	cls := nn.NewTensor[float32](batch, w)
	for b := 0; b < batch; b++ {
		copy(cls.Row(b), x.Data[b*tokens*w:(b*tokens+1)*w])
	}
	return nn.MatMul(v.lnPost.Forward(cls), v.proj), nil
}

// patchify unfolds [B, 3, S, S] into [B, grid², 3*P*P] in the same
// (channel, row, column) order as a convolution kernel with stride P.
func (v *VisionTransformer) patchify(images *nn.Tensor[float32]) *nn.Tensor[float32] {
	batch := images.Shape[0]
	s, p, g := v.Config.ImageSize, v.Config.PatchSize, v.Config.Grid()
	patchIn := 3 * p * p

	out := nn.NewTensor[float32](batch, g*g, patchIn)
	for b := 0; b < batch; b++ {
		for gy := 0; gy < g; gy++ {
			for gx := 0; gx < g; gx++ {
				dst := out.Data[((b*g*g)+gy*g+gx)*patchIn:]
				i := 0
				for c := 0; c < 3; c++ {
					plane := images.Data[(b*3+c)*s*s:]
					for ky := 0; ky < p; ky++ {
						row := (gy*p + ky) * s
						for kx := 0; kx < p; kx++ {
							dst[i] = plane[row+gx*p+kx]
							i++
						}
					}
				}
			}
		}
	}
	return out
}
