package backbone

import (
	"fmt"
	"math"

	"github.com/openfluke/affect/nn"
)

// Tensor names follow open_clip's visual tower.
const (
	prefix     = "visual."
	blockNames = "transformer.resblocks.%d."
)

// StateDict returns the encoder's weights under open_clip names.
func (v *VisionTransformer) StateDict() map[string]*nn.Tensor[float32] {
	w, p := v.Config.Width, v.Config.PatchSize
	sd := map[string]*nn.Tensor[float32]{
		prefix + "conv1.weight":         v.patchWeight.Reshape(w, 3, p, p),
		prefix + "class_embedding":      v.classEmbedding,
		prefix + "positional_embedding": v.positional,
		prefix + "ln_pre.weight":        v.lnPre.Weight,
		prefix + "ln_pre.bias":          v.lnPre.Bias,
		prefix + "ln_post.weight":       v.lnPost.Weight,
		prefix + "ln_post.bias":         v.lnPost.Bias,
		prefix + "proj":                 v.proj,
	}
	for i, b := range v.blocks {
		name := prefix + fmt.Sprintf(blockNames, i)
		sd[name+"ln_1.weight"] = b.ln1.Weight
		sd[name+"ln_1.bias"] = b.ln1.Bias
		sd[name+"ln_2.weight"] = b.ln2.Weight
		sd[name+"ln_2.bias"] = b.ln2.Bias
		sd[name+"attn.in_proj_weight"] = b.base.inProjWeight
		if b.base.inProjBias != nil {
			sd[name+"attn.in_proj_bias"] = b.base.inProjBias
		}
		sd[name+"attn.out_proj.weight"] = b.base.outProj.Weight
		if b.base.outProj.Bias != nil {
			sd[name+"attn.out_proj.bias"] = b.base.outProj.Bias
		}
		sd[name+"mlp.c_fc.weight"] = b.cFc.Weight
		sd[name+"mlp.c_fc.bias"] = b.cFc.Bias
		sd[name+"mlp.c_proj.weight"] = b.cProj.Weight
		sd[name+"mlp.c_proj.bias"] = b.cProj.Bias
	}
	return sd
}

// SaveVisionTransformer writes the encoder's weights as a safetensors file.
func SaveVisionTransformer(path string, v *VisionTransformer) error {
	return nn.SaveSafetensors(path, v.StateDict())
}

// LoadVisionTransformerFile reads open_clip weights from a safetensors file.
func LoadVisionTransformerFile(path string, heads int) (*VisionTransformer, error) {
	tensors, err := nn.LoadSafetensors(path)
	if err != nil {
		return nil, err
	}
	return LoadVisionTransformer(tensors, heads)
}

// LoadVisionTransformer builds an encoder from open_clip tensors. Sizes are
// inferred from the tensor shapes; the head count is not recoverable from
// weights and must be given.
func LoadVisionTransformer(tensors map[string]*nn.Tensor[float32], heads int) (*VisionTransformer, error) {
	get := func(name string, dims int) (*nn.Tensor[float32], error) {
		t, ok := tensors[prefix+name]
		if !ok {
			return nil, fmt.Errorf("missing tensor %s%s", prefix, name)
		}
		if dims > 0 && t.Dims() != dims {
			return nil, fmt.Errorf("%w: %s%s has shape %v", nn.ErrShape, prefix, name, t.Shape)
		}
		return t, nil
	}
	optional := func(name string) *nn.Tensor[float32] {
		return tensors[prefix+name]
	}

	conv, err := get("conv1.weight", 4)
	if err != nil {
		return nil, err
	}
	positional, err := get("positional_embedding", 2)
	if err != nil {
		return nil, err
	}
	proj, err := get("proj", 2)
	if err != nil {
		return nil, err
	}

	width, patch := conv.Shape[0], conv.Shape[2]
	grid := int(math.Round(math.Sqrt(float64(positional.Shape[0] - 1))))
	layers := 0
	for {
		if _, ok := tensors[prefix+fmt.Sprintf(blockNames, layers)+"attn.in_proj_weight"]; !ok {
			break
		}
		layers++
	}

	cfg := ViTConfig{
		ImageSize: grid * patch,
		PatchSize: patch,
		Width:     width,
		Layers:    layers,
		Heads:     heads,
		OutputDim: proj.Shape[1],
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if grid*grid+1 != positional.Shape[0] {
		return nil, fmt.Errorf("%w: positional embedding has %d rows, not a square grid plus class token", nn.ErrShape, positional.Shape[0])
	}

	norm := func(name string) (layerNorm, error) {
		weight, err := get(name+".weight", 1)
		if err != nil {
			return layerNorm{}, err
		}
		bias, err := get(name+".bias", 1)
		if err != nil {
			return layerNorm{}, err
		}
		return layerNorm{Weight: weight.Clone(), Bias: bias.Clone()}, nil
	}
	linear := func(name string) (nn.FrozenLinear, error) {
		weight, err := get(name+".weight", 2)
		if err != nil {
			return nn.FrozenLinear{}, err
		}
		return nn.NewFrozenLinear(weight, optional(name+".bias")), nil
	}

	class, err := get("class_embedding", 1)
	if err != nil {
		return nil, err
	}
	v := &VisionTransformer{
		Config:         cfg,
		patchWeight:    conv.Clone().Reshape(width, 3*patch*patch),
		classEmbedding: class.Clone(),
		positional:     positional.Clone(),
		proj:           proj.Clone(),
	}
	if v.lnPre, err = norm("ln_pre"); err != nil {
		return nil, err
	}
	if v.lnPost, err = norm("ln_post"); err != nil {
		return nil, err
	}

	for i := 0; i < layers; i++ {
		name := fmt.Sprintf(blockNames, i)
		block := &ResidualBlock{}
		if block.ln1, err = norm(name + "ln_1"); err != nil {
			return nil, err
		}
		if block.ln2, err = norm(name + "ln_2"); err != nil {
			return nil, err
		}
		if block.cFc, err = linear(name + "mlp.c_fc"); err != nil {
			return nil, err
		}
		if block.cProj, err = linear(name + "mlp.c_proj"); err != nil {
			return nil, err
		}

		inProj, err := get(name+"attn.in_proj_weight", 2)
		if err != nil {
			return nil, err
		}
		outProj, err := get(name+"attn.out_proj.weight", 2)
		if err != nil {
			return nil, err
		}
		attn, err := NewAttention(heads, inProj, optional(name+"attn.in_proj_bias"), outProj, optional(name+"attn.out_proj.bias"))
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		block.attn = attn
		block.base = attn
		v.blocks = append(v.blocks, block)
	}
	return v, nil
}
