// Package nn provides the tensor type, layers and optimizers used by the
// temporal affect model.
//
// Layers follow a module style: every trainable layer owns its parameters,
// caches what it needs during Forward and accumulates gradients in Backward.
// Frozen weights are plain tensors and never appear in a Parameter, so no
// optimizer can reach them.
//
// Weight matrices use the [out, in] layout, so Linear computes x @ Wᵀ + b.
//
// Example usage:
//
//	dense := nn.NewDense("proj", 512, 128, rng)
//	y := dense.Forward(x)         // x: [..., 512] -> y: [..., 128]
//	gradX := dense.Backward(gradY) // accumulates dense.Weight.Grad
//
//	opt := nn.NewSGDOptimizer()
//	opt.Step([]nn.ParamGroup{{Name: "proj", Params: dense.Parameters()}}, 1e-3)
package nn
