package nn

import (
	"math"
	"math/rand"
	"testing"
)

// weightedLoss returns L = Σ out·w, whose gradient with respect to out is w.
func weightedLoss(out, w *Tensor[float32]) float64 {
	var sum float64
	for i, v := range out.Data {
		sum += float64(v) * float64(w.Data[i])
	}
	return sum
}

// checkGrad compares an analytic gradient against central differences of loss over data.
func checkGrad(t *testing.T, label string, data, analytic []float32, loss func() float64) {
	t.Helper()
	const eps = 1e-2
	worst := 0.0
	for i := range data {
		orig := data[i]
		data[i] = orig + eps
		plus := loss()
		data[i] = orig - eps
		minus := loss()
		data[i] = orig

		numeric := (plus - minus) / (2 * eps)
		diff := math.Abs(numeric - float64(analytic[i]))
		tol := 2e-2 * math.Max(1, math.Abs(numeric))
		if diff > tol {
			t.Errorf("%s[%d]: analytic %f, numeric %f", label, i, analytic[i], numeric)
			return
		}
		worst = math.Max(worst, diff)
	}
	t.Logf("%s: max gradient error %.2e", label, worst)
}

func TestDenseGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	dense := NewDense("fc", 4, 3, rng)
	for i := range dense.Bias.Value.Data {
		dense.Bias.Value.Data[i] = float32(rng.NormFloat64())
	}
	x := RandomNormal(rng, 1, 2, 5, 4)
	w := RandomNormal(rng, 1, 2, 5, 3)

	out := dense.Forward(x)
	if out.Shape[0] != 2 || out.Shape[1] != 5 || out.Shape[2] != 3 {
		t.Fatalf("Expected shape [2, 5, 3], got %v", out.Shape)
	}
	gradX := dense.Backward(w)

	loss := func() float64 { return weightedLoss(dense.Forward(x), w) }
	checkGrad(t, "x", x.Data, gradX.Data, loss)
	checkGrad(t, "weight", dense.Weight.Value.Data, dense.Weight.Grad.Data, loss)
	checkGrad(t, "bias", dense.Bias.Value.Data, dense.Bias.Grad.Data, loss)
}

func TestLayerNormForwardNormalizes(t *testing.T) {
	ln := NewLayerNorm("ln", 4)
	out := ln.Forward(NewTensorFromSlice([]float32{1, 2, 3, 4, 10, 10, 10, 10}, 2, 4))

	mean := Mean(out.Row(0))
	if math.Abs(float64(mean)) > 1e-5 {
		t.Errorf("mean after LayerNorm = %f, want 0", mean)
	}
	for _, v := range out.Row(1) {
		if v != 0 {
			t.Errorf("constant row should normalize to zero, got %v", out.Row(1))
			break
		}
	}
}

func TestLayerNormGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	ln := NewLayerNorm("ln", 6)
	for i := range ln.Gamma.Value.Data {
		ln.Gamma.Value.Data[i] = 1 + 0.3*float32(rng.NormFloat64())
		ln.Beta.Value.Data[i] = 0.3 * float32(rng.NormFloat64())
	}
	x := RandomNormal(rng, 2, 3, 6)
	w := RandomNormal(rng, 1, 3, 6)

	ln.Forward(x)
	gradX := ln.Backward(w)

	loss := func() float64 { return weightedLoss(ln.Forward(x), w) }
	checkGrad(t, "x", x.Data, gradX.Data, loss)
	checkGrad(t, "gamma", ln.Gamma.Value.Data, ln.Gamma.Grad.Data, loss)
	checkGrad(t, "beta", ln.Beta.Value.Data, ln.Beta.Grad.Data, loss)
}

func TestL2NormalizeGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := RandomNormal(rng, 1, 2, 5)
	w := RandomNormal(rng, 1, 2, 5)

	gradX := L2NormalizeBackward(w, x)
	checkGrad(t, "x", x.Data, gradX.Data, func() float64 { return weightedLoss(L2Normalize(x), w) })
}

func TestMeanOverTimeGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x := RandomNormal(rng, 1, 2, 3, 4)
	w := RandomNormal(rng, 1, 2, 4)

	gradX := MeanOverTimeBackward(w, 3)
	checkGrad(t, "x", x.Data, gradX.Data, func() float64 { return weightedLoss(MeanOverTime(x), w) })
}

func TestMultiHeadAttentionGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	mha, err := NewMultiHeadAttention("attn", 8, 2, rng)
	if err != nil {
		t.Fatalf("NewMultiHeadAttention: %v", err)
	}
	for i := range mha.InProjBias.Value.Data {
		mha.InProjBias.Value.Data[i] = 0.1 * float32(rng.NormFloat64())
	}
	x := RandomNormal(rng, 1, 2, 3, 8)
	w := RandomNormal(rng, 1, 2, 3, 8)

	out, weights := mha.Forward(x, x, x)
	if out.Shape[1] != 3 || out.Shape[2] != 8 {
		t.Fatalf("Expected output shape [2, 3, 8], got %v", out.Shape)
	}
	if weights.Shape[0] != 2 || weights.Shape[1] != 3 || weights.Shape[2] != 3 {
		t.Fatalf("Expected weights shape [2, 3, 3], got %v", weights.Shape)
	}
	for r := 0; r < weights.Rows(); r++ {
		var sum float32
		for _, v := range weights.Row(r) {
			sum += v
		}
		if math.Abs(float64(sum)-1) > 1e-5 {
			t.Errorf("attention row %d sums to %f", r, sum)
		}
	}

	gq, gk, gv := mha.Backward(w)
	gradX := Add(gq, gk)
	AddInPlace(gradX, gv)

	loss := func() float64 {
		o, _ := mha.Forward(x, x, x)
		return weightedLoss(o, w)
	}
	checkGrad(t, "x", x.Data, gradX.Data, loss)
	checkGrad(t, "in_proj_weight", mha.InProjWeight.Value.Data, mha.InProjWeight.Grad.Data, loss)
	checkGrad(t, "in_proj_bias", mha.InProjBias.Value.Data, mha.InProjBias.Grad.Data, loss)
}

func TestMultiHeadAttentionRejectsIndivisibleHeads(t *testing.T) {
	if _, err := NewMultiHeadAttention("attn", 10, 4, rand.New(rand.NewSource(1))); err == nil {
		t.Error("expected an error for d_model 10 with 4 heads")
	}
}

func TestEncoderLayerShapesAndModes(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	layer, err := NewTransformerEncoderLayer("enc", 8, 4, 16, 0.1, rng)
	if err != nil {
		t.Fatalf("NewTransformerEncoderLayer: %v", err)
	}
	x := RandomNormal(rng, 1, 2, 5, 8)

	layer.SetTraining(false)
	a := layer.Forward(x)
	b := layer.Forward(x)
	if a.Shape[0] != 2 || a.Shape[1] != 5 || a.Shape[2] != 8 {
		t.Fatalf("Expected shape [2, 5, 8], got %v", a.Shape)
	}
	if diff := MaxAbsDiff(a.Data, b.Data); diff != 0 {
		t.Errorf("eval mode should be deterministic, diff %g", diff)
	}

	grad := layer.Backward(RandomNormal(rng, 1, 2, 5, 8))
	if !grad.SameShape(x) || !AllFinite(grad.Data) {
		t.Errorf("bad input gradient shape %v", grad.Shape)
	}

	// 2 attention in-proj + 2 out-proj + 2 linear1 + 2 linear2 + 2 norm1 + 2 norm2
	if n := len(layer.Parameters()); n != 12 {
		t.Errorf("Expected 12 parameter tensors, got %d", n)
	}
}

func TestDropoutModes(t *testing.T) {
	d := NewDropout(0.5, rand.New(rand.NewSource(2)))
	x := NewTensor[float32](1000)
	for i := range x.Data {
		x.Data[i] = 1
	}

	out := d.Forward(x)
	zeros := 0
	for _, v := range out.Data {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("survivors should be scaled to 2, got %f", v)
		}
	}
	if zeros < 400 || zeros > 600 {
		t.Errorf("dropped %d of 1000 at p=0.5", zeros)
	}

	d.Training = false
	if diff := MaxAbsDiff(d.Forward(x).Data, x.Data); diff != 0 {
		t.Error("eval mode dropout should be the identity")
	}
}
