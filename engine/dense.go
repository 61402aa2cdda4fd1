package engine

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/layers"
	"github.com/tsawler/go-xray/tensor"
)

// dense is a fully connected layer with kernel [in, out] and bias [out].
type dense struct {
	baseLayer
	weight, bias *Param
	in, out      int
	activation   string

	input, output *tensor.Tensor
}

func newDense(base baseLayer, rng *rand.Rand) (*dense, error) {
	p := base.spec.Parameters
	d := &dense{
		baseLayer:  base,
		in:         layers.GetIntParam(p, "input_size", 0),
		out:        layers.GetIntParam(p, "output_size", 0),
		activation: layers.GetStringParam(p, "activation", layers.Linear),
	}
	if d.in <= 0 || d.out <= 0 {
		return nil, errors.Errorf("dense layer %s is not compiled", base.spec.Name)
	}
	d.weight = &Param{
		Name:  base.spec.Name + "/kernel",
		Value: tensor.GlorotUniform(rng, d.in, d.out, d.in, d.out),
		Grad:  tensor.New(d.in, d.out),
	}
	d.bias = &Param{
		Name:  base.spec.Name + "/bias",
		Value: tensor.New(d.out),
		Grad:  tensor.New(d.out),
	}
	return d, nil
}

func (d *dense) Params() []*Param { return []*Param{d.weight, d.bias} }

func (d *dense) Forward(x *tensor.Tensor, training, keep bool) (*tensor.Tensor, error) {
	if x.Dim() != 2 || x.Shape[1] != d.in {
		return nil, errors.Errorf("%s: expected [N, %d] input, got %v", d.spec.Name, d.in, x.Shape)
	}
	n := x.Shape[0]
	out := tensor.New(n, d.out)
	for i := 0; i < n; i++ {
		copy(out.Data[i*d.out:(i+1)*d.out], d.bias.Value.Data)
	}
	tensor.Gemm(false, false, n, d.out, d.in, 1, x.Data, d.weight.Value.Data, 1, out.Data)
	applyActivation(d.activation, out.Data)

	if keep {
		d.input, d.output = x, out
	} else {
		d.input, d.output = nil, nil
	}
	return out, nil
}

func (d *dense) Backward(grad *tensor.Tensor, paramGrads, inputGrad bool) (*tensor.Tensor, error) {
	if d.input == nil {
		return nil, errors.Errorf("%s: backward called without a retained forward pass", d.spec.Name)
	}
	n := d.input.Shape[0]
	g := activationGrad(d.activation, grad.Data, d.output.Data)

	if paramGrads {
		// dW += x^T * g
		tensor.Gemm(true, false, d.in, d.out, n, 1, d.input.Data, g, 1, d.weight.Grad.Data)
		for i := 0; i < n; i++ {
			tensor.AddScaled(d.bias.Grad.Data, g[i*d.out:(i+1)*d.out], 1)
		}
	}
	if !inputGrad {
		return nil, nil
	}
	// dx = g * W^T
	dx := tensor.New(n, d.in)
	tensor.Gemm(false, true, n, d.in, d.out, 1, g, d.weight.Value.Data, 0, dx.Data)
	return dx, nil
}

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}
