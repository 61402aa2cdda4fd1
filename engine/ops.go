package engine

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/tensor"
)

type inputLayer struct {
	baseLayer
}

func (l *inputLayer) Forward(x *tensor.Tensor, training, keep bool) (*tensor.Tensor, error) {
	return x, nil
}

func (l *inputLayer) Backward(grad *tensor.Tensor, paramGrads, inputGrad bool) (*tensor.Tensor, error) {
	return grad, nil
}

// maxPool2D pools non-overlapping windows and remembers the winning index
// of every output cell for the backward pass.
type maxPool2D struct {
	baseLayer
	pool, stride int

	inShape []int
	argmax  []int
}

func (m *maxPool2D) Forward(x *tensor.Tensor, training, keep bool) (*tensor.Tensor, error) {
	if x.Dim() != 4 {
		return nil, errors.Errorf("%s: expected 4D input, got %v", m.spec.Name, x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h-m.pool)/m.stride + 1
	ow := (w-m.pool)/m.stride + 1
	out := tensor.New(n, c, oh, ow)

	var argmax []int
	if keep {
		argmax = make([]int, len(out.Data))
	}

	o := 0
	for plane := 0; plane < n*c; plane++ {
		base := plane * h * w
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := base + oy*m.stride*w + ox*m.stride
				for py := 0; py < m.pool; py++ {
					row := base + (oy*m.stride+py)*w + ox*m.stride
					for px := 0; px < m.pool; px++ {
						if x.Data[row+px] > x.Data[best] {
							best = row + px
						}
					}
				}
				out.Data[o] = x.Data[best]
				if keep {
					argmax[o] = best
				}
				o++
			}
		}
	}

	if keep {
		m.inShape, m.argmax = x.Size(), argmax
	} else {
		m.inShape, m.argmax = nil, nil
	}
	return out, nil
}

func (m *maxPool2D) Backward(grad *tensor.Tensor, paramGrads, inputGrad bool) (*tensor.Tensor, error) {
	if m.argmax == nil {
		return nil, errors.Errorf("%s: backward called without a retained forward pass", m.spec.Name)
	}
	if !inputGrad {
		return nil, nil
	}
	dx := tensor.New(m.inShape...)
	for i, idx := range m.argmax {
		dx.Data[idx] += grad.Data[i]
	}
	return dx, nil
}

type flatten struct {
	baseLayer
	inShape []int
}

func (f *flatten) Forward(x *tensor.Tensor, training, keep bool) (*tensor.Tensor, error) {
	f.inShape = x.Size()
	return x.Reshape(x.Shape[0], x.Numel()/x.Shape[0])
}

func (f *flatten) Backward(grad *tensor.Tensor, paramGrads, inputGrad bool) (*tensor.Tensor, error) {
	if !inputGrad {
		return nil, nil
	}
	return grad.Reshape(f.inShape...)
}

// dropout uses inverted scaling so inference is the identity.
type dropout struct {
	baseLayer
	rate float32
	rng  *rand.Rand

	mask []float32
}

func (d *dropout) Forward(x *tensor.Tensor, training, keep bool) (*tensor.Tensor, error) {
	if !training || d.rate == 0 {
		d.mask = nil
		return x, nil
	}
	scale := 1 / (1 - d.rate)
	out := tensor.New(x.Shape...)
	mask := make([]float32, len(x.Data))
	for i, v := range x.Data {
		if d.rng.Float32() >= d.rate {
			mask[i] = scale
			out.Data[i] = v * scale
		}
	}
	d.mask = mask
	return out, nil
}

func (d *dropout) Backward(grad *tensor.Tensor, paramGrads, inputGrad bool) (*tensor.Tensor, error) {
	if !inputGrad {
		return nil, nil
	}
	if d.mask == nil {
		return grad, nil
	}
	dx := tensor.New(grad.Shape...)
	for i, g := range grad.Data {
		dx.Data[i] = g * d.mask[i]
	}
	return dx, nil
}
