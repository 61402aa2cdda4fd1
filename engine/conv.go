package engine

import (
	"math/rand"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/go-xray/layers"
	"github.com/tsawler/go-xray/tensor"
)

// conv2D is a square-kernel convolution computed as im2col + GEMM.
// Weights are [out, in, k, k] (OIHW), biases [out].
type conv2D struct {
	baseLayer
	weight, bias        *Param
	inC, outC           int
	kernel, stride, pad int
	activation          string

	input, output *tensor.Tensor
}

func newConv2D(base baseLayer, rng *rand.Rand) (*conv2D, error) {
	p := base.spec.Parameters
	c := &conv2D{
		baseLayer:  base,
		inC:        layers.GetIntParam(p, "input_channels", 0),
		outC:       layers.GetIntParam(p, "output_channels", 0),
		kernel:     layers.GetIntParam(p, "kernel_size", 3),
		stride:     layers.GetIntParam(p, "stride", 1),
		pad:        layers.GetIntParam(p, "padding", 0),
		activation: layers.GetStringParam(p, "activation", layers.Linear),
	}
	if c.inC <= 0 || c.outC <= 0 {
		return nil, errors.Errorf("conv layer %s is not compiled", base.spec.Name)
	}

	k := c.kernel
	fanIn := c.inC * k * k
	fanOut := c.outC * k * k
	c.weight = &Param{
		Name:  base.spec.Name + "/kernel",
		Value: tensor.GlorotUniform(rng, fanIn, fanOut, c.outC, c.inC, k, k),
		Grad:  tensor.New(c.outC, c.inC, k, k),
	}
	c.bias = &Param{
		Name:  base.spec.Name + "/bias",
		Value: tensor.New(c.outC),
		Grad:  tensor.New(c.outC),
	}
	return c, nil
}

func (c *conv2D) Params() []*Param { return []*Param{c.weight, c.bias} }

func (c *conv2D) outputSize(h, w int) (int, int) {
	return (h+2*c.pad-c.kernel)/c.stride + 1, (w+2*c.pad-c.kernel)/c.stride + 1
}

func (c *conv2D) Forward(x *tensor.Tensor, training, keep bool) (*tensor.Tensor, error) {
	if x.Dim() != 4 || x.Shape[1] != c.inC {
		return nil, errors.Errorf("%s: expected [N, %d, H, W] input, got %v", c.spec.Name, c.inC, x.Shape)
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh, ow := c.outputSize(h, w)
	out := tensor.New(n, c.outC, oh, ow)

	rows := c.inC * c.kernel * c.kernel
	cols := oh * ow
	sampleIn := c.inC * h * w
	sampleOut := c.outC * cols

	// Samples are independent; each worker owns its column buffer
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	var wg sync.WaitGroup
	for wk := 0; wk < workers; wk++ {
		wg.Add(1)
		go func(wk int) {
			defer wg.Done()
			buf := make([]float32, rows*cols)
			for s := wk; s < n; s += workers {
				c.im2col(x.Data[s*sampleIn:(s+1)*sampleIn], h, w, oh, ow, buf)
				dst := out.Data[s*sampleOut : (s+1)*sampleOut]
				for o := 0; o < c.outC; o++ {
					b := c.bias.Value.Data[o]
					row := dst[o*cols : (o+1)*cols]
					for i := range row {
						row[i] = b
					}
				}
				tensor.Gemm(false, false, c.outC, cols, rows, 1, c.weight.Value.Data, buf, 1, dst)
				applyActivation(c.activation, dst)
			}
		}(wk)
	}
	wg.Wait()

	if keep {
		c.input, c.output = x, out
	} else {
		c.input, c.output = nil, nil
	}
	return out, nil
}

func (c *conv2D) Backward(grad *tensor.Tensor, paramGrads, inputGrad bool) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, errors.Errorf("%s: backward called without a retained forward pass", c.spec.Name)
	}
	x := c.input
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh, ow := c.outputSize(h, w)
	rows := c.inC * c.kernel * c.kernel
	cols := oh * ow
	sampleIn := c.inC * h * w
	sampleOut := c.outC * cols

	g := activationGrad(c.activation, grad.Data, c.output.Data)

	var dx *tensor.Tensor
	if inputGrad {
		dx = tensor.New(x.Shape...)
	}
	buf := make([]float32, rows*cols)
	var dcols []float32
	if inputGrad {
		dcols = make([]float32, rows*cols)
	}

	for s := 0; s < n; s++ {
		gs := g[s*sampleOut : (s+1)*sampleOut]
		if paramGrads {
			c.im2col(x.Data[s*sampleIn:(s+1)*sampleIn], h, w, oh, ow, buf)
			// dW += g * cols^T
			tensor.Gemm(false, true, c.outC, rows, cols, 1, gs, buf, 1, c.weight.Grad.Data)
			for o := 0; o < c.outC; o++ {
				var sum float32
				for _, v := range gs[o*cols : (o+1)*cols] {
					sum += v
				}
				c.bias.Grad.Data[o] += sum
			}
		}
		if inputGrad {
			// dcols = W^T * g
			tensor.Gemm(true, false, rows, cols, c.outC, 1, c.weight.Value.Data, gs, 0, dcols)
			c.col2im(dcols, h, w, oh, ow, dx.Data[s*sampleIn:(s+1)*sampleIn])
		}
	}
	return dx, nil
}

// im2col unrolls every receptive field of one CHW sample into a column of
// dst, laid out [in*k*k, oh*ow]. Out-of-bounds taps read as zero.
func (c *conv2D) im2col(src []float32, h, w, oh, ow int, dst []float32) {
	k := c.kernel
	cols := oh * ow
	for ch := 0; ch < c.inC; ch++ {
		plane := src[ch*h*w : (ch+1)*h*w]
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := dst[((ch*k+ki)*k+kj)*cols:]
				idx := 0
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.stride - c.pad + ki
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.stride - c.pad + kj
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							row[idx] = plane[iy*w+ix]
						} else {
							row[idx] = 0
						}
						idx++
					}
				}
			}
		}
	}
}

// col2im scatters column gradients back into a CHW sample, accumulating
// overlapping taps.
func (c *conv2D) col2im(src []float32, h, w, oh, ow int, dst []float32) {
	k := c.kernel
	cols := oh * ow
	for ch := 0; ch < c.inC; ch++ {
		plane := dst[ch*h*w : (ch+1)*h*w]
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := src[((ch*k+ki)*k+kj)*cols:]
				idx := 0
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.stride - c.pad + ki
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.stride - c.pad + kj
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							plane[iy*w+ix] += row[idx]
						}
						idx++
					}
				}
			}
		}
	}
}
