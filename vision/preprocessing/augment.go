package preprocessing

import (
	"math"
	"math/rand"
)

// AugmentConfig sets the ranges of the random transforms.
type AugmentConfig struct {
	RotationRange    float64 // degrees
	WidthShiftRange  float64 // fraction of width
	HeightShiftRange float64 // fraction of height
	ShearRange       float64 // degrees
	ZoomRange        float64 // zoom factors are drawn from [1-z, 1+z]
	HorizontalFlip   bool
}

// Transform is one concrete draw of the random transform. Tx shifts rows
// and Ty shifts columns, both in pixels.
type Transform struct {
	Theta  float64 // degrees
	Tx, Ty float64
	Shear  float64 // degrees
	Zx, Zy float64
	Flip   bool
}

// Augmenter applies random affine transforms to CHW images.
type Augmenter struct {
	cfg AugmentConfig
}

// NewAugmenter creates an augmenter for cfg.
func NewAugmenter(cfg AugmentConfig) *Augmenter {
	return &Augmenter{cfg: cfg}
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// RandomTransform draws transform parameters for an h×w image. Draws are
// made in a fixed order, and only for enabled ranges.
func (a *Augmenter) RandomTransform(rng *rand.Rand, h, w int) Transform {
	t := Transform{Zx: 1, Zy: 1}
	if r := a.cfg.RotationRange; r != 0 {
		t.Theta = uniform(rng, -r, r)
	}
	if r := a.cfg.HeightShiftRange; r != 0 {
		t.Tx = uniform(rng, -r, r) * float64(h)
	}
	if r := a.cfg.WidthShiftRange; r != 0 {
		t.Ty = uniform(rng, -r, r) * float64(w)
	}
	if r := a.cfg.ShearRange; r != 0 {
		t.Shear = uniform(rng, -r, r)
	}
	if z := a.cfg.ZoomRange; z != 0 {
		t.Zx = uniform(rng, 1-z, 1+z)
		t.Zy = uniform(rng, 1-z, 1+z)
	}
	t.Flip = rng.Float64() < 0.5 && a.cfg.HorizontalFlip
	return t
}

// Augment draws a transform from rng and applies it.
func (a *Augmenter) Augment(data []float32, c, h, w int, rng *rand.Rand) []float32 {
	return Apply(data, c, h, w, a.RandomTransform(rng, h, w))
}

// mat3 is a row-major 3×3 matrix on (row, col, 1) coordinates.
type mat3 [9]float64

func identity() mat3 { return mat3{1, 0, 0, 0, 1, 0, 0, 0, 1} }

func (m mat3) mul(n mat3) mat3 {
	var out mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i*3+j] += m[i*3+k] * n[k*3+j]
			}
		}
	}
	return out
}

// Apply returns a transformed copy of a CHW image. Each output pixel samples
// the input bilinearly at the mapped coordinate; coordinates outside the
// image take the nearest edge pixel.
func Apply(data []float32, c, h, w int, t Transform) []float32 {
	m := identity()
	affine := false
	if t.Theta != 0 {
		th := t.Theta * math.Pi / 180
		m = m.mul(mat3{math.Cos(th), -math.Sin(th), 0, math.Sin(th), math.Cos(th), 0, 0, 0, 1})
		affine = true
	}
	if t.Tx != 0 || t.Ty != 0 {
		m = m.mul(mat3{1, 0, t.Tx, 0, 1, t.Ty, 0, 0, 1})
		affine = true
	}
	if t.Shear != 0 {
		sh := t.Shear * math.Pi / 180
		m = m.mul(mat3{1, -math.Sin(sh), 0, 0, math.Cos(sh), 0, 0, 0, 1})
		affine = true
	}
	if t.Zx != 1 || t.Zy != 1 {
		m = m.mul(mat3{t.Zx, 0, 0, 0, t.Zy, 0, 0, 0, 1})
		affine = true
	}

	out := make([]float32, len(data))
	if affine {
		// transform about the image centre
		ox, oy := float64(h)/2-0.5, float64(w)/2-0.5
		m = mat3{1, 0, ox, 0, 1, oy, 0, 0, 1}.mul(m).mul(mat3{1, 0, -ox, 0, 1, -oy, 0, 0, 1})
		warp(data, out, c, h, w, m)
	} else {
		copy(out, data)
	}

	if t.Flip {
		flipHorizontal(out, c, h, w)
	}
	return out
}

func warp(src, dst []float32, c, h, w int, m mat3) {
	plane := h * w
	for r := 0; r < h; r++ {
		for col := 0; col < w; col++ {
			sr := m[0]*float64(r) + m[1]*float64(col) + m[2]
			sc := m[3]*float64(r) + m[4]*float64(col) + m[5]

			r0 := int(math.Floor(sr))
			c0 := int(math.Floor(sc))
			fr := float32(sr - float64(r0))
			fc := float32(sc - float64(c0))
			r1, c1 := clamp(r0+1, h), clamp(c0+1, w)
			r0, c0 = clamp(r0, h), clamp(c0, w)

			for ch := 0; ch < c; ch++ {
				p := src[ch*plane:]
				top := p[r0*w+c0]*(1-fc) + p[r0*w+c1]*fc
				bottom := p[r1*w+c0]*(1-fc) + p[r1*w+c1]*fc
				dst[ch*plane+r*w+col] = top*(1-fr) + bottom*fr
			}
		}
	}
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func flipHorizontal(data []float32, c, h, w int) {
	for ch := 0; ch < c; ch++ {
		for r := 0; r < h; r++ {
			row := data[(ch*h+r)*w : (ch*h+r+1)*w]
			for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
				row[i], row[j] = row[j], row[i]
			}
		}
	}
}
