package imaging

import (
	"fmt"
	"math"
)

// A FloatGrid is a row-major grid of floats, used for grayscale working
// copies, gradients and score maps.
type FloatGrid struct {
	stride int
	values []float64
}

func NewFloatGrid(w, h int) FloatGrid {
	return FloatGrid{
		stride: w,
		values: make([]float64, w*h),
	}
}

// FloatGridFrom wraps values (len w*h) without copying.
func FloatGridFrom(w, h int, values []float64) FloatGrid {
	if len(values) != w*h {
		panic(fmt.Sprintf("imaging: %d values for a %dx%d grid", len(values), w, h))
	}
	return FloatGrid{stride: w, values: values}
}

func (g FloatGrid) NewFromThis() FloatGrid  { return NewFloatGrid(g.Dx(), g.Dy()) }
func (g FloatGrid) Set(x, y int, v float64) { g.values[g.stride*y+x] = v }
func (g FloatGrid) Get(x, y int) float64    { return g.values[g.stride*y+x] }
func (g FloatGrid) Dx() int                 { return g.stride }
func (g FloatGrid) Values() []float64       { return g.values }

func (g FloatGrid) Dy() int {
	if g.stride == 0 {
		return 0
	}
	return len(g.values) / g.stride
}

func (g FloatGrid) Copy() FloatGrid {
	out := FloatGrid{stride: g.stride, values: make([]float64, len(g.values))}
	copy(out.values, g.values)
	return out
}

// Abs replaces every value with its magnitude.
func (g FloatGrid) Abs() {
	for i, v := range g.values {
		g.values[i] = math.Abs(v)
	}
}

func (g FloatGrid) Stats() string {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range g.values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return fmt.Sprintf("fg[%dx%d, vals{%f,%f}]", g.Dx(), g.Dy(), lo, hi)
}

// Reflect101 maps an out-of-range index back into [0, n) mirroring about the
// edge pixel without repeating it (gfedcb|abcdefgh|gfedcba).
func Reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}

// SeparableFilter convolves with kx along rows and then ky along columns.
// Both kernels must have odd length.
func (g FloatGrid) SeparableFilter(kx, ky []float64) FloatGrid {
	w, h := g.Dx(), g.Dy()
	tmp := g.NewFromThis()
	rx := len(kx) / 2
	for y := 0; y < h; y++ {
		row := g.values[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			var sum float64
			for k, kv := range kx {
				sum += kv * row[Reflect101(x+k-rx, w)]
			}
			tmp.values[y*w+x] = sum
		}
	}

	out := g.NewFromThis()
	ry := len(ky) / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for k, kv := range ky {
				sum += kv * tmp.values[Reflect101(y+k-ry, h)*w+x]
			}
			out.values[y*w+x] = sum
		}
	}
	return out
}

// Filter3x3 convolves with a 3x3 kernel given row-major.
func (g FloatGrid) Filter3x3(k [9]float64) FloatGrid {
	w, h := g.Dx(), g.Dy()
	out := g.NewFromThis()
	for y := 0; y < h; y++ {
		rows := [3]int{Reflect101(y-1, h) * w, y * w, Reflect101(y+1, h) * w}
		for x := 0; x < w; x++ {
			cols := [3]int{Reflect101(x-1, w), x, Reflect101(x+1, w)}
			var sum float64
			for r := 0; r < 3; r++ {
				for c := 0; c < 3; c++ {
					if kv := k[3*r+c]; kv != 0 {
						sum += kv * g.values[rows[r]+cols[c]]
					}
				}
			}
			out.values[y*w+x] = sum
		}
	}
	return out
}

// GaussianKernel returns a normalised 1-D Gaussian of odd length size. A
// non-positive sigma is derived from the size.
func GaussianKernel(size int, sigma float64) []float64 {
	if size < 1 {
		size = 1
	}
	if size%2 == 0 {
		size++
	}
	if sigma <= 0 {
		sigma = 0.3*((float64(size)-1)*0.5-1) + 0.8
	}
	k := make([]float64, size)
	r := size / 2
	var sum float64
	for i := range k {
		d := float64(i - r)
		k[i] = math.Exp(-(d * d) / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// GaussianBlur smooths with a size x size Gaussian, sigma derived from size.
func (g FloatGrid) GaussianBlur(size int) FloatGrid {
	if size <= 1 {
		return g.Copy()
	}
	k := GaussianKernel(size, 0)
	return g.SeparableFilter(k, k)
}

// LaplacianKernel is the 4-neighbour second derivative operator.
var LaplacianKernel = [9]float64{
	0, 1, 0,
	1, -4, 1,
	0, 1, 0,
}

// Laplacian returns the discrete Laplacian of the grid.
func (g FloatGrid) Laplacian() FloatGrid { return g.Filter3x3(LaplacianKernel) }

// Gradients returns central differences along x and y.
func (g FloatGrid) Gradients() (gx, gy FloatGrid) {
	d := []float64{-0.5, 0, 0.5}
	id := []float64{1}
	return g.SeparableFilter(d, id), g.SeparableFilter(id, d)
}

// Bilinear samples the grid at (x, y). ok is false when the 2x2 support is
// not entirely inside the grid.
func (g FloatGrid) Bilinear(x, y float64) (v float64, ok bool) {
	w, h := g.Dx(), g.Dy()
	if x < 0 || y < 0 || x > float64(w-1) || y > float64(h-1) {
		return 0, false
	}
	x0, y0 := int(x), int(y)
	x1, y1 := x0+1, y0+1
	if x1 >= w {
		x1 = x0
	}
	if y1 >= h {
		y1 = y0
	}
	fx, fy := x-float64(x0), y-float64(y0)
	top := g.values[y0*w+x0]*(1-fx) + g.values[y0*w+x1]*fx
	bot := g.values[y1*w+x0]*(1-fx) + g.values[y1*w+x1]*fx
	return top*(1-fy) + bot*fy, true
}
