package registration

import (
	"math"

	"focusstack/internal/imaging"
)

// Warp resamples src onto a width x height grid by inverse mapping each
// destination pixel through t and interpolating bilinearly. Source pixels
// outside the frame contribute zero color and zero alpha, so destination
// pixels entirely outside the footprint come out transparent black and
// pixels straddling the border get an intermediate alpha.
func Warp(src imaging.Image, t Transform, width, height int) imaging.AlignedImage {
	out := imaging.AlignedImage{
		Image: imaging.NewImage(width, height, src.Channels),
		Alpha: make([]uint8, width*height),
	}
	ch := src.Channels
	acc := make([]float64, ch)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			u, v, ok := t.Apply(float64(x), float64(y))
			if !ok || u <= -1 || v <= -1 || u >= float64(src.Width) || v >= float64(src.Height) {
				continue
			}
			x0, y0 := int(math.Floor(u)), int(math.Floor(v))
			fx, fy := u-float64(x0), v-float64(y0)

			for c := range acc {
				acc[c] = 0
			}
			var alpha float64
			for _, tap := range [4]struct {
				dx, dy int
				w      float64
			}{
				{0, 0, (1 - fx) * (1 - fy)},
				{1, 0, fx * (1 - fy)},
				{0, 1, (1 - fx) * fy},
				{1, 1, fx * fy},
			} {
				sx, sy := x0+tap.dx, y0+tap.dy
				if tap.w == 0 || sx < 0 || sy < 0 || sx >= src.Width || sy >= src.Height {
					continue
				}
				si := src.Offset(sx, sy)
				for c := 0; c < ch; c++ {
					acc[c] += tap.w * float64(src.Pix[si+c])
				}
				alpha += tap.w * float64(imaging.AlphaValid)
			}

			di := out.Offset(x, y)
			for c := 0; c < ch; c++ {
				out.Pix[di+c] = clamp8(acc[c])
			}
			out.Alpha[y*width+x] = clamp8(alpha)
		}
	}
	return out
}

func clamp8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
