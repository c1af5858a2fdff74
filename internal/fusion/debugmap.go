package fusion

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"focusstack/internal/imaging"

	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
)

// Palette returns n well separated colors, one per frame.
func Palette(n int) []colorful.Color {
	out := make([]colorful.Color, n)
	for i := range out {
		out[i] = colorful.Hsv(360*float64(i)/float64(max(n, 1)), 0.75, 0.95)
	}
	return out
}

// SelectionImage paints every pixel in the color of the frame that won it
// and draws a legend with the share of pixels each frame contributed.
func SelectionImage(sel SelectionMap, labels []string) image.Image {
	n := len(labels)
	pal := Palette(n)
	img := image.NewRGBA(image.Rect(0, 0, sel.Width, sel.Height))
	for p, idx := range sel.Indices {
		c := color.RGBA{A: 0xff}
		if idx >= 0 && idx < n {
			r, g, b := pal[idx].RGB255()
			c = color.RGBA{R: r, G: g, B: b, A: 0xff}
		}
		img.Pix[4*p], img.Pix[4*p+1], img.Pix[4*p+2], img.Pix[4*p+3] = c.R, c.G, c.B, c.A
	}

	dc := gg.NewContextForImage(img)
	hist := sel.Histogram(n)
	total := float64(max(len(sel.Indices), 1))
	const row = 16.0
	for i, label := range labels {
		y := 8 + row*float64(i)
		if y+row > float64(sel.Height) {
			break
		}
		dc.SetRGB(0, 0, 0)
		dc.DrawRectangle(6, y-1, 12, 12)
		dc.Fill()
		dc.SetRGB(pal[i].R, pal[i].G, pal[i].B)
		dc.DrawRectangle(7, y, 10, 10)
		dc.Fill()
		dc.SetRGB(1, 1, 1)
		dc.DrawString(fmt.Sprintf("%d %s %.1f%%", i, label, 100*float64(hist[i])/total), 22, y+10)
	}
	return dc.Image()
}

// ScoreImage renders a score map as gamma-corrected gray, scaled to the
// range of its valid values. Masked-out pixels are drawn red.
func ScoreImage(s imaging.FloatGrid, title string, invalidScore float64) image.Image {
	lo, hi := math.Inf(1), math.Inf(-1)
	invalid := func(v float64) bool { return invalidScore > 0 && v <= -invalidScore/2 }
	for _, v := range s.Values() {
		if invalid(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	if span <= 0 || math.IsInf(span, 0) {
		span = 1
	}

	img := image.NewRGBA(image.Rect(0, 0, s.Dx(), s.Dy()))
	for y := 0; y < s.Dy(); y++ {
		for x := 0; x < s.Dx(); x++ {
			v := s.Get(x, y)
			if invalid(v) {
				img.Set(x, y, color.RGBA{R: 0xc0, A: 0xff})
				continue
			}
			g := uint8(255 * math.Sqrt((v-lo)/span))
			img.Set(x, y, color.RGBA{R: g, G: g, B: g, A: 0xff})
		}
	}

	dc := gg.NewContextForImage(img)
	dc.SetRGB(1, 1, 0)
	dc.DrawString(title, 8, 16)
	return dc.Image()
}
