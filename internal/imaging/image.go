package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

var (
	// ErrDimensionMismatch is returned when images in one batch do not share a grid.
	ErrDimensionMismatch = errors.New("image dimensions do not match")
	// ErrChannelMismatch is returned when images in one batch differ in channel count.
	ErrChannelMismatch = errors.New("image channel counts do not match")
)

// Alpha values used by the validity mask convention.
const (
	AlphaInvalid uint8 = 0
	AlphaValid   uint8 = 255
)

// Image is an 8-bit pixel grid with 1 (luma) or 3 (RGB) interleaved channels.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// NewImage allocates a zeroed image.
func NewImage(width, height, channels int) Image {
	return Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]uint8, width*height*channels),
	}
}

// Bounds returns the image rectangle anchored at the origin.
func (m Image) Bounds() image.Rectangle { return image.Rect(0, 0, m.Width, m.Height) }

// Empty reports whether the image holds no pixels.
func (m Image) Empty() bool { return m.Width == 0 || m.Height == 0 }

// Offset returns the index of channel 0 of pixel (x, y) in Pix.
func (m Image) Offset(x, y int) int { return (y*m.Width + x) * m.Channels }

// SameSize reports whether both images cover the same grid.
func (m Image) SameSize(o Image) bool { return m.Width == o.Width && m.Height == o.Height }

// Clone returns a deep copy.
func (m Image) Clone() Image {
	out := m
	out.Pix = append([]uint8(nil), m.Pix...)
	return out
}

func (m Image) String() string {
	return fmt.Sprintf("Image[%dx%d, %dch]", m.Width, m.Height, m.Channels)
}

// Validate checks that the pixel buffer agrees with the declared geometry.
func (m Image) Validate() error {
	if m.Channels != 1 && m.Channels != 3 {
		return fmt.Errorf("unsupported channel count %d", m.Channels)
	}
	if m.Width < 0 || m.Height < 0 {
		return fmt.Errorf("negative dimensions %dx%d", m.Width, m.Height)
	}
	if len(m.Pix) != m.Width*m.Height*m.Channels {
		return fmt.Errorf("pixel buffer has %d bytes, want %d", len(m.Pix), m.Width*m.Height*m.Channels)
	}
	return nil
}

// Luma converts an RGB triple with the Rec.601 weights, rounded to 8 bits.
func Luma(r, g, b uint8) uint8 {
	v := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
	return uint8(v + 0.5)
}

// Gray returns the single-channel luminance of the image. A 1-channel image
// is returned as a copy.
func (m Image) Gray() Image {
	if m.Channels == 1 {
		return m.Clone()
	}
	out := NewImage(m.Width, m.Height, 1)
	for i, j := 0, 0; j < len(out.Pix); i, j = i+m.Channels, j+1 {
		out.Pix[j] = Luma(m.Pix[i], m.Pix[i+1], m.Pix[i+2])
	}
	return out
}

// RGB returns a 3-channel copy of the image, replicating the luminance of a
// 1-channel image into every channel.
func (m Image) RGB() Image {
	if m.Channels == 3 {
		return m.Clone()
	}
	out := NewImage(m.Width, m.Height, 3)
	for i, v := range m.Pix {
		out.Pix[3*i], out.Pix[3*i+1], out.Pix[3*i+2] = v, v, v
	}
	return out
}

// GrayGrid returns the luminance as floats.
func (m Image) GrayGrid() FloatGrid {
	g := m.Gray()
	fg := NewFloatGrid(g.Width, g.Height)
	for i, v := range g.Pix {
		fg.values[i] = float64(v)
	}
	return fg
}

// FromImage converts a decoded image into an 8-bit grid. Gray sources keep a
// single channel, everything else becomes RGB with alpha discarded.
func FromImage(src image.Image) Image {
	b := src.Bounds()
	switch s := src.(type) {
	case *image.Gray:
		out := NewImage(b.Dx(), b.Dy(), 1)
		for y := 0; y < b.Dy(); y++ {
			copy(out.Pix[y*out.Width:(y+1)*out.Width], s.Pix[y*s.Stride:y*s.Stride+b.Dx()])
		}
		return out
	case *image.Gray16:
		out := NewImage(b.Dx(), b.Dy(), 1)
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				out.Pix[y*out.Width+x] = uint8(s.Gray16At(b.Min.X+x, b.Min.Y+y).Y >> 8)
			}
		}
		return out
	}

	out := NewImage(b.Dx(), b.Dy(), 3)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := out.Offset(x, y)
			out.Pix[i], out.Pix[i+1], out.Pix[i+2] = c.R, c.G, c.B
		}
	}
	return out
}

// ToImage returns a standard library image sharing no memory with m.
func (m Image) ToImage() image.Image {
	if m.Channels == 1 {
		g := image.NewGray(m.Bounds())
		copy(g.Pix, m.Pix)
		return g
	}
	rgba := image.NewNRGBA(m.Bounds())
	for i, j := 0, 0; i < len(m.Pix); i, j = i+3, j+4 {
		rgba.Pix[j], rgba.Pix[j+1], rgba.Pix[j+2], rgba.Pix[j+3] = m.Pix[i], m.Pix[i+1], m.Pix[i+2], 0xff
	}
	return rgba
}

// AlignedImage is an image resampled onto the reference grid together with
// its validity mask: 255 where the pixel is backed by source data, 0 where it
// lies outside the source footprint, intermediate on interpolated borders.
type AlignedImage struct {
	Image
	Alpha []uint8
}

// Opaque wraps an image with a fully valid mask.
func Opaque(m Image) AlignedImage {
	alpha := make([]uint8, m.Width*m.Height)
	for i := range alpha {
		alpha[i] = AlphaValid
	}
	return AlignedImage{Image: m.Clone(), Alpha: alpha}
}

// Color returns the color content with the mask stripped.
func (a AlignedImage) Color() Image { return a.Image.Clone() }

// FullyValid reports whether every pixel carries real data.
func (a AlignedImage) FullyValid() bool {
	for _, v := range a.Alpha {
		if v != AlphaValid {
			return false
		}
	}
	return true
}

// ToNRGBA renders color and mask as a non-premultiplied RGBA image.
func (a AlignedImage) ToNRGBA() *image.NRGBA {
	out := image.NewNRGBA(a.Bounds())
	for p := 0; p < a.Width*a.Height; p++ {
		i := p * a.Channels
		j := p * 4
		if a.Channels == 1 {
			out.Pix[j], out.Pix[j+1], out.Pix[j+2] = a.Pix[i], a.Pix[i], a.Pix[i]
		} else {
			out.Pix[j], out.Pix[j+1], out.Pix[j+2] = a.Pix[i], a.Pix[i+1], a.Pix[i+2]
		}
		out.Pix[j+3] = a.Alpha[p]
	}
	return out
}

// CheckBatch verifies that all images share one grid and channel count.
func CheckBatch(images []Image) error {
	if len(images) == 0 {
		return nil
	}
	first := images[0]
	for i, m := range images[1:] {
		if !m.SameSize(first) {
			return fmt.Errorf("frame %d is %dx%d, frame 0 is %dx%d: %w",
				i+1, m.Width, m.Height, first.Width, first.Height, ErrDimensionMismatch)
		}
		if m.Channels != first.Channels {
			return fmt.Errorf("frame %d has %d channels, frame 0 has %d: %w",
				i+1, m.Channels, first.Channels, ErrChannelMismatch)
		}
	}
	return nil
}
