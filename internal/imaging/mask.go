package imaging

// Mask is a binary validity grid, 1 = valid.
type Mask struct {
	Width  int
	Height int
	Bits   []uint8
}

// ThresholdAlpha marks pixels whose alpha is strictly above threshold.
func ThresholdAlpha(width, height int, alpha []uint8, threshold uint8) Mask {
	m := Mask{Width: width, Height: height, Bits: make([]uint8, len(alpha))}
	for i, a := range alpha {
		if a > threshold {
			m.Bits[i] = 1
		}
	}
	return m
}

// Count returns the number of valid pixels.
func (m Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		n += int(b)
	}
	return n
}

func (m Mask) At(x, y int) uint8 { return m.Bits[y*m.Width+x] }

// Erode shrinks the valid region with a size x size square structuring
// element, repeated iterations times. Pixels beyond the grid never erode
// their neighbours.
func (m Mask) Erode(size, iterations int) Mask {
	out := Mask{Width: m.Width, Height: m.Height, Bits: append([]uint8(nil), m.Bits...)}
	if size < 2 || iterations < 1 {
		return out
	}
	r := size / 2
	for it := 0; it < iterations; it++ {
		src := out.Bits
		// separable min: rows then columns
		tmp := make([]uint8, len(src))
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				v := uint8(1)
				for dx := -r; dx <= r && v == 1; dx++ {
					xx := x + dx
					if xx < 0 || xx >= m.Width {
						continue
					}
					v = src[y*m.Width+xx]
				}
				tmp[y*m.Width+x] = v
			}
		}
		dst := make([]uint8, len(src))
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				v := uint8(1)
				for dy := -r; dy <= r && v == 1; dy++ {
					yy := y + dy
					if yy < 0 || yy >= m.Height {
						continue
					}
					v = tmp[yy*m.Width+x]
				}
				dst[y*m.Width+x] = v
			}
		}
		out.Bits = dst
	}
	return out
}
