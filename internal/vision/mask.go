package vision

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Mask holds per-pixel target membership in [0,255], row-major.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewMask allocates a zero mask.
func NewMask(width, height int) Mask {
	if width <= 0 || height <= 0 {
		return Mask{}
	}
	return Mask{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// Empty reports whether the mask has no pixels.
func (m Mask) Empty() bool {
	return m.Width == 0 || m.Height == 0 || len(m.Pix) == 0
}

// At returns the membership value at (x, y).
func (m Mask) At(x, y int) uint8 {
	return m.Pix[y*m.Width+x]
}

// Set stores v at (x, y).
func (m Mask) Set(x, y int, v uint8) {
	m.Pix[y*m.Width+x] = v
}

// Count returns the number of non-zero pixels.
func (m Mask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

// Centroid returns the intensity-weighted center of the whole mask. ok is
// false when the mask has no mass.
func (m Mask) Centroid() (x, y float64, ok bool) {
	var m00, m10, m01 float64
	for py := 0; py < m.Height; py++ {
		row := m.Pix[py*m.Width : (py+1)*m.Width]
		for px, v := range row {
			if v == 0 {
				continue
			}
			w := float64(v)
			m00 += w
			m10 += w * float64(px)
			m01 += w * float64(py)
		}
	}
	if m00 == 0 {
		return 0, 0, false
	}
	return m10 / m00, m01 / m00, true
}

// GaussianKernel returns a normalized 1-D Gaussian of odd length size.
func GaussianKernel(size int, sigma float64) []float64 {
	if size < 1 {
		size = 1
	}
	if size%2 == 0 {
		size++
	}
	k := make([]float64, size)
	half := float64(size-1) / 2
	for i := range k {
		d := float64(i) - half
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(k), k)
	return k
}

// Blur convolves the mask with kernel along both axes. Pixels beyond the
// border are mirrored without repeating the edge (reflect-101).
func Blur(m Mask, kernel []float64) Mask {
	if m.Empty() || len(kernel) <= 1 {
		return m
	}
	half := len(kernel) / 2
	tmp := make([]float64, len(m.Pix))

	for y := 0; y < m.Height; y++ {
		row := m.Pix[y*m.Width : (y+1)*m.Width]
		for x := 0; x < m.Width; x++ {
			var acc float64
			for k, w := range kernel {
				acc += w * float64(row[reflect101(x+k-half, m.Width)])
			}
			tmp[y*m.Width+x] = acc
		}
	}

	out := NewMask(m.Width, m.Height)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			var acc float64
			for k, w := range kernel {
				acc += w * tmp[reflect101(y+k-half, m.Height)*m.Width+x]
			}
			out.Pix[y*m.Width+x] = uint8(math.Min(255, math.Round(acc)))
		}
	}
	return out
}

// reflect101 maps i into [0, n) as gfedcb|abcdefgh|gfedcba.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		} else {
			i = 2*n - 2 - i
		}
	}
	return i
}
