package vision

import (
	"math"

	"github.com/banshee-data/parsight/internal/config"
)

// HSV is a color in the 8-bit convention used by camera pipelines:
// H in [0,180) is degrees/2, S and V in [0,255].
type HSV struct {
	H, S, V uint8
}

// RGBToHSV converts an 8-bit RGB triple to 8-bit HSV.
func RGBToHSV(r, g, b uint8) HSV {
	rf, gf, bf := float64(r), float64(g), float64(b)
	v := math.Max(rf, math.Max(gf, bf))
	lo := math.Min(rf, math.Min(gf, bf))
	diff := v - lo

	var s float64
	if v > 0 {
		s = 255 * diff / v
	}

	var h float64
	if diff > 0 {
		switch v {
		case rf:
			h = 60 * (gf - bf) / diff
		case gf:
			h = 120 + 60*(bf-rf)/diff
		default:
			h = 240 + 60*(rf-gf)/diff
		}
		if h < 0 {
			h += 360
		}
	}

	hh := int(math.Round(h / 2))
	if hh >= 180 {
		hh -= 180
	}
	return HSV{H: uint8(hh), S: uint8(math.Round(s)), V: uint8(v)}
}

// ColorBand is an inclusive HSV range.
type ColorBand struct {
	Name  string
	Lower HSV
	Upper HSV
}

// NewColorBand builds the band around the HSV value of rgb, widened by the
// per-channel tolerances. Hue is clamped to [0,179]; saturation and value to
// [0,255]. Hue does not wrap.
func NewColorBand(rgb [3]int, hueTol, satTol, valTol int) ColorBand {
	c := RGBToHSV(clampByte(rgb[0]), clampByte(rgb[1]), clampByte(rgb[2]))
	return ColorBand{
		Name: "target",
		Lower: HSV{
			H: uint8(clampInt(int(c.H)-hueTol, 0, 179)),
			S: uint8(clampInt(int(c.S)-satTol, 0, 255)),
			V: uint8(clampInt(int(c.V)-valTol, 0, 255)),
		},
		Upper: HSV{
			H: uint8(clampInt(int(c.H)+hueTol, 0, 179)),
			S: uint8(clampInt(int(c.S)+satTol, 0, 255)),
			V: uint8(clampInt(int(c.V)+valTol, 0, 255)),
		},
	}
}

// BandFromRange converts a configured range into a ColorBand.
func BandFromRange(r config.HSVRange) ColorBand {
	return ColorBand{
		Name: r.Name,
		Lower: HSV{
			H: uint8(clampInt(r.Lower[0], 0, 179)),
			S: clampByte(r.Lower[1]),
			V: clampByte(r.Lower[2]),
		},
		Upper: HSV{
			H: uint8(clampInt(r.Upper[0], 0, 179)),
			S: clampByte(r.Upper[1]),
			V: clampByte(r.Upper[2]),
		},
	}
}

// Contains reports whether c lies inside the band on all three channels.
func (b ColorBand) Contains(c HSV) bool {
	return c.H >= b.Lower.H && c.H <= b.Upper.H &&
		c.S >= b.Lower.S && c.S <= b.Upper.S &&
		c.V >= b.Lower.V && c.V <= b.Upper.V
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampByte(v int) uint8 {
	return uint8(clampInt(v, 0, 255))
}
