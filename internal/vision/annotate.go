package vision

import (
	"image"
	"image/color"
)

var (
	candidateColor = color.RGBA{R: 0, G: 0, B: 139, A: 255}     // dark blue
	bestColor      = color.RGBA{R: 255, G: 255, B: 255, A: 255} // white
	centerColor    = color.RGBA{R: 0, G: 255, B: 0, A: 255}     // green
)

// Annotate renders f with the detection drawn on top: every candidate
// outline, a box around the winning region and a dot at the center.
func Annotate(f Frame, det Detection) *image.RGBA {
	if !f.Valid() {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}
	img := f.RGBA()

	for i, c := range det.Candidates {
		if i == det.Best {
			continue
		}
		for _, p := range c.Contour {
			setIn(img, p.X, p.Y, candidateColor)
		}
	}

	if det.Best >= 0 && det.Best < len(det.Candidates) {
		r := det.Candidates[det.Best].Bounds
		for x := r.Min.X; x < r.Max.X; x++ {
			setIn(img, x, r.Min.Y, bestColor)
			setIn(img, x, r.Max.Y-1, bestColor)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			setIn(img, r.Min.X, y, bestColor)
			setIn(img, r.Max.X-1, y, bestColor)
		}
	}

	if det.Found {
		cx, cy := int(det.Center.X+0.5), int(det.Center.Y+0.5)
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				setIn(img, cx+dx, cy+dy, centerColor)
			}
		}
	}
	return img
}

func setIn(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(img.Rect) {
		img.SetRGBA(x, y, c)
	}
}
