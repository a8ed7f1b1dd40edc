// Package vision locates a single color-defined target in camera frames.
//
// A Segmenter turns a frame into a smoothed membership mask and a Locator
// picks the most target-like region from that mask. The default pipeline is
// pure Go; building with -tags gocv adds an OpenCV implementation of the same
// Detector interface.
package vision

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"golang.org/x/image/draw"
)

// Frame is an immutable 3-channel image stored as interleaved BGR bytes,
// row-major, with no padding between rows.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
	Stamp  time.Time
}

// NewFrame wraps BGR bytes. pix must hold exactly width*height*3 bytes.
func NewFrame(width, height int, pix []byte, stamp time.Time) (Frame, error) {
	if width <= 0 || height <= 0 {
		return Frame{}, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if len(pix) != width*height*3 {
		return Frame{}, fmt.Errorf("frame %dx%d needs %d bytes, got %d", width, height, width*height*3, len(pix))
	}
	return Frame{Width: width, Height: height, Pix: pix, Stamp: stamp}, nil
}

// FrameFromImage copies img into a BGR frame.
func FrameFromImage(img image.Image, stamp time.Time) Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, w*h*3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			pix[i], pix[i+1], pix[i+2] = c.B, c.G, c.R
			i += 3
		}
	}
	return Frame{Width: w, Height: h, Pix: pix, Stamp: stamp}
}

// Valid reports whether the frame has a usable size and pixel buffer.
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Width*f.Height*3
}

// BGR returns the pixel at (x, y).
func (f Frame) BGR(x, y int) (b, g, r uint8) {
	i := (y*f.Width + x) * 3
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

// Center returns the geometric image center in pixel coordinates.
func (f Frame) Center() (float64, float64) {
	return float64(f.Width) / 2, float64(f.Height) / 2
}

// RGBA converts the frame to an image for encoding or drawing.
func (f Frame) RGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			b, g, r := f.BGR(x, y)
			img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return img
}

// Resize scales the frame to width x height with bilinear sampling.
func (f Frame) Resize(width, height int) Frame {
	if f.Width == width && f.Height == height {
		return f
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), f.RGBA(), image.Rect(0, 0, f.Width, f.Height), draw.Src, nil)
	return FrameFromImage(dst, f.Stamp)
}
