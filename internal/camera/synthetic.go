package camera

import (
	"context"
	"math"
	"time"

	"github.com/banshee-data/parsight/internal/timeutil"
	"github.com/banshee-data/parsight/internal/vision"
)

// Synthetic draws a colored disk orbiting the image center over a plain
// grass-colored background.
type Synthetic struct {
	cfg   Config
	clock timeutil.Clock
	start time.Time

	Target     [3]uint8 // RGB
	Background [3]uint8 // RGB
	Radius     float64  // disk radius, px
	Orbit      float64  // orbit radius, px
	Period     time.Duration
}

// NewSynthetic creates a scene with a target of the given RGB color.
func NewSynthetic(cfg Config, clock timeutil.Clock, target [3]int) *Synthetic {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	cfg = cfg.withDefaults()
	short := math.Min(float64(cfg.Width), float64(cfg.Height))
	return &Synthetic{
		cfg:        cfg,
		clock:      clock,
		start:      clock.Now(),
		Target:     [3]uint8{uint8(target[0]), uint8(target[1]), uint8(target[2])},
		Background: [3]uint8{34, 139, 34},
		Radius:     short / 12,
		Orbit:      short / 4,
		Period:     10 * time.Second,
	}
}

// CenterAt is where the disk is drawn at t.
func (s *Synthetic) CenterAt(t time.Time) vision.Point {
	cx, cy := float64(s.cfg.Width)/2, float64(s.cfg.Height)/2
	if s.Period <= 0 {
		return vision.Point{X: cx + s.Orbit, Y: cy}
	}
	a := 2 * math.Pi * t.Sub(s.start).Seconds() / s.Period.Seconds()
	return vision.Point{X: cx + s.Orbit*math.Cos(a), Y: cy + s.Orbit*math.Sin(a)}
}

// Render draws the scene at t.
func (s *Synthetic) Render(t time.Time) vision.Frame {
	w, h := s.cfg.Width, s.cfg.Height
	pix := make([]byte, w*h*3)
	c := s.CenterAt(t)
	r2 := s.Radius * s.Radius
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-c.X, float64(y)-c.Y
			col := s.Background
			if dx*dx+dy*dy <= r2 {
				col = s.Target
			}
			pix[i], pix[i+1], pix[i+2] = col[2], col[1], col[0]
			i += 3
		}
	}
	return vision.Frame{Width: w, Height: h, Pix: pix, Stamp: t}
}

// Frames renders the scene once per capture interval.
func (s *Synthetic) Frames(ctx context.Context) (<-chan vision.Frame, error) {
	return pace(ctx, s.clock, s.cfg.Interval, func(now time.Time) (vision.Frame, bool) {
		return s.Render(now), true
	}, nil), nil
}
