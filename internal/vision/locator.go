package vision

import (
	"image"
	"math"

	"github.com/banshee-data/parsight/internal/config"
)

// Source identifies which tier of the locator produced a detection.
type Source string

const (
	SourceNone Source = ""
	SourceBlob Source = "blob" // best round region
	SourceMask Source = "mask" // whole-mask center of mass
)

// Point is a sub-pixel image coordinate.
type Point struct {
	X, Y float64
}

// Candidate is one connected region of the mask.
type Candidate struct {
	Area        float64
	Perimeter   float64
	Circularity float64
	// Score is circularity * 2 ln(area) for round regions, zero otherwise.
	Score    float64
	Round    bool
	Centroid Point
	Bounds   image.Rectangle
	Contour  []image.Point
}

// Detection is the outcome of locating the target in one mask.
type Detection struct {
	Found      bool
	Center     Point
	Source     Source
	Score      float64
	Width      int
	Height     int
	Candidates []Candidate
	// Best indexes Candidates for blob detections, -1 otherwise.
	Best int
}

// Offset returns the detection center minus the image center.
func (d Detection) Offset() (dx, dy float64) {
	return d.Center.X - float64(d.Width)/2, d.Center.Y - float64(d.Height)/2
}

// LocatorConfig configures region filtering and scoring.
type LocatorConfig struct {
	MinArea        float64
	MinCircularity float64
	MinScore       float64
	FallbackToMask bool
}

// DefaultLocatorConfig holds the flight-tested thresholds.
var DefaultLocatorConfig = LocatorConfig{MinArea: 20, MinCircularity: 0.8, MinScore: 7, FallbackToMask: true}

// LocatorConfigFromTuning reads the locator thresholds from configuration.
func LocatorConfigFromTuning(cfg *config.TuningConfig) LocatorConfig {
	return LocatorConfig{
		MinArea:        cfg.GetMinRegionArea(),
		MinCircularity: cfg.GetMinCircularity(),
		MinScore:       cfg.GetMinScore(),
		FallbackToMask: cfg.GetFallbackToMask(),
	}
}

// Locator picks the target center from a mask. It is stateless.
type Locator struct {
	cfg LocatorConfig
}

// NewLocator creates a locator.
func NewLocator(cfg LocatorConfig) *Locator {
	return &Locator{cfg: cfg}
}

// Candidates returns the regions of m that survive the size filters, in
// raster order of their first pixel.
func (l *Locator) Candidates(m Mask) []Candidate {
	if m.Empty() || len(m.Pix) != m.Width*m.Height {
		return nil
	}
	labels, regions := labelRegions(m)
	out := make([]Candidate, 0, len(regions))
	for _, r := range regions {
		chain := traceBoundary(labels, m.Width, m.Height, r.start)
		perim := perimeter(chain)
		area := polygonArea(chain)
		if perim == 0 || area < l.cfg.MinArea || area <= 0 {
			continue
		}
		c := Candidate{
			Area:        area,
			Perimeter:   perim,
			Circularity: 4 * math.Pi * area / (perim * perim),
			Centroid:    Point{X: r.m10 / r.m00, Y: r.m01 / r.m00},
			Bounds:      r.bounds,
			Contour:     chain,
		}
		if c.Circularity > l.cfg.MinCircularity {
			c.Round = true
			c.Score = c.Circularity * 2 * math.Log(area)
		}
		out = append(out, c)
	}
	return out
}

// Locate returns the center of the best-scoring round region. Ties keep the
// earliest region. When no region scores above the floor it falls back to
// the center of mass of the whole mask, if enabled and the mask is not empty.
func (l *Locator) Locate(m Mask) Detection {
	det := Detection{Width: m.Width, Height: m.Height, Best: -1}
	det.Candidates = l.Candidates(m)

	var best float64
	for i, c := range det.Candidates {
		if !c.Round {
			continue
		}
		if c.Score > best && c.Score > l.cfg.MinScore {
			best = c.Score
			det.Best = i
		}
	}
	if det.Best >= 0 {
		c := det.Candidates[det.Best]
		det.Found = true
		det.Center = c.Centroid
		det.Source = SourceBlob
		det.Score = c.Score
		return det
	}

	if !l.cfg.FallbackToMask || m.Empty() {
		return det
	}
	if x, y, ok := m.Centroid(); ok {
		det.Found = true
		det.Center = Point{X: x, Y: y}
		det.Source = SourceMask
	}
	return det
}
