//go:build gocv

package vision

import (
	"image"
	"image/color"
	"math"
	"sort"

	"gocv.io/x/gocv"

	"github.com/banshee-data/parsight/internal/config"
	"github.com/banshee-data/parsight/internal/monitoring"
)

// ErrGoCVDisabled is never returned when built with -tags gocv; it exists so
// callers compile under both build configurations.
var ErrGoCVDisabled error

// GoCVDetector runs segmentation and region scoring with OpenCV.
type GoCVDetector struct {
	seg    SegmenterConfig
	loc    LocatorConfig
	ksize  image.Point
	target [2]gocv.Scalar
	bands  [][2]gocv.Scalar
}

// NewGoCVDetector builds the OpenCV detector from tuning configuration.
func NewGoCVDetector(cfg *config.TuningConfig) (*GoCVDetector, error) {
	seg := SegmenterConfigFromTuning(cfg)
	d := &GoCVDetector{
		seg:    seg,
		loc:    LocatorConfigFromTuning(cfg),
		ksize:  image.Pt(seg.KernelSize, seg.KernelSize),
		target: bandScalars(seg.Target),
	}
	for _, b := range seg.Distractors {
		d.bands = append(d.bands, bandScalars(b))
	}
	return d, nil
}

func bandScalars(b ColorBand) [2]gocv.Scalar {
	return [2]gocv.Scalar{
		gocv.NewScalar(float64(b.Lower.H), float64(b.Lower.S), float64(b.Lower.V), 0),
		gocv.NewScalar(float64(b.Upper.H), float64(b.Upper.S), float64(b.Upper.V), 0),
	}
}

// Detect implements Detector.
func (d *GoCVDetector) Detect(f Frame) Detection {
	det := Detection{Width: f.Width, Height: f.Height, Best: -1}
	if !f.Valid() {
		return det
	}

	src, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Pix)
	if err != nil {
		monitoring.Logf("gocv: frame conversion failed: %v", err)
		return det
	}
	defer src.Close()

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(src, &hsv, gocv.ColorBGRToHSV)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.InRangeWithScalar(hsv, d.target[0], d.target[1], &mask)

	for _, b := range d.bands {
		band := gocv.NewMat()
		gocv.InRangeWithScalar(hsv, b[0], b[1], &band)
		gocv.BitwiseNot(band, &band)
		gocv.BitwiseAnd(mask, band, &mask)
		band.Close()
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(mask, &blurred, d.ksize, d.seg.Sigma, d.seg.Sigma, gocv.BorderDefault)

	contours := gocv.FindContours(blurred, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	type scored struct {
		Candidate
		first image.Point
	}
	var found []scored
	for i := 0; i < contours.Size(); i++ {
		pv := contours.At(i)
		area := gocv.ContourArea(pv)
		perim := gocv.ArcLength(pv, true)
		if perim == 0 || area < d.loc.MinArea || area <= 0 {
			continue
		}
		pts := pv.ToPoints()
		c := Candidate{
			Area:        area,
			Perimeter:   perim,
			Circularity: 4 * math.Pi * area / (perim * perim),
			Bounds:      gocv.BoundingRect(pv),
			Contour:     pts,
		}
		if c.Circularity > d.loc.MinCircularity {
			c.Round = true
			c.Score = c.Circularity * 2 * math.Log(area)
		}
		c.Centroid = regionCentroid(blurred, pts)
		found = append(found, scored{Candidate: c, first: rasterFirst(pts)})
	}

	// OpenCV does not promise an order; match the native raster order so
	// ties resolve the same way.
	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i].first, found[j].first
		return a.Y < b.Y || (a.Y == b.Y && a.X < b.X)
	})

	var best float64
	for i, s := range found {
		det.Candidates = append(det.Candidates, s.Candidate)
		if s.Round && s.Score > best && s.Score > d.loc.MinScore {
			best = s.Score
			det.Best = i
		}
	}
	if det.Best >= 0 {
		c := det.Candidates[det.Best]
		det.Found, det.Center, det.Source, det.Score = true, c.Centroid, SourceBlob, c.Score
		return det
	}

	if !d.loc.FallbackToMask {
		return det
	}
	m := gocv.Moments(blurred, false)
	if m["m00"] > 0 {
		det.Found = true
		det.Center = Point{X: m["m10"] / m["m00"], Y: m["m01"] / m["m00"]}
		det.Source = SourceMask
	}
	return det
}

// regionCentroid returns the intensity-weighted centroid of the mask pixels
// enclosed by pts.
func regionCentroid(mask gocv.Mat, pts []image.Point) Point {
	region := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), mask.Rows(), mask.Cols(), gocv.MatTypeCV8U)
	defer region.Close()
	poly := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
	defer poly.Close()
	gocv.FillPoly(&region, poly, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	weighted := gocv.NewMat()
	defer weighted.Close()
	gocv.BitwiseAnd(mask, region, &weighted)

	m := gocv.Moments(weighted, false)
	if m["m00"] == 0 {
		return Point{}
	}
	return Point{X: m["m10"] / m["m00"], Y: m["m01"] / m["m00"]}
}

func rasterFirst(pts []image.Point) image.Point {
	first := pts[0]
	for _, p := range pts[1:] {
		if p.Y < first.Y || (p.Y == first.Y && p.X < first.X) {
			first = p
		}
	}
	return first
}
