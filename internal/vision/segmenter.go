package vision

import "github.com/banshee-data/parsight/internal/config"

// SegmenterConfig configures a Segmenter.
type SegmenterConfig struct {
	Target      ColorBand
	Distractors []ColorBand
	KernelSize  int
	Sigma       float64
}

// SegmenterConfigFromTuning builds the target band, distractor bands and blur
// settings from tuning configuration.
func SegmenterConfigFromTuning(cfg *config.TuningConfig) SegmenterConfig {
	var distractors []ColorBand
	for _, r := range cfg.GetDistractorBands() {
		distractors = append(distractors, BandFromRange(r))
	}
	return SegmenterConfig{
		Target:      NewColorBand(cfg.GetTargetRGB(), cfg.GetHueTolerance(), cfg.GetSaturationTolerance(), cfg.GetValueTolerance()),
		Distractors: distractors,
		KernelSize:  cfg.GetBlurKernelSize(),
		Sigma:       cfg.GetBlurSigma(),
	}
}

// Segmenter produces a smoothed membership mask for the target color.
// It is stateless and safe for concurrent use.
type Segmenter struct {
	cfg    SegmenterConfig
	kernel []float64
}

// NewSegmenter creates a segmenter.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	return &Segmenter{cfg: cfg, kernel: GaussianKernel(cfg.KernelSize, cfg.Sigma)}
}

// Config returns the segmenter configuration.
func (s *Segmenter) Config() SegmenterConfig { return s.cfg }

// Threshold marks pixels inside the target band and outside every
// distractor band with 255. Invalid frames yield an empty mask.
func (s *Segmenter) Threshold(f Frame) Mask {
	if !f.Valid() {
		return Mask{}
	}
	m := NewMask(f.Width, f.Height)
	for i := range m.Pix {
		p := f.Pix[i*3 : i*3+3]
		c := RGBToHSV(p[2], p[1], p[0])
		if !s.cfg.Target.Contains(c) {
			continue
		}
		excluded := false
		for _, d := range s.cfg.Distractors {
			if d.Contains(c) {
				excluded = true
				break
			}
		}
		if !excluded {
			m.Pix[i] = 255
		}
	}
	return m
}

// Segment thresholds f and smooths the result.
func (s *Segmenter) Segment(f Frame) Mask {
	return Blur(s.Threshold(f), s.kernel)
}
