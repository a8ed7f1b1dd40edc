package vision

import (
	"fmt"

	"github.com/banshee-data/parsight/internal/config"
)

// Detector finds the target in a frame.
type Detector interface {
	Detect(f Frame) Detection
}

// NativeDetector runs the pure-Go Segmenter and Locator.
type NativeDetector struct {
	Segmenter *Segmenter
	Locator   *Locator
}

// Detect segments f and locates the target in the resulting mask.
func (d *NativeDetector) Detect(f Frame) Detection {
	return d.Locator.Locate(d.Segmenter.Segment(f))
}

// NewNativeDetector builds the pure-Go detector from tuning configuration.
func NewNativeDetector(cfg *config.TuningConfig) *NativeDetector {
	return &NativeDetector{
		Segmenter: NewSegmenter(SegmenterConfigFromTuning(cfg)),
		Locator:   NewLocator(LocatorConfigFromTuning(cfg)),
	}
}

// NewDetector returns the detector selected by vision_backend.
func NewDetector(cfg *config.TuningConfig) (Detector, error) {
	switch backend := cfg.GetVisionBackend(); backend {
	case "native":
		return NewNativeDetector(cfg), nil
	case "gocv":
		d, err := NewGoCVDetector(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown vision backend %q", backend)
	}
}
