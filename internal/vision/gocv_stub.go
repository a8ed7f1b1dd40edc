//go:build !gocv

package vision

import (
	"errors"

	"github.com/banshee-data/parsight/internal/config"
)

// ErrGoCVDisabled is returned when the binary was built without -tags gocv.
var ErrGoCVDisabled = errors.New("gocv build tag is not enabled")

// GoCVDetector is unavailable in this build.
type GoCVDetector struct{}

// NewGoCVDetector always fails without the gocv build tag.
func NewGoCVDetector(cfg *config.TuningConfig) (*GoCVDetector, error) {
	_ = cfg
	return nil, ErrGoCVDisabled
}

// Detect reports no target.
func (d *GoCVDetector) Detect(f Frame) Detection {
	return Detection{Width: f.Width, Height: f.Height, Best: -1}
}
