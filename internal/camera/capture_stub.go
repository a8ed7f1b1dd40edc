//go:build !gocv

package camera

import (
	"context"
	"errors"

	"github.com/banshee-data/parsight/internal/timeutil"
	"github.com/banshee-data/parsight/internal/vision"
)

// ErrCaptureDisabled is returned when the binary was built without -tags gocv.
var ErrCaptureDisabled = errors.New("camera capture needs the gocv build tag")

// Capture is unavailable in this build.
type Capture struct{}

// OpenDevice always fails without the gocv build tag.
func OpenDevice(device int, cfg Config, clock timeutil.Clock) (*Capture, error) {
	return nil, ErrCaptureDisabled
}

// Frames always fails without the gocv build tag.
func (c *Capture) Frames(ctx context.Context) (<-chan vision.Frame, error) {
	return nil, ErrCaptureDisabled
}
