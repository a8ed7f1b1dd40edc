//go:build gocv

package camera

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/banshee-data/parsight/internal/monitoring"
	"github.com/banshee-data/parsight/internal/timeutil"
	"github.com/banshee-data/parsight/internal/vision"
)

// ErrCaptureDisabled is never returned when built with -tags gocv.
var ErrCaptureDisabled error

// Capture reads a video device through OpenCV.
type Capture struct {
	cfg   Config
	clock timeutil.Clock

	mu  sync.Mutex
	dev *gocv.VideoCapture
	raw gocv.Mat
	dst gocv.Mat
}

// OpenDevice opens the video device with the given index.
func OpenDevice(device int, cfg Config, clock timeutil.Clock) (*Capture, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	dev, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %d: %w", device, err)
	}
	if !dev.IsOpened() {
		dev.Close()
		return nil, fmt.Errorf("camera %d did not open", device)
	}
	monitoring.Logf("camera: opened device %d", device)
	return &Capture{cfg: cfg.withDefaults(), clock: clock, dev: dev, raw: gocv.NewMat(), dst: gocv.NewMat()}, nil
}

// Frames grabs and resizes one frame per capture interval. The device is
// released when ctx is done.
func (c *Capture) Frames(ctx context.Context) (<-chan vision.Frame, error) {
	size := image.Pt(c.cfg.Width, c.cfg.Height)
	next := func(now time.Time) (vision.Frame, bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ok := c.dev.Read(&c.raw); !ok || c.raw.Empty() {
			monitoring.Debugf("camera: empty read")
			return vision.Frame{}, true
		}
		gocv.Resize(c.raw, &c.dst, size, 0, 0, gocv.InterpolationLinear)
		f, err := vision.NewFrame(c.dst.Cols(), c.dst.Rows(), c.dst.ToBytes(), now)
		if err != nil {
			monitoring.Logf("camera: dropping frame: %v", err)
			return vision.Frame{}, true
		}
		return f, true
	}
	return pace(ctx, c.clock, c.cfg.Interval, next, c.close), nil
}

func (c *Capture) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw.Close()
	c.dst.Close()
	if err := c.dev.Close(); err != nil {
		monitoring.Logf("camera: close: %v", err)
	}
}
