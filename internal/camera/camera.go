// Package camera provides frame sources for the servo loop: a live device
// (with -tags gocv), a directory of recorded images and a synthetic scene
// for dry runs.
package camera

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/parsight/internal/config"
	"github.com/banshee-data/parsight/internal/timeutil"
	"github.com/banshee-data/parsight/internal/vision"
)

// ErrNoImages is returned by a replay over a directory with no decodable
// images.
var ErrNoImages = errors.New("no images to replay")

// Config is the frame geometry and pacing shared by every source.
type Config struct {
	Width    int
	Height   int
	Interval time.Duration
}

// ConfigFromTuning reads the capture settings from tuning configuration.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Width:    cfg.GetCaptureWidth(),
		Height:   cfg.GetCaptureHeight(),
		Interval: cfg.GetCaptureInterval(),
	}
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 128
	}
	if c.Height <= 0 {
		c.Height = 128
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Millisecond
	}
	return c
}

// pace calls next on every tick of a ticker at interval and forwards the
// frames it returns. It stops when next reports false or ctx is done. The
// ticker is created before pace returns so mock clocks can be advanced
// immediately.
func pace(ctx context.Context, clock timeutil.Clock, interval time.Duration, next func(now time.Time) (vision.Frame, bool), done func()) <-chan vision.Frame {
	out := make(chan vision.Frame)
	ticker := clock.NewTicker(interval)
	go func() {
		defer close(out)
		defer ticker.Stop()
		if done != nil {
			defer done()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C():
				f, ok := next(now)
				if !ok {
					return
				}
				if !f.Valid() {
					continue
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
