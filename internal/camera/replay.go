package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"

	"github.com/banshee-data/parsight/internal/fsutil"
	"github.com/banshee-data/parsight/internal/monitoring"
	"github.com/banshee-data/parsight/internal/timeutil"
	"github.com/banshee-data/parsight/internal/vision"
)

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".bmp": true}

// Replay plays a directory of still images as a camera, in name order.
type Replay struct {
	fs    fsutil.FileSystem
	dir   string
	cfg   Config
	clock timeutil.Clock

	// loaded holds the frames of the last successful Load.
	loaded []vision.Frame

	// Loop restarts from the first image instead of closing the stream.
	Loop bool
}

// NewReplay creates a replay of the images in dir.
func NewReplay(fs fsutil.FileSystem, dir string, cfg Config, clock timeutil.Clock) *Replay {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Replay{fs: fs, dir: dir, cfg: cfg.withDefaults(), clock: clock}
}

// Load decodes and resizes every image in the directory and keeps the result
// for Frames. Files that are not images are skipped; images that fail to
// decode are logged and skipped.
func (r *Replay) Load() ([]vision.Frame, error) {
	names, err := r.fs.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list replay directory: %w", err)
	}
	var frames []vision.Frame
	for _, name := range names {
		if !imageExts[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		path := filepath.Join(r.dir, name)
		data, err := r.fs.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		img, format, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			monitoring.Logf("camera: skipping %s: %v", path, err)
			continue
		}
		monitoring.Debugf("camera: loaded %s (%s %dx%d)", name, format, img.Bounds().Dx(), img.Bounds().Dy())
		frames = append(frames, vision.FrameFromImage(img, time.Time{}).Resize(r.cfg.Width, r.cfg.Height))
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, r.dir)
	}
	r.loaded = frames
	return frames, nil
}

// Frames emits one image per capture interval, stamped with the clock. It
// reuses the images of an earlier Load and only reads the directory when
// nothing was loaded yet.
func (r *Replay) Frames(ctx context.Context) (<-chan vision.Frame, error) {
	frames := r.loaded
	if frames == nil {
		var err error
		if frames, err = r.Load(); err != nil {
			return nil, err
		}
	}
	monitoring.Logf("camera: replaying %d images from %s every %v", len(frames), r.dir, r.cfg.Interval)
	i := 0
	next := func(now time.Time) (vision.Frame, bool) {
		if i == len(frames) {
			if !r.Loop {
				return vision.Frame{}, false
			}
			i = 0
		}
		f := frames[i]
		f.Stamp = now
		i++
		return f, true
	}
	return pace(ctx, r.clock, r.cfg.Interval, next, nil), nil
}
