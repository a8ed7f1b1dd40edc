package camera

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/parsight/internal/config"
	"github.com/banshee-data/parsight/internal/fsutil"
	"github.com/banshee-data/parsight/internal/timeutil"
	"github.com/banshee-data/parsight/internal/vision"
)

var start = time.Unix(1_700_000_000, 0)

func solidPNG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func next(t *testing.T, clock *timeutil.MockClock, interval time.Duration, frames <-chan vision.Frame) (vision.Frame, bool) {
	t.Helper()
	clock.Advance(interval)
	select {
	case f, ok := <-frames:
		return f, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return vision.Frame{}, false
	}
}

func TestConfigFromTuning(t *testing.T) {
	cfg := ConfigFromTuning(config.EmptyTuningConfig())
	assert.Equal(t, Config{Width: 128, Height: 128, Interval: 10 * time.Millisecond}, cfg)
	assert.Equal(t, cfg, Config{}.withDefaults())
}

func newReplayFS(t *testing.T) *fsutil.MemoryFileSystem {
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("replay/b.png", solidPNG(t, 32, 16, color.RGBA{B: 255, A: 255}))
	fs.WriteFile("replay/a.png", solidPNG(t, 64, 64, color.RGBA{R: 255, A: 255}))
	fs.WriteFile("replay/notes.txt", []byte("not an image"))
	fs.WriteFile("replay/broken.jpg", []byte("not a jpeg either"))
	return fs
}

func TestReplay_Load(t *testing.T) {
	r := NewReplay(newReplayFS(t), "replay", Config{Width: 40, Height: 30}, nil)
	frames, err := r.Load()
	require.NoError(t, err)
	require.Len(t, frames, 2)

	for _, f := range frames {
		assert.Equal(t, 40, f.Width)
		assert.Equal(t, 30, f.Height)
		assert.True(t, f.Valid())
	}
	b, g, rr := frames[0].BGR(20, 15)
	assert.Equal(t, [3]uint8{0, 0, 255}, [3]uint8{b, g, rr}, "a.png sorts first")
	b, g, rr = frames[1].BGR(20, 15)
	assert.Equal(t, [3]uint8{255, 0, 0}, [3]uint8{b, g, rr})
}

func TestReplay_FramesReusesLoad(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	cfg := Config{Width: 16, Height: 16, Interval: 10 * time.Millisecond}
	fs := newReplayFS(t)
	r := NewReplay(fs, "replay", cfg, clock)
	loaded, err := r.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	// The files are unreadable as images from here on.
	fs.WriteFile("replay/a.png", []byte("truncated"))
	fs.WriteFile("replay/b.png", []byte("truncated"))
	_, err = NewReplay(fs, "replay", cfg, clock).Load()
	require.ErrorIs(t, err, ErrNoImages)

	frames, err := r.Frames(context.Background())
	require.NoError(t, err)
	f, ok := next(t, clock, cfg.Interval, frames)
	require.True(t, ok)
	_, _, red := f.BGR(8, 8)
	assert.Equal(t, uint8(255), red)
	f, ok = next(t, clock, cfg.Interval, frames)
	require.True(t, ok)
	b, _, _ := f.BGR(8, 8)
	assert.Equal(t, uint8(255), b)
	_, ok = next(t, clock, cfg.Interval, frames)
	assert.False(t, ok)
}

func TestReplay_NoImages(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("empty/readme.md", []byte("#"))
	_, err := NewReplay(fs, "empty", Config{}, nil).Frames(context.Background())
	assert.ErrorIs(t, err, ErrNoImages)

	_, err = NewReplay(fs, "missing", Config{}, nil).Frames(context.Background())
	assert.Error(t, err)
}

func TestReplay_FramesStampedAndClosed(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	cfg := Config{Width: 16, Height: 16, Interval: 50 * time.Millisecond}
	r := NewReplay(newReplayFS(t), "replay", cfg, clock)

	frames, err := r.Frames(context.Background())
	require.NoError(t, err)

	f, ok := next(t, clock, cfg.Interval, frames)
	require.True(t, ok)
	assert.Equal(t, start.Add(50*time.Millisecond), f.Stamp)
	f, ok = next(t, clock, cfg.Interval, frames)
	require.True(t, ok)
	assert.Equal(t, start.Add(100*time.Millisecond), f.Stamp)

	_, ok = next(t, clock, cfg.Interval, frames)
	assert.False(t, ok, "replay closes after the last image")
}

func TestReplay_Loop(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	cfg := Config{Width: 16, Height: 16, Interval: 10 * time.Millisecond}
	r := NewReplay(newReplayFS(t), "replay", cfg, clock)
	r.Loop = true

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := r.Frames(ctx)
	require.NoError(t, err)

	var reds int
	for i := 0; i < 5; i++ {
		f, ok := next(t, clock, cfg.Interval, frames)
		require.True(t, ok)
		if _, _, red := f.BGR(8, 8); red == 255 {
			reds++
		}
	}
	assert.Equal(t, 3, reds)

	cancel()
	for range frames {
	}
}

func TestSynthetic_DetectedWhereDrawn(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	tuning := config.EmptyTuningConfig()
	s := NewSynthetic(ConfigFromTuning(tuning), clock, tuning.GetTargetRGB())
	det := vision.NewNativeDetector(tuning)

	for _, at := range []time.Time{start, start.Add(s.Period / 4)} {
		want := s.CenterAt(at)
		got := det.Detect(s.Render(at))
		require.True(t, got.Found)
		assert.InDelta(t, want.X, got.Center.X, 0.5)
		assert.InDelta(t, want.Y, got.Center.Y, 0.5)
	}
	assert.InDelta(t, 96, s.CenterAt(start).X, 1e-9)
	assert.InDelta(t, 96, s.CenterAt(start.Add(s.Period/4)).Y, 1e-9)
}

func TestSynthetic_Frames(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	cfg := Config{Width: 32, Height: 24, Interval: 20 * time.Millisecond}
	s := NewSynthetic(cfg, clock, [3]int{200, 29, 32})

	ctx, cancel := context.WithCancel(context.Background())
	frames, err := s.Frames(ctx)
	require.NoError(t, err)

	f, ok := next(t, clock, cfg.Interval, frames)
	require.True(t, ok)
	assert.Equal(t, 32, f.Width)
	assert.Equal(t, 24, f.Height)
	assert.Equal(t, start.Add(20*time.Millisecond), f.Stamp)

	cancel()
	for range frames {
	}
}

func TestOpenDevice_WithoutGoCV(t *testing.T) {
	if ErrCaptureDisabled == nil {
		t.Skip("built with gocv")
	}
	_, err := OpenDevice(0, Config{}, nil)
	assert.ErrorIs(t, err, ErrCaptureDisabled)
}
