package main

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

	"github.com/banshee-data/parsight/internal/camera"
	"github.com/banshee-data/parsight/internal/config"
	"github.com/banshee-data/parsight/internal/fsutil"
	"github.com/banshee-data/parsight/internal/serialmux"
	"github.com/banshee-data/parsight/internal/timeutil"
)

// TestFlagDefaults verifies the flags that change behaviour when omitted.
func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, config.DefaultConfigPath, *configPath)
	assert.Equal(t, "mock", *linkSpec)
	assert.Equal(t, serialmux.DefaultBaudRate, *linkBaud)
	assert.Equal(t, "", *mavEndpoint, "MAVLink must be opt-in")
	assert.Equal(t, 10, *mavSysID)
	assert.Equal(t, 10*time.Second, *mavWait)
	assert.Equal(t, "synthetic", *cameraSpec)
	assert.True(t, *cameraLoop)
	assert.False(t, *debugMode)
}

func TestOpenLink(t *testing.T) {
	link, err := openLink("disabled", serialmux.DefaultBaudRate)
	require.NoError(t, err)
	assert.IsType(t, &serialmux.DisabledSerialMux{}, link)
	require.NoError(t, link.Close())

	link, err = openLink("", serialmux.DefaultBaudRate)
	require.NoError(t, err)
	assert.IsType(t, &serialmux.DisabledSerialMux{}, link)

	link, err = openLink("mock", serialmux.DefaultBaudRate)
	require.NoError(t, err)
	require.NotNil(t, link)
	require.NoError(t, link.Close())
}

func TestOpenLink_MissingDevice(t *testing.T) {
	link, err := openLink("/dev/parsight-does-not-exist", serialmux.DefaultBaudRate)
	require.Error(t, err)
	assert.Nil(t, link)
}

func redPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 200, G: 29, B: 32, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestOpenCamera(t *testing.T) {
	tuning := config.EmptyTuningConfig()
	cfg := camera.ConfigFromTuning(tuning)
	clock := timeutil.NewMockClock(time.Unix(1_700_000_000, 0))
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("frames/0001.png", redPNG(t))

	src, err := openCamera("synthetic", true, cfg, tuning, fs, clock)
	require.NoError(t, err)
	assert.IsType(t, &camera.Synthetic{}, src)

	src, err = openCamera("frames", false, cfg, tuning, fs, clock)
	require.NoError(t, err)
	replay, ok := src.(*camera.Replay)
	require.True(t, ok)
	assert.False(t, replay.Loop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames, err := src.Frames(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)
	clock.Advance(cfg.Interval)
	select {
	case f := <-frames:
		assert.Equal(t, cfg.Width, f.Width)
		assert.Equal(t, cfg.Height, f.Height)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from replay")
	}
}

func TestOpenCamera_Errors(t *testing.T) {
	tuning := config.EmptyTuningConfig()
	cfg := camera.ConfigFromTuning(tuning)
	clock := timeutil.NewMockClock(time.Unix(1_700_000_000, 0))
	fs := fsutil.NewMemoryFileSystem()
	fs.WriteFile("empty/readme.txt", []byte("nothing to see"))

	_, err := openCamera("device:front", true, cfg, tuning, fs, clock)
	assert.ErrorContains(t, err, "invalid camera device")

	_, err = openCamera("empty", true, cfg, tuning, fs, clock)
	assert.ErrorIs(t, err, camera.ErrNoImages)
}

func TestDialMAVLink_InvalidSystemID(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1_700_000_000, 0))
	for _, id := range []int{0, 256} {
		_, err := dialMAVLink(context.Background(), "udps:127.0.0.1:0", id, time.Millisecond, clock)
		assert.ErrorContains(t, err, "invalid MAVLink system id")
	}
}
