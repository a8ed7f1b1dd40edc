package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/parsight/internal/config"
	"github.com/banshee-data/parsight/internal/control"
	"github.com/banshee-data/parsight/internal/flight"
	"github.com/banshee-data/parsight/internal/pose"
	"github.com/banshee-data/parsight/internal/safety"
	"github.com/banshee-data/parsight/internal/timeutil"
	"github.com/banshee-data/parsight/internal/vision"
)

type recordingSink struct {
	mu        sync.Mutex
	poses     []pose.Pose
	setpoints []safety.Setpoint
	err       error
}

func (s *recordingSink) SendVisionPose(p pose.Pose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poses = append(s.poses, p)
	return s.err
}

func (s *recordingSink) SendSetpoint(sp safety.Setpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setpoints = append(s.setpoints, sp)
	return s.err
}

func (s *recordingSink) lastSetpoint(t *testing.T) safety.Setpoint {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.setpoints)
	return s.setpoints[len(s.setpoints)-1]
}

func (s *recordingSink) setpointCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.setpoints)
}

// fixedDetector reports the same detection for every frame.
type fixedDetector struct {
	mu  sync.Mutex
	det vision.Detection
}

func (d *fixedDetector) Detect(f vision.Frame) vision.Detection {
	d.mu.Lock()
	defer d.mu.Unlock()
	det := d.det
	det.Width, det.Height = f.Width, f.Height
	return det
}

func (d *fixedDetector) set(det vision.Detection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.det = det
}

func targetAt(x, y float64) vision.Detection {
	return vision.Detection{Found: true, Center: vision.Point{X: x, Y: y}, Source: vision.SourceBlob, Best: -1}
}

type harness struct {
	rt       *Runtime
	clock    *timeutil.MockClock
	sink     *recordingSink
	detector *fixedDetector
	frame    vision.Frame
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	tuning := config.EmptyTuningConfig()
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	env, err := safety.NewEnvelope(safety.BoundsFromConfig(tuning))
	require.NoError(t, err)

	cfg := ConfigFromTuning(tuning)
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		clock:    clock,
		sink:     &recordingSink{},
		detector: &fixedDetector{},
	}
	h.frame, err = vision.NewFrame(640, 480, make([]byte, 640*480*3), clock.Now())
	require.NoError(t, err)

	h.rt, err = NewRuntime(Options{
		Config:     cfg,
		Clock:      clock,
		Detector:   h.detector,
		Controller: control.NewController(control.GainsFromConfig(tuning), clock),
		Machine:    flight.NewStateMachine(flight.ParamsFromConfig(tuning), clock),
		Envelope:   env,
		Sink:       h.sink,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) observe(x, y, z float64) pose.Pose {
	return h.rt.HandlePose(pose.Pose{
		Position:    r3.Vec{X: x, Y: y, Z: z},
		Orientation: pose.FromXYZW(0, 0, 0, 1),
	})
}

func TestNewRuntime_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewRuntime(Options{})
	assert.Error(t, err)
}

func TestNewRuntime_RejectsZeroRate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := NewRuntime(Options{
		Detector:   h.detector,
		Controller: h.rt.controller,
		Machine:    h.rt.machine,
		Envelope:   h.rt.envelope,
	})
	assert.Error(t, err)
}

func TestPublishSetpoint_IdleRestsOnGround(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	sp := h.rt.PublishSetpoint()

	assert.True(t, sp.Valid())
	assert.Equal(t, r3.Vec{X: 2.0, Y: 1.8, Z: 0}, sp.Position())
	assert.Equal(t, "map", sp.FrameID())
	assert.Equal(t, h.clock.Now(), sp.Stamp())
	assert.Equal(t, sp, h.sink.lastSetpoint(t))
}

func TestPublishSetpoint_ClampsToEnvelope(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.rt.Machine().Launch()
	h.rt.Machine().Test()
	h.rt.Machine().ApplyTracking(r3.Vec{X: 9, Y: -9, Z: 2.3})

	sp := h.rt.PublishSetpoint()

	assert.Equal(t, r3.Vec{X: 3, Y: -3, Z: 2.3}, sp.Position())
}

func TestHandlePose_ConvertsAndForwards(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	got := h.observe(1, 2, 3)

	x, y, z, w := pose.XYZW(got.Orientation)
	assert.Equal(t, []float64{0, 0, 0, -1}, []float64{x, y, z, w})
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, got.Position)
	assert.Equal(t, h.clock.Now(), got.Stamp)
	assert.Equal(t, "map", got.FrameID)

	observed, ok := h.rt.Observed()
	require.True(t, ok)
	assert.Equal(t, got, observed)
	require.Len(t, h.sink.poses, 1)
	assert.Equal(t, got, h.sink.poses[0])
}

func TestHandleFrame_TracksInTestPhase(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.observe(1, 1, 2)
	_, err := h.rt.Command(flight.TriggerLaunch)
	require.NoError(t, err)
	_, err = h.rt.Command(flight.TriggerTest)
	require.NoError(t, err)

	h.detector.set(targetAt(340, 240))
	h.clock.Advance(100 * time.Millisecond)
	res := h.rt.HandleFrame(h.frame)

	require.True(t, res.Stepped)
	assert.True(t, res.PoseFresh)
	assert.True(t, res.Applied)
	assert.Equal(t, control.Offset{X: 20, Y: 0}, res.Offset)
	// dt=0.1s: move_x = 0.02*20 + 0.002*200 = 0.8
	assert.InDelta(t, 0.8, res.Command.MoveX, 1e-9)

	sp := h.rt.PublishSetpoint()
	assert.InDelta(t, 1.0, sp.Position().X, 1e-9)
	assert.InDelta(t, 0.2, sp.Position().Y, 1e-9)
	assert.InDelta(t, 2.3, sp.Position().Z, 1e-9)
	assert.Equal(t, uint64(1), h.rt.Stats().Applied)
}

func TestHandleFrame_NotAppliedOutsideTest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.observe(1, 1, 2)
	h.rt.Machine().Launch()
	h.detector.set(targetAt(400, 300))

	h.clock.Advance(100 * time.Millisecond)
	res := h.rt.HandleFrame(h.frame)

	assert.True(t, res.Stepped)
	assert.False(t, res.Command.Applicable)
	assert.False(t, res.Applied)
	assert.Equal(t, r3.Vec{X: 2.0, Y: 1.8, Z: 2.3}, h.rt.PublishSetpoint().Position())
	// The error memory still advances while not tracking.
	assert.Equal(t, 80.0, h.rt.Report().Control.PrevErrX)
}

func TestHandleFrame_StalePoseBlocksTracking(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.observe(1, 1, 2)
	h.rt.Machine().Launch()
	h.rt.Machine().Test()
	h.detector.set(targetAt(340, 240))

	h.clock.Advance(600 * time.Millisecond)
	res := h.rt.HandleFrame(h.frame)

	assert.False(t, res.PoseFresh)
	assert.False(t, res.Applied)
	assert.Equal(t, r3.Vec{X: 2.0, Y: 1.8, Z: 2.3}, h.rt.PublishSetpoint().Position())
	assert.Equal(t, uint64(1), h.rt.Stats().StaleFrames)
}

func TestHandleFrame_NoPoseBlocksTracking(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.rt.Machine().Launch()
	h.rt.Machine().Test()
	h.detector.set(targetAt(340, 240))

	res := h.rt.HandleFrame(h.frame)

	assert.False(t, res.PoseFresh)
	assert.False(t, res.Applied)
}

func TestHandleFrame_NoDetectionSkipsController(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.observe(1, 1, 2)
	h.rt.Machine().Launch()
	h.rt.Machine().Test()
	before := h.rt.Report().Control

	res := h.rt.HandleFrame(h.frame)

	assert.False(t, res.Stepped)
	assert.False(t, res.Applied)
	assert.Equal(t, before, h.rt.Report().Control)
}

func TestHandleFrame_NotifiesObservers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	var got []FrameResult
	h.rt.OnFrame(func(r FrameResult) { got = append(got, r) })
	h.detector.set(targetAt(320, 240))

	h.rt.HandleFrame(h.frame)
	h.rt.HandleFrame(h.frame)

	require.Len(t, got, 2)
	assert.True(t, got[0].Command.Hold)

	f, det, ok := h.rt.LastFrame()
	require.True(t, ok)
	assert.Equal(t, 640, f.Width)
	assert.True(t, det.Found)
}

func TestHandleFrame_PublishesEveryFrame(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.observe(1, 1, 2)
	h.rt.Machine().Launch()
	h.rt.Machine().Test()
	require.Zero(t, h.sink.setpointCount())

	h.detector.set(targetAt(340, 240))
	h.clock.Advance(100 * time.Millisecond)
	res := h.rt.HandleFrame(h.frame)

	require.True(t, res.Applied)
	require.Equal(t, 1, h.sink.setpointCount())
	assert.Equal(t, res.Setpoint, h.sink.lastSetpoint(t))
	assert.InDelta(t, 1.0, res.Setpoint.Position().X, 1e-9)
	assert.InDelta(t, 0.2, res.Setpoint.Position().Y, 1e-9)

	h.detector.set(vision.Detection{})
	h.clock.Advance(10 * time.Millisecond)
	res = h.rt.HandleFrame(h.frame)

	assert.False(t, res.Stepped)
	require.Equal(t, 2, h.sink.setpointCount())
	assert.Equal(t, h.clock.Now(), h.sink.lastSetpoint(t).Stamp())
	assert.InDelta(t, 1.0, h.sink.lastSetpoint(t).Position().X, 1e-9)
	assert.Equal(t, uint64(2), h.rt.Stats().Setpoints)
}

// oddStampDetector finds a target only in frames with an odd nanosecond
// stamp.
type oddStampDetector struct{}

func (oddStampDetector) Detect(f vision.Frame) vision.Detection {
	if f.Stamp.UnixNano()%2 == 1 {
		return targetAt(float64(f.Width)/2, float64(f.Height)/2)
	}
	return vision.Detection{}
}

func TestLastFrame_PairsFrameWithItsDetection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rt, err := NewRuntime(Options{
		Config:     h.rt.cfg,
		Clock:      h.clock,
		Detector:   oddStampDetector{},
		Controller: h.rt.controller,
		Machine:    h.rt.machine,
		Envelope:   h.rt.envelope,
		Sink:       h.sink,
	})
	require.NoError(t, err)

	_, _, ok := rt.LastFrame()
	assert.False(t, ok)

	base := h.frame.Stamp
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			f := h.frame
			f.Stamp = base.Add(time.Duration(i))
			rt.HandleFrame(f)
		}
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		f, det, ok := rt.LastFrame()
		if !ok {
			continue
		}
		require.Equal(t, f.Stamp.UnixNano()%2 == 1, det.Found, "frame %v", f.Stamp)
	}

	f, det, ok := rt.LastFrame()
	require.True(t, ok)
	assert.Equal(t, base.Add(499), f.Stamp)
	assert.True(t, det.Found)
}

func TestAbortWinsOverConcurrentTracking(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.observe(1, 1, 2)
	h.rt.Machine().Launch()
	h.rt.Machine().Test()
	h.detector.set(targetAt(500, 100))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				h.rt.HandleFrame(h.frame)
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	ack, err := h.rt.Command(flight.TriggerAbort)
	require.NoError(t, err)
	assert.True(t, ack.Success)

	for i := 0; i < 50; i++ {
		sp := h.rt.PublishSetpoint()
		assert.Equal(t, 0.0, sp.Position().Z)
	}
	close(stop)
	<-done

	assert.Equal(t, flight.Abort, h.rt.Machine().Phase())
	assert.Equal(t, 0.0, h.rt.PublishSetpoint().Position().Z)
}

func TestCommand_PublishesImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ack, err := h.rt.Command(flight.TriggerLaunch)

	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.Equal(t, 1, h.sink.setpointCount())
	assert.Equal(t, r3.Vec{X: 2.0, Y: 1.8, Z: 2.3}, h.sink.lastSetpoint(t).Position())
}

func TestCommand_UnknownTrigger(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ack, err := h.rt.Command("hover")

	assert.ErrorIs(t, err, flight.ErrUnknownTrigger)
	assert.False(t, ack.Success)
	assert.Equal(t, flight.Idle, h.rt.Machine().Phase())
	assert.Zero(t, h.sink.setpointCount())
	assert.Equal(t, uint64(1), h.rt.Stats().Rejections)
}

func TestCommand_DetectionPolicy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) {
		c.RequireDetectionForTest = true
		c.DetectionFreshWithin = time.Second
	})
	h.rt.Machine().Launch()

	_, err := h.rt.Command(flight.TriggerTest)
	assert.ErrorIs(t, err, ErrNoFreshDetection)
	assert.Equal(t, flight.Launch, h.rt.Machine().Phase())

	h.detector.set(targetAt(320, 240))
	h.rt.HandleFrame(h.frame)
	h.clock.Advance(500 * time.Millisecond)
	_, err = h.rt.Command(flight.TriggerTest)
	require.NoError(t, err)
	assert.Equal(t, flight.Test, h.rt.Machine().Phase())

	h.rt.Machine().Launch()
	h.clock.Advance(2 * time.Second)
	_, err = h.rt.Command(flight.TriggerTest)
	assert.ErrorIs(t, err, ErrNoFreshDetection)

	// Other triggers are unaffected.
	_, err = h.rt.Command(flight.TriggerAbort)
	assert.NoError(t, err)
}

func TestCommand_TestWithoutPolicyNeedsNoDetection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.rt.Command(flight.TriggerTest)
	require.NoError(t, err)
	assert.Equal(t, flight.Test, h.rt.Machine().Phase())
}

func TestSinkErrorsAreCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.sink.err = errors.New("link down")

	h.observe(0, 0, 0)
	h.rt.PublishSetpoint()

	assert.Equal(t, uint64(2), h.rt.Stats().SinkErrors)
}

func TestReport(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rep := h.rt.Report()
	assert.Nil(t, rep.Observed)
	assert.Nil(t, rep.Setpoint)
	assert.Nil(t, rep.Detection)
	assert.False(t, rep.PoseFresh)

	h.observe(1, 1, 1)
	h.rt.PublishSetpoint()
	h.rt.HandleFrame(h.frame)

	rep = h.rt.Report()
	require.NotNil(t, rep.Observed)
	require.NotNil(t, rep.Setpoint)
	require.NotNil(t, rep.Detection)
	assert.True(t, rep.PoseFresh)
	assert.Equal(t, flight.Idle, rep.Phase)
	assert.Equal(t, uint64(1), rep.Stats.Frames)
}

type chanFrames chan vision.Frame

func (c chanFrames) Frames(ctx context.Context) (<-chan vision.Frame, error) {
	out := make(chan vision.Frame)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-c:
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type failingPoses struct{}

func (failingPoses) Poses(context.Context) (<-chan pose.Pose, error) {
	return nil, errors.New("no link")
}

func TestRun_StreamsSetpointsAndFrames(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	frames := make(chanFrames)
	h.rt.frames = frames

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.rt.Run(ctx) }()

	require.Eventually(t, func() bool { return h.clock.Tickers() == 1 }, time.Second, time.Millisecond)
	h.clock.Advance(50 * time.Millisecond)
	require.Eventually(t, func() bool { return h.sink.setpointCount() >= 1 }, time.Second, time.Millisecond)

	frames <- h.frame
	require.Eventually(t, func() bool { return h.rt.Stats().Frames == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_SourceError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.rt.poses = failingPoses{}

	err := h.rt.Run(context.Background())
	assert.ErrorContains(t, err, "pose source")
}

func TestMultiSink(t *testing.T) {
	t.Parallel()

	a := &recordingSink{}
	b := &recordingSink{err: errors.New("b down")}
	c := &recordingSink{}
	m := MultiSink{a, b, c}

	env, err := safety.NewEnvelope(safety.DefaultBounds)
	require.NoError(t, err)

	err = m.SendSetpoint(env.Setpoint(pose.Pose{Orientation: pose.Identity()}))
	assert.ErrorContains(t, err, "b down")
	assert.Len(t, a.setpoints, 1)
	assert.Len(t, c.setpoints, 1)

	assert.Error(t, m.SendVisionPose(pose.Pose{}))
	assert.Len(t, c.poses, 1)

	assert.NoError(t, MultiSink{a, DiscardSink{}}.SendVisionPose(pose.Pose{}))
}
