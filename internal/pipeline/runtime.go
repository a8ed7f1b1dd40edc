// Package pipeline wires the vision, control, safety and flight packages into
// the running servo loop.
//
// Three streams run concurrently: camera frames, external poses and a fixed
// rate setpoint stream. Every handled frame publishes a setpoint; the fixed
// rate stream keeps the flight controller fed when frames stall. Each stream
// handles one item to completion before taking the next. They share two pieces of state: the latest observed pose
// (swapped atomically as a whole) and the flight state machine (phase and
// desired pose behind one lock). The controller's error memory belongs to the
// frame stream alone.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/parsight/internal/config"
	"github.com/banshee-data/parsight/internal/control"
	"github.com/banshee-data/parsight/internal/flight"
	"github.com/banshee-data/parsight/internal/monitoring"
	"github.com/banshee-data/parsight/internal/pose"
	"github.com/banshee-data/parsight/internal/safety"
	"github.com/banshee-data/parsight/internal/timeutil"
	"github.com/banshee-data/parsight/internal/vision"
)

// ErrNoFreshDetection rejects a test trigger when the detection policy is on
// and no recent detection exists.
var ErrNoFreshDetection = errors.New("no recent target detection")

// Config holds the orchestration settings.
type Config struct {
	FrameID                 string
	PoseStaleAfter          time.Duration
	SetpointRateHz          float64
	RequireDetectionForTest bool
	DetectionFreshWithin    time.Duration
}

// ConfigFromTuning reads the orchestration settings from configuration.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		FrameID:                 cfg.GetFrameID(),
		PoseStaleAfter:          cfg.GetPoseStaleAfter(),
		SetpointRateHz:          cfg.GetSetpointRateHz(),
		RequireDetectionForTest: cfg.GetRequireDetectionForTest(),
		DetectionFreshWithin:    cfg.GetDetectionFreshWithin(),
	}
}

// Options are the collaborators of a Runtime. Frames, Poses and Commands may
// be nil when Run is not used.
type Options struct {
	Config     Config
	Clock      timeutil.Clock
	Detector   vision.Detector
	Controller *control.Controller
	Machine    *flight.StateMachine
	Envelope   *safety.Envelope
	Sink       Sink

	Frames   FrameSource
	Poses    PoseSource
	Commands CommandSource
}

// FrameResult describes what the frame stream did with one frame.
type FrameResult struct {
	Stamp     time.Time
	Phase     flight.Phase
	Detection vision.Detection
	Offset    control.Offset
	PoseFresh bool
	// Stepped is set when the controller ran (a target was found).
	Stepped bool
	Command control.Command
	// Applied is set when the command was written to the desired pose.
	Applied bool
	// Setpoint is what the frame published.
	Setpoint safety.Setpoint
}

// FrameObserver receives every FrameResult, on the frame goroutine.
type FrameObserver func(FrameResult)

// Ack is the reply to an operator trigger.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Stats are monotonically increasing loop counters.
type Stats struct {
	Frames      uint64 `json:"frames"`
	Detections  uint64 `json:"detections"`
	Applied     uint64 `json:"applied"`
	Poses       uint64 `json:"poses"`
	Setpoints   uint64 `json:"setpoints"`
	SinkErrors  uint64 `json:"sink_errors"`
	StaleFrames uint64 `json:"stale_frames"`
	Rejections  uint64 `json:"rejected_commands"`
}

// frameRecord keeps a frame and its detection together so readers never
// pair a frame with another frame's detection.
type frameRecord struct {
	frame vision.Frame
	det   vision.Detection
	at    time.Time
}

// Runtime is the running servo loop.
type Runtime struct {
	cfg        Config
	clock      timeutil.Clock
	detector   vision.Detector
	controller *control.Controller
	machine    *flight.StateMachine
	envelope   *safety.Envelope
	sink       Sink

	frames   FrameSource
	poses    PoseSource
	commands CommandSource

	observed  atomic.Pointer[pose.Pose]
	last      atomic.Pointer[frameRecord]
	lastSet   atomic.Pointer[safety.Setpoint]
	ctrlState atomic.Pointer[control.State]

	stats struct {
		frames, detections, applied, poses, setpoints, sinkErrors, stale, rejected atomic.Uint64
	}

	obsMu     sync.RWMutex
	observers []FrameObserver
}

// NewRuntime validates opts and builds a Runtime.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Detector == nil || opts.Controller == nil || opts.Machine == nil || opts.Envelope == nil {
		return nil, fmt.Errorf("runtime requires detector, controller, state machine and envelope")
	}
	if opts.Sink == nil {
		opts.Sink = DiscardSink{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Config.FrameID == "" {
		opts.Config.FrameID = pose.DefaultFrameID
	}
	if opts.Config.SetpointRateHz <= 0 {
		return nil, fmt.Errorf("setpoint rate must be positive, got %f", opts.Config.SetpointRateHz)
	}
	r := &Runtime{
		cfg:        opts.Config,
		clock:      opts.Clock,
		detector:   opts.Detector,
		controller: opts.Controller,
		machine:    opts.Machine,
		envelope:   opts.Envelope,
		sink:       opts.Sink,
		frames:     opts.Frames,
		poses:      opts.Poses,
		commands:   opts.Commands,
	}
	st := opts.Controller.State()
	r.ctrlState.Store(&st)
	return r, nil
}

// OnFrame registers fn for every processed frame.
func (r *Runtime) OnFrame(fn FrameObserver) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

// Machine returns the flight state machine.
func (r *Runtime) Machine() *flight.StateMachine { return r.machine }

// Observed returns the latest sign-corrected pose, if any.
func (r *Runtime) Observed() (pose.Pose, bool) {
	p := r.observed.Load()
	if p == nil {
		return pose.Pose{}, false
	}
	return *p, true
}

// PoseFresh reports whether an observed pose exists and is younger than the
// staleness limit.
func (r *Runtime) PoseFresh() bool {
	p := r.observed.Load()
	if p == nil {
		return false
	}
	return r.cfg.PoseStaleAfter <= 0 || r.clock.Since(p.Stamp) <= r.cfg.PoseStaleAfter
}

// LastFrame returns the most recently processed frame and its detection.
func (r *Runtime) LastFrame() (vision.Frame, vision.Detection, bool) {
	rec := r.last.Load()
	if rec == nil {
		return vision.Frame{}, vision.Detection{}, false
	}
	return rec.frame, rec.det, true
}

// HandleFrame runs detection and, when a target is found, the controller on
// f, then publishes the resulting setpoint. Tracking output is applied only
// in the test phase with a fresh pose. Called only from the frame stream.
func (r *Runtime) HandleFrame(f vision.Frame) FrameResult {
	r.stats.frames.Add(1)
	now := r.clock.Now()
	det := r.detector.Detect(f)
	r.last.Store(&frameRecord{frame: f, det: det, at: now})

	res := FrameResult{
		Stamp:     now,
		Phase:     r.machine.Phase(),
		Detection: det,
		PoseFresh: r.PoseFresh(),
	}

	if det.Found {
		r.stats.detections.Add(1)
		dx, dy := det.Offset()
		res.Offset = control.Offset{X: dx, Y: dy}

		var observed pose.Pose
		if p := r.observed.Load(); p != nil {
			observed = *p
		}
		tracking := res.Phase == flight.Test && res.PoseFresh
		if res.Phase == flight.Test && !res.PoseFresh {
			r.stats.stale.Add(1)
		}
		res.Command = r.controller.Step(res.Offset, observed.Position, tracking)
		res.Stepped = true
		st := r.controller.State()
		r.ctrlState.Store(&st)

		if res.Command.Applicable {
			res.Applied = r.machine.ApplyTracking(res.Command.Desired)
			if res.Applied {
				r.stats.applied.Add(1)
			}
		}
		monitoring.Debugf("frame: center=(%.1f,%.1f) src=%s offset=(%.1f,%.1f) hold=%v applied=%v",
			det.Center.X, det.Center.Y, det.Source, dx, dy, res.Command.Hold, res.Applied)
	}
	res.Setpoint = r.PublishSetpoint()

	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(res)
	}
	return res
}

// HandlePose sign-corrects an external pose, records it as the observed pose
// and forwards it to the flight controller. The pose is stamped on arrival.
func (r *Runtime) HandlePose(p pose.Pose) pose.Pose {
	r.stats.poses.Add(1)
	converted := pose.Convert(p)
	converted.Stamp = r.clock.Now()
	if converted.FrameID == "" {
		converted.FrameID = r.cfg.FrameID
	}
	r.observed.Store(&converted)
	if err := r.sink.SendVisionPose(converted); err != nil {
		r.stats.sinkErrors.Add(1)
		monitoring.Logf("pipeline: vision pose send failed: %v", err)
	}
	return converted
}

// PublishSetpoint clamps the current desired pose and sends it.
func (r *Runtime) PublishSetpoint() safety.Setpoint {
	snap := r.machine.Snapshot()
	desired := snap.Desired
	desired.Stamp = r.clock.Now()
	desired.FrameID = r.cfg.FrameID
	sp := r.envelope.Setpoint(desired)
	r.lastSet.Store(&sp)
	r.stats.setpoints.Add(1)
	if err := r.sink.SendSetpoint(sp); err != nil {
		r.stats.sinkErrors.Add(1)
		monitoring.Logf("pipeline: setpoint send failed: %v", err)
	}
	return sp
}

// Command applies an operator trigger and immediately publishes the
// resulting setpoint. Unknown names and policy rejections leave the state
// machine untouched.
func (r *Runtime) Command(name string) (Ack, error) {
	if name == flight.TriggerTest && r.cfg.RequireDetectionForTest && !r.detectionFresh() {
		r.stats.rejected.Add(1)
		return Ack{Success: false, Message: ErrNoFreshDetection.Error()}, ErrNoFreshDetection
	}
	tr, err := r.machine.Request(name)
	if err != nil {
		r.stats.rejected.Add(1)
		return Ack{Success: false, Message: err.Error()}, err
	}
	monitoring.Logf("flight: %s -> %s (%s)", tr.From, tr.To, tr.Trigger)
	r.PublishSetpoint()
	return Ack{Success: true, Message: fmt.Sprintf("%s accepted, phase %s", tr.Trigger, tr.To)}, nil
}

func (r *Runtime) detectionFresh() bool {
	rec := r.last.Load()
	if rec == nil || !rec.det.Found {
		return false
	}
	return r.clock.Since(rec.at) <= r.cfg.DetectionFreshWithin
}

// Report is a point-in-time view of the loop for operators.
type Report struct {
	Phase     flight.Phase
	Desired   pose.Pose
	Observed  *pose.Pose
	PoseFresh bool
	Setpoint  *safety.Setpoint
	Detection *vision.Detection
	// DetectedAt is zero when no frame has been processed.
	DetectedAt time.Time
	Control    control.State
	Stats      Stats
}

// Report collects the current loop state. Individual fields are consistent;
// the report as a whole is not taken under one lock.
func (r *Runtime) Report() Report {
	snap := r.machine.Snapshot()
	rep := Report{
		Phase:     snap.Phase,
		Desired:   snap.Desired,
		PoseFresh: r.PoseFresh(),
		Stats:     r.Stats(),
	}
	if p := r.observed.Load(); p != nil {
		obs := *p
		rep.Observed = &obs
	}
	if sp := r.lastSet.Load(); sp != nil {
		set := *sp
		rep.Setpoint = &set
	}
	if rec := r.last.Load(); rec != nil {
		det := rec.det
		rep.Detection = &det
		rep.DetectedAt = rec.at
	}
	if st := r.ctrlState.Load(); st != nil {
		rep.Control = *st
	}
	return rep
}

// Stats returns a snapshot of the loop counters.
func (r *Runtime) Stats() Stats {
	return Stats{
		Frames:      r.stats.frames.Load(),
		Detections:  r.stats.detections.Load(),
		Applied:     r.stats.applied.Load(),
		Poses:       r.stats.poses.Load(),
		Setpoints:   r.stats.setpoints.Load(),
		SinkErrors:  r.stats.sinkErrors.Load(),
		StaleFrames: r.stats.stale.Load(),
		Rejections:  r.stats.rejected.Load(),
	}
}

// Run starts the frame, pose, command and setpoint streams and blocks until
// ctx is cancelled and every stream has stopped.
func (r *Runtime) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if r.frames != nil {
		frames, err := r.frames.Frames(ctx)
		if err != nil {
			return fmt.Errorf("failed to open frame source: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range frames {
				r.HandleFrame(f)
			}
		}()
	}

	if r.poses != nil {
		poses, err := r.poses.Poses(ctx)
		if err != nil {
			return fmt.Errorf("failed to open pose source: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range poses {
				r.HandlePose(p)
			}
		}()
	}

	if r.commands != nil {
		cmds, err := r.commands.Commands(ctx)
		if err != nil {
			return fmt.Errorf("failed to open command source: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range cmds {
				if ack, err := r.Command(name); err != nil {
					monitoring.Logf("pipeline: link command %q rejected: %s", name, ack.Message)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.streamSetpoints(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (r *Runtime) streamSetpoints(ctx context.Context) {
	period := time.Duration(float64(time.Second) / r.cfg.SetpointRateHz)
	ticker := r.clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.PublishSetpoint()
		}
	}
}
