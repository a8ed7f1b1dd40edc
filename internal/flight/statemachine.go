// Package flight implements the flight-phase state machine that gates when
// vision tracking may move the vehicle, and owns the desired pose.
package flight

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/parsight/internal/config"
	"github.com/banshee-data/parsight/internal/pose"
	"github.com/banshee-data/parsight/internal/timeutil"
)

// ErrUnknownTrigger is returned by Request for names other than the four
// operator triggers.
var ErrUnknownTrigger = errors.New("unknown trigger")

// Phase is the operator-commanded flight phase.
type Phase int

const (
	Idle Phase = iota
	Launch
	Test
	Land
	Abort
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Launch:
		return "launch"
	case Test:
		return "test"
	case Land:
		return "land"
	case Abort:
		return "abort"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText renders the phase name in JSON payloads.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Trigger names accepted by Request.
const (
	TriggerLaunch = "launch"
	TriggerTest   = "test"
	TriggerLand   = "land"
	TriggerAbort  = "abort"
)

// Triggers lists the operator triggers in the order they are normally issued.
var Triggers = []string{TriggerLaunch, TriggerTest, TriggerLand, TriggerAbort}

// Params are the fixed set points used by the phase transitions.
type Params struct {
	InitX, InitY float64
	CruiseHeight float64
	LandHeight   float64
	FrameID      string
}

// ParamsFromConfig reads the phase set points from tuning configuration.
func ParamsFromConfig(cfg *config.TuningConfig) Params {
	return Params{
		InitX:        cfg.GetInitX(),
		InitY:        cfg.GetInitY(),
		CruiseHeight: cfg.GetCruiseHeight(),
		LandHeight:   cfg.GetLandHeight(),
		FrameID:      cfg.GetFrameID(),
	}
}

// Snapshot is a consistent copy of the phase and desired pose.
type Snapshot struct {
	Phase   Phase
	Desired pose.Pose
}

// Transition records one operator trigger.
type Transition struct {
	Trigger string
	From    Phase
	To      Phase
	Desired pose.Pose
	At      time.Time
}

// Observer is notified after every transition, outside the state lock and in
// the order the transitions happened. Observers must not trigger
// transitions themselves.
type Observer func(Transition)

// StateMachine owns the flight phase and the desired pose. All methods are
// safe for concurrent use; phase and desired pose always change together.
type StateMachine struct {
	params Params
	clock  timeutil.Clock

	mu      sync.Mutex
	phase   Phase
	desired pose.Pose
	pending []Transition // guarded by mu, delivered under notifyMu

	obsMu     sync.RWMutex
	observers []Observer
	notifyMu  sync.Mutex
}

// NewStateMachine creates a machine in Idle with the desired pose resting on
// the ground at the launch point.
func NewStateMachine(p Params, clock timeutil.Clock) *StateMachine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if p.FrameID == "" {
		p.FrameID = pose.DefaultFrameID
	}
	return &StateMachine{
		params: p,
		clock:  clock,
		phase:  Idle,
		desired: pose.Pose{
			Position:    r3.Vec{X: p.InitX, Y: p.InitY, Z: 0},
			Orientation: pose.LevelFacing(),
			Stamp:       clock.Now(),
			FrameID:     p.FrameID,
		},
	}
}

// Observe registers fn for every subsequent transition.
func (m *StateMachine) Observe(fn Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

// Snapshot returns the current phase and desired pose.
func (m *StateMachine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Phase: m.phase, Desired: m.desired}
}

// Phase returns the current phase.
func (m *StateMachine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Launch sends the vehicle to the launch point at cruise height, level and
// facing zero yaw.
func (m *StateMachine) Launch() Transition {
	return m.transition(TriggerLaunch, Launch, func(d *pose.Pose) {
		d.Position = r3.Vec{X: m.params.InitX, Y: m.params.InitY, Z: m.params.CruiseHeight}
		d.Orientation = pose.LevelFacing()
	})
}

// Test enables tracking. It does not check for a detection.
func (m *StateMachine) Test() Transition {
	return m.transition(TriggerTest, Test, nil)
}

// Land disables tracking and descends to the landing height in place.
func (m *StateMachine) Land() Transition {
	return m.transition(TriggerLand, Land, func(d *pose.Pose) {
		d.Position.Z = m.params.LandHeight
	})
}

// Abort disables tracking and commands the ground in place. It is accepted
// from every phase.
func (m *StateMachine) Abort() Transition {
	return m.transition(TriggerAbort, Abort, func(d *pose.Pose) {
		d.Position.Z = 0
	})
}

// Request dispatches a trigger by name.
func (m *StateMachine) Request(name string) (Transition, error) {
	switch name {
	case TriggerLaunch:
		return m.Launch(), nil
	case TriggerTest:
		return m.Test(), nil
	case TriggerLand:
		return m.Land(), nil
	case TriggerAbort:
		return m.Abort(), nil
	default:
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownTrigger, name)
	}
}

// ApplyTracking writes pos as the desired position if and only if the phase
// is Test at the moment of the write. It reports whether the write happened.
func (m *StateMachine) ApplyTracking(pos r3.Vec) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Test {
		return false
	}
	m.desired.Position = pos
	m.desired.Stamp = m.clock.Now()
	return true
}

func (m *StateMachine) transition(trigger string, to Phase, mutate func(*pose.Pose)) Transition {
	m.mu.Lock()
	from := m.phase
	if mutate != nil {
		mutate(&m.desired)
	}
	m.phase = to
	now := m.clock.Now()
	m.desired.Stamp = now
	tr := Transition{Trigger: trigger, From: from, To: to, Desired: m.desired, At: now}
	m.pending = append(m.pending, tr)
	m.mu.Unlock()

	m.notify()
	return tr
}

// notify delivers every pending transition. Whichever caller holds notifyMu
// delivers the whole backlog, so observers see transitions in state order
// and a transition has been delivered by the time its trigger returns.
func (m *StateMachine) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	m.obsMu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.obsMu.RUnlock()
	for _, tr := range batch {
		for _, fn := range observers {
			fn(tr)
		}
	}
}
