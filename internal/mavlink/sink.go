// Package mavlink forwards the loop's vision pose and setpoint streams to the
// flight controller over MAVLink.
//
// Poses inside the loop use the ENU map frame with a FLU body. MAVLink local
// frames are NED with an FRD body, so every message is converted on the way
// out.
package mavlink

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/parsight/internal/monitoring"
	"github.com/banshee-data/parsight/internal/pose"
	"github.com/banshee-data/parsight/internal/safety"
	"github.com/banshee-data/parsight/internal/timeutil"
)

// positionOnly ignores everything in SET_POSITION_TARGET_LOCAL_NED except
// position and yaw.
const positionOnly = common.POSITION_TARGET_TYPEMASK_VX_IGNORE |
	common.POSITION_TARGET_TYPEMASK_VY_IGNORE |
	common.POSITION_TARGET_TYPEMASK_VZ_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AX_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AY_IGNORE |
	common.POSITION_TARGET_TYPEMASK_AZ_IGNORE |
	common.POSITION_TARGET_TYPEMASK_YAW_RATE_IGNORE

var (
	// enuToNED rotates ENU world axes onto NED.
	enuToNED = quat.Number{Imag: math.Sqrt2 / 2, Jmag: math.Sqrt2 / 2}
	// fluToFRD rotates a FLU body onto FRD.
	fluToFRD = quat.Number{Imag: 1}
)

// Config selects the MAVLink endpoint and identities.
type Config struct {
	// Endpoint is one of "udps:host:port" (listen), "udpc:host:port",
	// "tcpc:host:port" or "serial:/dev/tty...:baud".
	Endpoint        string
	SystemID        uint8
	TargetSystem    uint8
	TargetComponent uint8
}

// Heartbeat supervision after the first heartbeat.
const (
	HeartbeatTimeout       = 3 * time.Second
	HeartbeatCheckInterval = 500 * time.Millisecond
)

// DefaultConfig listens for the autopilot on the usual GCS port.
var DefaultConfig = Config{
	Endpoint:        "udps:0.0.0.0:14550",
	SystemID:        10,
	TargetSystem:    1,
	TargetComponent: 1,
}

// ParseEndpoint converts an endpoint string into a gomavlib endpoint.
func ParseEndpoint(s string) (gomavlib.EndpointConf, error) {
	kind, addr, ok := strings.Cut(s, ":")
	if !ok || addr == "" {
		return nil, fmt.Errorf("invalid mavlink endpoint %q", s)
	}
	switch kind {
	case "udps":
		return gomavlib.EndpointUDPServer{Address: addr}, nil
	case "udpc":
		return gomavlib.EndpointUDPClient{Address: addr}, nil
	case "tcpc":
		return gomavlib.EndpointTCPClient{Address: addr}, nil
	case "serial":
		i := strings.LastIndex(addr, ":")
		if i <= 0 {
			return nil, fmt.Errorf("serial endpoint %q needs device:baud", s)
		}
		baud, err := strconv.Atoi(addr[i+1:])
		if err != nil || baud <= 0 {
			return nil, fmt.Errorf("invalid baud in %q", s)
		}
		return gomavlib.EndpointSerial{Device: addr[:i], Baud: baud}, nil
	default:
		return nil, fmt.Errorf("unknown mavlink endpoint kind %q", kind)
	}
}

// Sink implements the loop's command sink on a gomavlib node.
type Sink struct {
	node  *gomavlib.Node
	write func(message.Message) error
	clock timeutil.Clock
	boot  time.Time

	mu              sync.Mutex
	targetSystem    uint8
	targetComponent uint8
	lastBeat        time.Time
	lost            bool
	watching        bool

	closing   chan struct{}
	closeOnce sync.Once
}

// Dial opens the endpoint in cfg.
func Dial(cfg Config, clock timeutil.Clock) (*Sink, error) {
	ep, err := ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:   []gomavlib.EndpointConf{ep},
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: cfg.SystemID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mavlink endpoint %s: %w", cfg.Endpoint, err)
	}
	s := newSink(cfg, clock, node.WriteMessageAll)
	s.node = node
	return s, nil
}

func newSink(cfg Config, clock timeutil.Clock, write func(message.Message) error) *Sink {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sink{
		write:           write,
		clock:           clock,
		boot:            clock.Now(),
		targetSystem:    cfg.TargetSystem,
		targetComponent: cfg.TargetComponent,
		closing:         make(chan struct{}),
	}
}

// WaitHeartbeat blocks until the autopilot's first heartbeat and addresses
// setpoints to the sender. It then keeps draining the node's events in the
// background and logs when the autopilot's heartbeat is lost or restored.
func (s *Sink) WaitHeartbeat(ctx context.Context) error {
	if s.node == nil {
		return fmt.Errorf("mavlink sink has no node")
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no heartbeat from autopilot: %w", ctx.Err())
		case evt, ok := <-s.node.Events():
			if !ok {
				return fmt.Errorf("mavlink node closed before heartbeat")
			}
			frm, ok := evt.(*gomavlib.EventFrame)
			if !ok {
				continue
			}
			hb, ok := frm.Message().(*common.MessageHeartbeat)
			if !ok || hb.Type == common.MAV_TYPE_GCS {
				continue
			}
			s.mu.Lock()
			s.targetSystem = frm.SystemID()
			s.targetComponent = frm.ComponentID()
			s.lastBeat = s.clock.Now()
			start := !s.watching
			s.watching = true
			s.mu.Unlock()
			monitoring.Logf("mavlink: heartbeat from system %d component %d", frm.SystemID(), frm.ComponentID())
			if start {
				go s.watch(s.node.Events())
			}
			return nil
		}
	}
}

// watch consumes node events until the sink closes or events ends, tracking
// the target system's heartbeat.
func (s *Sink) watch(events <-chan gomavlib.Event) {
	ticker := s.clock.NewTicker(HeartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(evt)
		case <-ticker.C():
			s.checkHeartbeat()
		}
	}
}

func (s *Sink) handleEvent(evt gomavlib.Event) {
	switch e := evt.(type) {
	case *gomavlib.EventFrame:
		hb, ok := e.Message().(*common.MessageHeartbeat)
		if !ok || hb.Type == common.MAV_TYPE_GCS {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if e.SystemID() != s.targetSystem {
			return
		}
		s.lastBeat = s.clock.Now()
		if s.lost {
			s.lost = false
			monitoring.Logf("mavlink: autopilot heartbeat restored")
		}
	case *gomavlib.EventChannelClose:
		monitoring.Logf("mavlink: channel %s closed", e.Channel)
	case *gomavlib.EventParseError:
		monitoring.Debugf("mavlink: parse error: %v", e.Error)
	}
}

func (s *Sink) checkHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost || s.lastBeat.IsZero() {
		return
	}
	if age := s.clock.Since(s.lastBeat); age > HeartbeatTimeout {
		s.lost = true
		monitoring.Logf("mavlink: autopilot heartbeat lost, last seen %s ago", age.Round(time.Millisecond))
	}
}

// Connected reports whether the autopilot has sent a heartbeat recently.
func (s *Sink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastBeat.IsZero() && !s.lost
}

// Close stops heartbeat supervision and shuts the node down.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	if s.node != nil {
		s.node.Close()
	}
}

// SendVisionPose sends p as ATT_POS_MOCAP.
func (s *Sink) SendVisionPose(p pose.Pose) error {
	if err := s.write(VisionPoseMessage(p)); err != nil {
		return fmt.Errorf("failed to send vision pose: %w", err)
	}
	return nil
}

// SendSetpoint sends sp as a position-only SET_POSITION_TARGET_LOCAL_NED.
func (s *Sink) SendSetpoint(sp safety.Setpoint) error {
	if !sp.Valid() {
		return fmt.Errorf("refusing to send an unclamped setpoint")
	}
	s.mu.Lock()
	sys, comp := s.targetSystem, s.targetComponent
	s.mu.Unlock()
	bootMs := uint32(s.clock.Since(s.boot).Milliseconds())
	if err := s.write(SetpointMessage(sp, bootMs, sys, comp)); err != nil {
		return fmt.Errorf("failed to send setpoint: %w", err)
	}
	return nil
}

// PositionToNED maps an ENU position onto NED axes.
func PositionToNED(v r3.Vec) r3.Vec {
	return r3.Vec{X: v.Y, Y: v.X, Z: -v.Z}
}

// OrientationToNED maps an ENU/FLU orientation onto NED/FRD.
func OrientationToNED(q quat.Number) quat.Number {
	return quat.Mul(quat.Mul(enuToNED, q), fluToFRD)
}

// YawToNED maps an ENU heading (counterclockwise from east) onto a NED
// heading (clockwise from north), wrapped to (-pi, pi].
func YawToNED(yaw float64) float64 {
	y := math.Pi/2 - yaw
	for y > math.Pi {
		y -= 2 * math.Pi
	}
	for y <= -math.Pi {
		y += 2 * math.Pi
	}
	return y
}

// VisionPoseMessage builds the external vision message for p.
func VisionPoseMessage(p pose.Pose) *common.MessageAttPosMocap {
	ned := PositionToNED(p.Position)
	q := OrientationToNED(p.Orientation)
	var usec uint64
	if !p.Stamp.IsZero() {
		usec = uint64(p.Stamp.UnixMicro())
	}
	return &common.MessageAttPosMocap{
		TimeUsec: usec,
		Q:        [4]float32{float32(q.Real), float32(q.Imag), float32(q.Jmag), float32(q.Kmag)},
		X:        float32(ned.X),
		Y:        float32(ned.Y),
		Z:        float32(ned.Z),
	}
}

// SetpointMessage builds the local position target for sp.
func SetpointMessage(sp safety.Setpoint, bootMs uint32, targetSystem, targetComponent uint8) *common.MessageSetPositionTargetLocalNed {
	ned := PositionToNED(sp.Position())
	return &common.MessageSetPositionTargetLocalNed{
		TimeBootMs:      bootMs,
		TargetSystem:    targetSystem,
		TargetComponent: targetComponent,
		CoordinateFrame: common.MAV_FRAME_LOCAL_NED,
		TypeMask:        positionOnly,
		X:               float32(ned.X),
		Y:               float32(ned.Y),
		Z:               float32(ned.Z),
		Yaw:             float32(YawToNED(pose.Yaw(sp.Orientation()))),
	}
}
