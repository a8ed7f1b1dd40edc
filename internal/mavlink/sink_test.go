package mavlink

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/frame"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/parsight/internal/pose"
	"github.com/banshee-data/parsight/internal/safety"
	"github.com/banshee-data/parsight/internal/timeutil"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want gomavlib.EndpointConf
	}{
		{"udps:0.0.0.0:14550", gomavlib.EndpointUDPServer{Address: "0.0.0.0:14550"}},
		{"udpc:192.168.1.5:14555", gomavlib.EndpointUDPClient{Address: "192.168.1.5:14555"}},
		{"tcpc:127.0.0.1:5760", gomavlib.EndpointTCPClient{Address: "127.0.0.1:5760"}},
		{"serial:/dev/ttyACM0:921600", gomavlib.EndpointSerial{Device: "/dev/ttyACM0", Baud: 921600}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEndpoint(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEndpoint_Invalid(t *testing.T) {
	for _, in := range []string{"", "udps", "udps:", "pigeon:1.2.3.4:1", "serial:/dev/tty", "serial:/dev/tty:fast"} {
		_, err := ParseEndpoint(in)
		assert.Error(t, err, in)
	}
}

func TestDial_InvalidEndpoint(t *testing.T) {
	_, err := Dial(Config{Endpoint: "nowhere"}, nil)
	assert.Error(t, err)
}

func TestPositionToNED(t *testing.T) {
	assert.Equal(t, r3.Vec{X: 2, Y: 1, Z: -3}, PositionToNED(r3.Vec{X: 1, Y: 2, Z: 3}))
}

func TestOrientationToNED_Heading(t *testing.T) {
	// Facing east in ENU is a heading of +90 degrees in NED.
	q := OrientationToNED(pose.Identity())
	assert.InDelta(t, math.Pi/2, pose.Yaw(q), 1e-12)

	// The loop's level-facing setpoint orientation is the same rotation.
	q = OrientationToNED(pose.LevelFacing())
	assert.InDelta(t, math.Pi/2, pose.Yaw(q), 1e-12)
}

func TestYawToNED(t *testing.T) {
	assert.InDelta(t, math.Pi/2, YawToNED(0), 1e-12)
	assert.InDelta(t, 0, YawToNED(math.Pi/2), 1e-12)
	assert.InDelta(t, math.Pi, YawToNED(-math.Pi/2), 1e-12)
	assert.InDelta(t, -math.Pi/2, YawToNED(math.Pi), 1e-12)
}

type recorder struct {
	msgs []message.Message
}

func (r *recorder) write(m message.Message) error {
	r.msgs = append(r.msgs, m)
	return nil
}

func TestSink_SendVisionPose(t *testing.T) {
	rec := &recorder{}
	s := newSink(DefaultConfig, timeutil.NewMockClock(time.Unix(0, 0)), rec.write)

	stamp := time.Unix(100, 250_000_000)
	err := s.SendVisionPose(pose.Pose{
		Position:    r3.Vec{X: 1, Y: 2, Z: 0.5},
		Orientation: pose.Identity(),
		Stamp:       stamp,
	})
	require.NoError(t, err)
	require.Len(t, rec.msgs, 1)

	msg, ok := rec.msgs[0].(*common.MessageAttPosMocap)
	require.True(t, ok)
	assert.Equal(t, uint64(100_250_000), msg.TimeUsec)
	assert.Equal(t, float32(2), msg.X)
	assert.Equal(t, float32(1), msg.Y)
	assert.Equal(t, float32(-0.5), msg.Z)
}

func TestSink_SendSetpoint(t *testing.T) {
	rec := &recorder{}
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s := newSink(DefaultConfig, clock, rec.write)

	env, err := safety.NewEnvelope(safety.DefaultBounds)
	require.NoError(t, err)
	sp := env.Setpoint(pose.Pose{
		Position:    r3.Vec{X: 2, Y: 1.8, Z: 9},
		Orientation: pose.LevelFacing(),
	})

	clock.Advance(1500 * time.Millisecond)
	require.NoError(t, s.SendSetpoint(sp))
	require.Len(t, rec.msgs, 1)

	msg, ok := rec.msgs[0].(*common.MessageSetPositionTargetLocalNed)
	require.True(t, ok)
	assert.Equal(t, uint32(1500), msg.TimeBootMs)
	assert.Equal(t, uint8(1), msg.TargetSystem)
	assert.Equal(t, uint8(1), msg.TargetComponent)
	assert.Equal(t, common.MAV_FRAME_LOCAL_NED, msg.CoordinateFrame)
	assert.Equal(t, positionOnly, msg.TypeMask)
	assert.Equal(t, float32(1.8), msg.X)
	assert.Equal(t, float32(2), msg.Y)
	assert.Equal(t, float32(-2.5), msg.Z) // clamped to the ceiling
	assert.InDelta(t, math.Pi/2, float64(msg.Yaw), 1e-6)
}

func TestSink_RejectsZeroSetpoint(t *testing.T) {
	rec := &recorder{}
	s := newSink(DefaultConfig, nil, rec.write)

	assert.Error(t, s.SendSetpoint(safety.Setpoint{}))
	assert.Empty(t, rec.msgs)
}

func TestSink_WaitHeartbeatWithoutNode(t *testing.T) {
	s := newSink(DefaultConfig, nil, func(message.Message) error { return nil })
	assert.Error(t, s.WaitHeartbeat(context.Background()))
	assert.False(t, s.Connected())
}

func TestSink_WriteErrorsPropagate(t *testing.T) {
	boom := errors.New("node terminated")
	s := newSink(DefaultConfig, nil, func(message.Message) error { return boom })

	assert.ErrorIs(t, s.SendVisionPose(pose.Pose{Orientation: pose.Identity()}), boom)

	env, err := safety.NewEnvelope(safety.DefaultBounds)
	require.NoError(t, err)
	sp := env.Setpoint(pose.Pose{Orientation: pose.LevelFacing()})
	assert.ErrorIs(t, s.SendSetpoint(sp), boom)
}

func heartbeat(sys byte, typ common.MAV_TYPE) gomavlib.Event {
	return &gomavlib.EventFrame{Frame: &frame.V2Frame{
		SystemID:    sys,
		ComponentID: 1,
		Message:     &common.MessageHeartbeat{Type: typ},
	}}
}

func TestSink_WatchHeartbeat(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s := newSink(DefaultConfig, clock, (&recorder{}).write)
	events := make(chan gomavlib.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.watch(events)
	}()
	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)
	assert.False(t, s.Connected())

	events <- heartbeat(1, common.MAV_TYPE_QUADROTOR)
	events <- &gomavlib.EventParseError{Error: errors.New("bad crc")}
	assert.True(t, s.Connected())

	clock.Advance(HeartbeatTimeout / 2)
	events <- heartbeat(1, common.MAV_TYPE_QUADROTOR)
	assert.True(t, s.Connected())

	// A ground station and another vehicle do not count.
	events <- heartbeat(1, common.MAV_TYPE_GCS)
	events <- heartbeat(7, common.MAV_TYPE_QUADROTOR)
	clock.Advance(HeartbeatTimeout + HeartbeatCheckInterval)
	require.Eventually(t, func() bool { return !s.Connected() }, time.Second, time.Millisecond)

	events <- heartbeat(1, common.MAV_TYPE_QUADROTOR)
	events <- &gomavlib.EventParseError{Error: errors.New("bad crc")}
	assert.True(t, s.Connected())

	s.Close()
	<-done
}

func TestSink_WatchStopsWhenEventsClose(t *testing.T) {
	s := newSink(DefaultConfig, timeutil.NewMockClock(time.Unix(0, 0)), (&recorder{}).write)
	events := make(chan gomavlib.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.watch(events)
	}()
	close(events)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not return after the event channel closed")
	}
}
