package pipeline

import (
	"context"
	"errors"

	"github.com/banshee-data/parsight/internal/pose"
	"github.com/banshee-data/parsight/internal/safety"
	"github.com/banshee-data/parsight/internal/vision"
)

// Sink delivers the loop's two outbound streams to the flight controller.
// Setpoints can only be built by a safety.Envelope, so every implementation
// only ever sees clamped positions.
type Sink interface {
	SendVisionPose(p pose.Pose) error
	SendSetpoint(sp safety.Setpoint) error
}

// FrameSource yields camera frames until ctx is cancelled, then closes the
// channel.
type FrameSource interface {
	Frames(ctx context.Context) (<-chan vision.Frame, error)
}

// PoseSource yields external pose estimates until ctx is cancelled.
type PoseSource interface {
	Poses(ctx context.Context) (<-chan pose.Pose, error)
}

// CommandSource yields operator trigger names until ctx is cancelled.
type CommandSource interface {
	Commands(ctx context.Context) (<-chan string, error)
}

// MultiSink fans every message out to all of its sinks. A failing sink does
// not prevent delivery to the rest; the errors are joined.
type MultiSink []Sink

// SendVisionPose implements Sink.
func (m MultiSink) SendVisionPose(p pose.Pose) error {
	var errs []error
	for _, s := range m {
		if err := s.SendVisionPose(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendSetpoint implements Sink.
func (m MultiSink) SendSetpoint(sp safety.Setpoint) error {
	var errs []error
	for _, s := range m {
		if err := s.SendSetpoint(sp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DiscardSink drops everything. It backs dry runs without a flight
// controller.
type DiscardSink struct{}

func (DiscardSink) SendVisionPose(pose.Pose) error     { return nil }
func (DiscardSink) SendSetpoint(safety.Setpoint) error { return nil }
