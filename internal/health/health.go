// Package health publishes servo-loop liveness over the standard gRPC health
// checking protocol, so ground tooling can probe the companion computer with
// grpc_health_probe or any health client.
package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/parsight/internal/monitoring"
	"github.com/banshee-data/parsight/internal/timeutil"
	"github.com/banshee-data/parsight/internal/vision"
)

// Service names reported besides the overall ("") status.
const (
	ServicePose   = "parsight.pose"
	ServiceCamera = "parsight.camera"
)

// DefaultInterval is how often Run re-evaluates liveness.
const DefaultInterval = 250 * time.Millisecond

// Liveness is the part of the runtime the checker reads.
type Liveness interface {
	PoseFresh() bool
	LastFrame() (vision.Frame, vision.Detection, bool)
}

// Checker maps runtime liveness onto health statuses.
type Checker struct {
	srv   *health.Server
	rt    Liveness
	clock timeutil.Clock

	// FrameStaleAfter marks the camera NOT_SERVING when the newest frame is
	// older than this.
	FrameStaleAfter time.Duration
}

// NewChecker creates a checker. Every service starts NOT_SERVING until the
// first Update.
func NewChecker(rt Liveness, clock timeutil.Clock) *Checker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	srv := health.NewServer()
	for _, svc := range []string{"", ServicePose, ServiceCamera} {
		srv.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return &Checker{srv: srv, rt: rt, clock: clock, FrameStaleAfter: time.Second}
}

// Server exposes the underlying health server.
func (c *Checker) Server() healthpb.HealthServer { return c.srv }

func status(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Update re-evaluates every service. The overall status is SERVING while
// both the pose feed and the camera are live.
func (c *Checker) Update() {
	poseOK := c.rt.PoseFresh()
	cameraOK := false
	if f, _, ok := c.rt.LastFrame(); ok {
		cameraOK = c.clock.Since(f.Stamp) <= c.FrameStaleAfter
	}
	c.srv.SetServingStatus(ServicePose, status(poseOK))
	c.srv.SetServingStatus(ServiceCamera, status(cameraOK))
	c.srv.SetServingStatus("", status(poseOK && cameraOK))
}

// Run updates the statuses every interval until ctx is done, then marks
// everything NOT_SERVING for good.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	c.Update()
	for {
		select {
		case <-ctx.Done():
			c.srv.Shutdown()
			return
		case <-ticker.C():
			c.Update()
		}
	}
}

// Register adds the health service to g.
func (c *Checker) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, c.srv)
}

// Serve listens on addr and serves the health service until ctx is done.
func Serve(ctx context.Context, addr string, c *Checker) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return ServeListener(ctx, lis, c)
}

// ServeListener serves the health service on lis until ctx is done.
func ServeListener(ctx context.Context, lis net.Listener, c *Checker) error {
	g := grpc.NewServer()
	c.Register(g)

	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("[health] gRPC health listening on %s", lis.Addr())
		errc <- g.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		g.GracefulStop()
		<-errc
		monitoring.Logf("[health] gRPC health stopped")
		return nil
	case err := <-errc:
		return err
	}
}
