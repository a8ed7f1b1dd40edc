package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/parsight/internal/api"
	"github.com/banshee-data/parsight/internal/camera"
	"github.com/banshee-data/parsight/internal/config"
	"github.com/banshee-data/parsight/internal/control"
	"github.com/banshee-data/parsight/internal/flight"
	"github.com/banshee-data/parsight/internal/fsutil"
	"github.com/banshee-data/parsight/internal/health"
	"github.com/banshee-data/parsight/internal/mavlink"
	"github.com/banshee-data/parsight/internal/monitor"
	"github.com/banshee-data/parsight/internal/monitoring"
	"github.com/banshee-data/parsight/internal/pipeline"
	"github.com/banshee-data/parsight/internal/recorder"
	"github.com/banshee-data/parsight/internal/safety"
	"github.com/banshee-data/parsight/internal/serialmux"
	"github.com/banshee-data/parsight/internal/timeutil"
	"github.com/banshee-data/parsight/internal/version"
	"github.com/banshee-data/parsight/internal/vision"
)

var (
	configPath   = flag.String("config", config.DefaultConfigPath, "Tuning configuration JSON")
	listen       = flag.String("listen", ":8080", "HTTP listen address for the operator API")
	healthListen = flag.String("health-listen", "localhost:50051", "gRPC health listen address (empty to disable)")
	linkSpec     = flag.String("link", "mock", `Pose bridge serial device, "mock" or "disabled"`)
	linkBaud     = flag.Int("link-baud", serialmux.DefaultBaudRate, "Pose bridge baud rate")
	mavEndpoint  = flag.String("mavlink", "", `MAVLink endpoint such as "udps:0.0.0.0:14550" or "serial:/dev/ttyACM0:921600" (empty to disable)`)
	mavSysID     = flag.Int("mavlink-sysid", int(mavlink.DefaultConfig.SystemID), "MAVLink system id of this companion")
	mavWait      = flag.Duration("mavlink-heartbeat-timeout", 10*time.Second, "How long to wait for the autopilot heartbeat at startup")
	cameraSpec   = flag.String("camera", "synthetic", `Frame source: "synthetic", "device:N" or a directory of images`)
	cameraLoop   = flag.Bool("camera-loop", true, "Loop a directory replay")
	dbPath       = flag.String("db", "parsight.db", "Flight recorder database (empty to disable)")
	plotDir      = flag.String("plots", "plots", "Directory for PNG plots written by POST /api/plots")
	traceSize    = flag.Int("trace-size", monitor.DefaultCapacity, "Frames and setpoints kept in the live trace")
	debugMode    = flag.Bool("debug", false, "Log per-frame and per-pose diagnostics")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// openLink opens the serial link to the pose bridge.
func openLink(spec string, baud int) (serialmux.Mux, error) {
	switch spec {
	case "", "disabled":
		return serialmux.NewDisabledSerialMux(), nil
	case "mock":
		m, err := serialmux.NewMockSerialMux(serialmux.MockPoseLine(2.0, 1.8, 0), 20*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		m, err := serialmux.NewRealSerialMux(spec, serialmux.PortOptions{BaudRate: baud})
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// openCamera resolves the -camera flag into a frame source.
func openCamera(spec string, loop bool, cfg camera.Config, tuning *config.TuningConfig, fs fsutil.FileSystem, clock timeutil.Clock) (pipeline.FrameSource, error) {
	switch {
	case spec == "synthetic":
		return camera.NewSynthetic(cfg, clock, tuning.GetTargetRGB()), nil
	case strings.HasPrefix(spec, "device:"):
		n, err := strconv.Atoi(strings.TrimPrefix(spec, "device:"))
		if err != nil {
			return nil, fmt.Errorf("invalid camera device %q: %w", spec, err)
		}
		c, err := camera.OpenDevice(n, cfg, clock)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		r := camera.NewReplay(fs, spec, cfg, clock)
		r.Loop = loop
		if _, err := r.Load(); err != nil {
			return nil, err
		}
		return r, nil
	}
}

// dialMAVLink connects to the autopilot and waits for its heartbeat.
func dialMAVLink(ctx context.Context, endpoint string, sysID int, wait time.Duration, clock timeutil.Clock) (*mavlink.Sink, error) {
	if sysID < 1 || sysID > 255 {
		return nil, fmt.Errorf("invalid MAVLink system id %d", sysID)
	}
	cfg := mavlink.DefaultConfig
	cfg.Endpoint = endpoint
	cfg.SystemID = uint8(sysID)
	sink, err := mavlink.Dial(cfg, clock)
	if err != nil {
		return nil, err
	}
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := sink.WaitHeartbeat(wctx); err != nil {
		sink.Close()
		return nil, fmt.Errorf("no autopilot heartbeat on %s: %w", endpoint, err)
	}
	return sink, nil
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	monitoring.SetDebug(*debugMode)
	log.Printf("starting %s", version.String())

	tuning, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}
	clock := timeutil.RealClock{}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	link, err := openLink(*linkSpec, *linkBaud)
	if err != nil {
		log.Fatalf("failed to open pose bridge link: %v", err)
	}
	defer link.Close()

	frames, err := openCamera(*cameraSpec, *cameraLoop, camera.ConfigFromTuning(tuning), tuning, fsutil.OSFileSystem{}, clock)
	if err != nil {
		log.Fatalf("failed to open camera: %v", err)
	}

	detector, err := vision.NewDetector(tuning)
	if err != nil {
		log.Fatalf("failed to create detector: %v", err)
	}

	env, err := safety.NewEnvelope(safety.BoundsFromConfig(tuning))
	if err != nil {
		log.Fatalf("invalid safety bounds: %v", err)
	}

	sinks := pipeline.MultiSink{serialmux.NewLineSink(link)}
	if *mavEndpoint != "" {
		mav, err := dialMAVLink(ctx, *mavEndpoint, *mavSysID, *mavWait, clock)
		if err != nil {
			log.Fatalf("failed to connect to flight controller: %v", err)
		}
		defer mav.Close()
		sinks = append(sinks, mav)
	} else {
		log.Print("MAVLink disabled: setpoints go to the link only")
	}

	var sink pipeline.Sink = sinks
	var rec *recorder.Recorder
	if *dbPath != "" {
		rec, err = recorder.Open(*dbPath, clock)
		if err != nil {
			log.Fatalf("failed to open flight recorder: %v", err)
		}
		defer rec.Close()
		if _, err := rec.StartSession(version.Version, tuning); err != nil {
			log.Fatalf("failed to start recording session: %v", err)
		}
		sink = rec.Sink(sink)
	}
	trace := monitor.NewTrace(*traceSize)
	assessment := monitor.NewAssessment()
	sink = trace.Sink(sink)

	feed := serialmux.NewPoseFeed(link)
	rt, err := pipeline.NewRuntime(pipeline.Options{
		Config:     pipeline.ConfigFromTuning(tuning),
		Clock:      clock,
		Detector:   detector,
		Controller: control.NewController(control.GainsFromConfig(tuning), clock),
		Machine:    flight.NewStateMachine(flight.ParamsFromConfig(tuning), clock),
		Envelope:   env,
		Sink:       sink,
		Frames:     frames,
		Poses:      feed,
		Commands:   feed,
	})
	if err != nil {
		log.Fatalf("failed to create runtime: %v", err)
	}
	monitor.Tap(rt, trace, assessment)
	if rec != nil {
		rec.Observe(rt)
	}

	// Create a wait group for the link monitor, servo loop, health and HTTP routines
	var wg sync.WaitGroup

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor pose bridge link: %v", err)
		}
		log.Print("link monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.Run(ctx); err != nil {
			log.Printf("servo loop failed: %v", err)
			stop()
		}
		log.Print("servo loop terminated")
	}()

	if *healthListen != "" {
		checker := health.NewChecker(rt, clock)
		wg.Add(1)
		go func() {
			defer wg.Done()
			checker.Run(ctx, health.DefaultInterval)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := health.Serve(ctx, *healthListen, checker); err != nil {
				log.Printf("gRPC health server failed: %v", err)
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		opts := api.Options{
			Assessment: assessment,
			Trace:      trace,
			PlotFS:     fsutil.OSFileSystem{},
			PlotDir:    *plotDir,
			Clock:      clock,
		}
		if rec != nil {
			opts.Sessions = rec
		}
		mux := api.NewServer(rt, opts).ServeMux()
		link.AttachAdminRoutes(mux)
		monitor.AttachAdminRoutes(mux, trace, assessment)
		if rec != nil {
			if err := rec.AttachAdminRoutes(mux); err != nil {
				log.Printf("tailsql disabled: %v", err)
			}
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("operator API listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
