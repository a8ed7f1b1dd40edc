package serialmux

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/parsight/internal/monitoring"
	"github.com/banshee-data/parsight/internal/pose"
)

// MockSerialPort reads from a generated stream and records writes.
type MockSerialPort struct {
	io.Reader
	io.WriteCloser
}

// NewMockSerialMux returns a mux whose port emits line every interval, the
// way a bridge with a stationary vehicle would. Lines written to the mock are
// appended to a temp file.
func NewMockSerialMux(line []byte, interval time.Duration) (*SerialMux[*MockSerialPort], error) {
	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(append([]byte(nil), line...), '\n')
	}
	f, err := os.CreateTemp("", "parsight-link-*.jsonl")
	if err != nil {
		return nil, err
	}
	monitoring.Logf("mock link: writes recorded at %s", f.Name())

	r, w := io.Pipe()
	port := &MockSerialPort{Reader: r, WriteCloser: &closeBoth{File: f, pipe: w}}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := w.Write(line); err != nil {
				return
			}
		}
	}()

	return NewSerialMux(port), nil
}

// closeBoth closes the record file and the read side's pipe so Monitor
// sees EOF when the mock is closed.
type closeBoth struct {
	*os.File
	pipe *io.PipeWriter
}

func (c *closeBoth) Close() error {
	c.pipe.Close()
	return c.File.Close()
}

// MockPoseLine is the line NewMockSerialMux emits in dev mode: the vehicle
// resting at the launch point.
func MockPoseLine(x, y, z float64) []byte {
	line, _ := EncodePose(LineTypePose, pose.Pose{
		Position:    r3.Vec{X: x, Y: y, Z: z},
		Orientation: pose.Identity(),
		FrameID:     pose.DefaultFrameID,
	})
	return []byte(line)
}

// TestableSerialPort is an in-memory bridge port for tests. Reads block
// until Feed supplies data or the port is closed.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond

	in  bytes.Buffer
	out bytes.Buffer

	// ReadError and WriteError fail the next Read or Write once.
	ReadError  error
	WriteError error
	// ShortWrite makes Write report one byte fewer than it was given.
	ShortWrite bool
	CloseError error

	closed bool
}

var errPortClosed = errors.New("serial port closed")

// NewTestableSerialPort returns an open port with nothing to read.
func NewTestableSerialPort() *TestableSerialPort {
	t := &TestableSerialPort{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.ReadError != nil {
			err := t.ReadError
			t.ReadError = nil
			return 0, err
		}
		if t.closed {
			return 0, io.EOF
		}
		if t.in.Len() > 0 {
			return t.in.Read(p)
		}
		t.cond.Wait()
	}
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.ShortWrite && len(p) > 0 {
		return t.out.Write(p[:len(p)-1])
	}
	return t.out.Write(p)
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.cond.Broadcast()
	return t.CloseError
}

// Feed queues lines for reading, each terminated with a newline.
func (t *TestableSerialPort) Feed(lines ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range lines {
		t.in.WriteString(l)
		t.in.WriteByte('\n')
	}
	t.cond.Broadcast()
}

// FailRead makes a blocked or future Read return err.
func (t *TestableSerialPort) FailRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadError = err
	t.cond.Broadcast()
}

// Written returns the lines written so far, without newlines.
func (t *TestableSerialPort) Written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.TrimSuffix(t.out.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
