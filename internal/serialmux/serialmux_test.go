package serialmux

import (
	"context"
	"errors"
	"testing"
	"time"
)

func startMonitor(t *testing.T, mux *SerialMux[*TestableSerialPort]) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- mux.Monitor(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return line
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for line")
	}
	return ""
}

func TestNewSerialMux(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	if mux.port != port {
		t.Error("SerialMux port not set correctly")
	}
	if mux.subscribers == nil {
		t.Error("SerialMux subscribers map not initialized")
	}
}

func TestSerialMux_SubscribeUnsubscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := mux.Subscribe()
	id2, _ := mux.Subscribe()
	if id1 == "" || id1 == id2 {
		t.Fatalf("subscription ids not unique: %q %q", id1, id2)
	}

	mux.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	mux.Unsubscribe(id1) // second call is a no-op

	mux.subscriberMu.Lock()
	n := len(mux.subscribers)
	mux.subscriberMu.Unlock()
	if n != 1 {
		t.Errorf("expected 1 subscriber, got %d", n)
	}
}

func TestSerialMux_WriteLine(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	if err := mux.WriteLine(`{"type":"setpoint"}`); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}
	if err := mux.WriteLine("already terminated\n"); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}

	got := port.Written()
	want := []string{`{"type":"setpoint"}`, "already terminated"}
	if len(got) != len(want) {
		t.Fatalf("Written() = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSerialMux_WriteLineErrors(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	boom := errors.New("boom")
	port.WriteError = boom
	if err := mux.WriteLine("x"); !errors.Is(err, boom) {
		t.Errorf("WriteLine() error = %v, want %v", err, boom)
	}

	port.ShortWrite = true
	if err := mux.WriteLine("x"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("WriteLine() error = %v, want ErrWriteFailed", err)
	}
}

func TestSerialMux_MonitorFansOut(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	t.Cleanup(func() { mux.Close() })

	_, a := mux.Subscribe()
	_, b := mux.Subscribe()
	startMonitor(t, mux)

	port.Feed("first", "", "  ", "second  ")

	for _, ch := range []chan string{a, b} {
		if got := recv(t, ch); got != "first" {
			t.Errorf("got %q, want first", got)
		}
		if got := recv(t, ch); got != "second" {
			t.Errorf("got %q, want second (blank lines skipped, whitespace trimmed)", got)
		}
	}
}

func TestSerialMux_MonitorStopsOnCancel(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	t.Cleanup(func() { mux.Close() })

	cancel, errc := startMonitor(t, mux)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestSerialMux_MonitorReturnsReadError(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	t.Cleanup(func() { mux.Close() })

	_, errc := startMonitor(t, mux)
	boom := errors.New("device unplugged")
	port.FailRead(boom)

	select {
	case err := <-errc:
		if !errors.Is(err, boom) {
			t.Errorf("Monitor() error = %v, want %v", err, boom)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after read error")
	}
}

func TestSerialMux_Close(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	_, ch := mux.Subscribe()
	_, errc := startMonitor(t, mux)

	if err := mux.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("expected subscriber channel closed")
	}

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Monitor() error = %v, want nil at EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after Close")
	}
	if err := mux.WriteLine("late"); err == nil {
		t.Error("expected write after Close to fail")
	}
}
