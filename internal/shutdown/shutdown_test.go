package shutdown

import (
	"testing"
	"time"
)

func TestShutdownWaitsForDrain(t *testing.T) {
	c := New()
	c.DrainGrace = 0
	c.DrainTimeout = time.Second
	c.PollInterval = 5 * time.Millisecond

	c.ConnectionStarted()
	done := make(chan struct{})
	go func() {
		c.Shutdown()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("shutdown returned before active connection ended")
	default:
	}

	c.ConnectionEnded()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("shutdown did not return after drain")
	}
}

func TestShutdownForcesAtDeadline(t *testing.T) {
	c := New()
	c.DrainGrace = 0
	c.DrainTimeout = 20 * time.Millisecond
	c.PollInterval = 5 * time.Millisecond

	c.ConnectionStarted() // never ended
	start := time.Now()
	c.Shutdown()
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("shutdown took too long to force-close")
	}
}

func TestIsShuttingDown(t *testing.T) {
	c := New()
	c.DrainGrace = 0
	c.DrainTimeout = 0
	if c.IsShuttingDown() {
		t.Fatalf("should not be shutting down initially")
	}
	c.Shutdown()
	if !c.IsShuttingDown() {
		t.Fatalf("should be shutting down after Shutdown()")
	}
}
