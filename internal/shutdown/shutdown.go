// Package shutdown implements a graceful-shutdown coordinator: set
// shuttingDown, drain grace period, poll active connections up to a
// deadline, then force-close.
package shutdown

import (
	"sync/atomic"
	"time"
)

// Coordinator tracks whether the server is draining and how many
// connections are currently active.
type Coordinator struct {
	shuttingDown int32
	active       int64

	// DrainGrace is the sleep before polling begins, letting external load
	// balancers deregister the instance. Default 5s.
	DrainGrace time.Duration
	// DrainTimeout bounds how long to wait for active connections to reach
	// zero before forcing closure. Default 60s.
	DrainTimeout time.Duration
	// PollInterval is how often the active-connection gauge is checked.
	PollInterval time.Duration
}

// New creates a Coordinator with spec-default grace/timeout/poll values.
func New() *Coordinator {
	return &Coordinator{
		DrainGrace:   5 * time.Second,
		DrainTimeout: 60 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// IsShuttingDown reports whether shutdown has been initiated. Connection
// engines consult this at keep-alive boundaries and between H2 streams.
func (c *Coordinator) IsShuttingDown() bool {
	return atomic.LoadInt32(&c.shuttingDown) == 1
}

// ConnectionStarted increments the active-connection count; call on accept.
func (c *Coordinator) ConnectionStarted() {
	atomic.AddInt64(&c.active, 1)
}

// ConnectionEnded decrements the active-connection count; call when an
// engine returns and the socket is closed.
func (c *Coordinator) ConnectionEnded() {
	atomic.AddInt64(&c.active, -1)
}

// ActiveConnections returns the current active-connection count.
func (c *Coordinator) ActiveConnections() int64 {
	return atomic.LoadInt64(&c.active)
}

// Shutdown marks the coordinator as draining, sleeps the grace period,
// then polls until either active connections reach zero or DrainTimeout
// elapses, at which point it returns regardless (the caller force-closes
// remaining listeners/connections).
func (c *Coordinator) Shutdown() {
	atomic.StoreInt32(&c.shuttingDown, 1)

	time.Sleep(c.DrainGrace)

	deadline := time.Now().Add(c.DrainTimeout)
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		if c.ActiveConnections() <= 0 {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		<-ticker.C
	}
}
