// Package ratelimit implements a per-IP token-bucket rate limiter: lazy
// refill, whitelist bypass, Retry-After/X-RateLimit-* header data, and a
// background sweeper for inactive buckets.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// reapAfter is the idle duration after which a bucket is swept.
const reapAfter = 5 * time.Minute

// Decision is the outcome of a TryAcquire call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAfter time.Duration
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastAccess time.Time
}

// Limiter is a concurrent per-IP token bucket map. Each bucket's own
// mutex serializes its try-acquire; distinct IPs proceed in parallel.
type Limiter struct {
	rps       float64
	burst     int
	whitelist map[string]struct{}

	mu      sync.RWMutex
	buckets map[string]*bucket

	stop chan struct{}
	once sync.Once
}

// New creates a Limiter with the given requests-per-second rate and burst
// capacity. whitelisted IPs bypass the limiter entirely.
func New(rps float64, burst int, whitelist []string) *Limiter {
	wl := make(map[string]struct{}, len(whitelist))
	for _, ip := range whitelist {
		wl[ip] = struct{}{}
	}
	return &Limiter{
		rps:       rps,
		burst:     burst,
		whitelist: wl,
		buckets:   make(map[string]*bucket),
		stop:      make(chan struct{}),
	}
}

// StartSweeper launches a background goroutine that reaps buckets inactive
// for more than 5 minutes. It never blocks the request path.
func (l *Limiter) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				l.sweep()
			case <-l.stop:
				return
			}
		}
	}()
}

// Stop halts the sweeper goroutine. Safe to call multiple times.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastAccess)
		b.mu.Unlock()
		if idle > reapAfter {
			delete(l.buckets, ip)
		}
	}
}

func (l *Limiter) getBucket(ip string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[ip]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[ip]; ok {
		return b
	}
	b = &bucket{
		tokens:     float64(l.burst),
		lastRefill: time.Now(),
		lastAccess: time.Now(),
	}
	l.buckets[ip] = b
	return b
}

// TryAcquire attempts to consume one token for ip.
func (l *Limiter) TryAcquire(ip string) Decision {
	if _, whitelisted := l.whitelist[ip]; whitelisted {
		return Decision{Allowed: true, Limit: l.burst, Remaining: l.burst}
	}

	b := l.getBucket(ip)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastAccess = now

	elapsedMs := now.Sub(b.lastRefill).Milliseconds()
	added := float64(elapsedMs) * l.rps / 1000.0
	if added > 0 {
		b.tokens = math.Min(float64(l.burst), b.tokens+added)
		b.lastRefill = now
	}

	resetAfter := time.Duration(math.Ceil(float64(l.burst-int(b.tokens))/l.rps*1000)) * time.Millisecond

	if b.tokens > 0 {
		b.tokens--
		return Decision{
			Allowed:    true,
			Limit:      l.burst,
			Remaining:  int(b.tokens),
			ResetAfter: resetAfter,
		}
	}

	retryAfter := time.Duration(math.Ceil(1.0/l.rps*1000)) * time.Millisecond
	return Decision{
		Allowed:    false,
		Limit:      l.burst,
		Remaining:  0,
		RetryAfter: retryAfter,
		ResetAfter: retryAfter,
	}
}
