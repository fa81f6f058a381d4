package ratelimit

import (
	"testing"
	"time"
)

func TestBurstThenDeny(t *testing.T) {
	l := New(2, 3, nil)

	for i := 0; i < 3; i++ {
		d := l.TryAcquire("1.2.3.4")
		if !d.Allowed {
			t.Fatalf("request %d expected allowed", i)
		}
	}

	d := l.TryAcquire("1.2.3.4")
	if d.Allowed {
		t.Fatalf("expected 4th request denied")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", d.RetryAfter)
	}
}

func TestRefillOverTime(t *testing.T) {
	l := New(1000, 1, nil) // fast refill for test speed
	d := l.TryAcquire("5.6.7.8")
	if !d.Allowed {
		t.Fatalf("first request should be allowed")
	}
	d = l.TryAcquire("5.6.7.8")
	if d.Allowed {
		t.Fatalf("second immediate request should be denied")
	}

	time.Sleep(5 * time.Millisecond)
	d = l.TryAcquire("5.6.7.8")
	if !d.Allowed {
		t.Fatalf("expected refill to allow request after sleep")
	}
}

func TestWhitelistBypasses(t *testing.T) {
	l := New(1, 1, []string{"9.9.9.9"})
	for i := 0; i < 10; i++ {
		d := l.TryAcquire("9.9.9.9")
		if !d.Allowed || d.Remaining != d.Limit {
			t.Fatalf("whitelisted IP should always be allowed with full remaining")
		}
	}
}

func TestIndependentIPs(t *testing.T) {
	l := New(1, 1, nil)
	a := l.TryAcquire("1.1.1.1")
	b := l.TryAcquire("2.2.2.2")
	if !a.Allowed || !b.Allowed {
		t.Fatalf("distinct IPs should not share buckets")
	}
}
