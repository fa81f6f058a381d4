package metrics

import (
	"bytes"
	"strings"
	"testing"
)

func TestCounterInc(t *testing.T) {
	c := New()
	c.Inc("requests_total", map[string]string{"method": "GET"}, 1)
	c.Inc("requests_total", map[string]string{"method": "GET"}, 2)

	var buf bytes.Buffer
	if err := c.WriteExposition(&buf); err != nil {
		t.Fatalf("WriteExposition: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "requests_total{method=\"GET\"} 3") {
		t.Fatalf("expected counter value 3, got:\n%s", out)
	}
}

func TestGaugeSetAndInc(t *testing.T) {
	c := New()
	c.SetGauge("active_connections", nil, 5)
	c.IncGauge("active_connections", nil, -2)

	var buf bytes.Buffer
	c.WriteExposition(&buf)
	if !strings.Contains(buf.String(), "active_connections 3") {
		t.Fatalf("expected gauge value 3, got:\n%s", buf.String())
	}
}

func TestHistogramBoundedMemory(t *testing.T) {
	c := New()
	for i := 0; i < ringCapacity*10; i++ {
		c.Observe("request_duration_seconds", nil, 0.02)
	}
	recent := c.RecentObservations("request_duration_seconds", nil)
	if len(recent) != ringCapacity {
		t.Fatalf("expected ring capped at %d, got %d", ringCapacity, len(recent))
	}

	var buf bytes.Buffer
	c.WriteExposition(&buf)
	out := buf.String()
	if !strings.Contains(out, "request_duration_seconds_count ") {
		t.Fatalf("expected _count line, got:\n%s", out)
	}
	if !strings.Contains(out, "request_duration_seconds_bucket{le=\"+Inf\"} "+itoa(ringCapacity*10)) {
		t.Fatalf("expected +Inf bucket to count all observations, got:\n%s", out)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}
