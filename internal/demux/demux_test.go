package demux

import (
	"bufio"
	"crypto/tls"
	"strings"
	"testing"
)

func TestDetectTLSALPN(t *testing.T) {
	cases := map[string]Protocol{
		"h2":         ProtocolHTTP2,
		"http/1.1":   ProtocolHTTP1,
		"":           ProtocolHTTP1,
	}
	for alpn, want := range cases {
		got, err := DetectTLS(tls.ConnectionState{NegotiatedProtocol: alpn})
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", alpn, err)
		}
		if got != want {
			t.Fatalf("DetectTLS(%q) = %v, want %v", alpn, got, want)
		}
	}
}

func TestDetectTLSRejectsUnknownALPN(t *testing.T) {
	if _, err := DetectTLS(tls.ConnectionState{NegotiatedProtocol: "spdy/3"}); err == nil {
		t.Fatalf("expected rejection of unsupported ALPN value")
	}
}

func TestDetectPlaintextH2Preface(t *testing.T) {
	br := bufio.NewReader(strings.NewReader(h2Preface + "extra"))
	got, err := DetectPlaintext(br)
	if err != nil {
		t.Fatal(err)
	}
	if got != ProtocolHTTP2 {
		t.Fatalf("expected HTTP/2, got %v", got)
	}
}

func TestDetectPlaintextHTTP1GET(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\n\r\n"))
	got, err := DetectPlaintext(br)
	if err != nil {
		t.Fatal(err)
	}
	if got != ProtocolHTTP1 {
		t.Fatalf("expected HTTP/1.1, got %v", got)
	}
}

func TestDetectPlaintextRejectsGarbage(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("\x16\x03\x01garbage"))
	if _, err := DetectPlaintext(br); err == nil {
		t.Fatalf("expected rejection of unrecognized preamble")
	}
}

func TestDetectPlaintextPreservesBytesForEngine(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\n\r\n"))
	if _, err := DetectPlaintext(br); err != nil {
		t.Fatal(err)
	}
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "GET / HTTP/1.1\r\n" {
		t.Fatalf("expected peeked bytes to still be readable, got %q", line)
	}
}
