package server

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rawserve/core/internal/pipeline"
	"github.com/rawserve/core/internal/rlog"
	"github.com/rawserve/core/internal/shutdown"
	"github.com/rawserve/core/internal/sse"
	"github.com/rawserve/core/internal/ws"
)

func newTestServer() *Server {
	coord := shutdown.New()
	return &Server{
		log:      rlog.New(rlog.Config{Level: "error"}),
		shutdown: coord,
		pipeline: &pipeline.Pipeline{
			Shutdown:         coord,
			Hub:              sse.NewHub(),
			FeatureStreaming: true,
		},
	}
}

func TestServeHTTP1UpgradesWebSocketAndEchoes(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	s := newTestServer()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.serveHTTP1(serverConn, bufio.NewReaderSize(serverConn, 4096))
	}()

	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	req := "GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	if _, err := clientConn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(clientConn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(statusLine, "101") {
		t.Fatalf("expected 101 status line, got %q", statusLine)
	}
	var accept string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "sec-websocket-accept:") {
			accept = strings.TrimSpace(line[len("Sec-WebSocket-Accept:"):])
		}
	}
	if want := ws.ComputeAccept("dGhlIHNhbXBsZSBub25jZQ=="); accept != want {
		t.Fatalf("Sec-WebSocket-Accept = %q, want %q", accept, want)
	}

	bw := bufio.NewWriter(clientConn)
	payload := []byte("hello")
	bw.WriteByte(0x80 | byte(ws.OpText))
	bw.WriteByte(0x80 | byte(len(payload)))
	maskKey := [4]byte{1, 2, 3, 4}
	bw.Write(maskKey[:])
	for i, b := range payload {
		bw.WriteByte(b ^ maskKey[i%4])
	}
	bw.Flush()

	// The server never masks outbound frames (RFC 6455 §5.1), so the echo
	// is read as a plain two-byte header plus payload rather than through
	// ws.ReadFrame, which only understands masked client frames.
	head := make([]byte, 2)
	if _, err := io.ReadFull(br, head); err != nil {
		t.Fatalf("reading echo frame header: %v", err)
	}
	gotOpcode := ws.Opcode(head[0] & 0x0f)
	if gotOpcode != ws.OpText {
		t.Fatalf("echoed opcode = %v, want OpText", gotOpcode)
	}
	length := int(head[1] & 0x7f)
	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		t.Fatalf("reading echo frame payload: %v", err)
	}
	if string(body) != "Echo: hello" {
		t.Fatalf("echoed payload = %q, want %q", body, "Echo: hello")
	}

	clientConn.Close()
	<-done
}

func TestServeHTTP1SSESubscribeReceivesPublishedEvent(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	s := newTestServer()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.serveHTTP1(serverConn, bufio.NewReaderSize(serverConn, 4096))
	}()

	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	req := "GET /events/news HTTP/1.1\r\nHost: example.com\r\n\r\n"
	if _, err := clientConn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(clientConn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(statusLine, "200") {
		t.Fatalf("expected 200 status line, got %q", statusLine)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	for i := 0; i < 50 && s.pipeline.Hub.TopicSubscriberCount("news") == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	s.pipeline.Hub.Publish("news", sse.Event{Data: "breaking"})

	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading published event: %v", err)
	}
	if line != "data: breaking\n" {
		t.Fatalf("unexpected event line: %q", line)
	}

	// serveHTTP1 only notices the disconnect on its next keepalive/drain
	// tick, so the test doesn't block waiting for that goroutine to exit.
	clientConn.Close()
}
