// Package server wires the acceptor, TLS+ALPN glue, protocol demux, and
// both connection engines together into one listening process.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rawserve/core/internal/auth"
	"github.com/rawserve/core/internal/cache"
	"github.com/rawserve/core/internal/config"
	"github.com/rawserve/core/internal/demux"
	"github.com/rawserve/core/internal/h1"
	"github.com/rawserve/core/internal/h2"
	"github.com/rawserve/core/internal/metrics"
	"github.com/rawserve/core/internal/pipeline"
	"github.com/rawserve/core/internal/ratelimit"
	"github.com/rawserve/core/internal/rlog"
	"github.com/rawserve/core/internal/shutdown"
	"github.com/rawserve/core/internal/sse"
	"github.com/rawserve/core/internal/vhost"
	"github.com/rawserve/core/internal/ws"
)

// Server owns the listener and every long-lived cross-cutting service.
type Server struct {
	cfg      *config.Config
	log      *rlog.Logger
	pipeline *pipeline.Pipeline
	shutdown *shutdown.Coordinator
	metrics  *metrics.Collector
	listener    net.Listener
	tlsConf     *tls.Config
	watcher     *fsnotify.Watcher
	currentCert atomic.Value // *tls.Certificate
}

// New builds a Server from a loaded, validated configuration.
func New(cfg *config.Config, log *rlog.Logger) *Server {
	limiter := ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.Whitelist)
	limiter.StartSweeper(time.Minute)

	vhosts := vhost.NewTable(cfg.Vhosts.DefaultWebroot, cfg.Vhosts.Hosts)
	if cfg.Routing.RulesFile != "" {
		if rules, err := vhost.LoadRulesFile(cfg.Routing.RulesFile); err != nil {
			log.WithError(err).Warn("routing rules file could not be loaded; serving with no rewrite/redirect rules")
		} else {
			vhosts.SetRules(rules)
		}
	}

	basicUsers := make(map[string][]byte, len(cfg.Auth.BasicUsers))
	for user, hash := range cfg.Auth.BasicUsers {
		basicUsers[user] = []byte(hash)
	}
	authStore := auth.NewStore(basicUsers, cfg.Auth.APIKeys)

	coord := shutdown.New()
	metricsCollector := metrics.New()

	p := &pipeline.Pipeline{
		Limiter:          limiter,
		VHosts:           vhosts,
		Auth:             authStore,
		ETags:            cache.NewETagCache(),
		Gzips:            cache.NewGzipCache(),
		Metrics:          metricsCollector,
		Log:              log,
		Shutdown:         coord,
		Hub:              sse.NewHub(),
		MaxBody:          cfg.Body.MaxBytes,
		FeatureAuth:      cfg.Features.Auth,
		FeatureRateLimit: cfg.Features.RateLimit,
		FeatureRouting:   cfg.Features.Routing,
		FeatureVhosts:    cfg.Features.Vhosts,
		FeatureStreaming: cfg.Features.Streaming,
	}

	return &Server{
		cfg:      cfg,
		log:      log,
		pipeline: p,
		shutdown: coord,
		metrics:  metricsCollector,
	}
}

// ListenAndServe opens the listener (TLS-wrapped if configured) and serves
// connections until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.Address, s.cfg.Listen.Port)

	var ln net.Listener
	var err error
	if s.cfg.TLS.Enabled {
		s.tlsConf, err = s.buildTLSConfig()
		if err != nil {
			return fmt.Errorf("server: building TLS config: %w", err)
		}
		if err := s.watchTLSFiles(); err != nil {
			s.log.WithError(err).Warn("tls hot-reload watcher unavailable")
		}
		ln, err = tls.Listen("tcp", addr, s.tlsConf)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.log.WithField("addr", addr).Info("listening")

	go func() {
		<-ctx.Done()
		s.shutdown.Shutdown()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if s.shutdown.IsShuttingDown() {
			conn.Close()
			continue
		}
		s.shutdown.ConnectionStarted()
		go s.handleConn(conn)
	}
}

func (s *Server) buildTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	s.currentCert.Store(&cert)
	conf := &tls.Config{
		NextProtos: []string{"h2", "http/1.1"},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return s.currentCert.Load().(*tls.Certificate), nil
		},
	}
	applyVersionProfile(conf, ProfileSecure)
	applyCipherSuites(conf)
	return conf, nil
}

// watchTLSFiles installs an fsnotify watch on the keystore cert file and the
// routing rules file so both can hot-reload without a process restart, per
// the AMBIENT STACK's fsnotify wiring: a cert file change reloads the
// key pair atomically swapped into GetCertificate's callback.
func (s *Server) watchTLSFiles() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = w
	if err := w.Add(s.cfg.TLS.CertFile); err != nil {
		return err
	}
	if s.cfg.Routing.RulesFile != "" {
		_ = w.Add(s.cfg.Routing.RulesFile)
	}
	go func() {
		for ev := range w.Events {
			if ev.Name == s.cfg.TLS.CertFile && (ev.Op&fsnotify.Write != 0 || ev.Op&fsnotify.Create != 0) {
				cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
				if err != nil {
					s.log.WithError(err).Warn("tls keystore reload failed; keeping previous certificate")
					continue
				}
				s.currentCert.Store(&cert)
				s.log.Info("tls keystore reloaded")
				continue
			}
			if ev.Name == s.cfg.Routing.RulesFile && (ev.Op&fsnotify.Write != 0 || ev.Op&fsnotify.Create != 0) {
				rules, err := vhost.LoadRulesFile(s.cfg.Routing.RulesFile)
				if err != nil {
					s.log.WithError(err).Warn("routing rules reload failed; keeping previous rule set")
					continue
				}
				s.pipeline.VHosts.SetRules(rules)
				s.log.Info("routing rules reloaded")
			}
		}
	}()
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.shutdown.ConnectionEnded()
	defer conn.Close()

	br := bufio.NewReaderSize(conn, 64*1024)

	var proto demux.Protocol
	var err error
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		proto, err = demux.DetectTLS(tlsConn.ConnectionState())
	} else {
		proto, err = demux.DetectPlaintext(br)
	}
	if err != nil {
		return
	}

	switch proto {
	case demux.ProtocolHTTP2:
		s.serveHTTP2(conn, br)
	case demux.ProtocolHTTP1:
		s.serveHTTP1(conn, br)
	}
}

func (s *Server) serveHTTP1(conn net.Conn, br *bufio.Reader) {
	bw := bufio.NewWriter(conn)
	count := 0
	for count < h1.MaxKeepAliveRequests {
		if s.shutdown.IsShuttingDown() {
			return
		}
		conn.SetReadDeadline(time.Now().Add(h1.KeepAliveTimeoutSeconds * time.Second))
		req, err := h1.ParseRequest(br, conn.RemoteAddr().String())
		if err != nil {
			return
		}
		count++

		var body []byte
		if n, _ := req.ContentLength(); n > 0 {
			body = make([]byte, n)
			if _, err := readFull(br, body); err != nil {
				return
			}
		}

		header := httpHeaderFrom(req.Header)
		remoteIP := hostOnly(conn.RemoteAddr().String())

		if s.pipeline.FeatureStreaming && req.Method == http.MethodGet && requestsWebSocketUpgrade(header) {
			key, ok := ws.ValidateHandshake(header)
			if !ok {
				fmt.Fprintf(bw, "HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
				bw.Flush()
				return
			}
			s.serveWebSocket(conn, br, bw, key, header.Get("Sec-WebSocket-Protocol"))
			return
		}
		if s.pipeline.FeatureStreaming && req.Method == http.MethodGet && s.pipeline.Hub != nil && strings.HasPrefix(req.Path, "/events") {
			s.serveSSE(conn, bw, req.Path, remoteIP)
			return
		}

		pr := pipeline.Request{
			Method:   req.Method,
			Path:     req.Path,
			RawQuery: req.Query.Encode(),
			Host:     req.Header.Get("Host"),
			Header:   header,
			Body:     body,
			RemoteIP: remoteIP,
		}
		resp := s.pipeline.Handle(pr)
		writeHTTP1Response(bw, req.Proto, resp)
		bw.Flush()

		if !req.WantsKeepAlive() {
			return
		}
	}
}

// requestsWebSocketUpgrade reports whether the request's Upgrade header
// names "websocket", regardless of whether the rest of the handshake is
// valid — this is the signal that a failure should answer 400 rather than
// fall through to ordinary static-file dispatch.
func requestsWebSocketUpgrade(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Upgrade")), "websocket")
}

// serveWebSocket completes the RFC 6455 handshake and then owns the
// connection for its remaining lifetime: every inbound text/binary message
// is reassembled and echoed back on the same opcode, pings are answered
// with pongs, and a close frame ends the loop after the obligatory
// close-frame reply. An idle connection is closed with status 1001 rather
// than simply dropped.
func (s *Server) serveWebSocket(conn net.Conn, br *bufio.Reader, bw *bufio.Writer, key, subprotocol string) {
	accept := ws.ComputeAccept(key)
	fmt.Fprintf(bw, "HTTP/1.1 101 Switching Protocols\r\n")
	fmt.Fprintf(bw, "Upgrade: websocket\r\n")
	fmt.Fprintf(bw, "Connection: Upgrade\r\n")
	fmt.Fprintf(bw, "Sec-WebSocket-Accept: %s\r\n", accept)
	if subprotocol != "" {
		fmt.Fprintf(bw, "Sec-WebSocket-Protocol: %s\r\n", subprotocol)
	}
	fmt.Fprintf(bw, "\r\n")
	if bw.Flush() != nil {
		return
	}

	reassembler := &ws.Reassembler{}
	for {
		conn.SetReadDeadline(time.Now().Add(ws.IdleTimeoutSeconds * time.Second))
		frame, err := ws.ReadFrame(br)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				ws.WriteClose(bw, ws.CloseGoingAway, "idle timeout")
			}
			return
		}

		switch frame.Opcode {
		case ws.OpPing:
			if ws.WriteFrame(bw, true, ws.OpPong, frame.Payload) != nil {
				return
			}
		case ws.OpPong:
			// no-op: liveness only, nothing waits on it.
		case ws.OpClose:
			ws.WriteClose(bw, ws.CloseNormal, "")
			return
		default:
			opcode, message, done, err := reassembler.Feed(frame)
			if err != nil {
				ws.WriteClose(bw, ws.CloseProtocolError, err.Error())
				return
			}
			if !done {
				continue
			}
			if opcode == ws.OpText {
				message = append([]byte("Echo: "), message...)
			}
			if ws.WriteFrame(bw, true, opcode, message) != nil {
				return
			}
		}
	}
}

// serveSSE subscribes the connection to the topic named by path and streams
// every published event to it as a text/event-stream response, sending a
// keepalive comment on the interval when no event has fired. It returns
// when the client disconnects, the subscriber is dropped for being too
// slow, or a write fails.
func (s *Server) serveSSE(conn net.Conn, bw *bufio.Writer, path, remoteIP string) {
	topic := pipeline.TopicFromPath("/events", path, "data")
	sub, err := s.pipeline.Hub.Subscribe(topic, remoteIP)
	if err != nil {
		fmt.Fprintf(bw, "HTTP/1.1 503 Service Unavailable\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
		bw.Flush()
		return
	}
	defer s.pipeline.Hub.Unsubscribe(sub)

	fmt.Fprintf(bw, "HTTP/1.1 200 OK\r\n")
	fmt.Fprintf(bw, "Content-Type: text/event-stream\r\n")
	fmt.Fprintf(bw, "Cache-Control: no-cache\r\n")
	fmt.Fprintf(bw, "Connection: keep-alive\r\n\r\n")
	if bw.Flush() != nil {
		return
	}

	keepalive := time.NewTicker(sse.KeepaliveInterval)
	defer keepalive.Stop()
	drainCheck := time.NewTicker(time.Second)
	defer drainCheck.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if _, err := bw.Write(ev.Encode()); err != nil || bw.Flush() != nil {
				return
			}
		case <-keepalive.C:
			if _, err := bw.Write(sse.KeepaliveComment); err != nil || bw.Flush() != nil {
				return
			}
		case <-sub.Closed():
			return
		case <-drainCheck.C:
			if s.shutdown.IsShuttingDown() {
				return
			}
		}
	}
}

func (s *Server) serveHTTP2(conn net.Conn, br *bufio.Reader) {
	// The preface has already been peeked (and matched) by demux but not
	// consumed; the h2.Conn reads through br (via bufferedConn) so
	// h2.Conn.ReadPreface consumes it from the same buffered reader and no
	// bytes are lost.
	c := h2.NewConn(&bufferedConn{Conn: conn, r: br}, func(req *h2.Request) *h2.Response {
		pr := pipeline.Request{
			Method:   req.Method,
			Path:     req.Path,
			Host:     req.Authority,
			Header:   h2HeaderFrom(req.Headers),
			Body:     req.Body,
			RemoteIP: hostOnly(conn.RemoteAddr().String()),
		}
		resp := s.pipeline.Handle(pr)
		return &h2.Response{
			Status:  resp.Status,
			Headers: h2FieldsFrom(resp.Header),
			Body:    resp.Body,
		}
	})
	c.ReadPreface()
	c.Serve()
}

// bufferedConn is a net.Conn whose reads come from r, so bytes already
// buffered (peeked) in r are not lost to the next reader.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func readFull(br *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := br.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func httpHeaderFrom(h map[string][]string) http.Header {
	out := http.Header{}
	for k, vs := range h {
		out[k] = vs
	}
	return out
}

func h2HeaderFrom(fields []h2.HeaderField) http.Header {
	out := http.Header{}
	for _, f := range fields {
		if len(f.Name) > 0 && f.Name[0] == ':' {
			continue
		}
		out.Add(f.Name, f.Value)
	}
	return out
}

func h2FieldsFrom(h http.Header) []h2.HeaderField {
	out := make([]h2.HeaderField, 0, len(h))
	for k, vs := range h {
		for _, v := range vs {
			out = append(out, h2.HeaderField{Name: k, Value: v})
		}
	}
	return out
}

func writeHTTP1Response(bw *bufio.Writer, proto string, resp pipeline.Response) {
	fmt.Fprintf(bw, "%s %d %s\r\n", proto, resp.Status, http.StatusText(resp.Status))
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if resp.Header.Get("Content-Length") == "" {
		fmt.Fprintf(bw, "Content-Length: %d\r\n", len(resp.Body))
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			fmt.Fprintf(bw, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(bw, "\r\n")
	bw.Write(resp.Body)
}
