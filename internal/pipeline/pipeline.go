// Package pipeline implements the cross-cutting request pipeline shared by
// every connection engine: rate-limit → route → auth → path-resolve →
// cache-check → dispatch → compress → response-write. It is engine
// agnostic — both internal/h1 and internal/h2 adapt their native request
// representation into a pipeline.Request and hand it here.
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/rawserve/core/internal/auth"
	"github.com/rawserve/core/internal/cache"
	"github.com/rawserve/core/internal/h1"
	"github.com/rawserve/core/internal/metrics"
	"github.com/rawserve/core/internal/ratelimit"
	"github.com/rawserve/core/internal/rerr"
	"github.com/rawserve/core/internal/rlog"
	"github.com/rawserve/core/internal/shutdown"
	"github.com/rawserve/core/internal/sse"
	"github.com/rawserve/core/internal/vhost"
)

// Request is the engine-agnostic view of one logical HTTP request.
type Request struct {
	Method     string
	Path       string
	RawQuery   string
	Host       string
	Header     http.Header
	Body       []byte
	RemoteIP   string
	TLSEnabled bool
}

// Response is the engine-agnostic view of one logical response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Pipeline wires every cross-cutting service into the single Handle
// entrypoint engines call per request.
type Pipeline struct {
	Limiter  *ratelimit.Limiter
	VHosts   *vhost.Table
	Auth     *auth.Store
	ETags    *cache.ETagCache
	Gzips    *cache.GzipCache
	Metrics  *metrics.Collector
	Log      *rlog.Logger
	Shutdown *shutdown.Coordinator
	Hub      *sse.Hub
	MaxBody  int64

	FeatureAuth      bool
	FeatureRateLimit bool
	FeatureRouting   bool
	FeatureVhosts    bool
	FeatureStreaming bool
}

// Handle runs one request through the full pipeline and returns the
// response to write back, applying the error-to-status mapping for
// every failure kind along the way.
func (p *Pipeline) Handle(req Request) Response {
	start := time.Now()
	requestID, _ := uuid.GenerateUUID()

	var decision ratelimit.Decision
	var resp Response
	switch {
	case p.Shutdown != nil && p.Shutdown.IsShuttingDown():
		resp = Response{Status: http.StatusServiceUnavailable, Header: http.Header{"Connection": {"close"}}, Body: []byte("server is shutting down")}
	case p.FeatureRateLimit && p.Limiter != nil:
		decision = p.Limiter.TryAcquire(req.RemoteIP)
		if !decision.Allowed {
			resp = Response{Status: http.StatusTooManyRequests, Header: http.Header{}, Body: []byte("rate limit exceeded")}
		} else {
			resp = p.handleInner(req, requestID)
		}
	default:
		resp = p.handleInner(req, requestID)
	}

	duration := time.Since(start)
	if p.Metrics != nil {
		p.Metrics.Inc("http_requests_total", map[string]string{"method": req.Method, "status": fmt.Sprintf("%d", resp.Status)}, 1)
		p.Metrics.Observe("http_request_duration_seconds", map[string]string{"method": req.Method}, duration.Seconds())
	}
	if p.Log != nil {
		p.Log.WithRequest(rlog.RequestFields{
			RequestID:  requestID,
			Remote:     req.RemoteIP,
			Method:     req.Method,
			Path:       req.Path,
			Status:     resp.Status,
			DurationMS: duration.Milliseconds(),
		}).Info("request handled")
	}

	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set("X-Request-Id", requestID)
	resp.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	resp.Header.Set("Server", serverHeaderValue)
	p.applySecurityHeaders(resp.Header, req.TLSEnabled)
	if p.FeatureRateLimit && p.Limiter != nil {
		applyRateLimitHeaders(resp.Header, decision)
	}
	return resp
}

// serverHeaderValue is the literal Server header sent on every response.
const serverHeaderValue = "rawserve"

// applySecurityHeaders sets the baseline security header set on every
// response, success or error alike — these are treated as unconditional
// response hygiene rather than success-only headers.
func (p *Pipeline) applySecurityHeaders(h http.Header, tlsEnabled bool) {
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
	h.Set("Content-Security-Policy", "default-src 'self'")
	if tlsEnabled {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// applyRateLimitHeaders sets X-RateLimit-* from the limiter decision made
// for this request; Retry-After is set only on denial.
func applyRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(int(d.ResetAfter.Seconds())))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
}

// handleInner recovers a panic raised anywhere below it, logs it with the
// request id, and answers 500 instead.
func (p *Pipeline) handleInner(req Request, requestID string) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			if p.Log != nil {
				p.Log.WithRequest(rlog.RequestFields{RequestID: requestID, Remote: req.RemoteIP, Method: req.Method, Path: req.Path, Status: http.StatusInternalServerError}).
					WithError(rerr.NewUpstreamError("pipeline.Handle", fmt.Errorf("panic: %v", r))).
					Error("handler panic recovered")
			}
			resp = Response{Status: http.StatusInternalServerError}
		}
	}()

	routedPath := req.Path
	if p.FeatureRouting && p.VHosts != nil {
		if rule, matched := p.VHosts.Match(routedPath); matched {
			if rule.Kind == vhost.KindRedirect {
				h := http.Header{}
				h.Set("Location", rule.To)
				return Response{Status: rule.Status, Header: h}
			}
			routedPath = rule.To // rewrite, single restart — no recursive re-match
		}
	}

	if p.FeatureAuth && p.Auth != nil && !auth.IsExempt(routedPath) {
		if !p.authenticate(req) {
			h := http.Header{}
			h.Set("WWW-Authenticate", `Basic realm="HTTP Server"`)
			return Response{Status: http.StatusUnauthorized, Header: h, Body: []byte("authentication required")}
		}
	}

	if !h1.IsMethodAllowed(req.Method) {
		h := http.Header{}
		h.Set("Allow", h1.AllowHeaderValue)
		return Response{Status: http.StatusMethodNotAllowed, Header: h}
	}

	if int64(len(req.Body)) > p.MaxBody {
		return Response{Status: http.StatusRequestEntityTooLarge}
	}

	if resp, handled := p.dispatchReserved(req, routedPath, requestID); handled {
		return resp
	}

	webrootDir := "./public"
	if p.FeatureVhosts && p.VHosts != nil {
		webrootDir = p.VHosts.Webroot(req.Host)
	}

	switch req.Method {
	case http.MethodGet, http.MethodHead:
		return p.serveStatic(webrootDir, routedPath, req)
	default:
		return Response{Status: http.StatusNotFound}
	}
}

// dispatchReserved handles the reserved paths of the external HTTP
// surface: health probes, metrics exposition, and the stub API endpoints.
// handled is false for any path outside this reserved set, in which case
// the caller falls through to static-file dispatch.
func (p *Pipeline) dispatchReserved(req Request, path, requestID string) (Response, bool) {
	switch {
	case path == "/health/live":
		if req.Method != http.MethodGet {
			return methodNotAllowed(http.MethodGet), true
		}
		return jsonResponse(http.StatusOK, map[string]string{"status": "UP"}), true

	case path == "/health/ready":
		if req.Method != http.MethodGet {
			return methodNotAllowed(http.MethodGet), true
		}
		if p.Shutdown != nil && p.Shutdown.IsShuttingDown() {
			return jsonResponse(http.StatusServiceUnavailable, map[string]string{"status": "DOWN"}), true
		}
		return jsonResponse(http.StatusOK, map[string]string{"status": "UP"}), true

	case path == "/health/startup":
		if req.Method != http.MethodGet {
			return methodNotAllowed(http.MethodGet), true
		}
		return jsonResponse(http.StatusOK, map[string]string{"status": "UP"}), true

	case path == "/metrics":
		if req.Method != http.MethodGet {
			return methodNotAllowed(http.MethodGet), true
		}
		var buf bytes.Buffer
		if p.Metrics != nil {
			p.Metrics.WriteExposition(&buf)
		}
		h := http.Header{"Content-Type": {"text/plain; version=0.0.4; charset=utf-8"}}
		return Response{Status: http.StatusOK, Header: h, Body: buf.Bytes()}, true

	case path == "/auth/login":
		// Out of scope — no session/JWT issuance is
		// implemented, but the path still exists and is auth-exempt.
		return jsonResponse(http.StatusNotImplemented, map[string]string{"error": "not implemented"}), true

	case path == "/api/echo":
		if req.Method != http.MethodPost {
			return methodNotAllowed(http.MethodPost), true
		}
		parsed := h1.ParseBody(req.Header.Get("Content-Type"), req.Body)
		return jsonResponse(http.StatusOK, map[string]interface{}{
			"request_id": requestID,
			"length":     len(req.Body),
			"kind":       parsed.Kind,
			"echo":       bodyEchoValue(parsed),
		}), true

	case path == "/api/upload":
		if req.Method != http.MethodPost {
			return methodNotAllowed(http.MethodPost), true
		}
		parsed := h1.ParseBody(req.Header.Get("Content-Type"), req.Body)
		return jsonResponse(http.StatusOK, map[string]interface{}{
			"size":         len(req.Body),
			"content_type": req.Header.Get("Content-Type"),
			"parameters":   parsed.Fields,
		}), true

	case strings.HasPrefix(path, "/api/data"):
		switch req.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
			topic := dataTopic(path)
			if p.Hub != nil {
				p.Hub.Publish(topic, sse.Event{Name: strings.ToLower(req.Method), Data: string(req.Body)})
			}
			status := http.StatusOK
			if req.Method == http.MethodPost {
				status = http.StatusCreated
			}
			return jsonResponse(status, map[string]string{"status": "ok", "topic": topic}), true
		default:
			return methodNotAllowed(http.MethodPost, http.MethodPut, http.MethodDelete), true
		}
	}
	return Response{}, false
}

// bodyEchoValue renders a parsed body back out for /api/echo's response:
// JSON is re-embedded as a raw JSON value rather than re-escaped into a
// string, form/multipart bodies echo their flattened field map, and
// anything else echoes as UTF-8 text.
func bodyEchoValue(parsed h1.ParsedBody) interface{} {
	switch parsed.Kind {
	case "json":
		if json.Valid(parsed.JSON) {
			return json.RawMessage(parsed.JSON)
		}
		return string(parsed.JSON)
	case "form", "multipart":
		return parsed.Fields
	default:
		return string(parsed.Raw)
	}
}

// dataTopic extracts the SSE topic from an /api/data[/…] path, defaulting
// to "data" when no sub-path is given.
func dataTopic(path string) string {
	return TopicFromPath("/api/data", path, "data")
}

// TopicFromPath strips prefix from path and trims slashes to derive an SSE
// topic name, falling back to def when nothing remains. Shared by the
// /api/data publish handler and the /events subscribe path so both sides of
// a topic agree on its name.
func TopicFromPath(prefix, path, def string) string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return def
	}
	return rest
}

func methodNotAllowed(allowed ...string) Response {
	h := http.Header{}
	h.Set("Allow", strings.Join(allowed, ", "))
	return Response{Status: http.StatusMethodNotAllowed, Header: h}
}

func jsonResponse(status int, v interface{}) Response {
	body, _ := json.Marshal(v)
	h := http.Header{"Content-Type": {"application/json"}}
	return Response{Status: status, Header: h, Body: body}
}

func (p *Pipeline) serveStatic(webroot, path string, req Request) Response {
	res, err := h1.ServeStatic(
		p.ETags, p.Gzips, webroot, path,
		req.Method == http.MethodHead,
		req.Header.Get("If-None-Match"),
		req.Header.Get("If-Modified-Since"),
		req.Header.Get("Accept-Encoding"),
	)
	if err != nil {
		return Response{Status: http.StatusInternalServerError}
	}
	if res.Headers == nil {
		res.Headers = http.Header{}
	}
	return Response{Status: res.Status, Header: res.Headers, Body: res.Body}
}

func (p *Pipeline) authenticate(req Request) bool {
	if apiKey := req.Header.Get("X-API-Key"); apiKey != "" {
		return p.Auth.VerifyAPIKey(apiKey)
	}
	if basic := req.Header.Get("Authorization"); strings.HasPrefix(basic, "Basic ") {
		user, pass, ok := auth.ParseBasicHeader(strings.TrimPrefix(basic, "Basic "))
		if !ok {
			return false
		}
		return p.Auth.VerifyBasic(user, pass)
	}
	return false
}
