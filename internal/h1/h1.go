// Package h1 implements the HTTP/1.1 connection engine: request-line and
// header parsing with size limits, the keep-alive state machine, static
// file serving, and request-body parsing by Content-Type.
package h1

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/rawserve/core/internal/rerr"
)

// MaxRequestLineBytes is the largest accepted request line.
const MaxRequestLineBytes = 8 * 1024

// MaxHeaderBytes is the largest accepted cumulative header size.
const MaxHeaderBytes = 8 * 1024

// MaxHeaderCount is the largest accepted header count.
const MaxHeaderCount = 100

// KeepAliveTimeoutSeconds is the idle timeout for a keep-alive connection.
const KeepAliveTimeoutSeconds = 15

// MaxKeepAliveRequests is the largest number of requests served on a single
// keep-alive connection before it is closed.
const MaxKeepAliveRequests = 1000

// Request is a fully parsed HTTP/1.1 request line plus headers; the body is
// read separately by the caller once Content-Length/Transfer-Encoding is
// known.
type Request struct {
	Method     string
	Path       string
	RawTarget  string
	Query      url.Values
	Proto      string
	Header     textproto.MIMEHeader
	RemoteAddr string
}

// readLimitedLine wraps a bufio.Reader's ReadString so a client that
// never sends '\n' cannot hold a goroutine reading forever into an
// unbounded buffer.
func readLimitedLine(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if sb.Len() >= limit {
			return "", rerr.NewOversizeError("h1.readLine", int64(limit))
		}
		if b == '\n' {
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
}

// ParseRequest reads one request line and header block from br, enforcing
// the request-line/header size limits above. The returned Request's body
// has not yet been consumed.
func ParseRequest(br *bufio.Reader, remoteAddr string) (*Request, error) {
	line, err := readLimitedLine(br, MaxRequestLineBytes)
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return nil, io.EOF
	}

	parts := strings.Fields(line)
	if len(parts) != 3 {
		return nil, rerr.NewParseError("h1.ParseRequest", fmt.Sprintf("malformed request line: %q", line), nil)
	}
	method, target, proto := parts[0], parts[1], parts[2]

	if !httpguts.ValidHeaderFieldValue(proto) {
		return nil, rerr.NewParseError("h1.ParseRequest", "invalid protocol token", nil)
	}

	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, rerr.NewParseError("h1.ParseRequest", fmt.Sprintf("invalid request target: %q", target), err)
	}

	tp := textproto.NewReader(br)
	var headerBytes int
	var headerCount int
	header := make(textproto.MIMEHeader)
	for {
		hline, err := tp.ReadLine()
		if err != nil {
			return nil, rerr.NewParseError("h1.ParseRequest", "failed reading headers", err)
		}
		if hline == "" {
			break
		}
		headerBytes += len(hline) + 2
		if headerBytes > MaxHeaderBytes {
			return nil, rerr.NewOversizeError("h1.ParseRequest", int64(MaxHeaderBytes))
		}
		name, value, ok := strings.Cut(hline, ":")
		if !ok {
			return nil, rerr.NewParseError("h1.ParseRequest", fmt.Sprintf("malformed header line: %q", hline), nil)
		}
		name = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, rerr.NewParseError("h1.ParseRequest", fmt.Sprintf("invalid header field: %q", name), nil)
		}
		headerCount++
		if headerCount > MaxHeaderCount {
			return nil, rerr.NewOversizeError("h1.ParseRequest", int64(MaxHeaderCount))
		}
		header.Add(name, value)
	}

	return &Request{
		Method:     method,
		Path:       u.Path,
		RawTarget:  target,
		Query:      u.Query(),
		Proto:      proto,
		Header:     header,
		RemoteAddr: remoteAddr,
	}, nil
}

// WantsKeepAlive reports whether the connection should remain open after
// this response: HTTP/1.1 defaults to keep-alive unless "Connection: close"
// is sent; HTTP/1.0 requires an explicit "Connection: keep-alive".
func (r *Request) WantsKeepAlive() bool {
	conn := strings.ToLower(r.Header.Get("Connection"))
	if strings.Contains(conn, "close") {
		return false
	}
	if r.Proto == "HTTP/1.1" {
		return true
	}
	return strings.Contains(conn, "keep-alive")
}

// ContentLength returns the parsed Content-Length header, or -1 if absent,
// or an error if present but malformed / negative.
func (r *Request) ContentLength() (int64, error) {
	v := r.Header.Get("Content-Length")
	if v == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, rerr.NewParseError("h1.ContentLength", fmt.Sprintf("invalid Content-Length: %q", v), err)
	}
	return n, nil
}

// IsChunked reports whether Transfer-Encoding: chunked was sent.
func (r *Request) IsChunked() bool {
	return strings.EqualFold(r.Header.Get("Transfer-Encoding"), "chunked")
}

// ParsedBody is the result of classifying and decoding a request body by
// Content-Type.
type ParsedBody struct {
	Kind   string // "json", "form", "multipart", "text", "raw"
	JSON   []byte
	Fields url.Values // flat key/value view: form fields, multipart parts, or a JSON object's top-level members
	Raw    []byte
}

// ClassifyContentType maps a Content-Type header value to the ParsedBody
// Kind that should be used to interpret it.
func ClassifyContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "raw"
	}
	switch {
	case mediaType == "application/json":
		return "json"
	case mediaType == "application/x-www-form-urlencoded":
		return "form"
	case strings.HasPrefix(mediaType, "multipart/"):
		return "multipart"
	case strings.HasPrefix(mediaType, "text/"):
		return "text"
	default:
		return "raw"
	}
}

// ParseBody classifies contentType and decodes body accordingly: JSON is
// kept verbatim alongside a best-effort flat key/value extraction of its
// top-level members, form-urlencoded is percent-decoded and split on '&'
// then the first '=', multipart/form-data is split on the boundary with
// each part's Content-Disposition name extracted, text/plain is kept as a
// UTF-8 string, and everything else is kept as raw bytes.
func ParseBody(contentType string, body []byte) ParsedBody {
	kind := ClassifyContentType(contentType)
	switch kind {
	case "json":
		return ParsedBody{Kind: kind, JSON: body, Fields: flattenJSONObject(body)}
	case "form":
		return ParsedBody{Kind: kind, Fields: parseFormURLEncoded(string(body))}
	case "multipart":
		_, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			return ParsedBody{Kind: kind, Raw: body}
		}
		return ParsedBody{Kind: kind, Fields: parseMultipartSimple(body, params["boundary"])}
	case "text":
		return ParsedBody{Kind: kind, Raw: body}
	default:
		return ParsedBody{Kind: kind, Raw: body}
	}
}

// flattenJSONObject best-effort-extracts a JSON object's top-level members
// as strings; a body that isn't a JSON object, or any member whose value
// isn't itself a scalar, is simply omitted rather than erroring.
func flattenJSONObject(body []byte) url.Values {
	values := url.Values{}
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return values
	}
	for k, v := range obj {
		switch t := v.(type) {
		case string:
			values.Add(k, t)
		case float64, bool:
			values.Add(k, fmt.Sprintf("%v", t))
		}
	}
	return values
}

// parseFormURLEncoded splits s on '&' then the first '=' in each pair,
// RFC 3986 percent-decoding each side; a pair with no '=' is kept with an
// empty value.
func parseFormURLEncoded(s string) url.Values {
	values := url.Values{}
	if s == "" {
		return values
	}
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		key, val, _ := strings.Cut(pair, "=")
		key, err1 := url.PathUnescape(key)
		val, err2 := url.PathUnescape(val)
		if err1 != nil || err2 != nil {
			continue
		}
		values.Add(key, val)
	}
	return values
}

// parseMultipartSimple splits body on the boundary and, for each part,
// extracts the Content-Disposition "name" and takes the first non-empty
// line after the header/body blank line as the value — a simplified
// reading of multipart/form-data that doesn't handle nested multipart,
// binary file parts, or folded headers.
func parseMultipartSimple(body []byte, boundary string) url.Values {
	values := url.Values{}
	if boundary == "" {
		return values
	}
	delim := []byte("--" + boundary)
	for _, part := range bytes.Split(body, delim) {
		part = bytes.Trim(part, "\r\n")
		if len(part) == 0 || bytes.Equal(part, []byte("--")) {
			continue
		}
		var name, value string
		inHeaders := true
		for _, lineBytes := range bytes.Split(part, []byte("\n")) {
			line := strings.TrimRight(string(lineBytes), "\r")
			if inHeaders {
				if line == "" {
					inHeaders = false
					continue
				}
				if strings.HasPrefix(strings.ToLower(line), "content-disposition:") {
					if idx := strings.Index(line, `name="`); idx != -1 {
						rest := line[idx+len(`name="`):]
						if end := strings.Index(rest, `"`); end != -1 {
							name = rest[:end]
						}
					}
				}
				continue
			}
			if value == "" && line != "" {
				value = line
			}
		}
		if name != "" {
			values.Add(name, value)
		}
	}
	return values
}
