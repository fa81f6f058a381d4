package cache

import (
	"net/http"
	"strings"
	"time"
)

// MatchINM evaluates If-None-Match against the resource's current ETag:
// matches "*", an exact token, or weak-equivalence (strip "W/" on both
// sides and compare).
func MatchINM(header, etag string) bool {
	if header == "" {
		return false
	}
	if strings.TrimSpace(header) == "*" {
		return true
	}
	target := StripWeak(strings.TrimSpace(etag))
	for _, tok := range strings.Split(header, ",") {
		tok = strings.TrimSpace(tok)
		if StripWeak(tok) == target {
			return true
		}
	}
	return false
}

// MatchIMS evaluates If-Modified-Since against the file's mtime, truncated
// to second precision (RFC 7231 date, serve unless file-mtime > supplied
// time).
func MatchIMS(header string, mtime time.Time) bool {
	if header == "" {
		return false
	}
	t, err := http.ParseTime(header)
	if err != nil {
		return false
	}
	return !mtime.Truncate(time.Second).After(t.Truncate(time.Second))
}

// EvaluateConditional evaluates conditional-request precedence: If-None-Match
// first, else If-Modified-Since. Returns true if the response should be 304.
func EvaluateConditional(ifNoneMatch, ifModifiedSince, etag string, mtime time.Time) bool {
	if ifNoneMatch != "" {
		return MatchINM(ifNoneMatch, etag)
	}
	if ifModifiedSince != "" {
		return MatchIMS(ifModifiedSince, mtime)
	}
	return false
}
