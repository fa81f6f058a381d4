package h1

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rawserve/core/internal/cache"
	"github.com/rawserve/core/internal/pathresolve"
)

// allowedMethods lists the methods this engine accepts. A method outside
// this set gets a 405 with an Allow header listing these.
var allowedMethods = []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"}

// AllowHeaderValue is the literal Allow header value sent with 405s.
var AllowHeaderValue = strings.Join(allowedMethods, ", ")

// maxServedFileSize bounds a single static file's size; larger files are
// rejected with 413 rather than read fully into memory.
const maxServedFileSize = 1 * 1024 * 1024 * 1024

// IsMethodAllowed reports whether method is in the supported set.
func IsMethodAllowed(method string) bool {
	for _, m := range allowedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// StaticResult is the outcome of serving a GET/HEAD request for a file
// under the webroot.
type StaticResult struct {
	Status      int
	Headers     http.Header
	Body        []byte
	BodyIsEmpty bool // true for HEAD and for 304 — no body bytes to write
}

// ServeStatic resolves requestPath under webroot and serves it, applying
// ETag generation, conditional-request evaluation, and gzip compression.
// head suppresses the response body per HTTP HEAD semantics.
func ServeStatic(
	etags *cache.ETagCache,
	gzips *cache.GzipCache,
	webroot, requestPath string,
	head bool,
	ifNoneMatch, ifModifiedSince, acceptEncoding string,
) (*StaticResult, error) {
	fsPath, err := pathresolve.Resolve(webroot, requestPath)
	if err != nil {
		// Every rejection — traversal, absolute path, missing file — maps to
		// 404. Never reveal whether the path is forbidden or merely absent.
		return &StaticResult{Status: http.StatusNotFound, Headers: http.Header{}}, nil
	}

	info, err := os.Stat(fsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &StaticResult{Status: http.StatusNotFound, Headers: http.Header{}}, nil
		}
		return nil, err
	}
	if info.IsDir() {
		return &StaticResult{Status: http.StatusNotFound, Headers: http.Header{}}, nil
	}
	if info.Size() > maxServedFileSize {
		return &StaticResult{Status: http.StatusRequestEntityTooLarge, Headers: http.Header{}}, nil
	}

	etag, mtime, err := etags.Generate(fsPath)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("ETag", etag)
	headers.Set("Last-Modified", mtime.UTC().Format(http.TimeFormat))
	headers.Set("Cache-Control", "public, max-age=3600, must-revalidate")

	if cache.EvaluateConditional(ifNoneMatch, ifModifiedSince, etag, mtime) {
		return &StaticResult{Status: http.StatusNotModified, Headers: headers, BodyIsEmpty: true}, nil
	}

	if head {
		headers.Set("Content-Length", fmt.Sprintf("%d", info.Size()))
		return &StaticResult{Status: http.StatusOK, Headers: headers, BodyIsEmpty: true}, nil
	}

	mimeType := mimeTypeForExt(cache.Ext(fsPath))
	headers.Set("Content-Type", mimeType)

	if cache.IsCompressible(acceptEncoding, mimeType, cache.Ext(fsPath), info.Size()) {
		compressed, err := gzips.CompressFile(fsPath)
		if err != nil {
			return nil, err
		}
		headers.Set("Content-Encoding", "gzip")
		headers.Set("Vary", "Accept-Encoding")
		headers.Set("Content-Length", fmt.Sprintf("%d", len(compressed)))
		return &StaticResult{Status: http.StatusOK, Headers: headers, Body: compressed}, nil
	}

	body, err := os.ReadFile(fsPath)
	if err != nil {
		return nil, err
	}
	headers.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	return &StaticResult{Status: http.StatusOK, Headers: headers, Body: body}, nil
}

var extMIME = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".json": "application/json",
	".xml":  "application/xml",
	".txt":  "text/plain; charset=utf-8",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".ico":  "image/x-icon",
	".woff": "font/woff",
	".woff2": "font/woff2",
	".pdf":  "application/pdf",
}

func mimeTypeForExt(ext string) string {
	if mt, ok := extMIME[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}
