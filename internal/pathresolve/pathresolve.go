// Package pathresolve implements path-traversal-safe file resolution. It
// never distinguishes "forbidden" from "not found" to the caller — every
// rejection is reported the same way, leaving the caller to always choose
// 404 over 403.
package pathresolve

import (
	"path/filepath"
	"strings"

	"github.com/rawserve/core/internal/rerr"
)

// Resolve resolves requestPath (an HTTP request target, always carrying its
// leading "/") against webroot, returning the absolute filesystem path on
// success. Any of the four rejection conditions below returns a
// *rerr.Error of type ErrorTypePathRejected; callers must map every such
// error to 404 regardless of the underlying reason.
func Resolve(webroot, requestPath string) (string, error) {
	// 1. Reject if path contains ".." as a substring (conservative; also
	// rejects legitimate filenames like "file..txt", but a substring check
	// is the only guard that can't be fooled by encoding tricks).
	if strings.Contains(requestPath, "..") {
		return "", rerr.NewPathRejectedError("path contains \"..\"")
	}

	// An HTTP request target always carries a leading "/"; that single
	// slash anchors it to the webroot and is not itself "absolute" in the
	// filesystem sense. Strip exactly one before the absolute-path check so
	// step 2 below only fires on a filesystem-absolute-looking remainder
	// (e.g. a second leading slash, or an encoded drive letter) — the
	// actual path-traversal attempt this guards against.
	rel := strings.TrimPrefix(requestPath, "/")

	// 2. Reject if path is absolute.
	if filepath.IsAbs(rel) {
		return "", rerr.NewPathRejectedError("path is absolute")
	}

	absWebroot, err := filepath.Abs(webroot)
	if err != nil {
		return "", rerr.NewPathRejectedError("webroot could not be canonicalized")
	}
	canonicalWebroot, err := filepath.EvalSymlinks(absWebroot)
	if err != nil {
		// 4. On any I/O error during canonicalization, reject.
		return "", rerr.NewPathRejectedError("webroot could not be canonicalized")
	}

	joined := filepath.Join(canonicalWebroot, rel)
	canonical, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", rerr.NewPathRejectedError("path could not be canonicalized")
	}

	// 3. Verify the canonical result has the webroot canonical path as a
	// prefix.
	if canonical != canonicalWebroot && !strings.HasPrefix(canonical, canonicalWebroot+string(filepath.Separator)) {
		return "", rerr.NewPathRejectedError("path escapes webroot")
	}

	return canonical, nil
}
