package h1

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/rawserve/core/internal/cache"
)

func TestServeStaticServesFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644)

	etags := cache.NewETagCache()
	gzips := cache.NewGzipCache()

	res, err := ServeStatic(etags, gzips, dir, "/a.txt", false, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != http.StatusOK || string(res.Body) != "hello" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Headers.Get("ETag") == "" {
		t.Fatalf("expected ETag header to be set")
	}
}

func TestServeStaticReturns404ForMissing(t *testing.T) {
	dir := t.TempDir()
	etags := cache.NewETagCache()
	gzips := cache.NewGzipCache()

	res, err := ServeStatic(etags, gzips, dir, "/missing.txt", false, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Status)
	}
}

func TestServeStaticRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	etags := cache.NewETagCache()
	gzips := cache.NewGzipCache()

	res, err := ServeStatic(etags, gzips, dir, "/../../../etc/passwd", false, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != http.StatusNotFound {
		t.Fatalf("expected 404 for traversal attempt, got %d", res.Status)
	}
}

func TestServeStaticConditionalNotModified(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644)

	etags := cache.NewETagCache()
	gzips := cache.NewGzipCache()

	first, err := ServeStatic(etags, gzips, dir, "/a.txt", false, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	etag := first.Headers.Get("ETag")

	second, err := ServeStatic(etags, gzips, dir, "/a.txt", false, etag, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", second.Status)
	}
}

func TestServeStaticHeadHasNoBody(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644)

	etags := cache.NewETagCache()
	gzips := cache.NewGzipCache()

	res, err := ServeStatic(etags, gzips, dir, "/a.txt", true, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.BodyIsEmpty || len(res.Body) != 0 {
		t.Fatalf("expected empty body for HEAD")
	}
}
