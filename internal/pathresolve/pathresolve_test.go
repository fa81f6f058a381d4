package pathresolve

import (
	"os"
	"path/filepath"
	"testing"
)

func setupWebroot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "page.html"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestResolveValidNested(t *testing.T) {
	root := setupWebroot(t)
	p, err := Resolve(root, "/sub/page.html")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(p) != "page.html" {
		t.Fatalf("got unexpected path: %s", p)
	}
}

func TestResolveRejectsDotDot(t *testing.T) {
	root := setupWebroot(t)
	if _, err := Resolve(root, "/../etc/passwd"); err == nil {
		t.Fatalf("expected rejection")
	}
}

func TestResolveRejectsDotDotInFilename(t *testing.T) {
	root := setupWebroot(t)
	// Preserves the documented quirk: legitimate filenames containing ".."
	// are also rejected.
	if _, err := Resolve(root, "/file..txt"); err == nil {
		t.Fatalf("expected rejection of filename containing \"..\"")
	}
}

func TestResolveRejectsDoubleLeadingSlash(t *testing.T) {
	root := setupWebroot(t)
	// A second leading slash makes the remainder (after stripping the
	// request target's own leading "/") filesystem-absolute.
	if _, err := Resolve(root, "//etc/passwd"); err == nil {
		t.Fatalf("expected rejection of double-leading-slash path")
	}
}

func TestResolveRejectsEscapeViaSymlink(t *testing.T) {
	root := setupWebroot(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := Resolve(root, "/escape/secret.txt"); err == nil {
		t.Fatalf("expected rejection of symlink escape")
	}
}
