package workspace

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func TestExtractTarGz(t *testing.T) {
	mgr, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	data := tarGz(t, map[string]string{"package.json": `{"name":"app"}`, "pages/index.js": "export default 1"})
	dir, err := mgr.Extract("dep-1", data)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pages", "index.js")); err != nil {
		t.Fatalf("expected nested file extracted: %v", err)
	}
}

func TestExtractZip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("nuxt.config.ts")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	_, _ = w.Write([]byte("export default {}"))
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if !IsZip(buf.Bytes()) {
		t.Fatalf("expected zip magic to be detected")
	}

	mgr, _ := New(t.TempDir())
	dir, err := mgr.Extract("dep-zip", buf.Bytes())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "nuxt.config.ts")); err != nil {
		t.Fatalf("expected zip entry extracted: %v", err)
	}
}

func TestExtractRejectsZipTraversal(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("../evil.txt")
	_, _ = w.Write([]byte("x"))
	_ = zw.Close()

	root := t.TempDir()
	mgr, _ := New(root)
	if _, err := mgr.Extract("dep-evil", buf.Bytes()); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, err := os.Stat(filepath.Join(root, "evil.txt")); !os.IsNotExist(err) {
		t.Fatalf("traversal entry must not be written")
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	mgr, _ := New(t.TempDir())
	if err := mgr.Cleanup(t.TempDir()); err == nil {
		t.Fatalf("expected cleanup outside root to fail")
	}
	if _, err := mgr.Prepare("../escape"); err == nil {
		t.Fatalf("expected path identifiers to be rejected")
	}
}

func TestCopyTreeExcludes(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "node_modules", "x"), 0o755); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(src, "node_modules", "x", "index.js"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(src, "server.js"), []byte("y"), 0o644)

	dst := filepath.Join(t.TempDir(), "out")
	if err := CopyTree(src, dst, []string{"node_modules"}); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "server.js")); err != nil {
		t.Fatalf("expected server.js copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "node_modules")); !os.IsNotExist(err) {
		t.Fatalf("expected node_modules excluded")
	}
}
