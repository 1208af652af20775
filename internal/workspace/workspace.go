package workspace

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/pkg/archive"
)

// Manager owns deployment-specific working directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// Prepare creates an empty isolated directory for the provided identifier.
func (m *Manager) Prepare(identifier string) (string, error) {
	if err := validIdentifier(identifier); err != nil {
		return "", err
	}
	dir := filepath.Join(m.root, identifier)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Extract unpacks a source archive (tar, tar.gz or zip) into the workspace
// for identifier and returns the directory.
func (m *Manager) Extract(identifier string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("source archive is empty")
	}
	dir, err := m.Prepare(identifier)
	if err != nil {
		return "", err
	}
	if IsZip(data) {
		err = unzip(data, dir)
	} else {
		err = archive.Untar(bytes.NewReader(data), dir, &archive.TarOptions{NoLchown: true})
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("extract archive: %w", err)
	}
	return dir, nil
}

// CopyTree copies src into dst, skipping the excluded patterns.
func CopyTree(src, dst string, exclude []string) error {
	rc, err := archive.TarWithOptions(src, &archive.TarOptions{ExcludePatterns: exclude})
	if err != nil {
		return fmt.Errorf("archive %s: %w", src, err)
	}
	defer rc.Close()
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if err := archive.Untar(rc, dst, &archive.TarOptions{NoLchown: true}); err != nil {
		return fmt.Errorf("copy into %s: %w", dst, err)
	}
	return nil
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the provided identifier.
func (m *Manager) CleanupByID(identifier string) error {
	if err := validIdentifier(identifier); err != nil {
		return err
	}
	return m.Cleanup(filepath.Join(m.root, identifier))
}

// IsZip reports whether data starts with a zip local file header.
func IsZip(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], []byte("PK\x03\x04"))
}

func validIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("workspace identifier cannot be empty")
	}
	if strings.ContainsAny(identifier, `/\`) || identifier == "." || identifier == ".." {
		return fmt.Errorf("invalid workspace identifier %q", identifier)
	}
	return nil
}

func unzip(data []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		target := filepath.Join(dir, filepath.FromSlash(f.Name))
		rel, err := filepath.Rel(dir, target)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("zip entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := writeZipEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
