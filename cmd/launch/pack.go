package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/pkg/archive"
)

const ignoreFile = ".launchpadignore"

var defaultExcludes = []string{".git", "node_modules", ".next", ".launchpad", "__pycache__", ".venv"}

// packDirectory gzips dir into a tar stream suitable for upload. Entries
// named in .launchpadignore are skipped along with the default excludes.
func packDirectory(dir string) (*bytes.Buffer, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	excludes, err := readIgnore(filepath.Join(dir, ignoreFile))
	if err != nil {
		return nil, err
	}
	rc, err := archive.TarWithOptions(dir, &archive.TarOptions{
		Compression:     archive.Gzip,
		ExcludePatterns: append(append([]string{}, defaultExcludes...), excludes...),
	})
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", dir, err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("pack %s: %w", dir, err)
	}
	return &buf, nil
}

func readIgnore(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, strings.TrimPrefix(line, "/"))
	}
	return patterns, scanner.Err()
}

// parseEnv turns repeated KEY=VALUE flags into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid env %q, expected KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}
