package build

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/splax/launchpad/internal/buildcache"
	"github.com/splax/launchpad/internal/framework"
	"github.com/splax/launchpad/internal/workspace"
)

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	failOn   string
}

func (f *fakeRunner) Run(_ context.Context, dir, command string, _ []string, onLine func(string)) error {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	onLine("running " + command)
	if f.failOn != "" && strings.Contains(command, f.failOn) {
		onLine("error: something broke")
		return errors.New("exit status 1")
	}
	if strings.Contains(command, "build") {
		out := filepath.Join(dir, ".next", "static")
		if err := os.MkdirAll(out, 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(out, "app.js"), []byte(strings.Repeat("console.log('x');\n", 200)), 0o644)
	}
	return nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

func sourceArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("body: %v", err)
		}
	}
	_ = tw.Close()
	_ = gz.Close()
	return buf.Bytes()
}

func newTestService(t *testing.T, runner CommandRunner) (*Service, *buildcache.Cache) {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "work"))
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	cache, err := buildcache.Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(ws, cache, runner, logger, 0), cache
}

var nextSource = map[string]string{
	"next.config.js":      "module.exports = {}",
	"package.json":        `{"scripts":{"build":"next build"},"dependencies":{"next":"14"}}`,
	"package-lock.json":   `{"lockfileVersion":3}`,
	"pages/index.js":      "export default function Home() { return null }",
	"pages/api/health.js": "export default (req, res) => res.status(200).end()",
}

func TestBuildCacheReuse(t *testing.T) {
	runner := &fakeRunner{}
	svc, _ := newTestService(t, runner)
	spec, _ := framework.Lookup(string(framework.NextJS))

	first, err := svc.Build(context.Background(), Request{DeploymentID: "dep-1", Archive: sourceArchive(t, nextSource), Framework: spec, Production: true}, nil)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	if first.CacheHit || first.CacheKey == "" {
		t.Fatalf("expected a cache miss with a key, got %+v", first)
	}
	if runner.count() != 2 {
		t.Fatalf("expected install and build to run, got %v", runner.commands)
	}
	if _, err := os.Stat(filepath.Join(first.OutputPath, ConfigFile)); err != nil {
		t.Fatalf("expected build config in output: %v", err)
	}
	if _, err := os.Stat(filepath.Join(first.OutputPath, ".next", "static", "app.js.gz")); err != nil {
		t.Fatalf("expected gzip sidecar in output: %v", err)
	}

	changed := map[string]string{}
	for k, v := range nextSource {
		changed[k] = v
	}
	changed["pages/index.js"] = "export default function Home() { return 'changed' }"

	second, err := svc.Build(context.Background(), Request{DeploymentID: "dep-2", Archive: sourceArchive(t, changed), Framework: spec}, nil)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if !second.CacheHit || second.BuildTime != 0 {
		t.Fatalf("expected cache hit with zero build time, got %+v", second)
	}
	if second.OutputPath != first.OutputPath || second.CacheKey != first.CacheKey {
		t.Fatalf("expected identical output path and key, got %q vs %q", second.OutputPath, first.OutputPath)
	}
	if runner.count() != 2 {
		t.Fatalf("expected install/build skipped on hit, got %v", runner.commands)
	}
}

func TestBuildWithoutLockFileIsNotCached(t *testing.T) {
	runner := &fakeRunner{}
	svc, cache := newTestService(t, runner)
	spec, _ := framework.Lookup(string(framework.NextJS))

	source := map[string]string{}
	for k, v := range nextSource {
		if k != "package-lock.json" {
			source[k] = v
		}
	}
	for _, id := range []string{"dep-a", "dep-b"} {
		result, err := svc.Build(context.Background(), Request{DeploymentID: id, Archive: sourceArchive(t, source), Framework: spec}, nil)
		if err != nil {
			t.Fatalf("build %s: %v", id, err)
		}
		if result.CacheHit || result.CacheKey != "" {
			t.Fatalf("expected uncached build, got %+v", result)
		}
	}
	if runner.count() != 4 {
		t.Fatalf("expected both builds to run install and build, got %v", runner.commands)
	}
	if entries, _ := cache.Entries(); len(entries) != 0 {
		t.Fatalf("expected no cache entries, got %d", len(entries))
	}
	if err := svc.Release("dep-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestBuildFailureCarriesLogsAndPublishesNothing(t *testing.T) {
	runner := &fakeRunner{failOn: "build"}
	svc, cache := newTestService(t, runner)
	spec, _ := framework.Lookup(string(framework.NextJS))

	var streamed []string
	_, err := svc.Build(context.Background(), Request{DeploymentID: "dep-x", Archive: sourceArchive(t, nextSource), Framework: spec}, func(stage Stage, line string) {
		streamed = append(streamed, string(stage)+": "+line)
	})
	var buildErr *BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("expected BuildError, got %v", err)
	}
	if buildErr.Stage != StageBuild {
		t.Fatalf("expected build stage failure, got %s", buildErr.Stage)
	}
	if len(buildErr.Logs) == 0 || !strings.Contains(strings.Join(buildErr.Logs, "\n"), "something broke") {
		t.Fatalf("expected captured logs, got %v", buildErr.Logs)
	}
	if len(streamed) == 0 {
		t.Fatalf("expected streamed log lines")
	}
	if entries, _ := cache.Entries(); len(entries) != 0 {
		t.Fatalf("expected no partial cache entry, got %d", len(entries))
	}
}

func TestParseCommand(t *testing.T) {
	args, err := parseCommand(`npm run build -- --flag "two words"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"npm", "run", "build", "--", "--flag", "two words"}
	if strings.Join(args, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %v got %v", want, args)
	}
	if _, err := parseCommand(`echo "unterminated`); err == nil {
		t.Fatalf("expected error for unterminated quote")
	}
}

func TestLogAggregatorCollapsesRepeats(t *testing.T) {
	var out []string
	agg := newLogAggregator(func(line string) { out = append(out, line) })
	agg.Add("downloading")
	agg.Add("downloading")
	agg.Add("downloading")
	agg.Add("done")
	agg.Flush()

	want := []string{"downloading", "downloading (repeated 2 more times)", "done"}
	if strings.Join(out, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %v got %v", want, out)
	}
	if tail := agg.Snapshot(1); len(tail) != 1 || tail[0] != "done" {
		t.Fatalf("unexpected snapshot %v", tail)
	}
}
