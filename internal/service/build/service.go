// Package build turns an uploaded source archive into build output that the
// container manager can package, reusing prior output when the dependency
// lock files are unchanged.
package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/splax/launchpad/internal/buildcache"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/framework"
	"github.com/splax/launchpad/internal/metrics"
	"github.com/splax/launchpad/internal/retry"
	"github.com/splax/launchpad/internal/workspace"
)

// ConfigFile is the tuned bundler configuration written before the build runs.
const ConfigFile = "launchpad.build.json"

// Stage names a step of the pipeline.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageCache     Stage = "cache"
	StageInstall   Stage = "install"
	StageConfigure Stage = "configure"
	StageBuild     Stage = "build"
	StageOptimize  Stage = "optimize"
	StagePublish   Stage = "publish"
)

var outputExcludes = []string{"node_modules", ".git"}

// BuildError aborts a build and carries the captured output tail.
type BuildError struct {
	Stage Stage
	Logs  []string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s failed: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// LogFunc receives build output.
type LogFunc func(stage Stage, line string)

// Request describes one build.
type Request struct {
	DeploymentID string
	Archive      []byte
	Framework    framework.Spec
	Env          map[string]string
	BuildCommand string
	Production   bool
}

// Service runs the build pipeline.
type Service struct {
	workspace *workspace.Manager
	cache     *buildcache.Cache
	runner    CommandRunner
	logger    *slog.Logger
	timeout   time.Duration
	baseEnv   []string
}

// New constructs a build Service. A nil cache disables output reuse.
func New(ws *workspace.Manager, cache *buildcache.Cache, runner CommandRunner, logger *slog.Logger, timeout time.Duration) *Service {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		workspace: ws,
		cache:     cache,
		runner:    runner,
		logger:    logger,
		timeout:   timeout,
		baseEnv:   os.Environ(),
	}
}

// Build executes extract, cache lookup, install, configure, build, optimize
// and publish. A cache hit returns the cached output with zero build time.
func (s *Service) Build(ctx context.Context, req Request, onLog LogFunc) (domain.BuildResult, error) {
	if strings.TrimSpace(req.DeploymentID) == "" {
		return domain.BuildResult{}, errors.New("deployment id is required")
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	log := s.logger.With("deployment_id", req.DeploymentID, "framework", req.Framework.Variant)

	stage := StageExtract
	agg := newLogAggregator(func(line string) {
		if onLog != nil {
			onLog(stage, line)
		}
	})
	fail := func(err error) error {
		agg.Flush()
		metrics.StageFinished("build."+string(stage), "failed", time.Since(start))
		log.Error("build failed", "stage", stage, "error", err)
		return &BuildError{Stage: stage, Logs: agg.Snapshot(errorLogTail), Err: err}
	}

	dir, err := s.workspace.Extract(req.DeploymentID, req.Archive)
	if err != nil {
		return domain.BuildResult{}, fail(err)
	}
	agg.Add(fmt.Sprintf("extracted source to %s", dir))
	env := resolveEnv(req.Env)

	stage = StageCache
	key, err := buildcache.Key(dir)
	if err != nil {
		_ = s.workspace.Cleanup(dir)
		return domain.BuildResult{}, fail(err)
	}
	if key != "" && s.cache != nil {
		entry, hit := s.lookup(ctx, key, log)
		metrics.CacheLookup(hit)
		if hit {
			agg.Add(fmt.Sprintf("cache hit %s, skipping install and build", key[:12]))
			agg.Flush()
			_ = s.workspace.Cleanup(dir)
			log.Info("build cache hit", "cache_key", key, "path", entry.Path)
			return domain.BuildResult{OutputPath: entry.Path, BuildTime: 0, Env: env, CacheKey: key, CacheHit: true}, nil
		}
		agg.Add(fmt.Sprintf("cache miss %s", key[:12]))
	} else if key == "" {
		agg.Add("no lock file found, build output will not be cached")
	}

	cmdEnv := s.commandEnv(env, req.Production)
	pm := framework.DetectPackageManager(dir)

	stage = StageInstall
	install := pm.InstallCommand(dir)
	agg.Add("$ " + install)
	if err := s.runner.Run(ctx, dir, install, cmdEnv, agg.Add); err != nil {
		_ = s.workspace.Cleanup(dir)
		return domain.BuildResult{}, fail(err)
	}

	stage = StageConfigure
	if err := writeBuildConfig(dir, req.Framework.BuildConfig(req.Production)); err != nil {
		_ = s.workspace.Cleanup(dir)
		return domain.BuildResult{}, fail(err)
	}

	stage = StageBuild
	buildCmd := strings.TrimSpace(req.BuildCommand)
	if buildCmd == "" {
		buildCmd = pm.BuildCommand()
	}
	agg.Add("$ " + buildCmd)
	if err := s.runner.Run(ctx, dir, buildCmd, cmdEnv, agg.Add); err != nil {
		_ = s.workspace.Cleanup(dir)
		return domain.BuildResult{}, fail(err)
	}
	outputDir := filepath.Join(dir, req.Framework.OutputDir)
	if info, err := os.Stat(outputDir); err != nil || !info.IsDir() {
		_ = s.workspace.Cleanup(dir)
		return domain.BuildResult{}, fail(fmt.Errorf("build did not produce %s", req.Framework.OutputDir))
	}

	stage = StageOptimize
	stats, err := optimizeOutput(outputDir)
	if err != nil {
		_ = s.workspace.Cleanup(dir)
		return domain.BuildResult{}, fail(err)
	}
	agg.Add(fmt.Sprintf("optimized output: %d compressed, %d images re-encoded, %d bytes saved", stats.Compressed, stats.Reencoded, stats.BytesSaved))

	if key == "" || s.cache == nil {
		agg.Flush()
		elapsed := time.Since(start)
		log.Info("build completed", "duration", elapsed, "cached", false)
		return domain.BuildResult{OutputPath: dir, BuildTime: elapsed, Env: env}, nil
	}

	stage = StagePublish
	staging, err := s.cache.Stage(key)
	if err != nil {
		_ = s.workspace.Cleanup(dir)
		return domain.BuildResult{}, fail(err)
	}
	if err := workspace.CopyTree(dir, staging, outputExcludes); err != nil {
		s.cache.Discard(staging)
		_ = s.workspace.Cleanup(dir)
		return domain.BuildResult{}, fail(err)
	}
	if err := ctx.Err(); err != nil {
		s.cache.Discard(staging)
		_ = s.workspace.Cleanup(dir)
		return domain.BuildResult{}, fail(err)
	}
	entry, err := s.cache.Publish(key, staging, string(req.Framework.Variant))
	if err != nil {
		s.cache.Discard(staging)
		_ = s.workspace.Cleanup(dir)
		return domain.BuildResult{}, fail(err)
	}
	_ = s.workspace.Cleanup(dir)
	agg.Flush()

	elapsed := time.Since(start)
	metrics.StageFinished("build", "succeeded", elapsed)
	log.Info("build completed", "duration", elapsed, "cache_key", key, "path", entry.Path)
	return domain.BuildResult{OutputPath: entry.Path, BuildTime: elapsed, Env: env, CacheKey: key}, nil
}

// Release removes the workspace of an uncached build once its output has been packaged.
func (s *Service) Release(deploymentID string) error {
	return s.workspace.CleanupByID(deploymentID)
}

func (s *Service) lookup(ctx context.Context, key string, log *slog.Logger) (buildcache.Entry, bool) {
	var (
		entry buildcache.Entry
		hit   bool
	)
	err := retry.Do(ctx, retry.Policy{Interval: 200 * time.Millisecond, Attempts: 3}, func(context.Context) error {
		var err error
		entry, hit, err = s.cache.Lookup(key)
		return err
	})
	if err != nil {
		log.Warn("build cache lookup failed, building from scratch", "cache_key", key, "error", err)
		return buildcache.Entry{}, false
	}
	return entry, hit
}

func (s *Service) commandEnv(env map[string]string, production bool) []string {
	out := append([]string(nil), s.baseEnv...)
	if production {
		out = append(out, "NODE_ENV=production")
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func resolveEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func writeBuildConfig(dir string, cfg framework.BuildConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode build config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), data, 0o644); err != nil {
		return fmt.Errorf("write build config: %w", err)
	}
	return nil
}
