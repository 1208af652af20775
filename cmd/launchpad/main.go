package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/launchpad/internal/app/migrate"
	"github.com/splax/launchpad/internal/buildcache"
	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/domain"
	httpx "github.com/splax/launchpad/internal/http"
	"github.com/splax/launchpad/internal/lock"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/repository/memory"
	"github.com/splax/launchpad/internal/repository/postgres"
	"github.com/splax/launchpad/internal/service/artifact"
	"github.com/splax/launchpad/internal/service/bluegreen"
	"github.com/splax/launchpad/internal/service/build"
	"github.com/splax/launchpad/internal/service/container"
	"github.com/splax/launchpad/internal/service/domains"
	"github.com/splax/launchpad/internal/service/health"
	"github.com/splax/launchpad/internal/service/ingress"
	"github.com/splax/launchpad/internal/service/logs"
	"github.com/splax/launchpad/internal/service/orchestrator"
	"github.com/splax/launchpad/internal/service/rollout"
	"github.com/splax/launchpad/internal/service/telemetry"
	"github.com/splax/launchpad/internal/workspace"
	"github.com/splax/launchpad/internal/ws"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/logger"
)

func main() {
	cfg := config.LoadOrchestratorConfig()
	log := logger.New("launchpad", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("launchpad exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.OrchestratorConfig, log *slog.Logger) error {
	checks := map[string]func(context.Context) error{}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
		checks["database"] = pinger.Ping
	}

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	if daemon, api, err := dockerClient.ServerVersion(ctx); err == nil {
		log.Info("docker daemon connected", "version", daemon, "api_version", api)
	}
	checks["docker"] = dockerClient.Ping

	artifacts, err := openArtifacts(ctx, cfg, log)
	if err != nil {
		return err
	}
	checks["artifacts"] = artifacts.Healthy

	locker, limiter, closeRedis := openCoordination(ctx, cfg, log)
	defer closeRedis()

	hub := ws.NewHub()
	defer hub.Close()
	logSvc := logs.New(store, hub, log)

	runtimeSvc := telemetry.NewService(cfg.MetricBucketSpan, hub, log)
	go runtimeSvc.Run(ctx)

	containers := container.New(dockerClient, container.Config{
		Registry:         cfg.Registry,
		SharedNetwork:    cfg.SharedNetwork,
		AttachContainers: cfg.AttachContainers,
		MemoryMB:         cfg.ContainerMemoryMB,
		CPUPercent:       cfg.ContainerCPUPercent,
		ReadyTimeout:     cfg.ReadyTimeout,
		ProbePublished:   cfg.ProbePublished,
	}, log)
	defer containers.Close()

	checker := health.New(containers, store, runtimeSvc, health.Config{
		CPUThreshold:    cfg.HealthCPUThreshold,
		MemoryThreshold: cfg.HealthMemoryThreshold,
		PollInterval:    cfg.HealthPollInterval,
	}, log)

	edge, err := openEdge(cfg, dockerClient, log)
	if err != nil {
		return err
	}

	blueGreen := bluegreen.New(containers, checker, edge, store, bluegreen.Config{
		RetentionWindow: cfg.RetentionWindow,
		HealthTimeout:   cfg.HealthWaitTimeout,
	}, log)
	collector := telemetry.NewCollector(runtimeSvc, containers, telemetry.CollectorConfig{
		CanaryRequests: cfg.CanaryRequests,
	}, log)
	blueGreen.OnTeardown(collector.Reset)
	blueGreen.OnTeardown(checker.Forget)
	staged, err := rollout.New(blueGreen, collector, store, rollout.Config{
		StepPause:       cfg.TrafficStepPause,
		MonitorDuration: cfg.MonitorDuration,
		MonitorInterval: cfg.MonitorInterval,
		Thresholds: rollout.Thresholds{
			MaxErrorRate:  cfg.MaxErrorRate,
			MaxP95:        cfg.MaxP95,
			MaxCPUPercent: cfg.MaxCPUPercent,
		},
	}, log)
	if err != nil {
		return fmt.Errorf("configure staged rollout: %w", err)
	}

	workspaces, err := workspace.New(cfg.Workdir)
	if err != nil {
		return fmt.Errorf("prepare workdir: %w", err)
	}
	cache, err := buildcache.Open(cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("open build cache: %w", err)
	}
	defer cache.Close()
	builder := build.New(workspaces, cache, build.ExecRunner{}, log, cfg.BuildTimeout)

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Artifacts: artifacts,
		Builder:   builder,
		Strategies: map[domain.Strategy]orchestrator.Strategy{
			domain.StrategyBlueGreen: blueGreen,
			domain.StrategyRolling:   staged,
		},
		Containers: containers,
		Router:     edge,
		CDN:        edge,
		WAF:        edge,
		Domains:    domains.New(cfg.DomainSuffix, cfg.DomainScheme, log),
		Retirer:    blueGreen,
		Locker:     locker,
		Logs:       logSvc,
	}, orchestrator.Config{
		DefaultStrategy: domain.ParseStrategy(cfg.DefaultStrategy, domain.StrategyRolling),
		RetentionWindow: cfg.RetentionWindow,
		RollbackWindow:  cfg.RollbackWindow,
		VerifyAttempts:  cfg.VerifyAttempts,
		VerifyDelay:     cfg.VerifyDelay,
		MaxArchiveBytes: int64(cfg.MaxArchiveMB) << 20,
	}, log)
	if err != nil {
		return fmt.Errorf("configure orchestrator: %w", err)
	}
	defer orch.Close()

	router := httpx.NewRouter(log, httpx.Services{
		Deployments: orch,
		Health:      checker,
		Logs:        logSvc,
		Runtime:     runtimeSvc,
		Streams:     hub,
	}, httpx.Config{
		TokenSecret:     cfg.TokenSecret,
		Limiter:         limiter,
		DeployLimit:     cfg.RateLimitDeploys,
		ReadLimit:       cfg.RateLimitRead,
		RuntimeLimit:    cfg.RateLimitRuntime,
		MaxArchiveBytes: int64(cfg.MaxArchiveMB) << 20,
		WaitTimeout:     cfg.DeployWaitTimeout,
		Checks:          checks,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("launchpad server starting", "addr", cfg.Addr, "store", cfg.StoreDriver, "ingress", cfg.IngressDriver, "default_strategy", cfg.DefaultStrategy)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("launchpad server stopped")
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

func openStore(ctx context.Context, cfg config.OrchestratorConfig, log *slog.Logger) (repository.Store, func(), error) {
	if strings.EqualFold(cfg.StoreDriver, "memory") {
		log.Warn("using in-memory record store, state is lost on restart")
		return memory.New(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if cfg.AutoMigrate {
		runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
	}
	var opts []postgres.Option
	if key := strings.TrimSpace(cfg.EnvEncryptionKey); key != "" {
		opts = append(opts, postgres.WithEnvEncryption(key))
	} else {
		log.Warn("ENV_ENCRYPTION_KEY not set, deployment env vars are stored in plain text")
	}
	repo := postgres.New(pool, opts...)
	if err := repo.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	return repo, pool.Close, nil
}

func openArtifacts(ctx context.Context, cfg config.OrchestratorConfig, log *slog.Logger) (artifact.Store, error) {
	if !strings.EqualFold(cfg.ArtifactDriver, "minio") {
		log.Warn("using in-memory artifact store, redeploys are limited to this process")
		return artifact.NewMemory(), nil
	}
	store, err := artifact.NewMinio(ctx, artifact.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		Region:    cfg.MinioRegion,
		UseSSL:    cfg.MinioUseSSL,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	return store, nil
}

// openCoordination returns the promotion lock and the API rate limiter,
// shared through Redis when configured so several processes agree.
func openCoordination(ctx context.Context, cfg config.OrchestratorConfig, log *slog.Logger) (lock.Locker, httpx.RateLimiter, func()) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return lock.NewMemory(), httpx.NewMemoryRateLimiter(), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable, falling back to in-process coordination", "addr", addr, "error", err)
		_ = client.Close()
		return lock.NewMemory(), httpx.NewMemoryRateLimiter(), func() {}
	}
	log.Info("redis coordination enabled", "addr", addr)
	return lock.NewRedis(client, log), httpx.NewRedisRateLimiter(client, log), func() { _ = client.Close() }
}

func openEdge(cfg config.OrchestratorConfig, dockerClient *docker.Client, log *slog.Logger) (*ingress.Edge, error) {
	edgeCfg := ingress.Config{DomainSuffix: cfg.DomainSuffix, CacheDir: cfg.NginxCacheDir}
	if strings.EqualFold(cfg.IngressDriver, "none") {
		log.Warn("ingress driver disabled, traffic assignments are kept in memory only")
		return ingress.New(nil, edgeCfg, log), nil
	}
	var (
		reloader ingress.Reloader
		err      error
	)
	if name := strings.TrimSpace(cfg.NginxContainerName); name != "" {
		reloader, err = ingress.NewDockerReloader(dockerClient, name)
	} else {
		reloader, err = ingress.NewCommandReloader(cfg.NginxReloadCommand)
	}
	if err != nil {
		return nil, fmt.Errorf("configure nginx reload: %w", err)
	}
	writer, err := ingress.NewNginxWriter(cfg.NginxConfigPath, reloader)
	if err != nil {
		return nil, fmt.Errorf("configure nginx writer: %w", err)
	}
	return ingress.New(writer, edgeCfg, log), nil
}
