package config

import "time"

// OrchestratorConfig holds runtime configuration for the launchpad service.
type OrchestratorConfig struct {
	Environment string
	Addr        string
	LogLevel    string

	StoreDriver      string
	DatabaseURL      string
	MigrationsDir    string
	AutoMigrate      bool
	EnvEncryptionKey string

	DockerHost       string
	Workdir          string
	CacheDir         string
	Registry         string
	SharedNetwork    string
	AttachContainers []string
	ProbePublished   bool

	ContainerMemoryMB   int
	ContainerCPUPercent int
	BuildTimeout        time.Duration
	ReadyTimeout        time.Duration
	MaxArchiveMB        int

	HealthPollInterval    time.Duration
	HealthWaitTimeout     time.Duration
	HealthCPUThreshold    float64
	HealthMemoryThreshold float64

	DefaultStrategy  string
	RetentionWindow  time.Duration
	RollbackWindow   time.Duration
	TrafficStepPause time.Duration
	MaxErrorRate     float64
	MaxP95           time.Duration
	MaxCPUPercent    float64
	MonitorDuration  time.Duration
	MonitorInterval  time.Duration
	CanaryRequests   int
	MetricBucketSpan time.Duration

	VerifyAttempts int
	VerifyDelay    time.Duration

	IngressDriver      string
	NginxConfigPath    string
	NginxReloadCommand string
	NginxContainerName string
	NginxCacheDir      string
	DomainSuffix       string
	DomainScheme       string

	ArtifactDriver string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TokenSecret       string
	RateLimitDeploys  int
	RateLimitRead     int
	RateLimitRuntime  int
	ShutdownTimeout   time.Duration
	DeployWaitTimeout time.Duration
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("LAUNCHPAD_ADDR", ":4100"),
		LogLevel:    GetString("LOG_LEVEL", "info"),

		StoreDriver:      GetString("STORE_DRIVER", "postgres"),
		DatabaseURL:      GetString("DATABASE_URL", "postgres://launchpad:launchpad@db:5432/launchpad?sslmode=disable"),
		MigrationsDir:    GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		AutoMigrate:      GetBool("DB_AUTO_MIGRATE", true),
		EnvEncryptionKey: GetString("ENV_ENCRYPTION_KEY", ""),

		DockerHost:       GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Workdir:          GetString("LAUNCHPAD_WORKDIR", "/tmp/launchpad/work"),
		CacheDir:         GetString("LAUNCHPAD_CACHE_DIR", "/tmp/launchpad/cache"),
		Registry:         GetString("DOCKER_REGISTRY", "launchpad"),
		SharedNetwork:    GetString("DOCKER_SHARED_NETWORK", "bridge"),
		AttachContainers: GetList("DOCKER_ATTACH_CONTAINERS", nil),
		ProbePublished:   GetBool("PROBE_PUBLISHED_PORTS", true),

		ContainerMemoryMB:   GetInt("CONTAINER_MEMORY_MB", 512),
		ContainerCPUPercent: GetInt("CONTAINER_CPU_PERCENT", 50),
		BuildTimeout:        GetSeconds("BUILD_TIMEOUT_SECONDS", 600),
		ReadyTimeout:        GetSeconds("CONTAINER_READY_TIMEOUT_SECONDS", 60),
		MaxArchiveMB:        GetInt("MAX_ARCHIVE_MB", 200),

		HealthPollInterval:    GetSeconds("HEALTH_POLL_SECONDS", 5),
		HealthWaitTimeout:     GetSeconds("HEALTH_WAIT_SECONDS", 120),
		HealthCPUThreshold:    GetFloat("HEALTH_CPU_THRESHOLD", 90),
		HealthMemoryThreshold: GetFloat("HEALTH_MEMORY_THRESHOLD", 85),

		DefaultStrategy:  GetString("DEPLOY_STRATEGY", "rolling"),
		RetentionWindow:  GetSeconds("RETENTION_WINDOW_SECONDS", 300),
		RollbackWindow:   GetSeconds("ROLLBACK_WINDOW_SECONDS", 900),
		TrafficStepPause: GetSeconds("TRAFFIC_STEP_PAUSE_SECONDS", 30),
		MaxErrorRate:     GetFloat("ROLLOUT_MAX_ERROR_RATE", 0.10),
		MaxP95:           time.Duration(GetInt("ROLLOUT_MAX_P95_MS", 500)) * time.Millisecond,
		MaxCPUPercent:    GetFloat("ROLLOUT_MAX_CPU_PERCENT", 80),
		MonitorDuration:  GetSeconds("ROLLOUT_MONITOR_SECONDS", 600),
		MonitorInterval:  GetSeconds("ROLLOUT_MONITOR_INTERVAL_SECONDS", 30),
		CanaryRequests:   GetInt("ROLLOUT_CANARY_REQUESTS", 5),
		MetricBucketSpan: GetSeconds("RUNTIME_METRIC_BUCKET_SECONDS", 10),

		VerifyAttempts: GetInt("VERIFY_ATTEMPTS", 5),
		VerifyDelay:    GetSeconds("VERIFY_DELAY_SECONDS", 2),

		IngressDriver:      GetString("INGRESS_DRIVER", "nginx"),
		NginxConfigPath:    GetString("NGINX_CONFIG_PATH", "/etc/nginx/conf.d"),
		NginxReloadCommand: GetString("NGINX_RELOAD_COMMAND", "nginx -s reload"),
		NginxContainerName: GetString("NGINX_CONTAINER_NAME", ""),
		NginxCacheDir:      GetString("NGINX_CACHE_DIR", "/var/cache/nginx/launchpad"),
		DomainSuffix:       GetString("INGRESS_DOMAIN_SUFFIX", ".launchpad.local"),
		DomainScheme:       GetString("INGRESS_SCHEME", "http"),

		ArtifactDriver: GetString("ARTIFACT_DRIVER", "memory"),
		MinioEndpoint:  GetString("MINIO_ENDPOINT", "minio:9000"),
		MinioAccessKey: GetString("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: GetString("MINIO_SECRET_KEY", ""),
		MinioBucket:    GetString("MINIO_BUCKET", "launchpad-artifacts"),
		MinioRegion:    GetString("MINIO_REGION", ""),
		MinioUseSSL:    GetBool("MINIO_USE_SSL", false),

		RedisAddr:     GetString("REDIS_ADDR", ""),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),

		TokenSecret:       GetString("API_TOKEN_SECRET", ""),
		RateLimitDeploys:  GetInt("RATE_LIMIT_DEPLOYS_PER_MIN", 20),
		RateLimitRead:     GetInt("RATE_LIMIT_READS_PER_MIN", 240),
		RateLimitRuntime:  GetInt("RATE_LIMIT_RUNTIME_PER_MIN", 6000),
		ShutdownTimeout:   GetSeconds("SHUTDOWN_TIMEOUT_SECONDS", 10),
		DeployWaitTimeout: GetSeconds("DEPLOY_WAIT_TIMEOUT_SECONDS", 1800),
	}
}

// ClientConfig holds settings for the launch CLI.
type ClientConfig struct {
	APIBaseURL  string
	Token       string
	TokenSecret string
}

// LoadClientConfig reads CLI settings from the environment.
func LoadClientConfig() ClientConfig {
	return ClientConfig{
		APIBaseURL:  GetString("LAUNCHPAD_API", "http://localhost:4100"),
		Token:       GetString("LAUNCHPAD_TOKEN", ""),
		TokenSecret: GetString("API_TOKEN_SECRET", ""),
	}
}
