package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/pkg/crypto"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	envKey string
}

// Option customises the repository.
type Option func(*Repository)

// WithEnvEncryption seals deployment env maps with the provided key.
func WithEnvEncryption(key string) Option {
	return func(r *Repository) {
		r.envKey = strings.TrimSpace(key)
	}
}

// New constructs a Repository.
func New(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{pool: pool}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository     = (*Repository)(nil)
	_ repository.DeploymentRepository  = (*Repository)(nil)
	_ repository.HealthCheckRepository = (*Repository)(nil)
)

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// EnsureProject returns the project, inserting it on first use.
func (r *Repository) EnsureProject(ctx context.Context, projectID string) (*domain.Project, error) {
	const insert = `INSERT INTO projects (id, name, created_at, updated_at)
		VALUES ($1, $1, now(), now())
		ON CONFLICT (id) DO NOTHING`
	if _, err := r.pool.Exec(ctx, insert, projectID); err != nil {
		return nil, fmt.Errorf("ensure project: %w", err)
	}
	return r.GetProject(ctx, projectID)
}

// GetProject fetches a project by id.
func (r *Repository) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, production_deployment_id, previous_deployment_id, created_at, updated_at
		FROM projects WHERE id = $1`
	var (
		p          domain.Project
		production *string
		previous   *string
	)
	row := r.pool.QueryRow(ctx, query, projectID)
	if err := row.Scan(&p.ID, &p.Name, &production, &previous, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	p.ProductionDeploymentID = derefString(production)
	p.PreviousDeploymentID = derefString(previous)
	return &p, nil
}

// SetProductionDeployment swaps the production pointer inside a transaction,
// holding a row lock so concurrent promotions for the same project serialise.
func (r *Repository) SetProductionDeployment(ctx context.Context, projectID, expected, next string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin promotion: %w", err)
	}
	defer tx.Rollback(ctx)

	const lock = `SELECT production_deployment_id FROM projects WHERE id = $1 FOR UPDATE`
	var current *string
	if err := tx.QueryRow(ctx, lock, projectID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("lock project: %w", err)
	}
	if derefString(current) != expected {
		return repository.ErrConflict
	}

	const update = `UPDATE projects
		SET previous_deployment_id = production_deployment_id,
			production_deployment_id = $2,
			updated_at = now()
		WHERE id = $1`
	if _, err := tx.Exec(ctx, update, projectID, emptyToNil(next)); err != nil {
		return fmt.Errorf("update production pointer: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit promotion: %w", err)
	}
	return nil
}

// CreateDeployment inserts a deployment row.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	envPlain, envSealed, err := r.encodeEnv(d.Env)
	if err != nil {
		return err
	}
	stages, err := json.Marshal(stagesOrEmpty(d.Stages))
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	const query = `INSERT INTO deployments (id, project_id, framework, version, commit_sha, branch, build_command,
			runtime_version, strategy, status, artifact_ref, env, env_encrypted, stages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err = r.pool.Exec(ctx, query,
		d.ID,
		d.ProjectID,
		d.Framework,
		d.Version,
		d.Commit,
		d.Branch,
		d.BuildCommand,
		d.RuntimeVersion,
		string(d.Strategy),
		string(d.Status),
		emptyToNil(d.ArtifactRef),
		envPlain,
		envSealed,
		stages,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	for _, entry := range d.BuildLogs {
		if err := r.AppendDeploymentLog(ctx, d.ID, entry); err != nil {
			return err
		}
	}
	return nil
}

// UpdateDeployment writes every mutable column. Log lines live in their own
// table and the health snapshot is owned by RecordHealthCheck.
func (r *Repository) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	envPlain, envSealed, err := r.encodeEnv(d.Env)
	if err != nil {
		return err
	}
	stages, err := json.Marshal(stagesOrEmpty(d.Stages))
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	const query = `UPDATE deployments SET
			framework = $2, build_command = $3, runtime_version = $4, strategy = $5, status = $6,
			container_id = $7, network_id = $8, image_id = $9, port = $10, url = $11, artifact_ref = $12,
			cache_key = $13, build_time_ms = $14, env = $15, env_encrypted = $16, stages = $17,
			error = $18, superseded_at = $19, torn_down_at = $20, updated_at = now()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		d.ID,
		d.Framework,
		d.BuildCommand,
		d.RuntimeVersion,
		string(d.Strategy),
		string(d.Status),
		emptyToNil(d.ContainerID),
		emptyToNil(d.NetworkID),
		emptyToNil(d.ImageID),
		d.Port,
		emptyToNil(d.URL),
		emptyToNil(d.ArtifactRef),
		emptyToNil(d.CacheKey),
		d.BuildTime.Milliseconds(),
		envPlain,
		envSealed,
		stages,
		emptyToNil(d.Error),
		timePtrToNil(d.SupersededAt),
		timePtrToNil(d.TornDownAt),
	)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AppendDeploymentLog adds an entry to the deployment's log sequence.
func (r *Repository) AppendDeploymentLog(ctx context.Context, deploymentID string, entry domain.LogEntry) error {
	const query = `INSERT INTO deployment_logs (deployment_id, logged_at, level, stage, message)
		VALUES ($1, $2, $3, $4, $5)`
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	if _, err := r.pool.Exec(ctx, query, deploymentID, entry.Time, entry.Level, entry.Stage, entry.Message); err != nil {
		return fmt.Errorf("append deployment log: %w", err)
	}
	return nil
}

const deploymentColumns = `id, project_id, framework, version, commit_sha, branch, build_command, runtime_version,
	strategy, status, container_id, network_id, image_id, port, url, artifact_ref, cache_key, build_time_ms,
	env, env_encrypted, last_health, health_checked_at, stages, error, superseded_at, torn_down_at,
	created_at, updated_at`

// GetDeployment fetches a deployment and its log sequence.
func (r *Repository) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := r.scanDeployment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	logs, err := r.listLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	d.BuildLogs = logs
	return d, nil
}

// ListDeploymentsByProject returns deployments newest first, without log lines.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := r.scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// RecordHealthCheck stores a verdict and copies its snapshot onto the deployment.
func (r *Repository) RecordHealthCheck(ctx context.Context, record domain.HealthCheckRecord) error {
	endpoints, err := json.Marshal(record.Endpoints)
	if err != nil {
		return fmt.Errorf("encode endpoints: %w", err)
	}
	snapshot, err := json.Marshal(record.Snapshot())
	if err != nil {
		return fmt.Errorf("encode health snapshot: %w", err)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin health check: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO health_checks (deployment_id, container_id, healthy, endpoints, attempts, runtime_status,
			runtime_healthy, cpu_percent, memory_percent, resources_healthy, error, checked_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = tx.Exec(ctx, query,
		record.DeploymentID,
		record.ContainerID,
		record.Healthy,
		endpoints,
		record.Attempts,
		record.RuntimeStatus,
		record.RuntimeHealthy,
		record.CPUPercent,
		record.MemoryPercent,
		record.ResourcesHealthy,
		emptyToNil(record.Error),
		record.CheckedAt,
		record.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert health check: %w", err)
	}
	const touch = `UPDATE deployments SET last_health = $2, health_checked_at = $3 WHERE id = $1`
	if _, err := tx.Exec(ctx, touch, record.DeploymentID, snapshot, record.CheckedAt); err != nil {
		return fmt.Errorf("update health snapshot: %w", err)
	}
	return tx.Commit(ctx)
}

// ListHealthChecks returns verdicts newest first.
func (r *Repository) ListHealthChecks(ctx context.Context, deploymentID string, limit int) ([]domain.HealthCheckRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, deployment_id, container_id, healthy, endpoints, attempts, runtime_status, runtime_healthy,
			cpu_percent, memory_percent, resources_healthy, error, checked_at, duration_ms
		FROM health_checks
		WHERE deployment_id = $1
		ORDER BY checked_at DESC, id DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.HealthCheckRecord, 0)
	for rows.Next() {
		var (
			rec        domain.HealthCheckRecord
			endpoints  []byte
			errMsg     *string
			durationMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.DeploymentID, &rec.ContainerID, &rec.Healthy, &endpoints, &rec.Attempts,
			&rec.RuntimeStatus, &rec.RuntimeHealthy, &rec.CPUPercent, &rec.MemoryPercent, &rec.ResourcesHealthy,
			&errMsg, &rec.CheckedAt, &durationMS); err != nil {
			return nil, err
		}
		if len(endpoints) > 0 {
			if err := json.Unmarshal(endpoints, &rec.Endpoints); err != nil {
				return nil, fmt.Errorf("decode endpoints: %w", err)
			}
		}
		rec.Error = derefString(errMsg)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) listLogs(ctx context.Context, deploymentID string) ([]domain.LogEntry, error) {
	const query = `SELECT logged_at, level, stage, message FROM deployment_logs
		WHERE deployment_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	logs := make([]domain.LogEntry, 0)
	for rows.Next() {
		var entry domain.LogEntry
		if err := rows.Scan(&entry.Time, &entry.Level, &entry.Stage, &entry.Message); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (r *Repository) scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d                                     domain.Deployment
		strategy, status                      string
		containerID, networkID, imageID, url  *string
		artifactRef, cacheKey, errMsg         *string
		buildTimeMS                           int64
		envPlain, envSealed, health, stages   []byte
		healthCheckedAt, supersededAt, tornAt *time.Time
	)
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Framework, &d.Version, &d.Commit, &d.Branch, &d.BuildCommand,
		&d.RuntimeVersion, &strategy, &status, &containerID, &networkID, &imageID, &d.Port, &url, &artifactRef,
		&cacheKey, &buildTimeMS, &envPlain, &envSealed, &health, &healthCheckedAt, &stages, &errMsg,
		&supersededAt, &tornAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Strategy = domain.Strategy(strategy)
	d.Status = domain.DeploymentStatus(status)
	d.ContainerID = derefString(containerID)
	d.NetworkID = derefString(networkID)
	d.ImageID = derefString(imageID)
	d.URL = derefString(url)
	d.ArtifactRef = derefString(artifactRef)
	d.CacheKey = derefString(cacheKey)
	d.Error = derefString(errMsg)
	d.BuildTime = time.Duration(buildTimeMS) * time.Millisecond
	d.HealthCheckedAt = healthCheckedAt
	d.SupersededAt = supersededAt
	d.TornDownAt = tornAt

	env, err := r.decodeEnv(envPlain, envSealed)
	if err != nil {
		return nil, err
	}
	d.Env = env
	if len(health) > 0 {
		var snapshot domain.HealthSnapshot
		if err := json.Unmarshal(health, &snapshot); err != nil {
			return nil, fmt.Errorf("decode health: %w", err)
		}
		d.LastHealth = &snapshot
	}
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &d.Stages); err != nil {
			return nil, fmt.Errorf("decode stages: %w", err)
		}
	}
	return &d, nil
}

// encodeEnv returns either a plain JSON document or a sealed payload, never both.
func (r *Repository) encodeEnv(env map[string]string) (any, any, error) {
	if len(env) == 0 {
		return nil, nil, nil
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("encode env: %w", err)
	}
	if r.envKey == "" {
		return payload, nil, nil
	}
	sealed, err := crypto.Encrypt(r.envKey, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt env: %w", err)
	}
	return nil, sealed, nil
}

func (r *Repository) decodeEnv(plain, sealed []byte) (map[string]string, error) {
	payload := plain
	if len(sealed) > 0 {
		if r.envKey == "" {
			return nil, errors.New("deployment env is encrypted but no key is configured")
		}
		opened, err := crypto.Decrypt(r.envKey, sealed)
		if err != nil {
			return nil, fmt.Errorf("decrypt env: %w", err)
		}
		payload = opened
	}
	if len(payload) == 0 {
		return nil, nil
	}
	env := make(map[string]string)
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return env, nil
}

func stagesOrEmpty(stages []domain.DeploymentStage) []domain.DeploymentStage {
	if stages == nil {
		return []domain.DeploymentStage{}
	}
	return stages
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func timePtrToNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// limitArg maps a non-positive limit to NULL, which postgres reads as LIMIT ALL.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
