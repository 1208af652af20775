package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const commandTimeout = time.Minute

// Runner applies the SQL migrations in a directory to the launchpad database.
type Runner struct {
	dsn  string
	dir  string
	log  *slog.Logger
	open func(dsn string) (*sql.DB, error)
}

// New returns a runner for the provided database and migrations directory.
func New(dsn, migrationsDir string, log *slog.Logger) (Runner, error) {
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	info, err := os.Stat(migrationsDir)
	if err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	if !info.IsDir() {
		return Runner{}, fmt.Errorf("migrations path %s is not a directory", migrationsDir)
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{
		dsn: dsn,
		dir: migrationsDir,
		log: log.With("component", "migrate"),
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("pgx", dsn)
		},
	}, nil
}

// Ensure applies every pending migration.
func (r Runner) Ensure(ctx context.Context) error {
	return r.run(ctx, func(ctx context.Context, p *goose.Provider) error {
		results, err := p.Up(ctx)
		r.logResults(results)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		version, err := p.GetDBVersion(ctx)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		r.log.Info("schema up to date", "version", version, "applied", len(results))
		return nil
	})
}

// Status logs each known migration with its applied state.
func (r Runner) Status(ctx context.Context) error {
	return r.run(ctx, func(ctx context.Context, p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		for _, st := range statuses {
			fields := []any{"version", st.Source.Version, "path", st.Source.Path, "state", string(st.State)}
			if !st.AppliedAt.IsZero() {
				fields = append(fields, "applied_at", st.AppliedAt.UTC().Format(time.RFC3339))
			}
			r.log.Info("migration", fields...)
		}
		return nil
	})
}

// Down rolls back the latest migration, or every migration above
// targetVersion when it is positive.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.run(ctx, func(ctx context.Context, p *goose.Provider) error {
		if targetVersion > 0 {
			results, err := p.DownTo(ctx, targetVersion)
			r.logResults(results)
			if err != nil {
				return fmt.Errorf("roll back to version %d: %w", targetVersion, err)
			}
			return nil
		}
		result, err := p.Down(ctx)
		if result != nil {
			r.logResults([]*goose.MigrationResult{result})
		}
		if err != nil {
			return fmt.Errorf("roll back latest migration: %w", err)
		}
		return nil
	})
}

func (r Runner) run(ctx context.Context, fn func(context.Context, *goose.Provider) error) error {
	db, err := r.open(r.dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(r.dir))
	if err != nil {
		return fmt.Errorf("load migrations from %s: %w", r.dir, err)
	}
	return fn(ctx, provider)
}

func (r Runner) logResults(results []*goose.MigrationResult) {
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		fields := []any{
			"version", res.Source.Version,
			"direction", res.Direction,
			"duration_ms", res.Duration.Milliseconds(),
		}
		if res.Error != nil {
			r.log.Error("migration failed", append(fields, "error", res.Error)...)
			continue
		}
		r.log.Info("migration applied", fields...)
	}
}
