package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "branch_rows"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for branch rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// RowStore upserts branch rows keyed by run, repository and branch.
type RowStore struct {
	pool  pool
	table string
}

// NewRowStore connects to Postgres and ensures the table exists.
func NewRowStore(ctx context.Context, cfg Config) (*RowStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &RowStore{pool: p, table: table}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewRowStoreWithPool constructs a store from an existing pool.
func NewRowStoreWithPool(p pool, table string) (*RowStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RowStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the table when missing.
func (s *RowStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id TEXT NOT NULL,
	project_key TEXT NOT NULL,
	repo TEXT NOT NULL,
	repo_slug TEXT NOT NULL,
	branch TEXT NOT NULL,
	last_commit_hash TEXT NOT NULL,
	last_commit_author TEXT NOT NULL,
	last_commit_email TEXT NOT NULL,
	last_commit_date_utc TEXT NOT NULL,
	days_since_last_commit TEXT NOT NULL,
	is_default_branch TEXT NOT NULL,
	has_branches TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, project_key, repo_slug, branch)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RowStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreRows writes rows in one transaction.
func (s *RowStore) StoreRows(ctx context.Context, runID string, rows []harvest.Row) error {
	if s == nil || s.pool == nil {
		return errors.New("row store is not configured")
	}
	if len(rows) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	project_key,
	repo,
	repo_slug,
	branch,
	last_commit_hash,
	last_commit_author,
	last_commit_email,
	last_commit_date_utc,
	days_since_last_commit,
	is_default_branch,
	has_branches
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (run_id, project_key, repo_slug, branch) DO UPDATE SET
	last_commit_hash = EXCLUDED.last_commit_hash,
	last_commit_author = EXCLUDED.last_commit_author,
	last_commit_email = EXCLUDED.last_commit_email,
	last_commit_date_utc = EXCLUDED.last_commit_date_utc,
	days_since_last_commit = EXCLUDED.days_since_last_commit,
	is_default_branch = EXCLUDED.is_default_branch`, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, row := range rows {
		if _, err := tx.Exec(ctx, query, rowArgs(runID, row)...); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			return fmt.Errorf("insert %s/%s@%s: %w", row.ProjectKey, row.RepoSlug, row.Branch, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func rowArgs(runID string, row harvest.Row) []any {
	return []any{
		runID,
		row.ProjectKey,
		row.Repo,
		row.RepoSlug,
		row.Branch,
		row.LastCommitHash,
		row.LastCommitAuthor,
		row.LastCommitEmail,
		row.LastCommitDateUTC,
		row.DaysSinceLastCommit,
		row.IsDefaultBranch,
		row.HasBranches,
	}
}
