// Package sqlite mirrors harvested branch rows into a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "branch_rows"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RowStore upserts branch rows into SQLite.
type RowStore struct {
	db    *sql.DB
	table string
}

// Open opens (or creates) the database at path and ensures the table exists.
func Open(ctx context.Context, path, table string) (*RowStore, error) {
	if path == "" {
		return nil, errors.New("db.sqlite_path is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &RowStore{db: db, table: table}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *RowStore) migrate(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
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
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, project_key, repo_slug, branch)
	);

	CREATE INDEX IF NOT EXISTS idx_%[1]s_repo ON %[1]s(project_key, repo_slug);
	`, s.table)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

// StoreRows writes rows in one transaction.
func (s *RowStore) StoreRows(ctx context.Context, runID string, rows []harvest.Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
	INSERT INTO %s (
		run_id, project_key, repo, repo_slug, branch,
		last_commit_hash, last_commit_author, last_commit_email,
		last_commit_date_utc, days_since_last_commit, is_default_branch, has_branches
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (run_id, project_key, repo_slug, branch) DO UPDATE SET
		last_commit_hash = excluded.last_commit_hash,
		last_commit_author = excluded.last_commit_author,
		last_commit_email = excluded.last_commit_email,
		last_commit_date_utc = excluded.last_commit_date_utc,
		days_since_last_commit = excluded.days_since_last_commit,
		is_default_branch = excluded.is_default_branch
	`, s.table))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			runID, r.ProjectKey, r.Repo, r.RepoSlug, r.Branch,
			r.LastCommitHash, r.LastCommitAuthor, r.LastCommitEmail,
			r.LastCommitDateUTC, r.DaysSinceLastCommit, r.IsDefaultBranch, r.HasBranches,
		); err != nil {
			return fmt.Errorf("insert %s/%s@%s: %w", r.ProjectKey, r.RepoSlug, r.Branch, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CountRows returns the number of rows recorded for runID.
func (s *RowStore) CountRows(ctx context.Context, runID string) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE run_id = ?`, s.table)
	if err := s.db.QueryRowContext(ctx, query, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *RowStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
