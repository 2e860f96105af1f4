package harvest

import (
	"context"
	"io"
	"iter"
	"time"
)

// Source enumerates the hosting server's hierarchy. Implementations absorb
// transport failures: Repos may end early, Branches reports
// ErrBranchesUnknown, and TipCommit degrades to an empty CommitInfo.
type Source interface {
	Repos(ctx context.Context, projectKey string) iter.Seq2[Repo, error]
	Branches(ctx context.Context, projectKey, repoSlug string) ([]Branch, error)
	TipCommit(ctx context.Context, projectKey, repoSlug string, branch Branch) CommitInfo
}

// RowSink receives harvested rows. Emit must be safe for concurrent use and
// Flush must make every previously emitted row durable in the primary output.
type RowSink interface {
	Emit(ctx context.Context, row Row) error
	Flush(ctx context.Context) error
}

// ResumeStore records fully processed repositories.
type ResumeStore interface {
	IsDone(key string) bool
	MarkDone(key string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// RowMirror receives each flushed batch of rows in addition to the primary
// line-delimited output.
type RowMirror interface {
	StoreRows(ctx context.Context, runID string, rows []Row) error
}

// BlobStore writes run artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
