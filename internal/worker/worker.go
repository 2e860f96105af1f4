// Package worker processes one repository at a time: branch enumeration,
// bounded tip-commit resolution, row emission and resume bookkeeping.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/metrics"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/progress"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/queue/memory"
)

// DefaultInnerConcurrency caps simultaneous tip-commit lookups per repository.
const DefaultInnerConcurrency = 16

// Queue is the consumer side of the unit queue.
type Queue interface {
	Dequeue(ctx context.Context) (harvest.Unit, error)
}

// Config controls Worker behavior.
type Config struct {
	InnerConcurrency int
	RunID            [16]byte
}

// Worker consumes units from the queue until it is closed and drained.
type Worker struct {
	queue  Queue
	source harvest.Source
	sink   harvest.RowSink
	resume harvest.ResumeStore
	events progress.Emitter
	clock  harvest.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(
	queue Queue,
	source harvest.Source,
	sink harvest.RowSink,
	resume harvest.ResumeStore,
	events progress.Emitter,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.InnerConcurrency <= 0 {
		cfg.InnerConcurrency = DefaultInnerConcurrency
	}
	if events == nil {
		events = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		source: source,
		sink:   sink,
		resume: resume,
		events: events,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Run processes units until the queue reports closed or ctx ends. Each
// outcome is sent on results when it is non-nil.
func (w *Worker) Run(ctx context.Context, results chan<- harvest.RepoResult) {
	for {
		unit, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, memory.ErrQueueClosed) {
				w.logger.Error("queue dequeue failed", zap.Error(err))
			}
			return
		}
		res := w.Process(ctx, unit)
		if results != nil {
			results <- res
		}
	}
}

// Process harvests one repository. The repository is recorded in the resume
// store only after every row (or the empty stub) has been flushed.
func (w *Worker) Process(ctx context.Context, unit harvest.Unit) harvest.RepoResult {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := w.clock.Now()
	logger := w.logger.With(zap.String("project", unit.ProjectKey), zap.String("repo", unit.Repo.Slug))

	branches, err := w.source.Branches(ctx, unit.ProjectKey, unit.Repo.Slug)
	if err != nil {
		logger.Warn("branches could not be enumerated, repository left for next run", zap.Error(err))
		return w.finish(unit, harvest.RepoUnknown, 0, err, start)
	}

	if len(branches) == 0 {
		if err := w.sink.Emit(ctx, harvest.EmptyRepoRow(unit)); err != nil {
			logger.Error("emit empty repository stub failed", zap.Error(err))
			return w.finish(unit, harvest.RepoFailed, 0, err, start)
		}
		if err := w.complete(ctx, unit); err != nil {
			logger.Error("complete repository failed", zap.Error(err))
			return w.finish(unit, harvest.RepoFailed, 1, err, start)
		}
		return w.finish(unit, harvest.RepoEmpty, 1, nil, start)
	}

	var (
		g    errgroup.Group
		rows atomic.Int64
	)
	g.SetLimit(w.cfg.InnerConcurrency)
	for _, br := range branches {
		g.Go(func() error {
			tip := w.source.TipCommit(ctx, unit.ProjectKey, unit.Repo.Slug, br)
			if tip.Empty() {
				logger.Debug("tip commit unresolved", zap.String("branch", br.Name))
			}
			if err := w.sink.Emit(ctx, harvest.MakeRow(unit, br, tip, w.clock.Now())); err != nil {
				return fmt.Errorf("emit row for branch %s: %w", br.Name, err)
			}
			rows.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if flushErr := w.sink.Flush(ctx); flushErr != nil {
			logger.Error("flush after emit failure failed", zap.Error(flushErr))
		}
		logger.Error("repository rows incomplete", zap.Error(err))
		return w.finish(unit, harvest.RepoFailed, int(rows.Load()), err, start)
	}
	if err := w.complete(ctx, unit); err != nil {
		logger.Error("complete repository failed", zap.Error(err))
		return w.finish(unit, harvest.RepoFailed, int(rows.Load()), err, start)
	}
	return w.finish(unit, harvest.RepoDone, int(rows.Load()), nil, start)
}

// complete flushes the sink and then records the unit as resumable.
func (w *Worker) complete(ctx context.Context, unit harvest.Unit) error {
	if err := w.sink.Flush(ctx); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	if w.resume == nil {
		return nil
	}
	if err := w.resume.MarkDone(unit.Key()); err != nil {
		return fmt.Errorf("mark resumed: %w", err)
	}
	return nil
}

func (w *Worker) finish(unit harvest.Unit, status harvest.RepoStatus, rows int, err error, start time.Time) harvest.RepoResult {
	now := w.clock.Now()
	evt := progress.Event{
		RunID:      w.cfg.RunID,
		TS:         now,
		Stage:      stageFor(status),
		ProjectKey: unit.ProjectKey,
		RepoSlug:   unit.Repo.Slug,
		Rows:       int64(rows),
		Dur:        max(now.Sub(start), 0),
	}
	if err != nil {
		evt.Note = err.Error()
	}
	w.events.Emit(evt)
	return harvest.RepoResult{Unit: unit, Status: status, Rows: rows, Err: err}
}

func stageFor(status harvest.RepoStatus) progress.Stage {
	switch status {
	case harvest.RepoDone:
		return progress.StageRepoDone
	case harvest.RepoEmpty:
		return progress.StageRepoEmpty
	case harvest.RepoUnknown:
		return progress.StageRepoUnknown
	default:
		return progress.StageRepoFailed
	}
}
