// Package dispatcher drives a harvest run: it walks projects and their
// repositories, skips resumed work, feeds units to the worker pool through a
// bounded queue and drains in-flight work before returning.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/progress"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/worker"
)

// State is the run lifecycle position.
type State string

// Run states, in order.
const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StateScheduling  State = "scheduling"
	StateDraining    State = "draining"
	StateClosed      State = "closed"
)

// ErrAlreadyRun is returned when Run is called on a used Dispatcher.
var ErrAlreadyRun = errors.New("dispatcher already ran")

// Queue is the producer side of the unit queue.
type Queue interface {
	Enqueue(ctx context.Context, unit harvest.Unit) error
	Close()
}

// Summary aggregates the outcome of a run.
type Summary struct {
	RunID      string        `json:"run_id"`
	State      State         `json:"state"`
	Project    string        `json:"current_project,omitempty"`
	Projects   int           `json:"projects"`
	Discovered int           `json:"projects_discovered"`
	Scheduled  int           `json:"repos_scheduled"`
	Skipped    int           `json:"repos_skipped"`
	Completed  int           `json:"repos_completed"`
	Empty      int           `json:"repos_empty"`
	Unknown    int           `json:"repos_unknown"`
	Failed     int           `json:"repos_failed"`
	Rows       int           `json:"rows"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Stopped    bool          `json:"stopped"`
}

// InFlight returns scheduled units that have not reached an outcome.
func (s Summary) InFlight() int {
	return s.Scheduled - s.Completed - s.Empty - s.Unknown - s.Failed
}

// Config controls the Dispatcher.
type Config struct {
	RunID [16]byte
}

// Dispatcher fans units out to a pool of workers.
type Dispatcher struct {
	source  harvest.Source
	resume  harvest.ResumeStore
	queue   Queue
	workers []*worker.Worker
	events  progress.Emitter
	clock   harvest.Clock
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	summary  Summary
	started  time.Time
	finished time.Time
}

// New creates a Dispatcher. workers must consume from the same queue.
func New(
	source harvest.Source,
	resume harvest.ResumeStore,
	queue Queue,
	workers []*worker.Worker,
	events progress.Emitter,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if events == nil {
		events = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		source:  source,
		resume:  resume,
		queue:   queue,
		workers: workers,
		events:  events,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		summary: Summary{RunID: uuid.UUID(cfg.RunID).String(), State: StateIdle},
	}
}

// Run harvests projects. Cancelling ctx stops discovery and scheduling at the
// next decision point; units already queued or in flight always run to
// completion, and their network calls are never cancelled.
func (d *Dispatcher) Run(ctx context.Context, projects []string) (Summary, error) {
	d.mu.Lock()
	if d.summary.State != StateIdle {
		d.mu.Unlock()
		return Summary{}, ErrAlreadyRun
	}
	d.started = d.clock.Now()
	d.summary.Projects = len(projects)
	d.mu.Unlock()

	workCtx := context.WithoutCancel(ctx)
	results := make(chan harvest.RepoResult, len(d.workers))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(workCtx, results)
		}(w)
	}
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for res := range results {
			d.record(res)
		}
	}()

	d.emit(progress.Event{Stage: progress.StageRunStart})
	d.discover(ctx, workCtx, projects)

	d.setState(StateDraining, "")
	d.queue.Close()
	wg.Wait()
	close(results)
	<-collected

	d.mu.Lock()
	d.summary.State = StateClosed
	d.summary.Project = ""
	d.finished = d.clock.Now()
	d.mu.Unlock()
	summary := d.Snapshot()
	d.emit(progress.Event{Stage: progress.StageRunDone, Rows: int64(summary.Rows), Dur: summary.Elapsed})
	if summary.Stopped {
		d.logger.Warn("run stopped early, in-flight repositories drained", zap.Int("scheduled", summary.Scheduled))
	}
	return summary, nil
}

func (d *Dispatcher) discover(stopCtx, workCtx context.Context, projects []string) {
	for _, key := range projects {
		if d.stopRequested(stopCtx) {
			return
		}
		d.setState(StateDiscovering, key)
		d.emit(progress.Event{Stage: progress.StageProjectStart, ProjectKey: key})
		complete := d.discoverProject(stopCtx, workCtx, key)
		if d.stopRequested(stopCtx) {
			return
		}
		if complete {
			d.mu.Lock()
			d.summary.Discovered++
			d.mu.Unlock()
		}
		d.emit(progress.Event{Stage: progress.StageProjectDone, ProjectKey: key})
	}
}

// discoverProject schedules every unresumed repository of a project. It
// reports whether the listing was walked to its end.
func (d *Dispatcher) discoverProject(stopCtx, workCtx context.Context, key string) bool {
	for repo, err := range d.source.Repos(workCtx, key) {
		if err != nil {
			d.logger.Warn("repository listing truncated", zap.String("project", key), zap.Error(err))
			return false
		}
		unit := harvest.Unit{ProjectKey: key, Repo: repo}
		if d.resume != nil && d.resume.IsDone(unit.Key()) {
			d.mu.Lock()
			d.summary.Skipped++
			d.mu.Unlock()
			d.emit(progress.Event{Stage: progress.StageRepoSkipped, ProjectKey: key, RepoSlug: repo.Slug})
			continue
		}
		if d.stopRequested(stopCtx) {
			return false
		}
		d.setState(StateScheduling, key)
		if err := d.queue.Enqueue(stopCtx, unit); err != nil {
			if !d.stopRequested(stopCtx) {
				d.logger.Error("enqueue failed", zap.String("repo", unit.Key()), zap.Error(err))
			}
			return false
		}
		d.mu.Lock()
		d.summary.Scheduled++
		d.mu.Unlock()
	}
	return true
}

func (d *Dispatcher) stopRequested(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.summary.Stopped = true
	return true
}

func (d *Dispatcher) record(res harvest.RepoResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch res.Status {
	case harvest.RepoDone:
		d.summary.Completed++
	case harvest.RepoEmpty:
		d.summary.Empty++
	case harvest.RepoUnknown:
		d.summary.Unknown++
	default:
		d.summary.Failed++
	}
	d.summary.Rows += res.Rows
}

func (d *Dispatcher) setState(state State, project string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.summary.State = state
	d.summary.Project = project
}

// Snapshot returns the current counters. It is safe to call while Run is in
// progress.
func (d *Dispatcher) Snapshot() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.summary
	switch {
	case !d.finished.IsZero():
		s.Elapsed = max(d.finished.Sub(d.started), 0)
	case !d.started.IsZero():
		s.Elapsed = max(d.clock.Now().Sub(d.started), 0)
	}
	return s
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.summary.State
}

func (d *Dispatcher) emit(evt progress.Event) {
	evt.RunID = d.cfg.RunID
	evt.TS = d.clock.Now()
	d.events.Emit(evt)
}

// String renders the summary line printed at the end of a run.
func (s Summary) String() string {
	return fmt.Sprintf("Done. Projects: %d | Repos processed: %d | Elapsed: %.1fs",
		s.Projects, s.Scheduled, s.Elapsed.Seconds())
}
