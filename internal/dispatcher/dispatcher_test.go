package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/progress"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/queue/memory"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/worker"
)

type harness struct {
	dispatcher *Dispatcher
	sink       *memSink
	resume     *memResume
}

func newHarness(source harvest.Source, resume *memResume, outer int) *harness {
	clock := &stepClock{now: time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)}
	sink := &memSink{}
	runID := progress.UUIDToBytes(uuid.New())
	q := memory.NewQueue(3 * outer)
	workers := make([]*worker.Worker, outer)
	for i := range workers {
		workers[i] = worker.New(q, source, sink, resume, nil, clock, worker.Config{RunID: runID}, zap.NewNop())
	}
	d := New(source, resume, q, workers, nil, clock, Config{RunID: runID}, zap.NewNop())
	return &harness{dispatcher: d, sink: sink, resume: resume}
}

func repos(slugs ...string) []harvest.Repo {
	out := make([]harvest.Repo, len(slugs))
	for i, s := range slugs {
		out[i] = harvest.Repo{Slug: s, DisplayName: s, State: "AVAILABLE"}
	}
	return out
}

func TestRunHarvestsProjects(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		repos: map[string][]harvest.Repo{
			"DEMO":  repos("svc", "empty-repo"),
			"OTHER": repos("locked"),
		},
		branches: map[string][]harvest.Branch{
			"svc":        {{Name: "main", IsDefault: true}, {Name: "dev"}},
			"empty-repo": {},
		},
		unknown: map[string]bool{"locked": true},
	}
	h := newHarness(source, newMemResume(), 2)

	summary, err := h.dispatcher.Run(context.Background(), []string{"DEMO", "OTHER"})
	require.NoError(t, err)
	require.Equal(t, StateClosed, summary.State)
	require.Equal(t, 2, summary.Projects)
	require.Equal(t, 2, summary.Discovered)
	require.Equal(t, 3, summary.Scheduled)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 1, summary.Empty)
	require.Equal(t, 1, summary.Unknown)
	require.Equal(t, 3, summary.Rows)
	require.Zero(t, summary.InFlight())
	require.False(t, summary.Stopped)
	require.Positive(t, summary.Elapsed)

	rows := h.sink.Rows()
	require.Len(t, rows, 3)
	for _, r := range rows {
		if r.Branch == "main" {
			require.Equal(t, "yes", r.IsDefaultBranch)
		}
	}
	require.True(t, h.resume.IsDone("DEMO/svc"))
	require.True(t, h.resume.IsDone("DEMO/empty-repo"))
	require.False(t, h.resume.IsDone("OTHER/locked"))
}

func TestRunSkipsResumedRepositories(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		repos:    map[string][]harvest.Repo{"DEMO": repos("svc", "api")},
		branches: map[string][]harvest.Branch{"svc": {{Name: "main"}}, "api": {{Name: "main"}}},
	}
	h := newHarness(source, newMemResume("DEMO/svc"), 1)

	summary, err := h.dispatcher.Run(context.Background(), []string{"DEMO"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 1, summary.Scheduled)
	require.Zero(t, source.calls("DEMO/svc"))
	require.Equal(t, 1, source.calls("DEMO/api"))
}

func TestRunContinuesAfterTruncatedListing(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		repos:    map[string][]harvest.Repo{"BAD": repos("one"), "GOOD": repos("two")},
		failing:  map[string]bool{"BAD": true},
		branches: map[string][]harvest.Branch{"one": {{Name: "main"}}, "two": {{Name: "main"}}},
	}
	h := newHarness(source, newMemResume(), 1)

	summary, err := h.dispatcher.Run(context.Background(), []string{"BAD", "GOOD"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Discovered)
	require.Equal(t, 2, summary.Scheduled)
	require.Equal(t, 2, summary.Completed)
}

func TestRunAppliesBackpressure(t *testing.T) {
	t.Parallel()

	slugs := make([]string, 40)
	for i := range slugs {
		slugs[i] = fmt.Sprintf("r%02d", i)
	}
	gate := make(chan struct{})
	source := &fakeSource{repos: map[string][]harvest.Repo{"BIG": repos(slugs...)}, gate: gate}
	const outer = 2
	h := newHarness(source, newMemResume(), outer)

	type outcome struct {
		summary Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := h.dispatcher.Run(context.Background(), []string{"BIG"})
		done <- outcome{s, err}
	}()

	require.Eventually(t, func() bool {
		return h.dispatcher.Snapshot().Scheduled == 4*outer
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	snap := h.dispatcher.Snapshot()
	require.Equal(t, 4*outer, snap.Scheduled)
	require.Equal(t, StateScheduling, snap.State)
	require.LessOrEqual(t, snap.InFlight(), 4*outer)

	close(gate)
	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Equal(t, 40, out.summary.Scheduled)
		require.Equal(t, 40, out.summary.Empty)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestRunStopDrainsScheduledWork(t *testing.T) {
	t.Parallel()

	slugs := make([]string, 20)
	for i := range slugs {
		slugs[i] = fmt.Sprintf("r%02d", i)
	}
	gate := make(chan struct{})
	source := &fakeSource{
		repos:    map[string][]harvest.Repo{"BIG": repos(slugs...), "NEXT": repos("never")},
		branches: map[string][]harvest.Branch{},
		gate:     gate,
	}
	const outer = 1
	h := newHarness(source, newMemResume(), outer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Summary, 1)
	go func() {
		s, _ := h.dispatcher.Run(ctx, []string{"BIG", "NEXT"})
		done <- s
	}()

	require.Eventually(t, func() bool {
		return h.dispatcher.Snapshot().Scheduled == 4*outer
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool {
		return h.dispatcher.Snapshot().Stopped
	}, time.Second, 5*time.Millisecond)
	close(gate)

	var summary Summary
	select {
	case summary = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after stop")
	}
	require.True(t, summary.Stopped)
	require.Equal(t, 4*outer, summary.Scheduled)
	require.Equal(t, summary.Scheduled, summary.Empty)
	require.Zero(t, summary.InFlight())
	require.Zero(t, source.calls("NEXT/never"))
	require.Zero(t, source.canceledCtx)
	for _, s := range slugs[:4*outer] {
		require.True(t, h.resume.IsDone("BIG/"+s))
	}
}

func TestRunStoppedBeforeStart(t *testing.T) {
	t.Parallel()

	source := &fakeSource{repos: map[string][]harvest.Repo{"DEMO": repos("svc")}}
	h := newHarness(source, newMemResume(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := h.dispatcher.Run(ctx, []string{"DEMO"})
	require.NoError(t, err)
	require.True(t, summary.Stopped)
	require.Zero(t, summary.Scheduled)
	require.Equal(t, StateClosed, h.dispatcher.State())
}

func TestRunOnlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeSource{}, newMemResume(), 1)
	_, err := h.dispatcher.Run(context.Background(), nil)
	require.NoError(t, err)
	_, err = h.dispatcher.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrAlreadyRun)
}

func TestSummaryString(t *testing.T) {
	t.Parallel()

	s := Summary{Projects: 3, Scheduled: 12, Elapsed: 1500 * time.Millisecond}
	require.Equal(t, "Done. Projects: 3 | Repos processed: 12 | Elapsed: 1.5s", s.String())
}
