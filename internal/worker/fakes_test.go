package worker

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/progress"
)

type fakeSource struct {
	branches map[string][]harvest.Branch
	tips     map[string]harvest.CommitInfo
	unknown  map[string]bool
	delay    time.Duration

	branchCalls atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (s *fakeSource) Repos(context.Context, string) iter.Seq2[harvest.Repo, error] {
	return func(func(harvest.Repo, error) bool) {}
}

func (s *fakeSource) Branches(_ context.Context, _, slug string) ([]harvest.Branch, error) {
	s.branchCalls.Add(1)
	if s.unknown[slug] {
		return nil, harvest.ErrBranchesUnknown
	}
	return s.branches[slug], nil
}

func (s *fakeSource) TipCommit(_ context.Context, _, _ string, br harvest.Branch) harvest.CommitInfo {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.tips[br.Name]
}

type fakeSink struct {
	mu          sync.Mutex
	rows        []harvest.Row
	flushedRows int
	flushes     int
	failOn      string
}

func (s *fakeSink) Emit(_ context.Context, row harvest.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && row.Branch == s.failOn {
		return errors.New("disk full")
	}
	s.rows = append(s.rows, row)
	return nil
}

func (s *fakeSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	s.flushedRows = len(s.rows)
	return nil
}

func (s *fakeSink) snapshot() ([]harvest.Row, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]harvest.Row(nil), s.rows...), s.flushedRows
}

// fakeResume records, for each key, how many rows were flushed when it was marked.
type fakeResume struct {
	mu      sync.Mutex
	sink    *fakeSink
	marked  map[string]int
	ordered []string
}

func newFakeResume(sink *fakeSink) *fakeResume {
	return &fakeResume{sink: sink, marked: make(map[string]int)}
}

func (r *fakeResume) IsDone(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.marked[key]
	return ok
}

func (r *fakeResume) MarkDone(key string) error {
	_, flushed := r.sink.snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marked[key] = flushed
	r.ordered = append(r.ordered, key)
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time {
	return c.now
}
