package dispatcher

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
)

var errListing = errors.New("page dropped")

type fakeSource struct {
	repos    map[string][]harvest.Repo
	failing  map[string]bool
	branches map[string][]harvest.Branch
	unknown  map[string]bool
	gate     chan struct{}

	mu          sync.Mutex
	branchCalls map[string]int
	canceledCtx int
}

func (s *fakeSource) Repos(_ context.Context, project string) iter.Seq2[harvest.Repo, error] {
	return func(yield func(harvest.Repo, error) bool) {
		for _, r := range s.repos[project] {
			if !yield(r, nil) {
				return
			}
		}
		if s.failing[project] {
			yield(harvest.Repo{}, errListing)
		}
	}
}

func (s *fakeSource) Branches(ctx context.Context, project, slug string) ([]harvest.Branch, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	if s.branchCalls == nil {
		s.branchCalls = make(map[string]int)
	}
	s.branchCalls[project+"/"+slug]++
	if ctx.Err() != nil {
		s.canceledCtx++
	}
	s.mu.Unlock()
	if s.unknown[slug] {
		return nil, harvest.ErrBranchesUnknown
	}
	return s.branches[slug], nil
}

func (s *fakeSource) TipCommit(_ context.Context, _, _ string, br harvest.Branch) harvest.CommitInfo {
	return harvest.CommitInfo{Hash: "h-" + br.Name}
}

func (s *fakeSource) calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branchCalls[key]
}

type memSink struct {
	mu   sync.Mutex
	rows []harvest.Row
}

func (s *memSink) Emit(_ context.Context, row harvest.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return nil
}

func (s *memSink) Flush(context.Context) error { return nil }

func (s *memSink) Rows() []harvest.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]harvest.Row(nil), s.rows...)
}

type memResume struct {
	mu   sync.Mutex
	done map[string]bool
}

func newMemResume(keys ...string) *memResume {
	r := &memResume{done: make(map[string]bool)}
	for _, k := range keys {
		r.done[k] = true
	}
	return r
}

func (r *memResume) IsDone(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done[key]
}

func (r *memResume) MarkDone(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done[key] = true
	return nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}
