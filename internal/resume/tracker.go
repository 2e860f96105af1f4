// Package resume records fully processed repositories in an append-only log
// so later runs can skip them.
package resume

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// Tracker is the resume log. A Tracker opened with an empty path is disabled:
// nothing is done and nothing is recorded.
type Tracker struct {
	mu   sync.Mutex
	path string
	done map[string]struct{}
	file *os.File
}

// Open loads path into memory and opens it for appending. A missing file is
// treated as an empty log.
func Open(path string) (*Tracker, error) {
	t := &Tracker{path: path, done: make(map[string]struct{})}
	if path == "" {
		return t, nil
	}
	keys, err := Load(path)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		t.done[k] = struct{}{}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) // #nosec G302 G304 -- shared output artifact.
	if err != nil {
		return nil, fmt.Errorf("open resume log %s: %w", path, err)
	}
	t.file = f
	return t, nil
}

// Load returns the distinct keys recorded in path, in first-seen order.
func Load(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied resume log.
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open resume log %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	keys, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("read resume log %s: %w", path, err)
	}
	return keys, nil
}

func parse(r io.Reader) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key := strings.TrimSpace(scanner.Text())
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan resume log: %w", err)
	}
	return keys, nil
}

// IsDone reports whether key was recorded by a previous or the current run.
func (t *Tracker) IsDone(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.done[key]
	return ok
}

// MarkDone appends key to the log and syncs it. The key counts as done only
// once it is on disk. Marking a key twice is harmless.
func (t *Tracker) MarkDone(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		if _, err := t.file.WriteString(key + "\n"); err != nil {
			return fmt.Errorf("append resume key %s: %w", key, err)
		}
		if err := t.file.Sync(); err != nil {
			return fmt.Errorf("sync resume log: %w", err)
		}
	}
	t.done[key] = struct{}{}
	return nil
}

// Len returns the number of distinct recorded keys.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.done)
}

// Close releases the log file.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	if err != nil {
		return fmt.Errorf("close resume log: %w", err)
	}
	return nil
}

// Keys returns the recorded keys in sorted order.
func (t *Tracker) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.done))
	for k := range t.done {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ProjectCount is the number of completed repositories of one project.
type ProjectCount struct {
	ProjectKey string `json:"project_key"`
	Repos      int    `json:"repos"`
}

// CountByProject groups keys by their project prefix, sorted by project key.
func CountByProject(keys []string) []ProjectCount {
	counts := make(map[string]int)
	for _, k := range keys {
		project, _, _ := strings.Cut(k, "/")
		counts[project]++
	}
	out := make([]ProjectCount, 0, len(counts))
	for p, n := range counts {
		out = append(out, ProjectCount{ProjectKey: p, Repos: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectKey < out[j].ProjectKey })
	return out
}
