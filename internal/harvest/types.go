package harvest

import (
	"errors"
	"fmt"
)

// ErrBranchesUnknown reports that a repository's branch list could not be
// fully enumerated. It is distinct from a repository that has no branches.
var ErrBranchesUnknown = errors.New("branches unknown")

// Repo is one repository discovered inside a project.
type Repo struct {
	Slug        string `json:"slug"`
	DisplayName string `json:"name"`
	State       string `json:"state"`
}

// Branch is one branch of a repository. Name is the short display form.
type Branch struct {
	Name         string `json:"name"`
	LatestCommit string `json:"latest_commit,omitempty"`
	IsDefault    bool   `json:"is_default"`
}

// CommitInfo describes the tip commit of a branch. Unknown fields are empty
// strings so every row has the same shape.
type CommitInfo struct {
	Hash        string `json:"hash"`
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
	DateISO     string `json:"date_iso"`
}

// Empty reports whether nothing about the commit could be resolved.
func (c CommitInfo) Empty() bool {
	return c == CommitInfo{}
}

// Unit is one schedulable repository: the granularity of concurrency and of
// resumability.
type Unit struct {
	ProjectKey string
	Repo       Repo
}

// Key returns the resume key for the unit.
func (u Unit) Key() string {
	return ResumeKey(u.ProjectKey, u.Repo.Slug)
}

// ResumeKey formats the resume log entry for a repository.
func ResumeKey(projectKey, repoSlug string) string {
	return fmt.Sprintf("%s/%s", projectKey, repoSlug)
}

// RepoStatus is the terminal state of one unit of work.
type RepoStatus string

// Unit outcomes. Only RepoDone and RepoEmpty are recorded as resumable.
const (
	RepoDone    RepoStatus = "done"
	RepoEmpty   RepoStatus = "empty"
	RepoUnknown RepoStatus = "unknown"
	RepoFailed  RepoStatus = "failed"
)

// Resumable reports whether the status marks the repository as complete.
func (s RepoStatus) Resumable() bool {
	return s == RepoDone || s == RepoEmpty
}

// RepoResult summarizes a processed unit.
type RepoResult struct {
	Unit   Unit
	Status RepoStatus
	Rows   int
	Err    error
}
