package harvest

import (
	"strconv"
	"strings"
	"time"
)

// Columns is the fixed column order of the tabular output.
var Columns = []string{
	"project_key",
	"repo",
	"repo_slug",
	"branch",
	"last_commit_hash",
	"last_commit_author",
	"last_commit_email",
	"last_commit_date_utc",
	"days_since_last_commit",
	"is_default_branch",
}

// Row is the flattened record written to every output sink. Field order
// matches Columns; HasBranches is only set on empty-repository stubs.
type Row struct {
	ProjectKey          string `json:"project_key"`
	Repo                string `json:"repo"`
	RepoSlug            string `json:"repo_slug"`
	Branch              string `json:"branch"`
	LastCommitHash      string `json:"last_commit_hash"`
	LastCommitAuthor    string `json:"last_commit_author"`
	LastCommitEmail     string `json:"last_commit_email"`
	LastCommitDateUTC   string `json:"last_commit_date_utc"`
	DaysSinceLastCommit string `json:"days_since_last_commit"`
	IsDefaultBranch     string `json:"is_default_branch"`
	HasBranches         string `json:"has_branches,omitempty"`
}

// Record projects the row onto Columns.
func (r Row) Record() []string {
	return []string{
		r.ProjectKey,
		r.Repo,
		r.RepoSlug,
		r.Branch,
		r.LastCommitHash,
		r.LastCommitAuthor,
		r.LastCommitEmail,
		r.LastCommitDateUTC,
		r.DaysSinceLastCommit,
		r.IsDefaultBranch,
	}
}

// MakeRow flattens one resolved branch into a Row.
func MakeRow(unit Unit, branch Branch, tip CommitInfo, now time.Time) Row {
	return Row{
		ProjectKey:          unit.ProjectKey,
		Repo:                unit.Repo.DisplayName,
		RepoSlug:            unit.Repo.Slug,
		Branch:              branch.Name,
		LastCommitHash:      tip.Hash,
		LastCommitAuthor:    tip.AuthorName,
		LastCommitEmail:     tip.AuthorEmail,
		LastCommitDateUTC:   tip.DateISO,
		DaysSinceLastCommit: DaysSince(tip.DateISO, now),
		IsDefaultBranch:     yesNo(branch.IsDefault),
	}
}

// EmptyRepoRow is the stub emitted once for a repository without branches.
func EmptyRepoRow(unit Unit) Row {
	return Row{
		ProjectKey:      unit.ProjectKey,
		Repo:            unit.Repo.DisplayName,
		RepoSlug:        unit.Repo.Slug,
		IsDefaultBranch: "no",
		HasBranches:     "no",
	}
}

// DaysSince returns the whole days elapsed between an ISO-8601 timestamp and
// now, clamped at zero. It returns "" when the timestamp is empty or invalid.
func DaysSince(iso string, now time.Time) string {
	iso = strings.TrimSpace(iso)
	if iso == "" {
		return ""
	}
	ts, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return ""
	}
	days := int64(now.Sub(ts) / (24 * time.Hour))
	if days < 0 {
		days = 0
	}
	return strconv.FormatInt(days, 10)
}

// ISOFromMillis renders an epoch-milliseconds timestamp as UTC ISO-8601.
func ISOFromMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
