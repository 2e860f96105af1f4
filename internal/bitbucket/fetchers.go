package bitbucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
)

const defaultRepoState = "AVAILABLE"

// errUnnamedBranch marks a branch item from which no name can be derived.
var errUnnamedBranch = errors.New("branch item without a name")

// fields is a loosely decoded JSON object. Accessors return defaults for
// missing or mistyped values, so one odd field never discards an item.
type fields map[string]json.RawMessage

func decodeFields(raw []byte) (fields, bool) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil || f == nil {
		return nil, false
	}
	return f, true
}

// str returns a string or number field as text, else "".
func (f fields) str(key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// boolean accepts true and "true" (any case); everything else is false.
func (f fields) boolean(key string) bool {
	raw, ok := f[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	return strings.EqualFold(f.str(key), "true")
}

// int64Field accepts a JSON number or a numeric string.
func (f fields) int64Field(key string) (int64, bool) {
	s := f.str(key)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	if fl, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(fl), true
	}
	return 0, false
}

func (f fields) object(key string) fields {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	obj, _ := decodeFields(raw)
	return obj
}

// Repos enumerates the repositories of a project. Items that are not objects
// or carry no slug are skipped with a warning. A dropped page ends the
// sequence with an error wrapping ErrPageDropped.
func (c *Client) Repos(ctx context.Context, projectKey string) iter.Seq2[harvest.Repo, error] {
	path := fmt.Sprintf("/projects/%s/repos", url.PathEscape(projectKey))
	return func(yield func(harvest.Repo, error) bool) {
		for raw, err := range c.Paginate(ctx, path, nil) {
			if err != nil {
				yield(harvest.Repo{}, err)
				return
			}
			item, ok := decodeFields(raw)
			if !ok || item.str("slug") == "" {
				c.logger.Warn("skipping malformed repository item",
					zap.String("project", projectKey), zap.ByteString("item", raw))
				continue
			}
			if !yield(normalizeRepo(item), nil) {
				return
			}
		}
	}
}

func normalizeRepo(item fields) harvest.Repo {
	repo := harvest.Repo{Slug: item.str("slug"), DisplayName: item.str("name"), State: item.str("state")}
	if repo.DisplayName == "" {
		repo.DisplayName = repo.Slug
	}
	if repo.State == "" {
		repo.State = defaultRepoState
	}
	return repo
}

// Branches lists every branch of a repository. The list is all or nothing:
// a dropped page or an item no name can be derived from yields
// harvest.ErrBranchesUnknown, so a partial listing is never mistaken for a
// repository without branches.
func (c *Client) Branches(ctx context.Context, projectKey, repoSlug string) ([]harvest.Branch, error) {
	path := fmt.Sprintf("/projects/%s/repos/%s/branches", url.PathEscape(projectKey), url.PathEscape(repoSlug))
	branches := []harvest.Branch{}
	for raw, err := range c.Paginate(ctx, path, nil) {
		if err != nil {
			return nil, fmt.Errorf("%w: %w", harvest.ErrBranchesUnknown, err)
		}
		item, ok := decodeFields(raw)
		var br harvest.Branch
		if ok {
			br = normalizeBranch(item)
		}
		if br.Name == "" {
			c.logger.Warn("unreadable branch item",
				zap.String("project", projectKey), zap.String("repo", repoSlug), zap.ByteString("item", raw))
			return nil, fmt.Errorf("%w: %w", harvest.ErrBranchesUnknown, errUnnamedBranch)
		}
		branches = append(branches, br)
	}
	return branches, nil
}

func normalizeBranch(item fields) harvest.Branch {
	name := item.str("displayId")
	if name == "" {
		id := item.str("id")
		name = id[strings.LastIndex(id, "/")+1:]
	}
	return harvest.Branch{
		Name:         name,
		LatestCommit: item.str("latestCommit"),
		IsDefault:    item.boolean("isDefault"),
	}
}

// TipCommit resolves the newest commit reachable from branch. It queries the
// commit log first and falls back to the branch's known latest commit hash,
// in which case the date is left empty. When both fail it returns an empty
// CommitInfo.
func (c *Client) TipCommit(ctx context.Context, projectKey, repoSlug string, branch harvest.Branch) harvest.CommitInfo {
	base := fmt.Sprintf("/projects/%s/repos/%s/commits", url.PathEscape(projectKey), url.PathEscape(repoSlug))

	params := url.Values{}
	params.Set("until", branch.Name)
	params.Set("limit", "1")
	res := c.Get(ctx, base, params)
	if res.OK() {
		var pg struct {
			Values []json.RawMessage `json:"values"`
		}
		if err := res.Decode(&pg); err == nil && len(pg.Values) > 0 {
			if commit, ok := decodeFields(pg.Values[0]); ok && commit.str("id") != "" {
				return fromLog(commit)
			}
		}
	}

	if branch.LatestCommit == "" {
		return harvest.CommitInfo{}
	}
	res = c.Get(ctx, base+"/"+url.PathEscape(branch.LatestCommit), nil)
	if !res.OK() {
		return harvest.CommitInfo{}
	}
	commit, ok := decodeFields(res.Body)
	if !ok {
		return harvest.CommitInfo{}
	}
	author := commit.object("author")
	return harvest.CommitInfo{
		Hash:        commit.str("id"),
		AuthorName:  authorName(author),
		AuthorEmail: authorEmail(author),
	}
}

func fromLog(commit fields) harvest.CommitInfo {
	author := commit.object("author")
	info := harvest.CommitInfo{
		Hash:        commit.str("id"),
		AuthorName:  authorName(author),
		AuthorEmail: authorEmail(author),
	}
	if ms, ok := commit.int64Field("authorTimestamp"); ok {
		info.DateISO = harvest.ISOFromMillis(ms)
	} else {
		info.DateISO = commit.str("date")
	}
	return info
}

// authorName prefers name over displayName; server versions differ.
func authorName(a fields) string {
	if name := a.str("name"); name != "" {
		return name
	}
	return a.str("displayName")
}

func authorEmail(a fields) string {
	if email := a.str("emailAddress"); email != "" {
		return email
	}
	return a.str("email")
}
