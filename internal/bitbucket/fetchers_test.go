package bitbucket

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
)

func TestReposNormalizesItems(t *testing.T) {
	t.Parallel()

	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/1.0/projects/DEMO/repos", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"values":[
			{"slug":"svc","name":"Service","state":"OFFLINE"},
			{"slug":"bare"},
			{"name":"no-slug"},
			"not-an-object",
			{"slug":"odd","name":42,"state":false}
		],"isLastPage":true}`)
	}))

	var repos []harvest.Repo
	for repo, err := range f.client.Repos(context.Background(), "DEMO") {
		require.NoError(t, err)
		repos = append(repos, repo)
	}
	require.Equal(t, []harvest.Repo{
		{Slug: "svc", DisplayName: "Service", State: "OFFLINE"},
		{Slug: "bare", DisplayName: "bare", State: "AVAILABLE"},
		{Slug: "odd", DisplayName: "42", State: "AVAILABLE"},
	}, repos)
}

func TestReposDroppedPageEndsWithError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{}`)
	}))

	var errs []error
	for _, err := range f.client.Repos(context.Background(), "DEMO") {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrPageDropped)
}

func TestBranchesNormalizesNames(t *testing.T) {
	t.Parallel()

	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/1.0/projects/DEMO/repos/svc/branches", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"values":[
			{"id":"refs/heads/main","displayId":"main","latestCommit":"aaa","isDefault":true},
			{"id":"refs/heads/feature/login","latestCommit":"bbb"}
		],"isLastPage":true}`)
	}))

	branches, err := f.client.Branches(context.Background(), "DEMO", "svc")
	require.NoError(t, err)
	require.Equal(t, []harvest.Branch{
		{Name: "main", LatestCommit: "aaa", IsDefault: true},
		{Name: "login", LatestCommit: "bbb"},
	}, branches)
}

func TestBranchesToleratesMistypedFields(t *testing.T) {
	t.Parallel()

	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"values":[
			{"id":"refs/heads/main","displayId":"main","isDefault":"true","latestCommit":"abc"},
			{"id":"refs/heads/release/2.0","displayId":7,"isDefault":null,"latestCommit":{"id":"x"}},
			{"id":"refs/heads/dev","displayId":"dev","isDefault":"no"}
		],"isLastPage":true}`)
	}))

	branches, err := f.client.Branches(context.Background(), "P", "r")
	require.NoError(t, err)
	require.Equal(t, []harvest.Branch{
		{Name: "main", LatestCommit: "abc", IsDefault: true},
		{Name: "7"},
		{Name: "dev"},
	}, branches)
}

func TestBranchesUnnamedItemIsUnknown(t *testing.T) {
	t.Parallel()

	for name, item := range map[string]string{
		"no id":      `{"latestCommit":"abc"}`,
		"empty id":   `{"id":""}`,
		"not object": `"refs/heads/main"`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, `{"values":[{"displayId":"main"},`+item+`],"isLastPage":true}`)
			}))

			branches, err := f.client.Branches(context.Background(), "P", "r")
			require.Nil(t, branches)
			require.ErrorIs(t, err, harvest.ErrBranchesUnknown)
		})
	}
}

func TestBranchesEmptyIsNotUnknown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"values":[],"isLastPage":true}`)
	}))

	branches, err := f.client.Branches(context.Background(), "DEMO", "empty-repo")
	require.NoError(t, err)
	require.NotNil(t, branches)
	require.Empty(t, branches)
}

func TestBranchesDroppedPageIsUnknown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("start") == "0" {
			writeJSON(w, http.StatusOK, `{"values":[{"displayId":"main"}],"isLastPage":false,"nextPageStart":1}`)
			return
		}
		writeJSON(w, http.StatusForbidden, `{}`)
	}))

	branches, err := f.client.Branches(context.Background(), "DEMO", "svc")
	require.Nil(t, branches)
	require.ErrorIs(t, err, harvest.ErrBranchesUnknown)
	require.ErrorIs(t, err, ErrPageDropped)
}

func TestTipCommitFromLog(t *testing.T) {
	t.Parallel()

	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/1.0/projects/DEMO/repos/svc/commits", r.URL.Path)
		assert.Equal(t, "main", r.URL.Query().Get("until"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, `{"values":[{
			"id":"c0ffee",
			"author":{"name":"ann","displayName":"Ann A","emailAddress":"ann@example.com"},
			"authorTimestamp":1709251200000
		}]}`)
	}))

	tip := f.client.TipCommit(context.Background(), "DEMO", "svc", harvest.Branch{Name: "main"})
	require.Equal(t, harvest.CommitInfo{
		Hash:        "c0ffee",
		AuthorName:  "ann",
		AuthorEmail: "ann@example.com",
		DateISO:     "2024-03-01T00:00:00Z",
	}, tip)
}

func TestTipCommitToleratesAuthorVariants(t *testing.T) {
	t.Parallel()

	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"values":[{
			"id":"c0ffee",
			"author":{"displayName":"Bob B","email":"bob@example.com"},
			"date":"2024-02-01T10:00:00Z"
		}]}`)
	}))

	tip := f.client.TipCommit(context.Background(), "DEMO", "svc", harvest.Branch{Name: "dev"})
	require.Equal(t, "Bob B", tip.AuthorName)
	require.Equal(t, "bob@example.com", tip.AuthorEmail)
	require.Equal(t, "2024-02-01T10:00:00Z", tip.DateISO)
}

func TestTipCommitToleratesStringTimestamp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"values":[{"id":"c0ffee","author":"ann","authorTimestamp":"1709251200000"}]}`)
	}))

	tip := f.client.TipCommit(context.Background(), "DEMO", "svc", harvest.Branch{Name: "main"})
	require.Equal(t, harvest.CommitInfo{Hash: "c0ffee", DateISO: "2024-03-01T00:00:00Z"}, tip)
}

func TestTipCommitFallsBackToKnownHash(t *testing.T) {
	t.Parallel()

	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/api/1.0/projects/DEMO/repos/svc/commits":
			writeJSON(w, http.StatusOK, `{"values":[]}`)
		case "/rest/api/1.0/projects/DEMO/repos/svc/commits/abc123":
			writeJSON(w, http.StatusOK, `{"id":"abc123","author":{"name":"carol","emailAddress":"carol@example.com"},"authorTimestamp":1709251200000}`)
		default:
			http.NotFound(w, r)
		}
	}))

	tip := f.client.TipCommit(context.Background(), "DEMO", "svc", harvest.Branch{Name: "dev", LatestCommit: "abc123"})
	require.Equal(t, harvest.CommitInfo{
		Hash:        "abc123",
		AuthorName:  "carol",
		AuthorEmail: "carol@example.com",
	}, tip)
}

func TestTipCommitBothStepsFail(t *testing.T) {
	t.Parallel()

	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, `{}`)
	}))

	tip := f.client.TipCommit(context.Background(), "DEMO", "svc", harvest.Branch{Name: "dev", LatestCommit: "abc123"})
	require.True(t, tip.Empty())
	require.EqualValues(t, 2, f.limiter.waits.Load())

	tip = f.client.TipCommit(context.Background(), "DEMO", "svc", harvest.Branch{Name: "dev"})
	require.True(t, tip.Empty())
	require.EqualValues(t, 3, f.limiter.waits.Load())
}
