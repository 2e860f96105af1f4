package bitbucket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/clock/manual"
)

type countingLimiter struct {
	waits atomic.Int64
}

func (l *countingLimiter) Wait(context.Context) error {
	l.waits.Add(1)
	return nil
}

type fixture struct {
	client  *Client
	clock   *manual.Clock
	limiter *countingLimiter
	server  *httptest.Server
}

func newFixture(t *testing.T, handler http.Handler) *fixture {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	clk := manual.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	lim := &countingLimiter{}
	client, err := New(Options{
		APIRoot:    APIRoot(srv.URL),
		HTTPClient: srv.Client(),
		Limiter:    lim,
		Sleeper:    clk,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return &fixture{client: client, clock: clk, limiter: lim, server: srv}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
