package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
)

func unit(slug string) harvest.Unit {
	return harvest.Unit{ProjectKey: "P", Repo: harvest.Repo{Slug: slug}}
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan harvest.Unit, 1)
	go func() {
		u, err := q.Dequeue(context.Background())
		if err == nil {
			result <- u
		}
	}()

	require.NoError(t, q.Enqueue(context.Background(), unit("svc")))
	select {
	case got := <-result:
		require.Equal(t, "P/svc", got.Key())
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return unit")
	}
}

func TestQueueBlocksWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, unit("a")))
	require.NoError(t, q.Enqueue(ctx, unit("b")))
	require.Equal(t, 2, q.Len())
	require.Equal(t, 2, q.Cap())

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(blocked, unit("c"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, unit("c")))
}

func TestQueueCloseDrainsThenReportsClosed(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, unit("a")))
	require.NoError(t, q.Enqueue(ctx, unit("b")))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(ctx, unit("c")), ErrQueueClosed)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", first.Repo.Slug)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", second.Repo.Slug)
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewQueue(1).Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")
}
