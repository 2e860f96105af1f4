package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsPerTopic(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "harvest-events", map[string]string{"stage": "REPO_DONE"})
	require.NoError(t, err)
	id2, err := pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	require.Equal(t, "1", id1)
	require.Equal(t, "2", id2)

	require.Equal(t, []string{"harvest-events", "other"}, pub.Topics())
	require.Equal(t, []any{"payload"}, pub.Topic("other"))
	require.Empty(t, pub.Topic("missing"))

	got := pub.Topic("other")
	got[0] = "modified"
	require.Equal(t, []any{"payload"}, pub.Topic("other"))
}

func TestPublisherErrors(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "", "x")
	require.Error(t, err)

	boom := errors.New("unavailable")
	pub.Err = boom
	_, err = pub.Publish(context.Background(), "harvest-events", "x")
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Topics())
}
