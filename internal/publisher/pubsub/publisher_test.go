package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakeClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "harvest-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv := newFakeClient(t)
	_, err := client.CreateTopic(ctx, "harvest-events")
	require.NoError(t, err)

	pub := New(client)
	payload := map[string]any{"run_id": "run-1", "stage": "REPO_DONE", "project_key": "DEMO", "rows": 2}
	id, err := pub.Publish(ctx, "harvest-events", payload)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"run_id":"run-1","stage":"REPO_DONE","project_key":"DEMO","rows":2}`, string(msgs[0].Data))
	require.Equal(t, map[string]string{"run_id": "run-1", "stage": "REPO_DONE", "project_key": "DEMO"}, msgs[0].Attributes)
}

func TestPublishMissingTopic(t *testing.T) {
	t.Parallel()

	client, _ := newFakeClient(t)
	pub := New(client)
	defer func() { _ = pub.Close() }()

	_, err := pub.Publish(context.Background(), "does-not-exist", map[string]string{"stage": "RUN_DONE"})
	require.Error(t, err)
	_, err = pub.Publish(context.Background(), "", nil)
	require.ErrorContains(t, err, "topic is required")
}

func TestPublishUnconfigured(t *testing.T) {
	t.Parallel()

	_, err := (&Publisher{}).Publish(context.Background(), "t", nil)
	require.Error(t, err)
	_, err = Open(context.Background(), "")
	require.Error(t, err)
}

func TestAttributes(t *testing.T) {
	t.Parallel()

	require.Nil(t, attributes([]byte(`"plain"`)))
	require.Nil(t, attributes([]byte(`{"rows":1}`)))
	require.Equal(t, map[string]string{"stage": "RUN_DONE"}, attributes([]byte(`{"stage":"RUN_DONE","run_id":""}`)))
}
