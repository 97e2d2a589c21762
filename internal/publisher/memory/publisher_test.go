package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "records", map[string]string{"uid": "0-1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "failures", "0-2")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "records", msgs[0].Topic)
	require.JSONEq(t, `{"uid":"0-1"}`, string(msgs[0].Data))
	require.Equal(t, `"0-2"`, string(msgs[1].Data))

	msgs[0].Topic = "modified"
	require.Equal(t, "records", pub.Messages()[0].Topic, "Messages() returns a copy")
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := New().Publish(context.Background(), "records", make(chan int))
	require.Error(t, err)
	require.Empty(t, New().Messages())
}

func TestPublisherTopicFilter(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	_, err := pub.Publish(ctx, "records", 1)
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "other", 2)
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "records", 3)
	require.NoError(t, err)

	require.Equal(t, [][]byte{[]byte("1"), []byte("3")}, pub.Topic("records"))
	require.Empty(t, pub.Topic("missing"))
}
