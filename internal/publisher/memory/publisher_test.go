package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisher_Publish(t *testing.T) {
	t.Parallel()

	pub := New()
	id, err := pub.Publish(context.Background(), "ingest.completed", map[string]string{"event_id": "evt-1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	id, err = pub.Publish(context.Background(), "ingest.completed", map[string]string{"event_id": "evt-2"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "ingest.completed", msgs[0].Topic)
	require.Equal(t, map[string]string{"event_id": "evt-1"}, msgs[0].Payload)

	require.NoError(t, pub.Close())
}
