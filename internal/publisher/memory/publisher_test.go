package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRecordsInOrder(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "alerts", map[string]string{"identifier": "AL-1"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), "alerts", map[string]string{"identifier": "AL-2"})
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "alerts", msgs[0].Topic)
	assert.Equal(t, map[string]string{"identifier": "AL-1"}, msgs[0].Payload)
}

func TestMessagesReturnsCopy(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "alerts", "payload")
	require.NoError(t, err)

	pub.Messages()[0].Topic = "mutated"
	assert.Equal(t, "alerts", pub.Messages()[0].Topic)
}
