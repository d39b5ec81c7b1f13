package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type enrollJob struct {
	IdentityID string `json:"identity_id"`
	ImageURL   string `json:"image_url"`
}

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	require.NoError(t, PublishJSON(ctx, q, TypeEnrollJob, enrollJob{IdentityID: "alice", ImageURL: "http://img/a.jpg"}))

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	select {
	case msg := <-msgs:
		assert.Equal(t, TypeEnrollJob, msg.Type)
		assert.False(t, msg.PublishedAt.IsZero())
		var job enrollJob
		require.NoError(t, msg.Decode(&job))
		assert.Equal(t, "alice", job.IdentityID)
		assert.Equal(t, "http://img/a.jpg", job.ImageURL)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInMemoryPublishHonoursContext(t *testing.T) {
	q := NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), Message{Type: TypeDecision}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Publish(ctx, Message{Type: TypeDecision})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInMemoryConsumeClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := NewInMemory(1).Consume(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-msgs:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer channel not closed")
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	var v map[string]any
	assert.Error(t, Message{Type: TypeDecision}.Decode(&v))
}
