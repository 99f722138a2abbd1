package memstore

import (
	"context"
	"testing"

	"github.com/fentz26/runq/internal/models"
	"github.com/fentz26/runq/internal/queue"
	"github.com/fentz26/runq/internal/queue/queuetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queuetest.Opener {
		base := New("")
		return func(namespace string) queue.Backend {
			return base.WithNamespace(namespace)
		}
	})
}

func TestReturnedItemsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New("default")
	q := queue.New(s, queue.Options{})

	_, err := q.Enqueue(ctx, queue.EnqueueRequest{TaskID: "t1", Prompt: "original"})
	require.NoError(t, err)

	got, err := q.GetItem(ctx, "t1", "")
	require.NoError(t, err)
	got.Prompt = "mutated"
	got.Status = models.StatusComplete

	again, err := q.GetItem(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "original", again.Prompt)
	assert.Equal(t, models.StatusQueued, again.Status)
}

func TestPingAfterClose(t *testing.T) {
	s := New("default")
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}
