package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fentz26/runq/internal/models"
	"github.com/fentz26/runq/internal/queue"
	"github.com/fentz26/runq/internal/queue/queuetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queuetest.Opener {
		base, err := New(t.TempDir(), "")
		require.NoError(t, err)
		return func(namespace string) queue.Backend {
			return base.WithNamespace(namespace)
		}
	})
}

func TestLayout(t *testing.T) {
	ctx := context.Background()
	stateDir := t.TempDir()
	s, err := New(stateDir, "alpha")
	require.NoError(t, err)
	q := queue.New(s, queue.Options{})

	_, err = q.Enqueue(ctx, queue.EnqueueRequest{TaskID: "t1", Prompt: "p"})
	require.NoError(t, err)
	require.NoError(t, q.UpdateRunnerHeartbeat(ctx, "r1", ""))

	data, err := os.ReadFile(filepath.Join(stateDir, "queue", "tasks.json"))
	require.NoError(t, err)
	var tasks map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &tasks))
	assert.JSONEq(t, "1", string(tasks["version"]))

	var items map[string]models.QueueItem
	require.NoError(t, json.Unmarshal(tasks["items"], &items))
	require.Contains(t, items, "alpha:t1")
	assert.Equal(t, models.StatusQueued, items["alpha:t1"].Status)

	data, err = os.ReadFile(filepath.Join(stateDir, "queue", "runners.json"))
	require.NoError(t, err)
	var runners struct {
		Runners map[string]models.RunnerRecord `json:"runners"`
	}
	require.NoError(t, json.Unmarshal(data, &runners))
	assert.Contains(t, runners.Runners, "alpha:r1")
}

// Two independently opened stores on one state directory model two
// processes; neither may drop the other's rows.
func TestMergePreservesOtherNamespaces(t *testing.T) {
	ctx := context.Background()
	stateDir := t.TempDir()

	sa, err := New(stateDir, "alpha")
	require.NoError(t, err)
	sb, err := New(stateDir, "beta")
	require.NoError(t, err)
	a := queue.New(sa, queue.Options{})
	b := queue.New(sb, queue.Options{})

	_, err = a.Enqueue(ctx, queue.EnqueueRequest{TaskID: "a1", Prompt: "p"})
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, queue.EnqueueRequest{TaskID: "b1", Prompt: "p"})
	require.NoError(t, err)
	_, err = a.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, a.UpdateStatus(ctx, "a1", models.StatusComplete, "", "ok"))
	require.NoError(t, b.UpdateRunnerHeartbeat(ctx, "rb", ""))
	require.NoError(t, a.UpdateRunnerHeartbeat(ctx, "ra", ""))

	bItems, err := b.GetAllItems(ctx, "")
	require.NoError(t, err)
	require.Len(t, bItems, 1)
	assert.Equal(t, models.StatusQueued, bItems[0].Status)

	aItem, err := b.GetItem(ctx, "a1", "alpha")
	require.NoError(t, err)
	require.NotNil(t, aItem)
	assert.Equal(t, models.StatusComplete, aItem.Status)

	runners, err := b.GetAllRunners(ctx)
	require.NoError(t, err)
	require.Len(t, runners, 1)
	assert.Equal(t, "rb", runners[0].RunnerID)

	summaries, err := a.GetAllNamespaces(ctx)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
}

func TestCorruptFileIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	stateDir := t.TempDir()
	s, err := New(stateDir, "alpha")
	require.NoError(t, err)

	path := filepath.Join(stateDir, "queue", "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err = queue.New(s, queue.Options{}).Enqueue(ctx, queue.EnqueueRequest{Prompt: "p"})
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}
