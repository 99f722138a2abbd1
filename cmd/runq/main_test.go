package main

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/fentz26/runq/internal/audit"
	"github.com/fentz26/runq/internal/config"
	"github.com/fentz26/runq/internal/controlplane"
	"github.com/fentz26/runq/internal/filestore"
	"github.com/fentz26/runq/internal/memstore"
	"github.com/fentz26/runq/internal/models"
	"github.com/fentz26/runq/internal/queue"
	"github.com/fentz26/runq/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBackend(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()

	cfg.Backend = config.BackendSQLite
	b, sink, err := openBackend(cfg)
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &store.Store{}, b)
	assert.NotNil(t, sink)
	assert.FileExists(t, filepath.Join(cfg.StateDir, "runq.db"))

	cfg.Backend = config.BackendFile
	b, sink, err = openBackend(cfg)
	require.NoError(t, err)
	assert.IsType(t, &filestore.Store{}, b)
	assert.Nil(t, sink)

	cfg.Backend = config.BackendMemory
	b, sink, err = openBackend(cfg)
	require.NoError(t, err)
	assert.IsType(t, &memstore.Store{}, b)
	assert.Nil(t, sink)
	assert.Equal(t, "default", b.Namespace())

	cfg.Backend = "redis"
	_, _, err = openBackend(cfg)
	assert.Error(t, err)
}

func TestLoadDaemonConfig_FlagsOverrideFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("RUNQ_HOME", home)
	t.Setenv("RUNQ_NAMESPACE", "from-env")

	saved, savedPath := daemonFlags, configPath
	t.Cleanup(func() { daemonFlags, configPath = saved, savedPath })

	configPath = filepath.Join(home, "config.yaml")
	cfg := config.Default()
	cfg.Backend = config.BackendFile
	cfg.Listen = "127.0.0.1:9000"
	require.NoError(t, config.Save(configPath, cfg))

	daemonFlags.backend = "memory"
	daemonFlags.namespace = "from-flag"

	got, err := loadDaemonConfig()
	require.NoError(t, err)
	assert.Equal(t, config.BackendMemory, got.Backend)
	assert.Equal(t, "from-flag", got.Namespace)
	assert.Equal(t, "127.0.0.1:9000", got.Listen)

	daemonFlags.backend = "nope"
	_, err = loadDaemonConfig()
	assert.Error(t, err)
}

func TestNewAgentExecutor_ExplicitCommand(t *testing.T) {
	cfg := config.Default()
	cfg.Executor.Command = "claude"
	cfg.Executor.WorkDir = t.TempDir()

	agent, err := newAgentExecutor(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, agent.Executor())

	cfg.Limits.MaxFiles = 0
	_, err = newAgentExecutor(cfg, nil)
	assert.Error(t, err)
}

func newTestAPI(t *testing.T) *queue.Queue {
	t.Helper()
	q := queue.New(memstore.New("default"), queue.Options{})
	service := controlplane.NewService(q, audit.NewRecorder(nil, nil))
	srv := httptest.NewServer(controlplane.NewServer(service, "127.0.0.1:0", "test").Handler())
	t.Cleanup(srv.Close)

	saved := apiAddr
	apiAddr = srv.URL + "/"
	t.Cleanup(func() { apiAddr = saved })
	return q
}

func TestAPIClient_TaskLifecycle(t *testing.T) {
	newTestAPI(t)

	body, err := apiCreate("/tasks", queue.EnqueueRequest{TaskID: "t-1", Prompt: "fix the build"})
	require.NoError(t, err)
	var item models.QueueItem
	require.NoError(t, json.Unmarshal(body, &item))
	assert.Equal(t, "t-1", item.TaskID)
	assert.Equal(t, models.StatusQueued, item.Status)

	_, err = apiCreate("/tasks", queue.EnqueueRequest{TaskID: "t-1", Prompt: "again"})
	assert.ErrorContains(t, err, "409")

	res, err := apiTransition("/tasks/t-1/cancel", struct{}{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = apiTransition("/tasks/t-1/cancel", struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), queue.CodeInvalidStatusTransition)
	assert.False(t, res.Success)

	_, err = apiTransition("/tasks/missing/status", map[string]string{"status": "RUNNING"})
	assert.ErrorContains(t, err, queue.CodeTaskNotFound)

	list, err := apiGet("/tasks?status=cancelled")
	require.NoError(t, err)
	var items []models.QueueItem
	require.NoError(t, json.Unmarshal(list, &items))
	require.Len(t, items, 1)
	assert.Equal(t, models.StatusCancelled, items[0].Status)
}

func TestAPIClient_HealthAndRunners(t *testing.T) {
	newTestAPI(t)

	health, err := CheckHealth()
	require.NoError(t, err)
	assert.True(t, health.OK)
	assert.Equal(t, "test", health.Version)
	assert.True(t, isDaemonRunning())

	err = apiDelete("/runners/ghost")
	assert.ErrorContains(t, err, "404")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "12345678", truncateID("1234567890abcdef"))
	assert.Equal(t, "a b c", oneLine("a\n  b\tc "))
}
