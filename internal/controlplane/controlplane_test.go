package controlplane_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/crawlord/internal/apperr"
	"github.com/swarmguard/crawlord/internal/audit"
	"github.com/swarmguard/crawlord/internal/controlplane"
	"github.com/swarmguard/crawlord/internal/model"
	"github.com/swarmguard/crawlord/internal/taskstore"
)

func newTestControlPlane(t *testing.T) (*controlplane.ControlPlane, *taskstore.Store, *audit.Log) {
	t.Helper()
	store, err := taskstore.Open(filepath.Join(t.TempDir(), "crawlord.db"), otel.Meter("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return controlplane.New(store, log), store, log
}

func TestSubmit_CreatesTaskAndAuditEntry(t *testing.T) {
	cp, store, log := newTestControlPlane(t)
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &model.Host{ID: "host-a", Active: true}))

	task, err := cp.Submit(ctx, "alice", "host-a", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, task.Status)

	latest, ok, err := log.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "task.submit", latest.Action)
	assert.Equal(t, "alice", latest.Actor)
}

func TestPauseThenResume_RoundTrips(t *testing.T) {
	cp, store, _ := newTestControlPlane(t)
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &model.Host{ID: "host-a", Active: true}))
	task, err := store.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.NoError(t, err)

	require.NoError(t, cp.Pause(ctx, "alice", task.ID))
	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, got.Status)

	require.NoError(t, cp.Resume(ctx, "alice", task.ID))
	got, err = store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestCancel_RejectsAlreadyTerminalTask(t *testing.T) {
	cp, store, _ := newTestControlPlane(t)
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &model.Host{ID: "host-a", Active: true}))
	task, err := store.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, task.ID, []model.Status{model.StatusPending}, model.StatusCompleted, nil)
	require.NoError(t, err)

	err = cp.Cancel(ctx, "alice", task.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindIllegalTransition))
}

func TestRestartFull_ClearsTerminalFieldsAndResetsRetryCount(t *testing.T) {
	cp, store, _ := newTestControlPlane(t)
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &model.Host{ID: "host-a", Active: true}))
	task, err := store.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, task.ID, []model.Status{model.StatusPending}, model.StatusFailed, func(t *model.CrawlTask) {
		t.RetryCount = 3
		t.LastError = "boom"
	})
	require.NoError(t, err)

	require.NoError(t, cp.RestartFull(ctx, "alice", task.ID, controlplane.RestartOpts{ResetRetryCount: true}))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.LastError)
}

func TestRestartParseOnly_FailsWithoutBlobRef(t *testing.T) {
	cp, store, _ := newTestControlPlane(t)
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &model.Host{ID: "host-a", Active: true}))
	task, err := store.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, task.ID, []model.Status{model.StatusPending}, model.StatusFailed, nil)
	require.NoError(t, err)

	err = cp.RestartParseOnly(ctx, "alice", task.ID, controlplane.RestartOpts{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindHTMLNotAvailable))
}

func TestRestartParseOnly_SucceedsWithBlobRef(t *testing.T) {
	cp, store, _ := newTestControlPlane(t)
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &model.Host{ID: "host-a", Active: true}))
	task, err := store.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, task.ID, []model.Status{model.StatusPending}, model.StatusFailed, func(t *model.CrawlTask) {
		t.BlobRef = "blob:abc"
	})
	require.NoError(t, err)

	require.NoError(t, cp.RestartParseOnly(ctx, "alice", task.ID, controlplane.RestartOpts{}))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDownloaded, got.Status)
}

func TestChangePriority_UpdatesFieldWithoutStatusChange(t *testing.T) {
	cp, store, _ := newTestControlPlane(t)
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &model.Host{ID: "host-a", Active: true}))
	startPriority := 5
	task, err := store.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{Priority: &startPriority})
	require.NoError(t, err)

	require.NoError(t, cp.ChangePriority(ctx, "alice", task.ID, 1))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Priority)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestBulkRestartFailed_RestartsUpToLimit(t *testing.T) {
	cp, store, _ := newTestControlPlane(t)
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &model.Host{ID: "host-a", Active: true}))
	for i := 0; i < 3; i++ {
		task, err := store.CreateTask(ctx, "host-a", "https://a.example/"+string(rune('a'+i)), taskstore.CreateTaskOpts{})
		require.NoError(t, err)
		_, err = store.Transition(ctx, task.ID, []model.Status{model.StatusPending}, model.StatusFailed, nil)
		require.NoError(t, err)
	}

	result, err := cp.BulkRestartFailed(ctx, "alice", taskstore.QueryFilter{HostID: "host-a"}, 2, controlplane.RestartOpts{})
	require.NoError(t, err)
	assert.Len(t, result.Restarted, 2)
}

func TestPause_UnknownTaskReturnsNotFound(t *testing.T) {
	cp, _, _ := newTestControlPlane(t)
	err := cp.Pause(context.Background(), "alice", "nope")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
