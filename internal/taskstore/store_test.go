package taskstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/crawlord/internal/model"
	"github.com/swarmguard/crawlord/internal/taskstore"
)

func openTestStore(t *testing.T) *taskstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawlord.db")
	s, err := taskstore.Open(path, otel.Meter("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestHost(t *testing.T, s *taskstore.Store, id string) *model.Host {
	t.Helper()
	h := &model.Host{ID: id, BaseURL: "https://" + id, Active: true}
	require.NoError(t, s.CreateHost(context.Background(), h))
	return h
}

func TestCreateTask_DuplicateAfterNormalization(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestHost(t, s, "host-a")

	_, err := s.CreateTask(ctx, "host-a", "https://a.example/x?b=2&a=1", taskstore.CreateTaskOpts{})
	require.NoError(t, err)

	_, err = s.CreateTask(ctx, "host-a", "https://a.example/x?a=1&b=2", taskstore.CreateTaskOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestCreateTask_UnknownHostFails(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateTask(context.Background(), "missing-host", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

func TestCreateTasksBulk_PartialSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestHost(t, s, "host-a")

	_, err := s.CreateTask(ctx, "host-a", "https://a.example/dup", taskstore.CreateTaskOpts{})
	require.NoError(t, err)

	result, err := s.CreateTasksBulk(ctx, "host-a", []string{
		"https://a.example/new1",
		"https://a.example/dup",
		"not a url",
		"https://a.example/new2",
	}, taskstore.CreateTaskOpts{})
	require.NoError(t, err)
	assert.Len(t, result.Inserted, 2)
	assert.Len(t, result.Duplicates, 1)
	assert.Len(t, result.Invalid, 1)
}

func TestFetchDue_OrdersByPriorityThenScheduledAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestHost(t, s, "host-a")
	now := time.Now()

	low := 8
	high := 1
	_, err := s.CreateTask(ctx, "host-a", "https://a.example/low", taskstore.CreateTaskOpts{Priority: &low, ScheduledAt: &now})
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, "host-a", "https://a.example/high", taskstore.CreateTaskOpts{Priority: &high, ScheduledAt: &now})
	require.NoError(t, err)

	due, err := s.FetchDue(ctx, 10, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "https://a.example/high", due[0].URL)
	assert.Equal(t, "https://a.example/low", due[1].URL)
}

func TestFetchDue_SkipsInactiveHost(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	h := createTestHost(t, s, "host-a")
	_, err := s.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.NoError(t, err)

	_, err = s.UpdateHost(ctx, h.ID, func(h *model.Host) { h.Active = false })
	require.NoError(t, err)

	due, err := s.FetchDue(ctx, 10, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestTransition_RejectsWrongFromState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestHost(t, s, "host-a")
	task, err := s.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.NoError(t, err)

	ok, err := s.Transition(ctx, task.ID, []model.Status{model.StatusCrawling}, model.StatusDownloaded, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransition_AllowsDuplicateDeliveryToFailHarmlessly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestHost(t, s, "host-a")
	task, err := s.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.NoError(t, err)

	ok, err := s.Transition(ctx, task.ID, []model.Status{model.StatusPending}, model.StatusQueued, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second, duplicated delivery's CAS fails harmlessly.
	ok, err = s.Transition(ctx, task.ID, []model.Status{model.StatusPending}, model.StatusQueued, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordAttempt_TransientFailureBackoffUntilExhausted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestHost(t, s, "host-a")
	maxRetries := 2
	task, err := s.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{MaxRetries: maxRetries})
	require.NoError(t, err)

	outcome := taskstore.AttemptOutcome{
		Kind:        taskstore.AttemptTransientFailure,
		ErrorText:   "timeout",
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
	}
	require.NoError(t, s.RecordAttempt(ctx, task.ID, outcome))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	require.NoError(t, s.RecordAttempt(ctx, task.ID, outcome))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestRecordAttempt_ParseSuccessSchedulesRecurrence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestHost(t, s, "host-a")
	task, err := s.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{
		IsRecurring:        true,
		RecurrenceInterval: time.Hour,
	})
	require.NoError(t, err)

	ok, err := s.Transition(ctx, task.ID, []model.Status{model.StatusPending}, model.StatusParsing, nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.RecordAttempt(ctx, task.ID, taskstore.AttemptOutcome{Kind: taskstore.AttemptParseSuccess}))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.NextRunAt)
}

func TestMaterializeRecurrence_InsertsNewRowAndAdvancesOriginal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestHost(t, s, "host-a")
	task, err := s.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{
		IsRecurring:        true,
		RecurrenceInterval: time.Hour,
	})
	require.NoError(t, err)
	ok, err := s.Transition(ctx, task.ID, []model.Status{model.StatusPending}, model.StatusParsing, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.RecordAttempt(ctx, task.ID, taskstore.AttemptOutcome{Kind: taskstore.AttemptParseSuccess}))

	original, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	originalNextRun := *original.NextRunAt

	created, err := s.MaterializeRecurrence(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, created.Status)
	assert.Equal(t, 1, created.RecurrenceCount)
	assert.Equal(t, original.URL, created.URL)

	updatedOriginal, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, updatedOriginal.NextRunAt.After(originalNextRun))
}

func TestReclaimLeases_MovesExpiredStuckTasksToPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestHost(t, s, "host-a")
	task, err := s.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.NoError(t, err)
	ok, err := s.Transition(ctx, task.ID, []model.Status{model.StatusPending}, model.StatusQueued, nil)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.ReclaimLeases(ctx, map[string]time.Duration{"queued": 0}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestQuery_FiltersByStatusAndPaginates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createTestHost(t, s, "host-a")
	for i := 0; i < 5; i++ {
		_, err := s.CreateTask(ctx, "host-a", "https://a.example/p"+string(rune('a'+i)), taskstore.CreateTaskOpts{})
		require.NoError(t, err)
	}

	page1, err := s.Query(ctx, taskstore.QueryFilter{HostID: "host-a", Statuses: []model.Status{model.StatusPending}}, taskstore.SortSpec{Key: taskstore.SortByCreatedAt}, taskstore.Page{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page1.Tasks, 2)
	assert.NotEmpty(t, page1.NextCursor)

	page2, err := s.Query(ctx, taskstore.QueryFilter{HostID: "host-a"}, taskstore.SortSpec{Key: taskstore.SortByCreatedAt}, taskstore.Page{Cursor: page1.NextCursor, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page2.Tasks, 3)
}
