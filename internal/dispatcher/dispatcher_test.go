package dispatcher_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/crawlord/internal/broker"
	"github.com/swarmguard/crawlord/internal/dispatcher"
	"github.com/swarmguard/crawlord/internal/model"
	"github.com/swarmguard/crawlord/internal/taskstore"
	"github.com/swarmguard/crawlord/internal/telemetry"
)

type fakePublisher struct {
	mu       sync.Mutex
	jobs     []broker.CrawlJob
	failNext bool
}

func (f *fakePublisher) PublishCrawlJob(ctx context.Context, job broker.CrawlJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("simulated broker outage")
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func openTestStore(t *testing.T) *taskstore.Store {
	t.Helper()
	s, err := taskstore.Open(filepath.Join(t.TempDir(), "crawlord.db"), otel.Meter("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDispatchDueTasks_PublishesAndTransitionsToQueued(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &model.Host{ID: "host-a", Active: true}))
	task, err := store.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.NoError(t, err)

	pub := &fakePublisher{}
	d := dispatcher.New(store, pub, dispatcher.Config{Interval: time.Minute, BatchSize: 10}, telemetry.Instruments{})
	d.RunTickForTest(ctx)

	assert.Equal(t, 1, pub.count())
	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
}

func TestDispatchDueTasks_RevertsToPendingOnPublishFailure(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &model.Host{ID: "host-a", Active: true}))
	task, err := store.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.NoError(t, err)

	pub := &fakePublisher{failNext: true}
	d := dispatcher.New(store, pub, dispatcher.Config{Interval: time.Minute, BatchSize: 10}, telemetry.Instruments{})
	d.RunTickForTest(ctx)

	assert.Equal(t, 0, pub.count())
	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestDispatchDueTasks_SkipsInactiveHost(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &model.Host{ID: "host-a", Active: false}))
	_, err := store.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.NoError(t, err)

	pub := &fakePublisher{}
	d := dispatcher.New(store, pub, dispatcher.Config{Interval: time.Minute, BatchSize: 10}, telemetry.Instruments{})
	d.RunTickForTest(ctx)

	assert.Equal(t, 0, pub.count())
}

func TestDispatchOne_GatedByHostMinSpacing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &model.Host{ID: "host-a", Active: true, MinSpacing: time.Hour}))
	task1, err := store.CreateTask(ctx, "host-a", "https://a.example/1", taskstore.CreateTaskOpts{})
	require.NoError(t, err)
	task2, err := store.CreateTask(ctx, "host-a", "https://a.example/2", taskstore.CreateTaskOpts{})
	require.NoError(t, err)

	pub := &fakePublisher{}
	d := dispatcher.New(store, pub, dispatcher.Config{Interval: time.Minute, BatchSize: 10}, telemetry.Instruments{})
	d.RunTickForTest(ctx)

	// host-a's 1-hour min-spacing floor allows only one of its two due
	// tasks to clear the rate limiter within a single tick.
	assert.Equal(t, 1, pub.count())
	got1, err := store.GetTask(ctx, task1.ID)
	require.NoError(t, err)
	got2, err := store.GetTask(ctx, task2.ID)
	require.NoError(t, err)
	dispatched := 0
	for _, status := range []model.Status{got1.Status, got2.Status} {
		if status == model.StatusQueued {
			dispatched++
		}
	}
	assert.Equal(t, 1, dispatched)
}

func TestDispatchOne_GatedByHostMaxInFlight(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &model.Host{ID: "host-a", Active: true, MaxInFlight: 1}))
	crawling, err := store.CreateTask(ctx, "host-a", "https://a.example/already-crawling", taskstore.CreateTaskOpts{})
	require.NoError(t, err)
	ok, err := store.Transition(ctx, crawling.ID, []model.Status{model.StatusPending}, model.StatusCrawling, nil)
	require.NoError(t, err)
	require.True(t, ok)

	pending, err := store.CreateTask(ctx, "host-a", "https://a.example/pending", taskstore.CreateTaskOpts{})
	require.NoError(t, err)

	pub := &fakePublisher{}
	d := dispatcher.New(store, pub, dispatcher.Config{Interval: time.Minute, BatchSize: 10}, telemetry.Instruments{})
	d.RunTickForTest(ctx)

	assert.Equal(t, 0, pub.count())
	got, err := store.GetTask(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestTick_ReclaimsExpiredLeasesBeforeDispatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateHost(ctx, &model.Host{ID: "host-a", Active: true}))
	task, err := store.CreateTask(ctx, "host-a", "https://a.example/x", taskstore.CreateTaskOpts{})
	require.NoError(t, err)
	ok, err := store.Transition(ctx, task.ID, []model.Status{model.StatusPending}, model.StatusQueued, nil)
	require.NoError(t, err)
	require.True(t, ok)

	pub := &fakePublisher{}
	d := dispatcher.New(store, pub, dispatcher.Config{
		Interval:       time.Minute,
		BatchSize:      10,
		StateDeadlines: map[string]time.Duration{"queued": 0},
	}, telemetry.Instruments{})
	d.RunTickForTest(ctx)

	// Reclaimed back to pending, then immediately redispatched in the same tick.
	assert.Equal(t, 1, pub.count())
	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}
