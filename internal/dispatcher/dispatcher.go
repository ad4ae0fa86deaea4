// Package dispatcher is the central state-machine driver: it reclaims
// expired leases, materializes due recurrences, and fetches, transitions
// and publishes pending tasks on a cron-driven cadence, adapted from the
// teacher's Scheduler.Start/cron.AddFunc idiom.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/crawlord/internal/broker"
	"github.com/swarmguard/crawlord/internal/model"
	"github.com/swarmguard/crawlord/internal/resilience"
	"github.com/swarmguard/crawlord/internal/taskstore"
	"github.com/swarmguard/crawlord/internal/telemetry"
)

// inFlightStatuses are the leased states a dispatched task occupies while a
// broker message or a worker holds it (downloaded and paused rows are not
// counted) — used to evaluate a host's max_in_flight ceiling.
var inFlightStatuses = []model.Status{
	model.StatusQueued,
	model.StatusCrawling,
	model.StatusQueuedParse,
	model.StatusParsing,
}

// Config carries the dispatcher's cadence and batching knobs.
type Config struct {
	Interval       time.Duration
	BatchSize      int
	StateDeadlines map[string]time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

// Publisher is the narrow broker surface the dispatcher depends on,
// satisfied by *broker.Broker; tests substitute a fake.
type Publisher interface {
	PublishCrawlJob(ctx context.Context, job broker.CrawlJob) error
}

// Dispatcher is a single dispatcher instance; it is horizontally
// replicable since correctness relies on the Task Store's conditional
// CAS, not on any single-instance coordination.
type Dispatcher struct {
	store   *taskstore.Store
	brokerC Publisher
	cfg     Config
	cron    *cron.Cron
	inst    telemetry.Instruments

	brokerBreaker *resilience.CircuitBreaker

	limitersMu sync.Mutex
	limiters   map[string]*resilience.HostRateLimiter
}

// New builds a Dispatcher wired to a Task Store and Broker.
func New(store *taskstore.Store, brokerC Publisher, cfg Config, inst telemetry.Instruments) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Dispatcher{
		store:         store,
		brokerC:       brokerC,
		cfg:           cfg,
		cron:          cron.New(),
		inst:          inst,
		brokerBreaker: resilience.NewConsecutiveFailureBreaker(3, 30*time.Second),
		limiters:      make(map[string]*resilience.HostRateLimiter),
	}
}

// Start registers the tick on the configured cadence and starts the
// cron scheduler; it does not block.
func (d *Dispatcher) Start(ctx context.Context) error {
	spec := "@every " + d.cfg.Interval.String()
	_, err := d.cron.AddFunc(spec, func() { d.tick(ctx) })
	if err != nil {
		return err
	}
	d.cron.Start()
	slog.Info("dispatcher started", "interval", d.cfg.Interval)
	return nil
}

// Stop drains the in-flight tick (if any) and stops the cron scheduler.
func (d *Dispatcher) Stop(ctx context.Context) error {
	stopCtx := d.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunTickForTest runs one dispatcher round synchronously, bypassing the
// cron scheduler, for use by package tests.
func (d *Dispatcher) RunTickForTest(ctx context.Context) {
	d.tick(ctx)
}

// tick runs a single dispatcher round: reclaim leases, materialize
// recurrence, fetch due tasks, transition and publish each — steps are
// independently error-isolated so a failure in one never blocks another.
func (d *Dispatcher) tick(ctx context.Context) {
	start := time.Now()
	ctx, span := telemetry.WithSpan(ctx, "dispatcher.tick")
	defer span()
	defer func() {
		if d.inst.DispatchTickDuration != nil {
			d.inst.DispatchTickDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	if n, err := d.store.ReclaimLeases(ctx, d.cfg.StateDeadlines, time.Now()); err != nil {
		slog.Error("dispatcher: reclaim leases failed", "error", err)
	} else if n > 0 {
		slog.Info("dispatcher: reclaimed expired leases", "count", n)
	}

	d.materializeRecurrences(ctx)

	if !d.brokerBreaker.Allow() {
		slog.Warn("dispatcher: broker circuit open, skipping publish step this tick")
		return
	}
	d.dispatchDueTasks(ctx)
}

// rateLimiterFor returns hostID's token-bucket limiter, creating one from
// minSpacing on first use and caching it for the dispatcher's lifetime.
// A non-positive minSpacing means the host has no configured floor, so no
// limiter is consulted.
func (d *Dispatcher) rateLimiterFor(hostID string, minSpacing time.Duration) *resilience.HostRateLimiter {
	if minSpacing <= 0 {
		return nil
	}
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()
	lim, ok := d.limiters[hostID]
	if !ok {
		lim = resilience.NewHostRateLimiter(minSpacing)
		d.limiters[hostID] = lim
	}
	return lim
}

func (d *Dispatcher) materializeRecurrences(ctx context.Context) {
	due, err := d.store.DueRecurrences(ctx, time.Now())
	if err != nil {
		slog.Error("dispatcher: due recurrences scan failed", "error", err)
		return
	}
	for _, t := range due {
		if _, err := d.store.MaterializeRecurrence(ctx, t.ID); err != nil {
			slog.Error("dispatcher: materialize recurrence failed", "task_id", t.ID, "error", err)
			continue
		}
		if d.inst.RecurrenceMaterialized != nil {
			d.inst.RecurrenceMaterialized.Add(ctx, 1)
		}
	}
}

// dispatchDueTasks fetches up to BatchSize pending rows and, for each,
// attempts the pending→queued CAS before publishing. A racer winning the
// CAS (another replica's concurrent tick) is not an error — the loser
// simply skips that row.
func (d *Dispatcher) dispatchDueTasks(ctx context.Context) {
	due, err := d.store.FetchDue(ctx, d.cfg.BatchSize, time.Now())
	if err != nil {
		slog.Error("dispatcher: fetch due failed", "error", err)
		return
	}
	for _, t := range due {
		d.dispatchOne(ctx, t)
	}
}

// dispatchOne gates a due task on its host's min_spacing and max_in_flight
// ceilings before attempting the pending→queued CAS; a gated task is left
// pending and simply reconsidered on the next tick.
func (d *Dispatcher) dispatchOne(ctx context.Context, t *model.CrawlTask) {
	host, err := d.store.GetHost(ctx, t.HostID)
	if err != nil {
		slog.Error("dispatcher: host lookup failed, skipping dispatch", "host_id", t.HostID, "task_id", t.ID, "error", err)
		return
	}

	if limiter := d.rateLimiterFor(t.HostID, host.MinSpacing); limiter != nil && !limiter.Allow() {
		return // host is at its min-spacing ceiling this tick
	}

	if host.MaxInFlight > 0 {
		inFlight, err := d.store.Query(ctx,
			taskstore.QueryFilter{HostID: t.HostID, Statuses: inFlightStatuses},
			taskstore.SortSpec{Key: taskstore.SortByCreatedAt},
			taskstore.Page{Limit: host.MaxInFlight},
		)
		if err != nil {
			slog.Error("dispatcher: in-flight query failed", "host_id", t.HostID, "task_id", t.ID, "error", err)
			return
		}
		if len(inFlight.Tasks) >= host.MaxInFlight {
			return // host is at its max-in-flight ceiling this tick
		}
	}

	ok, err := d.store.Transition(ctx, t.ID, []model.Status{model.StatusPending}, model.StatusQueued, nil)
	if err != nil {
		slog.Error("dispatcher: transition to queued failed", "task_id", t.ID, "error", err)
		return
	}
	if !ok {
		return // racer won; harmless
	}

	job := broker.CrawlJob{
		TaskID:   t.ID,
		URL:      t.URL,
		HostID:   t.HostID,
		Priority: t.Priority,
		Attempt:  t.RetryCount,
	}
	if err := d.brokerC.PublishCrawlJob(ctx, job); err != nil {
		d.brokerBreaker.RecordResult(false)
		if d.inst.BrokerPublishFailures != nil {
			d.inst.BrokerPublishFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", t.ID)))
		}
		slog.Error("dispatcher: publish failed, reverting to pending", "task_id", t.ID, "error", err)
		revertDelay := 2 * time.Second
		if _, rerr := d.store.Transition(ctx, t.ID, []model.Status{model.StatusQueued}, model.StatusPending, func(ct *model.CrawlTask) {
			ct.ScheduledAt = time.Now().Add(revertDelay)
		}); rerr != nil {
			slog.Error("dispatcher: revert-to-pending after publish failure also failed", "task_id", t.ID, "error", rerr)
		}
		return
	}
	d.brokerBreaker.RecordResult(true)
	if d.inst.TasksDispatched != nil {
		d.inst.TasksDispatched.Add(ctx, 1)
	}
}
