// Package controlplane implements the admin operation set from spec.md
// §4.5: submit, pause, resume, cancel, restart (full and parse-only),
// bulk-restart-failed, and change-priority. Every operation is a single
// CAS-guarded Task Store mutation, traced and audited the way the
// teacher's CancellationManager wraps its own state mutations with a
// tracer span and a metrics counter.
package controlplane

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/crawlord/internal/apperr"
	"github.com/swarmguard/crawlord/internal/audit"
	"github.com/swarmguard/crawlord/internal/model"
	"github.com/swarmguard/crawlord/internal/taskstore"
)

// ControlPlane wires the Task Store to the hash-chained audit log and
// exposes the admin operation set. It holds no broker reference: per
// spec.md's Change-priority note, already-enqueued messages retain their
// original priority route, so no broker action is ever required here.
type ControlPlane struct {
	store *taskstore.Store
	audit *audit.Log
	tr    trace.Tracer
}

// New builds a ControlPlane over store, recording every mutation to log.
func New(store *taskstore.Store, log *audit.Log) *ControlPlane {
	return &ControlPlane{store: store, audit: log, tr: otel.Tracer("crawlord-controlplane")}
}

func (c *ControlPlane) record(action, actor, resource, metadata string) {
	if c.audit == nil {
		return
	}
	if _, err := c.audit.Append(action, actor, resource, metadata); err != nil {
		// Audit persistence failure must not roll back the task mutation
		// that already committed; it is surfaced via logging instead.
		slog.Error("controlplane: audit append failed", "action", action, "resource", resource, "error", err)
	}
}

// Submit creates a single crawl task under hostID.
func (c *ControlPlane) Submit(ctx context.Context, actor, hostID, rawURL string, opts taskstore.CreateTaskOpts) (*model.CrawlTask, error) {
	ctx, span := c.tr.Start(ctx, "controlplane.submit", trace.WithAttributes(attribute.String("host_id", hostID)))
	defer span.End()

	t, err := c.store.CreateTask(ctx, hostID, rawURL, opts)
	if err != nil {
		return nil, err
	}
	c.record("task.submit", actor, t.ID, rawURL)
	return t, nil
}

// SubmitBulk creates multiple crawl tasks under hostID in one call.
func (c *ControlPlane) SubmitBulk(ctx context.Context, actor, hostID string, urls []string, opts taskstore.CreateTaskOpts) (*taskstore.BulkResult, error) {
	ctx, span := c.tr.Start(ctx, "controlplane.submit_bulk", trace.WithAttributes(
		attribute.String("host_id", hostID),
		attribute.Int("count", len(urls)),
	))
	defer span.End()

	result, err := c.store.CreateTasksBulk(ctx, hostID, urls, opts)
	if err != nil {
		return nil, err
	}
	c.record("task.submit_bulk", actor, hostID, "")
	return result, nil
}

// Pause CASes any non-terminal task to paused. A message already sitting
// in a broker queue is not recalled — the worker observes paused on its
// next status re-check and re-acks without doing work.
func (c *ControlPlane) Pause(ctx context.Context, actor, taskID string) error {
	ctx, span := c.tr.Start(ctx, "controlplane.pause", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	from := nonTerminalStatuses()
	ok, err := c.store.Transition(ctx, taskID, from, model.StatusPaused, nil)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Newf(apperr.KindIllegalTransition, "task %s is not in a pausable state", taskID)
	}
	c.record("task.pause", actor, taskID, "")
	return nil
}

// Resume CASes a paused task back to pending, due immediately.
func (c *ControlPlane) Resume(ctx context.Context, actor, taskID string) error {
	ctx, span := c.tr.Start(ctx, "controlplane.resume", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	now := time.Now()
	ok, err := c.store.Transition(ctx, taskID, []model.Status{model.StatusPaused}, model.StatusPending, func(t *model.CrawlTask) {
		t.ScheduledAt = now
	})
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Newf(apperr.KindIllegalTransition, "task %s is not paused", taskID)
	}
	c.record("task.resume", actor, taskID, "")
	return nil
}

// Cancel CASes any non-terminal-except-completed/failed task to cancelled.
func (c *ControlPlane) Cancel(ctx context.Context, actor, taskID string) error {
	ctx, span := c.tr.Start(ctx, "controlplane.cancel", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	from := []model.Status{
		model.StatusPending, model.StatusQueued, model.StatusCrawling,
		model.StatusDownloaded, model.StatusQueuedParse, model.StatusParsing,
		model.StatusPaused,
	}
	ok, err := c.store.Transition(ctx, taskID, from, model.StatusCancelled, nil)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Newf(apperr.KindIllegalTransition, "task %s is already terminal", taskID)
	}
	c.record("task.cancel", actor, taskID, "")
	return nil
}

// RestartOpts carries the optional overrides for a restart operation.
type RestartOpts struct {
	ResetRetryCount bool
	Priority        int // 0 means "leave unchanged"
	ScheduledAt     time.Time
}

// RestartFull CASes a failed or completed task back to pending, clearing
// its terminal-attempt fields.
func (c *ControlPlane) RestartFull(ctx context.Context, actor, taskID string, opts RestartOpts) error {
	ctx, span := c.tr.Start(ctx, "controlplane.restart_full", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}
	ok, err := c.store.Transition(ctx, taskID,
		[]model.Status{model.StatusFailed, model.StatusCompleted},
		model.StatusPending,
		func(t *model.CrawlTask) {
			t.StartedAt = nil
			t.CompletedAt = nil
			t.LastError = ""
			t.ScheduledAt = scheduledAt
			if opts.ResetRetryCount {
				t.RetryCount = 0
			}
			if opts.Priority != 0 {
				t.Priority = opts.Priority
			}
		},
	)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Newf(apperr.KindIllegalTransition, "task %s is not in a terminal state", taskID)
	}
	c.record("task.restart_full", actor, taskID, "")
	return nil
}

// RestartParseOnly CASes a failed or completed task back to downloaded,
// requiring that its blob reference still exists.
func (c *ControlPlane) RestartParseOnly(ctx context.Context, actor, taskID string, opts RestartOpts) error {
	ctx, span := c.tr.Start(ctx, "controlplane.restart_parse_only", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	existing, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if existing.BlobRef == "" {
		return apperr.New(apperr.KindHTMLNotAvailable, "no blob reference retained for this task")
	}

	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}
	ok, err := c.store.Transition(ctx, taskID,
		[]model.Status{model.StatusFailed, model.StatusCompleted},
		model.StatusDownloaded,
		func(t *model.CrawlTask) {
			t.CompletedAt = nil
			t.LastError = ""
			t.ScheduledAt = scheduledAt
			if opts.ResetRetryCount {
				t.RetryCount = 0
			}
			if opts.Priority != 0 {
				t.Priority = opts.Priority
			}
		},
	)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Newf(apperr.KindIllegalTransition, "task %s is not in a terminal state", taskID)
	}
	c.record("task.restart_parse_only", actor, taskID, "")
	return nil
}

// BulkRestartResult reports per-task outcomes of a batched restart.
type BulkRestartResult struct {
	Restarted []string
	Failed    map[string]string
}

// BulkRestartFailed restarts every failed task matching filter, up to
// limit, as a batched RestartFull.
func (c *ControlPlane) BulkRestartFailed(ctx context.Context, actor string, filter taskstore.QueryFilter, limit int, opts RestartOpts) (*BulkRestartResult, error) {
	ctx, span := c.tr.Start(ctx, "controlplane.bulk_restart_failed", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	filter.Statuses = []model.Status{model.StatusFailed}
	page, err := c.store.Query(ctx, filter, taskstore.SortSpec{Key: taskstore.SortByCreatedAt}, taskstore.Page{Limit: limit})
	if err != nil {
		return nil, err
	}

	result := &BulkRestartResult{Failed: map[string]string{}}
	for _, t := range page.Tasks {
		if err := c.RestartFull(ctx, actor, t.ID, opts); err != nil {
			result.Failed[t.ID] = err.Error()
			continue
		}
		result.Restarted = append(result.Restarted, t.ID)
	}
	c.record("task.bulk_restart_failed", actor, "", "")
	return result, nil
}

// ChangePriority updates a task's priority field. Already-enqueued broker
// messages retain their original priority route; this never re-orders a
// queue, only future dispatch decisions.
func (c *ControlPlane) ChangePriority(ctx context.Context, actor, taskID string, newPriority int) error {
	ctx, span := c.tr.Start(ctx, "controlplane.change_priority", trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.Int("new_priority", newPriority),
	))
	defer span.End()

	existing, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if existing.Status.Terminal() {
		return apperr.Newf(apperr.KindIllegalTransition, "task %s is terminal, priority is no longer actionable", taskID)
	}
	ok, err := c.store.Transition(ctx, taskID, []model.Status{existing.Status}, existing.Status, func(t *model.CrawlTask) {
		t.Priority = newPriority
	})
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Newf(apperr.KindIllegalTransition, "task %s changed state concurrently, retry", taskID)
	}
	c.record("task.change_priority", actor, taskID, "")
	return nil
}

func nonTerminalStatuses() []model.Status {
	return []model.Status{
		model.StatusPending, model.StatusQueued, model.StatusCrawling,
		model.StatusDownloaded, model.StatusQueuedParse, model.StatusParsing,
	}
}
