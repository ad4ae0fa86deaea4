package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/swarmguard/crawlord/internal/apperr"
	"github.com/swarmguard/crawlord/internal/model"
	"github.com/swarmguard/crawlord/internal/resilience"
	"github.com/swarmguard/crawlord/internal/urlnorm"
)

// CreateTaskOpts carries the optional fields create_task / create_tasks_bulk accept.
type CreateTaskOpts struct {
	ScheduledAt        *time.Time
	Priority           *int
	MaxRetries         int
	IsRecurring        bool
	RecurrenceInterval time.Duration
}

func (o CreateTaskOpts) priority() int {
	if o.Priority != nil {
		return *o.Priority
	}
	return 5
}

func (o CreateTaskOpts) scheduledAt(now time.Time) time.Time {
	if o.ScheduledAt != nil {
		return *o.ScheduledAt
	}
	return now
}

func (o CreateTaskOpts) maxRetries() int {
	if o.MaxRetries > 0 {
		return o.MaxRetries
	}
	return 5
}

// CreateTask normalizes url, computes its fingerprint, and inserts a
// pending row. Fails with duplicate if a live row already exists for the
// same (host, fingerprint).
func (s *Store) CreateTask(ctx context.Context, hostID, rawURL string, opts CreateTaskOpts) (*model.CrawlTask, error) {
	start := time.Now()
	defer s.recordWrite(ctx, "create_task", start)

	normalized, fp, err := urlnorm.NormalizeAndFingerprint(rawURL, urlnorm.DefaultRules())
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, "invalid url").WithDetails(rawURL)
	}
	if p := opts.priority(); p < 1 || p > 10 {
		return nil, apperr.Newf(apperr.KindValidation, "priority %d out of range [1,10]", p)
	}

	var task model.CrawlTask
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketHosts).Get([]byte(hostID)) == nil {
			return apperr.New(apperr.KindNotFound, "host not found").WithDetails(hostID)
		}
		fpb := tx.Bucket(bucketTasksByHostFP)
		key := hostFPKey(hostID, fp)
		if fpb.Get(key) != nil {
			return apperr.New(apperr.KindDuplicate, "live task already exists for this url").WithDetails(rawURL)
		}

		now := time.Now()
		task = model.CrawlTask{
			ID:                 uuid.NewString(),
			HostID:             hostID,
			URL:                normalized,
			Fingerprint:        fp,
			Status:             model.StatusPending,
			Priority:           opts.priority(),
			ScheduledAt:        opts.scheduledAt(now),
			LastTransitionedAt: now,
			MaxRetries:         opts.maxRetries(),
			IsRecurring:        opts.IsRecurring,
			RecurrenceInterval: opts.RecurrenceInterval,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		return s.insertTaskLocked(tx, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// insertTaskLocked writes a new task row plus its secondary-index entries
// within an already-open write transaction.
func (s *Store) insertTaskLocked(tx *bbolt.Tx, t *model.CrawlTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketTasks).Put([]byte(t.ID), data); err != nil {
		return err
	}
	if t.Status.NonTerminal() {
		if err := tx.Bucket(bucketTasksByHostFP).Put(hostFPKey(t.HostID, t.Fingerprint), []byte(t.ID)); err != nil {
			return err
		}
	}
	if t.Status == model.StatusPending {
		if err := tx.Bucket(bucketTasksByDue).Put(dueKey(t.Priority, t.ScheduledAt.UnixNano(), t.ID), []byte(t.ID)); err != nil {
			return err
		}
	}
	return appendVersion(tx, t.ID, data)
}

// BulkResult is create_tasks_bulk's per-item outcome report.
type BulkResult struct {
	Inserted  []*model.CrawlTask
	Duplicates []string
	Invalid   []InvalidURL
}

type InvalidURL struct {
	URL    string
	Reason string
}

const maxBulkSize = 10000

// CreateTasksBulk inserts up to 10,000 urls, reporting per-item outcomes.
// Only a missing host fails the whole call.
func (s *Store) CreateTasksBulk(ctx context.Context, hostID string, urls []string, opts CreateTaskOpts) (*BulkResult, error) {
	start := time.Now()
	defer s.recordWrite(ctx, "create_tasks_bulk", start)

	if len(urls) > maxBulkSize {
		return nil, apperr.Newf(apperr.KindValidation, "batch of %d exceeds max %d", len(urls), maxBulkSize)
	}
	if p := opts.priority(); p < 1 || p > 10 {
		return nil, apperr.Newf(apperr.KindValidation, "priority %d out of range [1,10]", p)
	}

	result := &BulkResult{}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketHosts).Get([]byte(hostID)) == nil {
			return apperr.New(apperr.KindNotFound, "host not found").WithDetails(hostID)
		}
		fpb := tx.Bucket(bucketTasksByHostFP)
		now := time.Now()

		for _, raw := range urls {
			normalized, fp, err := urlnorm.NormalizeAndFingerprint(raw, urlnorm.DefaultRules())
			if err != nil {
				result.Invalid = append(result.Invalid, InvalidURL{URL: raw, Reason: err.Error()})
				continue
			}
			key := hostFPKey(hostID, fp)
			if fpb.Get(key) != nil {
				result.Duplicates = append(result.Duplicates, raw)
				continue
			}
			task := &model.CrawlTask{
				ID:                 uuid.NewString(),
				HostID:             hostID,
				URL:                normalized,
				Fingerprint:        fp,
				Status:             model.StatusPending,
				Priority:           opts.priority(),
				ScheduledAt:        opts.scheduledAt(now),
				LastTransitionedAt: now,
				MaxRetries:         opts.maxRetries(),
				IsRecurring:        opts.IsRecurring,
				RecurrenceInterval: opts.RecurrenceInterval,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if err := s.insertTaskLocked(tx, task); err != nil {
				return err
			}
			// Guard against two urls in the same batch colliding on fingerprint.
			if err := fpb.Put(key, []byte(task.ID)); err != nil {
				return err
			}
			result.Inserted = append(result.Inserted, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetTask fetches a task row by id.
func (s *Store) GetTask(ctx context.Context, id string) (*model.CrawlTask, error) {
	start := time.Now()
	defer s.recordRead(ctx, "get_task", start)

	var t model.CrawlTask
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.KindNotFound, "task not found").WithDetails(id)
	}
	return &t, nil
}

// FetchDue returns up to limit pending rows ordered by (priority asc,
// scheduled_at asc), honoring only rows whose owning host is active.
func (s *Store) FetchDue(ctx context.Context, limit int, now time.Time) ([]*model.CrawlTask, error) {
	start := time.Now()
	defer s.recordRead(ctx, "fetch_due", start)

	var tasks []*model.CrawlTask
	err := s.db.View(func(tx *bbolt.Tx) error {
		dueBucket := tx.Bucket(bucketTasksByDue)
		taskBucket := tx.Bucket(bucketTasks)
		hostBucket := tx.Bucket(bucketHosts)

		activeHosts := map[string]bool{}
		cursor := dueBucket.Cursor()
		for k, v := cursor.First(); k != nil && len(tasks) < limit; k, v = cursor.Next() {
			if dueKeyScheduledAt(k) > now.UnixNano() {
				continue
			}
			data := taskBucket.Get(v)
			if data == nil {
				continue
			}
			var t model.CrawlTask
			if err := json.Unmarshal(data, &t); err != nil {
				continue
			}
			if t.Status != model.StatusPending {
				continue
			}
			active, ok := activeHosts[t.HostID]
			if !ok {
				hd := hostBucket.Get([]byte(t.HostID))
				active = false
				if hd != nil {
					var h model.Host
					if json.Unmarshal(hd, &h) == nil {
						active = h.Active
					}
				}
				activeHosts[t.HostID] = active
			}
			if !active {
				continue
			}
			tasks = append(tasks, &t)
		}
		return nil
	})
	return tasks, err
}

// Transition performs a conditional compare-and-set on status: if the
// current status is not in from, it returns false without mutating
// anything. patch, when non-nil, is applied before the row is persisted.
func (s *Store) Transition(ctx context.Context, taskID string, from []model.Status, to model.Status, patch func(*model.CrawlTask)) (bool, error) {
	start := time.Now()
	defer s.recordWrite(ctx, "transition", start)

	ok := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		tb := tx.Bucket(bucketTasks)
		data := tb.Get([]byte(taskID))
		if data == nil {
			return apperr.New(apperr.KindNotFound, "task not found").WithDetails(taskID)
		}
		var t model.CrawlTask
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if !containsStatus(from, t.Status) {
			return nil
		}
		prevStatus, prevPriority, prevScheduled := t.Status, t.Priority, t.ScheduledAt
		t.Status = to
		t.LastTransitionedAt = time.Now()
		t.UpdatedAt = t.LastTransitionedAt
		if patch != nil {
			patch(&t)
		}
		if err := s.reindexAndStoreLocked(tx, &t, prevStatus, prevPriority, prevScheduled); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// reindexAndStoreLocked persists t and reconciles both secondary indexes
// against its previous status/priority/scheduled_at within an open txn.
func (s *Store) reindexAndStoreLocked(tx *bbolt.Tx, t *model.CrawlTask, prevStatus model.Status, prevPriority int, prevScheduledAt time.Time) error {
	fpb := tx.Bucket(bucketTasksByHostFP)
	dueb := tx.Bucket(bucketTasksByDue)

	if prevStatus.NonTerminal() && !t.Status.NonTerminal() {
		if err := fpb.Delete(hostFPKey(t.HostID, t.Fingerprint)); err != nil {
			return err
		}
	} else if !prevStatus.NonTerminal() && t.Status.NonTerminal() {
		if err := fpb.Put(hostFPKey(t.HostID, t.Fingerprint), []byte(t.ID)); err != nil {
			return err
		}
	}

	if prevStatus == model.StatusPending {
		if err := dueb.Delete(dueKey(prevPriority, prevScheduledAt.UnixNano(), t.ID)); err != nil {
			return err
		}
	}
	if t.Status == model.StatusPending {
		if err := dueb.Put(dueKey(t.Priority, t.ScheduledAt.UnixNano(), t.ID), []byte(t.ID)); err != nil {
			return err
		}
	}

	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketTasks).Put([]byte(t.ID), data); err != nil {
		return err
	}
	return appendVersion(tx, t.ID, data)
}

func containsStatus(set []model.Status, s model.Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// AttemptKind discriminates record_attempt's four outcome shapes.
type AttemptKind string

const (
	AttemptDownloadSuccess  AttemptKind = "download_success"
	AttemptParseSuccess     AttemptKind = "parse_success"
	AttemptTransientFailure AttemptKind = "transient_failure"
	AttemptTerminalFailure  AttemptKind = "terminal_failure"
)

// AttemptOutcome is record_attempt's input.
type AttemptOutcome struct {
	Kind           AttemptKind
	BlobRef        string
	HTTPStatusCode int
	LatencyMS      int64
	ProxyRef       string
	ErrorText      string
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

// RecordAttempt applies a worker-reported outcome to a task row.
func (s *Store) RecordAttempt(ctx context.Context, taskID string, outcome AttemptOutcome) error {
	start := time.Now()
	defer s.recordWrite(ctx, "record_attempt", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		tb := tx.Bucket(bucketTasks)
		data := tb.Get([]byte(taskID))
		if data == nil {
			return apperr.New(apperr.KindNotFound, "task not found").WithDetails(taskID)
		}
		var t model.CrawlTask
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		prevStatus, prevPriority, prevScheduled := t.Status, t.Priority, t.ScheduledAt
		now := time.Now()

		switch outcome.Kind {
		case AttemptDownloadSuccess:
			if t.Status != model.StatusCrawling {
				return apperr.New(apperr.KindIllegalTransition, "download_success requires status crawling").WithDetails(string(t.Status))
			}
			t.Status = model.StatusDownloaded
			t.BlobRef = outcome.BlobRef
			t.HTTPStatusCode = outcome.HTTPStatusCode
			t.LatencyMS = outcome.LatencyMS
			t.ProxyRef = outcome.ProxyRef

		case AttemptParseSuccess:
			if t.Status != model.StatusParsing {
				return apperr.New(apperr.KindIllegalTransition, "parse_success requires status parsing").WithDetails(string(t.Status))
			}
			t.Status = model.StatusCompleted
			t.CompletedAt = &now
			if t.IsRecurring {
				next := now.Add(t.RecurrenceInterval)
				t.NextRunAt = &next
			}

		case AttemptTransientFailure:
			if !t.Status.Active() {
				return apperr.New(apperr.KindIllegalTransition, "transient_failure requires an active status").WithDetails(string(t.Status))
			}
			t.RetryCount++
			t.LastError = outcome.ErrorText
			if t.RetryCount >= t.MaxRetries {
				t.Status = model.StatusFailed
			} else {
				t.Status = model.StatusPending
				delay := resilience.Backoff(t.RetryCount, outcome.BackoffBase, outcome.BackoffCap)
				t.ScheduledAt = now.Add(delay)
			}

		case AttemptTerminalFailure:
			if !t.Status.Active() {
				return apperr.New(apperr.KindIllegalTransition, "terminal_failure requires an active status").WithDetails(string(t.Status))
			}
			t.Status = model.StatusFailed
			t.LastError = outcome.ErrorText

		default:
			return apperr.Newf(apperr.KindValidation, "unknown attempt kind %q", outcome.Kind)
		}

		t.LastTransitionedAt = now
		t.UpdatedAt = now
		return s.reindexAndStoreLocked(tx, &t, prevStatus, prevPriority, prevScheduled)
	})
}

// MaterializeRecurrence inserts a new pending row copying url/host/
// priority/interval from a due, completed recurring task, and advances
// the original's next_run_at by the interval.
func (s *Store) MaterializeRecurrence(ctx context.Context, taskID string) (*model.CrawlTask, error) {
	start := time.Now()
	defer s.recordWrite(ctx, "materialize_recurrence", start)

	var created model.CrawlTask
	err := s.db.Update(func(tx *bbolt.Tx) error {
		tb := tx.Bucket(bucketTasks)
		data := tb.Get([]byte(taskID))
		if data == nil {
			return apperr.New(apperr.KindNotFound, "task not found").WithDetails(taskID)
		}
		var orig model.CrawlTask
		if err := json.Unmarshal(data, &orig); err != nil {
			return err
		}
		if orig.Status != model.StatusCompleted || !orig.IsRecurring || orig.NextRunAt == nil {
			return apperr.New(apperr.KindIllegalTransition, "task is not a due recurring completion").WithDetails(taskID)
		}

		now := time.Now()
		created = model.CrawlTask{
			ID:                 uuid.NewString(),
			HostID:             orig.HostID,
			URL:                orig.URL,
			Fingerprint:        orig.Fingerprint,
			Status:             model.StatusPending,
			Priority:           orig.Priority,
			ScheduledAt:        now,
			LastTransitionedAt: now,
			MaxRetries:         orig.MaxRetries,
			IsRecurring:        orig.IsRecurring,
			RecurrenceInterval: orig.RecurrenceInterval,
			RecurrenceCount:    orig.RecurrenceCount + 1,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.insertTaskLocked(tx, &created); err != nil {
			return err
		}

		next := orig.NextRunAt.Add(orig.RecurrenceInterval)
		orig.NextRunAt = &next
		orig.UpdatedAt = now
		outData, err := json.Marshal(&orig)
		if err != nil {
			return err
		}
		if err := tb.Put([]byte(orig.ID), outData); err != nil {
			return err
		}
		return appendVersion(tx, orig.ID, outData)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// DueRecurrences scans completed recurring tasks whose next_run_at is due.
// A full bucket scan mirrors the teacher's ListWorkflows/warmCache
// approach; acceptable at this store's admin-driven scale.
func (s *Store) DueRecurrences(ctx context.Context, now time.Time) ([]*model.CrawlTask, error) {
	start := time.Now()
	defer s.recordRead(ctx, "due_recurrences", start)

	var due []*model.CrawlTask
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t model.CrawlTask
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			if t.Status == model.StatusCompleted && t.IsRecurring && t.NextRunAt != nil && !t.NextRunAt.After(now) {
				due = append(due, &t)
			}
			return nil
		})
	})
	return due, err
}

// ReclaimLeases moves rows stuck past their per-state deadline back to
// pending, incrementing retry_count (lease expiry, spec.md §4.1/§5).
func (s *Store) ReclaimLeases(ctx context.Context, deadlines map[string]time.Duration, now time.Time) (int, error) {
	start := time.Now()
	defer s.recordWrite(ctx, "reclaim_leases", start)

	leasedStates := []model.Status{model.StatusQueued, model.StatusCrawling, model.StatusQueuedParse, model.StatusParsing}
	reclaimed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		tb := tx.Bucket(bucketTasks)

		// ForEach must not mutate the bucket it ranges over, so the
		// expired rows are collected first and reindexed in a second pass.
		var expiredIDs [][]byte
		if err := tb.ForEach(func(k, v []byte) error {
			var t model.CrawlTask
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			if !containsStatus(leasedStates, t.Status) {
				return nil
			}
			deadline, ok := deadlines[string(t.Status)]
			if !ok {
				deadline = 5 * time.Minute
			}
			if now.Sub(t.LastTransitionedAt) < deadline {
				return nil
			}
			expiredIDs = append(expiredIDs, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}

		for _, id := range expiredIDs {
			data := tb.Get(id)
			if data == nil {
				continue
			}
			var t model.CrawlTask
			if err := json.Unmarshal(data, &t); err != nil {
				continue
			}
			prevStatus, prevPriority, prevScheduled := t.Status, t.Priority, t.ScheduledAt
			t.Status = model.StatusPending
			t.RetryCount++
			t.ScheduledAt = now
			t.LastTransitionedAt = now
			t.UpdatedAt = now
			t.LastError = fmt.Sprintf("lease expired in state %s", prevStatus)
			if err := s.reindexAndStoreLocked(tx, &t, prevStatus, prevPriority, prevScheduled); err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	return reclaimed, err
}
