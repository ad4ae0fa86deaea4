package taskstore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/crawlord/internal/model"
)

// QueryFilter ranges an admin listing on status, priority, host and
// timestamps. Zero-value fields are unconstrained.
type QueryFilter struct {
	HostID        string
	Statuses      []model.Status
	MinPriority   int
	MaxPriority   int
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

func (f QueryFilter) matches(t *model.CrawlTask) bool {
	if f.HostID != "" && t.HostID != f.HostID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if f.MinPriority > 0 && t.Priority < f.MinPriority {
		return false
	}
	if f.MaxPriority > 0 && t.Priority > f.MaxPriority {
		return false
	}
	if !f.CreatedAfter.IsZero() && t.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && t.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

// SortKey names the field query results are ordered on.
type SortKey string

const (
	SortByCreatedAt   SortKey = "created_at"
	SortByScheduledAt SortKey = "scheduled_at"
	SortByPriority    SortKey = "priority"
)

// SortSpec orders a Query result set.
type SortSpec struct {
	Key        SortKey
	Descending bool
}

// Page is a (sort_key, id) cursor page request. Cursor is the opaque
// token returned alongside the previous page's results; empty starts at
// the beginning.
type Page struct {
	Cursor string
	Limit  int
}

// QueryResult is one page of an admin listing.
type QueryResult struct {
	Tasks      []*model.CrawlTask
	NextCursor string
}

// Query lists tasks matching filter, sorted by sort, paginated by page.
// Pagination is implemented as a full in-memory sort over a bucket scan —
// acceptable at admin-listing cardinality, mirroring the teacher's
// ListWorkflows/ListExecutions pattern of scan-then-slice.
func (s *Store) Query(ctx context.Context, filter QueryFilter, sortSpec SortSpec, page Page) (*QueryResult, error) {
	start := time.Now()
	defer s.recordRead(ctx, "query", start)

	if page.Limit <= 0 {
		page.Limit = 100
	}

	var matched []*model.CrawlTask
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t model.CrawlTask
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			if filter.matches(&t) {
				matched = append(matched, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		less := sortLess(a, b, sortSpec.Key)
		if sortSpec.Descending {
			return !less && a.ID != b.ID
		}
		return less
	})

	startIdx := 0
	if page.Cursor != "" {
		for i, t := range matched {
			if t.ID == page.Cursor {
				startIdx = i + 1
				break
			}
		}
	}
	endIdx := startIdx + page.Limit
	if endIdx > len(matched) {
		endIdx = len(matched)
	}
	if startIdx > len(matched) {
		startIdx = len(matched)
	}

	result := &QueryResult{Tasks: matched[startIdx:endIdx]}
	if endIdx < len(matched) && len(result.Tasks) > 0 {
		result.NextCursor = result.Tasks[len(result.Tasks)-1].ID
	}
	return result, nil
}

func sortLess(a, b *model.CrawlTask, key SortKey) bool {
	switch key {
	case SortByScheduledAt:
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
	case SortByPriority:
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
	default: // SortByCreatedAt
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	return a.ID < b.ID
}
