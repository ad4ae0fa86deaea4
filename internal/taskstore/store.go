// Package taskstore is the durable, transactional store of record for
// Host and CrawlTask rows, backed by BoltDB — chosen, as the teacher's
// workflow store documents, for easy pure-Go deployment with no external
// dependency.
package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/crawlord/internal/apperr"
	"github.com/swarmguard/crawlord/internal/model"
)

var (
	bucketHosts       = []byte("hosts")
	bucketTasks       = []byte("tasks")
	bucketTasksByHostFP = []byte("tasks_by_host_fp")
	bucketTasksByDue  = []byte("tasks_by_due")
	bucketVersions    = []byte("versions")
)

// Store is the BoltDB-backed Task Store.
type Store struct {
	db *bbolt.DB
	mu sync.Mutex // not locked by any method; bbolt's single-writer transactions serialize every mutation

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open creates or opens the BoltDB file at path and ensures every bucket
// this store depends on exists.
func Open(path string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("taskstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketHosts, bucketTasks, bucketTasksByHostFP, bucketTasksByDue, bucketVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("taskstore: create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("crawlord_taskstore_read_ms")
	writeLatency, _ := meter.Float64Histogram("crawlord_taskstore_write_ms")

	return &Store{db: db, readLatency: readLatency, writeLatency: writeLatency}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) recordWrite(ctx context.Context, op string, start time.Time) {
	if s.writeLatency == nil {
		return
	}
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func (s *Store) recordRead(ctx context.Context, op string, start time.Time) {
	if s.readLatency == nil {
		return
	}
	s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

// appendVersion writes a raw JSON snapshot to the versions bucket, the
// audit-material mirror of the teacher's bucketVersions archive-on-write.
func appendVersion(tx *bbolt.Tx, entityID string, data []byte) error {
	vb := tx.Bucket(bucketVersions)
	key := fmt.Sprintf("%s:%d", entityID, time.Now().UnixNano())
	return vb.Put([]byte(key), data)
}

// CreateHost inserts a new Host row. Returns duplicate if the id exists.
func (s *Store) CreateHost(ctx context.Context, h *model.Host) error {
	start := time.Now()
	defer s.recordWrite(ctx, "create_host", start)

	now := time.Now()
	h.CreatedAt, h.UpdatedAt = now, now

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		if b.Get([]byte(h.ID)) != nil {
			return apperr.New(apperr.KindDuplicate, "host already exists").WithDetails(h.ID)
		}
		data, err := json.Marshal(h)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(h.ID), data); err != nil {
			return err
		}
		return appendVersion(tx, h.ID, data)
	})
}

// GetHost fetches a Host by id.
func (s *Store) GetHost(ctx context.Context, id string) (*model.Host, error) {
	start := time.Now()
	defer s.recordRead(ctx, "get_host", start)

	var h model.Host
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketHosts).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &h)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.KindNotFound, "host not found").WithDetails(id)
	}
	return &h, nil
}

// UpdateHost applies mutate to the current Host row and persists the result.
func (s *Store) UpdateHost(ctx context.Context, id string, mutate func(*model.Host)) (*model.Host, error) {
	start := time.Now()
	defer s.recordWrite(ctx, "update_host", start)

	var h model.Host
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data := b.Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.KindNotFound, "host not found").WithDetails(id)
		}
		if err := json.Unmarshal(data, &h); err != nil {
			return err
		}
		mutate(&h)
		h.UpdatedAt = time.Now()
		out, err := json.Marshal(&h)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		return appendVersion(tx, id, out)
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// ListHosts returns every host row (small, admin-facing cardinality).
func (s *Store) ListHosts(ctx context.Context) ([]*model.Host, error) {
	start := time.Now()
	defer s.recordRead(ctx, "list_hosts", start)

	var hosts []*model.Host
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(_, v []byte) error {
			var h model.Host
			if err := json.Unmarshal(v, &h); err != nil {
				return nil
			}
			hosts = append(hosts, &h)
			return nil
		})
	})
	return hosts, err
}
