// Package audit is a hash-chained, append-only audit trail for control
// plane admin operations, adapted from the teacher's in-memory
// AppendLog/PersistentAuditLog pair in services/audit-trail — persisted to
// its own bbolt file (rather than the teacher's raw WAL-segment-per-file
// scheme) so it shares the rest of crawlord's storage idiom and survives
// restarts without a separate replay step.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("audit_entries")
	bucketMeta    = []byte("audit_meta")

	metaKeyLatestIndex = []byte("latest_index")
	metaKeyLatestHash  = []byte("latest_hash")
)

// Entry is one immutable, chained audit record.
type Entry struct {
	Index     uint64    `json:"index"`
	Timestamp time.Time `json:"ts"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Resource  string    `json:"resource"`
	Metadata  string    `json:"metadata"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

func hashEntry(e Entry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(e.Action))
	h.Write([]byte(e.Actor))
	h.Write([]byte(e.Resource))
	h.Write([]byte(e.Metadata))
	return hex.EncodeToString(h.Sum(nil))
}

// Log is a durable, hash-chained append-only log.
type Log struct {
	db *bbolt.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the audit log at path.
func Open(path string) (*Log, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init buckets: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying store.
func (l *Log) Close() error {
	return l.db.Close()
}

func indexKey(idx uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, idx)
	return b
}

// Append adds a new entry chained onto the current head, persists it in
// the same transaction as the updated head pointer, and returns the
// stored entry.
func (l *Log) Append(action, actor, resource, metadata string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var entry Entry
	err := l.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		entries := tx.Bucket(bucketEntries)

		var idx uint64
		var prevHash string
		if raw := meta.Get(metaKeyLatestIndex); raw != nil {
			idx = binary.BigEndian.Uint64(raw) + 1
			prevHash = string(meta.Get(metaKeyLatestHash))
		}

		entry = Entry{
			Index:     idx,
			Timestamp: time.Now().UTC(),
			Action:    action,
			Actor:     actor,
			Resource:  resource,
			Metadata:  metadata,
			PrevHash:  prevHash,
		}
		entry.Hash = hashEntry(entry)

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if err := entries.Put(indexKey(idx), data); err != nil {
			return err
		}
		if err := meta.Put(metaKeyLatestIndex, indexKey(idx)); err != nil {
			return err
		}
		return meta.Put(metaKeyLatestHash, []byte(entry.Hash))
	})
	if err != nil {
		return Entry{}, fmt.Errorf("audit: append: %w", err)
	}
	return entry, nil
}

// Get retrieves the entry at index.
func (l *Log) Get(index uint64) (Entry, bool, error) {
	var entry Entry
	var found bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get(indexKey(index))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("audit: get %d: %w", index, err)
	}
	return entry, found, nil
}

// Latest returns the most recently appended entry.
func (l *Log) Latest() (Entry, bool, error) {
	var entry Entry
	var found bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		raw := meta.Get(metaKeyLatestIndex)
		if raw == nil {
			return nil
		}
		idx := binary.BigEndian.Uint64(raw)
		data := tx.Bucket(bucketEntries).Get(indexKey(idx))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("audit: latest: %w", err)
	}
	return entry, found, nil
}

// Verify walks the full chain in index order, recomputing each entry's
// hash and checking the prev-hash link, and reports the index of the
// first broken link if any.
func (l *Log) Verify() (ok bool, brokenAt uint64, err error) {
	ok = true
	var prevHash string
	var haveAny bool
	verr := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if uerr := json.Unmarshal(v, &e); uerr != nil {
				return fmt.Errorf("unmarshal entry at %x: %w", k, uerr)
			}
			if haveAny && e.PrevHash != prevHash {
				ok = false
				brokenAt = e.Index
				return nil
			}
			if e.Hash != hashEntry(Entry{
				Index:     e.Index,
				Timestamp: e.Timestamp,
				Action:    e.Action,
				Actor:     e.Actor,
				Resource:  e.Resource,
				Metadata:  e.Metadata,
				PrevHash:  e.PrevHash,
			}) {
				ok = false
				brokenAt = e.Index
				return nil
			}
			prevHash = e.Hash
			haveAny = true
		}
		return nil
	})
	if verr != nil {
		return false, 0, fmt.Errorf("audit: verify: %w", verr)
	}
	return ok, brokenAt, nil
}

// Filter selects a subset of entries for Query.
type Filter struct {
	Actor     string
	Action    string
	Resource  string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

func (f Filter) matches(e Entry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// Query scans entries in index order applying filter, stopping early once
// Limit matches are collected (0 means unlimited).
func (l *Log) Query(filter Filter) ([]Entry, error) {
	var results []Entry
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal entry at %x: %w", k, err)
			}
			if !filter.matches(e) {
				continue
			}
			results = append(results, e)
			if filter.Limit > 0 && len(results) >= filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return results, nil
}
