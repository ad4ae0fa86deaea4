// Package proxy implements the Proxy Allocator: per-host LRU-with-
// health-gate proxy selection backed by Badger, a separate embedded KV
// store from the Task Store so binding health accounting has an
// independent failure domain (spec.md's invariant that binding health is
// independent per (host, proxy)).
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/spaolacci/murmur3"

	"github.com/swarmguard/crawlord/internal/apperr"
	"github.com/swarmguard/crawlord/internal/model"
	"github.com/swarmguard/crawlord/internal/resilience"
)

const (
	defaultBindingFailureThreshold = 5
	defaultGlobalFailureThreshold  = 10
	defaultHalfOpenAfter           = 2 * time.Minute
	hostLockShards                 = 64
)

// Store is the Badger-backed Proxy Allocator.
type Store struct {
	db *badger.DB

	bindingFailureThreshold int
	globalFailureThreshold  int

	hostLocks [hostLockShards]sync.Mutex

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker // keyed by "binding:<host>:<proxy>" or "proxy:<id>"
}

// Options configures the allocator's health thresholds (spec.md §6
// proxy.binding_failure_threshold / proxy.global_failure_threshold).
type Options struct {
	BindingFailureThreshold int
	GlobalFailureThreshold  int
}

// Open creates or opens the Badger directory at path.
func Open(path string, opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("proxy: open badger at %s: %w", path, err)
	}
	bft := opts.BindingFailureThreshold
	if bft <= 0 {
		bft = defaultBindingFailureThreshold
	}
	gft := opts.GlobalFailureThreshold
	if gft <= 0 {
		gft = defaultGlobalFailureThreshold
	}
	return &Store{
		db:                      db,
		bindingFailureThreshold: bft,
		globalFailureThreshold:  gft,
		breakers:                make(map[string]*resilience.CircuitBreaker),
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// hostLock returns hostID's shard of an in-process mutex array, murmur3-
// sharded the way the teacher's kv_store shards its own locks. It exists
// to avoid every goroutine in this process hammering the same host's
// Acquire transaction into repeated Badger write conflicts; it provides
// no exclusion across separate OS processes, which is why Acquire's own
// correctness comes from its single read-write transaction plus retry,
// not from this lock.
func (s *Store) hostLock(hostID string) *sync.Mutex {
	idx := murmur3.Sum32([]byte(hostID)) % hostLockShards
	return &s.hostLocks[idx]
}

func (s *Store) breakerFor(key string, threshold int) *resilience.CircuitBreaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = resilience.NewConsecutiveFailureBreaker(threshold, defaultHalfOpenAfter)
		s.breakers[key] = b
	}
	return b
}

func (s *Store) bindingBreaker(hostID, proxyID string) *resilience.CircuitBreaker {
	return s.breakerFor("binding:"+hostID+":"+proxyID, s.bindingFailureThreshold)
}

func (s *Store) proxyBreaker(proxyID string) *resilience.CircuitBreaker {
	return s.breakerFor("proxy:"+proxyID, s.globalFailureThreshold)
}

func proxyKey(id string) []byte             { return []byte("proxy:" + id) }
func bindingKey(hostID, proxyID string) []byte { return []byte("binding:" + hostID + ":" + proxyID) }
func bindingPrefix(hostID string) []byte     { return []byte("binding:" + hostID + ":") }
func hourCapKey(proxyID string, hourBucket int64) []byte {
	return []byte(fmt.Sprintf("hourcap:%s:%d", proxyID, hourBucket))
}

// CreateProxy inserts a new Proxy record.
func (s *Store) CreateProxy(ctx context.Context, p *model.Proxy) error {
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(proxyKey(p.ID)); err == nil {
			return apperr.New(apperr.KindDuplicate, "proxy already exists").WithDetails(p.ID)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return txn.Set(proxyKey(p.ID), data)
	})
}

// GetProxy fetches a Proxy by id.
func (s *Store) GetProxy(ctx context.Context, id string) (*model.Proxy, error) {
	var p model.Proxy
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(proxyKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return apperr.New(apperr.KindNotFound, "proxy not found").WithDetails(id)
			}
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &p) })
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Bind creates or reactivates a HostProxyBinding at the given priority,
// clearing the binding breaker's consecutive-failure count so Acquire
// considers the binding again.
func (s *Store) Bind(ctx context.Context, hostID, proxyID string, priority int) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(proxyKey(proxyID)); err != nil {
			if err == badger.ErrKeyNotFound {
				return apperr.New(apperr.KindNotFound, "proxy not found").WithDetails(proxyID)
			}
			return err
		}
		now := time.Now()
		binding := model.HostProxyBinding{
			HostID:    hostID,
			ProxyID:   proxyID,
			Active:    true,
			Priority:  priority,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if item, err := txn.Get(bindingKey(hostID, proxyID)); err == nil {
			_ = item.Value(func(val []byte) error {
				_ = json.Unmarshal(val, &binding)
				return nil
			})
			binding.Active = true
			binding.Priority = priority
			binding.UpdatedAt = now
		}
		data, err := json.Marshal(&binding)
		if err != nil {
			return err
		}
		return txn.Set(bindingKey(hostID, proxyID), data)
	})
	if err != nil {
		return err
	}
	s.bindingBreaker(hostID, proxyID).RecordResult(true)
	return nil
}

// Unbind deactivates a HostProxyBinding (cascaded deletion semantics are
// implemented as a logical deactivation; the allocator never selects an
// inactive binding).
func (s *Store) Unbind(ctx context.Context, hostID, proxyID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(bindingKey(hostID, proxyID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return apperr.New(apperr.KindNotFound, "binding not found").WithDetails(hostID + "/" + proxyID)
			}
			return err
		}
		var binding model.HostProxyBinding
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &binding) }); err != nil {
			return err
		}
		binding.Active = false
		binding.UpdatedAt = time.Now()
		data, err := json.Marshal(&binding)
		if err != nil {
			return err
		}
		return txn.Set(bindingKey(hostID, proxyID), data)
	})
}

// Stats returns the health summary for every binding of a host.
func (s *Store) Stats(ctx context.Context, hostID string) ([]*model.HostProxyBinding, error) {
	var bindings []*model.HostProxyBinding
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := bindingPrefix(hostID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var b model.HostProxyBinding
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &b) }); err != nil {
				continue
			}
			bindings = append(bindings, &b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].ProxyID < bindings[j].ProxyID })
	return bindings, nil
}
