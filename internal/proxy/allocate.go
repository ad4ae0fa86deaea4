package proxy

import (
	"context"
	"encoding/json"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/swarmguard/crawlord/internal/apperr"
	"github.com/swarmguard/crawlord/internal/model"
	"github.com/swarmguard/crawlord/internal/resilience"
)

const (
	maxAcquireAttempts    = 5
	acquireRetryBaseDelay = 5 * time.Millisecond
)

// Handle identifies a leased (host, proxy) binding, returned by Acquire
// and consumed by Release.
type Handle struct {
	HostID    string
	ProxyID   string
	AcquiredAt time.Time
}

// Outcome is release's reported result.
type Outcome struct {
	Success   bool
	LatencyMS float64
	Reason    string
}

// Acquire selects, for hostID, the least-recently-used healthy proxy
// among its active bindings — active binding, active proxy, binding
// failure-count below threshold, and (if configured) under its per-hour
// request ceiling. The candidate scan, the last_used_at touch and the
// hourly counter bump all happen inside a single Badger read-write
// transaction, so it is Badger's own write-conflict detection — not the
// host-sharded lock below — that keeps two concurrent Acquire calls from
// returning the same identity: whichever of two colliding transactions
// loses the commit race gets retried by resilience.Retry against a fresh
// snapshot. The in-process lock only avoids burning retries against
// ourselves inside this one process; it gives no exclusion across
// processes, which is why correctness rests on the transaction, not on it.
func (s *Store) Acquire(ctx context.Context, hostID string, now time.Time) (*Handle, error) {
	lock := s.hostLock(hostID)
	lock.Lock()
	defer lock.Unlock()

	return resilience.Retry(ctx, maxAcquireAttempts, acquireRetryBaseDelay, func() (*Handle, error) {
		var handle *Handle
		err := s.db.Update(func(txn *badger.Txn) error {
			best, bestProxy, err := s.pickCandidateTxn(txn, hostID, now)
			if err != nil {
				return err
			}
			if err := touchLastUsedTxn(txn, best, now); err != nil {
				return err
			}
			if err := incrementHourlyCounterTxn(txn, bestProxy.ID, now); err != nil {
				return err
			}
			handle = &Handle{HostID: hostID, ProxyID: bestProxy.ID, AcquiredAt: now}
			return nil
		})
		return handle, err
	})
}

// pickCandidateTxn scans hostID's bindings inside txn, applying the
// health and hourly-cap gates, and returns the least-
// recently-used eligible (binding, proxy) pair. All reads happen through
// txn so Badger tracks them for conflict detection against the touch
// this same transaction performs below.
func (s *Store) pickCandidateTxn(txn *badger.Txn, hostID string, now time.Time) (*model.HostProxyBinding, *model.Proxy, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	it := txn.NewIterator(opts)
	defer it.Close()

	var best *model.HostProxyBinding
	var bestProxy *model.Proxy
	prefix := bindingPrefix(hostID)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var b model.HostProxyBinding
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &b) }); err != nil {
			continue
		}
		if !b.Active {
			continue
		}
		breaker := s.bindingBreaker(hostID, b.ProxyID)
		if breaker.ConsecutiveFailures() >= s.bindingFailureThreshold {
			continue
		}
		p, err := getProxyTxn(txn, b.ProxyID)
		if err != nil {
			continue
		}
		if !p.Active {
			continue
		}
		if s.proxyBreaker(p.ID).ConsecutiveFailures() >= s.globalFailureThreshold {
			continue
		}
		if !underHourlyCapTxn(txn, p, now) {
			continue
		}
		if best == nil || lessEligible(&b, p, best, bestProxy) {
			bCopy := b
			best, bestProxy = &bCopy, p
		}
	}
	if best == nil {
		return nil, nil, apperr.New(apperr.KindNoProxyAvailable, "no healthy proxy available").WithDetails(hostID)
	}
	return best, bestProxy, nil
}

func getProxyTxn(txn *badger.Txn, id string) (*model.Proxy, error) {
	item, err := txn.Get(proxyKey(id))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, apperr.New(apperr.KindNotFound, "proxy not found").WithDetails(id)
		}
		return nil, err
	}
	var p model.Proxy
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &p) }); err != nil {
		return nil, err
	}
	return &p, nil
}

// lessEligible reports whether candidate (b, p) should be preferred over
// the current best: smallest last_used_at first (nil treated as oldest),
// tie-broken by smallest rolling average latency.
func lessEligible(b *model.HostProxyBinding, p *model.Proxy, bestB *model.HostProxyBinding, bestP *model.Proxy) bool {
	if b.LastUsedAt == nil && bestB.LastUsedAt != nil {
		return true
	}
	if b.LastUsedAt != nil && bestB.LastUsedAt == nil {
		return false
	}
	if b.LastUsedAt != nil && bestB.LastUsedAt != nil && !b.LastUsedAt.Equal(*bestB.LastUsedAt) {
		return b.LastUsedAt.Before(*bestB.LastUsedAt)
	}
	return b.AvgLatencyMS < bestB.AvgLatencyMS
}

// touchLastUsedTxn advances b's last_used_at to now and writes it back
// through txn — always called alongside pickCandidateTxn's read of the
// same key within the same transaction, which is what makes the advance
// atomic with the selection that produced b.
func touchLastUsedTxn(txn *badger.Txn, b *model.HostProxyBinding, now time.Time) error {
	b.LastUsedAt = &now
	b.UpdatedAt = now
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return txn.Set(bindingKey(b.HostID, b.ProxyID), data)
}

func hourBucket(t time.Time) int64 { return t.Unix() / 3600 }

func underHourlyCapTxn(txn *badger.Txn, p *model.Proxy, now time.Time) bool {
	ceiling := p.HourlyRequestCap
	if ceiling <= 0 {
		return true
	}
	item, err := txn.Get(hourCapKey(p.ID, hourBucket(now)))
	if err != nil {
		return true // not found, or a store hiccup: fail open rather than starve the host
	}
	var count int64
	_ = item.Value(func(val []byte) error {
		count = decodeInt64(val)
		return nil
	})
	return count < int64(ceiling)
}

// incrementHourlyCounterTxn bumps the proxy's per-hour request counter
// through txn, self-expiring via Badger's TTL so no separate cleanup job
// is needed.
func incrementHourlyCounterTxn(txn *badger.Txn, proxyID string, now time.Time) error {
	key := hourCapKey(proxyID, hourBucket(now))
	var count int64
	item, err := txn.Get(key)
	if err == nil {
		_ = item.Value(func(val []byte) error {
			count = decodeInt64(val)
			return nil
		})
	} else if err != badger.ErrKeyNotFound {
		return err
	}
	count++
	entry := badger.NewEntry(key, encodeInt64(count)).WithTTL(2 * time.Hour)
	return txn.SetEntry(entry)
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	var v int64
	for i := 0; i < 8; i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v
}

// Release reports a request's outcome against a leased handle, updating
// both the binding's and the proxy's independent health counters. On
// success, the consecutive-failure counter zeroes and rolling average
// latency updates via a simple EWMA (α=0.5); on failure, the counter
// increments and trips the per-binding / per-proxy circuit breaker once
// its threshold is reached.
func (s *Store) Release(ctx context.Context, h *Handle, outcome Outcome) error {
	now := time.Now()
	breaker := s.bindingBreaker(h.HostID, h.ProxyID)
	globalBreaker := s.proxyBreaker(h.ProxyID)
	breaker.RecordResult(outcome.Success)
	globalBreaker.RecordResult(outcome.Success)

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(bindingKey(h.HostID, h.ProxyID))
		if err != nil {
			return err
		}
		var b model.HostProxyBinding
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &b) }); err != nil {
			return err
		}
		applyOutcome(outcome, &b.SuccessCount, &b.FailureCount, &b.ConsecutiveFailures, &b.AvgLatencyMS)
		if !outcome.Success && b.ConsecutiveFailures >= s.bindingFailureThreshold {
			b.Active = false
		}
		b.UpdatedAt = now
		data, err := json.Marshal(&b)
		if err != nil {
			return err
		}
		return txn.Set(bindingKey(h.HostID, h.ProxyID), data)
	})
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(proxyKey(h.ProxyID))
		if err != nil {
			return err
		}
		var p model.Proxy
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &p) }); err != nil {
			return err
		}
		applyOutcome(outcome, &p.SuccessCount, &p.FailureCount, &p.ConsecutiveFailures, &p.AvgLatencyMS)
		if outcome.Success {
			p.LastSuccessAt = &now
		} else {
			p.LastFailureAt = &now
			if p.ConsecutiveFailures >= s.globalFailureThreshold {
				p.Active = false
			}
		}
		p.LastUsedAt = &now
		p.UpdatedAt = now
		data, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return txn.Set(proxyKey(h.ProxyID), data)
	})
}

func applyOutcome(outcome Outcome, successCt, failureCt *int64, consecutiveFailures *int, avgLatency *float64) {
	if outcome.Success {
		*successCt++
		*consecutiveFailures = 0
		if *avgLatency == 0 {
			*avgLatency = outcome.LatencyMS
		} else {
			*avgLatency = (*avgLatency + outcome.LatencyMS) / 2
		}
		return
	}
	*failureCt++
	*consecutiveFailures++
}
