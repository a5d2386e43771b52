package storage

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/growcache/growcache/runtime/common"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Constants and options
// --------------------------------------------------------------------------

const (
	// Per-entry bookkeeping overhead charged against the memory budget
	// on top of key and value bytes.
	entryOverhead = 64

	defaultSweepInterval = 60 * time.Second
)

// Options configures the engine during initialization.
type Options struct {
	MaxMemory     int           // memory budget in bytes
	DefaultTTL    uint64        // applied when an operation passes ttl=0 (0 = never expire)
	MaxValueSize  int           // internal admission limit (defense in depth)
	SweepInterval time.Duration // background expiry sweep interval (0 = default)
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// entry is the stored record. Entries are immutable once inserted:
// every mutation builds a new entry, so readers never observe a value
// slice being rewritten.
type entry struct {
	value     []byte
	flags     uint32
	cas       uint64
	expiresAt int64 // unix nanoseconds, 0 = never
	storedAt  int64 // unix nanoseconds, for flush-deadline checks
}

type storeImpl struct {
	data   *xsync.MapOf[string, entry]
	access *xsync.MapOf[string, uint64] // key -> access sequence, for LRU

	memoryUsed atomic.Int64
	casCounter atomic.Uint64
	accessSeq  atomic.Uint64
	flushAt    atomic.Int64 // unix nanoseconds, 0 = no pending flush

	maxMemory    int64
	defaultTTL   uint64
	maxValueSize int

	stop chan struct{}

	evictions   *metrics.Counter
	expirations *metrics.Counter
}

var logger = common.GetLogger("storage")

// New creates a cache engine with the given options and starts its
// background expiry sweeper.
func New(opts Options) IStorage {
	interval := opts.SweepInterval
	if interval == 0 {
		interval = defaultSweepInterval
	}

	s := &storeImpl{
		data:         xsync.NewMapOf[string, entry](),
		access:       xsync.NewMapOf[string, uint64](),
		maxMemory:    int64(opts.MaxMemory),
		defaultTTL:   opts.DefaultTTL,
		maxValueSize: opts.MaxValueSize,
		stop:         make(chan struct{}),
		evictions:    metrics.GetOrCreateCounter("growcache_storage_evictions_total"),
		expirations:  metrics.GetOrCreateCounter("growcache_storage_expirations_total"),
	}
	s.casCounter.Store(0)

	logger.WithField("max_memory_mb", opts.MaxMemory/1024/1024).
		WithField("default_ttl", opts.DefaultTTL).
		Info("storage engine initialized")

	go s.sweepLoop(interval)

	return s
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (s *storeImpl) nextCAS() uint64 {
	return s.casCounter.Add(1)
}

func (s *storeImpl) recordAccess(key string) {
	s.access.Store(key, s.accessSeq.Add(1))
}

// live reports whether an entry is still visible at time now,
// accounting for both per-entry expiry and a pending flush deadline.
func (s *storeImpl) live(e entry, now int64) bool {
	if e.expiresAt != 0 && now >= e.expiresAt {
		return false
	}
	if fa := s.flushAt.Load(); fa != 0 && now >= fa && e.storedAt < fa {
		return false
	}
	return true
}

func (s *storeImpl) expiry(ttl uint64, now int64) int64 {
	effective := ttl
	if effective == 0 {
		effective = s.defaultTTL
	}
	if effective == 0 {
		return 0
	}
	return now + int64(effective)*int64(time.Second)
}

func entrySize(key string, e entry) int64 {
	return int64(len(key) + len(e.value) + entryOverhead)
}

// dropAccounting removes key's accounting after a Compute already deleted
// the entry.
func (s *storeImpl) dropAccounting(key string, e entry) {
	s.memoryUsed.Add(-entrySize(key, e))
	s.access.Delete(key)
}

// removeStale deletes an entry that was observed dead. Racing writers
// are safe: the Compute re-checks liveness before deleting.
func (s *storeImpl) removeStale(key string, now int64) {
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded || s.live(old, now) {
			return old, !loaded
		}
		s.dropAccounting(key, old)
		s.expirations.Inc()
		return entry{}, true
	})
}

// ensureMemoryAvailable evicts least-recently-used entries until needed
// bytes fit within the budget.
func (s *storeImpl) ensureMemoryAvailable(needed int64) {
	for s.memoryUsed.Load()+needed > s.maxMemory {
		key, ok := s.findLRUKey()
		if !ok {
			return
		}
		s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
			if !loaded {
				return old, true
			}
			s.dropAccounting(key, old)
			s.evictions.Inc()
			return entry{}, true
		})
	}
}

// findLRUKey scans for the live key with the lowest access sequence.
func (s *storeImpl) findLRUKey() (string, bool) {
	now := time.Now().UnixNano()
	var (
		lruKey string
		minSeq = ^uint64(0)
		found  bool
	)
	s.access.Range(func(key string, seq uint64) bool {
		if seq >= minSeq {
			return true
		}
		if e, ok := s.data.Load(key); ok && s.live(e, now) {
			minSeq = seq
			lruKey = key
			found = true
		}
		return true
	})
	if found {
		return lruKey, true
	}
	// Nothing tracked as accessed; fall back to any key so the budget
	// still converges.
	s.data.Range(func(key string, _ entry) bool {
		lruKey = key
		found = true
		return false
	})
	return lruKey, found
}

func (s *storeImpl) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *storeImpl) sweep() {
	now := time.Now().UnixNano()
	var stale []string
	s.data.Range(func(key string, e entry) bool {
		if !s.live(e, now) {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		s.removeStale(key, now)
	}
	if len(stale) > 0 {
		logger.WithField("count", len(stale)).Debug("swept expired items")
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Get(key string) (Item, bool) {
	now := time.Now().UnixNano()
	e, ok := s.data.Load(key)
	if !ok {
		return Item{}, false
	}
	if !s.live(e, now) {
		s.removeStale(key, now)
		return Item{}, false
	}
	s.recordAccess(key)
	return Item{Value: e.value, Flags: e.flags, CAS: e.cas, ExpiresAt: e.expiresAt}, true
}

func (s *storeImpl) GetMulti(keys []string) []KeyedItem {
	out := make([]KeyedItem, 0, len(keys))
	for _, key := range keys {
		if item, ok := s.Get(key); ok {
			out = append(out, KeyedItem{Key: key, Item: item})
		}
	}
	return out
}

func (s *storeImpl) Set(key string, value []byte, flags uint32, ttl uint64) Status {
	if len(value) > s.maxValueSize {
		return StatusNotStored
	}
	now := time.Now().UnixNano()
	newEntry := entry{
		value:     value,
		flags:     flags,
		cas:       s.nextCAS(),
		expiresAt: s.expiry(ttl, now),
		storedAt:  now,
	}
	s.ensureMemoryAvailable(entrySize(key, newEntry))

	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if loaded {
			s.memoryUsed.Add(-entrySize(key, old))
		}
		s.memoryUsed.Add(entrySize(key, newEntry))
		return newEntry, false
	})
	s.recordAccess(key)
	return StatusStored
}

func (s *storeImpl) Add(key string, value []byte, flags uint32, ttl uint64) Status {
	if len(value) > s.maxValueSize {
		return StatusNotStored
	}
	now := time.Now().UnixNano()
	newEntry := entry{
		value:     value,
		flags:     flags,
		cas:       s.nextCAS(),
		expiresAt: s.expiry(ttl, now),
		storedAt:  now,
	}
	s.ensureMemoryAvailable(entrySize(key, newEntry))

	status := StatusNotStored
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if loaded && s.live(old, now) {
			return old, false
		}
		if loaded {
			s.memoryUsed.Add(-entrySize(key, old))
		}
		s.memoryUsed.Add(entrySize(key, newEntry))
		status = StatusStored
		return newEntry, false
	})
	if status == StatusStored {
		s.recordAccess(key)
	}
	return status
}

func (s *storeImpl) Replace(key string, value []byte, flags uint32, ttl uint64) Status {
	if len(value) > s.maxValueSize {
		return StatusNotStored
	}
	now := time.Now().UnixNano()
	newEntry := entry{
		value:     value,
		flags:     flags,
		cas:       s.nextCAS(),
		expiresAt: s.expiry(ttl, now),
		storedAt:  now,
	}
	s.ensureMemoryAvailable(entrySize(key, newEntry))

	status := StatusNotStored
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded || !s.live(old, now) {
			return old, !loaded
		}
		s.memoryUsed.Add(entrySize(key, newEntry) - entrySize(key, old))
		status = StatusStored
		return newEntry, false
	})
	if status == StatusStored {
		s.recordAccess(key)
	}
	return status
}

func (s *storeImpl) Append(key string, data []byte) Status {
	return s.concat(key, data, false)
}

func (s *storeImpl) Prepend(key string, data []byte) Status {
	return s.concat(key, data, true)
}

func (s *storeImpl) concat(key string, data []byte, front bool) Status {
	now := time.Now().UnixNano()
	status := StatusNotStored
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded || !s.live(old, now) {
			return old, !loaded
		}
		if len(old.value)+len(data) > s.maxValueSize {
			return old, false
		}
		merged := make([]byte, 0, len(old.value)+len(data))
		if front {
			merged = append(append(merged, data...), old.value...)
		} else {
			merged = append(append(merged, old.value...), data...)
		}
		next := old
		next.value = merged
		next.cas = s.nextCAS()
		s.memoryUsed.Add(int64(len(data)))
		status = StatusStored
		return next, false
	})
	if status == StatusStored {
		s.recordAccess(key)
	}
	return status
}

func (s *storeImpl) CAS(key string, value []byte, flags uint32, ttl uint64, cas uint64) Status {
	if len(value) > s.maxValueSize {
		return StatusNotStored
	}
	now := time.Now().UnixNano()
	newEntry := entry{
		value:     value,
		flags:     flags,
		cas:       s.nextCAS(),
		expiresAt: s.expiry(ttl, now),
		storedAt:  now,
	}
	s.ensureMemoryAvailable(entrySize(key, newEntry))

	status := StatusNotFound
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded {
			return old, true
		}
		if !s.live(old, now) {
			s.dropAccounting(key, old)
			return entry{}, true
		}
		if old.cas != cas {
			status = StatusExists
			return old, false
		}
		s.memoryUsed.Add(entrySize(key, newEntry) - entrySize(key, old))
		status = StatusStored
		return newEntry, false
	})
	if status == StatusStored {
		s.recordAccess(key)
	}
	return status
}

func (s *storeImpl) Delete(key string) Status {
	status := StatusNotFound
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded {
			return old, true
		}
		s.dropAccounting(key, old)
		status = StatusDeleted
		return entry{}, true
	})
	return status
}

func (s *storeImpl) Incr(key string, delta uint64) (uint64, Status) {
	return s.arith(key, delta, true)
}

func (s *storeImpl) Decr(key string, delta uint64) (uint64, Status) {
	return s.arith(key, delta, false)
}

func (s *storeImpl) arith(key string, delta uint64, incr bool) (uint64, Status) {
	now := time.Now().UnixNano()
	var (
		status = StatusNotFound
		result uint64
	)
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded {
			return old, true
		}
		if !s.live(old, now) {
			s.dropAccounting(key, old)
			return entry{}, true
		}
		cur, err := strconv.ParseUint(strings.TrimSpace(string(old.value)), 10, 64)
		if err != nil {
			status = StatusNonNumeric
			return old, false
		}
		if incr {
			result = cur + delta // wraps like the protocol requires
		} else if delta > cur {
			result = 0
		} else {
			result = cur - delta
		}
		next := old
		next.value = strconv.AppendUint(nil, result, 10)
		next.cas = s.nextCAS()
		s.memoryUsed.Add(int64(len(next.value) - len(old.value)))
		status = StatusStored
		return next, false
	})
	if status == StatusStored {
		s.recordAccess(key)
	}
	return result, status
}

func (s *storeImpl) FlushAll(delay uint64) {
	if delay == 0 {
		s.data.Clear()
		s.access.Clear()
		s.memoryUsed.Store(0)
		s.flushAt.Store(0)
		logger.Info("flushed all items")
		return
	}
	deadline := time.Now().UnixNano() + int64(delay)*int64(time.Second)
	s.flushAt.Store(deadline)
	logger.WithField("delay_sec", delay).Info("flush scheduled")
}

func (s *storeImpl) Stats() map[string]string {
	return map[string]string{
		"curr_items":     strconv.Itoa(s.data.Size()),
		"bytes":          strconv.FormatInt(s.memoryUsed.Load(), 10),
		"limit_maxbytes": strconv.FormatInt(s.maxMemory, 10),
		"evictions":      strconv.FormatUint(s.evictions.Get(), 10),
		"expirations":    strconv.FormatUint(s.expirations.Get(), 10),
		"cas_counter":    strconv.FormatUint(s.casCounter.Load(), 10),
	}
}

func (s *storeImpl) Close() {
	close(s.stop)
}
