package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"quoteflow/config"
	"quoteflow/internal/quote"
	"quoteflow/logger"
)

// SnapshotStore persists per-symbol snapshots of the in-process map so a
// restarted process can rebuild it lazily. A load miss returns (nil, nil).
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, symbol string, blob []byte) error
	LoadSnapshot(ctx context.Context, symbol string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, symbol string) error
}

// symbolShard holds every cached entry for one symbol behind its own lock,
// so a slow write for one symbol never blocks reads for another.
type symbolShard struct {
	mu      sync.RWMutex
	entries map[quote.Key]quote.CacheEntry
}

// Memory is the in-process quote cache. Writes land in the map
// synchronously and mark the symbol dirty; a background worker flushes
// dirty symbols to the snapshot store at most once per interval,
// coalescing bursts into one durable write per symbol, and once more on
// shutdown.
type Memory struct {
	config *config.Config
	store  SnapshotStore
	log    *logger.Log

	mu     sync.RWMutex
	shards map[string]*symbolShard

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	runMu       sync.Mutex
	running     bool
	ctx         context.Context
	wg          *sync.WaitGroup
	flushTicker *time.Ticker
}

func NewMemory(cfg *config.Config, store SnapshotStore) *Memory {
	log := logger.GetLogger()

	m := &Memory{
		config: cfg,
		store:  store,
		log:    log,
		shards: make(map[string]*symbolShard),
		dirty:  make(map[string]struct{}),
		wg:     &sync.WaitGroup{},
	}

	log.WithComponent("memory_cache").WithFields(logger.Fields{
		"flush_interval_ms": cfg.Cache.FlushIntervalMs,
		"memory_ttl_s":      cfg.Cache.MemoryTTLSeconds,
	}).Info("memory cache initialized")

	return m
}

// Start launches the flush worker. The cache itself is usable before
// Start; only snapshot persistence needs the worker.
func (m *Memory) Start(ctx context.Context) error {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return fmt.Errorf("memory cache already running")
	}
	m.running = true
	m.ctx = ctx
	m.flushTicker = time.NewTicker(m.config.Cache.FlushInterval())
	m.runMu.Unlock()

	m.wg.Add(1)
	go m.flushWorker()

	m.log.WithComponent("memory_cache").Info("memory cache started")
	return nil
}

// Stop waits for the flush worker, which writes one final snapshot pass
// when the context is cancelled.
func (m *Memory) Stop() {
	m.runMu.Lock()
	m.running = false
	if m.flushTicker != nil {
		m.flushTicker.Stop()
	}
	m.runMu.Unlock()

	m.log.WithComponent("memory_cache").Info("stopping memory cache")
	m.wg.Wait()
	m.log.WithComponent("memory_cache").Info("memory cache stopped")
}

// Get returns a copy of the entry for key, lazily loading the symbol's
// snapshot on first miss after a restart.
func (m *Memory) Get(ctx context.Context, key quote.Key) (*quote.CacheEntry, bool) {
	sh := m.shard(ctx, key.Symbol)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	entry, ok := sh.entries[key]
	if !ok {
		return nil, false
	}
	cp := entry
	return &cp, true
}

// GetBatch looks up every key and splits the result into hits and misses.
// Miss order follows the input order.
func (m *Memory) GetBatch(ctx context.Context, keys []quote.Key) (map[quote.Key]*quote.CacheEntry, []quote.Key) {
	hits := make(map[quote.Key]*quote.CacheEntry, len(keys))
	var misses []quote.Key
	for _, key := range keys {
		if entry, ok := m.Get(ctx, key); ok {
			hits[key] = entry
		} else {
			misses = append(misses, key)
		}
	}
	return hits, misses
}

// Set stores a copy of entry and marks its symbol dirty for the next
// snapshot flush. The write is visible to readers as soon as Set returns.
func (m *Memory) Set(ctx context.Context, entry *quote.CacheEntry) error {
	key := entry.Key()
	if err := key.Validate(); err != nil {
		return fmt.Errorf("memory cache set: %w", err)
	}

	sh := m.shard(ctx, key.Symbol)
	sh.mu.Lock()
	sh.entries[key] = *entry
	sh.mu.Unlock()

	m.markDirty(key.Symbol)
	return nil
}

// Clear removes entries matching the filter and returns how many were
// dropped. Empty filter fields match everything.
func (m *Memory) Clear(symbols []string, kind quote.Kind, date string) int {
	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[s] = struct{}{}
	}

	m.mu.RLock()
	names := make([]string, 0, len(m.shards))
	for name := range m.shards {
		if len(wanted) > 0 {
			if _, ok := wanted[name]; !ok {
				continue
			}
		}
		names = append(names, name)
	}
	m.mu.RUnlock()

	removed := 0
	for _, name := range names {
		m.mu.RLock()
		sh := m.shards[name]
		m.mu.RUnlock()
		if sh == nil {
			continue
		}

		sh.mu.Lock()
		for key := range sh.entries {
			if kind != "" && key.Kind != kind {
				continue
			}
			if date != "" && key.Date != date {
				continue
			}
			delete(sh.entries, key)
			removed++
		}
		sh.mu.Unlock()

		m.markDirty(name)
	}

	if removed > 0 {
		m.log.WithComponent("memory_cache").WithFields(logger.Fields{
			"removed": removed,
		}).Info("cleared memory cache entries")
	}
	return removed
}

// Len counts cached entries across all symbols.
func (m *Memory) Len() int {
	m.mu.RLock()
	shards := make([]*symbolShard, 0, len(m.shards))
	for _, sh := range m.shards {
		shards = append(shards, sh)
	}
	m.mu.RUnlock()

	total := 0
	for _, sh := range shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

// SymbolCount counts symbols with at least one cached entry.
func (m *Memory) SymbolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shards)
}

// shard returns the symbol's shard, loading its snapshot from the store
// the first time the symbol is seen in this process.
func (m *Memory) shard(ctx context.Context, symbol string) *symbolShard {
	m.mu.RLock()
	sh, ok := m.shards[symbol]
	m.mu.RUnlock()
	if ok {
		return sh
	}

	entries := m.loadSnapshot(ctx, symbol)

	m.mu.Lock()
	defer m.mu.Unlock()
	if sh, ok = m.shards[symbol]; ok {
		return sh
	}
	sh = &symbolShard{entries: entries}
	m.shards[symbol] = sh
	return sh
}

func (m *Memory) loadSnapshot(ctx context.Context, symbol string) map[quote.Key]quote.CacheEntry {
	entries := make(map[quote.Key]quote.CacheEntry)
	if m.store == nil {
		return entries
	}

	blob, err := m.store.LoadSnapshot(ctx, symbol)
	if err != nil {
		m.log.WithComponent("memory_cache").WithError(err).WithFields(logger.Fields{
			"symbol": symbol,
		}).Warn("failed to load symbol snapshot, starting empty")
		return entries
	}
	if len(blob) == 0 {
		return entries
	}

	var stored []quote.CacheEntry
	if err := json.Unmarshal(blob, &stored); err != nil {
		m.log.WithComponent("memory_cache").WithError(err).WithFields(logger.Fields{
			"symbol": symbol,
		}).Warn("corrupt symbol snapshot, starting empty")
		return entries
	}

	for _, entry := range stored {
		entries[entry.Key()] = entry
	}

	m.log.WithComponent("memory_cache").WithFields(logger.Fields{
		"symbol":  symbol,
		"entries": len(entries),
	}).Debug("symbol snapshot loaded")
	return entries
}

func (m *Memory) markDirty(symbol string) {
	m.dirtyMu.Lock()
	m.dirty[symbol] = struct{}{}
	m.dirtyMu.Unlock()
}

func (m *Memory) flushWorker() {
	defer m.wg.Done()

	log := m.log.WithComponent("memory_cache").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting snapshot flush worker")

	for {
		select {
		case <-m.ctx.Done():
			m.flush("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-m.flushTicker.C:
			m.flush("interval")
		}
	}
}

// flush writes one snapshot per dirty symbol. Failed symbols are marked
// dirty again and retried on the next tick.
func (m *Memory) flush(reason string) {
	m.dirtyMu.Lock()
	dirty := m.dirty
	m.dirty = make(map[string]struct{})
	m.dirtyMu.Unlock()

	if len(dirty) == 0 {
		return
	}
	if m.store == nil {
		return
	}

	log := m.log.WithComponent("memory_cache")
	log.WithFields(logger.Fields{
		"symbols": len(dirty),
		"reason":  reason,
	}).Debug("flushing dirty symbols")

	ctx := context.WithoutCancel(m.ctx)
	for symbol := range dirty {
		if err := m.flushSymbol(ctx, symbol); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"symbol": symbol,
			}).Warn("snapshot flush failed, will retry")
			m.markDirty(symbol)
		}
	}
}

func (m *Memory) flushSymbol(ctx context.Context, symbol string) error {
	m.mu.RLock()
	sh := m.shards[symbol]
	m.mu.RUnlock()
	if sh == nil {
		return nil
	}

	sh.mu.RLock()
	stored := make([]quote.CacheEntry, 0, len(sh.entries))
	for _, entry := range sh.entries {
		stored = append(stored, entry)
	}
	sh.mu.RUnlock()

	if len(stored) == 0 {
		return m.store.DeleteSnapshot(ctx, symbol)
	}

	sort.Slice(stored, func(i, j int) bool {
		return stored[i].Key().String() < stored[j].Key().String()
	})

	blob, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return m.store.SaveSnapshot(ctx, symbol, blob)
}
