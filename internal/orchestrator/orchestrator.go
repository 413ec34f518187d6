// Package orchestrator answers quote requests from the cheapest source that
// still satisfies freshness: process memory first, then the durable cache,
// then live vendors, finally degrading to last-known data when every vendor
// path is down.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"quoteflow/config"
	"quoteflow/internal/cache"
	"quoteflow/internal/calendar"
	"quoteflow/internal/metrics"
	"quoteflow/internal/quote"
	"quoteflow/logger"
)

// Persistence is the durable cache tier backing the in-memory one.
type Persistence interface {
	GetBatch(ctx context.Context, keys []quote.Key) (map[quote.Key]*quote.CacheEntry, error)
	Upsert(ctx context.Context, entries []*quote.CacheEntry) error
	GetLatest(ctx context.Context, symbol string, kind quote.Kind) (*quote.CacheEntry, error)
	Clear(ctx context.Context, symbols []string, kind quote.Kind, date string) (int64, error)
}

// Fetcher fills symbols from live vendors.
type Fetcher interface {
	Fetch(ctx context.Context, symbols []string, kind quote.Kind) (map[string]quote.Quote, error)
}

// Router maps a symbol to the market whose calendar and vendors govern it.
type Router interface {
	MarketFor(symbol string) string
}

// Orchestrator coordinates the cache tiers and the vendor balancer.
type Orchestrator struct {
	cfg     *config.Config
	cal     calendar.Calendar
	memory  *cache.Memory
	persist Persistence
	fetcher Fetcher
	router  Router

	counters metrics.Counters
	log      *logger.Log

	// now is replaceable in tests.
	now func() time.Time
}

func New(cfg *config.Config, cal calendar.Calendar, memory *cache.Memory, persist Persistence, fetcher Fetcher, router Router) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		cal:     cal,
		memory:  memory,
		persist: persist,
		fetcher: fetcher,
		router:  router,
		log:     logger.GetLogger(),
		now:     time.Now,
	}
}

// lookup carries the per-request state threaded through the serving stages.
// log already carries the request id, so every line from one request
// correlates in the output.
type lookup struct {
	kind    quote.Kind
	now     time.Time
	keys    map[string]quote.Key
	markets map[string]string
	results map[string]quote.Result
	log     *logger.Entry
}

// GetQuotes resolves each requested symbol to a Result. Symbols absent from
// the returned map could not be answered at all, not even with stale data.
// Results flagged Degraded carry the last persisted quote for the symbol
// and are never cached back into the memory tier, so recovery is picked up
// on the next request.
//
// ForceRefresh bypasses both cache tiers but still respects vendor circuit
// state; when every vendor is unavailable the degrade path applies as
// usual. The only errors are an invalid kind and context cancellation.
func (o *Orchestrator) GetQuotes(ctx context.Context, req quote.FetchRequest) (map[string]quote.Result, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("unknown quote kind %q", req.Kind)
	}

	symbols := dedupe(req.Symbols)
	results := make(map[string]quote.Result, len(symbols))
	if len(symbols) == 0 {
		return results, nil
	}

	o.counters.Requests.Add(1)
	o.counters.Symbols.Add(int64(len(symbols)))
	if req.ForceRefresh {
		o.counters.ForceRefreshes.Add(1)
	}

	now := o.now()
	lk := &lookup{
		kind:    req.Kind,
		now:     now,
		keys:    make(map[string]quote.Key, len(symbols)),
		markets: make(map[string]string, len(symbols)),
		results: results,
		log: o.log.WithComponent("orchestrator").WithFields(logger.Fields{
			"request_id": uuid.NewString(),
		}),
	}
	for _, symbol := range symbols {
		market := o.router.MarketFor(symbol)
		lk.markets[symbol] = market
		lk.keys[symbol] = quote.Key{
			Symbol: symbol,
			Kind:   req.Kind,
			Date:   o.cal.TradingDate(market, now).Format(quote.DateLayout),
		}
	}

	pending := symbols
	if !req.ForceRefresh {
		pending = o.serveFromMemory(ctx, lk, pending)
		if len(pending) > 0 {
			pending = o.serveFromStore(ctx, lk, pending)
		}
	}

	if len(pending) > 0 {
		var err error
		pending, err = o.fillFromVendors(ctx, lk, pending)
		if err != nil {
			return nil, err
		}
	}

	for _, symbol := range pending {
		o.degrade(ctx, lk, symbol)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// serveFromMemory answers what the in-process tier holds fresh and returns
// the symbols that still need a deeper source.
func (o *Orchestrator) serveFromMemory(ctx context.Context, lk *lookup, symbols []string) []string {
	keys := make([]quote.Key, 0, len(symbols))
	for _, symbol := range symbols {
		keys = append(keys, lk.keys[symbol])
	}
	hits, _ := o.memory.GetBatch(ctx, keys)

	ttl := o.cfg.Cache.MemoryTTL()
	pending := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		entry := hits[lk.keys[symbol]]
		if cache.Classify(o.cal, entry, lk.markets[symbol], lk.now, ttl) != cache.Fresh {
			pending = append(pending, symbol)
			continue
		}
		lk.results[symbol] = quote.Result{Quote: entry.Quote}
		o.counters.MemoryHits.Add(1)
		metrics.EmitServeMetric(o.log, metrics.ServeMetricMemoryHit, lk.markets[symbol], entry.Quote.Vendor, string(lk.kind))
	}
	return pending
}

// serveFromStore answers from the durable tier and backfills the memory
// tier with every hit so the next request stays in-process. A store error
// is logged and treated as a full miss; the vendors are still there.
func (o *Orchestrator) serveFromStore(ctx context.Context, lk *lookup, symbols []string) []string {
	keys := make([]quote.Key, 0, len(symbols))
	for _, symbol := range symbols {
		keys = append(keys, lk.keys[symbol])
	}

	entries, err := o.persist.GetBatch(ctx, keys)
	if err != nil {
		lk.log.WithError(err).Warn("durable cache read failed, falling through to vendors")
		return symbols
	}

	ttl := o.cfg.Cache.PersistTTL()
	pending := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		entry := entries[lk.keys[symbol]]
		if cache.Classify(o.cal, entry, lk.markets[symbol], lk.now, ttl) != cache.Fresh {
			pending = append(pending, symbol)
			continue
		}
		lk.results[symbol] = quote.Result{Quote: entry.Quote}
		o.counters.PersistHits.Add(1)
		metrics.EmitServeMetric(o.log, metrics.ServeMetricPersistHit, lk.markets[symbol], entry.Quote.Vendor, string(lk.kind))

		if err := o.memory.Set(ctx, entry); err != nil {
			lk.log.WithError(err).WithFields(logger.Fields{
				"symbol": symbol,
			}).Warn("failed to backfill memory cache")
		}
	}
	return pending
}

// fillFromVendors fetches the remaining symbols live and writes every fill
// through both cache tiers. Serving does not depend on either write
// succeeding. The returned slice holds the symbols no vendor answered.
func (o *Orchestrator) fillFromVendors(ctx context.Context, lk *lookup, symbols []string) ([]string, error) {
	fetched, err := o.fetcher.Fetch(ctx, symbols, lk.kind)
	if err != nil {
		return nil, err
	}

	entries := make([]*quote.CacheEntry, 0, len(fetched))
	pending := make([]string, 0)
	for _, symbol := range symbols {
		q, ok := fetched[symbol]
		if !ok {
			pending = append(pending, symbol)
			continue
		}

		entry := &quote.CacheEntry{
			Quote:      q,
			FetchedAt:  lk.now,
			IsComplete: o.isComplete(q, lk.markets[symbol], lk.now),
		}
		if err := o.memory.Set(ctx, entry); err != nil {
			lk.log.WithError(err).WithFields(logger.Fields{
				"symbol": symbol,
			}).Warn("failed to cache vendor quote")
		} else {
			entries = append(entries, entry)
		}

		lk.results[symbol] = quote.Result{Quote: q}
		o.counters.VendorFills.Add(1)
		metrics.EmitServeMetric(o.log, metrics.ServeMetricVendorFill, lk.markets[symbol], q.Vendor, string(lk.kind))
	}

	if len(entries) > 0 {
		if err := o.persist.Upsert(ctx, entries); err != nil {
			lk.log.WithError(err).Warn("durable cache write failed")
		}
	}
	return pending, nil
}

// degrade serves the most recent persisted quote for a symbol nothing else
// could answer. Degraded data stays out of the memory tier.
func (o *Orchestrator) degrade(ctx context.Context, lk *lookup, symbol string) {
	entry, err := o.persist.GetLatest(ctx, symbol, lk.kind)
	if err != nil {
		lk.log.WithError(err).WithFields(logger.Fields{
			"symbol": symbol,
		}).Warn("last-known lookup failed")
	}
	if entry == nil {
		o.counters.Absent.Add(1)
		metrics.EmitServeMetric(o.log, metrics.ServeMetricAbsent, lk.markets[symbol], "", string(lk.kind))
		return
	}

	lk.results[symbol] = quote.Result{Quote: entry.Quote, Degraded: true}
	o.counters.Degraded.Add(1)
	metrics.EmitServeMetric(o.log, metrics.ServeMetricDegraded, lk.markets[symbol], entry.Quote.Vendor, string(lk.kind))
	lk.log.WithFields(logger.Fields{
		"symbol":     symbol,
		"kind":       string(lk.kind),
		"as_of_date": entry.Quote.AsOfDate,
	}).Warn("serving degraded quote")
}

// isComplete reports whether a quote's session can no longer change, which
// is what lets it survive until the next session opens.
func (o *Orchestrator) isComplete(q quote.Quote, market string, now time.Time) bool {
	latest := o.cal.LatestCompleted(market, now).Format(quote.DateLayout)
	return q.AsOfDate <= latest
}

// ClearCache removes matching entries from both tiers and returns the
// per-tier removal counts. Empty filters match everything, so a bare call
// empties both caches.
func (o *Orchestrator) ClearCache(ctx context.Context, symbols []string, kind quote.Kind, date string) (int, int64, error) {
	if kind != "" && !kind.Valid() {
		return 0, 0, fmt.Errorf("unknown quote kind %q", kind)
	}
	if date != "" {
		if _, err := time.Parse(quote.DateLayout, date); err != nil {
			return 0, 0, fmt.Errorf("invalid date %q: %w", date, err)
		}
	}

	memoryRemoved := o.memory.Clear(symbols, kind, date)
	persistRemoved, err := o.persist.Clear(ctx, symbols, kind, date)
	if err != nil {
		return memoryRemoved, 0, err
	}

	o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"memory_removed":  memoryRemoved,
		"persist_removed": persistRemoved,
	}).Info("cleared cache")
	return memoryRemoved, persistRemoved, nil
}

// MemoryStats describes the in-process cache tier.
type MemoryStats struct {
	Entries int `json:"entries"`
	Symbols int `json:"symbols"`
}

// Stats is the serving snapshot exposed on the dashboard.
type Stats struct {
	Serving metrics.CountersSnapshot `json:"serving"`
	Memory  MemoryStats              `json:"memory"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Serving: o.counters.Snapshot(),
		Memory: MemoryStats{
			Entries: o.memory.Len(),
			Symbols: o.memory.SymbolCount(),
		},
	}
}

// ReportFields feeds the periodic runtime report.
func (o *Orchestrator) ReportFields() logger.Fields {
	snap := o.counters.Snapshot()
	return logger.Fields{
		"serve_requests": snap.Requests,
		"serve_symbols":  snap.Symbols,
		"serve_degraded": snap.Degraded,
		"serve_absent":   snap.Absent,
		"cache_hit_rate": snap.CacheHitRate,
		"memory_entries": o.memory.Len(),
		"memory_symbols": o.memory.SymbolCount(),
	}
}

// dedupe drops blank and repeated symbols, keeping first-occurrence order.
func dedupe(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	return out
}
