package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quoteflow/config"
	"quoteflow/internal/cache"
	"quoteflow/internal/calendar"
	"quoteflow/internal/quote"
)

type fakePersistence struct {
	mu         sync.Mutex
	entries    map[quote.Key]*quote.CacheEntry
	reads      int
	writes     int
	latests    int
	failReads  bool
	failWrites bool
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{entries: make(map[quote.Key]*quote.CacheEntry)}
}

func (p *fakePersistence) GetBatch(ctx context.Context, keys []quote.Key) (map[quote.Key]*quote.CacheEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	if p.failReads {
		return nil, errors.New("store down")
	}
	out := make(map[quote.Key]*quote.CacheEntry)
	for _, key := range keys {
		if entry, ok := p.entries[key]; ok {
			cp := *entry
			out[key] = &cp
		}
	}
	return out, nil
}

func (p *fakePersistence) Upsert(ctx context.Context, entries []*quote.CacheEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	if p.failWrites {
		return errors.New("store down")
	}
	for _, entry := range entries {
		cp := *entry
		p.entries[entry.Key()] = &cp
	}
	return nil
}

func (p *fakePersistence) GetLatest(ctx context.Context, symbol string, kind quote.Kind) (*quote.CacheEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latests++
	if p.failReads {
		return nil, errors.New("store down")
	}
	var best *quote.CacheEntry
	var bestKey quote.Key
	for key, entry := range p.entries {
		if key.Symbol != symbol || key.Kind != kind {
			continue
		}
		if best == nil || key.Date > bestKey.Date {
			cp := *entry
			best, bestKey = &cp, key
		}
	}
	return best, nil
}

func (p *fakePersistence) Clear(ctx context.Context, symbols []string, kind quote.Kind, date string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	keep := func(key quote.Key) bool {
		if len(symbols) > 0 {
			found := false
			for _, symbol := range symbols {
				if symbol == key.Symbol {
					found = true
					break
				}
			}
			if !found {
				return true
			}
		}
		if kind != "" && key.Kind != kind {
			return true
		}
		if date != "" && key.Date != date {
			return true
		}
		return false
	}
	var removed int64
	for key := range p.entries {
		if keep(key) {
			continue
		}
		delete(p.entries, key)
		removed++
	}
	return removed, nil
}

func (p *fakePersistence) counts() (reads, writes, latests int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads, p.writes, p.latests
}

type fakeFetcher struct {
	mu      sync.Mutex
	quotes  map[string]quote.Quote
	err     error
	calls   int
	batches [][]string
}

func (f *fakeFetcher) Fetch(ctx context.Context, symbols []string, kind quote.Kind) (map[string]quote.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batches = append(f.batches, append([]string(nil), symbols...))
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]quote.Quote)
	for _, symbol := range symbols {
		if q, ok := f.quotes[symbol]; ok {
			q.Kind = kind
			out[symbol] = q
		}
	}
	return out, nil
}

func (f *fakeFetcher) serve(quotes ...quote.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes = make(map[string]quote.Quote, len(quotes))
	for _, q := range quotes {
		f.quotes[q.Symbol] = q
	}
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) lastBatch() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil
	}
	return f.batches[len(f.batches)-1]
}

type fakeRouter struct{}

func (fakeRouter) MarketFor(string) string { return "us" }

type testKit struct {
	orch    *Orchestrator
	memory  *cache.Memory
	persist *fakePersistence
	fetcher *fakeFetcher
}

func newTestOrchestrator(t *testing.T, at time.Time) *testKit {
	t.Helper()

	cfg := &config.Config{
		Cache: config.CacheConfig{
			MemoryTTLSeconds:  60,
			PersistTTLSeconds: 300,
			FlushIntervalMs:   60000,
		},
		Markets: map[string]config.MarketConfig{
			"us": {
				Timezone:     "America/New_York",
				SessionOpen:  "09:30",
				SessionClose: "16:00",
			},
		},
	}

	cal, err := calendar.NewTradingCalendar(cfg)
	if err != nil {
		t.Fatalf("NewTradingCalendar: %v", err)
	}

	memory := cache.NewMemory(cfg, nil)
	persist := newFakePersistence()
	fetcher := &fakeFetcher{quotes: map[string]quote.Quote{}}

	orch := New(cfg, cal, memory, persist, fetcher, fakeRouter{})
	orch.now = func() time.Time { return at }
	return &testKit{orch: orch, memory: memory, persist: persist, fetcher: fetcher}
}

func (k *testKit) clock(at time.Time) {
	k.orch.now = func() time.Time { return at }
}

func nyTime(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", value, loc)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func usQuote(symbol, asOf, price string) quote.Quote {
	return quote.Quote{
		Symbol:   symbol,
		Market:   "us",
		Kind:     quote.KindPrice,
		AsOfDate: asOf,
		Price:    decimal.RequireFromString(price),
		Vendor:   "alpha",
	}
}

func priceRequest(symbols ...string) quote.FetchRequest {
	return quote.FetchRequest{Symbols: symbols, Kind: quote.KindPrice}
}

func TestGetQuotesVendorFillThenMemoryHit(t *testing.T) {
	at := nyTime(t, "2026-03-02 10:00:00")
	kit := newTestOrchestrator(t, at)
	kit.fetcher.serve(usQuote("AAPL", "2026-03-02", "187.44"))

	ctx := context.Background()
	results, err := kit.orch.GetQuotes(ctx, priceRequest("AAPL"))
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	res, ok := results["AAPL"]
	if !ok || res.Degraded {
		t.Fatalf("expected fresh AAPL result, got %+v", results)
	}
	if res.Quote.Price.String() != "187.44" {
		t.Fatalf("unexpected price: %s", res.Quote.Price)
	}

	key := quote.Key{Symbol: "AAPL", Kind: quote.KindPrice, Date: "2026-03-02"}
	stored := kit.persist.entries[key]
	if stored == nil {
		t.Fatal("vendor fill was not written through to the durable tier")
	}
	if stored.IsComplete {
		t.Fatal("intraday fill must not be marked complete")
	}

	// Second request is answered in-process.
	if _, err := kit.orch.GetQuotes(ctx, priceRequest("AAPL")); err != nil {
		t.Fatalf("second GetQuotes: %v", err)
	}
	if calls := kit.fetcher.callCount(); calls != 1 {
		t.Fatalf("expected a single vendor call, got %d", calls)
	}

	stats := kit.orch.Stats()
	if stats.Serving.VendorFills != 1 || stats.Serving.MemoryHits != 1 {
		t.Fatalf("unexpected counters: %+v", stats.Serving)
	}
}

func TestGetQuotesPersistHitBackfillsMemory(t *testing.T) {
	at := nyTime(t, "2026-03-02 10:00:00")
	kit := newTestOrchestrator(t, at)

	entry := &quote.CacheEntry{
		Quote:     usQuote("AAPL", "2026-03-02", "186.90"),
		FetchedAt: at.Add(-10 * time.Second),
	}
	kit.persist.entries[entry.Key()] = entry

	ctx := context.Background()
	results, err := kit.orch.GetQuotes(ctx, priceRequest("AAPL"))
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	if res := results["AAPL"]; res.Degraded || res.Quote.Price.String() != "186.9" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls := kit.fetcher.callCount(); calls != 0 {
		t.Fatalf("expected no vendor calls, got %d", calls)
	}

	if _, err := kit.orch.GetQuotes(ctx, priceRequest("AAPL")); err != nil {
		t.Fatalf("second GetQuotes: %v", err)
	}
	reads, _, _ := kit.persist.counts()
	if reads != 1 {
		t.Fatalf("expected backfill to keep the second request in memory, store reads = %d", reads)
	}

	stats := kit.orch.Stats()
	if stats.Serving.PersistHits != 1 || stats.Serving.MemoryHits != 1 {
		t.Fatalf("unexpected counters: %+v", stats.Serving)
	}
}

func TestGetQuotesCompletedSessionServesThroughWeekend(t *testing.T) {
	saturday := nyTime(t, "2026-02-28 12:00:00")
	kit := newTestOrchestrator(t, saturday)

	friday := &quote.CacheEntry{
		Quote:      usQuote("AAPL", "2026-02-27", "185.00"),
		FetchedAt:  nyTime(t, "2026-02-27 16:05:00"),
		IsComplete: true,
	}
	if err := kit.memory.Set(context.Background(), friday); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	results, err := kit.orch.GetQuotes(context.Background(), priceRequest("AAPL"))
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	if res := results["AAPL"]; res.Degraded || res.Quote.AsOfDate != "2026-02-27" {
		t.Fatalf("expected Friday close served on Saturday, got %+v", res)
	}
	if calls := kit.fetcher.callCount(); calls != 0 {
		t.Fatalf("weekend serve must not call vendors, got %d calls", calls)
	}

	// At Monday's open the request keys onto the new session date, so the
	// Friday entry no longer answers and vendors are consulted.
	kit.clock(nyTime(t, "2026-03-02 09:45:00"))
	kit.fetcher.serve(usQuote("AAPL", "2026-03-02", "188.10"))

	results, err = kit.orch.GetQuotes(context.Background(), priceRequest("AAPL"))
	if err != nil {
		t.Fatalf("Monday GetQuotes: %v", err)
	}
	if res := results["AAPL"]; res.Quote.AsOfDate != "2026-03-02" {
		t.Fatalf("expected Monday refetch, got %+v", res)
	}
	if calls := kit.fetcher.callCount(); calls != 1 {
		t.Fatalf("expected exactly one vendor call at Monday open, got %d", calls)
	}
}

func TestGetQuotesIntradayTTLExpiry(t *testing.T) {
	at := nyTime(t, "2026-03-02 11:00:00")
	kit := newTestOrchestrator(t, at)

	stale := &quote.CacheEntry{
		Quote:     usQuote("AAPL", "2026-03-02", "187.00"),
		FetchedAt: at.Add(-2 * time.Minute),
	}
	if err := kit.memory.Set(context.Background(), stale); err != nil {
		t.Fatalf("seed memory: %v", err)
	}
	kit.fetcher.serve(usQuote("AAPL", "2026-03-02", "187.55"))

	results, err := kit.orch.GetQuotes(context.Background(), priceRequest("AAPL"))
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	if res := results["AAPL"]; res.Quote.Price.String() != "187.55" {
		t.Fatalf("expected refetched price, got %+v", res)
	}
	if calls := kit.fetcher.callCount(); calls != 1 {
		t.Fatalf("expected one vendor call, got %d", calls)
	}

	// The refetch replaced the stale entry, so the next request stays
	// in-process.
	if _, err := kit.orch.GetQuotes(context.Background(), priceRequest("AAPL")); err != nil {
		t.Fatalf("second GetQuotes: %v", err)
	}
	if calls := kit.fetcher.callCount(); calls != 1 {
		t.Fatalf("expected no further vendor calls, got %d", calls)
	}
}

func TestGetQuotesDegradesToLastKnown(t *testing.T) {
	at := nyTime(t, "2026-03-02 10:00:00")
	kit := newTestOrchestrator(t, at)

	old := &quote.CacheEntry{
		Quote:      usQuote("AAPL", "2026-02-27", "185.00"),
		FetchedAt:  nyTime(t, "2026-02-27 16:05:00"),
		IsComplete: true,
	}
	kit.persist.entries[old.Key()] = old

	ctx := context.Background()
	results, err := kit.orch.GetQuotes(ctx, priceRequest("AAPL"))
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	res, ok := results["AAPL"]
	if !ok || !res.Degraded {
		t.Fatalf("expected degraded result, got %+v", results)
	}
	if res.Quote.AsOfDate != "2026-02-27" {
		t.Fatalf("expected last-known date, got %s", res.Quote.AsOfDate)
	}

	// Degraded data is never cached into the memory tier, so each request
	// re-checks the durable tier and sees recovery immediately.
	if _, err := kit.orch.GetQuotes(ctx, priceRequest("AAPL")); err != nil {
		t.Fatalf("second GetQuotes: %v", err)
	}
	if _, _, latests := kit.persist.counts(); latests != 2 {
		t.Fatalf("expected a last-known lookup per request, got %d", latests)
	}

	kit.fetcher.serve(usQuote("AAPL", "2026-03-02", "187.44"))
	results, err = kit.orch.GetQuotes(ctx, priceRequest("AAPL"))
	if err != nil {
		t.Fatalf("recovery GetQuotes: %v", err)
	}
	if res := results["AAPL"]; res.Degraded || res.Quote.AsOfDate != "2026-03-02" {
		t.Fatalf("expected fresh result after recovery, got %+v", res)
	}

	stats := kit.orch.Stats()
	if stats.Serving.Degraded != 2 || stats.Serving.VendorFills != 1 {
		t.Fatalf("unexpected counters: %+v", stats.Serving)
	}
}

func TestGetQuotesAbsentSymbolOmitted(t *testing.T) {
	at := nyTime(t, "2026-03-02 10:00:00")
	kit := newTestOrchestrator(t, at)

	results, err := kit.orch.GetQuotes(context.Background(), priceRequest("GHOST"))
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results, got %+v", results)
	}
	if stats := kit.orch.Stats(); stats.Serving.Absent != 1 {
		t.Fatalf("unexpected counters: %+v", stats.Serving)
	}
}

func TestGetQuotesForceRefresh(t *testing.T) {
	at := nyTime(t, "2026-03-02 10:00:00")
	kit := newTestOrchestrator(t, at)

	cached := &quote.CacheEntry{
		Quote:     usQuote("AAPL", "2026-03-02", "186.00"),
		FetchedAt: at.Add(-5 * time.Second),
	}
	if err := kit.memory.Set(context.Background(), cached); err != nil {
		t.Fatalf("seed memory: %v", err)
	}
	kit.fetcher.serve(usQuote("AAPL", "2026-03-02", "187.44"))

	req := priceRequest("AAPL")
	req.ForceRefresh = true
	results, err := kit.orch.GetQuotes(context.Background(), req)
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	if res := results["AAPL"]; res.Quote.Price.String() != "187.44" {
		t.Fatalf("force refresh served cached data: %+v", res)
	}
	reads, writes, _ := kit.persist.counts()
	if reads != 0 || writes != 1 {
		t.Fatalf("expected no store reads and one write, got reads=%d writes=%d", reads, writes)
	}

	// The forced fill replaced the cached entry.
	results, err = kit.orch.GetQuotes(context.Background(), priceRequest("AAPL"))
	if err != nil {
		t.Fatalf("followup GetQuotes: %v", err)
	}
	if res := results["AAPL"]; res.Quote.Price.String() != "187.44" {
		t.Fatalf("expected refreshed entry in memory, got %+v", res)
	}
	if calls := kit.fetcher.callCount(); calls != 1 {
		t.Fatalf("expected one vendor call total, got %d", calls)
	}
}

func TestGetQuotesMixedBatch(t *testing.T) {
	at := nyTime(t, "2026-03-02 10:00:00")
	kit := newTestOrchestrator(t, at)
	ctx := context.Background()

	inMemory := &quote.CacheEntry{
		Quote:     usQuote("MEMHIT", "2026-03-02", "10.00"),
		FetchedAt: at.Add(-5 * time.Second),
	}
	if err := kit.memory.Set(ctx, inMemory); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	inStore := &quote.CacheEntry{
		Quote:     usQuote("STORED", "2026-03-02", "20.00"),
		FetchedAt: at.Add(-30 * time.Second),
	}
	kit.persist.entries[inStore.Key()] = inStore

	lastWeek := &quote.CacheEntry{
		Quote:      usQuote("STALE", "2026-02-27", "30.00"),
		FetchedAt:  nyTime(t, "2026-02-27 16:05:00"),
		IsComplete: true,
	}
	kit.persist.entries[lastWeek.Key()] = lastWeek

	kit.fetcher.serve(usQuote("LIVE", "2026-03-02", "40.00"))

	results, err := kit.orch.GetQuotes(ctx, priceRequest("MEMHIT", "STORED", "LIVE", "STALE", "GONE"))
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}

	if len(results) != 4 {
		t.Fatalf("expected 4 answered symbols, got %d: %+v", len(results), results)
	}
	if res := results["MEMHIT"]; res.Degraded || res.Quote.Price.String() != "10" {
		t.Fatalf("unexpected MEMHIT result: %+v", res)
	}
	if res := results["STORED"]; res.Degraded || res.Quote.Price.String() != "20" {
		t.Fatalf("unexpected STORED result: %+v", res)
	}
	if res := results["LIVE"]; res.Degraded || res.Quote.Price.String() != "40" {
		t.Fatalf("unexpected LIVE result: %+v", res)
	}
	if res := results["STALE"]; !res.Degraded || res.Quote.Price.String() != "30" {
		t.Fatalf("unexpected STALE result: %+v", res)
	}
	if _, ok := results["GONE"]; ok {
		t.Fatal("GONE must be absent from results")
	}

	// Only the symbols neither tier answered reach the vendors, in
	// request order.
	if batch := kit.fetcher.lastBatch(); !reflect.DeepEqual(batch, []string{"LIVE", "STALE", "GONE"}) {
		t.Fatalf("unexpected vendor batch: %v", batch)
	}

	stats := kit.orch.Stats()
	serving := stats.Serving
	if serving.Requests != 1 || serving.Symbols != 5 {
		t.Fatalf("unexpected request counters: %+v", serving)
	}
	if serving.MemoryHits != 1 || serving.PersistHits != 1 || serving.VendorFills != 1 ||
		serving.Degraded != 1 || serving.Absent != 1 {
		t.Fatalf("unexpected outcome counters: %+v", serving)
	}
	if stats.Memory.Entries == 0 || stats.Memory.Symbols == 0 {
		t.Fatalf("memory stats should be non-empty: %+v", stats.Memory)
	}
}

func TestGetQuotesInvalidKind(t *testing.T) {
	kit := newTestOrchestrator(t, nyTime(t, "2026-03-02 10:00:00"))

	req := quote.FetchRequest{Symbols: []string{"AAPL"}, Kind: quote.Kind("ohlc15")}
	if _, err := kit.orch.GetQuotes(context.Background(), req); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestGetQuotesDedupesSymbols(t *testing.T) {
	at := nyTime(t, "2026-03-02 10:00:00")
	kit := newTestOrchestrator(t, at)
	kit.fetcher.serve(usQuote("AAPL", "2026-03-02", "187.44"))

	results, err := kit.orch.GetQuotes(context.Background(), priceRequest("AAPL", "AAPL", "  ", "AAPL"))
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected single result, got %+v", results)
	}
	if batch := kit.fetcher.lastBatch(); !reflect.DeepEqual(batch, []string{"AAPL"}) {
		t.Fatalf("expected deduped vendor batch, got %v", batch)
	}
	if stats := kit.orch.Stats(); stats.Serving.Symbols != 1 {
		t.Fatalf("expected one counted symbol, got %+v", stats.Serving)
	}
}

func TestGetQuotesStoreFailureFallsThroughToVendors(t *testing.T) {
	at := nyTime(t, "2026-03-02 10:00:00")
	kit := newTestOrchestrator(t, at)
	kit.persist.failReads = true
	kit.persist.failWrites = true
	kit.fetcher.serve(usQuote("AAPL", "2026-03-02", "187.44"))

	results, err := kit.orch.GetQuotes(context.Background(), priceRequest("AAPL"))
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	if res := results["AAPL"]; res.Degraded || res.Quote.Price.String() != "187.44" {
		t.Fatalf("expected fresh vendor result despite store outage, got %+v", res)
	}
}

func TestGetQuotesFetchErrorPropagates(t *testing.T) {
	kit := newTestOrchestrator(t, nyTime(t, "2026-03-02 10:00:00"))
	kit.fetcher.err = context.Canceled

	if _, err := kit.orch.GetQuotes(context.Background(), priceRequest("AAPL")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to propagate, got %v", err)
	}
}

func TestClearCacheBothTiers(t *testing.T) {
	at := nyTime(t, "2026-03-02 10:00:00")
	kit := newTestOrchestrator(t, at)
	kit.fetcher.serve(usQuote("AAPL", "2026-03-02", "187.44"))
	ctx := context.Background()

	if _, err := kit.orch.GetQuotes(ctx, priceRequest("AAPL")); err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}

	memRemoved, persistRemoved, err := kit.orch.ClearCache(ctx, nil, "", "")
	if err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if memRemoved != 1 || persistRemoved != 1 {
		t.Fatalf("unexpected removal counts: mem=%d persist=%d", memRemoved, persistRemoved)
	}

	// With both tiers empty the next request must go back to the vendors.
	if _, err := kit.orch.GetQuotes(ctx, priceRequest("AAPL")); err != nil {
		t.Fatalf("GetQuotes after clear: %v", err)
	}
	if calls := kit.fetcher.callCount(); calls != 2 {
		t.Fatalf("expected refetch after clear, got %d calls", calls)
	}
}

func TestClearCacheValidatesFilters(t *testing.T) {
	kit := newTestOrchestrator(t, nyTime(t, "2026-03-02 10:00:00"))
	ctx := context.Background()

	if _, _, err := kit.orch.ClearCache(ctx, nil, quote.Kind("ohlc15"), ""); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, _, err := kit.orch.ClearCache(ctx, nil, "", "03/02/2026"); err == nil {
		t.Fatal("expected error for malformed date")
	}
}
