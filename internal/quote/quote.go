package quote

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical format for trading dates in keys, payloads
// and storage.
const DateLayout = "2006-01-02"

// Kind identifies the category of market data a quote carries.
type Kind string

const (
	KindPrice   Kind = "price"
	KindOHLC30  Kind = "ohlc30"
	KindOHLC60  Kind = "ohlc60"
	KindOHLC120 Kind = "ohlc120"
	KindIndex   Kind = "index"
)

// Kinds returns every recognized kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindPrice, KindOHLC30, KindOHLC60, KindOHLC120, KindIndex}
}

func (k Kind) Valid() bool {
	switch k {
	case KindPrice, KindOHLC30, KindOHLC60, KindOHLC120, KindIndex:
		return true
	}
	return false
}

// IsSeries reports whether the kind carries a bar series rather than a
// single observation.
func (k Kind) IsSeries() bool {
	return k == KindOHLC30 || k == KindOHLC60 || k == KindOHLC120
}

// BarCount returns the series length a kind is expected to carry, 0 for
// single-observation kinds.
func (k Kind) BarCount() int {
	switch k {
	case KindOHLC30:
		return 30
	case KindOHLC60:
		return 60
	case KindOHLC120:
		return 120
	}
	return 0
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown quote kind %q", s)
	}
	return k, nil
}

// Bar is a single OHLC observation inside a series.
type Bar struct {
	Date   string          `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// Quote is one market observation for one symbol. Price carries the
// latest trade for price/index kinds and the closing value for series
// kinds; Bars is populated for series kinds only.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name,omitempty"`
	Market    string          `json:"market"`
	Kind      Kind            `json:"kind"`
	AsOfDate  string          `json:"as_of_date"`
	Price     decimal.Decimal `json:"price"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	PrevClose decimal.Decimal `json:"prev_close"`
	Volume    int64           `json:"volume"`
	Bars      []Bar           `json:"bars,omitempty"`
	Vendor    string          `json:"vendor,omitempty"`
}

func (q Quote) Key() Key {
	return Key{Symbol: q.Symbol, Kind: q.Kind, Date: q.AsOfDate}
}

// CacheEntry wraps a Quote with the bookkeeping both cache tiers track.
// At most one entry exists per Key; writes are upserts.
type CacheEntry struct {
	Quote      Quote     `json:"quote"`
	FetchedAt  time.Time `json:"fetched_at"`
	IsComplete bool      `json:"is_complete"`
	Degraded   bool      `json:"degraded"`
}

func (e *CacheEntry) Key() Key {
	return e.Quote.Key()
}

// Key is the composite identity of a cached quote.
type Key struct {
	Symbol string `json:"symbol"`
	Kind   Kind   `json:"kind"`
	Date   string `json:"date"`
}

func (k Key) String() string {
	return k.Symbol + "/" + string(k.Kind) + "/" + k.Date
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.Symbol) == "" {
		return fmt.Errorf("cache key has empty symbol")
	}
	if !k.Kind.Valid() {
		return fmt.Errorf("cache key %q has unknown kind %q", k.Symbol, string(k.Kind))
	}
	if _, err := time.Parse(DateLayout, k.Date); err != nil {
		return fmt.Errorf("cache key %s has bad date %q: %w", k.Symbol, k.Date, err)
	}
	return nil
}

// Result is the per-symbol outcome handed to consumers. A symbol absent
// from a result map means no data could be produced at all, which callers
// must treat differently from a present-but-degraded entry.
type Result struct {
	Quote    Quote `json:"quote"`
	Degraded bool  `json:"degraded"`
}

// FetchRequest describes one batch lookup. It is ephemeral and never
// persisted.
type FetchRequest struct {
	Symbols      []string `json:"symbols"`
	Kind         Kind     `json:"kind"`
	ForceRefresh bool     `json:"force_refresh"`
}
