package cache

import (
	"time"

	"quoteflow/internal/calendar"
	"quoteflow/internal/quote"
)

// Freshness classifies a cache entry against its market's trading session.
type Freshness int

const (
	// Fresh entries are served as-is with no vendor call.
	Fresh Freshness = iota
	// Expired entries exist but need a refetch before serving.
	Expired
	// Missing means no entry exists for the key.
	Missing
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Expired:
		return "expired"
	case Missing:
		return "missing"
	}
	return "unknown"
}

// Classify decides whether entry can be served without a vendor fetch.
// ttl is the intraday refresh interval of the tier the entry came from;
// cal supplies the market's session boundaries. The function performs no
// I/O and never mutates entry.
//
// Outside the session the as-of date alone decides: data for the latest
// completed session is final regardless of age, older dates are expired.
// Inside the session the entry's fetch age is compared against ttl, so a
// completed entry from the previous session stops being fresh the moment
// the next session opens.
func Classify(cal calendar.Calendar, entry *quote.CacheEntry, market string, now time.Time, ttl time.Duration) Freshness {
	if entry == nil {
		return Missing
	}

	current := cal.TradingDate(market, now).Format(quote.DateLayout)

	if entry.IsComplete && entry.Quote.AsOfDate >= current {
		return Fresh
	}

	if cal.InSession(market, now) {
		if now.Sub(entry.FetchedAt) < ttl {
			return Fresh
		}
		return Expired
	}

	if entry.Quote.AsOfDate >= current {
		return Fresh
	}
	return Expired
}
