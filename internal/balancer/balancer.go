package balancer

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"quoteflow/config"
	"quoteflow/internal/quote"
	"quoteflow/internal/vendor"
	"quoteflow/logger"
)

var errCircuitOpen = errors.New("circuit open")

// Directory resolves symbols to markets and markets to their vendor
// escalation ladder.
type Directory interface {
	MarketFor(symbol string) string
	TiersFor(market string) (vendor.Tiers, bool)
}

// Gate decides whether a vendor may be called and hears how the call
// went. Skipped vendors record nothing.
type Gate interface {
	IsAvailable(name string) bool
	RecordSuccess(name string)
	RecordFailure(name string)
}

// Balancer fans a symbol batch out across markets and vendor tiers.
// Within a market every available primary races on the full batch and
// the first vendor in config order wins conflicting symbols; whatever
// stays unfilled escalates to the fallback, then the last resort. A
// vendor failure never fails the batch, it only leaves symbols for the
// next tier.
type Balancer struct {
	cfg  config.BalancerConfig
	dir  Directory
	gate Gate
	log  *logger.Log
}

func New(cfg config.BalancerConfig, dir Directory, gate Gate) *Balancer {
	log := logger.GetLogger()

	log.WithComponent("balancer").WithFields(logger.Fields{
		"max_concurrent": cfg.MaxConcurrent,
		"max_attempts":   cfg.Retry.MaxAttempts,
	}).Info("balancer initialized")

	return &Balancer{cfg: cfg, dir: dir, gate: gate, log: log}
}

// Fetch returns every quote the vendor ladder could produce for the
// requested symbols, stamped with their market. Symbols nobody could
// fill are simply absent. The only error is context cancellation.
func (b *Balancer) Fetch(ctx context.Context, symbols []string, kind quote.Kind) (map[string]quote.Quote, error) {
	results := make(map[string]quote.Quote, len(symbols))
	if len(symbols) == 0 {
		return results, nil
	}

	groups := b.partition(symbols)

	var mu sync.Mutex
	g := new(errgroup.Group)
	for market, batch := range groups {
		g.Go(func() error {
			filled := b.fetchMarket(ctx, market, batch, kind)
			mu.Lock()
			for symbol, q := range filled {
				results[symbol] = q
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// partition groups symbols by market, preserving request order inside
// each group.
func (b *Balancer) partition(symbols []string) map[string][]string {
	groups := make(map[string][]string)
	for _, symbol := range symbols {
		market := b.dir.MarketFor(symbol)
		groups[market] = append(groups[market], symbol)
	}
	return groups
}

func (b *Balancer) fetchMarket(ctx context.Context, market string, symbols []string, kind quote.Kind) map[string]quote.Quote {
	log := b.log.WithComponent("balancer").WithFields(logger.Fields{
		"market": market,
		"kind":   string(kind),
	})

	tiers, ok := b.dir.TiersFor(market)
	if !ok {
		log.Warn("no vendors configured for market")
		return nil
	}

	filled := make(map[string]quote.Quote, len(symbols))

	// Tier one: available primaries race on the full batch.
	byPriority := make([][]quote.Quote, len(tiers.Primaries))
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(b.cfg.MaxConcurrent)
	for i, client := range tiers.Primaries {
		g.Go(func() error {
			quotes, err := b.call(ctx, client, symbols, kind)
			if err != nil {
				return nil
			}
			mu.Lock()
			byPriority[i] = quotes
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	// Merge in config order so the race stays deterministic: the first
	// listed primary wins any symbol two vendors both returned.
	for _, quotes := range byPriority {
		for _, q := range quotes {
			if _, ok := filled[q.Symbol]; !ok {
				q.Market = market
				filled[q.Symbol] = q
			}
		}
	}

	// Escalate leftovers down the ladder one tier at a time.
	for _, client := range []vendor.Client{tiers.Fallback, tiers.LastResort} {
		if client == nil {
			continue
		}
		missing := missingFrom(symbols, filled)
		if len(missing) == 0 {
			break
		}

		quotes, err := b.call(ctx, client, missing, kind)
		if err != nil {
			continue
		}
		for _, q := range quotes {
			if _, ok := filled[q.Symbol]; !ok {
				q.Market = market
				filled[q.Symbol] = q
			}
		}
	}

	if len(filled) < len(symbols) {
		log.WithFields(logger.Fields{
			"requested": len(symbols),
			"filled":    len(filled),
		}).Warn("batch left partially unfilled")
	}
	return filled
}

// call runs one vendor call with retries. The circuit gate is consulted
// first; a skipped vendor records no outcome, a call that exhausts its
// attempts records exactly one failure.
func (b *Balancer) call(ctx context.Context, client vendor.Client, symbols []string, kind quote.Kind) ([]quote.Quote, error) {
	name := client.Name()
	log := b.log.WithComponent("balancer").WithFields(logger.Fields{
		"vendor":  name,
		"symbols": len(symbols),
	})

	if !b.gate.IsAvailable(name) {
		log.Debug("vendor skipped, circuit open")
		return nil, errCircuitOpen
	}

	attempts := b.cfg.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(b.cfg.Retry.Delay()):
			}
		}

		quotes, err := client.FetchBatch(ctx, symbols, kind)
		if err == nil {
			b.gate.RecordSuccess(name)
			return quotes, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// The caller gave up; that is not the vendor's failure.
			return nil, lastErr
		}
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
		}).Warn("vendor call failed")
	}

	b.gate.RecordFailure(name)
	return nil, lastErr
}

func missingFrom(symbols []string, filled map[string]quote.Quote) []string {
	var missing []string
	for _, symbol := range symbols {
		if _, ok := filled[symbol]; !ok {
			missing = append(missing, symbol)
		}
	}
	return missing
}
