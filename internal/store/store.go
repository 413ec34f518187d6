package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"quoteflow/config"
	"quoteflow/internal/quote"
	"quoteflow/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS quote_cache (
	symbol      TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	as_of_date  TEXT        NOT NULL,
	fetched_at  TIMESTAMPTZ NOT NULL,
	is_complete BOOLEAN     NOT NULL DEFAULT FALSE,
	payload     JSONB       NOT NULL,
	PRIMARY KEY (symbol, kind, as_of_date)
);

CREATE TABLE IF NOT EXISTS memory_snapshots (
	symbol     TEXT        PRIMARY KEY,
	state      JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const selectColumns = "payload, fetched_at, is_complete"

// Store is the durable quote cache backed by PostgreSQL. Rows are keyed
// by (symbol, kind, as_of_date); the full quote travels as a JSONB
// payload next to the queryable columns.
type Store struct {
	pool *pgxpool.Pool
	log  *logger.Log
}

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("store").WithFields(logger.Fields{
		"host":     cfg.Host,
		"database": cfg.Database,
	}).Info("connected to database")

	return &Store{pool: pool, log: log}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Ping verifies the connection is healthy.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Upsert writes entries, replacing an existing row for the same key only
// when the incoming fetch is at least as recent. Concurrent writers and
// replayed flushes therefore cannot roll a row back to older data.
func (s *Store) Upsert(ctx context.Context, entries []*quote.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, entry := range entries {
		key := entry.Key()
		if err := key.Validate(); err != nil {
			return fmt.Errorf("upsert: %w", err)
		}

		payload, err := json.Marshal(entry.Quote)
		if err != nil {
			return fmt.Errorf("marshal quote %s: %w", key, err)
		}

		batch.Queue(`
			INSERT INTO quote_cache (symbol, kind, as_of_date, fetched_at, is_complete, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (symbol, kind, as_of_date) DO UPDATE
			SET fetched_at = excluded.fetched_at,
			    is_complete = excluded.is_complete,
			    payload = excluded.payload
			WHERE excluded.fetched_at >= quote_cache.fetched_at
		`, key.Symbol, string(key.Kind), key.Date, entry.FetchedAt, entry.IsComplete, payload)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert batch: %w", err)
		}
	}
	return nil
}

// Get returns the entry for key, or (nil, nil) when no row exists.
func (s *Store) Get(ctx context.Context, key quote.Key) (*quote.CacheEntry, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM quote_cache WHERE symbol = $1 AND kind = $2 AND as_of_date = $3",
		key.Symbol, string(key.Kind), key.Date,
	)

	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return entry, nil
}

// GetBatch returns the stored entries for the given keys. Keys without a
// row are simply absent from the result.
func (s *Store) GetBatch(ctx context.Context, keys []quote.Key) (map[quote.Key]*quote.CacheEntry, error) {
	if len(keys) == 0 {
		return map[quote.Key]*quote.CacheEntry{}, nil
	}

	batch := &pgx.Batch{}
	for _, key := range keys {
		batch.Queue(
			"SELECT "+selectColumns+" FROM quote_cache WHERE symbol = $1 AND kind = $2 AND as_of_date = $3",
			key.Symbol, string(key.Kind), key.Date,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	found := make(map[quote.Key]*quote.CacheEntry, len(keys))
	for _, key := range keys {
		entry, err := scanEntry(results.QueryRow())
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get batch %s: %w", key, err)
		}
		found[key] = entry
	}
	return found, nil
}

// GetLatest returns the most recent entry for (symbol, kind) regardless
// of date, or (nil, nil) when the symbol has never been stored. This is
// the degraded-serving path when every vendor is down.
func (s *Store) GetLatest(ctx context.Context, symbol string, kind quote.Kind) (*quote.CacheEntry, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM quote_cache WHERE symbol = $1 AND kind = $2 ORDER BY as_of_date DESC LIMIT 1",
		symbol, string(kind),
	)

	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest %s/%s: %w", symbol, kind, err)
	}
	return entry, nil
}

// ListCompleted returns every completed entry for a trading date, the
// unit the cold archive exports after a session finishes.
func (s *Store) ListCompleted(ctx context.Context, date string) ([]*quote.CacheEntry, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+selectColumns+" FROM quote_cache WHERE as_of_date = $1 AND is_complete ORDER BY symbol, kind",
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("list completed %s: %w", date, err)
	}
	defer rows.Close()

	var entries []*quote.CacheEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list completed %s: %w", date, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list completed %s: %w", date, err)
	}
	return entries, nil
}

// Clear deletes rows matching the filter and returns how many went away.
// Empty filter fields match everything.
func (s *Store) Clear(ctx context.Context, symbols []string, kind quote.Kind, date string) (int64, error) {
	query, args := buildClearQuery(symbols, kind, date)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear: %w", err)
	}

	if tag.RowsAffected() > 0 {
		s.log.WithComponent("store").WithFields(logger.Fields{
			"removed": tag.RowsAffected(),
		}).Info("cleared persisted entries")
	}
	return tag.RowsAffected(), nil
}

// buildClearQuery assembles the DELETE statement for Clear.
func buildClearQuery(symbols []string, kind quote.Kind, date string) (string, []any) {
	var conds []string
	var args []any

	if len(symbols) > 0 {
		args = append(args, symbols)
		conds = append(conds, fmt.Sprintf("symbol = ANY($%d)", len(args)))
	}
	if kind != "" {
		args = append(args, string(kind))
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if date != "" {
		args = append(args, date)
		conds = append(conds, fmt.Sprintf("as_of_date = $%d", len(args)))
	}

	query := "DELETE FROM quote_cache"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	return query, args
}

func scanEntry(row pgx.Row) (*quote.CacheEntry, error) {
	var payload []byte
	var fetchedAt time.Time
	var isComplete bool

	if err := row.Scan(&payload, &fetchedAt, &isComplete); err != nil {
		return nil, err
	}

	var q quote.Quote
	if err := json.Unmarshal(payload, &q); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	return &quote.CacheEntry{
		Quote:      q,
		FetchedAt:  fetchedAt,
		IsComplete: isComplete,
	}, nil
}
