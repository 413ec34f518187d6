package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SaveSnapshot upserts the serialized memory-cache state for one symbol.
func (s *Store) SaveSnapshot(ctx context.Context, symbol string, blob []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_snapshots (symbol, state, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (symbol) DO UPDATE SET state = excluded.state, updated_at = now()`,
		symbol, blob,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", symbol, err)
	}
	return nil
}

// LoadSnapshot returns the stored state for symbol, or (nil, nil) when
// none exists.
func (s *Store) LoadSnapshot(ctx context.Context, symbol string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		"SELECT state FROM memory_snapshots WHERE symbol = $1", symbol,
	).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", symbol, err)
	}
	return blob, nil
}

// DeleteSnapshot removes the stored state for symbol.
func (s *Store) DeleteSnapshot(ctx context.Context, symbol string) error {
	if _, err := s.pool.Exec(ctx,
		"DELETE FROM memory_snapshots WHERE symbol = $1", symbol,
	); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", symbol, err)
	}
	return nil
}
