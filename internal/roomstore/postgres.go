package roomstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/watchroom/watchroom/internal/room"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_states (
    room_id  TEXT PRIMARY KEY,
    state    JSONB NOT NULL,
    saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore implements room.Store on a Postgres database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	log.Info().Msg("room store connected to postgres")
	return &PostgresStore{pool: pool}, nil
}

// LoadAll returns every persisted room authority.
func (s *PostgresStore) LoadAll(ctx context.Context) (map[string]room.Authority, error) {
	rows, err := s.pool.Query(ctx, `SELECT room_id, state FROM room_states`)
	if err != nil {
		return nil, fmt.Errorf("failed to query room states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]room.Authority)
	for rows.Next() {
		var roomID string
		var raw []byte
		if err := rows.Scan(&roomID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan room state: %w", err)
		}
		var state persistedState
		if err := json.Unmarshal(raw, &state); err != nil {
			log.Warn().Err(err).Str("room_id", roomID).Msg("skipping corrupt persisted room state")
			continue
		}
		out[roomID] = state.toAuthority()
	}
	return out, rows.Err()
}

// Save upserts one room's authority.
func (s *PostgresStore) Save(ctx context.Context, roomID string, a room.Authority) error {
	raw, err := json.Marshal(toPersisted(a, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to marshal room state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO room_states (room_id, state, saved_at)
		VALUES ($1, $2, now())
		ON CONFLICT (room_id) DO UPDATE SET state = EXCLUDED.state, saved_at = now()`,
		roomID, raw)
	if err != nil {
		return fmt.Errorf("failed to save room state: %w", err)
	}
	return nil
}

// Delete removes one room's persisted state.
func (s *PostgresStore) Delete(ctx context.Context, roomID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM room_states WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("failed to delete room state: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
