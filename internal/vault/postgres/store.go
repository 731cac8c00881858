package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juno-intents/yield-vault/internal/events"
	"github.com/juno-intents/yield-vault/internal/vault"
)

var ErrInvalidConfig = errors.New("vault/postgres: invalid config")

// Store is a Postgres-backed vault.EventStore. A per-vault head row is
// advanced with a compare-and-swap so two writers can never both commit the
// same sequence number.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("vault/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, e events.Event) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if e.Seq > math.MaxInt64 {
		return fmt.Errorf("%w: seq too large", events.ErrInvalidEvent)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("vault/postgres: marshal event: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("vault/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO vault_heads (vault, seq, created_at, updated_at)
		VALUES ($1, 0, now(), now())
		ON CONFLICT (vault) DO NOTHING
	`, e.Vault); err != nil {
		return fmt.Errorf("vault/postgres: insert head: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE vault_heads
		SET seq = $2, updated_at = now()
		WHERE vault = $1 AND seq = $2 - 1
	`, e.Vault, int64(e.Seq))
	if err != nil {
		return fmt.Errorf("vault/postgres: advance head: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s seq %d", vault.ErrVersionConflict, e.Vault, e.Seq)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO vault_events (vault, seq, event_id, kind, event_time, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, e.Vault, int64(e.Seq), e.ID[:], string(e.Kind), e.Time, payload)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s seq %d", vault.ErrVersionConflict, e.Vault, e.Seq)
		}
		return fmt.Errorf("vault/postgres: insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("vault/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, vaultID string, afterSeq uint64, limit int) ([]events.Event, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, nil
	}
	if afterSeq > math.MaxInt64 {
		return nil, fmt.Errorf("%w: seq too large", events.ErrInvalidEvent)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT seq, payload
		FROM vault_events
		WHERE vault = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, vaultID, int64(afterSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("vault/postgres: load events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("vault/postgres: scan event: %w", err)
		}
		var e events.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("vault/postgres: decode event %d: %w", seq, err)
		}
		if seq < 0 || e.Seq != uint64(seq) || e.Vault != vaultID {
			return nil, fmt.Errorf("vault/postgres: event row %s/%d does not match payload", vaultID, seq)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vault/postgres: event rows: %w", err)
	}
	return out, nil
}

// Head returns the last committed sequence number of vaultID, or 0.
func (s *Store) Head(ctx context.Context, vaultID string) (uint64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT seq FROM vault_heads WHERE vault = $1`, vaultID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("vault/postgres: read head: %w", err)
	}
	return uint64(seq), nil
}
