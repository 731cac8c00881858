package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juno-intents/yield-vault/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

// Store keeps leases in Postgres. Expiry is judged by the database clock.
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
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (leases.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if ttl <= 0 || name == "" || holder == "" {
		return leases.Lease{}, false, fmt.Errorf("%w: name, holder and ttl are required", leases.ErrInvalidInput)
	}

	var (
		epoch   int64
		expires time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO vault_leases (name, holder, epoch, expires_at, created_at, updated_at)
		VALUES ($1, $2, 1, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder,
			epoch = CASE WHEN vault_leases.holder = EXCLUDED.holder THEN vault_leases.epoch ELSE vault_leases.epoch + 1 END,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE vault_leases.holder = EXCLUDED.holder OR vault_leases.expires_at <= now()
		RETURNING epoch, expires_at
	`, name, holder, ttl.Milliseconds()).Scan(&epoch, &expires)
	if err == nil {
		return leases.Lease{Name: name, Holder: holder, Epoch: uint64(epoch), ExpiresAt: expires}, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: acquire %q: %w", name, err)
	}

	cur := leases.Lease{Name: name}
	err = s.pool.QueryRow(ctx, `
		SELECT holder, epoch, expires_at FROM vault_leases WHERE name = $1
	`, name).Scan(&cur.Holder, &epoch, &cur.ExpiresAt)
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: read %q: %w", name, err)
	}
	cur.Epoch = uint64(epoch)
	return cur, false, nil
}

func (s *Store) Release(ctx context.Context, name, holder string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || holder == "" {
		return fmt.Errorf("%w: name and holder are required", leases.ErrInvalidInput)
	}

	// Expire instead of delete so the epoch keeps counting up.
	tag, err := s.pool.Exec(ctx, `
		UPDATE vault_leases
		SET holder = '', expires_at = now(), updated_at = now()
		WHERE name = $1 AND holder = $2
	`, name, holder)
	if err != nil {
		return fmt.Errorf("leases/postgres: release %q: %w", name, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var cur string
	err = s.pool.QueryRow(ctx, `SELECT holder FROM vault_leases WHERE name = $1`, name).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("leases/postgres: read %q: %w", name, err)
	}
	if cur == "" {
		return nil
	}
	return leases.ErrNotHolder
}
