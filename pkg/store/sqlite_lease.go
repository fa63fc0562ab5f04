package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lease rows back the one-active-run-per-scenario guard. Expiry is
// checked against the clock at takeover time rather than by a sweeper,
// so a crashed holder blocks its scenario only until the TTL lapses.

// Acquire claims the named lease for holderID. A claim already held by
// the same holder, or one whose TTL has lapsed, is taken over in place.
// A live claim by anyone else makes Acquire return false.
func (s *SQLiteStore) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	// Insert and takeover are one statement. The conflict branch fires
	// only for our own claim or an expired one, so a live foreign claim
	// changes zero rows.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder_id, expires_at, version)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(name) DO UPDATE
		SET holder_id = excluded.holder_id,
		    expires_at = excluded.expires_at,
		    version = leases.version + 1
		WHERE leases.holder_id = excluded.holder_id OR leases.expires_at < ?
	`, name, holderID, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n > 0, nil
}

// Renew pushes out the expiry of a lease held by holderID. It fails
// when the lease has been taken over or released in the meantime.
func (s *SQLiteStore) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases
		SET expires_at = ?, version = version + 1
		WHERE name = ? AND holder_id = ?
	`, time.Now().UTC().Add(ttl), name, holderID)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lease lost or stolen")
	}
	return nil
}

// Release drops the lease if holderID still holds it. Releasing a
// lease that is already gone or stolen is not an error.
func (s *SQLiteStore) Release(ctx context.Context, name, holderID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM leases WHERE name = ? AND holder_id = ?
	`, name, holderID); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Get returns the current claim for name, nil when none exists. Expired
// rows are still reported; only Acquire interprets expiry.
func (s *SQLiteStore) Get(ctx context.Context, name string) (*Lease, error) {
	var l Lease
	err := s.db.QueryRowContext(ctx, `
		SELECT name, holder_id, expires_at, version
		FROM leases WHERE name = ?
	`, name).Scan(&l.Name, &l.HolderID, &l.ExpiresAt, &l.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return &l, nil
}
