package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// ErrLeaseLost is returned when renewing a lease that is no longer held.
var ErrLeaseLost = errors.New("lease lost or stolen")

// Acquire takes the named lease for holderID when it is free, expired or
// already held by holderID. The insert-or-takeover is a single statement.
func (s *Store) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	now := s.now()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder_id, expires_at, version)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (name) DO UPDATE SET
			holder_id = excluded.holder_id,
			expires_at = excluded.expires_at,
			version = leases.version + 1
		WHERE leases.holder_id = excluded.holder_id OR leases.expires_at < ?
	`, name, holderID, now.Add(ttl), now)
	if err != nil {
		return false, errors.Wrapf(err, "failed to acquire lease %s", name)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to check rows affected")
	}
	return rows > 0, nil
}

// Renew extends a lease held by holderID.
func (s *Store) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases
		SET expires_at = ?, version = version + 1
		WHERE name = ? AND holder_id = ?
	`, s.now().Add(ttl), name, holderID)
	if err != nil {
		return errors.Wrapf(err, "failed to renew lease %s", name)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(ErrLeaseLost, "%s", name)
	}
	return nil
}

// Release drops the lease if held by holderID.
func (s *Store) Release(ctx context.Context, name, holderID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder_id = ?`, name, holderID); err != nil {
		return errors.Wrapf(err, "failed to release lease %s", name)
	}
	return nil
}

// Get returns the current lease state, or nil when nobody holds it.
func (s *Store) Get(ctx context.Context, name string) (*Lease, error) {
	var l Lease
	err := s.db.QueryRowContext(ctx, `
		SELECT name, holder_id, expires_at, version FROM leases WHERE name = ?
	`, name).Scan(&l.Name, &l.HolderID, &l.ExpiresAt, &l.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to get lease %s", name)
	}
	return &l, nil
}
