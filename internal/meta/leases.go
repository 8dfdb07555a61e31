package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AcquireLease takes or renews the single-writer lease on a node. It
// succeeds when no lease exists, the existing lease has expired, or holder
// already owns it.
func (s *Store) AcquireLease(ctx context.Context, bucketID, nodeID int64, holder string, ttl time.Duration, now time.Time) (bool, error) {
	acquired := false
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var (
			current   string
			expiresAt int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT holder, expires_at FROM write_leases WHERE bucket_id = ? AND node_id = ?`,
			bucketID, nodeID).Scan(&current, &expiresAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read lease: %w", err)
		case current != holder && now.Before(fromNanos(expiresAt)):
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO write_leases (bucket_id, node_id, holder, expires_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (bucket_id, node_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at`,
			bucketID, nodeID, holder, toNanos(now.Add(ttl))); err != nil {
			return fmt.Errorf("write lease: %w", err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, bucketID, nodeID int64, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM write_leases WHERE bucket_id = ? AND node_id = ? AND holder = ?`,
		bucketID, nodeID, holder)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
