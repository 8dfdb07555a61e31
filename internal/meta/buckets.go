package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const bucketColumns = `id, name, owner, access, remarks, tombstoned, created_at, modified_at, node_count, total_size`

func scanBucket(row interface{ Scan(...any) error }) (*Bucket, error) {
	var (
		b         Bucket
		tomb      bool
		createdAt int64
		modAt     int64
	)
	if err := row.Scan(&b.ID, &b.Name, &b.Owner, &b.Access, &b.Remarks, &tomb,
		&createdAt, &modAt, &b.NodeCount, &b.TotalSize); err != nil {
		return nil, err
	}
	b.Tombstoned = tomb
	b.CreatedAt = fromNanos(createdAt)
	b.ModifiedAt = fromNanos(modAt)
	return &b, nil
}

// CreateBucket inserts a bucket. Returns ErrDuplicate if a live bucket with
// the same name exists.
func (s *Store) CreateBucket(ctx context.Context, name, owner string, access Access, now time.Time) (*Bucket, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (name, owner, access, created_at, modified_at) VALUES (?, ?, ?, ?, ?)`,
		name, owner, int(access), toNanos(now), toNanos(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert bucket: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("bucket id: %w", err)
	}
	return s.GetBucketByID(ctx, id)
}

// GetBucket returns the live bucket with the given name.
func (s *Store) GetBucket(ctx context.Context, name string) (*Bucket, error) {
	b, err := scanBucket(s.db.QueryRowContext(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE name = ? AND tombstoned = 0`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bucket %s: %w", name, err)
	}
	return b, nil
}

// GetBucketByID returns a bucket by id, tombstoned or not.
func (s *Store) GetBucketByID(ctx context.Context, id int64) (*Bucket, error) {
	return getBucketByID(ctx, s.db, id)
}

func getBucketByID(ctx context.Context, q querier, id int64) (*Bucket, error) {
	b, err := scanBucket(q.QueryRowContext(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bucket %d: %w", id, err)
	}
	return b, nil
}

// ListBuckets returns a page of live buckets owned by owner, newest first,
// along with the owner's total live bucket count. A negative limit returns
// every bucket.
func (s *Store) ListBuckets(ctx context.Context, owner string, offset, limit int) ([]*Bucket, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buckets WHERE owner = ? AND tombstoned = 0`, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count buckets: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE owner = ? AND tombstoned = 0
		 ORDER BY id DESC LIMIT ? OFFSET ?`, owner, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list buckets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var buckets []*Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, total, rows.Err()
}

// SetBucketAccess updates a live bucket's access permission.
func (s *Store) SetBucketAccess(ctx context.Context, id int64, access Access, now time.Time) error {
	return s.updateBucket(ctx, id, `access = ?`, int(access), now)
}

// SetBucketRemarks updates a live bucket's remarks.
func (s *Store) SetBucketRemarks(ctx context.Context, id int64, remarks string, now time.Time) error {
	return s.updateBucket(ctx, id, `remarks = ?`, remarks, now)
}

// TombstoneBucket marks a bucket deleted. Its name becomes free for reuse;
// the row and its nodes are kept for archival.
func (s *Store) TombstoneBucket(ctx context.Context, id int64, now time.Time) error {
	return s.updateBucket(ctx, id, `tombstoned = ?`, 1, now)
}

func (s *Store) updateBucket(ctx context.Context, id int64, set string, value any, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE buckets SET `+set+`, modified_at = ? WHERE id = ? AND tombstoned = 0`,
		value, toNanos(now), id)
	if err != nil {
		return fmt.Errorf("update bucket %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// adjustBucket applies node-count and size deltas within tx.
func adjustBucket(ctx context.Context, tx *sql.Tx, bucketID, nodeDelta, sizeDelta int64) error {
	if nodeDelta == 0 && sizeDelta == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE buckets SET node_count = node_count + ?, total_size = total_size + ? WHERE id = ?`,
		nodeDelta, sizeDelta, bucketID)
	if err != nil {
		return fmt.Errorf("adjust bucket %d: %w", bucketID, err)
	}
	return nil
}
