package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Child queries back directory listing. Every query sees only live nodes
// and orders each kind by descending id, so the most recently created entry
// comes first.

// CountChildren returns the number of live directory and file children of parentID.
func (s *Store) CountChildren(ctx context.Context, bucketID, parentID int64) (dirs, files int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN is_file = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN is_file = 1 THEN 1 ELSE 0 END), 0)
		 FROM nodes WHERE bucket_id = ? AND parent_id = ? AND tombstoned = 0`,
		bucketID, parentID).Scan(&dirs, &files)
	if err != nil {
		return 0, 0, fmt.Errorf("count children of %d: %w", parentID, err)
	}
	return dirs, files, nil
}

// ListChildren returns live children in listing order (directories first,
// then files) sliced at [offset, offset+limit).
func (s *Store) ListChildren(ctx context.Context, bucketID, parentID int64, offset, limit int) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes n
		 WHERE n.bucket_id = ? AND n.parent_id = ? AND n.tombstoned = 0
		 ORDER BY n.is_file ASC, n.id DESC LIMIT ? OFFSET ?`,
		bucketID, parentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list children of %d: %w", parentID, err)
	}
	return scanNodes(rows)
}

// ListChildDirs returns live directory children sliced at [offset, offset+limit).
func (s *Store) ListChildDirs(ctx context.Context, bucketID, parentID int64, offset, limit int) ([]*Node, error) {
	return s.listKind(ctx, bucketID, parentID, false, offset, limit)
}

// ListChildFiles returns live file children sliced at [offset, offset+limit).
func (s *Store) ListChildFiles(ctx context.Context, bucketID, parentID int64, offset, limit int) ([]*Node, error) {
	return s.listKind(ctx, bucketID, parentID, true, offset, limit)
}

func (s *Store) listKind(ctx context.Context, bucketID, parentID int64, files bool, offset, limit int) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes n
		 WHERE n.bucket_id = ? AND n.parent_id = ? AND n.tombstoned = 0 AND n.is_file = ?
		 ORDER BY n.id DESC LIMIT ? OFFSET ?`,
		bucketID, parentID, boolToInt(files), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list children of %d: %w", parentID, err)
	}
	return scanNodes(rows)
}

// FileIDAtRank returns the id of the live file child at zero-based rank in
// descending id order. ok is false when fewer than rank+1 files exist.
// Only the id column is read, so the scan stays on the index.
func (s *Store) FileIDAtRank(ctx context.Context, bucketID, parentID int64, rank int) (id int64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM nodes
		 WHERE bucket_id = ? AND parent_id = ? AND tombstoned = 0 AND is_file = 1
		 ORDER BY id DESC LIMIT 1 OFFSET ?`,
		bucketID, parentID, rank).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("file id at rank %d: %w", rank, err)
	}
	return id, true, nil
}

// ListChildFilesFrom returns up to limit live file children with id <= anchorID,
// in descending id order.
func (s *Store) ListChildFilesFrom(ctx context.Context, bucketID, parentID, anchorID int64, limit int) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes n
		 WHERE n.bucket_id = ? AND n.parent_id = ? AND n.tombstoned = 0 AND n.is_file = 1 AND n.id <= ?
		 ORDER BY n.id DESC LIMIT ?`,
		bucketID, parentID, anchorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list files from %d: %w", anchorID, err)
	}
	return scanNodes(rows)
}
