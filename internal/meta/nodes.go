package meta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const nodeColumns = `n.id, n.bucket_id, n.parent_id, n.name, n.is_file, n.size, n.created_at, n.modified_at,
	n.download_count, n.share_mode, n.share_password, n.share_time_limit, n.share_start, n.share_end,
	n.tombstoned, n.tombstoned_at, n.backup_locations, n.archive_locations`

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var (
		n                  Node
		createdAt          int64
		modifiedAt         sql.NullInt64
		shareStart         sql.NullInt64
		shareEnd           sql.NullInt64
		tombstonedAt       sql.NullInt64
		backupJSON, archJS string
	)
	if err := row.Scan(&n.ID, &n.BucketID, &n.ParentID, &n.Name, &n.IsFile, &n.Size, &createdAt, &modifiedAt,
		&n.DownloadCount, &n.Share.Mode, &n.Share.Password, &n.Share.TimeLimit, &shareStart, &shareEnd,
		&n.Tombstoned, &tombstonedAt, &backupJSON, &archJS); err != nil {
		return nil, err
	}
	n.CreatedAt = fromNanos(createdAt)
	if modifiedAt.Valid {
		t := fromNanos(modifiedAt.Int64)
		n.ModifiedAt = &t
	}
	n.Share.Start = fromNullNanos(shareStart)
	n.Share.End = fromNullNanos(shareEnd)
	n.TombstonedAt = fromNullNanos(tombstonedAt)
	if err := json.Unmarshal([]byte(backupJSON), &n.BackupLocations); err != nil {
		return nil, fmt.Errorf("decode backup locations of node %d: %w", n.ID, err)
	}
	if err := json.Unmarshal([]byte(archJS), &n.ArchiveLocations); err != nil {
		return nil, fmt.Errorf("decode archive locations of node %d: %w", n.ID, err)
	}
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*Node, error) {
	defer func() { _ = rows.Close() }()
	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// GetNode returns a node by id, tombstoned or not.
func (s *Store) GetNode(ctx context.Context, bucketID, id int64) (*Node, error) {
	return getNode(ctx, s.db, bucketID, id)
}

func getNode(ctx context.Context, q querier, bucketID, id int64) (*Node, error) {
	n, err := scanNode(q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes n WHERE n.bucket_id = ? AND n.id = ?`, bucketID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %d: %w", id, err)
	}
	return n, nil
}

// LookupChild returns the live child named name under parentID.
func (s *Store) LookupChild(ctx context.Context, bucketID, parentID int64, name string) (*Node, error) {
	return lookupChild(ctx, s.db, bucketID, parentID, name)
}

func lookupChild(ctx context.Context, q querier, bucketID, parentID int64, name string) (*Node, error) {
	n, err := scanNode(q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes n
		 WHERE n.bucket_id = ? AND n.parent_id = ? AND n.name = ? AND n.tombstoned = 0`,
		bucketID, parentID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %q under %d: %w", name, parentID, err)
	}
	return n, nil
}

// requireLiveDir checks that id is RootID or a live directory.
func requireLiveDir(ctx context.Context, q querier, bucketID, id int64) error {
	if id == RootID {
		return nil
	}
	var isFile, tomb bool
	err := q.QueryRowContext(ctx,
		`SELECT is_file, tombstoned FROM nodes WHERE bucket_id = ? AND id = ?`, bucketID, id).Scan(&isFile, &tomb)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && (isFile || tomb)) {
		return ErrNotFound
	}
	return err
}

// CreateNode inserts a node. Directories get no modified time; files start
// empty. maxNodes caps the bucket's node count (0 disables the cap).
func (s *Store) CreateNode(ctx context.Context, nn NewNode, maxNodes int64, now time.Time) (*Node, error) {
	var created *Node
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if err := requireLiveDir(ctx, tx, nn.BucketID, nn.ParentID); err != nil {
			return err
		}

		b, err := getBucketByID(ctx, tx, nn.BucketID)
		if err != nil {
			return err
		}
		if b.Tombstoned {
			return ErrNotFound
		}
		if maxNodes > 0 && b.NodeCount >= maxNodes {
			return ErrQuotaExceeded
		}

		var modifiedAt sql.NullInt64
		if nn.IsFile {
			modifiedAt = nullTime(now)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (bucket_id, parent_id, name, is_file, created_at, modified_at) VALUES (?, ?, ?, ?, ?, ?)`,
			nn.BucketID, nn.ParentID, nn.Name, boolToInt(nn.IsFile), toNanos(now), modifiedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert node: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if err := adjustBucket(ctx, tx, nn.BucketID, 1, 0); err != nil {
			return err
		}
		created, err = getNode(ctx, tx, nn.BucketID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// DeleteNode hard-deletes a node row. A directory with live children is
// refused with ErrNotEmpty. The deleted node is returned so callers can
// remove its backing content.
func (s *Store) DeleteNode(ctx context.Context, bucketID, id int64) (*Node, error) {
	var deleted *Node
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		n, err := getNode(ctx, tx, bucketID, id)
		if err != nil {
			return err
		}
		if n.IsDir() {
			var live int64
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM nodes WHERE bucket_id = ? AND parent_id = ? AND tombstoned = 0`,
				bucketID, id).Scan(&live); err != nil {
				return fmt.Errorf("count children: %w", err)
			}
			if live > 0 {
				return ErrNotEmpty
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE bucket_id = ? AND id = ?`, bucketID, id); err != nil {
			return fmt.Errorf("delete node %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM write_leases WHERE bucket_id = ? AND node_id = ?`, bucketID, id); err != nil {
			return fmt.Errorf("delete lease: %w", err)
		}

		var sizeDelta int64
		if n.IsFile && !n.Tombstoned {
			sizeDelta = -n.Size
		}
		if err := adjustBucket(ctx, tx, bucketID, -1, sizeDelta); err != nil {
			return err
		}
		deleted = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// TombstoneNode soft-deletes a live node.
func (s *Store) TombstoneNode(ctx context.Context, bucketID, id int64, now time.Time) (*Node, error) {
	return s.mutateNode(ctx, bucketID, id, func(tx *sql.Tx, n *Node) error {
		if n.Tombstoned {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE nodes SET tombstoned = 1, tombstoned_at = ? WHERE id = ?`, toNanos(now), id); err != nil {
			return fmt.Errorf("tombstone node %d: %w", id, err)
		}
		if n.IsFile {
			return adjustBucket(ctx, tx, bucketID, 0, -n.Size)
		}
		return nil
	})
}

// RestoreNode clears a node's tombstone. Returns ErrDuplicate if a live
// sibling has taken its name and ErrNotFound if its parent is gone.
func (s *Store) RestoreNode(ctx context.Context, bucketID, id int64) (*Node, error) {
	return s.mutateNode(ctx, bucketID, id, func(tx *sql.Tx, n *Node) error {
		if !n.Tombstoned {
			return nil
		}
		if err := requireLiveDir(ctx, tx, bucketID, n.ParentID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE nodes SET tombstoned = 0, tombstoned_at = NULL WHERE id = ?`, id); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("restore node %d: %w", id, err)
		}
		if n.IsFile {
			return adjustBucket(ctx, tx, bucketID, 0, n.Size)
		}
		return nil
	})
}

// MoveNode reparents and/or renames a live node. Moving a directory into
// itself or one of its descendants returns ErrCycle.
func (s *Store) MoveNode(ctx context.Context, bucketID, id, newParentID int64, newName string, now time.Time) (*Node, error) {
	return s.mutateNode(ctx, bucketID, id, func(tx *sql.Tx, n *Node) error {
		if n.Tombstoned {
			return ErrNotFound
		}
		if err := requireLiveDir(ctx, tx, bucketID, newParentID); err != nil {
			return err
		}
		if n.IsDir() && newParentID != RootID {
			chain, err := ancestors(ctx, tx, bucketID, newParentID)
			if err != nil {
				return err
			}
			for _, a := range chain {
				if a.ID == n.ID {
					return ErrCycle
				}
			}
		}

		var modifiedAt sql.NullInt64
		if n.IsFile {
			modifiedAt = nullTime(now)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE nodes SET parent_id = ?, name = ?, modified_at = COALESCE(?, modified_at) WHERE id = ?`,
			newParentID, newName, modifiedAt, id); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("move node %d: %w", id, err)
		}
		return nil
	})
}

// ResetSize sets a live file's size to zero.
func (s *Store) ResetSize(ctx context.Context, bucketID, id int64, now time.Time) (*Node, error) {
	return s.SetSize(ctx, bucketID, id, 0, now)
}

// GrowSize raises a live file's size to end if it is currently smaller and
// stamps its modified time. Size never shrinks here.
func (s *Store) GrowSize(ctx context.Context, bucketID, id, end int64, now time.Time) (*Node, error) {
	return s.mutateNode(ctx, bucketID, id, func(tx *sql.Tx, n *Node) error {
		if !n.IsFile || n.Tombstoned {
			return ErrNotFound
		}
		newSize := n.Size
		if end > newSize {
			newSize = end
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE nodes SET size = ?, modified_at = ? WHERE id = ?`, newSize, toNanos(now), id); err != nil {
			return fmt.Errorf("grow node %d: %w", id, err)
		}
		return adjustBucket(ctx, tx, bucketID, 0, newSize-n.Size)
	})
}

// SetSize sets a live file's size to exactly size.
func (s *Store) SetSize(ctx context.Context, bucketID, id, size int64, modTime time.Time) (*Node, error) {
	return s.mutateNode(ctx, bucketID, id, func(tx *sql.Tx, n *Node) error {
		if !n.IsFile || n.Tombstoned {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE nodes SET size = ?, modified_at = ? WHERE id = ?`, size, toNanos(modTime), id); err != nil {
			return fmt.Errorf("set size of node %d: %w", id, err)
		}
		return adjustBucket(ctx, tx, bucketID, 0, size-n.Size)
	})
}

// IncrementDownloads bumps a file's download counter.
func (s *Store) IncrementDownloads(ctx context.Context, bucketID, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET download_count = download_count + 1 WHERE bucket_id = ? AND id = ?`, bucketID, id)
	if err != nil {
		return fmt.Errorf("increment downloads of node %d: %w", id, err)
	}
	return nil
}

// SetShare replaces a live node's share state.
func (s *Store) SetShare(ctx context.Context, bucketID, id int64, share Share) (*Node, error) {
	return s.mutateNode(ctx, bucketID, id, func(tx *sql.Tx, n *Node) error {
		if n.Tombstoned {
			return ErrNotFound
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE nodes SET share_mode = ?, share_password = ?, share_time_limit = ?, share_start = ?, share_end = ?
			 WHERE id = ?`,
			int(share.Mode), share.Password, boolToInt(share.TimeLimit), nullTime(share.Start), nullTime(share.End), id)
		if err != nil {
			return fmt.Errorf("set share of node %d: %w", id, err)
		}
		return nil
	})
}

// SetLocations replaces a file's backup and archive location lists.
func (s *Store) SetLocations(ctx context.Context, bucketID, id int64, backup, archive []string) (*Node, error) {
	if backup == nil {
		backup = []string{}
	}
	if archive == nil {
		archive = []string{}
	}
	b, err := json.Marshal(backup)
	if err != nil {
		return nil, err
	}
	a, err := json.Marshal(archive)
	if err != nil {
		return nil, err
	}
	return s.mutateNode(ctx, bucketID, id, func(tx *sql.Tx, n *Node) error {
		if !n.IsFile || n.Tombstoned {
			return ErrNotFound
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE nodes SET backup_locations = ?, archive_locations = ? WHERE id = ?`, string(b), string(a), id)
		return err
	})
}

// mutateNode loads a node, applies fn and returns the updated row, all in one transaction.
func (s *Store) mutateNode(ctx context.Context, bucketID, id int64, fn func(tx *sql.Tx, n *Node) error) (*Node, error) {
	var updated *Node
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		n, err := getNode(ctx, tx, bucketID, id)
		if err != nil {
			return err
		}
		if err := fn(tx, n); err != nil {
			return err
		}
		updated, err = getNode(ctx, tx, bucketID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Ancestors returns the node followed by each of its ancestors up to the
// top level, nearest first.
func (s *Store) Ancestors(ctx context.Context, bucketID, id int64) ([]*Node, error) {
	return ancestors(ctx, s.db, bucketID, id)
}

func ancestors(ctx context.Context, q querier, bucketID, id int64) ([]*Node, error) {
	rows, err := q.QueryContext(ctx, `
WITH RECURSIVE chain(id, depth) AS (
    SELECT id, 0 FROM nodes WHERE bucket_id = ? AND id = ?
    UNION ALL
    SELECT p.parent_id, c.depth + 1 FROM chain c JOIN nodes p ON p.id = c.id
    WHERE p.bucket_id = ? AND p.parent_id != 0 AND c.depth < ?
)
SELECT `+nodeColumns+` FROM chain c JOIN nodes n ON n.id = c.id ORDER BY c.depth`,
		bucketID, id, bucketID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("walk ancestors of %d: %w", id, err)
	}
	chain, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	return chain, nil
}

// NodePath returns the slash-separated path of a node, computed from its
// parent chain.
func (s *Store) NodePath(ctx context.Context, bucketID, id int64) (string, error) {
	chain, err := s.Ancestors(ctx, bucketID, id)
	if err != nil {
		return "", err
	}
	names := make([]string, len(chain))
	for i, n := range chain {
		names[len(chain)-1-i] = n.Name
	}
	return strings.Join(names, "/"), nil
}

// ListTombstoned returns tombstoned nodes of a bucket deleted before cutoff,
// oldest first. A zero cutoff matches every tombstoned node. bucketID 0
// scans all buckets.
func (s *Store) ListTombstoned(ctx context.Context, bucketID int64, cutoff time.Time, limit int) ([]*Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes n WHERE n.tombstoned = 1`
	var args []any
	if bucketID != 0 {
		query += ` AND n.bucket_id = ?`
		args = append(args, bucketID)
	}
	if !cutoff.IsZero() {
		query += ` AND n.tombstoned_at < ?`
		args = append(args, toNanos(cutoff))
	}
	query += ` ORDER BY n.tombstoned_at, n.id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tombstoned: %w", err)
	}
	return scanNodes(rows)
}

// FileStats returns the count and total size of live files in a bucket.
func (s *Store) FileStats(ctx context.Context, bucketID int64) (count, space int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM nodes WHERE bucket_id = ? AND is_file = 1 AND tombstoned = 0`,
		bucketID).Scan(&count, &space)
	if err != nil {
		return 0, 0, fmt.Errorf("file stats of bucket %d: %w", bucketID, err)
	}
	return count, space, nil
}

// ParseNodeID parses a decimal node id.
func ParseNodeID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid node id %q", s)
	}
	return id, nil
}
