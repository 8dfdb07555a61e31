package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evharbor/harbor/internal/meta"
	"github.com/rs/zerolog/log"
)

// resolveDir walks directory segments from the bucket root and returns the
// id of the last one. A missing segment, or one that is a file, is ErrNotFound.
func (s *Service) resolveDir(ctx context.Context, b *meta.Bucket, segs []string) (int64, error) {
	parent := meta.RootID
	for i, name := range segs {
		n, err := s.meta.LookupChild(ctx, b.ID, parent, name)
		if err != nil {
			return 0, translate(err, "directory "+JoinPath(segs[:i], name))
		}
		if !n.IsDir() {
			return 0, fmt.Errorf("%s is a file: %w", JoinPath(segs[:i], name), ErrNotFound)
		}
		parent = n.ID
	}
	return parent, nil
}

// lookup resolves path to a live node.
func (s *Service) lookup(ctx context.Context, b *meta.Bucket, path string) (*meta.Node, error) {
	dirs, leaf, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	parent, err := s.resolveDir(ctx, b, dirs)
	if err != nil {
		return nil, err
	}
	n, err := s.meta.LookupChild(ctx, b.ID, parent, leaf)
	if err != nil {
		return nil, translate(err, path)
	}
	return n, nil
}

// lookupFile resolves path to a live file.
func (s *Service) lookupFile(ctx context.Context, b *meta.Bucket, path string) (*meta.Node, error) {
	n, err := s.lookup(ctx, b, path)
	if err != nil {
		return nil, err
	}
	if !n.IsFile {
		return nil, fmt.Errorf("%s is a directory: %w", path, ErrNotFound)
	}
	return n, nil
}

// Lookup returns the live node at path.
func (s *Service) Lookup(ctx context.Context, identity, bucket, path string) (*meta.Node, error) {
	b, err := s.bucketFor(ctx, identity, bucket, verbRead, path)
	if err != nil {
		return nil, err
	}
	n, err := s.lookup(ctx, b, path)
	if err != nil {
		return nil, err
	}
	redactShares(b, identity, n)
	return n, nil
}

// GetNode is Lookup under the name used by the API layer.
func (s *Service) GetNode(ctx context.Context, identity, bucket, path string) (*meta.Node, error) {
	return s.Lookup(ctx, identity, bucket, path)
}

// NodePath returns the current path of a node, computed from its parent chain.
func (s *Service) NodePath(ctx context.Context, identity, bucket string, nodeID int64) (string, error) {
	b, err := s.bucketFor(ctx, identity, bucket, verbRead, "")
	if err != nil {
		return "", err
	}
	p, err := s.meta.NodePath(ctx, b.ID, nodeID)
	return p, translate(err, fmt.Sprintf("node %d", nodeID))
}

// Mkdir creates a directory. Every intermediate directory must exist.
func (s *Service) Mkdir(ctx context.Context, identity, bucket, path string) (n *meta.Node, err error) {
	start := time.Now()
	defer func() { s.observe("Mkdir", identity, bucket, path, start, err) }()

	b, err := s.bucketFor(ctx, identity, bucket, verbWrite, path)
	if err != nil {
		return nil, err
	}
	dirs, leaf, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	parent, err := s.resolveDir(ctx, b, dirs)
	if err != nil {
		return nil, err
	}
	n, err = s.meta.CreateNode(ctx, meta.NewNode{BucketID: b.ID, ParentID: parent, Name: leaf}, s.opts.MaxNodesPerBucket, s.now())
	if err != nil {
		return nil, translate(err, path)
	}
	s.opts.Metrics.recordNodeCreated("dir")
	return n, nil
}

// Rmdir removes an empty directory. Tombstoned children do not count as
// content; they stay in the trash until purged.
func (s *Service) Rmdir(ctx context.Context, identity, bucket, path string) (err error) {
	start := time.Now()
	defer func() { s.observe("Rmdir", identity, bucket, path, start, err) }()

	b, err := s.bucketFor(ctx, identity, bucket, verbWrite, path)
	if err != nil {
		return err
	}
	n, err := s.lookup(ctx, b, path)
	if err != nil {
		return err
	}
	if n.IsFile {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidArgument, path)
	}
	_, err = s.meta.DeleteNode(ctx, b.ID, n.ID)
	return translate(err, path)
}

// resolveOrCreateFile returns the file at path, creating an empty one when
// absent. created reports whether this call created it.
func (s *Service) resolveOrCreateFile(ctx context.Context, b *meta.Bucket, path string) (*meta.Node, bool, error) {
	dirs, leaf, err := ParsePath(path)
	if err != nil {
		return nil, false, err
	}
	parent, err := s.resolveDir(ctx, b, dirs)
	if err != nil {
		return nil, false, err
	}

	n, err := s.meta.LookupChild(ctx, b.ID, parent, leaf)
	switch {
	case err == nil:
		if !n.IsFile {
			return nil, false, fmt.Errorf("%s is a directory: %w", path, ErrAlreadyExists)
		}
		return n, false, nil
	case !errors.Is(err, meta.ErrNotFound):
		return nil, false, err
	}

	n, err = s.meta.CreateNode(ctx, meta.NewNode{BucketID: b.ID, ParentID: parent, Name: leaf, IsFile: true},
		s.opts.MaxNodesPerBucket, s.now())
	if errors.Is(err, meta.ErrDuplicate) {
		// Lost a creation race; use the winner's node.
		n, err = s.meta.LookupChild(ctx, b.ID, parent, leaf)
		if err != nil {
			return nil, false, translate(err, path)
		}
		if !n.IsFile {
			return nil, false, fmt.Errorf("%s is a directory: %w", path, ErrAlreadyExists)
		}
		return n, false, nil
	}
	if err != nil {
		return nil, false, translate(err, path)
	}
	s.opts.Metrics.recordNodeCreated("file")
	return n, true, nil
}

// CreateEmptyObject creates an empty file. It fails with ErrAlreadyExists
// if anything already occupies path.
func (s *Service) CreateEmptyObject(ctx context.Context, identity, bucket, path string) (n *meta.Node, err error) {
	start := time.Now()
	defer func() { s.observe("CreateEmptyObject", identity, bucket, path, start, err) }()

	b, err := s.bucketFor(ctx, identity, bucket, verbWrite, path)
	if err != nil {
		return nil, err
	}
	n, created, err := s.resolveOrCreateFile(ctx, b, path)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("%s: %w", path, ErrAlreadyExists)
	}
	return n, nil
}

// MoveRequest names the destination of MoveRename. At least one field must be set.
type MoveRequest struct {
	// NewParentPath is the destination directory; "" or "/" is the bucket
	// root. Nil keeps the current parent.
	NewParentPath *string
	// NewName is the destination name. Empty keeps the current name.
	NewName string
}

// MoveRename moves and/or renames a node. Descendants of a moved directory
// follow it because paths are derived from parent links.
func (s *Service) MoveRename(ctx context.Context, identity, bucket, path string, req MoveRequest) (n *meta.Node, err error) {
	start := time.Now()
	defer func() { s.observe("MoveRename", identity, bucket, path, start, err) }()

	if req.NewParentPath == nil && req.NewName == "" {
		return nil, fmt.Errorf("%w: a new parent or a new name is required", ErrInvalidArgument)
	}
	b, err := s.bucketFor(ctx, identity, bucket, verbWrite, path)
	if err != nil {
		return nil, err
	}
	n, err = s.lookup(ctx, b, path)
	if err != nil {
		return nil, err
	}

	parentID, name := n.ParentID, n.Name
	if req.NewParentPath != nil {
		segs, err := ParseDirPath(*req.NewParentPath)
		if err != nil {
			return nil, err
		}
		if parentID, err = s.resolveDir(ctx, b, segs); err != nil {
			return nil, err
		}
	}
	if req.NewName != "" {
		if err := validateName(req.NewName); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPath, req.NewName, err)
		}
		name = req.NewName
	}
	if parentID == n.ParentID && name == n.Name {
		redactShares(b, identity, n)
		return n, nil
	}

	moved, err := s.meta.MoveNode(ctx, b.ID, n.ID, parentID, name, s.now())
	if err != nil {
		return nil, translate(err, path)
	}
	redactShares(b, identity, moved)
	return moved, nil
}

// DeleteObject soft-deletes a file. The node leaves listings and lookups but
// keeps its backing content until purged.
func (s *Service) DeleteObject(ctx context.Context, identity, bucket, path string) (err error) {
	start := time.Now()
	defer func() { s.observe("DeleteObject", identity, bucket, path, start, err) }()

	b, err := s.bucketFor(ctx, identity, bucket, verbWrite, path)
	if err != nil {
		return err
	}
	n, err := s.lookup(ctx, b, path)
	if err != nil {
		return err
	}
	if !n.IsFile {
		return fmt.Errorf("%w: %s is a directory, use rmdir", ErrInvalidArgument, path)
	}
	_, err = s.meta.TombstoneNode(ctx, b.ID, n.ID, s.now())
	return translate(err, path)
}

// ListDeleted returns a bucket's tombstoned nodes, oldest deletion first.
func (s *Service) ListDeleted(ctx context.Context, identity, bucket string, limit int) ([]*meta.Node, error) {
	b, err := s.bucketFor(ctx, identity, bucket, verbRead, "")
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.opts.DefaultPageSize
	}
	nodes, err := s.meta.ListTombstoned(ctx, b.ID, time.Time{}, limit)
	if err != nil {
		return nil, err
	}
	redactShares(b, identity, nodes...)
	return nodes, nil
}

// RestoreObject undoes DeleteObject. It fails with ErrAlreadyExists if the
// name has been reused and ErrNotFound if the parent directory is gone.
func (s *Service) RestoreObject(ctx context.Context, identity, bucket string, nodeID int64) (n *meta.Node, err error) {
	start := time.Now()
	defer func() { s.observe("RestoreObject", identity, bucket, "", start, err) }()

	b, err := s.bucketFor(ctx, identity, bucket, verbWrite, "")
	if err != nil {
		return nil, err
	}
	n, err = s.meta.RestoreNode(ctx, b.ID, nodeID)
	if err != nil {
		return nil, translate(err, fmt.Sprintf("node %d", nodeID))
	}
	redactShares(b, identity, n)
	return n, nil
}

// PurgeObject hard-deletes a node, live or tombstoned. For files the backing
// content is deleted first; if that fails the metadata is left in place.
func (s *Service) PurgeObject(ctx context.Context, identity, bucket string, nodeID int64) (err error) {
	start := time.Now()
	defer func() { s.observe("PurgeObject", identity, bucket, "", start, err) }()

	b, err := s.bucketFor(ctx, identity, bucket, verbWrite, "")
	if err != nil {
		return err
	}
	n, err := s.meta.GetNode(ctx, b.ID, nodeID)
	if err != nil {
		return translate(err, fmt.Sprintf("node %d", nodeID))
	}
	return s.purge(ctx, n)
}

func (s *Service) purge(ctx context.Context, n *meta.Node) error {
	if n.IsFile {
		bctx, cancel := s.backingCtx(ctx)
		err := s.backing.Delete(bctx, DeriveKey(n.BucketID, n.ID))
		cancel()
		if err != nil {
			return fmt.Errorf("delete content of node %d: %w: %v", n.ID, ErrStorageWriteFailure, err)
		}
	}
	_, err := s.meta.DeleteNode(ctx, n.BucketID, n.ID)
	return translate(err, fmt.Sprintf("node %d", n.ID))
}

// purgeBatch bounds how many tombstoned nodes one query returns.
const purgeBatch = 100

// PurgeTombstoned hard-deletes every node tombstoned longer than retention
// ago, across all buckets. A zero retention purges the whole trash. It
// returns the number of nodes purged; failures are logged and returned
// together without stopping the pass.
func (s *Service) PurgeTombstoned(ctx context.Context, retention time.Duration) (int, error) {
	var cutoff time.Time
	if retention > 0 {
		cutoff = s.now().Add(-retention)
	}

	purged := 0
	var errs []error
	failed := make(map[int64]bool)
	for {
		nodes, err := s.meta.ListTombstoned(ctx, 0, cutoff, purgeBatch+len(failed))
		if err != nil {
			return purged, err
		}
		progress := false
		for _, n := range nodes {
			if failed[n.ID] {
				continue
			}
			if err := s.purge(ctx, n); err != nil {
				failed[n.ID] = true
				errs = append(errs, err)
				log.Warn().Err(err).Int64("node", n.ID).Int64("bucket", n.BucketID).Msg("failed to purge tombstoned node")
				continue
			}
			purged++
			progress = true
		}
		if !progress || ctx.Err() != nil {
			break
		}
	}

	if purged > 0 {
		log.Info().Int("purged", purged).Dur("retention", retention).Msg("purged tombstoned nodes")
	}
	return purged, errors.Join(errs...)
}
