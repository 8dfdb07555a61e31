package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/evharbor/harbor/internal/backing"
	"github.com/evharbor/harbor/internal/meta"
)

// userStatsParallelism bounds concurrent per-bucket queries in UserStats.
const userStatsParallelism = 4

// Usage counts live files and the bytes they declare.
type Usage struct {
	Count int64 `json:"count"`
	Space int64 `json:"space"`
}

// UserUsage is the usage of every live bucket an identity owns.
type UserUsage struct {
	Usage
	PerBucket map[string]Usage `json:"per_bucket"`
}

// BucketStats counts the live files of a bucket and their total size.
func (s *Service) BucketStats(ctx context.Context, identity, bucket string) (Usage, error) {
	b, err := s.bucketFor(ctx, identity, bucket, verbRead, "")
	if err != nil {
		return Usage{}, err
	}
	count, space, err := s.meta.FileStats(ctx, b.ID)
	if err != nil {
		return Usage{}, translate(err, bucket)
	}
	return Usage{Count: count, Space: space}, nil
}

// UserStats sums BucketStats over every live bucket owned by identity.
func (s *Service) UserStats(ctx context.Context, identity string) (*UserUsage, error) {
	buckets, _, err := s.meta.ListBuckets(ctx, identity, 0, -1)
	if err != nil {
		return nil, err
	}

	u := &UserUsage{PerBucket: make(map[string]Usage, len(buckets))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(userStatsParallelism)
	for _, b := range buckets {
		g.Go(func() error {
			count, space, err := s.meta.FileStats(gctx, b.ID)
			if err != nil {
				return fmt.Errorf("stats for bucket %s: %w", b.Name, err)
			}
			mu.Lock()
			u.PerBucket[b.Name] = Usage{Count: count, Space: space}
			u.Count += count
			u.Space += space
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return u, nil
}

// ClusterStats reports capacity and usage of the backing store.
func (s *Service) ClusterStats(ctx context.Context) (backing.ClusterStats, error) {
	bctx, cancel := s.backingCtx(ctx)
	defer cancel()
	st, err := s.backing.ClusterStats(bctx)
	if err != nil {
		return backing.ClusterStats{}, fmt.Errorf("cluster stats: %w: %v", ErrStorageReadFailure, err)
	}
	return st, nil
}

// KeyInfo locates a file's content in the backing store.
type KeyInfo struct {
	Key      string `json:"key"`
	Locator  string `json:"locator"`
	Size     int64  `json:"size"`
	Filename string `json:"filename"`
}

// DerivedKeyInfo returns the backing key of the file at path and its
// "harbor:{cluster}/{pool}/{key}" locator.
func (s *Service) DerivedKeyInfo(ctx context.Context, identity, bucket, path string) (*KeyInfo, error) {
	b, err := s.bucketFor(ctx, identity, bucket, verbRead, path)
	if err != nil {
		return nil, err
	}
	n, err := s.lookupFile(ctx, b, path)
	if err != nil {
		return nil, err
	}
	key := DeriveKey(b.ID, n.ID)
	return &KeyInfo{
		Key:      key,
		Locator:  fmt.Sprintf("harbor:%s/%s/%s", s.opts.ClusterName, s.opts.PoolName, key),
		Size:     n.Size,
		Filename: n.Name,
	}, nil
}

// RefreshMetadata re-reads a file's size and modification time from the
// backing store and stores them when they differ. It reports whether the
// node changed.
func (s *Service) RefreshMetadata(ctx context.Context, identity, bucket, path string) (n *meta.Node, changed bool, err error) {
	start := time.Now()
	defer func() { s.observe("RefreshMetadata", identity, bucket, path, start, err) }()

	b, err := s.bucketFor(ctx, identity, bucket, verbWrite, path)
	if err != nil {
		return nil, false, err
	}
	n, err = s.lookupFile(ctx, b, path)
	if err != nil {
		return nil, false, err
	}

	info, exists, err := s.statBacking(ctx, n)
	if err != nil {
		return nil, false, err
	}
	modTime := info.ModTime
	if !exists {
		modTime = s.now()
	}
	redactShares(b, identity, n)
	if info.Size == n.Size && (!exists || n.ModifiedAt != nil && n.ModifiedAt.Equal(modTime)) {
		return n, false, nil
	}

	updated, err := s.meta.SetSize(ctx, b.ID, n.ID, info.Size, modTime)
	if err != nil {
		return nil, false, translate(err, path)
	}
	log.Info().Str("bucket", bucket).Str("path", path).
		Int64("old_size", n.Size).Int64("size", updated.Size).
		Msg("refreshed object metadata from backing store")
	redactShares(b, identity, updated)
	return updated, true, nil
}

// SetLocations records the backup and archive locations of a file.
func (s *Service) SetLocations(ctx context.Context, identity, bucket, path string, backup, archive []string) (*meta.Node, error) {
	b, err := s.bucketFor(ctx, identity, bucket, verbAdmin, path)
	if err != nil {
		return nil, err
	}
	n, err := s.lookupFile(ctx, b, path)
	if err != nil {
		return nil, err
	}
	updated, err := s.meta.SetLocations(ctx, b.ID, n.ID, backup, archive)
	return updated, translate(err, path)
}
