package backing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog/log"
)

// FSStore stores each object as one file on a billy filesystem.
// Files are sharded two levels deep by a hash of the key so no single
// directory grows unbounded.
type FSStore struct {
	fs   billy.Filesystem
	root string // on-disk root for volume stats; empty for in-memory stores

	// mu serialises structural operations for filesystems that are not safe
	// for concurrent use (memfs). Nil for disk-backed stores.
	mu *sync.Mutex
}

// NewFSStore opens (creating if needed) a disk-backed store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backing dir: %w", err)
	}
	return &FSStore{fs: osfs.New(dir), root: dir}, nil
}

// NewMemStore returns an in-memory store.
func NewMemStore() *FSStore {
	return &FSStore{fs: memfs.New(), mu: &sync.Mutex{}}
}

func (s *FSStore) lock() func() {
	if s.mu == nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// objectPath maps a key to its sharded file path.
func (s *FSStore) objectPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\\x00") || key == "." || key == ".." {
		return "", fmt.Errorf("invalid backing key %q", key)
	}
	sum := sha256.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:2])
	return s.fs.Join("/", h[:2], h[2:4], key), nil
}

// WriteRange writes data at offset.
func (s *FSStore) WriteRange(ctx context.Context, key string, offset int64, data []byte) error {
	if offset < 0 {
		return ErrInvalidRange
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}

	unlock := s.lock()
	defer unlock()

	if err := s.fs.MkdirAll(s.dirOf(p), 0755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}
	f, err := s.fs.OpenFile(p, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return fmt.Errorf("seek %s: %w", key, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	return ctx.Err()
}

// ReadRange reads up to size bytes at offset. A missing key reads as empty.
func (s *FSStore) ReadRange(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	if offset < 0 || size < 0 {
		return nil, ErrInvalidRange
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}

	unlock := s.lock()
	defer unlock()

	fi, err := s.fs.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if offset >= fi.Size() || size == 0 {
		return []byte{}, nil
	}
	if remaining := fi.Size() - offset; size > remaining {
		size = remaining
	}

	f, err := s.fs.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return buf[:n], ctx.Err()
}

// Stat reports the stored size of key.
func (s *FSStore) Stat(ctx context.Context, key string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	p, err := s.objectPath(key)
	if err != nil {
		return Info{}, err
	}

	unlock := s.lock()
	defer unlock()

	fi, err := s.fs.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("stat %s: %w", key, err)
	}
	return Info{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Truncate sets the object length.
func (s *FSStore) Truncate(ctx context.Context, key string, size int64) error {
	if size < 0 {
		return ErrInvalidRange
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}

	unlock := s.lock()
	defer unlock()

	if err := s.fs.MkdirAll(s.dirOf(p), 0755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}
	f, err := s.fs.OpenFile(p, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return fmt.Errorf("truncate %s: %w", key, err)
	}
	return f.Close()
}

// Delete removes the object for key.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}

	unlock := s.lock()
	defer unlock()

	if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ClusterStats walks the shard tree to count objects and stored bytes, and
// adds volume capacity for disk-backed stores.
func (s *FSStore) ClusterStats(ctx context.Context) (ClusterStats, error) {
	var stats ClusterStats

	if s.root != "" {
		vol, err := volumeUsage(s.root)
		if err != nil {
			log.Warn().Err(err).Str("dir", s.root).Msg("failed to read volume stats")
		} else {
			stats.Volume = vol
		}
	}

	unlock := s.lock()
	defer unlock()

	if err := s.walk(ctx, "/", 0, &stats); err != nil {
		return ClusterStats{}, err
	}
	return stats, nil
}

func (s *FSStore) walk(ctx context.Context, dir string, depth int, stats *ClusterStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := s.fs.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		switch {
		case e.IsDir() && depth < 2:
			if err := s.walk(ctx, s.fs.Join(dir, e.Name()), depth+1, stats); err != nil {
				return err
			}
		case !e.IsDir() && depth == 2:
			stats.Objects++
			stats.StoredBytes += e.Size()
		}
	}
	return nil
}

func (s *FSStore) dirOf(p string) string {
	i := strings.LastIndexAny(p, "/\\")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

var _ Store = (*FSStore)(nil)
