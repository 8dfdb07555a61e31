package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/evharbor/harbor/internal/backing"
	"github.com/evharbor/harbor/internal/meta"
)

// WriteChunk writes data at offset into the file at path, creating the file
// if needed, and reports whether it was created.
//
// The file's size becomes max(size, offset+len(data)); it never shrinks
// here. With reset set on a pre-existing file the content is first
// truncated to zero, so reset belongs on the first chunk of an upload only.
// Metadata is committed after the backing write succeeds; a failed write
// leaves a newly created file in place with size 0.
func (s *Service) WriteChunk(ctx context.Context, identity, bucket, path string, offset int64, data []byte, reset bool) (created bool, err error) {
	start := time.Now()
	defer func() { s.observe("WriteChunk", identity, bucket, path, start, err) }()

	end, err := s.objectEnd(offset, len(data))
	if err != nil {
		return false, err
	}
	b, err := s.bucketFor(ctx, identity, bucket, verbWrite, path)
	if err != nil {
		return false, err
	}
	n, created, err := s.resolveOrCreateFile(ctx, b, path)
	if err != nil {
		return false, err
	}

	lease, err := s.acquireLease(ctx, b.ID, n.ID)
	if err != nil {
		return created, err
	}
	defer lease.release(ctx)

	// Reload under the lease: the previous holder may have grown the file.
	n, err = s.meta.GetNode(ctx, b.ID, n.ID)
	if err != nil {
		return created, translate(err, path)
	}
	if n.Tombstoned {
		return created, fmt.Errorf("%s: %w", path, ErrNotFound)
	}

	if err := s.checkBytesQuota(ctx, b.ID, n, end, reset && !created); err != nil {
		return created, err
	}

	key := DeriveKey(b.ID, n.ID)
	if reset && !created {
		if err := lease.renew(ctx); err != nil {
			return created, err
		}
		if err := s.backingTruncate(ctx, key, 0); err != nil {
			return created, err
		}
		if _, err := s.meta.ResetSize(ctx, b.ID, n.ID, s.now()); err != nil {
			return created, translate(err, path)
		}
	}

	if err := lease.renew(ctx); err != nil {
		return created, err
	}
	bctx, cancel := s.backingCtx(ctx)
	err = s.backing.WriteRange(bctx, key, offset, data)
	cancel()
	if err != nil {
		return created, fmt.Errorf("write %s at %d: %w: %v", path, offset, ErrStorageWriteFailure, err)
	}

	if _, err := s.meta.GrowSize(ctx, b.ID, n.ID, end, s.now()); err != nil {
		return created, translate(err, path)
	}
	s.opts.Metrics.recordUpload(int64(len(data)))
	return created, nil
}

// Truncate sets a file's size explicitly, shrinking or zero-extending it.
func (s *Service) Truncate(ctx context.Context, identity, bucket, path string, size int64) (err error) {
	start := time.Now()
	defer func() { s.observe("Truncate", identity, bucket, path, start, err) }()

	if _, err := s.objectEnd(size, 0); err != nil {
		return err
	}
	b, err := s.bucketFor(ctx, identity, bucket, verbWrite, path)
	if err != nil {
		return err
	}
	n, err := s.lookupFile(ctx, b, path)
	if err != nil {
		return err
	}

	lease, err := s.acquireLease(ctx, b.ID, n.ID)
	if err != nil {
		return err
	}
	defer lease.release(ctx)

	n, err = s.meta.GetNode(ctx, b.ID, n.ID)
	if err != nil {
		return translate(err, path)
	}
	// The file ends at exactly size, as if rewritten from zero.
	if err := s.checkBytesQuota(ctx, b.ID, n, size, true); err != nil {
		return err
	}

	if err := lease.renew(ctx); err != nil {
		return err
	}
	if err := s.backingTruncate(ctx, DeriveKey(b.ID, n.ID), size); err != nil {
		return err
	}
	_, err = s.meta.SetSize(ctx, b.ID, n.ID, size, s.now())
	return translate(err, path)
}

// objectEnd returns offset+length, rejecting negative offsets and ends past
// MaxObjectSize without overflowing.
func (s *Service) objectEnd(offset int64, length int) (int64, error) {
	if offset < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrInvalidArgument, offset)
	}
	if offset > s.opts.MaxObjectSize-int64(length) {
		return 0, fmt.Errorf("%w: object would end past %d+%d, max object size is %d",
			ErrInvalidArgument, offset, length, s.opts.MaxObjectSize)
	}
	return offset + int64(length), nil
}

func (s *Service) backingTruncate(ctx context.Context, key string, size int64) error {
	bctx, cancel := s.backingCtx(ctx)
	defer cancel()
	if err := s.backing.Truncate(bctx, key, size); err != nil {
		return fmt.Errorf("truncate %s: %w: %v", key, ErrStorageWriteFailure, err)
	}
	return nil
}

// ReadFull opens a lazy stream over the whole file. The stream fetches
// ReadChunkSize ranges on demand up to the file's declared size. Opening
// the stream counts as a download.
func (s *Service) ReadFull(ctx context.Context, identity, bucket, path string) (rc io.ReadCloser, n *meta.Node, err error) {
	start := time.Now()
	defer func() { s.observe("ReadFull", identity, bucket, path, start, err) }()

	b, err := s.bucketFor(ctx, identity, bucket, verbRead, path)
	if err != nil {
		return nil, nil, err
	}
	n, err = s.lookupFile(ctx, b, path)
	if err != nil {
		return nil, nil, err
	}
	redactShares(b, identity, n)
	return s.openObject(ctx, n)
}

func (s *Service) openObject(ctx context.Context, n *meta.Node) (io.ReadCloser, *meta.Node, error) {
	if err := s.meta.IncrementDownloads(ctx, n.BucketID, n.ID); err != nil {
		return nil, nil, err
	}
	n.DownloadCount++
	return &objectReader{
		ctx:   ctx,
		s:     s,
		key:   DeriveKey(n.BucketID, n.ID),
		size:  n.Size,
		chunk: s.opts.ReadChunkSize,
	}, n, nil
}

// ReadRange reads up to size bytes at offset and returns them together with
// the file's declared size. The result is short past the end of the file.
func (s *Service) ReadRange(ctx context.Context, identity, bucket, path string, offset, size int64) (data []byte, total int64, err error) {
	start := time.Now()
	defer func() { s.observe("ReadRange", identity, bucket, path, start, err) }()

	if offset < 0 {
		return nil, 0, fmt.Errorf("%w: negative offset %d", ErrInvalidArgument, offset)
	}
	if size < 0 || size > s.opts.MaxReadSize {
		return nil, 0, fmt.Errorf("%w: size %d outside [0, %d]", ErrInvalidArgument, size, s.opts.MaxReadSize)
	}
	b, err := s.bucketFor(ctx, identity, bucket, verbRead, path)
	if err != nil {
		return nil, 0, err
	}
	n, err := s.lookupFile(ctx, b, path)
	if err != nil {
		return nil, 0, err
	}

	if offset >= n.Size || size == 0 {
		return []byte{}, n.Size, nil
	}
	if remaining := n.Size - offset; size > remaining {
		size = remaining
	}
	data, err = s.readBacking(ctx, DeriveKey(b.ID, n.ID), offset, size)
	if err != nil {
		return nil, 0, err
	}
	s.opts.Metrics.recordDownload(int64(len(data)))
	return data, n.Size, nil
}

func (s *Service) readBacking(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	bctx, cancel := s.backingCtx(ctx)
	defer cancel()
	data, err := s.backing.ReadRange(bctx, key, offset, size)
	if err != nil {
		return nil, fmt.Errorf("read %s at %d: %w: %v", key, offset, ErrStorageReadFailure, err)
	}
	return data, nil
}

// objectReader streams a backing object in fixed-size ranges.
type objectReader struct {
	// io.Reader has no context parameter; ctx is checked on every fetch.
	ctx   context.Context
	s     *Service
	key   string
	size  int64 // declared size; reading stops here
	chunk int64

	off    int64 // next backing offset to fetch
	buf    []byte
	closed bool
}

// Read implements io.Reader, fetching ranges on demand.
func (r *objectReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, fmt.Errorf("read on closed object stream")
	}
	n := 0
	for n < len(p) {
		if len(r.buf) == 0 {
			if r.off >= r.size {
				if n > 0 {
					return n, nil
				}
				return 0, io.EOF
			}
			if err := r.ctx.Err(); err != nil {
				return n, fmt.Errorf("read cancelled: %w", err)
			}
			want := r.chunk
			if rem := r.size - r.off; want > rem {
				want = rem
			}
			data, err := r.s.readBacking(r.ctx, r.key, r.off, want)
			if err != nil {
				return n, err
			}
			if len(data) == 0 {
				return n, fmt.Errorf("%s shorter than declared size %d: %w: %v",
					r.key, r.size, ErrStorageReadFailure, io.ErrUnexpectedEOF)
			}
			r.s.opts.Metrics.recordDownload(int64(len(data)))
			r.off += int64(len(data))
			r.buf = data
		}
		c := copy(p[n:], r.buf)
		r.buf = r.buf[c:]
		n += c
	}
	return n, nil
}

// Close implements io.Closer.
func (r *objectReader) Close() error {
	r.closed = true
	r.buf = nil
	return nil
}

// checkBytesQuota rejects a write that would push the bucket past
// MaxBucketBytes. resetting means the file restarts from zero.
func (s *Service) checkBytesQuota(ctx context.Context, bucketID int64, n *meta.Node, end int64, resetting bool) error {
	if s.opts.MaxBucketBytes <= 0 {
		return nil
	}
	b, err := s.meta.GetBucketByID(ctx, bucketID)
	if err != nil {
		return err
	}
	base := n.Size
	if resetting {
		base = 0
	}
	newSize := base
	if end > newSize {
		newSize = end
	}
	if projected := b.TotalSize - n.Size + newSize; projected > s.opts.MaxBucketBytes {
		return fmt.Errorf("%w: bucket %s would hold %d bytes, limit %d",
			ErrQuotaExceeded, b.Name, projected, s.opts.MaxBucketBytes)
	}
	return nil
}

var _ io.ReadCloser = (*objectReader)(nil)

// statBacking returns the backing info for a node, with a missing key
// reported as empty content.
func (s *Service) statBacking(ctx context.Context, n *meta.Node) (backing.Info, bool, error) {
	bctx, cancel := s.backingCtx(ctx)
	defer cancel()
	info, err := s.backing.Stat(bctx, DeriveKey(n.BucketID, n.ID))
	if errors.Is(err, backing.ErrNotFound) {
		return backing.Info{}, false, nil
	}
	if err != nil {
		return backing.Info{}, false, fmt.Errorf("stat node %d: %w: %v", n.ID, ErrStorageReadFailure, err)
	}
	return info, true, nil
}
