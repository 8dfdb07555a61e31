package gateway

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/evharbor/harbor/internal/meta"
	"github.com/rs/zerolog/log"
)

// Bucket list paging.
const (
	DefaultBucketPageSize = 100
	MaxBucketPageSize     = 1000
)

// bucketNamePattern follows DNS label rules: lowercase letters, digits and
// '-', 1-63 characters, not starting or ending with '-'.
var bucketNamePattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateBucketName checks a bucket name.
func ValidateBucketName(name string) error {
	if !bucketNamePattern.MatchString(name) {
		return fmt.Errorf("%w: bucket name %q must be 1-63 lowercase letters, digits or '-'", ErrInvalidArgument, name)
	}
	return nil
}

// CreateBucket creates a private bucket owned by identity.
func (s *Service) CreateBucket(ctx context.Context, identity, name string) (b *meta.Bucket, err error) {
	start := time.Now()
	defer func() { s.observe("CreateBucket", identity, name, "", start, err) }()

	if identity == "" {
		return nil, fmt.Errorf("%w: empty identity", ErrPermissionDenied)
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	b, err = s.meta.CreateBucket(ctx, name, identity, meta.AccessPrivate, s.now())
	if errors.Is(err, meta.ErrDuplicate) {
		return nil, fmt.Errorf("%s: %w", name, ErrBucketExists)
	}
	if err != nil {
		return nil, err
	}
	s.opts.Audit.LogBucketAdmin(identity, "create_bucket", name, "")
	log.Info().Str("bucket", name).Str("owner", identity).Int64("id", b.ID).Msg("bucket created")
	return b, nil
}

// GetBucket returns a bucket the caller may read.
func (s *Service) GetBucket(ctx context.Context, identity, name string) (*meta.Bucket, error) {
	return s.bucketFor(ctx, identity, name, verbRead, "")
}

// BucketPage is one page of a bucket listing.
type BucketPage struct {
	Buckets     []*meta.Bucket `json:"buckets"`
	Total       int64          `json:"total"`
	CurrentPage int64          `json:"current_page"`
	FinalPage   int64          `json:"final_page"`
}

// ListBuckets lists the caller's live buckets, newest first.
func (s *Service) ListBuckets(ctx context.Context, identity string, offset, limit int) (*BucketPage, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = DefaultBucketPageSize
	}
	if limit > MaxBucketPageSize {
		limit = MaxBucketPageSize
	}
	buckets, total, err := s.meta.ListBuckets(ctx, identity, offset, limit)
	if err != nil {
		return nil, err
	}
	current, final := pageNumbers(int64(offset), int64(limit), total)
	return &BucketPage{Buckets: buckets, Total: total, CurrentPage: current, FinalPage: final}, nil
}

// DeleteBucket tombstones a bucket. Its nodes and backing content are kept
// for archival; the name becomes available again.
func (s *Service) DeleteBucket(ctx context.Context, identity, name string) (err error) {
	start := time.Now()
	defer func() { s.observe("DeleteBucket", identity, name, "", start, err) }()

	b, err := s.bucketFor(ctx, identity, name, verbAdmin, "")
	if err != nil {
		return err
	}
	if err := s.meta.TombstoneBucket(ctx, b.ID, s.now()); err != nil {
		return translate(err, name)
	}
	s.opts.Audit.LogBucketAdmin(identity, "delete_bucket", name, fmt.Sprintf("archived id=%d", b.ID))
	return nil
}

// SetBucketAccess changes a bucket's access permission.
func (s *Service) SetBucketAccess(ctx context.Context, identity, name string, access meta.Access) (err error) {
	start := time.Now()
	defer func() { s.observe("SetBucketAccess", identity, name, "", start, err) }()

	if !access.Valid() {
		return fmt.Errorf("%w: access %d", ErrInvalidArgument, int(access))
	}
	b, err := s.bucketFor(ctx, identity, name, verbAdmin, "")
	if err != nil {
		return err
	}
	if err := s.meta.SetBucketAccess(ctx, b.ID, access, s.now()); err != nil {
		return translate(err, name)
	}
	s.opts.Audit.LogBucketAdmin(identity, "set_access", name, access.String())
	return nil
}

// SetBucketRemarks changes a bucket's remarks.
func (s *Service) SetBucketRemarks(ctx context.Context, identity, name, remarks string) error {
	b, err := s.bucketFor(ctx, identity, name, verbAdmin, "")
	if err != nil {
		return err
	}
	return translate(s.meta.SetBucketRemarks(ctx, b.ID, remarks, s.now()), name)
}
