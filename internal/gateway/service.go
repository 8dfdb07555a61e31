// Package gateway is the namespace and chunked I/O engine of harbor.
//
// Service is a stateless facade over the metadata store and the backing
// byte store: every call names the caller's identity and a bucket, the
// Service checks ownership or the bucket's access permission, resolves the
// path through the metadata store and issues byte operations against the
// backing store. It is safe for concurrent use.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evharbor/harbor/internal/backing"
	"github.com/evharbor/harbor/internal/config"
	"github.com/evharbor/harbor/internal/logging/audit"
	"github.com/evharbor/harbor/internal/meta"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures a Service. Zero values take the defaults of DefaultOptions.
type Options struct {
	MaxNodesPerBucket     int64
	MaxBucketBytes        int64 // 0 = unlimited
	MaxObjectSize         int64
	MaxReadSize           int64
	ReadChunkSize         int64
	SmallListingThreshold int
	LargeOffsetThreshold  int
	DefaultPageSize       int
	MaxPageSize           int

	BackingTimeout time.Duration
	ClusterName    string
	PoolName       string

	LeaseTTL            time.Duration
	LeaseAcquireTimeout time.Duration
	LeasePollInterval   time.Duration

	ShareSecret []byte
	TokenTTL    time.Duration

	// Now returns the current time. Tests substitute a fake clock.
	Now func() time.Time

	Metrics *Metrics
	Audit   *audit.Logger
}

// DefaultOptions returns options matching config defaults.
func DefaultOptions() Options {
	return Options{
		MaxNodesPerBucket:     config.DefaultMaxNodesPerBucket,
		MaxObjectSize:         config.DefaultMaxObjectSize,
		MaxReadSize:           config.DefaultMaxReadSize,
		ReadChunkSize:         config.DefaultReadChunkSize,
		SmallListingThreshold: config.DefaultSmallListingThreshold,
		LargeOffsetThreshold:  config.DefaultLargeOffsetThreshold,
		DefaultPageSize:       config.DefaultPageSize,
		MaxPageSize:           config.DefaultMaxPageSize,
		BackingTimeout:        30 * time.Second,
		ClusterName:           config.DefaultClusterName,
		PoolName:              config.DefaultPoolName,
		LeaseTTL:              90 * time.Second,
		LeaseAcquireTimeout:   10 * time.Second,
		LeasePollInterval:     20 * time.Millisecond,
		TokenTTL:              168 * time.Hour,
	}
}

// OptionsFromConfig builds Options from a validated configuration.
func OptionsFromConfig(cfg *config.Config, secret []byte) Options {
	def := DefaultOptions()
	return Options{
		MaxNodesPerBucket:     cfg.Limits.MaxNodesPerBucket,
		MaxBucketBytes:        cfg.Limits.MaxBucketBytes.Bytes(),
		MaxObjectSize:         cfg.Limits.MaxObjectSize.Bytes(),
		MaxReadSize:           cfg.Limits.MaxReadSize.Bytes(),
		ReadChunkSize:         cfg.Limits.ReadChunkSize.Bytes(),
		SmallListingThreshold: cfg.Limits.SmallListingThreshold,
		LargeOffsetThreshold:  cfg.Limits.LargeOffsetThreshold,
		DefaultPageSize:       cfg.Limits.DefaultPageSize,
		MaxPageSize:           cfg.Limits.MaxPageSize,
		BackingTimeout:        config.Duration(cfg.Backing.Timeout, def.BackingTimeout),
		ClusterName:           cfg.Backing.ClusterName,
		PoolName:              cfg.Backing.PoolName,
		LeaseTTL:              config.Duration(cfg.Lease.TTL, def.LeaseTTL),
		LeaseAcquireTimeout:   config.Duration(cfg.Lease.AcquireTimeout, def.LeaseAcquireTimeout),
		LeasePollInterval:     config.Duration(cfg.Lease.PollInterval, def.LeasePollInterval),
		ShareSecret:           secret,
		TokenTTL:              config.Duration(cfg.Share.TokenTTL, def.TokenTTL),
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.MaxNodesPerBucket == 0 {
		o.MaxNodesPerBucket = def.MaxNodesPerBucket
	}
	if o.MaxObjectSize <= 0 {
		o.MaxObjectSize = def.MaxObjectSize
	}
	if o.MaxReadSize <= 0 {
		o.MaxReadSize = def.MaxReadSize
	}
	if o.ReadChunkSize <= 0 {
		o.ReadChunkSize = def.ReadChunkSize
	}
	if o.SmallListingThreshold <= 0 {
		o.SmallListingThreshold = def.SmallListingThreshold
	}
	if o.LargeOffsetThreshold <= 0 {
		o.LargeOffsetThreshold = def.LargeOffsetThreshold
	}
	if o.DefaultPageSize <= 0 {
		o.DefaultPageSize = def.DefaultPageSize
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = def.MaxPageSize
	}
	if o.BackingTimeout <= 0 {
		o.BackingTimeout = def.BackingTimeout
	}
	if o.ClusterName == "" {
		o.ClusterName = def.ClusterName
	}
	if o.PoolName == "" {
		o.PoolName = def.PoolName
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = def.LeaseTTL
	}
	if o.LeaseAcquireTimeout <= 0 {
		o.LeaseAcquireTimeout = def.LeaseAcquireTimeout
	}
	if o.LeasePollInterval <= 0 {
		o.LeasePollInterval = def.LeasePollInterval
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = def.TokenTTL
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.Audit == nil {
		o.Audit = audit.NewLogger(zerolog.Nop())
	}
}

// Service implements bucket, namespace, object I/O, sharing and stats operations.
type Service struct {
	meta    *meta.Store
	backing backing.Store
	opts    Options

	shareKey []byte // derived from opts.ShareSecret; nil disables tokens
}

// New creates a Service over the given stores.
func New(metaStore *meta.Store, store backing.Store, opts Options) (*Service, error) {
	if metaStore == nil || store == nil {
		return nil, fmt.Errorf("metadata and backing stores are required")
	}
	opts.applyDefaults()

	s := &Service{meta: metaStore, backing: store, opts: opts}
	if len(opts.ShareSecret) > 0 {
		key, err := deriveShareKey(opts.ShareSecret)
		if err != nil {
			return nil, err
		}
		s.shareKey = key
	}
	return s, nil
}

func (s *Service) now() time.Time {
	return s.opts.Now()
}

// verb is the kind of access an operation needs.
type verb string

const (
	verbRead  verb = "read"
	verbWrite verb = "write"
	verbAdmin verb = "admin"
)

// authorize checks identity against the bucket's owner and access permission.
func (s *Service) authorize(b *meta.Bucket, identity string, v verb, path string) error {
	allowed := b.Owner == identity
	if !allowed {
		switch v {
		case verbRead:
			allowed = b.Access == meta.AccessPublicRead || b.Access == meta.AccessPublicReadWrite
		case verbWrite:
			allowed = b.Access == meta.AccessPublicReadWrite
		}
	}
	if !allowed {
		s.opts.Audit.LogAuthz(identity, string(v), b.Name, path, audit.ResultDenied, "not bucket owner")
		return fmt.Errorf("%s %s on bucket %s: %w", identity, v, b.Name, ErrPermissionDenied)
	}
	return nil
}

// bucketFor loads a live bucket and authorizes the caller.
func (s *Service) bucketFor(ctx context.Context, identity, bucket string, v verb, path string) (*meta.Bucket, error) {
	b, err := s.meta.GetBucket(ctx, bucket)
	if errors.Is(err, meta.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", bucket, ErrBucketNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.authorize(b, identity, v, path); err != nil {
		return nil, err
	}
	return b, nil
}

// redactShares blanks share passwords on nodes returned to anyone but the
// bucket owner.
func redactShares(b *meta.Bucket, identity string, nodes ...*meta.Node) {
	if b.Owner == identity {
		return
	}
	for _, n := range nodes {
		if n != nil {
			n.Share.Password = ""
		}
	}
}

// observe records metrics and an audit event for a completed operation.
func (s *Service) observe(op, identity, bucket, path string, start time.Time, err error) {
	s.opts.Metrics.recordRequest(op, Kind(err), time.Since(start))

	switch {
	case err == nil:
		s.opts.Audit.LogObjectOp(identity, op, bucket, path, audit.ResultAllowed, "")
	case errors.Is(err, ErrPermissionDenied):
		s.opts.Audit.LogObjectOp(identity, op, bucket, path, audit.ResultDenied, err.Error())
	case errors.Is(err, ErrStorageWriteFailure), errors.Is(err, ErrStorageReadFailure), Kind(err) == "internal":
		s.opts.Audit.LogObjectOp(identity, op, bucket, path, audit.ResultFailed, err.Error())
		log.Error().Err(err).Str("op", op).Str("bucket", bucket).Str("path", path).Msg("gateway operation failed")
	default:
		log.Debug().Err(err).Str("op", op).Str("bucket", bucket).Str("path", path).Msg("gateway operation rejected")
	}
}

// backingCtx bounds a single backing-store call.
func (s *Service) backingCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.BackingTimeout)
}

// DeriveKey returns the backing-store key of a node: "<bucketID>_<nodeID>".
func DeriveKey(bucketID, nodeID int64) string {
	return fmt.Sprintf("%d_%d", bucketID, nodeID)
}
