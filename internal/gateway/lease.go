package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrWriteConflict is returned when another writer holds an object's lease
// for longer than the caller is willing to wait.
var ErrWriteConflict = fmt.Errorf("object busy: %w", ErrStorageWriteFailure)

// writeLease is a held single-writer lease on one node.
type writeLease struct {
	s        *Service
	bucketID int64
	nodeID   int64
	holder   string
}

// acquireLease waits for the write lease on (bucketID, nodeID). When ctx has
// no deadline, LeaseAcquireTimeout bounds the wait.
func (s *Service) acquireLease(ctx context.Context, bucketID, nodeID int64) (*writeLease, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.LeaseAcquireTimeout)
		defer cancel()
	}

	l := &writeLease{s: s, bucketID: bucketID, nodeID: nodeID, holder: uuid.NewString()}

	ticker := time.NewTicker(s.opts.LeasePollInterval)
	defer ticker.Stop()
	for {
		ok, err := s.meta.AcquireLease(ctx, bucketID, nodeID, l.holder, s.opts.LeaseTTL, s.now())
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("acquire write lease: %w", err)
		}
		if ok {
			return l, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("node %d: %w: %v", nodeID, ErrWriteConflict, ctx.Err())
		case <-ticker.C:
		}
	}
}

// renew extends the lease ahead of a backing call. It fails with
// ErrWriteConflict once another writer has taken over an expired lease.
func (l *writeLease) renew(ctx context.Context) error {
	ok, err := l.s.meta.AcquireLease(ctx, l.bucketID, l.nodeID, l.holder, l.s.opts.LeaseTTL, l.s.now())
	if err != nil {
		return fmt.Errorf("renew write lease: %w", err)
	}
	if !ok {
		return fmt.Errorf("node %d: write lease lost: %w", l.nodeID, ErrWriteConflict)
	}
	return nil
}

// release drops the lease. It runs even when the caller's context is
// already canceled.
func (l *writeLease) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.s.meta.ReleaseLease(ctx, l.bucketID, l.nodeID, l.holder); err != nil {
		log.Warn().Err(err).Int64("node", l.nodeID).Msg("failed to release write lease")
	}
}
