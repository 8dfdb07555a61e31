package gateway

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/evharbor/harbor/internal/logging/audit"
	"github.com/evharbor/harbor/internal/meta"
)

// PasswordPolicy selects how a share password is chosen.
type PasswordPolicy int

// Password policies.
const (
	PasswordNone     PasswordPolicy = iota // no password
	PasswordRandom                         // generate a short random code
	PasswordExplicit                       // use ShareRequest.Password
)

// Share password length bounds for explicit passwords.
const (
	MinSharePasswordLen = 4
	MaxSharePasswordLen = 8
)

// ShareRequest configures sharing of a file or directory.
type ShareRequest struct {
	Mode meta.ShareMode
	// Days: 0 shares permanently, a negative value disables sharing
	// regardless of Mode, a positive value shares for that many days.
	Days           int
	PasswordPolicy PasswordPolicy
	Password       string // used with PasswordExplicit
}

// randomShareCode returns 4 hex characters.
func randomShareCode() (string, error) {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate share code: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// buildShare turns a request into the share state to persist.
func buildShare(req ShareRequest, now time.Time) (meta.Share, error) {
	if !req.Mode.Valid() {
		return meta.Share{}, fmt.Errorf("%w: share mode %d", ErrInvalidArgument, int(req.Mode))
	}
	if req.Mode == meta.ShareOff || req.Days < 0 {
		return meta.Share{Mode: meta.ShareOff}, nil
	}

	sh := meta.Share{Mode: req.Mode}
	switch req.PasswordPolicy {
	case PasswordNone:
	case PasswordRandom:
		code, err := randomShareCode()
		if err != nil {
			return meta.Share{}, err
		}
		sh.Password = code
	case PasswordExplicit:
		if l := utf8.RuneCountInString(req.Password); l < MinSharePasswordLen || l > MaxSharePasswordLen {
			return meta.Share{}, fmt.Errorf("%w: share password must be %d-%d characters",
				ErrInvalidArgument, MinSharePasswordLen, MaxSharePasswordLen)
		}
		sh.Password = req.Password
	default:
		return meta.Share{}, fmt.Errorf("%w: password policy %d", ErrInvalidArgument, int(req.PasswordPolicy))
	}

	if req.Days > 0 {
		sh.TimeLimit = true
		sh.Start = now
		sh.End = now.Add(time.Duration(req.Days) * 24 * time.Hour)
	}
	return sh, nil
}

// ShareObject sets the share state of a file.
func (s *Service) ShareObject(ctx context.Context, identity, bucket, path string, req ShareRequest) (*meta.Node, error) {
	return s.share(ctx, "ShareObject", identity, bucket, path, req, true)
}

// ShareDir sets the share state of a directory. A shared directory exposes
// its whole subtree through ResolveShared.
func (s *Service) ShareDir(ctx context.Context, identity, bucket, path string, req ShareRequest) (*meta.Node, error) {
	return s.share(ctx, "ShareDir", identity, bucket, path, req, false)
}

func (s *Service) share(ctx context.Context, op, identity, bucket, path string, req ShareRequest, file bool) (n *meta.Node, err error) {
	start := time.Now()
	defer func() { s.observe(op, identity, bucket, path, start, err) }()

	b, err := s.bucketFor(ctx, identity, bucket, verbAdmin, path)
	if err != nil {
		return nil, err
	}
	n, err = s.lookup(ctx, b, path)
	if err != nil {
		return nil, err
	}
	if n.IsFile != file {
		kind := "a directory"
		if n.IsFile {
			kind = "a file"
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidArgument, path, kind)
	}

	sh, err := buildShare(req, s.now())
	if err != nil {
		return nil, err
	}
	n, err = s.meta.SetShare(ctx, b.ID, n.ID, sh)
	if err != nil {
		return nil, translate(err, path)
	}

	action := "share"
	if sh.Mode == meta.ShareOff {
		action = "unshare"
	}
	s.opts.Audit.LogShare(identity, action, bucket, path, audit.ResultAllowed)
	return n, nil
}

// ResolveShared checks anonymous access to path through a share link. The
// node itself or its nearest effectively shared ancestor directory must be
// shared at the current time, and password must match that share's
// password when one is set.
func (s *Service) ResolveShared(ctx context.Context, bucket, path, password string) (*meta.Node, error) {
	n, err := s.resolveShared(ctx, bucket, path, password)
	result := audit.ResultAllowed
	if err != nil {
		result = audit.ResultDenied
	}
	s.opts.Audit.LogShare("", "resolve", bucket, path, result)
	return n, err
}

func (s *Service) resolveShared(ctx context.Context, bucket, path, password string) (*meta.Node, error) {
	b, err := s.meta.GetBucket(ctx, bucket)
	if err != nil {
		return nil, translate(err, bucket)
	}
	n, via, err := s.sharedNode(ctx, b, path)
	if err != nil {
		return nil, err
	}
	if via.Share.Password != "" &&
		subtle.ConstantTimeCompare([]byte(via.Share.Password), []byte(password)) != 1 {
		return nil, fmt.Errorf("%s: wrong share password: %w", path, ErrPermissionDenied)
	}
	redactShares(b, "", n)
	return n, nil
}

// sharedNode resolves path and the node whose share grants access to it:
// the node itself or its nearest effectively shared ancestor.
func (s *Service) sharedNode(ctx context.Context, b *meta.Bucket, path string) (n, via *meta.Node, err error) {
	n, err = s.lookup(ctx, b, path)
	if err != nil {
		return nil, nil, err
	}
	chain, err := s.meta.Ancestors(ctx, b.ID, n.ID)
	if err != nil {
		return nil, nil, translate(err, path)
	}
	now := s.now()
	for _, a := range chain {
		if a.IsEffectivelyShared(now) {
			return n, a, nil
		}
	}
	return nil, nil, fmt.Errorf("%s is not shared: %w", path, ErrPermissionDenied)
}

// ReadShared opens a shared file for anonymous download.
func (s *Service) ReadShared(ctx context.Context, bucket, path, password string) (io.ReadCloser, *meta.Node, error) {
	n, err := s.ResolveShared(ctx, bucket, path, password)
	if err != nil {
		return nil, nil, err
	}
	if !n.IsFile {
		return nil, nil, fmt.Errorf("%s is a directory: %w", path, ErrNotFound)
	}
	return s.openObject(ctx, n)
}
