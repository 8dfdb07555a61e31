package gateway

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/evharbor/harbor/internal/meta"
)

const shareTokenIssuer = "harbor"

// ErrTokensDisabled is returned when no share secret is configured.
var ErrTokensDisabled = errors.New("share tokens disabled: no share secret configured")

// deriveShareKey derives the HS256 signing key from the configured secret.
func deriveShareKey(secret []byte) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte("harbor share token v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive share key: %w", err)
	}
	return key, nil
}

// ShareClaims is the content of a verified share token.
type ShareClaims struct {
	Bucket    string    `json:"bucket"`
	Path      string    `json:"path"`
	NodeID    int64     `json:"node_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueShareToken signs a token granting anonymous access to a shared node
// without its password. The node may be shared itself or through a shared
// ancestor directory. The token expires with that share, or after TokenTTL
// for permanent shares.
func (s *Service) IssueShareToken(ctx context.Context, identity, bucket, path string) (string, time.Time, error) {
	if s.shareKey == nil {
		return "", time.Time{}, ErrTokensDisabled
	}
	b, err := s.bucketFor(ctx, identity, bucket, verbAdmin, path)
	if err != nil {
		return "", time.Time{}, err
	}
	n, via, err := s.sharedNode(ctx, b, path)
	if errors.Is(err, ErrPermissionDenied) {
		return "", time.Time{}, fmt.Errorf("%w: %s is not shared", ErrInvalidArgument, path)
	}
	if err != nil {
		return "", time.Time{}, err
	}

	now := s.now()
	exp := now.Add(s.opts.TokenTTL)
	if via.Share.TimeLimit && via.Share.End.Before(exp) {
		exp = via.Share.End
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":  shareTokenIssuer,
		"bkt":  bucket,
		"path": path,
		"nid":  n.ID,
		"iat":  now.Unix(),
		"exp":  exp.Unix(),
	})
	signed, err := token.SignedString(s.shareKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign share token: %w", err)
	}
	return signed, exp, nil
}

// VerifyShareToken validates a share token and re-checks that the node it
// names still exists at the same path and is still shared.
func (s *Service) VerifyShareToken(ctx context.Context, tokenString string) (*ShareClaims, *meta.Node, error) {
	if s.shareKey == nil {
		return nil, nil, ErrTokensDisabled
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.shareKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(shareTokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid share token: %w: %v", ErrPermissionDenied, err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, nil, fmt.Errorf("invalid share token claims: %w", ErrPermissionDenied)
	}
	bucket, _ := mc["bkt"].(string)
	path, _ := mc["path"].(string)
	nid, _ := mc["nid"].(float64)
	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil || bucket == "" || path == "" || nid <= 0 {
		return nil, nil, fmt.Errorf("incomplete share token claims: %w", ErrPermissionDenied)
	}
	claims := &ShareClaims{Bucket: bucket, Path: path, NodeID: int64(nid), ExpiresAt: exp.Time}

	b, err := s.meta.GetBucket(ctx, bucket)
	if err != nil {
		return nil, nil, translate(err, bucket)
	}
	n, _, err := s.sharedNode(ctx, b, path)
	if err != nil {
		return nil, nil, err
	}
	if n.ID != claims.NodeID {
		return nil, nil, fmt.Errorf("%s now names a different object: %w", path, ErrNotFound)
	}
	redactShares(b, "", n)
	return claims, n, nil
}
