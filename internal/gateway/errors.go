package gateway

import (
	"errors"
	"fmt"

	"github.com/evharbor/harbor/internal/meta"
)

// Error kinds returned by Service. Callers should match with errors.Is.
var (
	ErrInvalidPath         = errors.New("invalid path")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrDirectoryNotEmpty   = errors.New("directory not empty")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrStorageWriteFailure = errors.New("storage write failure")
	ErrStorageReadFailure  = errors.New("storage read failure")
)

// Bucket-specific errors wrap the generic kinds.
var (
	ErrBucketNotFound = fmt.Errorf("bucket %w", ErrNotFound)
	ErrBucketExists   = fmt.Errorf("bucket %w", ErrAlreadyExists)
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidPath, "invalid_path"},
	{ErrInvalidArgument, "invalid_argument"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyExists, "already_exists"},
	{ErrDirectoryNotEmpty, "directory_not_empty"},
	{ErrQuotaExceeded, "quota_exceeded"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrStorageWriteFailure, "storage_write_failure"},
	{ErrStorageReadFailure, "storage_read_failure"},
}

// Kind returns a stable label for err: "ok" for nil, one of the error kind
// names, or "internal" for anything else.
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// translate maps metadata-store errors onto gateway kinds, keeping what
// for context.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, meta.ErrNotFound):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, meta.ErrDuplicate):
		return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
	case errors.Is(err, meta.ErrNotEmpty):
		return fmt.Errorf("%s: %w", what, ErrDirectoryNotEmpty)
	case errors.Is(err, meta.ErrQuotaExceeded):
		return fmt.Errorf("%s: %w", what, ErrQuotaExceeded)
	case errors.Is(err, meta.ErrCycle):
		return fmt.Errorf("%s: %w: cannot move a directory into itself", what, ErrInvalidArgument)
	}
	return fmt.Errorf("%s: %w", what, err)
}
