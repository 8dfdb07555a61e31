// Package backing provides the byte store that holds object content.
//
// Object content is addressed by an opaque key derived from the bucket and
// node ids. The store only knows about keys and byte ranges; names,
// directories and sizes as seen by clients live in the metadata store.
package backing

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Stat when no content exists for a key.
var ErrNotFound = errors.New("backing object not found")

// ErrInvalidRange is returned for negative offsets or sizes.
var ErrInvalidRange = errors.New("invalid byte range")

// Info describes the stored content of one key.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Volume is a capacity snapshot of the volume holding the store.
type Volume struct {
	TotalBytes int64 `json:"total_bytes"`
	UsedBytes  int64 `json:"used_bytes"`
	FreeBytes  int64 `json:"free_bytes"`
}

// ClusterStats summarises the whole store.
type ClusterStats struct {
	Volume
	Objects     int64 `json:"objects"`
	StoredBytes int64 `json:"stored_bytes"`
}

// Store is the contract the gateway needs from a byte store.
//
// Reads of a key that was never written return no bytes rather than an
// error: an object is created in metadata before its first chunk lands.
type Store interface {
	// WriteRange writes data at offset, extending the object (zero-filled) as needed.
	WriteRange(ctx context.Context, key string, offset int64, data []byte) error
	// ReadRange returns up to size bytes starting at offset. The result is
	// short when the range extends past the end of the object.
	ReadRange(ctx context.Context, key string, offset, size int64) ([]byte, error)
	// Stat returns ErrNotFound when the key holds no content.
	Stat(ctx context.Context, key string) (Info, error)
	// Truncate sets the object length, creating it if needed.
	Truncate(ctx context.Context, key string, size int64) error
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	ClusterStats(ctx context.Context) (ClusterStats, error)
}
