package meta

import (
	"fmt"
	"strings"
	"time"
)

// Access is a bucket's access permission.
type Access int

// Access values. The numbering is persisted and must not change.
const (
	AccessPublicRead      Access = 1
	AccessPrivate         Access = 2
	AccessPublicReadWrite Access = 3
)

// Valid reports whether a is a known access value.
func (a Access) Valid() bool {
	return a >= AccessPublicRead && a <= AccessPublicReadWrite
}

func (a Access) String() string {
	switch a {
	case AccessPublicRead:
		return "public-read"
	case AccessPrivate:
		return "private"
	case AccessPublicReadWrite:
		return "public-read-write"
	}
	return fmt.Sprintf("access(%d)", int(a))
}

// ParseAccess accepts the names returned by Access.String.
func ParseAccess(s string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public-read", "public":
		return AccessPublicRead, nil
	case "private":
		return AccessPrivate, nil
	case "public-read-write", "rw":
		return AccessPublicReadWrite, nil
	}
	return 0, fmt.Errorf("unknown access %q", s)
}

// Bucket is a top-level container owning a namespace of nodes.
type Bucket struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	Access     Access    `json:"access"`
	Remarks    string    `json:"remarks,omitempty"`
	Tombstoned bool      `json:"tombstoned,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
	NodeCount  int64     `json:"node_count"`
	TotalSize  int64     `json:"total_size"`
}

// ShareMode is the share state of a node.
type ShareMode int

// Share modes.
const (
	ShareOff       ShareMode = 0
	ShareReadOnly  ShareMode = 1
	ShareReadWrite ShareMode = 2
)

// Valid reports whether m is a known share mode.
func (m ShareMode) Valid() bool {
	return m >= ShareOff && m <= ShareReadWrite
}

func (m ShareMode) String() string {
	switch m {
	case ShareOff:
		return "private"
	case ShareReadOnly:
		return "read-only"
	case ShareReadWrite:
		return "read-write"
	}
	return fmt.Sprintf("share(%d)", int(m))
}

// Share is the sharing state stored on a node.
type Share struct {
	Mode      ShareMode `json:"mode"`
	Password  string    `json:"password,omitempty"`
	TimeLimit bool      `json:"time_limit"`
	Start     time.Time `json:"start,omitempty"`
	End       time.Time `json:"end,omitempty"`
}

// Node is a file or directory in a bucket.
type Node struct {
	ID       int64  `json:"id"`
	BucketID int64  `json:"bucket_id"`
	ParentID int64  `json:"parent_id"`
	Name     string `json:"name"`
	IsFile   bool   `json:"is_file"`
	Size     int64  `json:"size"`

	CreatedAt     time.Time  `json:"created_at"`
	ModifiedAt    *time.Time `json:"modified_at,omitempty"` // nil for directories
	DownloadCount int64      `json:"download_count"`

	Share Share `json:"share"`

	Tombstoned   bool      `json:"tombstoned,omitempty"`
	TombstonedAt time.Time `json:"tombstoned_at,omitempty"`

	BackupLocations  []string `json:"backup_locations,omitempty"`
	ArchiveLocations []string `json:"archive_locations,omitempty"`
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool {
	return !n.IsFile
}

// IsEffectivelyShared reports whether the node is publicly accessible at now.
func (n *Node) IsEffectivelyShared(now time.Time) bool {
	if n.Share.Mode == ShareOff {
		return false
	}
	if !n.Share.TimeLimit {
		return true
	}
	return now.Before(n.Share.End)
}

// NewNode describes a node to insert.
type NewNode struct {
	BucketID int64
	ParentID int64
	Name     string
	IsFile   bool
}
