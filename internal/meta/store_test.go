package meta

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "meta.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestBucket(t *testing.T, s *Store, name string) *Bucket {
	t.Helper()
	b, err := s.CreateBucket(context.Background(), name, "alice", AccessPrivate, t0)
	require.NoError(t, err)
	return b
}

func mkNode(t *testing.T, s *Store, bucketID, parentID int64, name string, isFile bool) *Node {
	t.Helper()
	n, err := s.CreateNode(context.Background(), NewNode{
		BucketID: bucketID, ParentID: parentID, Name: name, IsFile: isFile,
	}, 0, t0)
	require.NoError(t, err)
	return n
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "meta.db")
	s, err := Open(path, time.Second)
	require.NoError(t, err)
	_, err = s.CreateBucket(context.Background(), "b1", "alice", AccessPrivate, t0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, time.Second)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	b, err := s.GetBucket(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "alice", b.Owner)
}

func TestBuckets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b := newTestBucket(t, s, "photos")
	assert.Equal(t, AccessPrivate, b.Access)
	assert.True(t, b.CreatedAt.Equal(t0))

	_, err := s.CreateBucket(ctx, "photos", "bob", AccessPrivate, t0)
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.SetBucketAccess(ctx, b.ID, AccessPublicRead, t0.Add(time.Minute)))
	require.NoError(t, s.SetBucketRemarks(ctx, b.ID, "holiday", t0.Add(time.Minute)))
	got, err := s.GetBucket(ctx, "photos")
	require.NoError(t, err)
	assert.Equal(t, AccessPublicRead, got.Access)
	assert.Equal(t, "holiday", got.Remarks)

	// Tombstoned buckets free their name but remain readable by id.
	require.NoError(t, s.TombstoneBucket(ctx, b.ID, t0))
	_, err = s.GetBucket(ctx, "photos")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.TombstoneBucket(ctx, b.ID, t0), ErrNotFound)

	archived, err := s.GetBucketByID(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, archived.Tombstoned)

	again, err := s.CreateBucket(ctx, "photos", "bob", AccessPrivate, t0)
	require.NoError(t, err)
	assert.NotEqual(t, b.ID, again.ID)
}

func TestListBuckets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, name := range []string{"a", "b", "c"} {
		newTestBucket(t, s, name)
	}
	_, err := s.CreateBucket(ctx, "other", "bob", AccessPrivate, t0)
	require.NoError(t, err)

	page, total, err := s.ListBuckets(ctx, "alice", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].Name)
	assert.Equal(t, "b", page[1].Name)

	all, _, err := s.ListBuckets(ctx, "alice", 0, -1)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCreateNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := newTestBucket(t, s, "b1")

	dir := mkNode(t, s, b.ID, RootID, "docs", false)
	assert.Nil(t, dir.ModifiedAt)
	assert.True(t, dir.IsDir())

	f := mkNode(t, s, b.ID, dir.ID, "a.txt", true)
	require.NotNil(t, f.ModifiedAt)
	assert.Equal(t, dir.ID, f.ParentID)
	assert.Equal(t, int64(0), f.Size)

	// Sibling names are unique regardless of kind.
	_, err := s.CreateNode(ctx, NewNode{BucketID: b.ID, ParentID: RootID, Name: "docs", IsFile: true}, 0, t0)
	assert.ErrorIs(t, err, ErrDuplicate)

	// Parent must be a live directory.
	_, err = s.CreateNode(ctx, NewNode{BucketID: b.ID, ParentID: f.ID, Name: "x"}, 0, t0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.CreateNode(ctx, NewNode{BucketID: b.ID, ParentID: 9999, Name: "x"}, 0, t0)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetBucketByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.NodeCount)
}

func TestCreateNode_Quota(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := newTestBucket(t, s, "b1")

	for i := 0; i < 3; i++ {
		_, err := s.CreateNode(ctx, NewNode{BucketID: b.ID, Name: string(rune('a' + i))}, 3, t0)
		require.NoError(t, err)
	}
	_, err := s.CreateNode(ctx, NewNode{BucketID: b.ID, Name: "d"}, 3, t0)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestDeleteNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := newTestBucket(t, s, "b1")

	dir := mkNode(t, s, b.ID, RootID, "d", false)
	f := mkNode(t, s, b.ID, dir.ID, "f", true)
	_, err := s.GrowSize(ctx, b.ID, f.ID, 10, t0)
	require.NoError(t, err)

	_, err = s.DeleteNode(ctx, b.ID, dir.ID)
	assert.ErrorIs(t, err, ErrNotEmpty)

	// Tombstoned children do not block removal.
	_, err = s.TombstoneNode(ctx, b.ID, f.ID, t0)
	require.NoError(t, err)
	deleted, err := s.DeleteNode(ctx, b.ID, dir.ID)
	require.NoError(t, err)
	assert.Equal(t, dir.ID, deleted.ID)

	_, err = s.GetNode(ctx, b.ID, dir.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetBucketByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.NodeCount, "tombstoned file still counted")
	assert.Equal(t, int64(0), got.TotalSize)
}

func TestTombstoneAndRestore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := newTestBucket(t, s, "b1")

	f := mkNode(t, s, b.ID, RootID, "f", true)
	_, err := s.GrowSize(ctx, b.ID, f.ID, 7, t0)
	require.NoError(t, err)

	tomb, err := s.TombstoneNode(ctx, b.ID, f.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, tomb.Tombstoned)
	assert.True(t, tomb.TombstonedAt.Equal(t0.Add(time.Hour)))

	_, err = s.LookupChild(ctx, b.ID, RootID, "f")
	assert.ErrorIs(t, err, ErrNotFound)

	bk, _ := s.GetBucketByID(ctx, b.ID)
	assert.Equal(t, int64(0), bk.TotalSize)

	// Name reuse blocks restore.
	reuse := mkNode(t, s, b.ID, RootID, "f", true)
	_, err = s.RestoreNode(ctx, b.ID, f.ID)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.DeleteNode(ctx, b.ID, reuse.ID)
	require.NoError(t, err)
	restored, err := s.RestoreNode(ctx, b.ID, f.ID)
	require.NoError(t, err)
	assert.False(t, restored.Tombstoned)
	assert.True(t, restored.TombstonedAt.IsZero())

	bk, _ = s.GetBucketByID(ctx, b.ID)
	assert.Equal(t, int64(7), bk.TotalSize)
}

func TestMoveNode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := newTestBucket(t, s, "b1")

	a := mkNode(t, s, b.ID, RootID, "a", false)
	ab := mkNode(t, s, b.ID, a.ID, "b", false)
	f := mkNode(t, s, b.ID, ab.ID, "f", true)
	mkNode(t, s, b.ID, RootID, "taken", true)

	moved, err := s.MoveNode(ctx, b.ID, f.ID, RootID, "g", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, RootID, moved.ParentID)
	assert.Equal(t, "g", moved.Name)
	assert.True(t, moved.ModifiedAt.Equal(t0.Add(time.Minute)))

	_, err = s.MoveNode(ctx, b.ID, f.ID, RootID, "taken", t0)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.MoveNode(ctx, b.ID, a.ID, ab.ID, "a", t0)
	assert.ErrorIs(t, err, ErrCycle)
	_, err = s.MoveNode(ctx, b.ID, a.ID, a.ID, "a", t0)
	assert.ErrorIs(t, err, ErrCycle)

	// Moving a directory leaves descendants attached; their path follows.
	mkNode(t, s, b.ID, RootID, "z", false)
	z, err := s.LookupChild(ctx, b.ID, RootID, "z")
	require.NoError(t, err)
	_, err = s.MoveNode(ctx, b.ID, ab.ID, z.ID, "bb", t0)
	require.NoError(t, err)
	inner := mkNode(t, s, b.ID, ab.ID, "leaf", true)
	p, err := s.NodePath(ctx, b.ID, inner.ID)
	require.NoError(t, err)
	assert.Equal(t, "z/bb/leaf", p)
	movedDir, err := s.GetNode(ctx, b.ID, ab.ID)
	require.NoError(t, err)
	assert.Nil(t, movedDir.ModifiedAt)
}

func TestSizes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := newTestBucket(t, s, "b1")
	f := mkNode(t, s, b.ID, RootID, "f", true)

	n, err := s.GrowSize(ctx, b.ID, f.ID, 10, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n.Size)

	n, err = s.GrowSize(ctx, b.ID, f.ID, 4, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n.Size, "grow never shrinks")

	n, err = s.SetSize(ctx, b.ID, f.ID, 3, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n.Size)

	n, err = s.ResetSize(ctx, b.ID, f.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n.Size)

	dir := mkNode(t, s, b.ID, RootID, "d", false)
	_, err = s.GrowSize(ctx, b.ID, dir.ID, 10, t0)
	assert.ErrorIs(t, err, ErrNotFound)

	bk, _ := s.GetBucketByID(ctx, b.ID)
	assert.Equal(t, int64(0), bk.TotalSize)
}

func TestShareAndLocations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := newTestBucket(t, s, "b1")
	f := mkNode(t, s, b.ID, RootID, "f", true)

	n, err := s.SetShare(ctx, b.ID, f.ID, Share{
		Mode: ShareReadOnly, Password: "abcd", TimeLimit: true, Start: t0, End: t0.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, ShareReadOnly, n.Share.Mode)
	assert.Equal(t, "abcd", n.Share.Password)
	assert.True(t, n.Share.End.Equal(t0.Add(48*time.Hour)))
	assert.True(t, n.IsEffectivelyShared(t0.Add(47*time.Hour)))
	assert.False(t, n.IsEffectivelyShared(t0.Add(48*time.Hour)))

	n, err = s.SetLocations(ctx, b.ID, f.ID, []string{"ceph2:pool/1_1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ceph2:pool/1_1"}, n.BackupLocations)
	assert.Empty(t, n.ArchiveLocations)

	require.NoError(t, s.IncrementDownloads(ctx, b.ID, f.ID))
	n, err = s.GetNode(ctx, b.ID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.DownloadCount)
}

func TestListTombstoned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := newTestBucket(t, s, "b1")

	old := mkNode(t, s, b.ID, RootID, "old", true)
	recent := mkNode(t, s, b.ID, RootID, "recent", true)
	mkNode(t, s, b.ID, RootID, "live", true)

	_, err := s.TombstoneNode(ctx, b.ID, old.ID, t0)
	require.NoError(t, err)
	_, err = s.TombstoneNode(ctx, b.ID, recent.ID, t0.Add(10*24*time.Hour))
	require.NoError(t, err)

	all, err := s.ListTombstoned(ctx, b.ID, time.Time{}, 100)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, old.ID, all[0].ID)

	expired, err := s.ListTombstoned(ctx, 0, t0.Add(24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
}

func TestFileStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := newTestBucket(t, s, "b1")

	d := mkNode(t, s, b.ID, RootID, "d", false)
	f1 := mkNode(t, s, b.ID, d.ID, "f1", true)
	f2 := mkNode(t, s, b.ID, RootID, "f2", true)
	f3 := mkNode(t, s, b.ID, RootID, "f3", true)
	for _, f := range []*Node{f1, f2, f3} {
		_, err := s.GrowSize(ctx, b.ID, f.ID, 5, t0)
		require.NoError(t, err)
	}
	_, err := s.TombstoneNode(ctx, b.ID, f3.ID, t0)
	require.NoError(t, err)

	count, space, err := s.FileStats(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(10), space)
}

func TestAccessParse(t *testing.T) {
	for _, a := range []Access{AccessPublicRead, AccessPrivate, AccessPublicReadWrite} {
		got, err := ParseAccess(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
		assert.True(t, a.Valid())
	}
	_, err := ParseAccess("secret")
	assert.Error(t, err)
	assert.False(t, Access(0).Valid())
}
