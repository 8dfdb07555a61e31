package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evharbor/harbor/internal/backing"
)

func TestBucketAndUserStats(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	e.bucket(t, "b1")
	e.bucket(t, "b2")
	e.mkdir(t, "b1", "d")
	e.put(t, "b1", "d/a", "12345")
	e.put(t, "b1", "b", "123")
	e.put(t, "b1", "gone", "1234567")
	e.put(t, "b2", "c", "12")
	require.NoError(t, e.svc.DeleteObject(ctx, owner, "b1", "gone"))

	_, err := e.svc.CreateBucket(ctx, "bob", "bobs")
	require.NoError(t, err)

	u, err := e.svc.BucketStats(ctx, owner, "b1")
	require.NoError(t, err)
	assert.Equal(t, Usage{Count: 2, Space: 8}, u)

	us, err := e.svc.UserStats(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(3), us.Count)
	assert.Equal(t, int64(10), us.Space)
	assert.Equal(t, map[string]Usage{
		"b1": {Count: 2, Space: 8},
		"b2": {Count: 1, Space: 2},
	}, us.PerBucket)

	empty, err := e.svc.UserStats(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Count)
	assert.Empty(t, empty.PerBucket)

	_, err = e.svc.BucketStats(ctx, "bob", "b1")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestClusterStats(t *testing.T) {
	store, err := backing.NewFSStore(t.TempDir())
	require.NoError(t, err)
	e := newTestEnvWithBacking(t, store, nil)
	e.bucket(t, "b1")
	e.put(t, "b1", "a", "hello")
	e.put(t, "b1", "b", "world!")

	st, err := e.svc.ClusterStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Objects)
	assert.Equal(t, int64(11), st.StoredBytes)
	assert.Positive(t, st.TotalBytes)
}

func TestDerivedKeyInfo(t *testing.T) {
	e := newTestEnv(t, func(o *Options) {
		o.ClusterName = "ceph-a"
		o.PoolName = "objstore"
	})
	ctx := context.Background()
	b := e.bucket(t, "b1")
	n := e.put(t, "b1", "report.pdf", "pdf")

	info, err := e.svc.DerivedKeyInfo(ctx, owner, "b1", "report.pdf")
	require.NoError(t, err)
	key := DeriveKey(b.ID, n.ID)
	assert.Equal(t, key, info.Key)
	assert.Equal(t, "harbor:ceph-a/objstore/"+key, info.Locator)
	assert.Equal(t, int64(3), info.Size)
	assert.Equal(t, "report.pdf", info.Filename)

	e.mkdir(t, "b1", "d")
	_, err = e.svc.DerivedKeyInfo(ctx, owner, "b1", "d")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshMetadata(t *testing.T) {
	store, err := backing.NewFSStore(t.TempDir())
	require.NoError(t, err)
	e := newTestEnvWithBacking(t, store, nil)
	ctx := context.Background()
	b := e.bucket(t, "b1")
	n := e.put(t, "b1", "f.txt", "hello")

	// Content grows outside the gateway.
	require.NoError(t, store.WriteRange(ctx, DeriveKey(b.ID, n.ID), 5, []byte(" world")))

	got, changed, err := e.svc.RefreshMetadata(ctx, owner, "b1", "f.txt")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(11), got.Size)

	// Nothing changed since.
	_, changed, err = e.svc.RefreshMetadata(ctx, owner, "b1", "f.txt")
	require.NoError(t, err)
	assert.False(t, changed)

	bk, err := e.meta.GetBucket(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), bk.TotalSize)

	// An empty file with no backing content is already consistent.
	_, err = e.svc.CreateEmptyObject(ctx, owner, "b1", "empty")
	require.NoError(t, err)
	_, changed, err = e.svc.RefreshMetadata(ctx, owner, "b1", "empty")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSetLocations(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	e.bucket(t, "b1")
	e.put(t, "b1", "f.txt", "x")

	n, err := e.svc.SetLocations(ctx, owner, "b1", "f.txt", []string{"s3://backup/1"}, []string{"tape://7"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://backup/1"}, n.BackupLocations)
	assert.Equal(t, []string{"tape://7"}, n.ArchiveLocations)

	got, err := e.svc.Lookup(ctx, owner, "b1", "f.txt")
	require.NoError(t, err)
	assert.Equal(t, n.BackupLocations, got.BackupLocations)

	_, err = e.svc.SetLocations(ctx, "bob", "b1", "f.txt", nil, nil)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
