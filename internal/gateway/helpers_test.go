package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evharbor/harbor/internal/backing"
	"github.com/evharbor/harbor/internal/meta"
	"github.com/evharbor/harbor/testutil"
)

const owner = "alice"

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	svc     *Service
	meta    *meta.Store
	backing backing.Store
	clock   *testutil.Clock
}

// newTestEnv builds a Service over a file-backed metadata store, an
// in-memory backing store and a fake clock. mutate may adjust options.
func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	return newTestEnvWithBacking(t, backing.NewMemStore(), mutate)
}

func newTestEnvWithBacking(t *testing.T, store backing.Store, mutate func(*Options)) *testEnv {
	t.Helper()
	ms, err := meta.Open(filepath.Join(t.TempDir(), "meta.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ms.Close() })

	clock := testutil.NewClock(t0)
	opts := DefaultOptions()
	opts.Now = clock.Now
	opts.ShareSecret = []byte("0123456789abcdef0123456789abcdef")
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := New(ms, store, opts)
	require.NoError(t, err)
	return &testEnv{svc: svc, meta: ms, backing: store, clock: clock}
}

func (e *testEnv) bucket(t *testing.T, name string) *meta.Bucket {
	t.Helper()
	b, err := e.svc.CreateBucket(context.Background(), owner, name)
	require.NoError(t, err)
	return b
}

func (e *testEnv) mkdir(t *testing.T, bucket, path string) *meta.Node {
	t.Helper()
	n, err := e.svc.Mkdir(context.Background(), owner, bucket, path)
	require.NoError(t, err)
	return n
}

func (e *testEnv) put(t *testing.T, bucket, path, content string) *meta.Node {
	t.Helper()
	ctx := context.Background()
	_, err := e.svc.WriteChunk(ctx, owner, bucket, path, 0, []byte(content), true)
	require.NoError(t, err)
	n, err := e.svc.Lookup(ctx, owner, bucket, path)
	require.NoError(t, err)
	return n
}

func nodeIDs(nodes []*meta.Node) []int64 {
	out := make([]int64, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

// failingStore wraps a backing store and fails writes or reads on demand.
type failingStore struct {
	backing.Store
	failWrites bool
	failReads  bool
}

var _ backing.Store = (*failingStore)(nil)

var errInjected = errors.New("injected backing failure")

func (f *failingStore) WriteRange(ctx context.Context, key string, offset int64, data []byte) error {
	if f.failWrites {
		return errInjected
	}
	return f.Store.WriteRange(ctx, key, offset, data)
}

func (f *failingStore) Truncate(ctx context.Context, key string, size int64) error {
	if f.failWrites {
		return errInjected
	}
	return f.Store.Truncate(ctx, key, size)
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	if f.failWrites {
		return errInjected
	}
	return f.Store.Delete(ctx, key)
}

func (f *failingStore) ReadRange(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	if f.failReads {
		return nil, errInjected
	}
	return f.Store.ReadRange(ctx, key, offset, size)
}
