package backing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]*FSStore {
	t.Helper()
	disk, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return map[string]*FSStore{"mem": NewMemStore(), "disk": disk}
}

func TestFSStore_WriteReadRange(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.WriteRange(ctx, "1_1", 0, []byte("hello")))
			require.NoError(t, s.WriteRange(ctx, "1_1", 5, []byte("world")))

			got, err := s.ReadRange(ctx, "1_1", 0, 100)
			require.NoError(t, err)
			assert.Equal(t, "helloworld", string(got))

			got, err = s.ReadRange(ctx, "1_1", 3, 4)
			require.NoError(t, err)
			assert.Equal(t, "lowo", string(got))

			// Past end reads short.
			got, err = s.ReadRange(ctx, "1_1", 8, 10)
			require.NoError(t, err)
			assert.Equal(t, "ld", string(got))

			got, err = s.ReadRange(ctx, "1_1", 50, 10)
			require.NoError(t, err)
			assert.Empty(t, got)

			info, err := s.Stat(ctx, "1_1")
			require.NoError(t, err)
			assert.Equal(t, int64(10), info.Size)
		})
	}
}

func TestFSStore_WriteGapIsZeroFilled(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.WriteRange(ctx, "2_7", 4, []byte("ab")))

			got, err := s.ReadRange(ctx, "2_7", 0, 6)
			require.NoError(t, err)
			assert.Equal(t, []byte{0, 0, 0, 0, 'a', 'b'}, got)
		})
	}
}

func TestFSStore_MissingKey(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.ReadRange(ctx, "9_9", 0, 10)
			require.NoError(t, err)
			assert.Empty(t, got)

			_, err = s.Stat(ctx, "9_9")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NoError(t, s.Delete(ctx, "9_9"))
		})
	}
}

func TestFSStore_TruncateAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.WriteRange(ctx, "3_1", 0, []byte("abcdef")))
			require.NoError(t, s.Truncate(ctx, "3_1", 2))

			got, err := s.ReadRange(ctx, "3_1", 0, 10)
			require.NoError(t, err)
			assert.Equal(t, "ab", string(got))

			require.NoError(t, s.Truncate(ctx, "3_1", 0))
			info, err := s.Stat(ctx, "3_1")
			require.NoError(t, err)
			assert.Equal(t, int64(0), info.Size)

			require.NoError(t, s.Delete(ctx, "3_1"))
			_, err = s.Stat(ctx, "3_1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFSStore_InvalidInput(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	assert.ErrorIs(t, s.WriteRange(ctx, "k", -1, []byte("x")), ErrInvalidRange)
	_, err := s.ReadRange(ctx, "k", 0, -1)
	assert.ErrorIs(t, err, ErrInvalidRange)

	for _, key := range []string{"", "..", "a/b", "a\\b"} {
		assert.Error(t, s.WriteRange(ctx, key, 0, []byte("x")), "key %q", key)
	}
}

func TestFSStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemStore()

	assert.ErrorIs(t, s.WriteRange(ctx, "1_1", 0, []byte("x")), context.Canceled)
	_, err := s.ReadRange(ctx, "1_1", 0, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFSStore_ClusterStats(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.WriteRange(ctx, "1_1", 0, []byte("abc")))
			require.NoError(t, s.WriteRange(ctx, "1_2", 0, []byte("defgh")))
			require.NoError(t, s.WriteRange(ctx, "2_1", 0, []byte("i")))

			stats, err := s.ClusterStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), stats.Objects)
			assert.Equal(t, int64(9), stats.StoredBytes)

			if name == "disk" {
				assert.Greater(t, stats.TotalBytes, int64(0))
			} else {
				assert.Zero(t, stats.TotalBytes)
			}
		})
	}
}
