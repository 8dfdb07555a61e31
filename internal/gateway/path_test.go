package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		in   string
		dirs []string
		leaf string
	}{
		{"f.txt", []string{}, "f.txt"},
		{"/f.txt", []string{}, "f.txt"},
		{"a/b/c.txt", []string{"a", "b"}, "c.txt"},
		{"/a/b/", []string{"a"}, "b"},
		{"a/名字.txt", []string{"a"}, "名字.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			dirs, leaf, err := ParsePath(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.dirs, dirs)
			assert.Equal(t, tt.leaf, leaf)
			assert.Equal(t, strings.Trim(tt.in, "/"), JoinPath(dirs, leaf))
		})
	}
}

func TestParsePath_Invalid(t *testing.T) {
	for _, in := range []string{
		"",
		"/",
		"a//b",
		"a/./b",
		"../etc/passwd",
		"a/..",
		"a\x00b",
		strings.Repeat("x", 256),
	} {
		_, _, err := ParsePath(in)
		assert.ErrorIs(t, err, ErrInvalidPath, "path %q", in)
	}
}

func TestParseDirPath(t *testing.T) {
	segs, err := ParseDirPath("")
	require.NoError(t, err)
	assert.Empty(t, segs)

	segs, err = ParseDirPath("/")
	require.NoError(t, err)
	assert.Empty(t, segs)

	segs, err = ParseDirPath("/a/b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, segs)

	_, err = ParseDirPath("a//b")
	assert.ErrorIs(t, err, ErrInvalidPath)
}
