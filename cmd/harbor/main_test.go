package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harborEnv is a data directory with a config file pointing at it.
type harborEnv struct {
	dir string
	cfg string
}

func newHarborEnv(t *testing.T) *harborEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "harbor.yaml")
	content := "data_dir: " + filepath.Join(dir, "data") + "\nlog_level: warn\n"
	require.NoError(t, os.WriteFile(cfg, []byte(content), 0600))
	return &harborEnv{dir: dir, cfg: cfg}
}

// run executes the CLI as identity and returns its stdout.
func (h *harborEnv) run(t *testing.T, id string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", h.cfg, "--identity", id}, args...))
	err := root.Execute()
	return out.String(), err
}

func (h *harborEnv) mustRun(t *testing.T, id string, args ...string) string {
	t.Helper()
	out, err := h.run(t, id, args...)
	require.NoError(t, err, "harbor %v", args)
	return out
}

func (h *harborEnv) localFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0600))
	return p
}

var idPattern = regexp.MustCompile(`ID:\s+(\d+)`)

func TestCLI_ObjectLifecycle(t *testing.T) {
	h := newHarborEnv(t)
	src := h.localFile(t, "in.txt", "hello harbor world")

	out := h.mustRun(t, "alice", "bucket", "create", "b1")
	assert.Contains(t, out, "Bucket 'b1' created.")

	h.mustRun(t, "alice", "mkdir", "b1", "d")
	out = h.mustRun(t, "alice", "put", "b1", "d/f.txt", src, "--chunk-size", "4")
	assert.Contains(t, out, "Uploaded 18 B")

	out = h.mustRun(t, "alice", "get", "b1", "d/f.txt")
	assert.Equal(t, "hello harbor world", out)

	out = h.mustRun(t, "alice", "get", "b1", "d/f.txt", "--offset", "6", "--size", "6")
	assert.Equal(t, "harbor", out)

	dst := filepath.Join(h.dir, "out.txt")
	h.mustRun(t, "alice", "get", "b1", "d/f.txt", "-o", dst)
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello harbor world", string(data))

	out = h.mustRun(t, "alice", "ls", "b1", "d")
	assert.Contains(t, out, "f.txt")
	assert.Contains(t, out, "Page 1 of 1 (1 entries)")

	out = h.mustRun(t, "alice", "mv", "b1", "d/f.txt", "--to", "/", "--name", "g.txt")
	assert.Contains(t, out, "Moved to b1/g.txt.")

	out = h.mustRun(t, "alice", "stat", "b1", "g.txt")
	assert.Contains(t, out, "18 bytes")
	m := idPattern.FindStringSubmatch(out)
	require.Len(t, m, 2)
	id := m[1]

	h.mustRun(t, "alice", "rm", "b1", "g.txt")
	_, err = h.run(t, "alice", "stat", "b1", "g.txt")
	require.Error(t, err)

	out = h.mustRun(t, "alice", "trash", "b1")
	assert.Contains(t, out, "g.txt")

	out = h.mustRun(t, "alice", "restore", "b1", id)
	assert.Contains(t, out, "Restored 'g.txt'.")

	out = h.mustRun(t, "alice", "key", "b1", "g.txt")
	assert.Contains(t, out, "harbor:local/objects/")

	out = h.mustRun(t, "alice", "stats")
	assert.Regexp(t, `b1\s+1\s+18 B`, out)

	// The first refresh adopts the backing mtime; the second finds nothing new.
	h.mustRun(t, "alice", "refresh", "b1", "g.txt")
	out = h.mustRun(t, "alice", "refresh", "b1", "g.txt")
	assert.Contains(t, out, "Metadata is up to date.")

	h.mustRun(t, "alice", "rm", "b1", "g.txt")
	out = h.mustRun(t, "alice", "gc", "--all")
	assert.Contains(t, out, "Purged 1 objects.")
}

func TestCLI_BucketAccess(t *testing.T) {
	h := newHarborEnv(t)
	src := h.localFile(t, "in.txt", "x")
	h.mustRun(t, "alice", "bucket", "create", "b1")
	h.mustRun(t, "alice", "put", "b1", "f", src)

	_, err := h.run(t, "bob", "get", "b1", "f")
	require.Error(t, err)

	out := h.mustRun(t, "alice", "bucket", "access", "b1", "public-read")
	assert.Contains(t, out, "now public-read")
	out = h.mustRun(t, "bob", "get", "b1", "f")
	assert.Equal(t, "x", out)

	_, err = h.run(t, "alice", "bucket", "access", "b1", "everyone")
	require.Error(t, err)

	out = h.mustRun(t, "alice", "bucket", "list")
	assert.Contains(t, out, "public-read")
	out = h.mustRun(t, "bob", "bucket", "list")
	assert.Contains(t, out, "No buckets found.")

	h.mustRun(t, "alice", "bucket", "delete", "b1")
	_, err = h.run(t, "alice", "bucket", "stats", "b1")
	require.Error(t, err)
}

func TestCLI_ShareAndToken(t *testing.T) {
	h := newHarborEnv(t)
	src := h.localFile(t, "in.txt", "shared content")
	h.mustRun(t, "alice", "bucket", "create", "b1")
	h.mustRun(t, "alice", "mkdir", "b1", "pub")
	h.mustRun(t, "alice", "put", "b1", "pub/f.txt", src)

	qr := filepath.Join(h.dir, "link.png")
	out := h.mustRun(t, "alice", "share", "b1", "pub", "--dir", "--days", "7", "--password", "abcd", "--qr", qr)
	assert.Contains(t, out, "http://localhost:8000/share/b1/pub?p=abcd")
	assert.Contains(t, out, "Expires:")

	png, err := os.ReadFile(qr)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	out = h.mustRun(t, "anyone", "shared", "b1", "pub/f.txt", "--password", "abcd")
	assert.Equal(t, "shared content", out)
	_, err = h.run(t, "anyone", "shared", "b1", "pub/f.txt", "--password", "nope")
	require.Error(t, err)

	out = h.mustRun(t, "alice", "token", "issue", "b1", "pub/f.txt")
	token := regexp.MustCompile(`^\S+`).FindString(out)
	require.NotEmpty(t, token)

	out = h.mustRun(t, "anyone", "token", "verify", token)
	assert.Contains(t, out, "pub/f.txt")

	out = h.mustRun(t, "alice", "share", "b1", "pub", "--dir", "--off")
	assert.Contains(t, out, "no longer shared")
	_, err = h.run(t, "anyone", "token", "verify", token)
	require.Error(t, err)
}

func TestCLI_Errors(t *testing.T) {
	h := newHarborEnv(t)
	h.mustRun(t, "alice", "bucket", "create", "b1")

	tests := []struct {
		name string
		id   string
		args []string
	}{
		{"no identity", "", []string{"bucket", "list"}},
		{"bad bucket name", "alice", []string{"bucket", "create", "Bad_Name"}},
		{"bad node id", "alice", []string{"restore", "b1", "abc"}},
		{"zero chunk size", "alice", []string{"put", "b1", "f", "-", "--chunk-size", "0"}},
		{"conflicting passwords", "alice", []string{"share", "b1", "f", "--password", "abcd", "--random-password"}},
		{"missing parent", "alice", []string{"mkdir", "b1", "a/b"}},
		{"gc without retention", "alice", []string{"gc"}},
		{"wrong arg count", "alice", []string{"mkdir", "b1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.run(t, tt.id, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestCLI_ClusterWritesMetrics(t *testing.T) {
	h := newHarborEnv(t)
	src := h.localFile(t, "in.txt", "12345")
	h.mustRun(t, "alice", "bucket", "create", "b1")
	h.mustRun(t, "alice", "put", "b1", "f", src)

	mf := filepath.Join(h.dir, "metrics", "harbor.prom")
	out := h.mustRun(t, "alice", "cluster", "--metrics-file", mf)
	assert.Regexp(t, `Cluster:\s+local/objects`, out)
	assert.Regexp(t, `Objects:\s+1`, out)

	data, err := os.ReadFile(mf)
	require.NoError(t, err)
	assert.Contains(t, string(data), "harbor_store_objects 1")
	assert.Contains(t, string(data), "harbor_gateway_requests_total")
}

func TestShareLink(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		path     string
		password string
		expected string
	}{
		{"plain", "http://localhost:8000", "a/b.txt", "", "http://localhost:8000/share/b1/a/b.txt"},
		{"password", "https://files.example.com/", "/doc", "x1y2", "https://files.example.com/share/b1/doc?p=x1y2"},
		{"escaped", "http://h", "my file", "", "http://h/share/b1/my%20file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := shareLink(tt.base, "b1", tt.path, tt.password)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "harbor dev")
}
