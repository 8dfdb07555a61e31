package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evharbor/harbor/internal/backing"
)

// withFreshRegistry swaps Registry for the duration of a test.
func withFreshRegistry(t *testing.T) {
	t.Helper()
	old := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = old })
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestInitMetrics(t *testing.T) {
	withFreshRegistry(t)

	m := InitMetrics("1.0.0", "local")
	require.NotNil(t, m)

	m.Observe(backing.ClusterStats{
		Volume:      backing.Volume{TotalBytes: 1000, UsedBytes: 400, FreeBytes: 600},
		Objects:     3,
		StoredBytes: 120,
	})
	assert.Equal(t, 1000.0, gaugeValue(t, m.VolumeTotalBytes))
	assert.Equal(t, 400.0, gaugeValue(t, m.VolumeUsedBytes))
	assert.Equal(t, 600.0, gaugeValue(t, m.VolumeFreeBytes))
	assert.Equal(t, 3.0, gaugeValue(t, m.StoredObjects))
	assert.Equal(t, 120.0, gaugeValue(t, m.StoredBytes))
	assert.Equal(t, 1.0, gaugeValue(t, m.BuildInfo.WithLabelValues("1.0.0", "local")))

	assert.Panics(t, func() { InitMetrics("1.0.0", "local") }, "duplicate registration")
}

func TestObserve_NilIsSafe(t *testing.T) {
	var m *StoreMetrics
	assert.NotPanics(t, func() { m.Observe(backing.ClusterStats{}) })
}

func TestDefaultRegistryHasRuntimeCollectors(t *testing.T) {
	families, err := Registry.Gather()
	require.NoError(t, err)

	var sawGo bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "go_") {
			sawGo = true
			break
		}
	}
	assert.True(t, sawGo)
}

func TestWriteTextfile(t *testing.T) {
	withFreshRegistry(t)
	m := InitMetrics("dev", "ceph-a")
	m.Observe(backing.ClusterStats{Objects: 7, StoredBytes: 42})

	path := filepath.Join(t.TempDir(), "textfile", "harbor.prom")
	require.NoError(t, WriteTextfile(Registry, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "# TYPE harbor_store_objects gauge")
	assert.Contains(t, text, "harbor_store_objects 7")
	assert.Contains(t, text, "harbor_store_stored_bytes 42")
	assert.Contains(t, text, `harbor_build_info{cluster="ceph-a",version="dev"} 1`)

	// Rewrites replace the file and leave no temp files behind.
	m.Observe(backing.ClusterStats{Objects: 8})
	require.NoError(t, WriteTextfile(Registry, path))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "harbor_store_objects 8")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
