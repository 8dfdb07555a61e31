// Package metrics holds the process-wide Prometheus registry for harbor and
// the storage gauges sampled from the backing store.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"github.com/evharbor/harbor/internal/backing"
)

// Registry is the Prometheus registry for all harbor metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// StoreMetrics tracks backing store capacity and usage.
type StoreMetrics struct {
	VolumeTotalBytes prometheus.Gauge
	VolumeUsedBytes  prometheus.Gauge
	VolumeFreeBytes  prometheus.Gauge
	StoredObjects    prometheus.Gauge
	StoredBytes      prometheus.Gauge

	BuildInfo *prometheus.GaugeVec // labels: version, cluster
}

// InitMetrics registers the storage gauges on Registry and sets build info.
// It panics if called twice against the same registry.
func InitMetrics(version, cluster string) *StoreMetrics {
	m := &StoreMetrics{
		VolumeTotalBytes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "harbor_store_volume_total_bytes",
			Help: "Total capacity of the volume holding the backing store",
		}),
		VolumeUsedBytes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "harbor_store_volume_used_bytes",
			Help: "Used bytes on the backing store volume",
		}),
		VolumeFreeBytes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "harbor_store_volume_free_bytes",
			Help: "Free bytes on the backing store volume",
		}),
		StoredObjects: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "harbor_store_objects",
			Help: "Number of objects held by the backing store",
		}),
		StoredBytes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name: "harbor_store_stored_bytes",
			Help: "Bytes of object content held by the backing store",
		}),
		BuildInfo: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "harbor_build_info",
			Help: "Build information (always 1)",
		}, []string{"version", "cluster"}),
	}
	m.BuildInfo.WithLabelValues(version, cluster).Set(1)
	return m
}

// Observe records a cluster stats sample.
func (m *StoreMetrics) Observe(st backing.ClusterStats) {
	if m == nil {
		return
	}
	m.VolumeTotalBytes.Set(float64(st.TotalBytes))
	m.VolumeUsedBytes.Set(float64(st.UsedBytes))
	m.VolumeFreeBytes.Set(float64(st.FreeBytes))
	m.StoredObjects.Set(float64(st.Objects))
	m.StoredBytes.Set(float64(st.StoredBytes))
}

// WriteTextfile gathers g and writes it in the Prometheus text format to
// path, replacing the file atomically so a node_exporter textfile collector
// never reads a partial file.
func WriteTextfile(g prometheus.Gatherer, path string) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".harbor-metrics-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(tmp, mf); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("chmod metrics file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename metrics file: %w", err)
	}
	return nil
}
