// Package system reports host and process information plus a JSON
// snapshot of the metrics registry.
package system

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Info is the system information returned by the API.
type Info struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Arch            string `json:"arch"`
	GoVersion       string `json:"go_version"`
	NumCPU          int    `json:"num_cpu"`
	NumGoroutine    int    `json:"num_goroutine"`
	PID             int    `json:"pid"`
	Version         string `json:"version"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	SandboxStrategy string `json:"sandbox_strategy"`
	WorkspaceRoot   string `json:"workspace_root"`
	StorageDriver   string `json:"storage_driver"`
}

// MetricPoint is one labeled sample of a metric family.
type MetricPoint struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// MetricFamily is one metric with all its labeled samples, rendered from
// the Prometheus registry for JSON consumers.
type MetricFamily struct {
	Name   string        `json:"name"`
	Help   string        `json:"help,omitempty"`
	Type   string        `json:"type"`
	Points []MetricPoint `json:"points"`
}

// Service answers system info and metrics snapshot requests.
type Service struct {
	version   string
	strategy  string
	workspace string
	driver    string
	gatherer  prometheus.Gatherer
	startedAt time.Time
}

// New creates a system info service. The gatherer may be nil when metrics
// are disabled.
func New(version, strategy, workspaceRoot, storageDriver string, gatherer prometheus.Gatherer) *Service {
	return &Service{
		version:   version,
		strategy:  strategy,
		workspace: workspaceRoot,
		driver:    storageDriver,
		gatherer:  gatherer,
		startedAt: time.Now(),
	}
}

// Info returns a point-in-time view of the host and process.
func (s *Service) Info() Info {
	hostname, _ := os.Hostname()
	return Info{
		Hostname:        hostname,
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
		GoVersion:       runtime.Version(),
		NumCPU:          runtime.NumCPU(),
		NumGoroutine:    runtime.NumGoroutine(),
		PID:             os.Getpid(),
		Version:         s.version,
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		SandboxStrategy: s.strategy,
		WorkspaceRoot:   s.workspace,
		StorageDriver:   s.driver,
	}
}

// MetricsSnapshot gathers the current metrics and flattens them into
// JSON-friendly families. Histograms and summaries are reported as their
// sample count and sum.
func (s *Service) MetricsSnapshot() ([]MetricFamily, error) {
	if s.gatherer == nil {
		return []MetricFamily{}, nil
	}
	gathered, err := s.gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}

	families := make([]MetricFamily, 0, len(gathered))
	for _, mf := range gathered {
		family := MetricFamily{
			Name: mf.GetName(),
			Help: mf.GetHelp(),
			Type: mf.GetType().String(),
		}
		for _, m := range mf.GetMetric() {
			labels := labelMap(m)
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				family.Points = append(family.Points, MetricPoint{Labels: labels, Value: m.GetCounter().GetValue()})
			case dto.MetricType_GAUGE:
				family.Points = append(family.Points, MetricPoint{Labels: labels, Value: m.GetGauge().GetValue()})
			case dto.MetricType_HISTOGRAM:
				family.Points = append(family.Points,
					MetricPoint{Labels: withSuffix(labels, "count"), Value: float64(m.GetHistogram().GetSampleCount())},
					MetricPoint{Labels: withSuffix(labels, "sum"), Value: m.GetHistogram().GetSampleSum()},
				)
			case dto.MetricType_SUMMARY:
				family.Points = append(family.Points,
					MetricPoint{Labels: withSuffix(labels, "count"), Value: float64(m.GetSummary().GetSampleCount())},
					MetricPoint{Labels: withSuffix(labels, "sum"), Value: m.GetSummary().GetSampleSum()},
				)
			case dto.MetricType_UNTYPED:
				family.Points = append(family.Points, MetricPoint{Labels: labels, Value: m.GetUntyped().GetValue()})
			}
		}
		families = append(families, family)
	}
	return families, nil
}

func labelMap(m *dto.Metric) map[string]string {
	if len(m.GetLabel()) == 0 {
		return nil
	}
	labels := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels
}

func withSuffix(labels map[string]string, sample string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out["sample"] = sample
	return out
}
