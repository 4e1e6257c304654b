package testutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// HistogramValue returns the histogram registered under name whose labels
// match exactly, or nil if there is none.
func HistogramValue(t testing.TB, reg prometheus.Gatherer, name string, labels prometheus.Labels) *dto.Histogram {
	t.Helper()
	m := findMetric(t, reg, name, labels)
	if m == nil {
		return nil
	}
	return m.GetHistogram()
}

// CounterValue returns the value of the counter registered under name whose
// labels match exactly, or -1 if there is none.
func CounterValue(t testing.TB, reg prometheus.Gatherer, name string, labels prometheus.Labels) int {
	t.Helper()
	m := findMetric(t, reg, name, labels)
	if m == nil {
		return -1
	}
	return int(m.GetCounter().GetValue())
}

// SampleCounts returns the sample count of every series of the histogram
// registered under name, keyed by the value of label.
func SampleCounts(t testing.TB, reg prometheus.Gatherer, name, label string) map[string]uint64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	counts := make(map[string]uint64)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label {
					counts[l.GetValue()] = m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return counts
}

func findMetric(t testing.TB, reg prometheus.Gatherer, name string, labels prometheus.Labels) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metricsLoop:
		for _, m := range family.GetMetric() {
			if len(m.GetLabel()) != len(labels) {
				continue
			}
			for _, l := range m.GetLabel() {
				if labels[l.GetName()] != l.GetValue() {
					continue metricsLoop
				}
			}
			return m
		}
	}
	return nil
}
