package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func collect(c prometheus.Collector) []*dto.Metric {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var out []*dto.Metric
	for m := range ch {
		pb := &dto.Metric{}
		if err := m.Write(pb); err != nil {
			continue
		}
		out = append(out, pb)
	}
	return out
}

func valueOf(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	case m.Histogram != nil:
		return float64(m.Histogram.GetSampleCount())
	}
	return 0
}

// Sum adds up every series of a counter or gauge (vector or single).
// Histograms contribute their sample count.
func Sum(c prometheus.Collector) float64 {
	var total float64
	for _, m := range collect(c) {
		total += valueOf(m)
	}
	return total
}

// Value reads the series whose labels equal labels exactly. Missing series read as 0.
func Value(c prometheus.Collector, labels map[string]string) float64 {
	for _, m := range collect(c) {
		if matches(m, labels) {
			return valueOf(m)
		}
	}
	return 0
}

// ByLabel groups a vector by one label and sums each group.
func ByLabel(c prometheus.Collector, label string) map[string]float64 {
	out := map[string]float64{}
	for _, m := range collect(c) {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				out[lp.GetValue()] += valueOf(m)
			}
		}
	}
	return out
}

func matches(m *dto.Metric, labels map[string]string) bool {
	if len(m.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; !ok || v != lp.GetValue() {
			return false
		}
	}
	return true
}
