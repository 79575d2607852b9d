package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const eventsMetricName = "kvs_webrtc_signaling_events_total"

// Collector exports every counter of a Metrics registry as one Prometheus
// counter family with an `event` label.
type Collector struct {
	m    *Metrics
	desc *prometheus.Desc
}

func NewCollector(m *Metrics) *Collector {
	return &Collector{
		m: m,
		desc: prometheus.NewDesc(
			eventsMetricName,
			"Internal event counters.",
			[]string{"event"},
			nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, v := range c.m.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(v), name)
	}
}

// NewRegistry returns a registry holding the event collector plus the
// standard Go runtime and process collectors.
func NewRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
func PrometheusHandler(m *Metrics) http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(NewRegistry(m), promhttp.HandlerOpts{})
}
