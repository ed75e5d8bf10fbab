package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "go2webrtc_rc"

// collector exposes every counter as one labelled counter family and every
// gauge as one labelled gauge family, so new event names need no
// registration.
type collector struct {
	m      *Metrics
	events *prometheus.Desc
	gauges *prometheus.Desc
}

func NewCollector(m *Metrics) prometheus.Collector {
	return &collector{
		m: m,
		events: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_total"),
			"Internal event counters.",
			[]string{"event"}, nil,
		),
		gauges: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "gauge"),
			"Internal gauges.",
			[]string{"name"}, nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.events
	ch <- c.gauges
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for name, v := range c.m.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(v), name)
	}
	for name, v := range c.m.GaugeSnapshot() {
		ch <- prometheus.MustNewConstMetric(c.gauges, prometheus.GaugeValue, float64(v), name)
	}
}

// PrometheusHandler serves m, plus the Go runtime collectors, in the
// Prometheus exposition format.
func PrometheusHandler(m *Metrics) http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
