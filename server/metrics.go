package server

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics interface {
	CustomCounter(name string, tags map[string]string, delta int64)
	CustomGauge(name string, tags map[string]string, value float64)
	CustomTimer(name string, tags map[string]string, value time.Duration)
}

var _ = Metrics(&PrometheusMetrics{})

// PrometheusMetrics lazily registers one collector per metric name. Tag keys
// for a given name must stay the same across calls.
type PrometheusMetrics struct {
	sync.Mutex

	namespace  string
	registerer prometheus.Registerer

	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	timers   map[string]*prometheus.HistogramVec
}

func NewPrometheusMetrics(namespace string, registerer prometheus.Registerer) *PrometheusMetrics {
	return &PrometheusMetrics{
		namespace:  namespace,
		registerer: registerer,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		timers:     make(map[string]*prometheus.HistogramVec),
	}
}

func tagKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sanitizeMetricName(name string) string {
	return strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name)
}

func (m *PrometheusMetrics) CustomCounter(name string, tags map[string]string, delta int64) {
	m.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      sanitizeMetricName(name),
		}, tagKeys(tags))
		m.registerer.MustRegister(vec)
		m.counters[name] = vec
	}
	m.Unlock()
	vec.With(tags).Add(float64(delta))
}

func (m *PrometheusMetrics) CustomGauge(name string, tags map[string]string, value float64) {
	m.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      sanitizeMetricName(name),
		}, tagKeys(tags))
		m.registerer.MustRegister(vec)
		m.gauges[name] = vec
	}
	m.Unlock()
	vec.With(tags).Set(value)
}

func (m *PrometheusMetrics) CustomTimer(name string, tags map[string]string, value time.Duration) {
	m.Lock()
	vec, ok := m.timers[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      sanitizeMetricName(name) + "_seconds",
			Buckets:   prometheus.DefBuckets,
		}, tagKeys(tags))
		m.registerer.MustRegister(vec)
		m.timers[name] = vec
	}
	m.Unlock()
	vec.With(tags).Observe(value.Seconds())
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) CustomCounter(string, map[string]string, int64)       {}
func (NoopMetrics) CustomGauge(string, map[string]string, float64)       {}
func (NoopMetrics) CustomTimer(string, map[string]string, time.Duration) {}
