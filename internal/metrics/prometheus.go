package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a Sink backed by client_golang, registering one CounterVec
// or HistogramVec per distinct metric name the first time it's observed.
// Mirrors tempo-vulture's metrics.go (package-level vars registered via
// prometheus.MustRegister in that binary's init); here the set of names
// isn't known until first use, so registration happens lazily behind a
// mutex instead of at package init.
type Prometheus struct {
	namespace string
	registry  prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheus creates a Prometheus sink registering metrics under the
// given namespace against reg. Pass prometheus.DefaultRegisterer for the
// global registry.
func NewPrometheus(namespace string, reg prometheus.Registerer) *Prometheus {
	return &Prometheus{
		namespace:  namespace,
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNames(labels []string) []string {
	names := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		names = append(names, labels[i])
	}
	return names
}

func labelValues(labels []string) []string {
	values := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		values = append(values, labels[i+1])
	}
	return values
}

func (p *Prometheus) counterVec(name string, labels []string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      sanitize(name),
		Help:      "groupcore counter: " + name,
	}, labelNames(labels))
	p.registry.MustRegister(c)
	p.counters[name] = c
	return c
}

func (p *Prometheus) histogramVec(name string, labels []string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      sanitize(name),
		Help:      "groupcore latency: " + name,
		Buckets:   prometheus.DefBuckets,
	}, labelNames(labels))
	p.registry.MustRegister(h)
	p.histograms[name] = h
	return h
}

// Counter implements Sink.
func (p *Prometheus) Counter(name string, delta int64, labels ...string) {
	p.counterVec(name, labels).WithLabelValues(labelValues(labels)...).Add(float64(delta))
}

// Observe implements Sink.
func (p *Prometheus) Observe(name string, valueMs float64, labels ...string) {
	p.histogramVec(name, labels).WithLabelValues(labelValues(labels)...).Observe(valueMs)
}

// sanitize maps this package's dotted metric names ("heartbeat.sent") onto
// Prometheus's underscore-only naming convention.
func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			out[i] = '_'
		} else {
			out[i] = name[i]
		}
	}
	return string(out)
}
