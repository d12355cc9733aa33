package metrics

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aequa"

// Families are created lazily on first use. The label set seen first fixes
// the family's label names; later calls are projected onto it.
var (
	mu       sync.Mutex
	reg      = newRegistry()
	counters = map[string]*family[*prometheus.CounterVec]{}
	gauges   = map[string]*family[*prometheus.GaugeVec]{}
	sums     = map[string]*family[*prometheus.SummaryVec]{}
)

type family[V any] struct {
	keys []string
	vec  V
}

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func project(keys []string, labels map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(keys))
	for _, k := range keys {
		out[k] = labels[k]
	}
	return out
}

// Inc increments counter name{labels} by one.
func Inc(name string, labels map[string]string) { Add(name, labels, 1) }

// Add increments counter name{labels} by v.
func Add(name string, labels map[string]string, v float64) {
	mu.Lock()
	f, ok := counters[name]
	if !ok {
		keys := labelKeys(labels)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: name}, keys)
		if err := reg.Register(vec); err != nil {
			mu.Unlock()
			return
		}
		f = &family[*prometheus.CounterVec]{keys: keys, vec: vec}
		counters[name] = f
	}
	mu.Unlock()
	f.vec.With(project(f.keys, labels)).Add(v)
}

// AddGauge adds delta (may be negative) to gauge name{labels}.
func AddGauge(name string, labels map[string]string, delta float64) {
	if g := gauge(name, labels); g != nil {
		g.Add(delta)
	}
}

// SetGauge sets gauge name{labels} to v.
func SetGauge(name string, labels map[string]string, v float64) {
	if g := gauge(name, labels); g != nil {
		g.Set(v)
	}
}

func gauge(name string, labels map[string]string) prometheus.Gauge {
	mu.Lock()
	f, ok := gauges[name]
	if !ok {
		keys := labelKeys(labels)
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: name}, keys)
		if err := reg.Register(vec); err != nil {
			mu.Unlock()
			return nil
		}
		f = &family[*prometheus.GaugeVec]{keys: keys, vec: vec}
		gauges[name] = f
	}
	mu.Unlock()
	return f.vec.With(project(f.keys, labels))
}

// ObserveSummary records v into summary name{labels}.
func ObserveSummary(name string, labels map[string]string, v float64) {
	mu.Lock()
	f, ok := sums[name]
	if !ok {
		keys := labelKeys(labels)
		vec := prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  namespace,
			Name:       name,
			Help:       name,
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, keys)
		if err := reg.Register(vec); err != nil {
			mu.Unlock()
			return
		}
		f = &family[*prometheus.SummaryVec]{keys: keys, vec: vec}
		sums[name] = f
	}
	mu.Unlock()
	f.vec.With(project(f.keys, labels)).Observe(v)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	mu.Lock()
	r := reg
	mu.Unlock()
	return promhttp.HandlerFor(r, promhttp.HandlerOpts{})
}

// DumpProm renders the current registry as exposition text.
func DumpProm() string {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

// Reset drops every family. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	reg = newRegistry()
	counters = map[string]*family[*prometheus.CounterVec]{}
	gauges = map[string]*family[*prometheus.GaugeVec]{}
	sums = map[string]*family[*prometheus.SummaryVec]{}
}
