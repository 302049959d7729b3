// Package metrics is the counter registry the pipeline reports into.
// Connection goroutines publish count events onto a bus; the parent
// folds them into a prometheus registry served on the admin endpoint.
package metrics

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric ids registered by the core. Handlers add their own through
// RegisterCounter.
const (
	ConnectTotal          = "authmilter_connect_total"
	CallbackErrorTotal    = "authmilter_callback_error_total"
	TimeMicrosecondsTotal = "authmilter_time_microseconds_total"
)

// CountEvent is one counter increment. Count defaults to 1 when zero.
type CountEvent struct {
	ID     string            `json:"id"`
	Labels map[string]string `json:"labels,omitempty"`
	Server string            `json:"server,omitempty"`
	Count  float64           `json:"count,omitempty"`
}

// Sink receives count events. The pipeline controller only sees this.
type Sink interface {
	Count(ev CountEvent)
}

type counter struct {
	vec    *prometheus.CounterVec
	labels []string
}

// Registry owns the prometheus registry and the id -> counter map.
type Registry struct {
	prom   *prometheus.Registry
	mu     sync.Mutex
	byID   map[string]counter
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		prom:   prometheus.NewRegistry(),
		byID:   make(map[string]counter),
		logger: logger,
	}
	r.prom.MustRegister(collectors.NewGoCollector())
	r.prom.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r.RegisterCounter(ConnectTotal, "Total connections accepted")
	r.RegisterCounter(CallbackErrorTotal, "Callback failures by stage and handler",
		"stage", "handler", "type")
	r.RegisterCounter(TimeMicrosecondsTotal, "Time spent in callbacks, microseconds",
		"callback", "handler")
	return r
}

// RegisterCounter registers a counter id with help text and a label
// set. Registering an existing id is a no-op, so handlers can register
// unconditionally at load time.
func (r *Registry) RegisterCounter(id, help string, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: id, Help: help}, labels)
	r.prom.MustRegister(vec)
	r.byID[id] = counter{vec: vec, labels: labels}
}

// Count folds one event into the registry. Events for unregistered ids
// are dropped with a debug line; label values missing from the event
// become empty strings, so aggregation stays commutative regardless of
// which child registered first.
func (r *Registry) Count(ev CountEvent) {
	r.mu.Lock()
	c, ok := r.byID[ev.ID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("count for unregistered metric", slog.String("id", ev.ID))
		return
	}

	values := make([]string, len(c.labels))
	for i, name := range c.labels {
		if name == "server" && ev.Server != "" {
			values[i] = ev.Server
			continue
		}
		values[i] = ev.Labels[name]
	}

	n := ev.Count
	if n == 0 {
		n = 1
	}
	c.vec.WithLabelValues(values...).Add(n)
}

// Handler serves the scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}
