// Package metrics exposes module runtime statistics to Prometheus.
//
// A Metrics value counts lifecycle events published on a registry's event
// bus, records API client attempts and cache lookups (it implements
// apiclient.Metrics) and reports the current module states on scrape.
//
// Usage:
//
//	m := metrics.New("modhost")
//	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
//		return err
//	}
//	reg := modhost.NewRegistry(modhost.WithClientOptions(apiclient.WithMetrics(m)))
//	m.Attach(reg)
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/apiclient"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name when New gets "".
const DefaultNamespace = "modhost"

var _ apiclient.Metrics = (*Metrics)(nil)

// Metrics holds the runtime collectors.
type Metrics struct {
	eventsTotal   *prometheus.CounterVec
	attemptsTotal *prometheus.CounterVec
	attemptTime   *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	states        *stateCollector
}

// New creates the collectors. Nothing is registered until Register.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_events_total",
			Help:      "Module lifecycle events published, by event type.",
		}, []string{"type"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "attempts_total",
			Help:      "HTTP attempts made by module API clients, by module and outcome.",
		}, []string{"module", "outcome"}),
		attemptTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of HTTP attempts made by module API clients.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups, by module and result.",
		}, []string{"module", "result"}),
		states: &stateCollector{
			desc: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "", "modules"),
				"Registered modules, by state.",
				[]string{"state"}, nil,
			),
		},
	}
}

// Register registers every collector with r. Collectors that are already
// registered are reused, so Register may be called more than once.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.eventsTotal, m.attemptsTotal, m.attemptTime, m.cacheLookups, m.states} {
		if err := r.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	return nil
}

// Attach counts every event published by reg and reports reg's module
// states on scrape. The returned subscription detaches the event counter.
func (m *Metrics) Attach(reg *modhost.Registry) modhost.Subscription {
	m.states.set(reg)
	return reg.Events().OnAny(func(_ context.Context, event modhost.ModuleEvent) error {
		m.eventsTotal.WithLabelValues(string(event.Type)).Inc()
		return nil
	})
}

// ObserveAttempt records one HTTP attempt.
func (m *Metrics) ObserveAttempt(moduleID, outcome string, duration time.Duration) {
	m.attemptsTotal.WithLabelValues(moduleID, outcome).Inc()
	m.attemptTime.WithLabelValues(moduleID, outcome).Observe(duration.Seconds())
}

// ObserveCache records one cache lookup.
func (m *Metrics) ObserveCache(moduleID string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(moduleID, result).Inc()
}

// stateCollector emits the module state gauges as const metrics generated
// on scrape.
type stateCollector struct {
	desc *prometheus.Desc

	mu  sync.RWMutex
	reg *modhost.Registry
}

func (c *stateCollector) set(reg *modhost.Registry) {
	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	reg := c.reg
	c.mu.RUnlock()
	if reg == nil {
		return
	}

	counts := map[modhost.ModuleState]int{
		modhost.StateActive:   0,
		modhost.StateInactive: 0,
		modhost.StateLoading:  0,
		modhost.StateFailed:   0,
	}
	for _, st := range reg.Statuses() {
		counts[st.State]++
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(state))
	}
}
