// Package metrics exports the stats collector the device auth components
// report through. A Scope prefixes every stat it collects with a dotted
// scope name and lazily registers the backing prometheus collectors.
//
// The surface is deliberately small: the gateway only counts events,
// tracks level gauges, and times background scans.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scope collects stats under a dotted name prefix.
type Scope interface {
	// NewScope derives a child Scope whose prefix extends this one.
	NewScope(scopes ...string) Scope

	// Inc adds to a counter, e.g. sessions created or CA rotations.
	Inc(stat string, value int64)

	// Gauge sets a level, e.g. active sessions.
	Gauge(stat string, value int64)

	// TimingDuration observes a latency, e.g. an expiry monitor scan.
	TimingDuration(stat string, delta time.Duration)

	// MustRegister registers extra collectors with the Scope's registry.
	MustRegister(...prometheus.Collector)
}

// promScope sends stats to Prometheus.
type promScope struct {
	prometheus.Registerer
	*autoRegisterer
	prefix string
}

var _ Scope = &promScope{}

// NewPromScope returns a Scope that sends stats to Prometheus.
func NewPromScope(registerer prometheus.Registerer, scopes ...string) Scope {
	return &promScope{
		Registerer:     registerer,
		prefix:         strings.Join(scopes, ".") + ".",
		autoRegisterer: newAutoRegisterer(registerer),
	}
}

func (s *promScope) NewScope(scopes ...string) Scope {
	return NewPromScope(s.Registerer, s.prefix+strings.Join(scopes, "."))
}

func (s *promScope) Inc(stat string, value int64) {
	s.autoCounter(s.prefix + stat).Add(float64(value))
}

func (s *promScope) Gauge(stat string, value int64) {
	s.autoGauge(s.prefix + stat).Set(float64(value))
}

func (s *promScope) TimingDuration(stat string, delta time.Duration) {
	s.autoSummary(s.prefix + stat + "_seconds").Observe(delta.Seconds())
}

type noopScope struct{}

// NewNoopScope returns a Scope that drops everything, for tests and for
// components constructed before stats wiring.
func NewNoopScope() Scope {
	return noopScope{}
}

func (ns noopScope) NewScope(scopes ...string) Scope             { return ns }
func (noopScope) Inc(stat string, value int64)                   {}
func (noopScope) Gauge(stat string, value int64)                 {}
func (noopScope) TimingDuration(stat string, delta time.Duration) {}
func (noopScope) MustRegister(...prometheus.Collector)           {}
