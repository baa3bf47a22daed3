package metrics

import (
	"regexp"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// autoProm implements a bridge from statsd-style metric names to
// Prometheus-style metrics. Dotted scope prefixes become underscore
// separated name components, and each distinct name is registered with the
// wrapped Registerer the first time it is seen.
type autoProm struct {
	sync.Mutex
	metrics  map[string]prometheus.Collector
	registry prometheus.Registerer
}

var promNameCleanup = regexp.MustCompile(`[^a-zA-Z0-9_:]`)

// promAdjust adjusts a name for use by Prometheus: It strips off a single
// leading component, turns dots into underscores, and removes any
// disallowed characters.
func promAdjust(name string) string {
	name = strings.TrimPrefix(name, ".")
	first := strings.SplitN(name, ".", 2)
	if len(first) == 2 {
		name = first[1]
	} else {
		name = first[0]
	}
	name = strings.Replace(name, ".", "_", -1)
	return promNameCleanup.ReplaceAllString(name, "")
}

type maker func(string) prometheus.Collector

func (ap *autoProm) get(name string, make maker) prometheus.Collector {
	ap.Lock()
	defer ap.Unlock()
	name = promAdjust(name)
	result := ap.metrics[name]
	if result != nil {
		return result
	}
	result = make(name)
	ap.registry.MustRegister(result)
	ap.metrics[name] = result
	return result
}

func newAutoProm(registry prometheus.Registerer) *autoProm {
	return &autoProm{
		metrics:  make(map[string]prometheus.Collector),
		registry: registry,
	}
}

// autoRegisterer wraps an autoProm for each of the three collector shapes
// Scope hands out.
type autoRegisterer struct {
	counters, gauges, summaries *autoProm
}

func newAutoRegisterer(registry prometheus.Registerer) *autoRegisterer {
	return &autoRegisterer{
		counters:  newAutoProm(registry),
		gauges:    newAutoProm(registry),
		summaries: newAutoProm(registry),
	}
}

func (ar *autoRegisterer) autoCounter(name string) prometheus.Counter {
	return ar.counters.get(name, func(cleaned string) prometheus.Collector {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Name: cleaned,
			Help: "auto",
		})
	}).(prometheus.Counter)
}

func (ar *autoRegisterer) autoGauge(name string) prometheus.Gauge {
	return ar.gauges.get(name, func(cleaned string) prometheus.Collector {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Name: cleaned,
			Help: "auto",
		})
	}).(prometheus.Gauge)
}

func (ar *autoRegisterer) autoSummary(name string) prometheus.Summary {
	return ar.summaries.get(name, func(cleaned string) prometheus.Collector {
		return prometheus.NewSummary(prometheus.SummaryOpts{
			Name: cleaned,
			Help: "auto",
		})
	}).(prometheus.Summary)
}
