// This package provides a small set of instrument interfaces backed by
// go-metrics. We wrap go-metrics so that the scheduler does not leak its
// metrics dependency to anyone pulling it in as a library.
//
// Specifically, we provide the following:
// - A StatsReceiver object that can be passed down a call tree and scoped to each level.
// - Counter and Gauge instruments that mirror the go-metrics equivalents.
// - Reset-on-read rendering of the whole registry as JSON.
//
// Original license: github.com/rcrowley/go-metrics/blob/master/LICENSE
package stats

import (
	"encoding/json"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/rcrowley/go-metrics"
)

// Stats users can either reference this global receiver or construct their own.
var CurrentStatsReceiver StatsReceiver = NilStatsReceiver()

// Overridable instrument creation.
var NewCounter func() Counter = newMetricCounter
var NewGauge func() Gauge = newMetricGauge

// A registry wrapper for metrics collected about the runtime behavior of a
// scheduler instance.
//
// Hierarchical names are stored using a '/' path separator. Variadic name
// elements passed to any method have '/' characters replaced by "_SLASH_"
// before they are used internally. This is instead of failing, because
// counter names can be dynamically generated and it is better to scrub the
// name than to panic.
type StatsReceiver interface {
	// Return a stats receiver that will automatically namespace elements with
	// the given scope args.
	//
	//   statsReceiver.Scope("foo", "bar").Counter("baz")  // is equivalent to
	//   statsReceiver.Counter("foo", "bar", "baz")
	//
	Scope(scope ...string) StatsReceiver

	// Provides an event counter.
	Counter(name ...string) Counter

	// Add a gauge, which holds an int64 value that can be set arbitrarily.
	Gauge(name ...string) Gauge

	// Removes the given named stats item if it exists.
	Remove(name ...string)

	// Construct a JSON string by marshaling the registry. Counters are
	// cleared after every render.
	Render(pretty bool) []byte
}

// DefaultStatsReceiver returns a receiver backed by a fresh go-metrics
// registry. Rendering resets all instruments.
func DefaultStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry()}
}

type defaultStatsReceiver struct {
	registry metrics.Registry
	scope    []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{s.registry, s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scopedName(name...), NewCounter).(Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.scopedName(name...), NewGauge).(Gauge)
}

func (s *defaultStatsReceiver) Remove(name ...string) {
	s.registry.Unregister(s.scopedName(name...))
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	data := make(map[string]interface{})
	s.registry.Each(func(name string, i interface{}) {
		switch stat := i.(type) {
		case Counter:
			data[name] = stat.Count()
		case Gauge:
			data[name] = stat.Value()
		default:
			log.Info("Unrecognized marshal instrument: ", name, i)
		}
	})

	var err error
	var bytes []byte
	if pretty {
		bytes, err = json.MarshalIndent(data, "", "  ")
	} else {
		bytes, err = json.Marshal(data)
	}
	if err != nil {
		panic("StatsRegistry bug, cannot be marshaled")
	}

	// reset on every call to render.
	s.registry.Each(func(name string, i interface{}) {
		if c, ok := i.(Counter); ok {
			c.Clear()
		}
	})
	return bytes
}

// Append to existing scope and scrub slashes.
func (s *defaultStatsReceiver) scoped(scope ...string) []string {
	for i, sc := range scope {
		scope[i] = strings.Replace(sc, "/", "_SLASH_", -1)
	}
	return append(s.scope[:], scope...)
}

// Append to the existing scope and convert to slash-delimited string.
func (s *defaultStatsReceiver) scopedName(scope ...string) string {
	return strings.Join(s.scoped(scope...), "/")
}

//
// NilStats ignores all stats operations.
//
func NilStatsReceiver(scope ...string) StatsReceiver {
	return &nilStatsReceiver{}
}

type nilStatsReceiver struct{}

func (s *nilStatsReceiver) Scope(scope ...string) StatsReceiver { return s }
func (s *nilStatsReceiver) Counter(name ...string) Counter {
	return &metricCounter{&metrics.NilCounter{}}
}
func (s *nilStatsReceiver) Gauge(name ...string) Gauge {
	return &metricGauge{&metrics.NilGauge{}}
}
func (s *nilStatsReceiver) Remove(name ...string)     {}
func (s *nilStatsReceiver) Render(pretty bool) []byte { return []byte{} }

//
// Minimally mirror go-metrics instruments.
//
// Counter
type Counter interface {
	Capture() Counter
	Clear()
	Count() int64
	Inc(int64)
	Update(int64)
}
type metricCounter struct{ metrics.Counter }

func (m *metricCounter) Capture() Counter { return &metricCounter{m.Snapshot()} }
func (m *metricCounter) Update(i int64)   { m.Inc(i - m.Count()) }
func newMetricCounter() Counter           { return &metricCounter{metrics.NewCounter()} }

// Gauge
type Gauge interface {
	Capture() Gauge
	Update(int64)
	Value() int64
}
type metricGauge struct{ metrics.Gauge }

func (m *metricGauge) Capture() Gauge { return &metricGauge{m.Snapshot()} }
func newMetricGauge() Gauge           { return &metricGauge{metrics.NewGauge()} }
