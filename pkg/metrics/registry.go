package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

type series struct {
	kind  string
	value float64
	count uint64
	sum   float64
}

// Registry is an in-memory Collector that renders its series in the
// Prometheus text format.
type Registry struct {
	mu     sync.Mutex
	series map[string]*series
}

func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*series)}
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get("counter", name, labels).value += delta
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get("gauge", name, labels).value = value
}

// ObserveHistogram keeps a count and a sum per series; no buckets.
func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get("summary", name, labels)
	s.count++
	s.sum += value
}

// Value returns the current value of a counter or gauge.
func (r *Registry) Value(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.series[seriesKey(name, labels)]; ok {
		return s.value
	}
	return 0
}

// Count returns how many observations a histogram has seen.
func (r *Registry) Count(name string, labels map[string]string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.series[seriesKey(name, labels)]; ok {
		return s.count
	}
	return 0
}

// WriteText writes every series sorted by key.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.Lock()
	keys := make([]string, 0, len(r.series))
	for k := range r.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		s := r.series[k]
		if s.kind == "summary" {
			name, labels := splitKey(k)
			fmt.Fprintf(&b, "%s_count%s %d\n", name, labels, s.count)
			fmt.Fprintf(&b, "%s_sum%s %g\n", name, labels, s.sum)
			continue
		}
		fmt.Fprintf(&b, "%s %g\n", k, s.value)
	}
	r.mu.Unlock()

	_, err := io.WriteString(w, b.String())
	return err
}

func (r *Registry) get(kind, name string, labels map[string]string) *series {
	key := seriesKey(name, labels)
	s, ok := r.series[key]
	if !ok {
		s = &series{kind: kind}
		r.series[key] = s
	}
	return s
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, k := range names {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func splitKey(key string) (string, string) {
	if i := strings.IndexByte(key, '{'); i >= 0 {
		return key[:i], key[i:]
	}
	return key, ""
}
