// Package telemetry keeps opt-in, in-process counters and timings for the
// sync engine. Nothing is recorded until Enable is called, and nothing ever
// leaves the process: Snapshot is the only way to read the data.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Timing aggregates recorded durations for one metric.
type Timing struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"totalNs"`
	Min   time.Duration `json:"minNs"`
	Max   time.Duration `json:"maxNs"`
}

// Mean returns the average duration, or 0 with no samples.
func (t Timing) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

// Snapshot is a point-in-time copy of every metric.
type Snapshot struct {
	Enabled  bool              `json:"enabled"`
	Counters map[string]int64  `json:"counters"`
	Timings  map[string]Timing `json:"timings"`
}

type registry struct {
	mu       sync.Mutex
	enabled  bool
	counters map[string]int64
	timings  map[string]Timing
}

var global = newRegistry()

func newRegistry() *registry {
	return &registry{
		counters: make(map[string]int64),
		timings:  make(map[string]Timing),
	}
}

// =====================================================
// Opt-in Controls
// =====================================================

// IsEnabled reports whether recording is on.
func IsEnabled() bool {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.enabled
}

// Enable turns recording on.
func Enable() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.enabled = true
}

// Disable turns recording off and drops everything recorded so far.
func Disable() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.enabled = false
	global.counters = make(map[string]int64)
	global.timings = make(map[string]Timing)
}

// Reset drops every recorded value without changing the enabled flag.
func Reset() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.counters = make(map[string]int64)
	global.timings = make(map[string]Timing)
}

// =====================================================
// Recording
// =====================================================

// RecordCount adds delta to a counter. Tags become part of the metric key.
func RecordCount(name string, delta int, tags map[string]string) {
	key := metricKey(name, tags)
	global.mu.Lock()
	defer global.mu.Unlock()
	if !global.enabled {
		return
	}
	global.counters[key] += int64(delta)
}

// RecordTiming adds one duration sample.
func RecordTiming(name string, d time.Duration, tags map[string]string) {
	key := metricKey(name, tags)
	global.mu.Lock()
	defer global.mu.Unlock()
	if !global.enabled {
		return
	}
	t := global.timings[key]
	if t.Count == 0 || d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	t.Count++
	t.Total += d
	global.timings[key] = t
}

// Since records the time elapsed since start. Use with defer.
func Since(name string, start time.Time, tags map[string]string) {
	RecordTiming(name, time.Since(start), tags)
}

// GetSnapshot copies every metric.
func GetSnapshot() Snapshot {
	global.mu.Lock()
	defer global.mu.Unlock()
	s := Snapshot{
		Enabled:  global.enabled,
		Counters: make(map[string]int64, len(global.counters)),
		Timings:  make(map[string]Timing, len(global.timings)),
	}
	for k, v := range global.counters {
		s.Counters[k] = v
	}
	for k, v := range global.timings {
		s.Timings[k] = v
	}
	return s
}

// metricKey renders name{k=v,...} with tags in key order.
func metricKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}
