// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for chatrelay. It renders text/plain in Prometheus exposition
// format without pulling in prometheus/client_golang.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide metrics collector.
var Collector = NewCollector()

// MetricsCollector aggregates counters and histograms.
type MetricsCollector struct {
	counters   sync.Map // name -> *Counter
	histograms sync.Map // name -> *Histogram
	startTime  time.Time
}

func NewCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help string) *Counter {
	if v, ok := c.counters.Load(name); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help}
	actual, _ := c.counters.LoadOrStore(name, ctr)
	return actual.(*Counter)
}

// Histogram returns or creates a histogram with the given name.
func (c *MetricsCollector) Histogram(name, help string, buckets []float64) *Histogram {
	if v, ok := c.histograms.Load(name); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(name, h)
	return actual.(*Histogram)
}

// Handler renders all metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		fmt.Fprintf(&sb, "# HELP chatrelay_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE chatrelay_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "chatrelay_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

		c.counters.Range(func(key, value any) bool {
			ctr := value.(*Counter)
			fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
			fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
			fmt.Fprintf(&sb, "%s %d\n", ctr.name, ctr.Value())
			return true
		})

		c.histograms.Range(func(key, value any) bool {
			h := value.(*Histogram)
			h.mu.Lock()
			defer h.mu.Unlock()

			fmt.Fprintf(&sb, "# HELP %s %s\n", h.name, h.help)
			fmt.Fprintf(&sb, "# TYPE %s histogram\n", h.name)
			for _, b := range h.buckets {
				fmt.Fprintf(&sb, "%s_bucket{le=\"%g\"} %d\n", h.name, b.le, b.count)
			}
			fmt.Fprintf(&sb, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
			fmt.Fprintf(&sb, "%s_count %d\n", h.name, h.count)
			fmt.Fprintf(&sb, "%s_sum %f\n", h.name, h.sum)
			return true
		})

		fmt.Fprint(w, sb.String())
	}
}

// --- Pre-defined metrics used across the application ---

var (
	MessagesTotal   = Collector.Counter("chatrelay_messages_total", "Total inbound messages processed")
	StreamsStarted  = Collector.Counter("chatrelay_streams_started_total", "Total live streams started")
	StreamFallbacks = Collector.Counter("chatrelay_stream_fallbacks_total", "Total streaming failures that fell back to discrete delivery")
	RepliesSent     = Collector.Counter("chatrelay_replies_delivered_total", "Total reply payloads delivered")
	RepliesDropped  = Collector.Counter("chatrelay_replies_dropped_total", "Total silent replies suppressed")

	ResponseLatency = Collector.Histogram("chatrelay_response_latency_seconds", "End-to-end response handling latency in seconds",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
)
