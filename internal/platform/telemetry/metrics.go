// Package telemetry records HTTP and call-event metrics and serves them in
// the Prometheus text exposition format.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/callmanager/internal/platform/websocket"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated with CAS
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, bucketCounts: make([]int64, len(boundaries))}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// LabelsKey builds the key of a request-duration series.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

type funcMetric struct {
	name, help, typ string
	fn              func() float64
}

// Metrics is safe for concurrent use.
type Metrics struct {
	mu        sync.RWMutex
	durations map[string]*histogram
	events    map[string]*int64
	funcs     []funcMetric

	activeRequests atomic.Int64
}

func New() *Metrics {
	return &Metrics{
		durations: make(map[string]*histogram),
		events:    make(map[string]*int64),
	}
}

func (m *Metrics) durationFor(key string) *histogram {
	m.mu.RLock()
	h, ok := m.durations[key]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.durations[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		m.durations[key] = h
	}
	return h
}

// RegisterGauge exports fn as a gauge sampled at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.mu.Lock()
	m.funcs = append(m.funcs, funcMetric{name: name, help: help, typ: "gauge", fn: fn})
	m.mu.Unlock()
}

// RegisterCounter exports fn as a monotonically increasing counter.
func (m *Metrics) RegisterCounter(name, help string, fn func() float64) {
	m.mu.Lock()
	m.funcs = append(m.funcs, funcMetric{name: name, help: help, typ: "counter", fn: fn})
	m.mu.Unlock()
}

// Publish counts call events by type. It lets Metrics sit in a
// websocket.Fanout next to the hub.
func (m *Metrics) Publish(_ context.Context, ev websocket.Event) error {
	m.mu.RLock()
	p, ok := m.events[ev.Type]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if p, ok = m.events[ev.Type]; !ok {
			p = new(int64)
			m.events[ev.Type] = p
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
	return nil
}

// EventCount returns how many events of eventType were published.
func (m *Metrics) EventCount(eventType string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.events[eventType]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

// Middleware records request durations by method, route and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.activeRequests.Add(1)
			start := time.Now()
			err := next(c)
			m.activeRequests.Add(-1)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m.durationFor(LabelsKey(c.Request().Method, route, strconv.Itoa(status))).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves GET /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, m.Render())
	}
}

// Render writes every metric in the Prometheus text format. Series are
// sorted so output is stable.
func (m *Metrics) Render() string {
	var b strings.Builder

	m.mu.RLock()
	durations := make(map[string]*histogram, len(m.durations))
	for k, v := range m.durations {
		durations[k] = v
	}
	events := make(map[string]int64, len(m.events))
	for k, p := range m.events {
		events[k] = atomic.LoadInt64(p)
	}
	funcs := append([]funcMetric(nil), m.funcs...)
	m.mu.RUnlock()

	const durName = "http_server_request_duration_seconds"
	fmt.Fprintf(&b, "# HELP %s Duration of HTTP requests in seconds.\n", durName)
	fmt.Fprintf(&b, "# TYPE %s histogram\n", durName)
	for _, key := range sortedKeys(durations) {
		parts := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(&b, durName, labels, durations[key])
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n\n", m.activeRequests.Load())

	b.WriteString("# HELP callmanager_events_total Call lifecycle events published, by type.\n")
	b.WriteString("# TYPE callmanager_events_total counter\n")
	for _, typ := range sortedKeys(events) {
		fmt.Fprintf(&b, "callmanager_events_total{type=%q} %d\n", typ, events[typ])
	}
	b.WriteByte('\n')

	for _, f := range funcs {
		fmt.Fprintf(&b, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", f.name, f.typ)
		fmt.Fprintf(&b, "%s %g\n\n", f.name, f.fn())
	}
	return b.String()
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
