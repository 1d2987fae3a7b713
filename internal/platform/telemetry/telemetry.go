// Package telemetry records operational metrics for the SHL server using
// only standard library constructs: counters, gauges, and histograms with a
// Prometheus text exposition endpoint, no metrics SDK required.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Histogram bucket boundaries for request durations, in seconds.
var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

type histogram struct {
	boundaries []float64
	counts     []int64
	sumBits    uint64
	count      int64
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries: boundaries,
		counts:     make([]int64, len(boundaries)+1),
	}
}

func (h *histogram) Observe(v float64) {
	idx := len(h.boundaries)
	for i, b := range h.boundaries {
		if v <= b {
			idx = i
			break
		}
	}
	atomic.AddInt64(&h.counts[idx], 1)
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sumBits, v)
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sumBits))
}

func (h *histogram) cumulativeBuckets() []int64 {
	cum := make([]int64, len(h.boundaries))
	var running int64
	for i := range h.boundaries {
		running += atomic.LoadInt64(&h.counts[i])
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Counter store (labeled counters keyed "name|label")
// ---------------------------------------------------------------------------

type counterStore struct {
	mu       sync.RWMutex
	counters map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{counters: make(map[string]*int64)}
}

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	c, ok := s.counters[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if c, ok = s.counters[key]; !ok {
			c = new(int64)
			s.counters[key] = c
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(c, 1)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.counters[key]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.counters))
	for k, c := range s.counters {
		out[k] = atomic.LoadInt64(c)
	}
	return out
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider aggregates all SHL server metrics. One Provider serves the whole
// process; every method is safe for concurrent use.
type Provider struct {
	serviceName string

	counters       *counterStore
	activeRequests int64
	duration       *histogram
}

// NewProvider creates an empty metrics provider.
func NewProvider(serviceName string) *Provider {
	if serviceName == "" {
		serviceName = "shl-server"
	}
	return &Provider{
		serviceName: serviceName,
		counters:    newCounterStore(),
		duration:    newHistogram(defaultDurationBuckets),
	}
}

// ManifestAccess counts one manifest request by outcome: "granted",
// "expired", "exhausted", "passcode", or "not_found".
func (p *Provider) ManifestAccess(outcome string) {
	p.counters.inc("manifest|" + outcome)
}

// CiphertextServed counts one ciphertext download by kind: "content" or
// "attachment".
func (p *Provider) CiphertextServed(kind string) {
	p.counters.inc("ciphertext|" + kind)
}

// ManifestAccessCount returns the current count for an outcome. Tests only.
func (p *Provider) ManifestAccessCount(outcome string) int64 {
	return p.counters.get("manifest|" + outcome)
}

// ---------------------------------------------------------------------------
// Echo middleware
// ---------------------------------------------------------------------------

// MetricsMiddleware records request duration and tracks in-flight requests.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.activeRequests, 1)
			start := time.Now()

			err := next(c)

			p.duration.Observe(time.Since(start).Seconds())
			atomic.AddInt64(&p.activeRequests, -1)
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

// PrometheusHandler serves all recorded metrics in Prometheus text format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
		writeHistogram(&b, "http_server_request_duration_seconds", p.duration)
		b.WriteByte('\n')

		b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n", atomic.LoadInt64(&p.activeRequests))
		b.WriteByte('\n')

		counters := p.counters.snapshot()
		writeLabeledCounter(&b, counters, "manifest",
			"shl_manifest_access_count", "outcome",
			"Total manifest requests by outcome.")
		writeLabeledCounter(&b, counters, "ciphertext",
			"shl_ciphertext_served_count", "kind",
			"Total ciphertext downloads by kind.")

		return c.String(http.StatusOK, b.String())
	}
}

func writeHistogram(b *strings.Builder, name string, h *histogram) {
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"} %d\n", name, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", name, h.Count())
	fmt.Fprintf(b, "%s_sum %g\n", name, h.Sum())
	fmt.Fprintf(b, "%s_count %d\n", name, h.Count())
}

func writeLabeledCounter(b *strings.Builder, counters map[string]int64,
	prefix, promName, labelName, help string) {

	fmt.Fprintf(b, "# HELP %s %s\n", promName, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", promName)

	keys := make([]string, 0, len(counters))
	for k := range counters {
		if strings.HasPrefix(k, prefix+"|") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		label := strings.TrimPrefix(k, prefix+"|")
		fmt.Fprintf(b, "%s{%s=%q} %d\n", promName, labelName, label, counters[k])
	}
	b.WriteByte('\n')
}
