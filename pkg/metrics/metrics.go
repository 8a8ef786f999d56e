package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	escrowState map[string]int64
	fallback    map[string]int64
	events      map[string]int64
	gauges      map[string]float64
	Histograms  *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	EscrowTotals   map[string]int64        `json:"escrow_totals"`
	FallbackTotals map[string]int64        `json:"fallback_totals"`
	EventTotals    map[string]int64        `json:"event_totals"`
	Gauges         map[string]float64      `json:"gauges"`
	Histograms     []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		escrowState: map[string]int64{},
		fallback:    map[string]int64{},
		events:      map[string]int64{},
		gauges:      map[string]float64{},
		Histograms:  NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) AddEscrowState(state string, delta int64) {
	state = strings.TrimSpace(strings.ToUpper(state))
	if state == "" || delta <= 0 {
		return
	}
	r.mu.Lock()
	r.escrowState[state] += delta
	r.mu.Unlock()
}

// IncEscrowState counts entries into an escrow state.
func (r *Registry) IncEscrowState(state string) {
	r.AddEscrowState(state, 1)
}

// IncFallback counts policy queries answered by a default because the named
// module was absent or failed.
func (r *Registry) IncFallback(module string) {
	module = strings.TrimSpace(module)
	if module == "" {
		return
	}
	r.mu.Lock()
	r.fallback[module]++
	r.mu.Unlock()
}

func (r *Registry) IncEvent(eventType string) {
	if eventType == "" {
		return
	}
	r.mu.Lock()
	r.events[eventType]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		EscrowTotals:   copyCounts(r.escrowState),
		FallbackTotals: copyCounts(r.fallback),
		EventTotals:    copyCounts(r.events),
		Gauges:         make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP escrow_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE escrow_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "escrow_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP escrow_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE escrow_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "escrow_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP escrow_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE escrow_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "escrow_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP escrow_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE escrow_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "escrow_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}
		b.WriteString("# HELP escrow_state_total escrow transitions by entered state\n")
		b.WriteString("# TYPE escrow_state_total counter\n")
		for _, state := range SortedKeys(snap.EscrowTotals) {
			fmt.Fprintf(b, "escrow_state_total{state=%q} %d\n", state, snap.EscrowTotals[state])
		}
		b.WriteString("# HELP escrow_module_fallback_total policy queries answered by defaults\n")
		b.WriteString("# TYPE escrow_module_fallback_total counter\n")
		for _, module := range SortedKeys(snap.FallbackTotals) {
			fmt.Fprintf(b, "escrow_module_fallback_total{module=%q} %d\n", module, snap.FallbackTotals[module])
		}
		b.WriteString("# HELP escrow_event_total emitted escrow events by type\n")
		b.WriteString("# TYPE escrow_event_total counter\n")
		for _, typ := range SortedKeys(snap.EventTotals) {
			fmt.Fprintf(b, "escrow_event_total{type=%q} %d\n", typ, snap.EventTotals[typ])
		}
		b.WriteString("# HELP escrow_gauge operational gauge metrics\n")
		b.WriteString("# TYPE escrow_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "escrow_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP escrow_latency_seconds latency histogram\n")
			b.WriteString("# TYPE escrow_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "escrow_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "escrow_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "escrow_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "escrow_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "escrow_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
