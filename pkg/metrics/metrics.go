// Package metrics is an in-process counter registry exposed as JSON and in
// Prometheus text format.
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
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	outcome        map[string]int64
	declineReason  map[string]int64
	methodOutcome  map[string]int64
	gauges         map[string]float64
	authorityFetch int64
	pipelineStat   PipelineLatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type PipelineLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt         string                  `json:"generated_at"`
	Endpoints           map[string]EndpointStat `json:"endpoints"`
	Outcomes            map[string]int64        `json:"outcomes"`
	DeclineReasons      map[string]int64        `json:"decline_reasons"`
	MethodOutcomes      map[string]int64        `json:"method_outcomes"`
	Gauges              map[string]float64      `json:"gauges"`
	AuthorityFetchTotal int64                   `json:"authority_fetch_total"`
	PipelineLatencyMS   PipelineLatencyStat     `json:"pipeline_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		outcome:       map[string]int64{},
		declineReason: map[string]int64{},
		methodOutcome: map[string]int64{},
		gauges:        map[string]float64{},
	}
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

func (r *Registry) IncOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncDeclineReason(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "UNKNOWN"
	}
	r.mu.Lock()
	r.declineReason[reason]++
	r.mu.Unlock()
}

// IncMethodOutcome counts per payment method and outcome.
func (r *Registry) IncMethodOutcome(method, outcome string) {
	if method == "" || outcome == "" {
		return
	}
	key := method + "|" + outcome
	r.mu.Lock()
	r.methodOutcome[key]++
	r.mu.Unlock()
}

func (r *Registry) IncAuthorityFetch() {
	r.mu.Lock()
	r.authorityFetch++
	r.mu.Unlock()
}

func (r *Registry) ObservePipelineLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelineStat.Count++
	r.pipelineStat.TotalMS += ms
	r.pipelineStat.LastMS = ms
	if ms > r.pipelineStat.MaxMS {
		r.pipelineStat.MaxMS = ms
	}
	r.pipelineStat.AvgMS = float64(r.pipelineStat.TotalMS) / float64(r.pipelineStat.Count)
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
		GeneratedAt:         time.Now().UTC().Format(time.RFC3339),
		Endpoints:           make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:            make(map[string]int64, len(r.outcome)),
		DeclineReasons:      make(map[string]int64, len(r.declineReason)),
		MethodOutcomes:      make(map[string]int64, len(r.methodOutcome)),
		Gauges:              make(map[string]float64, len(r.gauges)),
		AuthorityFetchTotal: r.authorityFetch,
		PipelineLatencyMS:   r.pipelineStat,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.declineReason {
		out.DeclineReasons[k] = v
	}
	for k, v := range r.methodOutcome {
		out.MethodOutcomes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
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
		b.WriteString("# HELP saturn_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE saturn_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "saturn_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP saturn_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE saturn_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "saturn_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP saturn_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE saturn_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "saturn_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP saturn_authorization_total authorization decisions by outcome\n")
		b.WriteString("# TYPE saturn_authorization_total counter\n")
		for _, outcome := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "saturn_authorization_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP saturn_decline_total soft declines by reason\n")
		b.WriteString("# TYPE saturn_decline_total counter\n")
		for _, reason := range SortedKeys(snap.DeclineReasons) {
			fmt.Fprintf(b, "saturn_decline_total{reason=%q} %d\n", reason, snap.DeclineReasons[reason])
		}
		b.WriteString("# HELP saturn_method_authorization_total decisions by payment method and outcome\n")
		b.WriteString("# TYPE saturn_method_authorization_total counter\n")
		for _, key := range SortedKeys(snap.MethodOutcomes) {
			parts := strings.SplitN(key, "|", 2)
			outcome := "UNKNOWN"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "saturn_method_authorization_total{method=%q,outcome=%q} %d\n", parts[0], outcome, snap.MethodOutcomes[key])
		}
		b.WriteString("# HELP saturn_authority_fetch_total remote authority object fetches\n")
		b.WriteString("# TYPE saturn_authority_fetch_total counter\n")
		fmt.Fprintf(b, "saturn_authority_fetch_total %d\n", snap.AuthorityFetchTotal)
		b.WriteString("# HELP saturn_pipeline_latency_ms authorization pipeline latency in ms\n")
		b.WriteString("# TYPE saturn_pipeline_latency_ms gauge\n")
		fmt.Fprintf(b, "saturn_pipeline_latency_ms{stat=%q} %d\n", "last", snap.PipelineLatencyMS.LastMS)
		fmt.Fprintf(b, "saturn_pipeline_latency_ms{stat=%q} %.3f\n", "avg", snap.PipelineLatencyMS.AvgMS)
		fmt.Fprintf(b, "saturn_pipeline_latency_ms{stat=%q} %d\n", "max", snap.PipelineLatencyMS.MaxMS)
		b.WriteString("# HELP saturn_gauge operational gauge metrics\n")
		b.WriteString("# TYPE saturn_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "saturn_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
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
