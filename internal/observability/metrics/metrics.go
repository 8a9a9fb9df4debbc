package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, login
// attempts, uploads, quota sync runs, and the connected-account gauge. A
// RWMutex coordinates concurrent writers; the exporter renders Prometheus
// text exposition format.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	loginResults      map[string]uint64
	gateDecisions     map[string]uint64
	uploadResults     map[string]uint64
	syncResults       map[string]uint64
	eventsPublished   map[string]uint64
	connectedAccounts atomic.Int64
	suspendedAccounts atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		loginResults:    make(map[string]uint64),
		gateDecisions:   make(map[string]uint64),
		uploadResults:   make(map[string]uint64),
		syncResults:     make(map[string]uint64),
		eventsPublished: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not
// require a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates totals for request count and cumulative duration
// by HTTP method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveLogin records a login attempt outcome ("success" or "failure").
func (r *Recorder) ObserveLogin(result string) {
	r.incrementLabeled(r.loginResults, result)
}

// ObserveGateDecision records an authorization gate outcome
// ("allowed", "forbidden", "unauthenticated").
func (r *Recorder) ObserveGateDecision(decision string) {
	r.incrementLabeled(r.gateDecisions, decision)
}

// ObserveUpload records an upload outcome keyed by the sidecar status.
func (r *Recorder) ObserveUpload(status string) {
	r.incrementLabeled(r.uploadResults, status)
}

// ObserveSync records a per-account sync outcome
// ("synced", "suspended", "failed").
func (r *Recorder) ObserveSync(result string) {
	r.incrementLabeled(r.syncResults, result)
}

// ObserveEventPublished records an operational event publish by type.
func (r *Recorder) ObserveEventPublished(eventType string) {
	r.incrementLabeled(r.eventsPublished, eventType)
}

func (r *Recorder) incrementLabeled(counters map[string]uint64, label string) {
	normalized := normalizeName(label)
	r.mu.Lock()
	counters[normalized]++
	r.mu.Unlock()
}

// SetAccountGauges publishes the current number of grant-holding and
// suspended ledger accounts.
func (r *Recorder) SetAccountGauges(connected, suspended int64) {
	r.connectedAccounts.Store(connected)
	r.suspendedAccounts.Store(suspended)
}

// ConnectedAccounts exposes the current connected-account gauge.
func (r *Recorder) ConnectedAccounts() int64 {
	return r.connectedAccounts.Load()
}

// LoginCounts returns a copy of the login outcome counters for tests.
func (r *Recorder) LoginCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.loginResults))
	for k, v := range r.loginResults {
		counts[k] = v
	}
	return counts
}

// SyncCounts returns a copy of the sync outcome counters for tests.
func (r *Recorder) SyncCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.syncResults))
	for k, v := range r.syncResults {
		counts[k] = v
	}
	return counts
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.loginResults = make(map[string]uint64)
	r.gateDecisions = make(map[string]uint64)
	r.uploadResults = make(map[string]uint64)
	r.syncResults = make(map[string]uint64)
	r.eventsPublished = make(map[string]uint64)
	r.connectedAccounts.Store(0)
	r.suspendedAccounts.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP tubepanel_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE tubepanel_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "tubepanel_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP tubepanel_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE tubepanel_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "tubepanel_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP tubepanel_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE tubepanel_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "tubepanel_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	writeLabeledCounter(w, "tubepanel_login_attempts_total", "Login attempts by result", "result", r.loginResults)
	writeLabeledCounter(w, "tubepanel_gate_decisions_total", "Authorization gate decisions by outcome", "decision", r.gateDecisions)
	writeLabeledCounter(w, "tubepanel_uploads_total", "Upload attempts by final status", "status", r.uploadResults)
	writeLabeledCounter(w, "tubepanel_sync_results_total", "Quota sync outcomes by result", "result", r.syncResults)
	writeLabeledCounter(w, "tubepanel_events_published_total", "Operational events published by type", "type", r.eventsPublished)

	fmt.Fprintln(w, "# HELP tubepanel_connected_accounts Current number of grant-holding ledger accounts")
	fmt.Fprintln(w, "# TYPE tubepanel_connected_accounts gauge")
	fmt.Fprintf(w, "tubepanel_connected_accounts %d\n", r.connectedAccounts.Load())

	fmt.Fprintln(w, "# HELP tubepanel_suspended_accounts Current number of suspended ledger accounts")
	fmt.Fprintln(w, "# TYPE tubepanel_suspended_accounts gauge")
	fmt.Fprintf(w, "tubepanel_suspended_accounts %d\n", r.suspendedAccounts.Load())
}

func writeLabeledCounter(w io.Writer, name, help, label string, counters map[string]uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	keys := make([]string, 0, len(counters))
	for key := range counters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, label, key, counters[key])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

// normalizePath collapses identifier-looking segments so the label set stays
// bounded.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if strings.ContainsRune(segment, '@') {
		return true
	}
	if len(segment) >= 24 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveLogin records a login outcome on the default recorder.
func ObserveLogin(result string) {
	defaultRecorder.ObserveLogin(result)
}

// ObserveUpload records an upload outcome on the default recorder.
func ObserveUpload(status string) {
	defaultRecorder.ObserveUpload(status)
}

// ObserveSync records a sync outcome on the default recorder.
func ObserveSync(result string) {
	defaultRecorder.ObserveSync(result)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
