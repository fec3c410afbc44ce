package telemetry

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
)

// Telemetry is the process-wide progress tracker for a pipeline run. All
// counters are mutex-protected; agents from every stage report into the same
// instance. Construct one per pipeline so test harnesses can run pipelines
// side by side without collision.
type Telemetry struct {
	config config.TelemetryConfig
	logger *log.Logger

	mu       sync.Mutex
	llmCalls int64
	metrics  Metrics
	failures []LeafFailure

	registry *prometheus.Registry

	promLLMCalls      prometheus.Counter
	promRetrievals    prometheus.Counter
	promSnippets      prometheus.Counter
	promStageDuration *prometheus.HistogramVec
	promLeafQuality   prometheus.Histogram
}

// Metrics holds per-stage progress counters
type Metrics struct {
	PlannerParts    int64
	RetrieverLeaves int64
	WriterLeaves    int64

	LLMCalls        int64
	RetrievalCalls  int64
	SnippetsFetched int64

	StageDurations map[string]time.Duration
}

// LeafFailure identifies a leaf that degraded during a stage
type LeafFailure struct {
	Stage    string
	PartIdx  int
	LeafIdx  int
	Subtitle string
	Reason   string
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config:   cfg,
		logger:   log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		registry: prometheus.NewRegistry(),
		metrics:  Metrics{StageDurations: make(map[string]time.Duration)},
	}

	t.promLLMCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docgen_llm_calls_total",
		Help: "Number of successful LLM completion calls.",
	})
	t.promRetrievals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docgen_retrieval_calls_total",
		Help: "Number of retrieval service lookups.",
	})
	t.promSnippets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docgen_snippets_fetched_total",
		Help: "Number of snippets returned by the retrieval service.",
	})
	t.promStageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docgen_stage_duration_seconds",
		Help:    "Wall-clock duration of each pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"stage"})
	t.promLeafQuality = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "docgen_leaf_quality",
		Help:    "Final self-scored quality per written leaf.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	t.registry.MustRegister(t.promLLMCalls, t.promRetrievals, t.promSnippets, t.promStageDuration, t.promLeafQuality)

	return t
}

// Registry exposes the prometheus registry for the HTTP /metrics endpoint
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// RecordLLMCall increments the global LLM call counter. Called by the LLM
// client on every successful completion.
func (t *Telemetry) RecordLLMCall() {
	t.mu.Lock()
	t.llmCalls++
	t.metrics.LLMCalls = t.llmCalls
	t.mu.Unlock()
	t.promLLMCalls.Inc()
}

// LLMCalls returns the number of successful LLM calls so far
func (t *Telemetry) LLMCalls() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.llmCalls
}

// RecordRetrieval records a retrieval lookup and how many snippets it returned
func (t *Telemetry) RecordRetrieval(snippets int) {
	t.mu.Lock()
	t.metrics.RetrievalCalls++
	t.metrics.SnippetsFetched += int64(snippets)
	t.mu.Unlock()
	t.promRetrievals.Inc()
	t.promSnippets.Add(float64(snippets))
}

// RecordPartDone records completion of one part in the planner guidance phase
func (t *Telemetry) RecordPartDone(partIdx int, title string) {
	t.mu.Lock()
	t.metrics.PlannerParts++
	done := t.metrics.PlannerParts
	t.mu.Unlock()
	if t.config.Enabled {
		t.logger.Printf("stage=planner part=%d title=%q done=%d", partIdx, title, done)
	}
}

// RecordLeafProgress logs a single retriever/writer loop step for a leaf
func (t *Telemetry) RecordLeafProgress(stage string, partIdx, leafIdx, iteration int, score float64) {
	if t.config.Enabled {
		t.logger.Printf("stage=%s leaf=%d.%d iteration=%d score=%.2f", stage, partIdx, leafIdx, iteration, score)
	}
}

// RecordLeafDone records completion of one leaf in the named stage
func (t *Telemetry) RecordLeafDone(stage string, partIdx, leafIdx int, quality float64) {
	t.mu.Lock()
	switch stage {
	case "retriever":
		t.metrics.RetrieverLeaves++
	case "writer":
		t.metrics.WriterLeaves++
	}
	t.mu.Unlock()
	if stage == "writer" {
		t.promLeafQuality.Observe(quality)
	}
	if t.config.Enabled {
		t.logger.Printf("stage=%s leaf=%d.%d done quality=%.2f", stage, partIdx, leafIdx, quality)
	}
}

// RecordLeafFailure records a degraded leaf for the end-of-run summary
func (t *Telemetry) RecordLeafFailure(f LeafFailure) {
	t.mu.Lock()
	t.failures = append(t.failures, f)
	t.mu.Unlock()
	if t.config.Enabled {
		t.logger.Printf("stage=%s leaf=%d.%d FAILED subtitle=%q reason=%s", f.Stage, f.PartIdx, f.LeafIdx, f.Subtitle, f.Reason)
	}
}

// RecordStageDuration records the wall-clock duration of a completed stage
func (t *Telemetry) RecordStageDuration(stage string, d time.Duration) {
	t.mu.Lock()
	t.metrics.StageDurations[stage] = d
	t.mu.Unlock()
	t.promStageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if t.config.Enabled {
		t.logger.Printf("stage=%s finished in %v", stage, d)
	}
}

// GetMetrics returns a snapshot of the current counters
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.metrics
	m.StageDurations = make(map[string]time.Duration, len(t.metrics.StageDurations))
	for k, v := range t.metrics.StageDurations {
		m.StageDurations[k] = v
	}
	return m
}

// Failures returns the degraded-leaf list accumulated so far
func (t *Telemetry) Failures() []LeafFailure {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]LeafFailure, len(t.failures))
	copy(out, t.failures)
	return out
}

// Summary renders the end-of-run report: counters plus the failed-leaf list
func (t *Telemetry) Summary() string {
	m := t.GetMetrics()
	failures := t.Failures()

	report := fmt.Sprintf(`=== GENERATION REPORT ===
Parts planned: %d
Leaves retrieved: %d
Leaves written: %d
LLM calls: %d
Retrieval calls: %d (snippets: %d)
`, m.PlannerParts, m.RetrieverLeaves, m.WriterLeaves, m.LLMCalls, m.RetrievalCalls, m.SnippetsFetched)

	stages := make([]string, 0, len(m.StageDurations))
	for s := range m.StageDurations {
		stages = append(stages, s)
	}
	sort.Strings(stages)
	for _, s := range stages {
		report += fmt.Sprintf("  %s: %v\n", s, m.StageDurations[s])
	}

	if len(failures) == 0 {
		report += "Degraded leaves: none\n"
		return report
	}
	report += fmt.Sprintf("Degraded leaves: %d\n", len(failures))
	for _, f := range failures {
		report += fmt.Sprintf("  [%s] %d.%d %q: %s\n", f.Stage, f.PartIdx, f.LeafIdx, f.Subtitle, f.Reason)
	}
	return report
}
