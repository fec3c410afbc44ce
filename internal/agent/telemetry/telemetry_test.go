package telemetry

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
)

func TestTelemetryCounters(t *testing.T) {
	tel := NewTelemetry(config.TelemetryConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tel.RecordLLMCall()
			tel.RecordRetrieval(3)
		}()
	}
	wg.Wait()

	m := tel.GetMetrics()
	if m.LLMCalls != 10 {
		t.Fatalf("LLMCalls = %d, want 10", m.LLMCalls)
	}
	if m.RetrievalCalls != 10 {
		t.Fatalf("RetrievalCalls = %d, want 10", m.RetrievalCalls)
	}
	if m.SnippetsFetched != 30 {
		t.Fatalf("SnippetsFetched = %d, want 30", m.SnippetsFetched)
	}
}

func TestTelemetryStageDurations(t *testing.T) {
	tel := NewTelemetry(config.TelemetryConfig{})
	tel.RecordStageDuration("planner", 2*time.Second)
	tel.RecordStageDuration("writer", 5*time.Second)

	m := tel.GetMetrics()
	if m.StageDurations["planner"] != 2*time.Second {
		t.Fatalf("planner duration = %v", m.StageDurations["planner"])
	}
	if m.StageDurations["writer"] != 5*time.Second {
		t.Fatalf("writer duration = %v", m.StageDurations["writer"])
	}
}

func TestSummaryListsDegradedLeaves(t *testing.T) {
	tel := NewTelemetry(config.TelemetryConfig{})
	tel.RecordLeafFailure(LeafFailure{
		Stage:    "writer",
		PartIdx:  1,
		LeafIdx:  2,
		Subtitle: "Edge Cases",
		Reason:   "quality 0.40 below threshold after 3 attempts",
	})

	summary := tel.Summary()
	if !strings.Contains(summary, "GENERATION REPORT") {
		t.Fatalf("summary missing header:\n%s", summary)
	}
	if !strings.Contains(summary, "Degraded leaves: 1") {
		t.Fatalf("summary missing degraded count:\n%s", summary)
	}
	if !strings.Contains(summary, `"Edge Cases"`) {
		t.Fatalf("summary missing failed leaf:\n%s", summary)
	}
}

func TestSummaryWithoutFailures(t *testing.T) {
	tel := NewTelemetry(config.TelemetryConfig{})
	if got := tel.Summary(); !strings.Contains(got, "Degraded leaves: none") {
		t.Fatalf("summary should report no degraded leaves:\n%s", got)
	}
}
