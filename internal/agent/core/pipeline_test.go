package core

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
	"github.com/mohammad-safakhou/docgen/internal/agent/telemetry"
)

// routerLLM answers by prompt shape, which keeps it valid regardless of
// worker interleaving.
func routerLLM(t *testing.T) *stubLLM {
	t.Helper()
	llm := &stubLLM{}
	llm.reply = func(messages []Message) (string, error) {
		prompt := messages[len(messages)-1].Content
		switch {
		case strings.Contains(prompt, "pick the document kind"):
			return `{"parts": [
				{"title": "Basics", "goal": "Cover the basics", "leaves": [{"subtitle": "Intro"}, {"subtitle": "Concepts"}]},
				{"title": "Advanced", "goal": "Go deeper", "leaves": [{"subtitle": "Internals"}]}
			]}`, nil
		case strings.Contains(prompt, "guidance"):
			return `{"guides": [
				{"subtitle": "Intro", "how_to_write": "Welcome the reader."},
				{"subtitle": "Concepts", "how_to_write": "Define the core terms."},
				{"subtitle": "Internals", "how_to_write": "Explain the machinery."}
			]}`, nil
		case strings.Contains(prompt, "Pick one strategy"):
			return `{"analysis": "straightforward", "strategy": "direct", "keywords": ["widget", "basics", "overview"]}`, nil
		case strings.Contains(prompt, "Rate the relevance"):
			return "0.9", nil
		case strings.Contains(prompt, "Write the body text"):
			return longDraft("section body"), nil
		case strings.Contains(prompt, "Grade the draft"):
			return `{"score": 85, "feedback": "fine"}`, nil
		}
		t.Errorf("unexpected prompt: %s", prompt)
		return "", nil
	}
	return llm
}

func pipelineTestConfig(dataDir string) *config.Config {
	return &config.Config{
		Retrieval: config.RetrievalConfig{MaxResults: 20},
		Planner:   config.PlannerConfig{Workers: 2},
		Retriever: retrieverTestConfig(),
		Writer:    writerTestConfig(),
		Storage:   config.StorageConfig{File: config.FileConfig{DataDir: dataDir}},
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	rs := newRetrievalServer(
		Snippet{Content: "Widgets are small composable units."},
		Snippet{Content: "A widget exposes a narrow interface."},
	)
	defer rs.close()

	dataDir := t.TempDir()
	cfg := pipelineTestConfig(dataDir)
	tel := telemetry.NewTelemetry(config.TelemetryConfig{})
	llm := routerLLM(t)

	pipeline := NewPipelineWith(cfg, llm, rs.client(retrievalTestConfig()), tel, NewFileSink(dataDir))
	result, err := pipeline.Run(context.Background(), "run-1", "explain widgets", DocKindTechnical)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := result.Plan.LeafCount(); got != 3 {
		t.Fatalf("got %d leaves, want 3", got)
	}
	for pi, part := range result.Plan.Parts {
		for li, leaf := range part.Leaves {
			if leaf.Evidence == "" {
				t.Fatalf("leaf %d.%d has no evidence", pi, li)
			}
			if leaf.Prose == "" || leaf.Prose == PlaceholderProse {
				t.Fatalf("leaf %d.%d has no prose", pi, li)
			}
			if leaf.Quality < 0.7 {
				t.Fatalf("leaf %d.%d quality %v below threshold", pi, li, leaf.Quality)
			}
		}
	}

	if !strings.Contains(result.Document, "# Basics") || !strings.Contains(result.Document, "## Internals") {
		t.Fatalf("document missing headings:\n%s", result.Document)
	}

	runDir := filepath.Join(dataDir, "run-1")
	for _, name := range []string{"plan_after_planner.json", "plan_after_retriever.json", "plan_after_writer.json", "document.md"} {
		if _, err := os.Stat(filepath.Join(runDir, name)); err != nil {
			t.Fatalf("artifact %s not written: %v", name, err)
		}
	}

	// Each snapshot must itself be a valid plan.
	for _, name := range []string{"plan_after_planner.json", "plan_after_retriever.json", "plan_after_writer.json"} {
		data, err := os.ReadFile(filepath.Join(runDir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		var snapshot Plan
		if err := json.Unmarshal(data, &snapshot); err != nil {
			t.Fatalf("snapshot %s is not valid JSON: %v", name, err)
		}
		if err := snapshot.Validate(); err != nil {
			t.Fatalf("snapshot %s invalid: %v", name, err)
		}
	}

	metrics := tel.GetMetrics()
	if metrics.LLMCalls == 0 {
		t.Fatalf("telemetry recorded no LLM calls")
	}
	if metrics.WriterLeaves != 3 {
		t.Fatalf("telemetry recorded %d writer leaves, want 3", metrics.WriterLeaves)
	}
}

func TestPipelineDegradesWithDeadBackends(t *testing.T) {
	rs := newRetrievalServer()
	url := rs.srv.URL
	rs.close()

	dataDir := t.TempDir()
	cfg := pipelineTestConfig(dataDir)
	cfg.Retrieval.Endpoint = url
	tel := telemetry.NewTelemetry(config.TelemetryConfig{})

	// Planner and writer still work; only retrieval is down.
	llm := routerLLM(t)

	retrievalCfg := retrievalTestConfig()
	retrievalCfg.Endpoint = url
	pipeline := NewPipelineWith(cfg, llm, NewRetrievalClient(retrievalCfg, nil, nil), tel, NewFileSink(dataDir))
	result, err := pipeline.Run(context.Background(), "run-2", "explain widgets", DocKindTechnical)
	if err != nil {
		t.Fatalf("Run should not fail with retrieval down: %v", err)
	}

	for pi, part := range result.Plan.Parts {
		for li, leaf := range part.Leaves {
			if leaf.Evidence != "" {
				t.Fatalf("leaf %d.%d should have empty evidence", pi, li)
			}
			if leaf.Prose == "" {
				t.Fatalf("leaf %d.%d should still have prose", pi, li)
			}
		}
	}
}

func TestPipelineRejectsEmptyRequest(t *testing.T) {
	cfg := pipelineTestConfig(t.TempDir())
	pipeline := NewPipelineWith(cfg, routerLLM(t), NewRetrievalClient(retrievalTestConfig(), nil, nil), nil)
	if _, err := pipeline.Run(context.Background(), "run-3", "", DocKindTechnical); err == nil {
		t.Fatal("empty request must fail")
	}
}
