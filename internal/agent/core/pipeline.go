package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
	"github.com/mohammad-safakhou/docgen/internal/agent/telemetry"
)

// ArtifactSink receives the plan snapshot after each stage and the
// final document. Sink failures are logged, never fatal: artifacts are
// a convenience, the run result is returned in memory.
type ArtifactSink interface {
	SavePlan(ctx context.Context, runID, stage string, plan *Plan) error
	SaveDocument(ctx context.Context, runID, document string) error
}

// FileSink writes artifacts under a per-run directory:
// plan_after_planner.json, plan_after_retriever.json,
// plan_after_writer.json, and document.md.
type FileSink struct {
	dataDir string
}

func NewFileSink(dataDir string) *FileSink {
	return &FileSink{dataDir: dataDir}
}

func (f *FileSink) runDir(runID string) (string, error) {
	dir := filepath.Join(f.dataDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return dir, nil
}

func (f *FileSink) SavePlan(_ context.Context, runID, stage string, plan *Plan) error {
	dir, err := f.runDir(runID)
	if err != nil {
		return err
	}
	data, err := plan.MarshalIndent()
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "plan_after_"+stage+".json"), data, 0o644)
}

func (f *FileSink) SaveDocument(_ context.Context, runID, document string) error {
	dir, err := f.runDir(runID)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "document.md"), []byte(document), 0o644)
}

// Result is what one generation run produces.
type Result struct {
	RunID    string
	Plan     *Plan
	Document string
	Summary  string
	Duration time.Duration
}

// Pipeline wires the three agents and the assembler into one run.
// A single Pipeline is safe for concurrent Run calls: the agents are
// stateless between runs and share only the rate limiter and telemetry.
type Pipeline struct {
	cfg       *config.Config
	planner   *Planner
	retriever *Retriever
	writer    *Writer
	telemetry *telemetry.Telemetry
	sinks     []ArtifactSink
	logger    *log.Logger
}

// NewPipeline builds the full agent stack from configuration. cache and
// sinks may be nil or empty.
func NewPipeline(cfg *config.Config, cache SnippetCache, tel *telemetry.Telemetry, sinks ...ArtifactSink) *Pipeline {
	limiter := NewRateLimiter(cfg.RateLimit.MinSpacing)
	llm := NewOpenAIClient(cfg.LLM, limiter, tel)
	search := NewRetrievalClient(cfg.Retrieval, cache, tel)
	return NewPipelineWith(cfg, llm, search, tel, sinks...)
}

// NewPipelineWith builds a pipeline on an existing provider and
// retrieval client.
func NewPipelineWith(cfg *config.Config, llm LLMProvider, search *RetrievalClient, tel *telemetry.Telemetry, sinks ...ArtifactSink) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		planner:   NewPlanner(cfg.Planner, llm, tel),
		retriever: NewRetriever(cfg.Retriever, llm, search, tel),
		writer:    NewWriter(cfg.Writer, llm, tel),
		telemetry: tel,
		sinks:     sinks,
		logger:    log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// Run executes the three stages over one evolving plan and assembles
// the final document.
func (p *Pipeline) Run(ctx context.Context, runID, request string, kind DocKind) (*Result, error) {
	if request == "" {
		return nil, fmt.Errorf("empty request")
	}
	started := time.Now()
	p.logger.Printf("run %s: planning %q (%s)", runID, truncate(request, 120), kind)

	plan := p.planner.Plan(ctx, request, kind)
	p.persistPlan(ctx, runID, "planner", plan)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.retriever.Enrich(ctx, plan)
	p.persistPlan(ctx, runID, "retriever", plan)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.writer.Write(ctx, plan)
	p.persistPlan(ctx, runID, "writer", plan)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	document := Assemble(plan)
	for _, sink := range p.sinks {
		if err := sink.SaveDocument(ctx, runID, document); err != nil {
			p.logger.Printf("run %s: save document: %v", runID, err)
		}
	}

	result := &Result{
		RunID:    runID,
		Plan:     plan,
		Document: document,
		Duration: time.Since(started),
	}
	if p.telemetry != nil {
		result.Summary = p.telemetry.Summary()
	}
	p.logger.Printf("run %s: done in %v (%d parts, %d leaves)", runID, result.Duration, len(plan.Parts), plan.LeafCount())
	return result, nil
}

func (p *Pipeline) persistPlan(ctx context.Context, runID, stage string, plan *Plan) {
	for _, sink := range p.sinks {
		if err := sink.SavePlan(ctx, runID, stage, plan); err != nil {
			p.logger.Printf("run %s: save plan after %s: %v", runID, stage, err)
		}
	}
}
