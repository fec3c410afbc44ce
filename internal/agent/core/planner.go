package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
	"github.com/mohammad-safakhou/docgen/internal/agent/telemetry"
)

// Planner builds the document skeleton and fills in per-leaf writing
// guidance. It runs in two phases: one structure call for the whole
// document, then one guidance call per part executed on a worker pool.
type Planner struct {
	cfg       config.PlannerConfig
	llm       LLMProvider
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewPlanner(cfg config.PlannerConfig, llm LLMProvider, tel *telemetry.Telemetry) *Planner {
	return &Planner{
		cfg:       cfg,
		llm:       llm,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// kindOutline describes what each document kind's structure should
// emphasize. Fed into the structure prompt verbatim.
func kindOutline(kind DocKind) string {
	switch kind {
	case DocKindUserManual:
		return "a user manual: orient parts around tasks the reader performs, from setup through everyday use to troubleshooting"
	case DocKindResearch:
		return "a research report: background and motivation, methodology or analysis, findings, and implications"
	case DocKindTutorial:
		return "a tutorial: a progression of hands-on steps, each part building on the previous, ending with a complete working result"
	default:
		return "a technical document: architecture and concepts first, then concrete subsystems, then operational concerns"
	}
}

// Plan produces a fully structured plan with guidance on every leaf.
// The structure call classifies the document kind; hint is used when the
// model does not return a usable one. Plan never fails outright: a
// structure call that stays malformed falls back to a minimal skeleton,
// and guidance failures fall back to a neutral instruction, so
// downstream stages always receive a valid plan.
func (p *Planner) Plan(ctx context.Context, request string, hint DocKind) *Plan {
	started := time.Now()
	plan := p.buildStructure(ctx, request, hint)
	p.fillGuidance(ctx, plan)
	if p.telemetry != nil {
		p.telemetry.RecordStageDuration("planner", time.Since(started))
	}
	p.logger.Printf("plan ready: %d parts, %d leaves", len(plan.Parts), plan.LeafCount())
	return plan
}

type structureResponse struct {
	DocKind string `json:"doc_kind"`
	Parts   []struct {
		Title  string `json:"title"`
		Goal   string `json:"goal"`
		Leaves []struct {
			Subtitle string `json:"subtitle"`
		} `json:"leaves"`
	} `json:"parts"`
}

func (p *Planner) buildStructure(ctx context.Context, request string, hint DocKind) *Plan {
	var kinds strings.Builder
	for _, k := range DocKinds {
		fmt.Fprintf(&kinds, "- %s: %s\n", k, kindOutline(k))
	}

	messages := []Message{
		{Role: "system", Content: "You are a document planner. You classify the request into a document kind and decompose it into parts and sections. Respond with JSON only."},
		{Role: "user", Content: fmt.Sprintf(
			"Request: %s\n\nFirst pick the document kind that fits this request best:\n%s\nThen design a structure shaped for that kind.\n\nReturn JSON: {\"doc_kind\": string, \"parts\": [{\"title\": string, \"goal\": string, \"leaves\": [{\"subtitle\": string}]}]}. doc_kind must be one of the kinds listed. Every part needs at least one leaf.",
			request, kinds.String())},
	}

	var resp structureResponse
	err := p.llm.CompleteJSON(ctx, messages, `{"doc_kind":"technical","parts":[{"title":"...","goal":"...","leaves":[{"subtitle":"..."}]}]}`, &resp)

	// The model's classification wins; the caller's kind is the fallback
	// when the reply omits it or names something outside the enum.
	kind := hint
	if classified := DocKind(strings.ToLower(strings.TrimSpace(resp.DocKind))); KnownDocKind(classified) {
		kind = classified
	} else if err == nil && resp.DocKind != "" {
		p.logger.Printf("model classified unknown doc kind %q, keeping %q", resp.DocKind, hint)
	}

	plan := &Plan{Request: request, DocKind: kind}
	if err == nil {
		for _, part := range resp.Parts {
			if strings.TrimSpace(part.Title) == "" || len(part.Leaves) == 0 {
				continue
			}
			out := Part{Title: strings.TrimSpace(part.Title), Goal: strings.TrimSpace(part.Goal)}
			for _, leaf := range part.Leaves {
				if strings.TrimSpace(leaf.Subtitle) == "" {
					continue
				}
				out.Leaves = append(out.Leaves, Leaf{Subtitle: strings.TrimSpace(leaf.Subtitle)})
			}
			if len(out.Leaves) > 0 {
				plan.Parts = append(plan.Parts, out)
			}
		}
	}

	if len(plan.Parts) == 0 {
		if err != nil {
			p.logger.Printf("structure call failed, using default skeleton: %v", err)
		} else {
			p.logger.Printf("structure call returned no usable parts, using default skeleton")
		}
		if p.telemetry != nil {
			p.telemetry.RecordLeafFailure(telemetry.LeafFailure{
				Stage:  "planner",
				Reason: "structure generation failed, default skeleton used",
			})
		}
		plan.Parts = defaultSkeleton(request)
	}
	return plan
}

// defaultSkeleton is the fallback structure: one part, three leaves.
func defaultSkeleton(request string) []Part {
	topic := strings.TrimSpace(request)
	if topic == "" {
		topic = "the requested topic"
	}
	return []Part{{
		Title: "Overview",
		Goal:  "Cover " + topic + " end to end at a general level.",
		Leaves: []Leaf{
			{Subtitle: "Introduction"},
			{Subtitle: "Main Content"},
			{Subtitle: "Summary"},
		},
	}}
}

type guidanceResponse struct {
	Guides []struct {
		Subtitle   string `json:"subtitle"`
		HowToWrite string `json:"how_to_write"`
	} `json:"guides"`
}

// fillGuidance runs one guidance call per part on a bounded pool and
// merges results back by exact subtitle match. The plan slice layout is
// never reordered; workers only write into their own part.
func (p *Planner) fillGuidance(ctx context.Context, plan *Plan) {
	workers := p.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i := range plan.Parts {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			p.guidePart(ctx, plan, idx)
		}(i)
	}
	wg.Wait()
}

func (p *Planner) guidePart(ctx context.Context, plan *Plan, partIdx int) {
	part := &plan.Parts[partIdx]

	subtitles := make([]string, 0, len(part.Leaves))
	for _, leaf := range part.Leaves {
		subtitles = append(subtitles, leaf.Subtitle)
	}

	messages := []Message{
		{Role: "system", Content: "You write per-section guidance for document authors. Respond with JSON only."},
		{Role: "user", Content: fmt.Sprintf(
			"Document request: %s\nPart: %s\nPart goal: %s\nSections: %s\n\nFor each section, write one or two sentences of concrete guidance on what the section must cover and in what tone. Return JSON: {\"guides\": [{\"subtitle\": string, \"how_to_write\": string}]}. Use the section subtitles exactly as given.",
			plan.Request, part.Title, part.Goal, strings.Join(subtitles, "; "))},
	}

	var resp guidanceResponse
	err := p.llm.CompleteJSON(ctx, messages, `{"guides":[{"subtitle":"...","how_to_write":"..."}]}`, &resp)
	if err != nil {
		p.logger.Printf("guidance failed for part %q, using defaults: %v", part.Title, err)
	}

	byName := make(map[string]string, len(resp.Guides))
	for _, g := range resp.Guides {
		if strings.TrimSpace(g.HowToWrite) != "" {
			byName[g.Subtitle] = strings.TrimSpace(g.HowToWrite)
		}
	}

	for i := range part.Leaves {
		leaf := &part.Leaves[i]
		if guide, ok := byName[leaf.Subtitle]; ok {
			leaf.HowToWrite = guide
			continue
		}
		if err == nil {
			p.logger.Printf("no guidance returned for %q in part %q, using default", leaf.Subtitle, part.Title)
		}
		leaf.HowToWrite = defaultGuidance(part.Goal, leaf.Subtitle)
	}

	if p.telemetry != nil {
		p.telemetry.RecordPartDone(partIdx, part.Title)
	}
}

func defaultGuidance(goal, subtitle string) string {
	if strings.TrimSpace(goal) == "" {
		return fmt.Sprintf("Write a clear, informative section about %s.", subtitle)
	}
	return fmt.Sprintf("Write a clear, informative section about %s, supporting the goal: %s", subtitle, goal)
}
