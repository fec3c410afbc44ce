package core

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
	"github.com/mohammad-safakhou/docgen/internal/agent/telemetry"
)

// Writer drafts prose for every leaf and self-evaluates each draft,
// redrafting with the evaluator's feedback until the score clears the
// threshold or the attempt budget runs out. A leaf that cannot be
// written at all gets placeholder prose so the run still completes.
type Writer struct {
	cfg       config.WriterConfig
	llm       LLMProvider
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewWriter(cfg config.WriterConfig, llm LLMProvider, tel *telemetry.Telemetry) *Writer {
	return &Writer{
		cfg:       cfg,
		llm:       llm,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[WRITER] ", log.LstdFlags),
	}
}

// Write fills Prose and Quality on every leaf using a bounded worker
// pool. Leaf order in the plan is never changed.
func (w *Writer) Write(ctx context.Context, plan *Plan) {
	started := time.Now()
	workers := w.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for pi := range plan.Parts {
		for li := range plan.Parts[pi].Leaves {
			wg.Add(1)
			sem <- struct{}{}
			go func(partIdx, leafIdx int) {
				defer wg.Done()
				defer func() { <-sem }()
				w.writeLeaf(ctx, plan, partIdx, leafIdx)
			}(pi, li)
		}
	}
	wg.Wait()
	if w.telemetry != nil {
		w.telemetry.RecordStageDuration("writer", time.Since(started))
	}
}

func (w *Writer) writeLeaf(ctx context.Context, plan *Plan, partIdx, leafIdx int) {
	leaf := &plan.Parts[partIdx].Leaves[leafIdx]
	part := plan.Parts[partIdx]

	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Printf("leaf %d.%d (%s) panicked: %v", partIdx, leafIdx, leaf.Subtitle, rec)
			w.failLeaf(leaf, partIdx, leafIdx, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	var draft string
	var score float64
	feedback := ""

	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		text, err := w.draft(ctx, plan.Request, part, leaf, feedback)
		if err != nil {
			w.logger.Printf("leaf %d.%d draft failed: %v", partIdx, leafIdx, err)
			w.failLeaf(leaf, partIdx, leafIdx, "draft generation failed: "+err.Error())
			return
		}
		draft = text

		score, feedback = w.fastCheck(draft)
		if feedback == "" {
			score, feedback = w.evaluate(ctx, leaf, draft)
		}

		if w.telemetry != nil {
			w.telemetry.RecordLeafProgress("writer", partIdx, leafIdx, attempt, score)
		}
		if score >= w.cfg.QualityThreshold {
			break
		}
	}

	leaf.Prose = CleanProse(draft, leaf.Subtitle)
	leaf.Quality = score
	if score < w.cfg.QualityThreshold && w.telemetry != nil {
		w.telemetry.RecordLeafFailure(telemetry.LeafFailure{
			Stage:    "writer",
			PartIdx:  partIdx,
			LeafIdx:  leafIdx,
			Subtitle: leaf.Subtitle,
			Reason:   fmt.Sprintf("quality %.2f below threshold after %d attempts", score, w.cfg.MaxAttempts),
		})
	}
	if w.telemetry != nil {
		w.telemetry.RecordLeafDone("writer", partIdx, leafIdx, leaf.Quality)
	}
}

// failLeaf marks a leaf unrecoverable: placeholder prose, zero quality.
func (w *Writer) failLeaf(leaf *Leaf, partIdx, leafIdx int, reason string) {
	leaf.Prose = PlaceholderProse
	leaf.Quality = 0.0
	if w.telemetry != nil {
		w.telemetry.RecordLeafFailure(telemetry.LeafFailure{
			Stage:    "writer",
			PartIdx:  partIdx,
			LeafIdx:  leafIdx,
			Subtitle: leaf.Subtitle,
			Reason:   reason,
		})
		w.telemetry.RecordLeafDone("writer", partIdx, leafIdx, 0.0)
	}
}

func (w *Writer) draft(ctx context.Context, request string, part Part, leaf *Leaf, feedback string) (string, error) {
	evidence := leaf.Evidence
	if strings.TrimSpace(evidence) == "" {
		evidence = "No reference material was found. Write from general knowledge and stay conservative about specifics."
	}

	prompt := fmt.Sprintf(
		"Document request: %s\nPart: %s\nPart goal: %s\nSection to write: %s\nGuidance: %s\n\nReference material:\n%s\n\nWrite the body text of this section as flowing prose. Do not repeat the section title. Do not use markdown headings or emphasis markers. Aim for a few focused paragraphs.",
		request, part.Title, part.Goal, leaf.Subtitle, leaf.HowToWrite, evidence)
	if feedback != "" {
		prompt += "\n\nA previous draft was rejected with this feedback, address it: " + feedback
	}

	messages := []Message{
		{Role: "system", Content: "You are a document section writer. You produce polished plain prose."},
		{Role: "user", Content: prompt},
	}
	return w.llm.Complete(ctx, messages, CompleteOptions{})
}

// fastCheck applies cheap structural checks before spending an LLM call
// on evaluation. A non-empty feedback string means the draft already
// failed and the score stands without model evaluation.
func (w *Writer) fastCheck(draft string) (float64, string) {
	trimmed := strings.TrimSpace(draft)
	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		return 0.0, "output is a bracketed placeholder, regenerate real prose"
	}
	n := utf8.RuneCountInString(trimmed)
	if n < 200 {
		return 0.1, "too short"
	}
	if n > 2000 {
		return 0.4, "too long, tighten"
	}
	return 0.0, ""
}

type evalResponse struct {
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
}

// evaluate asks the model to grade a draft 0-100 and normalizes the
// result to [0,1]. An unparseable evaluation scores 0.2 so the draft is
// retried rather than silently accepted.
func (w *Writer) evaluate(ctx context.Context, leaf *Leaf, draft string) (float64, string) {
	messages := []Message{
		{Role: "system", Content: "You grade document sections for correctness, focus, and readability. Respond with JSON only."},
		{Role: "user", Content: fmt.Sprintf(
			"Section: %s\nGuidance: %s\n\nDraft:\n%s\n\nGrade the draft from 0 to 100 and give one sentence of feedback. Return JSON: {\"score\": int, \"feedback\": string}.",
			leaf.Subtitle, leaf.HowToWrite, draft)},
	}

	var resp evalResponse
	if err := w.llm.CompleteJSON(ctx, messages, `{"score":85,"feedback":"..."}`, &resp); err != nil {
		return 0.2, "evaluation failed, regenerate"
	}

	score := float64(resp.Score) / 100.0
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	feedback := strings.TrimSpace(resp.Feedback)
	if feedback == "" {
		feedback = "improve clarity and coverage"
	}
	return score, feedback
}

var (
	boldPattern     = regexp.MustCompile(`\*{1,2}([^*]*)\*{1,2}`)
	underBold       = regexp.MustCompile(`__([^_]*)__`)
	underItal       = regexp.MustCompile(`\b_([^_]+)_\b`)
	headingPattern  = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	trailingPattern = regexp.MustCompile(`(?m)[ \t]+$`)
	newlinePattern  = regexp.MustCompile(`\n{3,}`)
)

// CleanProse normalizes a final draft: drops a leading repeat of the
// subtitle, strips markdown emphasis and heading markers, collapses runs
// of blank lines, and trims trailing whitespace. The passes run until
// the text stops changing, so applying CleanProse twice yields the same
// result.
func CleanProse(draft, subtitle string) string {
	s := strings.TrimSpace(draft)
	for i := 0; i < 5; i++ {
		next := cleanPass(s, subtitle)
		if next == s {
			break
		}
		s = next
	}
	return s
}

func cleanPass(s, subtitle string) string {
	s = headingPattern.ReplaceAllString(s, "")
	s = boldPattern.ReplaceAllString(s, "$1")
	s = underBold.ReplaceAllString(s, "$1")
	s = underItal.ReplaceAllString(s, "$1")

	// Models often open by restating the section title on its own line.
	if subtitle != "" && strings.HasPrefix(s, subtitle) {
		rest := strings.TrimLeft(s[len(subtitle):], ":： \t")
		if rest == "" || strings.HasPrefix(rest, "\n") {
			s = rest
		}
	}

	s = trailingPattern.ReplaceAllString(s, "")
	s = newlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
