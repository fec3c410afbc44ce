package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
	"github.com/mohammad-safakhou/docgen/internal/agent/telemetry"
)

// Retriever gathers evidence for every leaf of the plan. Each leaf runs
// its own reason-act-observe loop: the model formulates a query with one
// of the closed-set strategies, the retrieval service executes it, and a
// second model call scores what came back. The loop exits on a good
// score, on two consecutive poor scores, or when the iteration budget
// runs out.
type Retriever struct {
	cfg       config.RetrieverConfig
	llm       LLMProvider
	search    *RetrievalClient
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewRetriever(cfg config.RetrieverConfig, llm LLMProvider, search *RetrievalClient, tel *telemetry.Telemetry) *Retriever {
	return &Retriever{
		cfg:       cfg,
		llm:       llm,
		search:    search,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[RETRIEVER] ", log.LstdFlags),
	}
}

// Enrich fills Evidence on every leaf, running leaves on a bounded
// worker pool. Workers write only into their own leaf, so the plan's
// part and leaf order is preserved.
func (r *Retriever) Enrich(ctx context.Context, plan *Plan) {
	started := time.Now()
	workers := r.cfg.Workers
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
				r.enrichLeaf(ctx, plan, partIdx, leafIdx)
			}(pi, li)
		}
	}
	wg.Wait()
	if r.telemetry != nil {
		r.telemetry.RecordStageDuration("retriever", time.Since(started))
	}
}

// iterationResult tracks one loop pass: the query issued and the
// snippets it contributed, so evidence assembly can put the
// best-scoring iteration first.
type iterationResult struct {
	query    string
	strategy Strategy
	score    float64
	snippets []Snippet
}

func (r *Retriever) enrichLeaf(ctx context.Context, plan *Plan, partIdx, leafIdx int) {
	leaf := &plan.Parts[partIdx].Leaves[leafIdx]

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("leaf %d.%d (%s) panicked: %v", partIdx, leafIdx, leaf.Subtitle, rec)
			leaf.Evidence = ""
			if r.telemetry != nil {
				r.telemetry.RecordLeafFailure(telemetry.LeafFailure{
					Stage:    "retriever",
					PartIdx:  partIdx,
					LeafIdx:  leafIdx,
					Subtitle: leaf.Subtitle,
					Reason:   fmt.Sprintf("internal error: %v", rec),
				})
			}
		}
	}()

	part := plan.Parts[partIdx]
	seen := make(map[string]bool)
	attempted := make(map[string]bool)
	used := make(map[Strategy]bool)
	var iterations []iterationResult
	lowStreak := 0

	for iter := 0; iter < r.cfg.MaxIterations; iter++ {
		query, strategy, err := r.planQuery(ctx, plan.Request, part, leaf, iterations)
		if err != nil && providerDown(err) {
			r.recordFailure(partIdx, leafIdx, leaf.Subtitle, "query planning unavailable: "+err.Error())
			break
		}
		if err != nil {
			// Malformed planning output past all corrective retries:
			// fall back to the subtitle itself as the query.
			strategy = nextUnusedStrategy(used)
			query = leaf.Subtitle
			r.logger.Printf("leaf %d.%d: falling back to subtitle query: %v", partIdx, leafIdx, err)
		}
		if attempted[query] {
			// Never reissue an identical query within one leaf. Rotate
			// to the next unused strategy and requery from its angle.
			strategy = nextUnusedStrategy(used)
			query = query + " " + string(strategy)
		}
		attempted[query] = true
		used[strategy] = true

		result := iterationResult{query: query, strategy: strategy}
		for _, s := range r.search.Search(ctx, query) {
			content := strings.TrimSpace(s.Content)
			if content == "" || seen[content] {
				continue
			}
			seen[content] = true
			s.Content = content
			result.snippets = append(result.snippets, s)
		}

		score := r.observe(ctx, leaf, result.snippets)
		result.score = score
		iterations = append(iterations, result)

		if r.telemetry != nil {
			r.telemetry.RecordLeafProgress("retriever", partIdx, leafIdx, iter+1, score)
		}

		if score >= r.cfg.QualityThreshold {
			break
		}
		if score < r.cfg.LowScoreGuard {
			lowStreak++
			if lowStreak >= 2 {
				break
			}
		} else {
			lowStreak = 0
		}
	}

	leaf.Evidence = r.assembleEvidence(iterations)
	best := 0.0
	for _, it := range iterations {
		if it.score > best {
			best = it.score
		}
	}
	if leaf.Evidence == "" {
		r.recordFailure(partIdx, leafIdx, leaf.Subtitle, "no evidence gathered")
	}
	if r.telemetry != nil {
		r.telemetry.RecordLeafDone("retriever", partIdx, leafIdx, best)
	}
}

func (r *Retriever) recordFailure(partIdx, leafIdx int, subtitle, reason string) {
	if r.telemetry == nil {
		return
	}
	r.telemetry.RecordLeafFailure(telemetry.LeafFailure{
		Stage:    "retriever",
		PartIdx:  partIdx,
		LeafIdx:  leafIdx,
		Subtitle: subtitle,
		Reason:   reason,
	})
}

// providerDown reports whether the error means further model calls for
// this leaf are pointless.
func providerDown(err error) bool {
	return errors.Is(err, ErrProviderFatal) || errors.Is(err, ErrProviderExhausted)
}

func nextUnusedStrategy(used map[Strategy]bool) Strategy {
	for _, s := range Strategies {
		if !used[s] {
			return s
		}
	}
	return StrategyDirect
}

type queryResponse struct {
	Analysis string   `json:"analysis"`
	Strategy string   `json:"strategy"`
	Keywords []string `json:"keywords"`
}

// planQuery asks the model to reason about what to search for next.
func (r *Retriever) planQuery(ctx context.Context, request string, part Part, leaf *Leaf, prior []iterationResult) (string, Strategy, error) {
	var history strings.Builder
	for i, it := range prior {
		fmt.Fprintf(&history, "attempt %d: strategy=%s query=%q relevance=%.2f\n", i+1, it.strategy, it.query, it.score)
	}
	if history.Len() == 0 {
		history.WriteString("none yet\n")
	}

	var menu strings.Builder
	for _, s := range Strategies {
		fmt.Fprintf(&menu, "- %s: %s\n", s, StrategyHint(s))
	}

	messages := []Message{
		{Role: "system", Content: "You plan retrieval queries for a document section. Respond with JSON only."},
		{Role: "user", Content: fmt.Sprintf(
			"Document request: %s\nPart: %s (%s)\nSection: %s\nGuidance: %s\n\nPrevious attempts:\n%s\nPick one strategy from:\n%s\nReturn JSON: {\"analysis\": string, \"strategy\": string, \"keywords\": [3 to 5 strings]}. Do not repeat a previous query.",
			request, part.Title, part.Goal, leaf.Subtitle, leaf.HowToWrite, history.String(), menu.String())},
	}

	var resp queryResponse
	if err := r.llm.CompleteJSON(ctx, messages, `{"analysis":"...","strategy":"direct","keywords":["..."]}`, &resp); err != nil {
		return "", "", err
	}

	strategy := Strategy(strings.ToLower(strings.TrimSpace(resp.Strategy)))
	if !ValidStrategy(strategy) {
		strategy = StrategyDirect
	}

	keywords := resp.Keywords
	if len(keywords) > 5 {
		keywords = keywords[:5]
	}
	cleaned := keywords[:0]
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	if len(cleaned) == 0 {
		return "", "", fmt.Errorf("%w: query plan had no keywords", ErrMalformedOutput)
	}
	return strings.Join(cleaned, " "), strategy, nil
}

var scorePattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// observe scores the snippets an iteration brought back. Failures never
// abort the loop: an unscoreable reply counts as 0.2 and a failed call
// as 0.1, both low enough to trip the poor-result guard.
func (r *Retriever) observe(ctx context.Context, leaf *Leaf, snippets []Snippet) float64 {
	if len(snippets) == 0 {
		return 0.0
	}

	var sample strings.Builder
	for i, s := range snippets {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&sample, "[%d] %s\n", i+1, truncate(s.Content, 500))
	}

	messages := []Message{
		{Role: "system", Content: "You judge how relevant retrieved material is to a document section."},
		{Role: "user", Content: fmt.Sprintf(
			"Section: %s\nGuidance: %s\n\nRetrieved material:\n%s\nRate the relevance from 0.0 to 1.0. Reply with the number only.",
			leaf.Subtitle, leaf.HowToWrite, sample.String())},
	}

	text, err := r.llm.Complete(ctx, messages, CompleteOptions{})
	if err != nil {
		return 0.1
	}
	match := scorePattern.FindString(text)
	if match == "" {
		return 0.2
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0.2
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// assembleEvidence joins the top snippets with blank lines, ordering the
// best-scoring iteration's snippets first and the rest in arrival order.
func (r *Retriever) assembleEvidence(iterations []iterationResult) string {
	if len(iterations) == 0 {
		return ""
	}

	bestIdx := 0
	for i, it := range iterations {
		if it.score > iterations[bestIdx].score {
			bestIdx = i
		}
	}

	topK := r.cfg.TopKSnippets
	if topK <= 0 {
		topK = 5
	}

	var ordered []Snippet
	ordered = append(ordered, iterations[bestIdx].snippets...)
	for i, it := range iterations {
		if i == bestIdx {
			continue
		}
		ordered = append(ordered, it.snippets...)
	}
	if len(ordered) > topK {
		ordered = ordered[:topK]
	}

	parts := make([]string, 0, len(ordered))
	for _, s := range ordered {
		content := s.Content
		if r.cfg.MaxSnippetChars > 0 && len(content) > r.cfg.MaxSnippetChars {
			content = content[:r.cfg.MaxSnippetChars]
		}
		parts = append(parts, content)
	}
	return strings.Join(parts, "\n\n")
}
