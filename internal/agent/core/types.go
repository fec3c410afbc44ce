package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// DocKind selects the planning template a document is built from.
type DocKind string

const (
	DocKindTechnical  DocKind = "technical"
	DocKindUserManual DocKind = "user_manual"
	DocKindResearch   DocKind = "research"
	DocKindTutorial   DocKind = "tutorial"
)

// DocKinds lists the closed set of document kinds.
var DocKinds = []DocKind{DocKindTechnical, DocKindUserManual, DocKindResearch, DocKindTutorial}

// KnownDocKind reports whether k is a member of the closed set.
func KnownDocKind(k DocKind) bool {
	for _, v := range DocKinds {
		if v == k {
			return true
		}
	}
	return false
}

// ParseDocKind normalizes a user-supplied kind, falling back to technical
// for anything it does not recognize.
func ParseDocKind(s string) DocKind {
	if k := DocKind(s); KnownDocKind(k) {
		return k
	}
	return DocKindTechnical
}

// Plan is the single shared artifact of a generation run. The planner
// creates it, the retriever fills leaf evidence, the writer fills prose,
// and the assembler renders it into the final document.
type Plan struct {
	Request string  `json:"request"`
	DocKind DocKind `json:"doc_kind"`
	Parts   []Part  `json:"parts"`
}

// Part is a top-level chapter of the plan.
type Part struct {
	Title  string `json:"title"`
	Goal   string `json:"goal"`
	Leaves []Leaf `json:"leaves"`
}

// Leaf is the atomic unit of work: one section of prose with its own
// writing guidance, gathered evidence, and a quality score in [0,1].
type Leaf struct {
	Subtitle   string  `json:"subtitle"`
	HowToWrite string  `json:"how_to_write"`
	Evidence   string  `json:"evidence"`
	Quality    float64 `json:"quality"`
	Prose      string  `json:"prose"`
}

// Validate checks the structural invariants every stage relies on.
func (p *Plan) Validate() error {
	if len(p.Parts) == 0 {
		return errors.New("plan has no parts")
	}
	for i, part := range p.Parts {
		if part.Title == "" {
			return fmt.Errorf("part %d has no title", i)
		}
		if len(part.Leaves) == 0 {
			return fmt.Errorf("part %d (%s) has no leaves", i, part.Title)
		}
	}
	return nil
}

// LeafCount returns the total number of leaves across all parts.
func (p *Plan) LeafCount() int {
	n := 0
	for _, part := range p.Parts {
		n += len(part.Leaves)
	}
	return n
}

// MarshalIndent renders the plan as the JSON artifact persisted between
// stages.
func (p *Plan) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// Strategy is the closed set of retrieval approaches the retriever may
// pick from when formulating a query.
type Strategy string

const (
	StrategyDirect      Strategy = "direct"
	StrategyContextual  Strategy = "contextual"
	StrategySemantic    Strategy = "semantic"
	StrategySpecific    Strategy = "specific"
	StrategyAlternative Strategy = "alternative"
)

// Strategies lists the closed set in rotation order.
var Strategies = []Strategy{
	StrategyDirect,
	StrategyContextual,
	StrategySemantic,
	StrategySpecific,
	StrategyAlternative,
}

// ValidStrategy reports whether s is a member of the closed set.
func ValidStrategy(s Strategy) bool {
	for _, v := range Strategies {
		if v == s {
			return true
		}
	}
	return false
}

// StrategyHint returns the prompt guidance attached to each strategy.
func StrategyHint(s Strategy) string {
	switch s {
	case StrategyDirect:
		return "query the section topic head-on using its own terminology"
	case StrategyContextual:
		return "query the surrounding context: the part goal and document request"
	case StrategySemantic:
		return "query with synonyms and related concepts instead of the literal topic"
	case StrategySpecific:
		return "query a narrow detail of the topic: a parameter, step, or component"
	case StrategyAlternative:
		return "query from a different angle: use cases, comparisons, or problems solved"
	default:
		return ""
	}
}

// Snippet is one retrieval result.
type Snippet struct {
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Message is a single chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompleteOptions tunes one model call. Zero values fall back to the
// configured defaults.
type CompleteOptions struct {
	Temperature *float64
	MaxTokens   int
}

// LLMProvider is the model interface all three agents depend on.
// CompleteJSON retries malformed output with corrective prompts before
// giving up with ErrMalformedOutput.
type LLMProvider interface {
	Complete(ctx context.Context, messages []Message, opts CompleteOptions) (string, error)
	CompleteJSON(ctx context.Context, messages []Message, schemaHint string, out any) error
}

// PlaceholderProse is substituted for a leaf whose generation failed
// past all retries. The run keeps going; the gap is visible in the
// document and in the final report.
const PlaceholderProse = "Content unavailable for this section."

// Error taxonomy. Transient errors are retried inside the LLM client;
// everything surfacing from it is final.
var (
	// ErrMalformedOutput marks model output that stayed unparseable
	// through all corrective retries.
	ErrMalformedOutput = errors.New("malformed model output")

	// ErrProviderFatal marks a non-retryable provider response, such as
	// an invalid API key or a permanently rejected request.
	ErrProviderFatal = errors.New("provider rejected request")

	// ErrProviderExhausted marks a transient provider failure that kept
	// failing past the retry budget.
	ErrProviderExhausted = errors.New("provider retries exhausted")
)
