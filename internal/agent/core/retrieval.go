package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
	"github.com/mohammad-safakhou/docgen/internal/agent/telemetry"
)

// SnippetCache stores retrieval results keyed by the exact query string.
// Implementations must degrade to a miss on any backend failure.
type SnippetCache interface {
	Get(ctx context.Context, query string) ([]Snippet, bool)
	Set(ctx context.Context, query string, snippets []Snippet)
}

// RetrievalClient queries the external retrieval service. It never
// returns an error: any failure (connection refused, timeout, bad JSON)
// degrades to an empty result so a dead retrieval backend produces a
// low-evidence document rather than a failed run.
type RetrievalClient struct {
	cfg       config.RetrievalConfig
	cache     SnippetCache
	telemetry *telemetry.Telemetry
	http      *http.Client
	logger    *log.Logger
}

// NewRetrievalClient builds a client. cache may be nil.
func NewRetrievalClient(cfg config.RetrievalConfig, cache SnippetCache, tel *telemetry.Telemetry) *RetrievalClient {
	return &RetrievalClient{
		cfg:       cfg,
		cache:     cache,
		telemetry: tel,
		http:      &http.Client{Timeout: cfg.Timeout},
		logger:    log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags),
	}
}

// Search issues one query and returns whatever snippets came back,
// capped at the configured maximum.
func (r *RetrievalClient) Search(ctx context.Context, query string) []Snippet {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	if r.cache != nil {
		if snippets, ok := r.cache.Get(ctx, query); ok {
			return snippets
		}
	}

	snippets := r.fetch(ctx, query)
	if r.telemetry != nil {
		r.telemetry.RecordRetrieval(len(snippets))
	}
	if r.cache != nil && len(snippets) > 0 {
		r.cache.Set(ctx, query, snippets)
	}
	return snippets
}

func (r *RetrievalClient) fetch(ctx context.Context, query string) []Snippet {
	endpoint := fmt.Sprintf("%s?query=%s", strings.TrimRight(r.cfg.Endpoint, "/"), url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		r.logger.Printf("bad retrieval request: %v", err)
		return nil
	}

	resp, err := r.http.Do(req)
	if err != nil {
		r.logger.Printf("retrieval unavailable: %v", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.logger.Printf("retrieval returned status %d", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.logger.Printf("retrieval read failed: %v", err)
		return nil
	}

	snippets := r.extract(body)
	if r.cfg.MaxResults > 0 && len(snippets) > r.cfg.MaxResults {
		snippets = snippets[:r.cfg.MaxResults]
	}
	return snippets
}

// extract pulls snippets out of the response body following the
// configured results path, a "field[].field" pair naming the result
// array and the text field within each element.
func (r *RetrievalClient) extract(body []byte) []Snippet {
	arrayField, textField := splitResultsPath(r.cfg.ResultsPath)

	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		r.logger.Printf("retrieval returned malformed JSON: %v", err)
		return nil
	}
	items, ok := doc[arrayField].([]interface{})
	if !ok {
		r.logger.Printf("retrieval response has no %q array", arrayField)
		return nil
	}

	var out []Snippet
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		content, _ := m[textField].(string)
		if strings.TrimSpace(content) == "" {
			continue
		}
		s := Snippet{Content: content}
		if src, ok := m["source"].(string); ok {
			s.Source = src
		}
		if score, ok := m["score"].(float64); ok {
			s.Score = score
		}
		out = append(out, s)
	}
	return out
}

// splitResultsPath parses "results[].content" into its array and text
// fields, falling back to the default pair for anything malformed.
func splitResultsPath(path string) (string, string) {
	arrayField, textField, ok := strings.Cut(path, "[].")
	if !ok || arrayField == "" || textField == "" {
		return "results", "content"
	}
	return arrayField, textField
}
