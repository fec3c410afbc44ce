package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
)

// stubLLM is a scripted provider. reply inspects the conversation and
// returns the model text; every call is recorded for assertions.
type stubLLM struct {
	mu      sync.Mutex
	reply   func(messages []Message) (string, error)
	calls   int
	prompts []string
}

func (s *stubLLM) record(messages []Message) {
	s.calls++
	if len(messages) > 0 {
		s.prompts = append(s.prompts, messages[len(messages)-1].Content)
	}
}

func (s *stubLLM) Complete(ctx context.Context, messages []Message, opts CompleteOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(messages)
	return s.reply(messages)
}

func (s *stubLLM) CompleteJSON(ctx context.Context, messages []Message, schemaHint string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(messages)
	text, err := s.reply(messages)
	if err != nil {
		return err
	}
	extracted := ExtractFirstJSON(text)
	if extracted == "" {
		return fmt.Errorf("%w: no JSON in stub reply", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(extracted), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// retrievalServer fakes the retrieval service: it records queries and
// serves a fixed result set.
type retrievalServer struct {
	mu      sync.Mutex
	queries []string
	results []Snippet
	status  int
	srv     *httptest.Server
}

func newRetrievalServer(results ...Snippet) *retrievalServer {
	rs := &retrievalServer{results: results, status: http.StatusOK}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.queries = append(rs.queries, r.URL.Query().Get("query"))
		status := rs.status
		results := rs.results
		rs.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
	}))
	return rs
}

func (rs *retrievalServer) seenQueries() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, len(rs.queries))
	copy(out, rs.queries)
	return out
}

func (rs *retrievalServer) client(cfg config.RetrievalConfig) *RetrievalClient {
	cfg.Endpoint = rs.srv.URL
	return NewRetrievalClient(cfg, nil, nil)
}

func (rs *retrievalServer) close() { rs.srv.Close() }

func retrievalTestConfig() config.RetrievalConfig {
	return config.RetrievalConfig{Timeout: 5 * time.Second, MaxResults: 20}
}

func retrieverTestConfig() config.RetrieverConfig {
	return config.RetrieverConfig{
		Workers:          1,
		MaxIterations:    3,
		QualityThreshold: 0.7,
		LowScoreGuard:    0.3,
		TopKSnippets:     5,
	}
}

func writerTestConfig() config.WriterConfig {
	return config.WriterConfig{
		Workers:          1,
		MaxAttempts:      3,
		QualityThreshold: 0.7,
	}
}
