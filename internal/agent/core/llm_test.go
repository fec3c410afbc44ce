package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
)

func chatResponse(content string) string {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(body)
}

func llmTestConfig(baseURL string) config.LLMConfig {
	return config.LLMConfig{
		APIKey:     "test-key",
		BaseURL:    baseURL,
		Model:      "test-model",
		MaxTokens:  1000,
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	}
}

func newTestClient(cfg config.LLMConfig) *OpenAIClient {
	client := NewOpenAIClient(cfg, NewRateLimiter(0), nil)
	client.baseBackoff = time.Millisecond
	return client
}

func TestOpenAIClientRetriesTransient(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(chatResponse("hello")))
	}))
	defer srv.Close()

	client := newTestClient(llmTestConfig(srv.URL))
	got, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, CompleteOptions{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
	if attempts != 3 {
		t.Fatalf("server saw %d attempts, want 3", attempts)
	}
}

func TestOpenAIClientFatalOn4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(llmTestConfig(srv.URL))
	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, CompleteOptions{})
	if !errors.Is(err, ErrProviderFatal) {
		t.Fatalf("got %v, want ErrProviderFatal", err)
	}
	if attempts != 1 {
		t.Fatalf("server saw %d attempts, want 1 (no retry on 401)", attempts)
	}
}

func TestOpenAIClientExhaustsRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := llmTestConfig(srv.URL)
	cfg.MaxRetries = 2
	client := newTestClient(cfg)
	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, CompleteOptions{})
	if !errors.Is(err, ErrProviderExhausted) {
		t.Fatalf("got %v, want ErrProviderExhausted", err)
	}
	if attempts != 3 {
		t.Fatalf("server saw %d attempts, want 3 (initial + 2 retries)", attempts)
	}
}

func TestCompleteJSONCorrectiveRetry(t *testing.T) {
	replies := []string{
		"Sure, here is the answer you asked for.",
		"```json\n{\"value\": 42}\n```",
	}
	call := 0
	var lastBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []Message `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) > 0 {
			lastBody = []byte(req.Messages[len(req.Messages)-1].Content)
		}
		reply := replies[len(replies)-1]
		if call < len(replies) {
			reply = replies[call]
		}
		call++
		_, _ = w.Write([]byte(chatResponse(reply)))
	}))
	defer srv.Close()

	client := newTestClient(llmTestConfig(srv.URL))
	var out struct {
		Value int `json:"value"`
	}
	err := client.CompleteJSON(context.Background(), []Message{{Role: "user", Content: "give me JSON"}}, `{"value":0}`, &out)
	if err != nil {
		t.Fatalf("CompleteJSON: %v", err)
	}
	if out.Value != 42 {
		t.Fatalf("got value %d, want 42", out.Value)
	}
	if call != 2 {
		t.Fatalf("made %d calls, want 2", call)
	}
	if !strings.Contains(string(lastBody), "not valid JSON") {
		t.Fatalf("second call did not carry the corrective message: %s", lastBody)
	}
}

func TestCompleteJSONGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatResponse("still not json")))
	}))
	defer srv.Close()

	client := newTestClient(llmTestConfig(srv.URL))
	var out map[string]interface{}
	err := client.CompleteJSON(context.Background(), []Message{{Role: "user", Content: "json please"}}, `{}`, &out)
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("got %v, want ErrMalformedOutput", err)
	}
}

func TestExtractFirstJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"surrounding prose", `Here you go: {"a":1} hope that helps`, `{"a":1}`},
		{"code fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"nested braces", `{"a":{"b":2}}`, `{"a":{"b":2}}`},
		{"braces in strings", `{"a":"}"}`, `{"a":"}"}`},
		{"array", `[1,2,3]`, `[1,2,3]`},
		{"no json", "just words", ""},
		{"unbalanced", `{"a":1`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractFirstJSON(tc.in); got != tc.want {
				t.Fatalf("ExtractFirstJSON(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
