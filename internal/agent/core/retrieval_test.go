package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRetrievalClientDefaultPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("query"); got != "widget basics" {
			t.Errorf("query = %q, want %q", got, "widget basics")
		}
		_, _ = w.Write([]byte(`{"results": [
			{"content": "first snippet", "source": "doc-a", "score": 0.8},
			{"content": "  "},
			{"content": "second snippet"}
		]}`))
	}))
	defer srv.Close()

	cfg := retrievalTestConfig()
	cfg.Endpoint = srv.URL
	client := NewRetrievalClient(cfg, nil, nil)

	snippets := client.Search(context.Background(), "widget basics")
	if len(snippets) != 2 {
		t.Fatalf("got %d snippets, want 2 (blank content dropped)", len(snippets))
	}
	if snippets[0].Content != "first snippet" || snippets[0].Source != "doc-a" || snippets[0].Score != 0.8 {
		t.Fatalf("first snippet = %+v", snippets[0])
	}
}

func TestRetrievalClientConfiguredPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"hits": [{"text": "routed snippet"}]}`))
	}))
	defer srv.Close()

	cfg := retrievalTestConfig()
	cfg.Endpoint = srv.URL
	cfg.ResultsPath = "hits[].text"
	client := NewRetrievalClient(cfg, nil, nil)

	snippets := client.Search(context.Background(), "anything")
	if len(snippets) != 1 || snippets[0].Content != "routed snippet" {
		t.Fatalf("snippets = %+v, want the hits[].text content", snippets)
	}
}

func TestRetrievalClientDegradesOnBadResponses(t *testing.T) {
	cases := []struct {
		name string
		body string
		code int
	}{
		{"server error", "boom", http.StatusInternalServerError},
		{"malformed json", "{not json", http.StatusOK},
		{"missing array", `{"other": []}`, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			cfg := retrievalTestConfig()
			cfg.Endpoint = srv.URL
			client := NewRetrievalClient(cfg, nil, nil)
			if got := client.Search(context.Background(), "q"); got != nil {
				t.Fatalf("Search = %+v, want nil", got)
			}
		})
	}
}

func TestSplitResultsPath(t *testing.T) {
	for _, tc := range []struct {
		in        string
		wantArray string
		wantField string
	}{
		{"results[].content", "results", "content"},
		{"hits[].text", "hits", "text"},
		{"", "results", "content"},
		{"garbage", "results", "content"},
		{"[].content", "results", "content"},
	} {
		arrayField, textField := splitResultsPath(tc.in)
		if arrayField != tc.wantArray || textField != tc.wantField {
			t.Fatalf("splitResultsPath(%q) = %q, %q, want %q, %q", tc.in, arrayField, textField, tc.wantArray, tc.wantField)
		}
	}
}
