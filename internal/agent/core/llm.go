package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
	"github.com/mohammad-safakhou/docgen/internal/agent/telemetry"
)

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint.
// Every call goes through the shared rate limiter before it is sent, and
// transient failures (429, 5xx, timeouts) are retried with exponential
// backoff up to the configured budget. Other 4xx responses are fatal.
type OpenAIClient struct {
	cfg       config.LLMConfig
	limiter   *RateLimiter
	telemetry *telemetry.Telemetry
	http      *http.Client
	logger    *log.Logger

	// baseBackoff is the first retry delay, doubled on each retry.
	baseBackoff time.Duration
}

// NewOpenAIClient builds a client from configuration. The limiter and
// telemetry are shared process-wide by the caller.
func NewOpenAIClient(cfg config.LLMConfig, limiter *RateLimiter, tel *telemetry.Telemetry) *OpenAIClient {
	return &OpenAIClient{
		cfg:         cfg,
		limiter:     limiter,
		telemetry:   tel,
		http:        &http.Client{Timeout: cfg.Timeout},
		logger:      log.New(log.Writer(), "[LLM] ", log.LstdFlags),
		baseBackoff: time.Second,
	}
}

// Complete sends the messages and returns the assistant's text.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, opts CompleteOptions) (string, error) {
	temperature := c.cfg.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := c.cfg.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	payload := map[string]interface{}{
		"model":       c.cfg.Model,
		"messages":    messages,
		"temperature": temperature,
		"max_tokens":  maxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"

	var lastErr error
	backoff := c.baseBackoff
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		c.limiter.Acquire()

		text, retryable, err := c.doRequest(ctx, url, body)
		if err == nil {
			if c.telemetry != nil {
				c.telemetry.RecordLLMCall()
			}
			return text, nil
		}
		if !retryable {
			return "", fmt.Errorf("%w: %v", ErrProviderFatal, err)
		}
		lastErr = err
		c.logger.Printf("transient model error (attempt %d/%d): %v", attempt+1, c.cfg.MaxRetries+1, err)
	}
	return "", fmt.Errorf("%w: %v", ErrProviderExhausted, lastErr)
}

// doRequest performs one HTTP round trip. The second return reports
// whether the failure is worth retrying.
func (c *OpenAIClient) doRequest(ctx context.Context, url string, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		// Context cancellation is final; timeouts and transport errors
		// are retried.
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", true, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", true, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200))
	default:
		return "", false, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", true, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", false, fmt.Errorf("provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", true, errors.New("empty choices")
	}
	return parsed.Choices[0].Message.Content, false, nil
}

// CompleteJSON asks for JSON output and decodes it into out. When the
// model returns prose around the JSON, the first balanced object or
// array is extracted before decoding. Unparseable output is retried with
// a corrective message appended, up to three attempts.
func (c *OpenAIClient) CompleteJSON(ctx context.Context, messages []Message, schemaHint string, out any) error {
	const jsonAttempts = 3

	convo := make([]Message, len(messages))
	copy(convo, messages)

	var lastErr error
	for attempt := 0; attempt < jsonAttempts; attempt++ {
		text, err := c.Complete(ctx, convo, CompleteOptions{})
		if err != nil {
			return err
		}
		extracted := ExtractFirstJSON(text)
		if extracted != "" {
			if err := json.Unmarshal([]byte(extracted), out); err == nil {
				return nil
			} else {
				lastErr = err
			}
		} else {
			lastErr = errors.New("no JSON object found in output")
		}
		convo = append(convo,
			Message{Role: "assistant", Content: truncate(text, 2000)},
			Message{Role: "user", Content: "Your previous reply was not valid JSON. Respond again with ONLY a JSON value matching this shape, no prose, no code fences: " + schemaHint},
		)
	}
	return fmt.Errorf("%w: %v", ErrMalformedOutput, lastErr)
}

// ExtractFirstJSON returns the first balanced JSON object or array in s,
// tolerating code fences and surrounding prose. It returns "" when no
// balanced value is found.
func ExtractFirstJSON(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			s = rest[:end]
		} else {
			s = rest
		}
		s = strings.TrimSpace(s)
	}

	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
