// Package llm is a minimal OpenAI-compatible chat client for the DeepSeek
// and Qwen endpoints. The decision layers are its only consumers.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/logging"
)

// RateLimitError marks HTTP 429 responses. Retried with backoff.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("llm: rate limited (retry after %s)", e.RetryAfter)
}

// BadRequestError marks HTTP 4xx other than 429. Never retried; the prompt
// itself is wrong.
type BadRequestError struct {
	Status int
	Body   string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("llm: request rejected (%d): %s", e.Status, e.Body)
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Response carries the first completion choice plus usage accounting.
type Response struct {
	Content      string
	TokensUsed   int
	Model        string
	FinishReason string
	Latency      time.Duration
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Client talks to one configured provider. Safe for concurrent use.
type Client struct {
	cfg        config.AIConfig
	httpClient *http.Client
	log        zerolog.Logger

	maxRetries int
	retryDelay time.Duration
}

// NewClient builds the chat client for the configured provider.
func NewClient(cfg config.AIConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		log:        logging.Component("llm"),
		maxRetries: 2,
		retryDelay: 2 * time.Second,
	}
}

// Model returns the configured model name for decision audit rows.
func (c *Client) Model() string { return c.cfg.Model }

// Chat sends the conversation and returns the first choice. Transient
// failures (429, 5xx, transport errors) are retried up to two times with
// linear backoff; 4xx failures are returned immediately.
func (c *Client) Chat(ctx context.Context, messages []Message) (*Response, error) {
	if c.cfg.APIKey == "" {
		return nil, errors.New("llm: no API key configured")
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.retryDelay
			var rl *RateLimitError
			if errors.As(lastErr, &rl) && rl.RetryAfter > delay {
				delay = rl.RetryAfter
			}
			c.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).
				Msg("retrying chat completion")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.do(ctx, messages)
		if err == nil {
			return resp, nil
		}
		var badReq *BadRequestError
		if errors.As(err, &badReq) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("llm: chat failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) do(ctx context.Context, messages []Message) (*Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 5 * time.Second
		if v := httpResp.Header.Get("Retry-After"); v != "" {
			if d, err := time.ParseDuration(v + "s"); err == nil {
				retryAfter = d
			}
		}
		return nil, &RateLimitError{RetryAfter: retryAfter}
	case httpResp.StatusCode >= 400 && httpResp.StatusCode < 500:
		return nil, &BadRequestError{Status: httpResp.StatusCode, Body: truncate(string(respBody), 500)}
	case httpResp.StatusCode >= 500:
		return nil, fmt.Errorf("llm: server error %d: %s", httpResp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("llm: provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("llm: empty choices in response")
	}

	latency := time.Since(start)
	c.log.Debug().Str("model", c.cfg.Model).Int("tokens", parsed.Usage.TotalTokens).
		Dur("latency", latency).Msg("chat completion")

	model := parsed.Model
	if model == "" {
		model = c.cfg.Model
	}
	return &Response{
		Content:      parsed.Choices[0].Message.Content,
		TokensUsed:   parsed.Usage.TotalTokens,
		Model:        model,
		FinishReason: parsed.Choices[0].FinishReason,
		Latency:      latency,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
