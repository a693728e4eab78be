package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"futures-trading-engine/config"
)

func testClient(baseURL string) *Client {
	c := NewClient(config.AIConfig{
		Provider: "deepseek",
		APIKey:   "test-key",
		BaseURL:  baseURL,
		Model:    "deepseek-chat",
	})
	c.retryDelay = time.Millisecond
	return c
}

func completion(content string) map[string]any {
	return map[string]any{
		"model": "deepseek-chat",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop"},
		},
		"usage": map[string]any{"total_tokens": 42},
	}
}

func TestChatSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Model != "deepseek-chat" || len(req.Messages) != 2 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(completion(`{"bias": "neutral"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	resp, err := c.Chat(context.Background(), []Message{
		{Role: "system", Content: "you are a strategist"},
		{Role: "user", Content: "assess the market"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != `{"bias": "neutral"}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.TokensUsed != 42 {
		t.Errorf("tokens = %d, want 42", resp.TokensUsed)
	}
	if resp.Model != "deepseek-chat" {
		t.Errorf("model = %q", resp.Model)
	}
}

func TestChatRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream exploded", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(completion("ok"))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	resp, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("%d calls, want 3 (two retries)", got)
	}
}

func TestChatRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(completion("ok"))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	if _, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("%d calls, want 2", got)
	}
}

func TestChatDoesNotRetryBadRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error": {"message": "model not found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("no error from 404")
	}
	var badReq *BadRequestError
	if !errors.As(err, &badReq) {
		t.Fatalf("err = %T, want BadRequestError", err)
	}
	if badReq.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", badReq.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("%d calls, want 1 (no retry)", got)
	}
}

func TestChatGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	if _, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("no error after exhausting retries")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("%d calls, want 3", got)
	}
}

func TestChatRequiresAPIKey(t *testing.T) {
	c := NewClient(config.AIConfig{Provider: "deepseek"})
	if _, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("no error without an API key")
	}
}

func TestChatProviderErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "quota exhausted", "type": "insufficient_quota"},
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	if _, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("no error from provider error payload")
	}
}
