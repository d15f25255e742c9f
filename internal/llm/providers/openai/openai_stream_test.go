package openaiprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/llm/core"
)

func writeChatChunks(t *testing.T, w http.ResponseWriter, chunks []string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.Fatalf("response writer does not implement flusher")
	}
	for _, chunk := range chunks {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", chunk)
		flusher.Flush()
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// TestStreamEmitsTextAndUsage verifies basic chat completion streaming.
func TestStreamEmitsTextAndUsage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChatChunks(t, w, []string{
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"llama3.1:8b","choices":[{"index":0,"delta":{"role":"assistant","content":"hel"},"finish_reason":null}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"llama3.1:8b","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"llama3.1:8b","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"llama3.1:8b","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
		})
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := p.Stream(ctx, &core.Request{
		Model:    "llama3.1:8b",
		Messages: []core.Message{core.TextMessage(core.RoleUser, "hello")},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	text := ""
	var done *core.DonePayload
	for ev := range stream {
		switch ev.Type {
		case core.EventTextDelta:
			text += ev.TextDelta
		case core.EventDone:
			done = ev.Done
		case core.EventError:
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
	}

	if text != "hello" {
		t.Fatalf("text = %q, want %q", text, "hello")
	}
	if done == nil || done.Reason != core.StopReasonStop {
		t.Fatalf("unexpected done payload: %+v", done)
	}
	if done.Usage.InputTokens != 7 || done.Usage.OutputTokens != 2 {
		t.Fatalf("unexpected usage: %+v", done.Usage)
	}
}

// TestStreamEmitsReasoningAsThinking verifies reasoning_content surfaces as thinking deltas.
func TestStreamEmitsReasoningAsThinking(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChatChunks(t, w, []string{
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"deepseek-r1:14b","choices":[{"index":0,"delta":{"reasoning_content":"let me check"},"finish_reason":null}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"deepseek-r1:14b","choices":[{"index":0,"delta":{"content":"42"},"finish_reason":null}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"deepseek-r1:14b","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		})
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := p.Stream(ctx, &core.Request{
		Model:    "deepseek-r1:14b",
		Messages: []core.Message{core.TextMessage(core.RoleUser, "what is the answer?")},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	thinking := ""
	text := ""
	for ev := range stream {
		switch ev.Type {
		case core.EventThinkingDelta:
			thinking += ev.ThinkingDelta
		case core.EventTextDelta:
			text += ev.TextDelta
		case core.EventError:
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
	}

	if thinking != "let me check" {
		t.Fatalf("thinking = %q, want %q", thinking, "let me check")
	}
	if text != "42" {
		t.Fatalf("text = %q, want %q", text, "42")
	}
}

// TestStreamAccumulatesToolCalls verifies chunked tool-call argument assembly.
func TestStreamAccumulatesToolCalls(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChatChunks(t, w, []string{
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"qwen2.5:14b","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":""}}]},"finish_reason":null}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"qwen2.5:14b","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":"}}]},"finish_reason":null}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"qwen2.5:14b","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"notes\"}"}}]},"finish_reason":null}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"qwen2.5:14b","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		})
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := p.Stream(ctx, &core.Request{
		Model:    "qwen2.5:14b",
		Messages: []core.Message{core.TextMessage(core.RoleUser, "search my notes")},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var finished *core.ToolCall
	var done *core.DonePayload
	for ev := range stream {
		switch ev.Type {
		case core.EventToolCallEnd:
			finished = ev.ToolCall
		case core.EventDone:
			done = ev.Done
		case core.EventError:
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
	}

	if finished == nil || finished.ID != "call_1" || finished.Name != "search" {
		t.Fatalf("unexpected finished tool call: %+v", finished)
	}
	if string(finished.Arguments) != `{"query":"notes"}` {
		t.Fatalf("arguments = %s", finished.Arguments)
	}
	if done == nil || done.Reason != core.StopReasonToolUse || len(done.ToolCalls) != 1 {
		t.Fatalf("unexpected done payload: %+v", done)
	}
}

// TestStreamRequiresBaseURL verifies the local-server contract.
func TestStreamRequiresBaseURL(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	_, err := p.Stream(context.Background(), &core.Request{
		Model:    "llama3.1:8b",
		Messages: []core.Message{core.TextMessage(core.RoleUser, "hi")},
	})
	if !errors.Is(err, core.ErrMissingBaseURL) {
		t.Fatalf("Stream() error = %v, want ErrMissingBaseURL", err)
	}
}

// TestStreamRetriesOn503 verifies pre-output server errors are retried.
func TestStreamRetriesOn503(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, `{"error":{"message":"loading model"}}`)
			return
		}
		writeChatChunks(t, w, []string{
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"llama3.1:8b","choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":null}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"llama3.1:8b","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		})
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := p.Stream(ctx, &core.Request{
		Model:    "llama3.1:8b",
		Messages: []core.Message{core.TextMessage(core.RoleUser, "hello")},
		Retry: core.RetryPolicy{
			MaxRetries: 2,
			BaseDelay:  10 * time.Millisecond,
			MaxDelay:   20 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	text := ""
	for ev := range stream {
		if ev.Type == core.EventTextDelta {
			text += ev.TextDelta
		}
		if ev.Type == core.EventError {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
	}

	if calls.Load() != 2 {
		t.Fatalf("call count = %d, want 2", calls.Load())
	}
	if text != "ok" {
		t.Fatalf("text = %q, want %q", text, "ok")
	}
}
