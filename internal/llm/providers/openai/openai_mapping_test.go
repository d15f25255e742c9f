package openaiprovider

import (
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"loom/internal/llm/core"
)

// TestToChatCompletionRequestTextOnly verifies basic request mapping.
func TestToChatCompletionRequestTextOnly(t *testing.T) {
	t.Parallel()

	req := &core.Request{
		Model:     "llama3.1:8b",
		System:    "You are concise.",
		MaxTokens: 256,
		Messages: []core.Message{
			core.TextMessage(core.RoleUser, "hello"),
			core.TextMessage(core.RoleAssistant, "hi there"),
		},
	}

	out, err := toChatCompletionRequest(req)
	if err != nil {
		t.Fatalf("toChatCompletionRequest() error = %v", err)
	}

	if out.Model != "llama3.1:8b" {
		t.Fatalf("model mismatch: got %q", out.Model)
	}
	if !out.Stream || out.StreamOptions == nil || !out.StreamOptions.IncludeUsage {
		t.Fatalf("expected streaming with usage enabled: %+v", out.StreamOptions)
	}
	if out.MaxTokens != 256 {
		t.Fatalf("max tokens mismatch: got %d", out.MaxTokens)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("message count mismatch: got %d want 3", len(out.Messages))
	}
	if out.Messages[0].Role != openai.ChatMessageRoleSystem || out.Messages[0].Content != "You are concise." {
		t.Fatalf("unexpected system message: %+v", out.Messages[0])
	}
	if out.Messages[1].Role != openai.ChatMessageRoleUser || out.Messages[1].Content != "hello" {
		t.Fatalf("unexpected user message: %+v", out.Messages[1])
	}
	if out.Messages[2].Role != openai.ChatMessageRoleAssistant || out.Messages[2].Content != "hi there" {
		t.Fatalf("unexpected assistant message: %+v", out.Messages[2])
	}
}

// TestToChatCompletionRequestMapsImagesToDataURLs verifies multimodal part mapping.
func TestToChatCompletionRequestMapsImagesToDataURLs(t *testing.T) {
	t.Parallel()

	msg := core.TextMessage(core.RoleUser, "what is this?")
	msg.Images = []core.ImageBlock{{MediaType: "image/jpeg", Data: "aGVsbG8="}}

	out, err := toChatCompletionRequest(&core.Request{
		Model:    "llava:13b",
		Messages: []core.Message{msg},
	})
	if err != nil {
		t.Fatalf("toChatCompletionRequest() error = %v", err)
	}

	if len(out.Messages) != 1 {
		t.Fatalf("message count mismatch: got %d", len(out.Messages))
	}
	parts := out.Messages[0].MultiContent
	if len(parts) != 2 {
		t.Fatalf("part count mismatch: got %d want 2", len(parts))
	}
	if parts[0].Type != openai.ChatMessagePartTypeImageURL || parts[0].ImageURL == nil {
		t.Fatalf("expected image part first: %+v", parts[0])
	}
	if !strings.HasPrefix(parts[0].ImageURL.URL, "data:image/jpeg;base64,aGVsbG8=") {
		t.Fatalf("unexpected data URL: %q", parts[0].ImageURL.URL)
	}
	if parts[1].Type != openai.ChatMessagePartTypeText || parts[1].Text != "what is this?" {
		t.Fatalf("expected text part second: %+v", parts[1])
	}
	if out.Messages[0].Content != "" {
		t.Fatalf("content must be empty when multi-content is set")
	}
}

// TestToChatCompletionRequestMapsTools verifies function tool mapping.
func TestToChatCompletionRequestMapsTools(t *testing.T) {
	t.Parallel()

	type searchInput struct {
		Query string `json:"query" jsonschema:"required"`
	}
	tool, err := core.NewToolSpecFromStruct("search", "Search notes", searchInput{})
	if err != nil {
		t.Fatalf("NewToolSpecFromStruct() error = %v", err)
	}

	out, err := toChatCompletionRequest(&core.Request{
		Model:    "qwen2.5:14b",
		Messages: []core.Message{core.TextMessage(core.RoleUser, "find it")},
		Tools:    []core.ToolSpec{tool},
	})
	if err != nil {
		t.Fatalf("toChatCompletionRequest() error = %v", err)
	}

	if len(out.Tools) != 1 {
		t.Fatalf("tool count mismatch: got %d", len(out.Tools))
	}
	fn := out.Tools[0].Function
	if fn == nil || fn.Name != "search" || fn.Description != "Search notes" {
		t.Fatalf("unexpected function definition: %+v", fn)
	}
	schema, ok := fn.Parameters.(core.ToolJSONSchema)
	if !ok {
		t.Fatalf("unexpected parameters type: %T", fn.Parameters)
	}
	if schema.Type != "object" {
		t.Fatalf("schema type mismatch: %q", schema.Type)
	}
	if _, found := schema.Properties["query"]; !found {
		t.Fatalf("schema missing query property: %+v", schema.Properties)
	}
}

// TestToChatCompletionRequestRejectsInvalid verifies fail-fast validation.
func TestToChatCompletionRequestRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		req  *core.Request
	}{
		{name: "nil request", req: nil},
		{name: "missing model", req: &core.Request{Messages: []core.Message{core.TextMessage(core.RoleUser, "hi")}}},
		{name: "no messages", req: &core.Request{Model: "llama3.1:8b"}},
		{name: "empty message", req: &core.Request{
			Model:    "llama3.1:8b",
			Messages: []core.Message{{Role: core.RoleUser}},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := toChatCompletionRequest(tc.req); !errors.Is(err, core.ErrInvalidRequest) {
				t.Fatalf("toChatCompletionRequest() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

// TestMapFinishReason verifies finish-reason translation.
func TestMapFinishReason(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      openai.FinishReason
		want    core.StopReason
		wantErr bool
	}{
		{in: openai.FinishReasonStop, want: core.StopReasonStop},
		{in: openai.FinishReasonLength, want: core.StopReasonLength},
		{in: openai.FinishReasonToolCalls, want: core.StopReasonToolUse},
		{in: openai.FinishReasonContentFilter, want: core.StopReasonError},
		{in: openai.FinishReason("weird"), wantErr: true},
	}

	for _, tc := range cases {
		got, err := mapFinishReason(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("mapFinishReason(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("mapFinishReason(%q) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("mapFinishReason(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
