package core

import "encoding/json"

// Role identifies the message author in the canonical request format.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason represents the canonical reason a model response stopped.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonLength  StopReason = "length"
	StopReasonToolUse StopReason = "tool_use"
	StopReasonError   StopReason = "error"
	StopReasonAborted StopReason = "aborted"
)

// ContentType identifies content block variants.
type ContentType string

const (
	ContentTypeText ContentType = "text"
)

// ContentBlock is a canonical content unit.
type ContentBlock struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// ImageBlock carries one inline image payload as base64 data.
type ImageBlock struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// SizeBytes returns the decoded payload size implied by the base64 data.
// Padding makes this an upper bound; 4 base64 chars encode 3 bytes.
func (b ImageBlock) SizeBytes() int {
	return len(b.Data) / 4 * 3
}

// ToolCall represents a model-emitted tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is the provider-agnostic conversation record.
type Message struct {
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content,omitempty"`
	Images    []ImageBlock   `json:"images,omitempty"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
}

// TextMessage builds a single-text-block message for the given role.
func TextMessage(role Role, text string) Message {
	return Message{
		Role: role,
		Content: []ContentBlock{{
			Type: ContentTypeText,
			Text: text,
		}},
	}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	out := ""
	for _, block := range m.Content {
		if block.Type != ContentTypeText {
			continue
		}
		out += block.Text
	}
	return out
}

// Usage tracks provider token accounting and computed cost.
type Usage struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens"`
	CacheWriteTokens int     `json:"cache_write_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// TokenCount returns the total tokens consumed across all usage buckets.
func (u Usage) TokenCount() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Clone returns a copy safe to share as pointer payload.
func (u Usage) Clone() *Usage {
	copied := u
	return &copied
}
