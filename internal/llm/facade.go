package llm

import (
	anthropicprovider "loom/internal/llm/providers/anthropic"
	mockprovider "loom/internal/llm/providers/mock"
	openaiprovider "loom/internal/llm/providers/openai"

	"loom/internal/llm/core"
)

type (
	// Provider is the public streaming provider contract.
	Provider = core.Provider

	// EventType enumerates stream event variants.
	EventType = core.EventType

	// ToolChoice* aliases expose tool-selection primitives.
	ToolChoiceType = core.ToolChoiceType
	ToolChoice     = core.ToolChoice
	ToolSpec       = core.ToolSpec
	ToolExecutor   = core.ToolExecutor
	RetryPolicy    = core.RetryPolicy

	// Request and Event payload aliases define the public stream protocol.
	Request     = core.Request
	DonePayload = core.DonePayload
	Event       = core.Event

	// Conversation-model aliases.
	Role        = core.Role
	StopReason  = core.StopReason
	ContentType = core.ContentType

	// Message and usage aliases.
	ContentBlock = core.ContentBlock
	ImageBlock   = core.ImageBlock
	ToolCall     = core.ToolCall
	Message      = core.Message
	Usage        = core.Usage

	// ModelPricing configures per-model token prices.
	ModelPricing = core.ModelPricing

	// Anthropic* aliases expose provider-specific configuration and implementation.
	AnthropicConfig   = anthropicprovider.Config
	AnthropicProvider = anthropicprovider.Provider

	// OpenAI* aliases expose the OpenAI-compatible provider used for local servers.
	OpenAIConfig   = openaiprovider.Config
	OpenAIProvider = openaiprovider.Provider

	// MockProvider emits scripted events for tests.
	MockProvider = mockprovider.Provider
)

const (
	EventStart         = core.EventStart
	EventTextDelta     = core.EventTextDelta
	EventThinkingDelta = core.EventThinkingDelta
	EventToolCallStart = core.EventToolCallStart
	EventToolCallDelta = core.EventToolCallDelta
	EventToolCallEnd   = core.EventToolCallEnd
	EventUsage         = core.EventUsage
	EventDone          = core.EventDone
	EventError         = core.EventError

	ToolChoiceAuto = core.ToolChoiceAuto
	ToolChoiceNone = core.ToolChoiceNone

	RoleSystem    = core.RoleSystem
	RoleUser      = core.RoleUser
	RoleAssistant = core.RoleAssistant

	StopReasonStop    = core.StopReasonStop
	StopReasonLength  = core.StopReasonLength
	StopReasonToolUse = core.StopReasonToolUse
	StopReasonError   = core.StopReasonError
	StopReasonAborted = core.StopReasonAborted

	ContentTypeText = core.ContentTypeText
)

var (
	// ErrInvalidRequest indicates malformed canonical request payloads.
	ErrInvalidRequest = core.ErrInvalidRequest
	// ErrMissingAPIKey indicates missing hosted-API credentials.
	ErrMissingAPIKey = core.ErrMissingAPIKey
	// ErrMissingBaseURL indicates an OpenAI-compatible provider without a server URL.
	ErrMissingBaseURL = core.ErrMissingBaseURL
)

// TextMessage builds a single-text-block message for the given role.
func TextMessage(role Role, text string) Message {
	return core.TextMessage(role, text)
}

// NewToolSpecFromStruct reflects a Go struct into a normalized tool schema.
func NewToolSpecFromStruct(name, description string, schemaStruct any) (ToolSpec, error) {
	return core.NewToolSpecFromStruct(name, description, schemaStruct)
}

// CalculateCost computes token usage cost in USD for a model pricing table.
func CalculateCost(u Usage, p ModelPricing) float64 {
	return core.CalculateCost(u, p)
}

// NewAnthropicProvider constructs an Anthropic provider with normalized defaults.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	return anthropicprovider.New(cfg)
}

// NewOpenAIProvider constructs an OpenAI-compatible provider with normalized defaults.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	return openaiprovider.New(cfg)
}
