package openaiprovider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"loom/internal/llm/core"
)

// Config configures the OpenAI-compatible provider. BaseURL is required:
// this provider targets local inference servers (Ollama, llama.cpp,
// LM Studio, vLLM) that expose the OpenAI chat completions API.
type Config struct {
	APIKey       string
	BaseURL      string
	HTTPClient   *http.Client
	Retry        core.RetryPolicy
	ModelPricing map[string]core.ModelPricing
}

// Provider streams chat completions from an OpenAI-compatible server.
type Provider struct {
	baseURL string
	retry   core.RetryPolicy
	pricing map[string]core.ModelPricing

	client *openai.Client
}

// New constructs a provider with sane defaults.
func New(cfg Config) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Local models can take a while on first token; no read deadline here,
		// cancellation comes from the request context.
		httpClient = &http.Client{Timeout: 0}
	}

	pricing := cfg.ModelPricing
	if pricing == nil {
		pricing = map[string]core.ModelPricing{}
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		// Local servers ignore the key but the SDK requires a bearer token.
		apiKey = "local"
	}

	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.HTTPClient = httpClient
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	return &Provider{
		baseURL: baseURL,
		retry:   core.NormalizeRetryPolicy(cfg.Retry),
		pricing: pricing,
		client:  openai.NewClientWithConfig(clientConfig),
	}
}

// Stream executes a single chat completions streaming request.
func (p *Provider) Stream(ctx context.Context, req *core.Request) (<-chan core.Event, error) {
	if p == nil {
		return nil, fmt.Errorf("openai provider is nil")
	}
	if p.baseURL == "" {
		return nil, core.ErrMissingBaseURL
	}

	chatReq, err := toChatCompletionRequest(req)
	if err != nil {
		return nil, err
	}

	events := make(chan core.Event, 1)
	retry := core.MergeRetryPolicy(p.retry, req.Retry)

	go func() {
		defer close(events)
		state := &streamState{reason: core.StopReasonStop}
		if err := p.streamWithRetry(ctx, chatReq, req.Model, retry, events, state); err != nil {
			reason := core.StopReasonError
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				reason = core.StopReasonAborted
			}
			core.SendTerminalEvent(events, core.Event{
				Type: core.EventError,
				Done: &core.DonePayload{
					Reason:    reason,
					Usage:     state.usage,
					ToolCalls: state.finishedToolCalls(),
				},
				Err: fmt.Errorf("openai stream: %w", err),
			})
		}
	}()

	return events, nil
}

// streamState tracks incremental response state across one logical stream request.
type streamState struct {
	usage          core.Usage
	reason         core.StopReason
	emittedVisible bool
	startEmitted   bool
	emittedDone    bool
	toolCalls      []*toolCallAccumulator
}

// toolCallAccumulator reconstructs one streamed tool call by index.
type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

func (s *streamState) finishedToolCalls() []core.ToolCall {
	if len(s.toolCalls) == 0 {
		return nil
	}
	out := make([]core.ToolCall, 0, len(s.toolCalls))
	for _, acc := range s.toolCalls {
		call, err := acc.build()
		if err != nil {
			continue
		}
		out = append(out, call)
	}
	return out
}

// streamWithRetry retries failed streams only when no visible output has been emitted yet.
func (p *Provider) streamWithRetry(
	ctx context.Context,
	req openai.ChatCompletionRequest,
	model string,
	retry core.RetryPolicy,
	events chan<- core.Event,
	state *streamState,
) error {
	attempt := 0
	for {
		attemptErr := p.streamOnce(ctx, req, model, events, state)
		if attemptErr == nil {
			return nil
		}
		if errors.Is(attemptErr, context.Canceled) || errors.Is(attemptErr, context.DeadlineExceeded) {
			return attemptErr
		}
		if !core.IsRetryableError(attemptErr) || state.emittedVisible || attempt >= retry.MaxRetries {
			return attemptErr
		}

		delay := core.ComputeBackoffDelay(retry, attempt)
		if err := core.SleepContext(ctx, delay); err != nil {
			return err
		}
		attempt++
	}
}

// streamOnce consumes one SSE stream and emits canonical events.
func (p *Provider) streamOnce(
	ctx context.Context,
	req openai.ChatCompletionRequest,
	model string,
	events chan<- core.Event,
	state *streamState,
) error {
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		wrapped := fmt.Errorf("create chat completion stream: %w", err)
		if isRetryableProviderError(err) {
			return core.MarkRetryable(wrapped)
		}
		return wrapped
	}
	defer func() {
		_ = stream.Close()
	}()

	if !state.startEmitted {
		if err := core.SendEvent(ctx, events, core.Event{Type: core.EventStart}); err != nil {
			return err
		}
		state.startEmitted = true
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			wrapped := fmt.Errorf("openai sdk stream: %w", recvErr)
			if isRetryableProviderError(recvErr) {
				return core.MarkRetryable(wrapped)
			}
			return wrapped
		}

		if err := p.handleStreamResponse(ctx, resp, model, events, state); err != nil {
			return err
		}
	}

	if !state.emittedDone {
		if err := p.emitDone(ctx, events, state); err != nil {
			return err
		}
	}
	return nil
}

// handleStreamResponse maps one SSE chunk into canonical events.
func (p *Provider) handleStreamResponse(
	ctx context.Context,
	resp openai.ChatCompletionStreamResponse,
	model string,
	events chan<- core.Event,
	state *streamState,
) error {
	if resp.Usage != nil {
		state.usage.InputTokens = resp.Usage.PromptTokens
		state.usage.OutputTokens = resp.Usage.CompletionTokens
		state.usage.TotalTokens = state.usage.TokenCount()
		state.usage.CostUSD = p.calculateCost(model, state.usage)
		if err := core.SendEvent(ctx, events, core.Event{Type: core.EventUsage, Usage: state.usage.Clone()}); err != nil {
			return err
		}
	}

	if len(resp.Choices) == 0 {
		return nil
	}
	choice := resp.Choices[0]

	if choice.Delta.ReasoningContent != "" {
		if err := core.SendEvent(ctx, events, core.Event{
			Type:          core.EventThinkingDelta,
			ThinkingDelta: choice.Delta.ReasoningContent,
		}); err != nil {
			return err
		}
	}

	if choice.Delta.Content != "" {
		state.emittedVisible = true
		if err := core.SendEvent(ctx, events, core.Event{
			Type:      core.EventTextDelta,
			TextDelta: choice.Delta.Content,
		}); err != nil {
			return err
		}
	}

	for _, call := range choice.Delta.ToolCalls {
		if err := p.handleToolCallDelta(ctx, call, events, state); err != nil {
			return err
		}
	}

	if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
		reason, err := mapFinishReason(choice.FinishReason)
		if err != nil {
			return err
		}
		state.reason = reason
	}

	return nil
}

// handleToolCallDelta accumulates one streamed tool-call fragment.
func (p *Provider) handleToolCallDelta(
	ctx context.Context,
	call openai.ToolCall,
	events chan<- core.Event,
	state *streamState,
) error {
	index := 0
	if call.Index != nil {
		index = *call.Index
	}
	for index >= len(state.toolCalls) {
		state.toolCalls = append(state.toolCalls, &toolCallAccumulator{})
	}
	acc := state.toolCalls[index]

	if call.ID != "" && acc.id == "" {
		acc.id = call.ID
	}
	if call.Function.Name != "" && acc.name == "" {
		acc.name = call.Function.Name
		state.emittedVisible = true
		if err := core.SendEvent(ctx, events, core.Event{
			Type:     core.EventToolCallStart,
			ToolCall: &core.ToolCall{ID: acc.id, Name: acc.name},
		}); err != nil {
			return err
		}
	}
	if call.Function.Arguments != "" {
		_, _ = acc.args.WriteString(call.Function.Arguments)
		state.emittedVisible = true
		return core.SendEvent(ctx, events, core.Event{
			Type:          core.EventToolCallDelta,
			ToolCallDelta: call.Function.Arguments,
		})
	}
	return nil
}

// emitDone flushes completed tool calls and the final done event.
func (p *Provider) emitDone(ctx context.Context, events chan<- core.Event, state *streamState) error {
	completed := make([]core.ToolCall, 0, len(state.toolCalls))
	for _, acc := range state.toolCalls {
		call, err := acc.build()
		if err != nil {
			return err
		}
		completed = append(completed, call)
		if err := core.SendEvent(ctx, events, core.Event{Type: core.EventToolCallEnd, ToolCall: &call}); err != nil {
			return err
		}
	}
	if len(completed) == 0 {
		completed = nil
	}

	state.emittedDone = true
	return core.SendEvent(ctx, events, core.Event{
		Type: core.EventDone,
		Done: &core.DonePayload{
			Reason:    state.reason,
			Usage:     state.usage,
			ToolCalls: completed,
		},
	})
}

// calculateCost returns computed cost when pricing is configured for the requested model.
func (p *Provider) calculateCost(model string, usage core.Usage) float64 {
	pricing, ok := p.pricing[model]
	if !ok {
		return 0
	}
	return core.CalculateCost(usage, pricing)
}
