package openaiprovider

import (
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"loom/internal/llm/core"
)

// toChatCompletionRequest converts a canonical request into go-openai request params.
func toChatCompletionRequest(req *core.Request) (openai.ChatCompletionRequest, error) {
	if req == nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("%w: request is nil", core.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Model) == "" {
		return openai.ChatCompletionRequest{}, fmt.Errorf("%w: model is required", core.ErrInvalidRequest)
	}

	messages, err := toChatMessages(req)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	if len(messages) == 0 {
		return openai.ChatCompletionRequest{}, fmt.Errorf("%w: at least one message is required", core.ErrInvalidRequest)
	}

	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}

	tools, err := toChatTools(req.Tools)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	out.Tools = tools

	switch req.ToolChoice.Type {
	case "", core.ToolChoiceAuto:
		// Server default when tools are present.
	case core.ToolChoiceNone:
		if len(tools) > 0 {
			out.ToolChoice = "none"
		}
	default:
		return openai.ChatCompletionRequest{}, fmt.Errorf("%w: unsupported tool choice %q", core.ErrInvalidRequest, req.ToolChoice.Type)
	}

	return out, nil
}

// toChatMessages maps canonical messages onto chat completion messages in order.
func toChatMessages(req *core.Request) ([]openai.ChatCompletionMessage, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for i, msg := range req.Messages {
		role, err := toChatRole(msg.Role)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}

		out := openai.ChatCompletionMessage{Role: role}

		if len(msg.Images) > 0 {
			parts, err := toMultiContent(msg)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			out.MultiContent = parts
		} else {
			out.Content = msg.Text()
		}

		for _, call := range msg.ToolCalls {
			args := strings.TrimSpace(string(call.Arguments))
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: args,
				},
			})
		}

		if out.Content == "" && len(out.MultiContent) == 0 && len(out.ToolCalls) == 0 {
			return nil, fmt.Errorf("%w: message %d has no content", core.ErrInvalidRequest, i)
		}
		messages = append(messages, out)
	}

	return messages, nil
}

// toMultiContent builds multimodal parts for a message carrying images.
func toMultiContent(msg core.Message) ([]openai.ChatMessagePart, error) {
	parts := make([]openai.ChatMessagePart, 0, len(msg.Images)+1)
	for j, img := range msg.Images {
		if strings.TrimSpace(img.MediaType) == "" || strings.TrimSpace(img.Data) == "" {
			return nil, fmt.Errorf("%w: image %d is missing media type or data", core.ErrInvalidRequest, j)
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", img.MediaType, img.Data),
			},
		})
	}
	if text := msg.Text(); text != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: text,
		})
	}
	return parts, nil
}

// toChatRole maps canonical roles onto wire roles.
func toChatRole(role core.Role) (string, error) {
	switch role {
	case core.RoleSystem:
		return openai.ChatMessageRoleSystem, nil
	case core.RoleUser:
		return openai.ChatMessageRoleUser, nil
	case core.RoleAssistant:
		return openai.ChatMessageRoleAssistant, nil
	default:
		return "", fmt.Errorf("%w: unsupported role %q", core.ErrInvalidRequest, role)
	}
}

// toChatTools converts advertised tool specs to function tool definitions.
func toChatTools(tools []core.ToolSpec) ([]openai.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		if strings.TrimSpace(tool.Name) == "" {
			return nil, fmt.Errorf("%w: tool name is required", core.ErrInvalidRequest)
		}
		schema, err := core.DecodeToolJSONSchema(tool.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", tool.Name, err)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}
	return out, nil
}

// mapFinishReason converts wire finish reasons to canonical reasons.
func mapFinishReason(reason openai.FinishReason) (core.StopReason, error) {
	switch reason {
	case openai.FinishReasonStop:
		return core.StopReasonStop, nil
	case openai.FinishReasonLength:
		return core.StopReasonLength, nil
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return core.StopReasonToolUse, nil
	case openai.FinishReasonContentFilter:
		return core.StopReasonError, nil
	default:
		return "", fmt.Errorf("unsupported finish reason %q", reason)
	}
}

// build finalizes an accumulated tool call, defaulting empty arguments to {}.
func (a *toolCallAccumulator) build() (core.ToolCall, error) {
	rawArgs := strings.TrimSpace(a.args.String())
	if rawArgs == "" {
		rawArgs = "{}"
	}
	if !json.Valid([]byte(rawArgs)) {
		return core.ToolCall{}, fmt.Errorf("tool_call arguments are not valid JSON")
	}
	return core.ToolCall{
		ID:        a.id,
		Name:      a.name,
		Arguments: json.RawMessage(rawArgs),
	}, nil
}
