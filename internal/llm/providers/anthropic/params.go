package anthropicprovider

import (
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"loom/internal/llm/core"
)

const defaultMaxTokens = 4096

// toAnthropicSDKParams converts a canonical request into SDK message params.
func toAnthropicSDKParams(req *core.Request) (anthropic.MessageNewParams, error) {
	if req == nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("%w: request is nil", core.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Model) == "" {
		return anthropic.MessageNewParams{}, fmt.Errorf("%w: model is required", core.ErrInvalidRequest)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	system, messages, err := toSDKMessages(req)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("%w: at least one user or assistant message is required", core.ErrInvalidRequest)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	tools, err := toSDKTools(req.Tools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params.Tools = tools

	toolChoice, err := toSDKToolChoice(req.ToolChoice, len(tools))
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if toolChoice != nil {
		params.ToolChoice = *toolChoice
	}

	return params, nil
}

// toSDKMessages flattens system-role messages into the system prompt and maps
// the rest into SDK message params in order.
func toSDKMessages(req *core.Request) (string, []anthropic.MessageParam, error) {
	systemParts := make([]string, 0, 1)
	if strings.TrimSpace(req.System) != "" {
		systemParts = append(systemParts, req.System)
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for i, msg := range req.Messages {
		if msg.Role == core.RoleSystem {
			if text := strings.TrimSpace(msg.Text()); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}

		blocks, err := toSDKContentBlocks(msg)
		if err != nil {
			return "", nil, fmt.Errorf("message %d: %w", i, err)
		}
		if len(blocks) == 0 {
			return "", nil, fmt.Errorf("%w: message %d has no content", core.ErrInvalidRequest, i)
		}

		switch msg.Role {
		case core.RoleUser:
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: blocks,
			})
		case core.RoleAssistant:
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		default:
			return "", nil, fmt.Errorf("%w: message %d has unsupported role %q", core.ErrInvalidRequest, i, msg.Role)
		}
	}

	return strings.Join(systemParts, "\n\n"), messages, nil
}

// toSDKContentBlocks builds content blocks for one message, images first.
func toSDKContentBlocks(msg core.Message) ([]anthropic.ContentBlockParamUnion, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Images)+len(msg.Content)+len(msg.ToolCalls))

	for j, img := range msg.Images {
		if strings.TrimSpace(img.MediaType) == "" || strings.TrimSpace(img.Data) == "" {
			return nil, fmt.Errorf("%w: image %d is missing media type or data", core.ErrInvalidRequest, j)
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(img.MediaType, img.Data))
	}

	for _, block := range msg.Content {
		switch block.Type {
		case core.ContentTypeText:
			if block.Text == "" {
				continue
			}
			blocks = append(blocks, anthropic.NewTextBlock(block.Text))
		default:
			return nil, fmt.Errorf("%w: unsupported content block type %q", core.ErrInvalidRequest, block.Type)
		}
	}

	for _, call := range msg.ToolCalls {
		input := core.DecodeJSONObjectOrEmpty(call.Arguments)
		blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
	}

	return blocks, nil
}

// toSDKTools converts advertised tool specs to SDK tool params.
func toSDKTools(tools []core.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if strings.TrimSpace(tool.Name) == "" {
			return nil, fmt.Errorf("%w: tool name is required", core.ErrInvalidRequest)
		}

		schema, err := core.DecodeToolJSONSchema(tool.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", tool.Name, err)
		}

		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Type:       "object",
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			},
		})
	}

	return out, nil
}

// toSDKToolChoice maps the canonical tool-choice mode.
func toSDKToolChoice(choice core.ToolChoice, toolCount int) (*anthropic.ToolChoiceUnionParam, error) {
	switch choice.Type {
	case "", core.ToolChoiceAuto:
		if toolCount == 0 {
			return nil, nil
		}
		return &anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}, nil
	case core.ToolChoiceNone:
		return &anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported tool choice %q", core.ErrInvalidRequest, choice.Type)
	}
}

// mapStopReason converts SDK stop reasons to canonical reasons.
func mapStopReason(reason string) (core.StopReason, error) {
	switch reason {
	case "end_turn", "stop_sequence":
		return core.StopReasonStop, nil
	case "max_tokens":
		return core.StopReasonLength, nil
	case "tool_use":
		return core.StopReasonToolUse, nil
	case "refusal":
		return core.StopReasonError, nil
	default:
		return "", fmt.Errorf("unsupported stop reason %q", reason)
	}
}
