// Package tokens approximates token counts for budget tracking. The estimates
// are heuristic: fast enough to recompute on every mutation, close enough to
// keep a context gauge honest. They are not a tokenizer.
package tokens

import (
	"unicode/utf8"

	"loom/internal/llm/core"
)

const (
	// charsPerToken estimates ~4 characters per token (conservative).
	charsPerToken = 4

	// messageOverhead covers role tags and message framing.
	messageOverhead = 10

	// toolCallOverhead covers tool-call framing beyond name and arguments.
	toolCallOverhead = 20

	// imageBytesPerToken converts decoded image size to a token estimate.
	imageBytesPerToken = 170

	// imageTokenFloor and imageTokenCap bound the per-image estimate. Vision
	// models bill even tiny images, and most clamp large ones to a tile grid.
	imageTokenFloor = 85
	imageTokenCap   = 1600
)

// EstimateText returns the approximate token count of a text block.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	count := utf8.RuneCountInString(text) / charsPerToken
	if count < 1 {
		count = 1
	}
	return count
}

// EstimateImage returns the approximate token cost of one inline image.
func EstimateImage(img core.ImageBlock) int {
	if img.Data == "" {
		return 0
	}
	count := img.SizeBytes() / imageBytesPerToken
	if count < imageTokenFloor {
		count = imageTokenFloor
	}
	if count > imageTokenCap {
		count = imageTokenCap
	}
	return count
}

// EstimateMessage returns the approximate token cost of a full message:
// structural overhead, text content, images, and tool-call records.
func EstimateMessage(msg core.Message) int {
	total := messageOverhead
	for _, block := range msg.Content {
		total += EstimateText(block.Text)
	}
	for _, img := range msg.Images {
		total += EstimateImage(img)
	}
	for _, call := range msg.ToolCalls {
		total += toolCallOverhead
		total += EstimateText(call.Name)
		total += EstimateText(string(call.Arguments))
	}
	return total
}
