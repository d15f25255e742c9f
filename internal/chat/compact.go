package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"loom/internal/llm/core"
	"loom/internal/tokens"
)

// DefaultPreserveCount is how many recent messages summarization never touches.
const DefaultPreserveCount = 4

const summarySystemPrompt = "You summarize chat conversations. Produce a concise summary of the " +
	"conversation below that preserves key facts, decisions, names, and any " +
	"unresolved questions. Write plain prose, no preamble."

// Selection is the outcome of summarization selection. An empty ToSummarize
// means there is nothing worth folding; callers report that rather than retry.
type Selection struct {
	ToSummarize []*MessageNode
	ToKeep      []*MessageNode
}

// Empty reports the nothing-to-summarize outcome.
func (s Selection) Empty() bool { return len(s.ToSummarize) == 0 }

// SelectForSummarization picks the contiguous prefix of the context nodes to
// fold into a summary. Leading system messages and the preserveCount most
// recent messages are always excluded, as are nodes already summarized or
// synthetic summaries. Fewer than 2 eligible messages yields an empty
// selection.
func SelectForSummarization(nodes []*MessageNode, systemMessageCount, preserveCount int) Selection {
	if preserveCount < 0 {
		preserveCount = 0
	}
	if systemMessageCount < 0 {
		systemMessageCount = 0
	}

	cutoff := len(nodes) - preserveCount
	var toSummarize []*MessageNode
	for i, node := range nodes {
		if i < systemMessageCount || i >= cutoff {
			continue
		}
		if node.Summarized || node.IsSummary {
			continue
		}
		toSummarize = append(toSummarize, node)
	}

	if len(toSummarize) < 2 {
		return Selection{ToKeep: nodes}
	}

	summarize := map[string]bool{}
	for _, node := range toSummarize {
		summarize[node.ID] = true
	}
	toKeep := make([]*MessageNode, 0, len(nodes)-len(toSummarize))
	for _, node := range nodes {
		if !summarize[node.ID] {
			toKeep = append(toKeep, node)
		}
	}

	return Selection{ToSummarize: toSummarize, ToKeep: toKeep}
}

// CalculateTokenSavings estimates how many tokens folding the selection into
// the summary text frees up. Reporting only; may be negative for a verbose
// summary.
func CalculateTokenSavings(toSummarize []*MessageNode, summaryText string) int {
	before := 0
	for _, node := range toSummarize {
		before += tokens.EstimateMessage(node.Message())
	}
	after := tokens.EstimateMessage(core.TextMessage(core.RoleAssistant, summaryText))
	return before - after
}

// ShouldAutoCompact reports whether usage has reached the auto-compact
// threshold percentage and the selection would actually fold messages. A
// non-positive threshold disables auto-compaction; an empty selection means
// only the preserved tail is left, so firing would do nothing.
func ShouldAutoCompact(usage ContextUsage, thresholdPercent float64, selection Selection) bool {
	if thresholdPercent <= 0 {
		return false
	}
	if selection.Empty() {
		return false
	}
	return usage.Percentage >= thresholdPercent
}

// GenerateSummary asks the provider for summary text over the selected nodes.
// It issues one streaming request and collects the text deltas; thinking
// deltas are discarded.
func GenerateSummary(ctx context.Context, provider core.Provider, model string, toSummarize []*MessageNode) (string, error) {
	if provider == nil {
		return "", errors.New("summary provider is nil")
	}
	if len(toSummarize) == 0 {
		return "", errors.New("nothing to summarize")
	}

	var transcript strings.Builder
	for _, node := range toSummarize {
		fmt.Fprintf(&transcript, "[%s]\n%s\n\n", node.Role, node.Content)
	}

	req := &core.Request{
		Model:  model,
		System: summarySystemPrompt,
		Messages: []core.Message{
			core.TextMessage(core.RoleUser, transcript.String()),
		},
		ToolChoice: core.ToolChoice{Type: core.ToolChoiceNone},
	}

	events, err := provider.Stream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summary request: %w", err)
	}

	var out strings.Builder
	for ev := range events {
		switch ev.Type {
		case core.EventTextDelta:
			out.WriteString(ev.TextDelta)
		case core.EventError:
			if ev.Err != nil {
				return "", fmt.Errorf("summary stream: %w", ev.Err)
			}
			return "", errors.New("summary stream failed")
		}
	}

	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", errors.New("summary stream returned no text")
	}
	return text, nil
}

// ApplySummary marks the selection as summarized and splices the synthetic
// summary node in as a child of the selection's last node. Returns the
// summary node id.
func ApplySummary(tree *Tree, selection Selection, summaryText string) (string, bool) {
	if selection.Empty() {
		return "", false
	}

	ids := make([]string, 0, len(selection.ToSummarize))
	for _, node := range selection.ToSummarize {
		ids = append(ids, node.ID)
	}
	anchor := ids[len(ids)-1]

	tree.MarkSummarized(ids)
	return tree.InsertSummaryMessage(anchor, summaryText)
}
