package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"loom/internal/chat"
	"loom/internal/llm/core"
)

const streamingCursor = "▌"

// TranscriptEntry is one rendered transcript item derived from the active
// path.
type TranscriptEntry struct {
	NodeID  string
	Role    core.Role
	Content string

	// Branch is the entry's position among sibling alternatives; rendered
	// as a "2/3" navigator when Total > 1.
	Branch chat.BranchInfo

	// CollapsedCount > 0 marks a summarized-run placeholder instead of a
	// message.
	CollapsedCount int

	Streaming bool
}

// SessionView is the read surface the transcript needs from the
// conversation.
type SessionView interface {
	ActivePath() []*chat.MessageNode
	BranchInfo(nodeID string) (chat.BranchInfo, bool)
	Streaming() (bool, string)
}

// BuildTranscript derives display entries from the session's active path.
// Summarized runs collapse into one placeholder entry; everything else maps
// one to one.
func BuildTranscript(session SessionView) []TranscriptEntry {
	path := session.ActivePath()
	_, streamingID := session.Streaming()

	entries := make([]TranscriptEntry, 0, len(path))
	collapsed := 0
	for _, node := range path {
		if node.Summarized {
			collapsed++
			continue
		}
		if collapsed > 0 {
			entries = append(entries, TranscriptEntry{CollapsedCount: collapsed})
			collapsed = 0
		}

		entry := TranscriptEntry{
			NodeID:    node.ID,
			Role:      node.Role,
			Content:   node.Content,
			Streaming: node.ID == streamingID,
		}
		if info, ok := session.BranchInfo(node.ID); ok {
			entry.Branch = info
		}
		entries = append(entries, entry)
	}
	if collapsed > 0 {
		entries = append(entries, TranscriptEntry{CollapsedCount: collapsed})
	}
	return entries
}

// ChatModel stores transcript entries plus appended notices for display.
type ChatModel struct {
	entries []TranscriptEntry

	scrollTop int

	// viewportHeight is the number of visible content lines inside the
	// chat panel. 0 means unconstrained.
	viewportHeight int
}

// NewChatModel creates an empty transcript view.
func NewChatModel() ChatModel {
	return ChatModel{}
}

// SetEntries replaces the transcript with a fresh derivation.
func (m *ChatModel) SetEntries(entries []TranscriptEntry) {
	wasAtBottom := m.isAtBottom()
	m.entries = entries
	if wasAtBottom {
		m.scrollToBottom()
		return
	}
	m.clampScrollTop()
}

// AppendNotice adds an out-of-band line (command output, errors) to the end
// of the transcript.
func (m *ChatModel) AppendNotice(role core.Role, text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}
	wasAtBottom := m.isAtBottom()
	m.entries = append(m.entries, TranscriptEntry{Role: role, Content: trimmed})
	if wasAtBottom {
		m.scrollToBottom()
		return
	}
	m.clampScrollTop()
}

// Entries returns a copy of the current entries.
func (m ChatModel) Entries() []TranscriptEntry {
	return append([]TranscriptEntry(nil), m.entries...)
}

// Clear removes all entries.
func (m *ChatModel) Clear() {
	m.entries = nil
	m.scrollTop = 0
}

// SetViewportHeight configures the visible line count for chat content.
func (m *ChatModel) SetViewportHeight(height int) {
	if height < 0 {
		height = 0
	}
	m.viewportHeight = height
	m.clampScrollTop()
}

// ScrollUp moves the chat viewport up by lines.
func (m *ChatModel) ScrollUp(lines int) {
	if lines <= 0 {
		return
	}
	m.scrollTop -= lines
	m.clampScrollTop()
}

// ScrollDown moves the chat viewport down by lines.
func (m *ChatModel) ScrollDown(lines int) {
	if lines <= 0 {
		return
	}
	m.scrollTop += lines
	m.clampScrollTop()
}

// PageUp scrolls one viewport up.
func (m *ChatModel) PageUp() {
	step := m.viewportHeight
	if step <= 0 {
		step = 10
	}
	m.ScrollUp(step)
}

// PageDown scrolls one viewport down.
func (m *ChatModel) PageDown() {
	step := m.viewportHeight
	if step <= 0 {
		step = 10
	}
	m.ScrollDown(step)
}

// ScrollToTop jumps to the top of buffered chat lines.
func (m *ChatModel) ScrollToTop() {
	m.scrollTop = 0
}

// ScrollToBottom jumps to the most recent chat lines.
func (m *ChatModel) ScrollToBottom() {
	m.scrollToBottom()
}

// Render draws the transcript inside a panel.
func (m ChatModel) Render(width int, theme Theme) string {
	if len(m.entries) == 0 {
		return renderPanel(width, theme.PanelStyle, "No messages yet.")
	}

	lines := make([]string, 0, len(m.entries)*2)
	for _, entry := range m.entries {
		lines = append(lines, renderEntryLines(entry, theme)...)
	}

	if m.viewportHeight > 0 && len(lines) > m.viewportHeight {
		start := m.scrollTop
		maxTop := len(lines) - m.viewportHeight
		if start < 0 {
			start = 0
		}
		if start > maxTop {
			start = maxTop
		}
		lines = lines[start : start+m.viewportHeight]
	}

	return renderPanel(width, theme.PanelStyle, strings.Join(lines, "\n"))
}

func renderEntryLines(entry TranscriptEntry, theme Theme) []string {
	if entry.CollapsedCount > 0 {
		marker := fmt.Sprintf("··· %d earlier messages summarized ···", entry.CollapsedCount)
		return []string{theme.SummaryPrefixStyle.Render(marker)}
	}

	prefix, style := rolePrefix(entry.Role, theme)
	header := style.Render(prefix)
	if entry.Branch.Total > 1 {
		header += " " + theme.BranchNavStyle.Render(fmt.Sprintf("‹ %d/%d ›", entry.Branch.Index+1, entry.Branch.Total))
	}

	content := entry.Content
	if entry.Streaming {
		content += streamingCursor
	}

	raw := contentLines(content, theme)
	if len(raw) == 0 {
		return []string{header}
	}
	lines := make([]string, 0, len(raw))
	lines = append(lines, header+" "+raw[0])
	lines = append(lines, raw[1:]...)
	return lines
}

// contentLines splits a message into display lines, styling thinking
// sections distinctly from answer text.
func contentLines(content string, theme Theme) []string {
	if content == "" {
		return nil
	}

	var lines []string
	rest := content
	for {
		start := strings.Index(rest, chat.ThinkingStart)
		if start < 0 {
			break
		}
		before := strings.TrimSpace(rest[:start])
		if before != "" {
			lines = append(lines, strings.Split(before, "\n")...)
		}
		rest = rest[start+len(chat.ThinkingStart):]

		end := strings.Index(rest, chat.ThinkingEnd)
		thinking := rest
		if end >= 0 {
			thinking = rest[:end]
			rest = rest[end+len(chat.ThinkingEnd):]
		} else {
			rest = ""
		}
		for _, line := range strings.Split(strings.TrimSpace(thinking), "\n") {
			lines = append(lines, theme.ThinkingStyle.Render("· "+line))
		}
	}
	tail := strings.TrimSpace(rest)
	if tail != "" {
		lines = append(lines, strings.Split(tail, "\n")...)
	}
	return lines
}

func rolePrefix(role core.Role, theme Theme) (string, lipgloss.Style) {
	switch role {
	case core.RoleAssistant:
		return "assistant:", theme.AssistantPrefixStyle
	case core.RoleSystem:
		return "system:", theme.SummaryPrefixStyle
	default:
		return "user:", theme.UserPrefixStyle
	}
}

func renderPanel(width int, style lipgloss.Style, content string) string {
	if width > 0 {
		return style.Width(width).Render(content)
	}
	return style.Render(content)
}

func (m *ChatModel) isAtBottom() bool {
	if m.viewportHeight <= 0 {
		return true
	}
	return m.scrollTop >= m.maxScrollTop()
}

func (m *ChatModel) maxScrollTop() int {
	if m.viewportHeight <= 0 {
		return 0
	}
	maxTop := m.totalRenderedLines() - m.viewportHeight
	if maxTop < 0 {
		return 0
	}
	return maxTop
}

func (m *ChatModel) scrollToBottom() {
	m.scrollTop = m.maxScrollTop()
}

func (m *ChatModel) clampScrollTop() {
	if m.scrollTop < 0 {
		m.scrollTop = 0
		return
	}
	maxTop := m.maxScrollTop()
	if m.scrollTop > maxTop {
		m.scrollTop = maxTop
	}
}

func (m *ChatModel) totalRenderedLines() int {
	total := 0
	for _, entry := range m.entries {
		if entry.CollapsedCount > 0 {
			total++
			continue
		}
		total += len(strings.Split(entry.Content, "\n"))
	}
	return total
}
