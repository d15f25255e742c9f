package chatapp

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"loom/internal/chat"
	"loom/internal/llm/core"
	"loom/internal/store"
)

// ChatController is the command-facing conversation runtime contract.
type ChatController interface {
	Model() string
	SetModel(model string)
	SetCustomContextLimit(limit int)
	Usage() chat.ContextUsage
	SummarizeNow(ctx context.Context) (chat.SummarizeResult, error)
	SwitchBranch(nodeID string, dir chat.Direction) error
	BranchInfo(nodeID string) (chat.BranchInfo, bool)
	SelectNode(nodeID string) error
	Edit(userNodeID, newContent string, images []core.ImageBlock) (string, error)
	Reset() error
}

// ConversationStore lists and deletes stored conversations.
type ConversationStore interface {
	List(ctx context.Context) ([]store.ConversationInfo, error)
	Delete(ctx context.Context, conversationID string) error
}

// CommandEnv provides adapter hooks so command runtime stays UI-framework
// agnostic.
type CommandEnv struct {
	Session ChatController
	Store   ConversationStore

	// ConversationID names the running conversation so store commands can
	// refuse to act on it.
	ConversationID string

	ActiveStream bool

	OpenTreeSelector func() tea.Cmd
	Quit             func() tea.Cmd

	// StartAssistantTurn begins streaming a reply at the current leaf,
	// used by commands that change the path and expect a fresh answer.
	StartAssistantTurn func() tea.Cmd

	RebuildChatFromSession func()
	RefreshStatus          func()

	AppendAssistant func(text string)
	AppendError     func(errText string)
}
