package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"loom/internal/chat"
	"loom/internal/chatapp"
	"loom/internal/llm/core"
	"loom/internal/store"
)

const defaultAppWidth = 100

// AppConfig configures the root BubbleTea model.
type AppConfig struct {
	Version   string
	ThemeName string

	Session  *chat.Session
	Provider core.Provider
	Store    *store.Store
}

type streamReadMsg struct {
	Event  core.Event
	Closed bool
}

type selectorItem struct {
	Value string
	Label string
}

type selectorState struct {
	Title  string
	Items  []selectorItem
	Cursor int
}

// App is the root TUI model.
type App struct {
	theme    Theme
	session  *chat.Session
	provider core.Provider
	recorder *Recorder

	width  int
	height int

	status StatusModel
	chat   ChatModel
	input  InputModel

	selector *selectorState

	activeStream <-chan core.Event
	streamCancel context.CancelFunc
	streamNodeID string
}

// NewApp constructs the root TUI model.
func NewApp(cfg AppConfig) *App {
	sessionID := ""
	modelName := ""
	if cfg.Session != nil {
		sessionID = cfg.Session.ID()
		modelName = cfg.Session.Model()
	}

	app := &App{
		theme:    ResolveTheme(cfg.ThemeName),
		session:  cfg.Session,
		provider: cfg.Provider,
		recorder: NewRecorder(cfg.Store, sessionID),
		status:   NewStatusModel(cfg.Version, modelName, sessionID),
		chat:     NewChatModel(),
		input:    NewInputModel(">", "Type a message, /help for commands"),
		width:    defaultAppWidth,
	}
	app.rebuildTranscript()
	app.refreshStatus()
	return app
}

// Init starts background commands if needed.
func (m *App) Init() tea.Cmd {
	return nil
}

// Update applies state changes from user input and runtime events.
func (m *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chat.SetViewportHeight(m.chatViewportHeight())
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case streamReadMsg:
		if msg.Closed {
			m.finishTurn()
			return m, nil
		}
		m.consumeEvent(msg.Event)
		if m.activeStream != nil {
			return m, readStreamEventCommand(m.activeStream)
		}
		return m, nil
	}

	return m, nil
}

// View renders status bar, transcript, and input line.
func (m *App) View() string {
	width := m.width
	if width <= 0 {
		width = defaultAppWidth
	}

	statusLine := m.status.Render(width, m.theme)
	var body string
	m.chat.SetViewportHeight(m.chatViewportHeight())
	if m.selector != nil {
		body = m.renderSelectorPanel(width)
	} else {
		body = m.chat.Render(width, m.theme)
	}
	inputLine := m.input.Render(width, m.theme)
	return strings.Join([]string{statusLine, body, inputLine}, "\n")
}

func (m *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		if m.streamCancel != nil {
			m.streamCancel()
		}
		return m, tea.Quit
	case "esc":
		if m.selector != nil {
			m.selector = nil
			return m, nil
		}
		m.abortStream()
		return m, nil
	case "ctrl+g":
		return m, m.regenerateLastAssistant()
	case "ctrl+k":
		return m, m.handleSlashCommand("/summarize")
	case "alt+left":
		m.switchBranchAtFocus(chat.Prev)
		return m, nil
	case "alt+right":
		m.switchBranchAtFocus(chat.Next)
		return m, nil
	}

	if m.selector != nil {
		return m, m.handleSelectorKey(msg)
	}
	if m.handleChatScrollKey(msg) {
		return m, nil
	}

	if submitted := m.input.HandleKey(msg); submitted {
		content := strings.TrimSpace(m.input.Value())
		m.input.Clear()
		return m, m.handleInputSubmit(content)
	}
	return m, nil
}

func (m *App) handleInputSubmit(content string) tea.Cmd {
	if content == "" {
		return nil
	}
	if m.session == nil {
		m.appendErrorMessage("session is not initialized")
		return nil
	}

	if strings.HasPrefix(content, "/") {
		return m.handleSlashCommand(content)
	}

	if m.activeStream != nil {
		m.appendErrorMessage("a response is already streaming; esc to abort")
		return nil
	}

	userID, err := m.session.Send(content, nil)
	if err != nil {
		if errors.Is(err, chat.ErrContextFull) {
			m.appendErrorMessage("context window is full; /summarize or /reset to continue")
			return nil
		}
		m.appendErrorMessage(err.Error())
		return nil
	}
	if node, ok := m.session.Get(userID); ok {
		if err := m.recorder.RecordNode(context.Background(), node); err != nil {
			m.appendErrorMessage(err.Error())
		}
	}

	nodeID, err := m.session.StartStreaming()
	if err != nil {
		m.appendErrorMessage(err.Error())
		return nil
	}
	return m.startTurn(nodeID)
}

// startTurn builds the provider request for the node being filled and begins
// pumping its event stream.
func (m *App) startTurn(nodeID string) tea.Cmd {
	req, err := m.session.BuildRequest()
	if err != nil {
		if _, abortErr := m.session.Abort(); abortErr == nil {
			m.rebuildTranscript()
		}
		m.appendErrorMessage(err.Error())
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := m.provider.Stream(ctx, req)
	if err != nil {
		cancel()
		if _, abortErr := m.session.Abort(); abortErr == nil {
			m.rebuildTranscript()
		}
		m.appendErrorMessage(err.Error())
		return nil
	}

	m.activeStream = stream
	m.streamCancel = cancel
	m.streamNodeID = nodeID
	m.status.SetState("streaming")
	m.rebuildTranscript()
	return readStreamEventCommand(stream)
}

func (m *App) regenerateLastAssistant() tea.Cmd {
	if m.session == nil || m.activeStream != nil {
		return nil
	}

	path := m.session.ActivePath()
	var target string
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Role == core.RoleAssistant && !path[i].IsSummary {
			target = path[i].ID
			break
		}
	}
	if target == "" {
		m.appendErrorMessage("no assistant message to regenerate")
		return nil
	}

	nodeID, err := m.session.Regenerate(target)
	if err != nil {
		m.appendErrorMessage(err.Error())
		return nil
	}
	return m.startTurn(nodeID)
}

// switchBranchAtFocus switches at the deepest branch point on the active
// path.
func (m *App) switchBranchAtFocus(dir chat.Direction) {
	if m.session == nil || m.activeStream != nil {
		return
	}

	path := m.session.ActivePath()
	for i := len(path) - 1; i >= 0; i-- {
		info, ok := m.session.BranchInfo(path[i].ID)
		if !ok || info.Total < 2 {
			continue
		}
		if err := m.session.SwitchBranch(path[i].ID, dir); err != nil {
			m.appendErrorMessage(err.Error())
			return
		}
		m.rebuildTranscript()
		m.refreshStatus()
		return
	}
}

func (m *App) abortStream() {
	if m.activeStream == nil {
		return
	}
	if m.streamCancel != nil {
		m.streamCancel()
	}
}

func (m *App) handleSlashCommand(content string) tea.Cmd {
	return chatapp.ExecuteSlashCommand(content, chatapp.CommandEnv{
		Session:        m.session,
		Store:          m.conversationStore(),
		ConversationID: m.session.ID(),
		ActiveStream:   m.activeStream != nil,
		OpenTreeSelector: func() tea.Cmd {
			return m.openTreeSelector()
		},
		Quit: func() tea.Cmd {
			return tea.Quit
		},
		StartAssistantTurn: func() tea.Cmd {
			nodeID, err := m.session.StartStreaming()
			if err != nil {
				m.appendErrorMessage(err.Error())
				return nil
			}
			return m.startTurn(nodeID)
		},
		RebuildChatFromSession: func() {
			m.rebuildTranscript()
			m.mirrorActivePath()
		},
		RefreshStatus: func() {
			m.refreshStatus()
		},
		AppendAssistant: func(text string) {
			m.chat.AppendNotice(core.RoleAssistant, text)
		},
		AppendError: func(errText string) {
			m.appendErrorMessage(errText)
		},
	})
}

func (m *App) conversationStore() chatapp.ConversationStore {
	if m.recorder == nil || m.recorder.store == nil {
		return nil
	}
	return m.recorder.store
}

func (m *App) openTreeSelector() tea.Cmd {
	path := m.session.ActivePath()
	if len(path) == 0 {
		m.chat.AppendNotice(core.RoleAssistant, "Conversation is empty.")
		return nil
	}

	items := make([]selectorItem, 0, len(path))
	for _, node := range path {
		label := fmt.Sprintf("%s  [%s] %s", shortID(node.ID), node.Role, firstLine(node.Content))
		if info, ok := m.session.BranchInfo(node.ID); ok && info.Total > 1 {
			label += fmt.Sprintf("  (%d/%d)", info.Index+1, info.Total)
		}
		items = append(items, selectorItem{Value: node.ID, Label: label})
	}

	m.selector = &selectorState{
		Title:  "Select Node",
		Items:  items,
		Cursor: len(items) - 1,
	}
	return nil
}

func (m *App) handleSelectorKey(msg tea.KeyMsg) tea.Cmd {
	if m.selector == nil {
		return nil
	}

	switch msg.Type {
	case tea.KeyUp:
		m.selector.Cursor--
		if m.selector.Cursor < 0 {
			m.selector.Cursor = len(m.selector.Items) - 1
		}
	case tea.KeyDown:
		m.selector.Cursor++
		if m.selector.Cursor >= len(m.selector.Items) {
			m.selector.Cursor = 0
		}
	case tea.KeyEnter:
		return m.confirmSelector()
	}
	return nil
}

func (m *App) confirmSelector() tea.Cmd {
	if m.selector == nil || len(m.selector.Items) == 0 {
		m.selector = nil
		return nil
	}
	selected := m.selector.Items[m.selector.Cursor]
	m.selector = nil

	if err := m.session.SelectNode(selected.Value); err != nil {
		m.appendErrorMessage(err.Error())
		return nil
	}
	m.rebuildTranscript()
	m.refreshStatus()
	return nil
}

func (m *App) consumeEvent(ev core.Event) {
	if m.session == nil {
		return
	}

	err := m.session.HandleEvent(ev)
	switch ev.Type {
	case core.EventTextDelta, core.EventThinkingDelta:
		m.rebuildTranscript()
		m.refreshStatus()
	case core.EventDone:
		m.rebuildTranscript()
		m.refreshStatus()
		m.status.SetState("idle")
		m.mirrorStreamedNode()
		m.maybeAutoCompact()
	case core.EventError:
		m.rebuildTranscript()
		m.refreshStatus()
		m.mirrorStreamedNode()
		if err != nil && errors.Is(err, context.Canceled) {
			m.chat.AppendNotice(core.RoleAssistant, "Generation aborted; partial response kept.")
			m.status.SetState("idle")
		} else if err != nil {
			m.appendErrorMessage(err.Error())
		}
		err = nil
	}
	if err != nil {
		m.appendErrorMessage(err.Error())
	}
}

// finishTurn runs when the provider channel closes.
func (m *App) finishTurn() {
	if m.streamCancel != nil {
		m.streamCancel()
		m.streamCancel = nil
	}
	m.activeStream = nil
	m.streamNodeID = ""

	// A channel that closed without a terminal event leaves the session
	// streaming; treat it as an abort.
	if streaming, _ := m.session.Streaming(); streaming {
		if _, err := m.session.Abort(); err == nil {
			m.rebuildTranscript()
			m.refreshStatus()
		}
	}
	if m.status.State == "streaming" {
		m.status.SetState("idle")
	}
}

func (m *App) mirrorStreamedNode() {
	if m.streamNodeID == "" {
		return
	}
	if node, ok := m.session.Get(m.streamNodeID); ok {
		if err := m.recorder.RecordNode(context.Background(), node); err != nil {
			m.appendErrorMessage(err.Error())
		}
	}
}

func (m *App) maybeAutoCompact() {
	res, attempted, err := m.session.MaybeAutoCompact(context.Background())
	if err != nil {
		m.appendErrorMessage(err.Error())
		return
	}
	if !attempted || res.Empty {
		return
	}
	m.rebuildTranscript()
	m.refreshStatus()
	m.mirrorActivePath()
	if node, ok := m.session.Get(res.SummaryNodeID); ok {
		if err := m.recorder.RecordNode(context.Background(), node); err != nil {
			m.appendErrorMessage(err.Error())
		}
	}
	m.chat.AppendNotice(core.RoleAssistant, fmt.Sprintf(
		"Auto-compacted %d messages, freeing about %d tokens.", res.SummarizedCount, res.TokensSaved))
}

// mirrorActivePath re-records the active path so summarization flags and
// branch edits reach disk.
func (m *App) mirrorActivePath() {
	if err := m.recorder.RecordNodes(context.Background(), m.session.ActivePath()); err != nil {
		m.appendErrorMessage(err.Error())
	}
}

func (m *App) appendErrorMessage(errText string) {
	m.chat.AppendNotice(core.RoleAssistant, "Error: "+strings.TrimSpace(errText))
	m.status.SetState("error")
}

func (m *App) rebuildTranscript() {
	if m.session == nil {
		return
	}
	m.chat.SetEntries(BuildTranscript(m.session))
}

func (m *App) refreshStatus() {
	if m.session == nil {
		return
	}
	m.status.ModelName = m.session.Model()
	m.status.SetUsage(m.session.Usage())
	m.status.SetReported(m.session.LastUsage())
}

func (m *App) renderSelectorPanel(width int) string {
	if m.selector == nil || len(m.selector.Items) == 0 {
		return renderPanel(width, m.theme.PanelStyle, "No selectable items.")
	}
	lines := make([]string, 0, len(m.selector.Items)+2)
	lines = append(lines, m.selector.Title)
	lines = append(lines, "Use ↑/↓ to navigate, Enter to confirm, Esc to cancel.")
	for index, item := range m.selector.Items {
		prefix := "  "
		if index == m.selector.Cursor {
			prefix = "> "
		}
		lines = append(lines, prefix+item.Label)
	}
	return renderPanel(width, m.theme.PanelStyle, strings.Join(lines, "\n"))
}

func (m *App) handleChatScrollKey(msg tea.KeyMsg) bool {
	switch msg.Type {
	case tea.KeyUp:
		m.chat.ScrollUp(1)
		return true
	case tea.KeyDown:
		m.chat.ScrollDown(1)
		return true
	case tea.KeyPgUp:
		m.chat.PageUp()
		return true
	case tea.KeyPgDown:
		m.chat.PageDown()
		return true
	case tea.KeyHome:
		m.chat.ScrollToTop()
		return true
	case tea.KeyEnd:
		m.chat.ScrollToBottom()
		return true
	default:
		return false
	}
}

func (m *App) chatViewportHeight() int {
	if m.height <= 0 {
		return 0
	}

	const nonBodyRows = 2 // status + input
	bodyHeight := m.height - nonBodyRows
	if bodyHeight < 1 {
		return 1
	}

	contentHeight := bodyHeight - m.theme.PanelStyle.GetVerticalFrameSize()
	if contentHeight < 1 {
		return 1
	}
	return contentHeight
}

func readStreamEventCommand(stream <-chan core.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-stream
		if !ok {
			return streamReadMsg{Closed: true}
		}
		return streamReadMsg{Event: event}
	}
}

func firstLine(content string) string {
	line := content
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	const maxLen = 40
	if len(line) > maxLen {
		return line[:maxLen] + "…"
	}
	return line
}
