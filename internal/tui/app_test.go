package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"loom/internal/chat"
	"loom/internal/llm/core"
	mockprovider "loom/internal/llm/providers/mock"
)

func newTestApp(t *testing.T, provider core.Provider) *App {
	t.Helper()
	session := chat.NewSession(chat.Config{
		Model:    "llama3",
		Provider: provider,
	})
	return NewApp(AppConfig{
		Version:  "test",
		Session:  session,
		Provider: provider,
	})
}

func pressKeys(t *testing.T, app *App, text string) {
	t.Helper()
	for _, r := range text {
		if _, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}); cmd != nil {
			t.Fatalf("unexpected command while typing %q", text)
		}
	}
}

// submitAndPump presses enter, then drains the resulting stream pump until
// the provider channel closes.
func submitAndPump(t *testing.T, app *App) {
	t.Helper()
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	pump(t, app, cmd)
}

func pump(t *testing.T, app *App, cmd tea.Cmd) {
	t.Helper()
	for cmd != nil {
		msg := cmd()
		if msg == nil {
			return
		}
		_, cmd = app.Update(msg)
	}
}

func transcriptText(app *App) string {
	var b strings.Builder
	for _, entry := range app.chat.Entries() {
		b.WriteString(entry.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func TestAppSendStreamsAssistantReply(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, mockprovider.ScriptedText("hello world", 4, core.StopReasonStop))
	pressKeys(t, app, "hi")
	submitAndPump(t, app)

	path := app.session.ActivePath()
	if len(path) != 2 {
		t.Fatalf("active path length = %d, want 2", len(path))
	}
	if path[1].Role != core.RoleAssistant || path[1].Content != "hello world" {
		t.Fatalf("assistant node = %q, want hello world", path[1].Content)
	}
	if !strings.Contains(transcriptText(app), "hello world") {
		t.Fatalf("transcript missing reply: %q", transcriptText(app))
	}
	if app.activeStream != nil {
		t.Fatal("stream must be released after the channel closes")
	}
	if app.status.State != "idle" {
		t.Fatalf("status state = %q, want idle", app.status.State)
	}
	if app.session.Usage().UsedTokens == 0 {
		t.Fatal("usage must be recomputed after the turn")
	}
}

func TestAppRegenerateCreatesSiblingBranch(t *testing.T) {
	t.Parallel()

	provider := mockprovider.ScriptedText("take", 0, core.StopReasonStop)
	app := newTestApp(t, provider)
	pressKeys(t, app, "question")
	submitAndPump(t, app)

	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyCtrlG})
	pump(t, app, cmd)

	path := app.session.ActivePath()
	info, ok := app.session.BranchInfo(path[len(path)-1].ID)
	if !ok || info.Total != 2 {
		t.Fatalf("branch info = %+v, want 2 alternatives", info)
	}
	if info.Index != 1 {
		t.Fatalf("branch index = %d, want newest alternative active", info.Index)
	}

	entries := app.chat.Entries()
	if got := entries[len(entries)-1].Branch.Total; got != 2 {
		t.Fatalf("transcript branch total = %d, want 2", got)
	}
}

func TestAppAltArrowsSwitchBranches(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, mockprovider.ScriptedText("take", 0, core.StopReasonStop))
	pressKeys(t, app, "question")
	submitAndPump(t, app)
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyCtrlG})
	pump(t, app, cmd)

	app.Update(keyMsgFromString(t, "alt+left"))
	path := app.session.ActivePath()
	info, _ := app.session.BranchInfo(path[len(path)-1].ID)
	if info.Index != 0 {
		t.Fatalf("branch index after alt+left = %d, want 0", info.Index)
	}

	app.Update(keyMsgFromString(t, "alt+right"))
	path = app.session.ActivePath()
	info, _ = app.session.BranchInfo(path[len(path)-1].ID)
	if info.Index != 1 {
		t.Fatalf("branch index after alt+right = %d, want 1", info.Index)
	}
}

func keyMsgFromString(t *testing.T, key string) tea.KeyMsg {
	t.Helper()
	switch key {
	case "alt+left":
		return tea.KeyMsg{Type: tea.KeyLeft, Alt: true}
	case "alt+right":
		return tea.KeyMsg{Type: tea.KeyRight, Alt: true}
	default:
		t.Fatalf("unsupported key %q", key)
		return tea.KeyMsg{}
	}
}

func TestAppShowsProviderReportedUsage(t *testing.T) {
	t.Parallel()

	reported := core.Usage{InputTokens: 12, OutputTokens: 7, TotalTokens: 19}
	provider := &mockprovider.Provider{Events: []core.Event{
		{Type: core.EventStart},
		{Type: core.EventTextDelta, TextDelta: "hi"},
		{Type: core.EventUsage, Usage: &reported},
		{Type: core.EventDone, Done: &core.DonePayload{Reason: core.StopReasonStop, Usage: reported}},
	}}
	app := newTestApp(t, provider)
	pressKeys(t, app, "hello")
	submitAndPump(t, app)

	if app.status.Reported == nil || app.status.Reported.InputTokens != 12 || app.status.Reported.OutputTokens != 7 {
		t.Fatalf("status reported usage = %+v, want 12 in / 7 out", app.status.Reported)
	}
	rendered := app.status.Render(120, ResolveTheme("dark"))
	if !strings.Contains(rendered, "12 in / 7 out") {
		t.Fatalf("status bar missing reported usage, got %q", rendered)
	}
}

func TestAppEditCommandBranchesAndReplies(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, mockprovider.ScriptedText("revised answer", 0, core.StopReasonStop))
	pressKeys(t, app, "first question")
	submitAndPump(t, app)

	originalUserID := app.session.ActivePath()[0].ID
	pressKeys(t, app, "/edit "+originalUserID+" a sharper question")
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("edit must start an assistant turn")
	}
	pump(t, app, cmd)

	path := app.session.ActivePath()
	if len(path) != 2 {
		t.Fatalf("active path length = %d, want 2", len(path))
	}
	if path[0].ID == originalUserID || path[0].Content != "a sharper question" {
		t.Fatalf("path head = %q %q, want edited sibling", path[0].ID, path[0].Content)
	}
	info, ok := app.session.BranchInfo(path[0].ID)
	if !ok || info.Total != 2 || info.Index != 1 {
		t.Fatalf("edited branch info = %+v, want index 1 of 2", info)
	}
	if path[1].Content != "revised answer" {
		t.Fatalf("reply = %q, want revised answer", path[1].Content)
	}

	// The original pair stays reachable.
	if _, ok := app.session.Get(originalUserID); !ok {
		t.Fatal("original user node must survive the edit")
	}
}

func TestAppClosedChannelWithoutDoneAbortsStream(t *testing.T) {
	t.Parallel()

	// Script without a terminal event: the channel closes mid-stream.
	provider := &mockprovider.Provider{Events: []core.Event{
		{Type: core.EventStart},
		{Type: core.EventTextDelta, TextDelta: "partial"},
	}}
	app := newTestApp(t, provider)
	pressKeys(t, app, "hi")
	submitAndPump(t, app)

	if streaming, _ := app.session.Streaming(); streaming {
		t.Fatal("session must be idle after the channel closes")
	}
	path := app.session.ActivePath()
	if len(path) != 2 || path[1].Content != "partial" {
		t.Fatalf("partial content = %q, want kept after abort", path[1].Content)
	}
	if app.activeStream != nil {
		t.Fatal("stream must be released")
	}
}

func TestAppSlashCommandsRunInline(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, mockprovider.ScriptedText("ok", 0, core.StopReasonStop))

	pressKeys(t, app, "/help")
	if _, cmd := app.Update(tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil {
		t.Fatal("help must not produce a command")
	}
	if !strings.Contains(transcriptText(app), "/summarize") {
		t.Fatalf("help output missing, transcript = %q", transcriptText(app))
	}

	pressKeys(t, app, "/model qwen2")
	app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if got := app.session.Model(); got != "qwen2" {
		t.Fatalf("session model = %q, want qwen2", got)
	}
	if got := app.status.ModelName; got != "qwen2" {
		t.Fatalf("status model = %q, want qwen2", got)
	}

	pressKeys(t, app, "/quit")
	if _, cmd := app.Update(tea.KeyMsg{Type: tea.KeyEnter}); cmd == nil {
		t.Fatal("quit must produce a quit command")
	}
}

func TestAppBlocksSendWhenContextFull(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, mockprovider.ScriptedText("ok", 0, core.StopReasonStop))
	pressKeys(t, app, "hi")
	submitAndPump(t, app)

	app.session.SetCustomContextLimit(1)

	pressKeys(t, app, "another message")
	if _, cmd := app.Update(tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil {
		t.Fatal("blocked send must not start a stream")
	}
	if !strings.Contains(transcriptText(app), "full") {
		t.Fatalf("expected full-context notice, transcript = %q", transcriptText(app))
	}
	if len(app.session.ActivePath()) != 2 {
		t.Fatalf("path length = %d, want unchanged 2", len(app.session.ActivePath()))
	}
}

func TestAppTreeSelectorRoutesPath(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, mockprovider.ScriptedText("answer", 0, core.StopReasonStop))
	pressKeys(t, app, "first question")
	submitAndPump(t, app)
	pressKeys(t, app, "second question")
	submitAndPump(t, app)

	pressKeys(t, app, "/tree")
	app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if app.selector == nil {
		t.Fatal("tree command must open the selector")
	}
	if got := len(app.selector.Items); got != 4 {
		t.Fatalf("selector item count = %d, want 4", got)
	}
	if app.selector.Cursor != 3 {
		t.Fatalf("selector cursor = %d, want last item", app.selector.Cursor)
	}

	// Move to the first node and confirm.
	for i := 0; i < 3; i++ {
		app.Update(tea.KeyMsg{Type: tea.KeyUp})
	}
	app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if app.selector != nil {
		t.Fatal("selector must close on confirm")
	}

	pressKeys(t, app, "/tree")
	app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if app.selector == nil {
		t.Fatal("selector must reopen")
	}
	app.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if app.selector != nil {
		t.Fatal("esc must dismiss the selector")
	}
}

func TestAppSummarizeShortcutReportsTooShort(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, mockprovider.ScriptedText("ok", 0, core.StopReasonStop))
	pressKeys(t, app, "hi")
	submitAndPump(t, app)

	if _, cmd := app.Update(tea.KeyMsg{Type: tea.KeyCtrlK}); cmd != nil {
		t.Fatal("summarize shortcut must run inline")
	}
	if !strings.Contains(transcriptText(app), "Nothing to summarize") {
		t.Fatalf("expected too-short notice, transcript = %q", transcriptText(app))
	}
}
