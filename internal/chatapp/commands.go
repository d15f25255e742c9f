package chatapp

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"loom/internal/chat"
)

// ExecuteSlashCommand parses and handles one slash command.
func ExecuteSlashCommand(content string, env CommandEnv) tea.Cmd {
	if env.Session == nil {
		appendError(env, "session is not initialized")
		return nil
	}

	parts := strings.Fields(strings.TrimSpace(content))
	if len(parts) == 0 {
		return nil
	}
	command := strings.TrimPrefix(parts[0], "/")
	args := parts[1:]

	switch command {
	case "help":
		appendAssistant(env, strings.Join([]string{
			"Slash commands:",
			"/help",
			"/model [model-id]",
			"/limit [tokens|off]",
			"/summarize",
			"/branch <node-id> <next|prev>",
			"/edit <node-id> <text>",
			"/tree [node-id]",
			"/reset",
			"/sessions",
			"/delete <conversation-id>",
			"/quit",
		}, "\n"))
	case "model":
		if len(args) == 0 {
			usage := env.Session.Usage()
			appendAssistant(env, fmt.Sprintf("Model: %s (context window %d tokens)", env.Session.Model(), usage.MaxTokens))
			return nil
		}
		model := strings.TrimSpace(args[0])
		env.Session.SetModel(model)
		refreshStatus(env)
		usage := env.Session.Usage()
		appendAssistant(env, fmt.Sprintf("Model set to %s (context window %d tokens).", model, usage.MaxTokens))
	case "limit":
		if len(args) == 0 {
			usage := env.Session.Usage()
			appendAssistant(env, fmt.Sprintf("Context limit: %d tokens (%d used, %.0f%%).", usage.MaxTokens, usage.UsedTokens, usage.Percentage))
			return nil
		}
		if strings.EqualFold(args[0], "off") {
			env.Session.SetCustomContextLimit(0)
			refreshStatus(env)
			appendAssistant(env, "Custom context limit cleared.")
			return nil
		}
		limit, err := strconv.Atoi(args[0])
		if err != nil || limit <= 0 {
			appendError(env, "usage: /limit [tokens|off]")
			return nil
		}
		env.Session.SetCustomContextLimit(limit)
		refreshStatus(env)
		appendAssistant(env, fmt.Sprintf("Context limit set to %d tokens.", limit))
	case "summarize":
		if env.ActiveStream {
			appendError(env, "cannot summarize while a response is streaming")
			return nil
		}
		result, err := env.Session.SummarizeNow(context.Background())
		if err != nil {
			appendError(env, err.Error())
			return nil
		}
		if result.Empty {
			appendAssistant(env, "Nothing to summarize yet.")
			return nil
		}
		rebuildChat(env)
		refreshStatus(env)
		appendAssistant(env, fmt.Sprintf("Summarized %d messages, freeing about %d tokens.", result.SummarizedCount, result.TokensSaved))
	case "branch":
		if env.ActiveStream {
			appendError(env, "cannot switch branch while a response is streaming")
			return nil
		}
		if len(args) != 2 {
			appendError(env, "usage: /branch <node-id> <next|prev>")
			return nil
		}
		var dir chat.Direction
		switch strings.ToLower(args[1]) {
		case "next":
			dir = chat.Next
		case "prev":
			dir = chat.Prev
		default:
			appendError(env, "usage: /branch <node-id> <next|prev>")
			return nil
		}
		if err := env.Session.SwitchBranch(args[0], dir); err != nil {
			appendError(env, err.Error())
			return nil
		}
		rebuildChat(env)
		if info, ok := env.Session.BranchInfo(args[0]); ok {
			appendAssistant(env, fmt.Sprintf("Switched to branch %d/%d.", info.Index+1, info.Total))
		}
	case "edit":
		if env.ActiveStream {
			appendError(env, "cannot edit while a response is streaming")
			return nil
		}
		if len(args) < 2 {
			appendError(env, "usage: /edit <node-id> <text>")
			return nil
		}
		if _, err := env.Session.Edit(args[0], strings.Join(args[1:], " "), nil); err != nil {
			appendError(env, err.Error())
			return nil
		}
		rebuildChat(env)
		refreshStatus(env)
		if env.StartAssistantTurn != nil {
			return env.StartAssistantTurn()
		}
	case "tree":
		if env.ActiveStream {
			appendError(env, "cannot switch branch while a response is streaming")
			return nil
		}
		if len(args) == 0 {
			if env.OpenTreeSelector == nil {
				appendError(env, "tree selector is not available")
				return nil
			}
			return env.OpenTreeSelector()
		}
		if len(args) != 1 {
			appendError(env, "usage: /tree [node-id]")
			return nil
		}
		if err := env.Session.SelectNode(args[0]); err != nil {
			appendError(env, err.Error())
			return nil
		}
		rebuildChat(env)
		appendAssistant(env, "Active path now runs through "+args[0]+".")
	case "reset":
		if env.ActiveStream {
			appendError(env, "cannot reset while a response is streaming")
			return nil
		}
		if err := env.Session.Reset(); err != nil {
			appendError(env, err.Error())
			return nil
		}
		rebuildChat(env)
		refreshStatus(env)
		appendAssistant(env, "Conversation reset.")
	case "sessions":
		if env.Store == nil {
			appendError(env, "conversation store is not available")
			return nil
		}
		infos, err := env.Store.List(context.Background())
		if err != nil {
			appendError(env, err.Error())
			return nil
		}
		if len(infos) == 0 {
			appendAssistant(env, "No stored conversations.")
			return nil
		}
		lines := make([]string, 0, len(infos)+1)
		lines = append(lines, "Stored conversations:")
		for _, info := range infos {
			lines = append(lines, fmt.Sprintf("- %s (%s, %d bytes)", info.ID, info.UpdatedAt.Format("2006-01-02 15:04"), info.SizeBytes))
		}
		appendAssistant(env, strings.Join(lines, "\n"))
	case "delete":
		if env.Store == nil {
			appendError(env, "conversation store is not available")
			return nil
		}
		if len(args) != 1 {
			appendError(env, "usage: /delete <conversation-id>")
			return nil
		}
		if args[0] == env.ConversationID {
			appendError(env, "cannot delete the active conversation; /reset clears it instead")
			return nil
		}
		if err := env.Store.Delete(context.Background(), args[0]); err != nil {
			appendError(env, err.Error())
			return nil
		}
		appendAssistant(env, "Deleted conversation "+args[0]+".")
	case "quit":
		if env.Quit != nil {
			return env.Quit()
		}
		return tea.Quit
	default:
		appendError(env, "unknown slash command: /"+command)
	}

	return nil
}

func appendAssistant(env CommandEnv, text string) {
	if env.AppendAssistant != nil {
		env.AppendAssistant(text)
	}
}

func appendError(env CommandEnv, errText string) {
	if env.AppendError != nil {
		env.AppendError(errText)
	}
}

func rebuildChat(env CommandEnv) {
	if env.RebuildChatFromSession != nil {
		env.RebuildChatFromSession()
	}
}

func refreshStatus(env CommandEnv) {
	if env.RefreshStatus != nil {
		env.RefreshStatus()
	}
}
