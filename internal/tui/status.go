package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"loom/internal/chat"
	"loom/internal/llm/core"
)

// StatusModel renders the top status bar with the context gauge.
type StatusModel struct {
	Version   string
	ModelName string
	SessionID string
	State     string
	Usage     chat.ContextUsage

	// Reported is the provider-counted usage of the latest turn, shown
	// next to the estimator gauge when available.
	Reported *core.Usage
}

// NewStatusModel constructs status data for rendering.
func NewStatusModel(version, modelName, sessionID string) StatusModel {
	return StatusModel{
		Version:   strings.TrimSpace(version),
		ModelName: strings.TrimSpace(modelName),
		SessionID: strings.TrimSpace(sessionID),
		State:     "idle",
	}
}

// SetState updates the runtime state token.
func (m *StatusModel) SetState(state string) {
	m.State = strings.TrimSpace(state)
	if m.State == "" {
		m.State = "idle"
	}
}

// SetUsage updates the context gauge values.
func (m *StatusModel) SetUsage(usage chat.ContextUsage) {
	m.Usage = usage
}

// SetReported updates the provider-counted usage of the latest turn. Nil
// clears the segment.
func (m *StatusModel) SetReported(usage *core.Usage) {
	m.Reported = usage
}

// Render draws a one-line status bar.
func (m StatusModel) Render(width int, theme Theme) string {
	parts := []string{
		"loom " + fallbackText(m.Version, "dev"),
		fallbackText(m.ModelName, "unknown-model"),
		"session: " + shortID(fallbackText(m.SessionID, "new")),
		"state: " + fallbackText(m.State, "idle"),
		m.renderGauge(theme),
	}
	if m.Reported != nil {
		parts = append(parts, fmt.Sprintf("last turn %d in / %d out", m.Reported.InputTokens, m.Reported.OutputTokens))
	}
	line := strings.Join(parts, " | ")
	style := theme.StatusBarStyle
	if width > 0 {
		style = style.Width(width)
	}
	return style.Render(line)
}

func (m StatusModel) renderGauge(theme Theme) string {
	text := fmt.Sprintf("ctx %d/%d (%.0f%%)", m.Usage.UsedTokens, m.Usage.MaxTokens, m.Usage.Percentage)
	if m.Usage.State != chat.ThresholdNormal {
		text += " " + m.Usage.State.String()
	}
	return gaugeStyle(m.Usage.State, theme).Render(text)
}

func gaugeStyle(state chat.ThresholdState, theme Theme) lipgloss.Style {
	switch state {
	case chat.ThresholdWarning:
		return theme.GaugeWarningStyle
	case chat.ThresholdCritical:
		return theme.GaugeCriticalStyle
	case chat.ThresholdFull:
		return theme.GaugeFullStyle
	default:
		return theme.GaugeNormalStyle
	}
}

func fallbackText(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
