package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme contains style tokens used by the terminal UI.
type Theme struct {
	Name                      string
	StatusBarStyle            lipgloss.Style
	PanelStyle                lipgloss.Style
	UserPrefixStyle           lipgloss.Style
	AssistantPrefixStyle      lipgloss.Style
	SummaryPrefixStyle        lipgloss.Style
	ThinkingStyle             lipgloss.Style
	BranchNavStyle            lipgloss.Style
	InputPromptStyle          lipgloss.Style
	InputTextStyle            lipgloss.Style
	InputPlaceholderTextStyle lipgloss.Style

	GaugeNormalStyle   lipgloss.Style
	GaugeWarningStyle  lipgloss.Style
	GaugeCriticalStyle lipgloss.Style
	GaugeFullStyle     lipgloss.Style
}

// ResolveTheme returns the configured theme or the dark default.
func ResolveTheme(name string) Theme {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "light":
		return newLightTheme()
	default:
		return newDarkTheme()
	}
}

func newDarkTheme() Theme {
	border := lipgloss.Color("63")
	muted := lipgloss.Color("245")
	return Theme{
		Name: "dark",
		StatusBarStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("63")).
			Padding(0, 1),
		PanelStyle: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(border).
			Padding(0, 1),
		UserPrefixStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		AssistantPrefixStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true),
		SummaryPrefixStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("111")).Bold(true),
		ThinkingStyle:        lipgloss.NewStyle().Foreground(muted).Italic(true),
		BranchNavStyle:       lipgloss.NewStyle().Foreground(muted),
		InputPromptStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		InputTextStyle:       lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		InputPlaceholderTextStyle: lipgloss.NewStyle().
			Foreground(muted).
			Italic(true),
		GaugeNormalStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		GaugeWarningStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true),
		GaugeCriticalStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true),
		GaugeFullStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
}

func newLightTheme() Theme {
	border := lipgloss.Color("246")
	muted := lipgloss.Color("240")
	return Theme{
		Name: "light",
		StatusBarStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("189")).
			Padding(0, 1),
		PanelStyle: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(border).
			Padding(0, 1),
		UserPrefixStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("25")).Bold(true),
		AssistantPrefixStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("94")).Bold(true),
		SummaryPrefixStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("31")).Bold(true),
		ThinkingStyle:        lipgloss.NewStyle().Foreground(muted).Italic(true),
		BranchNavStyle:       lipgloss.NewStyle().Foreground(muted),
		InputPromptStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("25")).Bold(true),
		InputTextStyle:       lipgloss.NewStyle().Foreground(lipgloss.Color("16")),
		InputPlaceholderTextStyle: lipgloss.NewStyle().
			Foreground(muted).
			Italic(true),
		GaugeNormalStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("28")),
		GaugeWarningStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("130")).Bold(true),
		GaugeCriticalStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("166")).Bold(true),
		GaugeFullStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("124")).Bold(true),
	}
}
