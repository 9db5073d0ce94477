// SPDX-License-Identifier: MPL-2.0

package cmd

import "github.com/charmbracelet/lipgloss"

// Color palette for CLI output on dark terminals.
const (
	// ColorPrimary is purple, for titles.
	ColorPrimary = lipgloss.Color("#7C3AED")
	// ColorMuted is gray, for secondary text.
	ColorMuted = lipgloss.Color("#6B7280")
	// ColorSuccess is green.
	ColorSuccess = lipgloss.Color("#10B981")
	// ColorError is red.
	ColorError = lipgloss.Color("#EF4444")
	// ColorWarning is amber.
	ColorWarning = lipgloss.Color("#F59E0B")
	// ColorHighlight is blue, for paths, URIs and commands.
	ColorHighlight = lipgloss.Color("#3B82F6")
)

var (
	// TitleStyle is for headers.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	// SubtitleStyle is for secondary text.
	SubtitleStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	// SuccessStyle is for positive outcomes.
	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	// ErrorStyle is for failures.
	ErrorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorError)

	// WarningStyle is for warnings.
	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	// CmdStyle is for commands, paths and URIs.
	CmdStyle = lipgloss.NewStyle().
			Foreground(ColorHighlight)

	// keyStyle labels key/value lines.
	keyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorHighlight)

	// stageStyle renders session stage names in progress output.
	stageStyle = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Width(11)
)

const (
	successIcon = "✓"
	errorIcon   = "✗"
	infoIcon    = "•"
)
