package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorRed    = lipgloss.Color("#FF5555")
	colorGreen  = lipgloss.Color("#50FA7B")
	colorYellow = lipgloss.Color("#F1FA8C")
	colorCyan   = lipgloss.Color("#8BE9FD")
	colorGray   = lipgloss.Color("#6272A4")
	colorDim    = lipgloss.Color("#44475A")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	dividerStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	recDotStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	busyStateStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	doneStateStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	errorLabelStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	errorTextStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	timestampStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	partialStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	speakingStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	levelLowStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	levelHotStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	levelOffStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	footerDescStyle = lipgloss.NewStyle().
			Foreground(colorGray)
)
