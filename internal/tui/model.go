// Package tui renders a live transcription session in the terminal.
//
// The [Model] is a thin Bubble Tea view over a [session.Controller]: it polls
// the controller snapshot on a fixed tick and draws whatever it finds. All
// session behavior lives in the controller; the only thing the UI ever does
// to it is call Stop.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/talvox/talvox/internal/session"
)

// pollInterval is how often the UI refreshes its snapshot of the session.
const pollInterval = 100 * time.Millisecond

// Controller is the slice of [session.Controller] the UI consumes.
type Controller interface {
	Snapshot() session.Snapshot
	Stop()
}

var _ Controller = (*session.Controller)(nil)

// tickMsg requests the next snapshot poll.
type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Model is the root bubbletea model for the live session view. The session
// must already be started when the program runs: the model exits as soon as
// the snapshot shows a state that holds no resources.
type Model struct {
	ctrl Controller
	snap session.Snapshot

	width  int
	height int

	// stopRequested is set on the first q / ctrl+c. The session winds down
	// in the background and the tick loop exits once it lands in a terminal
	// state; a second press quits without waiting.
	stopRequested bool
}

// New creates a Model over an already-started controller.
func New(ctrl Controller) Model {
	return Model{
		ctrl: ctrl,
		snap: ctrl.Snapshot(),
	}
}

// Init starts the snapshot poll loop.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.snap = m.ctrl.Snapshot()
		if !m.snap.State.Active() {
			return m, tea.Quit
		}
		return m, tickCmd()
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.stopRequested {
			return m, tea.Quit
		}
		m.stopRequested = true
		m.ctrl.Stop()
		return m, nil
	}
	return m, nil
}

// View renders the full session view.
func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	divider := dividerStyle.Render(strings.Repeat("─", m.width))

	sections := []string{
		m.renderHeader(),
		m.renderStatusBar(),
		divider,
		m.renderTranscript(),
		divider,
	}

	if m.snap.Err != nil {
		sections = append(sections, m.renderErrorBar())
	}
	sections = append(sections, m.renderFooter())

	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	header := titleStyle.Render("TALVOX")
	if m.snap.SessionID != "" {
		header += dimStyle.Render(" — session " + m.snap.SessionID)
	}
	if m.snap.PreviousSessionID != "" {
		header += dimStyle.Render(" (resumes " + m.snap.PreviousSessionID + ")")
	}
	return header
}

func (m Model) renderStatusBar() string {
	parts := []string{m.renderStateBadge()}

	if m.snap.State == session.StateRecording {
		parts = append(parts, renderLevelBar(m.snap.AudioLevel))
		if m.snap.IsSpeaking {
			parts = append(parts, speakingStyle.Render("● speaking"))
		} else {
			parts = append(parts, dimStyle.Render("○ silent"))
		}
	}

	parts = append(parts, dimStyle.Render(formatClock(m.snap.Duration)))
	parts = append(parts, dimStyle.Render(fmt.Sprintf("%d words", m.snap.WordCount)))

	return strings.Join(parts, "  ")
}

func (m Model) renderStateBadge() string {
	switch m.snap.State {
	case session.StateRecording:
		return recDotStyle.Render("● REC")
	case session.StateConnecting:
		return busyStateStyle.Render("◌ CONNECTING")
	case session.StateStopping:
		return busyStateStyle.Render("◌ STOPPING")
	case session.StateCompleted:
		return doneStateStyle.Render("✓ DONE")
	case session.StateError:
		return errorLabelStyle.Render("✗ ERROR")
	}
	return dimStyle.Render("○ IDLE")
}

// renderLevelBar draws the microphone loudness as a fixed-width cell bar.
func renderLevelBar(level float64) string {
	const cells = 10
	filled := int(level * cells)
	if filled > cells {
		filled = cells
	}

	var bar strings.Builder
	for i := 0; i < cells; i++ {
		switch {
		case i >= filled:
			bar.WriteString(levelOffStyle.Render("░"))
		case float64(i)/cells > 0.6:
			bar.WriteString(levelHotStyle.Render("█"))
		default:
			bar.WriteString(levelLowStyle.Render("█"))
		}
	}
	return bar.String()
}

func (m Model) renderTranscript() string {
	visible := m.transcriptVisibleLines()

	// Prefix: "  [MM:SS] " before the first line of each entry.
	const prefixWidth = 10
	textWidth := max(10, m.width-prefixWidth-2)
	indent := strings.Repeat(" ", prefixWidth)

	var lines []string
	for _, seg := range m.snap.Segments {
		ts := timestampStyle.Render("[" + formatClock(seg.Range.Start) + "]")
		wrapped := wrapText(seg.Text, textWidth)
		lines = append(lines, ts+" "+wrapped[0])
		for _, wl := range wrapped[1:] {
			lines = append(lines, indent+wl)
		}
	}

	if m.snap.PartialText != "" {
		ts := timestampStyle.Render("[" + formatClock(m.snap.Duration) + "]")
		wrapped := wrapText(m.snap.PartialText+"▌", textWidth)
		lines = append(lines, ts+" "+partialStyle.Render(wrapped[0]))
		for _, wl := range wrapped[1:] {
			lines = append(lines, indent+partialStyle.Render(wl))
		}
	}

	if len(lines) == 0 {
		switch m.snap.State {
		case session.StateConnecting:
			lines = append(lines, dimStyle.Render("Waiting for the service..."))
		default:
			lines = append(lines, dimStyle.Render("Listening..."))
		}
	}

	// Tail the newest lines.
	if len(lines) > visible {
		lines = lines[len(lines)-visible:]
	}
	for len(lines) < visible {
		lines = append(lines, "")
	}

	for i, l := range lines {
		if l != "" {
			lines[i] = "  " + l
		}
	}
	return strings.Join(lines, "\n")
}

func (m Model) transcriptVisibleLines() int {
	if m.height == 0 {
		return 20
	}
	// Reserve: header(1) + status(1) + divider(2) + error(1) + footer(1) + margin
	const reserved = 7
	return max(3, m.height-reserved)
}

func (m Model) renderErrorBar() string {
	return errorLabelStyle.Render("Error: ") + errorTextStyle.Render(m.snap.Err.Error())
}

func (m Model) renderFooter() string {
	if m.stopRequested {
		return busyStateStyle.Render("stopping...") +
			footerDescStyle.Render("  press ") +
			footerKeyStyle.Render("q") +
			footerDescStyle.Render(" again to force quit")
	}
	return footerKeyStyle.Render("q") + footerDescStyle.Render(" stop")
}

// formatClock renders a duration as MM:SS in whole elapsed seconds, growing
// to H:MM:SS past an hour. Truncation keeps the stamps identical to the ones
// the export formats produce for the same segment.
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	h := total / 3600
	mm := total / 60 % 60
	ss := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, mm, ss)
	}
	return fmt.Sprintf("%02d:%02d", mm, ss)
}

// wrapText breaks text into lines of at most width visible characters,
// splitting on word boundaries. Words longer than width get a line of
// their own.
func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}

	var lines []string
	var current string
	for _, word := range strings.Fields(text) {
		switch {
		case current == "":
			current = word
		case len(current)+1+len(word) <= width:
			current += " " + word
		default:
			lines = append(lines, current)
			current = word
		}
	}
	if current != "" {
		lines = append(lines, current)
	}
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}
