package overlay

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// phase identifies what the overlay is currently showing.
type phase int

const (
	phaseLocked phase = iota
	phaseActive
	phaseGrace
)

// Messages sent into the program by the Notifier methods.

type sessionStartedMsg struct {
	id       string
	deadline time.Time
}

type sessionExtendedMsg struct {
	id       string
	deadline time.Time
}

type warningMsg struct {
	remaining time.Duration
}

type countdownMsg struct {
	remaining time.Duration
}

type graceMsg struct {
	grace time.Duration
}

type lockedMsg struct {
	reason string
}

type unlockedMsg struct{}

type graceTickMsg struct{}

// model is the root overlay TUI model. It is a pure view of what the session
// manager tells it; it never decides session state on its own.
type model struct {
	phase       phase
	stationName string

	sessionID string
	startedAt time.Time
	deadline  time.Time
	remaining time.Duration
	warning   bool

	graceUntil time.Time

	lockReason string

	bar    progress.Model
	width  int
	height int
}

func newModel(stationName string) model {
	bar := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	return model{
		phase:       phaseLocked,
		stationName: stationName,
		lockReason:  "no active session",
		bar:         bar,
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func graceTick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return graceTickMsg{} })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = min(msg.Width-20, 60)
		return m, nil

	case tea.KeyMsg:
		// Kiosk surface: only the operator escape hatch quits.
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	case sessionStartedMsg:
		m.phase = phaseActive
		m.sessionID = msg.id
		m.startedAt = time.Now()
		m.deadline = msg.deadline
		m.remaining = time.Until(msg.deadline)
		m.warning = false
		return m, nil

	case sessionExtendedMsg:
		m.phase = phaseActive
		m.sessionID = msg.id
		m.deadline = msg.deadline
		m.remaining = time.Until(msg.deadline)
		m.warning = false
		return m, nil

	case warningMsg:
		m.warning = true
		m.remaining = msg.remaining
		return m, nil

	case countdownMsg:
		m.remaining = msg.remaining
		return m, nil

	case graceMsg:
		m.phase = phaseGrace
		m.graceUntil = time.Now().Add(msg.grace)
		return m, graceTick()

	case graceTickMsg:
		if m.phase != phaseGrace {
			return m, nil
		}
		return m, graceTick()

	case lockedMsg:
		m.phase = phaseLocked
		m.lockReason = msg.reason
		m.sessionID = ""
		m.warning = false
		return m, nil

	case unlockedMsg:
		// Unlock without a session start only happens transiently; show the
		// active view and let the next countdown fill in the numbers.
		if m.phase == phaseLocked {
			m.phase = phaseActive
		}
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	var body string
	switch m.phase {
	case phaseActive:
		body = m.activeView()
	case phaseGrace:
		body = m.graceView()
	default:
		body = m.lockedView()
	}
	if m.width == 0 || m.height == 0 {
		return body
	}
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, body)
}

func (m model) activeView() string {
	clock := clockStyle
	label := "time remaining"
	if m.warning {
		clock = warningClockStyle
		label = "session ending soon"
	}

	total := m.deadline.Sub(m.startedAt)
	frac := 0.0
	if total > 0 {
		frac = float64(m.remaining) / float64(total)
	}
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}

	return lipgloss.JoinVertical(lipgloss.Center,
		titleStyle.Render(m.stationName),
		"",
		clock.Render(formatClock(m.remaining)),
		mutedStyle.Render(label),
		"",
		m.bar.ViewAs(frac),
	)
}

func (m model) graceView() string {
	left := time.Until(m.graceUntil)
	if left < 0 {
		left = 0
	}
	return lockBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Center,
		titleStyle.Render(m.stationName),
		"",
		graceClockStyle.Render("TIME IS UP"),
		mutedStyle.Render(fmt.Sprintf("saving your work: locking in %s", formatClock(left))),
	))
}

func (m model) lockedView() string {
	return lockBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Center,
		titleStyle.Render(m.stationName),
		"",
		clockStyle.Render("STATION LOCKED"),
		mutedStyle.Render(m.lockReason),
		"",
		mutedStyle.Render("see the front desk to start a session"),
	))
}

// formatClock renders a duration as h:mm:ss (or m:ss under an hour).
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
