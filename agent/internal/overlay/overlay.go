// Package overlay renders the full-screen kiosk surface on the station. It
// shows the countdown while a session is active and a lock screen otherwise,
// driven entirely by notifications from the session manager.
package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Overlay runs the kiosk TUI and forwards session notifications into it.
// All Notifier methods are safe to call from any goroutine.
type Overlay struct {
	p *tea.Program
}

// New creates the overlay for the given station. Run must be called before
// notifications are delivered; sends before Run are queued by bubbletea.
func New(stationName string) *Overlay {
	p := tea.NewProgram(newModel(stationName), tea.WithAltScreen())
	return &Overlay{p: p}
}

// Run blocks until the overlay exits or the context is canceled.
func (o *Overlay) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			o.p.Quit()
		case <-done:
		}
	}()
	_, err := o.p.Run()
	close(done)
	if err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	return nil
}

func (o *Overlay) SessionStarted(id string, deadline time.Time) {
	o.p.Send(sessionStartedMsg{id: id, deadline: deadline})
}

func (o *Overlay) SessionExtended(id string, deadline time.Time) {
	o.p.Send(sessionExtendedMsg{id: id, deadline: deadline})
}

func (o *Overlay) Warning(id string, remaining time.Duration) {
	o.p.Send(warningMsg{remaining: remaining})
}

func (o *Overlay) Countdown(id string, remaining time.Duration) {
	o.p.Send(countdownMsg{remaining: remaining})
}

func (o *Overlay) GraceStarted(id string, grace time.Duration) {
	o.p.Send(graceMsg{grace: grace})
}

func (o *Overlay) Locked(reason string) {
	o.p.Send(lockedMsg{reason: reason})
}

func (o *Overlay) Unlocked() {
	o.p.Send(unlockedMsg{})
}

// LogNotifier is the headless fallback used when the overlay is disabled.
// It records session transitions in the agent log and nothing else.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs instead of rendering.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "overlay")}
}

func (n *LogNotifier) SessionStarted(id string, deadline time.Time) {
	n.logger.Info("session started", "session_id", id, "deadline", deadline)
}

func (n *LogNotifier) SessionExtended(id string, deadline time.Time) {
	n.logger.Info("session extended", "session_id", id, "deadline", deadline)
}

func (n *LogNotifier) Warning(id string, remaining time.Duration) {
	n.logger.Warn("session ending soon", "session_id", id, "remaining", remaining)
}

func (n *LogNotifier) Countdown(id string, remaining time.Duration) {}

func (n *LogNotifier) GraceStarted(id string, grace time.Duration) {
	n.logger.Info("grace period started", "session_id", id, "grace", grace)
}

func (n *LogNotifier) Locked(reason string) {
	n.logger.Info("station locked", "reason", reason)
}

func (n *LogNotifier) Unlocked() {
	n.logger.Info("station unlocked")
}
