// Package session keeps the agent's local mirror of the station's session.
// The mirror holds one absolute deadline synced from the server and enforces
// it with the machine's own clock, so a dropped connection never buys extra
// playtime.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Notifier receives local session lifecycle events. The overlay implements
// it for on-screen display; tests use a fake.
type Notifier interface {
	SessionStarted(id string, deadline time.Time)
	SessionExtended(id string, deadline time.Time)
	Warning(id string, remaining time.Duration)
	Countdown(id string, remaining time.Duration)
	GraceStarted(id string, grace time.Duration)
	Locked(reason string)
	Unlocked()
}

// Options tunes the local timer.
type Options struct {
	Resolution       time.Duration
	WarningThreshold time.Duration
	GracePeriod      time.Duration
}

type state struct {
	id         string
	deadline   time.Time
	warned     bool
	graceUntil time.Time // zero until the deadline passes
}

// Manager enforces the session deadline locally. The station is locked
// whenever no session is running; a session start unlocks it and the end of
// the grace period locks it again.
type Manager struct {
	notifier Notifier
	logger   *slog.Logger
	opts     Options

	mu      sync.Mutex
	current *state
	locked  bool

	clock func() time.Time
}

func NewManager(notifier Notifier, logger *slog.Logger, opts Options) *Manager {
	if opts.Resolution <= 0 {
		opts.Resolution = 10 * time.Second
	}
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = 5 * time.Minute
	}
	m := &Manager{
		notifier: notifier,
		logger:   logger.With("component", "session"),
		opts:     opts,
		locked:   true, // stations idle locked until a session starts
		clock:    func() time.Time { return time.Now().UTC() },
	}
	notifier.Locked("no active session")
	return m
}

// Run drives the local timer until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Start begins (or resumes, after a sync) a session with an absolute
// deadline. Unlocks the station.
func (m *Manager) Start(id string, deadline time.Time) {
	m.mu.Lock()
	m.current = &state{id: id, deadline: deadline}
	wasLocked := m.locked
	m.locked = false
	m.mu.Unlock()

	m.logger.Info("session started locally", "session_id", id, "deadline", deadline)
	if wasLocked {
		m.notifier.Unlocked()
	}
	m.notifier.SessionStarted(id, deadline)
}

// Extend moves the deadline of the running session. The warning flag resets
// so a later threshold crossing warns again, and a session caught in its
// grace period resumes.
func (m *Manager) Extend(id string, deadline time.Time) {
	m.mu.Lock()
	if m.current == nil || m.current.id != id {
		// The extension raced a sync or we never saw the start. Adopt it;
		// the deadline is authoritative either way.
		m.current = &state{id: id}
	}
	m.current.deadline = deadline
	m.current.warned = false
	m.current.graceUntil = time.Time{}
	wasLocked := m.locked
	m.locked = false
	m.mu.Unlock()

	m.logger.Info("session extended locally", "session_id", id, "deadline", deadline)
	if wasLocked {
		m.notifier.Unlocked()
	}
	m.notifier.SessionExtended(id, deadline)
}

// End terminates the session immediately (manual stop from the desk).
func (m *Manager) End(id, reason string) {
	m.mu.Lock()
	if m.current == nil || (id != "" && m.current.id != id) {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.locked = true
	m.mu.Unlock()

	m.logger.Info("session ended locally", "session_id", id, "reason", reason)
	m.notifier.Locked(reason)
}

// BeginGrace starts a server-ordered logoff countdown, as carried by a
// session_expired push. A zero grace locks immediately.
func (m *Manager) BeginGrace(id string, grace time.Duration) {
	m.mu.Lock()
	if m.current == nil || m.current.id != id {
		m.mu.Unlock()
		return
	}
	if grace <= 0 {
		m.current = nil
		m.locked = true
		m.mu.Unlock()
		m.notifier.Locked("session expired")
		return
	}
	m.current.graceUntil = m.clock().Add(grace)
	m.mu.Unlock()

	m.logger.Info("grace period started", "session_id", id, "grace", grace)
	m.notifier.GraceStarted(id, grace)
}

// ApplySync reconciles the mirror with the server's authoritative view.
// Whatever the agent believed before, the synced state wins.
func (m *Manager) ApplySync(hasActive bool, id string, deadline time.Time) {
	if !hasActive {
		m.mu.Lock()
		had := m.current != nil
		m.current = nil
		m.locked = true
		m.mu.Unlock()
		if had {
			m.logger.Info("sync cleared local session")
		}
		m.notifier.Locked("no active session")
		return
	}

	m.mu.Lock()
	same := m.current != nil && m.current.id == id && m.current.deadline.Equal(deadline)
	m.mu.Unlock()
	if same {
		return
	}
	m.Start(id, deadline)
}

// Tick runs one pass of the local timer.
func (m *Manager) Tick() {
	m.mu.Lock()
	st := m.current
	if st == nil {
		m.mu.Unlock()
		return
	}
	now := m.clock()

	// In grace: lock when it runs out.
	if !st.graceUntil.IsZero() {
		if now.Before(st.graceUntil) {
			m.mu.Unlock()
			return
		}
		m.current = nil
		m.locked = true
		m.mu.Unlock()
		m.logger.Info("grace period over, locking", "session_id", st.id)
		m.notifier.Locked("session expired")
		return
	}

	remaining := st.deadline.Sub(now)
	if remaining <= 0 {
		// Deadline reached without a server push. Enforce it locally with
		// the configured grace.
		grace := m.opts.GracePeriod
		if grace <= 0 {
			m.current = nil
			m.locked = true
			m.mu.Unlock()
			m.logger.Info("deadline reached, locking", "session_id", st.id)
			m.notifier.Locked("session expired")
			return
		}
		st.graceUntil = now.Add(grace)
		id := st.id
		m.mu.Unlock()
		m.logger.Info("deadline reached, grace period started", "session_id", id, "grace", grace)
		m.notifier.GraceStarted(id, grace)
		return
	}

	warn := false
	if remaining <= m.opts.WarningThreshold && !st.warned {
		st.warned = true
		warn = true
	}
	id := st.id
	m.mu.Unlock()

	if warn {
		m.logger.Info("local warning threshold crossed", "session_id", id, "remaining", remaining.Truncate(time.Second))
		m.notifier.Warning(id, remaining)
	}
	m.notifier.Countdown(id, remaining)
}

// Active reports whether a session is currently running (grace included).
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Remaining returns the current session's time left, zero when idle.
func (m *Manager) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0
	}
	remaining := m.current.deadline.Sub(m.clock())
	if remaining < 0 {
		return 0
	}
	return remaining
}
