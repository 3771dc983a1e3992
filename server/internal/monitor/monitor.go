// Package monitor runs the server-side clock: a polling sweep that fires
// warnings, expires sessions whose deadline has passed, and reaps agent
// connections that stopped heartbeating. The sweep reads deadlines from the
// store on every pass, so there are no long-lived timers to desync when a
// session is extended or the process restarts.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lanhall-io/lanhall/pkg/protocol"
	"github.com/lanhall-io/lanhall/server/internal/registry"
	"github.com/lanhall-io/lanhall/server/internal/store"
)

// Options configures the Monitor.
type Options struct {
	PollInterval      time.Duration
	WarningThresholds []time.Duration // longest first
	GracePeriod       time.Duration   // sent with session_expired
}

// Monitor expires overdue sessions and fires deadline warnings.
type Monitor struct {
	store      store.Store
	agents     *registry.AgentRegistry
	dashboards *registry.DashboardRegistry
	logger     *slog.Logger
	opts       Options

	mu sync.Mutex
	// fired maps session ID -> threshold -> the deadline the warning was
	// issued against. A warning is spent only for the deadline it fired at;
	// when an extension moves scheduled_end_at the stamps stop matching and
	// every threshold re-arms without the monitor ever hearing about the
	// extension.
	fired map[string]map[time.Duration]time.Time

	clock func() time.Time
}

func New(s store.Store, agents *registry.AgentRegistry, dashboards *registry.DashboardRegistry, logger *slog.Logger, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}
	return &Monitor{
		store:      s,
		agents:     agents,
		dashboards: dashboards,
		logger:     logger.With("component", "monitor"),
		opts:       opts,
		fired:      make(map[string]map[time.Duration]time.Time),
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled. A pass in flight finishes before Run
// returns.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("expiry monitor started", "poll_interval", m.opts.PollInterval)
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("expiry monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one monitor pass. A failure on one session is logged and does
// not stop the pass; the session is retried next pass.
func (m *Monitor) Sweep(ctx context.Context) {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		m.logger.Error("monitor pass failed to list sessions", "error", err)
		return
	}

	now := m.clock()
	active := make(map[string]bool, len(sessions))
	for i := range sessions {
		sess := &sessions[i]
		active[sess.ID] = true
		if !now.Before(sess.ScheduledEndAt) {
			m.expire(ctx, sess, now)
			continue
		}
		m.checkWarnings(sess, now)
	}
	m.dropStaleWarningState(active)
}

// expire transitions one overdue session. FinishSession is optimistic: if a
// manual stop landed between the list and this call, the update matches no
// row and the monitor does nothing further.
func (m *Monitor) expire(ctx context.Context, sess *store.Session, now time.Time) {
	won, err := m.store.FinishSession(ctx, sess.ID, store.SessionExpired, now)
	if err != nil {
		m.logger.Error("failed to expire session",
			"session_id", sess.ID, "station_id", sess.StationID, "error", err)
		return
	}
	if !won {
		m.logger.Debug("session already terminal, skipping expiry", "session_id", sess.ID)
		return
	}

	m.logger.Info("session expired",
		"session_id", sess.ID, "station_id", sess.StationID,
		"scheduled_end_at", sess.ScheduledEndAt)

	status := store.StationOnline
	if !m.agents.IsConnected(sess.StationID) {
		status = store.StationOffline
	}
	if err := m.store.UpdateStationStatus(ctx, sess.StationID, status); err != nil {
		m.logger.Warn("failed to update station status after expiry",
			"station_id", sess.StationID, "error", err)
	}

	m.agents.Send(sess.StationID, protocol.TypeSessionExpired, protocol.SessionExpired{
		SessionID:          sess.ID,
		Action:             "logoff",
		GracePeriodSeconds: int(m.opts.GracePeriod.Seconds()),
	})

	m.dashboards.Broadcast(protocol.TypeSessionUpdate, sess.StationID, protocol.SessionUpdate{
		SessionID:       sess.ID,
		StationID:       sess.StationID,
		Status:          store.SessionExpired,
		StartedAt:       sess.StartedAt,
		ScheduledEndAt:  sess.ScheduledEndAt,
		DurationMinutes: sess.DurationMinutes,
		ExtendedMinutes: sess.ExtendedMinutes,
		ActualEndAt:     &now,
	})
	m.dashboards.Broadcast(protocol.TypeStationUpdate, sess.StationID, protocol.StationUpdate{
		Station: protocol.StationSnapshot{ID: sess.StationID, Status: status},
	})

	if err := m.store.LogEvent(ctx, &store.Event{
		Type:      "session.expired",
		StationID: sess.StationID,
		SessionID: sess.ID,
	}); err != nil {
		m.logger.Warn("failed to log event", "event", "session.expired", "error", err)
	}

	m.mu.Lock()
	delete(m.fired, sess.ID)
	m.mu.Unlock()
}

func (m *Monitor) checkWarnings(sess *store.Session, now time.Time) {
	remaining := sess.ScheduledEndAt.Sub(now)

	for _, threshold := range m.opts.WarningThresholds {
		if remaining > threshold {
			continue
		}
		if !m.markFired(sess.ID, threshold, sess.ScheduledEndAt) {
			continue
		}

		m.logger.Info("session warning",
			"session_id", sess.ID, "station_id", sess.StationID,
			"threshold", threshold, "remaining", remaining.Truncate(time.Second))

		warning := protocol.SessionWarning{
			SessionID:        sess.ID,
			RemainingSeconds: int64(remaining.Seconds()),
			ThresholdSeconds: int64(threshold.Seconds()),
		}
		m.agents.Send(sess.StationID, protocol.TypeSessionWarning, warning)
		m.dashboards.Broadcast(protocol.TypeSessionWarning, sess.StationID, warning)

		// Only the tightest crossed threshold fires per pass. If the monitor
		// was down across both marks, the agent still gets one warning
		// rather than a burst.
		break
	}
}

// markFired records that threshold fired for the given deadline. It returns
// false when the same threshold already fired for this exact deadline.
func (m *Monitor) markFired(sessionID string, threshold time.Duration, deadline time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	byThreshold, ok := m.fired[sessionID]
	if !ok {
		byThreshold = make(map[time.Duration]time.Time)
		m.fired[sessionID] = byThreshold
	}
	if stamp, ok := byThreshold[threshold]; ok && stamp.Equal(deadline) {
		return false
	}
	byThreshold[threshold] = deadline
	return true
}

func (m *Monitor) dropStaleWarningState(active map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.fired {
		if !active[id] {
			delete(m.fired, id)
		}
	}
}
