package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/lanhall-io/lanhall/pkg/protocol"
	"github.com/lanhall-io/lanhall/server/internal/registry"
	"github.com/lanhall-io/lanhall/server/internal/store"
)

// Reaper evicts agent connections whose application-level heartbeats have
// gone quiet. WebSocket ping/pong keeps the TCP path honest, but only the
// heartbeat proves the agent process itself is still driving its read loop,
// so the reaper closes the socket and marks the station OFFLINE. Sessions
// are untouched: the expiry monitor owns session state, and the agent
// enforces the deadline locally while disconnected.
type Reaper struct {
	store      store.Store
	agents     *registry.AgentRegistry
	dashboards *registry.DashboardRegistry
	logger     *slog.Logger

	pollInterval time.Duration
	timeout      time.Duration
}

func NewReaper(s store.Store, agents *registry.AgentRegistry, dashboards *registry.DashboardRegistry, logger *slog.Logger, pollInterval, timeout time.Duration) *Reaper {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Reaper{
		store:        s,
		agents:       agents,
		dashboards:   dashboards,
		logger:       logger.With("component", "reaper"),
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

// Run polls until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("heartbeat reaper started", "timeout", r.timeout)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("heartbeat reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep evicts every connection past the heartbeat timeout.
func (r *Reaper) Sweep(ctx context.Context) {
	for _, stale := range r.agents.Stale(r.timeout) {
		r.logger.Warn("reaping silent agent",
			"station_id", stale.StationID, "last_heartbeat", stale.LastHeartbeat)

		// Disconnect first so the read-loop teardown sees itself superseded
		// and skips its own cleanup.
		if !r.agents.Disconnect(stale.StationID, stale.Conn) {
			continue
		}
		stale.Conn.Close()

		if err := r.store.UpdateStationStatus(ctx, stale.StationID, store.StationOffline); err != nil {
			r.logger.Warn("failed to set reaped station offline",
				"station_id", stale.StationID, "error", err)
		}
		r.dashboards.Broadcast(protocol.TypeStationUpdate, stale.StationID, protocol.StationUpdate{
			Station: protocol.StationSnapshot{ID: stale.StationID, Status: store.StationOffline},
		})
		if err := r.store.LogEvent(ctx, &store.Event{
			Type:      "agent.reaped",
			StationID: stale.StationID,
		}); err != nil {
			r.logger.Warn("failed to log event", "event", "agent.reaped", "error", err)
		}
	}
}
