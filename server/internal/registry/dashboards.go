package registry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DashboardRegistry holds the set of connected dashboard observers.
// Dashboards are read-only consumers of state change events, so the registry
// only needs fan-out: there is no per-station addressing and no heartbeat
// tracking.
type DashboardRegistry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]Conn
}

func NewDashboardRegistry(logger *slog.Logger) *DashboardRegistry {
	return &DashboardRegistry{
		logger: logger.With("component", "dashboard-registry"),
		conns:  make(map[string]Conn),
	}
}

// Add registers conn and returns the handle to remove it with.
func (r *DashboardRegistry) Add(conn Conn) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()
	return id
}

// Remove drops the connection registered under id. Safe to call more than
// once.
func (r *DashboardRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Broadcast fans a message out to every connected dashboard. A failed write
// evicts that dashboard and closes its connection; the remaining dashboards
// still receive the message.
func (r *DashboardRegistry) Broadcast(msgType, stationID string, data any) {
	r.mu.RLock()
	targets := make(map[string]Conn, len(r.conns))
	for id, conn := range r.conns {
		targets[id] = conn
	}
	r.mu.RUnlock()

	env := envelope(msgType, stationID, data)
	for id, conn := range targets {
		if err := conn.Send(env); err != nil {
			r.logger.Warn("dashboard send failed, dropping connection",
				"dashboard_id", id, "type", msgType, "error", err)
			r.Remove(id)
			conn.Close()
		}
	}
}

// Count returns the number of connected dashboards.
func (r *DashboardRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll sends msgType to every dashboard and closes the connections.
func (r *DashboardRegistry) CloseAll(msgType string, data any) {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]Conn)
	r.mu.Unlock()

	env := envelope(msgType, "", data)
	for _, conn := range conns {
		conn.Send(env)
		conn.Close()
	}
}
