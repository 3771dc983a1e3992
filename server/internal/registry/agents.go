package registry

import (
	"log/slog"
	"sync"
	"time"
)

type agentEntry struct {
	conn          Conn
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// AgentRegistry maps station IDs to their single live agent connection.
// A second connect for the same station evicts the first: the newest
// connection always wins, so an agent restarting after a network blip never
// finds itself locked out by its own stale socket.
type AgentRegistry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]*agentEntry
}

func NewAgentRegistry(logger *slog.Logger) *AgentRegistry {
	return &AgentRegistry{
		logger: logger.With("component", "agent-registry"),
		agents: make(map[string]*agentEntry),
	}
}

// Connect registers conn as the live connection for stationID, closing any
// previous connection for the same station.
func (r *AgentRegistry) Connect(stationID string, conn Conn) {
	r.mu.Lock()
	prev, had := r.agents[stationID]
	now := time.Now().UTC()
	r.agents[stationID] = &agentEntry{conn: conn, connectedAt: now, lastHeartbeat: now}
	r.mu.Unlock()

	if had {
		r.logger.Info("evicting superseded agent connection", "station_id", stationID)
		prev.conn.Close()
	}
}

// Disconnect removes stationID's entry only if conn is still the registered
// connection. If a newer connection has replaced it the call is a no-op, so
// the read-loop teardown of an evicted socket cannot knock out its successor.
// Returns true when the entry was actually removed.
func (r *AgentRegistry) Disconnect(stationID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.agents[stationID]
	if !ok || entry.conn != conn {
		return false
	}
	delete(r.agents, stationID)
	return true
}

// Send delivers a message to stationID's agent if one is connected.
// Delivery is best effort: a write failure drops the connection from the
// registry and closes it, on the expectation that the agent will reconnect
// and resynchronize.
func (r *AgentRegistry) Send(stationID, msgType string, data any) {
	r.mu.RLock()
	entry, ok := r.agents[stationID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	if err := entry.conn.Send(envelope(msgType, stationID, data)); err != nil {
		r.logger.Warn("agent send failed, dropping connection",
			"station_id", stationID, "type", msgType, "error", err)
		if r.Disconnect(stationID, entry.conn) {
			entry.conn.Close()
		}
	}
}

// Broadcast sends a message to every connected agent. Individual write
// failures evict the failing connection and do not affect the rest.
func (r *AgentRegistry) Broadcast(msgType string, data any) {
	r.mu.RLock()
	targets := make(map[string]Conn, len(r.agents))
	for id, entry := range r.agents {
		targets[id] = entry.conn
	}
	r.mu.RUnlock()

	for id, conn := range targets {
		if err := conn.Send(envelope(msgType, id, data)); err != nil {
			r.logger.Warn("agent broadcast send failed, dropping connection",
				"station_id", id, "type", msgType, "error", err)
			if r.Disconnect(id, conn) {
				conn.Close()
			}
		}
	}
}

// Touch records a heartbeat for stationID. Unknown stations are ignored.
func (r *AgentRegistry) Touch(stationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[stationID]; ok {
		entry.lastHeartbeat = time.Now().UTC()
	}
}

// StaleAgent identifies a connection whose heartbeats have gone quiet.
type StaleAgent struct {
	StationID     string
	Conn          Conn
	LastHeartbeat time.Time
}

// Stale returns the agents whose last heartbeat is older than timeout.
// The caller decides what to do with them; the registry does not evict on
// its own.
func (r *AgentRegistry) Stale(timeout time.Duration) []StaleAgent {
	cutoff := time.Now().UTC().Add(-timeout)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []StaleAgent
	for id, entry := range r.agents {
		if entry.lastHeartbeat.Before(cutoff) {
			stale = append(stale, StaleAgent{
				StationID:     id,
				Conn:          entry.conn,
				LastHeartbeat: entry.lastHeartbeat,
			})
		}
	}
	return stale
}

// IsConnected reports whether stationID has a live agent connection.
func (r *AgentRegistry) IsConnected(stationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[stationID]
	return ok
}

// Count returns the number of connected agents.
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// CloseAll sends msgType to every agent and closes the connections. Used
// during graceful shutdown.
func (r *AgentRegistry) CloseAll(msgType string, data any) {
	r.mu.Lock()
	agents := r.agents
	r.agents = make(map[string]*agentEntry)
	r.mu.Unlock()

	for id, entry := range agents {
		entry.conn.Send(envelope(msgType, id, data))
		entry.conn.Close()
	}
}
