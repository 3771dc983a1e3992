// Package protocol defines the wire protocol messages exchanged between
// lanhall components (station agent ↔ server ↔ dashboard) over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure. Both sides always exchange the
// absolute session deadline (scheduled_end_at, UTC), never a relative
// duration, so disagreement between server and agent is bounded by clock
// drift rather than by differing interpretations of "when".
package protocol

import "time"

// Version is the protocol catalog version carried in server_hello.
const Version = 1

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	StationID string    `json:"station_id,omitempty"`
	Timestamp time.Time `json:"ts"`
	Data      any       `json:"data,omitempty"`
}

// --- Message type constants ---

const (
	// Agent ↔ Server
	TypeServerHello  = "server_hello"
	TypeAgentHello   = "agent_hello"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeSyncRequest  = "sync_request"
	TypeSyncResponse = "sync_response"
	TypeStatusReport = "status_report"
	TypeError        = "error"

	// Server → Agent session commands (best-effort; a disconnected agent
	// recovers via sync_request on reconnect)
	TypeSessionStart    = "session_start"
	TypeSessionExtended = "session_extended"
	TypeSessionWarning  = "session_warning"
	TypeSessionExpired  = "session_expired"
	TypeSessionEnd      = "session_end"

	// Server → Dashboard deltas
	TypeStationUpdate = "station_update"
	TypeSessionUpdate = "session_update"

	// Server → everyone
	TypeServerShutdown = "server_shutdown"
)

// --- Agent ↔ Server messages ---

// ServerHello is sent by the server immediately after an agent authenticates.
type ServerHello struct {
	ServerVersion     string          `json:"server_version"`
	ProtocolVersion   int             `json:"protocol_version"`
	HeartbeatInterval int             `json:"heartbeat_interval"` // seconds
	Station           StationSnapshot `json:"station"`
}

// StationSnapshot is the station state included in server_hello and
// dashboard station updates.
type StationSnapshot struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// AgentHello is the agent's reply to server_hello.
type AgentHello struct {
	AgentVersion string         `json:"agent_version"`
	Specs        map[string]any `json:"specs,omitempty"`
}

// Heartbeat is sent periodically by the agent.
type Heartbeat struct {
	Status string `json:"status,omitempty"`
}

// HeartbeatAck is the server's reply to a heartbeat.
type HeartbeatAck struct {
	ServerTime time.Time `json:"server_time"`
}

// SyncRequest asks the server for authoritative session state. Agents issue
// it immediately after every (re)connect; it is idempotent and safe to call
// arbitrarily often.
type SyncRequest struct{}

// SyncResponse carries the current ACTIVE session for the station, if any.
// RemainingSeconds is recomputed from the persisted deadline on every call,
// never taken from a cache.
type SyncResponse struct {
	HasActiveSession bool         `json:"has_active_session"`
	Session          *SessionSync `json:"session,omitempty"`
	ServerTime       time.Time    `json:"server_time"`
}

// SessionSync is the session state inside a sync_response.
type SessionSync struct {
	SessionID        string    `json:"session_id"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	ScheduledEndAt   time.Time `json:"scheduled_end_at"`
}

// StatusReport carries periodic system metrics from the agent.
type StatusReport struct {
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	DiskPercent   float64 `json:"disk_percent,omitempty"`
	UptimeSeconds int64   `json:"uptime_seconds,omitempty"`
	CurrentUser   string  `json:"current_user,omitempty"`
	SessionActive bool    `json:"session_active"`
}

// ErrorReport is sent by an agent to surface a local fault.
type ErrorReport struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// --- Session commands (server → agent) ---

// SessionStart tells the agent a paid session has begun.
type SessionStart struct {
	SessionID       string    `json:"session_id"`
	StartedAt       time.Time `json:"started_at"`
	ScheduledEndAt  time.Time `json:"scheduled_end_at"`
	DurationMinutes int       `json:"duration_minutes"`
	ExtendedMinutes int       `json:"extended_minutes"`
}

// SessionExtended tells the agent the deadline moved forward.
type SessionExtended struct {
	SessionID            string    `json:"session_id"`
	ExtendedMinutes      int       `json:"extended_minutes"` // this extension only
	NewEndTime           time.Time `json:"new_end_time"`
	TotalExtendedMinutes int       `json:"total_extended_minutes"`
}

// SessionWarning announces an approaching deadline. Each threshold fires at
// most once per deadline; extending a session re-arms its warnings.
type SessionWarning struct {
	SessionID        string `json:"session_id"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	ThresholdSeconds int64  `json:"threshold_seconds"`
}

// SessionExpired tells the agent the server expired the session. The agent
// enforces the deadline locally as well, so this arriving late (or never)
// does not extend anyone's playtime.
type SessionExpired struct {
	SessionID          string `json:"session_id"`
	Action             string `json:"action"` // "logoff"
	GracePeriodSeconds int    `json:"grace_period_seconds"`
}

// SessionEnd tells the agent a session was stopped manually.
type SessionEnd struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// --- Dashboard deltas (server → dashboard) ---

// StationUpdate notifies dashboards of a station state change.
type StationUpdate struct {
	Station StationSnapshot `json:"station"`
}

// SessionUpdate notifies dashboards of a session state change.
type SessionUpdate struct {
	SessionID       string     `json:"session_id"`
	StationID       string     `json:"station_id"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	ScheduledEndAt  time.Time  `json:"scheduled_end_at"`
	DurationMinutes int        `json:"duration_minutes"`
	ExtendedMinutes int        `json:"extended_minutes"`
	ActualEndAt     *time.Time `json:"actual_end_at,omitempty"`
}

// ServerShutdown is a best-effort notice sent before the server closes sockets.
type ServerShutdown struct {
	Message string `json:"message"`
}
