// Package ws upgrades and drives the WebSocket endpoints: one per-station
// endpoint for agents and one fan-out endpoint for dashboards.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/lanhall-io/lanhall/pkg/protocol"
	"github.com/lanhall-io/lanhall/server/internal/auth"
	"github.com/lanhall-io/lanhall/server/internal/registry"
	"github.com/lanhall-io/lanhall/server/internal/store"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Handler.
type Options struct {
	ServerVersion     string
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
	MaxMessageBytes   int64
}

// Handler owns the WebSocket endpoints. Staff and agent tokens can come from
// different issuers (dashboards may authenticate through an external JWKS
// while agent tokens are always minted locally), so the two endpoints verify
// against separate verifiers.
type Handler struct {
	store      store.Store
	staffAuth  auth.Verifier
	agentAuth  auth.Verifier
	agents     *registry.AgentRegistry
	dashboards *registry.DashboardRegistry
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	serverVersion     string
	heartbeatInterval time.Duration
	maxMessageBytes   int64
}

func NewHandler(s store.Store, staffAuth, agentAuth auth.Verifier, agents *registry.AgentRegistry, dashboards *registry.DashboardRegistry, logger *slog.Logger, opts Options) *Handler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	return &Handler{
		store:             s,
		staffAuth:         staffAuth,
		agentAuth:         agentAuth,
		agents:            agents,
		dashboards:        dashboards,
		logger:            logger.With("component", "ws"),
		upgrader:          makeUpgrader(opts.AllowedOrigins),
		serverVersion:     opts.ServerVersion,
		heartbeatInterval: opts.HeartbeatInterval,
		maxMessageBytes:   opts.MaxMessageBytes,
	}
}

// decode re-marshals an envelope's data field into a typed payload.
func decode(data any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// HandleAgentWS handles a station agent connecting to /ws/agent/{stationID}.
// The token travels as a query parameter because agents cannot set headers
// on a WebSocket upgrade from all client libraries.
func (h *Handler) HandleAgentWS(w http.ResponseWriter, req *http.Request) {
	stationID := chi.URLParam(req, "stationID")
	token := req.URL.Query().Get("token")

	raw, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("agent websocket upgrade failed", "station_id", stationID, "error", err)
		return
	}
	conn := newWSConn(raw)
	raw.SetReadLimit(h.maxMessageBytes)

	identity, err := h.agentAuth.VerifyToken(req.Context(), token)
	if err != nil {
		h.logger.Warn("agent token rejected", "station_id", stationID, "error", err)
		conn.closePolicyViolation("invalid token")
		return
	}
	if identity.Type != auth.TokenTypeAgent {
		h.logger.Warn("non-agent token on agent endpoint", "station_id", stationID, "type", identity.Type)
		conn.closePolicyViolation("agent token required")
		return
	}
	if identity.StationID != stationID {
		h.logger.Warn("agent token station mismatch",
			"path_station_id", stationID, "token_station_id", identity.StationID)
		conn.closePolicyViolation("token not valid for this station")
		return
	}

	ctx := context.Background()
	station, err := h.store.GetStation(ctx, stationID)
	if err != nil {
		h.logger.Error("station lookup failed", "station_id", stationID, "error", err)
		conn.closePolicyViolation("unknown station")
		return
	}
	if station == nil {
		h.logger.Warn("agent connect for unknown station", "station_id", stationID)
		conn.closePolicyViolation("unknown station")
		return
	}

	// A station with a running session comes back as IN_SESSION, otherwise
	// ONLINE. The agent learns the session itself through sync_request.
	status := store.StationOnline
	if sess, err := h.store.GetActiveSessionByStation(ctx, stationID); err == nil && sess != nil {
		status = store.StationInSession
	}
	if err := h.store.UpdateStationStatus(ctx, stationID, status); err != nil {
		h.logger.Warn("failed to update station status on connect", "station_id", stationID, "error", err)
	}
	station.Status = status

	h.agents.Connect(stationID, conn)
	cancelKeepalive := startKeepalive(conn)
	defer cancelKeepalive()

	h.agents.Send(stationID, protocol.TypeServerHello, protocol.ServerHello{
		ServerVersion:     h.serverVersion,
		ProtocolVersion:   protocol.Version,
		HeartbeatInterval: int(h.heartbeatInterval.Seconds()),
		Station: protocol.StationSnapshot{
			ID:     station.ID,
			Name:   station.Name,
			Status: station.Status,
		},
	})
	h.dashboards.Broadcast(protocol.TypeStationUpdate, stationID, protocol.StationUpdate{
		Station: protocol.StationSnapshot{ID: station.ID, Name: station.Name, Status: station.Status},
	})

	if err := h.store.LogEvent(ctx, &store.Event{
		Type:      "agent.connect",
		StationID: stationID,
	}); err != nil {
		h.logger.Warn("failed to log event", "event", "agent.connect", "error", err)
	}
	h.logger.Info("agent connected", "station_id", stationID)

	defer func() {
		// Only mark the station offline if this connection is still the
		// registered one. A reconnecting agent may have replaced us already.
		if !h.agents.Disconnect(stationID, conn) {
			h.logger.Info("agent connection superseded, skipping cleanup", "station_id", stationID)
			return
		}
		if err := h.store.UpdateStationStatus(ctx, stationID, store.StationOffline); err != nil {
			h.logger.Warn("failed to set station offline", "station_id", stationID, "error", err)
		}
		h.dashboards.Broadcast(protocol.TypeStationUpdate, stationID, protocol.StationUpdate{
			Station: protocol.StationSnapshot{ID: station.ID, Name: station.Name, Status: store.StationOffline},
		})
		if err := h.store.LogEvent(ctx, &store.Event{
			Type:      "agent.disconnect",
			StationID: stationID,
		}); err != nil {
			h.logger.Warn("failed to log event", "event", "agent.disconnect", "error", err)
		}
		h.logger.Info("agent disconnected", "station_id", stationID)
		_ = conn.Close()
	}()

	for {
		_, msg, err := raw.ReadMessage()
		if err != nil {
			h.logger.Debug("agent read error", "station_id", stationID, "error", err)
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(wsPongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.logger.Warn("invalid message from agent", "station_id", stationID, "error", err)
			continue
		}

		h.handleAgentMessage(ctx, stationID, env)
	}
}

func (h *Handler) handleAgentMessage(ctx context.Context, stationID string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAgentHello:
		var hello protocol.AgentHello
		if err := decode(env.Data, &hello); err != nil {
			h.logger.Warn("agent_hello unmarshal failed", "station_id", stationID, "error", err)
			return
		}
		specs, _ := json.Marshal(hello.Specs)
		if err := h.store.SetStationSpecs(ctx, stationID, string(specs)); err != nil {
			h.logger.Warn("failed to persist station specs", "station_id", stationID, "error", err)
		}
		h.logger.Info("agent hello", "station_id", stationID, "agent_version", hello.AgentVersion)

	case protocol.TypeHeartbeat:
		h.agents.Touch(stationID)
		h.agents.Send(stationID, protocol.TypeHeartbeatAck, protocol.HeartbeatAck{
			ServerTime: time.Now().UTC(),
		})

	case protocol.TypeSyncRequest:
		h.agents.Send(stationID, protocol.TypeSyncResponse, h.buildSyncResponse(ctx, stationID))

	case protocol.TypeStatusReport:
		var report protocol.StatusReport
		if err := decode(env.Data, &report); err != nil {
			h.logger.Warn("status_report unmarshal failed", "station_id", stationID, "error", err)
			return
		}
		raw, _ := json.Marshal(report)
		if err := h.store.SetStationReport(ctx, stationID, string(raw)); err != nil {
			h.logger.Warn("failed to persist status report", "station_id", stationID, "error", err)
		}
		h.dashboards.Broadcast(protocol.TypeStatusReport, stationID, report)

	case protocol.TypeError:
		var report protocol.ErrorReport
		if err := decode(env.Data, &report); err != nil {
			h.logger.Warn("error report unmarshal failed", "station_id", stationID, "error", err)
			return
		}
		h.logger.Error("agent reported error",
			"station_id", stationID, "code", report.Code, "message", report.Message)

	default:
		// Unknown types are logged and ignored so old servers tolerate
		// newer agents. The connection stays open.
		h.logger.Debug("unknown message type from agent", "station_id", stationID, "type", env.Type)
	}
}

// buildSyncResponse recomputes the authoritative session view for a station.
// Remaining time always derives from the persisted deadline, never from any
// cached countdown, so a reconnecting agent converges on the server's clock.
func (h *Handler) buildSyncResponse(ctx context.Context, stationID string) protocol.SyncResponse {
	now := time.Now().UTC()
	resp := protocol.SyncResponse{ServerTime: now}

	session, err := h.store.GetActiveSessionByStation(ctx, stationID)
	if err != nil {
		h.logger.Error("active session lookup failed", "station_id", stationID, "error", err)
		return resp
	}
	if session == nil {
		return resp
	}

	remaining := int64(session.ScheduledEndAt.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	resp.HasActiveSession = true
	resp.Session = &protocol.SessionSync{
		SessionID:        session.ID,
		RemainingSeconds: remaining,
		ScheduledEndAt:   session.ScheduledEndAt,
	}
	return resp
}

// HandleDashboardWS handles a staff dashboard connecting to /ws/dashboard.
// Dashboards are read-only observers; anything they send is discarded.
func (h *Handler) HandleDashboardWS(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("token")

	raw, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn("dashboard websocket upgrade failed", "error", err)
		return
	}
	conn := newWSConn(raw)
	raw.SetReadLimit(h.maxMessageBytes)

	identity, err := h.staffAuth.VerifyToken(req.Context(), token)
	if err != nil {
		h.logger.Warn("dashboard token rejected", "error", err)
		conn.closePolicyViolation("invalid token")
		return
	}
	if identity.Type != auth.TokenTypeStaff {
		h.logger.Warn("non-staff token on dashboard endpoint", "type", identity.Type)
		conn.closePolicyViolation("staff token required")
		return
	}

	id := h.dashboards.Add(conn)
	cancelKeepalive := startKeepalive(conn)
	defer cancelKeepalive()
	defer func() {
		h.dashboards.Remove(id)
		_ = conn.Close()
		h.logger.Info("dashboard disconnected", "username", identity.Username)
	}()

	h.logger.Info("dashboard connected", "username", identity.Username)

	for {
		if _, _, err := raw.ReadMessage(); err != nil {
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}
