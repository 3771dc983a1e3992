// Package api provides the HTTP API for staff tooling: login, station
// management, and the session lifecycle operations that drive the floor.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/lanhall-io/lanhall/pkg/protocol"
	"github.com/lanhall-io/lanhall/server/internal/auth"
	"github.com/lanhall-io/lanhall/server/internal/config"
	"github.com/lanhall-io/lanhall/server/internal/registry"
	"github.com/lanhall-io/lanhall/server/internal/store"
	"github.com/lanhall-io/lanhall/server/internal/ws"
)

// Server is the HTTP API server.
type Server struct {
	store      store.Store
	staffAuth  auth.Verifier
	authSvc    *auth.Service // builtin login and agent token minting
	agents     *registry.AgentRegistry
	dashboards *registry.DashboardRegistry
	logger     *slog.Logger
	mux        *chi.Mux

	startTime         time.Time
	maxBodyBytes      int64
	maxSessionMinutes int
	loginRL           *rateLimiter
}

// NewServer creates the API server and mounts all routes, including the
// WebSocket endpoints owned by wsh.
func NewServer(s store.Store, staffAuth auth.Verifier, authSvc *auth.Service, agents *registry.AgentRegistry, dashboards *registry.DashboardRegistry, wsh *ws.Handler, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:             s,
		staffAuth:         staffAuth,
		authSvc:           authSvc,
		agents:            agents,
		dashboards:        dashboards,
		logger:            logger.With("component", "api"),
		startTime:         time.Now(),
		maxBodyBytes:      cfg.Server.MaxBodyBytes,
		maxSessionMinutes: int(cfg.Session.MaxSessionDuration.Duration.Minutes()),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	srv.loginRL = newRateLimiter(5, 10)
	mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)

	// WebSocket routes (auth handled inside)
	mux.Get("/ws/agent/{stationID}", wsh.HandleAgentWS)
	mux.Get("/ws/dashboard", wsh.HandleDashboardWS)

	// Authenticated API routes
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)

		r.Get("/api/stations", srv.handleListStations)
		r.Get("/api/stations/{stationID}", srv.handleGetStation)
		r.Get("/api/stations/{stationID}/sessions", srv.handleListStationSessions)

		r.Post("/api/sessions", srv.handleStartSession)
		r.Get("/api/sessions", srv.handleListActiveSessions)
		r.Get("/api/sessions/{sessionID}", srv.handleGetSession)
		r.Post("/api/sessions/{sessionID}/extend", srv.handleExtendSession)
		r.Post("/api/sessions/{sessionID}/stop", srv.handleStopSession)

		r.Get("/api/events", srv.handleListEvents)

		// Admin-only management
		r.Group(func(r chi.Router) {
			r.Use(srv.requireAdmin)
			r.Post("/api/stations", srv.handleCreateStation)
			r.Delete("/api/stations/{stationID}", srv.handleDeleteStation)
			r.Post("/api/stations/{stationID}/token", srv.handleMintAgentToken)
			r.Post("/api/users", srv.handleCreateUser)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackground launches background maintenance for the rate limiter.
func (s *Server) StartBackground(ctx context.Context) {
	s.loginRL.StartCleanup(ctx, 10*time.Minute, time.Hour)
}

// --- Auth handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.authSvc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.logEvent(r, "login.failed", "", "", fmt.Sprintf(`{"username":%q}`, req.Username))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.logEvent(r, "login.success", "", "", fmt.Sprintf(`{"username":%q}`, req.Username))
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role == "" {
		req.Role = "operator"
	}
	user, err := s.authSvc.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

func (s *Server) handleMintAgentToken(w http.ResponseWriter, r *http.Request) {
	stationID := chi.URLParam(r, "stationID")
	station, err := s.store.GetStation(r.Context(), stationID)
	if err != nil {
		s.logger.Error("failed to load station", "station_id", stationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load station")
		return
	}
	if station == nil {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	token, err := s.authSvc.MintAgentToken(stationID)
	if err != nil {
		s.logger.Error("failed to mint agent token", "station_id", stationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"station_id": stationID, "token": token})
}

// --- Station handlers ---

func (s *Server) handleListStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.store.ListStations(r.Context())
	if err != nil {
		s.logger.Error("failed to list stations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list stations")
		return
	}
	type stationView struct {
		store.Station
		Connected bool `json:"connected"`
	}
	views := make([]stationView, len(stations))
	for i, st := range stations {
		views[i] = stationView{Station: st, Connected: s.agents.IsConnected(st.ID)}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetStation(w http.ResponseWriter, r *http.Request) {
	station, err := s.store.GetStation(r.Context(), chi.URLParam(r, "stationID"))
	if err != nil {
		s.logger.Error("failed to load station", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load station")
		return
	}
	if station == nil {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	writeJSON(w, http.StatusOK, station)
}

func (s *Server) handleCreateStation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	station := &store.Station{
		ID:     req.ID,
		Name:   req.Name,
		Status: store.StationOffline,
	}
	if err := s.store.CreateStation(r.Context(), station); err != nil {
		s.logger.Error("failed to create station", "error", err)
		writeError(w, http.StatusConflict, "station already exists")
		return
	}
	s.logEvent(r, "station.created", station.ID, "", "")
	s.dashboards.Broadcast(protocol.TypeStationUpdate, station.ID, protocol.StationUpdate{
		Station: protocol.StationSnapshot{ID: station.ID, Name: station.Name, Status: station.Status},
	})
	writeJSON(w, http.StatusCreated, station)
}

func (s *Server) handleDeleteStation(w http.ResponseWriter, r *http.Request) {
	stationID := chi.URLParam(r, "stationID")
	station, err := s.store.GetStation(r.Context(), stationID)
	if err != nil {
		s.logger.Error("failed to load station", "station_id", stationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load station")
		return
	}
	if station == nil {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	active, err := s.store.GetActiveSessionByStation(r.Context(), stationID)
	if err != nil {
		s.logger.Error("failed to check active session", "station_id", stationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete station")
		return
	}
	if active != nil {
		writeError(w, http.StatusConflict, "station has an active session")
		return
	}
	if err := s.store.DeleteStation(r.Context(), stationID); err != nil {
		s.logger.Error("failed to delete station", "station_id", stationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete station")
		return
	}
	s.logEvent(r, "station.deleted", stationID, "", "")
	s.dashboards.Broadcast(protocol.TypeStationUpdate, stationID, protocol.StationUpdate{
		Station: protocol.StationSnapshot{ID: station.ID, Name: station.Name, Status: store.StationOffline},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListStationSessions(w http.ResponseWriter, r *http.Request) {
	stationID := chi.URLParam(r, "stationID")
	limit := queryInt(r, "limit", 50)
	sessions, err := s.store.ListSessionsByStation(r.Context(), stationID, limit)
	if err != nil {
		s.logger.Error("failed to list station sessions", "station_id", stationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// --- Session handlers ---

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		StationID       string `json:"station_id"`
		DurationMinutes int    `json:"duration_minutes"`
		AmountCents     int64  `json:"amount_cents"`
		Method          string `json:"method"`
		Notes           string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StationID == "" {
		writeError(w, http.StatusBadRequest, "station_id is required")
		return
	}
	if req.DurationMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "duration_minutes must be positive")
		return
	}
	if req.DurationMinutes > s.maxSessionMinutes {
		writeError(w, http.StatusBadRequest, "duration exceeds maximum session length")
		return
	}

	station, err := s.store.GetStation(r.Context(), req.StationID)
	if err != nil {
		s.logger.Error("failed to load station", "station_id", req.StationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load station")
		return
	}
	if station == nil {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	if station.Status == store.StationMaintenance {
		writeError(w, http.StatusConflict, "station is under maintenance")
		return
	}

	identity := getIdentityFromContext(r.Context())
	now := time.Now().UTC()

	payment := &store.Payment{
		ID:          uuid.NewString(),
		AmountCents: req.AmountCents,
		Method:      req.Method,
		Status:      store.PaymentCompleted,
		CreatedAt:   now,
	}
	session := &store.Session{
		ID:              uuid.NewString(),
		StationID:       req.StationID,
		Status:          store.SessionActive,
		StartedAt:       now,
		ScheduledEndAt:  now.Add(time.Duration(req.DurationMinutes) * time.Minute),
		DurationMinutes: req.DurationMinutes,
		PaymentID:       payment.ID,
		Notes:           req.Notes,
		CreatedBy:       identity.Username,
	}
	payment.SessionID = session.ID

	if err := s.store.CreatePayment(r.Context(), payment); err != nil {
		s.logger.Error("failed to create payment", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record payment")
		return
	}
	if err := s.store.CreateSession(r.Context(), session); err != nil {
		if errors.Is(err, store.ErrStationInSession) {
			writeError(w, http.StatusConflict, "station already has an active session")
			return
		}
		s.logger.Error("failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	if err := s.store.UpdateStationStatus(r.Context(), req.StationID, store.StationInSession); err != nil {
		s.logger.Warn("failed to mark station in session", "station_id", req.StationID, "error", err)
	}
	s.logEvent(r, "session.started", req.StationID, session.ID, "")

	// Push to the agent last, after the row is committed: a crash between
	// the two leaves the store authoritative and the agent syncs on
	// reconnect.
	s.agents.Send(req.StationID, protocol.TypeSessionStart, protocol.SessionStart{
		SessionID:       session.ID,
		StartedAt:       session.StartedAt,
		ScheduledEndAt:  session.ScheduledEndAt,
		DurationMinutes: session.DurationMinutes,
	})
	s.broadcastSession(session, store.StationInSession, station.Name)

	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.logger.Error("failed to load session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleListActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListActiveSessions(r.Context())
	if err != nil {
		s.logger.Error("failed to list active sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleExtendSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	sessionID := chi.URLParam(r, "sessionID")
	var req struct {
		AdditionalMinutes int    `json:"additional_minutes"`
		AmountCents       int64  `json:"amount_cents"`
		Method            string `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AdditionalMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "additional_minutes must be positive")
		return
	}

	current, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("failed to load session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if current == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if current.DurationMinutes+current.ExtendedMinutes+req.AdditionalMinutes > s.maxSessionMinutes {
		writeError(w, http.StatusBadRequest, "extension exceeds maximum session length")
		return
	}

	session, err := s.store.ExtendSession(r.Context(), sessionID, req.AdditionalMinutes)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotActive) {
			writeError(w, http.StatusConflict, "session is not active")
			return
		}
		s.logger.Error("failed to extend session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to extend session")
		return
	}

	if req.AmountCents > 0 {
		payment := &store.Payment{
			ID:          uuid.NewString(),
			SessionID:   session.ID,
			AmountCents: req.AmountCents,
			Method:      req.Method,
			Status:      store.PaymentCompleted,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.store.CreatePayment(r.Context(), payment); err != nil {
			s.logger.Error("failed to record extension payment", "session_id", session.ID, "error", err)
		}
	}
	s.logEvent(r, "session.extended", session.StationID, session.ID,
		fmt.Sprintf(`{"additional_minutes":%d}`, req.AdditionalMinutes))

	s.agents.Send(session.StationID, protocol.TypeSessionExtended, protocol.SessionExtended{
		SessionID:            session.ID,
		ExtendedMinutes:      req.AdditionalMinutes,
		NewEndTime:           session.ScheduledEndAt,
		TotalExtendedMinutes: session.ExtendedMinutes,
	})
	s.broadcastSessionUpdate(session)

	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("failed to load session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	now := time.Now().UTC()
	won, err := s.store.FinishSession(r.Context(), sessionID, store.SessionStopped, now)
	if err != nil {
		s.logger.Error("failed to stop session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to stop session")
		return
	}
	if !won {
		// Expiry or another operator finished it first. No pushes here: the
		// winner already sent them.
		writeError(w, http.StatusConflict, "session already ended")
		return
	}

	status := store.StationOnline
	if !s.agents.IsConnected(session.StationID) {
		status = store.StationOffline
	}
	if err := s.store.UpdateStationStatus(r.Context(), session.StationID, status); err != nil {
		s.logger.Warn("failed to update station status after stop",
			"station_id", session.StationID, "error", err)
	}
	s.logEvent(r, "session.stopped", session.StationID, session.ID, "")

	s.agents.Send(session.StationID, protocol.TypeSessionEnd, protocol.SessionEnd{
		SessionID: session.ID,
		Reason:    "stopped",
	})
	session.Status = store.SessionStopped
	session.ActualEndAt = &now
	s.broadcastSessionUpdate(session)
	s.dashboards.Broadcast(protocol.TypeStationUpdate, session.StationID, protocol.StationUpdate{
		Station: protocol.StationSnapshot{ID: session.StationID, Status: status},
	})

	writeJSON(w, http.StatusOK, session)
}

// --- Event handlers ---

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	events, err := s.store.ListEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func (s *Server) broadcastSession(session *store.Session, stationStatus, stationName string) {
	s.broadcastSessionUpdate(session)
	s.dashboards.Broadcast(protocol.TypeStationUpdate, session.StationID, protocol.StationUpdate{
		Station: protocol.StationSnapshot{ID: session.StationID, Name: stationName, Status: stationStatus},
	})
}

func (s *Server) broadcastSessionUpdate(session *store.Session) {
	s.dashboards.Broadcast(protocol.TypeSessionUpdate, session.StationID, protocol.SessionUpdate{
		SessionID:       session.ID,
		StationID:       session.StationID,
		Status:          session.Status,
		StartedAt:       session.StartedAt,
		ScheduledEndAt:  session.ScheduledEndAt,
		DurationMinutes: session.DurationMinutes,
		ExtendedMinutes: session.ExtendedMinutes,
		ActualEndAt:     session.ActualEndAt,
	})
}

func (s *Server) logEvent(r *http.Request, eventType, stationID, sessionID, detail string) {
	if err := s.store.LogEvent(r.Context(), &store.Event{
		Type:      eventType,
		StationID: stationID,
		SessionID: sessionID,
		Detail:    detail,
	}); err != nil {
		s.logger.Warn("failed to log event", "event", eventType, "error", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
