package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lanhall-io/lanhall/pkg/protocol"
	"github.com/lanhall-io/lanhall/server/internal/auth"
	"github.com/lanhall-io/lanhall/server/internal/config"
	"github.com/lanhall-io/lanhall/server/internal/registry"
	"github.com/lanhall-io/lanhall/server/internal/store"
)

type wsFixture struct {
	store      store.Store
	authSvc    *auth.Service
	agents     *registry.AgentRegistry
	dashboards *registry.DashboardRegistry
	server     *httptest.Server
}

func setupWS(t *testing.T) *wsFixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := auth.NewService(s, config.AuthConfig{
		JWTSecret:   "test-secret-at-least-32-chars-long",
		JWTExpiry:   config.Duration{Duration: time.Hour},
		AgentExpiry: config.Duration{Duration: time.Hour},
	})
	agents := registry.NewAgentRegistry(logger)
	dashboards := registry.NewDashboardRegistry(logger)

	h := NewHandler(s, authSvc, authSvc, agents, dashboards, logger, Options{
		ServerVersion:     "test",
		HeartbeatInterval: 30 * time.Second,
	})

	r := chi.NewRouter()
	r.Get("/ws/agent/{stationID}", h.HandleAgentWS)
	r.Get("/ws/dashboard", h.HandleDashboardWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &wsFixture{store: s, authSvc: authSvc, agents: agents, dashboards: dashboards, server: srv}
}

func (f *wsFixture) seedStation(t *testing.T, id string) {
	t.Helper()
	err := f.store.CreateStation(context.Background(), &store.Station{
		ID:     id,
		Name:   "Seat " + id,
		Status: store.StationOffline,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *wsFixture) dialAgent(t *testing.T, stationID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/agent/" + stationID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	env := protocol.Envelope{Type: msgType, Timestamp: time.Now().UTC(), Data: data}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

// expectPolicyClose reads until the connection fails and asserts the peer
// sent a 1008 close frame.
func expectPolicyClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("expected close 1008, got %v", err)
			}
			return
		}
	}
}

func TestAgentHandshake(t *testing.T) {
	f := setupWS(t)
	f.seedStation(t, "st-1")
	token, err := f.authSvc.MintAgentToken("st-1")
	if err != nil {
		t.Fatal(err)
	}

	conn := f.dialAgent(t, "st-1", token)

	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeServerHello {
		t.Fatalf("first message = %s, want server_hello", env.Type)
	}
	var hello protocol.ServerHello
	if err := decode(env.Data, &hello); err != nil {
		t.Fatal(err)
	}
	if hello.ProtocolVersion != protocol.Version {
		t.Errorf("protocol_version = %d, want %d", hello.ProtocolVersion, protocol.Version)
	}
	if hello.HeartbeatInterval != 30 {
		t.Errorf("heartbeat_interval = %d, want 30", hello.HeartbeatInterval)
	}
	if hello.Station.ID != "st-1" || hello.Station.Status != store.StationOnline {
		t.Errorf("station snapshot = %+v", hello.Station)
	}

	st, err := f.store.GetStation(context.Background(), "st-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != store.StationOnline {
		t.Errorf("station status = %s, want ONLINE", st.Status)
	}

	// Heartbeat gets an ack carrying the server clock.
	sendEnvelope(t, conn, protocol.TypeHeartbeat, protocol.Heartbeat{Status: "ok"})
	env = readEnvelope(t, conn)
	if env.Type != protocol.TypeHeartbeatAck {
		t.Fatalf("heartbeat reply = %s, want heartbeat_ack", env.Type)
	}
	var ack protocol.HeartbeatAck
	if err := decode(env.Data, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.ServerTime.IsZero() {
		t.Error("heartbeat_ack carries zero server_time")
	}
}

func TestAgentTokenStationMismatch(t *testing.T) {
	f := setupWS(t)
	f.seedStation(t, "st-1")
	f.seedStation(t, "st-2")
	token, err := f.authSvc.MintAgentToken("st-2")
	if err != nil {
		t.Fatal(err)
	}

	// Token is valid but bound to another station: the server must refuse
	// with a policy violation close, not silently accept.
	conn := f.dialAgent(t, "st-1", token)
	expectPolicyClose(t, conn)

	if f.agents.IsConnected("st-1") {
		t.Error("mismatched agent was registered")
	}
}

func TestAgentEndpointRejectsStaffToken(t *testing.T) {
	f := setupWS(t)
	f.seedStation(t, "st-1")
	if _, err := f.authSvc.Register(context.Background(), "op", "longenoughpassword", "admin"); err != nil {
		t.Fatal(err)
	}
	staffToken, err := f.authSvc.Login(context.Background(), "op", "longenoughpassword")
	if err != nil {
		t.Fatal(err)
	}

	conn := f.dialAgent(t, "st-1", staffToken)
	expectPolicyClose(t, conn)
}

func TestSyncRequestRecomputesRemaining(t *testing.T) {
	f := setupWS(t)
	f.seedStation(t, "st-1")
	token, err := f.authSvc.MintAgentToken("st-1")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:              uuid.NewString(),
		StationID:       "st-1",
		Status:          store.SessionActive,
		StartedAt:       now,
		ScheduledEndAt:  now.Add(42 * time.Minute),
		DurationMinutes: 42,
	}
	if err := f.store.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	conn := f.dialAgent(t, "st-1", token)
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeServerHello {
		t.Fatalf("first message = %s", env.Type)
	}
	var hello protocol.ServerHello
	if err := decode(env.Data, &hello); err != nil {
		t.Fatal(err)
	}
	if hello.Station.Status != store.StationInSession {
		t.Errorf("station status on connect = %s, want IN_SESSION", hello.Station.Status)
	}

	sendEnvelope(t, conn, protocol.TypeSyncRequest, protocol.SyncRequest{})
	env = readEnvelope(t, conn)
	if env.Type != protocol.TypeSyncResponse {
		t.Fatalf("sync reply = %s, want sync_response", env.Type)
	}
	var sync protocol.SyncResponse
	if err := decode(env.Data, &sync); err != nil {
		t.Fatal(err)
	}
	if !sync.HasActiveSession || sync.Session == nil {
		t.Fatal("sync_response missing active session")
	}
	if sync.Session.SessionID != sess.ID {
		t.Errorf("session_id = %s, want %s", sync.Session.SessionID, sess.ID)
	}
	// Remaining derives from the persisted deadline, so about 42 minutes.
	if sync.Session.RemainingSeconds < 41*60 || sync.Session.RemainingSeconds > 42*60 {
		t.Errorf("remaining_seconds = %d, want ~%d", sync.Session.RemainingSeconds, 42*60)
	}
}

func TestSyncRequestNoSession(t *testing.T) {
	f := setupWS(t)
	f.seedStation(t, "st-1")
	token, err := f.authSvc.MintAgentToken("st-1")
	if err != nil {
		t.Fatal(err)
	}

	conn := f.dialAgent(t, "st-1", token)
	readEnvelope(t, conn) // server_hello

	sendEnvelope(t, conn, protocol.TypeSyncRequest, protocol.SyncRequest{})
	env := readEnvelope(t, conn)
	var sync protocol.SyncResponse
	if err := decode(env.Data, &sync); err != nil {
		t.Fatal(err)
	}
	if sync.HasActiveSession || sync.Session != nil {
		t.Errorf("idle station reported a session: %+v", sync)
	}
}

func TestUnknownMessageKeepsConnectionOpen(t *testing.T) {
	f := setupWS(t)
	f.seedStation(t, "st-1")
	token, err := f.authSvc.MintAgentToken("st-1")
	if err != nil {
		t.Fatal(err)
	}

	conn := f.dialAgent(t, "st-1", token)
	readEnvelope(t, conn) // server_hello

	sendEnvelope(t, conn, "telemetry_v99", map[string]any{"x": 1})

	// The connection must survive the unknown type: a follow-up heartbeat
	// still gets its ack.
	sendEnvelope(t, conn, protocol.TypeHeartbeat, protocol.Heartbeat{Status: "ok"})
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeHeartbeatAck {
		t.Fatalf("got %s after unknown type, want heartbeat_ack", env.Type)
	}
}

func TestAgentHelloPersistsSpecs(t *testing.T) {
	f := setupWS(t)
	f.seedStation(t, "st-1")
	token, err := f.authSvc.MintAgentToken("st-1")
	if err != nil {
		t.Fatal(err)
	}

	conn := f.dialAgent(t, "st-1", token)
	readEnvelope(t, conn) // server_hello

	sendEnvelope(t, conn, protocol.TypeAgentHello, protocol.AgentHello{
		AgentVersion: "1.2.3",
		Specs:        map[string]any{"cpu": "i7-12700", "ram_gb": float64(32)},
	})
	// Round-trip a heartbeat so the hello has been processed before we look.
	sendEnvelope(t, conn, protocol.TypeHeartbeat, protocol.Heartbeat{Status: "ok"})
	readEnvelope(t, conn)

	st, err := f.store.GetStation(context.Background(), "st-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(st.Specs, "i7-12700") {
		t.Errorf("station specs not persisted: %q", st.Specs)
	}
}

func TestLastConnectWinsOverSocket(t *testing.T) {
	f := setupWS(t)
	f.seedStation(t, "st-1")
	token, err := f.authSvc.MintAgentToken("st-1")
	if err != nil {
		t.Fatal(err)
	}

	first := f.dialAgent(t, "st-1", token)
	readEnvelope(t, first) // server_hello

	second := f.dialAgent(t, "st-1", token)
	readEnvelope(t, second) // server_hello on the new socket

	// The first socket gets closed by the eviction.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The replacement still works and the station stayed online: the old
	// socket's teardown must not have marked it offline.
	sendEnvelope(t, second, protocol.TypeHeartbeat, protocol.Heartbeat{Status: "ok"})
	env := readEnvelope(t, second)
	if env.Type != protocol.TypeHeartbeatAck {
		t.Fatalf("replacement socket got %s, want heartbeat_ack", env.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := f.store.GetStation(context.Background(), "st-1")
		if err != nil {
			t.Fatal(err)
		}
		if st.Status == store.StationOnline {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("station status = %s after reconnect, want ONLINE", st.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDashboardRequiresStaffToken(t *testing.T) {
	f := setupWS(t)
	f.seedStation(t, "st-1")
	agentToken, err := f.authSvc.MintAgentToken("st-1")
	if err != nil {
		t.Fatal(err)
	}

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/dashboard?token=" + agentToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial dashboard: %v", err)
	}
	defer conn.Close()
	expectPolicyClose(t, conn)
}

func TestDashboardReceivesStationUpdates(t *testing.T) {
	f := setupWS(t)
	f.seedStation(t, "st-1")
	if _, err := f.authSvc.Register(context.Background(), "op", "longenoughpassword", "admin"); err != nil {
		t.Fatal(err)
	}
	staffToken, err := f.authSvc.Login(context.Background(), "op", "longenoughpassword")
	if err != nil {
		t.Fatal(err)
	}

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/dashboard?token=" + staffToken
	dash, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial dashboard: %v", err)
	}
	defer dash.Close()

	// Dashboard registration races the agent connect below; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for f.dashboards.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dashboard never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	agentToken, err := f.authSvc.MintAgentToken("st-1")
	if err != nil {
		t.Fatal(err)
	}
	agent := f.dialAgent(t, "st-1", agentToken)
	readEnvelope(t, agent)

	env := readEnvelope(t, dash)
	if env.Type != protocol.TypeStationUpdate {
		t.Fatalf("dashboard got %s, want station_update", env.Type)
	}
	var update protocol.StationUpdate
	if err := decode(env.Data, &update); err != nil {
		t.Fatal(err)
	}
	if update.Station.ID != "st-1" || update.Station.Status != store.StationOnline {
		t.Errorf("station_update = %+v", update.Station)
	}
}
