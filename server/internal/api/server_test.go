package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lanhall-io/lanhall/server/internal/auth"
	"github.com/lanhall-io/lanhall/server/internal/config"
	"github.com/lanhall-io/lanhall/server/internal/registry"
	"github.com/lanhall-io/lanhall/server/internal/store"
	"github.com/lanhall-io/lanhall/server/internal/ws"
)

type apiFixture struct {
	store      store.Store
	authSvc    *auth.Service
	agents     *registry.AgentRegistry
	dashboards *registry.DashboardRegistry
	server     *httptest.Server
	adminToken string
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Server: config.ServerConfig{MaxBodyBytes: 1 << 20},
		Auth: config.AuthConfig{
			JWTSecret:   "test-secret-at-least-32-chars-long",
			JWTExpiry:   config.Duration{Duration: time.Hour},
			AgentExpiry: config.Duration{Duration: time.Hour},
		},
		Session: config.SessionConfig{
			MaxSessionDuration: config.Duration{Duration: 24 * time.Hour},
		},
	}

	authSvc := auth.NewService(s, cfg.Auth)
	agents := registry.NewAgentRegistry(logger)
	dashboards := registry.NewDashboardRegistry(logger)
	wsh := ws.NewHandler(s, authSvc, authSvc, agents, dashboards, logger, ws.Options{})

	srv := NewServer(s, authSvc, authSvc, agents, dashboards, wsh, cfg, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx := context.Background()
	if _, err := authSvc.Register(ctx, "admin", "longenoughpassword", "admin"); err != nil {
		t.Fatal(err)
	}
	token, err := authSvc.Login(ctx, "admin", "longenoughpassword")
	if err != nil {
		t.Fatal(err)
	}

	return &apiFixture{
		store:      s,
		authSvc:    authSvc,
		agents:     agents,
		dashboards: dashboards,
		server:     ts,
		adminToken: token,
	}
}

func (f *apiFixture) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL+path, buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func (f *apiFixture) createStation(t *testing.T, id string) {
	t.Helper()
	resp := f.request(t, "POST", "/api/stations", f.adminToken,
		map[string]string{"id": id, "name": "Seat " + id})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create station: status %d", resp.StatusCode)
	}
}

func (f *apiFixture) startSession(t *testing.T, stationID string, minutes int) store.Session {
	t.Helper()
	resp := f.request(t, "POST", "/api/sessions", f.adminToken, map[string]any{
		"station_id":       stationID,
		"duration_minutes": minutes,
		"amount_cents":     minutes * 10,
		"method":           "cash",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start session: status %d", resp.StatusCode)
	}
	return decodeBody[store.Session](t, resp)
}

func TestLoginAndAuthRequired(t *testing.T) {
	f := setupAPI(t)

	resp := f.request(t, "GET", "/api/stations", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated list = %d, want 401", resp.StatusCode)
	}

	resp = f.request(t, "POST", "/api/auth/login", "",
		map[string]string{"username": "admin", "password": "wrong-password"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login = %d, want 401", resp.StatusCode)
	}

	resp = f.request(t, "POST", "/api/auth/login", "",
		map[string]string{"username": "admin", "password": "longenoughpassword"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["token"] == "" {
		t.Error("login returned empty token")
	}
}

func TestOperatorCannotManageStations(t *testing.T) {
	f := setupAPI(t)
	ctx := context.Background()
	if _, err := f.authSvc.Register(ctx, "operator", "longenoughpassword", "operator"); err != nil {
		t.Fatal(err)
	}
	opToken, err := f.authSvc.Login(ctx, "operator", "longenoughpassword")
	if err != nil {
		t.Fatal(err)
	}

	resp := f.request(t, "POST", "/api/stations", opToken,
		map[string]string{"name": "Seat X"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("operator create station = %d, want 403", resp.StatusCode)
	}

	// Operators still run the floor: session start is allowed.
	f.createStation(t, "st-1")
	resp = f.request(t, "POST", "/api/sessions", opToken, map[string]any{
		"station_id": "st-1", "duration_minutes": 30,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("operator start session = %d, want 201", resp.StatusCode)
	}
}

func TestStartSessionLifecycle(t *testing.T) {
	f := setupAPI(t)
	f.createStation(t, "st-1")

	sess := f.startSession(t, "st-1", 60)
	if sess.Status != store.SessionActive {
		t.Errorf("status = %s, want ACTIVE", sess.Status)
	}
	if sess.PaymentID == "" {
		t.Error("session missing payment")
	}
	wantEnd := sess.StartedAt.Add(60 * time.Minute)
	if !sess.ScheduledEndAt.Equal(wantEnd) {
		t.Errorf("scheduled_end_at = %v, want %v", sess.ScheduledEndAt, wantEnd)
	}

	st, err := f.store.GetStation(context.Background(), "st-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != store.StationInSession {
		t.Errorf("station status = %s, want IN_SESSION", st.Status)
	}

	payment, err := f.store.GetPayment(context.Background(), sess.PaymentID)
	if err != nil {
		t.Fatal(err)
	}
	if payment.SessionID != sess.ID || payment.AmountCents != 600 {
		t.Errorf("payment = %+v", payment)
	}

	// Second session on the same station is refused.
	resp := f.request(t, "POST", "/api/sessions", f.adminToken, map[string]any{
		"station_id": "st-1", "duration_minutes": 30,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start = %d, want 409", resp.StatusCode)
	}
}

func TestStartSessionValidation(t *testing.T) {
	f := setupAPI(t)
	f.createStation(t, "st-1")

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"zero duration", map[string]any{"station_id": "st-1", "duration_minutes": 0}, http.StatusBadRequest},
		{"negative duration", map[string]any{"station_id": "st-1", "duration_minutes": -10}, http.StatusBadRequest},
		{"over max", map[string]any{"station_id": "st-1", "duration_minutes": 24*60 + 1}, http.StatusBadRequest},
		{"missing station", map[string]any{"duration_minutes": 30}, http.StatusBadRequest},
		{"unknown station", map[string]any{"station_id": "nope", "duration_minutes": 30}, http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := f.request(t, "POST", "/api/sessions", f.adminToken, tc.body)
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestExtendSession(t *testing.T) {
	f := setupAPI(t)
	f.createStation(t, "st-1")
	sess := f.startSession(t, "st-1", 60)

	resp := f.request(t, "POST", "/api/sessions/"+sess.ID+"/extend", f.adminToken,
		map[string]any{"additional_minutes": 30, "amount_cents": 300, "method": "card"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("extend = %d, want 200", resp.StatusCode)
	}
	extended := decodeBody[store.Session](t, resp)
	if extended.ExtendedMinutes != 30 {
		t.Errorf("extended_minutes = %d, want 30", extended.ExtendedMinutes)
	}
	wantEnd := sess.ScheduledEndAt.Add(30 * time.Minute)
	if !extended.ScheduledEndAt.Equal(wantEnd) {
		t.Errorf("scheduled_end_at = %v, want %v", extended.ScheduledEndAt, wantEnd)
	}

	// An extension that would exceed the daily cap is refused.
	resp = f.request(t, "POST", "/api/sessions/"+sess.ID+"/extend", f.adminToken,
		map[string]any{"additional_minutes": 24 * 60})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("over-cap extend = %d, want 400", resp.StatusCode)
	}
}

func TestExtendEndedSessionConflicts(t *testing.T) {
	f := setupAPI(t)
	f.createStation(t, "st-1")
	sess := f.startSession(t, "st-1", 60)

	resp := f.request(t, "POST", "/api/sessions/"+sess.ID+"/stop", f.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop = %d", resp.StatusCode)
	}

	resp = f.request(t, "POST", "/api/sessions/"+sess.ID+"/extend", f.adminToken,
		map[string]any{"additional_minutes": 30})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("extend stopped session = %d, want 409", resp.StatusCode)
	}
}

func TestStopSession(t *testing.T) {
	f := setupAPI(t)
	f.createStation(t, "st-1")
	sess := f.startSession(t, "st-1", 60)

	resp := f.request(t, "POST", "/api/sessions/"+sess.ID+"/stop", f.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop = %d, want 200", resp.StatusCode)
	}
	stopped := decodeBody[store.Session](t, resp)
	if stopped.Status != store.SessionStopped || stopped.ActualEndAt == nil {
		t.Errorf("stopped session = %+v", stopped)
	}

	// No agent connected, so the station falls back to OFFLINE.
	st, err := f.store.GetStation(context.Background(), "st-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != store.StationOffline {
		t.Errorf("station status = %s, want OFFLINE", st.Status)
	}

	resp = f.request(t, "POST", "/api/sessions/"+sess.ID+"/stop", f.adminToken, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double stop = %d, want 409", resp.StatusCode)
	}
}

func TestConcurrentStopsExactlyOneWins(t *testing.T) {
	f := setupAPI(t)
	f.createStation(t, "st-1")
	sess := f.startSession(t, "st-1", 60)

	const n = 8
	statuses := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest("POST", f.server.URL+"/api/sessions/"+sess.ID+"/stop", nil)
			req.Header.Set("Authorization", "Bearer "+f.adminToken)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				statuses[i] = -1
				return
			}
			_ = resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	oks, conflicts := 0, 0
	for _, code := range statuses {
		switch code {
		case http.StatusOK:
			oks++
		case http.StatusConflict:
			conflicts++
		default:
			t.Errorf("unexpected status %d", code)
		}
	}
	if oks != 1 {
		t.Errorf("%d stops won, want exactly 1", oks)
	}
	if conflicts != n-1 {
		t.Errorf("%d conflicts, want %d", conflicts, n-1)
	}

	got, err := f.store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.SessionStopped {
		t.Errorf("final status = %s, want STOPPED", got.Status)
	}
}

func TestDeleteStationRefusedWhileInSession(t *testing.T) {
	f := setupAPI(t)
	f.createStation(t, "st-1")
	sess := f.startSession(t, "st-1", 60)

	resp := f.request(t, "DELETE", "/api/stations/st-1", f.adminToken, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("delete busy station = %d, want 409", resp.StatusCode)
	}

	if resp := f.request(t, "POST", "/api/sessions/"+sess.ID+"/stop", f.adminToken, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("stop = %d", resp.StatusCode)
	}
	resp = f.request(t, "DELETE", "/api/stations/st-1", f.adminToken, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete idle station = %d, want 204", resp.StatusCode)
	}

	// Soft-deleted stations drop out of listings and lookups.
	resp = f.request(t, "GET", "/api/stations/st-1", f.adminToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted station = %d, want 404", resp.StatusCode)
	}
}

func TestMintAgentToken(t *testing.T) {
	f := setupAPI(t)
	f.createStation(t, "st-1")

	resp := f.request(t, "POST", "/api/stations/st-1/token", f.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mint token = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	identity, err := f.authSvc.VerifyToken(context.Background(), body["token"])
	if err != nil {
		t.Fatal(err)
	}
	if identity.Type != auth.TokenTypeAgent || identity.StationID != "st-1" {
		t.Errorf("minted identity = %+v", identity)
	}

	resp = f.request(t, "POST", "/api/stations/missing/token", f.adminToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("mint for unknown station = %d, want 404", resp.StatusCode)
	}
}

func TestUnknownIDsReturnNotFound(t *testing.T) {
	f := setupAPI(t)
	f.createStation(t, "st-1")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"get station", "GET", "/api/stations/missing", nil},
		{"get session", "GET", "/api/sessions/missing", nil},
		{"extend session", "POST", "/api/sessions/missing/extend", map[string]any{"additional_minutes": 15}},
		{"stop session", "POST", "/api/sessions/missing/stop", nil},
		{"start on missing station", "POST", "/api/sessions", map[string]any{"station_id": "missing", "duration_minutes": 30}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.request(t, tc.method, tc.path, f.adminToken, tc.body)
			if resp.StatusCode != http.StatusNotFound {
				t.Errorf("%s %s = %d, want 404", tc.method, tc.path, resp.StatusCode)
			}
		})
	}
}

func TestEventsRecorded(t *testing.T) {
	f := setupAPI(t)
	f.createStation(t, "st-1")
	sess := f.startSession(t, "st-1", 60)
	if resp := f.request(t, "POST", "/api/sessions/"+sess.ID+"/stop", f.adminToken, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("stop = %d", resp.StatusCode)
	}

	resp := f.request(t, "GET", "/api/events?limit=10", f.adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list events = %d", resp.StatusCode)
	}
	events := decodeBody[[]store.Event](t, resp)
	types := make(map[string]bool)
	for _, ev := range events {
		types[ev.Type] = true
	}
	for _, want := range []string{"station.created", "session.started", "session.stopped"} {
		if !types[want] {
			t.Errorf("event log missing %s (got %v)", want, types)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := setupAPI(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(f.server.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, resp.StatusCode)
		}
	}
}
