package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lanhall-io/lanhall/pkg/protocol"
	"github.com/lanhall-io/lanhall/server/internal/registry"
	"github.com/lanhall-io/lanhall/server/internal/store"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (c *fakeConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) byType(msgType string) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.sent {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

type fixture struct {
	store      store.Store
	agents     *registry.AgentRegistry
	dashboards *registry.DashboardRegistry
	logger     *slog.Logger
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		store:      s,
		agents:     registry.NewAgentRegistry(logger),
		dashboards: registry.NewDashboardRegistry(logger),
		logger:     logger,
	}
}

func (f *fixture) monitor(opts Options) *Monitor {
	return New(f.store, f.agents, f.dashboards, f.logger, opts)
}

func (f *fixture) seedStation(t *testing.T, id string) {
	t.Helper()
	err := f.store.CreateStation(context.Background(), &store.Station{
		ID: id, Name: "Seat " + id, Status: store.StationInSession,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) seedSession(t *testing.T, stationID string, endsIn time.Duration) *store.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &store.Session{
		ID:              uuid.NewString(),
		StationID:       stationID,
		Status:          store.SessionActive,
		StartedAt:       now.Add(-time.Hour),
		ScheduledEndAt:  now.Add(endsIn),
		DurationMinutes: 60,
	}
	if err := f.store.CreateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestSweepExpiresOverdueSession(t *testing.T) {
	f := setup(t)
	f.seedStation(t, "st-1")
	sess := f.seedSession(t, "st-1", -30*time.Second)

	agent := &fakeConn{}
	dash := &fakeConn{}
	f.agents.Connect("st-1", agent)
	f.dashboards.Add(dash)

	m := f.monitor(Options{GracePeriod: 30 * time.Second})
	m.Sweep(context.Background())

	got, err := f.store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.SessionExpired {
		t.Errorf("session status = %s, want EXPIRED", got.Status)
	}
	if got.ActualEndAt == nil {
		t.Error("actual_end_at not stamped")
	}

	st, err := f.store.GetStation(context.Background(), "st-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != store.StationOnline {
		t.Errorf("station status = %s, want ONLINE (agent connected)", st.Status)
	}

	expired := agent.byType(protocol.TypeSessionExpired)
	if len(expired) != 1 {
		t.Fatalf("agent got %d session_expired messages, want 1", len(expired))
	}
	payload, _ := expired[0].Data.(protocol.SessionExpired)
	if payload.Action != "logoff" || payload.GracePeriodSeconds != 30 {
		t.Errorf("session_expired payload = %+v", payload)
	}

	if len(dash.byType(protocol.TypeSessionUpdate)) != 1 {
		t.Error("dashboard missing session_update")
	}
	if len(dash.byType(protocol.TypeStationUpdate)) != 1 {
		t.Error("dashboard missing station_update")
	}

	// A second pass finds no active sessions and stays quiet.
	m.Sweep(context.Background())
	if len(agent.byType(protocol.TypeSessionExpired)) != 1 {
		t.Error("expiry fired twice")
	}
}

func TestSweepExpiryWithDisconnectedAgent(t *testing.T) {
	f := setup(t)
	f.seedStation(t, "st-1")
	f.seedSession(t, "st-1", -time.Minute)

	m := f.monitor(Options{})
	m.Sweep(context.Background())

	// No agent connection: the push is dropped and the station is OFFLINE.
	// The agent's own deadline enforcement covers the gap.
	st, err := f.store.GetStation(context.Background(), "st-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != store.StationOffline {
		t.Errorf("station status = %s, want OFFLINE", st.Status)
	}
}

func TestWarningFiresOncePerThreshold(t *testing.T) {
	f := setup(t)
	f.seedStation(t, "st-1")
	f.seedSession(t, "st-1", 4*time.Minute)

	agent := &fakeConn{}
	f.agents.Connect("st-1", agent)

	m := f.monitor(Options{WarningThresholds: []time.Duration{5 * time.Minute, time.Minute}})

	m.Sweep(context.Background())
	m.Sweep(context.Background())
	m.Sweep(context.Background())

	warnings := agent.byType(protocol.TypeSessionWarning)
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings across repeated sweeps, want 1", len(warnings))
	}
	payload, _ := warnings[0].Data.(protocol.SessionWarning)
	if payload.ThresholdSeconds != 300 {
		t.Errorf("threshold_seconds = %d, want 300", payload.ThresholdSeconds)
	}
}

func TestExtensionReArmsWarnings(t *testing.T) {
	f := setup(t)
	f.seedStation(t, "st-1")
	sess := f.seedSession(t, "st-1", 4*time.Minute)

	agent := &fakeConn{}
	f.agents.Connect("st-1", agent)

	m := f.monitor(Options{WarningThresholds: []time.Duration{20 * time.Minute, time.Minute}})

	m.Sweep(context.Background())
	if got := len(agent.byType(protocol.TypeSessionWarning)); got != 1 {
		t.Fatalf("got %d warnings before extension, want 1", got)
	}

	// The extension moves the deadline; the stored warning stamp no longer
	// matches, so the threshold must fire again when crossed.
	if _, err := f.store.ExtendSession(context.Background(), sess.ID, 3); err != nil {
		t.Fatal(err)
	}

	m.Sweep(context.Background())
	warnings := agent.byType(protocol.TypeSessionWarning)
	if len(warnings) != 2 {
		t.Fatalf("got %d warnings after extension, want 2", len(warnings))
	}
}

func TestLongestCrossedThresholdWinsAfterDowntime(t *testing.T) {
	f := setup(t)
	f.seedStation(t, "st-1")
	f.seedSession(t, "st-1", 30*time.Second)

	agent := &fakeConn{}
	f.agents.Connect("st-1", agent)

	// Both thresholds are already crossed when the first pass runs, as after
	// a monitor restart. Exactly one warning goes out, for the tightest
	// crossed threshold.
	m := f.monitor(Options{WarningThresholds: []time.Duration{5 * time.Minute, time.Minute}})
	m.Sweep(context.Background())

	warnings := agent.byType(protocol.TypeSessionWarning)
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
	payload, _ := warnings[0].Data.(protocol.SessionWarning)
	if payload.ThresholdSeconds != 300 {
		t.Errorf("threshold_seconds = %d, want 300 (longest first)", payload.ThresholdSeconds)
	}
}

// failingStore wraps a Store and fails FinishSession for one session ID.
type failingStore struct {
	store.Store
	failID string
}

func (s *failingStore) FinishSession(ctx context.Context, id, status string, endedAt time.Time) (bool, error) {
	if id == s.failID {
		return false, errors.New("disk full")
	}
	return s.Store.FinishSession(ctx, id, status, endedAt)
}

func TestSweepIsolatesPerSessionFailures(t *testing.T) {
	f := setup(t)
	f.seedStation(t, "st-1")
	f.seedStation(t, "st-2")
	bad := f.seedSession(t, "st-1", -time.Minute)
	good := f.seedSession(t, "st-2", -time.Minute)

	agent2 := &fakeConn{}
	f.agents.Connect("st-2", agent2)

	wrapped := &failingStore{Store: f.store, failID: bad.ID}
	m := New(wrapped, f.agents, f.dashboards, f.logger, Options{})
	m.Sweep(context.Background())

	// The failing session is untouched and will be retried; the healthy one
	// still expired in the same pass.
	gotBad, err := f.store.GetSession(context.Background(), bad.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotBad.Status != store.SessionActive {
		t.Errorf("failing session status = %s, want ACTIVE", gotBad.Status)
	}
	gotGood, err := f.store.GetSession(context.Background(), good.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotGood.Status != store.SessionExpired {
		t.Errorf("healthy session status = %s, want EXPIRED", gotGood.Status)
	}
	if len(agent2.byType(protocol.TypeSessionExpired)) != 1 {
		t.Error("healthy station's agent not notified")
	}
}

// stoppedRaceStore reports the session as active to the sweep even though a
// concurrent stop already finished it.
type stoppedRaceStore struct {
	store.Store
	session store.Session
}

func (s *stoppedRaceStore) ListActiveSessions(ctx context.Context) ([]store.Session, error) {
	return []store.Session{s.session}, nil
}

func TestSweepLosesRaceToManualStop(t *testing.T) {
	f := setup(t)
	f.seedStation(t, "st-1")
	sess := f.seedSession(t, "st-1", -time.Minute)

	// The stop lands after the sweep listed the session.
	won, err := f.store.FinishSession(context.Background(), sess.ID, store.SessionStopped, time.Now().UTC())
	if err != nil || !won {
		t.Fatalf("FinishSession = %v, %v", won, err)
	}

	agent := &fakeConn{}
	f.agents.Connect("st-1", agent)

	wrapped := &stoppedRaceStore{Store: f.store, session: *sess}
	m := New(wrapped, f.agents, f.dashboards, f.logger, Options{})
	m.Sweep(context.Background())

	got, err := f.store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.SessionStopped {
		t.Errorf("session status = %s, want STOPPED preserved", got.Status)
	}
	if len(agent.byType(protocol.TypeSessionExpired)) != 0 {
		t.Error("agent got session_expired for a session the stop already won")
	}
}

func TestReaperEvictsSilentAgent(t *testing.T) {
	f := setup(t)
	f.seedStation(t, "st-1")

	agent := &fakeConn{}
	dash := &fakeConn{}
	f.agents.Connect("st-1", agent)
	f.dashboards.Add(dash)

	r := NewReaper(f.store, f.agents, f.dashboards, f.logger, 10*time.Millisecond, time.Nanosecond)
	time.Sleep(5 * time.Millisecond) // let the heartbeat age past the timeout
	r.Sweep(context.Background())

	if f.agents.IsConnected("st-1") {
		t.Error("silent agent still registered")
	}
	st, err := f.store.GetStation(context.Background(), "st-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != store.StationOffline {
		t.Errorf("station status = %s, want OFFLINE", st.Status)
	}
	if len(dash.byType(protocol.TypeStationUpdate)) != 1 {
		t.Error("dashboard missing station_update for reaped agent")
	}
}

func TestReaperSparesFreshHeartbeat(t *testing.T) {
	f := setup(t)
	f.seedStation(t, "st-1")
	f.agents.Connect("st-1", &fakeConn{})

	r := NewReaper(f.store, f.agents, f.dashboards, f.logger, 10*time.Millisecond, time.Hour)
	f.agents.Touch("st-1")
	r.Sweep(context.Background())

	if !f.agents.IsConnected("st-1") {
		t.Error("fresh agent was reaped")
	}
}
