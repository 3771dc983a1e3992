package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	// Writers wait for the lock instead of failing when session operations
	// from the API and the monitor land at the same time.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS stations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'OFFLINE',
			specs TEXT NOT NULL DEFAULT '{}',
			last_report TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deleted_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			amount_cents INTEGER NOT NULL DEFAULT 0,
			method TEXT NOT NULL DEFAULT 'cash',
			status TEXT NOT NULL DEFAULT 'COMPLETED',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			station_id TEXT NOT NULL REFERENCES stations(id),
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			started_at DATETIME NOT NULL,
			scheduled_end_at DATETIME NOT NULL,
			duration_minutes INTEGER NOT NULL,
			extended_minutes INTEGER NOT NULL DEFAULT 0,
			actual_end_at DATETIME,
			payment_id TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT ''
		)`,
		// At most one ACTIVE session per station.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_station_active
			ON sessions(station_id) WHERE status = 'ACTIVE'`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_station_id ON sessions(station_id)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'staff',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			station_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

// --- Stations ---

func (s *SQLiteStore) CreateStation(ctx context.Context, st *Station) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stations (id, name, status, specs, created_at) VALUES (?, ?, ?, ?, ?)`,
		st.ID, st.Name, st.Status, orJSON(st.Specs), st.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) GetStation(ctx context.Context, id string) (*Station, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, specs, last_report, created_at, deleted_at
		 FROM stations WHERE id = ? AND deleted_at IS NULL`, id)
	return scanStation(row)
}

func (s *SQLiteStore) ListStations(ctx context.Context) ([]Station, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, specs, last_report, created_at, deleted_at
		 FROM stations WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Station
	for rows.Next() {
		st, err := scanStationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateStationStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stations SET status = ? WHERE id = ? AND deleted_at IS NULL`, status, id)
	return err
}

func (s *SQLiteStore) SetStationSpecs(ctx context.Context, id, specs string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stations SET specs = ? WHERE id = ? AND deleted_at IS NULL`, orJSON(specs), id)
	return err
}

func (s *SQLiteStore) SetStationReport(ctx context.Context, id, report string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stations SET last_report = ? WHERE id = ? AND deleted_at IS NULL`, orJSON(report), id)
	return err
}

func (s *SQLiteStore) DeleteStation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stations SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().UTC(), id)
	return err
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	existing, err := s.GetActiveSessionByStation(ctx, sess.StationID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrStationInSession
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, station_id, status, started_at, scheduled_end_at,
			duration_minutes, extended_minutes, payment_id, notes, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.StationID, sess.Status, sess.StartedAt.UTC(), sess.ScheduledEndAt.UTC(),
		sess.DurationMinutes, sess.ExtendedMinutes, sess.PaymentID, sess.Notes, sess.CreatedBy)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, sessionColumns+` WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) GetActiveSessionByStation(ctx context.Context, stationID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		sessionColumns+` WHERE station_id = ? AND status = 'ACTIVE'`, stationID)
	return scanSession(row)
}

func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		sessionColumns+` WHERE status = 'ACTIVE' ORDER BY scheduled_end_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *SQLiteStore) ListSessionsByStation(ctx context.Context, stationID string, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		sessionColumns+` WHERE station_id = ? ORDER BY started_at DESC LIMIT ?`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *SQLiteStore) ExtendSession(ctx context.Context, id string, additionalMinutes int) (*Session, error) {
	// The deadline arithmetic happens here rather than in SQL: sqlite's
	// datetime() cannot parse the driver's stored time format. The status
	// predicate below still guards against a concurrent stop or expiry.
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.Status != SessionActive {
		return nil, ErrSessionNotActive
	}
	newEnd := sess.ScheduledEndAt.Add(time.Duration(additionalMinutes) * time.Minute)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET scheduled_end_at = ?, extended_minutes = extended_minutes + ?
		 WHERE id = ? AND status = 'ACTIVE'`,
		newEnd.UTC(), additionalMinutes, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrSessionNotActive
	}
	return s.GetSession(ctx, id)
}

func (s *SQLiteStore) FinishSession(ctx context.Context, id, status string, endedAt time.Time) (bool, error) {
	// The status predicate is the optimistic check that closes the
	// admin-stop vs monitor-expire race: only one caller flips the row.
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, actual_end_at = ? WHERE id = ? AND status = 'ACTIVE'`,
		status, endedAt.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Payments ---

func (s *SQLiteStore) CreatePayment(ctx context.Context, p *Payment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (id, session_id, amount_cents, method, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, p.AmountCents, p.Method, p.Status, p.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var p Payment
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, amount_cents, method, status, created_at FROM payments WHERE id = ?`, id).
		Scan(&p.ID, &p.SessionID, &p.AmountCents, &p.Method, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Events ---

func (s *SQLiteStore) LogEvent(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, station_id, session_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.StationID, ev.SessionID, ev.Detail, ev.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, station_id, session_id, detail, created_at
		 FROM events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.StationID, &ev.SessionID, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- scan helpers ---

const sessionColumns = `SELECT id, station_id, status, started_at, scheduled_end_at,
	duration_minutes, extended_minutes, actual_end_at, payment_id, notes, created_by
	FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var actualEnd sql.NullTime
	err := row.Scan(&sess.ID, &sess.StationID, &sess.Status, &sess.StartedAt, &sess.ScheduledEndAt,
		&sess.DurationMinutes, &sess.ExtendedMinutes, &actualEnd, &sess.PaymentID, &sess.Notes, &sess.CreatedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if actualEnd.Valid {
		t := actualEnd.Time
		sess.ActualEndAt = &t
	}
	normalizeSessionTimes(&sess)
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func scanStation(row rowScanner) (*Station, error) {
	var st Station
	var deleted sql.NullTime
	err := row.Scan(&st.ID, &st.Name, &st.Status, &st.Specs, &st.LastReport, &st.CreatedAt, &deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if deleted.Valid {
		t := deleted.Time
		st.DeletedAt = &t
	}
	return &st, nil
}

func scanStationRows(rows *sql.Rows) (*Station, error) {
	return scanStation(rows)
}

// normalizeSessionTimes pins timestamps to UTC. SQLite DATETIME columns come
// back without a zone; remaining-time math must not pick up the local one.
func normalizeSessionTimes(sess *Session) {
	sess.StartedAt = asUTC(sess.StartedAt)
	sess.ScheduledEndAt = asUTC(sess.ScheduledEndAt)
	if sess.ActualEndAt != nil {
		t := asUTC(*sess.ActualEndAt)
		sess.ActualEndAt = &t
	}
}

func asUTC(t time.Time) time.Time {
	if t.Location() == time.UTC {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func orJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
