package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS stations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'OFFLINE',
			specs JSONB NOT NULL DEFAULT '{}',
			last_report JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			amount_cents BIGINT NOT NULL DEFAULT 0,
			method TEXT NOT NULL DEFAULT 'cash',
			status TEXT NOT NULL DEFAULT 'COMPLETED',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			station_id TEXT NOT NULL REFERENCES stations(id),
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			started_at TIMESTAMPTZ NOT NULL,
			scheduled_end_at TIMESTAMPTZ NOT NULL,
			duration_minutes INTEGER NOT NULL,
			extended_minutes INTEGER NOT NULL DEFAULT 0,
			actual_end_at TIMESTAMPTZ,
			payment_id TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_station_active
			ON sessions(station_id) WHERE status = 'ACTIVE'`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_station_id ON sessions(station_id)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'staff',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			station_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			detail JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) CreateStation(ctx context.Context, st *Station) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stations (id, name, status, specs, created_at) VALUES ($1, $2, $3, $4, $5)`,
		st.ID, st.Name, st.Status, orJSON(st.Specs), st.CreatedAt.UTC())
	return err
}

func (s *PostgresStore) GetStation(ctx context.Context, id string) (*Station, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, specs, last_report, created_at, deleted_at
		 FROM stations WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanStation(row)
}

func (s *PostgresStore) ListStations(ctx context.Context) ([]Station, error) {
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

func (s *PostgresStore) UpdateStationStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stations SET status = $1 WHERE id = $2 AND deleted_at IS NULL`, status, id)
	return err
}

func (s *PostgresStore) SetStationSpecs(ctx context.Context, id, specs string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stations SET specs = $1 WHERE id = $2 AND deleted_at IS NULL`, orJSON(specs), id)
	return err
}

func (s *PostgresStore) SetStationReport(ctx context.Context, id, report string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stations SET last_report = $1 WHERE id = $2 AND deleted_at IS NULL`, orJSON(report), id)
	return err
}

func (s *PostgresStore) DeleteStation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stations SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	return err
}

// --- Sessions ---

const pgSessionColumns = `SELECT id, station_id, status, started_at, scheduled_end_at,
	duration_minutes, extended_minutes, actual_end_at, payment_id, notes, created_by
	FROM sessions`

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.StationID, sess.Status, sess.StartedAt.UTC(), sess.ScheduledEndAt.UTC(),
		sess.DurationMinutes, sess.ExtendedMinutes, sess.PaymentID, sess.Notes, sess.CreatedBy)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, pgSessionColumns+` WHERE id = $1`, id)
	return scanSession(row)
}

func (s *PostgresStore) GetActiveSessionByStation(ctx context.Context, stationID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		pgSessionColumns+` WHERE station_id = $1 AND status = 'ACTIVE'`, stationID)
	return scanSession(row)
}

func (s *PostgresStore) ListActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		pgSessionColumns+` WHERE status = 'ACTIVE' ORDER BY scheduled_end_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *PostgresStore) ListSessionsByStation(ctx context.Context, stationID string, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		pgSessionColumns+` WHERE station_id = $1 ORDER BY started_at DESC LIMIT $2`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *PostgresStore) ExtendSession(ctx context.Context, id string, additionalMinutes int) (*Session, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET scheduled_end_at = scheduled_end_at + (interval '1 minute' * $1),
		     extended_minutes = extended_minutes + $1
		 WHERE id = $2 AND status = 'ACTIVE'`,
		additionalMinutes, id)
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

func (s *PostgresStore) FinishSession(ctx context.Context, id, status string, endedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1, actual_end_at = $2 WHERE id = $3 AND status = 'ACTIVE'`,
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

func (s *PostgresStore) CreatePayment(ctx context.Context, p *Payment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (id, session_id, amount_cents, method, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.SessionID, p.AmountCents, p.Method, p.Status, p.CreatedAt.UTC())
	return err
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var p Payment
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, amount_cents, method, status, created_at FROM payments WHERE id = $1`, id).
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

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.CreatedAt.UTC())
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, created_at FROM users WHERE username = $1`, username).
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

func (s *PostgresStore) LogEvent(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, station_id, session_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.Type, ev.StationID, ev.SessionID, orJSON(ev.Detail), ev.CreatedAt.UTC())
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, station_id, session_id, detail, created_at
		 FROM events ORDER BY created_at DESC LIMIT $1`, limit)
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
