// Package store defines the storage interface for the server and provides
// SQLite and PostgreSQL implementations. The persisted Station and Session
// rows are the single source of truth for the control plane: registries and
// timers are rebuilt from them after any restart.
package store

import (
	"context"
	"errors"
	"time"
)

// Station status values.
const (
	StationOnline      = "ONLINE"
	StationOffline     = "OFFLINE"
	StationInSession   = "IN_SESSION"
	StationMaintenance = "MAINTENANCE"
)

// Session status values. ACTIVE sessions terminate exactly once, into
// STOPPED (manual) or EXPIRED (monitor-driven).
const (
	SessionActive  = "ACTIVE"
	SessionExpired = "EXPIRED"
	SessionStopped = "STOPPED"
	SessionPaused  = "PAUSED"
)

// Payment status values.
const (
	PaymentCompleted = "COMPLETED"
	PaymentPending   = "PENDING"
	PaymentRefunded  = "REFUNDED"
)

var (
	// ErrSessionNotActive is returned when a mutation requires an ACTIVE
	// session and the row is already terminal (or paused).
	ErrSessionNotActive = errors.New("session is not active")
	// ErrStationInSession is returned when a station already has an ACTIVE session.
	ErrStationInSession = errors.New("station already has an active session")
)

// Store is the persistence interface for the server.
type Store interface {
	// Stations
	CreateStation(ctx context.Context, st *Station) error
	GetStation(ctx context.Context, id string) (*Station, error)
	ListStations(ctx context.Context) ([]Station, error)
	UpdateStationStatus(ctx context.Context, id, status string) error
	SetStationSpecs(ctx context.Context, id, specs string) error
	SetStationReport(ctx context.Context, id, report string) error
	DeleteStation(ctx context.Context, id string) error // soft delete

	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetActiveSessionByStation(ctx context.Context, stationID string) (*Session, error)
	ListActiveSessions(ctx context.Context) ([]Session, error)
	ListSessionsByStation(ctx context.Context, stationID string, limit int) ([]Session, error)
	// ExtendSession moves scheduled_end_at forward by additionalMinutes and
	// accumulates extended_minutes. Only ACTIVE sessions can be extended;
	// ErrSessionNotActive otherwise. The deadline only ever grows.
	ExtendSession(ctx context.Context, id string, additionalMinutes int) (*Session, error)
	// FinishSession transitions an ACTIVE session to the given terminal
	// status and stamps actual_end_at. It reports whether this call won the
	// transition; a false return with nil error means the session was already
	// terminal (a concurrent stop or expiry got there first).
	FinishSession(ctx context.Context, id, status string, endedAt time.Time) (bool, error)

	// Payments
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)

	// Staff users
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, username string) (*User, error)

	// Event log
	LogEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, limit int) ([]Event, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Station is a physical rentable seat controlled by one agent process.
type Station struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Specs      string     `json:"specs,omitempty"`       // JSON from agent_hello
	LastReport string     `json:"last_report,omitempty"` // JSON from status_report
	CreatedAt  time.Time  `json:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Session is a billed time-window of station usage with a single absolute
// deadline (ScheduledEndAt, UTC).
type Session struct {
	ID              string     `json:"id"`
	StationID       string     `json:"station_id"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	ScheduledEndAt  time.Time  `json:"scheduled_end_at"`
	DurationMinutes int        `json:"duration_minutes"`
	ExtendedMinutes int        `json:"extended_minutes"`
	ActualEndAt     *time.Time `json:"actual_end_at,omitempty"`
	PaymentID       string     `json:"payment_id,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	CreatedBy       string     `json:"created_by,omitempty"`
}

// Payment is a settled charge backing a session start or extension.
type Payment struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	AmountCents int64     `json:"amount_cents"`
	Method      string    `json:"method"` // "cash", "card", ...
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is a staff account for the admin API and dashboards.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "staff"
	CreatedAt    time.Time `json:"created_at"`
}

// Event is a log entry describing a lifecycle transition.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	StationID string    `json:"station_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Detail    string    `json:"detail,omitempty"` // JSON
	CreatedAt time.Time `json:"created_at"`
}
