package auth

import (
	"context"
	"time"
)

// Identity is the verified identity behind a bearer credential.
type Identity struct {
	Subject   string // staff user ID or agent token subject
	Username  string
	Type      string // "staff" or "agent"
	Role      string // staff only: "admin" or "staff"
	StationID string // agent only: the station the credential is bound to
	Expiry    time.Time
}

// Verifier validates bearer tokens and returns identities.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}
