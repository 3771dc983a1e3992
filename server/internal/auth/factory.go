package auth

import (
	"fmt"

	"github.com/lanhall-io/lanhall/server/internal/config"
)

// NewStaffVerifier returns the verifier used for staff tokens based on
// configuration. The builtin Service doubles as the staff verifier by
// default; with the "jwks" provider, staff tokens come from an external
// issuer while agent tokens remain locally minted.
func NewStaffVerifier(cfg config.AuthConfig, svc *Service) (Verifier, error) {
	switch cfg.Provider {
	case "", "builtin":
		return svc, nil
	case "jwks":
		return NewJWKSVerifier(cfg.JWKSURL)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
