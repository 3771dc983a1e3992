package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSVerifier validates staff tokens issued by an external identity
// provider (venue SSO) using its published JWKS. Agent tokens are always
// minted and verified locally, so this verifier only produces staff
// identities.
type JWKSVerifier struct {
	jwks keyfunc.Keyfunc
}

// NewJWKSVerifier creates a JWKSVerifier that fetches keys from the given URL.
func NewJWKSVerifier(jwksURL string) (*JWKSVerifier, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}

	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return &JWKSVerifier{jwks: jwks}, nil
}

// Name returns the provider name.
func (v *JWKSVerifier) Name() string { return "jwks" }

// VerifyToken parses an externally issued JWT and returns a staff Identity.
func (v *JWKSVerifier) VerifyToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, v.jwks.KeyfuncCtx(ctx),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}

	username := sub
	if u, _ := claims["username"].(string); u != "" {
		username = u
	} else if e, _ := claims["email"].(string); e != "" {
		username = e
	}

	role := "staff"
	if r, _ := claims["role"].(string); r == "admin" {
		role = "admin"
	}

	return &Identity{
		Subject:  sub,
		Username: username,
		Type:     TokenTypeStaff,
		Role:     role,
	}, nil
}
