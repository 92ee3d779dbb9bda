// Package auth turns bearer tokens into the Actor the engine authorizes
// against. Token issuance lives elsewhere; this package only validates.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Actor is the authenticated caller.
type Actor struct {
	ID       string
	TenantID string
	Roles    []string
	// Elevated marks a service principal allowed to address another tenant
	// explicitly through tenancy.Elevate.
	Elevated bool
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

type actorKey struct{}

// WithActor stores the actor on ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored on ctx, if any.
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

// Claims are the JWT claims the service accepts.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tid"`
	Roles    []string `json:"roles"`
	Service  bool     `json:"svc,omitempty"`
}

// Validator verifies HMAC-signed tokens.
type Validator struct {
	secret []byte
}

// NewValidator returns a validator for tokens signed with secret.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// Validate parses tokenStr and builds the Actor it names. Subject and tenant
// are both required.
func (v *Validator) Validate(tokenStr string) (Actor, error) {
	if v == nil || len(v.secret) == 0 {
		return Actor{}, fmt.Errorf("validator not configured")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Actor{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return Actor{}, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return Actor{}, fmt.Errorf("token subject is required")
	}
	if claims.TenantID == "" {
		return Actor{}, fmt.Errorf("token tenant binding is required")
	}

	return Actor{
		ID:       claims.Subject,
		TenantID: claims.TenantID,
		Roles:    claims.Roles,
		Elevated: claims.Service,
	}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer x" value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
