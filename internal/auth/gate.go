package auth

import (
	"context"
	"errors"
	"net/http"

	"liquid-ws-server/internal/store"
)

// Gate failure taxonomy. All are fatal to the connection attempt; the core
// never retries a failed gate check.
var (
	ErrNoToken      = errors.New("no token supplied")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
	ErrUserInactive = errors.New("user inactive or missing")
)

// Identity is the verified result of a successful gate check.
type Identity struct {
	UserID   string
	Username string
}

// Gate validates a bearer token once per connection attempt, before any
// session is created. Signature and expiry come from the token itself; the
// active-account check goes through the user directory collaborator.
type Gate struct {
	manager *JWTManager
	users   store.UserDirectory
}

func NewGate(manager *JWTManager, users store.UserDirectory) *Gate {
	return &Gate{manager: manager, users: users}
}

// Authenticate resolves the connection request to a verified identity.
func (g *Gate) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	token, err := ExtractToken(r)
	if err != nil {
		return Identity{}, err
	}

	claims, err := g.manager.Verify(token)
	if err != nil {
		return Identity{}, err
	}

	active, err := g.users.LookupActive(ctx, claims.UserID)
	if err != nil || !active {
		return Identity{}, ErrUserInactive
	}

	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}
