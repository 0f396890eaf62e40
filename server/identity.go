package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const playerContextKey contextKey = "swarm.player"

// Claims carried by the session tokens the launcher issues at login.
type Claims struct {
	Player string `json:"player"`
	jwt.RegisteredClaims
}

// Identity verifies bearer tokens and resolves the wallet address a request
// was authenticated for.
type Identity struct {
	secret []byte
}

// NewIdentity builds a verifier over a shared HMAC secret.
func NewIdentity(secret string) *Identity {
	return &Identity{secret: []byte(secret)}
}

// Verify parses the token and returns the player address it was issued for.
func (i *Identity) Verify(token string) (common.Address, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return i.secret, nil
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return common.Address{}, fmt.Errorf("token is not valid")
	}
	if !common.IsHexAddress(claims.Player) {
		return common.Address{}, fmt.Errorf("token does not carry a player address")
	}
	return common.HexToAddress(claims.Player), nil
}

// Middleware rejects requests without a valid bearer token and stores the
// authenticated player on the request context.
func (i *Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		player, err := i.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), playerContextKey, player)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PlayerFromContext returns the authenticated player address, if any.
func PlayerFromContext(ctx context.Context) (common.Address, bool) {
	player, ok := ctx.Value(playerContextKey).(common.Address)
	return player, ok
}
