package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNoToken is returned when neither transport channel carried a token.
var ErrNoToken = errors.New("no access token in request")

// Identity is the authenticated principal behind a connection. Set once
// at connect time; immutable afterwards.
type Identity struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// bearerMarker prefixes the subprotocol element carrying the token,
// e.g. "Bearer.eyJhbGci...". Matched case-insensitively.
const bearerMarker = "bearer."

// Gate authenticates inbound WebSocket upgrade requests before any
// protocol activity is allowed.
type Gate struct {
	verifier TokenVerifier
	logger   zerolog.Logger
}

func NewGate(verifier TokenVerifier, logger zerolog.Logger) *Gate {
	return &Gate{
		verifier: verifier,
		logger:   logger.With().Str("component", "auth_gate").Logger(),
	}
}

// Authenticate extracts and verifies the access token from the upgrade
// request. Failure must be translated by the caller into closing the
// channel with a policy-violation status.
func (g *Gate) Authenticate(r *http.Request) (Identity, error) {
	token := g.extractToken(r)
	if token == "" {
		return Identity{}, ErrNoToken
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		return Identity{}, fmt.Errorf("token rejected: %w", err)
	}

	return Identity{
		UserID: claims.UserID,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}

// TokenProtocol returns the Sec-WebSocket-Protocol element that carried
// the token, or "" when the token came from elsewhere. The handshake
// must echo this element so browser clients complete negotiation.
func (g *Gate) TokenProtocol(r *http.Request) string {
	for _, part := range splitProtocols(r.Header.Get("Sec-WebSocket-Protocol")) {
		if isTokenElement(part) {
			return part
		}
	}
	return ""
}

// extractToken looks for a token in, order of preference:
//
//  1. The Sec-WebSocket-Protocol header: the element starting with the
//     "Bearer." marker, or failing that any element longer than 20 chars
//     containing a dot (assumed to be a bare JWT). The bare-token
//     heuristic can misread unrelated subprotocol elements; it is kept
//     for compatibility with deployed clients that omit the marker.
//  2. The "token" query parameter. Deprecated: tokens in URLs leak into
//     server logs and browser history.
func (g *Gate) extractToken(r *http.Request) string {
	parts := splitProtocols(r.Header.Get("Sec-WebSocket-Protocol"))
	for _, part := range parts {
		if strings.HasPrefix(strings.ToLower(part), bearerMarker) {
			return part[len(bearerMarker):]
		}
	}
	for _, part := range parts {
		if isBareToken(part) {
			return part
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		g.logger.Warn().
			Str("remote_addr", r.RemoteAddr).
			Msg("Access token provided via query parameter - deprecated, use Sec-WebSocket-Protocol header")
		return token
	}

	return ""
}

func isTokenElement(part string) bool {
	return strings.HasPrefix(strings.ToLower(part), bearerMarker) || isBareToken(part)
}

// isBareToken is the compatibility heuristic for marker-less elements:
// JWTs are long and always contain dots.
func isBareToken(part string) bool {
	return len(part) > 20 && strings.Contains(part, ".")
}

func splitProtocols(header string) []string {
	if header == "" {
		return nil
	}
	raw := strings.Split(header, ",")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
