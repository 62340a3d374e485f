package auth

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Principal is the authenticated caller of a request or connection.
type Principal struct {
	UserID    string
	Name      string
	TokenID   string
	ExpiresAt time.Time
}

type RevocationChecker interface {
	IsAccessTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Resolver turns a request into a Principal. Websocket clients cannot set
// headers, so the token and access_token query parameters are accepted too.
type Resolver struct {
	secret  []byte
	revoked RevocationChecker
}

// NewResolver builds a Resolver. revoked may be nil, which disables revocation checks.
func NewResolver(secret []byte, revoked RevocationChecker) *Resolver {
	return &Resolver{secret: secret, revoked: revoked}
}

func (r *Resolver) Resolve(req *http.Request) (Principal, error) {
	token := RequestToken(req)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	return r.ResolveToken(req.Context(), token)
}

func (r *Resolver) ResolveToken(ctx context.Context, token string) (Principal, error) {
	claims, err := ParseToken(r.secret, token)
	if err != nil {
		return Principal{}, err
	}
	if r.revoked != nil && claims.ID != "" {
		revoked, err := r.revoked.IsAccessTokenRevoked(ctx, claims.ID)
		if err != nil {
			return Principal{}, err
		}
		if revoked {
			return Principal{}, ErrRevokedToken
		}
	}
	principal := Principal{UserID: claims.UserID, Name: claims.Name, TokenID: claims.ID}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

// RequestToken reads the Bearer header, then the token and access_token query parameters.
func RequestToken(req *http.Request) string {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		if token := strings.TrimSpace(header[7:]); token != "" {
			return token
		}
	}
	query := req.URL.Query()
	if token := strings.TrimSpace(query.Get("token")); token != "" {
		return token
	}
	return strings.TrimSpace(query.Get("access_token"))
}
