// Package auth verifies the bearer credential presented on the WebSocket
// handshake and turns it into a chat principal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/config"
)

// ErrMissingToken is returned when the handshake carries no credential.
var ErrMissingToken = errors.New("missing bearer token")

// Claims are the token claims issued by the identity service. UserID falls back
// to the registered subject when absent.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	RoleID    string `json:"role_id,omitempty"`
}

// Verifier validates signature and expiry of bearer tokens.
type Verifier struct {
	keyfunc jwt.Keyfunc
	opts    []jwt.ParserOption
	jwks    *keyfunc.JWKS
}

// New builds a verifier from configuration, preferring JWKS over a shared secret.
func New(ctx context.Context, cfg config.AuthConfig) (*Verifier, error) {
	if cfg.JWKSURL != "" {
		return NewJWKS(ctx, cfg.JWKSURL, cfg.Issuer)
	}
	return NewHMAC([]byte(cfg.Secret), cfg.Issuer)
}

// NewHMAC returns a verifier for HS256/384/512 tokens signed with secret.
func NewHMAC(secret []byte, issuer string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("auth secret is required")
	}
	return &Verifier{
		keyfunc: func(*jwt.Token) (any, error) { return secret, nil },
		opts:    parserOptions(issuer, []string{"HS256", "HS384", "HS512"}),
	}, nil
}

// NewJWKS returns a verifier whose keys are fetched and refreshed from jwksURL.
func NewJWKS(ctx context.Context, jwksURL, issuer string) (*Verifier, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   5 * time.Minute,
		RefreshRateLimit:  time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			slog.Error("JWKS refresh error", "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}
	slog.Info("JWKS loaded", "jwks_url", jwksURL)
	return &Verifier{
		keyfunc: jwks.Keyfunc,
		opts:    parserOptions(issuer, []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "EdDSA"}),
		jwks:    jwks,
	}, nil
}

func parserOptions(issuer string, methods []string) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return opts
}

// Verify validates token and returns its principal, or an auth error.
func (v *Verifier) Verify(token string) (chat.Principal, error) {
	if strings.TrimSpace(token) == "" {
		return chat.Principal{}, chat.AuthFailed(ErrMissingToken)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keyfunc, v.opts...)
	if err != nil {
		return chat.Principal{}, chat.AuthFailed(err)
	}
	if !parsed.Valid {
		return chat.Principal{}, chat.AuthFailed(errors.New("token is not valid"))
	}

	p := chat.Principal{
		UserID:    claims.UserID,
		AccountID: claims.AccountID,
		RoleID:    claims.RoleID,
	}
	if p.UserID == "" {
		p.UserID = claims.Subject
	}
	if p.AccountID == "" {
		p.AccountID = chat.DefaultAccountID
	}
	if err := chat.ValidateID("user id", p.UserID); err != nil {
		return chat.Principal{}, chat.AuthFailed(err)
	}
	if err := chat.ValidateID("account id", p.AccountID); err != nil {
		return chat.Principal{}, chat.AuthFailed(err)
	}
	return p, nil
}

// Close stops the JWKS refresh goroutine, if any.
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// TokenFromRequest extracts the bearer credential from the Authorization header
// or, for browsers that cannot set headers on a WebSocket, the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
