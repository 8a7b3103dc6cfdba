// Package auth owns the manager's credential surface: bearer token
// extraction for every protected route, and the register/logout endpoints
// that mint and revoke tokens after federated identity verification.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	pkglog "github.com/mautrix/manager/pkg/log"
	"github.com/mautrix/manager/pkg/manager/apierror"
	"github.com/mautrix/manager/pkg/manager/matrix"
	"github.com/mautrix/manager/pkg/manager/openid"
	"github.com/mautrix/manager/pkg/manager/permission"
	"github.com/mautrix/manager/pkg/manager/token"
)

const bearerPrefix = "Bearer "

// TokenStore is the persistence the gateway needs from the token table.
type TokenStore interface {
	Create(ctx context.Context, owner matrix.UserID) (token.Token, error)
	Lookup(ctx context.Context, secret string) (token.Token, error)
	Revoke(ctx context.Context, secret string) error
}

// IdentityVerifier performs the external federated identity check.
type IdentityVerifier interface {
	Verify(ctx context.Context, accessToken, serverName string) (matrix.UserID, error)
}

// Gateway authenticates requests and drives the register/logout flows.
type Gateway struct {
	store     TokenStore
	verifier  IdentityVerifier
	overrides map[string]string
	logger    pkglog.Logger
}

// NewGateway constructs a gateway with its dependencies passed explicitly.
func NewGateway(store TokenStore, verifier IdentityVerifier, overrides map[string]string, logger pkglog.Logger) *Gateway {
	if logger == nil {
		logger = pkglog.Shared()
	}
	return &Gateway{
		store:     store,
		verifier:  verifier,
		overrides: overrides,
		logger:    logger,
	}
}

type identityKey struct{}

// IdentityFromContext returns the authenticated caller attached by the
// bearer middleware.
func IdentityFromContext(ctx context.Context) (matrix.UserID, bool) {
	userID, ok := ctx.Value(identityKey{}).(matrix.UserID)
	return userID, ok
}

// Permissions resolves the caller's access level against the configured
// override table.
func (g *Gateway) Permissions(userID matrix.UserID) permission.Permissions {
	return permission.Resolve(userID, g.overrides)
}

// Token extracts and resolves the bearer credential on r. The Authorization
// header wins; an access_token query parameter is accepted as a fallback
// for clients that can't set headers (e.g. EventSource).
func (g *Gateway) Token(r *http.Request) (token.Token, error) {
	var secret string
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, bearerPrefix) {
			return token.Token{}, apierror.ErrInvalidAuthHeader
		}
		secret = header[len(bearerPrefix):]
	} else if param := r.URL.Query().Get("access_token"); param != "" {
		secret = param
	} else {
		return token.Token{}, apierror.ErrMissingToken
	}

	tok, err := g.store.Lookup(r.Context(), secret)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return token.Token{}, apierror.ErrInvalidAuthToken
		}
		g.logger.Errorw("token lookup failed", "error", err)
		return token.Token{}, apierror.ErrUnknown
	}
	return tok, nil
}

// Middleware authenticates every request and attaches the caller identity
// to the request context for downstream handlers.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := g.Token(r)
		if err != nil {
			apierror.Write(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, tok.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandleAccount serves GET /account: echoes the authenticated user ID.
func (g *Gateway) HandleAccount(w http.ResponseWriter, r *http.Request) {
	tok, err := g.Token(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": tok.UserID})
}

type registerPayload struct {
	AccessToken      string `json:"access_token"`
	MatrixServerName string `json:"matrix_server_name"`
}

type registerResponse struct {
	UserID      matrix.UserID   `json:"user_id"`
	Token       string          `json:"token"`
	Level       string          `json:"level"`
	Permissions map[string]bool `json:"permissions"`
}

// HandleRegister serves POST /account/register: verifies the supplied
// OpenID token against the federation API, gates on the permission table,
// and mints a manager access token.
func (g *Gateway) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var payload registerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		apierror.Write(w, apierror.ErrNotJSON)
		return
	}
	if payload.AccessToken == "" || payload.MatrixServerName == "" {
		apierror.Write(w, apierror.ErrBadOpenIDPayload)
		return
	}

	userID, err := g.verifier.Verify(r.Context(), payload.AccessToken, payload.MatrixServerName)
	if err != nil {
		switch {
		case errors.Is(err, openid.ErrHomeserverMismatch):
			apierror.Write(w, apierror.ErrHomeserverMismatch)
		case errors.Is(err, openid.ErrInvalidToken):
			apierror.Write(w, apierror.ErrInvalidOpenIDToken)
		default:
			g.logger.Errorw("identity verification failed", "error", err)
			apierror.Write(w, apierror.ErrUnknown)
		}
		return
	}

	perms := g.Permissions(userID)
	if !perms.User {
		apierror.Write(w, apierror.ErrNoAccess)
		return
	}

	tok, err := g.store.Create(r.Context(), userID)
	if err != nil {
		// A secret collision is a generation bug, not a user problem.
		g.logger.Errorw("failed to mint access token", "error", err, "user_id", userID)
		apierror.Write(w, apierror.ErrUnknown)
		return
	}

	g.logger.Infow("registered new login", "user_id", userID, "level", perms.Level)
	writeJSON(w, http.StatusOK, registerResponse{
		UserID: userID,
		Token:  tok.Secret,
		Level:  perms.Level,
		Permissions: map[string]bool{
			"docker": perms.Admin,
		},
	})
}

// HandleLogout serves POST /account/logout: revokes the presented token.
func (g *Gateway) HandleLogout(w http.ResponseWriter, r *http.Request) {
	tok, err := g.Token(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if err := g.store.Revoke(r.Context(), tok.Secret); err != nil {
		g.logger.Errorw("failed to revoke access token", "error", err)
		apierror.Write(w, apierror.ErrUnknown)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
