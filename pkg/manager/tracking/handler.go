package tracking

import (
	"encoding/json"
	"net/http"

	"github.com/rs/cors"

	"github.com/mautrix/manager/pkg/manager/apierror"
	"github.com/mautrix/manager/pkg/manager/token"
)

// Authenticator resolves the bearer credential on a request.
type Authenticator interface {
	Token(r *http.Request) (token.Token, error)
}

// Handler exposes the tracking endpoints. These are the only routes served
// with permissive CORS: the frontend may be hosted on a different origin
// and still needs to report events.
type Handler struct {
	client *Client
	auth   Authenticator
	cors   *cors.Cors
}

// NewHandler wires the tracking surface.
func NewHandler(client *Client, auth Authenticator) *Handler {
	return &Handler{
		client: client,
		auth:   auth,
		cors: cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodOptions, http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}),
	}
}

// Track returns the handler for /track: GET reports whether tracking is
// enabled, POST submits one event on behalf of the authenticated caller.
func (h *Handler) Track() http.Handler {
	return h.cors.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]bool{"enabled": h.client.Enabled()})
		case http.MethodPost:
			h.handleTrack(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

// Engage returns the handler for /engage: POST updates the caller's
// analytics profile.
func (h *Handler) Engage() http.Handler {
	return h.cors.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleEngage(w, r)
	}))
}

type trackPayload struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
}

func (h *Handler) handleTrack(w http.ResponseWriter, r *http.Request) {
	tok, err := h.auth.Token(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	var payload trackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		apierror.Write(w, apierror.ErrNotJSON)
		return
	}
	if payload.Event == "" || payload.Properties == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.client.Track(r.Context(), payload.Event, tok.UserID, r.Header.Get("User-Agent"), payload.Properties)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleEngage(w http.ResponseWriter, r *http.Request) {
	tok, err := h.auth.Token(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	var properties map[string]any
	if err := json.NewDecoder(r.Body).Decode(&properties); err != nil {
		apierror.Write(w, apierror.ErrNotJSON)
		return
	}
	if properties == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.client.Engage(r.Context(), tok.UserID, r.Header.Get("User-Agent"), properties)
	w.WriteHeader(http.StatusNoContent)
}
