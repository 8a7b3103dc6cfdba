package server

import (
	"net/http"
	"strings"

	"github.com/mautrix/manager/pkg/manager/apierror"
	"github.com/mautrix/manager/pkg/manager/auth"
	"github.com/mautrix/manager/pkg/manager/bridge"
	"github.com/mautrix/manager/pkg/manager/matrix"
	"github.com/mautrix/manager/pkg/manager/proxy"
)

// handleBridge dispatches an authenticated request below a bridge mount
// according to the bridge's API shape.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		apierror.Write(w, apierror.ErrMissingToken)
		return
	}

	route, rest, matched := s.bridges.Match(r.URL.Path)
	if !matched {
		http.NotFound(w, r)
		return
	}

	switch route.Shape {
	case bridge.ShapeUserScoped:
		s.handleUserScopedBridge(w, r, route, rest, userID)
	case bridge.ShapeLoginStream:
		if rest == "login" {
			s.engine.ForwardLogin(w, r, route, userID)
			return
		}
		s.handleGenericBridge(w, r, route, rest, userID)
	default:
		s.handleGenericBridge(w, r, route, rest, userID)
	}
}

func (s *Server) handleGenericBridge(w http.ResponseWriter, r *http.Request, route bridge.Route, rest string, userID matrix.UserID) {
	if rest == "" {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.writeBridgeStatus(w, route)
		return
	}
	s.engine.Forward(w, r, route, rest, userID)
}

// handleUserScopedBridge serves bridges whose provisioning API is split
// into a per-user tree plus portal and bridge management trees. Only the
// user tree carries the impersonation guard.
func (s *Server) handleUserScopedBridge(w http.ResponseWriter, r *http.Request, route bridge.Route, rest string, userID matrix.UserID) {
	switch {
	case rest == "":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.writeBridgeStatus(w, route)

	case rest == "bridge" || strings.HasPrefix(rest, "portal/"):
		s.engine.Forward(w, r, route, rest, userID)

	case strings.HasPrefix(rest, "user/"):
		if !route.Enabled() {
			apierror.Write(w, apierror.ErrBridgeDisabled)
			return
		}

		parts := strings.SplitN(rest, "/", 3)
		if len(parts) < 2 || parts[1] == "" {
			http.NotFound(w, r)
			return
		}

		admin := s.gateway.Permissions(userID).Admin
		resolved, err := proxy.ResolveUserSegment(parts[1], userID, admin)
		if err != nil {
			apierror.Write(w, err)
			return
		}

		subPath := "user/" + resolved
		if len(parts) == 3 && parts[2] != "" {
			subPath += "/" + parts[2]
		}
		s.engine.Forward(w, r, route, subPath, userID)

	default:
		http.NotFound(w, r)
	}
}

// writeBridgeStatus answers the mount-root status probe the frontend uses
// to decide whether to render a bridge's panel and with what metadata.
func (s *Server) writeBridgeStatus(w http.ResponseWriter, route bridge.Route) {
	if !route.Enabled() {
		apierror.Write(w, apierror.ErrBridgeDisabled)
		return
	}
	status := route.Status
	if status == nil {
		status = map[string]string{}
	}
	writeJSON(w, http.StatusOK, status)
}
