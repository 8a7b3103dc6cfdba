package proxy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/mautrix/manager/pkg/manager/apierror"
	"github.com/mautrix/manager/pkg/manager/bridge"
	"github.com/mautrix/manager/pkg/manager/matrix"
)

// ForwardLogin relays a websocket login session between the caller and the
// bridge's /login endpoint. The upstream is dialed first so a connection
// failure can still be reported as a regular HTTP error; only after the
// upstream session is up is the caller's connection upgraded.
//
// Messages from the bridge are forwarded to the caller verbatim and in
// order. The session ends when either side disconnects or the bridge sends
// a JSON message carrying a "success" key, which marks the login flow as
// finished.
func (e *Engine) ForwardLogin(w http.ResponseWriter, r *http.Request, route bridge.Route, userID matrix.UserID) {
	if !route.Enabled() {
		apierror.Write(w, apierror.ErrBridgeDisabled)
		return
	}

	target := route.Upstream.JoinPath("login")
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	query := r.URL.Query()
	query.Set("user_id", string(userID))
	target.RawQuery = query.Encode()

	// Inbound headers travel along, minus the hop-by-hop set and the
	// caller's own websocket handshake fields, which the dialer regenerates.
	header := http.Header{}
	for key, values := range r.Header {
		canonical := http.CanonicalHeaderKey(key)
		if isHopByHop(canonical) || strings.HasPrefix(canonical, "Sec-Websocket-") {
			continue
		}
		header[canonical] = values
	}
	header.Set("Authorization", "Bearer "+route.Secret)

	upstream, resp, err := e.dialer.DialContext(r.Context(), target.String(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		e.metrics.Failure(route.Name)
		e.logger.Errorw("failed to open login stream", "bridge", route.Name, "error", err)
		apierror.Write(w, apierror.ErrBridgeUnreachable)
		return
	}
	defer upstream.Close()

	caller, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		e.logger.Warnw("failed to upgrade login caller", "bridge", route.Name, "error", err)
		return
	}
	defer caller.Close()

	closeGauge := e.metrics.LoginOpened()
	defer closeGauge()

	// The caller never sends login payloads, but reading its side is the
	// only way to notice it going away while the bridge is idle.
	go func() {
		for {
			if _, _, err := caller.ReadMessage(); err != nil {
				upstream.Close()
				return
			}
		}
	}()

	for {
		msgType, payload, err := upstream.ReadMessage()
		if err != nil {
			return
		}
		if err := caller.WriteMessage(msgType, payload); err != nil {
			return
		}
		if loginFinished(payload) {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			caller.WriteMessage(websocket.CloseMessage, closeMsg)
			return
		}
	}
}

// loginFinished reports whether a bridge message marks the end of the login
// flow. The bridge signals completion with a JSON object containing a
// "success" key; anything unparseable is an intermediate payload.
func loginFinished(payload []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return false
	}
	_, ok := fields["success"]
	return ok
}
