package proxy_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestForwardLoginRelaysUntilSuccess(t *testing.T) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	var capturedAuth string
	var capturedUser string
	var capturedAgent string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedUser = r.URL.Query().Get("user_id")
		capturedAgent = r.Header.Get("User-Agent")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upstream upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		messages := []string{
			`{"code":"qr-data","timeout":20}`,
			`{"success":true,"jid":"123@s.whatsapp.net"}`,
		}
		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				t.Errorf("upstream write: %v", err)
				return
			}
		}
		// Hold the connection open so the relay, not the upstream, decides
		// when the session ends.
		_, _, _ = conn.ReadMessage()
	}))
	defer upstream.Close()

	route := routeFor(t, "mautrix-whatsapp", upstream.URL, "wa-secret")
	engine := newTestEngine()

	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		engine.ForwardLogin(w, r, route, "@alice:example.com")
	}))
	defer relay.Close()

	relayURL, err := url.Parse(relay.URL)
	if err != nil {
		t.Fatalf("parse relay url: %v", err)
	}
	relayURL.Scheme = "ws"

	callerHeader := http.Header{}
	callerHeader.Set("User-Agent", "manager-frontend/1.0")
	callerHeader.Set("Authorization", "Bearer caller-token")
	conn, _, err := websocket.DefaultDialer.Dial(relayURL.String(), callerHeader)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, first, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read first relayed message: %v", err)
	}
	if string(first) != `{"code":"qr-data","timeout":20}` {
		t.Fatalf("unexpected first message %q", first)
	}

	_, second, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read second relayed message: %v", err)
	}
	if string(second) != `{"success":true,"jid":"123@s.whatsapp.net"}` {
		t.Fatalf("unexpected second message %q", second)
	}

	// The success payload ends the session with a normal closure.
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the relay to close after the success message")
	} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}

	if capturedAuth != "Bearer wa-secret" {
		t.Fatalf("upstream Authorization = %q, expected the shared secret", capturedAuth)
	}
	if capturedUser != "@alice:example.com" {
		t.Fatalf("upstream user_id = %q", capturedUser)
	}
	if capturedAgent != "manager-frontend/1.0" {
		t.Fatalf("upstream User-Agent = %q, inbound headers must travel along", capturedAgent)
	}
}

func TestForwardLoginUnreachableUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := upstream.URL
	upstream.Close()

	route := routeFor(t, "mautrix-whatsapp", target, "wa-secret")
	engine := newTestEngine()

	req := httptest.NewRequest(http.MethodGet, "/mautrix-whatsapp/login", nil)
	rec := httptest.NewRecorder()

	engine.ForwardLogin(rec, req, route, "@alice:example.com")

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if code := decodeAPIError(t, rec.Body); code != "M_BAD_GATEWAY" {
		t.Fatalf("errcode = %q, want M_BAD_GATEWAY", code)
	}
}

func TestForwardLoginDisabledBridge(t *testing.T) {
	route := routeFor(t, "mautrix-whatsapp", "", "")
	engine := newTestEngine()

	req := httptest.NewRequest(http.MethodGet, "/mautrix-whatsapp/login", nil)
	rec := httptest.NewRecorder()

	engine.ForwardLogin(rec, req, route, "@alice:example.com")

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}
