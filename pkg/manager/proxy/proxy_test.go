package proxy_test

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mautrix/manager/pkg/manager/apierror"
	"github.com/mautrix/manager/pkg/manager/bridge"
	"github.com/mautrix/manager/pkg/manager/config"
	"github.com/mautrix/manager/pkg/manager/proxy"
)

func newTestEngine() *proxy.Engine {
	return proxy.NewEngine(nil, nil)
}

func routeFor(t *testing.T, name, upstreamURL, secret string) bridge.Route {
	t.Helper()
	reg, err := bridge.NewRegistry(map[string]config.BridgeConfig{
		name: {URL: upstreamURL, Secret: secret},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	route, ok := reg.Get(name)
	if !ok {
		t.Fatalf("missing route %s", name)
	}
	return route
}

func decodeAPIError(t *testing.T, body io.Reader) (errcode string) {
	t.Helper()
	var payload struct {
		Code string `json:"errcode"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return payload.Code
}

func TestForwardReplacesAuthAndInjectsIdentity(t *testing.T) {
	var captured *http.Request
	var capturedBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(r.Context())
		capturedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	route := routeFor(t, "mautrix-facebook", upstream.URL, "fb-secret")
	engine := newTestEngine()

	body := strings.NewReader(`{"action":"login"}`)
	req := httptest.NewRequest(http.MethodPost, "/mautrix-facebook/login?user_id=@mallory:evil.com&foo=bar", body)
	req.Header.Set("Authorization", "Bearer caller-token")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	engine.Forward(rec, req, route, "login", "@alice:example.com")

	if captured == nil {
		t.Fatal("upstream was never called")
	}
	if captured.URL.Path != "/api/login" {
		t.Fatalf("unexpected upstream path %q", captured.URL.Path)
	}
	if got := captured.URL.Query().Get("user_id"); got != "@alice:example.com" {
		t.Fatalf("user_id = %q, caller-supplied value must be overwritten", got)
	}
	if got := captured.URL.Query().Get("foo"); got != "bar" {
		t.Fatalf("other query params must survive, foo = %q", got)
	}
	if got := captured.Header.Get("Authorization"); got != "Bearer fb-secret" {
		t.Fatalf("Authorization = %q, expected the bridge shared secret", got)
	}
	if string(capturedBody) != `{"action":"login"}` {
		t.Fatalf("unexpected forwarded body %q", capturedBody)
	}

	if rec.Code != http.StatusCreated {
		t.Fatalf("response status = %d, expected upstream 201", rec.Code)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Fatalf("unexpected relayed body %q", rec.Body.String())
	}
}

func TestForwardDisabledBridgeDoesNoIO(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer upstream.Close()

	// Known bridge left unconfigured: present in the registry but disabled.
	reg, err := bridge.NewRegistry(map[string]config.BridgeConfig{})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	route, _ := reg.Get("mautrix-telegram")

	engine := newTestEngine()
	req := httptest.NewRequest(http.MethodGet, "/mautrix-telegram/user/me", nil)
	rec := httptest.NewRecorder()

	engine.Forward(rec, req, route, "user/@alice:example.com", "@alice:example.com")

	if called {
		t.Fatal("disabled bridge must not trigger upstream traffic")
	}
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
	if code := decodeAPIError(t, rec.Body); code != "M_NOT_IMPLEMENTED" {
		t.Fatalf("errcode = %q, want M_NOT_IMPLEMENTED", code)
	}
}

func TestForwardUnreachableUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := upstream.URL
	upstream.Close()

	route := routeFor(t, "mautrix-facebook", target, "fb-secret")
	engine := newTestEngine()

	req := httptest.NewRequest(http.MethodGet, "/mautrix-facebook/whoami", nil)
	rec := httptest.NewRecorder()

	engine.Forward(rec, req, route, "whoami", "@alice:example.com")

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if code := decodeAPIError(t, rec.Body); code != "M_BAD_GATEWAY" {
		t.Fatalf("errcode = %q, want M_BAD_GATEWAY", code)
	}
}

func TestForwardPassesThroughUpstreamErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Bridge-Detail", "nope")
		http.Error(w, "bridge says no", http.StatusTeapot)
	}))
	defer upstream.Close()

	route := routeFor(t, "mx-puppet-slack", upstream.URL, "slack-secret")
	engine := newTestEngine()

	req := httptest.NewRequest(http.MethodGet, "/mx-puppet-slack/oauth/link", nil)
	rec := httptest.NewRecorder()

	engine.Forward(rec, req, route, "oauth/link", "@alice:example.com")

	if rec.Code != http.StatusTeapot {
		t.Fatalf("upstream status must pass through unchanged, got %d", rec.Code)
	}
	if rec.Header().Get("X-Bridge-Detail") != "nope" {
		t.Fatal("upstream headers must pass through")
	}
}

func TestForwardStripsHopByHopResponseHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Kept", "yes")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	route := routeFor(t, "mautrix-facebook", upstream.URL, "fb-secret")
	engine := newTestEngine()

	req := httptest.NewRequest(http.MethodGet, "/mautrix-facebook/whoami", nil)
	rec := httptest.NewRecorder()

	engine.Forward(rec, req, route, "whoami", "@alice:example.com")

	if rec.Header().Get("Keep-Alive") != "" {
		t.Fatal("hop-by-hop headers must not be relayed")
	}
	if rec.Header().Get("X-Kept") != "yes" {
		t.Fatal("end-to-end headers must be relayed")
	}
}

func TestForwardRawScrubsCredentials(t *testing.T) {
	var captured http.Header
	var capturedHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		capturedHost = r.Host
		_, _ = io.WriteString(w, `[]`)
	}))
	defer upstream.Close()

	target, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}

	engine := newTestEngine()
	req := httptest.NewRequest(http.MethodGet, "/docker/containers/json", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	req.Host = "manager.example.com"
	rec := httptest.NewRecorder()

	engine.ForwardRaw(rec, req, "docker", target, "containers/json")

	if got := captured.Get("Authorization"); got != "" {
		t.Fatalf("Authorization must be scrubbed, got %q", got)
	}
	if capturedHost == "manager.example.com" {
		t.Fatal("inbound Host must not leak upstream")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestForwardRawDialsUnixSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "docker.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen on socket: %v", err)
	}

	var capturedPath string
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		_, _ = io.WriteString(w, `[]`)
	})}
	go srv.Serve(listener)
	t.Cleanup(func() { srv.Close() })

	target, err := url.Parse("unix://" + socketPath)
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}

	engine := newTestEngine()
	req := httptest.NewRequest(http.MethodGet, "/docker/containers/json", nil)
	rec := httptest.NewRecorder()

	engine.ForwardRaw(rec, req, "docker", target, "containers/json")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if capturedPath != "/containers/json" {
		t.Fatalf("upstream path = %q", capturedPath)
	}
	if rec.Body.String() != `[]` {
		t.Fatalf("unexpected relayed body %q", rec.Body.String())
	}
}

func TestResolveUserSegment(t *testing.T) {
	const sender = "@alice:example.com"

	got, err := proxy.ResolveUserSegment("me", sender, false)
	if err != nil {
		t.Fatalf("resolving me: %v", err)
	}
	if got != sender {
		t.Fatalf("me must resolve to the caller, got %q", got)
	}

	got, err = proxy.ResolveUserSegment(sender, sender, false)
	if err != nil {
		t.Fatalf("resolving own id: %v", err)
	}
	if got != sender {
		t.Fatalf("own id must pass through, got %q", got)
	}

	_, err = proxy.ResolveUserSegment("@bob:example.com", sender, false)
	if !errors.Is(err, apierror.ErrNoImpersonation) {
		t.Fatalf("non-admin impersonation must be rejected, got %v", err)
	}

	got, err = proxy.ResolveUserSegment("@bob:example.com", sender, true)
	if err != nil {
		t.Fatalf("admin impersonation: %v", err)
	}
	if got != "@bob:example.com" {
		t.Fatalf("admin impersonation target = %q", got)
	}
}
