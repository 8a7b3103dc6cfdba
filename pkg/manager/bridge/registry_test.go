package bridge

import (
	"testing"

	"github.com/mautrix/manager/pkg/manager/config"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(map[string]config.BridgeConfig{
		"mautrix-telegram": {URL: "http://localhost:29317", Secret: "tgsecret"},
		"mautrix-whatsapp": {URL: "http://localhost:29318", Secret: "wasecret"},
		"mx-puppet-slack":  {URL: "http://localhost:29319", Secret: "slacksecret", ClientID: "slack-client"},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func TestMatchFirstSegment(t *testing.T) {
	reg := newTestRegistry(t)

	route, rest, ok := reg.Match("/mautrix-telegram/user/me/sync")
	if !ok {
		t.Fatal("expected a match")
	}
	if route.Name != "mautrix-telegram" {
		t.Fatalf("unexpected route %q", route.Name)
	}
	if rest != "user/me/sync" {
		t.Fatalf("unexpected remaining path %q", rest)
	}
	if route.Shape != ShapeUserScoped {
		t.Fatalf("telegram should be user-scoped, got %v", route.Shape)
	}
}

func TestMatchMountRoot(t *testing.T) {
	reg := newTestRegistry(t)

	route, rest, ok := reg.Match("/mautrix-whatsapp")
	if !ok {
		t.Fatal("expected a match")
	}
	if route.Shape != ShapeLoginStream {
		t.Fatalf("whatsapp should have the login stream shape, got %v", route.Shape)
	}
	if rest != "" {
		t.Fatalf("expected empty remainder, got %q", rest)
	}
}

func TestMatchUnknownSegment(t *testing.T) {
	reg := newTestRegistry(t)

	if _, _, ok := reg.Match("/account/register"); ok {
		t.Fatal("non-bridge paths must not match")
	}
}

func TestUnconfiguredBridgesAreDisabledButPresent(t *testing.T) {
	reg := newTestRegistry(t)

	route, _, ok := reg.Match("/mautrix-facebook/api/whoami")
	if !ok {
		t.Fatal("known but unconfigured bridge should still match")
	}
	if route.Enabled() {
		t.Fatal("bridge without a secret must be disabled")
	}
	if route.Upstream != nil {
		t.Fatal("disabled bridge must not carry an upstream URL")
	}
}

func TestStatusMetadata(t *testing.T) {
	reg := newTestRegistry(t)

	route, ok := reg.Get("mx-puppet-slack")
	if !ok {
		t.Fatal("expected slack route")
	}
	if route.Status["client_id"] != "slack-client" {
		t.Fatalf("unexpected status metadata: %v", route.Status)
	}
}

func TestNewRegistryRejectsBadURL(t *testing.T) {
	_, err := NewRegistry(map[string]config.BridgeConfig{
		"mautrix-telegram": {URL: "://not-a-url", Secret: "s"},
	})
	if err == nil {
		t.Fatal("expected error for malformed upstream URL")
	}
}

func TestRoutesReturnsAllKnownBridgesInOrder(t *testing.T) {
	reg := newTestRegistry(t)
	routes := reg.Routes()
	if len(routes) != len(config.KnownBridges) {
		t.Fatalf("expected %d routes, got %d", len(config.KnownBridges), len(routes))
	}
	for i, route := range routes {
		if route.Name != config.KnownBridges[i] {
			t.Fatalf("route %d = %q, expected %q", i, route.Name, config.KnownBridges[i])
		}
	}
}
