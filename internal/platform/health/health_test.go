package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mautrix/manager/pkg/manager/bridge"
	"github.com/mautrix/manager/pkg/manager/config"
)

func TestReadinessReportsReadyWhenAllBridgesUp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Provisioning APIs often 404 their root path; that still counts
		// as the bridge being up.
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	checker := NewChecker(ts.Client(), []Probe{{
		Name: "mautrix-telegram",
		URL:  ts.URL,
	}}, 250*time.Millisecond)

	report := checker.Readiness(context.Background())
	if report.Status != "ready" {
		t.Fatalf("expected ready status, got %s", report.Status)
	}
	if len(report.Bridges) != 1 {
		t.Fatalf("expected 1 bridge, got %d", len(report.Bridges))
	}
	if !report.Bridges[0].Healthy {
		t.Fatalf("expected bridge healthy")
	}
}

func TestReadinessReportsDegradedOnServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	checker := NewChecker(ts.Client(), []Probe{{
		Name: "mautrix-whatsapp",
		URL:  ts.URL,
	}}, 250*time.Millisecond)

	report := checker.Readiness(context.Background())
	if report.Status != "degraded" {
		t.Fatalf("expected degraded status, got %s", report.Status)
	}
	if report.Bridges[0].Error == "" {
		t.Fatalf("expected bridge error message")
	}
}

func TestReadinessHonorsContextCancellation(t *testing.T) {
	checker := NewChecker(&http.Client{Timeout: 50 * time.Millisecond}, []Probe{{
		Name: "mautrix-whatsapp",
		URL:  "http://127.0.0.1:1",
	}}, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := checker.Readiness(ctx)
	if report.Status != "degraded" {
		t.Fatalf("expected degraded status when context cancelled, got %s", report.Status)
	}
}

func TestFromRoutesSkipsDisabledBridges(t *testing.T) {
	reg, err := bridge.NewRegistry(map[string]config.BridgeConfig{
		"mautrix-telegram": {URL: "http://localhost:29317", Secret: "s"},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	probes := FromRoutes(reg.Routes())
	if len(probes) != 1 {
		t.Fatalf("expected 1 probe, got %d", len(probes))
	}
	if probes[0].Name != "mautrix-telegram" {
		t.Fatalf("unexpected probe %q", probes[0].Name)
	}
}
