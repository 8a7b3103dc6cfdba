package runtime_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mautrix/manager/pkg/manager/config"
	"github.com/mautrix/manager/pkg/manager/runtime"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Homeserver: config.HomeserverConfig{
			Domain:        "example.com",
			FederationURL: "http://localhost:8008",
		},
		Server: config.ServerConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Database: filepath.Join(t.TempDir(), "tokens.db"),
		},
	}
}

func TestRuntimeLifecycle(t *testing.T) {
	rt, err := runtime.New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("runtime.New returned error: %v", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := rt.Start(ctx); err != runtime.ErrAlreadyRunning {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}

	cancel()
	if err := rt.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
}

func TestRuntimeWaitWithoutStart(t *testing.T) {
	rt, err := runtime.New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("runtime.New returned error: %v", err)
	}
	defer rt.Close()

	if err := rt.Wait(); err != runtime.ErrNotRunning {
		t.Fatalf("Wait = %v, want ErrNotRunning", err)
	}
}

func TestRuntimeShutdown(t *testing.T) {
	rt, err := runtime.New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("runtime.New returned error: %v", err)
	}
	defer rt.Close()

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if err := rt.Wait(); err != nil {
		t.Fatalf("Wait after Shutdown returned error: %v", err)
	}
}
