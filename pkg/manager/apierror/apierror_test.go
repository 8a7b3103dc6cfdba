package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteEmitsStableContract(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, ErrBridgeDisabled)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected %d, got %d", http.StatusNotImplemented, rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var payload struct {
		Error   string `json:"error"`
		Errcode string `json:"errcode"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.Errcode != "M_NOT_IMPLEMENTED" {
		t.Fatalf("unexpected errcode %q", payload.Errcode)
	}
	if payload.Error == "" {
		t.Fatal("expected human-readable error text")
	}
}

func TestWriteUnwrapsWrappedErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, fmt.Errorf("proxying: %w", ErrBridgeUnreachable))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected %d, got %d", http.StatusBadGateway, rr.Code)
	}
}

func TestWriteDegradesUnknownErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, errors.New("database exploded"))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected %d, got %d", http.StatusInternalServerError, rr.Code)
	}

	var payload struct {
		Error   string `json:"error"`
		Errcode string `json:"errcode"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.Errcode != "M_UNKNOWN" {
		t.Fatalf("unexpected errcode %q", payload.Errcode)
	}
	if payload.Error == "database exploded" {
		t.Fatal("internal error text must not leak to clients")
	}
}
