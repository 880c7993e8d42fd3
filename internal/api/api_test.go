package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/poolsuper/poolsuper/internal/followprimary"
	"github.com/poolsuper/poolsuper/internal/shmem"
	ws "github.com/poolsuper/poolsuper/internal/websocket"
)

func newTestServer() *Server {
	region := shmem.NewRegion(2, 1, 1)
	_ = region.SetBackendStatus(0, shmem.StatusUp, false)
	return New(region, followprimary.New(), nil, nil, ws.NewEventHub(), "test")
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestHandleStatus_ReportsBackends(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	backends, ok := body["backends"].([]interface{})
	if !ok || len(backends) != 2 {
		t.Fatalf("expected 2 backends in response, got %v", body["backends"])
	}
}

func TestHandleAudit_NilLoggerReturnsEmptyList(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/audit", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	events, ok := body["events"].([]interface{})
	if !ok || len(events) != 0 {
		t.Fatalf("expected empty events list, got %v", body["events"])
	}
}
