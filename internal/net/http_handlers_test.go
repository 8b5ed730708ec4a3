package net

import (
	"encoding/json"
	"io"
	"log"
	nethttp "net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	server "openplace/server"
	"openplace/server/internal/store"
)

func newTestHandler(t *testing.T) nethttp.Handler {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	grid, err := server.NewGrid(4, 4)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	cfg := server.DefaultHubConfig()
	cfg.Width = 4
	cfg.Height = 4
	cfg.BoardPath = filepath.Join(dir, "board.dat")
	hub := server.NewHub(cfg, grid, st, nil, log.New(io.Discard, "", 0))

	return NewHTTPHandler(hub, HTTPHandlerConfig{
		Logger:   log.New(io.Discard, "", 0),
		Resolver: &server.StoreResolver{Store: st},
	})
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/health", nil))

	if rec.Code != nethttp.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("expected ok body, got %q", rec.Body.String())
	}
}

func TestBoardEndpointServesSnapshot(t *testing.T) {
	handler := newTestHandler(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/board", nil))

	if rec.Code != nethttp.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("expected octet-stream, got %q", ct)
	}

	cells, width, height, err := store.DecodeBoard(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("DecodeBoard: %v", err)
	}
	if width != 4 || height != 4 || len(cells) != 16 {
		t.Fatalf("unexpected snapshot %dx%d (%d cells)", width, height, len(cells))
	}
}

func TestDiagnosticsEndpoint(t *testing.T) {
	handler := newTestHandler(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/diagnostics", nil))

	if rec.Code != nethttp.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Width       int    `json:"width"`
		Height      int    `json:"height"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal diagnostics: %v", err)
	}
	if payload.Status != "ok" || payload.Connections != 0 || payload.Width != 4 || payload.Height != 4 {
		t.Fatalf("unexpected diagnostics %+v", payload)
	}
}
