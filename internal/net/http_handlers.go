package net

import (
	"encoding/json"
	"log"
	nethttp "net/http"
	"time"

	server "openplace/server"
	"openplace/server/internal/net/ws"
	"openplace/server/internal/store"
	"openplace/server/logging"
)

type HTTPHandlerConfig struct {
	Logger   *log.Logger
	Resolver server.IdentityResolver
	Router   *logging.Router
}

// NewHTTPHandler assembles the HTTP surface: the websocket endpoint plus
// health, diagnostics, and a board snapshot for page-render paths that need
// the grid without holding a socket open.
func NewHTTPHandler(hub *server.Hub, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	wsHandler := ws.NewHandler(hub, ws.HandlerConfig{
		Logger:   logger,
		Resolver: cfg.Resolver,
	})

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/ws", wsHandler.Handle)

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/board", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		grid := hub.Grid()
		data, err := store.EncodeBoard(grid.Width(), grid.Height(), grid.Snapshot())
		if err != nil {
			logger.Printf("encode board for %s: %v", r.RemoteAddr, err)
			nethttp.Error(w, "board unavailable", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status      string `json:"status"`
			ServerTime  int64  `json:"serverTime"`
			Connections int    `json:"connections"`
			Batches     uint64 `json:"batches"`
			Width       int    `json:"width"`
			Height      int    `json:"height"`
			LogEvents   uint64 `json:"logEvents"`
			LogDropped  uint64 `json:"logDropped"`
		}{
			Status:      "ok",
			ServerTime:  time.Now().UnixMilli(),
			Connections: hub.ConnectionCount(),
			Batches:     hub.Seq(),
			Width:       hub.Grid().Width(),
			Height:      hub.Grid().Height(),
		}
		if cfg.Router != nil {
			stats := cfg.Router.Stats()
			payload.LogEvents = stats.EventsTotal
			payload.LogDropped = stats.DroppedTotal
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			logger.Printf("write diagnostics: %v", err)
		}
	})

	return mux
}
