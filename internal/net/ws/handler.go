package ws

import (
	"context"
	"encoding/json"
	"log"
	"net"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	server "openplace/server"
)

// HandlerConfig tunes the websocket endpoint. MessageRate/MessageBurst form
// the protective per-connection inbound throttle; it is unrelated to the
// placement cooldown, which the hub enforces.
type HandlerConfig struct {
	Logger       *log.Logger
	Resolver     server.IdentityResolver
	MessageRate  float64
	MessageBurst int
}

type Handler struct {
	hub      *server.Hub
	cfg      HandlerConfig
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *server.Hub, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 20
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 40
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		hub:      hub,
		cfg:      cfg,
		logger:   logger,
		upgrader: upgrader,
	}
}

// Handle upgrades the request, resolves the identity, and runs the session
// loop until the connection drops. Per-frame errors never unwind the
// session; only transport failure does, and deregistration always follows.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	token := r.URL.Query().Get("token")
	remote := remoteIP(r)

	identity, err := h.cfg.Resolver.Resolve(r.Context(), token, remote)
	if err != nil {
		h.logger.Printf("identity resolution for %s failed: %v", remote, err)
		nethttp.Error(w, "identity resolution failed", nethttp.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", remote, err)
		return
	}

	sub, err := h.hub.Subscribe(r.Context(), identity, conn)
	if err != nil {
		h.logger.Printf("subscribe failed for %s: %v", remote, err)
		message := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed")
		conn.WriteMessage(websocket.CloseMessage, message)
		conn.Close()
		return
	}
	defer h.hub.Disconnect(sub.ID())

	limiter := rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if !limiter.Allow() {
			h.logger.Printf("throttling %s: inbound frame over rate limit", sub.ID())
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.logger.Printf("discarding malformed frame from %s: %v", sub.ID(), err)
			continue
		}

		h.dispatch(r.Context(), sub, msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, sub subscription, msg clientMessage) {
	switch msg.Type {
	case "place":
		accepted, err := h.hub.Place(ctx, sub.ID(), msg.Pixels)
		if err != nil {
			// Fail closed: no ack carries unpersisted pixels. The
			// client keeps its pending batch and resubmits.
			h.logger.Printf("placement for %s failed: %v", sub.ID(), err)
			h.send(sub, placeRejectMessage{
				Ver:    server.ProtocolVersion,
				Type:   "placeReject",
				Seq:    msg.Seq,
				Reason: "persistence failure",
				Retry:  true,
			})
			return
		}
		h.send(sub, placeAckMessage{
			Ver:    server.ProtocolVersion,
			Type:   "placeAck",
			Seq:    msg.Seq,
			Pixels: accepted,
		})

	case "pixelInfo":
		info, err := h.hub.PixelInfo(ctx, msg.X, msg.Y)
		ack := pixelInfoAckMessage{Ver: server.ProtocolVersion, Type: "pixelInfoAck", Seq: msg.Seq}
		if err != nil {
			h.logger.Printf("pixelInfo (%d,%d) for %s: %v", msg.X, msg.Y, sub.ID(), err)
		} else if info != nil {
			ack.Placer = &placerInfo{ID: info.UserID, Name: info.Name, Time: info.Time.UnixMilli()}
		}
		h.send(sub, ack)

	case "chat":
		if err := h.hub.Chat(ctx, sub.ID(), msg.Message); err != nil {
			h.logger.Printf("chat from %s failed: %v", sub.ID(), err)
		}

	case "heartbeat":
		now := time.Now().UnixMilli()
		rtt := int64(0)
		if msg.SentAt > 0 && msg.SentAt <= now {
			rtt = now - msg.SentAt
		}
		h.send(sub, heartbeatMessage{
			Ver:        server.ProtocolVersion,
			Type:       "heartbeat",
			ServerTime: now,
			ClientTime: msg.SentAt,
			RTTMillis:  rtt,
		})

	default:
		h.logger.Printf("discarding unknown frame type %q from %s", msg.Type, sub.ID())
	}
}

func (h *Handler) send(sub subscription, payload any) {
	if err := sub.WriteJSON(payload); err != nil {
		h.logger.Printf("write to %s failed: %v", sub.ID(), err)
		h.hub.Disconnect(sub.ID())
	}
}

func remoteIP(r *nethttp.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
