package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"openplace/server/internal/store"
	"openplace/server/logging"
)

// PlacementStore is the durable storage the hub depends on. *store.Store
// satisfies it; tests substitute failing stubs to exercise the fail-closed
// path.
type PlacementStore interface {
	UserByID(ctx context.Context, id string) (*store.UserRecord, error)
	CreateUser(ctx context.Context, rec store.UserRecord, token string) error
	SyncUser(ctx context.Context, rec store.UserRecord) error
	CommitPlacements(ctx context.Context, placements []store.Placement) error
	PlacerAt(ctx context.Context, x, y int) (*store.PlacerInfo, error)
	AppendChat(ctx context.Context, userID, message string) error
	RecentChat(ctx context.Context, limit int) ([]store.ChatEntry, error)
}

// Conn is the transport surface the hub needs from a connection.
// *websocket.Conn satisfies it; tests substitute in-memory fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// subscriber is one live websocket connection. The write mutex serializes
// frames so broadcasts and acks never interleave mid-message.
type subscriber struct {
	id       string
	conn     Conn
	mu       sync.Mutex
	identity Identity
	user     *userState // nil for guests
}

func (s *subscriber) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON marshals and sends one frame on the connection under the write
// mutex. The websocket session handler uses it for acks.
func (s *subscriber) WriteJSON(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.write(data)
}

// ID is the connection id, distinct from the identity id behind it.
func (s *subscriber) ID() string { return s.id }

// Identity reports the resolved actor bound to this connection.
func (s *subscriber) Identity() Identity { return s.identity }

// Hub owns the board, the connection registry, and the per-identity quota
// cache. It is constructed explicitly and handed to whatever hosts the
// listener; there is no ambient global instance.
type Hub struct {
	cfg       HubConfig
	params    QuotaParams
	grid      *Grid
	store     PlacementStore
	palette   []uint32
	publisher logging.Publisher
	logger    *log.Logger

	mu          sync.Mutex
	subscribers map[string]*subscriber            // connection id -> subscriber
	sessions    map[string]map[string]*subscriber // user id -> connection id -> subscriber
	users       map[string]*userState

	seq   atomic.Uint64 // placement batches accepted so far
	dirty atomic.Bool
	kick  chan struct{}
}

// NewHub wires the board and storage into a hub. A nil publisher or logger
// falls back to no-op/default so tests stay terse.
func NewHub(cfg HubConfig, grid *Grid, st PlacementStore, publisher logging.Publisher, logger *log.Logger) *Hub {
	cfg = cfg.normalized()
	if publisher == nil {
		publisher = logging.NopPublisher
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		cfg:         cfg,
		params:      QuotaParams{Interval: cfg.CooldownInterval, Base: cfg.BaseQuota, Scale: cfg.QuotaScale},
		grid:        grid,
		store:       st,
		palette:     append([]uint32(nil), DefaultPalette...),
		publisher:   publisher,
		logger:      logger,
		subscribers: make(map[string]*subscriber),
		sessions:    make(map[string]map[string]*subscriber),
		users:       make(map[string]*userState),
		kick:        make(chan struct{}, 1),
	}
}

// Grid exposes the board for read paths (snapshot endpoint, archiver).
func (h *Hub) Grid() *Grid { return h.grid }

// Subscribe registers a connection, attaches its identity's quota state,
// and sends the join frames: full board, roster, quota, chat backlog.
func (h *Hub) Subscribe(ctx context.Context, identity Identity, conn Conn) (*subscriber, error) {
	user, err := h.attachUser(ctx, identity)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{
		id:       uuid.NewString(),
		conn:     conn,
		identity: identity,
		user:     user,
	}

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	if user != nil {
		set, ok := h.sessions[user.id]
		if !ok {
			set = make(map[string]*subscriber)
			h.sessions[user.id] = set
		}
		set[sub.id] = sub
	}
	h.mu.Unlock()

	if err := h.sendJoinFrames(ctx, sub); err != nil {
		h.Disconnect(sub.id)
		return nil, err
	}

	go h.broadcastUsers()
	h.publish(logging.Event{
		Type:     logging.EventConnectionOpened,
		Actor:    h.actorRef(sub),
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
	})
	return sub, nil
}

func (h *Hub) sendJoinFrames(ctx context.Context, sub *subscriber) error {
	board := mapMessage{
		Ver:     ProtocolVersion,
		Type:    "map",
		Width:   h.grid.Width(),
		Height:  h.grid.Height(),
		Data:    h.grid.Snapshot(),
		Palette: h.palette,
	}
	if err := sub.WriteJSON(board); err != nil {
		return err
	}

	info := guestInfo(sub.identity)
	if sub.user != nil {
		info = h.userInfo(sub.user, time.Now())
	}
	if err := sub.WriteJSON(userInfoMessage{Ver: ProtocolVersion, Type: "userInfo", User: info}); err != nil {
		return err
	}

	limit := chatBacklogGuest
	if sub.user != nil {
		limit = chatBacklogUser
	}
	backlog, err := h.store.RecentChat(ctx, limit)
	if err != nil {
		h.logger.Printf("chat backlog for %s: %v", sub.id, err)
		return nil
	}
	lines := make([]ChatLine, 0, len(backlog))
	for _, entry := range backlog {
		lines = append(lines, ChatLine{Username: entry.Username, Message: entry.Message, Timestamp: entry.Time.UnixMilli()})
	}
	if len(lines) == 0 {
		return nil
	}
	return sub.WriteJSON(chatMessage{Ver: ProtocolVersion, Type: "chat", Messages: lines})
}

// Disconnect deregisters a connection from both maps, syncs the identity's
// quota to the durable record, and rebroadcasts the roster. Safe to call
// twice; the second call is a no-op.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	sub, ok := h.subscribers[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, connID)
	if sub.user != nil {
		if set, ok := h.sessions[sub.user.id]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(h.sessions, sub.user.id)
			}
		}
	}
	h.mu.Unlock()

	sub.conn.Close()

	if sub.user != nil {
		sub.user.mu.Lock()
		rec := sub.user.record()
		sub.user.mu.Unlock()
		if err := h.store.SyncUser(context.Background(), rec); err != nil {
			h.logger.Printf("sync user %s on disconnect: %v", rec.ID, err)
		}
	}

	go h.broadcastUsers()
	h.publish(logging.Event{
		Type:     logging.EventConnectionClosed,
		Actor:    h.actorRef(sub),
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
	})
}

// snapshotSubscribers copies the registry so writes happen outside the hub
// lock.
func (h *Hub) snapshotSubscribers() []*subscriber {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	return subs
}

func (h *Hub) userList() []string {
	h.mu.Lock()
	names := make([]string, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		names = append(names, sub.identity.Name)
	}
	h.mu.Unlock()
	return names
}

func (h *Hub) broadcastUsers() {
	msg := usersMessage{Ver: ProtocolVersion, Type: "users", Users: h.userList()}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("marshal users message: %v", err)
		return
	}
	h.fanOut(data, "")
}

// broadcastPixels pushes an accepted batch to every live connection except
// the submitter, whose view reconciles from the ack instead.
func (h *Hub) broadcastPixels(seq uint64, pixels []Pixel, excludeConnID string) {
	msg := pixelUpdateMessage{Ver: ProtocolVersion, Type: "pixelUpdate", Seq: seq, Pixels: pixels}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("marshal pixelUpdate: %v", err)
		return
	}
	h.fanOut(data, excludeConnID)
}

// pushUserInfo sends the identity's refreshed quota to all of its own
// connections so a multi-tab user stays in sync.
func (h *Hub) pushUserInfo(u *userState) {
	info := h.userInfo(u, time.Now())
	data, err := json.Marshal(userInfoMessage{Ver: ProtocolVersion, Type: "userInfo", User: info})
	if err != nil {
		h.logger.Printf("marshal userInfo: %v", err)
		return
	}

	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.sessions[u.id]))
	for _, sub := range h.sessions[u.id] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if err := sub.write(data); err != nil {
			h.logger.Printf("push userInfo to %s: %v", sub.id, err)
			h.Disconnect(sub.id)
		}
	}
}

// fanOut delivers one marshaled frame to every subscriber except the
// excluded connection. Best effort, at most once per connection; a failed
// write tears the connection down.
func (h *Hub) fanOut(data []byte, excludeConnID string) {
	for _, sub := range h.snapshotSubscribers() {
		if sub.id == excludeConnID {
			continue
		}
		if err := sub.write(data); err != nil {
			h.logger.Printf("send to %s failed: %v", sub.id, err)
			h.Disconnect(sub.id)
		}
	}
}

// ConnectionCount reports how many connections are live.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Seq reports the number of accepted placement batches.
func (h *Hub) Seq() uint64 {
	return h.seq.Load()
}

// markDirty schedules a write-behind board flush.
func (h *Hub) markDirty() {
	h.dirty.Store(true)
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// RunSaver flushes the board to disk after batches (debounced to the save
// interval) until stop closes, then flushes one final time.
func (h *Hub) RunSaver(stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			h.FlushBoard()
			return
		case <-ticker.C:
			h.FlushBoard()
		case <-h.kick:
			// Debounce: wait out the interval so a burst of batches
			// becomes one save.
			select {
			case <-stop:
				h.FlushBoard()
				return
			case <-ticker.C:
				h.FlushBoard()
			}
		}
	}
}

// FlushBoard writes the board image if it changed since the last flush.
func (h *Hub) FlushBoard() {
	if !h.dirty.CompareAndSwap(true, false) {
		return
	}
	if err := store.SaveBoard(h.cfg.BoardPath, h.grid.Width(), h.grid.Height(), h.grid.Snapshot()); err != nil {
		h.dirty.Store(true)
		h.logger.Printf("board save failed: %v", err)
		h.publish(logging.Event{
			Type:     logging.EventPersistenceError,
			Actor:    logging.ActorRef{Kind: logging.ActorKindSystem},
			Severity: logging.SeverityError,
			Category: logging.CategoryPersistence,
			Payload:  map[string]any{"error": err.Error()},
		})
		return
	}
	h.publish(logging.Event{
		Type:     logging.EventBoardSaved,
		Actor:    logging.ActorRef{Kind: logging.ActorKindSystem},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryPersistence,
	})
}

func (h *Hub) publish(event logging.Event) {
	event.Seq = h.seq.Load()
	h.publisher.Publish(context.Background(), event)
}

func (h *Hub) actorRef(sub *subscriber) logging.ActorRef {
	if sub.user != nil {
		return logging.ActorRef{ID: sub.user.id, Kind: logging.ActorKindUser}
	}
	return logging.ActorRef{ID: sub.id, Kind: logging.ActorKindGuest}
}
