package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"openplace/server/internal/store"
)

type stubStore struct {
	mu        sync.Mutex
	users     map[string]store.UserRecord
	commits   [][]store.Placement
	synced    []store.UserRecord
	commitErr error
	placer    *store.PlacerInfo
	chat      []string
}

func newStubStore() *stubStore {
	return &stubStore{users: make(map[string]store.UserRecord)}
}

func (s *stubStore) UserByID(ctx context.Context, id string) (*store.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *stubStore) CreateUser(ctx context.Context, rec store.UserRecord, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[rec.ID] = rec
	return nil
}

func (s *stubStore) SyncUser(ctx context.Context, rec store.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[rec.ID] = rec
	s.synced = append(s.synced, rec)
	return nil
}

func (s *stubStore) CommitPlacements(ctx context.Context, placements []store.Placement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	copied := append([]store.Placement(nil), placements...)
	s.commits = append(s.commits, copied)
	return nil
}

func (s *stubStore) PlacerAt(ctx context.Context, x, y int) (*store.PlacerInfo, error) {
	return s.placer, nil
}

func (s *stubStore) AppendChat(ctx context.Context, userID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = append(s.chat, message)
	return nil
}

func (s *stubStore) RecentChat(ctx context.Context, limit int) ([]store.ChatEntry, error) {
	return nil, nil
}

func (s *stubStore) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commits)
}

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := append([]byte(nil), data...)
	c.frames = append(c.frames, copied)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) Close() error                     { return nil }

func (c *fakeConn) frameTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.frames))
	for _, frame := range c.frames {
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &envelope); err == nil {
			types = append(types, envelope.Type)
		}
	}
	return types
}

func newTestHub(t *testing.T, width, height int, st PlacementStore) *Hub {
	t.Helper()
	grid, err := NewGrid(width, height)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	cfg := DefaultHubConfig()
	cfg.Width = width
	cfg.Height = height
	cfg.BoardPath = t.TempDir() + "/board.dat"
	return NewHub(cfg, grid, st, nil, log.New(io.Discard, "", 0))
}

func seedUser(st *stubStore, id string, pixels, placed int) {
	st.users[id] = store.UserRecord{
		ID:         id,
		Name:       "alice",
		Pixels:     pixels,
		Placed:     placed,
		LastTicked: time.Now(),
	}
}

func subscribeUser(t *testing.T, h *Hub, id string) (*subscriber, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sub, err := h.Subscribe(context.Background(), Identity{ID: id, Name: "alice"}, conn)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return sub, conn
}

func TestPlaceAppliesPersistsAndAcks(t *testing.T) {
	st := newStubStore()
	seedUser(st, "u1", 10, 0)
	h := newTestHub(t, 3, 3, st)
	sub, _ := subscribeUser(t, h, "u1")

	accepted, err := h.Place(context.Background(), sub.ID(), []Pixel{
		{X: 0, Y: 0, Color: 1},
		{X: 2, Y: 2, Color: 5},
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(accepted) != 2 {
		t.Fatalf("expected both pixels acked, got %d", len(accepted))
	}

	if got, _ := h.grid.Get(0, 0); got != 1 {
		t.Fatalf("expected color 1 at (0,0), got %d", got)
	}
	if got, _ := h.grid.Get(2, 2); got != 5 {
		t.Fatalf("expected color 5 at (2,2), got %d", got)
	}
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			if (x == 0 && y == 0) || (x == 2 && y == 2) {
				continue
			}
			if got, _ := h.grid.Get(x, y); got != 0 {
				t.Fatalf("expected (%d,%d) untouched, got %d", x, y, got)
			}
		}
	}

	if st.commitCount() != 1 {
		t.Fatalf("expected one durable commit, got %d", st.commitCount())
	}
}

func TestPlaceDropsOutOfBoundsPerPixel(t *testing.T) {
	st := newStubStore()
	seedUser(st, "u1", 10, 0)
	h := newTestHub(t, 3, 3, st)
	sub, _ := subscribeUser(t, h, "u1")

	before := h.grid.Snapshot()
	accepted, err := h.Place(context.Background(), sub.ID(), []Pixel{{X: 5, Y: 5, Color: 1}})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(accepted) != 0 {
		t.Fatalf("expected empty accepted list, got %d", len(accepted))
	}
	snapshot := h.grid.Snapshot()
	for i := range snapshot {
		if snapshot[i] != before[i] {
			t.Fatalf("expected grid unchanged at index %d", i)
		}
	}
	if st.commitCount() != 0 {
		t.Fatalf("expected no commit for an empty batch, got %d", st.commitCount())
	}
}

func TestPlaceMixedBatchKeepsLaterInBoundsPixels(t *testing.T) {
	st := newStubStore()
	seedUser(st, "u1", 10, 0)
	h := newTestHub(t, 3, 3, st)
	sub, _ := subscribeUser(t, h, "u1")

	accepted, err := h.Place(context.Background(), sub.ID(), []Pixel{
		{X: 0, Y: 0, Color: 1},
		{X: 9, Y: 9, Color: 2},
		{X: 1, Y: 1, Color: 3},
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(accepted) != 2 {
		t.Fatalf("expected the out-of-bounds pixel to drop only itself, got %d accepted", len(accepted))
	}
	if got, _ := h.grid.Get(1, 1); got != 3 {
		t.Fatalf("expected pixel after the dropped one to land, got %d", got)
	}
}

func TestPlaceClampsToAllowance(t *testing.T) {
	st := newStubStore()
	seedUser(st, "u1", 1, 0)
	h := newTestHub(t, 3, 3, st)
	sub, _ := subscribeUser(t, h, "u1")

	accepted, err := h.Place(context.Background(), sub.ID(), []Pixel{
		{X: 0, Y: 0, Color: 1},
		{X: 1, Y: 0, Color: 2},
		{X: 2, Y: 0, Color: 3},
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(accepted) != 1 {
		t.Fatalf("expected batch clamped to allowance of 1, got %d", len(accepted))
	}
	if accepted[0].X != 0 || accepted[0].Color != 1 {
		t.Fatalf("expected earliest-listed pixel honored first, got %+v", accepted[0])
	}
	if got, _ := h.grid.Get(1, 0); got != 0 {
		t.Fatalf("expected clamped pixel not applied, got %d", got)
	}
}

func TestPlaceGuestClampsToEmpty(t *testing.T) {
	st := newStubStore()
	h := newTestHub(t, 3, 3, st)
	conn := &fakeConn{}
	sub, err := h.Subscribe(context.Background(), Identity{ID: "g1", Name: "Guest", Guest: true}, conn)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	accepted, err := h.Place(context.Background(), sub.ID(), []Pixel{{X: 0, Y: 0, Color: 1}})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(accepted) != 0 {
		t.Fatalf("expected guest batch clamped to empty, got %d", len(accepted))
	}
	if got, _ := h.grid.Get(0, 0); got != 0 {
		t.Fatalf("expected grid untouched by guest, got %d", got)
	}
}

func TestPlaceBannedIdentityIsReadOnly(t *testing.T) {
	st := newStubStore()
	seedUser(st, "u1", 10, 0)
	h := newTestHub(t, 3, 3, st)
	conn := &fakeConn{}
	sub, err := h.Subscribe(context.Background(), Identity{ID: "u1", Name: "alice", ReadOnly: true}, conn)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	accepted, err := h.Place(context.Background(), sub.ID(), []Pixel{{X: 0, Y: 0, Color: 1}})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(accepted) != 0 {
		t.Fatalf("expected banned identity clamped to empty, got %d", len(accepted))
	}
}

func TestPlaceFailsClosedOnPersistenceError(t *testing.T) {
	st := newStubStore()
	seedUser(st, "u1", 10, 0)
	h := newTestHub(t, 3, 3, st)
	sub, _ := subscribeUser(t, h, "u1")

	st.commitErr = errors.New("disk full")
	accepted, err := h.Place(context.Background(), sub.ID(), []Pixel{{X: 0, Y: 0, Color: 1}})
	if err == nil {
		t.Fatalf("expected persistence failure to surface")
	}
	if accepted != nil {
		t.Fatalf("expected no ack on persistence failure, got %v", accepted)
	}

	// The quota must not settle on a failed batch.
	st.commitErr = nil
	accepted, err = h.Place(context.Background(), sub.ID(), []Pixel{
		{X: 0, Y: 1, Color: 1}, {X: 1, Y: 1, Color: 1}, {X: 2, Y: 1, Color: 1},
		{X: 0, Y: 2, Color: 1}, {X: 1, Y: 2, Color: 1}, {X: 2, Y: 2, Color: 1},
		{X: 0, Y: 0, Color: 1}, {X: 1, Y: 0, Color: 1}, {X: 2, Y: 0, Color: 1},
	})
	if err != nil {
		t.Fatalf("Place after recovery: %v", err)
	}
	if len(accepted) != 9 {
		t.Fatalf("expected full allowance still available after failed batch, got %d of 9", len(accepted))
	}
}

func TestConcurrentTabsSpendAllowanceExactlyOnce(t *testing.T) {
	st := newStubStore()
	seedUser(st, "u1", 1, 0)
	h := newTestHub(t, 8, 8, st)

	const tabs = 8
	subs := make([]*subscriber, tabs)
	for i := range subs {
		subs[i], _ = subscribeUser(t, h, "u1")
	}

	var wg sync.WaitGroup
	results := make([]int, tabs)
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			accepted, err := h.Place(context.Background(), subs[i].ID(), []Pixel{{X: i, Y: 0, Color: 1}})
			if err != nil {
				t.Errorf("Place: %v", err)
				return
			}
			results[i] = len(accepted)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range results {
		total += n
	}
	if total != 1 {
		t.Fatalf("expected exactly one successful spend across %d tabs, got %d", tabs, total)
	}
}

func TestSubscribeSendsJoinFrames(t *testing.T) {
	st := newStubStore()
	seedUser(st, "u1", 10, 0)
	h := newTestHub(t, 3, 3, st)
	_, conn := subscribeUser(t, h, "u1")

	types := conn.frameTypes()
	if len(types) < 2 || types[0] != "map" || types[1] != "userInfo" {
		t.Fatalf("expected map then userInfo join frames, got %v", types)
	}

	var board struct {
		Width  int    `json:"width"`
		Height int    `json:"height"`
		Data   []byte `json:"data"`
	}
	if err := json.Unmarshal(conn.frames[0], &board); err != nil {
		t.Fatalf("unmarshal map frame: %v", err)
	}
	if board.Width != 3 || board.Height != 3 || len(board.Data) != 9 {
		t.Fatalf("unexpected map frame: %dx%d with %d bytes", board.Width, board.Height, len(board.Data))
	}
}

func TestBroadcastSkipsSubmitterAndReachesOthers(t *testing.T) {
	st := newStubStore()
	seedUser(st, "u1", 10, 0)
	h := newTestHub(t, 3, 3, st)
	actor, actorConn := subscribeUser(t, h, "u1")

	observerConn := &fakeConn{}
	_, err := h.Subscribe(context.Background(), Identity{ID: "g1", Name: "Guest", Guest: true}, observerConn)
	if err != nil {
		t.Fatalf("Subscribe observer: %v", err)
	}

	if _, err := h.Place(context.Background(), actor.ID(), []Pixel{{X: 1, Y: 1, Color: 4}}); err != nil {
		t.Fatalf("Place: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if contains(observerConn.frameTypes(), "pixelUpdate") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("observer never received pixelUpdate, frames: %v", observerConn.frameTypes())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if contains(actorConn.frameTypes(), "pixelUpdate") {
		t.Fatalf("submitter should reconcile from the ack, not the broadcast")
	}
}

func TestDisconnectSyncsQuotaAndDropsRegistry(t *testing.T) {
	st := newStubStore()
	seedUser(st, "u1", 10, 0)
	h := newTestHub(t, 3, 3, st)
	sub, _ := subscribeUser(t, h, "u1")

	if _, err := h.Place(context.Background(), sub.ID(), []Pixel{{X: 0, Y: 0, Color: 1}}); err != nil {
		t.Fatalf("Place: %v", err)
	}
	h.Disconnect(sub.ID())

	if h.ConnectionCount() != 0 {
		t.Fatalf("expected empty registry, got %d", h.ConnectionCount())
	}
	st.mu.Lock()
	rec := st.users["u1"]
	st.mu.Unlock()
	if rec.Pixels != 9 || rec.Placed != 1 {
		t.Fatalf("expected settled quota synced on disconnect, got pixels=%d placed=%d", rec.Pixels, rec.Placed)
	}

	// A second disconnect for the same connection is a no-op.
	h.Disconnect(sub.ID())
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
