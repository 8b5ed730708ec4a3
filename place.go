package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"openplace/server/internal/store"
	"openplace/server/logging"
)

// Place runs one batch through the placement pipeline: admission, clamp to
// the actor's allowance, per-pixel bounds validation, in-order apply,
// durable commit, quota settle, broadcast. The returned slice is exactly
// what was durably applied; the submitter reconciles its view from it.
//
// Failure semantics are fail closed: if the durable commit errors, nothing
// is acknowledged or broadcast and the quota is not settled. The in-memory
// board may then be ahead of the log; boot-time recovery reconciles the two.
func (h *Hub) Place(ctx context.Context, connID string, requested []Pixel) ([]Pixel, error) {
	h.mu.Lock()
	sub, ok := h.subscribers[connID]
	h.mu.Unlock()
	if !ok {
		// Connection already torn down; abandon before any mutation.
		return []Pixel{}, nil
	}

	// Admission. Guests and banned identities observe with zero quota:
	// their batches clamp to empty, which is an ordinary empty ack.
	if sub.user == nil || sub.identity.ReadOnly {
		if len(requested) > 0 {
			h.publish(logging.Event{
				Type:     logging.EventBatchRejected,
				Actor:    h.actorRef(sub),
				Severity: logging.SeverityDebug,
				Category: logging.CategoryPlacement,
				Payload:  map[string]any{"requested": len(requested)},
			})
		}
		return []Pixel{}, nil
	}

	u := sub.user
	now := time.Now()

	// The user mutex is held across replenish, clamp, apply, commit, and
	// settle. That linearizes the same identity's tabs: the allowance is
	// spent exactly once no matter how many connections race.
	u.mu.Lock()
	u.quota = h.params.Replenish(u.quota, now)

	batch := requested[:u.quota.Clamp(len(requested))]

	// Per-pixel bounds validation. An out-of-bounds entry drops only
	// itself, never the rest of the batch.
	accepted := make([]Pixel, 0, len(batch))
	for _, p := range batch {
		if !h.grid.InBounds(p.X, p.Y) {
			continue
		}
		accepted = append(accepted, p)
	}

	if len(accepted) == 0 {
		u.mu.Unlock()
		return []Pixel{}, nil
	}

	// In-memory apply happens before the durable log append; there is no
	// rollback once board writes begin.
	h.grid.Apply(accepted)

	placements := make([]store.Placement, len(accepted))
	for i, p := range accepted {
		placements[i] = store.Placement{X: p.X, Y: p.Y, Color: p.Color, UserID: u.id, Time: now}
	}
	if err := h.store.CommitPlacements(ctx, placements); err != nil {
		u.mu.Unlock()
		h.publish(logging.Event{
			Type:     logging.EventPersistenceError,
			Actor:    logging.ActorRef{ID: u.id, Kind: logging.ActorKindUser},
			Severity: logging.SeverityError,
			Category: logging.CategoryPersistence,
			Payload:  map[string]any{"error": err.Error(), "pixels": len(accepted)},
		})
		return nil, fmt.Errorf("commit placements: %w", err)
	}

	u.quota = u.quota.Spend(len(accepted))
	rec := u.record()
	u.mu.Unlock()

	if err := h.store.SyncUser(ctx, rec); err != nil {
		// The durable quota row lags; it catches up on the next settle
		// or disconnect.
		h.logger.Printf("sync user %s after settle: %v", rec.ID, err)
	}

	seq := h.seq.Add(1)
	go h.broadcastPixels(seq, accepted, sub.id)
	go h.pushUserInfo(u)
	h.markDirty()

	h.publish(logging.Event{
		Type:     logging.EventPixelsPlaced,
		Actor:    logging.ActorRef{ID: u.id, Kind: logging.ActorKindUser},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryPlacement,
		Payload:  map[string]any{"accepted": len(accepted), "requested": len(requested)},
	})
	return accepted, nil
}

// PixelInfo answers provenance queries: the latest placement at the
// coordinate, or nil for untouched cells. Out-of-bounds coordinates are a
// per-call rejection, not a connection error.
func (h *Hub) PixelInfo(ctx context.Context, x, y int) (*store.PlacerInfo, error) {
	if !h.grid.InBounds(x, y) {
		return nil, fmt.Errorf("pixelInfo (%d,%d): %w", x, y, ErrOutOfBounds)
	}
	return h.store.PlacerAt(ctx, x, y)
}

// Chat persists one line and broadcasts it to every connection. Guests and
// banned identities are silently ignored, matching their read-only stance.
func (h *Hub) Chat(ctx context.Context, connID string, message string) error {
	h.mu.Lock()
	sub, ok := h.subscribers[connID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	if sub.user == nil || sub.identity.ReadOnly {
		return nil
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil
	}

	if err := h.store.AppendChat(ctx, sub.user.id, message); err != nil {
		return fmt.Errorf("append chat: %w", err)
	}

	line := ChatLine{Username: sub.user.name, Message: message, Timestamp: time.Now().UnixMilli()}
	data, err := json.Marshal(chatMessage{Ver: ProtocolVersion, Type: "chat", Messages: []ChatLine{line}})
	if err != nil {
		return err
	}
	h.fanOut(data, "")

	h.publish(logging.Event{
		Type:     logging.EventChatMessage,
		Actor:    logging.ActorRef{ID: sub.user.id, Kind: logging.ActorKindUser},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
	})
	return nil
}
