package server

import (
	"context"
	"sync"
	"time"

	"openplace/server/internal/store"
)

// userState is the in-memory quota state for one identity. Every connection
// of the same user shares one instance, and its mutex linearizes concurrent
// placements from multiple tabs: the allowance can never be double-spent.
type userState struct {
	mu    sync.Mutex
	id    string
	name  string
	mod   bool
	quota QuotaState
}

// attachUser returns the shared state for an identity, loading the durable
// record on first sight. Guests carry no state.
func (h *Hub) attachUser(ctx context.Context, identity Identity) (*userState, error) {
	if identity.Guest {
		return nil, nil
	}

	h.mu.Lock()
	if u, ok := h.users[identity.ID]; ok {
		h.mu.Unlock()
		return u, nil
	}
	h.mu.Unlock()

	rec, err := h.store.UserByID(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// Identity issued upstream but no durable record yet: seed one
		// with a full allowance.
		rec = &store.UserRecord{
			ID:         identity.ID,
			Name:       identity.Name,
			Pixels:     h.params.Base,
			LastTicked: time.Now(),
		}
		if err := h.store.CreateUser(ctx, *rec, ""); err != nil {
			return nil, err
		}
	}

	u := &userState{
		id:   rec.ID,
		name: rec.Name,
		mod:  rec.Mod,
		quota: QuotaState{
			Pixels:     rec.Pixels,
			Placed:     rec.Placed,
			LastTicked: rec.LastTicked,
		},
	}

	h.mu.Lock()
	if existing, ok := h.users[identity.ID]; ok {
		// Lost a race with another connection of the same user.
		u = existing
	} else {
		h.users[identity.ID] = u
	}
	h.mu.Unlock()
	return u, nil
}

// record snapshots the state as a durable row. Caller holds u.mu.
func (u *userState) record() store.UserRecord {
	return store.UserRecord{
		ID:         u.id,
		Name:       u.name,
		Pixels:     u.quota.Pixels,
		Placed:     u.quota.Placed,
		LastTicked: u.quota.LastTicked,
		Mod:        u.mod,
	}
}

// info renders the quota for the userInfo frame, replenishing first so the
// client sees the current allowance rather than the last settled one.
func (h *Hub) userInfo(u *userState, now time.Time) UserInfo {
	u.mu.Lock()
	u.quota = h.params.Replenish(u.quota, now)
	info := UserInfo{
		ID:         u.id,
		Name:       u.name,
		Pixels:     u.quota.Pixels,
		MaxPixels:  h.params.MaxPixels(u.quota.Placed),
		Placed:     u.quota.Placed,
		LastTicked: u.quota.LastTicked.UnixMilli(),
		Mod:        u.mod,
	}
	u.mu.Unlock()
	return info
}

func guestInfo(identity Identity) UserInfo {
	return UserInfo{
		ID:         identity.ID,
		Name:       identity.Name,
		LastTicked: time.Now().UnixMilli(),
		Guest:      true,
	}
}
