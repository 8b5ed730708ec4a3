package server

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"openplace/server/internal/store"
)

// Identity is the resolved actor behind a connection. Issuing identities
// (login, token minting) happens upstream; the core only consumes the
// result. Guests are admitted as zero-quota observers. Banned identities
// stay connected read-only: viewing keeps working, placements do not.
type Identity struct {
	ID        string
	Name      string
	Guest     bool
	Mod       bool
	ReadOnly  bool
	BanReason string
}

// IdentityResolver maps an inbound connection's credentials to an identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, token, remoteAddr string) (Identity, error)
}

// StoreResolver resolves tokens against the durable user store and consults
// the ban list. Unknown or empty tokens resolve to a fresh guest.
type StoreResolver struct {
	Store *store.Store
}

func (r *StoreResolver) Resolve(ctx context.Context, token, remoteAddr string) (Identity, error) {
	identity := Identity{
		ID:    uuid.NewString(),
		Name:  "Guest",
		Guest: true,
	}

	if token != "" {
		rec, err := r.Store.UserByToken(ctx, token)
		if err != nil {
			return Identity{}, fmt.Errorf("resolve token: %w", err)
		}
		if rec != nil {
			identity = Identity{ID: rec.ID, Name: rec.Name, Mod: rec.Mod}
		}
	}

	reason, banned, err := r.Store.BanReason(ctx, remoteAddr, identity.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("ban check: %w", err)
	}
	if banned {
		identity.ReadOnly = true
		identity.BanReason = reason
	}

	if !identity.Guest {
		if err := r.Store.RecordConnection(ctx, remoteAddr, identity.ID); err != nil {
			return Identity{}, fmt.Errorf("record connection: %w", err)
		}
	}

	return identity, nil
}
