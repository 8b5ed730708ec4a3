package server

import "time"

const (
	// ProtocolVersion is stamped on every websocket frame so clients can
	// detect incompatible servers before misreading a payload.
	ProtocolVersion = 1

	writeWait = 10 * time.Second

	defaultWidth  = 1024
	defaultHeight = 1024

	// Cooldown defaults. One pixel regenerates per interval, up to a cap
	// that grows with lifetime placements.
	defaultCooldownInterval = 20 * time.Second
	defaultBaseQuota        = 100
	defaultQuotaScale       = 100

	// Board saves are write-behind: a dirty board is flushed at most this
	// often, plus once on shutdown.
	defaultSaveInterval = 30 * time.Second

	// Chat backlog sizes sent on connect.
	chatBacklogUser  = 200
	chatBacklogGuest = 50
)

// HubConfig carries the tunables the hub needs at construction time.
type HubConfig struct {
	Width            int
	Height           int
	CooldownInterval time.Duration
	BaseQuota        int
	QuotaScale       int
	SaveInterval     time.Duration
	BoardPath        string
}

// DefaultHubConfig returns the production defaults. Callers override fields
// before handing the config to NewHub.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Width:            defaultWidth,
		Height:           defaultHeight,
		CooldownInterval: defaultCooldownInterval,
		BaseQuota:        defaultBaseQuota,
		QuotaScale:       defaultQuotaScale,
		SaveInterval:     defaultSaveInterval,
		BoardPath:        "data/board.dat",
	}
}

func (c HubConfig) normalized() HubConfig {
	if c.Width <= 0 || c.Width > 0xffff {
		c.Width = defaultWidth
	}
	if c.Height <= 0 || c.Height > 0xffff {
		c.Height = defaultHeight
	}
	if c.CooldownInterval <= 0 {
		c.CooldownInterval = defaultCooldownInterval
	}
	if c.BaseQuota <= 0 {
		c.BaseQuota = defaultBaseQuota
	}
	if c.QuotaScale <= 0 {
		c.QuotaScale = defaultQuotaScale
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = defaultSaveInterval
	}
	return c
}
