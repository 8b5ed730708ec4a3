package server

// Outbound broadcast frames. Inbound frames and request/ack pairs live with
// the websocket session handler.

type mapMessage struct {
	Ver     int      `json:"ver"`
	Type    string   `json:"type"`
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Data    []byte   `json:"data"` // base64 row-major palette indices
	Palette []uint32 `json:"palette"`
}

type pixelUpdateMessage struct {
	Ver    int     `json:"ver"`
	Type   string  `json:"type"`
	Seq    uint64  `json:"seq"`
	Pixels []Pixel `json:"pixels"`
}

type usersMessage struct {
	Ver   int      `json:"ver"`
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// UserInfo mirrors the durable quota state for one identity, pushed to that
// identity's own connections only.
type UserInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Pixels     int    `json:"pixels"`
	MaxPixels  int    `json:"maxPixels"`
	Placed     int    `json:"placed"`
	LastTicked int64  `json:"lastTicked"`
	Mod        bool   `json:"mod"`
	Guest      bool   `json:"guest,omitempty"`
}

type userInfoMessage struct {
	Ver  int      `json:"ver"`
	Type string   `json:"type"`
	User UserInfo `json:"user"`
}

// ChatLine is one chat entry on the wire.
type ChatLine struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type chatMessage struct {
	Ver      int        `json:"ver"`
	Type     string     `json:"type"`
	Messages []ChatLine `json:"messages"`
}
