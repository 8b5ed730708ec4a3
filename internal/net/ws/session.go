package ws

import (
	server "openplace/server"
)

// subscription is the slice of a hub subscriber the session loop needs.
type subscription interface {
	ID() string
	WriteJSON(payload any) error
}

type clientMessage struct {
	Ver     int            `json:"ver,omitempty"`
	Type    string         `json:"type"`
	Seq     uint64         `json:"seq,omitempty"`
	Pixels  []server.Pixel `json:"pixels,omitempty"`
	X       int            `json:"x,omitempty"`
	Y       int            `json:"y,omitempty"`
	Message string         `json:"message,omitempty"`
	SentAt  int64          `json:"sentAt,omitempty"`
}

type placeAckMessage struct {
	Ver    int            `json:"ver"`
	Type   string         `json:"type"`
	Seq    uint64         `json:"seq,omitempty"`
	Pixels []server.Pixel `json:"pixels"`
}

type placeRejectMessage struct {
	Ver    int    `json:"ver"`
	Type   string `json:"type"`
	Seq    uint64 `json:"seq,omitempty"`
	Reason string `json:"reason"`
	Retry  bool   `json:"retry,omitempty"`
}

type placerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Time int64  `json:"time"`
}

type pixelInfoAckMessage struct {
	Ver    int         `json:"ver"`
	Type   string      `json:"type"`
	Seq    uint64      `json:"seq,omitempty"`
	Placer *placerInfo `json:"placer"`
}

type heartbeatMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime"`
	RTTMillis  int64  `json:"rtt"`
}
