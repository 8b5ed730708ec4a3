package logging

import (
	"context"
	"time"
)

type EventType string

// Event types emitted by the canvas core.
const (
	EventPixelsPlaced     EventType = "pixels_placed"
	EventBatchRejected    EventType = "batch_rejected"
	EventConnectionOpened EventType = "connection_opened"
	EventConnectionClosed EventType = "connection_closed"
	EventBoardSaved       EventType = "board_saved"
	EventBoardRecovered   EventType = "board_recovered"
	EventPersistenceError EventType = "persistence_error"
	EventChatMessage      EventType = "chat_message"
	EventFrameArchived    EventType = "frame_archived"
)

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

type ActorKind string

const (
	ActorKindUnknown    ActorKind = "unknown"
	ActorKindUser       ActorKind = "user"
	ActorKindGuest      ActorKind = "guest"
	ActorKindConnection ActorKind = "connection"
	ActorKindSystem     ActorKind = "system"
)

// Event is one structured record flowing through the router to its sinks.
// Seq is the hub's placement sequence at emission time, which orders canvas
// events without a wall clock.
type Event struct {
	Type     EventType      `json:"type"`
	Seq      uint64         `json:"seq"`
	Time     time.Time      `json:"time"`
	Actor    ActorRef       `json:"actor"`
	Severity Severity       `json:"severity"`
	Category string         `json:"category,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

type ActorRef struct {
	ID   string    `json:"id"`
	Kind ActorKind `json:"kind"`
}

const (
	CategoryPlacement   = "placement"
	CategoryNetwork     = "network"
	CategoryPersistence = "persistence"
	CategorySystem      = "system"
)

// Publisher is the side of the router handed to event producers.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

// NopPublisher discards every event; tests and tools use it when they do not
// care about the log stream.
var NopPublisher Publisher = PublisherFunc(func(context.Context, Event) {})
