package logging_test

import (
	"context"
	"testing"
	"time"

	"openplace/server/logging"
	"openplace/server/logging/sinks"
)

func waitForEvents(t *testing.T, sink *sinks.MemorySink, want int) []logging.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		events := sink.Events()
		if len(events) >= want {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d events, got %d", want, len(events))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRouterDeliversToSink(t *testing.T) {
	sink := sinks.NewMemorySink()
	router, err := logging.NewRouter(nil, logging.DefaultConfig(), []logging.NamedSink{{Name: "memory", Sink: sink}})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	router.Publish(context.Background(), logging.Event{
		Type:     logging.EventPixelsPlaced,
		Seq:      7,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryPlacement,
		Actor:    logging.ActorRef{ID: "u1", Kind: logging.ActorKindUser},
	})

	events := waitForEvents(t, sink, 1)
	if events[0].Type != logging.EventPixelsPlaced {
		t.Fatalf("expected %q, got %q", logging.EventPixelsPlaced, events[0].Type)
	}
	if events[0].Seq != 7 {
		t.Fatalf("expected seq 7, got %d", events[0].Seq)
	}
	if events[0].Time.IsZero() {
		t.Fatalf("expected router to stamp a timestamp")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stats := router.Stats()
	if stats.EventsTotal != 1 || stats.DroppedTotal != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRouterFiltersBySeverity(t *testing.T) {
	sink := sinks.NewMemorySink()
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.SeverityWarn
	router, err := logging.NewRouter(nil, cfg, []logging.NamedSink{{Name: "memory", Sink: sink}})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	router.Publish(context.Background(), logging.Event{Type: logging.EventBoardSaved, Severity: logging.SeverityDebug})
	router.Publish(context.Background(), logging.Event{Type: logging.EventPersistenceError, Severity: logging.SeverityError})

	events := waitForEvents(t, sink, 1)
	if events[0].Type != logging.EventPersistenceError {
		t.Fatalf("expected only the error to pass the filter, got %q", events[0].Type)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(sink.Events()); got != 1 {
		t.Fatalf("expected debug event filtered out, sink holds %d", got)
	}
}

func TestRouterMergesConfiguredFields(t *testing.T) {
	sink := sinks.NewMemorySink()
	cfg := logging.DefaultConfig()
	cfg.Fields = map[string]any{"service": "openplace"}
	router, err := logging.NewRouter(nil, cfg, []logging.NamedSink{{Name: "memory", Sink: sink}})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	router.Publish(context.Background(), logging.Event{
		Type:     logging.EventConnectionOpened,
		Severity: logging.SeverityInfo,
		Extra:    map[string]any{"remote": "10.0.0.1"},
	})

	events := waitForEvents(t, sink, 1)
	if events[0].Extra["service"] != "openplace" {
		t.Fatalf("expected configured field merged in, got %v", events[0].Extra)
	}
	if events[0].Extra["remote"] != "10.0.0.1" {
		t.Fatalf("expected event field preserved, got %v", events[0].Extra)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRouterIgnoresUntypedAndPostCloseEvents(t *testing.T) {
	sink := sinks.NewMemorySink()
	router, err := logging.NewRouter(nil, logging.DefaultConfig(), []logging.NamedSink{{Name: "memory", Sink: sink}})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	router.Publish(context.Background(), logging.Event{Severity: logging.SeverityInfo})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	router.Publish(context.Background(), logging.Event{Type: logging.EventBoardSaved, Severity: logging.SeverityInfo})

	if got := len(sink.Events()); got != 0 {
		t.Fatalf("expected no events delivered, got %d", got)
	}
}
