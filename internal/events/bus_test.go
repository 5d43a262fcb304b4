package events

import (
	"log/slog"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	b := NewBus(4)

	id, ch, recent := b.Subscribe()
	defer b.Unsubscribe(id)
	if len(recent) != 0 {
		t.Fatalf("recent = %d events, want 0", len(recent))
	}

	b.Publish(Event{Type: EventPosted, AccountID: "a1", Message: "posted p1"})

	select {
	case e := <-ch:
		if e.Type != EventPosted || e.AccountID != "a1" {
			t.Fatalf("event = %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Fatal("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusRingWraps(t *testing.T) {
	b := NewBus(3)
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventCycle, Message: string(rune('a' + i))})
	}
	recent := b.Recent()
	if len(recent) != 3 {
		t.Fatalf("recent = %d, want ring size 3", len(recent))
	}
	if recent[0].Message != "c" || recent[2].Message != "e" {
		t.Fatalf("recent = %v", recent)
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(8)
	id, _, _ := b.Subscribe() // never drained
	defer b.Unsubscribe(id)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(Event{Type: EventCycle})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestLogHandlerRing(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo, 3)
	logger := slog.New(h)

	logger.Debug("dropped, below level")
	for i := 0; i < 5; i++ {
		logger.Info("line", "n", i)
	}

	recent := h.Recent()
	if len(recent) != 3 {
		t.Fatalf("recent = %d lines, want 3", len(recent))
	}
	if recent[2].Attrs["n"] != int64(4) && recent[2].Attrs["n"] != 4 {
		t.Fatalf("last line attrs = %v", recent[2].Attrs)
	}
	if recent[0].Level != "INFO" {
		t.Fatalf("level = %q", recent[0].Level)
	}
}

func TestLogHandlerWithAttrsSharesRing(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo, 10)
	child := slog.New(h.WithAttrs([]slog.Attr{slog.String("component", "cycle")}))

	child.Info("tagged line")

	recent := h.Recent()
	if len(recent) != 1 {
		t.Fatalf("recent = %d, child handler must share the ring", len(recent))
	}
	if recent[0].Attrs["component"] != "cycle" {
		t.Fatalf("attrs = %v", recent[0].Attrs)
	}
}
