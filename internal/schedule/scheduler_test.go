package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

type capture struct {
	mu   sync.Mutex
	msgs []bus.InboundMessage
	err  error
}

func (c *capture) dispatch(ctx context.Context, msg bus.InboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// TestScheduler_FiresDueEntry verifies that an always-due entry is
// dispatched with the configured target and prompt.
func TestScheduler_FiresDueEntry(t *testing.T) {
	rec := &capture{}
	s := New([]Entry{{
		Cron:      "* * * * *",
		ChannelID: "telegram-main",
		ChatID:    "c42",
		UserID:    "u1",
		Prompt:    "daily standup summary",
	}}, rec.dispatch, nil)

	if err := s.Validate(); err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	s.tick(context.Background(), time.Now())

	if rec.count() != 1 {
		t.Fatalf("expected 1 dispatch, got %d", rec.count())
	}
	msg := rec.msgs[0]
	if msg.ChannelID != "telegram-main" || msg.ChatID != "c42" || msg.Text != "daily standup summary" {
		t.Fatalf("unexpected dispatched message: %+v", msg)
	}
	if msg.Metadata["schedule_id"] != "sched-000" {
		t.Fatalf("expected defaulted schedule id, got %q", msg.Metadata["schedule_id"])
	}
	if msg.Metadata["run_id"] == "" {
		t.Fatal("expected a run id on the dispatched message")
	}
}

// TestScheduler_SkipsDisabledAndNotDue verifies disabled entries and
// entries outside their schedule window stay quiet.
func TestScheduler_SkipsDisabledAndNotDue(t *testing.T) {
	rec := &capture{}
	s := New([]Entry{
		{ID: "off", Cron: "* * * * *", ChannelID: "c", ChatID: "x", Prompt: "p", Disabled: true},
		{ID: "midnight", Cron: "0 0 * * *", ChannelID: "c", ChatID: "x", Prompt: "p"},
	}, rec.dispatch, nil)

	noon := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	s.tick(context.Background(), noon)

	if rec.count() != 0 {
		t.Fatalf("expected no dispatches, got %d", rec.count())
	}

	midnight := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	s.tick(context.Background(), midnight)
	if rec.count() != 1 {
		t.Fatalf("expected the midnight entry to fire once, got %d", rec.count())
	}
}

// TestScheduler_ValidateRejectsBadEntries verifies startup validation.
func TestScheduler_ValidateRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
	}{
		{"bad cron", Entry{Cron: "not a cron", ChannelID: "c", ChatID: "x", Prompt: "p"}},
		{"missing target", Entry{Cron: "* * * * *", Prompt: "p"}},
		{"missing prompt", Entry{Cron: "* * * * *", ChannelID: "c", ChatID: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New([]Entry{tt.entry}, (&capture{}).dispatch, nil)
			if err := s.Validate(); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}

	// A disabled entry may be invalid without failing validation.
	s := New([]Entry{{Cron: "garbage", Disabled: true}}, (&capture{}).dispatch, nil)
	if err := s.Validate(); err != nil {
		t.Fatalf("expected disabled entry to be skipped, got: %v", err)
	}
}

// TestScheduler_BroadcastsOutcome verifies fired/failed events reach
// the broker.
func TestScheduler_BroadcastsOutcome(t *testing.T) {
	broker := bus.NewBroker()
	var mu sync.Mutex
	var names []string
	broker.Subscribe("test", func(evt bus.Event) {
		mu.Lock()
		names = append(names, evt.Name)
		mu.Unlock()
	})

	ok := &capture{}
	s := New([]Entry{{Cron: "* * * * *", ChannelID: "c", ChatID: "x", Prompt: "p"}}, ok.dispatch, broker)
	s.tick(context.Background(), time.Now())

	failing := &capture{err: errors.New("queue full")}
	s = New([]Entry{{Cron: "* * * * *", ChannelID: "c", ChatID: "x", Prompt: "p"}}, failing.dispatch, broker)
	s.tick(context.Background(), time.Now())

	mu.Lock()
	defer mu.Unlock()
	if len(names) != 2 || names[0] != protocol.ScheduleEventFired || names[1] != protocol.ScheduleEventFailed {
		t.Fatalf("expected [fired failed] events, got %v", names)
	}
}
