// Package schedule fires configured prompts into the gateway's message
// path on cron expressions. Scheduled prompts flow through routing and
// dispatch exactly like channel messages, so per-conversation ordering
// holds for them too.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Entry is one scheduled prompt.
type Entry struct {
	ID        string `json:"id,omitempty"`
	Cron      string `json:"cron"`
	ChannelID string `json:"channel_id"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id,omitempty"`
	Prompt    string `json:"prompt"`
	Disabled  bool   `json:"disabled,omitempty"`
}

// Dispatch injects a message into the gateway's message path.
type Dispatch func(ctx context.Context, msg bus.InboundMessage) error

// Scheduler checks entries once per minute and dispatches the due ones.
type Scheduler struct {
	entries  []Entry
	dispatch Dispatch
	events   bus.EventPublisher
	gron     *gronx.Gronx
}

// New returns a scheduler over entries. Absent entry ids are defaulted
// by position. events may be nil.
func New(entries []Entry, dispatch Dispatch, events bus.EventPublisher) *Scheduler {
	normalized := make([]Entry, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			e.ID = fmt.Sprintf("sched-%03d", i)
		}
		normalized[i] = e
	}
	return &Scheduler{
		entries:  normalized,
		dispatch: dispatch,
		events:   events,
		gron:     gronx.New(),
	}
}

// Validate checks every enabled entry's cron expression and target.
func (s *Scheduler) Validate() error {
	for _, e := range s.entries {
		if e.Disabled {
			continue
		}
		if !s.gron.IsValid(e.Cron) {
			return fmt.Errorf("schedule %s: invalid cron %q", e.ID, e.Cron)
		}
		if e.ChannelID == "" || e.ChatID == "" {
			return fmt.Errorf("schedule %s: channel_id and chat_id are required", e.ID)
		}
		if e.Prompt == "" {
			return fmt.Errorf("schedule %s: prompt is required", e.ID)
		}
	}
	return nil
}

// Run ticks once per minute until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		<-ctx.Done()
		return nil
	}
	slog.Info("scheduler running", "entries", len(s.entries))

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick dispatches every enabled entry due at now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, e := range s.entries {
		if e.Disabled {
			continue
		}
		due, err := s.gron.IsDue(e.Cron, now)
		if err != nil {
			slog.Warn("schedule check failed", "entry", e.ID, "error", err)
			continue
		}
		if due {
			s.fire(ctx, e)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, e Entry) {
	msg := bus.InboundMessage{
		ChannelID: e.ChannelID,
		ChatID:    e.ChatID,
		ChatType:  bus.ChatPrivate,
		UserID:    e.UserID,
		Text:      e.Prompt,
		Metadata: map[string]string{
			"schedule_id": e.ID,
			"run_id":      uuid.NewString(),
		},
	}

	if err := s.dispatch(ctx, msg); err != nil {
		slog.Error("schedule dispatch failed", "entry", e.ID, "error", err)
		s.broadcast(protocol.ScheduleEventFailed, e, err)
		return
	}
	slog.Info("schedule fired", "entry", e.ID, "channel", e.ChannelID, "chat", e.ChatID)
	s.broadcast(protocol.ScheduleEventFired, e, nil)
}

func (s *Scheduler) broadcast(name string, e Entry, err error) {
	if s.events == nil {
		return
	}
	payload := map[string]string{"schedule_id": e.ID, "channel_id": e.ChannelID, "chat_id": e.ChatID}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.events.Broadcast(bus.Event{Name: name, Payload: payload})
}
