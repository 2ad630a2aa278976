package engine

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/notify"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(DefaultConfig(), Deps{}, zap.NewNop()); err == nil {
		t.Fatal("expected an error without collaborators")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitMax = 0
	env := newTestEnv(t, nil)
	deps := Deps{
		Events:    env.events,
		Unread:    env.unread,
		Devices:   env.devices,
		Sender:    env.sender,
		Localizer: env.engine.trigger.messages.localizer,
	}
	if _, err := New(cfg, deps, zap.NewNop()); err == nil {
		t.Fatal("expected an error for a zero rate limit")
	}
}

func TestHandle_Routing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.events.add(picnic(), "org", "alice", "bob")
	ctx := context.Background()

	deadline := time.Now().Add(48 * time.Hour)
	if err := env.engine.Handle(ctx, notify.DomainEvent{Type: notify.EventDeadlineSet, EventID: "E", Deadline: &deadline}); err != nil {
		t.Fatalf("deadline_set: %v", err)
	}
	if !env.engine.registry.IsRegistered("deadline-24h-E") || !env.engine.registry.IsRegistered("deadline-1h-E") {
		t.Fatal("deadline_set should arm both reminders")
	}

	if err := env.engine.Handle(ctx, notify.DomainEvent{Type: notify.EventDeleted, EventID: "E"}); err != nil {
		t.Fatalf("event_deleted: %v", err)
	}
	if env.engine.registry.Len() != 0 {
		t.Fatal("event_deleted should cancel every reminder")
	}

	err := env.engine.Handle(ctx, notify.DomainEvent{
		Type: notify.EventStatusChanged, EventID: "E", ActorID: "org", Status: notify.StatusConfirmed,
	})
	if err != nil {
		t.Fatalf("status_changed: %v", err)
	}
	waitFor(t, "status notifications", func() bool { return env.sender.Count() == 2 })

	err = env.engine.Handle(ctx, notify.DomainEvent{
		Type: notify.EventCommentPosted, EventID: "E", ActorID: "alice", ActorName: "Alice", Preview: "ok",
	})
	if err != nil {
		t.Fatalf("comment_posted: %v", err)
	}
	waitFor(t, "comment notifications", func() bool { return env.sender.Count() == 4 })
}

func TestHandle_RejectsInvalidEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	invalid := []notify.DomainEvent{
		{Type: notify.EventVoteAdded, EventID: "E"},
		{Type: notify.EventDeadlineSet, EventID: "E"},
		{Type: "unknown", EventID: "E"},
		{Type: notify.EventDeleted},
	}
	for _, ev := range invalid {
		if err := env.engine.Handle(ctx, ev); err == nil {
			t.Errorf("expected an error for %+v", ev)
		}
	}
}

func TestHandle_DeadlineChangeResetsSweepMarkers(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.engine.scheduler
	ctx := context.Background()

	s.claim(ctx, sweepKey(Window24h, "E"))
	s.claim(ctx, "dayof-E-2026-03-02")
	deadline := time.Now().Add(72 * time.Hour)
	env.engine.Handle(ctx, notify.DomainEvent{Type: notify.EventDeadlineSet, EventID: "E", Deadline: &deadline})

	if env.engine.registry.IsRegistered(sweepKey(Window24h, "E")) {
		t.Fatal("a new deadline should clear the previous sweep marker")
	}
	if !env.engine.registry.IsRegistered("dayof-E-2026-03-02") {
		t.Fatal("day-of markers are never reset")
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Deps) { cfg.BatchWindow = time.Hour })
	env.events.add(picnic(), "org", "alice")
	ctx := context.Background()

	env.engine.trigger.OnVoteAdded(ctx, "E", "alice", "Alice")
	env.engine.trigger.OnStatusChanged(ctx, "E", "alice", notify.StatusConfirmed)

	stats := env.engine.Stats()
	if stats.PendingBatches != 1 || stats.OldestBatch == nil {
		t.Errorf("expected one pending batch, got %+v", stats)
	}
	if stats.RegisteredJobs != 1 {
		t.Errorf("expected the flush job registered, got %d", stats.RegisteredJobs)
	}
	if stats.TrackedRecipients != 1 {
		t.Errorf("expected the organizer tracked by the limiter, got %d", stats.TrackedRecipients)
	}
	if stats.Tasks.Active != 1 {
		t.Errorf("expected the flush task active, got %d", stats.Tasks.Active)
	}
}
