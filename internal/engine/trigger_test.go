package engine

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/guyghost/wakeve-sub012/internal/notify"
)

func picnic() notify.Event {
	return notify.Event{
		ID:          "E",
		Title:       "Pique-nique",
		OrganizerID: "org",
		Status:      notify.StatusPolling,
	}
}

func TestTrigger_VotesWithinWindowAreBatched(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Deps) { cfg.BatchWindow = 200 * time.Millisecond })
	env.events.add(picnic(), "org", "alice", "bob")

	if err := env.engine.OnVoteAdded("E", "alice", "Alice"); err != nil {
		t.Fatalf("OnVoteAdded: %v", err)
	}
	if err := env.engine.OnVoteAdded("E", "bob", "Bob"); err != nil {
		t.Fatalf("OnVoteAdded: %v", err)
	}

	waitFor(t, "batch flush", func() bool { return env.sender.Count() == 1 })
	time.Sleep(250 * time.Millisecond)

	msgs := env.sender.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(msgs))
	}
	m := msgs[0]
	if m.DeviceToken != "tok-org" {
		t.Errorf("vote batch should go to the organizer, got %s", m.DeviceToken)
	}
	if m.Body != "2 personnes ont voté pour « Pique-nique »" {
		t.Errorf("unexpected body %q", m.Body)
	}
	if m.Data["type"] != "vote" || m.Data["event_id"] != "E" || m.Data["votes"] != "2" {
		t.Errorf("unexpected data %v", m.Data)
	}
	if env.engine.Stats().PendingBatches != 0 {
		t.Error("flushed batch should be removed")
	}
}

func TestTrigger_SingleVoteUsesSingularWording(t *testing.T) {
	env := newTestEnv(t, nil)
	env.events.add(picnic(), "org", "alice")

	env.engine.OnVoteAdded("E", "alice", "Alice")

	waitFor(t, "batch flush", func() bool { return env.sender.Count() == 1 })
	if got := env.sender.Messages()[0].Body; got != "Alice a voté pour « Pique-nique »" {
		t.Errorf("unexpected body %q", got)
	}
}

func TestTrigger_VotesAfterFlushStartNewBatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.events.add(picnic(), "org", "alice", "bob")

	env.engine.OnVoteAdded("E", "alice", "Alice")
	waitFor(t, "first flush", func() bool { return env.sender.Count() == 1 })

	env.engine.OnVoteAdded("E", "bob", "Bob")
	waitFor(t, "second flush", func() bool { return env.sender.Count() == 2 })

	if got := env.sender.Messages()[1].Body; got != "Bob a voté pour « Pique-nique »" {
		t.Errorf("unexpected body %q", got)
	}
}

func TestTrigger_OrganizerVoteIsIgnored(t *testing.T) {
	env := newTestEnv(t, nil)
	env.events.add(picnic(), "org", "alice")

	if err := env.engine.trigger.OnVoteAdded(context.Background(), "E", "org", "Olivia"); err != nil {
		t.Fatalf("OnVoteAdded: %v", err)
	}
	if env.engine.batches.Pending() != 0 {
		t.Fatal("the organizer's own vote must not open a batch")
	}
}

func TestTrigger_VoteBatchDiscardedOnShutdown(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Deps) { cfg.BatchWindow = time.Hour })
	env.events.add(picnic(), "org", "alice")

	if err := env.engine.trigger.OnVoteAdded(context.Background(), "E", "alice", "Alice"); err != nil {
		t.Fatalf("OnVoteAdded: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if env.sender.Count() != 0 {
		t.Fatal("nothing should be sent after shutdown")
	}
	if env.engine.batches.Pending() != 0 {
		t.Error("pending batch should be discarded")
	}
	if err := env.engine.OnVoteAdded("E", "alice", "Alice"); err != ErrEngineStopped {
		t.Errorf("expected ErrEngineStopped, got %v", err)
	}
}

func TestTrigger_StatusChangeSkipsActor(t *testing.T) {
	env := newTestEnv(t, nil)
	env.events.add(picnic(), "org", "alice", "bob")

	err := env.engine.trigger.OnStatusChanged(context.Background(), "E", "alice", notify.StatusConfirmed)
	if err != nil {
		t.Fatalf("OnStatusChanged: %v", err)
	}

	msgs := env.sender.Messages()
	var tokens []string
	for _, m := range msgs {
		tokens = append(tokens, m.DeviceToken)
	}
	slices.Sort(tokens)
	if !slices.Equal(tokens, []string{"tok-bob", "tok-org"}) {
		t.Fatalf("unexpected recipients %v", tokens)
	}
	if msgs[0].Body != "La date de « Pique-nique » est confirmée" {
		t.Errorf("unexpected body %q", msgs[0].Body)
	}
	if msgs[0].Data["status"] != notify.StatusConfirmed {
		t.Errorf("status missing from data: %v", msgs[0].Data)
	}
}

func TestTrigger_OrganizerStatusChangeSkipsOrganizer(t *testing.T) {
	env := newTestEnv(t, nil)
	env.events.add(picnic(), "org", "alice")

	env.engine.trigger.OnStatusChanged(context.Background(), "E", "org", "ARCHIVED")

	msgs := env.sender.Messages()
	if len(msgs) != 1 || msgs[0].DeviceToken != "tok-alice" {
		t.Fatalf("expected only alice, got %v", msgs)
	}
	if msgs[0].Body != "« Pique-nique » est maintenant ARCHIVED" {
		t.Errorf("unknown status should use the generic wording, got %q", msgs[0].Body)
	}
}

func TestTrigger_CommentPosted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.events.add(picnic(), "org", "alice", "bob")

	env.engine.trigger.OnCommentPosted(context.Background(), "E", "bob", "Bob", "J'apporte les boissons")

	msgs := env.sender.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(msgs))
	}
	if len(messagesTo(msgs, "tok-bob")) != 0 {
		t.Error("the author must not be notified")
	}
	want := "Bob a commenté « Pique-nique » : J'apporte les boissons"
	if msgs[0].Body != want {
		t.Errorf("got %q, want %q", msgs[0].Body, want)
	}
}

func TestTrigger_EventWithoutParticipantsNotifiesOrganizer(t *testing.T) {
	env := newTestEnv(t, nil)
	// no participant rows: the repository returns an empty list, the fake nil
	env.events.add(picnic())

	err := env.engine.trigger.OnStatusChanged(context.Background(), "E", "alice", notify.StatusConfirmed)
	if err != nil {
		t.Fatalf("OnStatusChanged: %v", err)
	}
	if got := messagesTo(env.sender.Messages(), "tok-org"); len(got) != 1 {
		t.Fatalf("organizer should be notified, got %d messages", len(got))
	}
}

func TestTrigger_MissingContextIsSilent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.events.add(notify.Event{ID: "orphan", OrganizerID: "org"})
	env.events.mu.Lock()
	delete(env.events.participants, "orphan")
	env.events.mu.Unlock()

	ctx := context.Background()
	if err := env.engine.trigger.OnStatusChanged(ctx, "missing", "a", notify.StatusConfirmed); err != nil {
		t.Errorf("missing event should be a no-op, got %v", err)
	}
	if err := env.engine.trigger.OnCommentPosted(ctx, "orphan", "a", "A", "hi"); err != nil {
		t.Errorf("missing participants should be a no-op, got %v", err)
	}
	if err := env.engine.trigger.OnVoteAdded(ctx, "missing", "a", "A"); err != nil {
		t.Errorf("missing event should be a no-op, got %v", err)
	}
	if env.sender.Count() != 0 {
		t.Fatal("nothing should be sent")
	}
}

func TestTrigger_DeadlineReminderOnlyWhilePolling(t *testing.T) {
	env := newTestEnv(t, nil)
	ev := picnic()
	env.events.add(ev, "org", "alice")

	ctx := context.Background()
	env.engine.trigger.OnDeadlineApproaching(ctx, "E", Window1h)
	if env.sender.Count() != 2 {
		t.Fatalf("expected organizer and participant reminded, got %d", env.sender.Count())
	}
	if got := env.sender.Messages()[0].Body; got != "Plus qu'une heure pour voter sur « Pique-nique »" {
		t.Errorf("unexpected body %q", got)
	}

	ev.Status = notify.StatusConfirmed
	env.events.add(ev, "org", "alice")
	env.engine.trigger.OnDeadlineApproaching(ctx, "E", Window1h)
	if env.sender.Count() != 2 {
		t.Error("confirmed events get no deadline reminder")
	}
}

func TestTrigger_RateLimitCapsRecipient(t *testing.T) {
	env := newTestEnv(t, nil)
	env.events.add(picnic(), "org", "alice")

	ctx := context.Background()
	for i := 0; i < 11; i++ {
		env.engine.trigger.OnCommentPosted(ctx, "E", "alice", "Alice", "ping")
	}

	if got := len(messagesTo(env.sender.Messages(), "tok-org")); got != 10 {
		t.Fatalf("expected 10 delivered notifications, got %d", got)
	}
}

func TestTrigger_UsesRecipientLocale(t *testing.T) {
	env := newTestEnv(t, func(_ *Config, deps *Deps) {
		deps.Locales = localeMap{"alice": "en-US"}
	})
	env.events.add(picnic(), "org", "alice")

	env.engine.trigger.OnStatusChanged(context.Background(), "E", "org", notify.StatusConfirmed)

	msgs := env.sender.Messages()
	if len(msgs) != 1 || msgs[0].Title != "Event update" {
		t.Fatalf("expected an English notification, got %v", msgs)
	}
}

type localeMap map[string]string

func (m localeMap) GetLocale(_ context.Context, userID string) (string, error) {
	return m[userID], nil
}

func TestRecipients(t *testing.T) {
	tests := []struct {
		name         string
		organizer    string
		participants []string
		actor        string
		want         []string
	}{
		{"actor removed", "org", []string{"org", "a", "b"}, "a", []string{"org", "b"}},
		{"organizer actor removed", "org", []string{"a", "org"}, "org", []string{"a"}},
		{"organizer added once", "org", []string{"a", "org", "a"}, "", []string{"org", "a"}},
		{"empty ids ignored", "", []string{"", "a"}, "", []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := recipients(tt.organizer, tt.participants, tt.actor); !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
