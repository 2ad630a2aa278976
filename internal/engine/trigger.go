package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/metrics"
	"github.com/guyghost/wakeve-sub012/internal/notify"
)

// taskRunner starts a named background task. *supervisor.Supervisor
// satisfies it.
type taskRunner interface {
	Go(name string, fn func(ctx context.Context) error) error
}

// Trigger turns domain events into notification requests.
type Trigger struct {
	events      notify.EventRepository
	batches     *BatchAggregator
	registry    *JobRegistry
	dispatcher  *Dispatcher
	messages    *composer
	tasks       taskRunner
	batchWindow time.Duration
	logger      *zap.Logger
}

// OnVoteAdded adds the voter to the organizer's pending vote batch for the
// event. The first vote of a batch schedules its flush after the batch
// window. Votes by the organizer are ignored.
func (t *Trigger) OnVoteAdded(ctx context.Context, eventID, voterID, voterName string) error {
	event, err := t.getEvent(ctx, eventID)
	if err != nil || event == nil {
		return err
	}
	if voterID == event.OrganizerID {
		return nil
	}

	key := BatchKey{RecipientID: event.OrganizerID, EventID: eventID}
	var scheduleErr error
	t.batches.RecordVote(key, voterName, func() {
		scheduleErr = t.scheduleFlush(key)
	})
	if scheduleErr != nil {
		t.batches.Flush(key)
		return scheduleErr
	}
	return nil
}

// scheduleFlush runs under the aggregator lock and must not touch the
// aggregator synchronously.
func (t *Trigger) scheduleFlush(key BatchKey) error {
	job, _ := t.registry.Register(key.String(), JobOptions{CancelPrevious: true})

	err := t.tasks.Go("vote-flush", func(ctx context.Context) error {
		timer := time.NewTimer(t.batchWindow)
		defer timer.Stop()

		select {
		case <-job.Done():
			dropped := t.batches.Flush(key)
			t.logger.Debug("vote batch discarded",
				zap.String("batch", key.String()),
				zap.Int("votes", len(dropped)),
			)
			return nil
		case <-timer.C:
		}

		if !t.registry.Finish(job) {
			t.batches.Flush(key)
			return nil
		}
		return t.flushVotes(ctx, key)
	})
	if err != nil {
		t.registry.Finish(job)
		return fmt.Errorf("schedule vote flush: %w", err)
	}
	return nil
}

func (t *Trigger) flushVotes(ctx context.Context, key BatchKey) error {
	names := t.batches.Flush(key)
	if len(names) == 0 {
		return nil
	}
	metrics.RecordBatchFlushed(len(names))

	// the event may have been deleted during the window
	event, err := t.getEvent(ctx, key.EventID)
	if err != nil || event == nil {
		return err
	}

	locale := t.messages.localeFor(ctx, key.RecipientID)
	title, body := t.messages.vote(locale, names, event.Title)
	t.dispatcher.Dispatch(ctx, notify.NotificationRequest{
		RecipientID: key.RecipientID,
		Kind:        notify.KindVote,
		Title:       title,
		Body:        body,
		EventID:     key.EventID,
		Attributes:  map[string]string{"votes": strconv.Itoa(len(names))},
	})
	return nil
}

// OnStatusChanged notifies everyone on the event except the actor.
func (t *Trigger) OnStatusChanged(ctx context.Context, eventID, actorID, status string) error {
	return t.fanOut(ctx, eventID, actorID, notify.KindStatusChanged,
		func(locale string, event *notify.Event) (string, string) {
			return t.messages.status(locale, status, event.Title)
		},
		map[string]string{"status": status},
	)
}

// OnCommentPosted notifies everyone on the event except the author.
func (t *Trigger) OnCommentPosted(ctx context.Context, eventID, authorID, authorName, preview string) error {
	return t.fanOut(ctx, eventID, authorID, notify.KindComment,
		func(locale string, event *notify.Event) (string, string) {
			return t.messages.comment(locale, authorName, event.Title, preview)
		},
		nil,
	)
}

// OnDeadlineApproaching reminds everyone on a polling event that the poll
// closes soon. Events no longer polling are skipped.
func (t *Trigger) OnDeadlineApproaching(ctx context.Context, eventID string, window ReminderWindow) error {
	event, err := t.getEvent(ctx, eventID)
	if err != nil || event == nil {
		return err
	}
	if event.Status != notify.StatusPolling {
		t.logger.Debug("skipping deadline reminder, event not polling",
			zap.String("event_id", eventID),
			zap.String("status", event.Status),
		)
		return nil
	}
	return t.notifyAll(ctx, event, "", notify.KindDeadlineReminder,
		func(locale string, event *notify.Event) (string, string) {
			return t.messages.deadline(locale, window, event.Title)
		},
		map[string]string{"window": string(window)},
	)
}

// OnEventDay reminds everyone on a confirmed event that it happens today.
func (t *Trigger) OnEventDay(ctx context.Context, event notify.Event) error {
	return t.notifyAll(ctx, &event, "", notify.KindDayOfReminder,
		func(locale string, event *notify.Event) (string, string) {
			return t.messages.dayOf(locale, event.Title)
		},
		nil,
	)
}

type renderFunc func(locale string, event *notify.Event) (title, body string)

func (t *Trigger) fanOut(ctx context.Context, eventID, actorID string, kind notify.Kind, render renderFunc, attrs map[string]string) error {
	event, err := t.getEvent(ctx, eventID)
	if err != nil || event == nil {
		return err
	}
	return t.notifyAll(ctx, event, actorID, kind, render, attrs)
}

func (t *Trigger) notifyAll(ctx context.Context, event *notify.Event, actorID string, kind notify.Kind, render renderFunc, attrs map[string]string) error {
	// An event without participant rows still notifies its organizer.
	participants, err := t.events.GetParticipants(ctx, event.ID)
	if errors.Is(err, notify.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get participants of %s: %w", event.ID, err)
	}

	for _, recipient := range recipients(event.OrganizerID, participants, actorID) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		locale := t.messages.localeFor(ctx, recipient)
		title, body := render(locale, event)
		t.dispatcher.Dispatch(ctx, notify.NotificationRequest{
			RecipientID: recipient,
			Kind:        kind,
			Title:       title,
			Body:        body,
			EventID:     event.ID,
			Attributes:  attrs,
		})
	}
	return nil
}

// getEvent returns nil, nil when the event does not exist.
func (t *Trigger) getEvent(ctx context.Context, eventID string) (*notify.Event, error) {
	event, err := t.events.GetEvent(ctx, eventID)
	if errors.Is(err, notify.ErrNotFound) {
		t.logger.Debug("event not found, nothing to notify", zap.String("event_id", eventID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return event, nil
}

// recipients returns the organizer and participants, deduplicated in order,
// without the actor.
func recipients(organizerID string, participants []string, actorID string) []string {
	seen := make(map[string]struct{}, len(participants)+1)
	out := make([]string, 0, len(participants)+1)
	add := func(id string) {
		if id == "" || id == actorID {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(organizerID)
	for _, p := range participants {
		add(p)
	}
	return out
}
