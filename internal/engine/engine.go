// Package engine decides when and whether participants of a planned event
// are notified. It batches bursts of votes, caps the per-recipient volume,
// and runs the deadline, day-of and weekly digest schedules.
//
// All entry points return immediately: the work runs as a supervised
// background task. Shutdown cancels every pending batch, timer and loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/guyghost/wakeve-sub012/internal/metrics"
	"github.com/guyghost/wakeve-sub012/internal/notify"
	"github.com/guyghost/wakeve-sub012/internal/supervisor"
)

// ErrEngineStopped is returned by entry points called after Shutdown.
var ErrEngineStopped = errors.New("notification engine stopped")

// Config holds the engine settings.
type Config struct {
	BatchWindow     time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	Scheduler       SchedulerConfig
	DefaultLocale   string

	// PushRatePerSec paces calls into the push provider. Zero disables it.
	PushRatePerSec float64

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		BatchWindow:     5 * time.Minute,
		RateLimitMax:    10,
		RateLimitWindow: time.Hour,
		Scheduler:       DefaultSchedulerConfig(),
		DefaultLocale:   "fr",
		PushRatePerSec:  20,
	}
}

// Deps are the collaborators the engine consumes. Locales, Inbox, Limiter
// and Markers are optional.
type Deps struct {
	Events    notify.EventRepository
	Unread    notify.UnreadNotificationStore
	Devices   notify.DeviceStore
	Sender    notify.Sender
	Localizer notify.Localizer

	Locales notify.LocaleStore
	Inbox   notify.Inbox
	// Limiter replaces the in-memory rate limiter, e.g. with a shared one.
	Limiter Admitter
	// Markers makes sweep markers survive restarts.
	Markers MarkerStore
}

// Stats is a snapshot of the engine's in-memory state.
type Stats struct {
	PendingBatches    int                 `json:"pending_batches"`
	OldestBatch       *time.Time          `json:"oldest_batch,omitempty"`
	RegisteredJobs    int                 `json:"registered_jobs"`
	TrackedRecipients int                 `json:"tracked_recipients"`
	Tasks             supervisor.Counters `json:"tasks"`
}

// Engine owns the notification state of one process.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	sup        *supervisor.Supervisor
	registry   *JobRegistry
	batches    *BatchAggregator
	limiter    *RateLimiter
	dispatcher *Dispatcher
	trigger    *Trigger
	scheduler  *Scheduler
}

// New wires an engine. It does not start the periodic loops; call Start.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if deps.Events == nil || deps.Unread == nil || deps.Devices == nil || deps.Sender == nil || deps.Localizer == nil {
		return nil, errors.New("engine: events, unread, devices, sender and localizer are required")
	}
	if cfg.BatchWindow <= 0 || cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("engine: invalid batch window %v or rate limit %d/%v",
			cfg.BatchWindow, cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	if cfg.Scheduler.Location == nil {
		cfg.Scheduler.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger = logger.Named("engine")
	sup := supervisor.New(context.Background(), logger.Named("tasks"),
		supervisor.WithPanicHook(func(string, any) { metrics.RecordTaskPanic() }),
	)

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		sup:      sup,
		registry: NewJobRegistry(sup.Context(), cfg.Now),
		batches:  NewBatchAggregator(cfg.Now),
	}

	var admitter Admitter = deps.Limiter
	if admitter == nil {
		e.limiter = NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow, cfg.Now)
		admitter = e.limiter
	}

	var pacer *rate.Limiter
	if cfg.PushRatePerSec > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.PushRatePerSec), max(1, int(cfg.PushRatePerSec)))
	}

	msgs := &composer{
		localizer:     deps.Localizer,
		locales:       deps.Locales,
		defaultLocale: cfg.DefaultLocale,
		logger:        logger,
	}

	e.dispatcher = NewDispatcher(admitter, deps.Sender, deps.Devices, deps.Inbox, pacer, logger.Named("dispatcher"))
	e.trigger = &Trigger{
		events:      deps.Events,
		batches:     e.batches,
		registry:    e.registry,
		dispatcher:  e.dispatcher,
		messages:    msgs,
		tasks:       sup,
		batchWindow: cfg.BatchWindow,
		logger:      logger.Named("trigger"),
	}
	e.scheduler = &Scheduler{
		cfg:        cfg.Scheduler,
		events:     deps.Events,
		unread:     deps.Unread,
		trigger:    e.trigger,
		dispatcher: e.dispatcher,
		messages:   msgs,
		registry:   e.registry,
		markers:    deps.Markers,
		tasks:      sup,
		now:        cfg.Now,
		logger:     logger.Named("scheduler"),
	}
	e.scheduler.housekeeping = append(e.scheduler.housekeeping, e.housekeep)

	return e, nil
}

// Start launches the periodic loops.
func (e *Engine) Start() error {
	if err := e.scheduler.Start(); err != nil {
		if errors.Is(err, supervisor.ErrStopped) {
			return ErrEngineStopped
		}
		return err
	}
	e.logger.Info("notification engine started",
		zap.Duration("batch_window", e.cfg.BatchWindow),
		zap.Int("rate_limit_max", e.cfg.RateLimitMax),
		zap.Duration("rate_limit_window", e.cfg.RateLimitWindow),
	)
	return nil
}

// Shutdown stops the loops, cancels pending batches and timers and waits for
// running tasks until ctx expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.scheduler.Stop(ctx)
	if err := e.sup.Stop(ctx); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}
	e.logger.Info("notification engine stopped")
	return nil
}

// OnVoteAdded records a vote for the organizer's next batch.
func (e *Engine) OnVoteAdded(eventID, voterID, voterName string) error {
	return e.spawn("vote_added", func(ctx context.Context) error {
		return e.trigger.OnVoteAdded(ctx, eventID, voterID, voterName)
	})
}

// OnStatusChanged notifies the event's members of a status change.
func (e *Engine) OnStatusChanged(eventID, actorID, status string) error {
	return e.spawn("status_changed", func(ctx context.Context) error {
		return e.trigger.OnStatusChanged(ctx, eventID, actorID, status)
	})
}

// OnCommentPosted notifies the event's members of a new comment.
func (e *Engine) OnCommentPosted(eventID, authorID, authorName, preview string) error {
	return e.spawn("comment_posted", func(ctx context.Context) error {
		return e.trigger.OnCommentPosted(ctx, eventID, authorID, authorName, preview)
	})
}

// OnDeadlineApproaching sends a deadline reminder right away.
func (e *Engine) OnDeadlineApproaching(eventID string, window ReminderWindow) error {
	return e.spawn("deadline_approaching", func(ctx context.Context) error {
		return e.trigger.OnDeadlineApproaching(ctx, eventID, window)
	})
}

// ScheduleDeadlineReminder arms the 24h and 1h reminders for deadline.
func (e *Engine) ScheduleDeadlineReminder(eventID string, deadline time.Time) error {
	if err := e.scheduler.ScheduleDeadlineReminder(eventID, deadline); err != nil {
		if errors.Is(err, supervisor.ErrStopped) {
			return ErrEngineStopped
		}
		return err
	}
	return nil
}

// CancelReminders cancels every pending reminder timer of the event. None of
// them fires afterwards, even one that is already sleeping. Sweep and day-of
// markers stay, so sweeps do not resend what already went out.
func (e *Engine) CancelReminders(ctx context.Context, eventID string) int {
	return e.scheduler.CancelReminders(ctx, eventID)
}

// Handle routes a domain event to the matching entry point.
func (e *Engine) Handle(ctx context.Context, ev notify.DomainEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	switch ev.Type {
	case notify.EventVoteAdded:
		return e.OnVoteAdded(ev.EventID, ev.ActorID, ev.ActorName)
	case notify.EventStatusChanged:
		return e.OnStatusChanged(ev.EventID, ev.ActorID, ev.Status)
	case notify.EventCommentPosted:
		return e.OnCommentPosted(ev.EventID, ev.ActorID, ev.ActorName, ev.Preview)
	case notify.EventDeadlineSet:
		e.CancelReminders(ctx, ev.EventID)
		e.scheduler.ResetDeadlineMarkers(ctx, ev.EventID)
		return e.ScheduleDeadlineReminder(ev.EventID, *ev.Deadline)
	case notify.EventDeleted:
		e.CancelReminders(ctx, ev.EventID)
		return nil
	}
	return fmt.Errorf("unhandled event type %q", ev.Type)
}

// Stats returns a snapshot of the in-memory state.
func (e *Engine) Stats() Stats {
	s := Stats{
		PendingBatches: e.batches.Pending(),
		RegisteredJobs: e.registry.Len(),
		Tasks:          e.sup.Counters(),
	}
	if oldest, ok := e.batches.OldestPending(); ok {
		s.OldestBatch = &oldest
	}
	if e.limiter != nil {
		s.TrackedRecipients = e.limiter.Len()
	}
	return s
}

func (e *Engine) spawn(name string, fn func(ctx context.Context) error) error {
	if err := e.sup.Go(name, fn); err != nil {
		return ErrEngineStopped
	}
	return nil
}

func (e *Engine) housekeep() {
	expired := e.registry.Prune()
	idle := 0
	if e.limiter != nil {
		idle = e.limiter.Prune()
	}
	if expired > 0 || idle > 0 {
		e.logger.Debug("housekeeping",
			zap.Int("expired_markers", expired),
			zap.Int("idle_recipients", idle),
		)
	}
}
