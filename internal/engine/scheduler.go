package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/metrics"
	"github.com/guyghost/wakeve-sub012/internal/notify"
)

const weekMs = int64(7 * 24 * time.Hour / time.Millisecond)

// MarkerStore persists sweep markers beyond the process lifetime.
type MarkerStore interface {
	// Claim sets key if absent and reports whether this call set it.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// SchedulerConfig holds the periodic loop and digest slot settings.
type SchedulerConfig struct {
	DeadlineSweepInterval time.Duration
	DayOfSweepInterval    time.Duration
	DigestCheckInterval   time.Duration

	// The digest goes out on DigestWeekday from DigestHour for DigestSlot,
	// in Location.
	DigestWeekday time.Weekday
	DigestHour    int
	DigestSlot    time.Duration
	Location      *time.Location

	// MarkerTTL bounds how long sweep, day-of and digest markers are kept.
	MarkerTTL time.Duration
}

// DefaultSchedulerConfig returns the production intervals.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DeadlineSweepInterval: 15 * time.Minute,
		DayOfSweepInterval:    time.Hour,
		DigestCheckInterval:   24 * time.Hour,
		DigestWeekday:         time.Sunday,
		DigestHour:            18,
		DigestSlot:            2 * time.Hour,
		Location:              time.UTC,
		MarkerTTL:             8 * 24 * time.Hour,
	}
}

var reminderOffsets = []struct {
	window ReminderWindow
	before time.Duration
}{
	{Window24h, 24 * time.Hour},
	{Window1h, time.Hour},
}

// Scheduler runs the periodic sweeps and the one-off deadline timers.
type Scheduler struct {
	cfg        SchedulerConfig
	events     notify.EventRepository
	unread     notify.UnreadNotificationStore
	trigger    *Trigger
	dispatcher *Dispatcher
	messages   *composer
	registry   *JobRegistry
	markers    MarkerStore
	tasks      taskRunner
	cron       *cron.Cron
	now        func() time.Time
	logger     *zap.Logger

	// housekeeping runs before every deadline sweep
	housekeeping []func()
}

// Start launches the three periodic loops and the digest cron entry.
func (s *Scheduler) Start() error {
	loops := []struct {
		name     string
		interval time.Duration
		sweep    func(context.Context) error
	}{
		{"deadline", s.cfg.DeadlineSweepInterval, s.SweepDeadlines},
		{"dayof", s.cfg.DayOfSweepInterval, s.SweepDayOf},
		{"digest", s.cfg.DigestCheckInterval, s.CheckDigest},
	}
	for _, l := range loops {
		if err := s.tasks.Go(l.name+"-loop", func(ctx context.Context) error {
			return s.loop(ctx, l.name, l.interval, l.sweep)
		}); err != nil {
			return err
		}
	}

	s.cron = cron.New(cron.WithLocation(s.cfg.Location))
	spec := fmt.Sprintf("0 %d * * %d", s.cfg.DigestHour, int(s.cfg.DigestWeekday))
	if _, err := s.cron.AddFunc(spec, func() {
		err := s.tasks.Go("digest-cron", func(ctx context.Context) error {
			s.runSweep(ctx, "digest", s.CheckDigest)
			return nil
		})
		if err != nil {
			s.logger.Debug("digest cron skipped", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("add digest cron %q: %w", spec, err)
	}
	s.cron.Start()

	s.logger.Info("scheduler started",
		zap.Duration("deadline_interval", s.cfg.DeadlineSweepInterval),
		zap.Duration("dayof_interval", s.cfg.DayOfSweepInterval),
		zap.Duration("digest_interval", s.cfg.DigestCheckInterval),
		zap.String("digest_cron", spec),
		zap.String("timezone", s.cfg.Location.String()),
	)
	return nil
}

// Stop removes the cron entry and waits for a running cron job to return.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// loop sweeps immediately, then every interval, until ctx ends.
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) error) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep loop stopping", zap.String("loop", name))
			return nil
		case <-timer.C:
		}
		s.runSweep(ctx, name, sweep)
		timer.Reset(interval)
	}
}

// runSweep keeps a failing or panicking sweep from ending its loop.
func (s *Scheduler) runSweep(ctx context.Context, name string, sweep func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordSweep(name, "panic")
			metrics.RecordTaskPanic()
			s.logger.Error("sweep panicked",
				zap.String("loop", name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := sweep(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.RecordSweep(name, "failed")
		s.logger.Error("sweep failed", zap.String("loop", name), zap.Error(err))
		return
	}
	metrics.RecordSweep(name, "ok")
}

// ScheduleDeadlineReminder arms one timer per threshold still in the future,
// replacing any timer already armed for the same event and threshold.
func (s *Scheduler) ScheduleDeadlineReminder(eventID string, deadline time.Time) error {
	now := s.now()
	for _, o := range reminderOffsets {
		fireAt := deadline.Add(-o.before)
		if !fireAt.After(now) {
			continue
		}

		window := o.window
		job, _ := s.registry.Register(timerKey(window, eventID), JobOptions{
			EventID:        eventID,
			CancelPrevious: true,
		})
		err := s.tasks.Go("deadline-"+string(window), func(ctx context.Context) error {
			return s.runTimer(ctx, job, fireAt, func(ctx context.Context) error {
				if !s.claim(ctx, sweepKey(window, eventID)) {
					return nil
				}
				return s.trigger.OnDeadlineApproaching(ctx, eventID, window)
			})
		})
		if err != nil {
			s.registry.Finish(job)
			return fmt.Errorf("schedule %s reminder for %s: %w", window, eventID, err)
		}

		s.logger.Debug("deadline reminder scheduled",
			zap.String("event_id", eventID),
			zap.String("window", string(window)),
			zap.Time("fire_at", fireAt),
		)
	}
	return nil
}

// runTimer sleeps until fireAt and runs fn if job still owns its key.
func (s *Scheduler) runTimer(ctx context.Context, job *Job, fireAt time.Time, fn func(context.Context) error) error {
	timer := time.NewTimer(max(fireAt.Sub(s.now()), 0))
	defer timer.Stop()

	select {
	case <-job.Done():
		return nil
	case <-timer.C:
	}

	// cancellation may land while asleep
	if !s.registry.Finish(job) {
		return nil
	}
	return fn(ctx)
}

// CancelReminders stops the event's pending deadline timers. Markers of
// reminders already sent are kept.
func (s *Scheduler) CancelReminders(ctx context.Context, eventID string) int {
	n := s.registry.CancelEvent(eventID)
	s.logger.Debug("reminders cancelled", zap.String("event_id", eventID), zap.Int("jobs", n))
	return n
}

// ResetDeadlineMarkers forgets that the event's deadline reminders went out,
// so a new deadline is reminded again.
func (s *Scheduler) ResetDeadlineMarkers(ctx context.Context, eventID string) {
	for _, o := range reminderOffsets {
		key := sweepKey(o.window, eventID)
		s.registry.Cancel(key)
		if s.markers == nil {
			continue
		}
		if err := s.markers.Release(ctx, key); err != nil {
			s.logger.Warn("failed to release sweep marker",
				zap.String("event_id", eventID),
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}

// SweepDeadlines reminds polling events whose deadline is 23 to 25 hours or
// at most 1 hour away and whose reminder has not gone out yet.
func (s *Scheduler) SweepDeadlines(ctx context.Context) error {
	for _, hk := range s.housekeeping {
		hk()
	}
	metrics.SetRegisteredJobs(s.registry.Len())

	events, err := s.events.GetAllPollingEvents(ctx)
	if err != nil {
		return fmt.Errorf("list polling events: %w", err)
	}

	now := s.now()
	for _, ev := range events {
		if ev.Deadline.IsZero() {
			continue
		}
		window, ok := dueWindow(ev.Deadline.Sub(now))
		if !ok {
			continue
		}
		// an armed timer will handle it
		if s.registry.IsRegistered(timerKey(window, ev.ID)) {
			continue
		}
		if !s.claim(ctx, sweepKey(window, ev.ID)) {
			continue
		}
		if err := s.trigger.OnDeadlineApproaching(ctx, ev.ID, window); err != nil {
			s.logger.Warn("deadline reminder failed",
				zap.String("event_id", ev.ID),
				zap.String("window", string(window)),
				zap.Error(err),
			)
		}
	}
	return nil
}

func dueWindow(remaining time.Duration) (ReminderWindow, bool) {
	hours := remaining.Hours()
	switch {
	case hours >= 23 && hours <= 25:
		return Window24h, true
	case hours >= 0 && hours <= 1:
		return Window1h, true
	default:
		return "", false
	}
}

// SweepDayOf reminds participants of events confirmed for today, once per
// event and local day.
func (s *Scheduler) SweepDayOf(ctx context.Context) error {
	now := s.now()
	events, err := s.events.GetConfirmedEventsForToday(ctx, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("list events for today: %w", err)
	}

	day := now.In(s.cfg.Location).Format(time.DateOnly)
	for _, ev := range events {
		if !s.claim(ctx, "dayof-"+ev.ID+"-"+day) {
			continue
		}
		if err := s.trigger.OnEventDay(ctx, ev); err != nil {
			s.logger.Warn("day-of reminder failed",
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// CheckDigest sends the weekly digest once per week key, and only inside the
// configured slot.
func (s *Scheduler) CheckDigest(ctx context.Context) error {
	now := s.now()
	if !s.inDigestSlot(now) {
		return nil
	}

	key := DigestWeekKey(now)
	if s.registry.IsRegistered(key) {
		return nil
	}

	users, err := s.events.GetAllUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	if !s.claim(ctx, key) {
		s.logger.Debug("digest already sent this week", zap.String("key", key))
		return nil
	}

	sent := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		unread, err := s.unread.GetUnreadNotifications(ctx, userID)
		if err != nil {
			s.logger.Warn("failed to load unread notifications",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			continue
		}
		if len(unread) == 0 {
			continue
		}

		locale := s.messages.localeFor(ctx, userID)
		title, body := s.messages.digest(locale, unread)
		s.dispatcher.Dispatch(ctx, notify.NotificationRequest{
			RecipientID: userID,
			Kind:        notify.KindWeeklyDigest,
			Title:       title,
			Body:        body,
			Attributes:  map[string]string{"unread": strconv.Itoa(len(unread))},
		})
		sent++
	}

	s.logger.Info("weekly digest sent", zap.String("key", key), zap.Int("recipients", sent))
	return nil
}

func (s *Scheduler) inDigestSlot(now time.Time) bool {
	local := now.In(s.cfg.Location)
	if local.Weekday() != s.cfg.DigestWeekday {
		return false
	}
	start := time.Date(local.Year(), local.Month(), local.Day(), s.cfg.DigestHour, 0, 0, 0, s.cfg.Location)
	return !local.Before(start) && local.Before(start.Add(s.cfg.DigestSlot))
}

// claim registers a marker locally and, when configured, durably. A durable
// store error fails open. Markers carry no event ID, so CancelEvent leaves
// them alone.
func (s *Scheduler) claim(ctx context.Context, key string) bool {
	if _, ok := s.registry.Register(key, JobOptions{TTL: s.cfg.MarkerTTL}); !ok {
		return false
	}
	if s.markers == nil {
		return true
	}

	ok, err := s.markers.Claim(ctx, key, s.cfg.MarkerTTL)
	if err != nil {
		s.logger.Warn("durable marker unavailable", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}

// DigestWeekKey buckets t into a week counted from the Unix epoch.
func DigestWeekKey(t time.Time) string {
	return "digest-week-" + strconv.FormatInt(t.UnixMilli()/weekMs, 10)
}

func timerKey(window ReminderWindow, eventID string) string {
	return "deadline-" + string(window) + "-" + eventID
}

func sweepKey(window ReminderWindow, eventID string) string {
	return "deadline-sweep-" + string(window) + "-" + eventID
}
