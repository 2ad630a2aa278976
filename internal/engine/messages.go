package engine

import (
	"context"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/notify"
)

// ReminderWindow names a deadline reminder threshold.
type ReminderWindow string

const (
	Window24h ReminderWindow = "24h"
	Window1h  ReminderWindow = "1h"
)

// digestKinds fixes the order of the per-kind lines in a digest.
var digestKinds = []notify.Kind{
	notify.KindVote,
	notify.KindStatusChanged,
	notify.KindComment,
	notify.KindDeadlineReminder,
	notify.KindDayOfReminder,
}

// composer renders notification text in the recipient's locale.
type composer struct {
	localizer     notify.Localizer
	locales       notify.LocaleStore
	defaultLocale string
	logger        *zap.Logger
}

func (c *composer) localeFor(ctx context.Context, userID string) string {
	if c.locales == nil {
		return c.defaultLocale
	}
	locale, err := c.locales.GetLocale(ctx, userID)
	if err != nil {
		c.logger.Debug("locale lookup failed, using default",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return c.defaultLocale
	}
	if locale == "" {
		return c.defaultLocale
	}
	return locale
}

func (c *composer) vote(locale string, names []string, eventTitle string) (string, string) {
	title := c.localizer.Translate("vote.title", locale)
	if len(names) == 1 {
		return title, c.localizer.Translate("vote.single.body", locale, names[0], eventTitle)
	}
	return title, c.localizer.Translate("vote.multiple.body", locale, len(names), eventTitle)
}

func (c *composer) status(locale, status, eventTitle string) (string, string) {
	title := c.localizer.Translate("status.title", locale)
	key := "status.body." + status
	body := c.localizer.Translate(key, locale, eventTitle)
	if body == key {
		body = c.localizer.Translate("status.body", locale, eventTitle, status)
	}
	return title, body
}

func (c *composer) comment(locale, authorName, eventTitle, preview string) (string, string) {
	return c.localizer.Translate("comment.title", locale),
		c.localizer.Translate("comment.body", locale, authorName, eventTitle, preview)
}

func (c *composer) deadline(locale string, window ReminderWindow, eventTitle string) (string, string) {
	return c.localizer.Translate("deadline.title", locale),
		c.localizer.Translate("deadline."+string(window)+".body", locale, eventTitle)
}

func (c *composer) dayOf(locale, eventTitle string) (string, string) {
	return c.localizer.Translate("dayof.title", locale),
		c.localizer.Translate("dayof.body", locale, eventTitle)
}

// digest summarizes unread notifications grouped by kind.
func (c *composer) digest(locale string, unread []notify.NotificationRecord) (string, string) {
	counts := make(map[notify.Kind]int)
	for _, n := range unread {
		counts[n.Kind]++
	}

	var parts []string
	for _, kind := range digestKinds {
		if n := counts[kind]; n > 0 {
			parts = append(parts, c.localizer.Translate("digest.kind."+string(kind), locale, n))
		}
	}
	// kinds without a catalog line are listed by name after the known ones
	var other []string
	for kind, n := range counts {
		if !slices.Contains(digestKinds, kind) {
			other = append(other, string(kind)+": "+strconv.Itoa(n))
		}
	}
	slices.Sort(other)
	parts = append(parts, other...)

	return c.localizer.Translate("digest.title", locale),
		c.localizer.Translate("digest.body", locale, len(unread), strings.Join(parts, ", "))
}
