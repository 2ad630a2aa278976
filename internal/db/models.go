package db

import (
	"time"

	"github.com/guyghost/wakeve-sub012/internal/notify"
)

// eventRow mirrors the events table
type eventRow struct {
	ID            string
	Title         string
	OrganizerID   string
	Status        string
	Deadline      time.Time
	ConfirmedDate *time.Time
}

const eventColumns = `id, title, organizer_id, status, deadline, confirmed_date`

func (r *eventRow) fields() []any {
	return []any{&r.ID, &r.Title, &r.OrganizerID, &r.Status, &r.Deadline, &r.ConfirmedDate}
}

func (r eventRow) toEvent() notify.Event {
	return notify.Event{
		ID:            r.ID,
		Title:         r.Title,
		OrganizerID:   r.OrganizerID,
		Status:        r.Status,
		Deadline:      r.Deadline,
		ConfirmedDate: r.ConfirmedDate,
	}
}

// notificationRow mirrors the notifications table
type notificationRow struct {
	ID        string
	UserID    string
	Kind      string
	Title     string
	Body      string
	EventID   *string
	Read      bool
	CreatedAt time.Time
}

func (r notificationRow) toRecord() notify.NotificationRecord {
	rec := notify.NotificationRecord{
		ID:        r.ID,
		UserID:    r.UserID,
		Kind:      notify.Kind(r.Kind),
		Title:     r.Title,
		Body:      r.Body,
		Read:      r.Read,
		CreatedAt: r.CreatedAt,
	}
	if r.EventID != nil {
		rec.EventID = *r.EventID
	}
	return rec
}

// dayBounds returns [start, end) of the calendar day containing epochMs in loc.
func dayBounds(epochMs int64, loc *time.Location) (time.Time, time.Time) {
	t := time.UnixMilli(epochMs).In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
