// Package notify holds the types shared by the notification engine and the
// collaborators it consumes (event storage, device registry, push transport).
package notify

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Kind identifies the type of a notification.
type Kind string

const (
	KindVote             Kind = "vote"
	KindStatusChanged    Kind = "status_changed"
	KindComment          Kind = "comment"
	KindDeadlineReminder Kind = "deadline_reminder"
	KindDayOfReminder    Kind = "day_of_reminder"
	KindWeeklyDigest     Kind = "weekly_digest"
)

func (k Kind) String() string { return string(k) }

// Event status constants
const (
	StatusDraft      = "DRAFT"
	StatusPolling    = "POLLING"
	StatusConfirmed  = "CONFIRMED"
	StatusOrganizing = "ORGANIZING"
	StatusFinalized  = "FINALIZED"
)

// Event is the minimal view of a planned event the engine needs.
type Event struct {
	ID            string
	Title         string
	OrganizerID   string
	Status        string
	Deadline      time.Time
	ConfirmedDate *time.Time
}

// NotificationRequest is one notification for one recipient. It is built
// fresh for every send attempt and never mutated after construction.
type NotificationRequest struct {
	RecipientID string
	Kind        Kind
	Title       string
	Body        string
	EventID     string
	Attributes  map[string]string
}

// Data returns the payload attached to the push message.
func (r NotificationRequest) Data() map[string]string {
	data := make(map[string]string, len(r.Attributes)+2)
	for k, v := range r.Attributes {
		data[k] = v
	}
	data["type"] = string(r.Kind)
	if r.EventID != "" {
		data["event_id"] = r.EventID
	}
	return data
}

// NotificationRecord is a stored in-app notification.
type NotificationRecord struct {
	ID        string
	UserID    string
	Kind      Kind
	Title     string
	Body      string
	EventID   string
	Read      bool
	CreatedAt time.Time
}

// Platform is the delivery platform of a registered device.
type Platform string

const (
	PlatformFCM   Platform = "fcm"
	PlatformAPNs  Platform = "apns"
	PlatformEmail Platform = "email"
)

// Device is a push destination registered by a user. For PlatformEmail the
// token is the email address.
type Device struct {
	UserID   string
	Token    string
	Platform Platform
}

// Message is what a Sender delivers to a single device.
type Message struct {
	DeviceToken string
	Platform    Platform
	Title       string
	Body        string
	Data        map[string]string
}
