package notify

import "context"

// EventRepository gives read access to planned events and their participants.
type EventRepository interface {
	GetEvent(ctx context.Context, id string) (*Event, error)
	GetParticipants(ctx context.Context, eventID string) ([]string, error)
	GetAllPollingEvents(ctx context.Context) ([]Event, error)
	GetConfirmedEventsForToday(ctx context.Context, epochMs int64) ([]Event, error)
	GetAllUserIDs(ctx context.Context) ([]string, error)
}

// UnreadNotificationStore is consumed by the weekly digest.
type UnreadNotificationStore interface {
	GetUnreadNotifications(ctx context.Context, userID string) ([]NotificationRecord, error)
}

// DeviceStore lists the devices a user registered for push.
type DeviceStore interface {
	GetDevices(ctx context.Context, userID string) ([]Device, error)
}

// LocaleStore returns a user's preferred locale, or "" when unknown.
type LocaleStore interface {
	GetLocale(ctx context.Context, userID string) (string, error)
}

// Inbox records admitted notifications as unread so they show up in the app.
type Inbox interface {
	RecordNotification(ctx context.Context, id string, req NotificationRequest) error
}

// Sender is the push transport for one or more platforms.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	SupportsPlatform(p Platform) bool
}

// Localizer renders user-facing strings.
type Localizer interface {
	Translate(key, locale string, args ...any) string
}
