package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/notify"
)

// Repository is the Postgres-backed store for events, participants,
// devices, user locales and the in-app inbox.
type Repository struct {
	db     *DB
	loc    *time.Location
	logger *zap.Logger
}

// NewRepository creates a repository. loc defines calendar days for the
// day-of reminder query.
func NewRepository(db *DB, loc *time.Location, logger *zap.Logger) *Repository {
	if loc == nil {
		loc = time.UTC
	}
	return &Repository{
		db:     db,
		loc:    loc,
		logger: logger,
	}
}

// GetEvent retrieves an event by ID
func (r *Repository) GetEvent(ctx context.Context, id string) (*notify.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`

	var row eventRow
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(row.fields()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, notify.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get event",
			zap.Error(err),
			zap.String("event_id", id),
		)
		return nil, fmt.Errorf("query event: %w", err)
	}

	event := row.toEvent()
	return &event, nil
}

// GetParticipants lists the participant IDs of an event. The slice is empty,
// not nil, when nobody has joined.
func (r *Repository) GetParticipants(ctx context.Context, eventID string) ([]string, error) {
	var exists bool
	if err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, eventID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check event: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("event %s: %w", eventID, notify.ErrNotFound)
	}

	rows, err := r.db.Pool().Query(ctx,
		`SELECT user_id FROM event_participants WHERE event_id = $1 ORDER BY joined_at`, eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetAllPollingEvents lists events still collecting votes
func (r *Repository) GetAllPollingEvents(ctx context.Context) ([]notify.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE status = $1 ORDER BY deadline`
	return r.queryEvents(ctx, query, notify.StatusPolling)
}

// GetConfirmedEventsForToday lists confirmed events whose date falls on the
// calendar day containing epochMs.
func (r *Repository) GetConfirmedEventsForToday(ctx context.Context, epochMs int64) ([]notify.Event, error) {
	start, end := dayBounds(epochMs, r.loc)
	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE status = $1 AND confirmed_date >= $2 AND confirmed_date < $3
		ORDER BY confirmed_date
	`
	return r.queryEvents(ctx, query, notify.StatusConfirmed, start, end)
}

func (r *Repository) queryEvents(ctx context.Context, query string, args ...any) ([]notify.Event, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to query events", zap.Error(err))
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []notify.Event
	for rows.Next() {
		var row eventRow
		if err := rows.Scan(row.fields()...); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, row.toEvent())
	}
	return events, rows.Err()
}

// GetAllUserIDs lists every user
func (r *Repository) GetAllUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetUnreadNotifications lists a user's unread inbox entries, oldest first
func (r *Repository) GetUnreadNotifications(ctx context.Context, userID string) ([]notify.NotificationRecord, error) {
	query := `
		SELECT id, user_id, kind, title, body, event_id, read, created_at
		FROM notifications
		WHERE user_id = $1 AND NOT read
		ORDER BY created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		r.logger.Error("failed to query unread notifications",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		return nil, fmt.Errorf("query unread notifications: %w", err)
	}
	defer rows.Close()

	var records []notify.NotificationRecord
	for rows.Next() {
		var row notificationRow
		if err := rows.Scan(
			&row.ID,
			&row.UserID,
			&row.Kind,
			&row.Title,
			&row.Body,
			&row.EventID,
			&row.Read,
			&row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		records = append(records, row.toRecord())
	}
	return records, rows.Err()
}

// GetDevices lists the devices a user registered
func (r *Repository) GetDevices(ctx context.Context, userID string) ([]notify.Device, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT token, platform FROM devices WHERE user_id = $1 ORDER BY created_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []notify.Device
	for rows.Next() {
		d := notify.Device{UserID: userID}
		var platform string
		if err := rows.Scan(&d.Token, &platform); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.Platform = notify.Platform(platform)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetLocale returns the user's preferred locale, "" when unknown
func (r *Repository) GetLocale(ctx context.Context, userID string) (string, error) {
	var locale string
	err := r.db.Pool().QueryRow(ctx, `SELECT locale FROM users WHERE id = $1`, userID).Scan(&locale)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query locale: %w", err)
	}
	return locale, nil
}

// RecordNotification stores an admitted notification as unread
func (r *Repository) RecordNotification(ctx context.Context, id string, req notify.NotificationRequest) error {
	attrs := req.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	var eventID *string
	if req.EventID != "" {
		eventID = &req.EventID
	}

	query := `
		INSERT INTO notifications (id, user_id, kind, title, body, event_id, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.Pool().Exec(ctx, query,
		id,
		req.RecipientID,
		string(req.Kind),
		req.Title,
		req.Body,
		eventID,
		payload,
	); err != nil {
		r.logger.Error("failed to record notification",
			zap.Error(err),
			zap.String("notification_id", id),
			zap.String("user_id", req.RecipientID),
		)
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

var (
	_ notify.EventRepository         = (*Repository)(nil)
	_ notify.UnreadNotificationStore = (*Repository)(nil)
	_ notify.DeviceStore             = (*Repository)(nil)
	_ notify.LocaleStore             = (*Repository)(nil)
	_ notify.Inbox                   = (*Repository)(nil)
)
