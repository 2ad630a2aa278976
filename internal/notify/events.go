package notify

import (
	"fmt"
	"time"
)

// DomainEventType names a change reported by the planning backend.
type DomainEventType string

const (
	EventVoteAdded     DomainEventType = "vote_added"
	EventStatusChanged DomainEventType = "status_changed"
	EventCommentPosted DomainEventType = "comment_posted"
	EventDeadlineSet   DomainEventType = "deadline_set"
	EventDeleted       DomainEventType = "event_deleted"
)

// DomainEvent is the envelope carried over HTTP and SQS.
type DomainEvent struct {
	Type      DomainEventType `json:"type"`
	EventID   string          `json:"event_id"`
	ActorID   string          `json:"actor_id,omitempty"`
	ActorName string          `json:"actor_name,omitempty"`
	Status    string          `json:"status,omitempty"`
	Preview   string          `json:"preview,omitempty"`
	Deadline  *time.Time      `json:"deadline,omitempty"`
}

// Validate checks the fields required by the event type.
func (e DomainEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	switch e.Type {
	case EventVoteAdded:
		if e.ActorID == "" || e.ActorName == "" {
			return fmt.Errorf("%s requires actor_id and actor_name", e.Type)
		}
	case EventStatusChanged:
		if e.ActorID == "" || e.Status == "" {
			return fmt.Errorf("%s requires actor_id and status", e.Type)
		}
	case EventCommentPosted:
		if e.ActorID == "" {
			return fmt.Errorf("%s requires actor_id", e.Type)
		}
	case EventDeadlineSet:
		if e.Deadline == nil || e.Deadline.IsZero() {
			return fmt.Errorf("%s requires deadline", e.Type)
		}
	case EventDeleted:
	default:
		return fmt.Errorf("unknown event type: %q", e.Type)
	}
	return nil
}
