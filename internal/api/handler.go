package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/circuitbreaker"
	"github.com/guyghost/wakeve-sub012/internal/engine"
	"github.com/guyghost/wakeve-sub012/internal/metrics"
	"github.com/guyghost/wakeve-sub012/internal/notify"
)

// Engine is the part of the notification engine the API drives.
type Engine interface {
	Handle(ctx context.Context, ev notify.DomainEvent) error
	CancelReminders(ctx context.Context, eventID string) int
	Stats() engine.Stats
}

// Enqueuer publishes domain events for asynchronous handling.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev notify.DomainEvent) (string, error)
}

// Deduper claims Idempotency-Key values. A key whose request failed is
// released so the client can retry with it.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// AcceptedResponse is returned for every accepted domain event.
type AcceptedResponse struct {
	Type      notify.DomainEventType `json:"type"`
	EventID   string                 `json:"event_id"`
	Queued    bool                   `json:"queued"`
	MessageID string                 `json:"message_id,omitempty"`
}

// StatsResponse is served by GET /v1/engine/stats.
type StatsResponse struct {
	Engine   engine.Stats           `json:"engine"`
	Breakers []circuitbreaker.Stats `json:"breakers"`
}

const idempotencyTTL = 24 * time.Hour

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	engine   Engine
	producer Enqueuer // nil: events are handled in-process
	dedup    Deduper  // nil: Idempotency-Key is ignored
	breakers []*circuitbreaker.CircuitBreaker
	checks   map[string]HealthCheck
}

// Option configures a Handler.
type Option func(*Handler)

// WithProducer routes accepted events through a queue instead of handling
// them in-process.
func WithProducer(p Enqueuer) Option {
	return func(h *Handler) { h.producer = p }
}

// WithIdempotency enables Idempotency-Key replay detection.
func WithIdempotency(d Deduper) Option {
	return func(h *Handler) { h.dedup = d }
}

// WithBreakers exposes push circuit breakers on the stats endpoint.
func WithBreakers(b ...*circuitbreaker.CircuitBreaker) Option {
	return func(h *Handler) { h.breakers = append(h.breakers, b...) }
}

// WithHealthCheck adds a named dependency to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) { h.checks[name] = check }
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, eng Engine, opts ...Option) *Handler {
	h := &Handler{
		logger: logger,
		engine: eng,
		checks: make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the /v1 endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/domain-events", h.PostDomainEvent)

	r.Route("/events/{eventID}", func(r chi.Router) {
		r.Post("/votes", h.PostVote)
		r.Post("/status", h.PostStatus)
		r.Post("/comments", h.PostComment)
		r.Put("/deadline", h.PutDeadline)
		r.Delete("/", h.DeleteEvent)
		r.Delete("/reminders", h.DeleteReminders)
	})

	r.Get("/engine/stats", h.GetStats)
}

// PostDomainEvent handles POST /v1/domain-events with a full envelope.
func (h *Handler) PostDomainEvent(w http.ResponseWriter, r *http.Request) {
	var ev notify.DomainEvent
	if !h.decode(w, r, &ev) {
		return
	}
	h.accept(w, r, ev)
}

// PostVote handles POST /v1/events/{eventID}/votes
func (h *Handler) PostVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VoterID   string `json:"voter_id"`
		VoterName string `json:"voter_name"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.accept(w, r, notify.DomainEvent{
		Type:      notify.EventVoteAdded,
		EventID:   chi.URLParam(r, "eventID"),
		ActorID:   req.VoterID,
		ActorName: req.VoterName,
	})
}

// PostStatus handles POST /v1/events/{eventID}/status
func (h *Handler) PostStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
		Status  string `json:"status"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.accept(w, r, notify.DomainEvent{
		Type:    notify.EventStatusChanged,
		EventID: chi.URLParam(r, "eventID"),
		ActorID: req.ActorID,
		Status:  strings.ToUpper(req.Status),
	})
}

// PostComment handles POST /v1/events/{eventID}/comments
func (h *Handler) PostComment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AuthorID   string `json:"author_id"`
		AuthorName string `json:"author_name"`
		Preview    string `json:"preview"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.accept(w, r, notify.DomainEvent{
		Type:      notify.EventCommentPosted,
		EventID:   chi.URLParam(r, "eventID"),
		ActorID:   req.AuthorID,
		ActorName: req.AuthorName,
		Preview:   req.Preview,
	})
}

// PutDeadline handles PUT /v1/events/{eventID}/deadline
func (h *Handler) PutDeadline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Deadline time.Time `json:"deadline"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.accept(w, r, notify.DomainEvent{
		Type:     notify.EventDeadlineSet,
		EventID:  chi.URLParam(r, "eventID"),
		Deadline: &req.Deadline,
	})
}

// DeleteEvent handles DELETE /v1/events/{eventID}
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	h.accept(w, r, notify.DomainEvent{
		Type:    notify.EventDeleted,
		EventID: chi.URLParam(r, "eventID"),
	})
}

// DeleteReminders handles DELETE /v1/events/{eventID}/reminders. It acts on
// this instance only and reports how many timers it cancelled.
func (h *Handler) DeleteReminders(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	n := h.engine.CancelReminders(r.Context(), eventID)

	h.logger.Info("reminders cancelled",
		zap.String("event_id", eventID),
		zap.Int("cancelled", n),
	)

	h.writeJSON(w, http.StatusOK, map[string]any{
		"event_id":  eventID,
		"cancelled": n,
	})
}

// GetStats handles GET /v1/engine/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Engine:   h.engine.Stats(),
		Breakers: make([]circuitbreaker.Stats, 0, len(h.breakers)),
	}
	for _, b := range h.breakers {
		resp.Breakers = append(resp.Breakers, b.Stats())
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	h.writeJSON(w, status, map[string]any{
		"status":       http.StatusText(status),
		"dependencies": deps,
	})
}

// accept validates ev, then queues it or hands it to the engine.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request, ev notify.DomainEvent) {
	ctx := r.Context()

	if err := ev.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid domain event", err.Error())
		return
	}

	var claimed string
	if key := r.Header.Get("Idempotency-Key"); key != "" && h.dedup != nil {
		fresh, err := h.dedup.Claim(ctx, "api-"+key, idempotencyTTL)
		if err != nil {
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		} else if fresh {
			claimed = "api-" + key
		} else {
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, http.StatusAccepted, AcceptedResponse{Type: ev.Type, EventID: ev.EventID})
			return
		}
	}

	metrics.RecordDomainEvent(string(ev.Type), "api")
	resp := AcceptedResponse{Type: ev.Type, EventID: ev.EventID}

	if h.producer != nil {
		msgID, err := h.producer.Enqueue(ctx, ev)
		if err != nil {
			h.release(ctx, claimed)
			h.logger.Error("failed to enqueue domain event",
				zap.Error(err),
				zap.String("type", string(ev.Type)),
				zap.String("event_id", ev.EventID),
			)
			h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue domain event", "")
			return
		}
		resp.Queued = true
		resp.MessageID = msgID
	} else if err := h.engine.Handle(ctx, ev); err != nil {
		h.release(ctx, claimed)
		if errors.Is(err, engine.ErrEngineStopped) {
			h.writeError(w, http.StatusServiceUnavailable, "shutting_down", "Notification engine is stopping", "")
			return
		}
		h.logger.Error("failed to handle domain event",
			zap.Error(err),
			zap.String("type", string(ev.Type)),
			zap.String("event_id", ev.EventID),
		)
		h.writeError(w, http.StatusInternalServerError, "engine_error", "Failed to handle domain event", "")
		return
	}

	h.logger.Info("domain event accepted",
		zap.String("type", string(ev.Type)),
		zap.String("event_id", ev.EventID),
		zap.Bool("queued", resp.Queued),
	)
	h.writeJSON(w, http.StatusAccepted, resp)
}

// release frees an idempotency key after a failed request. It outlives the
// request context so a client timeout does not keep the key taken.
func (h *Handler) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := h.dedup.Release(context.WithoutCancel(ctx), key); err != nil {
		h.logger.Warn("failed to release idempotency key",
			zap.Error(err),
			zap.String("key", key),
		)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
