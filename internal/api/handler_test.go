package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/circuitbreaker"
	"github.com/guyghost/wakeve-sub012/internal/engine"
	"github.com/guyghost/wakeve-sub012/internal/notify"
)

type mockEngine struct {
	mu        sync.Mutex
	handled   []notify.DomainEvent
	cancelled []string
	err       error
}

func (m *mockEngine) Handle(_ context.Context, ev notify.DomainEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.handled = append(m.handled, ev)
	return nil
}

func (m *mockEngine) CancelReminders(_ context.Context, eventID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, eventID)
	return 2
}

func (m *mockEngine) Stats() engine.Stats {
	return engine.Stats{PendingBatches: 3, RegisteredJobs: 7}
}

type mockProducer struct {
	events []notify.DomainEvent
	err    error
}

func (p *mockProducer) Enqueue(_ context.Context, ev notify.DomainEvent) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, ev)
	return "msg-1", nil
}

type mockDeduper struct {
	seen map[string]bool
}

func (d *mockDeduper) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *mockDeduper) Release(_ context.Context, key string) error {
	delete(d.seen, key)
	return nil
}

func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", h.Routes)
	r.Get("/health", h.Health)
	return r
}

func do(t *testing.T, router http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestEventEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		want       notify.DomainEvent
	}{
		{
			name:       "vote",
			method:     http.MethodPost,
			path:       "/v1/events/E/votes",
			body:       `{"voter_id":"alice","voter_name":"Alice"}`,
			wantStatus: http.StatusAccepted,
			want:       notify.DomainEvent{Type: notify.EventVoteAdded, EventID: "E", ActorID: "alice", ActorName: "Alice"},
		},
		{
			name:       "status is upper-cased",
			method:     http.MethodPost,
			path:       "/v1/events/E/status",
			body:       `{"actor_id":"org","status":"confirmed"}`,
			wantStatus: http.StatusAccepted,
			want:       notify.DomainEvent{Type: notify.EventStatusChanged, EventID: "E", ActorID: "org", Status: "CONFIRMED"},
		},
		{
			name:       "comment",
			method:     http.MethodPost,
			path:       "/v1/events/E/comments",
			body:       `{"author_id":"bob","author_name":"Bob","preview":"On apporte quoi ?"}`,
			wantStatus: http.StatusAccepted,
			want:       notify.DomainEvent{Type: notify.EventCommentPosted, EventID: "E", ActorID: "bob", ActorName: "Bob", Preview: "On apporte quoi ?"},
		},
		{
			name:       "event deleted",
			method:     http.MethodDelete,
			path:       "/v1/events/E",
			wantStatus: http.StatusAccepted,
			want:       notify.DomainEvent{Type: notify.EventDeleted, EventID: "E"},
		},
		{
			name:       "vote without a name",
			method:     http.MethodPost,
			path:       "/v1/events/E/votes",
			body:       `{"voter_id":"alice"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed JSON",
			method:     http.MethodPost,
			path:       "/v1/events/E/comments",
			body:       `{"author_id":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown field",
			method:     http.MethodPost,
			path:       "/v1/events/E/votes",
			body:       `{"voter_id":"alice","voter_name":"Alice","tenant_id":"x"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "deadline missing",
			method:     http.MethodPut,
			path:       "/v1/events/E/deadline",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &mockEngine{}
			router := newTestRouter(NewHandler(zap.NewNop(), eng))

			rec := do(t, router, tt.method, tt.path, tt.body, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}

			if tt.wantStatus != http.StatusAccepted {
				if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
					t.Errorf("expected problem+json, got %q", ct)
				}
				if len(eng.handled) != 0 {
					t.Error("rejected requests must not reach the engine")
				}
				return
			}

			if len(eng.handled) != 1 {
				t.Fatalf("expected 1 handled event, got %d", len(eng.handled))
			}
			if got := eng.handled[0]; got != tt.want {
				t.Errorf("handled %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPutDeadline(t *testing.T) {
	eng := &mockEngine{}
	router := newTestRouter(NewHandler(zap.NewNop(), eng))

	rec := do(t, router, http.MethodPut, "/v1/events/E/deadline", `{"deadline":"2026-03-10T18:00:00Z"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	ev := eng.handled[0]
	if ev.Type != notify.EventDeadlineSet || ev.Deadline == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !ev.Deadline.Equal(time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected deadline %v", ev.Deadline)
	}
}

func TestPostDomainEvent(t *testing.T) {
	eng := &mockEngine{}
	router := newTestRouter(NewHandler(zap.NewNop(), eng))

	body := `{"type":"comment_posted","event_id":"E","actor_id":"bob","actor_name":"Bob","preview":"ok"}`
	rec := do(t, router, http.MethodPost, "/v1/domain-events", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	var resp AcceptedResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Queued || resp.EventID != "E" || resp.Type != notify.EventCommentPosted {
		t.Errorf("unexpected response %+v", resp)
	}

	rec = do(t, router, http.MethodPost, "/v1/domain-events", `{"type":"party","event_id":"E"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown types should be rejected, got %d", rec.Code)
	}
}

func TestAccept_Queued(t *testing.T) {
	eng := &mockEngine{}
	producer := &mockProducer{}
	router := newTestRouter(NewHandler(zap.NewNop(), eng, WithProducer(producer)))

	rec := do(t, router, http.MethodPost, "/v1/events/E/votes", `{"voter_id":"a","voter_name":"A"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(producer.events) != 1 || len(eng.handled) != 0 {
		t.Fatalf("queued events must not be handled in-process: queued=%d handled=%d", len(producer.events), len(eng.handled))
	}

	var resp AcceptedResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.Queued || resp.MessageID != "msg-1" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestAccept_EnqueueFailure(t *testing.T) {
	router := newTestRouter(NewHandler(zap.NewNop(), &mockEngine{}, WithProducer(&mockProducer{err: errors.New("sqs down")})))

	rec := do(t, router, http.MethodDelete, "/v1/events/E", "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestAccept_EngineErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"stopped", engine.ErrEngineStopped, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(NewHandler(zap.NewNop(), &mockEngine{err: tt.err}))
			rec := do(t, router, http.MethodDelete, "/v1/events/E", "", nil)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestAccept_IdempotencyKey(t *testing.T) {
	eng := &mockEngine{}
	h := NewHandler(zap.NewNop(), eng, WithIdempotency(&mockDeduper{seen: map[string]bool{}}))
	router := newTestRouter(h)
	headers := map[string]string{"Idempotency-Key": "vote-123"}

	first := do(t, router, http.MethodPost, "/v1/events/E/votes", `{"voter_id":"a","voter_name":"A"}`, headers)
	second := do(t, router, http.MethodPost, "/v1/events/E/votes", `{"voter_id":"a","voter_name":"A"}`, headers)

	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Fatalf("unexpected statuses %d %d", first.Code, second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("replay should be flagged")
	}
	if len(eng.handled) != 1 {
		t.Fatalf("replayed request must not be handled again, handled=%d", len(eng.handled))
	}
}

func TestAccept_FailedRequestReleasesIdempotencyKey(t *testing.T) {
	t.Run("engine stopped", func(t *testing.T) {
		eng := &mockEngine{err: engine.ErrEngineStopped}
		router := newTestRouter(NewHandler(zap.NewNop(), eng, WithIdempotency(&mockDeduper{seen: map[string]bool{}})))
		headers := map[string]string{"Idempotency-Key": "vote-9"}
		body := `{"voter_id":"a","voter_name":"A"}`

		first := do(t, router, http.MethodPost, "/v1/events/E/votes", body, headers)
		if first.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", first.Code)
		}

		eng.mu.Lock()
		eng.err = nil
		eng.mu.Unlock()
		second := do(t, router, http.MethodPost, "/v1/events/E/votes", body, headers)
		if second.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", second.Code)
		}
		if second.Header().Get("X-Idempotency-Replayed") != "" {
			t.Error("a retry after a failure is not a replay")
		}
		if len(eng.handled) != 1 {
			t.Fatalf("the retry should be handled, handled=%d", len(eng.handled))
		}
	})

	t.Run("enqueue failed", func(t *testing.T) {
		producer := &mockProducer{err: errors.New("sqs down")}
		router := newTestRouter(NewHandler(zap.NewNop(), &mockEngine{}, WithProducer(producer), WithIdempotency(&mockDeduper{seen: map[string]bool{}})))
		headers := map[string]string{"Idempotency-Key": "delete-9"}

		if rec := do(t, router, http.MethodDelete, "/v1/events/E", "", headers); rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}

		producer.err = nil
		rec := do(t, router, http.MethodDelete, "/v1/events/E", "", headers)
		if rec.Code != http.StatusAccepted || rec.Header().Get("X-Idempotency-Replayed") != "" {
			t.Fatalf("retry should be accepted as new, got %d %v", rec.Code, rec.Header())
		}
		if len(producer.events) != 1 {
			t.Fatalf("the retry should be queued, queued=%d", len(producer.events))
		}
	})
}

func TestDeleteReminders(t *testing.T) {
	eng := &mockEngine{}
	router := newTestRouter(NewHandler(zap.NewNop(), eng))

	rec := do(t, router, http.MethodDelete, "/v1/events/E/reminders", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		EventID   string `json:"event_id"`
		Cancelled int    `json:"cancelled"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.EventID != "E" || resp.Cancelled != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(eng.cancelled) != 1 {
		t.Error("engine should cancel the reminders")
	}
}

func TestGetStats(t *testing.T) {
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("sns-fcm"), zap.NewNop())
	router := newTestRouter(NewHandler(zap.NewNop(), &mockEngine{}, WithBreakers(breaker)))

	rec := do(t, router, http.MethodGet, "/v1/engine/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Engine.PendingBatches != 3 || resp.Engine.RegisteredJobs != 7 {
		t.Errorf("unexpected engine stats %+v", resp.Engine)
	}
	if len(resp.Breakers) != 1 || resp.Breakers[0].Name != "sns-fcm" || resp.Breakers[0].State != "closed" {
		t.Errorf("unexpected breakers %+v", resp.Breakers)
	}
}

func TestHealth(t *testing.T) {
	healthy := newTestRouter(NewHandler(zap.NewNop(), &mockEngine{},
		WithHealthCheck("postgres", func(context.Context) error { return nil }),
	))
	if rec := do(t, healthy, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	degraded := newTestRouter(NewHandler(zap.NewNop(), &mockEngine{},
		WithHealthCheck("postgres", func(context.Context) error { return nil }),
		WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
	))
	rec := do(t, degraded, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var resp struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Dependencies["postgres"] != "ok" || resp.Dependencies["redis"] == "ok" {
		t.Errorf("unexpected dependencies %v", resp.Dependencies)
	}
}
