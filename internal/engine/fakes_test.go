package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/guyghost/wakeve-sub012/internal/i18n"
	"github.com/guyghost/wakeve-sub012/internal/notify"
)

type fakeEvents struct {
	mu           sync.Mutex
	events       map[string]*notify.Event
	participants map[string][]string
	polling      []notify.Event
	today        []notify.Event
	users        []string
	pollingErr   error
	usersErr     error
	pollCalls    atomic.Int32
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		events:       make(map[string]*notify.Event),
		participants: make(map[string][]string),
	}
}

func (f *fakeEvents) add(ev notify.Event, participants ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[ev.ID] = &ev
	f.participants[ev.ID] = participants
}

func (f *fakeEvents) GetEvent(_ context.Context, id string) (*notify.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return nil, notify.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeEvents) GetParticipants(_ context.Context, eventID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[eventID]
	if !ok {
		return nil, notify.ErrNotFound
	}
	return slices.Clone(p), nil
}

func (f *fakeEvents) GetAllPollingEvents(context.Context) ([]notify.Event, error) {
	f.pollCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollingErr != nil {
		return nil, f.pollingErr
	}
	return append([]notify.Event{}, f.polling...), nil
}

func (f *fakeEvents) GetConfirmedEventsForToday(context.Context, int64) ([]notify.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Event{}, f.today...), nil
}

func (f *fakeEvents) GetAllUserIDs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usersErr != nil {
		return nil, f.usersErr
	}
	return append([]string{}, f.users...), nil
}

type fakeUnread map[string][]notify.NotificationRecord

func (f fakeUnread) GetUnreadNotifications(_ context.Context, userID string) ([]notify.NotificationRecord, error) {
	return f[userID], nil
}

// fakeDevices gives every user one FCM device "tok-<user>" unless overridden.
type fakeDevices struct {
	overrides map[string][]notify.Device
	err       error
}

func (f *fakeDevices) GetDevices(_ context.Context, userID string) ([]notify.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	if d, ok := f.overrides[userID]; ok {
		return d, nil
	}
	return []notify.Device{{UserID: userID, Token: "tok-" + userID, Platform: notify.PlatformFCM}}, nil
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []notify.Message
	fail map[string]bool
}

func (s *recordingSender) Send(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[msg.DeviceToken] {
		return errors.New("provider unavailable")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) SupportsPlatform(notify.Platform) bool { return true }

func (s *recordingSender) Messages() []notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Message{}, s.msgs...)
}

func (s *recordingSender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type fakeInbox struct {
	mu      sync.Mutex
	entries map[string]notify.NotificationRequest
}

func (f *fakeInbox) RecordNotification(_ context.Context, id string, req notify.NotificationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries == nil {
		f.entries = make(map[string]notify.NotificationRequest)
	}
	f.entries[id] = req
	return nil
}

func (f *fakeInbox) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeMarkers struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (f *fakeMarkers) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.keys == nil {
		f.keys = make(map[string]bool)
	}
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

func (f *fakeMarkers) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

type testEnv struct {
	engine  *Engine
	events  *fakeEvents
	sender  *recordingSender
	devices *fakeDevices
	inbox   *fakeInbox
	unread  fakeUnread
}

func newTestEnv(t *testing.T, mutate func(*Config, *Deps)) *testEnv {
	t.Helper()

	localizer, err := i18n.New("fr")
	if err != nil {
		t.Fatalf("localizer: %v", err)
	}

	env := &testEnv{
		events:  newFakeEvents(),
		sender:  &recordingSender{},
		devices: &fakeDevices{},
		inbox:   &fakeInbox{},
		unread:  fakeUnread{},
	}

	cfg := DefaultConfig()
	cfg.BatchWindow = 50 * time.Millisecond
	cfg.PushRatePerSec = 0
	deps := Deps{
		Events:    env.events,
		Unread:    env.unread,
		Devices:   env.devices,
		Sender:    env.sender,
		Localizer: localizer,
		Inbox:     env.inbox,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	e, err := New(cfg, deps, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	env.engine = e
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func messagesTo(msgs []notify.Message, token string) []notify.Message {
	var out []notify.Message
	for _, m := range msgs {
		if m.DeviceToken == token {
			out = append(out, m)
		}
	}
	return out
}
