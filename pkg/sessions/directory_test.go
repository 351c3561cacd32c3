package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatwithit/pkg/clock"
	"chatwithit/pkg/domain"
	"chatwithit/pkg/functions"
	"chatwithit/pkg/notify"
)

type fakeBackend struct {
	mu        sync.Mutex
	sessions  []domain.Session
	listErr   error
	createErr error
	deleteErr error
	nextID    string
	block     chan struct{}
	lists     int
}

func (f *fakeBackend) ListSessions(context.Context) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.Session, len(f.sessions))
	copy(out, f.sessions)
	return out, nil
}

func (f *fakeBackend) CreateSession(context.Context) (functions.CreatedSession, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return functions.CreatedSession{}, f.createErr
	}
	f.sessions = append([]domain.Session{{SessionID: f.nextID}}, f.sessions...)
	return functions.CreatedSession{SessionID: f.nextID}, nil
}

func (f *fakeBackend) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	kept := f.sessions[:0]
	for _, s := range f.sessions {
		if s.SessionID != id {
			kept = append(kept, s)
		}
	}
	f.sessions = kept
	return nil
}

func newDirectory(backend *fakeBackend) (*Directory, *notify.Center) {
	center := notify.NewCenter(clock.NewManual(time.Unix(0, 0)))
	return New(backend, center), center
}

func lastToast(t *testing.T, c *notify.Center) domain.Toast {
	t.Helper()
	toasts := c.List()
	if len(toasts) == 0 {
		t.Fatalf("expected a toast")
	}
	return toasts[len(toasts)-1]
}

func TestRefreshSelectsFirstWhenNoneSelected(t *testing.T) {
	backend := &fakeBackend{sessions: []domain.Session{{SessionID: "s2"}, {SessionID: "s1"}}}
	d, _ := newDirectory(backend)
	var selected []string
	d.OnSelect(func(id string) { selected = append(selected, id) })

	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if d.Current() != "s2" {
		t.Fatalf("expected most recent session selected, got %q", d.Current())
	}
	if len(selected) != 1 || selected[0] != "s2" {
		t.Fatalf("expected one select hook call, got %v", selected)
	}

	d.Select("s1")
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if d.Current() != "s1" {
		t.Fatalf("refresh must keep an existing selection, got %q", d.Current())
	}
}

func TestRefreshEmptyLeavesNoneSelected(t *testing.T) {
	d, _ := newDirectory(&fakeBackend{})
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if d.Current() != "" || len(d.Sessions()) != 0 {
		t.Fatalf("expected empty directory, got %q %v", d.Current(), d.Sessions())
	}
}

func TestRefreshFailureToastsBackendMessage(t *testing.T) {
	backend := &fakeBackend{listErr: &functions.BackendError{Function: functions.FnListSessions, Message: "quota exceeded"}}
	d, center := newDirectory(backend)
	if err := d.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	toast := lastToast(t, center)
	if toast.Type != domain.ToastError || toast.Message != "quota exceeded" {
		t.Fatalf("unexpected toast %+v", toast)
	}

	backend.listErr = errors.New("dial tcp: refused")
	_ = d.Refresh(context.Background())
	if got := lastToast(t, center).Message; got != "Failed to load sessions" {
		t.Fatalf("expected fallback message, got %q", got)
	}
	if d.Loading() {
		t.Fatalf("loading must clear after a failed refresh")
	}
}

func TestCreateSelectsAndRefreshes(t *testing.T) {
	backend := &fakeBackend{sessions: []domain.Session{{SessionID: "old"}}, nextID: "new"}
	d, center := newDirectory(backend)
	_ = d.Refresh(context.Background())

	created, err := d.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.SessionID != "new" || created.DisplayName() != "New Chat" {
		t.Fatalf("unexpected created session %+v", created)
	}
	if d.Current() != "new" {
		t.Fatalf("expected new session selected, got %q", d.Current())
	}
	sessions := d.Sessions()
	if len(sessions) != 2 || sessions[0].SessionID != "new" {
		t.Fatalf("expected mirror refreshed from backend, got %+v", sessions)
	}
	if toast := lastToast(t, center); toast.Type != domain.ToastSuccess || toast.Message != "New session created" {
		t.Fatalf("unexpected toast %+v", toast)
	}
}

func TestCreateIsSingleFlight(t *testing.T) {
	backend := &fakeBackend{nextID: "new", block: make(chan struct{})}
	d, _ := newDirectory(backend)

	done := make(chan error, 1)
	go func() {
		_, err := d.Create(context.Background())
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !d.Creating() {
		if time.Now().After(deadline) {
			t.Fatalf("first create never started")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := d.Create(context.Background()); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	close(backend.block)
	if err := <-done; err != nil {
		t.Fatalf("first create: %v", err)
	}
}

func TestCreateFailureKeepsSelection(t *testing.T) {
	backend := &fakeBackend{sessions: []domain.Session{{SessionID: "s1"}}, createErr: errors.New("boom")}
	d, center := newDirectory(backend)
	_ = d.Refresh(context.Background())

	if _, err := d.Create(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if d.Current() != "s1" {
		t.Fatalf("selection must not change on failure, got %q", d.Current())
	}
	if got := lastToast(t, center).Message; got != "Failed to create new session" {
		t.Fatalf("unexpected toast message %q", got)
	}
}

func TestDeleteActiveSelectsFirstRemaining(t *testing.T) {
	backend := &fakeBackend{sessions: []domain.Session{{SessionID: "a"}, {SessionID: "b"}, {SessionID: "c"}}}
	d, center := newDirectory(backend)
	_ = d.Refresh(context.Background())
	if d.Current() != "a" {
		t.Fatalf("expected a selected, got %q", d.Current())
	}

	if err := d.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if d.Current() != "b" {
		t.Fatalf("expected first remaining session, got %q", d.Current())
	}
	if len(d.Sessions()) != 2 {
		t.Fatalf("expected refreshed mirror, got %+v", d.Sessions())
	}
	if got := lastToast(t, center).Message; got != "Session deleted" {
		t.Fatalf("unexpected toast %q", got)
	}
}

func TestDeleteOnlySessionClearsSelection(t *testing.T) {
	backend := &fakeBackend{sessions: []domain.Session{{SessionID: "only"}}}
	d, _ := newDirectory(backend)
	_ = d.Refresh(context.Background())
	var selected []string
	d.OnSelect(func(id string) { selected = append(selected, id) })

	if err := d.Delete(context.Background(), "only"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if d.Current() != "" {
		t.Fatalf("expected no selection, got %q", d.Current())
	}
	if len(selected) != 1 || selected[0] != "" {
		t.Fatalf("expected hook to observe the cleared selection, got %v", selected)
	}
}

func TestDeleteInactiveKeepsSelection(t *testing.T) {
	backend := &fakeBackend{sessions: []domain.Session{{SessionID: "a"}, {SessionID: "b"}}}
	d, _ := newDirectory(backend)
	_ = d.Refresh(context.Background())

	if err := d.Delete(context.Background(), "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if d.Current() != "a" {
		t.Fatalf("expected selection unchanged, got %q", d.Current())
	}
}

func TestDeleteFailureToastsFallback(t *testing.T) {
	backend := &fakeBackend{sessions: []domain.Session{{SessionID: "a"}}, deleteErr: &functions.BackendError{Function: functions.FnDeleteSession}}
	d, center := newDirectory(backend)
	_ = d.Refresh(context.Background())
	lists := backend.lists

	if err := d.Delete(context.Background(), "a"); err == nil {
		t.Fatalf("expected error")
	}
	if got := lastToast(t, center).Message; got != "Failed to delete session" {
		t.Fatalf("unexpected toast %q", got)
	}
	if d.Current() != "a" || backend.lists != lists {
		t.Fatalf("failed delete must not change selection or refresh")
	}
	if err := d.Delete(context.Background(), " "); !errors.Is(err, ErrSessionRequired) {
		t.Fatalf("expected ErrSessionRequired, got %v", err)
	}
}
