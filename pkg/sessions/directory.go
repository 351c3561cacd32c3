package sessions

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"chatwithit/pkg/domain"
	"chatwithit/pkg/functions"
	"chatwithit/pkg/notify"
)

var (
	// ErrInFlight is returned when the same mutation is already pending.
	ErrInFlight = errors.New("session operation already in flight")
	// ErrSessionRequired is returned for an empty session id.
	ErrSessionRequired = errors.New("session id is required")
)

const (
	msgLoadFailed   = "Failed to load sessions"
	msgCreateFailed = "Failed to create new session"
	msgDeleteFailed = "Failed to delete session"
	msgCreated      = "New session created"
	msgDeleted      = "Session deleted"
)

// Backend is the session API of the callable functions.
type Backend interface {
	ListSessions(ctx context.Context) ([]domain.Session, error)
	CreateSession(ctx context.Context) (functions.CreatedSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Directory mirrors the user's sessions and owns the current selection. The
// mirror is only ever replaced by a fresh list from the backend.
type Directory struct {
	backend  Backend
	notifier notify.Notifier

	mu       sync.Mutex
	sessions []domain.Session
	current  string
	loading  bool
	creating bool
	deleting map[string]bool
	onSelect func(sessionID string)
}

// New constructs a directory.
func New(backend Backend, notifier notify.Notifier) *Directory {
	return &Directory{
		backend:  backend,
		notifier: notifier,
		deleting: make(map[string]bool),
	}
}

// OnSelect registers the hook called with the new selection ("" for none)
// whenever it changes.
func (d *Directory) OnSelect(fn func(sessionID string)) {
	d.mu.Lock()
	d.onSelect = fn
	d.mu.Unlock()
}

// List fetches the sessions without touching the mirror.
func (d *Directory) List(ctx context.Context) ([]domain.Session, error) {
	return d.backend.ListSessions(ctx)
}

// Refresh re-lists sessions and replaces the mirror. With nothing selected,
// the first (most recent) session becomes current.
func (d *Directory) Refresh(ctx context.Context) error {
	d.mu.Lock()
	d.loading = true
	d.mu.Unlock()

	sessions, err := d.backend.ListSessions(ctx)

	d.mu.Lock()
	d.loading = false
	if err != nil {
		d.mu.Unlock()
		slog.Error("list sessions failed", "err", err)
		d.notifier.Error(functions.UserMessage(err, msgLoadFailed), "")
		return err
	}
	d.sessions = sessions
	changed := false
	if d.current == "" && len(sessions) > 0 {
		d.current = sessions[0].SessionID
		changed = true
	}
	current, hook := d.current, d.onSelect
	d.mu.Unlock()

	if changed && hook != nil {
		hook(current)
	}
	return nil
}

// Create asks the backend for a new session, selects it and refreshes.
func (d *Directory) Create(ctx context.Context) (domain.Session, error) {
	d.mu.Lock()
	if d.creating {
		d.mu.Unlock()
		return domain.Session{}, ErrInFlight
	}
	d.creating = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.creating = false
		d.mu.Unlock()
	}()

	created, err := d.backend.CreateSession(ctx)
	if err != nil {
		slog.Error("create session failed", "err", err)
		d.notifier.Error(functions.UserMessage(err, msgCreateFailed), "")
		return domain.Session{}, err
	}
	session := domain.Session{SessionID: created.SessionID}
	if created.Name != nil {
		session.Name = *created.Name
	}
	d.Select(created.SessionID)
	d.notifier.Success(msgCreated, "")
	// A failed refresh is already surfaced; the session itself exists.
	_ = d.Refresh(ctx)
	return session, nil
}

// Delete removes a session and refreshes. Deleting the current session moves
// the selection to the first remaining one, or clears it.
func (d *Directory) Delete(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrSessionRequired
	}
	d.mu.Lock()
	if d.deleting[sessionID] {
		d.mu.Unlock()
		return ErrInFlight
	}
	d.deleting[sessionID] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.deleting, sessionID)
		d.mu.Unlock()
	}()

	if err := d.backend.DeleteSession(ctx, sessionID); err != nil {
		slog.Error("delete session failed", "session_id", sessionID, "err", err)
		d.notifier.Error(functions.UserMessage(err, msgDeleteFailed), "")
		return err
	}
	d.notifier.Success(msgDeleted, "")

	d.mu.Lock()
	if d.current == sessionID {
		next := ""
		for _, s := range d.sessions {
			if s.SessionID != sessionID {
				next = s.SessionID
				break
			}
		}
		d.mu.Unlock()
		d.Select(next)
	} else {
		d.mu.Unlock()
	}
	_ = d.Refresh(ctx)
	return nil
}

// Select makes sessionID current ("" clears the selection).
func (d *Directory) Select(sessionID string) {
	d.mu.Lock()
	if d.current == sessionID {
		d.mu.Unlock()
		return
	}
	d.current = sessionID
	hook := d.onSelect
	d.mu.Unlock()
	if hook != nil {
		hook(sessionID)
	}
}

// Current returns the selected session id, "" when none.
func (d *Directory) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Sessions returns the mirrored list in backend order.
func (d *Directory) Sessions() []domain.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Session, len(d.sessions))
	copy(out, d.sessions)
	return out
}

func (d *Directory) Loading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loading
}

func (d *Directory) Creating() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creating
}
