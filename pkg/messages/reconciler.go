package messages

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatwithit/pkg/domain"
	"chatwithit/pkg/feed"
	"chatwithit/pkg/markdown"
)

// ErrClosed is returned by SetSession after Close.
var ErrClosed = errors.New("message reconciler closed")

// Source delivers full snapshots of a session's messages ordered by createdAt.
type Source interface {
	SubscribeMessages(ctx context.Context, sessionID string, onSnapshot func([]domain.Message), onError func(error)) (feed.Unsubscribe, error)
}

// Reconciler mirrors the message stream of the selected session. Every
// snapshot replaces the local list; snapshots of a previous session are
// dropped by generation.
type Reconciler struct {
	source   Source
	renderer markdown.Renderer

	mu       sync.Mutex
	session  string
	gen      uint64
	messages []domain.Message
	unsub    feed.Unsubscribe
	closed   bool
	onChange func([]domain.Message)
}

// New constructs a reconciler. A nil renderer uses the default markdown renderer.
func New(source Source, renderer markdown.Renderer) *Reconciler {
	if renderer == nil {
		renderer = markdown.New()
	}
	return &Reconciler{source: source, renderer: renderer}
}

// OnChange registers a hook called with every accepted snapshot.
func (r *Reconciler) OnChange(fn func([]domain.Message)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// SetSession switches the live subscription to sessionID. The list is cleared
// immediately; an empty id only tears the previous subscription down. The
// subscription outlives ctx and ends on the next SetSession or Close.
func (r *Reconciler) SetSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.gen++
	gen := r.gen
	prev := r.unsub
	r.unsub = nil
	r.session = sessionID
	r.messages = nil
	hook := r.onChange
	r.mu.Unlock()

	if prev != nil {
		prev()
	}
	if hook != nil {
		hook(nil)
	}
	if sessionID == "" {
		return nil
	}

	unsub, err := r.source.SubscribeMessages(context.WithoutCancel(ctx), sessionID,
		func(msgs []domain.Message) { r.apply(gen, msgs) },
		func(err error) { r.fail(gen, err) },
	)
	if err != nil {
		slog.Warn("message subscription failed", "session_id", sessionID, "err", err)
		return err
	}

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		unsub()
		return nil
	}
	r.unsub = unsub
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) apply(gen uint64, msgs []domain.Message) {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		slog.Debug("discard stale message snapshot", "generation", gen)
		return
	}
	r.messages = msgs
	hook := r.onChange
	r.mu.Unlock()
	if hook != nil {
		hook(copyMessages(msgs))
	}
}

func (r *Reconciler) fail(gen uint64, err error) {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	session := r.session
	r.messages = nil
	hook := r.onChange
	r.mu.Unlock()
	slog.Warn("message feed error", "session_id", session, "err", err)
	if hook != nil {
		hook(nil)
	}
}

// Session returns the subscribed session id.
func (r *Reconciler) Session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Messages returns a copy of the current list.
func (r *Reconciler) Messages() []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyMessages(r.messages)
}

// Close tears the subscription down. Later snapshots are ignored.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.gen++
	prev := r.unsub
	r.unsub = nil
	r.session = ""
	r.messages = nil
	r.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// View is the render model of one message.
type View struct {
	ID        string      `json:"id"`
	Role      domain.Role `json:"role"`
	Text      string      `json:"text,omitempty"`
	HTML      []string    `json:"html,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// View renders the current list. User text stays literal, assistant text
// items become sanitized HTML fragments.
func (r *Reconciler) View() []View {
	msgs := r.Messages()
	out := make([]View, 0, len(msgs))
	for _, m := range msgs {
		v := View{ID: m.ID, Role: m.Role, CreatedAt: m.CreatedAt.Time}
		switch m.Role {
		case domain.RoleUser:
			v.Text = m.Text
		case domain.RoleAssistant:
			for _, item := range m.Items {
				if item.Type != "" && item.Type != "text" {
					continue
				}
				v.HTML = append(v.HTML, r.renderer.Render(item.Text))
			}
		}
		out = append(out, v)
	}
	return out
}

func copyMessages(msgs []domain.Message) []domain.Message {
	if msgs == nil {
		return nil
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}
