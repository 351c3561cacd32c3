package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"chatwithit/pkg/functions"
	"chatwithit/pkg/notify"
)

const (
	errorTitle      = "Chat Error"
	fallbackMessage = "Sorry, I encountered an error. Please try again."
)

// ErrInFlight is returned while a previous submission is still pending.
var ErrInFlight = errors.New("chat submission already in flight")

// ValidationError rejects a submission before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Backend triggers an assistant turn.
type Backend interface {
	Chat(ctx context.Context, req functions.ChatRequest) error
}

// Refresher reloads the session list after a turn.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Orchestrator submits prompts one at a time. The reply is never appended
// locally; it arrives through the message feed.
type Orchestrator struct {
	backend  Backend
	sessions Refresher
	notifier notify.Notifier
	newID    func() string

	mu      sync.Mutex
	loading bool
}

func New(backend Backend, sessions Refresher, notifier notify.Notifier) *Orchestrator {
	return &Orchestrator{
		backend:  backend,
		sessions: sessions,
		notifier: notifier,
		newID:    uuid.NewString,
	}
}

// Submit sends prompt to sessionID. On failure an error toast is shown and
// the prompt is discarded.
func (o *Orchestrator) Submit(ctx context.Context, prompt, sessionID string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return &ValidationError{Field: "prompt", Message: "is required"}
	}
	if strings.TrimSpace(sessionID) == "" {
		return &ValidationError{Field: "sessionId", Message: "is required"}
	}

	o.mu.Lock()
	if o.loading {
		o.mu.Unlock()
		return ErrInFlight
	}
	o.loading = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.loading = false
		o.mu.Unlock()
	}()

	req := functions.ChatRequest{Prompt: prompt, SessionID: sessionID, ClientMessageID: o.newID()}
	if err := o.backend.Chat(ctx, req); err != nil {
		slog.Error("chat failed", "session_id", sessionID, "client_message_id", req.ClientMessageID, "err", err)
		o.notifier.Error(functions.UserMessage(err, fallbackMessage), errorTitle)
		return err
	}
	if o.sessions != nil {
		_ = o.sessions.Refresh(ctx)
	}
	return nil
}

// Loading reports whether a submission is pending.
func (o *Orchestrator) Loading() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loading
}
