package notify

import (
	"log/slog"
	"sync"
	"time"

	"chatwithit/internal/util"
	"chatwithit/pkg/clock"
	"chatwithit/pkg/domain"
)

// DefaultDuration applies when a toast has no duration set.
const DefaultDuration = 10 * time.Second

// Notifier is the subset of the center used by other components.
type Notifier interface {
	Success(message, title string) domain.Toast
	Error(message, title string) domain.Toast
	Warning(message, title string) domain.Toast
	Info(message, title string) domain.Toast
}

// Center keeps the process-wide, insertion-ordered toast queue.
type Center struct {
	clock clock.Clock
	newID func() string

	mu       sync.Mutex
	toasts   []domain.Toast
	timers   map[string]clock.Timer
	closed   bool
	onChange func([]domain.Toast)
}

// Option customizes a Center.
type Option func(*Center)

// WithIDs overrides toast id generation.
func WithIDs(fn func() string) Option {
	return func(c *Center) { c.newID = fn }
}

// WithOnChange registers a hook called with a copy of the queue after every change.
func WithOnChange(fn func([]domain.Toast)) Option {
	return func(c *Center) { c.onChange = fn }
}

// NewCenter constructs a toast center. A nil clock uses wall time.
func NewCenter(clk clock.Clock, opts ...Option) *Center {
	if clk == nil {
		clk = clock.Real()
	}
	c := &Center{
		clock:  clk,
		newID:  util.NewID,
		timers: make(map[string]clock.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Show enqueues a toast and schedules its removal. A zero duration means the
// default; a negative duration keeps the toast until dismissed.
func (c *Center) Show(t domain.Toast) domain.Toast {
	if t.Type == "" {
		t.Type = domain.ToastInfo
	}
	if t.DurationMs == 0 {
		t.DurationMs = int(DefaultDuration / time.Millisecond)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		slog.Warn("toast dropped after close", "type", t.Type, "message", t.Message)
		return t
	}
	t.ID = c.newID()
	c.toasts = append(c.toasts, t)
	if t.DurationMs > 0 {
		id := t.ID
		c.timers[id] = c.clock.AfterFunc(time.Duration(t.DurationMs)*time.Millisecond, func() {
			c.expire(id)
		})
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snapshot)
	return t
}

func (c *Center) Success(message, title string) domain.Toast {
	return c.Show(domain.Toast{Type: domain.ToastSuccess, Message: message, Title: title})
}

func (c *Center) Error(message, title string) domain.Toast {
	return c.Show(domain.Toast{Type: domain.ToastError, Message: message, Title: title})
}

func (c *Center) Warning(message, title string) domain.Toast {
	return c.Show(domain.Toast{Type: domain.ToastWarning, Message: message, Title: title})
}

func (c *Center) Info(message, title string) domain.Toast {
	return c.Show(domain.Toast{Type: domain.ToastInfo, Message: message, Title: title})
}

// Dismiss removes a toast before its timer fires. Unknown ids are ignored.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	if timer, ok := c.timers[id]; ok {
		timer.Stop()
		delete(c.timers, id)
	}
	removed := c.removeLocked(id)
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	if removed {
		c.notify(snapshot)
	}
	return removed
}

// List returns the toasts in insertion order.
func (c *Center) List() []domain.Toast {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Close cancels all pending timers and clears the queue.
func (c *Center) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.toasts = nil
	c.closed = true
}

func (c *Center) expire(id string) {
	c.mu.Lock()
	delete(c.timers, id)
	removed := c.removeLocked(id)
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	if removed {
		c.notify(snapshot)
	}
}

func (c *Center) removeLocked(id string) bool {
	for i, t := range c.toasts {
		if t.ID == id {
			c.toasts = append(c.toasts[:i], c.toasts[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Center) snapshotLocked() []domain.Toast {
	out := make([]domain.Toast, len(c.toasts))
	copy(out, c.toasts)
	return out
}

func (c *Center) notify(snapshot []domain.Toast) {
	if c.onChange != nil {
		c.onChange(snapshot)
	}
}
