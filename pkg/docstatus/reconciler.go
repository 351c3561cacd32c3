package docstatus

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"chatwithit/pkg/clock"
	"chatwithit/pkg/domain"
	"chatwithit/pkg/feed"
)

var ErrClosed = errors.New("status reconciler closed")

// Source delivers full snapshots of a user's processing statuses ordered by
// updated_at descending.
type Source interface {
	SubscribeStatuses(ctx context.Context, userID string, onSnapshot func([]domain.DocumentProcessingStatus), onError func(error)) (feed.Unsubscribe, error)
}

// Reconciler owns the last known statuses and the pending-deletion set.
type Reconciler struct {
	source Source
	clock  clock.Clock

	mu       sync.Mutex
	userID   string
	gen      uint64
	statuses []domain.DocumentProcessingStatus
	pending  Pending
	unsub    feed.Unsubscribe
	closed   bool
	onChange func([]domain.DocumentProcessingStatus)
}

// New constructs a reconciler. A nil clock uses wall time.
func New(source Source, clk clock.Clock) *Reconciler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Reconciler{source: source, clock: clk, pending: Pending{}}
}

// OnChange registers a hook called after every applied push.
func (r *Reconciler) OnChange(fn func([]domain.DocumentProcessingStatus)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Start subscribes to userID's status feed, replacing any earlier
// subscription. The subscription outlives ctx and ends on Close.
func (r *Reconciler) Start(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("user id is required")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.gen++
	gen := r.gen
	prev := r.unsub
	r.unsub = nil
	if r.userID != userID {
		r.statuses = nil
		r.pending = Pending{}
	}
	r.userID = userID
	r.mu.Unlock()

	if prev != nil {
		prev()
	}

	unsub, err := r.source.SubscribeStatuses(context.WithoutCancel(ctx), userID,
		func(statuses []domain.DocumentProcessingStatus) { r.apply(gen, statuses) },
		func(err error) {
			slog.Warn("status feed error", "user_id", userID, "err", err)
			r.apply(gen, nil)
		},
	)
	if err != nil {
		slog.Warn("status subscription failed", "user_id", userID, "err", err)
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

// apply replaces the status set. Names reported as deleting become pending;
// pending names missing from the push start their grace window now.
func (r *Reconciler) apply(gen uint64, statuses []domain.DocumentProcessingStatus) {
	now := r.clock.Now()
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	present := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		present[st.FileName] = true
		if st.Status == domain.ProcessingDeleting {
			r.pending[st.FileName] = time.Time{}
		}
	}
	for name, goneAt := range r.pending {
		switch {
		case present[name]:
			if !goneAt.IsZero() {
				r.pending[name] = time.Time{}
			}
		case goneAt.IsZero():
			r.pending[name] = now
		}
	}
	r.pruneLocked(now)
	if statuses == nil {
		statuses = []domain.DocumentProcessingStatus{}
	}
	r.statuses = statuses
	hook := r.onChange
	r.mu.Unlock()
	if hook != nil {
		hook(copyStatuses(statuses))
	}
}

func (r *Reconciler) pruneLocked(now time.Time) {
	for name := range r.pending {
		if !r.pending.Active(name, now) {
			delete(r.pending, name)
		}
	}
}

// Statuses returns the last pushed set.
func (r *Reconciler) Statuses() []domain.DocumentProcessingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyStatuses(r.statuses)
}

// Pending returns the names currently pending deletion.
func (r *Reconciler) Pending() []string {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	names := make([]string, 0, len(r.pending))
	for name := range r.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// View merges docs with the current state at the clock's now.
func (r *Reconciler) View(docs []domain.Document) []View {
	now := r.clock.Now()
	r.mu.Lock()
	r.pruneLocked(now)
	statuses := r.statuses
	pending := make(Pending, len(r.pending))
	for k, v := range r.pending {
		pending[k] = v
	}
	r.mu.Unlock()
	return Merge(docs, statuses, pending, now)
}

// CanDelete is false while fileName is being deleted or pending deletion.
func (r *Reconciler) CanDelete(fileName string) bool {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending.Active(fileName, now) {
		return false
	}
	for _, st := range r.statuses {
		if st.FileName == fileName {
			return st.Status != domain.ProcessingDeleting
		}
	}
	return true
}

// Close tears the subscription down.
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
	r.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func copyStatuses(statuses []domain.DocumentProcessingStatus) []domain.DocumentProcessingStatus {
	out := make([]domain.DocumentProcessingStatus, len(statuses))
	copy(out, statuses)
	return out
}
