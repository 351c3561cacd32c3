package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatwithit/internal/usertoken"
	"chatwithit/pkg/chat"
	"chatwithit/pkg/clock"
	"chatwithit/pkg/docstatus"
	"chatwithit/pkg/documents"
	"chatwithit/pkg/domain"
	"chatwithit/pkg/functions"
	"chatwithit/pkg/markdown"
	"chatwithit/pkg/messages"
	"chatwithit/pkg/notify"
	"chatwithit/pkg/sessions"
	"chatwithit/pkg/storage"
)

// Verifier checks the ID token presented at sign-in.
type Verifier interface {
	Verify(ctx context.Context, token string) (usertoken.Identity, error)
}

// Feed is the push side of the backend.
type Feed interface {
	messages.Source
	docstatus.Source
}

// Backend is the callable-function side of the backend.
type Backend interface {
	sessions.Backend
	chat.Backend
	documents.Remover
}

// Config holds runtime configuration for the core application.
type Config struct {
	Verifier     Verifier
	Feed         Feed
	Store        storage.BlobStore
	NewBackend   func(idToken string) (Backend, error)
	Clock        clock.Clock
	Renderer     markdown.Renderer
	PollInterval time.Duration
}

// App is the per-process AppState: one signed-in user and the live views
// derived for them. Until Init succeeds every operation fails with
// ErrUnauthenticated.
type App struct {
	cfg    Config
	toasts *notify.Center

	mu       sync.Mutex
	rt       *runtime
	authErr  error
	disposed bool
}

// runtime is everything bound to one signed-in user.
type runtime struct {
	identity usertoken.Identity
	cancel   context.CancelFunc
	sessions *sessions.Directory
	messages *messages.Reconciler
	chat     *chat.Orchestrator
	docs     *documents.Directory
	statuses *docstatus.Reconciler
}

// New validates wiring. Nothing is started until Init.
func New(cfg Config) (*App, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("app: token verifier required")
	}
	if cfg.Feed == nil {
		return nil, errors.New("app: push feed required")
	}
	if cfg.Store == nil {
		return nil, errors.New("app: blob store required")
	}
	if cfg.NewBackend == nil {
		return nil, errors.New("app: backend factory required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Renderer == nil {
		cfg.Renderer = markdown.New()
	}
	return &App{
		cfg:     cfg,
		toasts:  notify.NewCenter(cfg.Clock),
		authErr: ErrUnauthenticated,
	}, nil
}

// Init signs a user in: it verifies idToken, starts the status feed and the
// document poller, and loads sessions. The first session selected switches
// the message feed on. A previous user is disposed first.
func (a *App) Init(ctx context.Context, idToken string) (usertoken.Identity, error) {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return usertoken.Identity{}, ErrDisposed
	}
	a.mu.Unlock()

	identity, err := a.cfg.Verifier.Verify(ctx, strings.TrimSpace(idToken))
	if err != nil {
		slog.Warn("sign-in rejected", "err", err)
		a.block(err)
		return usertoken.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	backend, err := a.cfg.NewBackend(idToken)
	if err != nil {
		return usertoken.Identity{}, fmt.Errorf("init backend: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt := &runtime{identity: identity, cancel: cancel}

	rt.statuses = docstatus.New(a.cfg.Feed, a.cfg.Clock)
	if err := rt.statuses.Start(runCtx, identity.UserID); err != nil {
		slog.Warn("status feed unavailable", "user_id", identity.UserID, "err", err)
	}

	rt.docs, err = documents.New(documents.Config{
		UserID:       identity.UserID,
		Store:        a.cfg.Store,
		Remover:      backend,
		Notifier:     a.toasts,
		Clock:        a.cfg.Clock,
		PollInterval: a.cfg.PollInterval,
	})
	if err != nil {
		rt.statuses.Close()
		cancel()
		return usertoken.Identity{}, fmt.Errorf("init documents: %w", err)
	}
	rt.docs.SetGuard(rt.statuses)

	rt.messages = messages.New(a.cfg.Feed, a.cfg.Renderer)
	rt.sessions = sessions.New(backend, a.toasts)
	rt.sessions.OnSelect(func(sessionID string) {
		if err := rt.messages.SetSession(runCtx, sessionID); err != nil {
			slog.Warn("switch message feed failed", "session_id", sessionID, "err", err)
		}
	})
	rt.chat = chat.New(backend, rt.sessions, a.toasts)

	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		rt.shutdown()
		return usertoken.Identity{}, ErrDisposed
	}
	prev := a.rt
	a.rt = rt
	a.authErr = nil
	a.mu.Unlock()
	if prev != nil {
		prev.shutdown()
	}

	rt.docs.Start(runCtx)
	if err := a.checkAuth(rt, rt.sessions.Refresh(ctx)); errors.Is(err, ErrUnauthenticated) {
		return usertoken.Identity{}, err
	}
	slog.Info("signed in", "user_id", identity.UserID, "expires_at", identity.ExpiresAt)
	return identity, nil
}

// block records an authentication failure. A signed-in user is torn down.
func (a *App) block(err error) {
	a.mu.Lock()
	prev := a.rt
	a.rt = nil
	a.authErr = fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	a.mu.Unlock()
	if prev != nil {
		prev.shutdown()
	}
}

// checkAuth blocks the App when the backend rejected rt's ID token. Other
// errors pass through unchanged.
func (a *App) checkAuth(rt *runtime, err error) error {
	if err == nil || !functions.IsUnauthenticated(err) {
		return err
	}
	a.mu.Lock()
	if a.rt != rt {
		a.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	a.rt = nil
	a.authErr = fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	blocked := a.authErr
	a.mu.Unlock()
	slog.Warn("id token rejected by backend, signing out", "user_id", rt.identity.UserID, "err", err)
	rt.shutdown()
	return blocked
}

// Dispose tears everything down in reverse start order. It is idempotent.
func (a *App) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	prev := a.rt
	a.rt = nil
	a.mu.Unlock()
	if prev != nil {
		prev.shutdown()
	}
	a.toasts.Close()
}

func (rt *runtime) shutdown() {
	rt.messages.Close()
	rt.docs.Stop()
	rt.statuses.Close()
	rt.cancel()
}

// current returns the signed-in runtime. An ID token past its expiry signs
// the user out first.
func (a *App) current() (*runtime, error) {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return nil, ErrDisposed
	}
	rt := a.rt
	if rt == nil {
		err := a.authErr
		a.mu.Unlock()
		return nil, err
	}
	expiresAt := rt.identity.ExpiresAt
	if expiresAt.IsZero() || a.cfg.Clock.Now().Before(expiresAt) {
		a.mu.Unlock()
		return rt, nil
	}
	a.rt = nil
	a.authErr = fmt.Errorf("%w: id token expired at %s", ErrUnauthenticated, expiresAt.UTC().Format(time.RFC3339))
	err := a.authErr
	a.mu.Unlock()
	slog.Info("id token expired, signing out", "user_id", rt.identity.UserID, "expires_at", expiresAt)
	rt.shutdown()
	return nil, err
}

// Identity returns the signed-in user.
func (a *App) Identity() (usertoken.Identity, error) {
	rt, err := a.current()
	if err != nil {
		return usertoken.Identity{}, err
	}
	return rt.identity, nil
}

// State summarizes loading flags and the upload policy.
type State struct {
	UserID           string `json:"userId"`
	Email            string `json:"email,omitempty"`
	CurrentSession   string `json:"currentSession,omitempty"`
	SessionsLoading  bool   `json:"sessionsLoading"`
	CreatingSession  bool   `json:"creatingSession"`
	ChatLoading      bool   `json:"chatLoading"`
	DocumentsLoading bool   `json:"documentsLoading"`
	Uploading        bool   `json:"uploading"`
	DocumentCount    int    `json:"documentCount"`
	UploadLimit      int    `json:"uploadLimit"`
	CanUpload        bool   `json:"canUpload"`
	UploadTooltip    string `json:"uploadTooltip,omitempty"`
}

func (a *App) State() (State, error) {
	rt, err := a.current()
	if err != nil {
		return State{}, err
	}
	return State{
		UserID:           rt.identity.UserID,
		Email:            rt.identity.Email,
		CurrentSession:   rt.sessions.Current(),
		SessionsLoading:  rt.sessions.Loading(),
		CreatingSession:  rt.sessions.Creating(),
		ChatLoading:      rt.chat.Loading(),
		DocumentsLoading: rt.docs.Loading(),
		Uploading:        rt.docs.Uploading(),
		DocumentCount:    len(rt.docs.Documents()),
		UploadLimit:      documents.UploadLimit,
		CanUpload:        rt.docs.CanUpload(),
		UploadTooltip:    rt.docs.UploadTooltip(),
	}, nil
}

// SessionList is the sidebar view.
type SessionList struct {
	Sessions []domain.Session `json:"sessions"`
	Current  string           `json:"current,omitempty"`
	Loading  bool             `json:"loading"`
}

func (a *App) Sessions() (SessionList, error) {
	rt, err := a.current()
	if err != nil {
		return SessionList{}, err
	}
	return SessionList{Sessions: rt.sessions.Sessions(), Current: rt.sessions.Current(), Loading: rt.sessions.Loading()}, nil
}

func (a *App) RefreshSessions(ctx context.Context) error {
	rt, err := a.current()
	if err != nil {
		return err
	}
	return a.checkAuth(rt, rt.sessions.Refresh(ctx))
}

func (a *App) CreateSession(ctx context.Context) (domain.Session, error) {
	rt, err := a.current()
	if err != nil {
		return domain.Session{}, err
	}
	session, err := rt.sessions.Create(ctx)
	return session, a.checkAuth(rt, err)
}

func (a *App) DeleteSession(ctx context.Context, sessionID string) error {
	rt, err := a.current()
	if err != nil {
		return err
	}
	return a.checkAuth(rt, rt.sessions.Delete(ctx, sessionID))
}

func (a *App) SelectSession(sessionID string) error {
	rt, err := a.current()
	if err != nil {
		return err
	}
	rt.sessions.Select(sessionID)
	return nil
}

// Messages returns the rendered messages of the selected session.
func (a *App) Messages() (string, []messages.View, error) {
	rt, err := a.current()
	if err != nil {
		return "", nil, err
	}
	return rt.messages.Session(), rt.messages.View(), nil
}

// Chat submits prompt to sessionID, or to the selected session when empty.
func (a *App) Chat(ctx context.Context, prompt, sessionID string) error {
	rt, err := a.current()
	if err != nil {
		return err
	}
	if sessionID == "" {
		sessionID = rt.sessions.Current()
	}
	return a.checkAuth(rt, rt.chat.Submit(ctx, prompt, sessionID))
}

// DocumentList is the document management view.
type DocumentList struct {
	Documents []docstatus.View `json:"documents"`
	Loading   bool             `json:"loading"`
}

func (a *App) Documents() (DocumentList, error) {
	rt, err := a.current()
	if err != nil {
		return DocumentList{}, err
	}
	views := rt.statuses.View(rt.docs.Documents())
	for i := range views {
		if rt.docs.Deleting(views[i].Document.Name) {
			views[i].DeleteInFlight = true
			views[i].CanDelete = false
		}
	}
	return DocumentList{Documents: views, Loading: rt.docs.Loading()}, nil
}

func (a *App) Upload(ctx context.Context, files ...documents.File) error {
	rt, err := a.current()
	if err != nil {
		return err
	}
	return rt.docs.Upload(ctx, files...)
}

func (a *App) DeleteDocument(ctx context.Context, fileName string) error {
	rt, err := a.current()
	if err != nil {
		return err
	}
	return rt.docs.Delete(ctx, fileName)
}

// Toasts are process-wide and readable without a signed-in user.
func (a *App) Toasts() []domain.Toast {
	return a.toasts.List()
}

func (a *App) DismissToast(id string) bool {
	return a.toasts.Dismiss(id)
}
