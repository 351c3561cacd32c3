package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"chatwithit/internal/usertoken"
	"chatwithit/pkg/clock"
	"chatwithit/pkg/domain"
	"chatwithit/pkg/feed"
	"chatwithit/pkg/functions"
	"chatwithit/pkg/storage"
	"chatwithit/services/desk/internal/app"
)

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (usertoken.Identity, error) {
	if token != "good-token" {
		return usertoken.Identity{}, usertoken.ErrInvalidToken
	}
	return usertoken.Identity{UserID: "u1", Email: "u1@example.com"}, nil
}

// expiringVerifier accepts good-token with a fixed expiry.
type expiringVerifier struct {
	expiresAt time.Time
}

func (v expiringVerifier) Verify(_ context.Context, token string) (usertoken.Identity, error) {
	if token != "good-token" {
		return usertoken.Identity{}, usertoken.ErrInvalidToken
	}
	return usertoken.Identity{UserID: "u1", ExpiresAt: v.expiresAt}, nil
}

type stubBackend struct {
	mu       sync.Mutex
	sessions []domain.Session
	chatErr  error
}

func (b *stubBackend) ListSessions(context.Context) ([]domain.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Session(nil), b.sessions...), nil
}

func (b *stubBackend) CreateSession(context.Context) (functions.CreatedSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = append([]domain.Session{{SessionID: "s-new", UserID: "u1"}}, b.sessions...)
	return functions.CreatedSession{SessionID: "s-new"}, nil
}

func (b *stubBackend) DeleteSession(context.Context, string) error { return nil }

func (b *stubBackend) Chat(context.Context, functions.ChatRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chatErr
}

func (b *stubBackend) DeleteDocument(context.Context, string) error { return nil }

type testServer struct {
	handler http.Handler
	backend *stubBackend
	store   *storage.MemoryStore
	clock   *clock.Manual
}

type serverOptions struct {
	authLimiter Limiter
	chatLimiter Limiter
	verifier    app.Verifier
}

type countLimiter struct {
	mu    sync.Mutex
	limit int
	seen  map[string]int
}

func (l *countLimiter) Allow(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string]int)
	}
	l.seen[key]++
	return l.seen[key] <= l.limit
}

func newTestServer(t *testing.T) *testServer {
	return newLimitedServer(t, nil, nil)
}

func newLimitedServer(t *testing.T, authLimiter, chatLimiter Limiter) *testServer {
	return newServerWith(t, serverOptions{authLimiter: authLimiter, chatLimiter: chatLimiter})
}

func newServerWith(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	f, err := feed.NewRedisFeed(feed.RedisFeedConfig{Addr: mr.Addr(), Prefix: "test"})
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	if opts.verifier == nil {
		opts.verifier = stubVerifier{}
	}
	clk := clock.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStore(clk.Now)
	backend := &stubBackend{sessions: []domain.Session{{SessionID: "s1", UserID: "u1"}}}
	a, err := app.New(app.Config{
		Verifier:   opts.verifier,
		Feed:       f,
		Store:      store,
		NewBackend: func(string) (app.Backend, error) { return backend, nil },
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(a.Dispose)
	srv := New(Config{
		App:         a,
		CORSOrigins: []string{"http://localhost:3000"},
		AuthLimiter: opts.authLimiter,
		ChatLimiter: opts.chatLimiter,
	})
	return &testServer{handler: srv.Router(), backend: backend, store: store, clock: clk}
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) signIn(t *testing.T) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/auth", strings.NewReader(`{"idToken":"good-token"}`))
	rec := ts.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("sign in: %d %s", rec.Code, rec.Body.String())
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestAPIRequiresSignIn(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/state", "/api/sessions", "/api/messages", "/api/documents", "/api/toasts"} {
		rec := ts.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/api/auth", strings.NewReader(`{"idToken":"forged"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected forged token rejected, got %d", rec.Code)
	}
}

func TestAuthAcceptsBearerHeader(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/auth", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := ts.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["userId"] != "u1" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestSessionsCreateAndSelect(t *testing.T) {
	ts := newTestServer(t)
	ts.signIn(t)

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var list app.SessionList
	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	decode(t, rec, &list)
	if list.Current != "s-new" || len(list.Sessions) != 2 {
		t.Fatalf("expected created session selected, got %+v", list)
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/s1/select", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("select: %d", rec.Code)
	}
	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/messages", nil))
	var msgs struct {
		SessionID string `json:"sessionId"`
		Count     int    `json:"count"`
	}
	decode(t, rec, &msgs)
	if msgs.SessionID != "s1" || msgs.Count != 0 {
		t.Fatalf("unexpected messages view %+v", msgs)
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/toasts", nil))
	var toasts struct {
		Items []domain.Toast `json:"items"`
	}
	decode(t, rec, &toasts)
	if len(toasts.Items) == 0 || toasts.Items[0].Message != "New session created" {
		t.Fatalf("expected success toast, got %+v", toasts.Items)
	}
	rec = ts.do(t, httptest.NewRequest(http.MethodDelete, "/api/toasts/"+toasts.Items[0].ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("dismiss: %d", rec.Code)
	}
	rec = ts.do(t, httptest.NewRequest(http.MethodDelete, "/api/toasts/"+toasts.Items[0].ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected second dismiss to miss, got %d", rec.Code)
	}
}

func TestChatValidationAndBackendErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.signIn(t)

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"prompt":"   "}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected blank prompt rejected, got %d", rec.Code)
	}
	rec = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected malformed body rejected, got %d", rec.Code)
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"prompt":"hello"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", rec.Code, rec.Body.String())
	}

	ts.backend.mu.Lock()
	ts.backend.chatErr = &functions.BackendError{Function: "chatWithRAG", Message: "quota exceeded"}
	ts.backend.mu.Unlock()
	rec = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"prompt":"hello","sessionId":"s1"}`)))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["error"] != "quota exceeded" {
		t.Fatalf("expected backend message, got %v", body)
	}
}

func TestChatTransportFailuresAreBadGateway(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"dial error", fmt.Errorf("chat: %w", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})},
		{"wrapped transport error", &functions.BackendError{Function: functions.FnChat, Err: errors.New("decode data: unexpected EOF")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.signIn(t)
			ts.backend.mu.Lock()
			ts.backend.chatErr = tc.err
			ts.backend.mu.Unlock()
			rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"prompt":"hello","sessionId":"s1"}`)))
			if rec.Code != http.StatusBadGateway {
				t.Fatalf("expected 502, got %d %s", rec.Code, rec.Body.String())
			}
			var body map[string]string
			decode(t, rec, &body)
			if body["error"] != "backend request failed" {
				t.Fatalf("expected generic backend message, got %v", body)
			}
		})
	}
}

func TestBackendRejectingTokenSignsOut(t *testing.T) {
	ts := newTestServer(t)
	ts.signIn(t)
	ts.backend.mu.Lock()
	ts.backend.chatErr = fmt.Errorf("chat: %w", &functions.APIError{Status: http.StatusUnauthorized, Code: "UNAUTHENTICATED"})
	ts.backend.mu.Unlock()

	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"prompt":"hello","sessionId":"s1"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 from chat, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/state", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected state blocked after rejection, got %d", rec.Code)
	}
}

func TestExpiredTokenBlocksState(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	ts := newServerWith(t, serverOptions{verifier: expiringVerifier{expiresAt: start.Add(time.Minute)}})
	ts.signIn(t)
	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/state", nil)); rec.Code != http.StatusOK {
		t.Fatalf("expected state before expiry, got %d", rec.Code)
	}
	ts.clock.Advance(time.Minute)
	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/state", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after expiry, got %d", rec.Code)
	}
}

func TestUploadListAndDeleteDocuments(t *testing.T) {
	ts := newTestServer(t)
	ts.signIn(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range []string{"a.pdf", "b.txt"} {
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		_, _ = part.Write([]byte("content of " + name))
	}
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := ts.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	var uploaded uploadResult
	decode(t, rec, &uploaded)
	if len(uploaded.Uploaded) != 2 || len(uploaded.Failed) != 0 {
		t.Fatalf("unexpected upload result %+v", uploaded)
	}
	if keys := ts.store.Keys(storage.DocumentPrefix("u1")); len(keys) != 2 {
		t.Fatalf("expected 2 stored objects, got %v", keys)
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/api/documents", nil))
	var list struct {
		Documents []struct {
			Document struct {
				Name string `json:"name"`
			} `json:"document"`
		} `json:"documents"`
	}
	decode(t, rec, &list)
	if len(list.Documents) != 2 {
		t.Fatalf("expected 2 documents, got %s", rec.Body.String())
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodDelete, "/api/documents/a.pdf", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, httptest.NewRequest(http.MethodDelete, "/api/documents/a.pdf", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected missing blob 404, got %d", rec.Code)
	}
	rec = ts.do(t, httptest.NewRequest(http.MethodDelete, "/api/documents/..", nil))
	if rec.Code == http.StatusOK {
		t.Fatalf("expected invalid name rejected")
	}
}

func uploadRequest(t *testing.T, names ...string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range names {
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		_, _ = part.Write([]byte("content of " + name))
	}
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadMixedBatchIsMultiStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.signIn(t)

	rec := ts.do(t, uploadRequest(t, "good.pdf", ".."))
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("expected 207, got %d %s", rec.Code, rec.Body.String())
	}
	var result uploadResult
	decode(t, rec, &result)
	if len(result.Uploaded) != 1 || result.Uploaded[0] != "good.pdf" {
		t.Fatalf("unexpected uploaded list %+v", result)
	}
	if len(result.Failed) != 1 || result.Failed[0].Name != ".." || result.Failed[0].Error == "" {
		t.Fatalf("unexpected failures %+v", result)
	}
	if keys := ts.store.Keys(storage.DocumentPrefix("u1")); len(keys) != 1 {
		t.Fatalf("expected the valid file stored, got %v", keys)
	}
}

func TestUploadAllRejectedIsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.signIn(t)

	rec := ts.do(t, uploadRequest(t, ".."))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", rec.Code, rec.Body.String())
	}
	var result uploadResult
	decode(t, rec, &result)
	if len(result.Uploaded) != 0 || len(result.Failed) != 1 {
		t.Fatalf("unexpected upload result %+v", result)
	}
}

func TestUploadRequiresFileField(t *testing.T) {
	ts := newTestServer(t)
	ts.signIn(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("note", "x")
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if rec := ts.do(t, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	ts.signIn(t)
	if rec := ts.do(t, httptest.NewRequest(http.MethodPut, "/api/sessions", nil)); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/api/auth", nil)); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRateLimitedRoutes(t *testing.T) {
	chatLimiter := &countLimiter{limit: 1}
	ts := newLimitedServer(t, &countLimiter{limit: 2}, chatLimiter)
	ts.signIn(t)
	ts.signIn(t)
	rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/api/auth", strings.NewReader(`{"idToken":"good-token"}`)))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected third sign-in limited, got %d", rec.Code)
	}

	rec = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"prompt":"one"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected first chat accepted, got %d", rec.Code)
	}
	rec = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"prompt":"two"}`)))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second chat limited, got %d", rec.Code)
	}
	if chatLimiter.seen["user:u1"] != 2 {
		t.Fatalf("expected chat limited per user, got %v", chatLimiter.seen)
	}
}
