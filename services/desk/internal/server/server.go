package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"

	"chatwithit/internal/util"
	"chatwithit/pkg/chat"
	"chatwithit/pkg/documents"
	"chatwithit/pkg/functions"
	"chatwithit/pkg/sessions"
	"chatwithit/pkg/storage"
	"chatwithit/services/desk/internal/app"
)

const (
	defaultMaxUploadBytes = 50 << 20
	multipartMemory       = 32 << 20
)

// Limiter reports whether key is within quota. A nil Limiter allows everything.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	CORSOrigins    []string
	MaxUploadBytes int64
	AuthLimiter    Limiter
	ChatLimiter    Limiter
}

// Server exposes the App's views and actions over a local JSON API.
type Server struct {
	app            *app.App
	corsOrigins    []string
	maxUploadBytes int64
	authLimiter    Limiter
	chatLimiter    Limiter
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	s := &Server{
		app:            cfg.App,
		corsOrigins:    cfg.CORSOrigins,
		maxUploadBytes: maxUpload,
		authLimiter:    cfg.AuthLimiter,
		chatLimiter:    cfg.ChatLimiter,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/auth", s.handleAuth)
	s.mux.Handle("/api/state", s.signedIn(s.handleState))
	s.mux.Handle("/api/sessions", s.signedIn(s.handleSessions))
	s.mux.Handle("/api/sessions/", s.signedIn(s.handleSessionByID))
	s.mux.Handle("/api/messages", s.signedIn(s.handleMessages))
	s.mux.Handle("/api/chat", s.signedIn(s.handleChat))
	s.mux.Handle("/api/documents", s.signedIn(s.handleDocuments))
	s.mux.Handle("/api/documents/", s.signedIn(s.handleDocumentByName))
	s.mux.Handle("/api/toasts", s.signedIn(s.handleToasts))
	s.mux.Handle("/api/toasts/", s.signedIn(s.handleToastByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// signedIn answers 401 while the App has no verified user.
func (s *Server) signedIn(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.app.Identity(); err != nil {
			writeAppError(w, r, err)
			return
		}
		next(w, r)
	})
}

type authRequest struct {
	IDToken string `json:"idToken"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.authLimiter, "ip:"+util.ClientIP(r)) {
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		var req authRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		token = strings.TrimSpace(req.IDToken)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	identity, err := s.app.Init(r.Context(), token)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": identity.UserID, "email": identity.Email})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	state, err := s.app.State()
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Get("refresh") == "true" {
			_ = s.app.RefreshSessions(r.Context())
		}
		list, err := s.app.Sessions()
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		session, err := s.app.CreateSession(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, session)
	default:
		methodNotAllowed(w)
	}
}

// /api/sessions/{id} or /api/sessions/{id}/select
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "select" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := s.app.SelectSession(id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"current": id})
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteSession(r.Context(), id); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sessionID, views, err := s.app.Messages()
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"items":     views,
		"count":     len(views),
	})
}

type chatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if identity, err := s.app.Identity(); err == nil && !s.allowRate(w, r, s.chatLimiter, "user:"+identity.UserID) {
		return
	}
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.Chat(r.Context(), req.Prompt, req.SessionID); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.app.Documents()
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()
	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	files := make([]documents.File, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable file "+header.Filename)
			return
		}
		opened = append(opened, f)
		files = append(files, documents.File{
			Name:        header.Filename,
			Size:        header.Size,
			ContentType: header.Header.Get("Content-Type"),
			Body:        f,
		})
	}
	err := s.app.Upload(r.Context(), files...)
	var batchErr *documents.UploadError
	if errors.As(err, &batchErr) {
		writeJSON(w, uploadStatus(batchErr), newUploadResult(batchErr.Uploaded, batchErr.Failed))
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	uploaded := make([]string, 0, len(files))
	for _, f := range files {
		uploaded = append(uploaded, f.Name)
	}
	writeJSON(w, http.StatusCreated, newUploadResult(uploaded, nil))
}

type uploadFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type uploadResult struct {
	Uploaded []string        `json:"uploaded"`
	Failed   []uploadFailure `json:"failed"`
}

func newUploadResult(uploaded []string, failed []documents.FileFailure) uploadResult {
	out := uploadResult{Uploaded: uploaded, Failed: make([]uploadFailure, 0, len(failed))}
	if out.Uploaded == nil {
		out.Uploaded = []string{}
	}
	for _, f := range failed {
		out.Failed = append(out.Failed, uploadFailure{Name: f.Name, Error: f.Err.Error()})
	}
	return out
}

// uploadStatus is 207 for a mixed batch. A fully failed batch is 400 when
// every name was rejected and 502 when storage refused any file.
func uploadStatus(err *documents.UploadError) int {
	if err.Partial() {
		return http.StatusMultiStatus
	}
	for _, f := range err.Failed {
		if !errors.Is(f.Err, storage.ErrInvalidFileName) {
			return http.StatusBadGateway
		}
	}
	return http.StatusBadRequest
}

func (s *Server) handleDocumentByName(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), "/api/documents/"))
	if err != nil || name == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteDocument(r.Context(), name); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleToasts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.app.Toasts()})
}

func (s *Server) handleToastByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/toasts/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if !s.app.DismissToast(id) {
		writeError(w, http.StatusNotFound, "toast not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeAppError maps domain errors to statuses. Backend failures have
// already been surfaced as toasts; the body repeats the user-facing message.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *chat.ValidationError
		backend    *functions.BackendError
		apiErr     *functions.APIError
		netErr     net.Error
	)
	switch {
	case errors.Is(err, app.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, app.ErrDisposed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, sessions.ErrSessionRequired), errors.Is(err, storage.ErrInvalidFileName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrInFlight), errors.Is(err, sessions.ErrInFlight), errors.Is(err, documents.ErrDeleteInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, documents.ErrUploadLimitReached):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &backend):
		writeError(w, http.StatusBadGateway, functions.UserMessage(err, "backend request failed"))
	case errors.As(err, &apiErr), errors.As(err, &netErr):
		writeError(w, http.StatusBadGateway, "backend request failed")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter Limiter, key string) bool {
	if limiter == nil || limiter.Allow(r.Context(), key) {
		return true
	}
	util.LoggerFromContext(r.Context()).Warn("rate limited", "path", r.URL.Path, "key", key)
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		slog.Warn("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
