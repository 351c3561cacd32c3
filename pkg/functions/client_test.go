package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type recordedCall struct {
	Path   string
	Auth   string
	Data   map[string]any
	Status int
}

func newTestServer(t *testing.T, respond func(name string, data map[string]any) (int, any)) (*Client, func() []recordedCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recordedCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		var body struct {
			Data map[string]any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		name := r.URL.Path[1:]
		status, payload := respond(name, body.Data)
		mu.Lock()
		calls = append(calls, recordedCall{Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Data: body.Data, Status: status})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL + "/", Token: StaticToken("id-token")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, func() []recordedCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedCall(nil), calls...)
	}
}

func result(env map[string]any) map[string]any {
	return map[string]any{"result": env}
}

func TestChatSendsCallableRequest(t *testing.T) {
	client, calls := newTestServer(t, func(name string, data map[string]any) (int, any) {
		return http.StatusOK, result(map[string]any{"success": true, "data": "msg-1"})
	})
	err := client.Chat(context.Background(), ChatRequest{Prompt: "hi", SessionID: "s1", ClientMessageID: "c1"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	recorded := calls()
	if len(recorded) != 1 {
		t.Fatalf("expected one call, got %d", len(recorded))
	}
	got := recorded[0]
	if got.Path != "/chat" || got.Auth != "Bearer id-token" {
		t.Fatalf("unexpected call: %+v", got)
	}
	if got.Data["prompt"] != "hi" || got.Data["sessionId"] != "s1" || got.Data["clientMessageId"] != "c1" {
		t.Fatalf("unexpected payload: %+v", got.Data)
	}
}

func TestChatWithoutDataIsBackendError(t *testing.T) {
	client, _ := newTestServer(t, func(string, map[string]any) (int, any) {
		return http.StatusOK, result(map[string]any{"success": true, "data": nil})
	})
	err := client.Chat(context.Background(), ChatRequest{Prompt: "hi", SessionID: "s1"})
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if got := UserMessage(err, "fallback"); got != "fallback" {
		t.Fatalf("expected fallback without backend message, got %q", got)
	}
}

func TestFailedEnvelopeCarriesBackendMessage(t *testing.T) {
	client, _ := newTestServer(t, func(string, map[string]any) (int, any) {
		return http.StatusOK, result(map[string]any{"success": false, "message": "quota exceeded"})
	})
	_, err := client.CreateSession(context.Background())
	if got := UserMessage(err, "Failed to create new session"); got != "quota exceeded" {
		t.Fatalf("expected backend message, got %q (err=%v)", got, err)
	}
}

func TestCallableErrorBodyMapsToAPIError(t *testing.T) {
	client, _ := newTestServer(t, func(string, map[string]any) (int, any) {
		return http.StatusUnauthorized, map[string]any{"error": map[string]any{"status": "UNAUTHENTICATED", "message": "missing auth"}}
	})
	err := client.DeleteSession(context.Background(), "s1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Code != "UNAUTHENTICATED" || apiErr.Message != "missing auth" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if got := UserMessage(err, "Failed to delete session"); got != "Failed to delete session" {
		t.Fatalf("protocol errors should use the fallback, got %q", got)
	}
	if !IsUnauthenticated(err) {
		t.Fatalf("expected UNAUTHENTICATED to be recognised")
	}
}

func TestIsUnauthenticated(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"401 status", &APIError{Status: http.StatusUnauthorized}, true},
		{"callable code", fmt.Errorf("chat: %w", &APIError{Status: http.StatusOK, Code: "unauthenticated"}), true},
		{"server error", &APIError{Status: http.StatusInternalServerError, Code: "INTERNAL"}, false},
		{"backend failure", &BackendError{Function: FnChat, Message: "nope"}, false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsUnauthenticated(tc.err); got != tc.want {
				t.Fatalf("IsUnauthenticated(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestUnreachableBackendIsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	client, err := NewClient(Config{BaseURL: srv.URL, Token: StaticToken("id-token")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.ListSessions(context.Background())
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError for a dial failure, got %T %v", err, err)
	}
	if backendErr.Function != FnListSessions || backendErr.Err == nil {
		t.Fatalf("unexpected backend error: %+v", backendErr)
	}
	if got := UserMessage(err, "Failed to load sessions"); got != "Failed to load sessions" {
		t.Fatalf("transport failures should use the fallback, got %q", got)
	}
}

func TestMalformedResponseIsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": [`))
	}))
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{BaseURL: srv.URL, Token: StaticToken("id-token")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.Chat(context.Background(), ChatRequest{Prompt: "hi", SessionID: "s1"})
	var backendErr *BackendError
	if !errors.As(err, &backendErr) || backendErr.Function != FnChat {
		t.Fatalf("expected BackendError for a decode failure, got %T %v", err, err)
	}
}

func TestListSessionsDecodesBackendOrder(t *testing.T) {
	client, _ := newTestServer(t, func(name string, _ map[string]any) (int, any) {
		if name != FnListSessions {
			t.Errorf("unexpected function %s", name)
		}
		return http.StatusOK, result(map[string]any{
			"success": true,
			"data": []map[string]any{
				{"sessionId": "s2", "userId": "u1", "name": "Newest", "createdAt": map[string]any{"_seconds": 20, "_nanoseconds": 0}},
				{"sessionId": "s1", "userId": "u1", "createdAt": map[string]any{"_seconds": 10, "_nanoseconds": 0}},
			},
		})
	})
	sessions, err := client.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].SessionID != "s2" || sessions[1].DisplayName() != "New Chat" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if sessions[0].CreatedAt.Unix() != 20 {
		t.Fatalf("unexpected createdAt: %v", sessions[0].CreatedAt)
	}
}

func TestDeleteDocumentPayload(t *testing.T) {
	client, calls := newTestServer(t, func(string, map[string]any) (int, any) {
		return http.StatusOK, result(map[string]any{"success": true})
	})
	if err := client.DeleteDocument(context.Background(), "a.pdf"); err != nil {
		t.Fatalf("delete document: %v", err)
	}
	recorded := calls()
	if len(recorded) != 1 || recorded[0].Path != "/delete_document" || recorded[0].Data["fileName"] != "a.pdf" {
		t.Fatalf("unexpected calls: %+v", recorded)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{Token: StaticToken("x")}); err == nil {
		t.Fatalf("expected missing base url to fail")
	}
	if _, err := NewClient(Config{BaseURL: "http://localhost"}); err == nil {
		t.Fatalf("expected missing token source to fail")
	}
}
