package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatwithit/pkg/domain"
)

const (
	FnChat           = "chat"
	FnCreateSession  = "create_session"
	FnListSessions   = "list_sessions"
	FnDeleteSession  = "delete_session"
	FnDeleteDocument = "delete_document"

	defaultTimeout = 60 * time.Second
)

// TokenSource yields the caller's current ID token.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource for a fixed token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Client invokes callable backend functions over HTTPS.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
}

// APIError is a protocol-level failure: a non-2xx response or an error body.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// BackendError reports a failed call: either the envelope was not a success
// (Message carries the backend's text) or the request never produced a
// usable response (Err carries the transport or decode failure).
type BackendError struct {
	Function string
	Message  string
	Err      error
}

func (e *BackendError) Error() string {
	switch {
	case e.Message != "":
		return e.Function + ": " + e.Message
	case e.Err != nil:
		return e.Function + ": " + e.Err.Error()
	default:
		return e.Function + ": backend reported failure"
	}
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsUnauthenticated reports whether the backend rejected the caller's ID token.
func IsUnauthenticated(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || strings.EqualFold(apiErr.Code, "UNAUTHENTICATED")
}

// UserMessage returns the backend's message for a failed envelope, or
// fallback for every other error.
func UserMessage(err error, fallback string) string {
	var backendErr *BackendError
	if errors.As(err, &backendErr) && strings.TrimSpace(backendErr.Message) != "" {
		return backendErr.Message
	}
	return fallback
}

// Envelope is the response wrapper every callable function returns.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// HasData reports whether data is present and not null.
func (e Envelope) HasData() bool {
	trimmed := bytes.TrimSpace(e.Data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Decode unmarshals data into out.
func (e Envelope) Decode(out any) error {
	if !e.HasData() {
		return errors.New("envelope has no data")
	}
	return json.Unmarshal(e.Data, out)
}

type Config struct {
	BaseURL    string
	Token      TokenSource
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewClient constructs a callable-functions client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("functions base url required")
	}
	if cfg.Token == nil {
		return nil, errors.New("functions token source required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, token: cfg.Token}, nil
}

// Call invokes name with payload and returns the decoded envelope.
func (c *Client) Call(ctx context.Context, name string, payload any) (Envelope, error) {
	if payload == nil {
		payload = struct{}{}
	}
	body, err := json.Marshal(map[string]any{"data": payload})
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s request: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+name, bytes.NewReader(body))
	if err != nil {
		return Envelope{}, err
	}
	token, err := c.token(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("%s: id token: %w", name, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Result Envelope `json:"result"`
	}
	if err := c.do(req, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return Envelope{}, fmt.Errorf("%s: %w", name, err)
		}
		return Envelope{}, &BackendError{Function: name, Err: err}
	}
	return out.Result, nil
}

type callError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errResp struct {
		Error *callError `json:"error"`
	}
	_ = json.Unmarshal(data, &errResp)
	if resp.StatusCode >= 400 || errResp.Error != nil {
		apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
		if errResp.Error != nil {
			apiErr.Code = errResp.Error.Status
			if errResp.Error.Message != "" {
				apiErr.Message = errResp.Error.Message
			}
		}
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type ChatRequest struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"sessionId"`
	ClientMessageID string `json:"clientMessageId"`
}

// Chat triggers an assistant turn. The reply itself arrives on the message
// feed; a success envelope without data is treated as a failure.
func (c *Client) Chat(ctx context.Context, req ChatRequest) error {
	env, err := c.Call(ctx, FnChat, req)
	if err != nil {
		return err
	}
	if !env.Success || !env.HasData() {
		return &BackendError{Function: FnChat, Message: env.Message}
	}
	return nil
}

type CreatedSession struct {
	SessionID string  `json:"sessionId"`
	Name      *string `json:"name"`
}

func (c *Client) CreateSession(ctx context.Context) (CreatedSession, error) {
	env, err := c.Call(ctx, FnCreateSession, struct{}{})
	if err != nil {
		return CreatedSession{}, err
	}
	if !env.Success || !env.HasData() {
		return CreatedSession{}, &BackendError{Function: FnCreateSession, Message: env.Message}
	}
	var created CreatedSession
	if err := env.Decode(&created); err != nil {
		return CreatedSession{}, &BackendError{Function: FnCreateSession, Err: fmt.Errorf("decode data: %w", err)}
	}
	return created, nil
}

// ListSessions returns sessions in backend order.
func (c *Client) ListSessions(ctx context.Context) ([]domain.Session, error) {
	env, err := c.Call(ctx, FnListSessions, struct{}{})
	if err != nil {
		return nil, err
	}
	if !env.Success || !env.HasData() {
		return nil, &BackendError{Function: FnListSessions, Message: env.Message}
	}
	var sessions []domain.Session
	if err := env.Decode(&sessions); err != nil {
		return nil, &BackendError{Function: FnListSessions, Err: fmt.Errorf("decode data: %w", err)}
	}
	return sessions, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	env, err := c.Call(ctx, FnDeleteSession, map[string]string{"sessionId": sessionID})
	if err != nil {
		return err
	}
	if !env.Success {
		return &BackendError{Function: FnDeleteSession, Message: env.Message}
	}
	return nil
}

// DeleteDocument asks the backend to remove index artifacts derived from fileName.
func (c *Client) DeleteDocument(ctx context.Context, fileName string) error {
	env, err := c.Call(ctx, FnDeleteDocument, map[string]string{"fileName": fileName})
	if err != nil {
		return err
	}
	if !env.Success {
		return &BackendError{Function: FnDeleteDocument, Message: env.Message}
	}
	return nil
}
