package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type DocumentStatus string

const (
	DocumentUploading  DocumentStatus = "uploading"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentError      DocumentStatus = "error"
	DocumentDeleting   DocumentStatus = "deleting"
)

type ProcessingStatus string

const (
	ProcessingUploading   ProcessingStatus = "uploading"
	ProcessingProcessing  ProcessingStatus = "processing"
	ProcessingVectorizing ProcessingStatus = "vectorizing"
	ProcessingCompleted   ProcessingStatus = "completed"
	ProcessingFailed      ProcessingStatus = "failed"
	ProcessingDeleting    ProcessingStatus = "deleting"
)

type ToastType string

const (
	ToastSuccess ToastType = "success"
	ToastError   ToastType = "error"
	ToastWarning ToastType = "warning"
	ToastInfo    ToastType = "info"
)

const (
	defaultSessionName = "New Chat"
	sessionNameLimit   = 30
)

type Session struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name,omitempty"`
	CreatedAt Timestamp `json:"createdAt"`
	UpdatedAt Timestamp `json:"updatedAt"`
}

// DisplayName returns the session name, or the placeholder used before the
// backend assigns one.
func (s Session) DisplayName() string {
	if s.Name == "" {
		return defaultSessionName
	}
	return s.Name
}

// ShortName is DisplayName truncated for the sidebar.
func (s Session) ShortName() string {
	name := []rune(s.DisplayName())
	if len(name) <= sessionNameLimit {
		return string(name)
	}
	return string(name[:sessionNameLimit]) + "..."
}

type MessageItem struct {
	Type        string            `json:"type"`
	Text        string            `json:"text"`
	Annotations []json.RawMessage `json:"annotations"`
	Logprobs    []json.RawMessage `json:"logprobs"`
}

// Message is either a user message (Text set) or an assistant message (Items
// set), selected by Role.
type Message struct {
	ID        string
	SessionID string
	UserID    string
	Role      Role
	Text      string
	Items     []MessageItem
	CreatedAt Timestamp
}

type messageWire struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Role      Role            `json:"role"`
	Message   json.RawMessage `json:"message"`
	CreatedAt Timestamp       `json:"createdAt"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	var body any
	switch m.Role {
	case RoleUser:
		body = m.Text
	case RoleAssistant:
		items := m.Items
		if items == nil {
			items = []MessageItem{}
		}
		body = items
	default:
		return nil, fmt.Errorf("marshal message %s: unknown role %q", m.ID, m.Role)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageWire{
		ID:        m.ID,
		SessionID: m.SessionID,
		UserID:    m.UserID,
		Role:      m.Role,
		Message:   raw,
		CreatedAt: m.CreatedAt,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var wire messageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	out := Message{
		ID:        wire.ID,
		SessionID: wire.SessionID,
		UserID:    wire.UserID,
		Role:      wire.Role,
		CreatedAt: wire.CreatedAt,
	}
	switch wire.Role {
	case RoleUser:
		if len(wire.Message) > 0 {
			if err := json.Unmarshal(wire.Message, &out.Text); err != nil {
				return fmt.Errorf("decode user message %s: %w", wire.ID, err)
			}
		}
	case RoleAssistant:
		if len(wire.Message) > 0 && !bytes.Equal(wire.Message, []byte("null")) {
			if err := json.Unmarshal(wire.Message, &out.Items); err != nil {
				return fmt.Errorf("decode assistant message %s: %w", wire.ID, err)
			}
		}
	default:
		return fmt.Errorf("decode message %s: unknown role %q", wire.ID, wire.Role)
	}
	*m = out
	return nil
}

type Document struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Size        int64          `json:"size"`
	Status      DocumentStatus `json:"status"`
	UploadedAt  time.Time      `json:"uploadedAt"`
	ProcessedAt *time.Time     `json:"processedAt,omitempty"`
}

type DocumentProcessingStatus struct {
	UserID             string           `json:"user_id"`
	FileName           string           `json:"file_name"`
	Status             ProcessingStatus `json:"status"`
	ErrorMessage       string           `json:"error_message,omitempty"`
	ProgressPercentage *int             `json:"progress_percentage,omitempty"`
	FileID             string           `json:"file_id,omitempty"`
	VectorStoreID      string           `json:"vector_store_id,omitempty"`
	StartedAt          *Timestamp       `json:"started_at,omitempty"`
	CompletedAt        *Timestamp       `json:"completed_at,omitempty"`
	UpdatedAt          *Timestamp       `json:"updated_at,omitempty"`
}

// Updated returns UpdatedAt or the zero time.
func (s DocumentProcessingStatus) Updated() time.Time {
	if s.UpdatedAt == nil {
		return time.Time{}
	}
	return s.UpdatedAt.Time
}

// Progress returns the reported percentage clamped to 0-100, 0 when absent.
func (s DocumentProcessingStatus) Progress() int {
	if s.ProgressPercentage == nil {
		return 0
	}
	p := *s.ProgressPercentage
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

type Toast struct {
	ID         string    `json:"id"`
	Type       ToastType `json:"type"`
	Title      string    `json:"title,omitempty"`
	Message    string    `json:"message"`
	DurationMs int       `json:"durationMs"`
}

// Timestamp decodes both RFC 3339 strings and the {_seconds,_nanoseconds}
// objects produced when backend timestamps are serialized by callable functions.
type Timestamp struct {
	time.Time
}

var errTimestampFormat = errors.New("unsupported timestamp format")

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	switch data[0] {
	case '"':
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if raw == "" {
			*t = Timestamp{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		*t = NewTimestamp(parsed)
		return nil
	case '{':
		var obj struct {
			Seconds       *int64 `json:"seconds"`
			Nanoseconds   int64  `json:"nanoseconds"`
			LegacySeconds *int64 `json:"_seconds"`
			LegacyNanos   int64  `json:"_nanoseconds"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		switch {
		case obj.Seconds != nil:
			*t = NewTimestamp(time.Unix(*obj.Seconds, obj.Nanoseconds))
		case obj.LegacySeconds != nil:
			*t = NewTimestamp(time.Unix(*obj.LegacySeconds, obj.LegacyNanos))
		default:
			return errTimestampFormat
		}
		return nil
	default:
		var millis int64
		if err := json.Unmarshal(data, &millis); err != nil {
			return errTimestampFormat
		}
		*t = NewTimestamp(time.UnixMilli(millis))
		return nil
	}
}
