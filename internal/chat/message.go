package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders the server-confirmed states. sending and failed are local
// states and rank below everything the server reports.
func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Confirmed reports whether the server has acknowledged the message.
func (s Status) Confirmed() bool { return s.rank() > 0 }

// Kind is the wire "type" of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
)

// Attachment is an uploaded file referenced by a message.
type Attachment struct {
	Key          string `json:"key,omitempty"`
	URL          string `json:"url" validate:"required_without=Key"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	OriginalName string `json:"originalName,omitempty"`
	Mime         string `json:"mime,omitempty"`
	Size         int64  `json:"size,omitempty" validate:"gte=0"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
}

// Audio is an uploaded voice note.
type Audio struct {
	Key      string    `json:"key,omitempty"`
	URL      string    `json:"url,omitempty" validate:"required_without=Key"`
	Mime     string    `json:"mime,omitempty"`
	Size     int64     `json:"size,omitempty" validate:"gte=0"`
	Duration float64   `json:"duration" validate:"gte=0,lte=600"`
	Waveform []float64 `json:"waveform,omitempty" validate:"max=120,dive,gte=0,lte=1"`
}

// Message is one chat message. ID is the server id once confirmed; until
// then it equals ClientTempID.
type Message struct {
	ID             string       `json:"id"`
	ClientTempID   string       `json:"clientTempId,omitempty"`
	ConversationID string       `json:"conversationId"`
	Sender         string       `json:"sender"`
	Recipient      string       `json:"recipient,omitempty"`
	Type           Kind         `json:"type"`
	Text           string       `json:"text,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Audio          *Audio       `json:"audio,omitempty"`
	Status         Status       `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
	DeliveredAt    *time.Time   `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time   `json:"readAt,omitempty"`
}

// Content is the primary payload kind of a message.
type Content string

const (
	ContentText        Content = "text"
	ContentAttachments Content = "attachments"
	ContentAudio       Content = "audio"
)

func (m Message) Content() Content {
	switch {
	case m.Type == KindAudio && m.Audio != nil:
		return ContentAudio
	case len(m.Attachments) > 0:
		return ContentAttachments
	default:
		return ContentText
	}
}

// Preview is the one-line summary shown in the conversation list.
func (m Message) Preview() string {
	switch m.Content() {
	case ContentAudio:
		d := int(m.Audio.Duration + 0.5)
		return fmt.Sprintf("Voice message (%d:%02d)", d/60, d%60)
	case ContentAttachments:
		if t := strings.TrimSpace(m.Text); t != "" {
			return t
		}
		if len(m.Attachments) == 1 {
			return "1 attachment"
		}
		return fmt.Sprintf("%d attachments", len(m.Attachments))
	default:
		return strings.TrimSpace(m.Text)
	}
}

// Keys returns every id the message can be looked up by.
func (m Message) Keys() []string {
	if m.ClientTempID != "" && m.ClientTempID != m.ID {
		return []string{m.ID, m.ClientTempID}
	}
	return []string{m.ID}
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Audio != nil {
		a := *m.Audio
		m.Audio = &a
	}
	return m
}

// UnmarshalJSON accepts the relay's document shape: "_id" for the id and a
// sender or recipient that may be either an id or a populated user object.
func (m *Message) UnmarshalJSON(b []byte) error {
	type plain Message
	var aux struct {
		plain
		MongoID   string          `json:"_id"`
		Sender    json.RawMessage `json:"sender"`
		Recipient json.RawMessage `json:"recipient"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*m = Message(aux.plain)
	if m.ID == "" {
		m.ID = aux.MongoID
	}
	m.Sender = userRef(aux.Sender)
	m.Recipient = userRef(aux.Recipient)
	if m.Type == "" {
		m.Type = KindText
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	return nil
}

func userRef(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		ID    string `json:"id"`
		Mongo string `json:"_id"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.ID != "" {
			return obj.ID
		}
		return obj.Mongo
	}
	return ""
}

// Page is one page of history, oldest first.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// NewCorrelationID returns a fresh client-side id for an optimistic record.
func NewCorrelationID() string {
	return "tmp-" + uuid.NewString()
}
