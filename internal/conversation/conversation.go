package conversation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mapmarket/relaychat/internal/chat"
)

type Ad struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// LastMessage is the denormalized preview of the newest message.
type LastMessage struct {
	Text          string      `json:"text"`
	Sender        string      `json:"sender,omitempty"`
	Status        chat.Status `json:"status,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Type          chat.Kind   `json:"type,omitempty"`
	AudioDuration float64     `json:"audioDuration,omitempty"`
}

// ConsentSide is one participant's call consent.
type ConsentSide struct {
	Allowed   bool       `json:"allowed"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	UpdatedBy string     `json:"updatedBy,omitempty"`
}

type Consent struct {
	Me    ConsentSide `json:"me"`
	Other ConsentSide `json:"other"`
}

// Ready reports whether both sides allow calls.
func (c Consent) Ready() bool { return c.Me.Allowed && c.Other.Allowed }

// Conversation is one buyer/seller thread about an ad.
type Conversation struct {
	ID            string       `json:"id"`
	AdID          string       `json:"adId,omitempty"`
	Ad            *Ad          `json:"ad,omitempty"`
	Other         Participant  `json:"otherParticipant"`
	LastMessage   *LastMessage `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time   `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UnreadCount   int          `json:"unreadCount"`
	CallConsent   Consent      `json:"callConsent"`
	Hidden        bool         `json:"hidden,omitempty"`
	IsBlocked     bool         `json:"isBlocked,omitempty"`
	BlockedBy     string       `json:"blockedBy,omitempty"`
}

// UnmarshalJSON accepts "_id" ids and a callConsent that may carry a stale
// "ready" flag, which is ignored.
func (c *Conversation) UnmarshalJSON(b []byte) error {
	type plain Conversation
	var aux struct {
		plain
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*c = Conversation(aux.plain)
	if c.ID == "" {
		c.ID = aux.MongoID
	}
	if c.AdID == "" && c.Ad != nil {
		c.AdID = c.Ad.ID
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	return nil
}

// Title is the ad title, else the last preview, else a placeholder.
func (c Conversation) Title() string {
	if c.Ad != nil && strings.TrimSpace(c.Ad.Title) != "" {
		return c.Ad.Title
	}
	if p := c.Preview(); p != "" {
		return p
	}
	return "Conversation"
}

// Preview is the last message summary.
func (c Conversation) Preview() string {
	if c.LastMessage == nil {
		return ""
	}
	m := chat.Message{Type: c.LastMessage.Type, Text: c.LastMessage.Text}
	if c.LastMessage.Type == chat.KindAudio {
		m.Audio = &chat.Audio{Duration: c.LastMessage.AudioDuration}
	}
	return m.Preview()
}

// Activity is the sort key: last message time, else creation time.
func (c Conversation) Activity() time.Time {
	if c.LastMessageAt != nil && !c.LastMessageAt.IsZero() {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (c Conversation) clone() Conversation {
	if c.Ad != nil {
		a := *c.Ad
		c.Ad = &a
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		c.LastMessageAt = &t
	}
	return c
}

func (c Conversation) matches(term string) bool {
	if term == "" {
		return true
	}
	for _, field := range []string{c.Title(), c.Other.Name, c.Preview()} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}
