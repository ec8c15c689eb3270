package chat

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, offset int) Message {
	return Message{
		ID:             id,
		ConversationID: "c1",
		Sender:         "other",
		Type:           KindText,
		Text:           id,
		Status:         StatusSent,
		CreatedAt:      t0.Add(time.Duration(offset) * time.Second),
	}
}

func ids(ms []Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestStoreOrderIndependentOfArrival(t *testing.T) {
	base := []Message{msg("a", 1), msg("b", 2), msg("c", 3), msg("d", 4), msg("e", 5), msg("f", 6)}
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 20; round++ {
		s := NewStore()
		perm := rng.Perm(len(base))
		for _, i := range perm {
			s.Upsert(base[i])
		}
		got := s.Messages("c1")
		require.Len(t, got, len(base))
		for i := 1; i < len(got); i++ {
			assert.False(t, got[i].CreatedAt.Before(got[i-1].CreatedAt), "round %d perm %v", round, perm)
		}
	}
}

func TestStoreEchoReplacesOptimistic(t *testing.T) {
	s := NewStore()
	s.Upsert(msg("older", 0))
	opt := Message{
		ID: "tmp-1", ClientTempID: "tmp-1", ConversationID: "c1",
		Sender: "me", Type: KindText, Text: "hi", Status: StatusSending,
		CreatedAt: t0.Add(10 * time.Second),
	}
	_, inserted := s.Upsert(opt)
	assert.True(t, inserted)

	echo := opt
	echo.ID = "srv-1"
	echo.Status = StatusSent
	echo.CreatedAt = t0.Add(11 * time.Second)
	stored, inserted := s.Upsert(echo)
	assert.False(t, inserted)
	assert.Equal(t, "srv-1", stored.ID)

	got := s.Messages("c1")
	assert.Equal(t, []string{"older", "srv-1"}, ids(got))

	byTemp, ok := s.Find("tmp-1")
	require.True(t, ok)
	assert.Equal(t, "srv-1", byTemp.ID)
	byID, ok := s.Find("srv-1")
	require.True(t, ok)
	assert.Equal(t, "tmp-1", byID.ClientTempID)
}

func TestStoreStatusNeverRegresses(t *testing.T) {
	s := NewStore()
	s.Upsert(Message{ID: "tmp-1", ClientTempID: "tmp-1", ConversationID: "c1", Status: StatusSending, CreatedAt: t0})

	readAt := t0.Add(time.Minute)
	_, ok := s.SetStatus("tmp-1", StatusRead, readAt)
	require.True(t, ok)

	// A late POST response says "sent".
	late := Message{ID: "srv-1", ClientTempID: "tmp-1", ConversationID: "c1", Status: StatusSent, CreatedAt: t0}
	stored, _ := s.Upsert(late)
	assert.Equal(t, StatusRead, stored.Status)
	require.NotNil(t, stored.ReadAt)
	assert.True(t, stored.ReadAt.Equal(readAt))

	_, ok = s.SetStatus("srv-1", StatusDelivered, t0)
	assert.False(t, ok)

	_, ok = s.MarkFailed("srv-1")
	assert.False(t, ok, "confirmed messages never become failed")
}

func TestStoreReplacePageKeepsUnconfirmed(t *testing.T) {
	s := NewStore()
	s.Upsert(Message{ID: "tmp-1", ClientTempID: "tmp-1", ConversationID: "c1", Status: StatusFailed, CreatedAt: t0.Add(time.Hour)})
	s.Upsert(Message{ID: "tmp-2", ClientTempID: "tmp-2", ConversationID: "c1", Status: StatusSending, CreatedAt: t0.Add(2 * time.Hour)})
	s.Upsert(msg("stale", 0))

	echo := msg("srv-2", 100)
	echo.ClientTempID = "tmp-2"
	s.ReplacePage("c1", Page{Messages: []Message{msg("a", 1), echo}, HasMore: true})

	got := s.Messages("c1")
	assert.Equal(t, []string{"a", "srv-2", "tmp-1"}, ids(got))
	assert.True(t, s.Loaded("c1"))
	assert.True(t, s.HasMore("c1"))
	_, ok := s.Find("stale")
	assert.False(t, ok)
}

func TestStorePrependPage(t *testing.T) {
	s := NewStore()
	s.ReplacePage("c1", Page{Messages: []Message{msg("c", 3), msg("d", 4)}, HasMore: true})

	oldest, ok := s.Oldest("c1")
	require.True(t, ok)
	assert.True(t, oldest.Equal(t0.Add(3*time.Second)))

	n := s.PrependPage("c1", Page{Messages: []Message{msg("a", 1), msg("b", 2), msg("c", 3)}})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(s.Messages("c1")))
	assert.False(t, s.HasMore("c1"))
}

func TestStoreDrop(t *testing.T) {
	s := NewStore()
	mine := msg("m", 1)
	mine.Sender = "me"
	s.Upsert(mine)
	s.Upsert(msg("x", 2))
	read := msg("y", 3)
	read.Status = StatusRead
	s.Upsert(read)

	require.Len(t, s.Messages("c1"), 3)

	s.Drop("c1")
	assert.Empty(t, s.Messages("c1"))
	_, ok := s.Find("x")
	assert.False(t, ok)
}

func TestStoreSubscribe(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Upsert(msg("a", 1))
	select {
	case c := <-ch:
		assert.Equal(t, "c1", c.ConversationID)
		require.NotNil(t, c.Message)
		assert.Equal(t, "a", c.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("no change published")
	}
}

func TestMessageJSONShapes(t *testing.T) {
	raw := `{"_id":"665f","conversationId":"c1","sender":{"_id":"u1","name":"Ana"},
		"recipient":"u2","text":"yo","createdAt":"2024-05-01T12:00:00Z","clientTempId":"tmp-9"}`
	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, "665f", m.ID)
	assert.Equal(t, "u1", m.Sender)
	assert.Equal(t, "u2", m.Recipient)
	assert.Equal(t, KindText, m.Type)
	assert.Equal(t, StatusSent, m.Status)
	assert.Equal(t, "tmp-9", m.ClientTempID)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hello", Message{Text: " hello "}.Preview())
	assert.Equal(t, "Voice message (0:08)", Message{Type: KindAudio, Audio: &Audio{Duration: 8}}.Preview())
	assert.Equal(t, "2 attachments", Message{Attachments: []Attachment{{URL: "a"}, {URL: "b"}}}.Preview())
	assert.Equal(t, ContentAudio, Message{Type: KindAudio, Audio: &Audio{}}.Content())
}
