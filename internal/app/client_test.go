package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapmarket/relaychat/internal/call"
	"github.com/mapmarket/relaychat/internal/chat"
	"github.com/mapmarket/relaychat/internal/conversation"
	"github.com/mapmarket/relaychat/internal/media"
	"github.com/mapmarket/relaychat/internal/proto"
	"github.com/mapmarket/relaychat/internal/restapi"
	"github.com/mapmarket/relaychat/internal/storage"
	"github.com/mapmarket/relaychat/internal/transport"
)

// ── fakes ───────────────────────────────────────────────────────────────────

type sentFrame struct {
	event   string
	payload any
}

type fakeRelay struct {
	mu       sync.Mutex
	handlers map[string]map[int]transport.Handler
	states   map[int]func(transport.StateChange)
	next     int
	out      []sentFrame
	joins    []string
	leaves   []string
	active   string
	closes   int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		handlers: make(map[string]map[int]transport.Handler),
		states:   make(map[int]func(transport.StateChange)),
	}
}

func (r *fakeRelay) On(event string, fn transport.Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	if r.handlers[event] == nil {
		r.handlers[event] = make(map[int]transport.Handler)
	}
	r.handlers[event][id] = fn
	return func() {
		r.mu.Lock()
		delete(r.handlers[event], id)
		r.mu.Unlock()
	}
}

func (r *fakeRelay) OnState(fn func(transport.StateChange)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.states[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.states, id)
		r.mu.Unlock()
	}
}

func (r *fakeRelay) Connect(context.Context) error { return nil }

func (r *fakeRelay) Emit(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, sentFrame{event, payload})
	return nil
}

func (r *fakeRelay) Join(conv string, markAsRead bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if markAsRead {
		conv += "+read"
	}
	r.joins = append(r.joins, conv)
	return nil
}

func (r *fakeRelay) Leave(conv string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves = append(r.leaves, conv)
	return nil
}

func (r *fakeRelay) SetActive(conv string) {
	r.mu.Lock()
	r.active = conv
	r.mu.Unlock()
}

func (r *fakeRelay) Close() error {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
	return nil
}

func (r *fakeRelay) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	f, err := proto.NewFrame(event, payload)
	require.NoError(t, err)
	r.mu.Lock()
	var fns []transport.Handler
	for _, fn := range r.handlers[event] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	require.NotEmpty(t, fns, "no handler for %s", event)
	for _, fn := range fns {
		fn(f)
	}
}

func (r *fakeRelay) state(sc transport.StateChange) {
	r.mu.Lock()
	var fns []func(transport.StateChange)
	for _, fn := range r.states {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(sc)
	}
}

func (r *fakeRelay) emitted(event string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, f := range r.out {
		if f.event == event {
			out = append(out, f.payload)
		}
	}
	return out
}

func (r *fakeRelay) snapshot() (joins, leaves []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.joins...), append([]string(nil), r.leaves...)
}

type fakeAPI struct {
	mu        sync.Mutex
	convs     []conversation.Conversation
	listErr   error
	pages     map[string]chat.Page
	postErr   error
	postGate  chan struct{}
	posted    []chat.SendRequest
	marked    []string
	hidden    []string
	uploads   int
	unread    int
	unreadErr error
}

func (a *fakeAPI) ListConversations(context.Context, int) ([]conversation.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]conversation.Conversation(nil), a.convs...), nil
}

func (a *fakeAPI) GetConversation(_ context.Context, id string) (conversation.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.convs {
		if c.ID == id {
			return c, nil
		}
	}
	return conversation.Conversation{}, &restapi.Error{Status: 404, Message: "not found"}
}

func (a *fakeAPI) ListMessages(_ context.Context, id string, _ int, _ time.Time) (chat.Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages[id], nil
}

func (a *fakeAPI) PostMessage(_ context.Context, conv string, req chat.SendRequest) (chat.Message, error) {
	a.mu.Lock()
	gate, err := a.postGate, a.postErr
	a.posted = append(a.posted, req)
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return chat.Message{}, err
	}
	return chat.Message{
		ID:           "srv-" + req.ClientTempID,
		ClientTempID: req.ClientTempID,
		Sender:       "me",
		Type:         req.Type,
		Text:         req.Text,
		Attachments:  req.Attachments,
		Audio:        req.Audio,
		Status:       chat.StatusSent,
		CreatedAt:    t0.Add(time.Minute),
	}, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, id string) error {
	a.mu.Lock()
	a.marked = append(a.marked, id)
	a.mu.Unlock()
	return nil
}

func (a *fakeAPI) Hide(_ context.Context, id string) error {
	a.mu.Lock()
	a.hidden = append(a.hidden, id)
	a.mu.Unlock()
	return nil
}

func (a *fakeAPI) SetCallConsent(_ context.Context, id string, allow bool) (conversation.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.convs {
		if a.convs[i].ID == id {
			a.convs[i].CallConsent.Me.Allowed = allow
			return a.convs[i], nil
		}
	}
	return conversation.Conversation{}, &restapi.Error{Status: 404}
}

func (a *fakeAPI) UploadAttachment(_ context.Context, name, mime string, r io.Reader) (chat.Attachment, error) {
	b, _ := io.ReadAll(r)
	a.mu.Lock()
	a.uploads++
	n := a.uploads
	a.mu.Unlock()
	return chat.Attachment{
		Key:          fmt.Sprintf("att/%d", n),
		URL:          fmt.Sprintf("https://cdn/att/%d", n),
		OriginalName: name,
		Mime:         mime,
		Size:         int64(len(b)),
	}, nil
}

func (a *fakeAPI) UploadAudio(context.Context, string, string, io.Reader, time.Duration) (chat.Audio, error) {
	return chat.Audio{}, errors.New("not used")
}

func (a *fakeAPI) UnreadCount(context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unread, a.unreadErr
}

func (a *fakeAPI) markedIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.marked...)
}

func (a *fakeAPI) lastPost() chat.SendRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.posted[len(a.posted)-1]
}

// ── harness ─────────────────────────────────────────────────────────────────

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	c     *Client
	relay *fakeRelay
	api   *fakeAPI
	clock *clock.Mock
}

func testConversations() []conversation.Conversation {
	later := t0.Add(time.Hour)
	return []conversation.Conversation{
		{ID: "a", CreatedAt: t0, LastMessageAt: &later, UnreadCount: 3,
			Other: conversation.Participant{ID: "u2", Name: "Bob"},
			Ad:    &conversation.Ad{ID: "ad1", Title: "Road bike"}},
		{ID: "b", CreatedAt: t0,
			Other: conversation.Participant{ID: "u3", Name: "Eve"},
			Ad:    &conversation.Ad{ID: "ad2", Title: "Sofa"}},
	}
}

func newHarness(t *testing.T, mutate func(*ClientOptions)) *harness {
	t.Helper()
	h := &harness{
		relay: newFakeRelay(),
		api: &fakeAPI{
			convs: testConversations(),
			pages: map[string]chat.Page{
				"a": {Messages: []chat.Message{
					{ID: "m1", ConversationID: "a", Sender: "u2", Text: "still available?", Status: chat.StatusDelivered, CreatedAt: t0},
				}},
			},
		},
		clock: clock.NewMock(),
	}
	opt := ClientOptions{
		SelfID:       "me",
		CallsEnabled: true,
		Clock:        h.clock,
		Mic: media.SourceFunc(func(context.Context) (media.Stream, error) {
			return nil, media.ErrUnavailable
		}),
		NewPeer: func(call.PeerConfig) (call.Peer, error) { return nil, errors.New("no peers in tests") },
	}
	if mutate != nil {
		mutate(&opt)
	}
	h.c = NewClient(h.relay, h.api, opt)
	t.Cleanup(func() { h.c.Close() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Start(context.Background()))
}

func (h *harness) open(t *testing.T, id string) {
	t.Helper()
	_, err := h.c.OpenConversation(context.Background(), id)
	require.NoError(t, err)
}

func (h *harness) hasNotice(substr string) bool {
	for _, n := range h.c.Notices() {
		if strings.Contains(n.Text, substr) {
			return true
		}
	}
	return false
}

func inbound(conv, id, sender, text string) proto.MessageNewPayload {
	return proto.MessageNewPayload{
		ConversationID: conv,
		Message: []byte(fmt.Sprintf(
			`{"_id":%q,"sender":{"_id":%q},"type":"text","text":%q,"createdAt":%q}`,
			id, sender, text, t0.Add(2*time.Hour).Format(time.RFC3339))),
	}
}

// ── tests ───────────────────────────────────────────────────────────────────

func TestStartLoadsConversationsByActivity(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	list := h.c.Conversations()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestOpenConversationJoinsAndMarksRead(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	msgs, err := h.c.OpenConversation(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "a", h.c.Active())

	conv, _ := h.c.Conversation("a")
	assert.Zero(t, conv.UnreadCount)
	assert.Eventually(t, func() bool { return len(h.api.markedIDs()) == 1 }, time.Second, time.Millisecond)

	h.open(t, "b")
	joins, leaves := h.relay.snapshot()
	assert.Equal(t, []string{"a+read", "b+read"}, joins)
	assert.Equal(t, []string{"a"}, leaves)
	assert.Equal(t, []string{"a"}, h.api.markedIDs(), "b had nothing unread")

	_, err = h.c.OpenConversation(context.Background(), "nope")
	assert.ErrorIs(t, err, conversation.ErrUnknown)
}

func TestInboundMessageAcksAndBatchesRead(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.open(t, "a")

	h.relay.deliver(t, proto.EventTypingStart, proto.TypingPayload{ConversationID: "a", UserID: "u2"})
	assert.Equal(t, []string{"u2"}, h.c.TypingUsers("a"))

	h.relay.deliver(t, proto.EventMessageNew, inbound("a", "m9", "u2", "yes"))

	acks := h.relay.emitted(proto.EventMessageReceived)
	require.Len(t, acks, 1)
	assert.Equal(t, proto.ReceivedPayload{ConversationID: "a", MessageID: "m9"}, acks[0])
	assert.Empty(t, h.c.TypingUsers("a"), "a message hides the sender's indicator")

	msgs := h.c.Messages("a")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m9", msgs[1].ID)
	assert.Equal(t, "u2", msgs[1].Sender)

	assert.Empty(t, h.relay.emitted(proto.EventMarkRead))
	h.clock.Add(400 * time.Millisecond)
	assert.Eventually(t, func() bool { return len(h.relay.emitted(proto.EventMarkRead)) == 1 }, time.Second, time.Millisecond)
	read := h.relay.emitted(proto.EventMarkRead)[0].(proto.MarkReadPayload)
	assert.Equal(t, "a", read.ConversationID)
	assert.Equal(t, []string{"m9"}, read.MessageIDs)

	conv, _ := h.c.Conversation("a")
	assert.Zero(t, conv.UnreadCount)
}

func TestMessageInOtherConversationCountsUnread(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.open(t, "a")

	h.relay.deliver(t, proto.EventMessageNew, inbound("b", "m5", "u3", "is the sofa still there"))

	assert.Empty(t, h.relay.emitted(proto.EventMessageReceived))
	assert.Eventually(t, func() bool {
		conv, _ := h.c.Conversation("b")
		return conv.UnreadCount == 1
	}, time.Second, time.Millisecond)

	list := h.c.Conversations()
	assert.Equal(t, "b", list[0].ID, "newest activity first")
	assert.Equal(t, "is the sofa still there", list[0].Preview())
}

func TestMessageForUnknownConversationIsFetched(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.api.mu.Lock()
	h.api.convs = append(h.api.convs, conversation.Conversation{ID: "c", CreatedAt: t0})
	h.api.mu.Unlock()

	h.relay.deliver(t, proto.EventMessageNew, inbound("c", "m7", "u4", "hello"))
	assert.Eventually(t, func() bool {
		conv, ok := h.c.Conversation("c")
		return ok && conv.UnreadCount == 1
	}, time.Second, time.Millisecond)
}

func TestStatusEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.open(t, "a")

	p, err := h.c.SendText(context.Background(), "deal")
	require.NoError(t, err)
	m, err := p.Wait(context.Background())
	require.NoError(t, err)

	h.relay.deliver(t, proto.EventMessageDelivered, proto.DeliveredPayload{ConversationID: "a", MessageID: m.ID, DeliveredAt: t0})
	got, _ := h.c.store.Find(m.ID)
	assert.Equal(t, chat.StatusDelivered, got.Status)

	h.relay.deliver(t, proto.EventMessageRead, proto.ReadPayload{ConversationID: "a", MessageIDs: []string{m.ID}, ReaderID: "u2", ReadAt: t0})
	got, _ = h.c.store.Find(m.ID)
	assert.Equal(t, chat.StatusRead, got.Status)

	h.relay.deliver(t, proto.EventMessageDelivered, proto.DeliveredPayload{ConversationID: "a", MessageID: m.ID, DeliveredAt: t0})
	got, _ = h.c.store.Find(m.ID)
	assert.Equal(t, chat.StatusRead, got.Status, "status never goes back")
}

func TestReadOnOtherDeviceClearsUnread(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.relay.deliver(t, proto.EventMessageRead, proto.ReadPayload{ConversationID: "a", MessageIDs: []string{"m1"}, ReaderID: "me"})
	conv, _ := h.c.Conversation("a")
	assert.Zero(t, conv.UnreadCount)
}

func TestFailedSendRestoresComposer(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.open(t, "a")
	h.api.postErr = &restapi.Error{Status: 429, Message: "slow down"}

	p, err := h.c.SendText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, chat.StatusSending, p.Message.Status)

	m, err := p.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, chat.StatusFailed, m.Status)
	assert.Equal(t, "hello", h.c.Composer("a"))
	assert.Empty(t, h.c.Composer("a"), "restored once")
	assert.True(t, h.hasNotice("too often"))

	h.api.postErr = nil
	p, err = h.c.Retry(context.Background(), m.ID)
	require.NoError(t, err)
	m, err = p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, chat.StatusSent, m.Status)
	assert.Len(t, h.c.Messages("a"), 2, "retry reuses the record")
}

func TestFailedSendAfterSwitchingKeepsComposerEmpty(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.open(t, "a")
	h.api.postErr = errors.New("boom")
	h.api.postGate = make(chan struct{})

	p, err := h.c.SendText(context.Background(), "later")
	require.NoError(t, err)
	h.open(t, "b")
	close(h.api.postGate)

	_, err = p.Wait(context.Background())
	require.Error(t, err)
	assert.Empty(t, h.c.Composer("a"))
	assert.True(t, h.hasNotice("could not be sent"))
}

func TestAttachmentsQueueUntilSent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.open(t, "a")

	for i := 0; i < 2; i++ {
		_, err := h.c.Attach(context.Background(), fmt.Sprintf("p%d.jpg", i), "image/jpeg", strings.NewReader("jpeg"))
		require.NoError(t, err)
	}
	assert.Len(t, h.c.Attachments(), 2)

	p, err := h.c.SendText(context.Background(), "photos")
	require.NoError(t, err)
	_, err = p.Wait(context.Background())
	require.NoError(t, err)

	req := h.api.lastPost()
	assert.Equal(t, "photos", req.Text)
	require.Len(t, req.Attachments, 2)
	assert.Equal(t, "p0.jpg", req.Attachments[0].OriginalName)
	assert.Empty(t, h.c.Attachments())

	for i := 0; i < maxAttachments; i++ {
		_, err := h.c.Attach(context.Background(), "f", "text/plain", strings.NewReader("x"))
		require.NoError(t, err)
	}
	_, err = h.c.Attach(context.Background(), "f", "text/plain", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrTooManyFiles)
}

func TestSendNeedsOpenConversation(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	_, err := h.c.SendText(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoConversation)
}

func TestBlockedConversationRejectsSend(t *testing.T) {
	h := newHarness(t, nil)
	h.api.convs[1].IsBlocked = true
	h.start(t)
	h.open(t, "b")
	_, err := h.c.SendText(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestHideClosesConversation(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.open(t, "a")

	require.NoError(t, h.c.Hide(context.Background(), "a"))
	assert.Empty(t, h.c.Active())
	_, leaves := h.relay.snapshot()
	assert.Equal(t, []string{"a"}, leaves)
	list := h.c.Conversations()
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ID)
	assert.Empty(t, h.c.Messages("a"))
}

func TestStartCallNeedsConsent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.open(t, "a")

	err := h.c.StartCall(context.Background())
	assert.ErrorIs(t, err, call.ErrConsentRequired)
	assert.True(t, h.hasNotice("must allow calls"))
	assert.Empty(t, h.relay.emitted(proto.EventCallInitiate))

	h.relay.deliver(t, proto.EventCallConsent, proto.ConsentPayload{ConversationID: "a", UserID: "u2", AllowCalls: true})
	conv, _ := h.c.Conversation("a")
	assert.True(t, conv.CallConsent.Other.Allowed)
	assert.False(t, h.c.index.CanCall("a"))

	h.api.mu.Lock()
	h.api.convs[0].CallConsent.Other.Allowed = true
	h.api.mu.Unlock()
	consent, err := h.c.SetCallConsent(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, consent.Me.Allowed)
	assert.True(t, h.c.index.CanCall("a"))
}

func TestCallsDisabled(t *testing.T) {
	h := newHarness(t, func(o *ClientOptions) { o.CallsEnabled = false })
	h.start(t)
	h.open(t, "a")
	assert.ErrorIs(t, h.c.StartCall(context.Background()), ErrCallsDisabled)
}

func TestRecordingWithoutMicrophoneNotifies(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.open(t, "a")

	err := h.c.StartRecording(context.Background())
	assert.ErrorIs(t, err, media.ErrUnavailable)
	assert.NotEmpty(t, h.c.Notices())
}

func TestRelayErrorBecomesNotice(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	var got []Notice
	var mu sync.Mutex
	h.c.OnNotice(func(n Notice) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})
	h.relay.deliver(t, proto.EventError, proto.ErrorPayload{Code: proto.CodeRateLimited, Message: "slow"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, LevelError, got[0].Level)
	assert.Equal(t, "You are sending messages too quickly.", got[0].Text)
}

func TestRelayNoticeText(t *testing.T) {
	cases := []struct {
		p    proto.ErrorPayload
		want string
	}{
		{proto.ErrorPayload{Code: proto.CodeSendFailed, Message: "db down"}, "Your message could not be sent."},
		{proto.ErrorPayload{Code: proto.CodeValidation, Message: "text too long"}, "text too long"},
		{proto.ErrorPayload{Code: proto.CodeValidation}, "That request was not accepted."},
		{proto.ErrorPayload{Code: proto.CodeConsentMissing}, "Both participants must allow calls in this conversation."},
		{proto.ErrorPayload{Code: "OTHER", Message: "boom"}, "boom"},
		{proto.ErrorPayload{}, "Something went wrong."},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, relayNotice(tc.p), tc.p.Code)
	}
}

func TestConnectionNotices(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.relay.state(transport.StateChange{State: transport.StateReconnecting, Attempt: 1})
	h.relay.state(transport.StateChange{State: transport.StateReconnecting, Attempt: 2})
	h.relay.state(transport.StateChange{State: transport.StateConnected, Attempt: 2})

	texts := make([]string, 0)
	for _, n := range h.c.Notices() {
		texts = append(texts, n.Text)
	}
	assert.Equal(t, []string{"Connection lost, reconnecting.", "Reconnected."}, texts)
}

func TestUnreadCountFallsBackToLocalSum(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.api.unread = 7
	assert.Equal(t, 7, h.c.UnreadCount(context.Background()))

	h.api.unreadErr = errors.New("offline")
	assert.Equal(t, 3, h.c.UnreadCount(context.Background()))
}

func TestCloseFlushesPendingReads(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.open(t, "a")
	h.relay.deliver(t, proto.EventMessageNew, inbound("a", "m9", "u2", "yes"))

	require.NoError(t, h.c.Close())
	require.NoError(t, h.c.Close())

	reads := h.relay.emitted(proto.EventMarkRead)
	require.Len(t, reads, 1)
	assert.Equal(t, []string{"m9"}, reads[0].(proto.MarkReadPayload).MessageIDs)
	assert.Equal(t, 1, h.relay.closes)
}

func TestCacheServesListWhenServerFails(t *testing.T) {
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.SaveConversations(testConversations()[:1]))

	h := newHarness(t, func(o *ClientOptions) { o.Cache = db })
	h.api.listErr = errors.New("503")

	require.Error(t, h.c.Start(context.Background()))
	list := h.c.Conversations()
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)
	assert.True(t, h.hasNotice("could not be loaded"))
}

func TestConfirmedMessagesAreWrittenThrough(t *testing.T) {
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := newHarness(t, func(o *ClientOptions) { o.Cache = db })
	h.start(t)
	h.open(t, "a")

	p, err := h.c.SendText(context.Background(), "cached")
	require.NoError(t, err)
	_, err = p.Wait(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		msgs, err := db.Messages("a", 0)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Text == "cached" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
