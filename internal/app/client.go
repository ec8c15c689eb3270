package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/mapmarket/relaychat/internal/audio"
	"github.com/mapmarket/relaychat/internal/call"
	"github.com/mapmarket/relaychat/internal/chat"
	"github.com/mapmarket/relaychat/internal/conversation"
	"github.com/mapmarket/relaychat/internal/media"
	"github.com/mapmarket/relaychat/internal/storage"
	"github.com/mapmarket/relaychat/internal/transport"
	"github.com/mapmarket/relaychat/internal/typing"
	"github.com/mapmarket/relaychat/internal/util"
)

var log = logging.Logger("app")

var (
	ErrNoConversation = errors.New("app: no conversation is open")
	ErrBlocked        = errors.New("app: this conversation is blocked")
	ErrCallsDisabled  = errors.New("app: calls are disabled")
	ErrTooManyFiles   = errors.New("app: attachment limit reached")
)

// maxAttachments matches the server-side limit per message.
const maxAttachments = 5

// Relay is the realtime channel. *transport.Transport satisfies it.
type Relay interface {
	On(event string, fn transport.Handler) (unsubscribe func())
	OnState(fn func(transport.StateChange)) (unsubscribe func())
	Connect(ctx context.Context) error
	Emit(event string, payload any) error
	Join(conversationID string, markAsRead bool) error
	Leave(conversationID string) error
	SetActive(conversationID string)
	Close() error
}

// API is the REST surface. *restapi.Client satisfies it.
type API interface {
	conversation.Backend
	chat.Poster
	audio.Uploader
	ListConversations(ctx context.Context, limit int) ([]conversation.Conversation, error)
	ListMessages(ctx context.Context, id string, limit int, before time.Time) (chat.Page, error)
	UploadAttachment(ctx context.Context, name, mime string, r io.Reader) (chat.Attachment, error)
	UnreadCount(ctx context.Context) (int, error)
}

type ClientOptions struct {
	SelfID string

	ConversationLimit int
	MessageLimit      int
	ReadBatch         time.Duration
	TypingStop        time.Duration
	TypingHide        time.Duration
	SearchDebounce    time.Duration
	NoticeBuffer      int

	CallsEnabled  bool
	ICEServers    []string
	ICEGatherWait time.Duration
	MaxRecording  time.Duration

	Clock   clock.Clock
	Mic     media.Source
	NewPeer call.PeerFactory
	// Cache is optional.
	Cache *storage.DB
}

func (o *ClientOptions) setDefaults() {
	if o.ConversationLimit <= 0 {
		o.ConversationLimit = 60
	}
	if o.MessageLimit <= 0 {
		o.MessageLimit = 80
	}
	if o.NoticeBuffer <= 0 {
		o.NoticeBuffer = 50
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Client is the session object. It owns the relay connection, the message
// and conversation state, the call machine and the voice-note recorder,
// and tracks which conversation is open.
type Client struct {
	opt   ClientOptions
	relay Relay
	api   API
	cache *storage.DB

	store    *chat.Store
	delivery *chat.Delivery
	reads    *chat.ReadBatcher
	index    *conversation.Index
	typing   *typing.Coordinator
	calls    *call.Manager
	recorder *audio.Recorder
	notices  *util.RingBuffer[Notice]

	mu          sync.Mutex
	active      string
	composer    map[string]string
	attachments map[string][]chat.Attachment

	noticeMu  sync.RWMutex
	onNotice  []func(Notice)
	onMessage []func(chat.Message)

	ctx    context.Context
	cancel context.CancelFunc
	unsub  []func()
	wg     sync.WaitGroup
	once   sync.Once
}

func NewClient(relay Relay, api API, opt ClientOptions) *Client {
	opt.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		opt:         opt,
		relay:       relay,
		api:         api,
		cache:       opt.Cache,
		store:       chat.NewStore(),
		notices:     util.NewRingBuffer[Notice](opt.NoticeBuffer),
		composer:    make(map[string]string),
		attachments: make(map[string][]chat.Attachment),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.delivery = chat.NewDelivery(c.store, api, chat.DeliveryOptions{
		SelfID: opt.SelfID,
		Clock:  opt.Clock,
	})
	c.reads = chat.NewReadBatcher(relay, opt.ReadBatch, opt.Clock)
	c.index = conversation.NewIndex(api, conversation.Options{
		SelfID:         opt.SelfID,
		SearchDebounce: opt.SearchDebounce,
	})
	c.typing = typing.New(relay, typing.Options{
		SelfID:    opt.SelfID,
		StopAfter: opt.TypingStop,
		HideAfter: opt.TypingHide,
		Clock:     opt.Clock,
	})
	c.calls = call.New(call.Deps{
		Emitter: relay,
		Rooms:   relay,
		CanCall: c.index.CanCall,
		Mic:     opt.Mic,
		NewPeer: opt.NewPeer,
	}, call.Options{
		SelfID:        opt.SelfID,
		ICEServers:    opt.ICEServers,
		ICEGatherWait: opt.ICEGatherWait,
		Clock:         opt.Clock,
	})
	c.recorder = audio.NewRecorder(opt.Mic, api, c.delivery, audio.Options{
		MaxDuration: opt.MaxRecording,
		Clock:       opt.Clock,
	})

	c.delivery.OnFailure(c.sendFailed)
	c.delivery.OnSent(c.sent)
	c.recorder.OnLimit(func(clip audio.Clip) {
		c.notify(LevelInfo, clip.ConversationID, fmt.Sprintf("Recording stopped at %s.", clip.Duration))
	})
	return c
}

// Start wires the relay handlers, shows the cached state, connects and
// loads the conversation list. A failed first connect keeps retrying in
// the background and is not returned.
func (c *Client) Start(ctx context.Context) error {
	c.bind()
	c.watch()

	if c.cache != nil {
		if list, err := c.cache.Conversations(); err != nil {
			log.Warnf("cached conversations: %v", err)
		} else if len(list) > 0 {
			c.index.Load(list)
			log.Debugf("%d conversations from cache", len(list))
		}
	}

	if err := c.relay.Connect(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		log.Warnf("relay connect: %v", err)
		c.notify(LevelWarn, "", "The chat server is unreachable, retrying.")
	}

	if _, err := c.LoadConversations(ctx); err != nil {
		c.notify(LevelError, "", describe(err, "The conversation list could not be loaded."))
		return err
	}
	return nil
}

// LoadConversations fetches the list from the server and replaces the
// local one.
func (c *Client) LoadConversations(ctx context.Context) ([]conversation.Conversation, error) {
	list, err := c.api.ListConversations(ctx, c.opt.ConversationLimit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	c.index.Load(list)
	if c.cache != nil {
		if err := c.cache.SaveConversations(list); err != nil {
			log.Warnf("cache conversations: %v", err)
		}
	}
	return c.index.Filtered(), nil
}

// Conversations returns the list filtered by the current search term.
func (c *Client) Conversations() []conversation.Conversation {
	return c.index.Filtered()
}

func (c *Client) Conversation(id string) (conversation.Conversation, bool) {
	return c.index.Get(id)
}

// Active returns the open conversation id.
func (c *Client) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Client) activeOrErr() (string, error) {
	if id := c.Active(); id != "" {
		return id, nil
	}
	return "", ErrNoConversation
}

// OpenConversation makes id the open conversation: the room is joined with
// markAsRead, the unread counter is cleared and history is loaded unless
// it already is.
func (c *Client) OpenConversation(ctx context.Context, id string) ([]chat.Message, error) {
	if _, ok := c.index.Get(id); !ok {
		return nil, conversation.ErrUnknown
	}

	c.mu.Lock()
	prev := c.active
	c.active = id
	c.mu.Unlock()

	if prev != "" && prev != id {
		c.typing.Stop()
		c.leave(prev)
	}
	c.relay.SetActive(id)
	if err := c.relay.Join(id, true); err != nil {
		log.Debugf("join %s: %v", id, err)
	}
	c.index.MarkRead(ctx, id)

	if !c.store.Loaded(id) {
		if c.cache != nil {
			if cached, err := c.cache.Messages(id, c.opt.MessageLimit); err == nil && len(cached) > 0 {
				c.store.ReplacePage(id, chat.Page{Messages: cached, HasMore: true})
			}
		}
		page, err := c.api.ListMessages(ctx, id, c.opt.MessageLimit, time.Time{})
		if err != nil {
			c.notify(LevelError, id, describe(err, "This conversation could not be loaded."))
			return c.store.Messages(id), fmt.Errorf("load messages: %w", err)
		}
		c.store.ReplacePage(id, page)
	}
	return c.store.Messages(id), nil
}

// leave unsubscribes from a conversation room unless a call still runs in it.
func (c *Client) leave(id string) {
	if snap, ok := c.calls.Current(); ok && snap.ConversationID == id {
		return
	}
	if err := c.relay.Leave(id); err != nil {
		log.Debugf("leave %s: %v", id, err)
	}
}

// CloseConversation stops typing, flushes read receipts and leaves the room.
func (c *Client) CloseConversation() {
	c.mu.Lock()
	id := c.active
	c.active = ""
	c.mu.Unlock()
	if id == "" {
		return
	}
	c.typing.Stop()
	c.reads.Flush()
	c.relay.SetActive("")
	c.leave(id)
}

// Messages returns the loaded messages of a conversation, oldest first.
func (c *Client) Messages(id string) []chat.Message {
	return c.store.Messages(id)
}

// LoadOlder fetches the page before the oldest loaded message of the open
// conversation. Returns how many messages were added.
func (c *Client) LoadOlder(ctx context.Context) (int, error) {
	id, err := c.activeOrErr()
	if err != nil {
		return 0, err
	}
	if !c.store.HasMore(id) {
		return 0, nil
	}
	oldest, ok := c.store.Oldest(id)
	if !ok {
		return 0, nil
	}
	page, err := c.api.ListMessages(ctx, id, c.opt.MessageLimit, oldest)
	if err != nil {
		return 0, fmt.Errorf("load older messages: %w", err)
	}
	return c.store.PrependPage(id, page), nil
}

// Send posts a draft to the open conversation. Uploaded attachments that
// are waiting for the next message are added to it.
func (c *Client) Send(ctx context.Context, draft chat.Draft) (*chat.Pending, error) {
	id, err := c.activeOrErr()
	if err != nil {
		return nil, err
	}
	if conv, ok := c.index.Get(id); ok && conv.IsBlocked {
		return nil, ErrBlocked
	}

	c.mu.Lock()
	queued := c.attachments[id]
	c.mu.Unlock()
	if len(queued) > 0 {
		draft.Attachments = append(append([]chat.Attachment(nil), queued...), draft.Attachments...)
	}

	c.typing.Stop()
	p, err := c.delivery.Send(c.ctx, id, draft)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	delete(c.attachments, id)
	delete(c.composer, id)
	c.mu.Unlock()
	return p, nil
}

func (c *Client) SendText(ctx context.Context, text string) (*chat.Pending, error) {
	return c.Send(ctx, chat.Draft{Text: text})
}

// Retry re-sends a failed message.
func (c *Client) Retry(ctx context.Context, id string) (*chat.Pending, error) {
	return c.delivery.Retry(c.ctx, id)
}

// Attach uploads a file and queues it for the next message of the open
// conversation. Sending is blocked until the upload finishes.
func (c *Client) Attach(ctx context.Context, name, mime string, r io.Reader) (chat.Attachment, error) {
	id, err := c.activeOrErr()
	if err != nil {
		return chat.Attachment{}, err
	}
	c.mu.Lock()
	n := len(c.attachments[id])
	c.mu.Unlock()
	if n >= maxAttachments {
		return chat.Attachment{}, ErrTooManyFiles
	}

	done := c.delivery.BeginUpload(id)
	a, err := c.api.UploadAttachment(ctx, name, mime, r)
	done()
	if err != nil {
		c.notify(LevelError, id, describe(err, "The file could not be uploaded."))
		return chat.Attachment{}, fmt.Errorf("upload %s: %w", name, err)
	}

	c.mu.Lock()
	c.attachments[id] = append(c.attachments[id], a)
	c.mu.Unlock()
	return a, nil
}

// Attachments returns the uploads queued for the next message.
func (c *Client) Attachments() []chat.Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Attachment(nil), c.attachments[c.active]...)
}

// Composer returns and clears the text restored after a failed send in
// conversation id.
func (c *Client) Composer(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := c.composer[id]
	delete(c.composer, id)
	return text
}

// Typing reports a keystroke in the open conversation.
func (c *Client) Typing() {
	if id := c.Active(); id != "" {
		c.typing.Input(id)
	}
}

// TypingUsers returns who is typing in a conversation.
func (c *Client) TypingUsers(id string) []string {
	return c.typing.Typing(id)
}

// OnTyping registers fn for remote typing indicator changes.
func (c *Client) OnTyping(fn func(conv string, users []string)) {
	c.typing.OnChange(fn)
}

// Search filters the conversation list. The filter is applied after a
// short debounce.
func (c *Client) Search(term string) {
	c.index.SearchInput(term)
}

// Hide removes a conversation from the list once the server confirms.
func (c *Client) Hide(ctx context.Context, id string) error {
	if err := c.index.Hide(ctx, id); err != nil {
		c.notify(LevelError, id, describe(err, "The conversation could not be deleted."))
		return err
	}
	if c.Active() == id {
		c.CloseConversation()
	}
	c.store.Drop(id)
	return nil
}

// SetCallConsent changes the local call consent of the open conversation.
func (c *Client) SetCallConsent(ctx context.Context, allow bool) (conversation.Consent, error) {
	id, err := c.activeOrErr()
	if err != nil {
		return conversation.Consent{}, err
	}
	consent, err := c.index.UpdateConsent(ctx, id, allow)
	if err != nil {
		c.notify(LevelError, id, describe(err, "Call settings could not be saved."))
		return conversation.Consent{}, err
	}
	return consent, nil
}

// StartCall calls the other participant of the open conversation.
func (c *Client) StartCall(ctx context.Context) error {
	if !c.opt.CallsEnabled {
		return ErrCallsDisabled
	}
	id, err := c.activeOrErr()
	if err != nil {
		return err
	}
	conv, _ := c.index.Get(id)
	err = c.calls.Initiate(ctx, id, conv.Other.ID)
	switch {
	case errors.Is(err, call.ErrConsentRequired):
		c.notify(LevelWarn, id, "Both participants must allow calls in this conversation.")
	case errors.Is(err, call.ErrBusy):
		c.notify(LevelWarn, id, "A call is already in progress.")
	}
	return err
}

func (c *Client) AnswerCall(ctx context.Context) error { return c.calls.Answer(ctx) }

func (c *Client) RejectCall() error { return c.calls.Reject() }

func (c *Client) Hangup() error { return c.calls.Hangup() }

func (c *Client) ToggleMute() (bool, error) { return c.calls.ToggleMute() }

// Call returns the call in progress.
func (c *Client) Call() (call.Snapshot, bool) { return c.calls.Current() }

// CallStats returns media statistics of the call in progress.
func (c *Client) CallStats() (call.Stats, bool) { return c.calls.Stats() }

// CallEvents subscribes to the call machine.
func (c *Client) CallEvents() (<-chan call.Event, func()) { return c.calls.Subscribe() }

// StartRecording begins a voice note for the open conversation.
func (c *Client) StartRecording(ctx context.Context) error {
	id, err := c.activeOrErr()
	if err != nil {
		return err
	}
	if err := c.recorder.Start(ctx, id); err != nil {
		if errors.Is(err, media.ErrPermissionDenied) || errors.Is(err, media.ErrUnavailable) {
			c.notify(LevelError, id, media.Describe(err))
		}
		return err
	}
	return nil
}

func (c *Client) StopRecording() (audio.Clip, error) { return c.recorder.Stop() }

// SendRecording uploads the recorded voice note and sends it.
func (c *Client) SendRecording(ctx context.Context) (*chat.Pending, error) {
	p, err := c.recorder.Send(ctx)
	if err != nil && !errors.Is(err, audio.ErrNoClip) {
		c.notify(LevelError, c.Active(), describe(err, "The voice message could not be sent."))
	}
	return p, err
}

func (c *Client) CancelRecording() error { return c.recorder.Cancel() }

func (c *Client) Recording() audio.Status { return c.recorder.Status() }

// UnreadCount asks the server for the total unread count and falls back
// to the local sum when it cannot be reached.
func (c *Client) UnreadCount(ctx context.Context) int {
	n, err := c.api.UnreadCount(ctx)
	if err != nil {
		log.Debugf("unread count: %v", err)
		return c.index.UnreadTotal()
	}
	return n
}

// OnMessage registers fn for every message arriving over the relay.
func (c *Client) OnMessage(fn func(chat.Message)) {
	c.noticeMu.Lock()
	c.onMessage = append(c.onMessage, fn)
	c.noticeMu.Unlock()
}

// Changes subscribes to message list changes.
func (c *Client) Changes() (<-chan chat.Change, func()) { return c.store.Subscribe() }

// Close ends the call and recording in progress, flushes read receipts and
// disconnects. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.calls.Close()
		c.recorder.Close()
		c.typing.Close()
		c.reads.Flush()
		c.reads.Stop()
		for _, u := range c.unsub {
			u()
		}
		err = c.relay.Close()
		c.cancel()
		c.index.Wait()
		c.wg.Wait()
	})
	return err
}
