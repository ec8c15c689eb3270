package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mapmarket/relaychat/internal/chat"
	"github.com/mapmarket/relaychat/internal/proto"
)

var log = logging.Logger("conversation")

var ErrUnknown = errors.New("conversation: unknown conversation")

// Backend is the server side of the index.
type Backend interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	MarkRead(ctx context.Context, id string) error
	Hide(ctx context.Context, id string) error
	SetCallConsent(ctx context.Context, id string, allow bool) (Conversation, error)
}

// Change is published after every mutation. ID is empty for bulk changes.
type Change struct {
	ID      string
	Removed bool
}

type Options struct {
	SelfID         string
	SearchDebounce time.Duration
	RequestTimeout time.Duration
}

// Index holds the conversation list in activity order.
type Index struct {
	backend Backend
	opt     Options

	mu     sync.RWMutex
	convs  map[string]*Conversation
	term   string
	search func(func())

	fetch singleflight.Group

	listenerMu sync.RWMutex
	listeners  map[chan Change]struct{}

	wg sync.WaitGroup
}

func NewIndex(backend Backend, opt Options) *Index {
	if opt.SearchDebounce <= 0 {
		opt.SearchDebounce = 150 * time.Millisecond
	}
	if opt.RequestTimeout <= 0 {
		opt.RequestTimeout = 15 * time.Second
	}
	return &Index{
		backend:   backend,
		opt:       opt,
		convs:     make(map[string]*Conversation),
		search:    debounce.New(opt.SearchDebounce),
		listeners: make(map[chan Change]struct{}),
	}
}

// Subscribe returns a change feed and its cancel func.
func (x *Index) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 32)
	x.listenerMu.Lock()
	x.listeners[ch] = struct{}{}
	x.listenerMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			x.listenerMu.Lock()
			delete(x.listeners, ch)
			x.listenerMu.Unlock()
			close(ch)
		})
	}
}

func (x *Index) publish(c Change) {
	x.listenerMu.RLock()
	defer x.listenerMu.RUnlock()
	for ch := range x.listeners {
		select {
		case ch <- c:
		default:
		}
	}
}

// Load replaces the list with a freshly fetched batch. Hidden
// conversations are skipped.
func (x *Index) Load(list []Conversation) {
	x.mu.Lock()
	x.convs = make(map[string]*Conversation, len(list))
	for _, c := range list {
		if c.ID == "" || c.Hidden {
			continue
		}
		cp := c.clone()
		x.convs[c.ID] = &cp
	}
	x.mu.Unlock()
	x.publish(Change{})
}

// Upsert inserts or replaces one conversation.
func (x *Index) Upsert(c Conversation) {
	if c.ID == "" {
		return
	}
	x.mu.Lock()
	cp := c.clone()
	x.convs[c.ID] = &cp
	x.mu.Unlock()
	x.publish(Change{ID: c.ID})
}

func (x *Index) Get(id string) (Conversation, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// List returns every conversation, most recent activity first.
func (x *Index) List() []Conversation {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.sorted("")
}

// Filtered returns the list narrowed by the current search term.
func (x *Index) Filtered() []Conversation {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.sorted(x.term)
}

func (x *Index) sorted(term string) []Conversation {
	out := make([]Conversation, 0, len(x.convs))
	for _, c := range x.convs {
		if c.matches(term) {
			out = append(out, c.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := out[i].Activity(), out[j].Activity()
		if ai.Equal(aj) {
			return out[i].ID < out[j].ID
		}
		return ai.After(aj)
	})
	return out
}

// Search sets the filter term immediately.
func (x *Index) Search(term string) {
	term = strings.ToLower(strings.TrimSpace(term))
	x.mu.Lock()
	changed := x.term != term
	x.term = term
	x.mu.Unlock()
	if changed {
		x.publish(Change{})
	}
}

// SearchInput is the keystroke entry point; the filter applies once input
// settles.
func (x *Index) SearchInput(term string) {
	x.search(func() { x.Search(term) })
}

// Term returns the active search term.
func (x *Index) Term() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.term
}

// ensure returns the conversation, fetching it once when unknown.
// Concurrent callers for the same id share one request.
func (x *Index) ensure(ctx context.Context, id string) error {
	if _, ok := x.Get(id); ok {
		return nil
	}
	_, err, _ := x.fetch.Do(id, func() (any, error) {
		if _, ok := x.Get(id); ok {
			return nil, nil
		}
		c, err := x.backend.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.ID == "" {
			c.ID = id
		}
		x.mu.Lock()
		if _, ok := x.convs[id]; !ok {
			cp := c.clone()
			x.convs[id] = &cp
		}
		x.mu.Unlock()
		return nil, nil
	})
	return err
}

// ApplyMessage folds a new message into its conversation's preview and
// unread counter. An unknown conversation is fetched first. The unread
// counter only grows for inbound messages while the conversation is not
// open.
func (x *Index) ApplyMessage(ctx context.Context, m chat.Message, open bool) error {
	if err := x.ensure(ctx, m.ConversationID); err != nil {
		return fmt.Errorf("fetch conversation %s: %w", m.ConversationID, err)
	}

	x.mu.Lock()
	c, ok := x.convs[m.ConversationID]
	if !ok {
		x.mu.Unlock()
		return ErrUnknown
	}
	at := m.CreatedAt
	if c.LastMessageAt == nil || !at.Before(*c.LastMessageAt) {
		lm := &LastMessage{
			Text:      m.Text,
			Sender:    m.Sender,
			Status:    m.Status,
			Timestamp: at,
			Type:      m.Type,
		}
		if m.Audio != nil {
			lm.AudioDuration = m.Audio.Duration
		}
		c.LastMessage = lm
		c.LastMessageAt = &at
	}
	if m.Sender != x.opt.SelfID && !open {
		c.UnreadCount++
	}
	c.Hidden = false
	x.mu.Unlock()

	x.publish(Change{ID: m.ConversationID})
	return nil
}

// MarkRead zeroes the unread counter at once. When the counter actually
// changed, one server call is made in the background; its failure is
// logged and the local state is kept. Reports whether the counter changed.
func (x *Index) MarkRead(ctx context.Context, id string) bool {
	x.mu.Lock()
	c, ok := x.convs[id]
	if !ok || c.UnreadCount == 0 {
		x.mu.Unlock()
		return false
	}
	c.UnreadCount = 0
	x.mu.Unlock()
	x.publish(Change{ID: id})

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.opt.RequestTimeout)
		defer cancel()
		if err := x.backend.MarkRead(rctx, id); err != nil {
			log.Warnf("mark read %s: %v", id, err)
		}
	}()
	return true
}

// SetUnread overrides the counter, used when the server reports it.
func (x *Index) SetUnread(id string, n int) {
	if n < 0 {
		n = 0
	}
	x.mu.Lock()
	c, ok := x.convs[id]
	if ok {
		c.UnreadCount = n
	}
	x.mu.Unlock()
	if ok {
		x.publish(Change{ID: id})
	}
}

// UnreadTotal sums the unread counters.
func (x *Index) UnreadTotal() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, c := range x.convs {
		n += c.UnreadCount
	}
	return n
}

// Hide asks the server to hide the conversation and removes it locally
// once the server agrees.
func (x *Index) Hide(ctx context.Context, id string) error {
	if err := x.backend.Hide(ctx, id); err != nil {
		return fmt.Errorf("hide %s: %w", id, err)
	}
	x.mu.Lock()
	delete(x.convs, id)
	x.mu.Unlock()
	x.publish(Change{ID: id, Removed: true})
	return nil
}

// ApplyConsentEvent applies a relay consent change. The event names the
// user whose consent changed.
func (x *Index) ApplyConsentEvent(ev proto.ConsentPayload) {
	x.mu.Lock()
	c, ok := x.convs[ev.ConversationID]
	if !ok {
		x.mu.Unlock()
		log.Debugf("consent event for unknown conversation %s", ev.ConversationID)
		return
	}
	side := ConsentSide{Allowed: ev.AllowCalls, UpdatedBy: ev.UserID}
	if !ev.UpdatedAt.IsZero() {
		t := ev.UpdatedAt
		side.UpdatedAt = &t
	}
	if ev.UserID == x.opt.SelfID {
		c.CallConsent.Me = side
	} else {
		c.CallConsent.Other = side
	}
	x.mu.Unlock()
	x.publish(Change{ID: ev.ConversationID})
}

// UpdateConsent changes this user's consent. Local state only changes with
// the server's answer.
func (x *Index) UpdateConsent(ctx context.Context, id string, allow bool) (Consent, error) {
	if _, ok := x.Get(id); !ok {
		return Consent{}, ErrUnknown
	}
	updated, err := x.backend.SetCallConsent(ctx, id, allow)
	if err != nil {
		return Consent{}, fmt.Errorf("call consent %s: %w", id, err)
	}
	x.mu.Lock()
	c, ok := x.convs[id]
	if ok {
		c.CallConsent = updated.CallConsent
	}
	x.mu.Unlock()
	if !ok {
		return Consent{}, ErrUnknown
	}
	x.publish(Change{ID: id})
	return updated.CallConsent, nil
}

// CanCall reports whether both participants allow calls.
func (x *Index) CanCall(id string) bool {
	c, ok := x.Get(id)
	return ok && c.CallConsent.Ready()
}

// Wait blocks until background server calls have finished.
func (x *Index) Wait() { x.wg.Wait() }
