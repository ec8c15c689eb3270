package chat

import (
	"sort"
	"sync"
	"time"
)

// Change is published for every mutation of a conversation's message list.
type Change struct {
	ConversationID string
	Message        *Message // nil for page loads and drops
	Reset          bool     // whole list replaced or dropped
}

type thread struct {
	msgs    []*Message
	loaded  bool
	hasMore bool
}

// Store owns the message lists of every conversation. Each list is kept in
// non-decreasing CreatedAt order and holds at most one record per
// correlation id.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*thread
	keys    map[string]*Message // server id or correlation id -> record

	listenerMu sync.RWMutex
	listeners  map[chan Change]struct{}
}

func NewStore() *Store {
	return &Store{
		threads:   make(map[string]*thread),
		keys:      make(map[string]*Message),
		listeners: make(map[chan Change]struct{}),
	}
}

// Subscribe returns a channel of changes and a cancel func. Slow
// subscribers miss changes rather than blocking the store.
func (s *Store) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 64)
	s.listenerMu.Lock()
	s.listeners[ch] = struct{}{}
	s.listenerMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.listenerMu.Lock()
			delete(s.listeners, ch)
			s.listenerMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish(c Change) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for ch := range s.listeners {
		select {
		case ch <- c:
		default:
		}
	}
}

func (s *Store) thread(conv string) *thread {
	t, ok := s.threads[conv]
	if !ok {
		t = &thread{}
		s.threads[conv] = t
	}
	return t
}

func (s *Store) lookup(m Message) *Message {
	for _, k := range m.Keys() {
		if k == "" {
			continue
		}
		if cur, ok := s.keys[k]; ok {
			return cur
		}
	}
	return nil
}

func (s *Store) index(m *Message) {
	for _, k := range m.Keys() {
		if k != "" {
			s.keys[k] = m
		}
	}
}

// merge folds incoming into cur in place. The server's copy wins except
// that a known status is never downgraded and a correlation id is never lost.
func merge(cur *Message, in Message) {
	status, delivered, read := cur.Status, cur.DeliveredAt, cur.ReadAt
	temp := cur.ClientTempID
	*cur = in.clone()
	if cur.ClientTempID == "" {
		cur.ClientTempID = temp
	}
	if status.rank() > in.Status.rank() {
		cur.Status = status
	}
	if cur.DeliveredAt == nil {
		cur.DeliveredAt = delivered
	}
	if cur.ReadAt == nil {
		cur.ReadAt = read
	}
}

func sortThread(t *thread) {
	sort.SliceStable(t.msgs, func(i, j int) bool {
		return t.msgs[i].CreatedAt.Before(t.msgs[j].CreatedAt)
	})
}

// Upsert inserts m or replaces the record that shares its server id or
// correlation id. Returns the stored copy and whether it was new.
func (s *Store) Upsert(m Message) (Message, bool) {
	s.mu.Lock()
	t := s.thread(m.ConversationID)
	cur := s.lookup(m)
	inserted := cur == nil
	if inserted {
		cp := m.clone()
		cur = &cp
		t.msgs = append(t.msgs, cur)
	} else {
		merge(cur, m)
	}
	s.index(cur)
	sortThread(t)
	out := cur.clone()
	s.mu.Unlock()

	s.publish(Change{ConversationID: m.ConversationID, Message: &out})
	return out, inserted
}

// ReplacePage installs the newest page of a conversation. Local records the
// server has not confirmed yet are kept.
func (s *Store) ReplacePage(conv string, p Page) {
	s.mu.Lock()
	t := s.thread(conv)
	var keep []*Message
	for _, m := range t.msgs {
		if !m.Status.Confirmed() {
			keep = append(keep, m)
		}
		for _, k := range m.Keys() {
			delete(s.keys, k)
		}
	}
	t.msgs = nil
	for _, m := range p.Messages {
		m.ConversationID = conv
		cp := m.clone()
		t.msgs = append(t.msgs, &cp)
		s.index(&cp)
	}
	for _, m := range keep {
		if s.lookup(*m) != nil {
			continue
		}
		t.msgs = append(t.msgs, m)
		s.index(m)
	}
	t.loaded = true
	t.hasMore = p.HasMore
	sortThread(t)
	s.mu.Unlock()

	s.publish(Change{ConversationID: conv, Reset: true})
}

// PrependPage merges an older page into the list.
func (s *Store) PrependPage(conv string, p Page) int {
	s.mu.Lock()
	t := s.thread(conv)
	added := 0
	for _, m := range p.Messages {
		m.ConversationID = conv
		if cur := s.lookup(m); cur != nil {
			merge(cur, m)
			s.index(cur)
			continue
		}
		cp := m.clone()
		t.msgs = append(t.msgs, &cp)
		s.index(&cp)
		added++
	}
	t.hasMore = p.HasMore
	sortThread(t)
	s.mu.Unlock()

	s.publish(Change{ConversationID: conv, Reset: true})
	return added
}

// SetStatus moves the message found by server id or correlation id forward
// to status. Downgrades are ignored. at stamps DeliveredAt or ReadAt.
func (s *Store) SetStatus(id string, status Status, at time.Time) (Message, bool) {
	s.mu.Lock()
	cur, ok := s.keys[id]
	if !ok || status.rank() <= cur.Status.rank() {
		s.mu.Unlock()
		return Message{}, false
	}
	cur.Status = status
	if !at.IsZero() {
		ts := at
		switch status {
		case StatusDelivered:
			cur.DeliveredAt = &ts
		case StatusRead:
			cur.ReadAt = &ts
			if cur.DeliveredAt == nil {
				cur.DeliveredAt = &ts
			}
		}
	}
	out := cur.clone()
	s.mu.Unlock()

	s.publish(Change{ConversationID: out.ConversationID, Message: &out})
	return out, true
}

// setLocal forces a local status (sending or failed) on an unconfirmed record.
func (s *Store) setLocal(id string, status Status) (Message, bool) {
	s.mu.Lock()
	cur, ok := s.keys[id]
	if !ok || cur.Status.Confirmed() {
		s.mu.Unlock()
		return Message{}, false
	}
	cur.Status = status
	out := cur.clone()
	s.mu.Unlock()

	s.publish(Change{ConversationID: out.ConversationID, Message: &out})
	return out, true
}

// MarkFailed flags an unconfirmed record as failed. Confirmed records are
// left alone.
func (s *Store) MarkFailed(id string) (Message, bool) { return s.setLocal(id, StatusFailed) }

// Find returns the message with the given server id or correlation id.
func (s *Store) Find(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.keys[id]
	if !ok {
		return Message{}, false
	}
	return cur.clone(), true
}

// Messages returns a copy of the conversation's list in display order.
func (s *Store) Messages(conv string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[conv]
	if !ok {
		return nil
	}
	out := make([]Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = m.clone()
	}
	return out
}

// Loaded reports whether the first page has been installed.
func (s *Store) Loaded(conv string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[conv]
	return ok && t.loaded
}

// HasMore reports whether older history exists on the server.
func (s *Store) HasMore(conv string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[conv]
	return ok && t.hasMore
}

// Oldest returns the creation time of the oldest confirmed message, used as
// the "before" cursor for pagination.
func (s *Store) Oldest(conv string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[conv]
	if !ok {
		return time.Time{}, false
	}
	for _, m := range t.msgs {
		if m.Status.Confirmed() {
			return m.CreatedAt, true
		}
	}
	return time.Time{}, false
}

// Drop forgets a conversation's messages.
func (s *Store) Drop(conv string) {
	s.mu.Lock()
	if t, ok := s.threads[conv]; ok {
		for _, m := range t.msgs {
			for _, k := range m.Keys() {
				delete(s.keys, k)
			}
		}
		delete(s.threads, conv)
	}
	s.mu.Unlock()

	s.publish(Change{ConversationID: conv, Reset: true})
}
