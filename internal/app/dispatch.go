package app

import (
	"encoding/json"

	"github.com/mapmarket/relaychat/internal/call"
	"github.com/mapmarket/relaychat/internal/chat"
	"github.com/mapmarket/relaychat/internal/conversation"
	"github.com/mapmarket/relaychat/internal/metrics"
	"github.com/mapmarket/relaychat/internal/proto"
	"github.com/mapmarket/relaychat/internal/transport"
)

// bind installs the relay dispatch table.
func (c *Client) bind() {
	table := map[string]transport.Handler{
		proto.EventMessageNew:       c.onMessageNew,
		proto.EventMessageDelivered: c.onDelivered,
		proto.EventMessageRead:      c.onRead,
		proto.EventTypingStart:      c.onTyping(true),
		proto.EventTypingStop:       c.onTyping(false),
		proto.EventCallConsent:      c.onConsent,
		proto.EventError:            c.onError,
	}
	for event, fn := range c.calls.Handlers() {
		table[event] = transport.Handler(fn)
	}
	for event, fn := range table {
		c.unsub = append(c.unsub, c.relay.On(event, fn))
	}
	c.unsub = append(c.unsub, c.relay.OnState(c.onState))
}

func decode(f proto.Frame, v any) bool {
	if err := f.Decode(v); err != nil {
		log.Debugf("bad %s payload: %v", f.Event, err)
		return false
	}
	return true
}

func (c *Client) onMessageNew(f proto.Frame) {
	var p proto.MessageNewPayload
	if !decode(f, &p) || len(p.Message) == 0 {
		return
	}
	var m chat.Message
	if err := json.Unmarshal(p.Message, &m); err != nil {
		log.Debugf("bad message in %s: %v", p.ConversationID, err)
		return
	}
	if m.ConversationID == "" {
		m.ConversationID = p.ConversationID
	}
	if m.ConversationID == "" || m.ID == "" {
		return
	}

	stored, _ := c.store.Upsert(m)
	inbound := m.Sender != c.opt.SelfID
	open := c.Active() == m.ConversationID

	if inbound {
		metrics.MessagesReceived.Inc()
		if open {
			if err := c.relay.Emit(proto.EventMessageReceived, proto.ReceivedPayload{
				ConversationID: m.ConversationID,
				MessageID:      m.ID,
			}); err != nil {
				log.Debugf("delivery ack %s: %v", m.ID, err)
			}
			c.reads.Schedule(m.ConversationID, m.ID)
			c.typing.ClearRemote(m.ConversationID, m.Sender)
		}
	}

	c.noticeMu.RLock()
	fns := c.onMessage
	c.noticeMu.RUnlock()
	for _, fn := range fns {
		fn(stored)
	}

	// The conversation may have to be fetched first; that must not hold up
	// the read loop.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.index.ApplyMessage(c.ctx, stored, open); err != nil {
			log.Warnf("message %s: %v", m.ID, err)
		}
	}()
}

func (c *Client) onDelivered(f proto.Frame) {
	var p proto.DeliveredPayload
	if !decode(f, &p) || p.MessageID == "" {
		return
	}
	c.store.SetStatus(p.MessageID, chat.StatusDelivered, p.DeliveredAt)
}

func (c *Client) onRead(f proto.Frame) {
	var p proto.ReadPayload
	if !decode(f, &p) {
		return
	}
	for _, id := range p.MessageIDs {
		c.store.SetStatus(id, chat.StatusRead, p.ReadAt)
	}
	// Read on another device of the same account.
	if p.ReaderID != "" && p.ReaderID == c.opt.SelfID && p.ConversationID != "" {
		c.index.SetUnread(p.ConversationID, 0)
	}
}

func (c *Client) onTyping(on bool) transport.Handler {
	return func(f proto.Frame) {
		var p proto.TypingPayload
		if !decode(f, &p) || p.ConversationID == "" || p.UserID == "" {
			return
		}
		c.typing.Remote(p.ConversationID, p.UserID, on)
	}
}

func (c *Client) onConsent(f proto.Frame) {
	var p proto.ConsentPayload
	if !decode(f, &p) || p.ConversationID == "" {
		return
	}
	c.index.ApplyConsentEvent(p)
}

func (c *Client) onError(f proto.Frame) {
	var p proto.ErrorPayload
	if !decode(f, &p) {
		return
	}
	if c.calls.HandleRelayError(p) {
		return
	}
	log.Warnf("relay error: %s", p.Error())
	c.notify(LevelError, c.Active(), relayNotice(p))
}

func (c *Client) onState(sc transport.StateChange) {
	metrics.RelayStates.WithLabelValues(string(sc.State)).Inc()
	switch sc.State {
	case transport.StateReconnecting:
		if sc.Attempt == 1 {
			c.notify(LevelWarn, "", "Connection lost, reconnecting.")
		}
	case transport.StateGaveUp:
		c.notify(LevelError, "", "The chat server cannot be reached.")
	case transport.StateConnected:
		if sc.Attempt > 0 {
			c.notify(LevelInfo, "", "Reconnected.")
		}
	}
}

func (c *Client) sent(m chat.Message) {
	metrics.MessagesSent.WithLabelValues(string(m.Type)).Inc()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.index.ApplyMessage(c.ctx, m, true); err != nil {
			log.Debugf("preview for %s: %v", m.ConversationID, err)
		}
	}()
}

// watch starts the background consumers: the write-through cache and the
// call notices.
func (c *Client) watch() {
	events, cancel := c.calls.Subscribe()
	c.unsub = append(c.unsub, cancel)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range events {
			switch ev.Kind {
			case call.EventNotice:
				c.notify(LevelWarn, ev.Snapshot.ConversationID, ev.Notice)
			case call.EventState:
				if ev.Snapshot.State == call.StateRinging && !ev.Snapshot.Initiator {
					c.notify(LevelInfo, ev.Snapshot.ConversationID, "Incoming call.")
				}
			}
		}
	}()

	if c.cache == nil {
		return
	}

	msgs, cancelMsgs := c.store.Subscribe()
	c.unsub = append(c.unsub, cancelMsgs)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ch := range msgs {
			var batch []chat.Message
			switch {
			case ch.Reset:
				batch = c.store.Messages(ch.ConversationID)
			case ch.Message != nil:
				batch = []chat.Message{*ch.Message}
			}
			if err := c.cache.SaveMessages(batch); err != nil {
				log.Warnf("cache messages: %v", err)
			}
		}
	}()

	convs, cancelConvs := c.index.Subscribe()
	c.unsub = append(c.unsub, cancelConvs)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ch := range convs {
			if ch.Removed {
				if err := c.cache.DeleteConversation(ch.ID); err != nil {
					log.Warnf("cache drop %s: %v", ch.ID, err)
				}
				continue
			}
			conv, ok := c.index.Get(ch.ID)
			if !ok {
				continue
			}
			if err := c.cache.SaveConversations([]conversation.Conversation{conv}); err != nil {
				log.Warnf("cache conversation %s: %v", ch.ID, err)
			}
		}
	}()
}
