package app

import (
	"context"
	"errors"
	"time"

	"github.com/mapmarket/relaychat/internal/chat"
	"github.com/mapmarket/relaychat/internal/metrics"
	"github.com/mapmarket/relaychat/internal/proto"
	"github.com/mapmarket/relaychat/internal/restapi"
	"github.com/mapmarket/relaychat/internal/transport"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notice is a short message for the user.
type Notice struct {
	At             time.Time
	Level          Level
	ConversationID string
	Text           string
}

// Notices returns the retained notices, oldest first.
func (c *Client) Notices() []Notice {
	return c.notices.Snapshot()
}

// OnNotice registers fn for every new notice.
func (c *Client) OnNotice(fn func(Notice)) {
	c.noticeMu.Lock()
	c.onNotice = append(c.onNotice, fn)
	c.noticeMu.Unlock()
}

func (c *Client) notify(level Level, conv, text string) {
	if text == "" {
		return
	}
	n := Notice{At: c.opt.Clock.Now(), Level: level, ConversationID: conv, Text: text}
	c.notices.Push(n)
	log.Debugf("notice [%s] %s", level, text)

	c.noticeMu.RLock()
	fns := c.onNotice
	c.noticeMu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}

// describe turns an error into user-facing text. Application errors carry
// their own wording; everything else gets fallback.
func describe(err error, fallback string) string {
	var relayErr *proto.ErrorPayload
	switch {
	case err == nil:
		return ""
	case restapi.IsRateLimited(err):
		return "You are doing that too often. Please wait a moment."
	case restapi.IsForbidden(err):
		return "You are not allowed to do that in this conversation."
	case restapi.IsNotFound(err):
		return "This conversation no longer exists."
	case restapi.IsValidation(err):
		var e *restapi.Error
		if errors.As(err, &e) && e.Message != "" {
			return e.Message
		}
		return fallback
	case errors.As(err, &relayErr) && relayErr.Message != "":
		return relayErr.Message
	case errors.Is(err, transport.ErrNotConnected):
		return "You are offline."
	case errors.Is(err, context.DeadlineExceeded):
		return "The server took too long to answer."
	default:
		return fallback
	}
}

// relayNotice maps a relay error event to a notice text.
func relayNotice(p proto.ErrorPayload) string {
	switch p.Code {
	case proto.CodeRateLimited:
		return "You are sending messages too quickly."
	case proto.CodeSendFailed:
		return "Your message could not be sent."
	case proto.CodeValidation:
		if p.Message != "" {
			return p.Message
		}
		return "That request was not accepted."
	case proto.CodeForbidden:
		return "You are not allowed to do that in this conversation."
	case proto.CodeConsentMissing:
		return "Both participants must allow calls in this conversation."
	}
	if p.Message != "" {
		return p.Message
	}
	return "Something went wrong."
}

func (c *Client) sendFailed(f chat.Failure) {
	metrics.MessagesFailed.Inc()
	c.mu.Lock()
	viewing := c.active == f.ConversationID
	if viewing && f.Text != "" {
		c.composer[f.ConversationID] = f.Text
	}
	c.mu.Unlock()
	c.notify(LevelError, f.ConversationID, describe(f.Err, "Your message could not be sent."))
}
