package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/mapmarket/relaychat/internal/proto"
)

var log = logging.Logger("typing")

const (
	DefaultStopAfter = 2200 * time.Millisecond
	DefaultHideAfter = 6 * time.Second
)

// Emitter sends one relay event.
type Emitter interface {
	Emit(event string, payload any) error
}

type Options struct {
	SelfID string
	// StopAfter is the idle time after the last keystroke before
	// typing:stop is sent.
	StopAfter time.Duration
	// HideAfter clears a remote indicator that never received its stop.
	HideAfter time.Duration
	Clock     clock.Clock
}

type remote struct {
	timer *clock.Timer
	gen   uint64
}

// Coordinator throttles the local typing signal and tracks remote
// indicators. Every indicator clears itself.
type Coordinator struct {
	emit Emitter
	opt  Options

	mu        sync.Mutex
	active    string
	lastStart time.Time
	stopTimer *clock.Timer
	gen       uint64
	remotes   map[string]map[string]*remote

	cbMu     sync.RWMutex
	onChange []func(conv string, users []string)
}

func New(emit Emitter, opt Options) *Coordinator {
	if opt.StopAfter <= 0 {
		opt.StopAfter = DefaultStopAfter
	}
	if opt.HideAfter <= 0 {
		opt.HideAfter = DefaultHideAfter
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	return &Coordinator{
		emit:    emit,
		opt:     opt,
		remotes: make(map[string]map[string]*remote),
	}
}

// OnChange registers a callback for remote indicator changes.
func (c *Coordinator) OnChange(fn func(conv string, users []string)) {
	c.cbMu.Lock()
	c.onChange = append(c.onChange, fn)
	c.cbMu.Unlock()
}

type event struct {
	name string
	conv string
}

func (c *Coordinator) send(evs []event) {
	for _, ev := range evs {
		if err := c.emit.Emit(ev.name, proto.ConversationRef{ConversationID: ev.conv}); err != nil {
			log.Debugf("%s %s: %v", ev.name, ev.conv, err)
		}
	}
}

// Input records a keystroke in conv.
func (c *Coordinator) Input(conv string) {
	if conv == "" {
		return
	}
	var evs []event
	now := c.opt.Clock.Now()

	c.mu.Lock()
	if c.active != "" && c.active != conv {
		evs = append(evs, c.stopLocked())
	}
	if c.active != conv || now.Sub(c.lastStart) >= c.opt.StopAfter/2 {
		evs = append(evs, event{proto.EventTypingStart, conv})
		c.lastStart = now
	}
	c.active = conv
	if c.stopTimer != nil {
		c.stopTimer.Stop()
	}
	c.gen++
	gen := c.gen
	c.stopTimer = c.opt.Clock.AfterFunc(c.opt.StopAfter, func() { c.expire(gen) })
	c.mu.Unlock()

	c.send(evs)
}

func (c *Coordinator) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.active == "" {
		c.mu.Unlock()
		return
	}
	ev := c.stopLocked()
	c.mu.Unlock()
	c.send([]event{ev})
}

func (c *Coordinator) stopLocked() event {
	ev := event{proto.EventTypingStop, c.active}
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	c.gen++
	c.active = ""
	c.lastStart = time.Time{}
	return ev
}

// Stop ends the local typing signal immediately, if any.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.active == "" {
		c.mu.Unlock()
		return
	}
	ev := c.stopLocked()
	c.mu.Unlock()
	c.send([]event{ev})
}

// Active returns the conversation the local user is typing in.
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Remote applies a typing:start or typing:stop from another participant.
func (c *Coordinator) Remote(conv, user string, typing bool) {
	if conv == "" || user == "" || user == c.opt.SelfID {
		return
	}
	c.mu.Lock()
	users := c.remotes[conv]
	r, shown := users[user]
	switch {
	case typing:
		if users == nil {
			users = make(map[string]*remote)
			c.remotes[conv] = users
		}
		if shown {
			r.timer.Stop()
		} else {
			r = &remote{}
			users[user] = r
		}
		r.gen++
		gen := r.gen
		r.timer = c.opt.Clock.AfterFunc(c.opt.HideAfter, func() { c.hide(conv, user, gen) })
	case shown:
		r.timer.Stop()
		c.removeLocked(conv, user)
	default:
		c.mu.Unlock()
		return
	}
	list := c.typingLocked(conv)
	c.mu.Unlock()

	if typing && shown {
		return
	}
	c.notify(conv, list)
}

func (c *Coordinator) hide(conv, user string, gen uint64) {
	c.mu.Lock()
	r, ok := c.remotes[conv][user]
	if !ok || r.gen != gen {
		c.mu.Unlock()
		return
	}
	c.removeLocked(conv, user)
	list := c.typingLocked(conv)
	c.mu.Unlock()
	c.notify(conv, list)
}

func (c *Coordinator) removeLocked(conv, user string) {
	delete(c.remotes[conv], user)
	if len(c.remotes[conv]) == 0 {
		delete(c.remotes, conv)
	}
}

func (c *Coordinator) typingLocked(conv string) []string {
	out := make([]string, 0, len(c.remotes[conv]))
	for u := range c.remotes[conv] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// ClearRemote hides user's indicator in conv, e.g. when a message from
// that user arrives.
func (c *Coordinator) ClearRemote(conv, user string) {
	c.Remote(conv, user, false)
}

// Typing returns the users currently shown as typing in conv.
func (c *Coordinator) Typing(conv string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingLocked(conv)
}

func (c *Coordinator) notify(conv string, users []string) {
	c.cbMu.RLock()
	fns := append([]func(string, []string){}, c.onChange...)
	c.cbMu.RUnlock()
	for _, fn := range fns {
		fn(conv, users)
	}
}

// Close stops the local signal and drops every remote indicator.
func (c *Coordinator) Close() {
	c.Stop()
	c.mu.Lock()
	for _, users := range c.remotes {
		for _, r := range users {
			r.timer.Stop()
		}
	}
	c.remotes = make(map[string]map[string]*remote)
	c.mu.Unlock()
}
