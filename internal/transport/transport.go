// Package transport owns the single websocket connection to the chat relay:
// authentication, event dispatch, room bookkeeping that survives reconnects,
// and bounded exponential-backoff reconnection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/mapmarket/relaychat/internal/proto"
)

var log = logging.Logger("transport")

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateGaveUp       State = "gave-up"
	StateClosed       State = "closed"
)

// StateChange is published on every connection state transition. Err is
// set for reconnecting and gave-up.
type StateChange struct {
	State   State
	Attempt int
	Err     error
}

// Handler receives one inbound frame. Handlers run on the read goroutine in
// arrival order and must not block for long.
type Handler func(proto.Frame)

type Options struct {
	URL    string
	Token  string
	Cookie string

	MaxAttempts      int           // reconnect attempts after a drop; 0 disables reconnecting
	BaseDelay        time.Duration // first backoff delay, doubled per attempt
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration // 0 disables pings
	WriteTimeout     time.Duration

	Clock clock.Clock
}

func (o *Options) setDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 750 * time.Millisecond
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = 5 * time.Second
		if o.MaxDelay < o.BaseDelay {
			o.MaxDelay = o.BaseDelay
		}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 20 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Transport is safe for concurrent use.
type Transport struct {
	opt    Options
	dialer *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	state      State
	rooms      map[string]struct{}
	active     string
	connecting bool

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string][]handlerEntry
	stateFns   []stateEntry
	nextID     uint64

	closed    chan struct{}
	closeOnce sync.Once
}

type stateEntry struct {
	id uint64
	fn func(StateChange)
}

func New(opt Options) *Transport {
	opt.setDefaults()
	return &Transport{
		opt: opt,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opt.HandshakeTimeout,
		},
		state:    StateIdle,
		rooms:    make(map[string]struct{}),
		handlers: make(map[string][]handlerEntry),
		closed:   make(chan struct{}),
	}
}

// On registers fn for event and returns a function that removes it.
func (t *Transport) On(event string, fn Handler) (unsubscribe func()) {
	t.handlersMu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers[event] = append(t.handlers[event], handlerEntry{id: id, fn: fn})
	t.handlersMu.Unlock()

	return func() {
		t.handlersMu.Lock()
		defer t.handlersMu.Unlock()
		list := t.handlers[event]
		for i, h := range list {
			if h.id == id {
				t.handlers[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// OnState registers a connection state observer.
func (t *Transport) OnState(fn func(StateChange)) (unsubscribe func()) {
	t.handlersMu.Lock()
	t.nextID++
	id := t.nextID
	t.stateFns = append(t.stateFns, stateEntry{id: id, fn: fn})
	t.handlersMu.Unlock()

	return func() {
		t.handlersMu.Lock()
		defer t.handlersMu.Unlock()
		for i, h := range t.stateFns {
			if h.id == id {
				t.stateFns = append(t.stateFns[:i:i], t.stateFns[i+1:]...)
				return
			}
		}
	}
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect dials the relay once and returns the dial error, if any. Failed
// dials and later drops are retried in the background with backoff until
// MaxAttempts is exhausted; after that Connect may be called again.
func (t *Transport) Connect(ctx context.Context) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	if t.connecting {
		t.mu.Unlock()
		return errors.New("transport: connect already in progress")
	}
	t.connecting = true
	t.mu.Unlock()

	t.setState(StateChange{State: StateConnecting})
	conn, err := t.dial(ctx)

	t.mu.Lock()
	t.connecting = false
	t.mu.Unlock()

	if err != nil {
		if t.opt.MaxAttempts > 0 {
			go t.reconnectLoop(err)
		} else {
			t.setState(StateChange{State: StateGaveUp, Err: err})
		}
		return err
	}
	t.install(conn, 0)
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	if t.opt.Token != "" {
		h.Set("Authorization", "Bearer "+t.opt.Token)
	}
	if t.opt.Cookie != "" {
		h.Set("Cookie", t.opt.Cookie)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.opt.URL, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.opt.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.opt.URL, err)
	}
	return conn, nil
}

// install makes conn current, replays the room ledger and starts the loops.
// attempt is the reconnect attempt that produced conn, 0 for Connect.
func (t *Transport) install(conn *websocket.Conn, attempt int) {
	select {
	case <-t.closed:
		conn.Close()
		return
	default:
	}

	t.mu.Lock()
	t.conn = conn
	active := t.active
	t.mu.Unlock()
	rooms := t.ledger()

	if t.opt.PingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(2 * t.opt.PingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * t.opt.PingInterval))
		})
	}

	t.setState(StateChange{State: StateConnected, Attempt: attempt})
	log.Infof("connected to %s, replaying %d room(s)", t.opt.URL, len(rooms))

	for _, id := range rooms {
		if err := t.write(conn, proto.EventJoin, proto.JoinPayload{
			ConversationID: id,
			MarkAsRead:     id == active,
		}); err != nil {
			log.Warnf("replay join %s: %v", id, err)
		}
	}

	go t.readLoop(conn)
	if t.opt.PingInterval > 0 {
		go t.pingLoop(conn)
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.dropped(conn, err)
			return
		}
		var f proto.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warnf("bad frame: %v", err)
			continue
		}
		t.dispatch(f)
	}
}

func (t *Transport) dispatch(f proto.Frame) {
	t.handlersMu.RLock()
	list := make([]handlerEntry, len(t.handlers[f.Event]))
	copy(list, t.handlers[f.Event])
	t.handlersMu.RUnlock()

	if len(list) == 0 {
		log.Debugf("no handler for %q", f.Event)
		return
	}
	for _, h := range list {
		h.fn(f)
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn) {
	tk := t.opt.Clock.Ticker(t.opt.PingInterval)
	defer tk.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-tk.C:
			t.mu.Lock()
			current := t.conn == conn
			t.mu.Unlock()
			if !current {
				return
			}
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opt.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				log.Debugf("ping: %v", err)
				return
			}
		}
	}
}

// dropped handles the loss of conn. Local state (rooms, handlers) is kept.
func (t *Transport) dropped(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.mu.Unlock()
	conn.Close()

	select {
	case <-t.closed:
		return
	default:
	}

	log.Warnf("connection lost: %v", cause)
	if t.opt.MaxAttempts <= 0 {
		t.setState(StateChange{State: StateGaveUp, Err: cause})
		return
	}
	go t.reconnectLoop(cause)
}

func (t *Transport) reconnectLoop(cause error) {
	t.mu.Lock()
	if t.connecting {
		t.mu.Unlock()
		return
	}
	t.connecting = true
	t.mu.Unlock()
	done := func() {
		t.mu.Lock()
		t.connecting = false
		t.mu.Unlock()
	}

	lastErr := cause
	for attempt := 1; attempt <= t.opt.MaxAttempts; attempt++ {
		t.setState(StateChange{State: StateReconnecting, Attempt: attempt, Err: lastErr})

		timer := t.opt.Clock.Timer(t.backoff(attempt))
		select {
		case <-t.closed:
			timer.Stop()
			done()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.opt.HandshakeTimeout)
		conn, err := t.dial(ctx)
		cancel()
		if err == nil {
			t.install(conn, attempt)
			done()
			return
		}
		lastErr = err
		log.Debugf("reconnect attempt %d/%d: %v", attempt, t.opt.MaxAttempts, err)
	}

	log.Errorf("giving up after %d attempts: %v", t.opt.MaxAttempts, lastErr)
	done()
	t.setState(StateChange{State: StateGaveUp, Attempt: t.opt.MaxAttempts, Err: lastErr})
}

func (t *Transport) backoff(attempt int) time.Duration {
	d := t.opt.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= t.opt.MaxDelay {
			return t.opt.MaxDelay
		}
	}
	return d
}

func (t *Transport) setState(sc StateChange) {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = sc.State
	t.mu.Unlock()

	t.handlersMu.RLock()
	fns := make([]stateEntry, len(t.stateFns))
	copy(fns, t.stateFns)
	t.handlersMu.RUnlock()
	for _, h := range fns {
		h.fn(sc)
	}
}

// Emit sends one event. Nothing is queued while offline.
func (t *Transport) Emit(event string, payload any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return t.write(conn, event, payload)
}

func (t *Transport) write(conn *websocket.Conn, event string, payload any) error {
	f, err := proto.NewFrame(event, payload)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(t.opt.WriteTimeout))
	return conn.WriteJSON(f)
}

// Join records the room in the ledger and subscribes to it. Joining an
// already-joined room is a no-op unless markAsRead is set. While offline
// only the ledger is updated; the join is replayed on connect.
func (t *Transport) Join(conversationID string, markAsRead bool) error {
	t.mu.Lock()
	_, had := t.rooms[conversationID]
	t.rooms[conversationID] = struct{}{}
	conn := t.conn
	t.mu.Unlock()

	if had && !markAsRead {
		return nil
	}
	if conn == nil {
		return nil
	}
	return t.write(conn, proto.EventJoin, proto.JoinPayload{
		ConversationID: conversationID,
		MarkAsRead:     markAsRead,
	})
}

// Leave removes the room from the ledger and unsubscribes.
func (t *Transport) Leave(conversationID string) error {
	t.mu.Lock()
	_, had := t.rooms[conversationID]
	delete(t.rooms, conversationID)
	if t.active == conversationID {
		t.active = ""
	}
	conn := t.conn
	t.mu.Unlock()

	if !had || conn == nil {
		return nil
	}
	return t.write(conn, proto.EventLeave, proto.ConversationRef{ConversationID: conversationID})
}

// SetActive marks the conversation that gets markAsRead on replay.
func (t *Transport) SetActive(conversationID string) {
	t.mu.Lock()
	t.active = conversationID
	t.mu.Unlock()
}

// ledger returns the joined rooms, sorted.
func (t *Transport) ledger() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		out = append(out, id)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close shuts the connection down for good.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.mu.Unlock()

		if conn != nil {
			t.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			t.writeMu.Unlock()
			err = conn.Close()
		}
		t.setState(StateChange{State: StateClosed})
	})
	return err
}
