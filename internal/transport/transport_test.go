package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapmarket/relaychat/internal/proto"
)

// fakeRelay accepts websocket connections and records every frame.
type fakeRelay struct {
	t  *testing.T
	hs *httptest.Server

	mu      sync.Mutex
	conns   []*websocket.Conn
	frames  []proto.Frame
	headers []http.Header
	reject  bool
}

func newFakeRelay(t *testing.T) *fakeRelay {
	r := &fakeRelay{t: t}
	up := websocket.Upgrader{}
	r.hs = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		reject := r.reject
		r.headers = append(r.headers, req.Header.Clone())
		r.mu.Unlock()
		if reject {
			http.Error(w, "nope", http.StatusServiceUnavailable)
			return
		}
		c, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, c)
		r.mu.Unlock()
		go func() {
			for {
				var f proto.Frame
				if err := c.ReadJSON(&f); err != nil {
					return
				}
				r.mu.Lock()
				r.frames = append(r.frames, f)
				r.mu.Unlock()
			}
		}()
	}))
	t.Cleanup(r.hs.Close)
	return r
}

func (r *fakeRelay) url() string { return "ws" + strings.TrimPrefix(r.hs.URL, "http") }

func (r *fakeRelay) setReject(v bool) {
	r.mu.Lock()
	r.reject = v
	r.mu.Unlock()
}

func (r *fakeRelay) connCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *fakeRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		c.Close()
	}
}

func (r *fakeRelay) send(event string, payload any) {
	r.mu.Lock()
	c := r.conns[len(r.conns)-1]
	r.mu.Unlock()
	f, err := proto.NewFrame(event, payload)
	require.NoError(r.t, err)
	require.NoError(r.t, c.WriteJSON(f))
}

func (r *fakeRelay) joins() []proto.JoinPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []proto.JoinPayload
	for _, f := range r.frames {
		if f.Event != proto.EventJoin {
			continue
		}
		var p proto.JoinPayload
		_ = json.Unmarshal(f.Data, &p)
		out = append(out, p)
	}
	return out
}

func (r *fakeRelay) resetFrames() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}

func newTestTransport(r *fakeRelay, attempts int) *Transport {
	return New(Options{
		URL:         r.url(),
		Token:       "tok",
		Cookie:      "sid=1",
		MaxAttempts: attempts,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    40 * time.Millisecond,
	})
}

func TestConnectSendsCredentials(t *testing.T) {
	r := newFakeRelay(t)
	tr := newTestTransport(r, 0)
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, StateConnected, tr.State())

	r.mu.Lock()
	h := r.headers[0]
	r.mu.Unlock()
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Equal(t, "sid=1", h.Get("Cookie"))
}

func TestJoinIsIdempotentUnlessMarkRead(t *testing.T) {
	r := newFakeRelay(t)
	tr := newTestTransport(r, 0)
	defer tr.Close()
	require.NoError(t, tr.Connect(context.Background()))

	require.NoError(t, tr.Join("c1", false))
	require.NoError(t, tr.Join("c1", false))
	require.NoError(t, tr.Join("c1", true))

	assert.Eventually(t, func() bool { return len(r.joins()) == 2 }, time.Second, 5*time.Millisecond)
	j := r.joins()
	assert.False(t, j[0].MarkAsRead)
	assert.True(t, j[1].MarkAsRead)
	assert.Equal(t, []string{"c1"}, tr.ledger())
}

func TestJoinOfflineOnlyRecordsLedger(t *testing.T) {
	r := newFakeRelay(t)
	tr := newTestTransport(r, 0)
	defer tr.Close()

	require.NoError(t, tr.Join("c1", false))
	require.NoError(t, tr.Join("c2", false))
	tr.SetActive("c2")
	assert.ErrorIs(t, tr.Emit(proto.EventTypingStart, proto.ConversationRef{ConversationID: "c1"}), ErrNotConnected)

	require.NoError(t, tr.Connect(context.Background()))
	assert.Eventually(t, func() bool { return len(r.joins()) == 2 }, time.Second, 5*time.Millisecond)
	j := r.joins()
	assert.Equal(t, proto.JoinPayload{ConversationID: "c1", MarkAsRead: false}, j[0])
	assert.Equal(t, proto.JoinPayload{ConversationID: "c2", MarkAsRead: true}, j[1])
}

func TestReconnectReplaysRooms(t *testing.T) {
	r := newFakeRelay(t)
	tr := newTestTransport(r, 5)
	defer tr.Close()

	var mu sync.Mutex
	var states []State
	tr.OnState(func(sc StateChange) {
		mu.Lock()
		states = append(states, sc.State)
		mu.Unlock()
	})

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Join("c1", false))
	require.NoError(t, tr.Join("c2", false))
	tr.SetActive("c1")
	assert.Eventually(t, func() bool { return len(r.joins()) == 2 }, time.Second, 5*time.Millisecond)
	r.resetFrames()

	r.dropAll()

	assert.Eventually(t, func() bool { return r.connCount() == 2 && len(r.joins()) == 2 }, 2*time.Second, 5*time.Millisecond)
	j := r.joins()
	assert.Equal(t, proto.JoinPayload{ConversationID: "c1", MarkAsRead: true}, j[0])
	assert.Equal(t, proto.JoinPayload{ConversationID: "c2", MarkAsRead: false}, j[1])

	mu.Lock()
	assert.Contains(t, states, StateReconnecting)
	mu.Unlock()
	assert.Equal(t, StateConnected, tr.State())
}

func TestGivesUpAndKeepsLedger(t *testing.T) {
	r := newFakeRelay(t)
	tr := newTestTransport(r, 2)
	defer tr.Close()

	gaveUp := make(chan StateChange, 1)
	tr.OnState(func(sc StateChange) {
		if sc.State == StateGaveUp {
			gaveUp <- sc
		}
	})

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Join("c1", false))

	r.setReject(true)
	r.dropAll()

	select {
	case sc := <-gaveUp:
		assert.Error(t, sc.Err)
		assert.Equal(t, 2, sc.Attempt)
	case <-time.After(3 * time.Second):
		t.Fatal("transport never gave up")
	}
	assert.Equal(t, []string{"c1"}, tr.ledger())

	// Manual retry after giving up.
	r.setReject(false)
	r.resetFrames()
	require.NoError(t, tr.Connect(context.Background()))
	assert.Eventually(t, func() bool { return len(r.joins()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatchInOrderAndUnsubscribe(t *testing.T) {
	r := newFakeRelay(t)
	tr := newTestTransport(r, 0)
	defer tr.Close()

	var mu sync.Mutex
	var got []string
	unsub := tr.On(proto.EventTypingStart, func(f proto.Frame) {
		var p proto.TypingPayload
		assert.NoError(t, f.Decode(&p))
		mu.Lock()
		got = append(got, p.UserID)
		mu.Unlock()
	})

	require.NoError(t, tr.Connect(context.Background()))
	assert.Eventually(t, func() bool { return r.connCount() == 1 }, time.Second, 5*time.Millisecond)

	for _, u := range []string{"a", "b", "c"} {
		r.send(proto.EventTypingStart, proto.TypingPayload{ConversationID: "c1", UserID: u})
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
	mu.Unlock()

	unsub()
	r.send(proto.EventTypingStart, proto.TypingPayload{ConversationID: "c1", UserID: "d"})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 3)
	mu.Unlock()
}

func TestBackoff(t *testing.T) {
	tr := New(Options{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, tr.backoff(1))
	assert.Equal(t, 200*time.Millisecond, tr.backoff(2))
	assert.Equal(t, 400*time.Millisecond, tr.backoff(3))
	assert.Equal(t, 500*time.Millisecond, tr.backoff(4))
	assert.Equal(t, 500*time.Millisecond, tr.backoff(10))
}

func TestCloseIsIdempotent(t *testing.T) {
	r := newFakeRelay(t)
	tr := newTestTransport(r, 3)
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
	assert.Equal(t, StateClosed, tr.State())
	assert.ErrorIs(t, tr.Connect(context.Background()), ErrClosed)
}

func TestReconnectReportsAttempt(t *testing.T) {
	r := newFakeRelay(t)
	tr := newTestTransport(r, 5)
	defer tr.Close()

	connected := make(chan StateChange, 4)
	tr.OnState(func(sc StateChange) {
		if sc.State == StateConnected {
			connected <- sc
		}
	})

	require.NoError(t, tr.Connect(context.Background()))
	select {
	case sc := <-connected:
		assert.Zero(t, sc.Attempt, "first connect is not a reconnect")
	case <-time.After(time.Second):
		t.Fatal("no connected state")
	}

	r.dropAll()

	select {
	case sc := <-connected:
		assert.Equal(t, 1, sc.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("transport never reconnected")
	}
}
