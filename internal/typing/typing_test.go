package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"github.com/mapmarket/relaychat/internal/proto"
)

type sent struct {
	event string
	conv  string
}

type recorder struct {
	mu  sync.Mutex
	out []sent
}

func (r *recorder) Emit(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, sent{event, payload.(proto.ConversationRef).ConversationID})
	return nil
}

func (r *recorder) events() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.out...)
}

func newCoordinator() (*Coordinator, *recorder, *clock.Mock) {
	rec := &recorder{}
	mock := clock.NewMock()
	return New(rec, Options{SelfID: "me", Clock: mock}), rec, mock
}

func TestInputStartsOnceAndStopsWhenIdle(t *testing.T) {
	c, rec, mock := newCoordinator()

	c.Input("c1")
	mock.Add(200 * time.Millisecond)
	c.Input("c1")
	mock.Add(200 * time.Millisecond)
	c.Input("c1")
	assert.Equal(t, []sent{{proto.EventTypingStart, "c1"}}, rec.events())

	// Keystrokes keep pushing the stop back.
	mock.Add(2 * time.Second)
	assert.Len(t, rec.events(), 1)

	mock.Add(300 * time.Millisecond)
	assert.Eventually(t, func() bool { return len(rec.events()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, sent{proto.EventTypingStop, "c1"}, rec.events()[1])
	assert.Empty(t, c.Active())
}

func TestInputRenewsStartAfterHalfWindow(t *testing.T) {
	c, rec, mock := newCoordinator()

	c.Input("c1")
	for i := 0; i < 4; i++ {
		mock.Add(400 * time.Millisecond)
		c.Input("c1")
	}
	// 1.6s elapsed: one renewal after 1.1s.
	got := rec.events()
	assert.Equal(t, []sent{{proto.EventTypingStart, "c1"}, {proto.EventTypingStart, "c1"}}, got)
}

func TestSwitchingConversationStopsPrevious(t *testing.T) {
	c, rec, _ := newCoordinator()
	c.Input("c1")
	c.Input("c2")
	assert.Equal(t, []sent{
		{proto.EventTypingStart, "c1"},
		{proto.EventTypingStop, "c1"},
		{proto.EventTypingStart, "c2"},
	}, rec.events())
}

func TestStopIsImmediateAndIdempotent(t *testing.T) {
	c, rec, mock := newCoordinator()
	c.Input("c1")
	c.Stop()
	c.Stop()
	mock.Add(5 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, []sent{{proto.EventTypingStart, "c1"}, {proto.EventTypingStop, "c1"}}, rec.events())
}

func TestRemoteIndicatorsSelfClear(t *testing.T) {
	c, _, mock := newCoordinator()

	var mu sync.Mutex
	var changes [][]string
	c.OnChange(func(conv string, users []string) {
		mu.Lock()
		changes = append(changes, users)
		mu.Unlock()
	})

	c.Remote("c1", "me", true)
	assert.Empty(t, c.Typing("c1"), "own events are ignored")

	c.Remote("c1", "bob", true)
	c.Remote("c1", "ann", true)
	assert.Equal(t, []string{"ann", "bob"}, c.Typing("c1"))

	c.Remote("c1", "bob", false)
	assert.Equal(t, []string{"ann"}, c.Typing("c1"))

	mock.Add(3 * time.Second)
	c.Remote("c1", "ann", true) // renews
	mock.Add(4 * time.Second)
	assert.Equal(t, []string{"ann"}, c.Typing("c1"))

	mock.Add(2 * time.Second)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 4
	}, time.Second, time.Millisecond)
	assert.Empty(t, c.Typing("c1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]string{{"bob"}, {"ann", "bob"}, {"ann"}, {}}, changes)
}

func TestCloseDropsEverything(t *testing.T) {
	c, rec, _ := newCoordinator()
	c.Input("c1")
	c.Remote("c1", "bob", true)
	c.Close()
	assert.Empty(t, c.Typing("c1"))
	assert.Len(t, rec.events(), 2)
}
