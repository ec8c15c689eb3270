package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mapmarket/relaychat/internal/proto"
)

// Emitter sends one relay event.
type Emitter interface {
	Emit(event string, payload any) error
}

// ReadBatcher coalesces read receipts. The first Schedule arms a single
// timer; when it fires, one messages:markRead per conversation is emitted
// with every id queued in the meantime. The timer is never restarted while
// armed.
type ReadBatcher struct {
	emit   Emitter
	clock  clock.Clock
	window time.Duration

	mu      sync.Mutex
	pending map[string][]string
	seen    map[string]struct{}
	timer   *clock.Timer
	stopped bool
}

func NewReadBatcher(emit Emitter, window time.Duration, clk clock.Clock) *ReadBatcher {
	if window <= 0 {
		window = 400 * time.Millisecond
	}
	if clk == nil {
		clk = clock.New()
	}
	return &ReadBatcher{
		emit:    emit,
		clock:   clk,
		window:  window,
		pending: make(map[string][]string),
		seen:    make(map[string]struct{}),
	}
}

// Schedule queues messageID of conversation conv for a read receipt.
func (b *ReadBatcher) Schedule(conv, messageID string) {
	if conv == "" || messageID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	key := conv + "/" + messageID
	if _, dup := b.seen[key]; dup {
		return
	}
	b.seen[key] = struct{}{}
	b.pending[conv] = append(b.pending[conv], messageID)
	if b.timer == nil {
		b.timer = b.clock.AfterFunc(b.window, b.Flush)
	}
}

// Pending returns the number of queued ids.
func (b *ReadBatcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seen)
}

// Flush emits everything queued now. Emit failures are logged and dropped:
// read state is optimistic.
func (b *ReadBatcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = make(map[string][]string)
	b.seen = make(map[string]struct{})
	b.mu.Unlock()

	convs := make([]string, 0, len(batch))
	for c := range batch {
		convs = append(convs, c)
	}
	sort.Strings(convs)
	for _, c := range convs {
		err := b.emit.Emit(proto.EventMarkRead, proto.MarkReadPayload{
			ConversationID: c,
			MessageIDs:     batch[c],
		})
		if err != nil {
			log.Debugf("mark read %s (%d ids): %v", c, len(batch[c]), err)
		}
	}
}

// Stop cancels the timer and drops anything queued.
func (b *ReadBatcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = make(map[string][]string)
	b.seen = make(map[string]struct{})
}
