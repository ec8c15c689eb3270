package call

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mapmarket/relaychat/internal/media"
	"github.com/mapmarket/relaychat/internal/proto"
)

// Session is the one call in progress. Fields are guarded by Manager.mu.
type Session struct {
	callID    string
	conv      string
	remote    string
	initiator bool
	state     State
	startedAt time.Time
	muted     bool

	peer   Peer
	stream media.Stream

	// acquired is closed once the microphone opened by setupMedia is
	// stored or released. Nil until acquisition starts.
	acquired chan struct{}

	// Caller side: the offer is held until the relay assigns a call id.
	heldOffer *proto.SessionDescription
	offerSent bool
	// Callee side: an offer that arrived before Answer.
	offer     *proto.SessionDescription
	answering bool
	// answerSent is set once the answer is sent (callee) or applied (caller).
	answerSent bool

	remoteSet     bool
	pendingLocal  []proto.ICECandidate
	pendingRemote []proto.ICECandidate

	ticker *clock.Ticker
	once   sync.Once
	done   chan struct{}
}

func newSession(conv, remote string, initiator bool) *Session {
	st := StateRinging
	if initiator {
		st = StateInitiating
	}
	return &Session{
		conv:      conv,
		remote:    remote,
		initiator: initiator,
		state:     st,
		done:      make(chan struct{}),
	}
}

func (s *Session) snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		CallID:         s.callID,
		ConversationID: s.conv,
		Initiator:      s.initiator,
		RemoteID:       s.remote,
		State:          s.state,
		StartedAt:      s.startedAt,
		Muted:          s.muted,
	}
	if !s.startedAt.IsZero() {
		snap.Duration = now.Sub(s.startedAt).Truncate(time.Second)
	}
	return snap
}

// matches reports whether a signal addressed to callID belongs here.
func (s *Session) matches(callID string) bool {
	return callID != "" && s.callID == callID
}

func (s *Session) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// setState moves to next if the transition is allowed.
func (s *Session) setState(next State) bool {
	if s.state == next || !canTransition(s.state, next) {
		return false
	}
	s.state = next
	return true
}
