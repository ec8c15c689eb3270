// Package call runs the signaling state machine of one-to-one voice calls
// over the relay, with the media path on pion/webrtc.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/mapmarket/relaychat/internal/media"
	"github.com/mapmarket/relaychat/internal/metrics"
	"github.com/mapmarket/relaychat/internal/proto"
)

var log = logging.Logger("call")

type Options struct {
	SelfID     string
	ICEServers []string
	// ICEGatherWait bounds how long the callee waits for candidates before
	// sending its answer.
	ICEGatherWait time.Duration
	Clock         clock.Clock
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Emitter Emitter
	Rooms   Joiner
	// CanCall reports whether both participants of a conversation allow
	// calls.
	CanCall func(conversationID string) bool
	Mic     media.Source
	NewPeer PeerFactory
}

// Manager owns the single call session and routes relay signals to it.
type Manager struct {
	deps Deps
	opt  Options

	mu   sync.Mutex
	sess *Session

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

func New(deps Deps, opt Options) *Manager {
	if opt.ICEGatherWait <= 0 {
		opt.ICEGatherWait = 3 * time.Second
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	if deps.NewPeer == nil {
		deps.NewPeer = NewPionPeer
	}
	if deps.Mic == nil {
		deps.Mic = media.Microphone()
	}
	return &Manager{
		deps:      deps,
		opt:       opt,
		listeners: make(map[chan Event]struct{}),
	}
}

// Subscribe returns the event feed and its cancel func.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.listenerMu.Lock()
			delete(m.listeners, ch)
			m.listenerMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(ev Event) {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for ch := range m.listeners {
		select {
		case ch <- ev:
		default:
			log.Debugf("event %s dropped for slow subscriber", ev.Kind)
		}
	}
}

func (m *Manager) snap(s *Session) Snapshot { return s.snapshot(m.opt.Clock.Now()) }

func (m *Manager) publishState(snap Snapshot) {
	m.publish(Event{Kind: EventState, Snapshot: snap})
}

// Current returns the session in progress.
func (m *Manager) Current() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Snapshot{State: StateIdle}, false
	}
	return m.snap(m.sess), true
}

// Initiate starts an outgoing call in conv. It fails without any
// signaling when a call is already in progress or consent is missing.
func (m *Manager) Initiate(ctx context.Context, conv, remote string) error {
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	if m.deps.CanCall != nil && !m.deps.CanCall(conv) {
		m.mu.Unlock()
		return ErrConsentRequired
	}
	s := newSession(conv, remote, true)
	m.sess = s
	snap := m.snap(s)
	m.mu.Unlock()

	metrics.CallsStarted.WithLabelValues("outgoing").Inc()
	log.Infof("calling %s in %s", remote, conv)
	m.publishState(snap)

	peer, err := m.setupMedia(ctx, s, "")
	if err != nil {
		return err
	}

	if err := m.deps.Emitter.Emit(proto.EventCallInitiate, proto.CallInitiatePayload{
		ConversationID: conv,
		Type:           "audio",
	}); err != nil {
		m.terminate(s, ReasonError, "The call could not be started while offline.", "")
		return fmt.Errorf("initiate call: %w", err)
	}

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		m.terminate(s, ReasonError, "The call could not be started.", proto.EventCallCancel)
		return fmt.Errorf("create offer: %w", err)
	}

	m.mu.Lock()
	if s.ended() {
		m.mu.Unlock()
		return ErrEnded
	}
	s.heldOffer = &offer
	m.mu.Unlock()
	m.sendOffer(s)
	return nil
}

// setupMedia opens the microphone and builds the peer for s. On failure the
// session is terminated with a media notice and signal is sent.
func (m *Manager) setupMedia(ctx context.Context, s *Session, signal string) (Peer, error) {
	acquired := make(chan struct{})
	m.mu.Lock()
	s.acquired = acquired
	m.mu.Unlock()
	defer close(acquired)

	octx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-s.done:
			stop()
		case <-octx.Done():
		}
	}()

	stream, err := m.deps.Mic.Open(octx)
	m.mu.Lock()
	ended := s.ended()
	m.mu.Unlock()
	if ended {
		if err == nil {
			stream.Close()
		}
		return nil, ErrEnded
	}
	if err != nil {
		log.Warnf("microphone: %v", err)
		m.terminate(s, ReasonError, media.Describe(err), signal)
		return nil, err
	}
	peer, err := m.deps.NewPeer(PeerConfig{ICEServers: m.opt.ICEServers})
	if err != nil {
		stream.Close()
		m.terminate(s, ReasonError, "The call could not be set up.", signal)
		return nil, fmt.Errorf("new peer: %w", err)
	}
	peer.OnICECandidate(func(c *proto.ICECandidate) { m.localCandidate(s, c) })
	peer.OnStateChange(func(st webrtc.PeerConnectionState) { m.peerState(s, st) })
	if err := peer.AddStream(stream); err != nil {
		peer.Close()
		stream.Close()
		m.terminate(s, ReasonError, "The call could not be set up.", signal)
		return nil, fmt.Errorf("attach microphone: %w", err)
	}

	m.mu.Lock()
	if s.ended() {
		m.mu.Unlock()
		peer.Close()
		stream.Close()
		return nil, ErrEnded
	}
	s.peer, s.stream = peer, stream
	m.mu.Unlock()
	return peer, nil
}

// sendOffer transmits the held offer once the call id is known and flushes
// the local candidates gathered meanwhile.
func (m *Manager) sendOffer(s *Session) {
	m.mu.Lock()
	if s.ended() || s.offerSent || s.heldOffer == nil || s.callID == "" {
		m.mu.Unlock()
		return
	}
	offer := *s.heldOffer
	s.heldOffer = nil
	s.offerSent = true
	err := m.deps.Emitter.Emit(proto.EventCallOffer, proto.CallDescriptionPayload{
		CallID:         s.callID,
		ConversationID: s.conv,
		SDP:            &offer,
	})
	if err == nil {
		for _, c := range s.pendingLocal {
			m.sendCandidateLocked(s, c)
		}
		s.pendingLocal = nil
	}
	changed := s.setState(StateRinging)
	snap := m.snap(s)
	m.mu.Unlock()

	if err != nil {
		m.terminate(s, ReasonError, "The call could not be started.", proto.EventCallCancel)
		return
	}
	if changed {
		m.publishState(snap)
	}
}

func (m *Manager) sendCandidateLocked(s *Session, c proto.ICECandidate) {
	if err := m.deps.Emitter.Emit(proto.EventCallICE, proto.CallICEPayload{
		CallID:         s.callID,
		ConversationID: s.conv,
		Candidate:      c,
	}); err != nil {
		log.Debugf("ice candidate for %s: %v", s.callID, err)
	}
}

func (m *Manager) localCandidate(s *Session, c *proto.ICECandidate) {
	if c == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ended() {
		return
	}
	if s.callID == "" || (s.initiator && !s.offerSent) {
		s.pendingLocal = append(s.pendingLocal, *c)
		return
	}
	m.sendCandidateLocked(s, *c)
}

func (m *Manager) peerState(s *Session, st webrtc.PeerConnectionState) {
	switch st {
	case webrtc.PeerConnectionStateConnected:
		m.mu.Lock()
		if s.ended() || !s.setState(StateConnected) {
			m.mu.Unlock()
			return
		}
		s.startedAt = m.opt.Clock.Now()
		ticker := m.opt.Clock.Ticker(time.Second)
		s.ticker = ticker
		snap := m.snap(s)
		m.mu.Unlock()

		log.Infof("call %s connected", snap.CallID)
		m.publishState(snap)
		go m.tick(s, ticker)
	case webrtc.PeerConnectionStateFailed:
		m.terminate(s, ReasonNetwork, "The call was lost.", proto.EventCallEnd)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		m.terminate(s, ReasonCompleted, "", proto.EventCallEnd)
	}
}

func (m *Manager) tick(s *Session, ticker *clock.Ticker) {
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			if s.ended() {
				m.mu.Unlock()
				return
			}
			snap := m.snap(s)
			m.mu.Unlock()
			m.publish(Event{Kind: EventDuration, Snapshot: snap})
		}
	}
}

// Answer accepts the ringing incoming call.
func (m *Manager) Answer(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.initiator {
		m.mu.Unlock()
		return ErrNoCall
	}
	if s.state != StateRinging || s.answering {
		m.mu.Unlock()
		return ErrInvalidState
	}
	s.answering = true
	s.setState(StateConnecting)
	snap := m.snap(s)
	m.mu.Unlock()
	m.publishState(snap)

	if _, err := m.setupMedia(ctx, s, proto.EventCallEnd); err != nil {
		return err
	}
	return m.completeAnswer(ctx, s)
}

// completeAnswer applies the buffered offer and sends the answer. It is a
// no-op until both the offer and the local media are present.
func (m *Manager) completeAnswer(ctx context.Context, s *Session) error {
	m.mu.Lock()
	if s.ended() {
		m.mu.Unlock()
		return ErrEnded
	}
	if s.offer == nil || s.peer == nil || s.answerSent {
		m.mu.Unlock()
		return nil
	}
	offer, peer := *s.offer, s.peer
	s.answerSent = true
	m.mu.Unlock()

	if err := peer.SetRemote(offer); err != nil {
		m.terminate(s, ReasonError, "The call could not be connected.", proto.EventCallEnd)
		return fmt.Errorf("set offer: %w", err)
	}
	m.applyDeferred(s, peer)

	gctx, cancel := context.WithTimeout(ctx, m.opt.ICEGatherWait)
	answer, err := peer.CreateAnswer(gctx)
	cancel()
	if err != nil {
		m.terminate(s, ReasonError, "The call could not be connected.", proto.EventCallEnd)
		return fmt.Errorf("create answer: %w", err)
	}

	m.mu.Lock()
	if s.ended() {
		m.mu.Unlock()
		return ErrEnded
	}
	err = m.deps.Emitter.Emit(proto.EventCallAnswer, proto.CallDescriptionPayload{
		CallID:         s.callID,
		ConversationID: s.conv,
		SDP:            &answer,
	})
	m.mu.Unlock()
	if err != nil {
		m.terminate(s, ReasonError, "The call could not be connected.", "")
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// applyDeferred marks the remote description as set and applies the
// candidates that arrived before it.
func (m *Manager) applyDeferred(s *Session, peer Peer) {
	m.mu.Lock()
	s.remoteSet = true
	pending := s.pendingRemote
	s.pendingRemote = nil
	m.mu.Unlock()
	for _, c := range pending {
		if err := peer.AddICECandidate(c); err != nil {
			log.Debugf("deferred candidate: %v", err)
		}
	}
}

// Reject declines the ringing incoming call.
func (m *Manager) Reject() error {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.initiator {
		m.mu.Unlock()
		return ErrNoCall
	}
	if s.state != StateRinging {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.mu.Unlock()
	m.terminate(s, ReasonRejected, "", proto.EventCallReject)
	m.awaitRelease(s)
	return nil
}

// Cancel withdraws an outgoing call that has not connected.
func (m *Manager) Cancel() error {
	m.mu.Lock()
	s := m.sess
	if s == nil || !s.initiator {
		m.mu.Unlock()
		return ErrNoCall
	}
	if s.state != StateInitiating && s.state != StateRinging {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.mu.Unlock()
	m.terminate(s, ReasonCancelled, "", proto.EventCallCancel)
	m.awaitRelease(s)
	return nil
}

// End hangs up a call that is connecting or connected.
func (m *Manager) End() error {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	if s.state != StateConnecting && s.state != StateConnected {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.mu.Unlock()
	m.terminate(s, ReasonCompleted, "", proto.EventCallEnd)
	m.awaitRelease(s)
	return nil
}

// Hangup ends whatever call is in progress the way its state requires.
func (m *Manager) Hangup() error {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	state, initiator := s.state, s.initiator
	m.mu.Unlock()

	switch {
	case initiator && (state == StateInitiating || state == StateRinging):
		return m.Cancel()
	case !initiator && state == StateRinging:
		return m.Reject()
	default:
		return m.End()
	}
}

// ToggleMute flips the local microphone and returns the new muted state.
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.peer == nil {
		m.mu.Unlock()
		return false, ErrNoCall
	}
	peer, next := s.peer, !s.muted
	m.mu.Unlock()

	if err := peer.SetMuted(next); err != nil {
		return !next, err
	}

	m.mu.Lock()
	if s.ended() {
		m.mu.Unlock()
		return next, ErrEnded
	}
	s.muted = next
	snap := m.snap(s)
	m.mu.Unlock()
	m.publishState(snap)
	return next, nil
}

// Stats returns media statistics of the call in progress.
func (m *Manager) Stats() (Stats, bool) {
	m.mu.Lock()
	s := m.sess
	var peer Peer
	if s != nil {
		peer = s.peer
	}
	m.mu.Unlock()
	if peer == nil {
		return Stats{}, false
	}
	return peer.Stats(), true
}

// terminate is the single cleanup path. It runs once per session: it sends
// signal to the relay when the call id is known, stops the microphone,
// closes the peer and publishes ended followed by idle.
func (m *Manager) terminate(s *Session, reason Reason, notice, signal string) {
	var (
		fired  bool
		peer   Peer
		stream media.Stream
		ticker *clock.Ticker
		snap   Snapshot
	)
	s.once.Do(func() {
		fired = true
		m.mu.Lock()
		defer m.mu.Unlock()
		if signal != "" && s.callID != "" {
			if err := m.deps.Emitter.Emit(signal, proto.CallEndPayload{
				CallID:         s.callID,
				ConversationID: s.conv,
				Reason:         string(reason),
			}); err != nil {
				log.Debugf("%s for %s: %v", signal, s.callID, err)
			}
		}
		close(s.done)
		if m.sess == s {
			m.sess = nil
		}
		s.state = StateEnded
		peer, stream, ticker = s.peer, s.stream, s.ticker
		s.peer, s.stream, s.ticker = nil, nil, nil
		snap = m.snap(s)
	})
	if !fired {
		return
	}

	if ticker != nil {
		ticker.Stop()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			log.Debugf("close microphone: %v", err)
		}
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			log.Debugf("close peer: %v", err)
		}
	}

	metrics.CallsEnded.WithLabelValues(string(reason)).Inc()
	if !snap.StartedAt.IsZero() {
		metrics.CallDuration.Observe(snap.Duration.Seconds())
	}
	log.Infof("call %s in %s ended: %s", snap.CallID, snap.ConversationID, reason)

	if notice != "" {
		m.publish(Event{Kind: EventNotice, Snapshot: snap, Reason: reason, Notice: notice})
	}
	m.publish(Event{Kind: EventEnded, Snapshot: snap, Reason: reason})
	m.publishState(Snapshot{State: StateIdle})
}

// Close ends the call in progress, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s != nil {
		m.terminate(s, ReasonCompleted, "", proto.EventCallEnd)
		m.awaitRelease(s)
	}
}

// awaitRelease blocks until a microphone acquisition started for s has
// finished and its stream is stored or closed. A stored stream has been
// closed by terminate by then.
func (m *Manager) awaitRelease(s *Session) {
	m.mu.Lock()
	acquired := s.acquired
	m.mu.Unlock()
	if acquired != nil {
		<-acquired
	}
}
