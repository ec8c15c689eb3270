package call

import (
	"context"

	"github.com/mapmarket/relaychat/internal/metrics"
	"github.com/mapmarket/relaychat/internal/proto"
)

// Handlers is the relay dispatch table of the call machine. Handlers run on
// the relay read goroutine and never block on media work.
func (m *Manager) Handlers() map[string]func(proto.Frame) {
	return map[string]func(proto.Frame){
		proto.EventCallIncoming: m.handleIncoming,
		proto.EventCallOffer:    m.handleOffer,
		proto.EventCallAnswer:   m.handleAnswer,
		proto.EventCallICE:      m.handleICE,
		proto.EventCallEnded:    m.remoteEnd(ReasonCompleted),
		proto.EventCallRejected: m.remoteEnd(ReasonRejected),
		proto.EventCallCanceled: m.remoteEnd(ReasonCancelled),
		proto.EventCallTimeout:  m.remoteEnd(ReasonTimeout),
	}
}

func decode(f proto.Frame, v any) bool {
	if err := f.Decode(v); err != nil {
		log.Debugf("bad %s payload: %v", f.Event, err)
		return false
	}
	return true
}

func (m *Manager) handleIncoming(f proto.Frame) {
	var p proto.CallIncomingPayload
	if !decode(f, &p) || p.CallID == "" {
		return
	}
	own := p.InitiatorID == "" || p.InitiatorID == m.opt.SelfID

	m.mu.Lock()
	s := m.sess
	switch {
	case s != nil && s.initiator && s.callID == "" && s.conv == p.ConversationID && own:
		s.callID = p.CallID
		m.mu.Unlock()
		m.sendOffer(s)
		return
	case s != nil && s.matches(p.CallID):
		m.mu.Unlock()
		return
	case s == nil && m.opt.SelfID != "" && p.InitiatorID == m.opt.SelfID:
		// Echo of an attempt that was already abandoned locally.
		m.mu.Unlock()
		if err := m.deps.Emitter.Emit(proto.EventCallCancel, proto.CallEndPayload{
			CallID:         p.CallID,
			ConversationID: p.ConversationID,
			Reason:         string(ReasonCancelled),
		}); err != nil {
			log.Debugf("cancel stale call %s: %v", p.CallID, err)
		}
		return
	case s != nil:
		m.mu.Unlock()
		log.Infof("rejecting call %s from %s: busy", p.CallID, p.InitiatorID)
		if err := m.deps.Emitter.Emit(proto.EventCallReject, proto.CallEndPayload{
			CallID:         p.CallID,
			ConversationID: p.ConversationID,
			Reason:         string(ReasonBusy),
		}); err != nil {
			log.Debugf("busy reject %s: %v", p.CallID, err)
		}
		return
	}

	s = newSession(p.ConversationID, p.InitiatorID, false)
	s.callID = p.CallID
	m.sess = s
	snap := m.snap(s)
	m.mu.Unlock()

	metrics.CallsStarted.WithLabelValues("incoming").Inc()
	log.Infof("incoming call %s from %s", p.CallID, p.InitiatorID)
	if m.deps.Rooms != nil {
		if err := m.deps.Rooms.Join(p.ConversationID, false); err != nil {
			log.Debugf("join %s: %v", p.ConversationID, err)
		}
	}
	m.publishState(snap)
}

func (m *Manager) handleOffer(f proto.Frame) {
	var p proto.CallDescriptionPayload
	if !decode(f, &p) {
		return
	}
	desc := p.Description()
	if desc == nil {
		log.Debugf("offer for %s without description", p.CallID)
		return
	}

	m.mu.Lock()
	s := m.sess
	if s == nil || s.initiator || !s.matches(p.CallID) {
		m.mu.Unlock()
		log.Debugf("offer for unknown call %s dropped", p.CallID)
		return
	}
	if s.offer != nil || s.answerSent {
		m.mu.Unlock()
		log.Debugf("repeated offer for %s ignored", p.CallID)
		return
	}
	d := *desc
	if d.Type == "" {
		d.Type = "offer"
	}
	s.offer = &d
	ready := s.answering && s.peer != nil
	m.mu.Unlock()

	if ready {
		go func() {
			if err := m.completeAnswer(context.Background(), s); err != nil {
				log.Warnf("answer %s: %v", p.CallID, err)
			}
		}()
	}
}

func (m *Manager) handleAnswer(f proto.Frame) {
	var p proto.CallDescriptionPayload
	if !decode(f, &p) {
		return
	}
	desc := p.Description()
	if desc == nil {
		return
	}

	m.mu.Lock()
	s := m.sess
	if s == nil || !s.initiator || !s.matches(p.CallID) || s.peer == nil || s.answerSent {
		m.mu.Unlock()
		log.Debugf("answer for %s dropped", p.CallID)
		return
	}
	s.answerSent = true
	peer := s.peer
	m.mu.Unlock()

	d := *desc
	if d.Type == "" {
		d.Type = "answer"
	}
	if err := peer.SetRemote(d); err != nil {
		log.Warnf("set answer for %s: %v", p.CallID, err)
		m.terminate(s, ReasonError, "The call could not be connected.", proto.EventCallEnd)
		return
	}
	m.applyDeferred(s, peer)

	m.mu.Lock()
	changed := !s.ended() && s.setState(StateConnecting)
	snap := m.snap(s)
	m.mu.Unlock()
	if changed {
		m.publishState(snap)
	}
}

func (m *Manager) handleICE(f proto.Frame) {
	var p proto.CallICEPayload
	if !decode(f, &p) {
		return
	}

	m.mu.Lock()
	s := m.sess
	if s == nil || !s.matches(p.CallID) {
		m.mu.Unlock()
		log.Debugf("candidate for unknown call %s dropped", p.CallID)
		return
	}
	if !s.remoteSet || s.peer == nil {
		s.pendingRemote = append(s.pendingRemote, p.Candidate)
		m.mu.Unlock()
		return
	}
	peer := s.peer
	m.mu.Unlock()

	if err := peer.AddICECandidate(p.Candidate); err != nil {
		log.Debugf("candidate for %s: %v", p.CallID, err)
	}
}

var remoteNotices = map[Reason]string{
	ReasonRejected:  "The call was declined.",
	ReasonTimeout:   "No answer.",
	ReasonBusy:      "The other person is on another call.",
	ReasonNetwork:   "The call was lost.",
	ReasonCancelled: "Missed call.",
}

func (m *Manager) remoteEnd(reason Reason) func(proto.Frame) {
	return func(f proto.Frame) {
		var p proto.CallEndPayload
		if !decode(f, &p) {
			return
		}
		m.mu.Lock()
		s := m.sess
		if s == nil || !(s.matches(p.CallID) || (p.CallID == "" && s.conv == p.ConversationID)) {
			m.mu.Unlock()
			log.Debugf("%s for unknown call %s dropped", f.Event, p.CallID)
			return
		}
		m.mu.Unlock()

		r := reason
		if pr := Reason(p.Reason); pr == ReasonBusy || (reason == ReasonCompleted && pr == ReasonNetwork) {
			r = pr
		}
		notice := remoteNotices[r]
		if r == ReasonCancelled && s.initiator {
			notice = ""
		}
		m.terminate(s, r, notice, "")
	}
}

// HandleRelayError ends a call attempt quietly when the relay refuses it.
// Reports whether the error belonged to the call machine.
func (m *Manager) HandleRelayError(p proto.ErrorPayload) bool {
	m.mu.Lock()
	s := m.sess
	setup := s != nil && s.initiator && (s.state == StateInitiating || s.state == StateRinging)
	m.mu.Unlock()
	if !setup {
		return false
	}

	switch p.Code {
	case proto.CodeConsentMissing:
		m.terminate(s, ReasonError, "Both participants must allow calls in this conversation.", "")
	case proto.CodeCallBusy:
		m.terminate(s, ReasonBusy, remoteNotices[ReasonBusy], "")
	case proto.CodeCallFailed:
		notice := p.Message
		if notice == "" {
			notice = "The call could not be started."
		}
		m.terminate(s, ReasonError, notice, proto.EventCallCancel)
	default:
		return false
	}
	return true
}
