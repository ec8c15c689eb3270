package call

import (
	"errors"
	"time"
)

// State is the lifecycle phase of the single call session.
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
)

// transitions lists the states reachable from each state. ended is
// reachable from everywhere except idle.
var transitions = map[State][]State{
	StateIdle:       {StateInitiating, StateRinging},
	StateInitiating: {StateRinging, StateConnecting, StateEnded},
	StateRinging:    {StateConnecting, StateEnded},
	StateConnecting: {StateConnected, StateEnded},
	StateConnected:  {StateEnded},
	StateEnded:      {StateIdle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason tags why a session ended.
type Reason string

const (
	ReasonRejected  Reason = "rejected"
	ReasonCancelled Reason = "cancelled"
	ReasonCompleted Reason = "completed"
	ReasonNetwork   Reason = "network"
	ReasonTimeout   Reason = "timeout"
	ReasonError     Reason = "error"
	ReasonBusy      Reason = "busy"
)

var (
	ErrBusy            = errors.New("call: another call is in progress")
	ErrConsentRequired = errors.New("call: both participants must allow calls")
	ErrNoCall          = errors.New("call: no matching call")
	ErrInvalidState    = errors.New("call: operation not valid in the current state")
	ErrEnded           = errors.New("call: call ended")
)

// Emitter sends one relay event.
type Emitter interface {
	Emit(event string, payload any) error
}

// Joiner subscribes to a conversation room.
type Joiner interface {
	Join(conversationID string, markAsRead bool) error
}

// Snapshot is a copy of the session for display.
type Snapshot struct {
	CallID         string        `json:"callId"`
	ConversationID string        `json:"conversationId"`
	Initiator      bool          `json:"initiator"`
	RemoteID       string        `json:"remoteId"`
	State          State         `json:"state"`
	StartedAt      time.Time     `json:"startedAt,omitempty"`
	Duration       time.Duration `json:"duration"`
	Muted          bool          `json:"muted"`
}

// EventKind discriminates Event.
type EventKind string

const (
	EventState    EventKind = "state"
	EventDuration EventKind = "duration"
	EventEnded    EventKind = "ended"
	EventNotice   EventKind = "notice"
)

// Event is published on every session change.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
	Reason   Reason
	Notice   string
}
