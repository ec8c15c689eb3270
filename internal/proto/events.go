package proto

import (
	"encoding/json"
	"time"
)

// ── Event names ─────────────────────────────────────────────────────────────
// Single source of truth for every relay event string.
const (
	// Rooms
	EventJoin  = "conversation:join"
	EventLeave = "conversation:leave"

	// Messages
	EventMessageNew       = "message:new"
	EventMessageReceived  = "message:received" // recipient → relay: delivery ack
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventMarkRead         = "messages:markRead"

	// Typing
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"

	// Consent
	EventCallConsent = "conversation:call-consent"

	// Call signaling
	EventCallInitiate = "call:initiate"
	EventCallIncoming = "call:incoming"
	EventCallOffer    = "call:offer"
	EventCallAnswer   = "call:answer"
	EventCallICE      = "call:ice-candidate"
	EventCallReject   = "call:reject"
	EventCallCancel   = "call:cancel"
	EventCallEnd      = "call:end"
	EventCallEnded    = "call:ended"
	EventCallRejected = "call:rejected"
	EventCallCanceled = "call:cancelled"
	EventCallTimeout  = "call:timeout"

	EventError = "error"
)

// Relay error codes the client reacts to.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeRateLimited    = "RATE_LIMITED"
	CodeSendFailed     = "SEND_FAILED"
	CodeForbidden      = "FORBIDDEN"
	CodeConsentMissing = "CALL_CONSENT_REQUIRED"
	CodeCallBusy       = "CALL_BUSY"
	CodeCallFailed     = "CALL_FAILED"
)

// ── Outbound payloads ───────────────────────────────────────────────────────

type JoinPayload struct {
	ConversationID string `json:"conversationId"`
	MarkAsRead     bool   `json:"markAsRead"`
}

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type MarkReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type ReceivedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type CallInitiatePayload struct {
	ConversationID string `json:"conversationId"`
	Type           string `json:"type"` // always "audio"
}

// ── Inbound payloads ────────────────────────────────────────────────────────

// MessageNewPayload keeps the message raw; the chat package owns its shape.
type MessageNewPayload struct {
	ConversationID string          `json:"conversationId"`
	Message        json.RawMessage `json:"message"`
}

type DeliveredPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

type ReadPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageIDs     []string  `json:"messageIds"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type ConsentPayload struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	AllowCalls     bool      `json:"allowCalls"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type PresencePayload struct {
	UserID     string     `json:"userId"`
	State      string     `json:"state"` // online|offline
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

type ErrorPayload struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Details    []string `json:"details,omitempty"`
	RetryAfter int      `json:"retryAfter,omitempty"`
}

func (e *ErrorPayload) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ── Call signal payloads ────────────────────────────────────────────────────
//
// Signaling sequence:
//
//   initiator                       relay                      receiver
//   ──────────────────────────────────────────────────────────────────────
//   call:initiate ────────────────►
//                 ◄──────────────── call:incoming ────────────► (ringing)
//   call:offer    ────────────────────────────────────────────►
//                 ◄──────────────────────────────────────────── call:answer
//   call:ice-candidate ◄─────────────────────────────────────► call:ice-candidate
//   call:end|cancel|reject ──────► call:ended|cancelled|rejected

// SessionDescription is the RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// ICECandidate is the RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type CallIncomingPayload struct {
	CallID         string `json:"callId"`
	ConversationID string `json:"conversationId"`
	InitiatorID    string `json:"initiatorId"`
}

// CallDescriptionPayload carries an offer or an answer. Older relays put the
// description under "offer" / "answer" instead of "sdp"; Description accepts
// all three.
type CallDescriptionPayload struct {
	CallID         string              `json:"callId"`
	ConversationID string              `json:"conversationId"`
	SDP            *SessionDescription `json:"sdp,omitempty"`
	Offer          *SessionDescription `json:"offer,omitempty"`
	Answer         *SessionDescription `json:"answer,omitempty"`
}

func (p CallDescriptionPayload) Description() *SessionDescription {
	switch {
	case p.SDP != nil:
		return p.SDP
	case p.Offer != nil:
		return p.Offer
	default:
		return p.Answer
	}
}

type CallICEPayload struct {
	CallID         string       `json:"callId"`
	ConversationID string       `json:"conversationId"`
	Candidate      ICECandidate `json:"candidate"`
}

// CallEndPayload is used for reject/cancel/end and their echoes.
type CallEndPayload struct {
	CallID         string `json:"callId"`
	ConversationID string `json:"conversationId,omitempty"`
	Reason         string `json:"reason,omitempty"`
}
