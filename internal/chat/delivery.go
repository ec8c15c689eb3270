package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("chat")

var (
	ErrUploadInProgress = errors.New("chat: an attachment is still uploading")
	ErrNotRetriable     = errors.New("chat: message is not in failed state")
	ErrUnknownMessage   = errors.New("chat: unknown message")
)

// Poster persists a message on the server and returns the confirmed record.
type Poster interface {
	PostMessage(ctx context.Context, conversationID string, req SendRequest) (Message, error)
}

// Draft is what the composer hands to Send. Attachments and audio must
// already be uploaded.
type Draft struct {
	Text        string
	Attachments []Attachment
	Audio       *Audio
}

// SendRequest is the body of POST /chat/conversations/:id/messages.
type SendRequest struct {
	Text         string       `json:"text" validate:"max=2000"`
	Attachments  []Attachment `json:"attachments" validate:"max=5,dive"`
	Type         Kind         `json:"type" validate:"oneof=text audio"`
	Audio        *Audio       `json:"audio,omitempty" validate:"required_if=Type audio"`
	ClientTempID string       `json:"clientTempId" validate:"required"`
}

func (d Draft) request(tempID string) SendRequest {
	req := SendRequest{
		Text:         d.Text,
		Attachments:  d.Attachments,
		Type:         KindText,
		Audio:        d.Audio,
		ClientTempID: tempID,
	}
	if req.Attachments == nil {
		req.Attachments = []Attachment{}
	}
	if d.Audio != nil {
		req.Type = KindAudio
	}
	return req
}

// hasContent rejects requests that carry nothing at all.
func hasContent(sl validator.StructLevel) {
	r := sl.Current().Interface().(SendRequest)
	if strings.TrimSpace(r.Text) == "" && len(r.Attachments) == 0 && r.Audio == nil {
		sl.ReportError(r.Text, "Text", "text", "content", "")
	}
}

// NewValidator returns the validator used for outgoing messages.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(hasContent, SendRequest{})
	return v
}

// Failure describes one failed send attempt.
type Failure struct {
	ConversationID string
	ClientTempID   string
	Text           string
	Attempt        int
	Err            error
}

// Pending is the optimistic record of a send in flight.
type Pending struct {
	Message Message

	done   chan struct{}
	result Message
	err    error
}

// Wait blocks until the server confirms or the attempt fails.
func (p *Pending) Wait(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-p.done:
		return p.result, p.err
	}
}

type DeliveryOptions struct {
	SelfID  string
	Timeout time.Duration
	Clock   clock.Clock
}

// Delivery drives the send → sent → delivered → read lifecycle of locally
// originated messages.
type Delivery struct {
	store    *Store
	poster   Poster
	validate *validator.Validate
	opt      DeliveryOptions

	mu       sync.Mutex
	uploads  map[string]int
	attempts map[string]int
	inflight map[string]bool

	cbMu      sync.RWMutex
	onFailure []func(Failure)
	onSent    []func(Message)
}

func NewDelivery(store *Store, poster Poster, opt DeliveryOptions) *Delivery {
	if opt.Timeout <= 0 {
		opt.Timeout = 30 * time.Second
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	return &Delivery{
		store:    store,
		poster:   poster,
		validate: NewValidator(),
		opt:      opt,
		uploads:  make(map[string]int),
		attempts: make(map[string]int),
		inflight: make(map[string]bool),
	}
}

// OnFailure registers a callback for failed attempts.
func (d *Delivery) OnFailure(fn func(Failure)) {
	d.cbMu.Lock()
	d.onFailure = append(d.onFailure, fn)
	d.cbMu.Unlock()
}

// OnSent registers a callback for confirmed sends.
func (d *Delivery) OnSent(fn func(Message)) {
	d.cbMu.Lock()
	d.onSent = append(d.onSent, fn)
	d.cbMu.Unlock()
}

// BeginUpload marks an attachment upload in flight for conv. Sends to conv
// are refused until the returned func is called.
func (d *Delivery) BeginUpload(conv string) (done func()) {
	d.mu.Lock()
	d.uploads[conv]++
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.uploads[conv]--; d.uploads[conv] <= 0 {
				delete(d.uploads, conv)
			}
			d.mu.Unlock()
		})
	}
}

// Uploading reports whether an upload for conv is in flight.
func (d *Delivery) Uploading(conv string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uploads[conv] > 0
}

// Send validates the draft, inserts the optimistic record and posts it in
// the background. The returned Pending carries the optimistic record.
// Validation problems are returned directly; network failures surface
// through the failed status and OnFailure.
func (d *Delivery) Send(ctx context.Context, conv string, draft Draft) (*Pending, error) {
	if d.Uploading(conv) {
		return nil, ErrUploadInProgress
	}

	tempID := NewCorrelationID()
	req := draft.request(tempID)
	if err := d.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	m := Message{
		ID:             tempID,
		ClientTempID:   tempID,
		ConversationID: conv,
		Sender:         d.opt.SelfID,
		Type:           req.Type,
		Text:           req.Text,
		Attachments:    draft.Attachments,
		Audio:          draft.Audio,
		Status:         StatusSending,
		CreatedAt:      d.opt.Clock.Now(),
	}
	stored, _ := d.store.Upsert(m)

	d.mu.Lock()
	d.attempts[tempID] = 1
	d.inflight[tempID] = true
	d.mu.Unlock()

	p := &Pending{Message: stored, done: make(chan struct{})}
	go d.post(ctx, conv, req, 1, p)
	return p, nil
}

// Retry re-posts a failed message under the same correlation id.
func (d *Delivery) Retry(ctx context.Context, id string) (*Pending, error) {
	m, ok := d.store.Find(id)
	if !ok {
		return nil, ErrUnknownMessage
	}
	if m.Status != StatusFailed {
		return nil, ErrNotRetriable
	}
	if d.Uploading(m.ConversationID) {
		return nil, ErrUploadInProgress
	}

	tempID := m.ClientTempID
	d.mu.Lock()
	if d.inflight[tempID] {
		d.mu.Unlock()
		return nil, ErrNotRetriable
	}
	d.attempts[tempID]++
	attempt := d.attempts[tempID]
	d.inflight[tempID] = true
	d.mu.Unlock()

	stored, ok := d.store.setLocal(tempID, StatusSending)
	if !ok {
		d.mu.Lock()
		delete(d.inflight, tempID)
		d.mu.Unlock()
		return nil, ErrNotRetriable
	}

	req := Draft{Text: m.Text, Attachments: m.Attachments, Audio: m.Audio}.request(tempID)
	p := &Pending{Message: stored, done: make(chan struct{})}
	go d.post(ctx, m.ConversationID, req, attempt, p)
	return p, nil
}

func (d *Delivery) post(ctx context.Context, conv string, req SendRequest, attempt int, p *Pending) {
	defer close(p.done)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opt.Timeout)
	defer cancel()

	confirmed, err := d.poster.PostMessage(ctx, conv, req)

	d.mu.Lock()
	delete(d.inflight, req.ClientTempID)
	d.mu.Unlock()

	if err != nil {
		p.err = err
		// The relay echo may already have confirmed the record; only an
		// unconfirmed record becomes failed.
		failed, ok := d.store.MarkFailed(req.ClientTempID)
		if !ok {
			log.Debugf("post %s failed after echo: %v", req.ClientTempID, err)
			if m, found := d.store.Find(req.ClientTempID); found {
				p.result, p.err = m, nil
			}
			return
		}
		p.result = failed
		log.Warnf("send %s (attempt %d) failed: %v", req.ClientTempID, attempt, err)

		f := Failure{
			ConversationID: conv,
			ClientTempID:   req.ClientTempID,
			Text:           req.Text,
			Attempt:        attempt,
			Err:            err,
		}
		d.cbMu.RLock()
		fns := append([]func(Failure){}, d.onFailure...)
		d.cbMu.RUnlock()
		for _, fn := range fns {
			fn(f)
		}
		return
	}

	confirmed.ConversationID = conv
	if confirmed.ClientTempID == "" {
		confirmed.ClientTempID = req.ClientTempID
	}
	if !confirmed.Status.Confirmed() {
		confirmed.Status = StatusSent
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = p.Message.CreatedAt
	}
	stored, _ := d.store.Upsert(confirmed)
	p.result = stored

	d.mu.Lock()
	delete(d.attempts, req.ClientTempID)
	d.mu.Unlock()

	d.cbMu.RLock()
	fns := append([]func(Message){}, d.onSent...)
	d.cbMu.RUnlock()
	for _, fn := range fns {
		fn(stored)
	}
}

// Attempts returns how many times the message has been posted.
func (d *Delivery) Attempts(tempID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[tempID]
}
