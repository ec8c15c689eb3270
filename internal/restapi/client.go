package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mapmarket/relaychat/internal/chat"
	"github.com/mapmarket/relaychat/internal/conversation"
	"github.com/mapmarket/relaychat/internal/util"
)

// Client talks to the marketplace chat REST API. Every request carries the
// same credentials as the relay connection.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   string
	Cookie  string
}

func NewClient(baseURL, token, cookie string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP: &http.Client{
			Timeout: util.UploadTimeout,
		},
		Token:  token,
		Cookie: cookie,
	}
}

// Error is a non-2xx answer from the server.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

func asError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func IsRateLimited(err error) bool {
	e, ok := asError(err)
	return ok && (e.Status == http.StatusTooManyRequests || e.Code == "RATE_LIMITED")
}

func IsForbidden(err error) bool {
	e, ok := asError(err)
	return ok && e.Status == http.StatusForbidden
}

func IsNotFound(err error) bool {
	e, ok := asError(err)
	return ok && e.Status == http.StatusNotFound
}

func IsValidation(err error) bool {
	e, ok := asError(err)
	return ok && (e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity || e.Code == "VALIDATION_ERROR")
}

type envelope struct {
	Status  any             `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.Cookie != "" {
		req.Header.Set("Cookie", c.Cookie)
	}
	return req, nil
}

// do sends req, drains the body, unwraps the envelope and decodes data
// into v when v is non-nil.
func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", req.Method, req.URL.Path, err)
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode/100 != 2 {
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(http.StatusText(resp.StatusCode))
		}
		return &Error{Status: resp.StatusCode, Code: env.Code, Message: msg}
	}
	if v == nil {
		return nil
	}
	data := env.Data
	if len(data) == 0 {
		data = raw
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s %s: decode: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

func (c *Client) postJSON(ctx context.Context, path string, body, v any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, v)
}

func convPath(id string, rest ...string) string {
	p := "/chat/conversations/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Client) ListConversations(ctx context.Context, limit int) ([]conversation.Conversation, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/chat/conversations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var raw json.RawMessage
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	var list []conversation.Conversation
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Conversations []conversation.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return wrapped.Conversations, nil
}

func decodeConversation(raw json.RawMessage) (conversation.Conversation, error) {
	var wrapped struct {
		Conversation *conversation.Conversation `json:"conversation"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Conversation != nil {
		return *wrapped.Conversation, nil
	}
	var c conversation.Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return conversation.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return c, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, convPath(id), &raw); err != nil {
		return conversation.Conversation{}, err
	}
	return decodeConversation(raw)
}

// ListMessages returns up to limit messages older than before (zero for the
// newest page), oldest first.
func (c *Client) ListMessages(ctx context.Context, id string, limit int, before time.Time) (chat.Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	path := convPath(id, "messages")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page chat.Page
	if err := c.getJSON(ctx, path, &page); err != nil {
		return chat.Page{}, err
	}
	for i := range page.Messages {
		if page.Messages[i].ConversationID == "" {
			page.Messages[i].ConversationID = id
		}
	}
	return page, nil
}

// PostMessage persists a message. It satisfies chat.Poster.
func (c *Client) PostMessage(ctx context.Context, id string, req chat.SendRequest) (chat.Message, error) {
	var out struct {
		Message chat.Message `json:"message"`
	}
	if err := c.postJSON(ctx, convPath(id, "messages"), req, &out); err != nil {
		return chat.Message{}, err
	}
	if out.Message.ConversationID == "" {
		out.Message.ConversationID = id
	}
	return out.Message, nil
}

// ReadResult is the server's answer to a mark-read call.
type ReadResult struct {
	Count      int       `json:"count"`
	MessageIDs []string  `json:"messageIds"`
	ReadAt     time.Time `json:"readAt"`
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	var res ReadResult
	if err := c.postJSON(ctx, convPath(id, "read"), nil, &res); err != nil {
		return err
	}
	return nil
}

func (c *Client) Hide(ctx context.Context, id string) error {
	return c.postJSON(ctx, convPath(id, "hide"), nil, nil)
}

// SetCallConsent records this user's consent and returns the updated
// conversation.
func (c *Client) SetCallConsent(ctx context.Context, id string, allow bool) (conversation.Conversation, error) {
	var raw json.RawMessage
	body := map[string]bool{"allowCalls": allow}
	if err := c.postJSON(ctx, convPath(id, "call-consent"), body, &raw); err != nil {
		return conversation.Conversation{}, err
	}
	conv, err := decodeConversation(raw)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if conv.ID == "" {
		conv.ID = id
	}
	return conv, nil
}

func (c *Client) upload(ctx context.Context, path, name, mime string, r io.Reader, fields map[string]string, v any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, val := range fields {
		if err := w.WriteField(k, val); err != nil {
			return err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if mime == "" {
		mime = "application/octet-stream"
	}
	h.Set("Content-Type", mime)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, v)
}

// UploadAttachment uploads one file and returns the server record.
func (c *Client) UploadAttachment(ctx context.Context, name, mime string, r io.Reader) (chat.Attachment, error) {
	var out struct {
		Attachment chat.Attachment `json:"attachment"`
	}
	if err := c.upload(ctx, "/chat/attachments", name, mime, r, nil, &out); err != nil {
		return chat.Attachment{}, err
	}
	return out.Attachment, nil
}

// UploadAudio uploads a recorded voice note.
func (c *Client) UploadAudio(ctx context.Context, name, mime string, r io.Reader, duration time.Duration) (chat.Audio, error) {
	var raw json.RawMessage
	fields := map[string]string{"duration": strconv.FormatFloat(duration.Seconds(), 'f', 2, 64)}
	if err := c.upload(ctx, "/chat/audio", name, mime, r, fields, &raw); err != nil {
		return chat.Audio{}, err
	}
	var out struct {
		Audio *chat.Audio `json:"audio"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Audio == nil {
		var flat chat.Audio
		if err := json.Unmarshal(raw, &flat); err != nil || (flat.Key == "" && flat.URL == "") {
			return chat.Audio{}, errors.New("upload audio: empty response")
		}
		out.Audio = &flat
	}
	if out.Audio.Duration == 0 {
		out.Audio.Duration = duration.Seconds()
	}
	return *out.Audio, nil
}

// UnreadCount returns the total unread count across conversations.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/chat/unread-count", &raw); err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var obj struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, fmt.Errorf("decode unread count: %w", err)
	}
	return obj.Count, nil
}
