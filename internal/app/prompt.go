package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mapmarket/relaychat/internal/chat"
	"github.com/mapmarket/relaychat/internal/conversation"
	"github.com/mapmarket/relaychat/internal/util"
)

var errQuit = errors.New("quit")

const helpText = `Commands:
  /list                 show conversations
  /search <term>        filter the list (empty clears)
  /open <n|id>          open a conversation
  /close                close the open conversation
  /older                load older messages
  /send <text>          send a message (plain text works too)
  /retry <id>           re-send a failed message
  /attach <path>        upload a file for the next message
  /hide <n|id>          delete a conversation from the list
  /consent on|off       allow or refuse calls here
  /call /answer /reject /hangup /mute /stats
  /rec /stop /sendrec /cancelrec
  /unread               total unread count
  /notices              recent notices
  /quit`

type command func(ctx context.Context, arg string) error

type prompt struct {
	c   *Client
	in  io.Reader
	out io.Writer

	mu     sync.Mutex
	listed []string
	cmds   map[string]command
}

func newPrompt(c *Client, in io.Reader, out io.Writer) *prompt {
	p := &prompt{c: c, in: in, out: out}
	p.cmds = map[string]command{
		"help":      func(context.Context, string) error { p.println(helpText); return nil },
		"list":      p.list,
		"search":    p.search,
		"open":      p.open,
		"close":     func(context.Context, string) error { c.CloseConversation(); return nil },
		"older":     p.older,
		"send":      p.send,
		"retry":     p.retry,
		"attach":    p.attach,
		"hide":      p.hide,
		"consent":   p.consent,
		"call":      func(ctx context.Context, _ string) error { return c.StartCall(ctx) },
		"answer":    func(ctx context.Context, _ string) error { return c.AnswerCall(ctx) },
		"reject":    func(context.Context, string) error { return c.RejectCall() },
		"hangup":    func(context.Context, string) error { return c.Hangup() },
		"mute":      p.mute,
		"stats":     p.stats,
		"rec":       func(ctx context.Context, _ string) error { return c.StartRecording(ctx) },
		"stop":      p.stopRec,
		"sendrec":   p.sendRec,
		"cancelrec": func(context.Context, string) error { return c.CancelRecording() },
		"unread":    p.unread,
		"notices":   p.notices,
		"quit":      func(context.Context, string) error { return errQuit },
	}
	return p
}

func (p *prompt) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *prompt) println(s string) { p.printf("%s\n", s) }

// loop reads commands until ctx is done, input ends or /quit.
func (p *prompt) loop(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(p.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	p.println("Type /help for commands.")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := p.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				p.printf("! %v\n", err)
			}
		}
	}
}

func (p *prompt) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return p.send(ctx, line)
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	cmd, ok := p.cmds[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("unknown command /%s", name)
	}
	return cmd(ctx, strings.TrimSpace(arg))
}

// resolve accepts a list number or a conversation id.
func (p *prompt) resolve(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("conversation required")
	}
	if n, err := strconv.Atoi(arg); err == nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		if n < 1 || n > len(p.listed) {
			return "", fmt.Errorf("no conversation #%d", n)
		}
		return p.listed[n-1], nil
	}
	return arg, nil
}

func (p *prompt) list(context.Context, string) error {
	convs := p.c.Conversations()
	ids := make([]string, len(convs))
	for i, cv := range convs {
		ids[i] = cv.ID
	}
	p.mu.Lock()
	p.listed = ids
	p.mu.Unlock()

	if len(convs) == 0 {
		p.println("No conversations.")
		return nil
	}
	active := p.c.Active()
	for i, cv := range convs {
		p.println(formatConversation(i+1, cv, cv.ID == active))
	}
	return nil
}

func formatConversation(n int, cv conversation.Conversation, active bool) string {
	mark := " "
	if active {
		mark = "*"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s%2d. %s", mark, n, util.Truncate(cv.Title(), 40))
	if cv.Other.Name != "" {
		fmt.Fprintf(&b, " · %s", cv.Other.Name)
	}
	if cv.UnreadCount > 0 {
		fmt.Fprintf(&b, " (%d)", cv.UnreadCount)
	}
	if cv.IsBlocked {
		b.WriteString(" [blocked]")
	}
	if pv := cv.Preview(); pv != "" && pv != cv.Title() {
		fmt.Fprintf(&b, "\n      %s", util.Truncate(pv, 60))
	}
	return b.String()
}

func (p *prompt) search(_ context.Context, term string) error {
	p.c.Search(term)
	return nil
}

func (p *prompt) open(ctx context.Context, arg string) error {
	id, err := p.resolve(arg)
	if err != nil {
		return err
	}
	msgs, err := p.c.OpenConversation(ctx, id)
	for _, m := range msgs {
		p.println(p.formatMessage(m))
	}
	return err
}

func (p *prompt) older(ctx context.Context, _ string) error {
	n, err := p.c.LoadOlder(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		p.println("No older messages.")
		return nil
	}
	msgs := p.c.Messages(p.c.Active())
	if n > len(msgs) {
		n = len(msgs)
	}
	for _, m := range msgs[:n] {
		p.println(p.formatMessage(m))
	}
	return nil
}

func (p *prompt) formatMessage(m chat.Message) string {
	who := m.Sender
	if who == p.c.opt.SelfID {
		who = "me"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), who, m.Preview())
	if len(m.Attachments) > 0 && strings.TrimSpace(m.Text) != "" {
		line += fmt.Sprintf(" (+%d files)", len(m.Attachments))
	}
	if who == "me" {
		line += " · " + string(m.Status)
	}
	if m.Status == chat.StatusFailed {
		line += " · /retry " + m.ID
	}
	return line
}

func (p *prompt) send(ctx context.Context, text string) error {
	if text == "" && len(p.c.Attachments()) == 0 {
		return errors.New("nothing to send")
	}
	pending, err := p.c.SendText(ctx, text)
	if err != nil {
		return err
	}
	go p.await(ctx, pending)
	return nil
}

func (p *prompt) retry(ctx context.Context, id string) error {
	pending, err := p.c.Retry(ctx, id)
	if err != nil {
		return err
	}
	go p.await(ctx, pending)
	return nil
}

// await prints the confirmed message. Failures arrive as notices.
func (p *prompt) await(ctx context.Context, pending *chat.Pending) {
	m, err := pending.Wait(ctx)
	if err != nil {
		return
	}
	p.println(p.formatMessage(m))
}

func (p *prompt) attach(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("path required")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ctype := mime.TypeByExtension(filepath.Ext(path))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	a, err := p.c.Attach(ctx, filepath.Base(path), ctype, f)
	if err != nil {
		return err
	}
	p.printf("Attached %s (%d queued).\n", a.OriginalName, len(p.c.Attachments()))
	return nil
}

func (p *prompt) hide(ctx context.Context, arg string) error {
	id, err := p.resolve(arg)
	if err != nil {
		return err
	}
	return p.c.Hide(ctx, id)
}

func (p *prompt) consent(ctx context.Context, arg string) error {
	var allow bool
	switch strings.ToLower(arg) {
	case "on", "yes", "y", "1":
		allow = true
	case "off", "no", "n", "0":
	default:
		return errors.New("usage: /consent on|off")
	}
	c, err := p.c.SetCallConsent(ctx, allow)
	if err != nil {
		return err
	}
	p.printf("Calls: you %s, other side %s.\n", onOff(c.Me.Allowed), onOff(c.Other.Allowed))
	return nil
}

func onOff(b bool) string {
	if b {
		return "allow"
	}
	return "refuse"
}

func (p *prompt) mute(context.Context, string) error {
	muted, err := p.c.ToggleMute()
	if err != nil {
		return err
	}
	if muted {
		p.println("Microphone muted.")
	} else {
		p.println("Microphone on.")
	}
	return nil
}

func (p *prompt) stats(context.Context, string) error {
	snap, ok := p.c.Call()
	if !ok {
		p.println("No call.")
		return nil
	}
	p.printf("Call %s with %s: %s, %s\n", snap.CallID, snap.RemoteID, snap.State, snap.Duration.Truncate(time.Second))
	if s, ok := p.c.CallStats(); ok {
		p.printf("  received %d packets (%d bytes), lost %d (%.1f%%), jitter %d\n",
			s.PacketsReceived, s.BytesReceived, s.PacketsLost, s.FractionLost*100, s.Jitter)
	}
	return nil
}

func (p *prompt) stopRec(context.Context, string) error {
	clip, err := p.c.StopRecording()
	if err != nil {
		return err
	}
	p.printf("Recorded %s (%d bytes). /sendrec to send, /cancelrec to discard.\n",
		clip.Duration.Truncate(100*time.Millisecond), clip.Size)
	return nil
}

func (p *prompt) sendRec(ctx context.Context, _ string) error {
	pending, err := p.c.SendRecording(ctx)
	if err != nil {
		return err
	}
	go p.await(ctx, pending)
	return nil
}

func (p *prompt) unread(ctx context.Context, _ string) error {
	p.printf("%d unread\n", p.c.UnreadCount(ctx))
	return nil
}

func (p *prompt) notices(context.Context, string) error {
	for _, n := range p.c.Notices() {
		p.printf("%s [%s] %s\n", n.At.Local().Format("15:04:05"), n.Level, n.Text)
	}
	return nil
}

func (p *prompt) notice(n Notice) {
	p.printf("· %s\n", n.Text)
}

func (p *prompt) message(m chat.Message) {
	if m.Sender == p.c.opt.SelfID {
		return
	}
	if m.ConversationID != p.c.Active() {
		p.printf("· new message in %s\n", m.ConversationID)
		return
	}
	p.println(p.formatMessage(m))
}

func (p *prompt) typing(conv string, users []string) {
	if conv != p.c.Active() || len(users) == 0 {
		return
	}
	p.printf("· %s is typing…\n", strings.Join(users, ", "))
}
