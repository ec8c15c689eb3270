// Package audio records voice notes from the microphone into Ogg/Opus clips
// and hands them to the message delivery pipeline.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/mapmarket/relaychat/internal/chat"
	"github.com/mapmarket/relaychat/internal/media"
	"github.com/mapmarket/relaychat/internal/metrics"
)

var log = logging.Logger("audio")

const (
	DefaultMaxDuration = 120 * time.Second

	sampleRate = 48000
	channels   = 2
	clipMime   = "audio/ogg"
)

var (
	ErrBusy      = errors.New("audio: a recording is already in progress")
	ErrNoClip    = errors.New("audio: nothing recorded")
	ErrUploading = errors.New("audio: voice note is uploading")
	ErrCancelled = errors.New("audio: recording cancelled")
)

// Uploader stores a finished clip and returns its reference.
type Uploader interface {
	UploadAudio(ctx context.Context, name, mime string, r io.Reader, duration time.Duration) (chat.Audio, error)
}

// Sender posts the audio message. *chat.Delivery satisfies it.
type Sender interface {
	BeginUpload(conv string) (done func())
	Send(ctx context.Context, conv string, draft chat.Draft) (*chat.Pending, error)
}

type State string

const (
	StateIdle      State = "idle"
	StateAcquiring State = "acquiring"
	StateRecording State = "recording"
	StateRecorded  State = "recorded"
	StateUploading State = "uploading"
)

// Clip is a finished recording waiting to be sent.
type Clip struct {
	ConversationID string
	Duration       time.Duration
	Size           int

	data []byte
}

// Bytes returns the Ogg container of the clip.
func (c Clip) Bytes() []byte { return c.data }

// Status is a point-in-time view of the recorder.
type Status struct {
	State          State
	ConversationID string
	Elapsed        time.Duration
}

type Options struct {
	MaxDuration time.Duration
	Clock       clock.Clock
}

type capture struct {
	stream  media.Stream
	reader  media.RTPReader
	ogg     *oggwriter.OggWriter
	buf     bytes.Buffer
	started time.Time
	timer   *clock.Timer
	done    chan struct{}
	packets int
}

// Recorder owns the single voice-note recording of the process.
type Recorder struct {
	src media.Source
	up  Uploader
	out Sender
	opt Options

	mu       sync.Mutex
	state    State
	conv     string
	acquired chan struct{}
	abort    bool
	cur      *capture
	clip     *Clip
	onLimit  func(Clip)
}

func NewRecorder(src media.Source, up Uploader, out Sender, opt Options) *Recorder {
	if opt.MaxDuration <= 0 {
		opt.MaxDuration = DefaultMaxDuration
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	if src == nil {
		src = media.Microphone()
	}
	return &Recorder{src: src, up: up, out: out, opt: opt, state: StateIdle}
}

// OnLimit registers fn to run when a recording hits the duration ceiling and
// is stopped automatically.
func (r *Recorder) OnLimit(fn func(Clip)) {
	r.mu.Lock()
	r.onLimit = fn
	r.mu.Unlock()
}

func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{State: r.state, ConversationID: r.conv}
	switch {
	case r.cur != nil:
		st.Elapsed = r.elapsed(r.cur)
	case r.clip != nil:
		st.Elapsed = r.clip.Duration
	}
	return st
}

func (r *Recorder) elapsed(c *capture) time.Duration {
	d := r.opt.Clock.Since(c.started)
	if d > r.opt.MaxDuration {
		d = r.opt.MaxDuration
	}
	return d
}

// Start opens the microphone and begins recording for conv. A clip that was
// recorded but not sent is discarded.
func (r *Recorder) Start(ctx context.Context, conv string) error {
	r.mu.Lock()
	switch r.state {
	case StateAcquiring, StateRecording, StateUploading:
		r.mu.Unlock()
		return ErrBusy
	case StateRecorded:
		log.Debugf("discarding unsent clip for %s", r.conv)
		metrics.VoiceNotes.WithLabelValues("discarded").Inc()
		r.clip = nil
	}
	r.state = StateAcquiring
	r.conv = conv
	r.abort = false
	acquired := make(chan struct{})
	r.acquired = acquired
	r.mu.Unlock()

	c, err := r.open(ctx)

	r.mu.Lock()
	if err != nil {
		r.reset()
		r.mu.Unlock()
		close(acquired)
		metrics.VoiceNotes.WithLabelValues("error").Inc()
		return fmt.Errorf("start recording: %w", err)
	}
	if r.abort {
		r.reset()
		r.mu.Unlock()
		c.release()
		close(acquired)
		return ErrCancelled
	}
	c.started = r.opt.Clock.Now()
	c.timer = r.opt.Clock.AfterFunc(r.opt.MaxDuration, func() { r.limit(c) })
	r.cur = c
	r.state = StateRecording
	r.mu.Unlock()
	close(acquired)

	log.Infof("recording voice note for %s", conv)
	go r.pump(c)
	return nil
}

func (r *Recorder) open(ctx context.Context) (*capture, error) {
	stream, err := r.src.Open(ctx)
	if err != nil {
		return nil, err
	}
	reader, err := stream.NewOpusReader(rand.Uint32(), media.DefaultMTU)
	if err != nil {
		stream.Close()
		return nil, err
	}
	c := &capture{stream: stream, reader: reader, done: make(chan struct{})}
	c.ogg, err = oggwriter.NewWith(&c.buf, sampleRate, channels)
	if err != nil {
		reader.Close()
		stream.Close()
		return nil, err
	}
	return c, nil
}

// reset returns to idle. Caller holds r.mu.
func (r *Recorder) reset() {
	r.state = StateIdle
	r.conv = ""
	r.cur = nil
	r.clip = nil
	r.abort = false
}

func (c *capture) release() {
	if err := c.reader.Close(); err != nil {
		log.Debugf("close opus reader: %v", err)
	}
	if err := c.stream.Close(); err != nil {
		log.Debugf("close microphone: %v", err)
	}
}

func (r *Recorder) pump(c *capture) {
	defer close(c.done)
	for {
		pkts, release, err := c.reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("voice note reader: %v", err)
			}
			return
		}
		for _, pkt := range pkts {
			if err := c.ogg.WriteRTP(pkt); err != nil {
				log.Debugf("ogg write: %v", err)
				continue
			}
			c.packets++
		}
		if release != nil {
			release()
		}
	}
}

// finish stops capture and waits for the writer to drain. Caller holds r.mu.
func (r *Recorder) finish(c *capture) {
	c.timer.Stop()
	c.release()
	<-c.done
	if err := c.ogg.Close(); err != nil {
		log.Debugf("ogg close: %v", err)
	}
}

// Stop ends the recording and keeps the clip for Send.
func (r *Recorder) Stop() (Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return Clip{}, ErrNoClip
	}
	return r.stopLocked(r.cur), nil
}

func (r *Recorder) stopLocked(c *capture) Clip {
	dur := r.elapsed(c)
	r.finish(c)
	clip := Clip{
		ConversationID: r.conv,
		Duration:       dur,
		Size:           c.buf.Len(),
		data:           c.buf.Bytes(),
	}
	r.cur = nil
	r.clip = &clip
	r.state = StateRecorded
	log.Infof("voice note for %s: %s, %d packets", clip.ConversationID, dur, c.packets)
	return clip
}

func (r *Recorder) limit(c *capture) {
	r.mu.Lock()
	if r.cur != c || r.state != StateRecording {
		r.mu.Unlock()
		return
	}
	clip := r.stopLocked(c)
	fn := r.onLimit
	r.mu.Unlock()
	log.Infof("voice note reached %s, stopped", r.opt.MaxDuration)
	if fn != nil {
		fn(clip)
	}
}

// Send uploads the stopped clip and posts it as an audio message. A failed
// upload keeps the clip so Send can be called again.
func (r *Recorder) Send(ctx context.Context) (*chat.Pending, error) {
	r.mu.Lock()
	if r.state == StateRecording {
		r.stopLocked(r.cur)
	}
	if r.state != StateRecorded || r.clip == nil {
		r.mu.Unlock()
		return nil, ErrNoClip
	}
	clip := *r.clip
	r.state = StateUploading
	r.mu.Unlock()

	done := r.out.BeginUpload(clip.ConversationID)
	name := fmt.Sprintf("voice-%d.ogg", r.opt.Clock.Now().Unix())
	ref, err := r.up.UploadAudio(ctx, name, clipMime, bytes.NewReader(clip.data), clip.Duration)
	done()

	r.mu.Lock()
	if err != nil {
		r.state = StateRecorded
		r.mu.Unlock()
		metrics.VoiceNotes.WithLabelValues("upload_failed").Inc()
		return nil, fmt.Errorf("upload voice note: %w", err)
	}
	r.reset()
	r.mu.Unlock()

	if ref.Mime == "" {
		ref.Mime = clipMime
	}
	if ref.Size == 0 {
		ref.Size = int64(clip.Size)
	}
	p, err := r.out.Send(ctx, clip.ConversationID, chat.Draft{Audio: &ref})
	if err != nil {
		metrics.VoiceNotes.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.VoiceNotes.WithLabelValues("sent").Inc()
	return p, nil
}

// Cancel discards the recording in any phase before upload. During
// acquisition it waits for the microphone to open and then releases it.
func (r *Recorder) Cancel() error {
	r.mu.Lock()
	switch r.state {
	case StateIdle:
		r.mu.Unlock()
		return nil
	case StateUploading:
		r.mu.Unlock()
		return ErrUploading
	case StateAcquiring:
		r.abort = true
		acquired := r.acquired
		r.mu.Unlock()
		<-acquired
		metrics.VoiceNotes.WithLabelValues("cancelled").Inc()
		return nil
	case StateRecording:
		r.finish(r.cur)
	}
	conv := r.conv
	r.reset()
	r.mu.Unlock()

	log.Debugf("voice note for %s cancelled", conv)
	metrics.VoiceNotes.WithLabelValues("cancelled").Inc()
	return nil
}

// Close releases the microphone if a recording is running.
func (r *Recorder) Close() {
	if err := r.Cancel(); err != nil {
		log.Debugf("close recorder: %v", err)
	}
}
