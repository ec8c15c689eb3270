// Package media opens local capture devices for calls and voice notes.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

var (
	ErrPermissionDenied = errors.New("media: microphone permission denied")
	ErrUnavailable      = errors.New("media: no microphone available")
)

// DefaultMTU bounds the RTP packets produced by an Opus reader.
const DefaultMTU = 1200

// RTPReader yields encoded RTP packets from a local track. release must be
// called once the packets are no longer used.
type RTPReader interface {
	Read() (pkts []*rtp.Packet, release func(), err error)
	Close() error
}

// Stream is an open capture session. Close stops every track and is safe to
// call more than once.
type Stream interface {
	Tracks() []webrtc.TrackLocal
	NewOpusReader(ssrc uint32, mtu int) (RTPReader, error)
	Close() error
}

// Source opens a microphone stream.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Stream, error)

func (f SourceFunc) Open(ctx context.Context) (Stream, error) { return f(ctx) }

// classify maps driver errors onto ErrPermissionDenied or ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnavailable) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not allowed"), strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// Describe turns a media error into a short user-facing notice.
func Describe(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Microphone access was denied."
	case errors.Is(err, ErrUnavailable):
		return "No microphone is available."
	case err == nil:
		return ""
	default:
		return "The microphone could not be opened."
	}
}
