//go:build linux

package media

import (
	"context"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

func codecSelector() (*mediadevices.CodecSelector, error) {
	params, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&params)), nil
}

// RegisterCodecs installs the Opus encoder the microphone tracks use.
func RegisterCodecs(me *webrtc.MediaEngine) error {
	sel, err := codecSelector()
	if err != nil {
		return err
	}
	sel.Populate(me)
	return nil
}

type micStream struct {
	tracks []mediadevices.Track
	once   sync.Once
}

func (s *micStream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *micStream) NewOpusReader(ssrc uint32, mtu int) (RTPReader, error) {
	if len(s.tracks) == 0 {
		return nil, ErrUnavailable
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return s.tracks[0].NewRTPReader(webrtc.MimeTypeOpus, ssrc, mtu)
}

func (s *micStream) Close() error {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Close()
		}
	})
	return nil
}

// Microphone captures the default input device through malgo and encodes
// it to Opus.
func Microphone() Source {
	return SourceFunc(func(ctx context.Context) (Stream, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sel, err := codecSelector()
		if err != nil {
			return nil, classify(err)
		}

		found := false
		for _, d := range mediadevices.EnumerateDevices() {
			if d.Kind == mediadevices.AudioInput {
				log.Debugf("audio input %q", d.Label)
				found = true
			}
		}
		if !found {
			return nil, ErrUnavailable
		}

		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
			Codec: sel,
		})
		if err != nil {
			log.Warnf("GetUserMedia(audio): %v", err)
			return nil, classify(err)
		}
		tracks := stream.GetAudioTracks()
		if len(tracks) == 0 {
			return nil, ErrUnavailable
		}
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Debugf("microphone track ended: %v", err)
				}
			})
		}
		log.Infof("microphone captured (%d tracks)", len(tracks))
		return &micStream{tracks: tracks}, nil
	})
}
