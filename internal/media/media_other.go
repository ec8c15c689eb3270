//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// RegisterCodecs installs the default codecs; no local encoder exists on
// this platform.
func RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

// Microphone is unavailable outside Linux: capture drivers are built for
// malgo on Linux only.
func Microphone() Source {
	return SourceFunc(func(context.Context) (Stream, error) {
		return nil, ErrUnavailable
	})
}
