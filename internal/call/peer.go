package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/mapmarket/relaychat/internal/media"
	"github.com/mapmarket/relaychat/internal/proto"
)

// Peer is the media connection of one call.
type Peer interface {
	AddStream(s media.Stream) error
	// CreateOffer creates the offer and sets it as local description.
	CreateOffer(ctx context.Context) (proto.SessionDescription, error)
	// CreateAnswer creates the answer, sets it as local description and
	// waits for ICE gathering until ctx is done.
	CreateAnswer(ctx context.Context) (proto.SessionDescription, error)
	SetRemote(desc proto.SessionDescription) error
	AddICECandidate(c proto.ICECandidate) error
	// OnICECandidate receives local candidates; nil marks the end of
	// gathering.
	OnICECandidate(fn func(*proto.ICECandidate))
	OnStateChange(fn func(webrtc.PeerConnectionState))
	SetMuted(muted bool) error
	Stats() Stats
	Close() error
}

type PeerConfig struct {
	ICEServers []string
}

// PeerFactory builds a Peer for one session.
type PeerFactory func(cfg PeerConfig) (Peer, error)

// Stats summarizes media quality of the current call.
type Stats struct {
	PacketsReceived uint64  `json:"packetsReceived"`
	BytesReceived   uint64  `json:"bytesReceived"`
	PacketsLost     uint32  `json:"packetsLost"`
	FractionLost    float64 `json:"fractionLost"`
	Jitter          uint32  `json:"jitter"`
}
