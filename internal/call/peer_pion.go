package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/mapmarket/relaychat/internal/media"
	"github.com/mapmarket/relaychat/internal/proto"
)

type pionPeer struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders []*webrtc.RTPSender
	tracks  []webrtc.TrackLocal
	stats   Stats
}

// NewPionPeer builds a Peer on a pion PeerConnection with the codecs of the
// local microphone.
func NewPionPeer(cfg PeerConfig) (Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := media.RegisterCodecs(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// A short relay or NAT outage must not end the call at once.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, u := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	p := &pionPeer{pc: pc}
	pc.OnTrack(p.drain)
	return p, nil
}

func (p *pionPeer) AddStream(s media.Stream) error {
	tracks := s.Tracks()
	if len(tracks) == 0 {
		return media.ErrUnavailable
	}
	for _, t := range tracks {
		sender, err := p.pc.AddTrack(t)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.senders = append(p.senders, sender)
		p.tracks = append(p.tracks, t)
		p.mu.Unlock()
		go p.readRTCP(sender)
	}
	return nil
}

// ensureTransceiver adds a recvonly audio m-line when no local track was
// attached so the SDP still carries ICE credentials.
func (p *pionPeer) ensureTransceiver() {
	p.mu.Lock()
	n := len(p.senders)
	p.mu.Unlock()
	if n > 0 || len(p.pc.GetTransceivers()) > 0 {
		return
	}
	if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("AddTransceiver(audio): %v", err)
	}
}

func toProto(d *webrtc.SessionDescription) proto.SessionDescription {
	return proto.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func (p *pionPeer) CreateOffer(ctx context.Context) (proto.SessionDescription, error) {
	p.ensureTransceiver()
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return proto.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return proto.SessionDescription{}, err
	}
	return toProto(&offer), nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (proto.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return proto.SessionDescription{}, err
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return proto.SessionDescription{}, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		log.Debugf("ICE gathering still running, answering with partial candidates")
	}
	if ld := p.pc.LocalDescription(); ld != nil {
		return toProto(ld), nil
	}
	return toProto(&answer), nil
}

func (p *pionPeer) SetRemote(desc proto.SessionDescription) error {
	typ := webrtc.NewSDPType(desc.Type)
	if typ == webrtc.SDPTypeUnknown {
		return errors.New("call: unknown session description type " + desc.Type)
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: desc.SDP})
}

func (p *pionPeer) AddICECandidate(c proto.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) OnICECandidate(fn func(*proto.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&proto.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *pionPeer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

// SetMuted detaches the local tracks from their senders, or reattaches them.
func (p *pionPeer) SetMuted(muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.senders {
		var t webrtc.TrackLocal
		if !muted {
			t = p.tracks[i]
		}
		if err := s.ReplaceTrack(t); err != nil {
			return err
		}
	}
	return nil
}

// readRTCP consumes the RTCP of one sender so interceptors keep running and
// records what the remote side reports about our stream.
func (p *pionPeer) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, r := range rr.Reports {
				p.mu.Lock()
				p.stats.PacketsLost = r.TotalLost
				p.stats.FractionLost = float64(r.FractionLost) / 256
				p.stats.Jitter = r.Jitter
				p.mu.Unlock()
			}
		}
	}
}

// drain reads the remote audio track. Playback is left to the host
// application; the packets feed the receive counters.
func (p *pionPeer) drain(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Infof("remote track %s (%s)", track.ID(), track.Codec().MimeType)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.count(pkt)
	}
}

func (p *pionPeer) count(pkt *rtp.Packet) {
	p.mu.Lock()
	p.stats.PacketsReceived++
	p.stats.BytesReceived += uint64(len(pkt.Payload))
	p.mu.Unlock()
}

func (p *pionPeer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
