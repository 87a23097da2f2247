package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"proxcall/internal/core/domain"
	"proxcall/pkg/config"
	"proxcall/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type Config struct {
	ICEServers []webrtc.ICEServer
	// Zero bounds leave port selection to the OS.
	PortMin uint16
	PortMax uint16
}

type localTrack struct {
	track   *webrtc.TrackLocalStaticRTP
	sender  *webrtc.RTPSender
	enabled atomic.Bool
}

// TrackStats counts RTP traffic seen on the connection.
type TrackStats struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	KeyframeRequests uint64
	LastFractionLost uint8
	RemoteTrackCount int
}

// PionTransport is a MediaTransport backed by one pion PeerConnection.
type PionTransport struct {
	pc     *webrtc.PeerConnection
	callID domain.CallID
	logger *zap.SugaredLogger

	mu           sync.Mutex
	tracks       map[domain.TrackKind]*localTrack
	onState      func(domain.MediaState)
	onCandidate  func(domain.ICECandidate)
	remoteTracks int

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	keyframeReqs    atomic.Uint64
	fractionLost    atomic.Uint32
}

// NewPionTransport creates a peer connection for one call.
func NewPionTransport(cfg Config, callID domain.CallID, logger *zap.SugaredLogger) (*PionTransport, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create peer connection: %v", domain.ErrMediaTransport, err)
	}

	t := &PionTransport{
		pc:     pc,
		callID: callID,
		logger: logger.With("call_id", callID),
		tracks: make(map[domain.TrackKind]*localTrack),
	}

	pc.OnConnectionStateChange(t.handleConnectionState)
	pc.OnICECandidate(t.handleICECandidate)
	pc.OnTrack(t.handleRemoteTrack)

	return t, nil
}

// CreateOffer creates an offer and sets it as the local description.
func (t *PionTransport) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	_, span := tracing.TraceWebRTC(ctx, "create_offer", string(t.callID))
	defer span.End()

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer answers the remote offer and sets it as the local description.
func (t *PionTransport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	_, span := tracing.TraceWebRTC(ctx, "create_answer", string(t.callID))
	defer span.End()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *PionTransport) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	_, span := tracing.TraceWebRTC(ctx, "set_remote_description", string(t.callID))
	defer span.End()

	sdpType := webrtc.NewSDPType(desc.Type)
	if sdpType == webrtc.SDPType(webrtc.Unknown) {
		return fmt.Errorf("unknown session description type %q", desc.Type)
	}
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP})
}

func (t *PionTransport) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// AttachLocalTrack adds an Opus or VP8 track fed through WriteRTP.
func (t *PionTransport) AttachLocalTrack(ctx context.Context, kind domain.TrackKind) error {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case domain.TrackAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case domain.TrackVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return fmt.Errorf("unsupported track kind %q", kind)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.tracks[kind]; exists {
		return nil
	}

	track, err := webrtc.NewTrackLocalStaticRTP(capability, string(kind), "proxcall-"+string(t.callID))
	if err != nil {
		return fmt.Errorf("%w: failed to create %s track: %v", domain.ErrMediaTransport, kind, err)
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("%w: failed to add %s track: %v", domain.ErrMediaTransport, kind, err)
	}

	lt := &localTrack{track: track, sender: sender}
	lt.enabled.Store(true)
	t.tracks[kind] = lt

	go t.readRTCP(kind, sender)
	return nil
}

// SetTrackEnabled mutes or unmutes a local track without renegotiation.
func (t *PionTransport) SetTrackEnabled(kind domain.TrackKind, enabled bool) error {
	t.mu.Lock()
	lt, ok := t.tracks[kind]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no local %s track", kind)
	}
	lt.enabled.Store(enabled)
	return nil
}

// WriteRTP sends a packet on a local track. Packets for a muted track are
// discarded.
func (t *PionTransport) WriteRTP(kind domain.TrackKind, packet *rtp.Packet) error {
	t.mu.Lock()
	lt, ok := t.tracks[kind]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no local %s track", kind)
	}
	if !lt.enabled.Load() {
		return nil
	}
	if err := lt.track.WriteRTP(packet); err != nil {
		return err
	}
	t.packetsSent.Add(1)
	return nil
}

// ConnectionState returns the current peer connection state.
func (t *PionTransport) ConnectionState() domain.MediaState {
	return mapConnectionState(t.pc.ConnectionState())
}

func (t *PionTransport) OnConnectionStateChange(fn func(domain.MediaState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// OnICECandidate registers fn for local candidates. The end-of-candidates
// marker is not forwarded.
func (t *PionTransport) OnICECandidate(fn func(domain.ICECandidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

// Stats returns packet and RTCP counters.
func (t *PionTransport) Stats() TrackStats {
	t.mu.Lock()
	remote := t.remoteTracks
	t.mu.Unlock()
	return TrackStats{
		PacketsSent:      t.packetsSent.Load(),
		PacketsReceived:  t.packetsReceived.Load(),
		KeyframeRequests: t.keyframeReqs.Load(),
		LastFractionLost: uint8(t.fractionLost.Load()),
		RemoteTrackCount: remote,
	}
}

// Close tears down the peer connection. Closing twice is not an error.
func (t *PionTransport) Close() error {
	if err := t.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return err
	}
	return nil
}

func (t *PionTransport) handleConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Infow("peer connection state changed", "connection_state", state)

	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(mapConnectionState(state))
	}
}

func (t *PionTransport) handleICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return // gathering complete
	}
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn == nil {
		return
	}
	init := c.ToJSON()
	fn(domain.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	})
}

func (t *PionTransport) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	t.mu.Lock()
	t.remoteTracks++
	t.mu.Unlock()

	t.logger.Infow("remote track started",
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
		"ssrc", track.SSRC(),
	)

	for {
		if _, _, err := track.ReadRTP(); err != nil {
			t.logger.Debugw("remote track ended", "kind", track.Kind().String(), "error", err)
			return
		}
		t.packetsReceived.Add(1)
	}
}

// readRTCP drains RTCP for a sender. pion needs this loop for interceptors
// to run; the reports also feed Stats.
func (t *PionTransport) readRTCP(kind domain.TrackKind, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		t.processRTCP(kind, packets)
	}
}

func (t *PionTransport) processRTCP(kind domain.TrackKind, packets []rtcp.Packet) {
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				t.fractionLost.Store(uint32(report.FractionLost))
				if report.FractionLost > 25 { // ~10%
					t.logger.Warnw("peer reports packet loss",
						"kind", kind,
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			}
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			t.keyframeReqs.Add(1)
			t.logger.Debugw("keyframe requested", "kind", kind)
		case *rtcp.TransportLayerNack:
			t.logger.Debugw("received NACK", "kind", kind, "nacks", len(p.Nacks))
		}
	}
}

func mapConnectionState(state webrtc.PeerConnectionState) domain.MediaState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.MediaStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.MediaStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.MediaStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.MediaStateFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.MediaStateClosed
	default:
		return domain.MediaStateNew
	}
}

// ConfigFrom converts the application ICE settings.
func ConfigFrom(servers []config.ICEServer, portMin, portMax uint16) Config {
	cfg := Config{PortMin: portMin, PortMax: portMax}
	for _, s := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return cfg
}
