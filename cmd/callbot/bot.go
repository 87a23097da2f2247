package main

import (
	"context"
	"sync"
	"time"

	"proxcall/internal/client"
	"proxcall/internal/core/domain"
	"proxcall/internal/core/services"
	"proxcall/internal/infrastructure/signal"
	webrtcinfra "proxcall/internal/infrastructure/webrtc"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

const (
	opusFrameInterval = 20 * time.Millisecond
	opusFrameSamples  = 960 // 20ms at 48kHz
	videoInterval     = 33 * time.Millisecond
	videoFrameTicks   = 3000 // 33ms at 90kHz
)

// Opus DTX silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type botConfig struct {
	Start       domain.Position
	Target      domain.Position
	Speed       float64
	Step        time.Duration
	CallUser    domain.UserID
	AutoAccept  bool
	HangupAfter time.Duration
	Media       webrtcinfra.Config
}

type activeCall struct {
	call       domain.CallSession
	transport  *webrtcinfra.PionTransport
	negotiator *services.Negotiator
	stopMedia  context.CancelFunc
	hangup     *time.Timer
}

// bot is a headless participant: it walks, places or answers calls, and
// streams synthetic media once a call is accepted.
type bot struct {
	cfg    botConfig
	conn   *client.Client
	self   domain.UserID
	logger *zap.SugaredLogger

	mu        sync.Mutex
	pos       domain.Position
	requested bool
	offers    map[domain.CallID]domain.CallSession
	active    *activeCall
}

func newBot(cfg botConfig, conn *client.Client, logger *zap.SugaredLogger) *bot {
	if cfg.Step <= 0 {
		cfg.Step = 500 * time.Millisecond
	}
	return &bot{
		cfg:    cfg,
		conn:   conn,
		self:   conn.UserID(),
		logger: logger,
		pos:    cfg.Start,
		offers: make(map[domain.CallID]domain.CallSession),
	}
}

// Run walks towards the target until ctx is done, then leaves.
func (b *bot) Run(ctx context.Context) error {
	readCtx, stopReading := context.WithCancel(context.WithoutCancel(ctx))
	defer stopReading()

	readErr := make(chan error, 1)
	go func() { readErr <- b.conn.Run(readCtx, b.handle) }()

	if err := b.sendPosition(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(b.cfg.Step)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.leave()
			return nil
		case err := <-readErr:
			b.endCall()
			return err
		case <-ticker.C:
			if err := b.sendPosition(ctx); err != nil {
				b.logger.Warnw("failed to send position", "error", err)
			}
		}
	}
}

func (b *bot) sendPosition(ctx context.Context) error {
	b.mu.Lock()
	b.pos = stepToward(b.pos, b.cfg.Target, b.cfg.Speed)
	b.pos.Timestamp = time.Now().UnixMilli()
	pos := b.pos
	b.mu.Unlock()
	return b.conn.UpdatePosition(ctx, pos)
}

func (b *bot) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b.mu.Lock()
	active := b.active
	b.mu.Unlock()
	if active != nil {
		if err := active.negotiator.Hangup(ctx); err != nil {
			b.logger.Debugw("hangup failed", "error", err)
		}
	}
	b.endCall()

	if err := b.conn.Leave(ctx); err != nil {
		b.logger.Debugw("failed to send leave", "error", err)
	}
	b.conn.Close()
}

func (b *bot) handle(ctx context.Context, msg signal.Message) {
	switch msg.Type {
	case signal.TypeUserEnteredRange:
		p, err := client.Decode[signal.RangePayload](msg)
		if err != nil {
			b.logger.Warnw("bad message", "error", err)
			return
		}
		b.logger.Infow("user entered range", "peer", p.UserID, "distance", p.Distance)
		b.maybeCall(ctx, p.UserID)

	case signal.TypeUserLeftRange:
		p, err := client.Decode[signal.RangePayload](msg)
		if err == nil {
			b.logger.Infow("user left range", "peer", p.UserID, "cause", p.Cause)
		}

	case signal.TypeCallRequest:
		p, err := client.Decode[signal.CallRequestPayload](msg)
		if err != nil {
			b.logger.Warnw("bad message", "error", err)
			return
		}
		b.onCallRequest(ctx, p)

	case signal.TypeCallResponse:
		p, err := client.Decode[signal.CallResponsePayload](msg)
		if err != nil {
			b.logger.Warnw("bad message", "error", err)
			return
		}
		if !p.Accepted {
			b.logger.Infow("call rejected", "call_id", p.CallID, "reason", p.Reason)
			b.mu.Lock()
			delete(b.offers, p.CallID)
			b.requested = false
			b.mu.Unlock()
			return
		}
		b.startCall(ctx, p.CallID, p.OffererID)

	case signal.TypeWebRTCSignal:
		env, err := client.Decode[domain.SignalingEnvelope](msg)
		if err != nil {
			b.logger.Warnw("bad message", "error", err)
			return
		}
		b.mu.Lock()
		active := b.active
		b.mu.Unlock()
		if active == nil || active.call.ID != env.CallID {
			b.logger.Debugw("signal for unknown call", "call_id", env.CallID)
			return
		}
		if err := active.negotiator.HandleSignal(ctx, env); err != nil {
			b.logger.Warnw("failed to apply signal", "call_id", env.CallID, "type", env.Type, "error", err)
		}

	case signal.TypeCallActive:
		p, err := client.Decode[signal.CallActivePayload](msg)
		if err != nil {
			return
		}
		b.logger.Infow("call active", "call_id", p.CallID)
		b.scheduleHangup(p.CallID)

	case signal.TypeCallEnd:
		p, err := client.Decode[signal.CallEndPayload](msg)
		if err != nil {
			return
		}
		b.logger.Infow("call ended", "call_id", p.CallID, "reason", p.Reason)
		b.mu.Lock()
		delete(b.offers, p.CallID)
		b.requested = false
		matches := b.active != nil && b.active.call.ID == p.CallID
		b.mu.Unlock()
		if matches {
			b.endCall()
		}

	case signal.TypeError:
		p, err := client.Decode[signal.ErrorPayload](msg)
		if err == nil {
			b.logger.Warnw("server error", "code", p.Code, "message", p.Message, "request_type", p.RequestType)
		}
	}
}

func (b *bot) maybeCall(ctx context.Context, peer domain.UserID) {
	if b.cfg.CallUser == "" || peer != b.cfg.CallUser {
		return
	}
	b.mu.Lock()
	if b.requested || b.active != nil {
		b.mu.Unlock()
		return
	}
	b.requested = true
	b.mu.Unlock()

	b.logger.Infow("calling", "peer", peer)
	if err := b.conn.RequestCall(ctx, peer); err != nil {
		b.logger.Warnw("call request failed", "peer", peer, "error", err)
	}
}

func (b *bot) onCallRequest(ctx context.Context, p signal.CallRequestPayload) {
	b.mu.Lock()
	b.offers[p.CallID] = domain.CallSession{
		ID:           p.CallID,
		Participants: [2]domain.UserID{p.FromUserID, p.ToUserID},
		Status:       domain.CallStatusPending,
		Origin:       p.Origin,
		InitiatorID:  p.FromUserID,
	}
	busy := b.active != nil
	b.mu.Unlock()

	if p.ToUserID != b.self {
		return
	}

	b.logger.Infow("incoming call", "call_id", p.CallID, "from", p.FromUserID, "origin", p.Origin)
	if err := b.conn.MarkRinging(ctx, p.CallID); err != nil {
		b.logger.Warnw("failed to send ringing", "error", err)
	}

	accept := b.cfg.AutoAccept && !busy
	reason := ""
	if !accept {
		reason = "busy"
	}
	if err := b.conn.Respond(ctx, p.CallID, accept, reason); err != nil {
		b.logger.Warnw("failed to respond", "call_id", p.CallID, "error", err)
	}
}

func (b *bot) startCall(ctx context.Context, id domain.CallID, offerer domain.UserID) {
	b.mu.Lock()
	call, ok := b.offers[id]
	if !ok || b.active != nil {
		b.mu.Unlock()
		return
	}
	call.OffererID = offerer
	call.Status = domain.CallStatusConnecting
	b.mu.Unlock()

	transport, err := webrtcinfra.NewPionTransport(b.cfg.Media, id, b.logger)
	if err != nil {
		b.logger.Errorw("failed to create media transport", "error", err)
		b.conn.ReportMediaState(ctx, id, domain.MediaStateFailed)
		return
	}
	for _, kind := range []domain.TrackKind{domain.TrackAudio, domain.TrackVideo} {
		if err := transport.AttachLocalTrack(ctx, kind); err != nil {
			b.logger.Errorw("failed to attach track", "kind", kind, "error", err)
		}
	}

	negotiator := services.NewNegotiator(b.self, transport, b.conn, b.logger)
	mediaCtx, stopMedia := context.WithCancel(context.WithoutCancel(ctx))

	b.mu.Lock()
	b.active = &activeCall{
		call:       call,
		transport:  transport,
		negotiator: negotiator,
		stopMedia:  stopMedia,
	}
	b.mu.Unlock()

	if err := negotiator.Start(ctx, call); err != nil {
		b.logger.Errorw("negotiation failed", "call_id", id, "error", err)
		b.conn.ReportMediaState(ctx, id, domain.MediaStateFailed)
		return
	}
	go pumpMedia(mediaCtx, transport, b.logger)

	b.logger.Infow("call accepted", "call_id", id, "offerer", offerer, "we_offer", offerer == b.self)
}

func (b *bot) scheduleHangup(id domain.CallID) {
	if b.cfg.HangupAfter <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil || b.active.call.ID != id || b.active.hangup != nil {
		return
	}
	b.active.hangup = time.AfterFunc(b.cfg.HangupAfter, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b.logger.Infow("hanging up", "call_id", id)
		if err := b.conn.Hangup(ctx, id); err != nil {
			b.logger.Warnw("hangup failed", "call_id", id, "error", err)
		}
	})
}

func (b *bot) endCall() {
	b.mu.Lock()
	active := b.active
	b.active = nil
	b.mu.Unlock()
	if active == nil {
		return
	}

	if active.hangup != nil {
		active.hangup.Stop()
	}
	active.stopMedia()
	stats := active.transport.Stats()
	if err := active.negotiator.Close(); err != nil {
		b.logger.Debugw("failed to close transport", "error", err)
	}
	b.logger.Infow("media stopped",
		"call_id", active.call.ID,
		"packets_sent", stats.PacketsSent,
		"packets_received", stats.PacketsReceived,
		"keyframe_requests", stats.KeyframeRequests,
	)
}

// pumpMedia writes silent Opus frames and placeholder VP8 frames so the
// peer sees live tracks.
func pumpMedia(ctx context.Context, t *webrtcinfra.PionTransport, logger *zap.SugaredLogger) {
	audio := time.NewTicker(opusFrameInterval)
	defer audio.Stop()
	video := time.NewTicker(videoInterval)
	defer video.Stop()

	var audioSeq, videoSeq uint16
	var audioTS, videoTS uint32
	videoFrame := []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a}

	for {
		select {
		case <-ctx.Done():
			return
		case <-audio.C:
			err := t.WriteRTP(domain.TrackAudio, &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    111,
					SequenceNumber: audioSeq,
					Timestamp:      audioTS,
				},
				Payload: opusSilence,
			})
			if err != nil {
				logger.Debugw("audio write failed", "error", err)
			}
			audioSeq++
			audioTS += opusFrameSamples
		case <-video.C:
			err := t.WriteRTP(domain.TrackVideo, &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Marker:         true,
					PayloadType:    96,
					SequenceNumber: videoSeq,
					Timestamp:      videoTS,
				},
				Payload: videoFrame,
			})
			if err != nil {
				logger.Debugw("video write failed", "error", err)
			}
			videoSeq++
			videoTS += videoFrameTicks
		}
	}
}

// stepToward moves at most speed units from one position towards another.
func stepToward(from, to domain.Position, speed float64) domain.Position {
	if speed <= 0 {
		return from
	}
	dist := domain.Distance(from, to)
	if dist <= speed {
		to.Timestamp = from.Timestamp
		return to
	}
	ratio := speed / dist
	return domain.Position{
		X:         from.X + (to.X-from.X)*ratio,
		Y:         from.Y + (to.Y-from.Y)*ratio,
		Z:         from.Z + (to.Z-from.Z)*ratio,
		Timestamp: from.Timestamp,
	}
}
