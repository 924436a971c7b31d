package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// Transport acquires the real-time media and control channel.
type Transport interface {
	Open(ctx context.Context) (Link, error)
}

// Link is one acquired transport. Messages yields control-channel payloads
// in arrival order and is closed with the link.
type Link interface {
	Offer(ctx context.Context) (SessionDescription, error)
	Accept(answer SessionDescription) error
	Send(ctx context.Context, data []byte) error
	Messages() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

var ErrLinkClosed = errors.New("transport link closed")

// WebRTCConfig configures the pion transport.
type WebRTCConfig struct {
	ICEServers       []string
	DataChannelLabel string
	MessageBuffer    int
}

func (c WebRTCConfig) withDefaults() WebRTCConfig {
	if c.DataChannelLabel == "" {
		c.DataChannelLabel = "oai-events"
	}
	if c.MessageBuffer <= 0 {
		c.MessageBuffer = 256
	}
	return c
}

// WebRTCTransport opens peer connections with one opus send track and one
// control data channel.
type WebRTCTransport struct {
	cfg    WebRTCConfig
	logger *slog.Logger
}

func NewWebRTCTransport(cfg WebRTCConfig, logger *slog.Logger) *WebRTCTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebRTCTransport{cfg: cfg.withDefaults(), logger: logger}
}

func (t *WebRTCTransport) Open(ctx context.Context) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pcCfg := webrtc.Configuration{}
	if len(t.cfg.ICEServers) > 0 {
		pcCfg.ICEServers = []webrtc.ICEServer{{URLs: t.cfg.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(pcCfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "vai-dialog",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	dc, err := pc.CreateDataChannel(t.cfg.DataChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	link := &webrtcLink{
		pc:     pc,
		dc:     dc,
		track:  track,
		logger: t.logger,
		msgs:   make(chan []byte, t.cfg.MessageBuffer),
		open:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	dc.OnOpen(func() {
		link.openOnce.Do(func() { close(link.open) })
	})
	dc.OnClose(func() { _ = link.Close() })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		link.deliver(msg.Data)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			_ = link.Close()
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go link.drainRemote(remote)
	})
	return link, nil
}

type webrtcLink struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	track  *webrtc.TrackLocalStaticSample
	logger *slog.Logger

	// msgMu guards msgs against close while a delivery is in flight.
	msgMu    sync.Mutex
	msgs     chan []byte
	open     chan struct{}
	openOnce sync.Once
	done     chan struct{}
	closed   bool
	closeMu  sync.Mutex
}

func (l *webrtcLink) deliver(data []byte) {
	buf := append([]byte(nil), data...)
	l.msgMu.Lock()
	defer l.msgMu.Unlock()
	if l.isClosed() {
		return
	}
	select {
	case l.msgs <- buf:
	case <-l.done:
	}
}

// drainRemote consumes the assistant's audio track so RTCP keeps flowing.
// Playback is not part of this client.
func (l *webrtcLink) drainRemote(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := remote.Read(buf); err != nil {
			return
		}
	}
}

func (l *webrtcLink) Offer(ctx context.Context) (SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return SessionDescription{}, fmt.Errorf("ice gathering: %w", ctx.Err())
	case <-l.done:
		return SessionDescription{}, ErrLinkClosed
	}
	local := l.pc.LocalDescription()
	if local == nil {
		return SessionDescription{}, errors.New("ice gathering produced no local description")
	}
	return SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

func (l *webrtcLink) Accept(answer SessionDescription) error {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// Send writes a control message once the data channel is open.
func (l *webrtcLink) Send(ctx context.Context, data []byte) error {
	select {
	case <-l.open:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLinkClosed
	}
	return l.dc.SendText(string(data))
}

// WriteAudio sends one encoded opus frame of the local microphone.
func (l *webrtcLink) WriteAudio(frame []byte, d time.Duration) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	return l.track.WriteSample(media.Sample{Data: frame, Duration: d})
}

func (l *webrtcLink) Messages() <-chan []byte { return l.msgs }

func (l *webrtcLink) Done() <-chan struct{} { return l.done }

func (l *webrtcLink) isClosed() bool {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	return l.closed
}

func (l *webrtcLink) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.closeMu.Unlock()

	l.msgMu.Lock()
	close(l.msgs)
	l.msgMu.Unlock()

	_ = l.dc.Close()
	return l.pc.Close()
}
