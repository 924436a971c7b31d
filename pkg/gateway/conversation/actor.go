package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-dialog/pkg/core/endpoint"
	"github.com/vango-go/vai-dialog/pkg/core/transcript"
	"github.com/vango-go/vai-dialog/pkg/gateway/broadcast"
	"github.com/vango-go/vai-dialog/pkg/gateway/protocol"
)

var (
	ErrStopped          = errors.New("conversation actor stopped")
	ErrMissingSessionID = errors.New("conversation: session id is required")
	ErrNoBroadcaster    = errors.New("conversation: broadcaster is required")
)

// Broadcaster receives the transcript events the actor produces.
type Broadcaster interface {
	Submit(ctx context.Context, ev transcript.Event) (broadcast.Result, error)
	PublishError(sessionID, reason string) error
}

// ControlSender writes control messages to the upstream speech service.
type ControlSender interface {
	Send(ctx context.Context, data []byte) error
}

type Config struct {
	BargeIn   bool
	Voice     string
	Endpoint  endpoint.Config
	InboxSize int
	// SubmitTimeout bounds each broadcaster call.
	SubmitTimeout time.Duration
}

type Dependencies struct {
	SessionID   string
	Broadcaster Broadcaster
	Control     ControlSender
	Logger      *slog.Logger
	Config      Config
	Now         func() time.Time
}

// Stats is a snapshot of the actor's counters.
type Stats struct {
	Events      uint64
	Unknown     uint64
	Emitted     uint64
	EmitErrors  uint64
	Expirations uint64
	VadUpdates  uint64
	Engine      transcript.Counters
	Environment endpoint.Environment
	State       endpoint.State
}

type inputKind int

const (
	inputEvent inputKind = iota
	inputEnergy
)

type input struct {
	kind   inputKind
	event  protocol.UpstreamEvent
	energy float64
}

// Actor owns all mutable state of one conversation. External callers only
// enqueue inputs; Run is the single dispatch loop.
type Actor struct {
	sessionID   string
	cfg         Config
	broadcaster Broadcaster
	control     ControlSender
	logger      *slog.Logger
	now         func() time.Time

	inbox chan input
	done  chan struct{}
	once  sync.Once

	// Owned by Run.
	machine    *endpoint.Machine
	engine     *transcript.Engine
	updateSent bool

	statsMu sync.Mutex
	stats   Stats
}

func New(deps Dependencies) (*Actor, error) {
	sessionID := strings.TrimSpace(deps.SessionID)
	if sessionID == "" {
		return nil, ErrMissingSessionID
	}
	if deps.Broadcaster == nil {
		return nil, ErrNoBroadcaster
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	logger := deps.Logger.With("session_id", sessionID)
	return &Actor{
		sessionID:   sessionID,
		cfg:         cfg,
		broadcaster: deps.Broadcaster,
		control:     deps.Control,
		logger:      logger,
		now:         deps.Now,
		inbox:       make(chan input, cfg.InboxSize),
		done:        make(chan struct{}),
		machine:     endpoint.NewMachine(cfg.Endpoint),
		engine: transcript.NewEngine(transcript.Config{
			SessionID: sessionID,
			BargeIn:   cfg.BargeIn,
		}, logger),
	}, nil
}

func (a *Actor) SessionID() string { return a.sessionID }

// Submit enqueues an upstream event.
func (a *Actor) Submit(ctx context.Context, ev protocol.UpstreamEvent) error {
	return a.enqueue(ctx, input{kind: inputEvent, event: ev})
}

// ObserveEnergy enqueues an audio energy sample for the adaptive VAD.
func (a *Actor) ObserveEnergy(ctx context.Context, energy float64) error {
	return a.enqueue(ctx, input{kind: inputEnergy, energy: energy})
}

func (a *Actor) enqueue(ctx context.Context, in input) error {
	select {
	case <-a.done:
		return ErrStopped
	default:
	}
	select {
	case a.inbox <- in:
		return nil
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the actor's counters.
func (a *Actor) Stats() Stats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.stats
}

// Run dispatches inputs and endpoint deadlines until ctx ends. Buffered agent
// events are released before it returns.
func (a *Actor) Run(ctx context.Context) error {
	defer a.once.Do(func() { close(a.done) })

	var timer *time.Timer
	var timerActive bool
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerActive = false
	}
	rearm := func() {
		deadline, _, ok := a.machine.Deadline()
		if !ok {
			stopTimer()
			return
		}
		d := deadline.Sub(a.now())
		if d < 0 {
			d = 0
		}
		if timer == nil {
			timer = time.NewTimer(d)
			timerActive = true
			return
		}
		stopTimer()
		timer.Reset(d)
		timerActive = true
	}
	timerCh := func() <-chan time.Time {
		if !timerActive || timer == nil {
			return nil
		}
		return timer.C
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case in := <-a.inbox:
			switch in.kind {
			case inputEvent:
				a.handleEvent(ctx, in.event)
			case inputEnergy:
				a.handleEnergy(ctx, in.energy)
			}
			rearm()
			a.snapshot(in.kind == inputEvent)
		case <-timerCh():
			timerActive = false
			a.expire(ctx)
			rearm()
			a.snapshot(false)
		}
	}
}

func (a *Actor) handleEvent(ctx context.Context, ev protocol.UpstreamEvent) {
	now := a.now()
	switch ev.Kind {
	case protocol.EventSessionCreated:
		a.sendSessionUpdate(ctx)
	case protocol.EventSessionUpdated:
		a.logger.Debug("upstream session updated")
	case protocol.EventSessionFailed, protocol.EventSessionExpired:
		reason := ev.Kind.String()
		if ev.Error != nil {
			reason = ev.Error.String()
		}
		a.logger.Warn("upstream session ended", "kind", ev.Kind, "reason", reason)
		a.publishError(reason)
	case protocol.EventError:
		a.logger.Warn("upstream error", "error", ev.Error.String())

	case protocol.EventSpeechStarted:
		if a.machine.SpeechStarted(now) == endpoint.StartNewTurn {
			a.engine.OpenTurn(transcript.RoleHuman, ev.ItemID, now)
		}
	case protocol.EventSpeechStopped:
		a.machine.SpeechStopped(now)
	case protocol.EventAudioCommitted:
		a.machine.AudioCommitted(now)
		a.engine.OpenTurn(transcript.RoleHuman, ev.ItemID, now)

	case protocol.EventHumanTranscriptDelta:
		if a.engine.LateDelta(transcript.RoleHuman, ev.Content(), ev.ItemID) {
			a.logger.Debug("late human delta after final", "item_id", ev.ItemID)
		} else {
			a.machine.TranscriptionDelta(now)
		}
		a.emit(ctx, a.engine.Delta(transcript.RoleHuman, ev.Content(), ev.ItemID, now))
	case protocol.EventHumanTranscriptCompleted:
		text := ev.Content()
		if strings.TrimSpace(text) == "" {
			// Leave the turn to its deadline; a later event may carry text.
			a.emit(ctx, a.engine.Finalize(transcript.RoleHuman, text, ev.ItemID, transcript.SourceText, now))
			return
		}
		if _, ok := a.machine.TranscriptionCompleted(text, now); !ok {
			a.logger.Debug("completion for finalized turn", "item_id", ev.ItemID)
		}
		a.emit(ctx, a.engine.Finalize(transcript.RoleHuman, text, ev.ItemID, transcript.SourceText, now))
	case protocol.EventHumanTranscriptFailed:
		a.machine.TranscriptionFailed(now)
		placeholder := transcript.PlaceholderInaudible
		if ev.Error.RateLimited() {
			placeholder = transcript.PlaceholderRateLimited
		}
		a.emit(ctx, a.engine.Fail(transcript.RoleHuman, placeholder, now))
		if ev.Error != nil {
			a.publishError(ev.Error.String())
		}

	case protocol.EventAgentTextDelta, protocol.EventAgentAudioTranscriptDelta:
		a.emit(ctx, a.engine.Delta(transcript.RoleAgent, ev.Content(), ev.ItemID, now))
	case protocol.EventAgentTextDone:
		a.emit(ctx, a.engine.Finalize(transcript.RoleAgent, ev.Content(), ev.ItemID, transcript.SourceText, now))
	case protocol.EventAgentAudioTranscriptDone:
		a.emit(ctx, a.engine.Finalize(transcript.RoleAgent, ev.Content(), ev.ItemID, transcript.SourceAudio, now))

	default:
		a.count(func(s *Stats) { s.Unknown++ })
		a.logger.Debug("unhandled upstream event", "type", ev.Type)
	}
}

// handleEnergy feeds the adaptive VAD and pushes each retuned threshold to the
// upstream detector.
func (a *Actor) handleEnergy(ctx context.Context, energy float64) {
	update, ok := a.machine.ObserveEnergy(energy, a.now())
	if !ok {
		return
	}
	a.logger.Debug("adaptive vad update",
		"environment", update.Environment,
		"threshold", update.Threshold,
		"silence_ms", update.Silence.Milliseconds(),
	)
	if a.control == nil {
		return
	}
	if err := a.send(ctx, protocol.NewTurnDetectionUpdate(update.Threshold, update.Silence)); err != nil {
		a.logger.Warn("send turn detection update", "error", err)
		return
	}
	a.count(func(s *Stats) { s.VadUpdates++ })
}

func (a *Actor) expire(ctx context.Context) {
	now := a.now()
	fin, ok := a.machine.Expire(now)
	if !ok {
		return
	}
	a.count(func(s *Stats) { s.Expirations++ })
	a.logger.Info("turn force-finalized",
		"turn", fin.Turn,
		"reason", fin.Reason,
		"waited_ms", now.Sub(fin.StartedAt).Milliseconds(),
	)
	a.emit(ctx, a.engine.Finalize(transcript.RoleHuman, "", "", transcript.SourceTimeout, now))
}

func (a *Actor) sendSessionUpdate(ctx context.Context) {
	if a.updateSent {
		return
	}
	if a.control == nil {
		a.logger.Debug("no control channel; session.update skipped")
		a.updateSent = true
		return
	}
	if err := a.send(ctx, protocol.NewSessionUpdate(a.cfg.Voice)); err != nil {
		a.logger.Warn("send session.update", "error", err)
		return
	}
	a.updateSent = true
}

func (a *Actor) send(ctx context.Context, msg protocol.SessionUpdate) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout)
	defer cancel()
	return a.control.Send(sendCtx, raw)
}

func (a *Actor) emit(ctx context.Context, events []transcript.Event) {
	for _, ev := range events {
		submitCtx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout)
		_, err := a.broadcaster.Submit(submitCtx, ev)
		cancel()
		if err != nil {
			a.count(func(s *Stats) { s.EmitErrors++ })
			a.logger.Warn("broadcast transcript", "role", ev.Role, "final", ev.IsFinal, "error", err)
			continue
		}
		a.count(func(s *Stats) { s.Emitted++ })
	}
}

func (a *Actor) publishError(reason string) {
	if err := a.broadcaster.PublishError(a.sessionID, reason); err != nil {
		a.logger.Warn("publish transcript error", "error", err)
	}
}

func (a *Actor) shutdown() {
	pending := a.engine.Flush()
	if len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SubmitTimeout)
	defer cancel()
	a.emit(ctx, pending)
}

func (a *Actor) count(fn func(*Stats)) {
	a.statsMu.Lock()
	fn(&a.stats)
	a.statsMu.Unlock()
}

func (a *Actor) snapshot(handledEvent bool) {
	a.statsMu.Lock()
	if handledEvent {
		a.stats.Events++
	}
	a.stats.Engine = a.engine.Counters()
	a.stats.Environment = a.machine.VAD().Environment()
	a.stats.State = a.machine.State()
	a.statsMu.Unlock()
}

// Pump decodes control-channel messages and submits them to the actor until
// msgs closes or ctx ends.
func Pump(ctx context.Context, msgs <-chan []byte, a *Actor) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-msgs:
			if !ok {
				return nil
			}
			ev, err := protocol.DecodeUpstream(raw)
			if err != nil {
				a.logger.Debug("dropping undecodable upstream message", "error", err)
				continue
			}
			if err := a.Submit(ctx, ev); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, ErrStopped) {
					return nil
				}
				return fmt.Errorf("submit upstream event: %w", err)
			}
		}
	}
}
