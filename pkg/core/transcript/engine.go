package transcript

import (
	"log/slog"
	"strings"
	"time"
)

// Source is the origin of a finalization request.
type Source int

const (
	// SourceText is a textual transcript from the speech engine.
	SourceText Source = iota
	// SourceAudio is a transcript derived from the synthesized audio stream.
	SourceAudio
	// SourceTimeout is a forced close after an endpointing deadline.
	SourceTimeout
)

func (s Source) String() string {
	switch s {
	case SourceText:
		return "text"
	case SourceAudio:
		return "audio"
	case SourceTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Config configures an Engine.
type Config struct {
	SessionID string

	// BargeIn allows agent output to be emitted while the human turn is open.
	BargeIn bool

	// Placeholder is used when a turn is force-closed with no text.
	// Default: PlaceholderInaudible.
	Placeholder string
}

// Counters tracks absorbed conditions.
type Counters struct {
	StaleDeltas           uint64
	RedundantFinalizes    uint64
	SuppressedAudioFinals uint64
	IgnoredEmptyFinals    uint64
	OrderingRegressions   uint64
	BufferedAgentEvents   uint64
}

type channel struct {
	role      Role
	text      string
	open      bool
	finalized bool
	textFinal bool
	forced    bool
	// placeholder marks final text that stands in for a missing transcript.
	placeholder bool
	itemID      string
	startedAt   time.Time
}

type pendingEvent struct {
	seq   uint64
	event Event
}

// Engine reconciles streaming transcription for the human and agent channels
// and enforces causal ordering between them. It is not safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	human channel
	agent channel

	pending []pendingEvent
	seq     uint64

	counters Counters
}

// NewEngine creates an Engine with both channels idle.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.Placeholder) == "" {
		cfg.Placeholder = PlaceholderInaudible
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With("session_id", cfg.SessionID),
		human:  channel{role: RoleHuman},
		agent:  channel{role: RoleAgent},
	}
}

// OpenTurn starts a turn for role. An already open turn is kept.
func (e *Engine) OpenTurn(role Role, itemID string, now time.Time) {
	ch := e.channel(role)
	if ch == nil {
		return
	}
	if ch.open {
		if ch.itemID == "" {
			ch.itemID = itemID
		}
		return
	}
	ch.reset(itemID, now)
}

// Delta merges a partial transcript into role's channel and returns the events
// that may be emitted now.
func (e *Engine) Delta(role Role, text, itemID string, now time.Time) []Event {
	ch := e.channel(role)
	if ch == nil {
		return nil
	}

	var out []Event
	switch {
	case ch.open && itemID != "" && ch.itemID != "" && itemID != ch.itemID:
		// A new item started before the previous one closed.
		if ch.text != "" {
			out = append(out, e.finalize(ch, "", SourceTimeout, now)...)
		}
		ch.reset(itemID, now)
	case !ch.open && ch.finalized && ch.forced && (itemID == "" || itemID == ch.itemID):
		ch.open = true
		ch.finalized = false
		ch.forced = false
		if ch.placeholder {
			ch.text = ""
			ch.placeholder = false
		}
		e.logger.Debug("transcript turn reopened", "role", role, "item_id", ch.itemID)
	case ch.late(itemID, text):
		e.counters.StaleDeltas++
		e.logger.Debug("late delta for finalized turn dropped", "role", role, "item_id", ch.itemID)
		return nil
	case !ch.open:
		ch.reset(itemID, now)
	}
	if ch.itemID == "" {
		ch.itemID = itemID
	}

	merged := Merge(ch.text, text)
	if merged == ch.text {
		e.counters.StaleDeltas++
		return out
	}
	ch.text = merged

	ev := Event{
		SessionID:  e.cfg.SessionID,
		Role:       role,
		Text:       merged,
		StartedAt:  ch.startedAt,
		EmittedAt:  now,
		ItemID:     ch.itemID,
		Provenance: ProvenanceLive,
	}
	return append(out, e.gate(ev)...)
}

// Finalize closes role's turn and returns the events that may be emitted now.
// Finalizing the human channel releases any buffered agent events in arrival
// order. Repeated finalization is absorbed.
func (e *Engine) Finalize(role Role, text, itemID string, source Source, now time.Time) []Event {
	ch := e.channel(role)
	if ch == nil {
		return nil
	}
	if source != SourceTimeout && strings.TrimSpace(text) == "" {
		e.counters.IgnoredEmptyFinals++
		e.logger.Debug("empty final transcript ignored", "role", role, "source", source)
		return nil
	}

	var out []Event
	if itemID != "" && ch.itemID != "" && itemID != ch.itemID {
		if ch.open && ch.text != "" {
			out = append(out, e.finalize(ch, "", SourceTimeout, now)...)
		}
		ch.reset(itemID, now)
	} else if ch.itemID == "" {
		ch.itemID = itemID
	}
	return append(out, e.finalize(ch, text, source, now)...)
}

// Fail closes role's turn with a placeholder after an upstream failure.
func (e *Engine) Fail(role Role, placeholder string, now time.Time) []Event {
	ch := e.channel(role)
	if ch == nil {
		return nil
	}
	if strings.TrimSpace(placeholder) == "" {
		placeholder = e.cfg.Placeholder
	}
	if ch.text != "" {
		return e.finalize(ch, ch.text, SourceTimeout, now)
	}
	return e.finalize(ch, placeholder, SourceTimeout, now)
}

// Flush releases all buffered agent events regardless of the human channel.
func (e *Engine) Flush() []Event {
	return e.drain()
}

// Text returns role's accumulated text.
func (e *Engine) Text(role Role) string {
	if ch := e.channel(role); ch != nil {
		return ch.text
	}
	return ""
}

// LateDelta reports whether a delta belongs to role's turn that a transcript
// already closed. Delta drops such deltas instead of opening a new turn.
func (e *Engine) LateDelta(role Role, text, itemID string) bool {
	if ch := e.channel(role); ch != nil {
		return ch.late(itemID, text)
	}
	return false
}

// IsOpen reports whether role has an open turn.
func (e *Engine) IsOpen(role Role) bool {
	if ch := e.channel(role); ch != nil {
		return ch.open
	}
	return false
}

// Pending returns the number of buffered agent events.
func (e *Engine) Pending() int { return len(e.pending) }

// Counters returns a snapshot of the absorbed-condition counters.
func (e *Engine) Counters() Counters { return e.counters }

func (e *Engine) finalize(ch *channel, text string, source Source, now time.Time) []Event {
	if source == SourceAudio && ch.textFinal {
		e.counters.SuppressedAudioFinals++
		e.logger.Debug("audio final suppressed after textual final", "role", ch.role, "item_id", ch.itemID)
		return nil
	}
	if ch.finalized {
		e.counters.RedundantFinalizes++
		e.logger.Warn("redundant finalize dropped", "role", ch.role, "source", source, "item_id", ch.itemID)
		return nil
	}
	if !ch.open && ch.startedAt.IsZero() {
		ch.reset("", now)
	}

	final := strings.TrimSpace(text)
	if source == SourceTimeout {
		final = strings.TrimSpace(ch.text)
		if final == "" {
			final = strings.TrimSpace(text)
		}
		if final == "" {
			final = e.cfg.Placeholder
		}
	}
	ch.placeholder = source == SourceTimeout && strings.TrimSpace(ch.text) == ""

	ch.text = final
	ch.open = false
	ch.finalized = true
	ch.forced = source == SourceTimeout
	if source == SourceText {
		ch.textFinal = true
	}

	ev := Event{
		SessionID:   e.cfg.SessionID,
		Role:        ch.role,
		Text:        final,
		IsFinal:     true,
		StartedAt:   ch.startedAt,
		FinalizedAt: now,
		EmittedAt:   now,
		ItemID:      ch.itemID,
		Provenance:  ProvenanceLive,
	}
	if ch.role == RoleHuman {
		return append([]Event{ev}, e.drain()...)
	}
	return e.gate(ev)
}

func (e *Engine) gate(ev Event) []Event {
	if ev.Role != RoleAgent || !e.holdAgent() {
		return []Event{ev}
	}
	e.seq++
	e.pending = append(e.pending, pendingEvent{seq: e.seq, event: ev})
	e.counters.BufferedAgentEvents++
	return nil
}

func (e *Engine) holdAgent() bool {
	return !e.cfg.BargeIn && e.human.open && !e.human.textFinal
}

func (e *Engine) drain() []Event {
	if len(e.pending) == 0 {
		return nil
	}
	out := make([]Event, 0, len(e.pending))
	regressed := false
	for i, p := range e.pending {
		if i > 0 && p.event.OrderingTime().Before(e.pending[i-1].event.OrderingTime()) {
			regressed = true
		}
		out = append(out, p.event)
	}
	if regressed {
		e.counters.OrderingRegressions++
		e.logger.Warn("buffered agent events out of timestamp order; draining in arrival order",
			"count", len(e.pending),
			"first_seq", e.pending[0].seq,
		)
	}
	e.pending = e.pending[:0]
	return out
}

func (e *Engine) channel(role Role) *channel {
	switch role {
	case RoleHuman:
		return &e.human
	case RoleAgent:
		return &e.agent
	default:
		return nil
	}
}

func (c *channel) reset(itemID string, now time.Time) {
	c.text = ""
	c.open = true
	c.finalized = false
	c.textFinal = false
	c.forced = false
	c.placeholder = false
	c.itemID = itemID
	c.startedAt = now
}

// late reports whether a delta refers to the turn closed by the last non-forced
// final. Matching item ids decide it; without them the final text must already
// cover the delta.
func (c *channel) late(itemID, text string) bool {
	if c.open || !c.finalized || c.forced {
		return false
	}
	if itemID != "" && c.itemID != "" {
		return itemID == c.itemID
	}
	t := strings.ToLower(strings.TrimSpace(text))
	return t == "" || strings.Contains(strings.ToLower(c.text), t)
}
