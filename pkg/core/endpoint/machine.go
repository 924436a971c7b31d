package endpoint

import (
	"strings"
	"time"
)

// State is the endpointing state of the human channel.
type State int

const (
	// StateIdle means no turn has been opened yet.
	StateIdle State = iota
	// StateTurnOpen means the human is speaking or transcription is streaming.
	StateTurnOpen
	// StateSpeechStopped means audio was captured but not yet committed.
	StateSpeechStopped
	// StateCommitPending means audio was committed and transcription is awaited.
	StateCommitPending
	// StateFinalized means the turn's text is complete.
	StateFinalized
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTurnOpen:
		return "TURN_OPEN"
	case StateSpeechStopped:
		return "SPEECH_STOPPED"
	case StateCommitPending:
		return "COMMIT_PENDING"
	case StateFinalized:
		return "FINALIZED"
	default:
		return "UNKNOWN"
	}
}

// StartResult tells the caller whether speech opened a new turn.
type StartResult int

const (
	// StartNewTurn means a new turn was opened.
	StartNewTurn StartResult = iota
	// ContinueActiveTurn means speech resumed inside the open turn.
	ContinueActiveTurn
)

func (r StartResult) String() string {
	if r == ContinueActiveTurn {
		return "continue-active-turn"
	}
	return "start-new-turn"
}

// TimerPurpose identifies which deadline is armed.
type TimerPurpose int

const (
	TimerNone TimerPurpose = iota
	TimerFallback
	TimerExtended
)

func (p TimerPurpose) String() string {
	switch p {
	case TimerFallback:
		return "fallback"
	case TimerExtended:
		return "extended"
	default:
		return "none"
	}
}

// FinalizeReason records what closed a turn.
type FinalizeReason int

const (
	ReasonCompleted FinalizeReason = iota
	ReasonFailed
	ReasonFallbackTimeout
	ReasonExtendedTimeout
)

func (r FinalizeReason) String() string {
	switch r {
	case ReasonCompleted:
		return "completed"
	case ReasonFailed:
		return "failed"
	case ReasonFallbackTimeout:
		return "fallback_timeout"
	case ReasonExtendedTimeout:
		return "extended_timeout"
	default:
		return "unknown"
	}
}

// Finalization describes a closed turn.
type Finalization struct {
	Turn        uint64
	Reason      FinalizeReason
	Forced      bool
	StartedAt   time.Time
	FinalizedAt time.Time
}

// DeltaResult describes how a transcription delta affected the turn.
type DeltaResult struct {
	Turn     uint64
	Opened   bool
	Reopened bool
}

// Machine is the per-conversation endpointing state machine.
type Machine struct {
	cfg Config
	vad *AdaptiveVAD

	state     State
	turn      uint64
	turnStart time.Time
	deltaSeen bool
	// forced is set when the last finalization came from a deadline.
	forced bool

	timer    TimerPurpose
	deadline time.Time
}

// NewMachine creates a Machine in StateIdle.
func NewMachine(cfg Config) *Machine {
	cfg = cfg.withDefaults()
	return &Machine{
		cfg: cfg,
		vad: NewAdaptiveVAD(cfg.VAD),
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Turn returns the sequence number of the current or last turn.
func (m *Machine) Turn() uint64 { return m.turn }

// TurnStart returns when the current turn was opened.
func (m *Machine) TurnStart() time.Time { return m.turnStart }

// VAD returns the adaptive voice-activity tracker owned by the machine.
func (m *Machine) VAD() *AdaptiveVAD { return m.vad }

// Deadline returns the armed deadline, if any.
func (m *Machine) Deadline() (time.Time, TimerPurpose, bool) {
	if m.timer == TimerNone {
		return time.Time{}, TimerNone, false
	}
	return m.deadline, m.timer, true
}

// SpeechStarted handles the start of voice activity. Resumed speech inside an
// open turn replaces a pending deadline with the extended one, so the turn
// still closes if upstream goes quiet.
func (m *Machine) SpeechStarted(now time.Time) StartResult {
	if m.turnOpen() {
		if m.timer != TimerNone {
			m.armTimer(TimerExtended, now.Add(m.vad.ExtendedTimeout(m.cfg.ExtendedTimeout)))
		}
		m.state = StateTurnOpen
		return ContinueActiveTurn
	}
	m.openTurn(now)
	return StartNewTurn
}

// SpeechStopped handles the end of voice activity.
func (m *Machine) SpeechStopped(now time.Time) {
	if !m.turnOpen() {
		m.openTurn(now)
	}
	m.state = StateSpeechStopped
	m.vad.RecordUtterance(now.Sub(m.turnStart))
}

// AudioCommitted arms the fallback deadline. If no transcription arrives before
// it passes, Expire force-finalizes the turn.
func (m *Machine) AudioCommitted(now time.Time) {
	if !m.turnOpen() {
		m.openTurn(now)
	}
	m.state = StateCommitPending
	m.armTimer(TimerFallback, now.Add(m.vad.FallbackTimeout(m.cfg.FallbackTimeout)))
}

// TranscriptionDelta handles streaming transcription for the turn. A delta after
// a forced finalization reopens the turn so late text is kept. After a
// completed or failed turn it opens the next one; callers drop deltas that
// belong to the closed turn before they get here.
func (m *Machine) TranscriptionDelta(now time.Time) DeltaResult {
	var res DeltaResult
	switch m.state {
	case StateIdle:
		m.openTurn(now)
		res.Opened = true
	case StateFinalized:
		if !m.forced {
			m.openTurn(now)
			res.Opened = true
			break
		}
		m.forced = false
		m.state = StateTurnOpen
		res.Reopened = true
	default:
		if m.state != StateCommitPending {
			m.state = StateTurnOpen
		}
	}
	m.deltaSeen = true
	m.armTimer(TimerExtended, now.Add(m.vad.ExtendedTimeout(m.cfg.ExtendedTimeout)))
	res.Turn = m.turn
	return res
}

// TranscriptionCompleted finalizes the turn. It reports false when the turn was
// already finalized.
func (m *Machine) TranscriptionCompleted(text string, now time.Time) (Finalization, bool) {
	fin, ok := m.finalize(ReasonCompleted, false, now)
	if ok {
		m.vad.AnnotateWords(len(strings.Fields(text)))
	}
	return fin, ok
}

// TranscriptionFailed finalizes the turn after an upstream failure.
func (m *Machine) TranscriptionFailed(now time.Time) (Finalization, bool) {
	return m.finalize(ReasonFailed, false, now)
}

// Expire force-finalizes the turn when the armed deadline has passed.
func (m *Machine) Expire(now time.Time) (Finalization, bool) {
	if m.timer == TimerNone || now.Before(m.deadline) {
		return Finalization{}, false
	}
	reason := ReasonFallbackTimeout
	if m.timer == TimerExtended {
		reason = ReasonExtendedTimeout
	}
	return m.finalize(reason, true, now)
}

// ObserveEnergy feeds an audio energy sample to the adaptive VAD.
func (m *Machine) ObserveEnergy(energy float64, now time.Time) (VadUpdate, bool) {
	speaking := m.state == StateTurnOpen
	return m.vad.Observe(energy, speaking, now)
}

// Reset clears the turn and the adaptive state.
func (m *Machine) Reset() {
	m.clearTimer()
	m.state = StateIdle
	m.turnStart = time.Time{}
	m.deltaSeen = false
	m.forced = false
	m.vad.Reset()
}

func (m *Machine) turnOpen() bool {
	switch m.state {
	case StateTurnOpen, StateSpeechStopped, StateCommitPending:
		return true
	default:
		return false
	}
}

func (m *Machine) openTurn(now time.Time) {
	m.clearTimer()
	m.turn++
	m.turnStart = now
	m.deltaSeen = false
	m.forced = false
	m.state = StateTurnOpen
}

func (m *Machine) finalize(reason FinalizeReason, forced bool, now time.Time) (Finalization, bool) {
	if m.state == StateFinalized {
		return Finalization{}, false
	}
	if m.state == StateIdle {
		m.openTurn(now)
	}
	m.clearTimer()
	m.state = StateFinalized
	m.forced = forced
	return Finalization{
		Turn:        m.turn,
		Reason:      reason,
		Forced:      forced,
		StartedAt:   m.turnStart,
		FinalizedAt: now,
	}, true
}

func (m *Machine) armTimer(purpose TimerPurpose, deadline time.Time) {
	m.clearTimer()
	m.timer = purpose
	m.deadline = deadline
}

func (m *Machine) clearTimer() {
	m.timer = TimerNone
	m.deadline = time.Time{}
}
