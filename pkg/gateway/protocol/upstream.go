package protocol

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// EventKind is the closed set of upstream speech-service events the core acts on.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventSessionCreated
	EventSessionUpdated
	EventSessionFailed
	EventSessionExpired
	EventSpeechStarted
	EventSpeechStopped
	EventAudioCommitted
	EventHumanTranscriptDelta
	EventHumanTranscriptCompleted
	EventHumanTranscriptFailed
	EventAgentTextDelta
	EventAgentTextDone
	EventAgentAudioTranscriptDelta
	EventAgentAudioTranscriptDone
	EventError
)

var eventKindNames = map[EventKind]string{
	EventUnknown:                   "unknown",
	EventSessionCreated:            "session_created",
	EventSessionUpdated:            "session_updated",
	EventSessionFailed:             "session_failed",
	EventSessionExpired:            "session_expired",
	EventSpeechStarted:             "speech_started",
	EventSpeechStopped:             "speech_stopped",
	EventAudioCommitted:            "audio_committed",
	EventHumanTranscriptDelta:      "human_transcript_delta",
	EventHumanTranscriptCompleted:  "human_transcript_completed",
	EventHumanTranscriptFailed:     "human_transcript_failed",
	EventAgentTextDelta:            "agent_text_delta",
	EventAgentTextDone:             "agent_text_done",
	EventAgentAudioTranscriptDelta: "agent_audio_transcript_delta",
	EventAgentAudioTranscriptDone:  "agent_audio_transcript_done",
	EventError:                     "error",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// upstreamNames maps every known wire name, including historical variants, to
// its kind. Naming drift upstream is absorbed here and in upstreamSuffixes.
var upstreamNames = map[string]EventKind{
	"session.created": EventSessionCreated,
	"session.updated": EventSessionUpdated,
	"session.failed":  EventSessionFailed,
	"session.error":   EventSessionFailed,
	"session.expired": EventSessionExpired,

	"input_audio_buffer.speech_started": EventSpeechStarted,
	"input_audio_buffer.speech_stopped": EventSpeechStopped,
	"input_audio_buffer.committed":      EventAudioCommitted,

	"conversation.item.input_audio_transcription.delta":     EventHumanTranscriptDelta,
	"conversation.item.input_audio_transcription.completed": EventHumanTranscriptCompleted,
	"conversation.item.input_audio_transcription.failed":    EventHumanTranscriptFailed,
	"input_audio_transcription.delta":                       EventHumanTranscriptDelta,
	"input_audio_transcription.completed":                   EventHumanTranscriptCompleted,
	"input_audio_transcription.failed":                      EventHumanTranscriptFailed,

	"response.text.delta":        EventAgentTextDelta,
	"response.output_text.delta": EventAgentTextDelta,
	"response.text.done":         EventAgentTextDone,
	"response.output_text.done":  EventAgentTextDone,

	"response.audio_transcript.delta":        EventAgentAudioTranscriptDelta,
	"response.output_audio_transcript.delta": EventAgentAudioTranscriptDelta,
	"response.audio_transcript.done":         EventAgentAudioTranscriptDone,
	"response.output_audio_transcript.done":  EventAgentAudioTranscriptDone,

	"error": EventError,
}

// upstreamSuffixes catches vendor-prefixed or versioned names. Order matters:
// more specific suffixes first.
var upstreamSuffixes = []struct {
	suffix string
	kind   EventKind
}{
	{"input_audio_transcription.delta", EventHumanTranscriptDelta},
	{"input_audio_transcription.completed", EventHumanTranscriptCompleted},
	{"input_audio_transcription.failed", EventHumanTranscriptFailed},
	{"audio_transcript.delta", EventAgentAudioTranscriptDelta},
	{"audio_transcript.done", EventAgentAudioTranscriptDone},
	{"text.delta", EventAgentTextDelta},
	{"text.done", EventAgentTextDone},
	{"speech_started", EventSpeechStarted},
	{"speech_stopped", EventSpeechStopped},
	{"input_audio_buffer.committed", EventAudioCommitted},
	{"session.created", EventSessionCreated},
	{"session.updated", EventSessionUpdated},
	{"session.expired", EventSessionExpired},
	{"session.failed", EventSessionFailed},
}

// KindOf translates an upstream event name.
func KindOf(name string) EventKind {
	name = strings.ToLower(strings.TrimSpace(name))
	if k, ok := upstreamNames[name]; ok {
		return k
	}
	for _, s := range upstreamSuffixes {
		if strings.HasSuffix(name, s.suffix) {
			return s.kind
		}
	}
	return EventUnknown
}

// UpstreamError is the error payload of failure events.
type UpstreamError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// RateLimited reports whether the failure was caused by upstream rate limiting.
func (e *UpstreamError) RateLimited() bool {
	if e == nil {
		return false
	}
	for _, s := range []string{e.Type, e.Code, e.Message} {
		s = strings.ToLower(s)
		if strings.Contains(s, "rate_limit") || strings.Contains(s, "rate limit") {
			return true
		}
	}
	return false
}

func (e *UpstreamError) String() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Message != "" && e.Code != "":
		return e.Code + ": " + e.Message
	case e.Message != "":
		return e.Message
	case e.Code != "":
		return e.Code
	default:
		return e.Type
	}
}

// UpstreamEvent is a decoded control-channel message.
type UpstreamEvent struct {
	Kind       EventKind
	Type       string
	EventID    string
	SessionID  string
	ItemID     string
	ResponseID string
	Delta      string
	Transcript string
	Text       string
	Error      *UpstreamError
}

// Content returns the textual payload carried by the event.
func (e UpstreamEvent) Content() string {
	switch {
	case e.Delta != "":
		return e.Delta
	case e.Transcript != "":
		return e.Transcript
	default:
		return e.Text
	}
}

// DecodeUpstream decodes one control-channel message. Unknown event names
// decode to EventUnknown without error.
func DecodeUpstream(data []byte) (UpstreamEvent, error) {
	var wire struct {
		Type       string         `json:"type"`
		EventID    string         `json:"event_id"`
		ItemID     string         `json:"item_id"`
		ResponseID string         `json:"response_id"`
		Delta      string         `json:"delta"`
		Transcript string         `json:"transcript"`
		Text       string         `json:"text"`
		Error      *UpstreamError `json:"error"`
		Session    *struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return UpstreamEvent{}, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(wire.Type)
	if typ == "" {
		return UpstreamEvent{}, badRequest("missing type", "type")
	}

	ev := UpstreamEvent{
		Kind:       KindOf(typ),
		Type:       typ,
		EventID:    wire.EventID,
		ItemID:     wire.ItemID,
		ResponseID: wire.ResponseID,
		Delta:      wire.Delta,
		Transcript: wire.Transcript,
		Text:       wire.Text,
		Error:      wire.Error,
	}
	if wire.Session != nil {
		ev.SessionID = wire.Session.ID
	}
	if ev.ItemID == "" {
		ev.ItemID = ev.ResponseID
	}
	return ev, nil
}

// SessionUpdate is the control message that configures the upstream session.
type SessionUpdate struct {
	Type    string               `json:"type"`
	Session SessionUpdatePayload `json:"session"`
}

type SessionUpdatePayload struct {
	Modalities    []string       `json:"modalities,omitempty"`
	Voice         string         `json:"voice,omitempty"`
	TurnDetection *TurnDetection `json:"turn_detection,omitempty"`
}

// TurnDetection tunes the upstream server-side voice activity detector.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	SilenceDurationMS int64   `json:"silence_duration_ms"`
}

// NewSessionUpdate returns the session.update message requesting text and
// audio output.
func NewSessionUpdate(voice string) SessionUpdate {
	return SessionUpdate{
		Type: "session.update",
		Session: SessionUpdatePayload{
			Modalities: []string{"text", "audio"},
			Voice:      voice,
		},
	}
}

// NewTurnDetectionUpdate returns a session.update that only retunes voice
// activity detection. The threshold is rounded to two decimals.
func NewTurnDetectionUpdate(threshold float64, silence time.Duration) SessionUpdate {
	return SessionUpdate{
		Type: "session.update",
		Session: SessionUpdatePayload{
			TurnDetection: &TurnDetection{
				Type:              "server_vad",
				Threshold:         math.Round(threshold*100) / 100,
				SilenceDurationMS: silence.Milliseconds(),
			},
		},
	}
}
