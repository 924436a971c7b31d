package protocol

import (
	"time"

	"github.com/vango-go/vai-dialog/pkg/core/transcript"
)

// ServerTranscript is a transcript frame sent to subscribers.
type ServerTranscript struct {
	Type        string     `json:"type"`
	Seq         uint64     `json:"seq,omitempty"`
	SessionID   string     `json:"sessionId"`
	Role        string     `json:"role"`
	Text        string     `json:"text"`
	IsFinal     bool       `json:"isFinal"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinalizedAt *time.Time `json:"finalizedAt,omitempty"`
	EmittedAt   *time.Time `json:"emittedAt,omitempty"`
	ItemID      string     `json:"itemId,omitempty"`
	MediaRef    string     `json:"mediaRef,omitempty"`
	Provenance  string     `json:"provenance,omitempty"`
}

// ServerTranscriptError reports an upstream transcription failure.
type ServerTranscriptError struct {
	Type      string    `json:"type"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerCatchup is the first frame a subscriber receives.
type ServerCatchup struct {
	Type       string             `json:"type"`
	SessionID  string             `json:"sessionId"`
	Provenance string             `json:"provenance"`
	Entries    []ServerTranscript `json:"entries"`
	LastSeq    uint64             `json:"lastSeq"`
}

// ServerWarning tells subscribers about server-side conditions such as drain.
type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewTranscriptFrame(seq uint64, ev transcript.Event) ServerTranscript {
	return ServerTranscript{
		Type:        "transcript",
		Seq:         seq,
		SessionID:   ev.SessionID,
		Role:        string(ev.Role),
		Text:        ev.Text,
		IsFinal:     ev.IsFinal,
		StartedAt:   timePtr(ev.StartedAt),
		FinalizedAt: timePtr(ev.FinalizedAt),
		EmittedAt:   timePtr(ev.EmittedAt),
		ItemID:      ev.ItemID,
		MediaRef:    ev.MediaRef,
		Provenance:  string(ev.Provenance),
	}
}

func NewTranscriptErrorFrame(reason string, at time.Time) ServerTranscriptError {
	return ServerTranscriptError{Type: "transcript-error", Error: reason, Timestamp: at.UTC()}
}

func NewWarningFrame(code, message string) ServerWarning {
	return ServerWarning{Type: "warning", Code: code, Message: message}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
