package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-dialog/pkg/core/transcript"
)

// Timestamp accepts RFC3339 strings or epoch milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := parseTimestamp(s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	var ms json.Number
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	parsed, err := parseTimestamp(ms.String())
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		whole := int64(ms)
		frac := int64((ms - float64(whole)) * float64(time.Millisecond))
		return time.UnixMilli(whole).Add(time.Duration(frac)).UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, badRequest("timestamp must be RFC3339 or epoch milliseconds", s)
	}
	return parsed.UTC(), nil
}

// RelayTranscript is the relay ingress body.
type RelayTranscript struct {
	SessionID   string    `json:"sessionId"`
	Role        string    `json:"role"`
	Text        string    `json:"text"`
	IsFinal     bool      `json:"isFinal"`
	Timestamp   Timestamp `json:"timestamp"`
	StartedAt   Timestamp `json:"startedAt"`
	FinalizedAt Timestamp `json:"finalizedAt"`
	EmittedAt   Timestamp `json:"emittedAt"`
	ItemID      string    `json:"itemId"`
	MediaRef    string    `json:"mediaRef"`
}

// Event validates r and converts it to a transcript event. The generic
// timestamp fills StartedAt and EmittedAt when those are absent.
func (r RelayTranscript) Event() (transcript.Event, error) {
	sessionID := strings.TrimSpace(r.SessionID)
	if sessionID == "" {
		return transcript.Event{}, badRequest("sessionId is required", "sessionId")
	}
	role, ok := transcript.ParseRole(r.Role)
	if !ok {
		return transcript.Event{}, badRequest("role must be human or agent", "role")
	}

	ev := transcript.Event{
		SessionID:   sessionID,
		Role:        role,
		Text:        r.Text,
		IsFinal:     r.IsFinal,
		StartedAt:   r.StartedAt.Time,
		FinalizedAt: r.FinalizedAt.Time,
		EmittedAt:   r.EmittedAt.Time,
		ItemID:      strings.TrimSpace(r.ItemID),
		MediaRef:    strings.TrimSpace(r.MediaRef),
	}
	if ev.StartedAt.IsZero() {
		ev.StartedAt = r.Timestamp.Time
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = r.Timestamp.Time
	}
	if ev.IsFinal && ev.FinalizedAt.IsZero() {
		ev.FinalizedAt = r.Timestamp.Time
	}
	return ev, nil
}

// DecodeRelayTranscript decodes one relay ingress body.
func DecodeRelayTranscript(data []byte) (transcript.Event, error) {
	var r RelayTranscript
	if err := json.Unmarshal(data, &r); err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return transcript.Event{}, de
		}
		return transcript.Event{}, badRequest("invalid request body", "")
	}
	return r.Event()
}

// RelayCatchup is the batch replay body. SessionID applies to events that
// omit their own.
type RelayCatchup struct {
	SessionID string            `json:"sessionId"`
	Events    []RelayTranscript `json:"events"`
}

// DecodeRelayCatchup decodes a batch replay body.
func DecodeRelayCatchup(data []byte) ([]transcript.Event, error) {
	var batch RelayCatchup
	if err := json.Unmarshal(data, &batch); err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, badRequest("invalid request body", "")
	}
	if len(batch.Events) == 0 {
		return nil, badRequest("events must not be empty", "events")
	}
	out := make([]transcript.Event, 0, len(batch.Events))
	for i, r := range batch.Events {
		if strings.TrimSpace(r.SessionID) == "" {
			r.SessionID = batch.SessionID
		}
		ev, err := r.Event()
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				de.Param = "events[" + strconv.Itoa(i) + "]." + de.Param
			}
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
