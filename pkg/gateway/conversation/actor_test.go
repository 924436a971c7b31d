package conversation

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-dialog/pkg/core/endpoint"
	"github.com/vango-go/vai-dialog/pkg/core/transcript"
	"github.com/vango-go/vai-dialog/pkg/gateway/broadcast"
	"github.com/vango-go/vai-dialog/pkg/gateway/protocol"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []transcript.Event
	errors []string
}

func (f *fakeBroadcaster) Submit(_ context.Context, ev transcript.Event) (broadcast.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return broadcast.Result{Accepted: true}, nil
}

func (f *fakeBroadcaster) PublishError(_ string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, reason)
	return nil
}

func (f *fakeBroadcaster) snapshot() ([]transcript.Event, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transcript.Event(nil), f.events...), append([]string(nil), f.errors...)
}

func (f *fakeBroadcaster) finals() []transcript.Event {
	events, _ := f.snapshot()
	var out []transcript.Event
	for _, ev := range events {
		if ev.IsFinal {
			out = append(out, ev)
		}
	}
	return out
}

type fakeControl struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeControl) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeControl) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeControl) messages(t *testing.T) []protocol.SessionUpdate {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.SessionUpdate, 0, len(f.sent))
	for _, raw := range f.sent {
		var msg protocol.SessionUpdate
		require.NoError(t, json.Unmarshal(raw, &msg))
		out = append(out, msg)
	}
	return out
}

func startActor(t *testing.T, cfg Config) (*Actor, *fakeBroadcaster, *fakeControl) {
	t.Helper()
	return startActorWith(t, cfg, nil)
}

func startActorWith(t *testing.T, cfg Config, now func() time.Time) (*Actor, *fakeBroadcaster, *fakeControl) {
	t.Helper()
	b := &fakeBroadcaster{}
	c := &fakeControl{}
	a, err := New(Dependencies{SessionID: "sess_1", Broadcaster: b, Control: c, Config: cfg, Now: now})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("actor did not stop")
		}
	})
	return a, b, c
}

func submit(t *testing.T, a *Actor, raw string) {
	t.Helper()
	ev, err := protocol.DecodeUpstream([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, a.Submit(context.Background(), ev))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestActor_SessionUpdateSentOnce(t *testing.T) {
	a, _, c := startActor(t, Config{})

	submit(t, a, `{"type":"session.created","session":{"id":"up_1"}}`)
	submit(t, a, `{"type":"session.created","session":{"id":"up_1"}}`)
	waitFor(t, func() bool { return a.Stats().Events == 2 })

	require.Equal(t, 1, c.count())
	var msg map[string]any
	require.NoError(t, json.Unmarshal(c.sent[0], &msg))
	assert.Equal(t, "session.update", msg["type"])
	assert.Equal(t, []any{"text", "audio"}, msg["session"].(map[string]any)["modalities"])
}

func TestActor_AgentOutputWaitsForHumanFinal(t *testing.T) {
	a, b, _ := startActor(t, Config{})

	submit(t, a, `{"type":"input_audio_buffer.speech_started","item_id":"h1"}`)
	submit(t, a, `{"type":"conversation.item.input_audio_transcription.delta","item_id":"h1","delta":"what is"}`)
	submit(t, a, `{"type":"response.output_text.delta","response_id":"r1","delta":"Sure"}`)
	submit(t, a, `{"type":"response.output_text.done","response_id":"r1","text":"Sure thing"}`)
	waitFor(t, func() bool { return a.Stats().Events == 4 })

	events, _ := b.snapshot()
	for _, ev := range events {
		assert.Equal(t, transcript.RoleHuman, ev.Role, "agent output leaked before the human turn closed")
	}
	assert.Equal(t, uint64(2), a.Stats().Engine.BufferedAgentEvents)

	submit(t, a, `{"type":"conversation.item.input_audio_transcription.completed","item_id":"h1","transcript":"what is the weather"}`)
	waitFor(t, func() bool { return len(b.finals()) == 2 })

	finals := b.finals()
	assert.Equal(t, transcript.RoleHuman, finals[0].Role)
	assert.Equal(t, "what is the weather", finals[0].Text)
	assert.Equal(t, transcript.RoleAgent, finals[1].Role)
	assert.Equal(t, "Sure thing", finals[1].Text)
}

func TestActor_BargeInEmitsAgentImmediately(t *testing.T) {
	a, b, _ := startActor(t, Config{BargeIn: true})

	submit(t, a, `{"type":"input_audio_buffer.speech_started"}`)
	submit(t, a, `{"type":"response.text.delta","response_id":"r1","delta":"Hello"}`)
	waitFor(t, func() bool {
		events, _ := b.snapshot()
		return len(events) == 1
	})
	events, _ := b.snapshot()
	assert.Equal(t, transcript.RoleAgent, events[0].Role)
}

func TestActor_FallbackFinalizesCommittedTurn(t *testing.T) {
	cfg := Config{Endpoint: endpoint.Config{FallbackTimeout: 300 * time.Millisecond}}
	a, b, _ := startActor(t, cfg)

	start := time.Now()
	submit(t, a, `{"type":"input_audio_buffer.speech_started","item_id":"h1"}`)
	submit(t, a, `{"type":"input_audio_buffer.speech_stopped","item_id":"h1"}`)
	submit(t, a, `{"type":"input_audio_buffer.committed","item_id":"h1"}`)

	waitFor(t, func() bool { return len(b.finals()) == 1 })
	elapsed := time.Since(start)

	final := b.finals()[0]
	assert.Equal(t, transcript.PlaceholderInaudible, final.Text)
	assert.Equal(t, transcript.RoleHuman, final.Role)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, uint64(1), a.Stats().Expirations)
}

func TestActor_LateDeltaReopensForcedTurn(t *testing.T) {
	cfg := Config{Endpoint: endpoint.Config{FallbackTimeout: 300 * time.Millisecond}}
	a, b, _ := startActor(t, cfg)

	submit(t, a, `{"type":"input_audio_buffer.committed","item_id":"h1"}`)
	waitFor(t, func() bool { return len(b.finals()) == 1 })

	submit(t, a, `{"type":"conversation.item.input_audio_transcription.delta","item_id":"h1","delta":"late words"}`)
	submit(t, a, `{"type":"conversation.item.input_audio_transcription.completed","item_id":"h1","transcript":"late words arrived"}`)
	waitFor(t, func() bool { return len(b.finals()) == 2 })
	assert.Equal(t, "late words arrived", b.finals()[1].Text)
}

func TestActor_LateHumanDeltaAfterTextFinalIsDropped(t *testing.T) {
	a, b, _ := startActor(t, Config{})

	submit(t, a, `{"type":"input_audio_buffer.speech_started","item_id":"h1"}`)
	submit(t, a, `{"type":"conversation.item.input_audio_transcription.delta","item_id":"h1","delta":"Hello"}`)
	submit(t, a, `{"type":"conversation.item.input_audio_transcription.completed","item_id":"h1","transcript":"Hello world"}`)
	submit(t, a, `{"type":"conversation.item.input_audio_transcription.delta","item_id":"h1","delta":"Hello"}`)
	submit(t, a, `{"type":"response.output_text.delta","response_id":"r1","delta":"Hi there"}`)

	waitFor(t, func() bool {
		events, _ := b.snapshot()
		return len(events) == 3
	})
	events, _ := b.snapshot()
	assert.Equal(t, transcript.RoleAgent, events[2].Role, "agent output is not held behind a closed turn")
	require.Len(t, b.finals(), 1)
	assert.Equal(t, "Hello world", b.finals()[0].Text)

	stats := a.Stats()
	assert.Equal(t, endpoint.StateFinalized, stats.State)
	assert.Equal(t, uint64(1), stats.Engine.StaleDeltas)
}

func TestActor_ResumedSpeechAfterCommitStillFinalizes(t *testing.T) {
	cfg := Config{Endpoint: endpoint.Config{
		FallbackTimeout: 300 * time.Millisecond,
		ExtendedTimeout: 800 * time.Millisecond,
	}}
	a, b, _ := startActor(t, cfg)

	submit(t, a, `{"type":"input_audio_buffer.speech_started","item_id":"h1"}`)
	submit(t, a, `{"type":"input_audio_buffer.committed","item_id":"h1"}`)
	submit(t, a, `{"type":"input_audio_buffer.speech_started","item_id":"h1"}`)

	waitFor(t, func() bool { return len(b.finals()) == 1 })
	assert.Equal(t, transcript.PlaceholderInaudible, b.finals()[0].Text)
	assert.Equal(t, uint64(1), a.Stats().Expirations)
}

func TestActor_AdaptiveVadRetunesUpstream(t *testing.T) {
	var ticks atomic.Int64
	clock := func() time.Time {
		return time.Unix(0, 0).Add(time.Duration(ticks.Add(1)) * 20 * time.Millisecond)
	}
	a, _, c := startActorWith(t, Config{}, clock)

	ctx := context.Background()
	for i := 0; i <= 1500; i++ {
		energy := 0.01 + 0.11*float64(min(i, 1000))/1000
		require.NoError(t, a.ObserveEnergy(ctx, energy))
	}

	waitFor(t, func() bool { return a.Stats().VadUpdates > 0 })
	msgs := c.messages(t)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "session.update", last.Type)
	require.NotNil(t, last.Session.TurnDetection)
	assert.Equal(t, "server_vad", last.Session.TurnDetection.Type)
	assert.Greater(t, last.Session.TurnDetection.Threshold, 0.5)
	assert.Greater(t, last.Session.TurnDetection.SilenceDurationMS, int64(1000))
	assert.Empty(t, last.Session.Modalities)
}

func TestActor_RateLimitedFailureUsesPlaceholder(t *testing.T) {
	a, b, _ := startActor(t, Config{})

	submit(t, a, `{"type":"input_audio_buffer.speech_started","item_id":"h1"}`)
	submit(t, a, `{"type":"conversation.item.input_audio_transcription.failed","item_id":"h1","error":{"code":"rate_limit_exceeded","message":"too many requests"}}`)
	waitFor(t, func() bool { return len(b.finals()) == 1 })

	assert.Equal(t, transcript.PlaceholderRateLimited, b.finals()[0].Text)
	_, errs := b.snapshot()
	assert.Equal(t, []string{"rate_limit_exceeded: too many requests"}, errs)
}

func TestActor_SessionExpiryPublishesError(t *testing.T) {
	a, b, _ := startActor(t, Config{})

	submit(t, a, `{"type":"session.expired"}`)
	waitFor(t, func() bool {
		_, errs := b.snapshot()
		return len(errs) == 1
	})
	_, errs := b.snapshot()
	assert.Equal(t, "session_expired", errs[0])
}

func TestActor_EmptyCompletionIgnored(t *testing.T) {
	a, b, _ := startActor(t, Config{})

	submit(t, a, `{"type":"input_audio_buffer.speech_started","item_id":"h1"}`)
	submit(t, a, `{"type":"conversation.item.input_audio_transcription.completed","item_id":"h1","transcript":"  "}`)
	waitFor(t, func() bool { return a.Stats().Events == 2 })

	assert.Empty(t, b.finals())
	assert.Equal(t, uint64(1), a.Stats().Engine.IgnoredEmptyFinals)
	assert.Equal(t, endpoint.StateTurnOpen, a.Stats().State)
}

func TestActor_UnknownEventsCounted(t *testing.T) {
	a, _, _ := startActor(t, Config{})
	submit(t, a, `{"type":"rate_limits.updated"}`)
	waitFor(t, func() bool { return a.Stats().Unknown == 1 })
}

func TestPump_DecodesAndSkipsGarbage(t *testing.T) {
	a, b, _ := startActor(t, Config{BargeIn: true})

	msgs := make(chan []byte, 4)
	msgs <- []byte(`not json`)
	msgs <- []byte(`{"type":"response.audio_transcript.done","response_id":"r1","transcript":"Bye now"}`)
	close(msgs)

	require.NoError(t, Pump(context.Background(), msgs, a))
	waitFor(t, func() bool { return len(b.finals()) == 1 })
	assert.Equal(t, "Bye now", b.finals()[0].Text)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Dependencies{Broadcaster: &fakeBroadcaster{}})
	require.ErrorIs(t, err, ErrMissingSessionID)
	_, err = New(Dependencies{SessionID: "s"})
	require.ErrorIs(t, err, ErrNoBroadcaster)
}
