package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func TestEngine_FinalizeIsIdempotent(t *testing.T) {
	e := NewEngine(Config{SessionID: "s1"}, nil)
	e.OpenTurn(RoleHuman, "item_1", at(0))
	e.Delta(RoleHuman, "Hello", "item_1", at(100))

	out := e.Finalize(RoleHuman, "Hello world", "item_1", SourceText, at(500))
	require.Len(t, out, 1)
	assert.True(t, out[0].IsFinal)
	assert.Equal(t, "Hello world", out[0].Text)
	assert.Equal(t, at(0), out[0].StartedAt)

	again := e.Finalize(RoleHuman, "Something else", "item_1", SourceText, at(600))
	assert.Empty(t, again)
	assert.Equal(t, "Hello world", e.Text(RoleHuman))
	assert.Equal(t, uint64(1), e.Counters().RedundantFinalizes)
}

func TestEngine_StaleDeltaProducesNoEvent(t *testing.T) {
	e := NewEngine(Config{SessionID: "s1", BargeIn: true}, nil)

	require.Len(t, e.Delta(RoleAgent, "Good morning", "resp_1", at(0)), 1)
	assert.Empty(t, e.Delta(RoleAgent, "morning", "resp_1", at(10)))
	assert.Empty(t, e.Delta(RoleAgent, "Good", "resp_1", at(20)))
	assert.Equal(t, uint64(2), e.Counters().StaleDeltas)

	out := e.Delta(RoleAgent, " doctor", "resp_1", at(30))
	require.Len(t, out, 1)
	assert.Equal(t, "Good morning doctor", out[0].Text)
	assert.False(t, out[0].IsFinal)
}

func TestEngine_AgentBufferedWhileHumanTurnOpen(t *testing.T) {
	e := NewEngine(Config{SessionID: "s1"}, nil)
	e.OpenTurn(RoleHuman, "", at(0))

	assert.Empty(t, e.Delta(RoleAgent, "Sure,", "resp_1", at(100)))
	assert.Empty(t, e.Delta(RoleAgent, "Sure, I can help.", "resp_1", at(200)))
	assert.Empty(t, e.Finalize(RoleAgent, "Sure, I can help.", "resp_1", SourceText, at(300)))
	assert.Equal(t, 3, e.Pending())

	out := e.Finalize(RoleHuman, "Can you help me?", "", SourceText, at(400))
	require.Len(t, out, 4)
	assert.Equal(t, RoleHuman, out[0].Role)
	assert.Equal(t, "Can you help me?", out[0].Text)
	assert.Equal(t, "Sure,", out[1].Text)
	assert.Equal(t, "Sure, I can help.", out[2].Text)
	assert.True(t, out[3].IsFinal)
	assert.Equal(t, RoleAgent, out[3].Role)
	assert.Zero(t, e.Pending())
}

func TestEngine_BargeInDisablesBuffering(t *testing.T) {
	e := NewEngine(Config{SessionID: "s1", BargeIn: true}, nil)
	e.OpenTurn(RoleHuman, "", at(0))

	out := e.Delta(RoleAgent, "Hi", "resp_1", at(100))
	require.Len(t, out, 1)
	assert.Zero(t, e.Pending())
}

func TestEngine_DrainReportsOrderingRegression(t *testing.T) {
	e := NewEngine(Config{SessionID: "s1"}, nil)
	e.OpenTurn(RoleHuman, "", at(0))

	e.OpenTurn(RoleAgent, "resp_2", at(500))
	e.Delta(RoleAgent, "second", "resp_2", at(500))
	e.Finalize(RoleAgent, "second", "resp_2", SourceText, at(600))
	e.OpenTurn(RoleAgent, "resp_1", at(100))
	e.Delta(RoleAgent, "first", "resp_1", at(700))

	out := e.Finalize(RoleHuman, "hello", "", SourceText, at(800))
	require.Len(t, out, 4)
	assert.Equal(t, "second", out[1].Text)
	assert.Equal(t, "first", out[3].Text)
	assert.Equal(t, uint64(1), e.Counters().OrderingRegressions)
}

func TestEngine_AudioFinalSuppressedAfterTextFinal(t *testing.T) {
	e := NewEngine(Config{SessionID: "s1", BargeIn: true}, nil)
	e.Delta(RoleAgent, "Take a deep breath", "resp_1", at(0))
	require.Len(t, e.Finalize(RoleAgent, "Take a deep breath.", "resp_1", SourceText, at(100)), 1)

	assert.Empty(t, e.Finalize(RoleAgent, "take a deep breath", "resp_1", SourceAudio, at(200)))
	assert.Equal(t, uint64(1), e.Counters().SuppressedAudioFinals)
	assert.Equal(t, "Take a deep breath.", e.Text(RoleAgent))
}

func TestEngine_LateAudioAfterTextFinalChangesNothing(t *testing.T) {
	e := NewEngine(Config{SessionID: "s1", BargeIn: true}, nil)
	require.Len(t, e.Delta(RoleAgent, "Take a deep breath", "", at(0)), 1)
	require.Len(t, e.Finalize(RoleAgent, "Take a deep breath", "", SourceText, at(100)), 1)

	assert.True(t, e.LateDelta(RoleAgent, "Take a deep", ""))
	assert.Empty(t, e.Delta(RoleAgent, "Take a deep", "", at(150)))
	assert.False(t, e.IsOpen(RoleAgent))
	assert.Empty(t, e.Finalize(RoleAgent, "take a deep breath", "", SourceAudio, at(200)))

	c := e.Counters()
	assert.Equal(t, uint64(1), c.StaleDeltas)
	assert.Equal(t, uint64(1), c.SuppressedAudioFinals)
	assert.Equal(t, "Take a deep breath", e.Text(RoleAgent))
}

func TestEngine_LateHumanDeltaKeepsTurnClosed(t *testing.T) {
	e := NewEngine(Config{SessionID: "s1"}, nil)
	e.OpenTurn(RoleHuman, "item_1", at(0))
	e.Delta(RoleHuman, "Hello", "item_1", at(100))
	require.Len(t, e.Finalize(RoleHuman, "Hello world", "item_1", SourceText, at(500)), 1)

	assert.Empty(t, e.Delta(RoleHuman, "Hello", "item_1", at(600)))
	assert.False(t, e.IsOpen(RoleHuman))

	out := e.Delta(RoleAgent, "Hi", "resp_1", at(700))
	require.Len(t, out, 1, "agent output flows while the human turn is closed")
	assert.Zero(t, e.Pending())

	assert.Empty(t, e.Finalize(RoleHuman, "", "", SourceTimeout, at(3000)))
	assert.Equal(t, uint64(1), e.Counters().RedundantFinalizes)
}

func TestEngine_NewItemAfterTextFinalOpensTurn(t *testing.T) {
	e := NewEngine(Config{SessionID: "s1", BargeIn: true}, nil)
	e.Delta(RoleAgent, "First", "resp_1", at(0))
	e.Finalize(RoleAgent, "First answer", "resp_1", SourceText, at(100))

	assert.False(t, e.LateDelta(RoleAgent, "Second", "resp_2"))
	out := e.Delta(RoleAgent, "Second", "resp_2", at(200))
	require.Len(t, out, 1)
	assert.Equal(t, "resp_2", out[0].ItemID)
	assert.Equal(t, at(200), out[0].StartedAt)

	// Without item ids, text the final does not cover starts a new turn.
	e2 := NewEngine(Config{SessionID: "s2", BargeIn: true}, nil)
	e2.Finalize(RoleAgent, "Good night", "", SourceText, at(0))
	assert.False(t, e2.LateDelta(RoleAgent, "Good morning", ""))
	require.Len(t, e2.Delta(RoleAgent, "Good morning", "", at(100)), 1)
	assert.True(t, e2.IsOpen(RoleAgent))
}

func TestEngine_EmptyFinalIgnoredThenTimeoutUsesPlaceholder(t *testing.T) {
	e := NewEngine(Config{SessionID: "s1"}, nil)
	e.OpenTurn(RoleHuman, "", at(0))

	assert.Empty(t, e.Finalize(RoleHuman, "   ", "", SourceText, at(100)))
	assert.True(t, e.IsOpen(RoleHuman))
	assert.Equal(t, uint64(1), e.Counters().IgnoredEmptyFinals)

	out := e.Finalize(RoleHuman, "", "", SourceTimeout, at(900))
	require.Len(t, out, 1)
	assert.Equal(t, PlaceholderInaudible, out[0].Text)
}

func TestEngine_TimeoutKeepsAccumulatedTextAndReopens(t *testing.T) {
	e := NewEngine(Config{SessionID: "s1"}, nil)
	e.OpenTurn(RoleHuman, "", at(0))
	e.Delta(RoleHuman, "my chest", "", at(100))

	out := e.Finalize(RoleHuman, "", "", SourceTimeout, at(2600))
	require.Len(t, out, 1)
	assert.Equal(t, "my chest", out[0].Text)

	late := e.Delta(RoleHuman, "my chest hurts", "", at(2700))
	require.Len(t, late, 1)
	assert.Equal(t, at(0), late[0].StartedAt, "late delta continues the same turn")
	assert.True(t, e.IsOpen(RoleHuman))

	final := e.Finalize(RoleHuman, "My chest hurts.", "", SourceText, at(2800))
	require.Len(t, final, 1)
	assert.Equal(t, "My chest hurts.", final[0].Text)
}

func TestEngine_ReopenDropsPlaceholderText(t *testing.T) {
	e := NewEngine(Config{SessionID: "s1"}, nil)
	e.OpenTurn(RoleHuman, "item_1", at(0))

	out := e.Finalize(RoleHuman, "", "", SourceTimeout, at(800))
	require.Len(t, out, 1)
	assert.Equal(t, PlaceholderInaudible, out[0].Text)

	late := e.Delta(RoleHuman, "late words", "item_1", at(900))
	require.Len(t, late, 1)
	assert.Equal(t, "late words", late[0].Text)
}

func TestEngine_FailUsesRateLimitedPlaceholder(t *testing.T) {
	e := NewEngine(Config{SessionID: "s1"}, nil)
	e.OpenTurn(RoleHuman, "", at(0))

	out := e.Fail(RoleHuman, PlaceholderRateLimited, at(300))
	require.Len(t, out, 1)
	assert.Equal(t, PlaceholderRateLimited, out[0].Text)
	assert.True(t, out[0].IsFinal)
}

func TestEngine_NewAgentItemClosesPrevious(t *testing.T) {
	e := NewEngine(Config{SessionID: "s1", BargeIn: true}, nil)
	e.Delta(RoleAgent, "first answer", "resp_1", at(0))

	out := e.Delta(RoleAgent, "second", "resp_2", at(100))
	require.Len(t, out, 2)
	assert.True(t, out[0].IsFinal)
	assert.Equal(t, "first answer", out[0].Text)
	assert.Equal(t, "resp_2", out[1].ItemID)
	assert.False(t, out[1].IsFinal)
}

func TestParseRole(t *testing.T) {
	for raw, want := range map[string]Role{"user": RoleHuman, "Human": RoleHuman, "assistant": RoleAgent, "agent": RoleAgent} {
		got, ok := ParseRole(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got)
	}
	_, ok := ParseRole("system")
	assert.False(t, ok)
}
