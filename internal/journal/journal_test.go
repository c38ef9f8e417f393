package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendCreatesLogAndMeta(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, true)

	require.NoError(t, j.Append("s1", "session_opened", map[string]any{"source": "api"}))

	events, err := j.ReadEvents("s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "session_opened", events[0].Type)
}

// Testable Property 3: a fresh session has zero events; after exactly k
// turn_completed appends, meta reports turns == k.
func TestMetaTurnsCountsTurnCompletedEvents(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, true)

	sessions, err := j.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	for i := 0; i < 3; i++ {
		require.NoError(t, j.Append("s2", "turn_completed", map[string]any{
			"userText":      "hi",
			"assistantText": "hello",
		}))
	}

	require.NoError(t, j.Append("s2", "input_text", map[string]any{}))

	sessions, err = j.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 3, sessions[0].Turns)
}

func TestMetaErrorsCountsEventTypesContainingError(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, true)

	require.NoError(t, j.Append("s3", "upstream_error", map[string]any{"code": 500}))
	require.NoError(t, j.Append("s3", "session_opened", map[string]any{}))

	sessions, err := j.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].Errors)
}

func TestReadEventsReturnsEmptyForMissingFile(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, true)

	events, err := j.ReadEvents("nonexistent")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReadEventsSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, true)

	require.NoError(t, j.Append("s4", "session_opened", map[string]any{}))

	path := filepath.Join(dir, "s4.jsonl")
	appendRawLine(t, path, "not json\n")
	appendRawLine(t, path, "\n")

	require.NoError(t, j.Append("s4", "session_closed", map[string]any{}))

	events, err := j.ReadEvents("s4")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "session_opened", events[0].Type)
	assert.Equal(t, "session_closed", events[1].Type)
}

// Testable Property 4: derived history never contains empty-string entries.
func TestDerivedHistorySkipsEmptyEntries(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, true)

	require.NoError(t, j.Append("s5", "turn_completed", map[string]any{
		"userText":      "",
		"assistantText": "only assistant spoke",
	}))
	require.NoError(t, j.Append("s5", "turn_completed", map[string]any{
		"userText":      "only user spoke",
		"assistantText": "",
	}))

	history, err := j.DerivedHistory("s5", 12)
	require.NoError(t, err)
	require.Len(t, history, 2)

	for _, m := range history {
		assert.NotEmpty(t, m.Text)
	}
}

func TestDerivedHistoryLimitsToLastN(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, true)

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Append("s6", "turn_completed", map[string]any{
			"userText":      "u",
			"assistantText": "a",
		}))
	}

	history, err := j.DerivedHistory("s6", 2)
	require.NoError(t, err)
	assert.Len(t, history, 4) // 2 turns * (user + assistant)
}

func TestSaveHistoryDisabledShortCircuitsEverything(t *testing.T) {
	dir := t.TempDir()
	j := New(dir, false)

	require.NoError(t, j.Append("s7", "session_opened", map[string]any{}))

	events, err := j.ReadEvents("s7")
	require.NoError(t, err)
	assert.Empty(t, events)

	sessions, err := j.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func appendRawLine(t *testing.T, path, line string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString(line)
	require.NoError(t, err)
}
