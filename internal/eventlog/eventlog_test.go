package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendThenReadTailRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.jsonl")
	require.NoError(t, Append(path, map[string]any{"seq": 1}))
	require.NoError(t, Append(path, map[string]any{"seq": 2}))
	require.NoError(t, Append(path, map[string]any{"seq": 3}))

	got, err := ReadTail(path, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Contains(t, string(got[0]), `"seq":2`)
	assert.Contains(t, string(got[1]), `"seq":3`)
}

func TestReadTailToleratesTruncatedTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.jsonl")
	require.NoError(t, Append(path, map[string]any{"seq": 1}))
	require.NoError(t, Append(path, map[string]any{"seq": 2}))
	require.NoError(t, Append(path, map[string]any{"seq": 3}))

	// Simulate a writer killed mid-write: a partial JSON object with no
	// closing brace or trailing newline.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq": 4, "message": "cut off mid-wr`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := ReadTail(path, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Contains(t, string(got[0]), `"seq":1`)
	assert.Contains(t, string(got[1]), `"seq":2`)
	assert.Contains(t, string(got[2]), `"seq":3`)
}

func TestReadTailOnMissingFileReturnsEmptyNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.jsonl")
	got, err := ReadTail(path, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAppendRawAddsMissingTrailingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.jsonl")
	require.NoError(t, AppendRaw(path, []byte(`{"type":"progress"}`)))
	require.NoError(t, AppendRaw(path, []byte(`{"type":"result"}`+"\n")))

	got, err := ReadTail(path, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Contains(t, string(got[0]), "progress")
	assert.Contains(t, string(got[1]), "result")
}

func TestCreateMakesAnEmptyFileReadableByReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "findings.jsonl")
	require.NoError(t, Create(path))

	got, err := ReadTail(path, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}
