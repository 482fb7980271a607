package supervisor

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmartTeePassesShortLinesUnchanged(t *testing.T) {
	line := []byte(`{"type":"text","message":"hello"}`)
	out := SmartTee(line)
	assert.Equal(t, string(line), string(out))
}

func TestSmartTeeTruncatesLargeJSONField(t *testing.T) {
	big := strings.Repeat("line of tool output\n", 200) // > 2 KiB, > 40 lines
	obj := map[string]any{"type": "tool_result", "result": big}
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	require.Greater(t, len(raw), smartTeeLineCap)

	out := SmartTee(raw)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(out, &parsed))
	assert.Equal(t, true, parsed["truncated"])
	assert.Contains(t, parsed["result"].(string), truncationMarkerPrefix)
	assert.LessOrEqual(t, len(out), smartTeeLineCap)
}

func TestSmartTeeEnforcesCapEvenWithManySmallFields(t *testing.T) {
	// Each field stays under largeFieldThreshold on its own, so
	// truncateFields never touches them, but together they still blow
	// past the line cap.
	obj := map[string]any{"type": "tool_result"}
	for i := 0; i < 10; i++ {
		obj[fmt.Sprintf("field_%d", i)] = strings.Repeat("x", largeFieldThreshold-1)
	}
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	require.Greater(t, len(raw), smartTeeLineCap)

	out := SmartTee(raw)
	assert.LessOrEqual(t, len(out), smartTeeLineCap+200)
}

func TestSmartTeeNeverTruncatesErrorType(t *testing.T) {
	big := strings.Repeat("x", smartTeeLineCap*2)
	obj := map[string]any{"type": "error", "message": big}
	raw, err := json.Marshal(obj)
	require.NoError(t, err)

	out := SmartTee(raw)
	assert.Equal(t, string(raw), string(out))
}

func TestSmartTeeNeverTruncatesSystemInit(t *testing.T) {
	big := strings.Repeat("x", smartTeeLineCap*2)
	obj := map[string]any{"type": "system", "subtype": "init", "message": big}
	raw, err := json.Marshal(obj)
	require.NoError(t, err)

	out := SmartTee(raw)
	assert.Equal(t, string(raw), string(out))
}

func TestSmartTeeIsIdempotentOnAlreadyTruncated(t *testing.T) {
	big := strings.Repeat("line\n", 200)
	obj := map[string]any{"type": "tool_result", "result": big}
	raw, _ := json.Marshal(obj)
	once := SmartTee(raw)
	twice := SmartTee(once)
	assert.Equal(t, string(once), string(twice))
}

func TestSmartTeeFallsBackToLineTruncationOnInvalidJSON(t *testing.T) {
	big := strings.Repeat("not json at all, ", 1000)
	out := SmartTee([]byte(big))
	assert.LessOrEqual(t, len(out), smartTeeLineCap+200)
	assert.Contains(t, string(out), truncationMarkerPrefix)
}

func TestSmartTeeCollapsesBase64Runs(t *testing.T) {
	b64 := strings.Repeat("QUJDREVGR0hJSktMTU5PUFFSU1RVVldYWVowMTIzNDU2Nzg5", 5)
	big := strings.Repeat("line\n", 50) + b64 + strings.Repeat("\nmore\n", 50)
	obj := map[string]any{"type": "tool_result", "result": big}
	raw, _ := json.Marshal(obj)

	out := SmartTee(raw)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(out, &parsed))
	assert.Contains(t, parsed["result"].(string), base64MarkerPrefix)
}

func TestSmartTeeRedactsSecretsBeforeTruncating(t *testing.T) {
	line := []byte(`{"type":"text","message":"token=abcdefgh12345678"}`)
	out := SmartTee(line)
	assert.NotContains(t, string(out), "abcdefgh12345678")
}
