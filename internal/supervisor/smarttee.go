// smart-tee: the line-preprocessing step that writes a worker's stdout to
// its output stream while enforcing line bounds (spec §4.2.2).
package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/conclave-run/conclave/internal/eventlog"
	"github.com/conclave-run/conclave/internal/masking"
)

const smartTeeLineCap = 8 * 1024      // 8 KiB, spec §6.5
const largeFieldThreshold = 2 * 1024 // 2 KiB, spec §6.5
const truncationMarkerPrefix = "[TRUNCATED:"
const base64MarkerPrefix = "[BASE64_DATA:"

var base64Run = regexp.MustCompile(`[A-Za-z0-9+/]{100,}={0,2}`)

// SmartTee preprocesses one raw line of worker stdout, returning the bytes
// that should actually be written to the output stream. Input must not
// include the trailing newline; output never includes one either.
func SmartTee(line []byte) []byte {
	line, _ = redactSecrets(line)

	if len(line) <= smartTeeLineCap {
		return line
	}

	var obj map[string]any
	if err := json.Unmarshal(line, &obj); err == nil {
		if neverTruncate(obj) {
			return line
		}
		if alreadyTruncated(obj) {
			return line
		}
		truncateFields(obj)
		out, err := json.Marshal(obj)
		if err == nil {
			if len(out) <= smartTeeLineCap {
				return out
			}
			// Per-field truncation alone didn't bring the line under the cap
			// (many fields each under largeFieldThreshold, or previews still
			// too large combined); fall back to the byte-bounded line cut.
			return lineBasedTruncate(out)
		}
		// Fall through to line-based truncation if re-marshaling somehow fails.
	}

	return lineBasedTruncate(line)
}

func redactSecrets(line []byte) ([]byte, bool) {
	redacted, changed := masking.Redact(string(line))
	if !changed {
		return line, false
	}
	return []byte(redacted), true
}

func neverTruncate(obj map[string]any) bool {
	t, _ := obj["type"].(string)
	if t == "error" {
		return true
	}
	if t == "system" {
		if sub, _ := obj["subtype"].(string); sub == "init" {
			return true
		}
	}
	return false
}

func alreadyTruncated(obj map[string]any) bool {
	if v, ok := obj["truncated"].(bool); ok && v {
		return true
	}
	return containsMarker(obj)
}

func containsMarker(v any) bool {
	switch x := v.(type) {
	case string:
		return strings.Contains(x, truncationMarkerPrefix)
	case map[string]any:
		for _, vv := range x {
			if containsMarker(vv) {
				return true
			}
		}
	case []any:
		for _, vv := range x {
			if containsMarker(vv) {
				return true
			}
		}
	}
	return false
}

// truncateFields walks obj, replacing any string field longer than
// largeFieldThreshold with a smart preview and setting truncated=true.
func truncateFields(obj map[string]any) {
	any := false
	walkStrings(obj, func(s string) (string, bool) {
		if len(s) <= largeFieldThreshold {
			return s, false
		}
		any = true
		return smartPreview(s), true
	})
	if any {
		obj["truncated"] = true
	}
}

func walkStrings(v any, replace func(string) (string, bool)) {
	switch x := v.(type) {
	case map[string]any:
		for k, vv := range x {
			switch inner := vv.(type) {
			case string:
				if out, changed := replace(inner); changed {
					x[k] = out
				}
			default:
				walkStrings(inner, replace)
			}
		}
	case []any:
		for i, vv := range x {
			switch inner := vv.(type) {
			case string:
				if out, changed := replace(inner); changed {
					x[i] = out
				}
			default:
				walkStrings(inner, replace)
			}
		}
	}
}

// smartPreview keeps the first 30 and last 10 lines of s, joined by a
// truncation marker naming how much was removed.
func smartPreview(s string) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= 40 {
		return base64Run.ReplaceAllStringFunc(s, base64Marker)
	}
	head := lines[:30]
	tail := lines[len(lines)-10:]
	removedLines := len(lines) - 40
	removedChars := len(s) - len(strings.Join(head, "\n")) - len(strings.Join(tail, "\n"))
	marker := fmt.Sprintf("%s %d lines (%d chars) removed]", truncationMarkerPrefix, removedLines, removedChars)
	out := strings.Join(head, "\n") + "\n" + marker + "\n" + strings.Join(tail, "\n")
	return base64Run.ReplaceAllStringFunc(out, base64Marker)
}

func base64Marker(s string) string {
	return fmt.Sprintf("%s %d bytes]", base64MarkerPrefix, len(s))
}

// lineBasedTruncate is the fallback when a line fails to JSON-parse: keep
// as many whole lines (within the byte cap) from the start, append a marker.
func lineBasedTruncate(line []byte) []byte {
	s := string(line)
	if len(s) <= smartTeeLineCap {
		return line
	}
	lines := strings.Split(s, "\n")
	var kept []string
	size := 0
	for _, l := range lines {
		if size+len(l)+1 > smartTeeLineCap-100 {
			break
		}
		kept = append(kept, l)
		size += len(l) + 1
	}
	removedChars := len(s) - size
	marker := fmt.Sprintf("%s non-JSON line truncated, %d chars removed]", truncationMarkerPrefix, removedChars)
	return []byte(strings.Join(kept, "\n") + "\n" + marker)
}

// RunSmartTee is the entry point for the hidden "smart-tee" subcommand the
// mux session pipes worker stdout through: read lines from r, apply
// SmartTee to each, and append the result to outputFile.
func RunSmartTee(r io.Reader, outputFile string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := SmartTee(scanner.Bytes())
		if err := eventlog.AppendRaw(outputFile, line); err != nil {
			return fmt.Errorf("smart-tee append: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("smart-tee scan: %w", err)
	}
	return nil
}
