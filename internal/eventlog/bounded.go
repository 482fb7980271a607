package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Format selects the representation read_bounded returns.
type Format string

const (
	FormatText   Format = "text"
	FormatJSONL  Format = "jsonl"
	FormatParsed Format = "parsed"
)

// Metadata describes the stream file itself, optionally attached to a
// bounded read (spec §4.3 read_bounded).
type Metadata struct {
	SizeBytes    int64     `json:"size_bytes"`
	TotalLines   int       `json:"total_lines"`
	ModifiedAt   time.Time `json:"modified_at"`
	TruncatedHit bool      `json:"truncated_hit"`
}

// BoundedOptions parameterizes read_bounded.
type BoundedOptions struct {
	Tail            int            // 0 means "no tail limit"
	Filter          *regexp.Regexp // nil means "no filter"
	Format          Format
	IncludeMetadata bool
}

// BoundedResult is the combined output of read_bounded.
type BoundedResult struct {
	Text     []string          `json:"text,omitempty"`
	Raw      []json.RawMessage `json:"raw,omitempty"`
	Parsed   []map[string]any  `json:"parsed,omitempty"`
	Metadata *Metadata         `json:"metadata,omitempty"`
}

// ParseErrorType is the sentinel finding_type used when format=parsed hits
// a line that fails to JSON-decode (spec §4.3 Robust parsing).
const ParseErrorType = "parse_error"

// ReadFiltered returns up to limit raw lines whose serialized text matches re.
func ReadFiltered(path string, re *regexp.Regexp, limit int) ([]string, error) {
	mu := lockFor(path)
	mu.RLock()
	defer mu.RUnlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if re == nil || re.MatchString(line) {
			out = append(out, line)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, scanner.Err()
}

// ReadBounded combines tailing, filtering, and format selection into a
// single read (spec §4.3 read_bounded).
func ReadBounded(path string, opts BoundedOptions) (*BoundedResult, error) {
	mu := lockFor(path)
	mu.RLock()
	defer mu.RUnlock()

	var lines [][]byte
	var err error
	if opts.Tail > 0 {
		lines, err = tailLines(path, opts.Tail)
	} else {
		lines, err = allLines(path)
	}
	if err != nil {
		return nil, err
	}

	result := &BoundedResult{}
	truncatedHit := false

	for _, raw := range lines {
		line := string(raw)
		if line == "" {
			continue
		}
		if opts.Filter != nil && !opts.Filter.MatchString(line) {
			continue
		}

		switch opts.Format {
		case FormatParsed:
			var obj map[string]any
			if err := json.Unmarshal(raw, &obj); err != nil {
				obj = map[string]any{
					"type":  ParseErrorType,
					"raw":   previewString(line, 200),
					"error": err.Error(),
				}
			}
			if t, _ := obj["truncated"].(bool); t {
				truncatedHit = true
			}
			result.Parsed = append(result.Parsed, obj)
		case FormatJSONL:
			if json.Valid(raw) {
				cp := make(json.RawMessage, len(raw))
				copy(cp, raw)
				result.Raw = append(result.Raw, cp)
			}
		default: // FormatText
			result.Text = append(result.Text, line)
		}
	}

	if opts.IncludeMetadata {
		meta, err := buildMetadata(path)
		if err != nil {
			return nil, err
		}
		meta.TruncatedHit = truncatedHit
		result.Metadata = meta
	}

	return result, nil
}

func allLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var out [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		b := scanner.Bytes()
		cp := make([]byte, len(b))
		copy(cp, b)
		out = append(out, cp)
	}
	return out, scanner.Err()
}

func buildMetadata(path string) (*Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Metadata{}, nil
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	lines, err := allLines(path)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, l := range lines {
		if len(l) > 0 {
			total++
		}
	}
	return &Metadata{
		SizeBytes:  info.Size(),
		TotalLines: total,
		ModifiedAt: info.ModTime(),
	}, nil
}

func previewString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
