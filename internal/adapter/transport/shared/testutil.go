package shared

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kandev/eventpipe/internal/streams"
)

// TestCase represents a single JSONL fixture line for decoder tests.
// Expected holds the decoded events as {"kind","event"} envelopes without
// their raw payload.
type TestCase struct {
	Key      string            `json:"key"`
	Input    json.RawMessage   `json:"input"`
	Expected []json.RawMessage `json:"expected"`
}

// LoadTestCases loads test cases from a JSONL fixture file.
// The filename should be relative to the calling package's testdata directory.
func LoadTestCases(t *testing.T, filename string) []TestCase {
	t.Helper()

	path := filepath.Join("testdata", filename)
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open test file %s: %v", path, err)
	}
	defer func() { _ = file.Close() }()

	var cases []TestCase
	scanner := bufio.NewScanner(file)
	// Increase buffer for long lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var tc TestCase
		if err := json.Unmarshal(scanner.Bytes(), &tc); err != nil {
			t.Fatalf("failed to parse line %d in %s: %v", lineNum, filename, err)
		}
		cases = append(cases, tc)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("error reading %s: %v", filename, err)
	}
	return cases
}

// EventJSON encodes ev as an envelope with the raw payload removed, for
// comparison against fixture expectations.
func EventJSON(t *testing.T, ev streams.Event) string {
	t.Helper()

	data, err := streams.Marshal(ev)
	if err != nil {
		t.Fatalf("failed to marshal %s: %v", ev.Kind(), err)
	}
	var env struct {
		Kind  string         `json:"kind"`
		Event map[string]any `json:"event"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	delete(env.Event, "raw")

	out, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("failed to re-encode %s: %v", ev.Kind(), err)
	}
	return string(out)
}
