// Package shared provides common utilities for backend decoders.
package shared

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/eventpipe/internal/streams"
)

// debugMode controls whether agent messages are captured to disk.
// Enable via EVENTPIPE_DEBUG_AGENT_MESSAGES=true environment variable.
var debugMode atomic.Bool

func init() {
	debugMode.Store(os.Getenv("EVENTPIPE_DEBUG_AGENT_MESSAGES") == "true")
}

// debugLogDir is the directory where capture files are written.
// Defaults to the process CWD; override with EVENTPIPE_DEBUG_LOG_DIR.
var debugLogDir = resolveDebugLogDir()

// debugLogMu protects concurrent writes to capture files.
var debugLogMu sync.Mutex

// Protocol names, also used for capture file naming
const (
	ProtocolStreamJSON = "streamjson"
	ProtocolCodex      = "codex"
	ProtocolACP        = "acp"
)

func resolveDebugLogDir() string {
	if dir := os.Getenv("EVENTPIPE_DEBUG_LOG_DIR"); dir != "" {
		return dir
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// DebugEnabled reports whether message capture is on.
func DebugEnabled() bool {
	return debugMode.Load()
}

// SetDebug toggles message capture and its directory. An empty dir keeps the
// current one.
func SetDebug(enabled bool, dir string) {
	debugLogMu.Lock()
	defer debugLogMu.Unlock()
	debugMode.Store(enabled)
	if dir != "" {
		debugLogDir = dir
	}
}

// LogRawEvent logs a wire message without transformation.
// File: raw-{protocol}-{sessionId}.jsonl
func LogRawEvent(protocol, sessionID, eventType string, rawData json.RawMessage) {
	if !debugMode.Load() {
		return
	}
	if !json.Valid(rawData) {
		rawData, _ = json.Marshal(string(rawData))
	}

	entry := map[string]any{
		"ts":       time.Now().UnixMilli(),
		"protocol": protocol,
		"session":  sessionID,
		"event":    eventType,
		"data":     rawData,
	}
	writeJSONLine(fmt.Sprintf("raw-%s-%s.jsonl", protocol, sessionID), entry)
}

// LogNormalizedEvents logs the canonical events decoded from one wire message.
// File: normalized-{protocol}-{sessionId}.jsonl
func LogNormalizedEvents(protocol, sessionID string, events []streams.Event) {
	if !debugMode.Load() {
		return
	}

	for _, ev := range events {
		data, err := streams.Marshal(ev)
		if err != nil {
			log.Printf("[DEBUG] Failed to marshal %s event: %v", ev.Kind(), err)
			continue
		}
		entry := map[string]any{
			"ts":    time.Now().UnixMilli(),
			"event": json.RawMessage(data),
		}
		writeJSONLine(fmt.Sprintf("normalized-%s-%s.jsonl", protocol, sessionID), entry)
	}
}

// writeJSONLine appends a JSON entry as a line to the named capture file.
func writeJSONLine(name string, entry any) {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[DEBUG] Failed to marshal entry: %v", err)
		return
	}

	debugLogMu.Lock()
	defer debugLogMu.Unlock()

	logFile := filepath.Join(debugLogDir, name)
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("[DEBUG] Failed to open log file %s: %v", logFile, err)
		return
	}
	defer func() { _ = f.Close() }()

	_, _ = f.Write(append(entryJSON, '\n'))
}
