package provider

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// debugMode controls whether raw/translated protocol events are logged to
// disk. Enable via ACP_ADAPTER_DEBUG_MESSAGES=true.
var debugMode = os.Getenv("ACP_ADAPTER_DEBUG_MESSAGES") == "true"

// debugLogDir is the directory where debug log files are written. Defaults
// to the process CWD; override with ACP_ADAPTER_DEBUG_LOG_DIR.
var debugLogDir = resolveDebugLogDir()

var debugLogMu sync.Mutex

func resolveDebugLogDir() string {
	if dir := os.Getenv("ACP_ADAPTER_DEBUG_LOG_DIR"); dir != "" {
		return dir
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// logRawUpdate logs a raw session-update notification before translation.
// File: raw-acp-{sessionID}.jsonl
func logRawUpdate(sessionID string, raw json.RawMessage) {
	if !debugMode {
		return
	}
	entry := map[string]any{
		"ts":      time.Now().UnixMilli(),
		"session": sessionID,
		"data":    raw,
	}
	writeJSONLine(filepath.Join(debugLogDir, fmt.Sprintf("raw-acp-%s.jsonl", sessionID)), entry)
}

// logTranslatedEvent logs the StreamEvent C3 produced from a raw update.
// File: translated-acp-{sessionID}.jsonl
func logTranslatedEvent(sessionID string, ev *StreamEvent) {
	if !debugMode {
		return
	}
	entry := map[string]any{
		"ts":      time.Now().UnixMilli(),
		"session": sessionID,
	}
	if ev != nil {
		entry["kind"] = int(ev.Kind)
	} else {
		entry["dropped"] = true
	}
	writeJSONLine(filepath.Join(debugLogDir, fmt.Sprintf("translated-acp-%s.jsonl", sessionID)), entry)
}

func writeJSONLine(logFile string, entry any) {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[DEBUG] failed to marshal entry: %v", err)
		return
	}

	debugLogMu.Lock()
	defer debugLogMu.Unlock()

	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[DEBUG] failed to open log file %s: %v", logFile, err)
		return
	}
	defer func() { _ = f.Close() }()

	_, _ = f.WriteString(string(entryJSON) + "\n")
}
