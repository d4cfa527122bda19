package logcapture

import (
	"bytes"
	"encoding/json"
	"path"
	"strconv"
)

// Entry is one unified-log record.
type Entry struct {
	Timestamp   string `json:"timestamp"`
	ProcessName string `json:"processName"`
	PID         int    `json:"pid"`
	Subsystem   string `json:"subsystem"`
	Category    string `json:"category"`
	Level       string `json:"level"`
	Message     string `json:"message"`
}

// approxSize is the ring buffer's size estimator.
func approxSize(e Entry) int {
	return 64 + len(e.Timestamp) + len(e.ProcessName) + len(e.Subsystem) +
		len(e.Category) + len(e.Level) + len(e.Message)
}

// ParseLine decodes one ndjson line from `log stream --style ndjson`.
// Any field of an unexpected type is left zero; lines that are not a JSON
// object are rejected.
func ParseLine(line []byte) (Entry, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Entry{}, false
	}
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Entry{}, false
	}
	e := Entry{
		Timestamp: str(raw["timestamp"]),
		PID:       num(raw["processID"]),
		Subsystem: str(raw["subsystem"]),
		Category:  str(raw["category"]),
		Level:     str(raw["messageType"]),
		Message:   str(raw["eventMessage"]),
	}
	if p := str(raw["processImagePath"]); p != "" {
		e.ProcessName = path.Base(p)
	} else {
		e.ProcessName = str(raw["process"])
	}
	return e, true
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}
