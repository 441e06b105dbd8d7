// Package telemetry emits structured debug events for cache and timing
// instrumentation. Events are JSON lines on stderr, gated by the
// AGENT_SESSIONS_DEBUG environment variable so normal operation stays quiet.
package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	enabledOnce sync.Once
	enabled     bool

	writeMu sync.Mutex
)

func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Enabled reports whether debug telemetry is active for this process.
func Enabled() bool {
	enabledOnce.Do(func() {
		enabled = truthy(os.Getenv("AGENT_SESSIONS_DEBUG"))
	})
	return enabled
}

// Event logs a structured telemetry event with the given name and fields.
func Event(event string, fields ...interface{}) {
	if !Enabled() {
		return
	}

	payload := map[string]interface{}{
		"event":    event,
		"event_id": uuid.NewString(),
		"ts":       time.Now().UTC().Format(time.RFC3339Nano),
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		payload[key] = normalizeField(fields[i+1])
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	writeMu.Lock()
	fmt.Fprintln(os.Stderr, string(data))
	writeMu.Unlock()
}

// DebugWarning emits a warning line when debug telemetry is enabled. Provider
// ingestion stays side-effect free otherwise.
func DebugWarning(message string, err error) {
	if !Enabled() {
		return
	}
	writeMu.Lock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[agent-sessions] %s: %v\n", message, err)
	} else {
		fmt.Fprintf(os.Stderr, "[agent-sessions] %s\n", message)
	}
	writeMu.Unlock()
}

func normalizeField(value interface{}) interface{} {
	switch v := value.(type) {
	case float64:
		return math.Round(v*1000) / 1000
	case time.Duration:
		return math.Round(float64(v)/float64(time.Millisecond)*1000) / 1000
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case error:
		return v.Error()
	default:
		return value
	}
}
