// Package ingest provides the shared machinery providers use to turn
// transcript files into session records: resilient JSONL reading, glob
// based path enumeration, and the SessionBuilder accumulator.
package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kmckiern/agent-sessions/internal/model"
	"github.com/kmckiern/agent-sessions/internal/normalize"
	"github.com/kmckiern/agent-sessions/internal/telemetry"
)

// Scanner buffer sizes for JSONL transcripts. Single events can be large
// when tool outputs are inlined.
const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 32 * 1024 * 1024
)

// EachJSONL streams the JSON object lines of path into fn. Blank lines and
// lines that fail to decode (or decode to non-objects) are skipped with a
// debug warning. Unreadable files are treated as empty.
func EachJSONL(path string, fn func(payload map[string]interface{})) {
	file, err := os.Open(path)
	if err != nil {
		telemetry.DebugWarning(fmt.Sprintf("unable to read JSONL file %s", path), err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var payload interface{}
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			telemetry.DebugWarning(fmt.Sprintf("discarding invalid JSON in %s", path), err)
			continue
		}
		if dict, ok := payload.(map[string]interface{}); ok {
			fn(dict)
		}
	}
	if err := scanner.Err(); err != nil {
		telemetry.DebugWarning(fmt.Sprintf("unable to read JSONL file %s", path), err)
	}
}

// IterPaths returns the unique regular files under baseDir matching the glob
// patterns, sorted within each pattern. Patterns support ** for recursive
// matching.
func IterPaths(baseDir string, patterns []string) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(os.DirFS(baseDir), pattern)
		if err != nil {
			telemetry.DebugWarning(fmt.Sprintf("bad glob pattern %q under %s", pattern, baseDir), err)
			continue
		}
		sort.Strings(matches)
		for _, match := range matches {
			full := filepath.Join(baseDir, filepath.FromSlash(match))
			info, err := os.Stat(full)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if seen[full] {
				continue
			}
			seen[full] = true
			paths = append(paths, full)
		}
	}
	return paths
}

type messageKey struct {
	role      string
	content   string
	timestamp string
}

func timestampKey(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Format(time.RFC3339Nano)
}

type orderedMessage struct {
	order   int
	message model.Message
}

type orderedNormalized struct {
	order   int
	message model.NormalizedMessage
}

// SessionBuilder accumulates per-session state consistently across
// providers. The zero value is not usable; construct with NewSessionBuilder.
type SessionBuilder struct {
	Provider   string
	SourcePath string

	sessionID   string
	workingDir  string
	model       string
	startedAt   time.Time
	updatedAt   time.Time
	diagnostics *model.NormalizationDiagnostics

	messages       []orderedMessage
	messageKeys    map[messageKey]bool
	normalized     []orderedNormalized
	normalizedKeys map[messageKey]bool
	modelPriority  int
}

// NewSessionBuilder creates a builder for the given provider and source file.
func NewSessionBuilder(provider, sourcePath string) *SessionBuilder {
	return &SessionBuilder{
		Provider:       provider,
		SourcePath:     sourcePath,
		messageKeys:    make(map[messageKey]bool),
		normalizedKeys: make(map[messageKey]bool),
		modelPriority:  -1,
	}
}

// SetSessionID records the session identifier. The first non-blank value
// wins; later calls are ignored.
func (b *SessionBuilder) SetSessionID(value string) {
	if b.sessionID != "" {
		return
	}
	if candidate := strings.TrimSpace(value); candidate != "" {
		b.sessionID = candidate
	}
}

// RecordTimestamp widens the session time bounds to include ts.
func (b *SessionBuilder) RecordTimestamp(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if b.startedAt.IsZero() || ts.Before(b.startedAt) {
		b.startedAt = ts
	}
	if b.updatedAt.IsZero() || ts.After(b.updatedAt) {
		b.updatedAt = ts
	}
}

// SetWorkingDir records the working directory. The first non-blank value
// wins.
func (b *SessionBuilder) SetWorkingDir(candidate string) {
	if b.workingDir != "" {
		return
	}
	if value := strings.TrimSpace(candidate); value != "" {
		b.workingDir = value
	}
}

// SetModel records the model name when priority is at least the priority of
// the current value. Equal priority overwrites, so later sources at the same
// level win.
func (b *SessionBuilder) SetModel(candidate string, priority int) {
	value := strings.TrimSpace(candidate)
	if value == "" {
		return
	}
	if priority >= b.modelPriority {
		b.model = value
		b.modelPriority = priority
	}
}

// SetDiagnostics attaches a diagnostics value, replacing any present.
func (b *SessionBuilder) SetDiagnostics(diag *model.NormalizationDiagnostics) {
	b.diagnostics = diag
}

// MergeDiagnostics folds incoming diagnostics into the builder's.
func (b *SessionBuilder) MergeDiagnostics(incoming *model.NormalizationDiagnostics) {
	if incoming == nil {
		return
	}
	if b.diagnostics == nil {
		b.diagnostics = &model.NormalizationDiagnostics{}
	}
	b.diagnostics.Merge(incoming)
}

// AddMessage appends a legacy message unless its (role, content, timestamp)
// key was seen before. Reports whether the message was added.
func (b *SessionBuilder) AddMessage(role, content string, createdAt time.Time) bool {
	text := strings.TrimSpace(content)
	messageRole := strings.TrimSpace(role)
	if messageRole == "" {
		messageRole = "event"
	}

	key := messageKey{role: messageRole, content: text, timestamp: timestampKey(createdAt)}
	if b.messageKeys[key] {
		return false
	}
	b.messageKeys[key] = true

	b.messages = append(b.messages, orderedMessage{
		order:   len(b.messages),
		message: model.Message{Role: messageRole, Content: text, CreatedAt: createdAt},
	})
	b.RecordTimestamp(createdAt)
	return true
}

// AddNormalizedMessage appends a normalized message unless its
// (role, rendered content, timestamp) key was seen before. Reports whether
// the message was added.
func (b *SessionBuilder) AddNormalizedMessage(message *model.NormalizedMessage) bool {
	if message == nil || (len(message.Parts) == 0 && message.Role == "") {
		return false
	}

	key := messageKey{
		role:      message.Role,
		content:   normalize.RenderLegacyContent(message),
		timestamp: timestampKey(message.Timestamp),
	}
	if b.normalizedKeys[key] {
		return false
	}
	b.normalizedKeys[key] = true

	b.normalized = append(b.normalized, orderedNormalized{
		order:   len(b.normalized),
		message: *message,
	})
	b.RecordTimestamp(message.Timestamp)
	return true
}

// IngestRecord folds an existing record into the builder. Identity fields
// keep their first-wins behavior; the record's model is offered at the given
// priority.
func (b *SessionBuilder) IngestRecord(record *model.SessionRecord, priority int) {
	if record == nil {
		return
	}
	b.RecordTimestamp(record.StartedAt)
	b.RecordTimestamp(record.UpdatedAt)
	b.MergeDiagnostics(record.Diagnostics)
	b.SetWorkingDir(record.WorkingDir)
	if record.Model != "" {
		b.SetModel(record.Model, priority)
	}
	for i := range record.NormalizedMessages {
		b.AddNormalizedMessage(&record.NormalizedMessages[i])
	}
	for _, message := range record.Messages {
		b.AddMessage(message.Role, message.Content, message.CreatedAt)
	}
}

// Build assembles the final record. Returns nil when nothing was
// accumulated: no messages, no timestamps, and no model. sessionID overrides
// the builder's value when non-empty; when both are empty the source file
// stem is used.
func (b *SessionBuilder) Build(sessionID string) *model.SessionRecord {
	finalID := sessionID
	if finalID == "" {
		finalID = b.sessionID
	}
	if finalID == "" {
		stem := filepath.Base(b.SourcePath)
		finalID = strings.TrimSuffix(stem, filepath.Ext(stem))
	}

	if len(b.messages) == 0 && len(b.normalized) == 0 &&
		b.startedAt.IsZero() && b.updatedAt.IsZero() && b.model == "" {
		return nil
	}

	sortedNormalized := make([]orderedNormalized, len(b.normalized))
	copy(sortedNormalized, b.normalized)
	sort.SliceStable(sortedNormalized, func(i, j int) bool {
		return timestampLess(sortedNormalized[i].message.Timestamp, sortedNormalized[j].message.Timestamp)
	})
	normalizedMessages := make([]model.NormalizedMessage, 0, len(sortedNormalized))
	for _, item := range sortedNormalized {
		normalizedMessages = append(normalizedMessages, item.message)
	}

	sortedMessages := make([]orderedMessage, len(b.messages))
	copy(sortedMessages, b.messages)
	sort.SliceStable(sortedMessages, func(i, j int) bool {
		return timestampLess(sortedMessages[i].message.CreatedAt, sortedMessages[j].message.CreatedAt)
	})
	messages := make([]model.Message, 0, len(sortedMessages))
	for _, item := range sortedMessages {
		messages = append(messages, item.message)
	}

	if len(messages) == 0 && len(normalizedMessages) > 0 {
		messages = make([]model.Message, 0, len(normalizedMessages))
		for i := range normalizedMessages {
			normalized := &normalizedMessages[i]
			messages = append(messages, model.Message{
				Role:      normalized.Role,
				Content:   normalize.RenderLegacyContent(normalized),
				CreatedAt: normalized.Timestamp,
			})
		}
	}

	return &model.SessionRecord{
		Provider:           b.Provider,
		SessionID:          finalID,
		SourcePath:         b.SourcePath,
		StartedAt:          b.startedAt,
		UpdatedAt:          b.updatedAt,
		WorkingDir:         b.workingDir,
		Model:              b.model,
		Messages:           messages,
		NormalizedMessages: normalizedMessages,
		Diagnostics:        b.diagnostics,
	}
}

// timestampLess orders zero times before all real times and never reorders
// equal values, keeping SliceStable's insertion order as the tiebreaker.
func timestampLess(a, b time.Time) bool {
	if a.IsZero() {
		return !b.IsZero()
	}
	if b.IsZero() {
		return false
	}
	return a.Before(b)
}

// MergeSessionRecords combines two records for the same logical
// conversation. The primary wins for identity; timestamps merge to the
// widest span, the incoming record's model is preferred, and messages dedup
// by role/content/timestamp so repeated merges are idempotent.
func MergeSessionRecords(primary, incoming *model.SessionRecord) *model.SessionRecord {
	builder := NewSessionBuilder(primary.Provider, primary.SourcePath)
	builder.SetSessionID(primary.SessionID)
	builder.SetWorkingDir(primary.WorkingDir)
	if primary.Model != "" {
		builder.SetModel(primary.Model, 0)
	}
	builder.RecordTimestamp(primary.StartedAt)
	builder.RecordTimestamp(primary.UpdatedAt)
	builder.IngestRecord(primary, 1)
	builder.IngestRecord(incoming, 2)
	builder.RecordTimestamp(incoming.StartedAt)
	builder.RecordTimestamp(incoming.UpdatedAt)
	builder.SetWorkingDir(incoming.WorkingDir)

	merged := builder.Build(primary.SessionID)
	if merged == nil {
		return primary
	}
	return merged
}
