// Package model defines the data types shared across Agent Sessions
// components: raw messages, normalized messages with structured parts,
// per-file session records, and the derived search index.
package model

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kmckiern/agent-sessions/internal/util"
)

// Canonical normalized roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Normalized part kinds.
const (
	PartText       = "text"
	PartCode       = "code"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
)

// Message is the legacy single-string representation of a chat message.
// A zero CreatedAt means the event carried no usable timestamp.
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// NormalizedPart is one tagged element of a normalized message.
// Arguments and Output hold opaque decoded JSON.
type NormalizedPart struct {
	Kind      string
	Text      string
	Language  string
	ToolName  string
	Arguments interface{}
	Output    interface{}
	ID        string
}

// NormalizedMessage is the provider-agnostic message shape with structured
// parts, a canonical role, and a stable ID.
type NormalizedMessage struct {
	ID           string
	Role         string
	Name         string
	Timestamp    time.Time
	LatencyMS    *float64
	ProviderMeta map[string]interface{}
	Parts        []NormalizedPart
}

// NormalizationDiagnostics counts how events fared during normalization.
type NormalizationDiagnostics struct {
	TotalEvents   int
	ParsedEvents  int
	SkippedEvents int
	Warnings      []string
}

// Merge folds another diagnostics value into this one: counters sum and
// warnings concatenate.
func (d *NormalizationDiagnostics) Merge(incoming *NormalizationDiagnostics) {
	if incoming == nil {
		return
	}
	d.TotalEvents += incoming.TotalEvents
	d.ParsedEvents += incoming.ParsedEvents
	d.SkippedEvents += incoming.SkippedEvents
	if len(incoming.Warnings) > 0 {
		d.Warnings = append(d.Warnings, incoming.Warnings...)
	}
}

// SessionRecord aggregates the data parsed from one session source file.
// Records are never mutated once the service has indexed them; a refresh
// replaces records wholesale.
type SessionRecord struct {
	Provider           string
	SessionID          string
	SourcePath         string
	StartedAt          time.Time
	UpdatedAt          time.Time
	WorkingDir         string
	Model              string
	Messages           []Message
	NormalizedMessages []NormalizedMessage
	Diagnostics        *NormalizationDiagnostics

	searchOnce  sync.Once
	searchIndex *SessionSearchIndex
}

// FirstMessage returns the oldest legacy message, or nil.
func (r *SessionRecord) FirstMessage() *Message {
	if len(r.Messages) == 0 {
		return nil
	}
	return &r.Messages[0]
}

// LastMessage returns the newest legacy message, or nil.
func (r *SessionRecord) LastMessage() *Message {
	if len(r.Messages) == 0 {
		return nil
	}
	return &r.Messages[len(r.Messages)-1]
}

// MessageCount returns the legacy message count.
func (r *SessionRecord) MessageCount() int {
	return len(r.Messages)
}

// SearchIndex returns the derived search index, computing it on first use.
// Builders call this eagerly at construction; records hydrated from disk get
// it lazily on the first query that needs it.
func (r *SessionRecord) SearchIndex() *SessionSearchIndex {
	r.searchOnce.Do(func() {
		r.searchIndex = buildSearchIndex(r)
	})
	return r.searchIndex
}

// SessionSearchIndex holds lowercased, private-use-stripped strings for
// substring matching during search.
type SessionSearchIndex struct {
	Provider   string
	SessionID  string
	Model      string
	WorkingDir string
	Messages   []string
}

// Matches reports whether the lowered term occurs anywhere in the index.
// An empty term matches everything.
func (idx *SessionSearchIndex) Matches(loweredTerm string) bool {
	if loweredTerm == "" {
		return true
	}
	for _, value := range []string{idx.Provider, idx.SessionID, idx.Model, idx.WorkingDir} {
		if value != "" && strings.Contains(value, loweredTerm) {
			return true
		}
	}
	for _, message := range idx.Messages {
		if strings.Contains(message, loweredTerm) {
			return true
		}
	}
	return false
}

func buildSearchIndex(record *SessionRecord) *SessionSearchIndex {
	var blobs []string
	if len(record.NormalizedMessages) > 0 {
		for i := range record.NormalizedMessages {
			blob := normalizeForSearch(FlattenNormalizedMessage(&record.NormalizedMessages[i]))
			if blob != "" {
				blobs = append(blobs, blob)
			}
		}
	} else {
		for _, message := range record.Messages {
			blob := normalizeForSearch(message.Content)
			if blob != "" {
				blobs = append(blobs, blob)
			}
		}
	}

	return &SessionSearchIndex{
		Provider:   normalizeForSearch(record.Provider),
		SessionID:  normalizeForSearch(record.SessionID),
		Model:      normalizeForSearch(record.Model),
		WorkingDir: normalizeForSearch(record.WorkingDir),
		Messages:   blobs,
	}
}

func normalizeForSearch(value string) string {
	if value == "" {
		return ""
	}
	return strings.ToLower(util.StripPrivateUse(value))
}

const maxSearchBlobRunes = 4000

// FlattenNormalizedMessage renders a normalized message into one searchable
// string, truncated to keep the index bounded.
func FlattenNormalizedMessage(message *NormalizedMessage) string {
	var chunks []string
	for i := range message.Parts {
		part := &message.Parts[i]
		switch part.Kind {
		case PartText, PartCode:
			if part.Text != "" {
				chunks = append(chunks, part.Text)
			}
		case PartToolCall:
			name := part.ToolName
			if name == "" {
				name = "tool"
			}
			chunks = append(chunks, strings.TrimSpace(fmt.Sprintf("[tool-call] %s %s", name, util.CompactJSON(part.Arguments))))
		case PartToolResult:
			name := part.ToolName
			if name == "" {
				name = "tool"
			}
			chunks = append(chunks, strings.TrimSpace(fmt.Sprintf("[tool-result] %s %s", name, util.CompactJSON(part.Output))))
		}
	}
	value := strings.Join(chunks, "\n")
	runes := []rune(value)
	if len(runes) > maxSearchBlobRunes {
		return string(runes[:maxSearchBlobRunes]) + "…"
	}
	return value
}
