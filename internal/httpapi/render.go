package httpapi

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kmckiern/agent-sessions/internal/model"
	"github.com/kmckiern/agent-sessions/internal/provider"
	"github.com/kmckiern/agent-sessions/internal/util"
)

const isoLayout = time.RFC3339Nano

const previewRunes = 200

type sessionSummary struct {
	Provider      string  `json:"provider"`
	ProviderLabel string  `json:"provider_label"`
	SessionID     string  `json:"session_id"`
	Model         *string `json:"model"`
	WorkingDir    *string `json:"working_dir"`
	StartedAt     *string `json:"started_at"`
	UpdatedAt     *string `json:"updated_at"`
	MessageCount  int     `json:"message_count"`
	Preview       string  `json:"preview"`
	SourcePath    string  `json:"source_path"`
}

type sessionDetail struct {
	sessionSummary
	Messages           []messageDetail           `json:"messages"`
	NormalizedMessages []normalizedMessageDetail `json:"normalized_messages"`
	Diagnostics        *diagnosticsDetail        `json:"normalization_diagnostics"`
}

type messageDetail struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	CreatedAt *string `json:"created_at"`
}

type normalizedMessageDetail struct {
	ID           string                 `json:"id"`
	Role         string                 `json:"role"`
	Name         *string                `json:"name"`
	Timestamp    *string                `json:"timestamp"`
	LatencyMS    *float64               `json:"latency_ms"`
	ProviderMeta map[string]interface{} `json:"provider_meta"`
	Parts        []partDetail           `json:"parts"`
}

type partDetail struct {
	Kind      string      `json:"kind"`
	Text      *string     `json:"text"`
	Language  *string     `json:"language"`
	ToolName  *string     `json:"tool_name"`
	Arguments interface{} `json:"arguments"`
	Output    interface{} `json:"output"`
	ID        *string     `json:"id"`
}

type diagnosticsDetail struct {
	TotalEvents   int      `json:"total_events"`
	ParsedEvents  int      `json:"parsed_events"`
	SkippedEvents int      `json:"skipped_events"`
	Warnings      []string `json:"warnings"`
}

type providerSummary struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	EnvVar       *string  `json:"env_var"`
	DefaultPaths []string `json:"default_paths"`
	SessionCount int      `json:"session_count"`
	LastUpdated  *string  `json:"last_updated"`
}

func registryEntries() []provider.ProviderEntry {
	return provider.Registry
}

func providerLabel(name string) string {
	if name == "" {
		return "Unknown"
	}
	if entry := provider.Lookup(name); entry != nil {
		return entry.Label
	}
	words := strings.Split(strings.ReplaceAll(name, "-", " "), " ")
	for i, word := range words {
		if word != "" {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}
	}
	return strings.Join(words, " ")
}

func isoPtr(value time.Time) *string {
	if value.IsZero() {
		return nil
	}
	formatted := value.Format(isoLayout)
	return &formatted
}

func cleanPtr(value string) *string {
	if value == "" {
		return nil
	}
	cleaned := util.StripPrivateUse(value)
	return &cleaned
}

func messagePreview(session *model.SessionRecord) string {
	last := session.LastMessage()
	if last == nil {
		return ""
	}
	preview := strings.TrimSpace(strings.ReplaceAll(util.StripPrivateUse(last.Content), "\n", " "))
	runes := []rune(preview)
	if len(runes) > previewRunes {
		return string(runes[:previewRunes])
	}
	return preview
}

func summarizeSession(session *model.SessionRecord) sessionSummary {
	return sessionSummary{
		Provider:      session.Provider,
		ProviderLabel: providerLabel(session.Provider),
		SessionID:     session.SessionID,
		Model:         cleanPtr(session.Model),
		WorkingDir:    cleanPtr(session.WorkingDir),
		StartedAt:     isoPtr(session.StartedAt),
		UpdatedAt:     isoPtr(session.UpdatedAt),
		MessageCount:  session.MessageCount(),
		Preview:       messagePreview(session),
		SourcePath:    session.SourcePath,
	}
}

func timeDescKey(value time.Time) float64 {
	if value.IsZero() {
		return math.Inf(-1)
	}
	return float64(value.UnixNano())
}

func detailSession(session *model.SessionRecord) sessionDetail {
	detail := sessionDetail{
		sessionSummary:     summarizeSession(session),
		Messages:           []messageDetail{},
		NormalizedMessages: []normalizedMessageDetail{},
	}

	messages := append([]model.Message(nil), session.Messages...)
	sort.SliceStable(messages, func(i, j int) bool {
		return timeDescKey(messages[i].CreatedAt) > timeDescKey(messages[j].CreatedAt)
	})
	for _, message := range messages {
		detail.Messages = append(detail.Messages, messageDetail{
			Role:      util.StripPrivateUse(message.Role),
			Content:   util.StripPrivateUse(message.Content),
			CreatedAt: isoPtr(message.CreatedAt),
		})
	}

	normalized := append([]model.NormalizedMessage(nil), session.NormalizedMessages...)
	sort.SliceStable(normalized, func(i, j int) bool {
		return timeDescKey(normalized[i].Timestamp) > timeDescKey(normalized[j].Timestamp)
	})
	for i := range normalized {
		detail.NormalizedMessages = append(detail.NormalizedMessages, detailMessage(&normalized[i]))
	}

	if session.Diagnostics != nil {
		warnings := make([]string, 0, len(session.Diagnostics.Warnings))
		for _, warning := range session.Diagnostics.Warnings {
			warnings = append(warnings, util.StripPrivateUse(warning))
		}
		detail.Diagnostics = &diagnosticsDetail{
			TotalEvents:   session.Diagnostics.TotalEvents,
			ParsedEvents:  session.Diagnostics.ParsedEvents,
			SkippedEvents: session.Diagnostics.SkippedEvents,
			Warnings:      warnings,
		}
	}
	return detail
}

func detailMessage(message *model.NormalizedMessage) normalizedMessageDetail {
	parts := make([]partDetail, 0, len(message.Parts))
	for i := range message.Parts {
		part := &message.Parts[i]
		parts = append(parts, partDetail{
			Kind:      part.Kind,
			Text:      cleanPtr(part.Text),
			Language:  cleanPtr(part.Language),
			ToolName:  cleanPtr(part.ToolName),
			Arguments: stripObj(part.Arguments),
			Output:    stripObj(part.Output),
			ID:        stringPtr(part.ID),
		})
	}

	var meta map[string]interface{}
	if message.ProviderMeta != nil {
		meta, _ = stripObj(message.ProviderMeta).(map[string]interface{})
	}

	return normalizedMessageDetail{
		ID:           message.ID,
		Role:         message.Role,
		Name:         cleanPtr(message.Name),
		Timestamp:    isoPtr(message.Timestamp),
		LatencyMS:    message.LatencyMS,
		ProviderMeta: meta,
		Parts:        parts,
	}
}

func stringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// stripObj removes private-use characters from every string reachable in a
// decoded JSON value.
func stripObj(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return util.StripPrivateUse(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = stripObj(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = stripObj(item)
		}
		return out
	default:
		return value
	}
}
