package cache

import (
	"time"

	"github.com/kmckiern/agent-sessions/internal/model"
	"github.com/kmckiern/agent-sessions/internal/util"
)

// JSON shapes for serialized session records. Absent values round-trip as
// null, so optional fields are pointers.
type sessionJSON struct {
	Provider           string             `json:"provider"`
	SessionID          string             `json:"session_id"`
	SourcePath         string             `json:"source_path"`
	StartedAt          *string            `json:"started_at"`
	UpdatedAt          *string            `json:"updated_at"`
	WorkingDir         *string            `json:"working_dir"`
	Model              *string            `json:"model"`
	Messages           []messageJSON      `json:"messages"`
	NormalizedMessages []normalizedJSON   `json:"normalized_messages"`
	Diagnostics        *diagnosticsJSON   `json:"normalization_diagnostics"`
}

type messageJSON struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	CreatedAt *string `json:"created_at"`
}

type normalizedJSON struct {
	ID           string                 `json:"id"`
	Role         string                 `json:"role"`
	Name         *string                `json:"name"`
	Timestamp    *string                `json:"timestamp"`
	LatencyMS    *float64               `json:"latency_ms"`
	ProviderMeta map[string]interface{} `json:"provider_meta"`
	Parts        []partJSON             `json:"parts"`
}

type partJSON struct {
	Kind      string      `json:"kind"`
	Text      *string     `json:"text"`
	Language  *string     `json:"language"`
	ToolName  *string     `json:"tool_name"`
	Arguments interface{} `json:"arguments"`
	Output    interface{} `json:"output"`
	ID        *string     `json:"id"`
}

type diagnosticsJSON struct {
	TotalEvents   int      `json:"total_events"`
	ParsedEvents  int      `json:"parsed_events"`
	SkippedEvents int      `json:"skipped_events"`
	Warnings      []string `json:"warnings"`
}

func timePtr(ts time.Time) *string {
	if ts.IsZero() {
		return nil
	}
	value := ts.Format(time.RFC3339Nano)
	return &value
}

func stringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func fromStringPtr(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func fromTimePtr(value *string) time.Time {
	if value == nil {
		return time.Time{}
	}
	return util.ParseTimestamp(*value)
}

func serializeSession(record *model.SessionRecord) sessionJSON {
	messages := make([]messageJSON, 0, len(record.Messages))
	for _, message := range record.Messages {
		messages = append(messages, messageJSON{
			Role:      message.Role,
			Content:   message.Content,
			CreatedAt: timePtr(message.CreatedAt),
		})
	}

	normalized := make([]normalizedJSON, 0, len(record.NormalizedMessages))
	for i := range record.NormalizedMessages {
		msg := &record.NormalizedMessages[i]
		parts := make([]partJSON, 0, len(msg.Parts))
		for j := range msg.Parts {
			part := &msg.Parts[j]
			parts = append(parts, partJSON{
				Kind:      part.Kind,
				Text:      stringPtr(part.Text),
				Language:  stringPtr(part.Language),
				ToolName:  stringPtr(part.ToolName),
				Arguments: util.JSONFriendly(part.Arguments),
				Output:    util.JSONFriendly(part.Output),
				ID:        stringPtr(part.ID),
			})
		}
		var meta map[string]interface{}
		if msg.ProviderMeta != nil {
			meta = make(map[string]interface{}, len(msg.ProviderMeta))
			for key, value := range msg.ProviderMeta {
				meta[key] = util.JSONFriendly(value)
			}
		}
		normalized = append(normalized, normalizedJSON{
			ID:           msg.ID,
			Role:         msg.Role,
			Name:         stringPtr(msg.Name),
			Timestamp:    timePtr(msg.Timestamp),
			LatencyMS:    msg.LatencyMS,
			ProviderMeta: meta,
			Parts:        parts,
		})
	}

	var diagnostics *diagnosticsJSON
	if record.Diagnostics != nil {
		warnings := record.Diagnostics.Warnings
		if warnings == nil {
			warnings = []string{}
		}
		diagnostics = &diagnosticsJSON{
			TotalEvents:   record.Diagnostics.TotalEvents,
			ParsedEvents:  record.Diagnostics.ParsedEvents,
			SkippedEvents: record.Diagnostics.SkippedEvents,
			Warnings:      warnings,
		}
	}

	return sessionJSON{
		Provider:           record.Provider,
		SessionID:          record.SessionID,
		SourcePath:         record.SourcePath,
		StartedAt:          timePtr(record.StartedAt),
		UpdatedAt:          timePtr(record.UpdatedAt),
		WorkingDir:         stringPtr(record.WorkingDir),
		Model:              stringPtr(record.Model),
		Messages:           messages,
		NormalizedMessages: normalized,
		Diagnostics:        diagnostics,
	}
}

func deserializeSession(payload sessionJSON) *model.SessionRecord {
	messages := make([]model.Message, 0, len(payload.Messages))
	for _, entry := range payload.Messages {
		role := entry.Role
		if role == "" {
			role = "event"
		}
		messages = append(messages, model.Message{
			Role:      role,
			Content:   entry.Content,
			CreatedAt: fromTimePtr(entry.CreatedAt),
		})
	}

	normalized := make([]model.NormalizedMessage, 0, len(payload.NormalizedMessages))
	for _, entry := range payload.NormalizedMessages {
		parts := make([]model.NormalizedPart, 0, len(entry.Parts))
		for _, partEntry := range entry.Parts {
			kind := partEntry.Kind
			if kind == "" {
				kind = model.PartText
			}
			parts = append(parts, model.NormalizedPart{
				Kind:      kind,
				Text:      fromStringPtr(partEntry.Text),
				Language:  fromStringPtr(partEntry.Language),
				ToolName:  fromStringPtr(partEntry.ToolName),
				Arguments: partEntry.Arguments,
				Output:    partEntry.Output,
				ID:        fromStringPtr(partEntry.ID),
			})
		}
		role := entry.Role
		if role == "" {
			role = model.RoleAssistant
		}
		normalized = append(normalized, model.NormalizedMessage{
			ID:           entry.ID,
			Role:         role,
			Name:         fromStringPtr(entry.Name),
			Timestamp:    fromTimePtr(entry.Timestamp),
			LatencyMS:    entry.LatencyMS,
			ProviderMeta: entry.ProviderMeta,
			Parts:        parts,
		})
	}

	var diagnostics *model.NormalizationDiagnostics
	if payload.Diagnostics != nil {
		diagnostics = &model.NormalizationDiagnostics{
			TotalEvents:   payload.Diagnostics.TotalEvents,
			ParsedEvents:  payload.Diagnostics.ParsedEvents,
			SkippedEvents: payload.Diagnostics.SkippedEvents,
			Warnings:      payload.Diagnostics.Warnings,
		}
	}

	return &model.SessionRecord{
		Provider:           payload.Provider,
		SessionID:          payload.SessionID,
		SourcePath:         payload.SourcePath,
		StartedAt:          fromTimePtr(payload.StartedAt),
		UpdatedAt:          fromTimePtr(payload.UpdatedAt),
		WorkingDir:         fromStringPtr(payload.WorkingDir),
		Model:              fromStringPtr(payload.Model),
		Messages:           messages,
		NormalizedMessages: normalized,
		Diagnostics:        diagnostics,
	}
}
