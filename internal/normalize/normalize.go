// Package normalize turns provider-specific event payloads into
// NormalizedMessage values with structured parts, canonical roles, and
// stable IDs. Providers feed their raw payloads through a Normalizer and
// collect diagnostics about what parsed and what was skipped.
package normalize

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kmckiern/agent-sessions/internal/model"
	"github.com/kmckiern/agent-sessions/internal/util"
)

var roleAliases = map[string]string{
	"system":    model.RoleSystem,
	"developer": model.RoleSystem,
	"user":      model.RoleUser,
	"human":     model.RoleUser,
	"assistant": model.RoleAssistant,
	"ai":        model.RoleAssistant,
	"model":     model.RoleAssistant,
	"gemini":    model.RoleAssistant,
	"tool":      model.RoleTool,
	"function":  model.RoleTool,
}

// Overrides carries caller-supplied fields that take precedence over
// anything extracted from the payload itself.
type Overrides struct {
	Timestamp    time.Time
	Role         string
	Name         string
	LatencyMS    *float64
	ProviderMeta map[string]interface{}
	MessageID    string
}

// Normalizer accumulates diagnostics while normalizing a stream of events
// from a single provider source.
type Normalizer struct {
	Provider    string
	Diagnostics *model.NormalizationDiagnostics

	sequence int
}

// New creates a Normalizer for the given provider name.
func New(provider string) *Normalizer {
	return &Normalizer{
		Provider:    provider,
		Diagnostics: &model.NormalizationDiagnostics{},
	}
}

// NormalizeMessage converts a provider payload into a NormalizedMessage.
// Returns nil when no message parts can be extracted; diagnostics are
// updated either way.
func (n *Normalizer) NormalizeMessage(payload interface{}, overrides Overrides) *model.NormalizedMessage {
	n.Diagnostics.TotalEvents++

	dict, ok := payload.(map[string]interface{})
	if !ok {
		n.Diagnostics.SkippedEvents++
		return nil
	}

	extractedRole := extractRole(dict, overrides.Role)
	extractedName := extractName(dict, overrides.Name)
	extractedLatency := extractLatencyMS(dict, overrides.LatencyMS)
	extractedTimestamp := overrides.Timestamp
	if extractedTimestamp.IsZero() {
		extractedTimestamp = extractTimestamp(dict)
	}

	var parts []model.NormalizedPart
	parts = append(parts, partsFromContent(extractContent(dict))...)
	parts = append(parts, partsFromOpenAIToolCalls(dict)...)
	parts = append(parts, partsFromOpenAIFunctionCall(dict)...)
	parts = append(parts, partsFromGeminiFunction(dict)...)
	parts = append(parts, partsFromToolResultPayload(dict)...)

	parts = compactParts(parts)
	if len(parts) == 0 {
		n.Diagnostics.SkippedEvents++
		return nil
	}

	normalizedRole := resolveRole(extractedRole, parts)
	if lowered := strings.ToLower(strings.TrimSpace(extractedRole)); lowered == "user" || lowered == "human" {
		if normalizedRole == model.RoleTool {
			n.Diagnostics.Warnings = append(n.Diagnostics.Warnings,
				fmt.Sprintf("%s: role override %q -> %q", n.Provider, extractedRole, model.RoleTool))
		}
	}

	msgID := cleanString(overrides.MessageID)
	if msgID == "" {
		msgID = cleanString(stringValue(dict["id"]))
	}
	if msgID == "" {
		msgID = n.stableMessageID(normalizedRole, extractedTimestamp, parts)
	}

	n.Diagnostics.ParsedEvents++
	return &model.NormalizedMessage{
		ID:           msgID,
		Role:         normalizedRole,
		Name:         extractedName,
		Timestamp:    extractedTimestamp,
		LatencyMS:    extractedLatency,
		ProviderMeta: overrides.ProviderMeta,
		Parts:        parts,
	}
}

func (n *Normalizer) nextSequence() int {
	value := n.sequence
	n.sequence++
	return value
}

// RenderLegacyContent renders a NormalizedMessage into the readable
// single-string legacy content. This is also the dedup key input for
// normalized messages.
func RenderLegacyContent(message *model.NormalizedMessage) string {
	var chunks []string
	for i := range message.Parts {
		part := &message.Parts[i]
		switch part.Kind {
		case model.PartText:
			if part.Text != "" {
				chunks = append(chunks, part.Text)
			}
		case model.PartCode:
			if part.Text != "" {
				chunks = append(chunks, fmt.Sprintf("```%s\n%s\n```", part.Language, part.Text))
			}
		case model.PartToolCall:
			name := part.ToolName
			if name == "" {
				name = "tool"
			}
			chunks = append(chunks, strings.TrimSpace(fmt.Sprintf("[tool-call] %s %s", name, util.CompactJSON(part.Arguments))))
		case model.PartToolResult:
			name := part.ToolName
			if name == "" {
				name = "tool"
			}
			chunks = append(chunks, strings.TrimSpace(fmt.Sprintf("[tool-result] %s %s", name, util.CompactJSON(part.Output))))
		}
	}
	return strings.TrimSpace(strings.Join(chunks, "\n"))
}

func extractContent(payload map[string]interface{}) interface{} {
	if content, ok := payload["content"]; ok {
		return content
	}
	if parts, ok := payload["parts"]; ok {
		return parts
	}
	if nested, ok := payload["message"].(map[string]interface{}); ok {
		if content, ok := nested["content"]; ok {
			return content
		}
		if parts, ok := nested["parts"]; ok {
			return parts
		}
	}
	return nil
}

func extractRole(payload map[string]interface{}, override string) string {
	if cleanString(override) != "" {
		return override
	}
	for _, key := range []string{"role", "author", "speaker", "sender", "type"} {
		if value := stringValue(payload[key]); cleanString(value) != "" {
			return value
		}
	}
	if message, ok := payload["message"].(map[string]interface{}); ok {
		value := stringValue(message["role"])
		if cleanString(value) == "" {
			value = stringValue(message["type"])
		}
		if cleanString(value) != "" {
			return value
		}
	}
	return ""
}

func extractName(payload map[string]interface{}, override string) string {
	if cleaned := cleanString(override); cleaned != "" {
		return cleaned
	}
	for _, key := range []string{"name", "tool_name"} {
		if cleaned := cleanString(stringValue(payload[key])); cleaned != "" {
			return cleaned
		}
	}
	return ""
}

func extractLatencyMS(payload map[string]interface{}, override *float64) *float64 {
	if override != nil {
		return override
	}
	for _, key := range []string{"latency_ms", "latencyMs", "duration_ms", "durationMs"} {
		if number, ok := floatValue(payload[key]); ok {
			return &number
		}
	}
	return nil
}

func extractTimestamp(payload map[string]interface{}) time.Time {
	// Providers should generally supply timestamps explicitly; this is
	// best-effort for payloads that carry their own.
	for _, key := range []string{"timestamp", "created_at", "time", "ts"} {
		if ts := util.ParseTimestamp(payload[key]); !ts.IsZero() {
			return ts
		}
	}
	return time.Time{}
}

func resolveRole(role string, parts []model.NormalizedPart) string {
	lowered := strings.ToLower(strings.TrimSpace(role))
	base := roleAliases[lowered]

	hasToolResult := false
	hasToolCall := false
	for i := range parts {
		switch parts[i].Kind {
		case model.PartToolResult:
			hasToolResult = true
		case model.PartToolCall:
			hasToolCall = true
		}
	}

	if hasToolResult {
		return model.RoleTool
	}
	if base != "" {
		return base
	}
	if hasToolCall {
		return model.RoleAssistant
	}
	// Default to assistant to avoid mis-attributing provider events as user
	// messages.
	return model.RoleAssistant
}

func partsFromContent(content interface{}) []model.NormalizedPart {
	switch v := content.(type) {
	case nil:
		return nil
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return nil
		}
		return []model.NormalizedPart{{Kind: model.PartText, Text: text}}
	case map[string]interface{}:
		return partsFromContentDict(v)
	case []interface{}:
		var parts []model.NormalizedPart
		for _, item := range v {
			parts = append(parts, partsFromContent(item)...)
		}
		return parts
	default:
		text := strings.TrimSpace(util.StringifyContent(content))
		if text == "" {
			return nil
		}
		return []model.NormalizedPart{{Kind: model.PartText, Text: text}}
	}
}

func partsFromContentDict(item map[string]interface{}) []model.NormalizedPart {
	kind := strings.ToLower(strings.TrimSpace(util.CoalesceString(item["type"], item["kind"])))

	switch kind {
	case "text", "input_text", "output_text":
		text := strings.TrimSpace(util.CoalesceString(item["text"], item["content"], item["value"]))
		if text == "" {
			return nil
		}
		return []model.NormalizedPart{{Kind: model.PartText, Text: text}}

	case "code", "input_code", "output_code":
		text := strings.TrimSpace(util.CoalesceString(item["text"], item["code"], item["content"]))
		if text == "" {
			return nil
		}
		language := strings.TrimSpace(util.CoalesceString(item["language"], item["lang"]))
		return []model.NormalizedPart{{Kind: model.PartCode, Text: text, Language: language}}

	case "tool_use", "tool-call", "tool_call", "function_call":
		toolName := strings.TrimSpace(util.CoalesceString(item["name"], item["tool_name"], item["tool"]))
		args, ok := item["input"]
		if !ok {
			args = util.Coalesce(item["arguments"], item["args"])
		}
		callID := cleanString(stringValue(item["id"]))
		return []model.NormalizedPart{{
			Kind:      model.PartToolCall,
			ToolName:  toolName,
			Arguments: args,
			ID:        callID,
		}}

	case "tool_result", "tool-result", "tool_output", "function_response":
		toolName := strings.TrimSpace(util.CoalesceString(item["name"], item["tool_name"], item["tool"]))
		out, ok := item["output"]
		if !ok {
			out = util.Coalesce(item["content"], item["result"])
		}
		callID := cleanString(util.CoalesceString(item["tool_use_id"], item["id"]))
		return []model.NormalizedPart{{
			Kind:     model.PartToolResult,
			ToolName: toolName,
			Output:   out,
			ID:       callID,
		}}
	}

	// Gemini parts can have functionCall/functionResponse nested objects.
	if call, ok := item["functionCall"].(map[string]interface{}); ok {
		toolName := cleanString(stringValue(call["name"]))
		args, present := call["args"]
		if !present {
			args = call["arguments"]
		}
		return []model.NormalizedPart{{Kind: model.PartToolCall, ToolName: toolName, Arguments: args}}
	}
	if resp, ok := item["functionResponse"].(map[string]interface{}); ok {
		toolName := cleanString(stringValue(resp["name"]))
		out, present := resp["response"]
		if !present {
			out = resp["output"]
		}
		return []model.NormalizedPart{{Kind: model.PartToolResult, ToolName: toolName, Output: out}}
	}

	// Fallback: attempt to render any text-like keys.
	if text := cleanString(stringValue(item["text"])); text != "" {
		return []model.NormalizedPart{{Kind: model.PartText, Text: text}}
	}
	text := strings.TrimSpace(util.StringifyContent(item))
	if text == "" {
		return nil
	}
	return []model.NormalizedPart{{Kind: model.PartText, Text: text}}
}

func partsFromOpenAIToolCalls(payload map[string]interface{}) []model.NormalizedPart {
	calls, ok := payload["tool_calls"].([]interface{})
	if !ok {
		return nil
	}
	var parts []model.NormalizedPart
	for _, raw := range calls {
		call, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		callID := cleanString(stringValue(call["id"]))
		function, _ := call["function"].(map[string]interface{})
		toolName := cleanString(util.CoalesceString(function["name"], call["name"]))
		var argsRaw interface{}
		if function != nil {
			argsRaw = function["arguments"]
		} else {
			argsRaw = call["arguments"]
		}
		args := argsRaw
		if s, ok := argsRaw.(string); ok {
			if parsed := util.MaybeJSON(s); parsed != nil {
				args = parsed
			}
		}
		parts = append(parts, model.NormalizedPart{
			Kind:      model.PartToolCall,
			ID:        callID,
			ToolName:  toolName,
			Arguments: args,
		})
	}
	return parts
}

func partsFromOpenAIFunctionCall(payload map[string]interface{}) []model.NormalizedPart {
	call, ok := payload["function_call"].(map[string]interface{})
	if !ok {
		return nil
	}
	toolName := cleanString(stringValue(call["name"]))
	argsRaw := call["arguments"]
	args := argsRaw
	if s, ok := argsRaw.(string); ok {
		if parsed := util.MaybeJSON(s); parsed != nil {
			args = parsed
		}
	}
	if toolName == "" && args == nil {
		return nil
	}
	return []model.NormalizedPart{{Kind: model.PartToolCall, ToolName: toolName, Arguments: args}}
}

func partsFromGeminiFunction(payload map[string]interface{}) []model.NormalizedPart {
	// Some Gemini transcripts store function call/response at the message level.
	if call, ok := payload["functionCall"].(map[string]interface{}); ok {
		toolName := cleanString(stringValue(call["name"]))
		args, present := call["args"]
		if !present {
			args = call["arguments"]
		}
		return []model.NormalizedPart{{Kind: model.PartToolCall, ToolName: toolName, Arguments: args}}
	}
	if resp, ok := payload["functionResponse"].(map[string]interface{}); ok {
		toolName := cleanString(stringValue(resp["name"]))
		out, present := resp["response"]
		if !present {
			out = resp["output"]
		}
		return []model.NormalizedPart{{Kind: model.PartToolResult, ToolName: toolName, Output: out}}
	}
	return nil
}

func partsFromToolResultPayload(payload map[string]interface{}) []model.NormalizedPart {
	kind := strings.ToLower(strings.TrimSpace(stringValue(payload["type"])))
	switch kind {
	case "tool_result", "tool-result", "tool_output", "tool-output":
	default:
		return nil
	}
	toolName := cleanString(util.CoalesceString(payload["tool_name"], payload["name"]))
	out, ok := payload["output"]
	if !ok {
		out = util.Coalesce(payload["content"], payload["result"])
	}
	callID := cleanString(util.CoalesceString(payload["tool_use_id"], payload["id"]))
	if toolName == "" && out == nil {
		return nil
	}
	return []model.NormalizedPart{{
		Kind:     model.PartToolResult,
		ToolName: toolName,
		Output:   out,
		ID:       callID,
	}}
}

func compactParts(parts []model.NormalizedPart) []model.NormalizedPart {
	compacted := make([]model.NormalizedPart, 0, len(parts))
	for i := range parts {
		part := parts[i]
		if part.Kind == model.PartText || part.Kind == model.PartCode {
			stripped := strings.TrimSpace(part.Text)
			if stripped == "" {
				continue
			}
			part.Text = stripped
		}
		compacted = append(compacted, part)
	}
	return compacted
}

func (n *Normalizer) stableMessageID(role string, timestamp time.Time, parts []model.NormalizedPart) string {
	hasher := sha1.New()
	write := func(s string) {
		hasher.Write([]byte(s))
		hasher.Write([]byte{0})
	}
	write(n.Provider)
	write(role)
	if timestamp.IsZero() {
		write("")
	} else {
		write(timestamp.Format(time.RFC3339Nano))
	}
	for i := range parts {
		part := &parts[i]
		write(part.Kind)
		write(part.Text)
		write(part.Language)
		write(part.ToolName)
		write(util.CompactJSON(part.Arguments))
		write(util.CompactJSON(part.Output))
		write(part.ID)
	}
	hasher.Write([]byte(strconv.Itoa(n.nextSequence())))
	return n.Provider + ":" + hex.EncodeToString(hasher.Sum(nil))
}

func cleanString(value string) string {
	return strings.TrimSpace(value)
}

func stringValue(value interface{}) string {
	s, _ := value.(string)
	return s
}

func floatValue(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
