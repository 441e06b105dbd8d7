package provider

import (
	"os"
	"strings"
	"time"

	"github.com/kmckiern/agent-sessions/internal/ingest"
	"github.com/kmckiern/agent-sessions/internal/model"
	"github.com/kmckiern/agent-sessions/internal/normalize"
	"github.com/kmckiern/agent-sessions/internal/util"
)

// CodexProvider reads OpenAI Codex CLI rollout logs: one JSONL file per
// session under dated subdirectories.
type CodexProvider struct {
	Base
}

// NewCodexProvider creates the provider. An empty baseDir resolves via
// CODEX_HOME, falling back to ~/.codex.
func NewCodexProvider(baseDir string) *CodexProvider {
	return &CodexProvider{
		Base: newBase(
			"openai-codex",
			"provider.CodexProvider",
			"CODEX_HOME",
			".codex",
			[]string{"sessions/*/*/*/*.jsonl"},
			baseDir,
		),
	}
}

// Rollout filenames end in a UUID; the session id is its five dash parts.
func codexSessionID(path string) string {
	stem := stemOf(path)
	parts := strings.Split(stem, "-")
	if len(parts) >= 5 {
		return strings.Join(parts[len(parts)-5:], "-")
	}
	return stem
}

func (p *CodexProvider) Sessions() []*model.SessionRecord {
	return sortRecords(p.collectSessions(p.buildSessionFromPath))
}

// LoadSessionFromSourcePath parses a single rollout file, confined to the
// provider's base directory.
func (p *CodexProvider) LoadSessionFromSourcePath(sourcePath, sessionID string) *model.SessionRecord {
	resolved, ok := pathWithin(p.baseDir, sourcePath)
	if !ok {
		return nil
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	record := p.buildCached(resolved, p.buildSessionFromPath)
	if record == nil {
		return nil
	}
	if sessionID != "" && record.SessionID != sessionID {
		return nil
	}
	return record
}

func (p *CodexProvider) buildSessionFromPath(path string) *model.SessionRecord {
	builder := ingest.NewSessionBuilder(p.name, path)
	builder.SetSessionID(codexSessionID(path))
	normalizer := normalize.New(p.name)

	ingest.EachJSONL(path, func(event map[string]interface{}) {
		p.handleEvent(builder, normalizer, event)
	})

	builder.SetDiagnostics(normalizer.Diagnostics)
	return builder.Build("")
}

func (p *CodexProvider) handleEvent(builder *ingest.SessionBuilder, normalizer *normalize.Normalizer, event map[string]interface{}) {
	timestamp := codexTimestamp(event)
	builder.RecordTimestamp(timestamp)
	builder.SetWorkingDir(codexWorkdir(event))

	if modelName, priority := codexModel(event); modelName != "" {
		builder.SetModel(modelName, priority)
	}

	payload, ok := event["payload"].(map[string]interface{})
	if !ok || !shouldNormalizeCodexPayload(payload) {
		return
	}
	role := util.CoalesceString(payload["role"], event["role"])
	normalized := normalizer.NormalizeMessage(payload, normalize.Overrides{
		Timestamp: timestamp,
		Role:      role,
	})
	if normalized != nil {
		builder.AddNormalizedMessage(normalized)
	}
}

func codexTimestamp(event map[string]interface{}) time.Time {
	return util.ParseTimestamp(util.Coalesce(
		event["timestamp"],
		event["created_at"],
		event["time"],
		event["ts"],
		event["stored_at"],
	))
}

func codexWorkdir(event map[string]interface{}) string {
	sources := []map[string]interface{}{event}
	if payload, ok := event["payload"].(map[string]interface{}); ok {
		sources = append(sources, payload)
	}

	for _, source := range sources {
		candidates := []interface{}{
			source["cwd"],
			source["workspace_root"],
			source["project_root"],
			source["working_directory"],
			source["root"],
			source["workspace"],
		}
		for _, key := range []string{"command", "shell", "run", "workspace"} {
			if nested, ok := source[key].(map[string]interface{}); ok {
				candidates = append(candidates,
					nested["cwd"], nested["root"], nested["workspace_root"], nested["project_root"])
			}
		}
		for _, candidate := range candidates {
			if value, ok := candidate.(string); ok && strings.TrimSpace(value) != "" {
				return value
			}
		}
	}
	return ""
}

// codexModel extracts a model name and its priority: assistant messages
// beat session headers which beat top-level metadata.
func codexModel(event map[string]interface{}) (string, int) {
	if payload, ok := event["payload"].(map[string]interface{}); ok {
		if modelName, ok := payload["model"].(string); ok && strings.TrimSpace(modelName) != "" {
			if payload["role"] == "assistant" {
				return modelName, 2
			}
			return modelName, 1
		}
		if context, ok := payload["context"].(map[string]interface{}); ok {
			if modelName, ok := context["model"].(string); ok && strings.TrimSpace(modelName) != "" {
				return modelName, 1
			}
		}
	}
	if modelName, ok := event["model"].(string); ok && strings.TrimSpace(modelName) != "" {
		return modelName, 0
	}
	return "", -1
}

var codexNormalizableTypes = map[string]bool{
	"message":     true,
	"tool_result": true, "tool-result": true,
	"tool_output": true, "tool-output": true,
	"tool_call": true, "tool-call": true,
	"tool_use": true, "tool-use": true,
}

func shouldNormalizeCodexPayload(payload map[string]interface{}) bool {
	payloadType, _ := payload["type"].(string)
	if codexNormalizableTypes[strings.ToLower(strings.TrimSpace(payloadType))] {
		return true
	}
	for _, key := range []string{"content", "parts", "tool_calls", "function_call"} {
		if _, ok := payload[key]; ok {
			return true
		}
	}
	return false
}
